package indexer

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ChainClient adapts *ethclient.Client to the narrow chainReader and
// calldataFetcher interfaces the listener and decoder depend on.
type ChainClient struct {
	eth *ethclient.Client
}

func DialChainClient(ctx context.Context, rpcURL string) (*ChainClient, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	return &ChainClient{eth: eth}, nil
}

func (c *ChainClient) BlockNumber(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

func (c *ChainClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return c.eth.FilterLogs(ctx, q)
}

func (c *ChainClient) TransactionCalldata(ctx context.Context, txHash string) ([]byte, error) {
	tx, _, err := c.eth.TransactionByHash(ctx, common.HexToHash(txHash))
	if err != nil {
		return nil, fmt.Errorf("fetch transaction %s: %w", txHash, err)
	}
	return tx.Data(), nil
}

func (c *ChainClient) Close() {
	c.eth.Close()
}

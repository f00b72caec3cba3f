package gateway

import (
	"context"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/darkpool-network/control-plane/internal/logging"
)

// settlementEventSignature is the settlement contract's log topic for a
// completed sponsored match, carrying the sponsorship nonce (= bundle
// id) as an indexed argument.
var settlementEventSignature = common.BytesToHash(crypto.Keccak256([]byte("SponsoredMatchSettled(uint256)")))

// SettlementWatcher runs bundle attribution as a standing log-subscription
// task, matching sponsored bundles against their on-chain settlements
// without request handlers ever polling for them.
type SettlementWatcher struct {
	eth             *ethclient.Client
	contract        common.Address
	bundles         *BundleStore
	pollInterval    time.Duration
	log             *logging.Logger
	attributedTotal int
}

func NewSettlementWatcher(eth *ethclient.Client, contract common.Address, bundles *BundleStore, pollInterval time.Duration, log *logging.Logger) *SettlementWatcher {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &SettlementWatcher{eth: eth, contract: contract, bundles: bundles, pollInterval: pollInterval, log: log}
}

// Run polls for SponsoredMatchSettled logs and, for each, looks up the
// bundle's attribution context, logging the match between a sponsored
// bundle and its on-chain settlement. Runs until ctx is canceled.
func (w *SettlementWatcher) Run(ctx context.Context, fromBlock uint64) error {
	cursor := fromBlock
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			head, err := w.eth.BlockNumber(ctx)
			if err != nil {
				w.log.WithError(err).Warn("settlement watcher: block number fetch failed")
				continue
			}
			if head <= cursor {
				continue
			}
			logs, err := w.eth.FilterLogs(ctx, ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(cursor + 1),
				ToBlock:   new(big.Int).SetUint64(head),
				Addresses: []common.Address{w.contract},
				Topics:    [][]common.Hash{{settlementEventSignature}},
			})
			if err != nil {
				w.log.WithError(err).Warn("settlement watcher: filter logs failed")
				continue
			}
			for _, l := range logs {
				w.attribute(ctx, l)
			}
			cursor = head
		}
	}
}

func (w *SettlementWatcher) attribute(ctx context.Context, l types.Log) {
	if len(l.Topics) < 2 {
		return
	}
	bundleID := new(big.Int).SetBytes(l.Topics[1].Bytes())
	bc, ok := w.bundles.Get(ctx, bundleID)
	if !ok {
		w.log.WithFields(map[string]interface{}{
			"bundle_id": bundleID.String(),
			"tx_hash":   l.TxHash.Hex(),
		}).Warn("settled bundle has no attribution context (TTL expired or never sponsored)")
		return
	}
	w.attributedTotal++
	w.log.WithFields(map[string]interface{}{
		"bundle_id":       bundleID.String(),
		"key_description": bc.KeyDescription,
		"request_id":      bc.RequestID,
		"tx_hash":         l.TxHash.Hex(),
	}).Info("attributed sponsored bundle settlement")
}

// AttributedTotal reports the number of settlements successfully
// attributed so far, for tests and admin diagnostics.
func (w *SettlementWatcher) AttributedTotal() int { return w.attributedTotal }

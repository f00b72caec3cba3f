package indexer

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeCalldataFetcher struct {
	data map[string][]byte
}

func (f *fakeCalldataFetcher) TransactionCalldata(ctx context.Context, txHash string) ([]byte, error) {
	return f.data[txHash], nil
}

func withSelector(sel selector, body []byte) []byte {
	return append(append([]byte{}, sel[:]...), body...)
}

func TestDecodeDepositEmitsDepositTransition(t *testing.T) {
	nullifier := [32]byte{1, 2, 3}
	calldata := withSelector(selectorDeposit, []byte("new-share"))
	fetcher := &fakeCalldataFetcher{data: map[string][]byte{"0xtx1": calldata}}
	d := NewDecoder(fetcher)

	msg := QueueMessage{Payload: ChainEventPayload{TxHash: "0xtx1", Nullifier: hashHex(nullifier), Block: 100}}
	transition, err := d.Decode(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, TransitionDeposit, transition.Kind)
	require.Equal(t, nullifier, transition.Nullifier)
	require.Equal(t, []byte("new-share"), transition.NewPublicShare)
}

func TestDecodeUnknownSelectorFailsClosed(t *testing.T) {
	calldata := []byte{0xde, 0xad, 0xbe, 0xef, 0x00}
	fetcher := &fakeCalldataFetcher{data: map[string][]byte{"0xtx2": calldata}}
	d := NewDecoder(fetcher)

	_, err := d.Decode(context.Background(), QueueMessage{Payload: ChainEventPayload{TxHash: "0xtx2"}})
	require.Error(t, err)
}

func TestDecodeCancelOrder(t *testing.T) {
	nullifier := [32]byte{9, 9, 9}
	calldata := withSelector(selectorCancelOrder, nil)
	fetcher := &fakeCalldataFetcher{data: map[string][]byte{"0xtx3": calldata}}
	d := NewDecoder(fetcher)

	msg := QueueMessage{Payload: ChainEventPayload{TxHash: "0xtx3", Nullifier: hashHex(nullifier)}}
	transition, err := d.Decode(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, TransitionCancelOrder, transition.Kind)
}

func TestDecodeSettleExternalMatchMatchesInputBalanceNullifier(t *testing.T) {
	inputNullifier := [32]byte{5, 5, 5}
	body := make([]byte, 1+32*5)
	body[0] = byte(4) // renegade-settled
	copy(body[1:33], inputNullifier[:])
	body = append(body, []byte("post-match-share")...)

	calldata := withSelector(selectorSettleExternalMatch, body)
	fetcher := &fakeCalldataFetcher{data: map[string][]byte{"0xtx4": calldata}}
	d := NewDecoder(fetcher)

	msg := QueueMessage{Payload: ChainEventPayload{TxHash: "0xtx4", Nullifier: hashHex(inputNullifier)}}
	transition, err := d.Decode(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, TransitionSettleMatchIntoBalance, transition.Kind)
	require.Equal(t, inputNullifier, transition.Nullifier)
}

func TestDecodeSettleMatchNoMatchIsInvalidPartyData(t *testing.T) {
	body := make([]byte, 1+32*5)
	body[0] = byte(0)
	lenPrefixed := make([]byte, 4)
	binary.BigEndian.PutUint32(lenPrefixed, uint32(len(body)))
	full := append(lenPrefixed, body...)
	second := make([]byte, 4)
	binary.BigEndian.PutUint32(second, uint32(len(body)))
	full = append(full, second...)
	full = append(full, body...)

	calldata := withSelector(selectorSettleMatch, full)
	fetcher := &fakeCalldataFetcher{data: map[string][]byte{"0xtx5": calldata}}
	d := NewDecoder(fetcher)

	msg := QueueMessage{Payload: ChainEventPayload{TxHash: "0xtx5", Nullifier: hashHex([32]byte{77})}}
	_, err := d.Decode(context.Background(), msg)
	require.Error(t, err)
}

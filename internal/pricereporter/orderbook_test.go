package pricereporter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReplicatedBookMidpoint(t *testing.T) {
	book := NewReplicatedBook()
	_, ok := book.Midpoint()
	require.False(t, ok, "no midpoint until both sides have a level")

	book.ApplyDelta(true, 100, 1)
	_, ok = book.Midpoint()
	require.False(t, ok, "still no midpoint with only one side populated")

	book.ApplyDelta(false, 102, 1)
	mid, ok := book.Midpoint()
	require.True(t, ok)
	require.Equal(t, 101.0, mid)
}

func TestReplicatedBookDeleteOnZeroQuantity(t *testing.T) {
	book := NewReplicatedBook()
	book.ApplyDelta(true, 100, 1)
	book.ApplyDelta(true, 105, 1)
	book.ApplyDelta(false, 110, 1)

	mid, ok := book.Midpoint()
	require.True(t, ok)
	require.Equal(t, 107.5, mid) // best bid 105

	book.ApplyDelta(true, 105, 0) // delete the better level
	mid, ok = book.Midpoint()
	require.True(t, ok)
	require.Equal(t, 105.0, mid) // falls back to 100
}

func TestReplicatedBookRehydrateIsAtomic(t *testing.T) {
	book := NewReplicatedBook()
	book.ApplyDelta(true, 100, 1)
	book.ApplyDelta(false, 102, 1)

	book.Rehydrate(map[float64]float64{200: 1}, map[float64]float64{202: 1})
	mid, ok := book.Midpoint()
	require.True(t, ok)
	require.Equal(t, 201.0, mid)
}

func TestParsePairInfo(t *testing.T) {
	pair, err := ParsePairInfo("binance-WETH-USDC")
	require.NoError(t, err)
	require.Equal(t, PairInfo{Exchange: "binance", Base: "WETH", Quote: "USDC"}, pair)
	require.Equal(t, "binance-WETH-USDC", pair.Topic())

	_, err = ParsePairInfo("malformed")
	require.Error(t, err)
}

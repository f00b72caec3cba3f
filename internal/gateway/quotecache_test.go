package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQuoteUUIDIsDeterministic(t *testing.T) {
	quote := []byte(`{"price":"1.23","ticker":"ETH-USDC"}`)
	require.Equal(t, QuoteUUID(quote), QuoteUUID(quote))
	require.NotEqual(t, QuoteUUID(quote), QuoteUUID([]byte("different")))
}

func TestQuoteCachePutGet(t *testing.T) {
	c := NewQuoteCache(time.Minute)
	ctx := context.Background()
	id := QuoteUUID([]byte("quote-body"))

	_, ok := c.Get(ctx, id)
	require.False(t, ok)

	c.Put(ctx, id, CachedQuoteContext{OriginalPrice: 42.5})
	got, ok := c.Get(ctx, id)
	require.True(t, ok)
	require.Equal(t, 42.5, got.OriginalPrice)
}

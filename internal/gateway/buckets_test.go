package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTokenBucketAllowSpendsAndExhausts(t *testing.T) {
	b := newTokenBucket(5, 0, time.Second)

	require.True(t, b.Allow(3))
	require.True(t, b.Allow(2))
	require.False(t, b.Allow(1))
	require.Equal(t, float64(0), b.Remaining())
}

func TestTokenBucketRefundCapsAtCapacity(t *testing.T) {
	b := newTokenBucket(5, 0, time.Second)
	require.True(t, b.Allow(5))

	b.Refund(100)
	require.Equal(t, float64(5), b.Remaining())
}

func TestTokenBucketRefillsOverTime(t *testing.T) {
	b := newTokenBucket(10, 10, time.Second)
	require.True(t, b.Allow(10))
	require.Equal(t, float64(0), b.Remaining())

	b.lastRefill = time.Now().Add(-2 * time.Second)
	require.InDelta(t, 10, b.Remaining(), 0.01)
}

func TestBucketManagerChecksPerKeyPerKind(t *testing.T) {
	m := NewBucketManager(2, 0, 3, 0, 1, 0)

	require.NoError(t, m.Check("key-a", BucketQuote, 1))
	require.NoError(t, m.Check("key-a", BucketQuote, 1))
	require.Error(t, m.Check("key-a", BucketQuote, 1))

	// A different key gets its own bucket.
	require.NoError(t, m.Check("key-b", BucketQuote, 1))

	// A different kind for the same key is independent.
	require.NoError(t, m.Check("key-a", BucketBundle, 1))

	require.Equal(t, 3, m.Count())
}

func TestBucketManagerRefund(t *testing.T) {
	m := NewBucketManager(1, 0, 1, 0, 1, 0)
	require.NoError(t, m.Check("key", BucketBundle, 1))
	require.Error(t, m.Check("key", BucketBundle, 1))

	m.Refund("key", BucketBundle, 1)
	require.NoError(t, m.Check("key", BucketBundle, 1))
}

package gateway

import (
	"context"
	"crypto/sha256"
	"time"

	"github.com/google/uuid"

	internalcache "github.com/darkpool-network/control-plane/internal/cache"
)

// QuoteCache stores a CachedQuoteContext keyed by a deterministic UUID
// derived from a signed quote, consulted on assembly to restore the
// original, signature-verifiable quote.
type QuoteCache struct {
	cache *internalcache.TTLCache
}

func NewQuoteCache(ttl time.Duration) *QuoteCache {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &QuoteCache{cache: internalcache.NewTTLCache(ttl)}
}

// QuoteUUID derives a deterministic, collision-resistant UUID from the
// bytes of a signed quote (RFC 4122 version-5 style, name-based).
func QuoteUUID(signedQuote []byte) string {
	sum := sha256.Sum256(signedQuote)
	return uuid.NewSHA1(uuid.NameSpaceOID, sum[:]).String()
}

func (c *QuoteCache) Put(ctx context.Context, quoteUUID string, qc CachedQuoteContext) {
	c.cache.Set(ctx, quoteUUID, qc)
}

func (c *QuoteCache) Get(ctx context.Context, quoteUUID string) (CachedQuoteContext, bool) {
	v, ok := c.cache.Get(ctx, quoteUUID)
	if !ok {
		return CachedQuoteContext{}, false
	}
	return v.(CachedQuoteContext), true
}

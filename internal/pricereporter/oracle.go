package pricereporter

import (
	"context"
	"fmt"
)

// PriceOracle resolves a conversion rate between two quote tokens. The
// StreamCache's Renegade normalization path does not call it: that path
// reads its conversion stream directly from the cache.
type PriceOracle interface {
	// ConversionRate returns the multiplier to convert a price denominated
	// in `from` into a price denominated in `to`.
	ConversionRate(ctx context.Context, from, to string) (float64, error)
}

// cacheBackedOracle is the default PriceOracle: it samples the cached
// stream for the pair (RenegadeExchange, from, to) itself, so the process
// doesn't need an external rate-fetching dependency to boot.
type cacheBackedOracle struct {
	cache *StreamCache
}

// NewCacheBackedOracle builds a PriceOracle that samples conversion rates
// from the same StreamCache used for ordinary price subscriptions.
func NewCacheBackedOracle(cache *StreamCache) PriceOracle {
	return &cacheBackedOracle{cache: cache}
}

func (o *cacheBackedOracle) ConversionRate(ctx context.Context, from, to string) (float64, error) {
	if from == to {
		return 1, nil
	}
	pair := PairInfo{Exchange: RenegadeExchange, Base: from, Quote: to}
	recv, err := o.cache.GetOrCreate(ctx, pair)
	if err != nil {
		return 0, fmt.Errorf("conversion rate %s->%s: %w", from, to, err)
	}
	defer recv.Close()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case price, ok := <-recv.C:
		if !ok {
			return 0, fmt.Errorf("conversion rate %s->%s: stream closed before first sample", from, to)
		}
		return price, nil
	}
}

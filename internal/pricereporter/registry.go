package pricereporter

import "fmt"

// staticRegistry is a fixed, config-driven ExchangeResolver: one WS/REST
// endpoint pair per supported (exchange, base, quote), plus a canonical
// quote token for the Renegade pseudo-exchange's conversion routing.
type staticRegistry struct {
	endpoints     map[PairInfo]ConnectorConfig
	canonicalQuote string
}

// ExchangeEndpoint describes one supported real-exchange pair.
type ExchangeEndpoint struct {
	Pair   PairInfo
	Config ConnectorConfig
}

// NewStaticRegistry builds an ExchangeResolver from a fixed endpoint list.
// canonicalQuote names the quote token Renegade pairs are normalized to
// (e.g. "USDC"); a Renegade pair quoted in any other token is routed
// through a conversion stream against canonicalQuote.
func NewStaticRegistry(endpoints []ExchangeEndpoint, canonicalQuote string) ExchangeResolver {
	m := make(map[PairInfo]ConnectorConfig, len(endpoints))
	for _, e := range endpoints {
		m[e.Pair] = e.Config
	}
	return &staticRegistry{endpoints: m, canonicalQuote: canonicalQuote}
}

func (r *staticRegistry) Supports(pair PairInfo) bool {
	if pair.Exchange == RenegadeExchange {
		_, _, err := r.RenegadeRoute(pair)
		return err == nil
	}
	_, ok := r.endpoints[pair]
	return ok
}

func (r *staticRegistry) ConnectorConfig(pair PairInfo) (ConnectorConfig, error) {
	cfg, ok := r.endpoints[pair]
	if !ok {
		return ConnectorConfig{}, fmt.Errorf("no connector config for %s", pair.Topic())
	}
	return cfg, nil
}

// RenegadeRoute resolves a Renegade pair to its real upstream pair. The
// upstream is whichever registered non-Renegade exchange quotes the same
// base token against the canonical quote; if the requested quote token
// differs from canonicalQuote, a second conversion pair
// (canonicalQuote-quote) is returned.
func (r *staticRegistry) RenegadeRoute(pair PairInfo) (PairInfo, *PairInfo, error) {
	var primary PairInfo
	found := false
	for candidate := range r.endpoints {
		if candidate.Exchange != RenegadeExchange && candidate.Base == pair.Base && candidate.Quote == r.canonicalQuote {
			primary = candidate
			found = true
			break
		}
	}
	if !found {
		return PairInfo{}, nil, fmt.Errorf("no upstream route for renegade pair %s", pair.Topic())
	}

	if pair.Quote == r.canonicalQuote {
		return primary, nil, nil
	}

	conversion := PairInfo{Exchange: pair.Exchange, Base: r.canonicalQuote, Quote: pair.Quote}
	for candidate := range r.endpoints {
		if candidate.Exchange != RenegadeExchange && candidate.Base == r.canonicalQuote && candidate.Quote == pair.Quote {
			conversion = candidate
			return primary, &conversion, nil
		}
	}
	return PairInfo{}, nil, fmt.Errorf("no conversion route for %s -> %s", r.canonicalQuote, pair.Quote)
}

// Package pricereporter implements the multi-tenant WebSocket price hub:
// per-exchange order-book replication, stream de-duplication, and fan-out
// with backpressure.
package pricereporter

import (
	"fmt"
	"strings"
)

// PairInfo is the (exchange, base, quote) triple used to key price streams.
type PairInfo struct {
	Exchange string
	Base     string
	Quote    string
}

// Topic renders the wire-format topic string "exchange-base-quote".
func (p PairInfo) Topic() string {
	return fmt.Sprintf("%s-%s-%s", p.Exchange, p.Base, p.Quote)
}

// ParsePairInfo parses a "exchange-base-quote" topic string.
func ParsePairInfo(topic string) (PairInfo, error) {
	parts := strings.Split(topic, "-")
	if len(parts) != 3 {
		return PairInfo{}, fmt.Errorf("malformed topic %q: expected exchange-base-quote", topic)
	}
	return PairInfo{Exchange: parts[0], Base: parts[1], Quote: parts[2]}, nil
}

// PriceUpdate is one midpoint observation for a pair.
type PriceUpdate struct {
	Pair  PairInfo
	Price float64
}

// ErrConnectionFailed is returned by a ConnectorHandle when its underlying
// WebSocket session fails (write error, read error, or missed keepalive).
type ErrConnectionFailed struct {
	Exchange string
	Cause    error
}

func (e *ErrConnectionFailed) Error() string {
	return fmt.Sprintf("connector: %s connection failed: %v", e.Exchange, e.Cause)
}

func (e *ErrConnectionFailed) Unwrap() error { return e.Cause }

// RenegadeExchange is the internal pseudo-exchange whose quotes are
// synthesized from a primary upstream stream, multiplied by a conversion
// stream when the quote token differs (see StreamCache.getOrCreateRenegade).
const RenegadeExchange = "renegade"

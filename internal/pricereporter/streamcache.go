package pricereporter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/darkpool-network/control-plane/internal/logging"
	"github.com/darkpool-network/control-plane/internal/metrics"
)

const (
	maxRetries       = 5
	maxRetryWindow   = 60 * time.Second
	subscriberBuffer = 8
)

// ExchangeResolver supplies the connect-time config for a given pair, and
// reports whether an exchange/pair combination is supported at all (the WS
// hub's "pre-registered capability check").
type ExchangeResolver interface {
	Supports(pair PairInfo) bool
	ConnectorConfig(pair PairInfo) (ConnectorConfig, error)

	// RenegadeRoute resolves a RenegadeExchange pair into the real
	// upstream pair to stream, plus an optional conversion pair when the
	// requested quote token isn't the upstream's native quote (e.g. a
	// client asking for Renegade-WETH-USDT routed through a
	// Binance-WETH-USDC stream converted by a USDC-USDT rate stream).
	RenegadeRoute(pair PairInfo) (primary PairInfo, conversion *PairInfo, err error)
}

// Receiver is a single subscriber's view of a price stream.
type Receiver struct {
	C      <-chan float64
	cancel func()
}

// Close releases this receiver; when the last receiver for a pair closes,
// the underlying connector is torn down.
func (r *Receiver) Close() {
	if r.cancel != nil {
		r.cancel()
	}
}

type failureEvent struct {
	Pair PairInfo
	Err  error
}

// stream is the internal per-pair state: one connector task, many
// subscriber channels, a retry budget.
type stream struct {
	pair        PairInfo
	subscribers map[int]chan float64
	nextSubID   int
	cancel      context.CancelFunc
}

// StreamCache de-duplicates exchange connections across subscribers: at
// most one upstream connector is live per pair at any time.
type StreamCache struct {
	mu       sync.Mutex
	streams  map[PairInfo]*stream
	resolver ExchangeResolver
	log      *logging.Logger
	metrics  *metrics.Metrics

	// Failures reports streams that exhausted their retry budget, feeding a
	// process-wide closure channel callers can select on.
	Failures chan failureEvent

	dial func(ctx context.Context, pair PairInfo, cfg ConnectorConfig) (*ConnectorHandle, error)
}

func NewStreamCache(resolver ExchangeResolver, log *logging.Logger, m *metrics.Metrics) *StreamCache {
	return &StreamCache{
		streams:  make(map[PairInfo]*stream),
		resolver: resolver,
		log:      log,
		metrics:  m,
		Failures: make(chan failureEvent, 64),
		dial:     connect,
	}
}

// GetOrCreate returns an existing receiver if the stream is live, otherwise
// starts a connector task and returns a fresh receiver.
func (c *StreamCache) GetOrCreate(ctx context.Context, pair PairInfo) (*Receiver, error) {
	if !c.resolver.Supports(pair) {
		return nil, fmt.Errorf("unsupported pair %s", pair.Topic())
	}

	if pair.Exchange == RenegadeExchange {
		return c.getOrCreateRenegade(ctx, pair)
	}

	c.mu.Lock()
	s, ok := c.streams[pair]
	if !ok {
		cfg, err := c.resolver.ConnectorConfig(pair)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		runCtx, cancel := context.WithCancel(context.Background())
		s = &stream{pair: pair, subscribers: make(map[int]chan float64), cancel: cancel}
		c.streams[pair] = s
		go c.runStream(runCtx, s, cfg)
	}
	subID := s.nextSubID
	s.nextSubID++
	ch := make(chan float64, subscriberBuffer)
	s.subscribers[subID] = ch
	if c.metrics != nil {
		c.metrics.ActiveSubscribers.WithLabelValues(pair.Topic()).Set(float64(len(s.subscribers)))
	}
	c.mu.Unlock()

	return &Receiver{
		C: ch,
		cancel: func() {
			c.unsubscribe(pair, subID)
		},
	}, nil
}

// getOrCreateRenegade handles the internal Renegade pseudo-exchange: it
// routes to a real upstream pair and, when a conversion is required,
// composes the primary stream with a conversion stream via a sampled zip,
// yielding price * conversion_rate on every update of either input rather
// than waiting for both to tick in lock-step.
func (c *StreamCache) getOrCreateRenegade(ctx context.Context, pair PairInfo) (*Receiver, error) {
	primary, conversion, err := c.resolver.RenegadeRoute(pair)
	if err != nil {
		return nil, err
	}
	if conversion == nil {
		return c.GetOrCreate(ctx, primary)
	}

	primaryRecv, err := c.GetOrCreate(ctx, primary)
	if err != nil {
		return nil, err
	}
	conversionRecv, err := c.GetOrCreate(ctx, *conversion)
	if err != nil {
		primaryRecv.Close()
		return nil, err
	}

	out := make(chan float64, subscriberBuffer)
	zipCtx, cancel := context.WithCancel(context.Background())
	go func() {
		defer close(out)
		var lastPrice, lastRate float64
		havePrice, haveRate := false, false
		for {
			select {
			case <-zipCtx.Done():
				return
			case p, ok := <-primaryRecv.C:
				if !ok {
					return
				}
				lastPrice, havePrice = p, true
			case r, ok := <-conversionRecv.C:
				if !ok {
					return
				}
				lastRate, haveRate = r, true
			}
			if havePrice && haveRate {
				select {
				case out <- lastPrice * lastRate:
				default:
					select {
					case <-out:
					default:
					}
					select {
					case out <- lastPrice * lastRate:
					default:
					}
				}
			}
		}
	}()

	return &Receiver{
		C: out,
		cancel: func() {
			cancel()
			primaryRecv.Close()
			conversionRecv.Close()
		},
	}, nil
}

func (c *StreamCache) unsubscribe(pair PairInfo, subID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[pair]
	if !ok {
		return
	}
	if ch, ok := s.subscribers[subID]; ok {
		close(ch)
		delete(s.subscribers, subID)
	}
	if c.metrics != nil {
		c.metrics.ActiveSubscribers.WithLabelValues(pair.Topic()).Set(float64(len(s.subscribers)))
	}
	if len(s.subscribers) == 0 {
		s.cancel()
		delete(c.streams, pair)
	}
}

func (c *StreamCache) broadcast(pair PairInfo, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[pair]
	if !ok {
		return
	}
	for _, ch := range s.subscribers {
		select {
		case ch <- price:
		default:
			// Lagged receiver: drop the stale value, keep only the latest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- price:
			default:
			}
		}
	}
}

// runStream owns one connector's lifetime: exponential-bounded retry on
// failure, at most maxRetries within maxRetryWindow.
func (c *StreamCache) runStream(ctx context.Context, s *stream, cfg ConnectorConfig) {
	var failuresAt []time.Time
	backoff := 500 * time.Millisecond

	for {
		if ctx.Err() != nil {
			return
		}
		handle, err := c.dial(ctx, s.pair, cfg)
		if err != nil {
			if !c.recordFailureAndCheckBudget(s.pair, err, &failuresAt) {
				return
			}
			c.sleepBackoff(ctx, &backoff)
			continue
		}
		if c.metrics != nil {
			c.metrics.ActiveConnectors.Inc()
		}
		backoff = 500 * time.Millisecond

		streamErr := c.pump(ctx, s, handle)
		handle.Close()
		if c.metrics != nil {
			c.metrics.ActiveConnectors.Dec()
			c.metrics.ReconnectsTotal.WithLabelValues(s.pair.Exchange).Inc()
		}
		if streamErr == nil {
			return // context canceled: clean shutdown, not a failure.
		}
		if !c.recordFailureAndCheckBudget(s.pair, streamErr, &failuresAt) {
			return
		}
		c.sleepBackoff(ctx, &backoff)
	}
}

func (c *StreamCache) pump(ctx context.Context, s *stream, handle *ConnectorHandle) error {
	for {
		price, err := handle.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		c.broadcast(s.pair, price)
	}
}

func (c *StreamCache) recordFailureAndCheckBudget(pair PairInfo, err error, failuresAt *[]time.Time) bool {
	now := time.Now()
	*failuresAt = append(*failuresAt, now)
	cutoff := now.Add(-maxRetryWindow)
	kept := (*failuresAt)[:0]
	for _, t := range *failuresAt {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	*failuresAt = kept

	if c.log != nil {
		c.log.WithFields(map[string]interface{}{
			"pair":     pair.Topic(),
			"attempts": len(*failuresAt),
		}).WithError(err).Warn("connector failure")
	}

	if len(*failuresAt) > maxRetries {
		c.mu.Lock()
		delete(c.streams, pair)
		c.mu.Unlock()
		select {
		case c.Failures <- failureEvent{Pair: pair, Err: err}:
		default:
		}
		return false
	}
	return true
}

func (c *StreamCache) sleepBackoff(ctx context.Context, backoff *time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(*backoff):
	}
	*backoff *= 2
	if *backoff > 10*time.Second {
		*backoff = 10 * time.Second
	}
}

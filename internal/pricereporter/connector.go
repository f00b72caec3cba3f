package pricereporter

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ConnectorConfig parameterizes one exchange connector instance.
type ConnectorConfig struct {
	WSURL               string
	RESTSnapshotURL     string
	RehydrateMinInterval time.Duration // lower bound of the randomized rehydrate window, e.g. 30s
	RehydrateMaxInterval time.Duration // upper bound, e.g. 60s
	KeepaliveInterval    time.Duration // e.g. 15s
	DialTimeout          time.Duration
}

func DefaultConnectorConfig() ConnectorConfig {
	return ConnectorConfig{
		RehydrateMinInterval: 30 * time.Second,
		RehydrateMaxInterval: 60 * time.Second,
		KeepaliveInterval:    15 * time.Second,
		DialTimeout:          10 * time.Second,
	}
}

// wsSession is the minimal surface a Connector needs from a live socket;
// satisfied by *websocket.Conn, swapped for a fake in tests.
type wsSession interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// restFetcher fetches a REST snapshot body; swapped for a fake in tests.
type restFetcher func(ctx context.Context, url string) ([]byte, error)

// ConnectorHandle is what callers of connect() consume: a lazy, never-ending
// stream of midpoint prices terminated only by Next() returning an error.
type ConnectorHandle struct {
	Pair PairInfo

	conn restFetcher
	book *ReplicatedBook
	cfg  ConnectorConfig
	log  zerolog.Logger

	dial func(ctx context.Context, wsURL string) (wsSession, error)

	updates chan float64
	errs    chan error

	cronSched *cron.Cron
	cancel    context.CancelFunc
	once      sync.Once
}

func defaultDial(ctx context.Context, wsURL string) (wsSession, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func defaultRESTFetch(ctx context.Context, snapshotURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, snapshotURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot fetch %s: status %d", snapshotURL, resp.StatusCode)
	}
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			break
		}
	}
	return buf, nil
}

// connect opens a WebSocket session for pair at cfg.WSURL and starts the
// background book-maintenance loop. It sends no subscription frame of its
// own: the stream it reads is whatever cfg.WSURL delivers.
func connect(ctx context.Context, pair PairInfo, cfg ConnectorConfig) (*ConnectorHandle, error) {
	if cfg.RehydrateMinInterval <= 0 {
		cfg = DefaultConnectorConfig()
	}
	runCtx, cancel := context.WithCancel(ctx)

	h := &ConnectorHandle{
		Pair:      pair,
		conn:      defaultRESTFetch,
		book:      NewReplicatedBook(),
		cfg:       cfg,
		log:       zerolog.New(zerologConsoleWriter()).With().Str("exchange", pair.Exchange).Str("pair", pair.Topic()).Timestamp().Logger(),
		dial:      defaultDial,
		updates:   make(chan float64, 16),
		errs:      make(chan error, 1),
		cronSched: cron.New(),
		cancel:    cancel,
	}

	session, err := h.dial(runCtx, cfg.WSURL)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("connect %s: %w", pair.Topic(), err)
	}

	h.cronSched.Start()
	h.scheduleRehydrate(runCtx)

	go h.readLoop(runCtx, session)
	go h.keepaliveLoop(runCtx, session)

	return h, nil
}

// scheduleRehydrate rolls a jittered [min,max) delay, waits it out, fetches
// a REST snapshot, rehydrates the book, and repeats. It runs as a plain
// goroutine timer loop that re-rolls the delay each round; no entry is
// added to cronSched.
func (h *ConnectorHandle) scheduleRehydrate(ctx context.Context) {
	go func() {
		for {
			delay := jitteredInterval(h.cfg.RehydrateMinInterval, h.cfg.RehydrateMaxInterval)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			if err := h.rehydrate(ctx); err != nil {
				h.log.Warn().Err(err).Msg("snapshot rehydration failed")
			}
		}
	}()
}

func jitteredInterval(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	span := int64(max - min)
	return min + time.Duration(rand.Int63n(span))
}

func (h *ConnectorHandle) rehydrate(ctx context.Context) error {
	body, err := h.conn(ctx, h.cfg.RESTSnapshotURL)
	if err != nil {
		return err
	}
	var snap struct {
		Bids [][2]float64 `json:"bids"`
		Asks [][2]float64 `json:"asks"`
	}
	if err := json.Unmarshal(body, &snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	bids := make(map[float64]float64, len(snap.Bids))
	for _, lvl := range snap.Bids {
		bids[lvl[0]] = lvl[1]
	}
	asks := make(map[float64]float64, len(snap.Asks))
	for _, lvl := range snap.Asks {
		asks[lvl[0]] = lvl[1]
	}
	h.book.Rehydrate(bids, asks)
	h.publishMidpoint()
	return nil
}

type bookDelta struct {
	IsBid    bool    `json:"is_bid"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

func (h *ConnectorHandle) readLoop(ctx context.Context, session wsSession) {
	defer session.Close()
	for {
		if ctx.Err() != nil {
			return
		}
		_, msg, err := session.ReadMessage()
		if err != nil {
			h.fail(&ErrConnectionFailed{Exchange: h.Pair.Exchange, Cause: err})
			return
		}

		var frame struct {
			Type   string      `json:"type"`
			Deltas []bookDelta `json:"deltas"`
		}
		if err := json.Unmarshal(msg, &frame); err != nil {
			// Frames that do not decode are skipped, whatever their type;
			// only a decoded "book_delta" frame with no deltas fails below.
			continue
		}
		switch frame.Type {
		case "book_delta":
			if len(frame.Deltas) == 0 {
				h.fail(&ErrConnectionFailed{Exchange: h.Pair.Exchange, Cause: fmt.Errorf("empty book_delta frame")})
				return
			}
			for _, d := range frame.Deltas {
				h.book.ApplyDelta(d.IsBid, d.Price, d.Quantity)
			}
			h.publishMidpoint()
		default:
			// Unrecognized frame type: tolerated, not an error.
		}
	}
}

func (h *ConnectorHandle) keepaliveLoop(ctx context.Context, session wsSession) {
	ticker := time.NewTicker(h.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := session.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.fail(&ErrConnectionFailed{Exchange: h.Pair.Exchange, Cause: err})
				return
			}
		}
	}
}

func (h *ConnectorHandle) publishMidpoint() {
	mid, ok := h.book.Midpoint()
	if !ok {
		return
	}
	select {
	case h.updates <- mid:
	default:
		// Drop the stale pending update in favor of the latest one; the
		// stream cache's consumer only ever wants the freshest price.
		select {
		case <-h.updates:
		default:
		}
		select {
		case h.updates <- mid:
		default:
		}
	}
}

func (h *ConnectorHandle) fail(err error) {
	select {
	case h.errs <- err:
	default:
	}
}

// Next blocks for the next midpoint price, or returns the fatal connection
// error once the socket has failed.
func (h *ConnectorHandle) Next(ctx context.Context) (float64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case err := <-h.errs:
		return 0, err
	case price := <-h.updates:
		return price, nil
	}
}

// Close tears down the connector's background tasks.
func (h *ConnectorHandle) Close() {
	h.once.Do(func() {
		h.cancel()
		h.cronSched.Stop()
	})
}

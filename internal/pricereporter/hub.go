package pricereporter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/darkpool-network/control-plane/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// clientMessage is the inbound {method, topic} subscribe/unsubscribe frame.
type clientMessage struct {
	Method string `json:"method"`
	Topic  string `json:"topic"`
}

// serverUpdate is the outbound {topic, price} frame.
type serverUpdate struct {
	Topic string  `json:"topic"`
	Price float64 `json:"price"`
}

// serverAck echoes the connection's current subscription set after a
// subscribe/unsubscribe, and carries an error message on rejection.
type serverAck struct {
	Topics []string `json:"topics"`
	Error  string   `json:"error,omitempty"`
}

// Hub accepts WS client connections, parses subscribe/unsubscribe frames,
// and fans out price updates with per-connection backpressure handling.
type Hub struct {
	cache *StreamCache
	log   *logging.Logger
}

func NewHub(cache *StreamCache, log *logging.Logger) *Hub {
	return &Hub{cache: cache, log: log}
}

// ServeHTTP upgrades the connection and runs its lifetime. One goroutine
// per connection, cooperatively multiplexing outbound updates, inbound
// frames, and a close signal via select.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.log != nil {
			h.log.WithError(err).Warn("ws upgrade failed")
		}
		return
	}
	c := &clientConn{
		conn:     conn,
		hub:      h,
		subs:     make(map[PairInfo]*Receiver),
		outbound: make(chan serverUpdate, 64),
		done:     make(chan struct{}),
	}
	c.run(r.Context())
}

type clientConn struct {
	conn     *websocket.Conn
	hub      *Hub
	mu       sync.Mutex
	subs     map[PairInfo]*Receiver
	outbound chan serverUpdate
	done     chan struct{}
	closeOne sync.Once
}

func (c *clientConn) run(ctx context.Context) {
	reads := make(chan clientMessage)
	readErrs := make(chan error, 1)
	go c.readLoop(reads, readErrs)

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			c.closeAll()
			return
		case <-c.done:
			c.closeAll()
			return
		case <-readErrs:
			c.closeAll()
			return
		case msg := <-reads:
			c.handleMessage(msg)
		case update := <-c.outbound:
			if err := c.conn.WriteJSON(update); err != nil {
				c.closeAll()
				return
			}
		case <-keepalive.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.closeAll()
				return
			}
		}
	}
}

func (c *clientConn) readLoop(out chan<- clientMessage, errs chan<- error) {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			errs <- err
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		select {
		case out <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *clientConn) handleMessage(msg clientMessage) {
	pair, err := ParsePairInfo(msg.Topic)
	if err != nil {
		c.sendAck(fmt.Sprintf("invalid topic: %v", err))
		return
	}

	switch msg.Method {
	case "subscribe":
		c.mu.Lock()
		_, already := c.subs[pair]
		c.mu.Unlock()
		if already {
			c.sendAck("")
			return
		}
		recv, err := c.hub.cache.GetOrCreate(context.Background(), pair)
		if err != nil {
			c.sendAck(err.Error())
			return
		}
		c.mu.Lock()
		c.subs[pair] = recv
		c.mu.Unlock()
		go c.fanIn(pair, recv)
		c.sendAck("")
	case "unsubscribe":
		c.mu.Lock()
		recv, ok := c.subs[pair]
		if ok {
			delete(c.subs, pair)
		}
		c.mu.Unlock()
		if ok {
			recv.Close()
		}
		c.sendAck("")
	default:
		c.sendAck("unknown method " + msg.Method)
	}
}

// fanIn pumps one subscribed pair's updates into the connection's shared
// outbound channel, collapsing a slow consumer down to the latest price.
func (c *clientConn) fanIn(pair PairInfo, recv *Receiver) {
	for price := range recv.C {
		update := serverUpdate{Topic: pair.Topic(), Price: price}
		select {
		case c.outbound <- update:
		default:
			select {
			case <-c.outbound:
			default:
			}
			select {
			case c.outbound <- update:
			default:
			}
		}
	}
}

// sendAck writes an acknowledgement directly; it only runs on the
// connection's own goroutine (via handleMessage from the run() select
// loop), so it never races the outbound-channel writer.
func (c *clientConn) sendAck(errMsg string) {
	c.mu.Lock()
	topics := make([]string, 0, len(c.subs))
	for p := range c.subs {
		topics = append(topics, p.Topic())
	}
	c.mu.Unlock()
	_ = c.conn.WriteJSON(serverAck{Topics: topics, Error: errMsg})
}

func (c *clientConn) closeAll() {
	c.closeOne.Do(func() {
		close(c.done)
		c.mu.Lock()
		for _, recv := range c.subs {
			recv.Close()
		}
		c.mu.Unlock()
		c.conn.Close()
	})
}

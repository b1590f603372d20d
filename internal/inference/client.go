// Package inference streams samples to the remote flow-regime classifier over a WebSocket and
// surfaces its predictions.
//
// The client is fire-and-forget: samples are queued only while connected and are otherwise
// dropped. Each connection has a bounded send queue drained by its own writer; Send never
// waits on the network and drops batches when the queue is full. A lost connection is retried after a fixed delay for
// as long as the client is enabled.
package inference

import (
	"FlowDAQ/internal/clock"
	"FlowDAQ/internal/model"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultReconnectDelay is the pause between a lost connection and the next attempt.
const DefaultReconnectDelay = 3 * time.Second

// DefaultHop is the number of new samples between predictions requested from the service.
const DefaultHop = 30

const (
	// DefaultWriteTimeout bounds a single frame write.
	DefaultWriteTimeout = 5 * time.Second
	// DefaultQueueSize is the number of sample batches buffered per connection.
	DefaultQueueSize = 256

	closeGrace = 500 * time.Millisecond
)

// Status is the connection state of the client.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Handler receives the client's asynchronous events. Callbacks may run on a connection's read
// or write goroutine, a timer goroutine or the caller of Enable/Disable, and must not block.
type Handler interface {
	OnStatus(s Status)
	OnPrediction(ev model.ClassificationEvent)
	// OnServerError is called for ERROR messages sent by the service.
	OnServerError(msg string)
	// OnProtocolError is called when an inbound frame cannot be parsed.
	OnProtocolError(err error)
	// OnFilling reports the service's window fill progress.
	OnFilling(have, need int)
}

// NopHandler ignores every event. Embed it to implement only part of Handler.
type NopHandler struct{}

func (NopHandler) OnStatus(Status) {}
func (NopHandler) OnPrediction(model.ClassificationEvent) {}
func (NopHandler) OnServerError(string) {}
func (NopHandler) OnProtocolError(error) {}
func (NopHandler) OnFilling(int, int) {}

// Options configures a Client.
type Options struct {
	URL            string
	Hop            int
	ReconnectDelay time.Duration
	// WriteTimeout bounds every frame write. A write that times out drops the connection.
	WriteTimeout time.Duration
	// QueueSize is the per-connection send buffer; batches beyond it are dropped.
	QueueSize int
	Dialer    Dialer
	Clock     clock.Clock
	// Registerer receives the client's metrics; nil disables them.
	Registerer prometheus.Registerer
}

// Client is a reconnecting WebSocket client for the inference service. It is safe for
// concurrent use.
type Client struct {
	opts    Options
	metrics *Metrics

	mu       sync.Mutex
	handler  Handler
	enabled  bool
	gen      uint64
	status   Status
	link     *link
	ctx      context.Context
	cancel   context.CancelFunc
	timer    clock.Timer
	nSensors int
	acked    bool
	have     int
	need     int
	latest   model.ClassificationEvent
	dropping bool
}

// link is one established connection with its outbound queue. The queue is never closed;
// done tells the writer to stop.
type link struct {
	conn       Conn
	queue      chan []byte
	done       chan struct{}
	once       sync.Once
	backlogged atomic.Bool
}

func newLink(conn Conn, size int) *link {
	return &link{
		conn:  conn,
		queue: make(chan []byte, size),
		done:  make(chan struct{}),
	}
}

// shutdown stops the writer and closes the socket, optionally sending a close frame first.
// Only the first call has an effect; it reports whether this call was that one.
func (l *link) shutdown(closeFrame bool) bool {
	first := false
	l.once.Do(func() {
		first = true
		close(l.done)
		if closeFrame {
			// WriteControl may run alongside a stuck data write; the deadline bounds the wait.
			_ = l.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(closeGrace))
		}
		l.conn.Close()
	})
	return first
}

// NewClient creates a disabled client.
func NewClient(opts Options) *Client {
	if opts.Hop <= 0 {
		opts.Hop = DefaultHop
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Dialer == nil {
		opts.Dialer = WebSocketDialer(10 * time.Second)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Client{
		opts:    opts,
		metrics: newMetrics(opts.Registerer),
		handler: NopHandler{},
		latest:  model.UnknownClassification(),
	}
}

// SetHandler replaces the event handler. A nil handler discards events.
func (c *Client) SetHandler(h Handler) {
	if h == nil {
		h = NopHandler{}
	}
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Enable starts connecting in the background. Every successful connection announces
// nSensors channels with a CONFIG message. Enable on an enabled client is a no-op.
func (c *Client) Enable(nSensors int) {
	c.mu.Lock()
	if c.enabled {
		c.mu.Unlock()
		return
	}
	c.enabled = true
	c.gen++
	c.nSensors = nSensors
	c.latest = model.UnknownClassification()
	c.have, c.need = 0, 0
	ctx, cancel := context.WithCancel(context.Background())
	c.ctx, c.cancel = ctx, cancel
	gen := c.gen
	c.mu.Unlock()

	go c.connect(ctx, gen)
}

// Disable closes the connection and cancels any pending reconnect. No reconnection happens
// until the next Enable.
func (c *Client) Disable() {
	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		return
	}
	c.enabled = false
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	l := c.link
	c.link = nil
	h := c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()

	if l != nil {
		l.shutdown(true)
	}
	h.OnStatus(StatusDisconnected)
}

// Send queues one SAMPLES message holding a value per channel and never blocks on the network.
// It reports whether the batch was queued; while not connected, or while the connection's send
// queue is full, the batch is dropped.
func (c *Client) Send(values []float64) bool {
	c.mu.Lock()
	l := c.link
	if c.status != StatusConnected || l == nil {
		first := !c.dropping
		c.dropping = true
		c.mu.Unlock()
		c.metrics.trackDropped()
		if first {
			log.Printf("inference: not connected, dropping samples until reconnected")
		}
		return false
	}
	c.dropping = false
	c.mu.Unlock()

	data, err := c.encode(TypeSamples, samplesMessage{Type: TypeSamples, Values: values})
	if err != nil {
		log.Printf("inference: failed to send samples: %v", err)
		return false
	}
	select {
	case l.queue <- data:
		l.backlogged.Store(false)
		return true
	default:
		c.metrics.trackDropped()
		if !l.backlogged.Swap(true) {
			log.Printf("inference: send queue full, dropping samples until the service catches up")
		}
		return false
	}
}

// Status returns the current connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Latest returns the most recent prediction, or the unknown classification if none has
// arrived since the last Enable.
func (c *Client) Latest() model.ClassificationEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

// Acknowledged reports whether the service acknowledged the current connection's CONFIG.
func (c *Client) Acknowledged() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acked
}

// Filling returns the last reported window fill progress.
func (c *Client) Filling() (have, need int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.have, c.need
}

func (c *Client) connect(ctx context.Context, gen uint64) {
	c.mu.Lock()
	if c.stale(gen) {
		c.mu.Unlock()
		return
	}
	h := c.setStatusLocked(StatusConnecting)
	nSensors := c.nSensors
	c.mu.Unlock()
	h.OnStatus(StatusConnecting)

	conn, err := c.opts.Dialer(ctx, c.opts.URL)
	if err != nil {
		c.metrics.trackError("connect")
		log.Printf("inference: connection to %s failed: %v", c.opts.URL, err)
		c.fail(nil, gen, StatusError)
		return
	}

	l := newLink(conn, c.opts.QueueSize)

	// CONFIG goes out before the connection is published so no SAMPLES can precede it.
	data, err := c.encode(TypeConfig, configMessage{Type: TypeConfig, NSensors: nSensors, Hop: c.opts.Hop})
	if err == nil {
		err = c.writeFrame(conn, TypeConfig, data)
	}
	if err != nil {
		log.Printf("inference: failed to send config: %v", err)
		c.fail(l, gen, StatusError)
		return
	}

	c.mu.Lock()
	if c.stale(gen) {
		c.mu.Unlock()
		l.shutdown(false)
		return
	}
	c.link = l
	c.acked = false
	c.dropping = false
	h = c.setStatusLocked(StatusConnected)
	c.mu.Unlock()

	log.Printf("inference: connected to %s", c.opts.URL)
	h.OnStatus(StatusConnected)

	go c.readLoop(l, gen)
	go c.writeLoop(l, gen)
}

func (c *Client) readLoop(l *link, gen uint64) {
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			next := StatusError
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				next = StatusDisconnected
			} else {
				c.metrics.trackError("read")
			}
			c.fail(l, gen, next)
			return
		}
		c.handleMessage(gen, data)
	}
}

// writeLoop drains the link's queue until the link is shut down or a write fails.
func (c *Client) writeLoop(l *link, gen uint64) {
	for {
		select {
		case <-l.done:
			return
		case data := <-l.queue:
			if err := c.writeFrame(l.conn, TypeSamples, data); err != nil {
				log.Printf("inference: failed to send samples: %v", err)
				c.fail(l, gen, StatusError)
				return
			}
		}
	}
}

// fail records a lost or failed connection and schedules the next attempt. l is nil when the
// dial itself failed. The reader and the writer may both report the same link; only the first
// report counts.
func (c *Client) fail(l *link, gen uint64, next Status) {
	if l != nil && !l.shutdown(false) {
		return
	}
	c.mu.Lock()
	if l != nil && c.link == l {
		c.link = nil
	}
	if c.stale(gen) {
		c.mu.Unlock()
		return
	}
	h := c.setStatusLocked(next)
	c.timer = c.opts.Clock.AfterFunc(c.opts.ReconnectDelay, func() { c.reconnect(gen) })
	c.mu.Unlock()

	log.Printf("inference: %s, reconnecting in %s", next, c.opts.ReconnectDelay)
	h.OnStatus(next)
}

func (c *Client) reconnect(gen uint64) {
	c.mu.Lock()
	if c.stale(gen) {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	ctx := c.ctx
	c.mu.Unlock()

	c.metrics.trackReconnect()
	c.connect(ctx, gen)
}

func (c *Client) handleMessage(gen uint64, data []byte) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		c.metrics.trackError("parse")
		log.Printf("inference: %v: %q", ErrInvalidMessage, truncate(data, 120))
		c.mu.Lock()
		h := c.handler
		stale := c.stale(gen)
		c.mu.Unlock()
		if !stale {
			h.OnProtocolError(ErrInvalidMessage)
		}
		return
	}
	c.metrics.trackReceived(msg.Type)

	c.mu.Lock()
	if c.stale(gen) {
		c.mu.Unlock()
		return
	}
	h := c.handler
	switch msg.Type {
	case TypePrediction:
		ev := model.ClassificationEvent{
			Label:         model.ParseLabel(msg.Label),
			Probabilities: msg.Probs,
			WindowSize:    msg.Window,
			ReceivedAt:    c.opts.Clock.Now(),
		}
		c.latest = ev
		c.mu.Unlock()
		c.metrics.trackPrediction(string(ev.Label))
		h.OnPrediction(ev)
	case TypeError:
		c.mu.Unlock()
		c.metrics.trackError("server")
		log.Printf("inference: server error: %s", msg.Msg)
		h.OnServerError(msg.Msg)
	case TypeAck:
		c.acked = true
		c.mu.Unlock()
	case TypeFilling:
		c.have, c.need = msg.Have, msg.Need
		c.mu.Unlock()
		h.OnFilling(msg.Have, msg.Need)
	default:
		c.mu.Unlock()
	}
}

func (c *Client) encode(msgType string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		c.metrics.trackError("encode")
		return nil, fmt.Errorf("failed to encode %s message: %w", msgType, err)
	}
	return data, nil
}

// writeFrame writes one text frame under the write timeout. Only the connecting goroutine
// and the link's writer call it, never both for the same connection.
func (c *Client) writeFrame(conn Conn, msgType string, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		c.metrics.trackError("write")
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.metrics.trackError("write")
		return fmt.Errorf("failed to write %s message: %w", msgType, err)
	}
	c.metrics.trackSent(msgType)
	return nil
}

// stale reports whether gen belongs to an earlier Enable/Disable cycle. c.mu must be held.
func (c *Client) stale(gen uint64) bool {
	return !c.enabled || gen != c.gen
}

// setStatusLocked updates the state and returns the handler to notify once c.mu is released.
func (c *Client) setStatusLocked(s Status) Handler {
	c.status = s
	c.metrics.setState(s)
	return c.handler
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

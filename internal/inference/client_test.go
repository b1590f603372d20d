package inference

import (
	"FlowDAQ/internal/clock"
	"FlowDAQ/internal/model"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type written struct {
	typ  int
	data []byte
}

type fakeConn struct {
	mu      sync.Mutex
	writes  []written
	inbound chan []byte
	readErr chan error
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		readErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.inbound:
		return websocket.TextMessage, data, nil
	case err := <-f.readErr:
		return 0, nil, err
	case <-f.closed:
		return 0, nil, net.ErrClosed
	}
}

func (f *fakeConn) WriteMessage(typ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.isClosed() {
		return net.ErrClosed
	}
	f.writes = append(f.writes, written{typ: typ, data: append([]byte(nil), data...)})
	return nil
}

func (f *fakeConn) WriteControl(typ int, data []byte, _ time.Time) error {
	return f.WriteMessage(typ, data)
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// messages returns the decoded text frames of the given protocol type.
func (f *fakeConn) messages(msgType string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, w := range f.writes {
		if w.typ != websocket.TextMessage {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(w.data, &m); err == nil && m["type"] == msgType {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeConn) lastWriteType() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writes) == 0 {
		return -1
	}
	return f.writes[len(f.writes)-1].typ
}

type fakeDialer struct {
	mu    sync.Mutex
	errs  []error
	conns []*fakeConn
	dials int
}

func (d *fakeDialer) failNext(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, err)
}

func (d *fakeDialer) dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return nil, err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

type recordingHandler struct {
	mu             sync.Mutex
	statuses       []Status
	predictions    []model.ClassificationEvent
	serverErrors   []string
	protocolErrors []error
	fills          [][2]int
}

func (h *recordingHandler) OnStatus(s Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, s)
}

func (h *recordingHandler) OnPrediction(ev model.ClassificationEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.predictions = append(h.predictions, ev)
}

func (h *recordingHandler) OnServerError(msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.serverErrors = append(h.serverErrors, msg)
}

func (h *recordingHandler) OnProtocolError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.protocolErrors = append(h.protocolErrors, err)
}

func (h *recordingHandler) OnFilling(have, need int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fills = append(h.fills, [2]int{have, need})
}

func (h *recordingHandler) count(f func() int) func() int {
	return func() int {
		h.mu.Lock()
		defer h.mu.Unlock()
		return f()
	}
}

const (
	waitFor = time.Second
	tick    = time.Millisecond
)

func newTestClient(t *testing.T) (*Client, *fakeDialer, *clock.Fake, *recordingHandler) {
	t.Helper()
	d := &fakeDialer{}
	clk := clock.NewFake(time.Unix(1700000000, 0))
	c := NewClient(Options{
		URL:        "ws://inference.test/ws",
		Dialer:     d.dial,
		Clock:      clk,
		Registerer: prometheus.NewRegistry(),
	})
	h := &recordingHandler{}
	c.SetHandler(h)
	t.Cleanup(c.Disable)
	return c, d, clk, h
}

func waitConnected(t *testing.T, c *Client) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Status() == StatusConnected }, waitFor, tick)
}

func TestClient_SendsOneConfigPerConnection(t *testing.T) {
	c, d, _, _ := newTestClient(t)

	c.Enable(2)
	waitConnected(t, c)

	conn := d.conn(0)
	cfg := conn.messages(TypeConfig)
	require.Len(t, cfg, 1)
	assert.Equal(t, float64(2), cfg[0]["n_sensors"])
	assert.Equal(t, float64(DefaultHop), cfg[0]["hop"])

	assert.True(t, c.Send([]float64{1.5, 2}))
	assert.True(t, c.Send([]float64{3.25, 4}))
	require.Eventually(t, func() bool { return len(conn.messages(TypeSamples)) == 2 }, waitFor, tick)
	samples := conn.messages(TypeSamples)
	assert.Equal(t, []any{1.5, 2.0}, samples[0]["values"])
	assert.Equal(t, []any{3.25, 4.0}, samples[1]["values"])

	c.Enable(2)
	assert.Equal(t, 1, d.dialCount())
	assert.Len(t, conn.messages(TypeConfig), 1)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(c.metrics.messagesSent.WithLabelValues(TypeSamples)) == 2
	}, waitFor, tick)
}

func TestClient_DropsSamplesWhileDisconnected(t *testing.T) {
	c, d, clk, _ := newTestClient(t)

	assert.False(t, c.Send([]float64{1}))

	d.failNext(errors.New("connection refused"))
	c.Enable(1)
	require.Eventually(t, func() bool {
		return c.Status() == StatusError && clk.Pending() == 1
	}, waitFor, tick)
	assert.False(t, c.Send([]float64{2}))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.metrics.samplesDropped))

	clk.Advance(DefaultReconnectDelay)
	waitConnected(t, c)

	conn := d.conn(0)
	assert.Len(t, conn.messages(TypeConfig), 1)
	assert.Empty(t, conn.messages(TypeSamples))
}

func TestClient_ReconnectsAfterFixedDelay(t *testing.T) {
	c, d, clk, h := newTestClient(t)

	d.failNext(errors.New("connection refused"))
	d.failNext(errors.New("connection refused"))
	c.Enable(3)
	require.Eventually(t, func() bool { return clk.Pending() == 1 }, waitFor, tick)
	assert.Equal(t, StatusError, c.Status())

	clk.Advance(DefaultReconnectDelay - time.Millisecond)
	assert.Equal(t, 1, d.dialCount())

	// The retry runs synchronously inside Advance and fails again.
	clk.Advance(time.Millisecond)
	assert.Equal(t, 2, d.dialCount())
	assert.Equal(t, StatusError, c.Status())
	assert.Equal(t, 1, clk.Pending())

	clk.Advance(DefaultReconnectDelay)
	assert.Equal(t, 3, d.dialCount())
	assert.Equal(t, StatusConnected, c.Status())
	assert.Len(t, d.conn(0).messages(TypeConfig), 1)
	assert.Equal(t, float64(2), testutil.ToFloat64(c.metrics.reconnectAttempts))

	statuses := h.count(func() int { return len(h.statuses) })()
	assert.GreaterOrEqual(t, statuses, 6)
}

func TestClient_ReconnectsAfterConnectionLoss(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Status
	}{
		{"normal close", &websocket.CloseError{Code: websocket.CloseGoingAway}, StatusDisconnected},
		{"abnormal read error", io.ErrUnexpectedEOF, StatusError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, d, clk, _ := newTestClient(t)
			c.Enable(1)
			waitConnected(t, c)

			first := d.conn(0)
			first.readErr <- tt.err
			require.Eventually(t, func() bool {
				return c.Status() == tt.want && clk.Pending() == 1
			}, waitFor, tick)
			assert.True(t, first.isClosed())
			assert.False(t, c.Send([]float64{1}))

			clk.Advance(DefaultReconnectDelay)
			assert.Equal(t, StatusConnected, c.Status())
			assert.Len(t, first.messages(TypeConfig), 1)
			assert.Len(t, d.conn(1).messages(TypeConfig), 1)
		})
	}
}

func TestClient_MalformedMessageKeepsSocketOpen(t *testing.T) {
	c, d, clk, h := newTestClient(t)
	c.Enable(3)
	waitConnected(t, c)
	conn := d.conn(0)

	conn.inbound <- []byte("not json")
	conn.inbound <- []byte(`{"label":"LAMINAR"}`)
	require.Eventually(t, func() bool {
		return h.count(func() int { return len(h.protocolErrors) })() == 2
	}, waitFor, tick)
	assert.ErrorIs(t, h.protocolErrors[0], ErrInvalidMessage)
	assert.False(t, conn.isClosed())
	assert.Equal(t, StatusConnected, c.Status())

	conn.inbound <- []byte(`{"type":"HEARTBEAT"}`)
	conn.inbound <- []byte(`{"type":"PREDICTION","label":"TURBULENT","probs":[0.1,0.2,0.7],"window":350}`)
	require.Eventually(t, func() bool { return c.Latest().Label == model.LabelTurbulent }, waitFor, tick)

	ev := c.Latest()
	assert.Equal(t, []float64{0.1, 0.2, 0.7}, ev.Probabilities)
	assert.Equal(t, 350, ev.WindowSize)
	assert.Equal(t, clk.Now(), ev.ReceivedAt)
	assert.Len(t, h.predictions, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(c.metrics.predictions.WithLabelValues("TURBULENT")))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.metrics.errorsTotal.WithLabelValues("parse")))
}

func TestClient_LatestPredictionWins(t *testing.T) {
	c, d, _, h := newTestClient(t)
	c.Enable(1)
	waitConnected(t, c)
	assert.Equal(t, model.LabelUnknown, c.Latest().Label)

	conn := d.conn(0)
	conn.inbound <- []byte(`{"type":"PREDICTION","label":"LAMINAR","probs":[0.9,0.05,0.05],"window":350}`)
	conn.inbound <- []byte(`{"type":"PREDICTION","label":"indeterminado","probs":[],"window":350}`)
	conn.inbound <- []byte(`{"type":"PREDICTION","label":"TRANSITION","probs":[0.2,0.6,0.2],"window":350}`)
	require.Eventually(t, func() bool {
		return h.count(func() int { return len(h.predictions) })() == 3
	}, waitFor, tick)

	assert.Equal(t, model.LabelUnknown, h.predictions[1].Label)
	assert.Equal(t, model.LabelTransition, c.Latest().Label)
}

func TestClient_ServerMessagesAreSurfaced(t *testing.T) {
	c, d, _, h := newTestClient(t)
	c.Enable(2)
	waitConnected(t, c)
	conn := d.conn(0)

	conn.inbound <- []byte(`{"type":"ACK"}`)
	conn.inbound <- []byte(`{"type":"FILLING","have":120,"need":350}`)
	conn.inbound <- []byte(`{"type":"ERROR","msg":"n_sensors mismatch"}`)
	require.Eventually(t, func() bool {
		return h.count(func() int { return len(h.serverErrors) })() == 1
	}, waitFor, tick)

	assert.Equal(t, []string{"n_sensors mismatch"}, h.serverErrors)
	assert.Equal(t, [][2]int{{120, 350}}, h.fills)
	assert.True(t, c.Acknowledged())
	have, need := c.Filling()
	assert.Equal(t, 120, have)
	assert.Equal(t, 350, need)
	assert.False(t, conn.isClosed())
	assert.True(t, c.Send([]float64{1, 2}))
}

func TestClient_DisableSuppressesReconnect(t *testing.T) {
	c, d, clk, _ := newTestClient(t)
	c.Enable(2)
	waitConnected(t, c)
	conn := d.conn(0)

	c.Disable()
	assert.True(t, conn.isClosed())
	assert.Equal(t, websocket.CloseMessage, conn.lastWriteType())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.Never(t, func() bool { return clk.Pending() > 0 }, 50*time.Millisecond, tick)

	clk.Advance(time.Minute)
	assert.Equal(t, 1, d.dialCount())
	assert.False(t, c.Send([]float64{1, 2}))

	c.Enable(4)
	waitConnected(t, c)
	cfg := d.conn(1).messages(TypeConfig)
	require.Len(t, cfg, 1)
	assert.Equal(t, float64(4), cfg[0]["n_sensors"])
	assert.Equal(t, model.LabelUnknown, c.Latest().Label)
}

func TestClient_DisableDuringBackoff(t *testing.T) {
	c, d, clk, _ := newTestClient(t)
	d.failNext(errors.New("connection refused"))
	c.Enable(1)
	require.Eventually(t, func() bool { return clk.Pending() == 1 }, waitFor, tick)

	c.Disable()
	assert.Equal(t, 0, clk.Pending())
	clk.Advance(time.Minute)
	assert.Equal(t, 1, d.dialCount())
}

func TestClient_WebSocketServer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan map[string]any, 8)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err != nil {
				return
			}
			received <- msg
			switch msg["type"] {
			case TypeConfig:
				conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ACK"}`))
			case TypeSamples:
				conn.WriteMessage(websocket.TextMessage,
					[]byte(`{"type":"PREDICTION","label":"LAMINAR","probs":[0.8,0.15,0.05],"window":350}`))
			}
		}
	}))
	defer srv.Close()

	c := NewClient(Options{
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		Dialer: WebSocketDialer(time.Second),
	})
	defer c.Disable()

	c.Enable(2)
	waitConnected(t, c)

	cfg := <-received
	assert.Equal(t, TypeConfig, cfg["type"])
	assert.Equal(t, float64(2), cfg["n_sensors"])

	require.True(t, c.Send([]float64{0.5, 1.25}))
	samples := <-received
	assert.Equal(t, []any{0.5, 1.25}, samples["values"])

	require.Eventually(t, func() bool { return c.Latest().Label == model.LabelLaminar }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, c.Acknowledged())
}

// stalledServer accepts one WebSocket connection, reads its CONFIG and then stops reading until
// the test ends, so the client's writes back up once the socket buffers fill.
func stalledServer(t *testing.T) (url string, configs <-chan map[string]any) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	release := make(chan struct{})
	got := make(chan map[string]any, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if tc, ok := conn.NetConn().(*net.TCPConn); ok {
			tc.SetReadBuffer(4096)
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg map[string]any
		if json.Unmarshal(data, &msg) == nil {
			got <- msg
		}
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", got
}

// sendUntilDropped sends batch until the client starts dropping and returns the longest time a
// single Send took.
func sendUntilDropped(t *testing.T, c *Client, batch []float64) time.Duration {
	t.Helper()
	var slowest time.Duration
	deadline := time.Now().Add(10 * time.Second)
	for testutil.ToFloat64(c.metrics.samplesDropped) == 0 {
		require.True(t, time.Now().Before(deadline), "no samples were dropped")
		start := time.Now()
		c.Send(batch)
		if d := time.Since(start); d > slowest {
			slowest = d
		}
	}
	return slowest
}

func TestClient_StalledPeerDoesNotBlockSendOrDisable(t *testing.T) {
	url, configs := stalledServer(t)

	c := NewClient(Options{
		URL:            url,
		ReconnectDelay: time.Minute,
		WriteTimeout:   200 * time.Millisecond,
		QueueSize:      4,
		Dialer:         WebSocketDialer(time.Second),
		Registerer:     prometheus.NewRegistry(),
	})
	defer c.Disable()

	c.Enable(20000)
	waitConnected(t, c)
	cfg := <-configs
	assert.Equal(t, float64(20000), cfg["n_sensors"])

	batch := make([]float64, 20000)
	for i := range batch {
		batch[i] = float64(i) + 0.125
	}
	slowest := sendUntilDropped(t, c, batch)
	assert.Less(t, slowest, 500*time.Millisecond)

	// The writer gives up on the stalled socket once the write timeout passes.
	require.Eventually(t, func() bool { return c.Status() == StatusError }, 3*time.Second, 10*time.Millisecond)
	assert.Positive(t, testutil.ToFloat64(c.metrics.errorsTotal.WithLabelValues("write")))
	assert.False(t, c.Send(batch))

	start := time.Now()
	c.Disable()
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestClient_DisableWhileWriterIsStuck(t *testing.T) {
	url, configs := stalledServer(t)

	c := NewClient(Options{
		URL:          url,
		WriteTimeout: time.Minute,
		QueueSize:    2,
		Dialer:       WebSocketDialer(time.Second),
		Registerer:   prometheus.NewRegistry(),
	})
	defer c.Disable()

	c.Enable(20000)
	waitConnected(t, c)
	<-configs

	batch := make([]float64, 20000)
	slowest := sendUntilDropped(t, c, batch)
	assert.Less(t, slowest, 500*time.Millisecond)
	assert.Equal(t, StatusConnected, c.Status())

	start := time.Now()
	c.Disable()
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.Send(batch))
}

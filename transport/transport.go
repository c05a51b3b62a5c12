// Package transport owns the one logical websocket connection to the Veia
// server. The connection survives socket churn: unexpected closes trigger
// randomized exponential backoff and a redial, while callers keep a single
// stable handle.
package transport

import (
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jww "github.com/spf13/jwalterweatherman"

	"veia/dispatch"
	"veia/protocol"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// StatusFunc is invoked on every state transition. down is true while the
// connection is anything but Connected.
type StatusFunc func(down bool)

type Options struct {
	URL            string
	MinRetryDelay  time.Duration
	MaxRetryDelay  time.Duration
	MaxRetries     int
	ConnectTimeout time.Duration
}

// Transport maintains the persistent connection and feeds every decoded
// inbound envelope to the bus from one read loop. Sends while the connection
// is down are dropped: there is no outbound queue, callers recover through
// catch-up requests after reconnection.
type Transport struct {
	opts Options
	bus  *dispatch.Bus

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	done    chan struct{}
	running bool

	writeMu sync.Mutex

	statusMu sync.Mutex
	status   StatusFunc
}

func New(opts Options, bus *dispatch.Bus) *Transport {
	if opts.MinRetryDelay <= 0 {
		opts.MinRetryDelay = time.Second
	}
	if opts.MaxRetryDelay < opts.MinRetryDelay {
		opts.MaxRetryDelay = opts.MinRetryDelay
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 10
	}
	return &Transport{
		opts:  opts,
		bus:   bus,
		state: Disconnected,
	}
}

// SetStatusFunc registers the sink notified about up/down transitions.
func (t *Transport) SetStatusFunc(fn StatusFunc) {
	t.statusMu.Lock()
	t.status = fn
	t.statusMu.Unlock()
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect establishes the logical connection. It is idempotent: while a
// connect or reconnect cycle is running, further calls are no-ops. After a
// terminal retry failure or a Close, Connect starts a fresh cycle.
func (t *Transport) Connect() {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()

	t.setState(Connecting)
	go t.run(done)
}

// Close tears the connection down for good. The status sink fires a final
// down=true.
func (t *Transport) Close() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	close(t.done)
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	t.setState(Disconnected)
}

// Send transmits one envelope if the connection is up. Otherwise the
// envelope is dropped with a log line; delivery is never confirmed at this
// layer.
func (t *Transport) Send(action string, data interface{}) {
	raw, err := protocol.Encode(action, data)
	if err != nil {
		jww.ERROR.Printf("[transport] encode %s: %v", action, err)
		return
	}

	t.mu.Lock()
	conn := t.conn
	state := t.state
	t.mu.Unlock()

	if state != Connected || conn == nil {
		jww.WARN.Printf("[transport] dropped %s: connection %s", action, state)
		return
	}

	t.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, raw)
	t.writeMu.Unlock()
	if err != nil {
		jww.ERROR.Printf("[transport] write %s: %v", action, err)
	}
}

// run drives one connect/reconnect cycle. done is this cycle's stop channel,
// captured at Connect time: after a Close the next Connect installs a fresh
// channel, and an old cycle must keep observing its own.
func (t *Transport) run(done chan struct{}) {
	attempt := 0
	for {
		conn, err := t.dial()
		if err != nil {
			if stopped(done) {
				return
			}
			attempt++
			if attempt > t.opts.MaxRetries {
				jww.ERROR.Printf("[transport] giving up after %d attempts: %v", attempt-1, err)
				t.mu.Lock()
				t.running = false
				t.mu.Unlock()
				t.setState(Disconnected)
				return
			}
			t.setState(Reconnecting)
			delay := t.nextDelay(attempt)
			jww.INFO.Printf("[transport] connect failed (attempt %d/%d), retrying in %s: %v",
				attempt, t.opts.MaxRetries, delay, err)
			select {
			case <-done:
				return
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()
		t.setState(Connected)
		jww.INFO.Printf("[transport] connected to %s", t.opts.URL)

		t.readLoop(conn)

		if stopped(done) {
			return
		}
		jww.INFO.Printf("[transport] connection lost, reconnecting")
		t.setState(Reconnecting)
	}
}

func (t *Transport) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: t.opts.ConnectTimeout}
	conn, _, err := dialer.Dial(t.opts.URL, nil)
	return conn, err
}

// readLoop decodes inbound frames and publishes them in arrival order.
// Malformed frames are dropped without touching connection state.
func (t *Transport) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				jww.WARN.Printf("[transport] read: %v", err)
			}
			return
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			jww.WARN.Printf("[transport] dropped malformed frame: %v", err)
			continue
		}
		t.bus.Publish(env)
	}
}

// nextDelay grows exponentially from MinRetryDelay, capped at MaxRetryDelay,
// with the fraction above the minimum randomized to spread thundering herds.
func (t *Transport) nextDelay(attempt int) time.Duration {
	d := t.opts.MinRetryDelay
	for i := 1; i < attempt && d < t.opts.MaxRetryDelay; i++ {
		d *= 2
	}
	if d > t.opts.MaxRetryDelay {
		d = t.opts.MaxRetryDelay
	}
	if span := d - t.opts.MinRetryDelay; span > 0 {
		d = t.opts.MinRetryDelay + time.Duration(rand.Int63n(int64(span)+1))
	}
	return d
}

func stopped(done chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	if t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	t.mu.Unlock()

	t.statusMu.Lock()
	fn := t.status
	t.statusMu.Unlock()
	if fn != nil {
		fn(s != Connected)
	}
}

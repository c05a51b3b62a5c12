package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"veia/dispatch"
	"veia/protocol"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsServer accepts connections and hands them to the test over a channel.
func wsServer(t *testing.T) (*httptest.Server, chan *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)
	return srv, conns
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testOptions(url string) Options {
	return Options{
		URL:            url,
		MinRetryDelay:  10 * time.Millisecond,
		MaxRetryDelay:  50 * time.Millisecond,
		MaxRetries:     3,
		ConnectTimeout: time.Second,
	}
}

func waitConn(t *testing.T, conns chan *websocket.Conn) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

func waitStatus(t *testing.T, statuses chan bool, want bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case down := <-statuses:
			if down == want {
				return
			}
		case <-deadline:
			t.Fatalf("status down=%v never arrived", want)
		}
	}
}

func TestConnectAndReceive(t *testing.T) {
	srv, conns := wsServer(t)

	bus := dispatch.NewBus()
	received := make(chan *protocol.Envelope, 4)
	bus.Subscribe(func(env *protocol.Envelope) { received <- env })

	tr := New(testOptions(wsURL(srv)), bus)
	statuses := make(chan bool, 8)
	tr.SetStatusFunc(func(down bool) { statuses <- down })

	tr.Connect()
	defer tr.Close()

	conn := waitConn(t, conns)
	waitStatus(t, statuses, false)
	require.Equal(t, Connected, tr.State())

	err := conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"action":"status_change","data":{"user_id":"u1","status":"online"}}`))
	require.NoError(t, err)

	select {
	case env := <-received:
		require.Equal(t, protocol.ActionStatusChange, env.Action)
	case <-time.After(2 * time.Second):
		t.Fatal("envelope never published")
	}
}

func TestSendReachesServer(t *testing.T) {
	srv, conns := wsServer(t)

	tr := New(testOptions(wsURL(srv)), dispatch.NewBus())
	tr.Connect()
	defer tr.Close()

	conn := waitConn(t, conns)
	for tr.State() != Connected {
		time.Sleep(5 * time.Millisecond)
	}

	tr.Send(protocol.ActionGetChats, nil)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	require.JSONEq(t, `{"action":"get_chats"}`, string(raw))
}

func TestSendDroppedWhileDown(t *testing.T) {
	tr := New(testOptions("ws://127.0.0.1:1/"), dispatch.NewBus())

	// No connection yet; the frame is dropped, not queued, and nothing
	// panics.
	tr.Send(protocol.ActionGetChats, nil)
	require.Equal(t, Disconnected, tr.State())
}

func TestMalformedFrameDropped(t *testing.T) {
	srv, conns := wsServer(t)

	bus := dispatch.NewBus()
	received := make(chan *protocol.Envelope, 4)
	bus.Subscribe(func(env *protocol.Envelope) { received <- env })

	tr := New(testOptions(wsURL(srv)), bus)
	tr.Connect()
	defer tr.Close()

	conn := waitConn(t, conns)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"get_chats","success":true}`)))

	// Only the well-formed frame comes through, and the connection stays up.
	select {
	case env := <-received:
		require.Equal(t, protocol.ActionGetChats, env.Action)
	case <-time.After(2 * time.Second):
		t.Fatal("envelope never published")
	}
	require.Equal(t, Connected, tr.State())
}

func TestReconnectAfterServerClose(t *testing.T) {
	srv, conns := wsServer(t)

	tr := New(testOptions(wsURL(srv)), dispatch.NewBus())
	statuses := make(chan bool, 8)
	tr.SetStatusFunc(func(down bool) { statuses <- down })

	tr.Connect()
	defer tr.Close()

	first := waitConn(t, conns)
	waitStatus(t, statuses, false)

	_ = first.Close()
	waitStatus(t, statuses, true)

	// The transport redials on its own and comes back up.
	waitConn(t, conns)
	waitStatus(t, statuses, false)
	require.Equal(t, Connected, tr.State())
}

func TestTerminalRetryFailure(t *testing.T) {
	opts := testOptions("ws://127.0.0.1:1/")
	opts.MaxRetries = 2
	opts.ConnectTimeout = 200 * time.Millisecond

	tr := New(opts, dispatch.NewBus())
	tr.Connect()

	deadline := time.After(5 * time.Second)
	for tr.State() != Disconnected {
		select {
		case <-deadline:
			t.Fatal("transport never gave up")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// A fresh Connect starts a new cycle after the terminal failure.
	tr.Connect()
	require.NotEqual(t, Disconnected, tr.State())
	tr.Close()
}

func TestCloseThenConnectSingleCycle(t *testing.T) {
	srv, conns := wsServer(t)

	tr := New(testOptions(wsURL(srv)), dispatch.NewBus())
	statuses := make(chan bool, 8)
	tr.SetStatusFunc(func(down bool) { statuses <- down })

	tr.Connect()
	waitConn(t, conns)
	waitStatus(t, statuses, false)

	// An immediate restart must not leave the old cycle running alongside
	// the new one: the torn-down goroutine observes its own stop channel,
	// not the fresh one.
	tr.Close()
	tr.Connect()
	defer tr.Close()

	waitConn(t, conns)
	waitStatus(t, statuses, false)
	require.Equal(t, Connected, tr.State())

	// Exactly one live cycle: no second dial arrives.
	select {
	case <-conns:
		t.Fatal("stale cycle redialed after Close")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestCloseIsFinal(t *testing.T) {
	srv, conns := wsServer(t)

	tr := New(testOptions(wsURL(srv)), dispatch.NewBus())
	statuses := make(chan bool, 8)
	tr.SetStatusFunc(func(down bool) { statuses <- down })

	tr.Connect()
	waitConn(t, conns)
	waitStatus(t, statuses, false)

	tr.Close()
	waitStatus(t, statuses, true)
	require.Equal(t, Disconnected, tr.State())

	// No redial happens after Close.
	select {
	case <-conns:
		t.Fatal("unexpected redial after Close")
	case <-time.After(200 * time.Millisecond):
	}
}

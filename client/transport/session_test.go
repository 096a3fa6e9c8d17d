package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adwski/chat-playground/client/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWaitTimeout = 3 * time.Second

// wsEchoServer accepts websocket connections and records every inbound
// event. Tests can grab accepted connections to drop them on purpose.
type wsEchoServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mx        sync.Mutex
	conns     []*websocket.Conn
	usernames []string
	received  chan model.Event
}

func newWSEchoServer(t *testing.T) *wsEchoServer {
	t.Helper()
	es := &wsEchoServer{
		t:        t,
		received: make(chan model.Event, 32),
	}
	es.srv = httptest.NewServer(http.HandlerFunc(es.handle))
	t.Cleanup(es.srv.Close)
	return es
}

func (es *wsEchoServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := es.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	es.mx.Lock()
	es.conns = append(es.conns, conn)
	es.usernames = append(es.usernames, r.URL.Query().Get("username"))
	es.mx.Unlock()

	for {
		_, raw, rErr := conn.ReadMessage()
		if rErr != nil {
			return
		}
		var ev model.Event
		if json.Unmarshal(raw, &ev) == nil {
			es.received <- ev
		}
	}
}

func (es *wsEchoServer) url() string {
	return "ws" + strings.TrimPrefix(es.srv.URL, "http")
}

func (es *wsEchoServer) conn(i int) *websocket.Conn {
	es.mx.Lock()
	defer es.mx.Unlock()
	if i >= len(es.conns) {
		return nil
	}
	return es.conns[i]
}

func (es *wsEchoServer) connCount() int {
	es.mx.Lock()
	defer es.mx.Unlock()
	return len(es.conns)
}

func (es *wsEchoServer) send(t *testing.T, i int, ev model.Event) {
	t.Helper()
	conn := es.conn(i)
	require.NotNil(t, conn)
	b, err := json.Marshal(&ev)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))
}

func newTestSession(t *testing.T, url string) *Session {
	t.Helper()
	logger := zerolog.Nop()
	s := NewSession(Config{
		Logger:            &logger,
		URL:               url,
		ReconnectAttempts: 5,
		ReconnectDelay:    20 * time.Millisecond,
	})
	t.Cleanup(s.Disconnect)
	return s
}

func subscribeCh(s *Session, name string) <-chan json.RawMessage {
	ch := make(chan json.RawMessage, 32)
	s.Subscribe(name, func(payload json.RawMessage) {
		ch <- payload
	})
	return ch
}

func waitEvent(t *testing.T, ch <-chan json.RawMessage, what string) json.RawMessage {
	t.Helper()
	select {
	case payload := <-ch:
		return payload
	case <-time.After(testWaitTimeout):
		t.Fatalf("timed out waiting for %s", what)
		return nil
	}
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(testWaitTimeout)
	for time.Now().Before(deadline) {
		if st, _ := s.State(); st == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	st, _ := s.State()
	t.Fatalf("session state is %s, want %s", st, want)
}

func TestSession_ConnectEmitSubscribe(t *testing.T) {
	es := newWSEchoServer(t)
	s := newTestSession(t, es.url())

	connected := subscribeCh(s, model.EventConnect)
	hello := subscribeCh(s, "hello")

	s.Connect("alice")
	waitEvent(t, connected, "connect event")

	es.mx.Lock()
	username := es.usernames[0]
	es.mx.Unlock()
	assert.Equal(t, "alice", username, "identity travels as connection-time credential")

	s.Emit("hello", "from client")
	select {
	case ev := <-es.received:
		assert.Equal(t, "hello", ev.Name)
		assert.Equal(t, json.RawMessage(`"from client"`), ev.Payload)
	case <-time.After(testWaitTimeout):
		t.Fatal("server did not receive emitted event")
	}

	es.send(t, 0, model.Event{Name: "hello", Payload: json.RawMessage(`"from server"`)})
	payload := waitEvent(t, hello, "hello event")
	assert.Equal(t, json.RawMessage(`"from server"`), payload)
}

func TestSession_SubscribersRunInOrder(t *testing.T) {
	es := newWSEchoServer(t)
	s := newTestSession(t, es.url())

	var (
		mx    sync.Mutex
		order []int
	)
	done := make(chan struct{}, 1)
	s.Subscribe("ping", func(json.RawMessage) {
		mx.Lock()
		order = append(order, 1)
		mx.Unlock()
	})
	s.Subscribe("ping", func(json.RawMessage) {
		mx.Lock()
		order = append(order, 2)
		mx.Unlock()
		done <- struct{}{}
	})
	connected := subscribeCh(s, model.EventConnect)

	s.Connect("alice")
	waitEvent(t, connected, "connect event")

	es.send(t, 0, model.Event{Name: "ping"})
	select {
	case <-done:
	case <-time.After(testWaitTimeout):
		t.Fatal("handlers did not run")
	}
	mx.Lock()
	defer mx.Unlock()
	assert.Equal(t, []int{1, 2}, order)
}

func TestSession_EmitWhileDisconnected(t *testing.T) {
	es := newWSEchoServer(t)
	s := newTestSession(t, es.url())

	s.Emit("hello", "nobody is listening")

	st, attempts := s.State()
	assert.Equal(t, StateDisconnected, st)
	assert.Zero(t, attempts)
	assert.Zero(t, es.connCount())
}

func TestSession_ConnectIsIdempotent(t *testing.T) {
	es := newWSEchoServer(t)
	s := newTestSession(t, es.url())
	connected := subscribeCh(s, model.EventConnect)

	s.Connect("alice")
	s.Connect("alice")
	waitEvent(t, connected, "connect event")

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, es.connCount(), "redundant connect must not open a second connection")
}

func TestSession_ReconnectAfterDrop(t *testing.T) {
	es := newWSEchoServer(t)
	s := newTestSession(t, es.url())

	connected := subscribeCh(s, model.EventConnect)
	dropped := subscribeCh(s, model.EventDisconnect)
	attempts := subscribeCh(s, model.EventReconnectAttempt)

	s.Connect("alice")
	waitEvent(t, connected, "connect event")

	require.NoError(t, es.conn(0).Close())

	waitEvent(t, dropped, "disconnect event")
	payload := waitEvent(t, attempts, "reconnect_attempt event")
	var n int
	require.NoError(t, json.Unmarshal(payload, &n))
	assert.Equal(t, 1, n)

	waitEvent(t, connected, "reconnect")
	waitState(t, s, StateConnected)
	_, count := s.State()
	assert.Zero(t, count, "successful reconnect resets the counter")
	assert.Equal(t, 2, es.connCount())
}

func TestSession_RetriesExhausted(t *testing.T) {
	es := newWSEchoServer(t)
	url := es.url()
	es.srv.Close() // nobody home

	s := newTestSession(t, url)
	attempts := subscribeCh(s, model.EventReconnectAttempt)

	s.Connect("alice")

	for want := 1; want <= 5; want++ {
		payload := waitEvent(t, attempts, "reconnect_attempt event")
		var n int
		require.NoError(t, json.Unmarshal(payload, &n))
		assert.Equal(t, want, n)
	}

	waitState(t, s, StateDisconnected)
	_, count := s.State()
	assert.Equal(t, 5, count, "exhausted retry cycle stays observable")

	select {
	case <-attempts:
		t.Fatal("no attempts may fire beyond the bound")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSession_DisconnectSuppressesScheduledRetry(t *testing.T) {
	es := newWSEchoServer(t)
	url := es.url()
	es.srv.Close()

	logger := zerolog.Nop()
	s := NewSession(Config{
		Logger:            &logger,
		URL:               url,
		ReconnectAttempts: 5,
		ReconnectDelay:    100 * time.Millisecond,
	})
	attempts := subscribeCh(s, model.EventReconnectAttempt)

	s.Connect("alice")
	waitEvent(t, attempts, "first reconnect_attempt")

	s.Disconnect()

	select {
	case <-attempts:
		t.Fatal("scheduled retry fired after disconnect")
	case <-time.After(400 * time.Millisecond):
	}
	st, count := s.State()
	assert.Equal(t, StateDisconnected, st)
	assert.Zero(t, count)
}

func TestSession_DisconnectIsIdempotent(t *testing.T) {
	es := newWSEchoServer(t)
	s := newTestSession(t, es.url())
	connected := subscribeCh(s, model.EventConnect)

	s.Connect("alice")
	waitEvent(t, connected, "connect event")

	s.Disconnect()
	s.Disconnect()
	waitState(t, s, StateDisconnected)

	// A fresh connect after teardown starts a clean session.
	s.Connect("alice")
	waitEvent(t, connected, "second connect event")
}

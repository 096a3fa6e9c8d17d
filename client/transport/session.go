package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/adwski/chat-playground/client/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultReconnectAttempts = 5
	defaultReconnectDelay    = time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 65536
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give server to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second

	defaultSendBufferSize = 64
)

var (
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
	errConnectionLost   = errors.New("connection lost")
)

// State describes where the session is in its lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Handler is called once per inbound event, in arrival order. All handlers
// for all events run on the session's single receive goroutine, so no two
// invocations ever overlap.
type Handler func(payload json.RawMessage)

type Config struct {
	Logger            *zerolog.Logger
	URL               string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
}

// Session owns the single websocket connection to the chat server. It does
// not interpret payloads; it surfaces raw inbound events to subscribers and
// accepts outbound event requests. Connection drops are retried up to a
// fixed bound; Disconnect suppresses any scheduled retry.
type Session struct {
	logger      zerolog.Logger
	dialer      *websocket.Dialer
	url         string
	maxAttempts int
	delay       time.Duration

	mx       sync.Mutex
	state    State
	attempts int
	gen      int
	cancel   context.CancelFunc
	conn     *websocket.Conn
	send     chan model.Event
	handlers map[string][]Handler
}

func NewSession(cfg Config) *Session {
	attempts := cfg.ReconnectAttempts
	if attempts == 0 {
		attempts = defaultReconnectAttempts
	}
	delay := cfg.ReconnectDelay
	if delay == 0 {
		delay = defaultReconnectDelay
	}
	return &Session{
		logger: cfg.Logger.With().Str("component", "session").Logger(),
		dialer: &websocket.Dialer{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
		},
		url:         cfg.URL,
		maxAttempts: attempts,
		delay:       delay,
		handlers:    make(map[string][]Handler),
	}
}

// Subscribe registers a handler for inbound events with the given name.
// Handlers registered for the same name run in registration order.
func (s *Session) Subscribe(name string, h Handler) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.handlers[name] = append(s.handlers[name], h)
}

// State returns the current lifecycle state and the reconnect attempt
// counter. The counter resets to zero on a successful (re)connect.
func (s *Session) State() (State, int) {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.state, s.attempts
}

// Connect opens the connection carrying identity as the connection-time
// credential. It is a no-op while the session is connecting or connected.
func (s *Session) Connect(identity string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.state != StateDisconnected {
		s.logger.Debug().Stringer("state", s.state).Msg("connect ignored")
		return
	}
	s.gen++
	s.state = StateConnecting
	s.attempts = 0
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx, s.gen, identity)
}

// Disconnect tears the connection down and suppresses auto-reconnect until
// Connect is called again. Safe to call redundantly.
func (s *Session) Disconnect() {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.state = StateDisconnected
	s.attempts = 0
	s.logger.Debug().Msg("session disconnected")
}

// Emit sends a fire-and-forget event to the server. If the session is not
// currently connected the event is dropped, not queued.
func (s *Session) Emit(name string, payload any) {
	s.mx.Lock()
	tx := s.send
	connected := s.state == StateConnected
	s.mx.Unlock()

	if !connected {
		s.logger.Debug().Str("event", name).Msg("emit dropped, not connected")
		return
	}

	var (
		raw []byte
		err error
	)
	if payload != nil {
		if raw, err = json.Marshal(payload); err != nil {
			s.logger.Error().Err(err).Str("event", name).Msg("failed to marshall outgoing event")
			return
		}
	}
	select {
	case tx <- model.Event{Name: name, Payload: raw}:
	default:
		s.logger.Warn().Str("event", name).Msg("send buffer is full, event dropped")
	}
}

// run drives the dial/connected/retry cycle for one Connect call. All
// inbound and synthetic events are dispatched from this goroutine.
func (s *Session) run(ctx context.Context, gen int, identity string) {
	defer s.park(gen)

	conn, err := s.dial(ctx, identity)
	for {
		if err != nil {
			if conn, err = s.retry(ctx, gen, identity); err != nil {
				s.logger.Warn().Err(err).Msg("session ended")
				return
			}
		}
		if !s.attach(gen, conn) {
			webSocketCloser(conn, &s.logger)
			return
		}
		s.dispatch(model.EventConnect, nil)
		s.serve(ctx, gen, conn)
		s.dispatch(model.EventDisconnect, nil)
		if ctx.Err() != nil {
			return
		}
		conn, err = nil, errConnectionLost
	}
}

// retry makes up to maxAttempts reconnect attempts with a fixed delay in
// between, announcing each one. Cancellation suppresses pending attempts.
func (s *Session) retry(ctx context.Context, gen int, identity string) (*websocket.Conn, error) {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if !s.transition(gen, StateReconnecting, attempt) {
			return nil, context.Canceled
		}
		b, _ := json.Marshal(attempt)
		s.dispatch(model.EventReconnectAttempt, b)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.delay):
		}

		conn, err := s.dial(ctx, identity)
		if err == nil {
			return conn, nil
		}
		s.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
	}
	return nil, ErrRetriesExhausted
}

func (s *Session) dial(ctx context.Context, identity string) (*websocket.Conn, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("username", identity)
	u.RawQuery = q.Encode()

	conn, _, err := s.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	s.logger.Debug().Str("url", s.url).Msg("connected")
	return conn, nil
}

// attach publishes a fresh connection, resetting the attempt counter and
// the send buffer. It fails if the session was disconnected in the meantime.
func (s *Session) attach(gen int, conn *websocket.Conn) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	if gen != s.gen || s.cancel == nil {
		return false
	}
	s.state = StateConnected
	s.attempts = 0
	s.conn = conn
	s.send = make(chan model.Event, defaultSendBufferSize)
	return true
}

// serve runs the sender pump in its own goroutine and receives inline until
// the connection dies or the session context is canceled.
func (s *Session) serve(ctx context.Context, gen int, conn *websocket.Conn) {
	s.mx.Lock()
	tx := s.send
	s.mx.Unlock()

	pumpCtx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		webSocketSender(pumpCtx, wg, conn, tx, &s.logger)
		_ = conn.Close()
	}()

	s.receive(pumpCtx, conn)
	cancel()
	wg.Wait()
	webSocketCloser(conn, &s.logger)
	s.detach(gen, conn)
}

func (s *Session) detach(gen int, conn *websocket.Conn) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if gen == s.gen && s.conn == conn {
		s.conn = nil
	}
}

// park moves the session to disconnected, keeping the attempt counter as
// is so an exhausted retry cycle stays observable until the next Connect.
func (s *Session) park(gen int) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if gen != s.gen {
		return
	}
	s.state = StateDisconnected
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// transition applies a state change for the given session generation. It
// fails after Disconnect so a stale retry cannot resurrect a torn-down
// session.
func (s *Session) transition(gen int, st State, attempt int) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	if gen != s.gen || s.cancel == nil {
		return false
	}
	s.state = st
	s.attempts = attempt
	return true
}

func (s *Session) dispatch(name string, payload json.RawMessage) {
	s.mx.Lock()
	hh := make([]Handler, len(s.handlers[name]))
	copy(hh, s.handlers[name])
	s.mx.Unlock()

	if len(hh) == 0 {
		s.logger.Trace().Str("event", name).Msg("no subscribers")
		return
	}
	for _, h := range hh {
		h(payload)
	}
}

func (s *Session) receive(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		s.logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	if err := readDeadLineFunc(defaultPongWait); err != nil {
		s.logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			_, msg, wsErr := conn.ReadMessage()
			if wsErr != nil {
				if websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					s.logger.Warn().Err(wsErr).Msg("connection closed")
				} else if ctx.Err() == nil {
					s.logger.Error().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}

			var ev model.Event
			if wsErr = json.Unmarshal(msg, &ev); wsErr != nil {
				s.logger.Error().Err(wsErr).Msg("failed to unmarshall incoming event")
				continue
			}
			s.dispatch(ev.Name, ev.Payload)
		}
	}
}

func webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	tx <-chan model.Event,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = conn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
				break SendLoop
			}
			logger.Trace().Msg("ping sent")

		case ev, ok := <-tx:
			if !ok {
				break SendLoop
			}

			b, wsErr := json.Marshal(&ev)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to marshall outgoing event")
				break SendLoop
			}

			wsErr = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			if wsErr = conn.WriteMessage(websocket.TextMessage, b); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing event")
				break SendLoop
			}
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr == nil {
		_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
	}
	if wsErr = conn.Close(); wsErr != nil {
		logger.Trace().Err(wsErr).Msg("websocket close")
	}
}

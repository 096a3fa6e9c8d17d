package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/chat-playground/client/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize  = 10000
	defaultWebsocketWriteBufferSize = 10000
	defaultWebSocketMaxMessageSize  = 65536
	defaultHandshakeTimeout         = 3 * time.Second
	defaultWriteDeadline            = 5 * time.Second
	defaultCloseWriteDeadline       = 2 * time.Second

	// Clients ping every few seconds; anything this quiet is gone.
	defaultReadIdleTimeout = 60 * time.Second

	defaultHistoryPageSize = 20
	defaultRoomID          = "general"
)

var ErrUnexpected = errors.New("unexpected server error")

type Config struct {
	Logger          *zerolog.Logger
	ListenAddr      string
	HistoryPageSize int
	DefaultRoom     string
}

// Server is the in-memory dev chat server. It speaks the client's event
// protocol over a single websocket endpoint: rooms, roster, paginated
// history, typing, reactions and read receipts. Nothing survives a
// restart.
type Server struct {
	logger   zerolog.Logger
	state    *State
	hub      *hub
	ws       *websocket.Upgrader
	pageSize int
	room     string
	handler  http.Handler
	*http.Server
}

func NewServer(cfg Config) *Server {
	pageSize := cfg.HistoryPageSize
	if pageSize == 0 {
		pageSize = defaultHistoryPageSize
	}
	roomID := cfg.DefaultRoom
	if roomID == "" {
		roomID = defaultRoomID
	}
	srv := &Server{
		logger:   cfg.Logger.With().Str("component", "chat-server").Logger(),
		state:    NewState(roomID),
		hub:      newHub(cfg.Logger),
		pageSize: pageSize,
		room:     roomID,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.serveWS)
	srv.handler = mux

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

// Handler exposes the websocket endpoint for tests.
func (srv *Server) Handler() http.Handler {
	return srv.handler
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	logger := srv.logger.With().Str("userID", username).Logger()

	user := model.User{ID: username, Username: username, IsOnline: true}
	srv.state.UpsertUser(user)
	srv.state.JoinRoom(srv.room, username)

	tx := srv.hub.register(username)
	go writePump(conn, tx, &logger)

	// Initial sync for this client, then announce to everyone else.
	srv.hub.sendTo(username, event(model.EventMessageHistory, srv.state.History(srv.room, srv.pageSize)))
	srv.hub.sendTo(username, event(model.EventUsersList, srv.state.Users()))
	srv.hub.broadcast(event(model.EventRoomsList, srv.state.Rooms()), "")
	srv.hub.broadcast(event(model.EventUserJoined, user), username)

	logger.Debug().Msg("client connected")

	srv.readLoop(conn, username, &logger)

	srv.hub.unregister(username, tx)
	srv.state.RemoveUser(username)
	srv.hub.broadcast(event(model.EventUserLeft, username), username)
	logger.Debug().Msg("client disconnected")
}

func (srv *Server) readLoop(conn *websocket.Conn, username string, logger *zerolog.Logger) {
	defer func() {
		_ = conn.Close()
	}()

	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(defaultReadIdleTimeout))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(defaultReadIdleTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(defaultWriteDeadline))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("connection closed")
			} else {
				logger.Warn().Err(err).Msg("receive error")
			}
			return
		}
		var ev model.Event
		if err = json.Unmarshal(raw, &ev); err != nil {
			logger.Error().Err(err).Msg("failed to unmarshall incoming event")
			continue
		}
		srv.handleEvent(username, ev, logger)
	}
}

// handleEvent applies one client event. A malformed payload fails that
// event only.
func (srv *Server) handleEvent(username string, ev model.Event, logger *zerolog.Logger) {
	switch ev.Name {
	case model.EventMessage:
		var out model.OutgoingMessage
		if !decode(ev, &out, logger) {
			return
		}
		roomID := out.RoomID
		if roomID == "" {
			roomID = srv.room
		}
		srv.state.JoinRoom(roomID, username)
		msg, err := srv.state.AppendMessage(model.Message{
			Content: out.Content,
			Sender:  username,
			Type:    out.Type,
			RoomID:  roomID,
		})
		if err != nil {
			logger.Error().Err(err).Str("roomID", roomID).Msg("message dropped")
			return
		}
		srv.hub.broadcastTo(srv.state.Members(roomID), event(model.EventMessage, msg), "")

	case model.EventPrivateMessage:
		var out model.OutgoingPrivateMessage
		if !decode(ev, &out, logger) {
			return
		}
		msg := model.Message{
			Content:   out.Content,
			Sender:    username,
			Timestamp: time.Now().UTC(),
			Type:      model.TextMessage,
		}
		srv.hub.sendTo(out.RecipientID, event(model.EventMessage, msg))
		srv.hub.sendTo(username, event(model.EventMessage, msg))

	case model.EventJoinRoom:
		var roomID string
		if !decode(ev, &roomID, logger) {
			return
		}
		srv.state.JoinRoom(roomID, username)
		srv.hub.sendTo(username, event(model.EventMessageHistory, srv.state.History(roomID, srv.pageSize)))
		srv.hub.broadcast(event(model.EventRoomsList, srv.state.Rooms()), "")

	case model.EventCreateRoom:
		var req model.CreateRoomRequest
		if !decode(ev, &req, logger) {
			return
		}
		srv.state.CreateRoom(req.Name, req.Type)
		srv.hub.broadcast(event(model.EventRoomsList, srv.state.Rooms()), "")

	case model.EventStartTyping, model.EventStopTyping:
		var roomID string
		if !decode(ev, &roomID, logger) {
			return
		}
		notice := model.TypingNotice{UserID: username, IsTyping: ev.Name == model.EventStartTyping}
		srv.hub.broadcastTo(srv.state.Members(roomID), event(model.EventUserTyping, notice), username)

	case model.EventAddReaction:
		var req model.ReactionRequest
		if !decode(ev, &req, logger) {
			return
		}
		roomID, err := srv.state.React(req.MessageID, req.Reaction, username)
		if err != nil {
			logger.Debug().Err(err).Str("messageID", req.MessageID).Msg("reaction dropped")
			return
		}
		notice := model.ReactionNotice{MessageID: req.MessageID, Reaction: req.Reaction, UserID: username}
		srv.hub.broadcastTo(srv.state.Members(roomID), event(model.EventMessageReaction, notice), "")

	case model.EventMarkAsRead:
		var messageID string
		if !decode(ev, &messageID, logger) {
			return
		}
		roomID, err := srv.state.MarkRead(messageID, username)
		if err != nil {
			logger.Debug().Err(err).Str("messageID", messageID).Msg("read receipt dropped")
			return
		}
		notice := model.ReadNotice{MessageID: messageID, UserID: username}
		srv.hub.broadcastTo(srv.state.Members(roomID), event(model.EventMessageRead, notice), "")

	case model.EventLoadMessages:
		var req model.LoadMessagesRequest
		if !decode(ev, &req, logger) {
			return
		}
		limit := req.Limit
		if limit <= 0 || limit > srv.pageSize {
			limit = srv.pageSize
		}
		page := srv.state.PageBefore(req.RoomID, req.Before, limit)
		srv.hub.sendTo(username, event(model.EventMessageHistory, page))

	default:
		logger.Warn().Str("event", ev.Name).Msg("unknown event")
	}
}

func decode(ev model.Event, v any, logger *zerolog.Logger) bool {
	if err := json.Unmarshal(ev.Payload, v); err != nil {
		logger.Error().Err(err).Str("event", ev.Name).Msg("malformed payload dropped")
		return false
	}
	return true
}

func event(name string, payload any) model.Event {
	b, _ := json.Marshal(payload)
	return model.Event{Name: name, Payload: b}
}

func writePump(conn *websocket.Conn, tx <-chan model.Event, logger *zerolog.Logger) {
	for ev := range tx {
		b, err := json.Marshal(&ev)
		if err != nil {
			logger.Error().Err(err).Msg("failed to marshall outgoing event")
			continue
		}
		if err = conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
			break
		}
		if err = conn.WriteMessage(websocket.TextMessage, b); err != nil {
			logger.Debug().Err(err).Msg("failed to write outgoing event")
			break
		}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(defaultCloseWriteDeadline))
	_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
	_ = conn.Close()
}

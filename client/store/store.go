package store

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/adwski/chat-playground/client/model"
	"github.com/adwski/chat-playground/client/transport"
	"github.com/rs/zerolog"
)

const (
	defaultPageSize = 20
	defaultRoomID   = "general"
)

// Status is the connection state as the store tracks it from synthetic
// session events.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusReconnecting Status = "reconnecting"
	StatusConnected    Status = "connected"
)

// Session is the transport surface the store needs.
type Session interface {
	Emit(name string, payload any)
	Subscribe(name string, h transport.Handler)
}

type Config struct {
	Logger   *zerolog.Logger
	Session  Session
	PageSize int
	RoomID   string
	// OnUpdate, if set, is called after every applied merge and after every
	// connection status change. It runs on the session's dispatch goroutine
	// and must not block.
	OnUpdate func()
}

// Store owns the five local collections (messages, users, rooms, typing
// set, connection status) and applies every inbound event to them in
// arrival order. Intent functions are guarded emits: when the session is
// not connected they silently do nothing, matching the transport's
// no-queue policy.
type Store struct {
	logger   zerolog.Logger
	session  Session
	pageSize int
	onUpdate func()

	mx          sync.RWMutex
	status      Status
	attempts    int
	messages    []model.Message
	users       []model.User
	rooms       []model.Room
	typing      map[string]struct{}
	currentRoom string
	loadPending bool
	exhausted   bool
}

// Snapshot is a deep copy of store state. Mutating it never affects the
// store.
type Snapshot struct {
	Status            Status
	ReconnectAttempts int
	CurrentRoom       string
	Messages          []model.Message
	Users             []model.User
	Rooms             []model.Room
	Typing            []string
	HasMoreHistory    bool
}

func New(cfg Config) *Store {
	pageSize := cfg.PageSize
	if pageSize == 0 {
		pageSize = defaultPageSize
	}
	roomID := cfg.RoomID
	if roomID == "" {
		roomID = defaultRoomID
	}
	s := &Store{
		logger:      cfg.Logger.With().Str("component", "store").Logger(),
		session:     cfg.Session,
		pageSize:    pageSize,
		onUpdate:    cfg.OnUpdate,
		status:      StatusDisconnected,
		typing:      make(map[string]struct{}),
		currentRoom: roomID,
	}
	s.subscribe()
	return s
}

func (s *Store) subscribe() {
	s.session.Subscribe(model.EventConnect, s.onConnect)
	s.session.Subscribe(model.EventDisconnect, s.onDisconnect)
	s.session.Subscribe(model.EventReconnectAttempt, s.onReconnectAttempt)
	s.session.Subscribe(model.EventMessage, s.onMessage)
	s.session.Subscribe(model.EventMessageHistory, s.onMessageHistory)
	s.session.Subscribe(model.EventUserJoined, s.onUserJoined)
	s.session.Subscribe(model.EventUserLeft, s.onUserLeft)
	s.session.Subscribe(model.EventUsersList, s.onUsersList)
	s.session.Subscribe(model.EventRoomsList, s.onRoomsList)
	s.session.Subscribe(model.EventUserTyping, s.onUserTyping)
	s.session.Subscribe(model.EventMessageReaction, s.onMessageReaction)
	s.session.Subscribe(model.EventMessageRead, s.onMessageRead)
}

func (s *Store) notify() {
	if s.onUpdate != nil {
		s.onUpdate()
	}
}

// decode isolates one malformed payload: the event is logged and dropped,
// unrelated collections stay untouched.
func (s *Store) decode(event string, payload json.RawMessage, v any) bool {
	if err := json.Unmarshal(payload, v); err != nil {
		s.logger.Error().Err(err).Str("event", event).Msg("malformed payload dropped")
		return false
	}
	return true
}

// Merge rules.

func (s *Store) onConnect(json.RawMessage) {
	s.mx.Lock()
	s.status = StatusConnected
	s.attempts = 0
	s.mx.Unlock()
	s.notify()
}

func (s *Store) onDisconnect(json.RawMessage) {
	s.mx.Lock()
	s.status = StatusDisconnected
	// An in-flight page request died with the connection, so the next
	// messageHistory is the reconnect snapshot and must replace, not
	// prepend. Typing members are transient too: their stop events are
	// never coming.
	s.loadPending = false
	s.typing = make(map[string]struct{})
	s.mx.Unlock()
	s.notify()
}

func (s *Store) onReconnectAttempt(payload json.RawMessage) {
	var attempt int
	if !s.decode(model.EventReconnectAttempt, payload, &attempt) {
		return
	}
	s.mx.Lock()
	s.status = StatusReconnecting
	s.attempts = attempt
	s.mx.Unlock()
	s.notify()
}

func (s *Store) onMessage(payload json.RawMessage) {
	var msg model.Message
	if !s.decode(model.EventMessage, payload, &msg) {
		return
	}
	s.mx.Lock()
	// Live messages are appended as delivered, duplicates included.
	s.messages = append(s.messages, msg)
	s.mx.Unlock()
	s.notify()
}

func (s *Store) onMessageHistory(payload json.RawMessage) {
	var page []model.Message
	if !s.decode(model.EventMessageHistory, payload, &page) {
		return
	}
	s.mx.Lock()
	if s.loadPending {
		// Pagination response: the page goes in front of what is already
		// loaded, existing order untouched. A short page means the server
		// ran out of older history.
		s.loadPending = false
		if len(page) < s.pageSize {
			s.exhausted = true
		}
		s.messages = append(page, s.messages...)
	} else {
		// Initial snapshot: wholesale replace.
		s.messages = page
		s.exhausted = false
	}
	s.mx.Unlock()
	s.notify()
}

func (s *Store) onUserJoined(payload json.RawMessage) {
	var user model.User
	if !s.decode(model.EventUserJoined, payload, &user) {
		return
	}
	s.mx.Lock()
	replaced := false
	for i := range s.users {
		if s.users[i].ID == user.ID {
			s.users[i] = user
			replaced = true
			break
		}
	}
	if !replaced {
		s.users = append(s.users, user)
	}
	s.mx.Unlock()
	s.notify()
}

func (s *Store) onUserLeft(payload json.RawMessage) {
	var userID string
	if !s.decode(model.EventUserLeft, payload, &userID) {
		return
	}
	s.mx.Lock()
	for i := range s.users {
		if s.users[i].ID == userID {
			s.users = append(s.users[:i], s.users[i+1:]...)
			break
		}
	}
	s.mx.Unlock()
	s.notify()
}

func (s *Store) onUsersList(payload json.RawMessage) {
	var users []model.User
	if !s.decode(model.EventUsersList, payload, &users) {
		return
	}
	s.mx.Lock()
	s.users = users
	s.mx.Unlock()
	s.notify()
}

func (s *Store) onRoomsList(payload json.RawMessage) {
	var rooms []model.Room
	if !s.decode(model.EventRoomsList, payload, &rooms) {
		return
	}
	s.mx.Lock()
	s.rooms = rooms
	s.mx.Unlock()
	s.notify()
}

func (s *Store) onUserTyping(payload json.RawMessage) {
	var notice model.TypingNotice
	if !s.decode(model.EventUserTyping, payload, &notice) {
		return
	}
	s.mx.Lock()
	if notice.IsTyping {
		s.typing[notice.UserID] = struct{}{}
	} else {
		delete(s.typing, notice.UserID)
	}
	s.mx.Unlock()
	s.notify()
}

func (s *Store) onMessageReaction(payload json.RawMessage) {
	var notice model.ReactionNotice
	if !s.decode(model.EventMessageReaction, payload, &notice) {
		return
	}
	s.mx.Lock()
	for i := range s.messages {
		if s.messages[i].ID != notice.MessageID {
			continue
		}
		if s.messages[i].Reactions == nil {
			s.messages[i].Reactions = make(map[string][]string)
		}
		kind := s.messages[i].Reactions[notice.Reaction]
		s.messages[i].Reactions[notice.Reaction] = addToSet(kind, notice.UserID)
		break
	}
	s.mx.Unlock()
	s.notify()
}

func (s *Store) onMessageRead(payload json.RawMessage) {
	var notice model.ReadNotice
	if !s.decode(model.EventMessageRead, payload, &notice) {
		return
	}
	s.mx.Lock()
	for i := range s.messages {
		if s.messages[i].ID == notice.MessageID {
			s.messages[i].ReadBy = addToSet(s.messages[i].ReadBy, notice.UserID)
			break
		}
	}
	s.mx.Unlock()
	s.notify()
}

// addToSet keeps per-user membership idempotent under duplicate delivery.
func addToSet(set []string, id string) []string {
	for _, existing := range set {
		if existing == id {
			return set
		}
	}
	return append(set, id)
}

// Intent functions.

// connected reports whether intents may emit, and the current room.
func (s *Store) connected() (bool, string) {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.status == StatusConnected, s.currentRoom
}

// SendMessage emits a message to the given room (current room when roomID
// is empty). There is no optimistic insert: the message shows up only when
// the server echoes it back.
func (s *Store) SendMessage(content string, msgType model.MessageType, roomID string) {
	ok, current := s.connected()
	if !ok {
		s.logger.Debug().Msg("sendMessage dropped, not connected")
		return
	}
	if roomID == "" {
		roomID = current
	}
	if msgType == "" {
		msgType = model.TextMessage
	}
	s.session.Emit(model.EventMessage, model.OutgoingMessage{
		Content:   content,
		Type:      msgType,
		RoomID:    roomID,
		Timestamp: time.Now().UTC(),
	})
}

func (s *Store) SendPrivateMessage(content, recipientID string) {
	if ok, _ := s.connected(); !ok {
		s.logger.Debug().Msg("privateMessage dropped, not connected")
		return
	}
	s.session.Emit(model.EventPrivateMessage, model.OutgoingPrivateMessage{
		Content:     content,
		RecipientID: recipientID,
		Timestamp:   time.Now().UTC(),
	})
}

// JoinRoom switches the current room. The typing set and the pagination
// watermark only make sense per room, so both reset.
func (s *Store) JoinRoom(roomID string) {
	if ok, _ := s.connected(); !ok {
		s.logger.Debug().Msg("joinRoom dropped, not connected")
		return
	}
	s.session.Emit(model.EventJoinRoom, roomID)
	s.mx.Lock()
	s.currentRoom = roomID
	s.typing = make(map[string]struct{})
	s.loadPending = false
	s.exhausted = false
	s.mx.Unlock()
	s.notify()
}

func (s *Store) CreateRoom(name string, roomType model.RoomType) {
	if ok, _ := s.connected(); !ok {
		s.logger.Debug().Msg("createRoom dropped, not connected")
		return
	}
	if roomType == "" {
		roomType = model.PublicRoom
	}
	s.session.Emit(model.EventCreateRoom, model.CreateRoomRequest{Name: name, Type: roomType})
}

func (s *Store) StartTyping() {
	ok, current := s.connected()
	if !ok {
		return
	}
	s.session.Emit(model.EventStartTyping, current)
}

func (s *Store) StopTyping() {
	ok, current := s.connected()
	if !ok {
		return
	}
	s.session.Emit(model.EventStopTyping, current)
}

func (s *Store) AddReaction(messageID, reaction string) {
	if ok, _ := s.connected(); !ok {
		s.logger.Debug().Msg("addReaction dropped, not connected")
		return
	}
	s.session.Emit(model.EventAddReaction, model.ReactionRequest{
		MessageID: messageID,
		Reaction:  reaction,
	})
}

func (s *Store) MarkAsRead(messageID string) {
	if ok, _ := s.connected(); !ok {
		s.logger.Debug().Msg("markAsRead dropped, not connected")
		return
	}
	s.session.Emit(model.EventMarkAsRead, messageID)
}

// LoadMoreMessages requests one page of history strictly older than the
// watermark. At most one request is in flight; once the server returns a
// short page further calls are no-ops until the room changes.
func (s *Store) LoadMoreMessages(before time.Time) {
	s.mx.Lock()
	if s.status != StatusConnected || s.loadPending || s.exhausted {
		s.mx.Unlock()
		return
	}
	s.loadPending = true
	roomID := s.currentRoom
	s.mx.Unlock()

	s.session.Emit(model.EventLoadMessages, model.LoadMessagesRequest{
		Before: before,
		RoomID: roomID,
		Limit:  s.pageSize,
	})
}

// Snapshot returns a deep copy of all collections.
func (s *Store) Snapshot() Snapshot {
	s.mx.RLock()
	defer s.mx.RUnlock()

	snap := Snapshot{
		Status:            s.status,
		ReconnectAttempts: s.attempts,
		CurrentRoom:       s.currentRoom,
		Messages:          make([]model.Message, len(s.messages)),
		Users:             make([]model.User, len(s.users)),
		Rooms:             make([]model.Room, len(s.rooms)),
		Typing:            make([]string, 0, len(s.typing)),
		HasMoreHistory:    !s.exhausted,
	}
	for i, msg := range s.messages {
		snap.Messages[i] = cloneMessage(msg)
	}
	for i, user := range s.users {
		snap.Users[i] = user
		if user.LastSeen != nil {
			seen := *user.LastSeen
			snap.Users[i].LastSeen = &seen
		}
	}
	for i, room := range s.rooms {
		snap.Rooms[i] = room
		snap.Rooms[i].Participants = append([]string(nil), room.Participants...)
	}
	for id := range s.typing {
		snap.Typing = append(snap.Typing, id)
	}
	sort.Strings(snap.Typing)
	return snap
}

// Status returns the connection status and the reconnect attempt counter.
func (s *Store) Status() (Status, int) {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.status, s.attempts
}

func cloneMessage(msg model.Message) model.Message {
	out := msg
	if msg.Reactions != nil {
		out.Reactions = make(map[string][]string, len(msg.Reactions))
		for kind, ids := range msg.Reactions {
			out.Reactions[kind] = append([]string(nil), ids...)
		}
	}
	out.ReadBy = append([]string(nil), msg.ReadBy...)
	return out
}

package server

import (
	"errors"
	"sync"
	"time"

	"github.com/adwski/chat-playground/client/model"
	"github.com/google/uuid"
)

var (
	ErrRoomNotFound    = errors.New("room is not found")
	ErrMessageNotFound = errors.New("message is not found")
)

type room struct {
	meta     model.Room
	messages []model.Message
}

// State is the in-memory source of truth for the dev server: users, rooms
// and per-room message history. Message ids and timestamps are assigned
// here; timestamps are kept strictly monotonic so before-watermark
// pagination never splits equal instants.
type State struct {
	mx     *sync.Mutex
	users  map[string]model.User
	rooms  map[string]*room
	lastTS time.Time
}

func NewState(defaultRoom string) *State {
	st := &State{
		mx:    &sync.Mutex{},
		users: make(map[string]model.User),
		rooms: make(map[string]*room),
	}
	st.rooms[defaultRoom] = &room{
		meta: model.Room{
			ID:   defaultRoom,
			Name: defaultRoom,
			Type: model.PublicRoom,
		},
	}
	return st
}

func (st *State) UpsertUser(u model.User) {
	st.mx.Lock()
	defer st.mx.Unlock()
	st.users[u.ID] = u
}

func (st *State) RemoveUser(id string) {
	st.mx.Lock()
	defer st.mx.Unlock()
	delete(st.users, id)
}

func (st *State) Users() []model.User {
	st.mx.Lock()
	defer st.mx.Unlock()
	users := make([]model.User, 0, len(st.users))
	for _, u := range st.users {
		users = append(users, u)
	}
	return users
}

func (st *State) Rooms() []model.Room {
	st.mx.Lock()
	defer st.mx.Unlock()
	rooms := make([]model.Room, 0, len(st.rooms))
	for _, r := range st.rooms {
		meta := r.meta
		meta.Participants = append([]string(nil), r.meta.Participants...)
		rooms = append(rooms, meta)
	}
	return rooms
}

// JoinRoom adds the user to the room, creating a public room with that id
// on demand, and resets its unread counter.
func (st *State) JoinRoom(roomID, userID string) model.Room {
	st.mx.Lock()
	defer st.mx.Unlock()

	r, ok := st.rooms[roomID]
	if !ok {
		r = &room{
			meta: model.Room{
				ID:   roomID,
				Name: roomID,
				Type: model.PublicRoom,
			},
		}
		st.rooms[roomID] = r
	}
	joined := false
	for _, p := range r.meta.Participants {
		if p == userID {
			joined = true
			break
		}
	}
	if !joined {
		r.meta.Participants = append(r.meta.Participants, userID)
	}
	r.meta.UnreadCount = 0
	return r.meta
}

func (st *State) CreateRoom(name string, roomType model.RoomType) model.Room {
	st.mx.Lock()
	defer st.mx.Unlock()
	meta := model.Room{
		ID:   uuid.NewString(),
		Name: name,
		Type: roomType,
	}
	st.rooms[meta.ID] = &room{meta: meta}
	return meta
}

func (st *State) Members(roomID string) []string {
	st.mx.Lock()
	defer st.mx.Unlock()
	r, ok := st.rooms[roomID]
	if !ok {
		return nil
	}
	return append([]string(nil), r.meta.Participants...)
}

// AppendMessage stores the message, assigning id and timestamp, and bumps
// the room's unread counter.
func (st *State) AppendMessage(msg model.Message) (model.Message, error) {
	st.mx.Lock()
	defer st.mx.Unlock()

	r, ok := st.rooms[msg.RoomID]
	if !ok {
		return model.Message{}, ErrRoomNotFound
	}

	msg.ID = uuid.NewString()
	msg.Timestamp = st.nextTimestamp()
	r.messages = append(r.messages, msg)
	r.meta.UnreadCount++
	return msg, nil
}

func (st *State) nextTimestamp() time.Time {
	ts := time.Now().UTC()
	if !ts.After(st.lastTS) {
		ts = st.lastTS.Add(time.Microsecond)
	}
	st.lastTS = ts
	return ts
}

// History returns up to limit most recent messages, oldest first.
func (st *State) History(roomID string, limit int) []model.Message {
	st.mx.Lock()
	defer st.mx.Unlock()
	r, ok := st.rooms[roomID]
	if !ok {
		return nil
	}
	return tail(r.messages, limit)
}

// PageBefore returns up to limit messages strictly older than the
// watermark, oldest first, newest of those last.
func (st *State) PageBefore(roomID string, before time.Time, limit int) []model.Message {
	st.mx.Lock()
	defer st.mx.Unlock()
	r, ok := st.rooms[roomID]
	if !ok {
		return nil
	}
	idx := len(r.messages)
	for idx > 0 && !r.messages[idx-1].Timestamp.Before(before) {
		idx--
	}
	return tail(r.messages[:idx], limit)
}

func tail(messages []model.Message, limit int) []model.Message {
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	out := make([]model.Message, len(messages))
	copy(out, messages)
	return out
}

// React adds the user to the reaction kind's set of the message. It
// returns the room the message lives in.
func (st *State) React(messageID, reaction, userID string) (string, error) {
	st.mx.Lock()
	defer st.mx.Unlock()
	msg, roomID := st.findMessage(messageID)
	if msg == nil {
		return "", ErrMessageNotFound
	}
	if msg.Reactions == nil {
		msg.Reactions = make(map[string][]string)
	}
	msg.Reactions[reaction] = addUnique(msg.Reactions[reaction], userID)
	return roomID, nil
}

// MarkRead records the acking user on the message.
func (st *State) MarkRead(messageID, userID string) (string, error) {
	st.mx.Lock()
	defer st.mx.Unlock()
	msg, roomID := st.findMessage(messageID)
	if msg == nil {
		return "", ErrMessageNotFound
	}
	msg.ReadBy = addUnique(msg.ReadBy, userID)
	return roomID, nil
}

func (st *State) findMessage(messageID string) (*model.Message, string) {
	for roomID, r := range st.rooms {
		for i := range r.messages {
			if r.messages[i].ID == messageID {
				return &r.messages[i], roomID
			}
		}
	}
	return nil, ""
}

func addUnique(set []string, id string) []string {
	for _, existing := range set {
		if existing == id {
			return set
		}
	}
	return append(set, id)
}

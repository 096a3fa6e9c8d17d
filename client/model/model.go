package model

import (
	"encoding/json"
	"time"
)

// Event is the wire envelope for every message exchanged with the server.
// Payload stays raw at the transport layer; only the store interprets it.
type Event struct {
	Name    string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Synthetic events surfaced by the transport session itself.
const (
	EventConnect          = "connect"
	EventDisconnect       = "disconnect"
	EventReconnectAttempt = "reconnect_attempt"
)

// Client -> server events.
const (
	EventMessage        = "message"
	EventPrivateMessage = "privateMessage"
	EventJoinRoom       = "joinRoom"
	EventCreateRoom     = "createRoom"
	EventStartTyping    = "startTyping"
	EventStopTyping     = "stopTyping"
	EventAddReaction    = "addReaction"
	EventMarkAsRead     = "markAsRead"
	EventLoadMessages   = "loadMessages"
)

// Server -> client events.
const (
	EventMessageHistory  = "messageHistory"
	EventUserJoined      = "userJoined"
	EventUserLeft        = "userLeft"
	EventUsersList       = "usersList"
	EventRoomsList       = "roomsList"
	EventUserTyping      = "userTyping"
	EventMessageReaction = "messageReaction"
	EventMessageRead     = "messageRead"
)

type MessageType string

const (
	TextMessage  MessageType = "text"
	ImageMessage MessageType = "image"
	FileMessage  MessageType = "file"
)

type RoomType string

const (
	PublicRoom  RoomType = "public"
	PrivateRoom RoomType = "private"
)

// Message is a chat message as the server presents it. ID, Sender,
// Timestamp and Type never change after creation; Reactions and ReadBy
// only grow for the lifetime of the session.
type Message struct {
	ID        string              `json:"id"`
	Content   string              `json:"content"`
	Sender    string              `json:"sender"`
	Timestamp time.Time           `json:"timestamp"`
	Type      MessageType         `json:"type"`
	RoomID    string              `json:"roomId,omitempty"`
	Reactions map[string][]string `json:"reactions,omitempty"`
	ReadBy    []string            `json:"readBy,omitempty"`
	ReplyTo   string              `json:"replyTo,omitempty"`
}

type User struct {
	ID       string     `json:"id"`
	Username string     `json:"username"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type Room struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Type         RoomType `json:"type"`
	Participants []string `json:"participants"`
	UnreadCount  int      `json:"unreadCount"`
}

// Outbound payloads.

type OutgoingMessage struct {
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	RoomID    string      `json:"roomId"`
	Timestamp time.Time   `json:"timestamp"`
}

type OutgoingPrivateMessage struct {
	Content     string    `json:"content"`
	RecipientID string    `json:"recipientId"`
	Timestamp   time.Time `json:"timestamp"`
}

type CreateRoomRequest struct {
	Name string   `json:"name"`
	Type RoomType `json:"type"`
}

type ReactionRequest struct {
	MessageID string `json:"messageId"`
	Reaction  string `json:"reaction"`
}

type LoadMessagesRequest struct {
	Before time.Time `json:"before"`
	RoomID string    `json:"roomId"`
	Limit  int       `json:"limit"`
}

// Inbound payloads.

type TypingNotice struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type ReactionNotice struct {
	MessageID string `json:"messageId"`
	Reaction  string `json:"reaction"`
	UserID    string `json:"userId"`
}

type ReadNotice struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}

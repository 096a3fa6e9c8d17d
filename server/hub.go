package server

import (
	"sync"

	"github.com/adwski/chat-playground/client/model"
	"github.com/rs/zerolog"
)

const defaultClientBufferSize = 256

// hub fans events out to connected clients. Each client gets a buffered
// outbound channel; a full buffer means a dead or stuck endpoint and the
// event is dropped for that client only.
type hub struct {
	logger  zerolog.Logger
	mx      *sync.RWMutex
	clients map[string]chan model.Event
}

func newHub(logger *zerolog.Logger) *hub {
	return &hub{
		logger:  logger.With().Str("component", "hub").Logger(),
		mx:      &sync.RWMutex{},
		clients: make(map[string]chan model.Event),
	}
}

func (h *hub) register(userID string) chan model.Event {
	h.mx.Lock()
	defer h.mx.Unlock()
	if old, ok := h.clients[userID]; ok {
		h.logger.Warn().Str("userID", userID).Msg("duplicate connection, replacing")
		close(old)
	}
	tx := make(chan model.Event, defaultClientBufferSize)
	h.clients[userID] = tx
	return tx
}

func (h *hub) unregister(userID string, tx chan model.Event) {
	h.mx.Lock()
	defer h.mx.Unlock()
	if current, ok := h.clients[userID]; ok && current == tx {
		delete(h.clients, userID)
		close(current)
	}
}

// sendTo delivers one event without blocking. The read lock is held across
// the send so unregister cannot close the channel mid-flight.
func (h *hub) sendTo(userID string, ev model.Event) bool {
	h.mx.RLock()
	defer h.mx.RUnlock()
	tx, ok := h.clients[userID]
	if !ok {
		h.logger.Debug().Str("dst", userID).Str("event", ev.Name).Msg("cannot forward, dst not found")
		return false
	}
	select {
	case tx <- ev:
		return true
	default:
		h.logger.Error().Str("dst", userID).Str("event", ev.Name).Msg("dead endpoint")
		return false
	}
}

// broadcast sends the event to every connected client except the one named
// by except (empty means no exception).
func (h *hub) broadcast(ev model.Event, except string) {
	h.mx.RLock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		if id != except {
			ids = append(ids, id)
		}
	}
	h.mx.RUnlock()
	for _, id := range ids {
		h.sendTo(id, ev)
	}
}

// broadcastTo sends the event to the listed users except the one named by
// except.
func (h *hub) broadcastTo(userIDs []string, ev model.Event, except string) {
	for _, id := range userIDs {
		if id != except {
			h.sendTo(id, ev)
		}
	}
}

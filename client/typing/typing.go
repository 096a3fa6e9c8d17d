package typing

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultIdleTimeout = time.Second

// Intents is the slice of the store surface the notifier drives.
type Intents interface {
	StartTyping()
	StopTyping()
}

type Config struct {
	Logger      *zerolog.Logger
	Intents     Intents
	IdleTimeout time.Duration
}

// Notifier turns a stream of local keystrokes into at most one start-typing
// intent per burst and one stop-typing intent when the burst ends: on idle
// timeout, on message send, or on input blur. It is a transition-edge
// detector, not a per-keystroke broadcaster.
type Notifier struct {
	logger  zerolog.Logger
	intents Intents
	idle    time.Duration

	mx     sync.Mutex
	timer  *time.Timer
	typing bool
	closed bool
}

func NewNotifier(cfg Config) *Notifier {
	idle := cfg.IdleTimeout
	if idle == 0 {
		idle = defaultIdleTimeout
	}
	return &Notifier{
		logger:  cfg.Logger.With().Str("component", "typing").Logger(),
		intents: cfg.Intents,
		idle:    idle,
	}
}

// Keystroke restarts the idle timer and fires the start-typing intent on
// the not-typing -> typing edge only.
func (n *Notifier) Keystroke() {
	n.mx.Lock()
	defer n.mx.Unlock()
	if n.closed {
		return
	}
	if !n.typing {
		n.typing = true
		n.intents.StartTyping()
	}
	if n.timer != nil {
		n.timer.Stop()
	}
	n.timer = time.AfterFunc(n.idle, n.expire)
}

// Flush ends the burst immediately, for when the composed message is sent.
func (n *Notifier) Flush() {
	n.settle()
}

// Blur ends the burst when the input loses focus.
func (n *Notifier) Blur() {
	n.settle()
}

// Close cancels the idle timer so no callback fires after the owning scope
// is gone. The notifier is unusable afterwards.
func (n *Notifier) Close() {
	n.mx.Lock()
	defer n.mx.Unlock()
	n.closed = true
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.typing = false
}

func (n *Notifier) expire() {
	n.logger.Trace().Msg("idle timeout")
	n.settle()
}

func (n *Notifier) settle() {
	n.mx.Lock()
	defer n.mx.Unlock()
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	if n.typing && !n.closed {
		n.typing = false
		n.intents.StopTyping()
	}
}

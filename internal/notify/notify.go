package notify

import (
	"fmt"
	"sync"
	"time"

	"bybit-grid-bot-go/internal/logger"
)

// Level classifies a notification.
type Level string

const (
	Info    Level = "info"
	Warning Level = "warning"
	Error   Level = "error"
)

// Notification is a single operator-facing event, e.g. a fill, a
// reconciliation gap or a placement failure.
type Notification struct {
	Level     Level
	Message   string
	Timestamp time.Time
}

const ringSize = 200

// Notifier collects operator-facing events, keeps a bounded ring of the most
// recent ones and fans them out to subscribers. Delivery to subscribers is
// non-blocking: a slow consumer loses events rather than stalling the bot.
type Notifier struct {
	mu     sync.Mutex
	ring   []Notification
	subs   []chan Notification
	closed bool
}

// New creates an empty Notifier.
func New() *Notifier {
	return &Notifier{}
}

// Subscribe returns a channel receiving future notifications. The channel is
// buffered; events are dropped when the buffer is full.
func (n *Notifier) Subscribe() <-chan Notification {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan Notification, 64)
	n.subs = append(n.subs, ch)
	return ch
}

// Recent returns up to limit most recent notifications, newest last.
func (n *Notifier) Recent(limit int) []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()

	if limit <= 0 || limit > len(n.ring) {
		limit = len(n.ring)
	}
	out := make([]Notification, limit)
	copy(out, n.ring[len(n.ring)-limit:])
	return out
}

// Infof records an info-level notification.
func (n *Notifier) Infof(format string, args ...interface{}) {
	n.publish(Info, fmt.Sprintf(format, args...))
}

// Warnf records a warning-level notification.
func (n *Notifier) Warnf(format string, args ...interface{}) {
	n.publish(Warning, fmt.Sprintf(format, args...))
}

// Errorf records an error-level notification.
func (n *Notifier) Errorf(format string, args ...interface{}) {
	n.publish(Error, fmt.Sprintf(format, args...))
}

func (n *Notifier) publish(level Level, msg string) {
	switch level {
	case Warning:
		logger.S().Warn(msg)
	case Error:
		logger.S().Error(msg)
	default:
		logger.S().Info(msg)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}

	event := Notification{Level: level, Message: msg, Timestamp: time.Now()}
	n.ring = append(n.ring, event)
	if len(n.ring) > ringSize {
		n.ring = n.ring[len(n.ring)-ringSize:]
	}
	for _, ch := range n.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close stops publishing and closes all subscriber channels.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for _, ch := range n.subs {
		close(ch)
	}
	n.subs = nil
}

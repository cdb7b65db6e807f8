package funnel

import (
	"log/slog"
	"sync"
	"time"

	"github.com/marlonbarreto-git/nimbus-funnel/internal/model"
)

// EventKind names a funnel transition.
type EventKind string

const (
	EventCheckoutStarted   EventKind = "checkout_started"
	EventBumpSelected      EventKind = "order_bump_selected"
	EventBumpCleared       EventKind = "order_bump_cleared"
	EventCheckoutCompleted EventKind = "checkout_completed"
	EventUpsellAccepted    EventKind = "upsell_accepted"
	EventDownsellAccepted  EventKind = "downsell_accepted"
)

// Notification is a user-facing message emitted after a transition.
type Notification struct {
	SessionID string
	Kind      EventKind
	Message   string
	Step      model.Step
	At        time.Time
}

// Notifier receives transition notifications. Implementations must return
// immediately.
type Notifier interface {
	Notify(n Notification)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(Notification) {}

// LogNotifier writes notifications to slog from a background goroutine.
// Notifications are dropped when the buffer is full.
type LogNotifier struct {
	mu     sync.RWMutex
	closed bool
	ch     chan Notification
	done   chan struct{}
	logger *slog.Logger
}

// NewLogNotifier starts a notifier with the given buffer size.
func NewLogNotifier(logger *slog.Logger, buffer int) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 64
	}
	n := &LogNotifier{
		ch:     make(chan Notification, buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
	go n.run()
	return n
}

func (n *LogNotifier) Notify(note Notification) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	select {
	case n.ch <- note:
	default:
		n.logger.Warn("funnel_notification_dropped",
			"session_id", note.SessionID,
			"kind", note.Kind,
		)
	}
}

// Close drains pending notifications and stops the goroutine.
func (n *LogNotifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.ch)
	n.mu.Unlock()
	<-n.done
}

func (n *LogNotifier) run() {
	defer close(n.done)
	for note := range n.ch {
		n.logger.Info("funnel_notification",
			"session_id", note.SessionID,
			"kind", note.Kind,
			"step", note.Step,
			"message", note.Message,
		)
	}
}

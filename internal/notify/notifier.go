// Package notify implements a single-slot, auto-expiring user notification.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/metrics"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/pkg/models"
)

// DefaultWindow is how long a notification stays visible.
const DefaultWindow = 3 * time.Second

// Listener observes slot changes. visible is false when the slot was cleared.
type Listener func(n models.Notification, visible bool)

// Notifier holds at most one visible notification. A new notification
// replaces the current one and restarts the expiry window.
type Notifier struct {
	mu        sync.Mutex
	window    time.Duration
	current   *models.Notification
	timer     *time.Timer
	seq       uint64
	listeners []Listener
	closed    bool
	logger    *slog.Logger
}

func New(window time.Duration) *Notifier {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Notifier{
		window: window,
		logger: slog.Default().With("component", "notifier"),
	}
}

// Subscribe registers l for every show and clear.
func (n *Notifier) Subscribe(l Listener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, l)
}

// Notify shows message and schedules its removal after the window.
// Any pending removal for the previous notification is stopped.
func (n *Notifier) Notify(message string, kind models.NotificationKind) models.Notification {
	n.mu.Lock()
	n.seq++
	note := models.Notification{
		ID:        n.seq,
		Message:   message,
		Kind:      kind,
		ExpiresAt: time.Now().Add(n.window),
	}
	if n.closed {
		n.mu.Unlock()
		return note
	}
	if n.timer != nil {
		n.timer.Stop()
	}
	n.current = &note
	id := note.ID
	n.timer = time.AfterFunc(n.window, func() { n.expire(id) })
	listeners := append([]Listener(nil), n.listeners...)
	n.mu.Unlock()

	metrics.NotificationsShown.WithLabelValues(string(kind)).Inc()
	n.logger.Debug("notification shown", "id", note.ID, "kind", kind, "message", message)
	for _, l := range listeners {
		l(note, true)
	}
	return note
}

// Success is shorthand for Notify(message, KindSuccess).
func (n *Notifier) Success(message string) models.Notification {
	return n.Notify(message, models.KindSuccess)
}

// Error is shorthand for Notify(message, KindError).
func (n *Notifier) Error(message string) models.Notification {
	return n.Notify(message, models.KindError)
}

func (n *Notifier) Info(message string) models.Notification {
	return n.Notify(message, models.KindInfo)
}

// Current returns the visible notification, if any.
func (n *Notifier) Current() (models.Notification, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.current == nil {
		return models.Notification{}, false
	}
	return *n.current, true
}

// Dismiss clears the slot immediately, as the close button does.
func (n *Notifier) Dismiss() {
	n.mu.Lock()
	if n.current == nil {
		n.mu.Unlock()
		return
	}
	id := n.current.ID
	n.mu.Unlock()
	n.expire(id)
}

// Close stops any pending timer and drops the current notification.
// Later calls to Notify are ignored.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.current = nil
	n.closed = true
}

// expire clears the slot only if it still holds notification id.
func (n *Notifier) expire(id uint64) {
	n.mu.Lock()
	if n.current == nil || n.current.ID != id {
		n.mu.Unlock()
		return
	}
	note := *n.current
	n.current = nil
	n.timer = nil
	listeners := append([]Listener(nil), n.listeners...)
	n.mu.Unlock()

	for _, l := range listeners {
		l(note, false)
	}
}

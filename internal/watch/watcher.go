// Package watch polls watched counter objects and reports changes made by
// any writer, including other accounts and other sessions.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/ledger"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/storage"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/pkg/models"
)

// ObjectEvent reports a new version of a watched object, or that it is gone.
type ObjectEvent struct {
	ObjectID string
	Value    uint64
	Version  uint64
	Gone     bool
}

// EventHandler processes detected object changes.
type EventHandler func(event ObjectEvent) error

// Reader is the read half of the ledger client.
type Reader interface {
	Read(ctx context.Context, objectID string) (*models.CounterObject, error)
}

// Config holds configuration for the polling watcher.
type Config struct {
	PollInterval time.Duration
	Concurrency  int // parallel reads per poll
}

// PollingWatcher reads every watched object once per interval and emits an
// event whenever its version moves.
type PollingWatcher struct {
	reader     Reader
	watchStore storage.WatchStore
	cfg        Config
	events     chan ObjectEvent
	logger     *slog.Logger

	mu       sync.Mutex
	versions map[string]uint64 // last version seen per object
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func NewPollingWatcher(cfg Config, reader Reader, ws storage.WatchStore) *PollingWatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &PollingWatcher{
		reader:     reader,
		watchStore: ws,
		cfg:        cfg,
		events:     make(chan ObjectEvent, 100),
		versions:   make(map[string]uint64),
		logger:     slog.Default().With("component", "watcher"),
	}
}

// Start begins polling until Stop is called or ctx is cancelled.
func (w *PollingWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != nil {
		return errors.New("watcher already started")
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	w.logger.Info("starting object watcher", "poll_interval", w.cfg.PollInterval)
	go w.pollLoop(ctx, w.done)
	return nil
}

// Stop shuts down the poll loop and closes the events channel. Later calls
// do nothing.
func (w *PollingWatcher) Stop() error {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		cancel, done := w.cancel, w.done
		w.mu.Unlock()

		if cancel != nil {
			cancel()
			<-done
		}
		close(w.events)
		w.logger.Info("watcher stopped")
	})
	return nil
}

// Watch adds an object to the watch set.
func (w *PollingWatcher) Watch(objectID string) error {
	if ok, err := w.watchStore.Contains(objectID); err == nil && ok {
		return nil
	}
	if err := w.watchStore.Add(objectID); err != nil {
		return err
	}
	w.logger.Debug("watching object", "object_id", objectID)
	return nil
}

// Unwatch removes an object from the watch set.
func (w *PollingWatcher) Unwatch(objectID string) error {
	if err := w.watchStore.Remove(objectID); err != nil {
		return err
	}
	w.mu.Lock()
	delete(w.versions, objectID)
	w.mu.Unlock()
	w.logger.Debug("unwatched object", "object_id", objectID)
	return nil
}

// Reset empties the watch set.
func (w *PollingWatcher) Reset() error {
	if err := w.watchStore.Clear(); err != nil {
		return err
	}
	w.mu.Lock()
	w.versions = make(map[string]uint64)
	w.mu.Unlock()
	return nil
}

func (w *PollingWatcher) Events() <-chan ObjectEvent {
	return w.events
}

func (w *PollingWatcher) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := w.Poll(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll reads every watched object once and emits events for changes.
// Events are emitted in object id order.
func (w *PollingWatcher) Poll(ctx context.Context) error {
	ids, err := w.watchStore.List()
	if err != nil {
		return fmt.Errorf("list watched: %w", err)
	}

	var mu sync.Mutex
	var changed []ObjectEvent

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			ev, ok, err := w.check(gctx, id)
			if err != nil {
				// One unreadable object does not hold back the others.
				w.logger.Warn("read watched object failed", "object_id", id, "error", err)
				return nil
			}
			if ok {
				mu.Lock()
				changed = append(changed, ev)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	sort.Slice(changed, func(i, j int) bool { return changed[i].ObjectID < changed[j].ObjectID })
	for _, ev := range changed {
		select {
		case w.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// check reads one object and reports whether it changed since the last poll.
func (w *PollingWatcher) check(ctx context.Context, id string) (ObjectEvent, bool, error) {
	obj, err := w.reader.Read(ctx, id)
	if errors.Is(err, ledger.ErrObjectNotFound) || errors.Is(err, ledger.ErrUnexpectedShape) {
		w.mu.Lock()
		defer w.mu.Unlock()
		if _, seen := w.versions[id]; !seen {
			return ObjectEvent{}, false, nil
		}
		delete(w.versions, id)
		w.logger.Info("watched object gone", "object_id", id)
		return ObjectEvent{ObjectID: id, Gone: true}, true, nil
	}
	if err != nil {
		return ObjectEvent{}, false, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if last, seen := w.versions[id]; seen && last == obj.Version {
		return ObjectEvent{}, false, nil
	}
	w.versions[id] = obj.Version
	return ObjectEvent{ObjectID: id, Value: obj.Value, Version: obj.Version}, true, nil
}

// Dispatch routes events to handler until the events channel closes.
func Dispatch(w *PollingWatcher, handler EventHandler) {
	logger := slog.Default().With("component", "watch_dispatch")
	for ev := range w.Events() {
		if err := handler(ev); err != nil {
			logger.Error("handle event failed", "object_id", ev.ObjectID, "error", err)
		}
	}
}

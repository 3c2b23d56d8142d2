package watch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/ledger"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/storage"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/pkg/models"
)

// mockReader serves counter objects from a map that tests mutate.
type mockReader struct {
	mu      sync.Mutex
	objects map[string]models.CounterObject
	fail    map[string]error
	reads   int
}

func newMockReader() *mockReader {
	return &mockReader{objects: make(map[string]models.CounterObject), fail: make(map[string]error)}
}

func (r *mockReader) set(id string, value, version uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects[id] = models.CounterObject{ObjectID: id, Value: value, Version: version}
}

func (r *mockReader) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.objects, id)
}

func (r *mockReader) Read(ctx context.Context, id string) (*models.CounterObject, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads++
	if err, ok := r.fail[id]; ok {
		return nil, err
	}
	obj, ok := r.objects[id]
	if !ok {
		return nil, ledger.ErrObjectNotFound
	}
	return &obj, nil
}

func newTestWatcher() (*PollingWatcher, *storage.MemoryWatchStore, *mockReader) {
	ws := storage.NewMemoryWatchStore()
	r := newMockReader()
	w := NewPollingWatcher(Config{PollInterval: 20 * time.Millisecond}, r, ws)
	return w, ws, r
}

func drain(w *PollingWatcher) []ObjectEvent {
	var out []ObjectEvent
	for {
		select {
		case ev := <-w.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPollingWatcher_WatchUnwatch(t *testing.T) {
	w, ws, _ := newTestWatcher()

	if err := w.Watch("0xabc"); err != nil {
		t.Fatal(err)
	}
	if err := w.Watch("0xdef"); err != nil {
		t.Fatal(err)
	}

	ids, _ := ws.List()
	if len(ids) != 2 {
		t.Errorf("expected 2 watched objects, got %d", len(ids))
	}

	if err := w.Unwatch("0xabc"); err != nil {
		t.Fatal(err)
	}
	ids, _ = ws.List()
	if len(ids) != 1 {
		t.Errorf("expected 1 watched object after unwatch, got %d", len(ids))
	}

	if err := w.Reset(); err != nil {
		t.Fatal(err)
	}
	ids, _ = ws.List()
	if len(ids) != 0 {
		t.Errorf("expected empty watch set after reset, got %v", ids)
	}
}

func TestPollingWatcher_PollEmitsOnVersionChange(t *testing.T) {
	w, _, r := newTestWatcher()
	ctx := context.Background()
	r.set("0x1", 5, 10)
	r.set("0x2", 0, 11)
	_ = w.Watch("0x1")
	_ = w.Watch("0x2")

	if err := w.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	events := drain(w)
	if len(events) != 2 {
		t.Fatalf("first poll should report both objects, got %d events", len(events))
	}
	if events[0].ObjectID != "0x1" || events[0].Value != 5 {
		t.Errorf("unexpected first event %+v", events[0])
	}

	// Unchanged versions produce nothing.
	if err := w.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if events := drain(w); len(events) != 0 {
		t.Errorf("expected no events for unchanged objects, got %+v", events)
	}

	r.set("0x2", 3, 12)
	if err := w.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	events = drain(w)
	if len(events) != 1 || events[0].ObjectID != "0x2" || events[0].Value != 3 || events[0].Version != 12 {
		t.Errorf("expected one event for 0x2, got %+v", events)
	}
}

func TestPollingWatcher_GoneObject(t *testing.T) {
	w, _, r := newTestWatcher()
	ctx := context.Background()
	r.set("0x1", 1, 1)
	_ = w.Watch("0x1")
	_ = w.Watch("0xnever")

	_ = w.Poll(ctx)
	drain(w)

	r.remove("0x1")
	_ = w.Poll(ctx)
	events := drain(w)
	if len(events) != 1 || !events[0].Gone || events[0].ObjectID != "0x1" {
		t.Fatalf("expected one gone event, got %+v", events)
	}

	// Reported once only; never-seen objects are not reported at all.
	_ = w.Poll(ctx)
	if events := drain(w); len(events) != 0 {
		t.Errorf("gone object reported twice: %+v", events)
	}
}

func TestPollingWatcher_ReadErrorDoesNotBlockOthers(t *testing.T) {
	w, _, r := newTestWatcher()
	r.set("0x1", 1, 1)
	r.set("0x2", 2, 2)
	r.fail["0x1"] = errors.New("connection refused")
	_ = w.Watch("0x1")
	_ = w.Watch("0x2")

	if err := w.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	events := drain(w)
	if len(events) != 1 || events[0].ObjectID != "0x2" {
		t.Errorf("expected only 0x2, got %+v", events)
	}
}

func TestPollingWatcher_StartStop(t *testing.T) {
	w, _, r := newTestWatcher()
	r.set("0xglobal", 7, 3)
	_ = w.Watch("0xglobal")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := w.Start(ctx); err == nil {
		t.Error("second Start should fail")
	}

	select {
	case ev := <-w.Events():
		if ev.Value != 7 {
			t.Errorf("expected value 7, got %d", ev.Value)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	r.set("0xglobal", 8, 4)
	select {
	case ev := <-w.Events():
		if ev.Value != 8 || ev.Version != 4 {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
	}

	if err := w.Stop(); err != nil {
		t.Fatal(err)
	}
	for range w.Events() {
	}
	if _, ok := <-w.Events(); ok {
		t.Error("events channel should be closed after Stop")
	}
}

func TestPollingWatcher_StopTwice(t *testing.T) {
	for _, started := range []bool{true, false} {
		w, _, _ := newTestWatcher()
		if started {
			if err := w.Start(context.Background()); err != nil {
				t.Fatal(err)
			}
		}
		if err := w.Stop(); err != nil {
			t.Fatal(err)
		}
		if err := w.Stop(); err != nil {
			t.Errorf("second Stop (started=%v): %v", started, err)
		}
		if _, ok := <-w.Events(); ok {
			t.Errorf("events channel should be closed (started=%v)", started)
		}
	}
}

func TestDispatch(t *testing.T) {
	w, _, r := newTestWatcher()
	r.set("0x1", 4, 1)
	_ = w.Watch("0x1")
	_ = w.Poll(context.Background())

	got := make(chan ObjectEvent, 1)
	finished := make(chan struct{})
	go func() {
		Dispatch(w, func(ev ObjectEvent) error {
			got <- ev
			return errors.New("handler errors are logged, not fatal")
		})
		close(finished)
	}()

	select {
	case ev := <-got:
		if ev.ObjectID != "0x1" {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}

	_ = w.Stop()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Dispatch did not return after Stop")
	}
}

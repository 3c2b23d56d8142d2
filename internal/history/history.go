// Package history keeps the append-only local log of counter actions.
package history

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/storage"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/pkg/models"
)

const (
	// StorageKey is the single key the whole log is stored under.
	StorageKey = "counterHistory"

	// PlaceholderAddress stands in for an unknown actor.
	PlaceholderAddress = "0x1234...abcd"

	// DateLayout renders dates as month/day/year.
	DateLayout = "1/2/2006"

	// All matches every action category.
	All = "All"
)

// Log is the history log. The full log is rewritten to the store on every
// append.
type Log struct {
	mu      sync.RWMutex
	kv      storage.KVStore
	entries []models.HistoryEntry
	now     func() time.Time
	logger  *slog.Logger
}

// Open loads the log from kv. A missing key is an empty log; an undecodable
// value is logged and replaced on the next append.
func Open(kv storage.KVStore) (*Log, error) {
	l := &Log{
		kv:     kv,
		now:    time.Now,
		logger: slog.Default().With("component", "history"),
	}

	raw, err := kv.Get(StorageKey)
	if errors.Is(err, storage.ErrNotFound) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	if err := json.Unmarshal([]byte(raw), &l.entries); err != nil {
		l.logger.Warn("discarding unreadable history", "error", err, "bytes", len(raw))
		l.entries = nil
		return l, nil
	}
	l.logger.Debug("history loaded", "entries", len(l.entries))
	return l, nil
}

// Record appends an entry with a pseudo transaction id.
func (l *Log) Record(action models.Action, oldValue, newValue uint64, actor string) (models.HistoryEntry, error) {
	return l.RecordTx(action, oldValue, newValue, actor, "")
}

// RecordTx appends an entry for a real transaction digest. An empty digest
// gets a pseudo id.
func (l *Log) RecordTx(action models.Action, oldValue, newValue uint64, actor, digest string) (models.HistoryEntry, error) {
	if actor == "" {
		actor = PlaceholderAddress
	}
	if digest == "" {
		digest = PseudoHash()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entry := models.HistoryEntry{
		Action:      action,
		OldValue:    oldValue,
		NewValue:    newValue,
		UserAddress: actor,
		TxHash:      digest,
		Date:        now.Format(DateLayout),
		Timestamp:   now,
	}
	l.entries = append(l.entries, entry)

	if err := l.persistLocked(); err != nil {
		return entry, err
	}
	return entry, nil
}

func (l *Log) persistLocked() error {
	data, err := json.Marshal(l.entries)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	if err := l.kv.Set(StorageKey, string(data)); err != nil {
		l.logger.Error("persist history failed", "entries", len(l.entries), "error", err)
		return fmt.Errorf("persist history: %w", err)
	}
	return nil
}

// Entries returns a copy of the log, oldest first.
func (l *Log) Entries() []models.HistoryEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.HistoryEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Filter returns the entries matching q without touching the log.
func (l *Log) Filter(q Query) []models.HistoryEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Filter(l.entries, q)
}

// Query selects history entries. Zero values match everything.
type Query struct {
	Search string     // case-insensitive substring of the action label
	Action string     // exact action category, or All
	Month  time.Month // calendar month of the entry, 0 for any
}

// Match reports whether e satisfies every criterion in q.
func (q Query) Match(e models.HistoryEntry) bool {
	if q.Search != "" && !strings.Contains(strings.ToLower(string(e.Action)), strings.ToLower(q.Search)) {
		return false
	}
	if q.Action != "" && q.Action != All && string(e.Action) != q.Action {
		return false
	}
	if q.Month != 0 && entryMonth(e) != q.Month {
		return false
	}
	return true
}

// Filter returns the entries matching q, preserving order.
func Filter(entries []models.HistoryEntry, q Query) []models.HistoryEntry {
	out := make([]models.HistoryEntry, 0, len(entries))
	for _, e := range entries {
		if q.Match(e) {
			out = append(out, e)
		}
	}
	return out
}

// Page returns the 1-based page of entries and the number of pages.
// Pages past the end are empty.
func Page(entries []models.HistoryEntry, page, size int) ([]models.HistoryEntry, int) {
	if size <= 0 {
		size = 20
	}
	pages := (len(entries) + size - 1) / size
	if page < 1 {
		page = 1
	}
	start := (page - 1) * size
	if start >= len(entries) {
		return nil, pages
	}
	end := min(start+size, len(entries))
	return entries[start:end], pages
}

// PseudoHash returns a short transaction-hash-like placeholder such as
// "0x3fa9...". It is not a digest of anything.
func PseudoHash() string {
	id := uuid.New()
	return "0x" + hex.EncodeToString(id[:2]) + "..."
}

// entryMonth prefers the timestamp and falls back to the date string for
// entries written without one.
func entryMonth(e models.HistoryEntry) time.Month {
	if !e.Timestamp.IsZero() {
		return e.Timestamp.Month()
	}
	if t, err := time.Parse(DateLayout, e.Date); err == nil {
		return t.Month()
	}
	return 0
}

// ParseMonth accepts a month name ("March", "mar") or number ("3").
func ParseMonth(s string) (time.Month, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n < 1 || n > 12 {
			return 0, fmt.Errorf("month %d out of range", n)
		}
		return time.Month(n), nil
	}
	lower := strings.ToLower(s)
	for m := time.January; m <= time.December; m++ {
		name := strings.ToLower(m.String())
		if lower == name || (len(lower) >= 3 && strings.HasPrefix(name, lower)) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown month %q", s)
}

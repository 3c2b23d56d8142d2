// Package counter keeps the user's counter cards in step with their remote
// counter objects.
package counter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/ledger"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/metrics"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/storage"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/pkg/models"
)

const (
	// DefaultMaxCards is one card per letter of the alphabet.
	DefaultMaxCards = 26

	labelKeyPrefix = "counterLabels:"
)

var (
	ErrLimitReached = errors.New("counter limit reached")
	ErrCardNotFound = errors.New("counter card not found")
	ErrNoRemote     = errors.New("create the counter first")
	ErrInvalidDelta = errors.New("delta must be non-zero")
	ErrCardBusy     = errors.New("counter has an operation in flight")
	ErrSessionEnded = errors.New("wallet session ended before the counter was added")
)

// Gate reports whether mutating operations may reach the ledger and which
// account they act for.
type Gate interface {
	Require() error
	Address() string
}

// Ledger is the subset of *ledger.Client the registry drives.
type Ledger interface {
	Write(ctx context.Context, op ledger.Operation, objectID string, args ...string) (*models.Transaction, error)
	Read(ctx context.Context, objectID string) (*models.CounterObject, error)
	ReadGlobal(ctx context.Context) (*models.CounterObject, error)
	CreateAndDiscover(ctx context.Context) (string, *models.Transaction, error)
	ListOwned(ctx context.Context) ([]models.CounterObject, error)
}

// Change describes the effect of one operation.
type Change struct {
	Card     models.Card
	OldValue uint64
	NewValue uint64
	Tx       *models.Transaction // nil when no write reached the ledger
}

// Config holds registry limits. Labels persists each account's label
// assignments; an in-memory store is used when nil.
type Config struct {
	MaxCards int
	Labels   storage.KVStore
}

// labelBook records the label sequence of every counter an account owns, so
// a counter keeps its label across reloads.
type labelBook struct {
	Next uint64            `json:"next"` // last sequence handed out
	Seqs map[string]uint64 `json:"seqs"`
}

// Registry owns the ordered collection of counter cards.
// The lock is never held across a remote call.
type Registry struct {
	gate   Gate
	ledger Ledger
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	cards     []models.Card
	book      *labelBook
	bookOwner string
	session   uint64 // bumped whenever the cards are dropped
	creating  int    // creates in flight, counted against MaxCards
	openID    string
}

func NewRegistry(cfg Config, gate Gate, l Ledger) *Registry {
	if cfg.MaxCards <= 0 {
		cfg.MaxCards = DefaultMaxCards
	}
	if cfg.Labels == nil {
		cfg.Labels = storage.NewMemoryKVStore()
	}
	return &Registry{
		gate:   gate,
		ledger: l,
		cfg:    cfg,
		logger: slog.Default().With("component", "counter_registry"),
	}
}

// Cards returns a snapshot of the cards in creation order.
func (r *Registry) Cards() []models.Card {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Card, len(r.cards))
	copy(out, r.cards)
	return out
}

func (r *Registry) MaxCards() int { return r.cfg.MaxCards }

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cards)
}

// Get returns the card with id.
func (r *Registry) Get(id string) (models.Card, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(id)
	if i < 0 {
		return models.Card{}, false
	}
	return r.cards[i], true
}

// Lookup resolves a card by id or by label.
func (r *Registry) Lookup(ref string) (models.Card, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.cards {
		if c.ID == ref || c.Label == ref {
			return c, true
		}
	}
	return models.Card{}, false
}

// OpenID returns the id of the expanded card, or "".
func (r *Registry) OpenID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.openID
}

// Create creates a remote counter and appends a card for it. Nothing is
// added when creation or discovery fails, or when the session was cleared
// while the create was in flight.
func (r *Registry) Create(ctx context.Context) (Change, error) {
	if err := r.gate.Require(); err != nil {
		return Change{}, err
	}

	r.mu.Lock()
	if len(r.cards)+r.creating >= r.cfg.MaxCards {
		r.mu.Unlock()
		return Change{}, fmt.Errorf("%w: %d cards", ErrLimitReached, r.cfg.MaxCards)
	}
	r.creating++
	session := r.session
	r.mu.Unlock()

	objectID, txn, err := r.ledger.CreateAndDiscover(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.creating--
	if err != nil {
		r.logger.Warn("create counter failed", "error", err)
		return Change{Tx: txn}, fmt.Errorf("create counter: %w", err)
	}
	if r.session != session || r.gate.Require() != nil {
		r.logger.Warn("session ended during create, counter left for the next reload", "object_id", objectID)
		return Change{Tx: txn}, fmt.Errorf("create counter %s: %w", objectID, ErrSessionEnded)
	}

	card := r.appendLocked(objectID, 0)
	r.logger.Info("counter created", "label", card.Label, "object_id", objectID)
	return Change{Card: card, Tx: txn}, nil
}

// Mutate increments (delta > 0) or decrements (delta < 0) the card by one
// step, then re-reads the remote value.
func (r *Registry) Mutate(ctx context.Context, id string, delta int) (Change, error) {
	if delta == 0 {
		return Change{}, ErrInvalidDelta
	}
	op := ledger.OpIncrement
	if delta < 0 {
		op = ledger.OpDecrement
	}
	return r.writeAndRefresh(ctx, id, op)
}

// Reset sets the card's remote counter to zero.
func (r *Registry) Reset(ctx context.Context, id string) (Change, error) {
	return r.writeAndRefresh(ctx, id, ledger.OpReset)
}

func (r *Registry) writeAndRefresh(ctx context.Context, id string, op ledger.Operation) (Change, error) {
	if err := r.gate.Require(); err != nil {
		return Change{}, err
	}

	card, err := r.acquire(id)
	if err != nil {
		return Change{}, err
	}
	defer r.release(id)

	change := Change{Card: card, OldValue: card.Value}
	txn, err := r.ledger.Write(ctx, op, card.ObjectID)
	change.Tx = txn
	if err != nil {
		r.logger.Warn("counter write failed", "label", card.Label, "op", op, "error", err)
		change.NewValue = card.Value
		return change, err
	}

	value := expected(op, card.Value)
	obj, err := r.ledger.Read(ctx, card.ObjectID)
	if err != nil {
		r.logger.Warn("refresh after write failed, keeping expected value",
			"label", card.Label,
			"op", op,
			"expected", value,
			"error", err,
		)
	} else {
		value = obj.Value
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(id)
	if i < 0 {
		// Deleted or cleared while the write was in flight.
		return change, fmt.Errorf("%w: %s", ErrCardNotFound, id)
	}
	r.cards[i].Value = value
	change.Card = r.cards[i]
	change.NewValue = value
	return change, nil
}

// acquire marks the card busy after checking it can take a write.
func (r *Registry) acquire(id string) (models.Card, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(id)
	if i < 0 {
		return models.Card{}, fmt.Errorf("%w: %s", ErrCardNotFound, id)
	}
	c := &r.cards[i]
	if !c.HasRemote() {
		return models.Card{}, ErrNoRemote
	}
	if c.Busy {
		return models.Card{}, fmt.Errorf("%w: %s", ErrCardBusy, c.Label)
	}
	c.Busy = true
	return *c, nil
}

func (r *Registry) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.indexLocked(id); i >= 0 {
		r.cards[i].Busy = false
	}
}

// Delete deletes the remote counter on a best-effort basis and always removes
// the card. A failed remote delete is logged and reported in the returned
// error, wrapped after the card is gone.
func (r *Registry) Delete(ctx context.Context, id string) (Change, error) {
	if err := r.gate.Require(); err != nil {
		return Change{}, err
	}

	card, ok := r.Get(id)
	if !ok {
		return Change{}, fmt.Errorf("%w: %s", ErrCardNotFound, id)
	}

	change := Change{Card: card, OldValue: card.Value}
	var remoteErr error
	if card.HasRemote() {
		change.Tx, remoteErr = r.ledger.Write(ctx, ledger.OpDelete, card.ObjectID)
		if remoteErr != nil {
			r.logger.Warn("remote delete failed, removing card anyway",
				"label", card.Label,
				"object_id", card.ObjectID,
				"error", remoteErr,
			)
		}
	}

	r.mu.Lock()
	if i := r.indexLocked(id); i >= 0 {
		r.cards = append(r.cards[:i], r.cards[i+1:]...)
	}
	if r.openID == id {
		r.openID = ""
	}
	if card.HasRemote() && remoteErr == nil {
		delete(r.bookLocked().Seqs, card.ObjectID)
		r.saveBookLocked()
	}
	metrics.Cards.Set(float64(len(r.cards)))
	r.mu.Unlock()

	r.logger.Info("counter deleted", "label", card.Label, "remote_ok", remoteErr == nil)
	if remoteErr != nil {
		return change, &RemoteDeleteError{Label: card.Label, Err: remoteErr}
	}
	return change, nil
}

// RemoteDeleteError reports a remote delete that failed after the card was
// already removed locally.
type RemoteDeleteError struct {
	Label string
	Err   error
}

func (e *RemoteDeleteError) Error() string {
	return fmt.Sprintf("counter %s removed locally, remote delete failed: %v", e.Label, e.Err)
}

func (e *RemoteDeleteError) Unwrap() error { return e.Err }

// Toggle expands the card, collapsing the previously expanded one. Toggling
// the expanded card collapses it. Reports whether the card is now open.
func (r *Registry) Toggle(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexLocked(id) < 0 {
		return false, fmt.Errorf("%w: %s", ErrCardNotFound, id)
	}
	if r.openID == id {
		r.openID = ""
	} else {
		r.openID = id
	}
	for i := range r.cards {
		r.cards[i].Open = r.cards[i].ID == r.openID
	}
	return r.openID == id, nil
}

// Apply sets the cached value of the card bound to objectID, as observed by a
// read outside the registry. Busy cards are left to their own refresh.
func (r *Registry) Apply(objectID string, value uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.cards {
		if r.cards[i].ObjectID == objectID && !r.cards[i].Busy {
			r.cards[i].Value = value
			return true
		}
	}
	return false
}

// Reload discards the local cards and rebuilds them from the counters the
// connected account owns. Counters seen before keep their label and order;
// unknown ones follow, least recently modified first, with new labels.
func (r *Registry) Reload(ctx context.Context) ([]models.Card, error) {
	if err := r.gate.Require(); err != nil {
		return nil, err
	}
	owned, err := r.ledger.ListOwned(ctx)
	if err != nil {
		return nil, fmt.Errorf("reload counters: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()

	book := r.bookLocked()
	sort.SliceStable(owned, func(i, j int) bool {
		si, iok := book.Seqs[owned[i].ObjectID]
		sj, jok := book.Seqs[owned[j].ObjectID]
		if iok && jok {
			return si < sj
		}
		return iok && !jok
	})
	if len(owned) > r.cfg.MaxCards {
		r.logger.Warn("more owned counters than cards, keeping the first labelled",
			"owned", len(owned),
			"max_cards", r.cfg.MaxCards,
		)
		owned = owned[:r.cfg.MaxCards]
	}

	// Forget counters that no longer exist.
	present := make(map[string]bool, len(owned))
	for _, obj := range owned {
		present[obj.ObjectID] = true
	}
	for id := range book.Seqs {
		if !present[id] {
			delete(book.Seqs, id)
		}
	}
	for _, obj := range owned {
		r.appendLocked(obj.ObjectID, obj.Value)
	}
	r.saveBookLocked()
	r.logger.Info("counters reloaded", "count", len(r.cards))

	out := make([]models.Card, len(r.cards))
	copy(out, r.cards)
	return out, nil
}

// RefreshAll re-reads every bound card concurrently. Cards whose object is
// gone keep their cached value; the first read error is returned.
func (r *Registry) RefreshAll(ctx context.Context) error {
	cards := r.Cards()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, c := range cards {
		if !c.HasRemote() {
			continue
		}
		c := c
		g.Go(func() error {
			obj, err := r.ledger.Read(gctx, c.ObjectID)
			if err != nil {
				return fmt.Errorf("refresh %s: %w", c.Label, err)
			}
			r.Apply(c.ObjectID, obj.Value)
			return nil
		})
	}
	return g.Wait()
}

// Clear drops every card. Called on disconnect. Label assignments are kept.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
}

func (r *Registry) resetLocked() {
	r.cards = nil
	r.openID = ""
	r.session++
	metrics.Cards.Set(0)
}

// appendLocked adds a card, reusing the counter's recorded label sequence
// when it has one.
func (r *Registry) appendLocked(objectID string, value uint64) models.Card {
	book := r.bookLocked()
	seq, ok := book.Seqs[objectID]
	if !ok || objectID == "" {
		book.Next++
		seq = book.Next
		if objectID != "" {
			book.Seqs[objectID] = seq
			r.saveBookLocked()
		}
	}
	card := models.Card{
		ID:       uuid.NewString(),
		Seq:      seq,
		Label:    Label(seq),
		Value:    value,
		ObjectID: objectID,
	}
	r.cards = append(r.cards, card)
	metrics.Cards.Set(float64(len(r.cards)))
	return card
}

// bookLocked returns the label book of the connected account, loading it on
// first use or after the account changes.
func (r *Registry) bookLocked() *labelBook {
	owner := r.gate.Address()
	if r.book != nil && r.bookOwner == owner {
		return r.book
	}

	book := &labelBook{}
	raw, err := r.cfg.Labels.Get(labelKeyPrefix + owner)
	switch {
	case err == nil:
		if err := json.Unmarshal([]byte(raw), book); err != nil {
			r.logger.Warn("discarding unreadable label book", "owner", owner, "error", err)
			book = &labelBook{}
		}
	case !errors.Is(err, storage.ErrNotFound):
		r.logger.Warn("load label book", "owner", owner, "error", err)
	}
	if book.Seqs == nil {
		book.Seqs = make(map[string]uint64)
	}
	r.book, r.bookOwner = book, owner
	return book
}

func (r *Registry) saveBookLocked() {
	if r.book == nil || r.bookOwner == "" {
		return
	}
	data, err := json.Marshal(r.book)
	if err != nil {
		r.logger.Warn("encode label book", "error", err)
		return
	}
	if err := r.cfg.Labels.Set(labelKeyPrefix+r.bookOwner, string(data)); err != nil {
		r.logger.Warn("save label book", "owner", r.bookOwner, "error", err)
	}
}

func (r *Registry) indexLocked(id string) int {
	for i := range r.cards {
		if r.cards[i].ID == id {
			return i
		}
	}
	return -1
}

// expected is the value a successful write should leave behind.
func expected(op ledger.Operation, old uint64) uint64 {
	switch op {
	case ledger.OpIncrement:
		return old + 1
	case ledger.OpDecrement:
		if old == 0 {
			return 0
		}
		return old - 1
	default:
		return 0
	}
}

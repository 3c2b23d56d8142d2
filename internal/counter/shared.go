package counter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/ledger"
)

// Shared is the global counter every account can move.
type Shared struct {
	gate   Gate
	ledger Ledger
	logger *slog.Logger

	mu    sync.Mutex
	value uint64
	known bool
	busy  bool
}

func NewShared(gate Gate, l Ledger) *Shared {
	return &Shared{
		gate:   gate,
		ledger: l,
		logger: slog.Default().With("component", "global_counter"),
	}
}

// Value returns the cached value and whether it was ever read.
func (s *Shared) Value() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.known
}

// Apply records a value observed outside Refresh.
func (s *Shared) Apply(value uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.busy {
		s.value, s.known = value, true
	}
}

// Refresh reads the global counter. Reads need no wallet.
func (s *Shared) Refresh(ctx context.Context) (uint64, error) {
	obj, err := s.ledger.ReadGlobal(ctx)
	if err != nil {
		return 0, fmt.Errorf("refresh global counter: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value, s.known = obj.Value, true
	return obj.Value, nil
}

func (s *Shared) Increment(ctx context.Context) (Change, error) {
	return s.write(ctx, ledger.OpGlobalIncrement)
}

func (s *Shared) Decrement(ctx context.Context) (Change, error) {
	return s.write(ctx, ledger.OpGlobalDecrement)
}

func (s *Shared) write(ctx context.Context, op ledger.Operation) (Change, error) {
	if err := s.gate.Require(); err != nil {
		return Change{}, err
	}

	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return Change{}, fmt.Errorf("%w: global", ErrCardBusy)
	}
	s.busy = true
	old := s.value
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}()

	change := Change{OldValue: old, NewValue: old}
	txn, err := s.ledger.Write(ctx, op, "")
	change.Tx = txn
	if err != nil {
		s.logger.Warn("global counter write failed", "op", op, "error", err)
		return change, err
	}

	obj, err := s.ledger.ReadGlobal(ctx)
	if err != nil {
		s.logger.Warn("refresh after write failed", "op", op, "error", err)
		obj = nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if obj != nil {
		s.value, s.known = obj.Value, true
	} else if op == ledger.OpGlobalIncrement {
		s.value++
	} else if s.value > 0 {
		s.value--
	}
	change.NewValue = s.value
	return change, nil
}

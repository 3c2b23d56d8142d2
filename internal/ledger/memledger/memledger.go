// Package memledger is an in-process ledger that runs the counter module.
// It backs tests and the CLI's --simulate mode.
package memledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/btcsuite/btcd/btcutil/base58"

	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/ledger"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/wallet"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/pkg/models"
)

// Abort codes reported as transaction failures.
const (
	AbortUnderflow   = "MoveAbort(counter, EUnderflow)"
	AbortNotOwner    = "MoveAbort(counter, ENotOwner)"
	AbortNoObject    = "ObjectNotFound"
	AbortBadArgs     = "InvalidArguments"
	AbortBadFunction = "FunctionNotFound"
)

const globalType = "::counter::GlobalCounter"

var ErrBadSignature = errors.New("memledger: signature does not match sender")

type object struct {
	id           string
	version      uint64
	typ          string
	owner        string // empty for shared
	value        uint64
	visibleAfter int // owned listings that must pass before the object shows up
}

type envelope struct {
	Sender    string          `json:"sender"`
	Call      models.MoveCall `json:"call"`
	GasBudget uint64          `json:"gas_budget"`
	Nonce     uint64          `json:"nonce"`
}

// Ledger is a thread-safe in-memory ledger.
type Ledger struct {
	mu       sync.Mutex
	targets  ledger.Targets
	objects  map[string]*object
	version  uint64
	nonce    uint64
	nextID   uint64
	lag      int
	listings int
	calls    map[string]int
	failNext map[string]error
	rejectNx map[string]string
	executed map[string]models.ExecutionResult
	logger   *slog.Logger
}

// New creates a ledger with one shared global counter. When targets has no
// GlobalCounterID one is assigned; read it back with Targets().
func New(targets ledger.Targets) *Ledger {
	if targets.PackageID == "" {
		targets.PackageID = "0x" + fmt.Sprintf("%064x", 0xc0)
	}
	targets = targets.WithDefaults()

	l := &Ledger{
		objects:  make(map[string]*object),
		calls:    make(map[string]int),
		failNext: make(map[string]error),
		rejectNx: make(map[string]string),
		executed: make(map[string]models.ExecutionResult),
		logger:   slog.Default().With("component", "memledger"),
	}
	if targets.GlobalCounterID == "" {
		targets.GlobalCounterID = l.newIDLocked()
	}
	l.targets = targets
	l.version++
	l.objects[targets.GlobalCounterID] = &object{
		id:      targets.GlobalCounterID,
		version: l.version,
		typ:     targets.PackageID + globalType,
	}
	return l
}

// Targets returns the targets the ledger serves, including the global counter id.
func (l *Ledger) Targets() ledger.Targets {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.targets
}

// SetDiscoveryLag hides newly created objects from the next n owned-object listings.
func (l *Ledger) SetDiscoveryLag(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lag = n
}

// FailNext makes the next Execute of function return err without applying it.
func (l *Ledger) FailNext(function string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext[function] = err
}

// RejectNext makes the next Execute of function abort with reason.
func (l *Ledger) RejectNext(function, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rejectNx[function] = reason
}

// Calls returns how many times function was executed successfully or aborted.
func (l *Ledger) Calls(function string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[function]
}

// OwnedListings returns how many owned-object listings were served.
func (l *Ledger) OwnedListings() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.listings
}

// SetValue changes an object's value as an external writer would.
func (l *Ledger) SetValue(objectID string, value uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	obj, ok := l.objects[objectID]
	if !ok {
		return ledger.ErrObjectNotFound
	}
	l.version++
	obj.value = value
	obj.version = l.version
	return nil
}

// Remove deletes an object as an external writer would.
func (l *Ledger) Remove(objectID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.objects[objectID]; !ok {
		return ledger.ErrObjectNotFound
	}
	delete(l.objects, objectID)
	return nil
}

// Value returns the current value of an object.
func (l *Ledger) Value(objectID string) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	obj, ok := l.objects[objectID]
	if !ok {
		return 0, false
	}
	return obj.value, true
}

// Count returns the number of personal counters owned by owner, visible or not.
func (l *Ledger) Count(owner string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, obj := range l.objects {
		if obj.owner == owner {
			n++
		}
	}
	return n
}

func (l *Ledger) BuildMoveCall(ctx context.Context, sender string, call models.MoveCall, gasBudget uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.nonce++
	nonce := l.nonce
	l.mu.Unlock()

	return json.Marshal(envelope{Sender: sender, Call: call, GasBudget: gasBudget, Nonce: nonce})
}

func (l *Ledger) Execute(ctx context.Context, txBytes, signature []byte) (*models.ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(txBytes, &env); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	signer, err := wallet.VerifySignature(txBytes, signature)
	if err != nil {
		return nil, err
	}
	if signer != env.Sender {
		return nil, ErrBadSignature
	}

	sum := wallet.TransactionDigest(txBytes)
	digest := base58.Encode(sum[:])

	l.mu.Lock()
	defer l.mu.Unlock()

	if prev, ok := l.executed[digest]; ok {
		return &prev, nil
	}

	fn := env.Call.Function
	if ferr, ok := l.failNext[fn]; ok {
		delete(l.failNext, fn)
		return nil, ferr
	}

	l.calls[fn]++
	result := models.ExecutionResult{Digest: digest, Status: models.TxSuccess}
	if reason, ok := l.rejectNx[fn]; ok {
		delete(l.rejectNx, fn)
		result.Status, result.Error = models.TxFailure, reason
	} else if abort := l.applyLocked(env); abort != "" {
		result.Status, result.Error = models.TxFailure, abort
	}
	l.executed[digest] = result

	l.logger.Debug("executed", "function", fn, "digest", digest, "status", result.Status, "error", result.Error)
	return &result, nil
}

func (l *Ledger) applyLocked(env envelope) string {
	t := l.targets
	if env.Call.Package != t.PackageID || env.Call.Module != t.Module {
		return AbortBadFunction
	}

	switch env.Call.Function {
	case t.Create:
		l.version++
		id := l.newIDLocked()
		l.objects[id] = &object{
			id:           id,
			version:      l.version,
			typ:          t.CounterType,
			owner:        env.Sender,
			visibleAfter: l.listings + l.lag,
		}
		return ""
	case t.GlobalIncrement, t.GlobalDecrement:
		return l.mutateLocked(env, t.GlobalCounterID, false)
	case t.Increment, t.Decrement, t.Reset, t.Delete:
		if len(env.Call.Arguments) < 1 {
			return AbortBadArgs
		}
		return l.mutateLocked(env, env.Call.Arguments[0], true)
	default:
		return AbortBadFunction
	}
}

func (l *Ledger) mutateLocked(env envelope, id string, personal bool) string {
	t := l.targets
	obj, ok := l.objects[id]
	if !ok {
		return AbortNoObject
	}
	if personal && obj.owner != env.Sender {
		return AbortNotOwner
	}

	switch env.Call.Function {
	case t.Increment, t.GlobalIncrement:
		obj.value++
	case t.Decrement, t.GlobalDecrement:
		if obj.value == 0 {
			return AbortUnderflow
		}
		obj.value--
	case t.Reset:
		obj.value = 0
	case t.Delete:
		delete(l.objects, id)
		return ""
	}
	l.version++
	obj.version = l.version
	return ""
}

func (l *Ledger) GetObject(ctx context.Context, objectID string) (*ledger.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	obj, ok := l.objects[objectID]
	if !ok {
		return nil, ledger.ErrObjectNotFound
	}
	out := obj.export()
	return &out, nil
}

func (l *Ledger) GetOwnedObjects(ctx context.Context, owner, structType string) ([]ledger.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listings++

	var out []ledger.Object
	for _, obj := range l.objects {
		if obj.owner != owner || obj.typ != structType {
			continue
		}
		if l.listings <= obj.visibleAfter {
			continue
		}
		out = append(out, obj.export())
	}
	return out, nil
}

func (l *Ledger) newIDLocked() string {
	l.nextID++
	return fmt.Sprintf("0x%064x", 0x1000+l.nextID)
}

func (o *object) export() ledger.Object {
	return ledger.Object{
		ObjectID: o.id,
		Version:  o.version,
		Type:     o.typ,
		Owner:    o.owner,
		Fields: map[string]any{
			"id":    map[string]any{"id": o.id},
			"value": fmt.Sprintf("%d", o.value),
		},
	}
}

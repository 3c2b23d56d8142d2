// Package ledger reads and writes counter objects on the remote ledger.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/tx"
)

var (
	ErrObjectNotFound   = errors.New("ledger: object not found")
	ErrUnexpectedShape  = errors.New("ledger: object does not match counter shape")
	ErrDiscoveryTimeout = errors.New("ledger: created counter not found")
	ErrRejected         = tx.ErrRejected
)

// Object is a remote object as returned by the RPC.
type Object struct {
	ObjectID string
	Version  uint64
	Type     string
	Owner    string
	Fields   map[string]any
}

// Backend is the remote ledger RPC boundary.
type Backend interface {
	tx.Submitter

	// GetObject returns the object or ErrObjectNotFound
	GetObject(ctx context.Context, objectID string) (*Object, error)

	// GetOwnedObjects lists objects of structType owned by owner
	GetOwnedObjects(ctx context.Context, owner, structType string) ([]Object, error)
}

// Operation is a remote counter function.
type Operation int

const (
	OpCreate Operation = iota
	OpIncrement
	OpDecrement
	OpReset
	OpDelete
	OpGlobalIncrement
	OpGlobalDecrement
)

func (o Operation) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpIncrement:
		return "increment"
	case OpDecrement:
		return "decrement"
	case OpReset:
		return "reset"
	case OpDelete:
		return "delete"
	case OpGlobalIncrement:
		return "global_increment"
	case OpGlobalDecrement:
		return "global_decrement"
	default:
		return "unknown"
	}
}

// Targets names the on-chain package, types and functions the client calls.
type Targets struct {
	PackageID       string
	Module          string
	CounterType     string // fully qualified personal counter struct
	GlobalCounterID string

	Create          string
	Increment       string
	Decrement       string
	Reset           string
	Delete          string
	GlobalIncrement string
	GlobalDecrement string
}

// WithDefaults fills unset function names with the counter module's entry points.
func (t Targets) WithDefaults() Targets {
	if t.Module == "" {
		t.Module = "counter"
	}
	if t.CounterType == "" {
		t.CounterType = t.PackageID + "::" + t.Module + "::Counter"
	}
	defaults := []struct {
		field *string
		name  string
	}{
		{&t.Create, "create_personal_counter"},
		{&t.Increment, "increment_personal_counter"},
		{&t.Decrement, "decrement_personal_counter"},
		{&t.Reset, "reset_personal_counter"},
		{&t.Delete, "delete_personal_counter"},
		{&t.GlobalIncrement, "increment_global_counter"},
		{&t.GlobalDecrement, "decrement_global_counter"},
	}
	for _, d := range defaults {
		if *d.field == "" {
			*d.field = d.name
		}
	}
	return t
}

// Function returns the entry function name for op.
func (t Targets) Function(op Operation) string {
	switch op {
	case OpCreate:
		return t.Create
	case OpIncrement:
		return t.Increment
	case OpDecrement:
		return t.Decrement
	case OpReset:
		return t.Reset
	case OpDelete:
		return t.Delete
	case OpGlobalIncrement:
		return t.GlobalIncrement
	case OpGlobalDecrement:
		return t.GlobalDecrement
	default:
		return ""
	}
}

// CounterValue extracts the numeric "value" field. Move u64 values arrive as
// strings; plain JSON numbers are accepted too.
func CounterValue(fields map[string]any) (uint64, error) {
	raw, ok := fields["value"]
	if !ok {
		return 0, fmt.Errorf("%w: no value field", ErrUnexpectedShape)
	}
	switch v := raw.(type) {
	case string:
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: value %q: %v", ErrUnexpectedShape, v, err)
		}
		return n, nil
	case float64:
		if v < 0 || v != float64(uint64(v)) {
			return 0, fmt.Errorf("%w: value %v", ErrUnexpectedShape, v)
		}
		return uint64(v), nil
	case json.Number:
		n, err := strconv.ParseUint(v.String(), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: value %s: %v", ErrUnexpectedShape, v, err)
		}
		return n, nil
	case uint64:
		return v, nil
	default:
		return 0, fmt.Errorf("%w: value has type %T", ErrUnexpectedShape, raw)
	}
}

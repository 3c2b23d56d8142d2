package models

import "time"

// Action labels a counter-affecting user action in the history log.
type Action string

// Recorded actions.
const (
	ActionCreated   Action = "Created counter"
	ActionIncrement Action = "Increment"
	ActionDecrement Action = "Decrement"
	ActionReset     Action = "Reset"
	ActionDeleted   Action = "Deleted"
)

// Actions lists every action category in display order.
var Actions = []Action{ActionCreated, ActionIncrement, ActionDecrement, ActionReset, ActionDeleted}

// Card is one user-visible personal counter.
// Value is a local projection of the remote object and may be stale between a write and its read.
type Card struct {
	ID       string `json:"id"`
	Seq      uint64 `json:"seq"`
	Label    string `json:"label"`
	Value    uint64 `json:"value"`
	ObjectID string `json:"object_id,omitempty"`
	Open     bool   `json:"open"`
	Busy     bool   `json:"busy"`
}

// HasRemote reports whether the card is bound to an on-chain object.
func (c Card) HasRemote() bool {
	return c.ObjectID != ""
}

// ConnectionStatus is the wallet link state.
type ConnectionStatus string

// Wallet link states.
const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
)

// ConnectionState describes the wallet link.
type ConnectionState struct {
	Status  ConnectionStatus `json:"status"`
	Address string           `json:"address,omitempty"`
}

// Connected reports whether mutating operations are allowed.
func (s ConnectionState) Connected() bool {
	return s.Status == StatusConnected
}

// ShortAddress renders the address as 0x1234...abcd.
func (s ConnectionState) ShortAddress() string {
	return ShortAddress(s.Address)
}

// ShortAddress truncates an address for display.
func ShortAddress(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}

// HistoryEntry is one past action. Entries are never mutated once recorded.
type HistoryEntry struct {
	Action      Action    `json:"action"`
	OldValue    uint64    `json:"oldValue"`
	NewValue    uint64    `json:"newValue"`
	UserAddress string    `json:"userAddress"`
	TxHash      string    `json:"txHash"`
	Date        string    `json:"date"`
	Timestamp   time.Time `json:"timestamp"`
}

// NotificationKind selects how a notification is rendered.
type NotificationKind string

// Notification kinds.
const (
	KindSuccess NotificationKind = "success"
	KindError   NotificationKind = "error"
	KindInfo    NotificationKind = "info"
)

// Notification is a transient user message.
type Notification struct {
	ID        uint64           `json:"id"`
	Message   string           `json:"message"`
	Kind      NotificationKind `json:"kind"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// TxStatus is the outcome of a submitted transaction.
type TxStatus string

// Transaction outcomes.
const (
	TxSuccess TxStatus = "success"
	TxFailure TxStatus = "failure"
)

// MoveCall names a remote entry function and its arguments.
type MoveCall struct {
	Package   string   `json:"package"`
	Module    string   `json:"module"`
	Function  string   `json:"function"`
	Arguments []string `json:"arguments"`
}

// Target renders the call as package::module::function.
func (c MoveCall) Target() string {
	return c.Package + "::" + c.Module + "::" + c.Function
}

// Transaction is a submitted ledger write.
type Transaction struct {
	Digest         string    `json:"digest"`
	Sender         string    `json:"sender"`
	Call           MoveCall  `json:"call"`
	Status         TxStatus  `json:"status"`
	Error          string    `json:"error,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	SubmittedAt    time.Time `json:"submitted_at"`
	TxBytes        []byte    `json:"-"`
	Signature      []byte    `json:"-"`

	// Replayed is set when the transaction came from the idempotency store
	// instead of a new submission.
	Replayed bool `json:"-"`
}

// CounterObject is the decoded state of a remote counter object.
type CounterObject struct {
	ObjectID string `json:"object_id"`
	Version  uint64 `json:"version"`
	Type     string `json:"type"`
	Owner    string `json:"owner,omitempty"`
	Value    uint64 `json:"value"`
}

// ExecutionResult is the ledger's answer to an executed transaction.
type ExecutionResult struct {
	Digest string   `json:"digest"`
	Status TxStatus `json:"status"`
	Error  string   `json:"error,omitempty"`
}

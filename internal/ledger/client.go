package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/metrics"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/tx"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/pkg/models"
)

var errNotYetVisible = errors.New("created counter not visible yet")

// Config holds the client's targets and discovery bounds.
type Config struct {
	Targets           Targets
	DiscoveryAttempts int
	DiscoveryDelay    time.Duration
}

// Client wraps remote reads and writes of counter objects.
type Client struct {
	backend Backend
	builder *tx.Builder
	account tx.Signer
	cfg     Config
	logger  *slog.Logger

	mu      sync.Mutex
	claimed map[string]bool // discovered ids already handed to a caller
}

func NewClient(cfg Config, backend Backend, builder *tx.Builder, account tx.Signer) *Client {
	cfg.Targets = cfg.Targets.WithDefaults()
	if cfg.DiscoveryAttempts <= 0 {
		cfg.DiscoveryAttempts = 3
	}
	if cfg.DiscoveryDelay <= 0 {
		cfg.DiscoveryDelay = time.Second
	}
	return &Client{
		backend: backend,
		builder: builder,
		account: account,
		cfg:     cfg,
		claimed: make(map[string]bool),
		logger:  slog.Default().With("component", "ledger_client"),
	}
}

// Targets returns the resolved on-chain targets.
func (c *Client) Targets() Targets {
	return c.cfg.Targets
}

// Write submits op against objectID with extra pure args. objectID is empty
// for create; global operations default to the configured global counter.
// A request key on ctx (tx.WithIdempotencyKey) is scoped to the function and
// object, so the same key replays only the same write.
// On rejection the executed transaction is returned alongside ErrRejected.
func (c *Client) Write(ctx context.Context, op Operation, objectID string, args ...string) (*models.Transaction, error) {
	fn := c.cfg.Targets.Function(op)
	if fn == "" {
		return nil, fmt.Errorf("unknown operation %d", op)
	}
	if objectID == "" && (op == OpGlobalIncrement || op == OpGlobalDecrement) {
		objectID = c.cfg.Targets.GlobalCounterID
	}

	var callArgs []string
	if objectID != "" {
		callArgs = append(callArgs, objectID)
	}
	callArgs = append(callArgs, args...)

	call := models.MoveCall{
		Package:   c.cfg.Targets.PackageID,
		Module:    c.cfg.Targets.Module,
		Function:  fn,
		Arguments: callArgs,
	}

	req := tx.SendRequest{Call: call}
	if key := tx.IdempotencyKey(ctx); key != "" {
		req.IdempotencyKey = key + "/" + fn + "/" + objectID
	}

	txn, err := c.builder.Send(ctx, req)
	if err != nil {
		return txn, fmt.Errorf("%s: %w", op, err)
	}
	return txn, nil
}

// Read fetches a counter object. Objects other than the global counter must
// be of the personal counter type. ErrObjectNotFound and ErrUnexpectedShape
// both mean the object is absent for display purposes.
func (c *Client) Read(ctx context.Context, objectID string) (*models.CounterObject, error) {
	obj, err := c.backend.GetObject(ctx, objectID)
	if err != nil {
		status := "error"
		if errors.Is(err, ErrObjectNotFound) {
			status = "not_found"
		}
		metrics.LedgerReads.WithLabelValues(status).Inc()
		return nil, fmt.Errorf("read %s: %w", objectID, err)
	}

	if objectID != c.cfg.Targets.GlobalCounterID && obj.Type != c.cfg.Targets.CounterType {
		metrics.LedgerReads.WithLabelValues("bad_shape").Inc()
		return nil, fmt.Errorf("read %s: %w: type %s", objectID, ErrUnexpectedShape, obj.Type)
	}

	value, err := CounterValue(obj.Fields)
	if err != nil {
		metrics.LedgerReads.WithLabelValues("bad_shape").Inc()
		return nil, fmt.Errorf("read %s: %w", objectID, err)
	}

	metrics.LedgerReads.WithLabelValues("success").Inc()
	return &models.CounterObject{
		ObjectID: obj.ObjectID,
		Version:  obj.Version,
		Type:     obj.Type,
		Owner:    obj.Owner,
		Value:    value,
	}, nil
}

// ReadGlobal fetches the shared counter.
func (c *Client) ReadGlobal(ctx context.Context) (*models.CounterObject, error) {
	if c.cfg.Targets.GlobalCounterID == "" {
		return nil, fmt.Errorf("read global: %w", ErrObjectNotFound)
	}
	return c.Read(ctx, c.cfg.Targets.GlobalCounterID)
}

// ListOwned returns the connected account's personal counters, least recently
// modified first. Versions move on every write, so this is not creation order.
func (c *Client) ListOwned(ctx context.Context) ([]models.CounterObject, error) {
	owner, err := c.account.SignerAddress()
	if err != nil {
		return nil, err
	}

	objs, err := c.backend.GetOwnedObjects(ctx, owner, c.cfg.Targets.CounterType)
	if err != nil {
		return nil, fmt.Errorf("list owned counters: %w", err)
	}

	out := make([]models.CounterObject, 0, len(objs))
	for _, obj := range objs {
		value, err := CounterValue(obj.Fields)
		if err != nil {
			c.logger.Warn("skipping owned object", "object_id", obj.ObjectID, "error", err)
			continue
		}
		out = append(out, models.CounterObject{
			ObjectID: obj.ObjectID,
			Version:  obj.Version,
			Type:     obj.Type,
			Owner:    obj.Owner,
			Value:    value,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// CreateAndDiscover submits create_personal_counter and then polls the owned
// objects for the new counter. The write's confirmation does not carry the new
// object id, so discovery is bounded by DiscoveryAttempts polls DiscoveryDelay
// apart. On ErrDiscoveryTimeout the counter may still exist remotely.
func (c *Client) CreateAndDiscover(ctx context.Context) (string, *models.Transaction, error) {
	// A replayed create would leave nothing new to discover.
	ctx = tx.WithIdempotencyKey(ctx, "")

	owner, err := c.account.SignerAddress()
	if err != nil {
		return "", nil, err
	}

	before, err := c.backend.GetOwnedObjects(ctx, owner, c.cfg.Targets.CounterType)
	if err != nil {
		return "", nil, fmt.Errorf("snapshot owned counters: %w", err)
	}
	known := make(map[string]bool, len(before))
	for _, obj := range before {
		known[obj.ObjectID] = true
	}

	txn, err := c.Write(ctx, OpCreate, "")
	if err != nil {
		return "", txn, err
	}

	policy := retrypolicy.NewBuilder[string]().
		WithMaxAttempts(c.cfg.DiscoveryAttempts).
		WithDelay(c.cfg.DiscoveryDelay).
		ReturnLastFailure().
		Build()

	attempts := 0
	id, err := failsafe.With[string](policy).WithContext(ctx).Get(func() (string, error) {
		attempts++
		metrics.DiscoveryAttempts.Inc()
		return c.discover(ctx, owner, known)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", txn, ctxErr
		}
		metrics.DiscoveryTimeouts.Inc()
		c.logger.Warn("created counter not discovered",
			"digest", txn.Digest,
			"attempts", attempts,
			"error", err,
		)
		return "", txn, fmt.Errorf("%w after %d attempts (digest %s): %v", ErrDiscoveryTimeout, attempts, txn.Digest, err)
	}

	c.logger.Info("created counter discovered", "object_id", id, "digest", txn.Digest, "attempts", attempts)
	return id, txn, nil
}

// discover returns the oldest owned counter that was neither present before the
// create nor already claimed by a concurrent create.
func (c *Client) discover(ctx context.Context, owner string, known map[string]bool) (string, error) {
	objs, err := c.backend.GetOwnedObjects(ctx, owner, c.cfg.Targets.CounterType)
	if err != nil {
		return "", err
	}
	sort.SliceStable(objs, func(i, j int) bool { return objs[i].Version < objs[j].Version })

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, obj := range objs {
		if known[obj.ObjectID] || c.claimed[obj.ObjectID] {
			continue
		}
		c.claimed[obj.ObjectID] = true
		return obj.ObjectID, nil
	}
	return "", errNotYetVisible
}

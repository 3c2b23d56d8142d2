package tx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/metrics"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/storage"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/pkg/models"
)

// ErrRejected wraps a transaction the ledger executed but aborted.
var ErrRejected = errors.New("transaction rejected by ledger")

// Signer supplies the sending account and signs transaction bytes.
// In production this is the connected wallet.
type Signer interface {
	SignerAddress() (string, error)
	SignTransaction(ctx context.Context, txBytes []byte) ([]byte, error)
}

// Submitter is the write half of the ledger RPC.
type Submitter interface {
	// BuildMoveCall returns serialized, unsigned transaction bytes for call
	BuildMoveCall(ctx context.Context, sender string, call models.MoveCall, gasBudget uint64) ([]byte, error)
	// Execute submits signed bytes and waits for local execution
	Execute(ctx context.Context, txBytes, signature []byte) (*models.ExecutionResult, error)
}

// BuilderConfig holds configurable parameters for the transaction builder.
type BuilderConfig struct {
	GasBudget uint64
}

// Builder turns move calls into signed, executed transactions.
// Handles idempotency, building, signing and submission.
type Builder struct {
	signer    Signer
	submitter Submitter
	txStore   storage.TxStore
	logger    *slog.Logger
	cfg       BuilderConfig
}

// NewBuilder creates a new transaction builder with the given config and stores.
func NewBuilder(cfg BuilderConfig, signer Signer, submitter Submitter, txs storage.TxStore) *Builder {
	if cfg.GasBudget == 0 {
		cfg.GasBudget = 10_000_000
	}
	return &Builder{
		signer:    signer,
		submitter: submitter,
		txStore:   txs,
		logger:    slog.Default().With("component", "tx_builder"),
		cfg:       cfg,
	}
}

// SendRequest represents a request to execute one move call.
type SendRequest struct {
	// IdempotencyKey prevents duplicate sends. When empty a key is generated
	// for tracing only and the transaction is not stored.
	IdempotencyKey string
	Call           models.MoveCall
}

type requestKey struct{}

// WithIdempotencyKey attaches a caller-chosen request key to ctx. Writes made
// under the same key are executed at most once.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, requestKey{}, key)
}

// IdempotencyKey returns the request key attached to ctx, or "".
func IdempotencyKey(ctx context.Context) string {
	key, _ := ctx.Value(requestKey{}).(string)
	return key
}

// Send builds, signs and executes a transaction with idempotency.
// A transaction the ledger aborted is returned together with an ErrRejected error.
func (b *Builder) Send(ctx context.Context, req SendRequest) (*models.Transaction, error) {
	keyed := req.IdempotencyKey != ""
	if !keyed {
		req.IdempotencyKey = uuid.NewString()
	}

	// Idempotency check: a key that already succeeded is not resubmitted
	if keyed {
		existing, err := b.txStore.Get(req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("tx store get: %w", err)
		}
		if existing != nil {
			b.logger.Info("duplicate request, returning existing tx",
				"idempotency_key", req.IdempotencyKey,
				"digest", existing.Digest,
			)
			replay := *existing
			replay.Replayed = true
			return &replay, nil
		}
	}

	sender, err := b.signer.SignerAddress()
	if err != nil {
		return nil, fmt.Errorf("sender: %w", err)
	}

	start := time.Now()
	b.logger.Info("building transaction",
		"target", req.Call.Target(),
		"sender", models.ShortAddress(sender),
		"args", req.Call.Arguments,
	)

	txBytes, err := b.submitter.BuildMoveCall(ctx, sender, req.Call, b.cfg.GasBudget)
	if err != nil {
		metrics.LedgerWrites.WithLabelValues(req.Call.Function, "build_error").Inc()
		return nil, fmt.Errorf("build: %w", err)
	}

	sig, err := b.signer.SignTransaction(ctx, txBytes)
	if err != nil {
		metrics.LedgerWrites.WithLabelValues(req.Call.Function, "sign_error").Inc()
		return nil, fmt.Errorf("sign: %w", err)
	}

	result, err := b.submitter.Execute(ctx, txBytes, sig)
	if err != nil {
		metrics.LedgerWrites.WithLabelValues(req.Call.Function, "submit_error").Inc()
		return nil, fmt.Errorf("execute: %w", err)
	}
	metrics.WriteDuration.Observe(time.Since(start).Seconds())

	tx := &models.Transaction{
		Digest:         result.Digest,
		Sender:         sender,
		Call:           req.Call,
		Status:         result.Status,
		Error:          result.Error,
		IdempotencyKey: req.IdempotencyKey,
		SubmittedAt:    start,
		TxBytes:        txBytes,
		Signature:      sig,
	}

	if result.Status != models.TxSuccess {
		metrics.LedgerWrites.WithLabelValues(req.Call.Function, "rejected").Inc()
		b.logger.Warn("transaction aborted",
			"digest", tx.Digest,
			"target", req.Call.Target(),
			"error", result.Error,
		)
		return tx, fmt.Errorf("%w: %s", ErrRejected, result.Error)
	}

	metrics.LedgerWrites.WithLabelValues(req.Call.Function, "success").Inc()
	b.logger.Info("transaction executed",
		"digest", tx.Digest,
		"target", req.Call.Target(),
	)

	if keyed {
		if err := b.txStore.Put(req.IdempotencyKey, tx); err != nil {
			return nil, fmt.Errorf("tx store put: %w", err)
		}
	}

	return tx, nil
}

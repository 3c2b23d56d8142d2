// Package app wires the wallet gate, counters, notifier, history and watcher
// into the user-facing actions.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/counter"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/history"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/ledger"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/notify"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/wallet"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/watch"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/pkg/models"
)

// User-facing messages.
const (
	MsgConnected       = "Wallet connected"
	MsgConnectFirst    = "Please connect your wallet first"
	MsgCreateFirst     = "Create the counter first"
	MsgCreateFailed    = "Failed to create counter"
	MsgDiscoveryFailed = "Counter created but not found yet, try reloading"
	MsgBusy            = "Please wait for the previous action to finish"
	MsgSessionEnded    = "Counter created after the wallet disconnected, it will load on reconnect"
	MsgAlreadyApplied  = "This request was already applied"
)

// Deps are the components the controller drives. Watcher is optional.
type Deps struct {
	Gate            *wallet.Gate
	Registry        *counter.Registry
	Shared          *counter.Shared
	Notifier        *notify.Notifier
	History         *history.Log
	Watcher         *watch.PollingWatcher
	GlobalCounterID string
}

// Controller runs each user action as gate check, counter operation,
// notification and history record.
type Controller struct {
	gate     *wallet.Gate
	registry *counter.Registry
	shared   *counter.Shared
	notifier *notify.Notifier
	history  *history.Log
	watcher  *watch.PollingWatcher
	globalID string
	logger   *slog.Logger

	wg sync.WaitGroup
}

// New builds a controller and registers its wallet hooks.
func New(d Deps) *Controller {
	c := &Controller{
		gate:     d.Gate,
		registry: d.Registry,
		shared:   d.Shared,
		notifier: d.Notifier,
		history:  d.History,
		watcher:  d.Watcher,
		globalID: d.GlobalCounterID,
		logger:   slog.Default().With("component", "controller"),
	}
	c.gate.OnConnect(c.onConnect)
	c.gate.OnDisconnect(c.onDisconnect)
	return c
}

// Start begins watching the global counter for external changes.
func (c *Controller) Start(ctx context.Context) error {
	if c.watcher == nil {
		return nil
	}
	if c.globalID != "" {
		if err := c.watcher.Watch(c.globalID); err != nil {
			return fmt.Errorf("watch global counter: %w", err)
		}
	}
	if err := c.watcher.Start(ctx); err != nil {
		return err
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		watch.Dispatch(c.watcher, c.applyEvent)
	}()
	return nil
}

// Close stops the watcher and clears any pending notification.
func (c *Controller) Close() {
	if c.watcher != nil {
		_ = c.watcher.Stop()
		c.wg.Wait()
	}
	c.notifier.Close()
}

func (c *Controller) State() models.ConnectionState { return c.gate.State() }

func (c *Controller) Cards() []models.Card { return c.registry.Cards() }

func (c *Controller) Global() (uint64, bool) { return c.shared.Value() }

func (c *Controller) History() *history.Log { return c.history }

func (c *Controller) Notifier() *notify.Notifier { return c.notifier }

// Connect links the wallet. Hooks run the welcome notification and the
// initial refresh.
func (c *Controller) Connect(ctx context.Context) error {
	if err := c.gate.Connect(ctx); err != nil {
		c.notifier.Error("Failed to connect wallet")
		return err
	}
	return nil
}

func (c *Controller) Disconnect() error {
	return c.gate.Disconnect()
}

// onConnect runs once per disconnected to connected transition.
func (c *Controller) onConnect(ctx context.Context, address string) {
	c.notifier.Success(MsgConnected)

	if _, err := c.shared.Refresh(ctx); err != nil {
		c.logger.Warn("global refresh on connect failed", "error", err)
	}

	cards, err := c.registry.Reload(ctx)
	if err != nil {
		c.logger.Warn("reload counters on connect failed", "error", err)
		return
	}
	for _, card := range cards {
		c.watchCard(card)
	}
	c.logger.Info("session ready", "address", models.ShortAddress(address), "cards", len(cards))
}

func (c *Controller) onDisconnect() {
	c.registry.Clear()
	if c.watcher == nil {
		return
	}
	if err := c.watcher.Reset(); err != nil {
		c.logger.Warn("reset watch set failed", "error", err)
	}
	if c.globalID != "" {
		_ = c.watcher.Watch(c.globalID)
	}
}

// RefreshGlobal reads the shared counter. No wallet needed.
func (c *Controller) RefreshGlobal(ctx context.Context) (uint64, error) {
	return c.shared.Refresh(ctx)
}

// Refresh re-reads the global counter and every card.
func (c *Controller) Refresh(ctx context.Context) error {
	if _, err := c.shared.Refresh(ctx); err != nil {
		c.fail("Failed to refresh global counter", err)
		return err
	}
	if err := c.registry.RefreshAll(ctx); err != nil {
		c.fail("Failed to refresh counters", err)
		return err
	}
	return nil
}

func (c *Controller) IncrementGlobal(ctx context.Context) (counter.Change, error) {
	return c.global(ctx, models.ActionIncrement, c.shared.Increment)
}

func (c *Controller) DecrementGlobal(ctx context.Context) (counter.Change, error) {
	return c.global(ctx, models.ActionDecrement, c.shared.Decrement)
}

func (c *Controller) global(ctx context.Context, action models.Action, fn func(context.Context) (counter.Change, error)) (counter.Change, error) {
	if err := c.precondition(); err != nil {
		return counter.Change{}, err
	}
	change, err := fn(ctx)
	if err != nil {
		c.fail(fmt.Sprintf("Failed to %s global counter", verb(action)), err)
		return change, err
	}
	if replayed(change) {
		c.notifier.Info(MsgAlreadyApplied)
		return change, nil
	}
	c.notifier.Success(fmt.Sprintf("Global counter %sed to %d", verb(action), change.NewValue))
	c.record(action, change)
	return change, nil
}

// CreateCounter creates a personal counter and its card.
func (c *Controller) CreateCounter(ctx context.Context) (counter.Change, error) {
	if err := c.precondition(); err != nil {
		return counter.Change{}, err
	}
	change, err := c.registry.Create(ctx)
	switch {
	case errors.Is(err, counter.ErrLimitReached):
		c.notifier.Error(fmt.Sprintf("You can only have %d counters", c.registry.MaxCards()))
		return change, err
	case errors.Is(err, ledger.ErrDiscoveryTimeout):
		c.fail(MsgDiscoveryFailed, err)
		return change, err
	case errors.Is(err, counter.ErrSessionEnded):
		c.logger.Warn(MsgSessionEnded, "error", err)
		c.notifier.Info(MsgSessionEnded)
		return change, err
	case err != nil:
		c.fail(MsgCreateFailed, err)
		return change, err
	}

	c.notifier.Success(fmt.Sprintf("Counter %s created", change.Card.Label))
	c.record(models.ActionCreated, change)
	c.watchCard(change.Card)
	return change, nil
}

// Increment and Decrement take a card id or label.
func (c *Controller) Increment(ctx context.Context, ref string) (counter.Change, error) {
	return c.mutate(ctx, ref, models.ActionIncrement, func(id string) (counter.Change, error) {
		return c.registry.Mutate(ctx, id, +1)
	})
}

func (c *Controller) Decrement(ctx context.Context, ref string) (counter.Change, error) {
	return c.mutate(ctx, ref, models.ActionDecrement, func(id string) (counter.Change, error) {
		return c.registry.Mutate(ctx, id, -1)
	})
}

func (c *Controller) Reset(ctx context.Context, ref string) (counter.Change, error) {
	return c.mutate(ctx, ref, models.ActionReset, func(id string) (counter.Change, error) {
		return c.registry.Reset(ctx, id)
	})
}

func (c *Controller) mutate(ctx context.Context, ref string, action models.Action, fn func(id string) (counter.Change, error)) (counter.Change, error) {
	if err := c.precondition(); err != nil {
		return counter.Change{}, err
	}
	card, err := c.lookup(ref)
	if err != nil {
		return counter.Change{}, err
	}

	change, err := fn(card.ID)
	switch {
	case errors.Is(err, counter.ErrNoRemote):
		c.notifier.Error(MsgCreateFirst)
		return change, err
	case errors.Is(err, counter.ErrCardBusy):
		c.notifier.Info(MsgBusy)
		return change, err
	case err != nil:
		c.fail(fmt.Sprintf("Failed to %s counter %s", verb(action), card.Label), err)
		return change, err
	}
	if replayed(change) {
		c.notifier.Info(MsgAlreadyApplied)
		return change, nil
	}

	if action == models.ActionReset {
		c.notifier.Success(fmt.Sprintf("Counter %s reset", card.Label))
	} else {
		c.notifier.Success(fmt.Sprintf("Counter %s %sed to %d", card.Label, verb(action), change.NewValue))
	}
	c.record(action, change)
	return change, nil
}

// Delete removes a card. The card goes even when the remote delete fails.
func (c *Controller) Delete(ctx context.Context, ref string) (counter.Change, error) {
	if err := c.precondition(); err != nil {
		return counter.Change{}, err
	}
	card, err := c.lookup(ref)
	if err != nil {
		return counter.Change{}, err
	}

	change, err := c.registry.Delete(ctx, card.ID)
	var remoteErr *counter.RemoteDeleteError
	switch {
	case errors.As(err, &remoteErr):
		c.notifier.Info(fmt.Sprintf("Counter %s removed, remote delete failed", card.Label))
	case err != nil:
		c.fail(fmt.Sprintf("Failed to delete counter %s", card.Label), err)
		return change, err
	case replayed(change):
		c.notifier.Info(MsgAlreadyApplied)
	default:
		c.notifier.Success(fmt.Sprintf("Counter %s deleted", card.Label))
	}

	change.NewValue = 0
	if !replayed(change) {
		c.record(models.ActionDeleted, change)
	}
	if c.watcher != nil && card.HasRemote() {
		_ = c.watcher.Unwatch(card.ObjectID)
	}
	return change, err
}

// Toggle expands or collapses a card.
func (c *Controller) Toggle(ref string) (bool, error) {
	card, err := c.lookup(ref)
	if err != nil {
		return false, err
	}
	return c.registry.Toggle(card.ID)
}

// Reload rebuilds the cards from the ledger.
func (c *Controller) Reload(ctx context.Context) ([]models.Card, error) {
	if err := c.precondition(); err != nil {
		return nil, err
	}
	cards, err := c.registry.Reload(ctx)
	if err != nil {
		c.fail("Failed to load counters", err)
		return nil, err
	}
	for _, card := range cards {
		c.watchCard(card)
	}
	return cards, nil
}

func (c *Controller) precondition() error {
	if err := c.gate.Require(); err != nil {
		c.notifier.Error(MsgConnectFirst)
		return err
	}
	return nil
}

func (c *Controller) lookup(ref string) (models.Card, error) {
	card, ok := c.registry.Lookup(ref)
	if !ok {
		c.notifier.Error(fmt.Sprintf("No counter %q", ref))
		return models.Card{}, fmt.Errorf("%w: %s", counter.ErrCardNotFound, ref)
	}
	return card, nil
}

func (c *Controller) fail(msg string, err error) {
	c.logger.Error(msg, "error", err)
	c.notifier.Error(msg)
}

func (c *Controller) record(action models.Action, change counter.Change) {
	digest := ""
	if change.Tx != nil {
		digest = change.Tx.Digest
	}
	if _, err := c.history.RecordTx(action, change.OldValue, change.NewValue, c.gate.Address(), digest); err != nil {
		c.logger.Warn("record history failed", "action", action, "error", err)
	}
}

// replayed reports whether the change reused an earlier submission of the
// same request. Such changes are already in the history.
func replayed(change counter.Change) bool {
	return change.Tx != nil && change.Tx.Replayed
}

func (c *Controller) watchCard(card models.Card) {
	if c.watcher == nil || !card.HasRemote() {
		return
	}
	if err := c.watcher.Watch(card.ObjectID); err != nil {
		c.logger.Warn("watch counter failed", "label", card.Label, "error", err)
	}
}

// applyEvent folds an externally observed change into local state.
func (c *Controller) applyEvent(ev watch.ObjectEvent) error {
	if ev.Gone {
		c.logger.Info("watched counter no longer exists", "object_id", ev.ObjectID)
		return nil
	}
	if ev.ObjectID == c.globalID {
		c.shared.Apply(ev.Value)
		return nil
	}
	c.registry.Apply(ev.ObjectID, ev.Value)
	return nil
}

func verb(a models.Action) string {
	switch a {
	case models.ActionIncrement:
		return "increment"
	case models.ActionDecrement:
		return "decrement"
	case models.ActionReset:
		return "reset"
	default:
		return "update"
	}
}

package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/metrics"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/pkg/models"
)

var (
	ErrNotConnected     = errors.New("wallet not connected")
	ErrConnecting       = errors.New("wallet connection already in progress")
	ErrConnectAbandoned = errors.New("wallet disconnected while connecting")
)

// Provider is the external wallet: connect/disconnect lifecycle, current account
// and transaction signing. Key custody stays behind this interface.
type Provider interface {
	// Connect links the wallet and returns the active account address
	Connect(ctx context.Context) (string, error)

	// Disconnect unlinks the wallet
	Disconnect() error

	// SignTransaction signs serialized transaction bytes
	SignTransaction(ctx context.Context, txBytes []byte) ([]byte, error)
}

// ConnectHook runs once per disconnected -> connected transition.
type ConnectHook func(ctx context.Context, address string)

// Gate tracks the wallet link and gates every mutating operation on it.
type Gate struct {
	mu           sync.Mutex
	provider     Provider
	state        models.ConnectionState
	onConnect    []ConnectHook
	onDisconnect []func()
	logger       *slog.Logger
}

func NewGate(p Provider) *Gate {
	return &Gate{
		provider: p,
		state:    models.ConnectionState{Status: models.StatusDisconnected},
		logger:   slog.Default().With("component", "wallet_gate"),
	}
}

// OnConnect registers a hook fired after each successful connect.
func (g *Gate) OnConnect(h ConnectHook) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onConnect = append(g.onConnect, h)
}

// OnDisconnect registers a hook fired when a connected wallet disconnects.
func (g *Gate) OnDisconnect(h func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onDisconnect = append(g.onDisconnect, h)
}

// State returns a snapshot of the connection.
func (g *Gate) State() models.ConnectionState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Address returns the connected account, or "" when disconnected.
func (g *Gate) Address() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.state.Connected() {
		return ""
	}
	return g.state.Address
}

// Require returns ErrNotConnected unless a wallet is connected.
func (g *Gate) Require() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.state.Connected() {
		return ErrNotConnected
	}
	return nil
}

// Connect links the wallet. Connecting an already connected gate is a no-op
// and fires no hooks.
func (g *Gate) Connect(ctx context.Context) error {
	g.mu.Lock()
	switch g.state.Status {
	case models.StatusConnected:
		g.mu.Unlock()
		return nil
	case models.StatusConnecting:
		g.mu.Unlock()
		return ErrConnecting
	}
	g.state = models.ConnectionState{Status: models.StatusConnecting}
	g.mu.Unlock()

	address, err := g.provider.Connect(ctx)

	g.mu.Lock()
	if g.state.Status != models.StatusConnecting {
		// Disconnect() ran while the provider was connecting.
		g.mu.Unlock()
		if err == nil {
			_ = g.provider.Disconnect()
		}
		return ErrConnectAbandoned
	}
	if err != nil {
		g.state = models.ConnectionState{Status: models.StatusDisconnected}
		g.mu.Unlock()
		g.logger.Warn("wallet connect failed", "error", err)
		return fmt.Errorf("connect wallet: %w", err)
	}
	g.state = models.ConnectionState{Status: models.StatusConnected, Address: address}
	hooks := append([]ConnectHook(nil), g.onConnect...)
	g.mu.Unlock()

	metrics.WalletConnected.Set(1)
	g.logger.Info("wallet connected", "address", models.ShortAddress(address))
	for _, h := range hooks {
		h(ctx, address)
	}
	return nil
}

// Disconnect unlinks the wallet and clears any pending connecting state.
func (g *Gate) Disconnect() error {
	g.mu.Lock()
	prev := g.state
	g.state = models.ConnectionState{Status: models.StatusDisconnected}
	hooks := append([]func(){}, g.onDisconnect...)
	g.mu.Unlock()

	if !prev.Connected() {
		return nil
	}

	metrics.WalletConnected.Set(0)
	g.logger.Info("wallet disconnected", "address", models.ShortAddress(prev.Address))
	var err error
	if perr := g.provider.Disconnect(); perr != nil {
		err = fmt.Errorf("disconnect wallet: %w", perr)
	}
	for _, h := range hooks {
		h()
	}
	return err
}

// ProviderDisconnected handles a disconnect initiated by the wallet itself.
func (g *Gate) ProviderDisconnected() {
	g.mu.Lock()
	prev := g.state
	g.state = models.ConnectionState{Status: models.StatusDisconnected}
	hooks := append([]func(){}, g.onDisconnect...)
	g.mu.Unlock()

	if !prev.Connected() {
		return
	}
	metrics.WalletConnected.Set(0)
	g.logger.Info("wallet disconnected by provider", "address", models.ShortAddress(prev.Address))
	for _, h := range hooks {
		h()
	}
}

// SignerAddress returns the connected account for transaction building.
func (g *Gate) SignerAddress() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.state.Connected() {
		return "", ErrNotConnected
	}
	return g.state.Address, nil
}

// SignTransaction signs through the provider while connected.
func (g *Gate) SignTransaction(ctx context.Context, txBytes []byte) ([]byte, error) {
	if err := g.Require(); err != nil {
		return nil, err
	}
	return g.provider.SignTransaction(ctx, txBytes)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/app"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/config"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/counter"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/history"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/ledger"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/ledger/memledger"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/ledger/rpc"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/notify"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/storage"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/tx"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/wallet"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/watch"
)

var (
	cfgFile  string
	simulate bool
	cfg      config.Config
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "counterctl",
		Short:         "Counter dApp client",
		Long:          "Connect a wallet, move the shared on-chain counter and manage personal counters.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (TOML)")
	rootCmd.PersistentFlags().BoolVar(&simulate, "simulate", false, "run against an in-process ledger instead of the RPC node")

	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(globalCmd())
	rootCmd.AddCommand(counterCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(shellCmd())

	return rootCmd
}

// initConfig loads .env, the config file and env overrides, then installs
// the default logger.
func initConfig() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	cfg = config.Default()
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	cfg = config.FromEnv(cfg)

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

// runtime is one wired client session.
type runtime struct {
	ctrl    *app.Controller
	history *history.Log
	kv      storage.KVStore
	chain   *memledger.Ledger // nil unless simulating
}

func (rt *runtime) Close() {
	rt.ctrl.Close()
	if err := rt.kv.Close(); err != nil {
		slog.Warn("close history store", "error", err)
	}
}

// newRuntime wires the client from cfg. withWatcher enables the object
// watcher for long-running sessions.
func newRuntime(withWatcher bool) (*runtime, error) {
	kv, err := storage.OpenSQLite(cfg.History.DBPath)
	if err != nil {
		return nil, err
	}
	hist, err := history.Open(kv)
	if err != nil {
		kv.Close()
		return nil, err
	}

	mnemonic := cfg.Wallet.Mnemonic
	if mnemonic == "" {
		if !simulate {
			kv.Close()
			return nil, errors.New("no wallet mnemonic configured; run `counterctl keygen` and set COUNTER_MNEMONIC")
		}
		if mnemonic, err = wallet.NewMnemonic(); err != nil {
			kv.Close()
			return nil, err
		}
		slog.Warn("no mnemonic configured, using a throwaway simulated wallet")
	}
	ks, err := wallet.NewKeystore(mnemonic, cfg.Wallet.Passphrase)
	if err != nil {
		kv.Close()
		return nil, err
	}

	targets := ledger.Targets{
		PackageID:       cfg.Ledger.PackageID,
		Module:          cfg.Ledger.Module,
		CounterType:     cfg.Ledger.CounterType,
		GlobalCounterID: cfg.Ledger.GlobalCounterID,
	}

	var backend ledger.Backend
	var chain *memledger.Ledger
	if simulate {
		chain = memledger.New(targets)
		targets = chain.Targets()
		backend = chain
	} else {
		if targets.PackageID == "" || targets.GlobalCounterID == "" {
			kv.Close()
			return nil, errors.New("ledger.package_id and ledger.global_counter_id must be configured")
		}
		backend = rpc.New(cfg.Ledger.RPCURL, cfg.Ledger.RequestTimeout.Std())
	}

	gate := wallet.NewGate(wallet.NewKeystoreProvider(ks))
	builder := tx.NewBuilder(tx.BuilderConfig{GasBudget: cfg.Ledger.GasBudget}, gate, backend, storage.NewKVTxStore(kv))
	client := ledger.NewClient(ledger.Config{
		Targets:           targets,
		DiscoveryAttempts: cfg.Ledger.DiscoveryAttempts,
		DiscoveryDelay:    cfg.Ledger.DiscoveryDelay.Std(),
	}, backend, builder, gate)

	var watcher *watch.PollingWatcher
	if withWatcher {
		watcher = watch.NewPollingWatcher(watch.Config{PollInterval: cfg.Ledger.PollInterval.Std()}, client, storage.NewMemoryWatchStore())
	}

	ctrl := app.New(app.Deps{
		Gate:            gate,
		Registry:        counter.NewRegistry(counter.Config{MaxCards: cfg.Counters.MaxCards, Labels: kv}, gate, client),
		Shared:          counter.NewShared(gate, client),
		Notifier:        notify.New(cfg.Notify.Window.Std()),
		History:         hist,
		Watcher:         watcher,
		GlobalCounterID: client.Targets().GlobalCounterID,
	})

	return &runtime{ctrl: ctrl, history: hist, kv: kv, chain: chain}, nil
}

// withSession connects the wallet, runs fn and reports the final notification.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, rt *runtime) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(false)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.ctrl.Connect(ctx); err != nil {
		return err
	}
	if err := fn(ctx, rt); err != nil {
		return err
	}
	if n, ok := rt.ctrl.Notifier().Current(); ok {
		fmt.Fprintf(cmd.ErrOrStderr(), "[%s] %s\n", n.Kind, n.Message)
	}
	return nil
}

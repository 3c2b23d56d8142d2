package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/history"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/pkg/models"
)

const shellHelp = `commands:
  connect | disconnect | status
  global [show|inc|dec]
  create | list | reload | refresh
  inc <ref> | dec <ref> | reset <ref> | delete <ref> | open <ref>
  history [search]
  set <ref|global> <value>   (simulate only: change a counter behind the client's back)
  help | quit`

func shellCmd() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive session with live counter updates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(true)
			if err != nil {
				return err
			}
			defer rt.Close()

			out := cmd.OutOrStdout()
			rt.ctrl.Notifier().Subscribe(func(n models.Notification, visible bool) {
				if visible {
					fmt.Fprintf(out, "[%s] %s\n", n.Kind, n.Message)
				}
			})

			if metricsAddr != "" {
				srv := &http.Server{
					Addr:              metricsAddr,
					Handler:           metricsMux(),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					slog.Info("serving metrics", "addr", metricsAddr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						slog.Error("metrics server failed", "error", err)
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			if err := rt.ctrl.Start(ctx); err != nil {
				return err
			}
			fmt.Fprintln(out, shellHelp)
			return runShell(ctx, rt, cmd.InOrStdin(), out)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	return cmd
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// runShell reads commands line by line until quit, EOF or ctx ends.
func runShell(ctx context.Context, rt *runtime, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()

	for {
		fmt.Fprint(out, "> ")
		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				return nil
			}
			line = l
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "quit" || fields[0] == "exit" {
			return nil
		}
		if err := execLine(ctx, rt, fields, out); err != nil {
			slog.Debug("shell command failed", "command", fields[0], "error", err)
		}
	}
}

// execLine runs one shell command. Failures are already surfaced as
// notifications by the controller, so errors are only logged.
func execLine(ctx context.Context, rt *runtime, fields []string, out io.Writer) error {
	ctrl := rt.ctrl
	arg := func() (string, error) {
		if len(fields) < 2 {
			fmt.Fprintf(out, "usage: %s <label|id>\n", fields[0])
			return "", errors.New("missing argument")
		}
		if card, ok := findCard(ctrl.Cards(), fields[1]); ok {
			return card.ID, nil
		}
		return fields[1], nil
	}

	switch fields[0] {
	case "help":
		fmt.Fprintln(out, shellHelp)
	case "connect":
		return ctrl.Connect(ctx)
	case "disconnect":
		return ctrl.Disconnect()
	case "status":
		st := ctrl.State()
		fmt.Fprintf(out, "wallet: %s %s\n", st.Status, st.ShortAddress())
		if v, ok := ctrl.Global(); ok {
			fmt.Fprintf(out, "global counter: %d\n", v)
		}
		fmt.Fprintf(out, "counters: %d\n", len(ctrl.Cards()))
	case "global":
		sub := "show"
		if len(fields) > 1 {
			sub = fields[1]
		}
		switch sub {
		case "show":
			v, err := ctrl.RefreshGlobal(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "global counter: %d\n", v)
		case "inc":
			_, err := ctrl.IncrementGlobal(ctx)
			return err
		case "dec":
			_, err := ctrl.DecrementGlobal(ctx)
			return err
		default:
			fmt.Fprintln(out, "usage: global [show|inc|dec]")
		}
	case "create":
		_, err := ctrl.CreateCounter(ctx)
		return err
	case "list":
		printCards(out, ctrl.Cards())
	case "reload":
		_, err := ctrl.Reload(ctx)
		return err
	case "refresh":
		if err := ctrl.Refresh(ctx); err != nil {
			return err
		}
		printCards(out, ctrl.Cards())
	case "inc", "dec", "reset", "delete":
		ref, err := arg()
		if err != nil {
			return err
		}
		switch fields[0] {
		case "inc":
			_, err = ctrl.Increment(ctx, ref)
		case "dec":
			_, err = ctrl.Decrement(ctx, ref)
		case "reset":
			_, err = ctrl.Reset(ctx, ref)
		case "delete":
			_, err = ctrl.Delete(ctx, ref)
		}
		return err
	case "open":
		ref, err := arg()
		if err != nil {
			return err
		}
		open, err := ctrl.Toggle(ref)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s open: %t\n", strings.ToUpper(fields[1]), open)
	case "history":
		q := history.Query{}
		if len(fields) > 1 {
			q.Search = strings.Join(fields[1:], " ")
		}
		entries, _ := history.Page(ctrl.History().Filter(q), 1, 20)
		printHistory(out, entries)
	case "set":
		return setValue(rt, fields, out)
	default:
		fmt.Fprintf(out, "unknown command %q, try help\n", fields[0])
	}
	return nil
}

// findCard matches a card by id or by label, ignoring label case.
func findCard(cards []models.Card, ref string) (models.Card, bool) {
	for _, c := range cards {
		if c.ID == ref || strings.EqualFold(c.Label, ref) {
			return c, true
		}
	}
	return models.Card{}, false
}

// setValue changes a simulated object directly so the watcher has something
// to pick up.
func setValue(rt *runtime, fields []string, out io.Writer) error {
	if rt.chain == nil {
		fmt.Fprintln(out, "set is only available with --simulate")
		return errors.New("not simulating")
	}
	if len(fields) != 3 {
		fmt.Fprintln(out, "usage: set <ref|global> <value>")
		return errors.New("bad arguments")
	}
	value, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		fmt.Fprintf(out, "invalid value %q\n", fields[2])
		return err
	}

	objectID := rt.chain.Targets().GlobalCounterID
	if fields[1] != "global" {
		card, ok := findCard(rt.ctrl.Cards(), fields[1])
		if !ok || !card.HasRemote() {
			fmt.Fprintf(out, "no counter %q\n", fields[1])
			return errors.New("unknown counter")
		}
		objectID = card.ObjectID
	}
	return rt.chain.SetValue(objectID, value)
}

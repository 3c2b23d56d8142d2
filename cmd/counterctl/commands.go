package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/counter"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/history"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/storage"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/tx"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/wallet"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/pkg/models"
)

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new wallet mnemonic",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mnemonic, err := wallet.NewMnemonic()
			if err != nil {
				return err
			}
			ks, err := wallet.NewKeystore(mnemonic, cfg.Wallet.Passphrase)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "mnemonic: %s\n", mnemonic)
			fmt.Fprintf(out, "address:  %s\n", ks.Address())
			fmt.Fprintf(out, "path:     %s\n", ks.DerivationPath())
			return nil
		},
	}
}

func globalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "global",
		Short: "Read or move the shared counter",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the shared counter value",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, rt *runtime) error {
				v, err := rt.ctrl.RefreshGlobal(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "global counter: %d\n", v)
				return nil
			})
		},
	})
	cmd.AddCommand(globalWriteCmd("inc", "Increment the shared counter", func(ctx context.Context, rt *runtime) (counter.Change, error) {
		return rt.ctrl.IncrementGlobal(ctx)
	}))
	cmd.AddCommand(globalWriteCmd("dec", "Decrement the shared counter", func(ctx context.Context, rt *runtime) (counter.Change, error) {
		return rt.ctrl.DecrementGlobal(ctx)
	}))
	return cmd
}

func globalWriteCmd(use, short string, fn func(context.Context, *runtime) (counter.Change, error)) *cobra.Command {
	var requestID string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, rt *runtime) error {
				change, err := fn(tx.WithIdempotencyKey(ctx, requestID), rt)
				if err != nil {
					return err
				}
				printChange(cmd.OutOrStdout(), "global", change)
				return nil
			})
		},
	}
	addRequestIDFlag(cmd, &requestID)
	return cmd
}

func counterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "counter",
		Aliases: []string{"counters"},
		Short:   "Manage personal counters",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List personal counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, rt *runtime) error {
				printCards(cmd.OutOrStdout(), rt.ctrl.Cards())
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Create a personal counter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, rt *runtime) error {
				change, err := rt.ctrl.CreateCounter(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s)\n", change.Card.Label, change.Card.ObjectID)
				return nil
			})
		},
	})
	cmd.AddCommand(cardCmd("inc", "Increment a counter", func(ctx context.Context, rt *runtime, ref string) (counter.Change, error) {
		return rt.ctrl.Increment(ctx, ref)
	}))
	cmd.AddCommand(cardCmd("dec", "Decrement a counter", func(ctx context.Context, rt *runtime, ref string) (counter.Change, error) {
		return rt.ctrl.Decrement(ctx, ref)
	}))
	cmd.AddCommand(cardCmd("reset", "Reset a counter to zero", func(ctx context.Context, rt *runtime, ref string) (counter.Change, error) {
		return rt.ctrl.Reset(ctx, ref)
	}))
	cmd.AddCommand(cardCmd("delete", "Delete a counter", func(ctx context.Context, rt *runtime, ref string) (counter.Change, error) {
		return rt.ctrl.Delete(ctx, ref)
	}))
	return cmd
}

// cardCmd builds a subcommand taking a counter label or id.
func cardCmd(use, short string, fn func(context.Context, *runtime, string) (counter.Change, error)) *cobra.Command {
	var requestID string
	cmd := &cobra.Command{
		Use:   use + " <label|id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, rt *runtime) error {
				change, err := fn(tx.WithIdempotencyKey(ctx, requestID), rt, args[0])
				if err != nil {
					return err
				}
				printChange(cmd.OutOrStdout(), change.Card.Label, change)
				return nil
			})
		},
	}
	addRequestIDFlag(cmd, &requestID)
	return cmd
}

func addRequestIDFlag(cmd *cobra.Command, dst *string) {
	cmd.Flags().StringVar(dst, "request-id", "", "retry-safe request id; repeating it does not send the write again")
}

func historyCmd() *cobra.Command {
	var (
		search   string
		action   string
		month    string
		page     int
		pageSize int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded counter actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := buildQuery(search, action, month)
			if err != nil {
				return err
			}

			kv, err := storage.OpenSQLite(cfg.History.DBPath)
			if err != nil {
				return err
			}
			defer kv.Close()
			hist, err := history.Open(kv)
			if err != nil {
				return err
			}

			entries, pages := history.Page(hist.Filter(q), page, pageSize)
			printHistory(cmd.OutOrStdout(), entries)
			if pages > 1 {
				fmt.Fprintf(cmd.OutOrStdout(), "page %d of %d\n", page, pages)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&search, "search", "", "case-insensitive match on the action label")
	cmd.Flags().StringVar(&action, "action", history.All, "filter by action category")
	cmd.Flags().StringVar(&month, "month", "", "filter by month name or number")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&pageSize, "page-size", 20, "entries per page")
	return cmd
}

func buildQuery(search, action, month string) (history.Query, error) {
	q := history.Query{Search: search, Action: action}
	if action != "" && action != history.All {
		known := false
		for _, a := range models.Actions {
			if string(a) == action {
				known = true
				break
			}
		}
		if !known {
			return q, fmt.Errorf("unknown action %q", action)
		}
	}
	if month != "" {
		m, err := history.ParseMonth(month)
		if err != nil {
			return q, err
		}
		q.Month = m
	}
	return q, nil
}

func printChange(w io.Writer, label string, change counter.Change) {
	digest := ""
	if change.Tx != nil {
		digest = change.Tx.Digest
	}
	fmt.Fprintf(w, "%s: %d -> %d", label, change.OldValue, change.NewValue)
	if digest != "" {
		fmt.Fprintf(w, " (tx %s)", digest)
	}
	if change.Tx != nil && change.Tx.Replayed {
		fmt.Fprint(w, " already applied")
	}
	fmt.Fprintln(w)
}

func printCards(w io.Writer, cards []models.Card) {
	if len(cards) == 0 {
		fmt.Fprintln(w, "no counters")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LABEL\tVALUE\tOBJECT")
	for _, c := range cards {
		obj := c.ObjectID
		if obj == "" {
			obj = "-"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\n", c.Label, c.Value, obj)
	}
	tw.Flush()
}

func printHistory(w io.Writer, entries []models.HistoryEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "no history")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DATE\tACTION\tOLD\tNEW\tADDRESS\tTX")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
			e.Date, e.Action, e.OldValue, e.NewValue, models.ShortAddress(e.UserAddress), e.TxHash)
	}
	tw.Flush()
}

package main

import (
	"fmt"
	"log/slog"

	"github.com/BTreeMap/ImgurBot/internal/lockfile"
	"github.com/BTreeMap/ImgurBot/internal/store"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func seenCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seen",
		Short: "Inspect and manage the seen-item store",
	}
	cmd.AddCommand(seenHasCmd(a), seenMarkCmd(a), seenCountCmd(a), seenResetCmd(a))
	return cmd
}

// withStore opens the configured store for fn and closes it afterwards.
func withStore(a *app, fn func(st store.Store) error) error {
	st, err := openStore(a.cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("withStore: failed to close store", "error", err)
		}
	}()
	return fn(st)
}

// withLockedStore is withStore under the state directory lock.
func withLockedStore(a *app, command string, fn func(st store.Store) error) error {
	if err := ensureStateDir(a.cfg); err != nil {
		return err
	}
	lock, err := lockfile.Acquire(a.cfg.StateDir, command)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.Warn("withLockedStore: failed to release lock", "error", err)
		}
	}()
	return withStore(a, fn)
}

func seenHasCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "has <item-id>",
		Short: "Report whether an item has been processed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(a, func(st store.Store) error {
				item, err := st.GetSeen(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if item == nil {
					fmt.Fprintf(out, "%s %s\n", color.New(color.FgYellow).Sprint("NOT SEEN"), args[0])
					return nil
				}
				fmt.Fprintf(out, "%s %s (processed %s)\n", color.New(color.FgGreen).Sprint("SEEN"), item.ID, item.ProcessedAt.Format("2006-01-02 15:04:05 MST"))
				return nil
			})
		},
	}
}

func seenMarkCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mark <item-id>...",
		Short: "Mark items as processed without posting",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLockedStore(a, "seen mark", func(st store.Store) error {
				for _, id := range args {
					if err := st.CommitSeen(cmd.Context(), id); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.New(color.FgGreen).Sprint("MARKED"), id)
				}
				return nil
			})
		},
	}
}

func seenCountCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the number of processed items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(a, func(st store.Store) error {
				n, err := st.CountSeen(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}
}

func seenResetCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Forget every processed item",
		Long: `Delete every record from the seen-item store.

Items seen before the reset become eligible to be posted again. The daemon
must not be running; the command takes the state directory lock.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to reset the seen store without --yes")
			}
			return withLockedStore(a, "seen reset", func(st store.Store) error {
				n, err := st.CountSeen(cmd.Context())
				if err != nil {
					return err
				}
				if err := st.ResetSeen(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d items\n", color.New(color.FgRed).Sprint("RESET"), n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}

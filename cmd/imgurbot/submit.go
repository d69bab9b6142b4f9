package main

import (
	"fmt"

	"github.com/BTreeMap/ImgurBot/internal/bot"
	"github.com/BTreeMap/ImgurBot/internal/queue"
	"github.com/BTreeMap/ImgurBot/internal/store"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func submitCmd(a *app) *cobra.Command {
	var item bot.Item
	cmd := &cobra.Command{
		Use:   "submit [text]",
		Short: "Queue a comment for an item while the daemon is stopped",
		Long: `Segment text and add it to the durable action queue. The next
"imgurbot run" restores and dispatches it. Items already processed or already
queued are skipped. While the daemon is running use POST /submit instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			text, err := argOrStdin(cmd, args)
			if err != nil {
				return err
			}
			item.Text = text
			if item.Target == "" {
				item.Target = item.ID
			}
			return withLockedStore(a, "submit", func(st store.Store) error {
				q := queue.New(st)
				if _, err := q.Restore(cmd.Context()); err != nil {
					return fmt.Errorf("restore queue failed: %w", err)
				}
				pipeline, err := bot.NewPipeline(st, q, a.cfg.MaxUnitLength)
				if err != nil {
					return err
				}
				res, err := pipeline.Submit(cmd.Context(), item)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				switch res.Status {
				case bot.SubmitQueued:
					fmt.Fprintf(out, "%s %s as group %s (%d chunks)\n", color.New(color.FgGreen).Sprint("QUEUED"), item.ID, res.GroupID, res.Chunks)
				case bot.SubmitSeen:
					fmt.Fprintf(out, "%s %s already processed\n", color.New(color.FgYellow).Sprint("SKIPPED"), item.ID)
				default:
					fmt.Fprintf(out, "%s %s already queued\n", color.New(color.FgYellow).Sprint("SKIPPED"), item.ID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&item.ID, "item-id", "", "source item ID used for deduplication")
	cmd.Flags().StringVar(&item.Target, "target", "", "Imgur image ID to comment on (defaults to the item ID)")
	_ = cmd.MarkFlagRequired("item-id")
	return cmd
}

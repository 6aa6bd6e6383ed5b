package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bazelment/chatstream/config"
	"github.com/bazelment/chatstream/journal"
)

var (
	replayFrom int64
	replayFull bool
	replayText bool
)

var replayCmd = &cobra.Command{
	Use:   "replay <conversation-id>",
	Short: "Print a conversation's journaled events",
	Long: `Replay reads a conversation's journal from an index and follows it until
the stream finishes. It needs a persistent journal (journal.store: sqlite);
with journal.nats_url set it also follows streams written by a running
server.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Journal.Store != config.StoreSQLite {
			return fmt.Errorf("replay needs the sqlite journal store, config has %q", cfg.Journal.Store)
		}
		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		display := journal.NewDisplay()
		err = follow(cmd.Context(), a.journal, args[0], replayFrom, journal.ReadOptions{FullReplay: replayFull},
			func(f journal.Frame) error {
				display.Apply(f)
				if replayText {
					return nil
				}
				return writeFrameJSON(out, f)
			})
		if err != nil {
			return err
		}
		if replayText {
			fmt.Fprintln(out, display.Text())
			if display.Error != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "error: %s\n", display.Error)
			}
		}
		if display.Status == journal.StreamNotFound {
			return fmt.Errorf("conversation %s not found", args[0])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().Int64Var(&replayFrom, "from", 0, "First journal index to print")
	replayCmd.Flags().BoolVar(&replayFull, "full", false, "Replay from index 0 and mark catch-up frames")
	replayCmd.Flags().BoolVar(&replayText, "text", false, "Print the rebuilt text instead of frames")
}

// follow reads a conversation until its stream_status frame. After a read
// timeout it reconnects from the last delivered index; the dedup filter
// drops anything delivered twice across reconnects.
func follow(ctx context.Context, j *journal.Journal, conv string, from int64, opts journal.ReadOptions, fn func(journal.Frame) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dedup := journal.NewDedup(0)
	next := from
	for {
		timedOut := false
		for f := range journal.Dedupe(ctx, j.Read(ctx, conv, next, opts), dedup) {
			if f.Type == journal.FrameTimeout {
				timedOut = true
				continue
			}
			if f.IsEvent() {
				next = f.Index + 1
			}
			if err := fn(f); err != nil {
				return err
			}
		}
		if !timedOut {
			return ctx.Err()
		}
		// Replay marking only applies to the first read.
		opts.FullReplay = false
	}
}

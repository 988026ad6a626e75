package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"smart-mail-reply-go/internal/app"
	"smart-mail-reply-go/internal/syncer"
)

// NewNotifyCommand replays one change notification in the foreground. Reply
// drafts are generated inline instead of being queued.
func NewNotifyCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "notify <email> <offset>",
		Short: "Process a change notification for a mailbox",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			offset, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid offset %q: %w", args[1], err)
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			cfg.Sync.DirectDispatch = true

			a, err := app.New(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			report, procErr := a.Engine.Process(cmd.Context(), args[0], offset)
			if err := opts.print(cmd.OutOrStdout(), report, func(w io.Writer) {
				printReport(w, report)
			}); err != nil {
				return err
			}
			return procErr
		},
	}
}

func printReport(w io.Writer, r syncer.Report) {
	fmt.Fprintf(w, "Outcome: %s\n", r.Outcome)
	if r.Outcome != syncer.OutcomeProcessed {
		return
	}
	fmt.Fprintf(w, "Fetched: %d (backfill %t)\n", r.Fetched, r.Backfill)
	fmt.Fprintf(w, "Stored: %d, drafted: %d, failed: %d\n", r.Stored, r.Dispatched, r.Failed)
}

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and replay the offline action queue",
	}

	cmd.AddCommand(newQueueAddCommand(rootOpts))
	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueReplayCommand(rootOpts))

	return cmd
}

func newQueueAddCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "add TYPE [JSON]",
		Short:   "Queue an action for later replay",
		Example: `  shopfloor queue add startOperation '{"operation":"op-10"}'`,
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := json.RawMessage("null")
			if len(args) == 2 {
				payload = json.RawMessage(args[1])
			}

			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Shutdown()

			action, err := a.Queue().AddPendingAction(cmd.Context(), args[0], payload)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to queue action", err)
			}
			return rootOpts.output(cmd).write(action, func(w io.Writer) {
				fmt.Fprintf(w, "Queued %s (%s)\n", action.Type, action.ID)
			})
		},
	}
}

func newQueueListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued actions in replay order",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Shutdown()

			pending, err := a.Queue().Pending(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list queue", err)
			}
			return rootOpts.output(cmd).write(pending, func(w io.Writer) {
				if len(pending) == 0 {
					fmt.Fprintln(w, "Queue is empty.")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTYPE\tQUEUED")
				for _, p := range pending {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", p.ID, p.Type, p.Timestamp.Local().Format(time.DateTime))
				}
				_ = tw.Flush()
			})
		},
	}
}

// ReplaySummary is what queue replay reports.
type ReplaySummary struct {
	Replayed  int    `json:"replayed"`
	Remaining int    `json:"remaining"`
	FailedID  string `json:"failed_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

func newQueueReplayCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Replay queued actions now, stopping at the first failure",
		Long: `Replay queued actions in the order they were queued. The first failure
stops the run and leaves that action and every later one queued.

Exit codes:
  0 - Queue drained
  1 - Replay halted on a failing action
  2 - Command error`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Shutdown()

			res, replayErr := a.Queue().Replay(cmd.Context())
			summary := ReplaySummary{Replayed: res.Replayed, Remaining: res.Remaining}
			if res.Failed != nil {
				summary.FailedID = res.Failed.ID
			}
			if replayErr != nil {
				summary.Error = replayErr.Error()
			}

			if err := rootOpts.output(cmd).write(summary, func(w io.Writer) {
				fmt.Fprintf(w, "Replayed %d, %d remaining\n", summary.Replayed, summary.Remaining)
			}); err != nil {
				return err
			}
			if replayErr != nil {
				return WrapExitError(ExitFailure, "replay halted", replayErr)
			}
			return nil
		},
	}
}

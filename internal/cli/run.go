package cli

import (
	"github.com/spf13/cobra"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Tenant string
	Events []string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Stay connected and replay queued actions",
		Long: `Connect to the realtime hub with the stored credentials, join the tenant
group after every (re)connect, log the selected events, and replay the
offline queue whenever the API becomes reachable. Runs until interrupted.

Examples:
  shopfloor run --tenant plant-3 --event workOrderUpdated --event machineStatus`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("tenant") {
				opts.Config.Tenant = opts.Tenant
			}
			if cmd.Flags().Changed("event") {
				opts.Config.Events = opts.Events
			}

			a, err := openApp(opts.RootOptions)
			if err != nil {
				return err
			}
			return a.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&opts.Tenant, "tenant", rootOpts.Config.Tenant, "group joined after every connect")
	cmd.Flags().StringSliceVar(&opts.Events, "event", rootOpts.Config.Events, "event to log (repeatable)")

	return cmd
}

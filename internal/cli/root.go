package cli

import (
	"fmt"
	"slices"
	"strings"

	"github.com/aussiebroadwan/shopfloor/internal/app"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Config app.Config
	Format string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command. cfg carries the environment
// defaults; flags override them.
func NewRootCommand(cfg app.Config) *cobra.Command {
	opts := &RootOptions{Config: cfg}
	hubFromEnv := cfg.HubURL != app.DeriveHubURL(cfg.APIURL)

	cmd := &cobra.Command{
		Use:   "shopfloor",
		Short: "Shop floor sync client",
		Long: `Keeps a workstation in sync with the MES: a realtime event connection that
survives network drops, an authenticated API client with shared token
refresh, and an offline queue replayed in order when the API comes back.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return WrapExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats), nil)
			}

			opts.Config.APIURL = strings.TrimRight(opts.Config.APIURL, "/")
			if cmd.Flags().Changed("api") && !cmd.Flags().Changed("hub") && !hubFromEnv {
				opts.Config.HubURL = app.DeriveHubURL(opts.Config.APIURL)
			}
			return nil
		},
	}

	// Global flags
	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.Config.APIURL, "api", cfg.APIURL, "domain API base URL")
	flags.StringVar(&opts.Config.HubURL, "hub", cfg.HubURL, "realtime hub URL")
	flags.StringVar(&opts.Config.DatabaseFile, "db", cfg.DatabaseFile, "local SQLite database")
	flags.StringVar(&opts.Config.LogLevel, "log-level", cfg.LogLevel, "log level (debug|info|warn|error)")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")

	// Add subcommands
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewLoginCommand(opts))
	cmd.AddCommand(NewLogoutCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))

	return cmd
}

func openApp(opts *RootOptions) (*app.Application, error) {
	a, err := app.New(opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to initialize", err)
	}
	return a, nil
}

func (o *RootOptions) output(cmd *cobra.Command) output {
	return output{format: o.Format, w: cmd.OutOrStdout()}
}

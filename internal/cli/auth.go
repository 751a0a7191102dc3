package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aussiebroadwan/shopfloor/internal/tokens"
	"github.com/spf13/cobra"
)

// LoginOptions holds flags for the login command.
type LoginOptions struct {
	*RootOptions
	Username string
	Password string
}

// LoginResult is what login reports.
type LoginResult struct {
	Subject   string    `json:"subject,omitempty"`
	Tenant    string    `json:"tenant,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// NewLoginCommand creates the login command.
func NewLoginCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LoginOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store credentials",
		Long: `Sign in against the domain API and store the token pair in the local
database. The password is read from --password or SHOPFLOOR_PASSWORD.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			password := opts.Password
			if password == "" {
				password = os.Getenv("SHOPFLOOR_PASSWORD")
			}
			if opts.Username == "" || password == "" {
				return WrapExitError(ExitCommandError, "username and password are required", nil)
			}

			a, err := openApp(opts.RootOptions)
			if err != nil {
				return err
			}
			defer a.Shutdown()

			pair, err := a.Client().Login(cmd.Context(), opts.Username, password)
			if err != nil {
				return WrapExitError(ExitFailure, "login failed", err)
			}

			var res LoginResult
			if claims, ok := tokens.ParseClaims(pair.AccessToken); ok {
				res = LoginResult{Subject: claims.Subject, Tenant: claims.Tenant, ExpiresAt: claims.ExpiresAt}
			}
			return opts.output(cmd).write(res, func(w io.Writer) {
				fmt.Fprintf(w, "Logged in as %s\n", opts.Username)
				if !res.ExpiresAt.IsZero() {
					fmt.Fprintf(w, "Access token expires %s\n", res.ExpiresAt.Format(time.RFC3339))
				}
			})
		},
	}

	cmd.Flags().StringVarP(&opts.Username, "username", "u", "", "user name")
	cmd.Flags().StringVar(&opts.Password, "password", "", "password (prefer SHOPFLOOR_PASSWORD)")

	return cmd
}

// NewLogoutCommand creates the logout command.
func NewLogoutCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Shutdown()

			if err := a.Client().Logout(cmd.Context()); err != nil {
				return WrapExitError(ExitFailure, "logout failed", err)
			}
			return rootOpts.output(cmd).write(nil, func(w io.Writer) {
				fmt.Fprintln(w, "Logged out")
			})
		},
	}
}

// Status is what the status command reports.
type Status struct {
	LoggedIn  bool      `json:"logged_in"`
	Subject   string    `json:"subject,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	Reachable bool      `json:"reachable"`
	Pending   int       `json:"pending"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show credentials, API reachability and queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Shutdown()

			ctx := cmd.Context()
			var st Status

			access := a.Tokens().AccessToken(ctx)
			st.LoggedIn = access != ""
			if claims, ok := tokens.ParseClaims(access); ok {
				st.Subject = claims.Subject
				st.ExpiresAt = claims.ExpiresAt
			}
			st.Reachable = a.Client().Health(ctx) == nil
			if st.Pending, err = a.Queue().Len(ctx); err != nil {
				return WrapExitError(ExitCommandError, "failed to read queue", err)
			}

			return rootOpts.output(cmd).write(st, func(w io.Writer) {
				fmt.Fprintf(w, "Logged in:  %t\n", st.LoggedIn)
				if st.Subject != "" {
					fmt.Fprintf(w, "Subject:    %s\n", st.Subject)
				}
				fmt.Fprintf(w, "Reachable:  %t\n", st.Reachable)
				fmt.Fprintf(w, "Pending:    %d\n", st.Pending)
			})
		},
	}
}

package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/theme"
)

// shutdownTimeout bounds how long running passes get to finish on exit.
const shutdownTimeout = 30 * time.Second

// promptSecret asks for a secret on the terminal.
var promptSecret = func(title, description string) (string, error) {
	var value string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title(title).
				Description(description).
				EchoMode(huh.EchoModePassword).
				Value(&value).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("value is required")
					}
					return nil
				}),
		),
	)
	if err := form.Run(); err != nil {
		return "", err
	}
	return strings.TrimSpace(value), nil
}

// parseDate accepts YYYY-MM-DD or RFC 3339. An empty string yields nil.
func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q (use YYYY-MM-DD or RFC3339)", s)
	}
	return &t, nil
}

// withApp builds the engine, runs fn and drains the queue afterwards so
// passes enqueued by fn complete before the command exits.
func (o *rootOptions) withApp(ctx context.Context, fn func(a *App) error) error {
	a, err := o.app()
	if err != nil {
		return err
	}
	runErr := fn(a)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.Close(closeCtx))
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openStore(opts.cfg.Database.Path)
			if err != nil {
				return err
			}
			defer st.Close()

			v, err := st.SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Database %s is at schema version %d\n", opts.cfg.Database.Path, v)
			return nil
		},
	}
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the sync scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return opts.withApp(ctx, func(a *App) error {
				a.Poller.Start()
				return a.Server.Run(ctx, opts.cfg.Server.Addr)
			})
		},
	}
	cmd.Flags().String("addr", ":8080", "Listen address")
	_ = opts.v.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	return cmd
}

func newSyncCmd(opts *rootOptions) *cobra.Command {
	var historyID string

	cmd := &cobra.Command{
		Use:   "sync <connection-id>",
		Short: "Run one sync pass for a connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return opts.withApp(ctx, func(a *App) error {
				res, err := a.Orchestrator.SyncConnection(ctx, args[0], historyID)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), formatResult(res))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&historyID, "history-id", "", "Gmail history id that triggered the pass")
	return cmd
}

func newConnectionsCmd(opts *rootOptions) *cobra.Command {
	var userID, provider string

	cmd := &cobra.Command{
		Use:   "connections",
		Short: "List mailbox connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openStore(opts.cfg.Database.Path)
			if err != nil {
				return err
			}
			defer st.Close()

			var filter store.ConnectionFilter
			if userID != "" {
				filter.UserID = &userID
			}
			if provider != "" {
				p := model.Provider(provider)
				filter.Provider = &p
			}

			conns, err := st.ListConnections(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if len(conns) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), theme.HelpStyle.Render("No connections. Run `mailsync connect` to add one."))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderConnections(conns))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Only show connections of this user")
	cmd.Flags().StringVar(&provider, "provider", "", "Only show connections of this provider (gmail, jmap)")
	return cmd
}

func newConnectCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect a mailbox",
	}
	cmd.AddCommand(newConnectGmailCmd(opts), newConnectFastmailCmd(opts))
	return cmd
}

func newConnectGmailCmd(opts *rootOptions) *cobra.Command {
	var userID, redirectTo, since string

	cmd := &cobra.Command{
		Use:   "gmail",
		Short: "Print the Google consent URL for a new Gmail connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			start, err := parseDate(since)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			return opts.withApp(ctx, func(a *App) error {
				authURL, err := a.Connect.StartGmailConnect(ctx, userID, redirectTo, start)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, authURL)
				fmt.Fprintln(out, theme.HelpStyle.Render("Open the URL above; `mailsync serve` must be reachable at the OAuth redirect URL."))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Owning user id")
	cmd.Flags().StringVar(&redirectTo, "redirect", "", "Where to send the browser after connecting")
	cmd.Flags().StringVar(&since, "since", "", "Only sync messages received on or after this date")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newConnectFastmailCmd(opts *rootOptions) *cobra.Command {
	var userID, apiKey, since string

	cmd := &cobra.Command{
		Use:   "fastmail",
		Short: "Connect a Fastmail account with an API key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			start, err := parseDate(since)
			if err != nil {
				return err
			}
			if apiKey == "" {
				apiKey, err = promptSecret("Fastmail API key", "Create one under Settings > Privacy & Security > API tokens")
				if err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			return opts.withApp(ctx, func(a *App) error {
				res, err := a.Connect.ConnectFastmail(ctx, userID, apiKey, start)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Connected Fastmail account, connection %s\n", res.ConnectionID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Owning user id")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "Fastmail API key (prompted when omitted)")
	cmd.Flags().StringVar(&since, "since", "", "Only sync messages received on or after this date")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newRevokeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <connection-id>",
		Short: "Revoke a connection and drop its credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return opts.withApp(ctx, func(a *App) error {
				if err := a.Connect.RevokeConnection(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Revoked connection %s\n", args[0])
				return nil
			})
		},
	}
}

func newCredentialCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage secrets kept in the system keyring",
	}

	set := &cobra.Command{
		Use:   "set-google-secret",
		Short: "Store the Google OAuth client secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret, err := promptSecret("Google client secret", "The OAuth client secret of your Google Cloud project")
			if err != nil {
				return err
			}
			if err := opts.ring.Set(credential.GoogleClientSecretKey, secret); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Stored Google client secret in keyring")
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete-google-secret",
		Short: "Remove the Google OAuth client secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.ring.Delete(credential.GoogleClientSecretKey); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Removed Google client secret from keyring")
			return nil
		},
	}

	cmd.AddCommand(set, del)
	return cmd
}

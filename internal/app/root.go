package app

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/model"
)

// rootOptions carries state shared by every subcommand.
type rootOptions struct {
	v    *viper.Viper
	cfg  *model.AppConfig
	ring *credential.Ring
}

// NewRootCmd builds the mailsync command tree. ring backs the credential
// commands and the client secret fallback.
func NewRootCmd(ring *credential.Ring) *cobra.Command {
	opts := &rootOptions{v: model.NewViper(), ring: ring}

	cmd := &cobra.Command{
		Use:           "mailsync",
		Short:         "Multi-provider email sync engine",
		Long:          "Synchronizes Gmail and JMAP (Fastmail) mailboxes into a local store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String("config", model.DefaultConfigPath(), "Config file")
	flags.String("database", model.DefaultDatabasePath(), "SQLite database path")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "text", "Log format (text or json)")

	_ = opts.v.BindPFlag("database.path", flags.Lookup("database"))
	_ = opts.v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = opts.v.BindPFlag("log.format", flags.Lookup("log-format"))

	cmd.AddCommand(
		newMigrateCmd(opts),
		newServeCmd(opts),
		newSyncCmd(opts),
		newConnectionsCmd(opts),
		newConnectCmd(opts),
		newRevokeCmd(opts),
		newCredentialCmd(opts),
	)
	return cmd
}

func (o *rootOptions) load(cmd *cobra.Command) error {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	o.v.SetConfigFile(path)

	cfg, err := model.LoadConfigFrom(o.v)
	if err != nil {
		return err
	}
	if err := setupLogging(cfg.Log, cmd.ErrOrStderr()); err != nil {
		return err
	}
	o.cfg = cfg
	return nil
}

// app builds the engine from the loaded config.
func (o *rootOptions) app() (*App, error) {
	return New(o.cfg, o.ring)
}

// setupLogging configures the standard logrus logger.
func setupLogging(cfg model.LogConfig, out io.Writer) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	logrus.SetLevel(level)
	logrus.SetOutput(out)

	switch cfg.Format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return nil
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd(credential.NewRing()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

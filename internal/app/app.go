// Package app wires the sync engine together and defines the mailsync
// command line.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/connect"
	"github.com/nhle/mailsync/internal/contacts"
	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/jobs"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/server"
	"github.com/nhle/mailsync/internal/source/gmail"
	"github.com/nhle/mailsync/internal/source/jmap"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/sync"
	"github.com/nhle/mailsync/internal/token"
)

// App holds the wired components of a running engine.
type App struct {
	Config       *model.AppConfig
	Store        *store.SQLiteStore
	Tokens       *token.Manager
	Queue        *jobs.LocalQueue
	Orchestrator *sync.Orchestrator
	Push         *sync.PushHandler
	Poller       *sync.Poller
	Connect      *connect.Service
	Server       *server.Server
}

// New opens the store and builds every component from cfg. The Google
// client secret falls back to ring when the config leaves it empty; ring
// may be nil.
func New(cfg *model.AppConfig, ring *credential.Ring) (*App, error) {
	secret := cfg.Google.ClientSecret
	if ring != nil {
		s, err := ring.Resolve(secret, credential.GoogleClientSecretKey)
		if err != nil {
			logrus.WithError(err).Warn("Could not read Google client secret from keyring")
		} else {
			secret = s
		}
	}

	st, err := openStore(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Sync.HTTPTimeout()
	oauth := connect.GoogleOAuthConfig(cfg.Google.ClientID, secret, cfg.Google.RedirectURL, cfg.Google.TokenURL)

	gm := gmail.NewClient(
		gmail.WithEndpoint(cfg.Google.APIEndpoint),
		gmail.WithTokenInfoURL(cfg.Google.TokenInfoURL),
		gmail.WithTimeout(timeout),
	)
	jm := jmap.NewClient(cfg.JMAP.SessionURL, timeout)
	tokens := token.NewManager(oauth, st, gm, timeout)

	// The queue runs passes through the orchestrator, which in turn emits
	// analysis jobs through the queue.
	var orch *sync.Orchestrator
	queue := jobs.NewLocalQueue(jobs.RunnerFunc(func(ctx context.Context, job model.SyncJob) error {
		return orch.RunSync(ctx, job)
	}), st, cfg.Sync.Workers)

	orch = sync.NewOrchestrator(st, tokens, queue, contacts.NewService(st),
		sync.WithWorkers(cfg.Sync.Workers),
		sync.WithStrategy(sync.NewGmailStrategy(gm, cfg.Sync.MaxBackfillPages)),
		sync.WithStrategy(sync.NewJMAPStrategy(jm)),
	)

	connectCfg := connect.Config{
		PubSubTopic:     cfg.Google.PubSubTopic,
		DefaultRedirect: cfg.App.RedirectAfterConnect,
		HTTPTimeout:     timeout,
	}
	if cfg.Google.ClientID != "" {
		connectCfg.OAuth = oauth
	}
	connector := connect.NewService(st, connectCfg, gm, jm, queue, connect.WithTokens(tokens))
	push := sync.NewPushHandler(st, queue)

	return &App{
		Config:       cfg,
		Store:        st,
		Tokens:       tokens,
		Queue:        queue,
		Orchestrator: orch,
		Push:         push,
		Poller:       sync.NewPoller(st, queue, cfg.Sync.PollInterval(), sync.WithWatchRenewer(connector)),
		Connect:      connector,
		Server:       server.New(st, push, queue, connector),
	}, nil
}

// openStore creates the database directory when needed and opens the
// store, applying pending migrations.
func openStore(path string) (*store.SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	st, err := store.NewSQLiteStore(path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return st, nil
}

// Close drains the queue and closes the store.
func (a *App) Close(ctx context.Context) error {
	a.Poller.Stop()
	qErr := a.Queue.Close(ctx)
	if qErr != nil {
		qErr = fmt.Errorf("draining job queue: %w", qErr)
	}
	return errors.Join(qErr, a.Store.Close())
}

// Package sync drives incremental mailbox synchronization. An Orchestrator
// runs one pass over a connection by resolving a credential, delegating to
// the provider's ProviderSyncStrategy and persisting the resulting cursor.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
	"github.com/nhle/mailsync/internal/store"
)

// defaultWorkers bounds concurrent content fetches within one page.
const defaultWorkers = 4

// Credentials hands out and refreshes provider credentials.
type Credentials interface {
	GetValidAccessToken(ctx context.Context, conn *model.Connection) (string, error)
	Refresh(ctx context.Context, conn *model.Connection) (string, error)
	// EnsureRequiredScope reports whether token may read message content.
	// A *source.ScopeError means the grant is too narrow; any other error
	// means the check itself failed.
	EnsureRequiredScope(ctx context.Context, conn *model.Connection, token string) (bool, error)
}

// AnalysisQueue accepts follow-on analysis jobs.
type AnalysisQueue interface {
	EnqueueAnalysis(ctx context.Context, job model.AnalysisJob) error
}

// ContactsService records the correspondents of synced messages.
type ContactsService interface {
	UpsertContacts(ctx context.Context, userID string, contacts []model.Contact) error
}

// ProviderSyncStrategy runs the provider-specific part of a pass. It
// returns the cursor to persist once everything it reported has been
// reconciled. On error the previous cursor stays in place.
type ProviderSyncStrategy interface {
	Provider() model.Provider
	Sync(ctx context.Context, pass *Pass) (model.SyncState, error)
}

// Result summarizes a finished pass.
type Result struct {
	ConnectionID string
	Provider     model.Provider

	// Skipped is set when the connection was not active.
	Skipped bool

	// MetadataOnly is set when bodies and attachments were not fetched.
	MetadataOnly bool

	// MissingScope names the scope the token lacked, if any.
	MissingScope string

	Persisted    int
	Filtered     int
	MarkedRead   int
	AnalysisJobs int

	Cursor model.SyncState
}

// Orchestrator runs sync passes. It provides no mutual exclusion: callers
// must not run two passes over the same connection at once.
type Orchestrator struct {
	store      store.Store
	creds      Credentials
	analysis   AnalysisQueue
	contacts   ContactsService
	strategies map[model.Provider]ProviderSyncStrategy
	workers    int
	now        func() time.Time
	log        *logrus.Entry
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithWorkers bounds concurrent fetches within a page.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithStrategy registers the strategy for its provider.
func WithStrategy(s ProviderSyncStrategy) Option {
	return func(o *Orchestrator) { o.strategies[s.Provider()] = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(
	st store.Store,
	creds Credentials,
	analysis AnalysisQueue,
	contacts ContactsService,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		store:      st,
		creds:      creds,
		analysis:   analysis,
		contacts:   contacts,
		strategies: make(map[model.Provider]ProviderSyncStrategy),
		workers:    defaultWorkers,
		now:        time.Now,
		log:        logrus.WithField("pkg", "sync"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SyncGmailConnection runs a Gmail pass. triggerHistoryID is the history
// id carried by the push notification that caused it, if any.
func (o *Orchestrator) SyncGmailConnection(ctx context.Context, connectionID, triggerHistoryID string) (*Result, error) {
	return o.syncProvider(ctx, model.ProviderGmail, connectionID, triggerHistoryID)
}

// SyncJMAPConnection runs a JMAP pass.
func (o *Orchestrator) SyncJMAPConnection(ctx context.Context, connectionID string) (*Result, error) {
	return o.syncProvider(ctx, model.ProviderJMAP, connectionID, "")
}

func (o *Orchestrator) syncProvider(ctx context.Context, p model.Provider, connectionID, trigger string) (*Result, error) {
	conn, err := o.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if conn.Provider != p {
		return nil, fmt.Errorf("connection %s is a %s connection, not %s", conn.ID, conn.Provider, p)
	}
	return o.run(ctx, conn, trigger)
}

// SyncConnection runs a pass over any connection.
func (o *Orchestrator) SyncConnection(ctx context.Context, connectionID, triggerHistoryID string) (*Result, error) {
	conn, err := o.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	return o.run(ctx, conn, triggerHistoryID)
}

func (o *Orchestrator) run(ctx context.Context, conn *model.Connection, trigger string) (*Result, error) {
	log := o.log.WithFields(logrus.Fields{
		"connection-id": conn.ID,
		"provider":      conn.Provider,
		"user-id":       conn.UserID,
	})

	res := &Result{ConnectionID: conn.ID, Provider: conn.Provider}

	if !conn.Active() {
		log.WithField("status", conn.Status).Debug("Skipping inactive connection")
		res.Skipped = true
		return res, nil
	}

	strategy, ok := o.strategies[conn.Provider]
	if !ok {
		return nil, fmt.Errorf("no sync strategy for provider %s", conn.Provider)
	}

	token, err := o.creds.GetValidAccessToken(ctx, conn)
	if err != nil {
		return nil, o.fail(ctx, conn, log, err)
	}

	fullContent, err := o.creds.EnsureRequiredScope(ctx, conn, token)
	var scopeErr *source.ScopeError
	switch {
	case errors.As(err, &scopeErr):
		log.WithField("required", scopeErr.Required).Warn("Token lacks required scope, syncing metadata only")
		res.MissingScope = scopeErr.Required
		fullContent = false
	case err != nil:
		log.WithError(err).Warn("Failed to introspect token, syncing metadata only")
		fullContent = false
	}
	res.MetadataOnly = !fullContent

	pass := &Pass{
		Conn:             conn,
		TriggerHistoryID: trigger,
		FullContent:      fullContent,
		Workers:          o.workers,
		Log:              log,
		token:            token,
		orch:             o,
		res:              res,
	}

	log.WithField("trigger-history-id", trigger).Info("Starting sync pass")

	state, err := strategy.Sync(ctx, pass)
	if err != nil {
		var reset *cursorResetError
		if errors.As(err, &reset) {
			if rerr := o.store.ResetSyncState(ctx, conn.ID, reset.state); rerr != nil {
				log.WithError(rerr).Error("Failed to reset sync state")
			}
		}
		return nil, o.fail(ctx, conn, log, err)
	}

	if err := o.store.SaveSyncState(ctx, conn.ID, state, o.now()); err != nil {
		return nil, fmt.Errorf("saving sync state: %w", err)
	}
	conn.SyncState = state
	res.Cursor = state

	if conn.Metadata.LastError != "" && conn.Status != model.StatusError {
		meta := conn.Metadata
		meta.LastError = ""
		if err := o.store.UpdateConnectionStatus(ctx, conn.ID, model.StatusConnected, meta); err != nil {
			log.WithError(err).Warn("Failed to clear last error")
		}
	}

	log.WithFields(logrus.Fields{
		"persisted":     res.Persisted,
		"filtered":      res.Filtered,
		"marked-read":   res.MarkedRead,
		"analysis-jobs": res.AnalysisJobs,
		"metadata-only": res.MetadataOnly,
	}).Info("Finished sync pass")

	return res, nil
}

// fail records err on the connection. Credential errors move the
// connection to error; everything else leaves the status alone so the
// next trigger retries from the last good cursor.
func (o *Orchestrator) fail(ctx context.Context, conn *model.Connection, log *logrus.Entry, err error) error {
	status := conn.Status
	if source.IsCredentialError(err) {
		status = model.StatusError
	}

	meta := conn.Metadata
	meta.LastError = err.Error()

	// Use a fresh context so a cancelled pass still records its failure.
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if uerr := o.store.UpdateConnectionStatus(uctx, conn.ID, status, meta); uerr != nil {
		log.WithError(uerr).Error("Failed to record sync failure")
	}
	conn.Status = status
	conn.Metadata = meta

	log.WithError(err).WithField("status", status).Error("Sync pass aborted")
	return fmt.Errorf("syncing connection %s: %w", conn.ID, err)
}

// cursorResetError aborts a pass and replaces the stored cursor with
// state.
type cursorResetError struct {
	state model.SyncState
	err   error
}

func (e *cursorResetError) Error() string { return e.err.Error() }

func (e *cursorResetError) Unwrap() error { return e.err }

// RunSync runs the pass a queued job asks for.
func (o *Orchestrator) RunSync(ctx context.Context, job model.SyncJob) error {
	_, err := o.SyncConnection(ctx, job.ConnectionID, job.TriggerHistoryID)
	return err
}

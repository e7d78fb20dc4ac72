package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
	"github.com/nhle/mailsync/internal/store"
)

// Pass is the state of one sync pass handed to a strategy. Its Call,
// Persist and MarkRead helpers are shared by every provider. Only Call may
// be used from several goroutines; writes go through one goroutine.
type Pass struct {
	Conn             *model.Connection
	TriggerHistoryID string

	// FullContent is false when bodies and attachments must not be
	// fetched or stored.
	FullContent bool

	// Workers bounds concurrent fetches within a page.
	Workers int

	Log *logrus.Entry

	mu        gosync.Mutex
	token     string
	refreshed bool

	orch *Orchestrator
	res  *Result
}

// Token returns the current access token.
func (p *Pass) Token() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token
}

// Call runs fn with the current token. When the provider rejects it as
// expired, the token is refreshed once per pass and fn retried; a second
// rejection is a CredentialError. Safe for concurrent use.
func (p *Pass) Call(ctx context.Context, fn func(token string) error) error {
	token := p.Token()

	err := fn(token)
	if !source.IsTokenExpired(err) {
		return err
	}

	token, err = p.refresh(ctx, token)
	if err != nil {
		return err
	}

	err = fn(token)
	if source.IsTokenExpired(err) {
		return &source.CredentialError{
			Provider: p.Conn.Provider,
			Message:  "token rejected after refresh",
			Err:      err,
		}
	}
	return err
}

// refresh swaps stale for a fresh token. Concurrent callers that saw the
// same stale token share one refresh.
func (p *Pass) refresh(ctx context.Context, stale string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != stale {
		return p.token, nil
	}
	if p.refreshed {
		return "", &source.CredentialError{Provider: p.Conn.Provider, Message: "token rejected after refresh"}
	}
	p.refreshed = true

	token, err := p.orch.creds.Refresh(ctx, p.Conn)
	if err != nil {
		return "", err
	}
	p.token = token
	p.Log.Info("Refreshed rejected access token")
	return token, nil
}

// BeforeSyncStart reports whether a message received at t predates the
// connection's syncStartAt and is therefore not stored.
func (p *Pass) BeforeSyncStart(t time.Time) bool {
	start := p.Conn.SyncStartAt
	return start != nil && t.Before(*start)
}

// Persist reconciles msg into storage and notifies the collaborators.
// Messages received before the connection's syncStartAt are dropped.
// When analyze is set, a message that became unread yields analysis jobs.
func (p *Pass) Persist(ctx context.Context, msg *model.CanonicalMessage, analyze bool) (*store.ReconcileResult, error) {
	log := p.Log.WithField("message-id", msg.ProviderMessageID)

	if p.BeforeSyncStart(msg.ReceivedAt) {
		log.Debug("Skipping message older than sync start")
		p.res.Filtered++
		return nil, nil
	}
	if !p.FullContent {
		msg.StripContent()
	}

	res, err := p.orch.store.ReconcileMessage(ctx, p.Conn.ID, msg)
	if err != nil {
		return nil, fmt.Errorf("reconciling message %s: %w", msg.ProviderMessageID, err)
	}
	p.res.Persisted++
	log.WithField("created", res.Created).Debug("Persisted message")

	if contacts := contactsOf(msg); len(contacts) > 0 && p.orch.contacts != nil {
		if err := p.orch.contacts.UpsertContacts(ctx, p.Conn.UserID, contacts); err != nil {
			log.WithError(err).Warn("Failed to upsert contacts")
		}
	}

	if analyze && res.BecameUnread {
		if err := p.enqueueAnalysis(ctx, res); err != nil {
			return nil, err
		}
	}

	return res, nil
}

func (p *Pass) enqueueAnalysis(ctx context.Context, res *store.ReconcileResult) error {
	base := model.AnalysisJob{UserID: p.Conn.UserID, ConnectionID: p.Conn.ID}

	email := base
	email.Type, email.MessageID, email.ThreadID = model.AnalysisEmail, res.MessageID, res.ThreadID

	thread := base
	thread.Type, thread.ThreadID = model.AnalysisThread, res.ThreadID

	jobs := []model.AnalysisJob{email, thread}

	for _, id := range res.AttachmentIDs {
		att := base
		att.Type, att.MessageID, att.AttachmentID = model.AnalysisAttachment, res.MessageID, id
		jobs = append(jobs, att)
	}

	for _, job := range jobs {
		if err := p.orch.analysis.EnqueueAnalysis(ctx, job); err != nil {
			return fmt.Errorf("enqueueing %s analysis: %w", job.Type, err)
		}
		p.res.AnalysisJobs++
	}
	return nil
}

// MarkRead flips a stored message to read without refetching it.
func (p *Pass) MarkRead(ctx context.Context, providerMessageID string) error {
	found, err := p.orch.store.MarkMessageRead(ctx, p.Conn.ID, providerMessageID)
	if err != nil {
		return err
	}
	if found {
		p.res.MarkedRead++
	}
	return nil
}

// UpsertLabels stores the provider's label set for the connection.
func (p *Pass) UpsertLabels(ctx context.Context, labels []model.Label) error {
	if err := p.orch.store.UpsertLabels(ctx, p.Conn.ID, labels); err != nil {
		return fmt.Errorf("upserting labels: %w", err)
	}
	return nil
}

// contactsOf returns one contact per distinct participant address.
func contactsOf(msg *model.CanonicalMessage) []model.Contact {
	seen := make(map[string]bool, len(msg.Participants))
	var out []model.Contact
	for _, part := range msg.Participants {
		if part.Address.Email == "" || seen[part.Address.Email] {
			continue
		}
		seen[part.Address.Email] = true
		out = append(out, model.Contact{
			Email:      part.Address.Email,
			Name:       part.Address.Name,
			FirstMetAt: msg.ReceivedAt,
		})
	}
	return out
}

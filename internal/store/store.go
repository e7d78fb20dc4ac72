package store

import (
	"context"
	"errors"
	"time"

	"github.com/nhle/mailsync/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ConnectionFilter narrows ListConnections. Nil fields match everything.
type ConnectionFilter struct {
	UserID            *string
	Provider          *model.Provider
	Status            *model.ConnectionStatus
	ProviderAccountID *string
}

// ReconcileResult describes what a single message reconciliation did.
type ReconcileResult struct {
	MessageID string
	ThreadID  string

	// Created is true when no row existed for the provider message id.
	Created bool

	// BecameUnread is true when the message is unread now and was either
	// just created or previously read.
	BecameUnread bool

	// AttachmentIDs are the internal ids of the attachments now stored.
	AttachmentIDs []string
}

// Store defines the persistence interface of the sync engine.
type Store interface {
	// === Connections ===

	UpsertConnection(ctx context.Context, conn *model.Connection) error
	GetConnection(ctx context.Context, id string) (*model.Connection, error)
	ListConnections(ctx context.Context, filter ConnectionFilter) ([]model.Connection, error)
	UpdateConnectionTokens(ctx context.Context, id string, accessToken, refreshToken string, expiry *time.Time) error
	UpdateConnectionStatus(ctx context.Context, id string, status model.ConnectionStatus, meta model.ConnectionMetadata) error
	SaveSyncState(ctx context.Context, id string, state model.SyncState, syncedAt time.Time) error
	ResetSyncState(ctx context.Context, id string, state model.SyncState) error
	RevokeConnection(ctx context.Context, id string) error

	// === OAuth states ===

	CreateOAuthState(ctx context.Context, st model.OAuthState) error
	ConsumeOAuthState(ctx context.Context, state string, now time.Time) (*model.OAuthState, error)
	DeleteExpiredOAuthStates(ctx context.Context, now time.Time) (int64, error)

	// === Mail ===

	WithTx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error
	ReconcileMessage(ctx context.Context, connectionID string, msg *model.CanonicalMessage) (*ReconcileResult, error)
	MarkMessageRead(ctx context.Context, connectionID, providerMessageID string) (bool, error)
	UpsertLabels(ctx context.Context, connectionID string, labels []model.Label) error
	GetMessageByProviderID(ctx context.Context, connectionID, providerMessageID string) (*model.Message, error)
	GetThread(ctx context.Context, id string) (*model.Thread, error)
	ListParticipants(ctx context.Context, messageID string) ([]model.Participant, error)
	ListMessageLabels(ctx context.Context, messageID string) ([]string, error)
	ListAttachments(ctx context.Context, messageID string) ([]model.Attachment, error)
	ListLabels(ctx context.Context, connectionID string) ([]model.Label, error)

	// === Collaborator outboxes ===

	UpsertContacts(ctx context.Context, userID string, contacts []model.Contact) error
	ListContacts(ctx context.Context, userID string) ([]model.Contact, error)
	InsertAnalysisJob(ctx context.Context, job model.AnalysisJob) error
	ListPendingAnalysisJobs(ctx context.Context, limit int) ([]model.AnalysisJob, error)
	MarkAnalysisJobProcessed(ctx context.Context, id string, at time.Time) error

	Close() error
}

var _ Store = (*SQLiteStore)(nil)

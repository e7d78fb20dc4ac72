package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Provider identifies the remote mailbox service behind a connection.
type Provider string

const (
	ProviderGmail Provider = "gmail"
	ProviderJMAP  Provider = "jmap"
)

// ConnectionStatus is the lifecycle state of a connection.
type ConnectionStatus string

const (
	StatusPending   ConnectionStatus = "pending"
	StatusConnected ConnectionStatus = "connected"
	StatusError     ConnectionStatus = "error"
	StatusRevoked   ConnectionStatus = "revoked"
)

// Connection is one linked mailbox: a (user, provider, provider account)
// triple together with its credentials and sync cursor.
type Connection struct {
	// ID is the internal UUID of the connection.
	ID string `json:"id"`

	// UserID is the owning user.
	UserID string `json:"user_id"`

	// Provider selects the sync strategy.
	Provider Provider `json:"provider"`

	// ProviderAccountID is the mailbox address (Gmail) or the JMAP
	// account id. Unique together with UserID and Provider.
	ProviderAccountID string `json:"provider_account_id"`

	Status ConnectionStatus `json:"status"`

	// AccessToken is the OAuth access token (Gmail) or the long-lived
	// API key (JMAP).
	AccessToken  string     `json:"-"`
	RefreshToken string     `json:"-"`
	TokenExpiry  *time.Time `json:"token_expiry,omitempty"`
	Scope        string     `json:"scope"`

	// SyncState is the provider cursor; either GmailCursor or JMAPCursor.
	SyncState SyncState `json:"-"`

	Metadata ConnectionMetadata `json:"metadata"`

	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`

	// SyncStartAt is the lower bound for historical backfill. Messages
	// received before it are never persisted.
	SyncStartAt *time.Time `json:"sync_start_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConnectionMetadata carries diagnostic details about a connection.
type ConnectionMetadata struct {
	ScopeError *ScopeErrorInfo `json:"scopeError,omitempty"`
	LastError  string          `json:"lastError,omitempty"`

	// WatchExpiration is when the Gmail push subscription lapses.
	WatchExpiration *time.Time `json:"watchExpiration,omitempty"`
}

// ScopeErrorInfo records a missing OAuth scope detected during sync.
type ScopeErrorInfo struct {
	Required   string    `json:"required"`
	Granted    string    `json:"granted"`
	DetectedAt time.Time `json:"detectedAt"`
}

// Active reports whether the connection may be synced.
func (c *Connection) Active() bool {
	return c.Status == StatusConnected || c.Status == StatusPending
}

// GmailCursor returns the Gmail cursor, or the zero cursor when the
// connection holds none.
func (c *Connection) GmailCursor() GmailCursor {
	if cur, ok := c.SyncState.(GmailCursor); ok {
		return cur
	}
	return GmailCursor{}
}

// JMAPCursor returns the JMAP cursor, or the zero cursor when the
// connection holds none.
func (c *Connection) JMAPCursor() JMAPCursor {
	if cur, ok := c.SyncState.(JMAPCursor); ok {
		return cur
	}
	return JMAPCursor{}
}

// SyncState is the per-provider cursor bag persisted on a connection.
// It is sealed: only GmailCursor and JMAPCursor implement it.
type SyncState interface {
	provider() Provider
}

// GmailCursor tracks Gmail History API progress.
type GmailCursor struct {
	HistoryID            string `json:"historyId,omitempty"`
	InitialSyncCompleted bool   `json:"initialSyncCompleted"`

	// BackfillPageToken resumes an unread backfill that stopped at its
	// page cap. Empty once the backfill starts over or completes.
	BackfillPageToken string `json:"backfillPageToken,omitempty"`
}

func (GmailCursor) provider() Provider { return ProviderGmail }

// JMAPCursor tracks Email/queryChanges progress.
type JMAPCursor struct {
	AccountID  string `json:"accountId,omitempty"`
	InboxID    string `json:"inboxId,omitempty"`
	QueryState string `json:"queryState,omitempty"`
}

func (JMAPCursor) provider() Provider { return ProviderJMAP }

// EncodeSyncState serializes a cursor into the generic JSON column.
func EncodeSyncState(s SyncState) (string, error) {
	if s == nil {
		return "{}", nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encoding %s sync state: %w", s.provider(), err)
	}
	return string(data), nil
}

// DecodeSyncState parses the JSON column into the cursor type that
// belongs to p. An empty column yields the zero cursor.
func DecodeSyncState(p Provider, raw string) (SyncState, error) {
	if raw == "" {
		raw = "{}"
	}
	switch p {
	case ProviderGmail:
		var cur GmailCursor
		if err := json.Unmarshal([]byte(raw), &cur); err != nil {
			return nil, fmt.Errorf("decoding gmail sync state: %w", err)
		}
		return cur, nil
	case ProviderJMAP:
		var cur JMAPCursor
		if err := json.Unmarshal([]byte(raw), &cur); err != nil {
			return nil, fmt.Errorf("decoding jmap sync state: %w", err)
		}
		return cur, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", p)
	}
}

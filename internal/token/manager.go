// Package token keeps provider credentials valid for the sync engine.
package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/bradenaw/juniper/xslices"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
	"github.com/nhle/mailsync/internal/source/gmail"
)

// refreshSkew is how close to expiry a cached access token is refreshed.
const refreshSkew = 60 * time.Second

// contentScopes grant read access to message content. gmail.readonly is
// the one requested; broader grants also satisfy it.
var contentScopes = []string{
	gmail.ReadonlyScope,
	"https://www.googleapis.com/auth/gmail.modify",
	"https://mail.google.com/",
}

// Store persists credential changes made by the Manager.
type Store interface {
	UpdateConnectionTokens(ctx context.Context, id string, accessToken, refreshToken string, expiry *time.Time) error
	UpdateConnectionStatus(ctx context.Context, id string, status model.ConnectionStatus, meta model.ConnectionMetadata) error
}

// Introspector reports the scopes granted to an access token.
type Introspector interface {
	TokenInfo(ctx context.Context, token string) (*gmail.TokenInfo, error)
}

// Manager hands out valid access tokens and enforces required scopes.
type Manager struct {
	oauth      *oauth2.Config
	store      Store
	introspect Introspector
	httpClient *http.Client
	now        func() time.Time
	log        *logrus.Entry
}

// NewManager creates a Manager. oauth holds the Google client credentials
// and token endpoint.
func NewManager(oauth *oauth2.Config, store Store, introspect Introspector, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Manager{
		oauth:      oauth,
		store:      store,
		introspect: introspect,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
		log:        logrus.WithField("pkg", "token"),
	}
}

// GetValidAccessToken returns a usable access token for conn, refreshing
// and persisting it when it expires within a minute. JMAP connections
// hold a long-lived API key which is returned as is.
func (m *Manager) GetValidAccessToken(ctx context.Context, conn *model.Connection) (string, error) {
	if conn.Provider == model.ProviderJMAP {
		if conn.AccessToken == "" {
			return "", &source.CredentialError{Provider: conn.Provider, Message: "no API key stored"}
		}
		return conn.AccessToken, nil
	}

	if conn.AccessToken != "" && conn.TokenExpiry != nil && conn.TokenExpiry.Sub(m.now()) > refreshSkew {
		return conn.AccessToken, nil
	}

	return m.Refresh(ctx, conn)
}

// Refresh exchanges the refresh token for a new access token regardless of
// the cached expiry, and persists the result onto conn and the store.
func (m *Manager) Refresh(ctx context.Context, conn *model.Connection) (string, error) {
	if conn.Provider == model.ProviderJMAP {
		return "", &source.CredentialError{Provider: conn.Provider, Message: "API key rejected"}
	}
	if conn.RefreshToken == "" {
		return "", &source.CredentialError{Provider: conn.Provider, Message: "no refresh token stored"}
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	stale := &oauth2.Token{
		RefreshToken: conn.RefreshToken,
		Expiry:       m.now().Add(-time.Minute),
	}

	tok, err := m.oauth.TokenSource(ctx, stale).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return "", &source.CredentialError{
				Provider: conn.Provider,
				Message:  "refresh rejected",
				Err:      err,
			}
		}
		return "", fmt.Errorf("refreshing access token: %w", err)
	}

	var expiry *time.Time
	if !tok.Expiry.IsZero() {
		e := tok.Expiry.UTC()
		expiry = &e
	}
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = conn.RefreshToken
	}

	if err := m.store.UpdateConnectionTokens(ctx, conn.ID, tok.AccessToken, refresh, expiry); err != nil {
		return "", fmt.Errorf("persisting refreshed token: %w", err)
	}

	conn.AccessToken = tok.AccessToken
	conn.RefreshToken = refresh
	conn.TokenExpiry = expiry

	m.log.WithField("connection-id", conn.ID).Debug("Refreshed access token")
	return tok.AccessToken, nil
}

// EnsureRequiredScope checks that the token may read message content. When
// it may not, conn is marked error with a scopeError and a
// *source.ScopeError is returned so the caller syncs metadata only.
func (m *Manager) EnsureRequiredScope(ctx context.Context, conn *model.Connection, token string) (bool, error) {
	if conn.Provider != model.ProviderGmail {
		return true, nil
	}

	info, err := m.introspect.TokenInfo(ctx, token)
	if err != nil {
		return false, fmt.Errorf("introspecting token: %w", err)
	}

	if HasContentScope(info.Scope) {
		return true, nil
	}

	meta := conn.Metadata
	meta.ScopeError = &model.ScopeErrorInfo{
		Required:   gmail.ReadonlyScope,
		Granted:    info.Scope,
		DetectedAt: m.now().UTC(),
	}
	if err := m.store.UpdateConnectionStatus(ctx, conn.ID, model.StatusError, meta); err != nil {
		return false, fmt.Errorf("recording scope error: %w", err)
	}
	conn.Status = model.StatusError
	conn.Metadata = meta

	m.log.WithFields(logrus.Fields{
		"connection-id": conn.ID,
		"granted":       info.Scope,
	}).Debug("Recorded scope error")

	return false, &source.ScopeError{Required: gmail.ReadonlyScope, Granted: info.Scope}
}

// HasContentScope reports whether a space-separated scope list grants read
// access to message content.
func HasContentScope(granted string) bool {
	return xslices.Any(strings.Fields(granted), func(s string) bool {
		return slices.Contains(contentScopes, s)
	})
}

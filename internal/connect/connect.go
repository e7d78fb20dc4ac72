// Package connect links mailboxes: the Gmail OAuth handshake, Fastmail API
// key onboarding and revocation.
package connect

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
	"github.com/nhle/mailsync/internal/source/gmail"
	"github.com/nhle/mailsync/internal/source/jmap"
	"github.com/nhle/mailsync/internal/store"
)

// stateBytes is the entropy of an OAuth state token.
const stateBytes = 32

// watchRenewWindow is how long before expiry a Gmail watch is renewed.
// Google expires watches after seven days.
const watchRenewWindow = 24 * time.Hour

// ErrInvalidInput is returned for requests missing required fields.
var ErrInvalidInput = errors.New("invalid input")

// GmailAPI is the subset of the Gmail client used while connecting.
type GmailAPI interface {
	GetProfile(ctx context.Context, token string) (*gmail.Profile, error)
	Watch(ctx context.Context, token string, topic string) (*gmail.WatchResponse, error)
}

// JMAPAPI is the subset of the JMAP client used while connecting.
type JMAPAPI interface {
	FetchSession(ctx context.Context, apiKey string) (*jmap.Session, error)
}

var (
	_ GmailAPI = (*gmail.Client)(nil)
	_ JMAPAPI  = (*jmap.Client)(nil)
)

// AccessTokens hands out valid access tokens for stored connections.
type AccessTokens interface {
	GetValidAccessToken(ctx context.Context, conn *model.Connection) (string, error)
}

// SyncEnqueuer accepts sync triggers.
type SyncEnqueuer interface {
	EnqueueSync(ctx context.Context, job model.SyncJob) error
}

// Result identifies the connection a flow created or updated.
type Result struct {
	ConnectionID string `json:"connectionId"`
	RedirectTo   string `json:"redirectTo,omitempty"`
}

// Config holds the settings of the connect flows.
type Config struct {
	OAuth *oauth2.Config

	// PubSubTopic is passed to users.watch; empty disables push.
	PubSubTopic string

	// DefaultRedirect is used when an OAuth state carries no redirect.
	// Absolute redirects are only accepted on its scheme and host.
	DefaultRedirect string

	// HTTPTimeout bounds the code exchange.
	HTTPTimeout time.Duration
}

// GoogleOAuthConfig builds the OAuth client for Gmail read access.
// tokenURL overrides Google's token endpoint when set.
func GoogleOAuthConfig(clientID, clientSecret, redirectURL, tokenURL string) *oauth2.Config {
	endpoint := google.Endpoint
	if tokenURL != "" {
		endpoint.TokenURL = tokenURL
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{gmail.ReadonlyScope},
		Endpoint:     endpoint,
	}
}

// Service runs the connect flows.
type Service struct {
	store      store.Store
	cfg        Config
	gmail      GmailAPI
	jmap       JMAPAPI
	queue      SyncEnqueuer
	tokens     AccessTokens
	httpClient *http.Client
	now        func() time.Time
	log        *logrus.Entry
}

// Option configures a Service.
type Option func(*Service)

// WithTokens supplies the token source used to renew Gmail watches.
func WithTokens(t AccessTokens) Option {
	return func(s *Service) { s.tokens = t }
}

// NewService creates a Service.
func NewService(st store.Store, cfg Config, gm GmailAPI, jm JMAPAPI, queue SyncEnqueuer, opts ...Option) *Service {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	s := &Service{
		store:      st,
		cfg:        cfg,
		gmail:      gm,
		jmap:       jm,
		queue:      queue,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
		log:        logrus.WithField("pkg", "connect"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newState() (string, error) {
	buf := make([]byte, stateBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating oauth state: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// StartGmailConnect records a pending handshake for userID and returns the
// consent URL to send the user to.
func (s *Service) StartGmailConnect(ctx context.Context, userID, redirectTo string, syncStartAt *time.Time) (string, error) {
	if s.cfg.OAuth == nil || s.cfg.OAuth.ClientID == "" {
		return "", fmt.Errorf("google oauth client is not configured")
	}
	if userID == "" {
		return "", fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if err := s.checkRedirect(redirectTo); err != nil {
		return "", err
	}

	state, err := newState()
	if err != nil {
		return "", err
	}

	now := s.now().UTC()
	if err := s.store.CreateOAuthState(ctx, model.OAuthState{
		State:       state,
		UserID:      userID,
		Provider:    model.ProviderGmail,
		RedirectTo:  redirectTo,
		SyncStartAt: syncStartAt,
		CreatedAt:   now,
		ExpiresAt:   now.Add(model.OAuthStateTTL),
	}); err != nil {
		return "", err
	}

	s.log.WithField("user-id", userID).Debug("Started gmail connect")
	return s.cfg.OAuth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// checkRedirect accepts an empty redirect, a path on this host, or an
// absolute URL on the scheme and host of the default redirect.
func (s *Service) checkRedirect(redirectTo string) error {
	if redirectTo == "" {
		return nil
	}
	invalid := fmt.Errorf("%w: redirect %q is not allowed", ErrInvalidInput, redirectTo)

	u, err := url.Parse(redirectTo)
	if err != nil || strings.ContainsAny(redirectTo, "\\\r\n") {
		return invalid
	}
	if u.Scheme == "" && u.Host == "" {
		if !strings.HasPrefix(redirectTo, "/") || strings.HasPrefix(redirectTo, "//") {
			return invalid
		}
		return nil
	}

	def, err := url.Parse(s.cfg.DefaultRedirect)
	if err != nil || def.Host == "" {
		return invalid
	}
	if !strings.EqualFold(u.Scheme, def.Scheme) || !strings.EqualFold(u.Host, def.Host) || u.User != nil {
		return invalid
	}
	return nil
}

// ConnectGmailCallback completes the handshake identified by state. The
// state is single use.
func (s *Service) ConnectGmailCallback(ctx context.Context, code, state string) (*Result, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: authorization code is required", ErrInvalidInput)
	}

	st, err := s.store.ConsumeOAuthState(ctx, state, s.now())
	if err != nil {
		return nil, err
	}
	if st.Provider != model.ProviderGmail {
		return nil, fmt.Errorf("oauth state belongs to %s: %w", st.Provider, model.ErrOAuthStateNotFound)
	}

	tok, err := s.cfg.OAuth.Exchange(context.WithValue(ctx, oauth2.HTTPClient, s.httpClient), code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return nil, &source.CredentialError{Provider: model.ProviderGmail, Message: "code exchange rejected", Err: err}
		}
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}

	profile, err := s.gmail.GetProfile(ctx, tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("getting profile: %w", err)
	}

	var expiry *time.Time
	if !tok.Expiry.IsZero() {
		e := tok.Expiry.UTC()
		expiry = &e
	}
	scope, _ := tok.Extra("scope").(string)

	conn := &model.Connection{
		UserID:            st.UserID,
		Provider:          model.ProviderGmail,
		ProviderAccountID: strings.ToLower(strings.TrimSpace(profile.EmailAddress)),
		Status:            model.StatusPending,
		AccessToken:       tok.AccessToken,
		RefreshToken:      tok.RefreshToken,
		TokenExpiry:       expiry,
		Scope:             scope,
		SyncState:         model.GmailCursor{},
		SyncStartAt:       st.SyncStartAt,
	}
	if err := s.store.UpsertConnection(ctx, conn); err != nil {
		return nil, err
	}

	log := s.log.WithFields(logrus.Fields{
		"connection-id": conn.ID,
		"user-id":       conn.UserID,
		"provider":      conn.Provider,
	})
	log.Info("Connected gmail mailbox")

	if s.cfg.PubSubTopic != "" {
		_ = s.watch(ctx, log, conn.ID, tok.AccessToken)
	}

	s.enqueue(ctx, log, conn.ID)

	redirect := st.RedirectTo
	if redirect == "" {
		redirect = s.cfg.DefaultRedirect
	}
	return &Result{ConnectionID: conn.ID, RedirectTo: redirect}, nil
}

// watch subscribes the mailbox to push notifications, records when the
// subscription expires and seeds the history cursor from the watch
// response when none is stored yet. Failures only cost push delivery; the
// scheduler still syncs the connection.
func (s *Service) watch(ctx context.Context, log *logrus.Entry, connectionID, token string) error {
	resp, err := s.gmail.Watch(ctx, token, s.cfg.PubSubTopic)
	if err != nil {
		log.WithError(err).Warn("Failed to start gmail watch")
		return fmt.Errorf("starting gmail watch: %w", err)
	}

	conn, err := s.store.GetConnection(ctx, connectionID)
	if err != nil {
		log.WithError(err).Warn("Failed to reload connection after watch")
		return err
	}

	meta := conn.Metadata
	meta.WatchExpiration = nil
	if resp.Expiration > 0 {
		exp := time.UnixMilli(resp.Expiration).UTC()
		meta.WatchExpiration = &exp
	}
	if err := s.store.UpdateConnectionStatus(ctx, connectionID, conn.Status, meta); err != nil {
		log.WithError(err).Warn("Failed to record watch expiration")
		return err
	}

	cur := conn.GmailCursor()
	if cur.HistoryID == "" {
		cur.HistoryID = strconv.FormatUint(resp.HistoryId, 10)
		if err := s.store.ResetSyncState(ctx, connectionID, cur); err != nil {
			log.WithError(err).Warn("Failed to seed history id")
			return err
		}
	}
	log.WithFields(logrus.Fields{
		"history-id": cur.HistoryID,
		"expiration": meta.WatchExpiration,
	}).Info("Started gmail watch")
	return nil
}

// RenewWatches re-subscribes every active Gmail connection whose watch
// expires within a day or was never recorded, and returns how many were
// renewed. It does nothing when push is disabled or no token source is
// configured.
func (s *Service) RenewWatches(ctx context.Context) (int, error) {
	if s.cfg.PubSubTopic == "" || s.tokens == nil {
		return 0, nil
	}

	provider := model.ProviderGmail
	conns, err := s.store.ListConnections(ctx, store.ConnectionFilter{Provider: &provider})
	if err != nil {
		return 0, fmt.Errorf("listing gmail connections: %w", err)
	}

	deadline := s.now().Add(watchRenewWindow)
	renewed := 0
	for i := range conns {
		conn := &conns[i]
		if !conn.Active() {
			continue
		}
		if exp := conn.Metadata.WatchExpiration; exp != nil && exp.After(deadline) {
			continue
		}

		log := s.log.WithField("connection-id", conn.ID)
		token, err := s.tokens.GetValidAccessToken(ctx, conn)
		if err != nil {
			log.WithError(err).Warn("Failed to get token for watch renewal")
			continue
		}
		if err := s.watch(ctx, log, conn.ID, token); err != nil {
			continue
		}
		renewed++
	}
	return renewed, nil
}

func (s *Service) enqueue(ctx context.Context, log *logrus.Entry, connectionID string) {
	if s.queue == nil {
		return
	}
	err := s.queue.EnqueueSync(ctx, model.SyncJob{ConnectionID: connectionID, Reason: model.SyncReasonConnect})
	if err != nil {
		log.WithError(err).Warn("Failed to enqueue initial sync")
	}
}

// ConnectFastmail validates apiKey against the JMAP session and links the
// primary mail account. backfillStart bounds the initial sync.
func (s *Service) ConnectFastmail(ctx context.Context, userID, apiKey string, backfillStart *time.Time) (*Result, error) {
	apiKey = strings.TrimSpace(apiKey)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if apiKey == "" {
		return nil, &source.CredentialError{Provider: model.ProviderJMAP, Message: "API key is required"}
	}

	sess, err := s.jmap.FetchSession(ctx, apiKey)
	if err != nil {
		if apiErr, ok := source.AsProviderAPIError(err); ok &&
			(apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden) {
			return nil, &source.CredentialError{Provider: model.ProviderJMAP, Message: "API key rejected", Err: err}
		}
		return nil, fmt.Errorf("validating API key: %w", err)
	}

	accountID := sess.MailAccountID()
	if accountID == "" {
		return nil, &source.ProtocolError{Provider: model.ProviderJMAP, Message: "session has no mail account"}
	}

	conn := &model.Connection{
		UserID:            userID,
		Provider:          model.ProviderJMAP,
		ProviderAccountID: accountID,
		Status:            model.StatusPending,
		AccessToken:       apiKey,
		SyncState:         model.JMAPCursor{AccountID: accountID},
		SyncStartAt:       backfillStart,
	}
	if err := s.store.UpsertConnection(ctx, conn); err != nil {
		return nil, err
	}

	log := s.log.WithFields(logrus.Fields{
		"connection-id": conn.ID,
		"user-id":       conn.UserID,
		"provider":      conn.Provider,
	})
	log.WithField("username", sess.Username).Info("Connected fastmail account")

	s.enqueue(ctx, log, conn.ID)
	return &Result{ConnectionID: conn.ID}, nil
}

// RevokeConnection clears the credentials of a connection and takes it
// out of sync rotation.
func (s *Service) RevokeConnection(ctx context.Context, id string) error {
	conn, err := s.store.GetConnection(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.RevokeConnection(ctx, conn.ID); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"connection-id": conn.ID,
		"provider":      conn.Provider,
	}).Info("Revoked connection")
	return nil
}

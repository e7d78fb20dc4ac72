package testutil

import (
	"testing"
	"time"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

// NewTestStore creates an in-memory SQLiteStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// NewConnection stores a connected connection for the given provider and
// returns it with its id set.
func NewConnection(t *testing.T, s *store.SQLiteStore, provider model.Provider, account string) *model.Connection {
	t.Helper()

	expiry := time.Now().Add(time.Hour)
	conn := &model.Connection{
		UserID:            "user-1",
		Provider:          provider,
		ProviderAccountID: account,
		Status:            model.StatusConnected,
		AccessToken:       "access",
		RefreshToken:      "refresh",
		TokenExpiry:       &expiry,
	}
	switch provider {
	case model.ProviderGmail:
		conn.SyncState = model.GmailCursor{}
	case model.ProviderJMAP:
		conn.SyncState = model.JMAPCursor{}
	}

	if err := s.UpsertConnection(t.Context(), conn); err != nil {
		t.Fatalf("creating test connection: %v", err)
	}
	return conn
}

package sync

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
	"github.com/nhle/mailsync/internal/source/jmap"
	"github.com/nhle/mailsync/internal/store"
)

func TestJMAPSync_BootstrapThenChanges(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	api := newFakeJMAP()
	api.addEmail("e1", false, now.Add(-time.Hour))
	api.addEmail("e2", true, now.Add(-2*time.Hour))

	h := newHarness(t, fullCreds(), NewJMAPStrategy(api))
	conn := jmapConn(t, h.store, model.JMAPCursor{})

	res, err := h.orch.SyncJMAPConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Persisted)
	assert.Equal(t, model.JMAPCursor{AccountID: "acc-1", InboxID: "inbox", QueryState: "qs-fresh"}, res.Cursor)
	assert.Equal(t, []jmap.KeywordFilter{jmap.FilterUnread, jmap.FilterSeen}, api.queryCalls)
	assert.EqualValues(t, 2, api.downloads.Load())

	// Only the unread email is analyzed.
	assert.Equal(t, 1, h.analysis.count(model.AnalysisEmail))
	assert.Equal(t, 1, h.analysis.count(model.AnalysisAttachment))

	seen, err := h.store.GetMessageByProviderID(ctx, conn.ID, "e2")
	require.NoError(t, err)
	assert.False(t, seen.IsUnread)

	labels, err := h.store.ListLabels(ctx, conn.ID)
	require.NoError(t, err)
	require.Len(t, labels, 2)
	assert.Equal(t, "Archive", labels[0].Name)
	assert.Equal(t, "user", labels[0].Type)
	assert.Equal(t, jmap.RoleInbox, labels[1].Type)

	api.addEmail("e3", false, now)
	api.changes = &jmap.QueryChangesResult{
		OldQueryState: "qs-fresh",
		NewQueryState: "qs-2",
		Added:         []jmap.AddedItem{{ID: "e3", Index: 0}},
		Removed:       []string{"e1"},
	}

	res, err = h.orch.SyncJMAPConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"qs-fresh"}, api.changesCalls)
	assert.Equal(t, 1, res.Persisted)
	assert.Equal(t, 1, res.MarkedRead)
	assert.Equal(t, "qs-2", res.Cursor.(model.JMAPCursor).QueryState)

	read, err := h.store.GetMessageByProviderID(ctx, conn.ID, "e1")
	require.NoError(t, err)
	assert.False(t, read.IsUnread)
}

func TestJMAPSync_RecoversFromFailedQueryChanges(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{
			name: "cursor rejected",
			err:  &source.CursorInvalidError{QueryState: "qs-stale", Err: errors.New("cannotCalculateChanges")},
		},
		{
			name: "server error",
			err:  &source.ProviderAPIError{Provider: model.ProviderJMAP, Status: http.StatusInternalServerError},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeJMAP()
			api.addEmail("e1", false, time.Now())
			api.changesErr = tt.err

			h := newHarness(t, fullCreds(), NewJMAPStrategy(api))
			conn := jmapConn(t, h.store, model.JMAPCursor{AccountID: "acc-1", InboxID: "inbox", QueryState: "qs-stale"})

			res, err := h.orch.SyncJMAPConnection(context.Background(), conn.ID)
			require.NoError(t, err)
			assert.Equal(t, "qs-fresh", res.Cursor.(model.JMAPCursor).QueryState)
			assert.Equal(t, []jmap.KeywordFilter{jmap.FilterUnread}, api.queryCalls)
			assert.Equal(t, 1, res.Persisted)
		})
	}
}

func TestJMAPSync_AccountChangeRebootstraps(t *testing.T) {
	api := newFakeJMAP()
	api.addEmail("e1", false, time.Now())

	h := newHarness(t, fullCreds(), NewJMAPStrategy(api))
	conn := jmapConn(t, h.store, model.JMAPCursor{AccountID: "acc-gone", InboxID: "inbox", QueryState: "qs-old"})

	res, err := h.orch.SyncJMAPConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Empty(t, api.changesCalls)
	assert.Equal(t, model.JMAPCursor{AccountID: "acc-1", InboxID: "inbox", QueryState: "qs-fresh"}, res.Cursor)
}

func TestJMAPSync_RejectedKeyMarksError(t *testing.T) {
	ctx := context.Background()

	api := newFakeJMAP()
	h := newHarness(t, fullCreds(), NewJMAPStrategy(api))
	conn := jmapConn(t, h.store, model.JMAPCursor{})

	// Refresh on a rejected key fails.
	creds := &fakeCreds{token: "wrong", fullScope: true, refreshErr: &source.CredentialError{Provider: model.ProviderJMAP, Message: "API key rejected"}}
	h.orch.creds = creds

	_, err := h.orch.SyncJMAPConnection(ctx, conn.ID)
	require.Error(t, err)
	assert.True(t, source.IsCredentialError(err))

	stored, err := h.store.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, stored.Status)
}

func TestJMAPSync_RefreshesRejectedKey(t *testing.T) {
	api := newFakeJMAP()
	api.addEmail("e1", false, time.Now())
	api.rejectOnce["tok"] = true

	creds := fullCreds()
	h := newHarness(t, creds, NewJMAPStrategy(api))
	conn := jmapConn(t, h.store, model.JMAPCursor{})

	res, err := h.orch.SyncJMAPConnection(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Persisted)
	assert.Equal(t, 1, creds.refreshes)
	assert.Equal(t, []string{"tok", "tok2"}, api.keysSeen)
}

func TestJMAPSync_RejectedQueryChangesIsCredentialError(t *testing.T) {
	ctx := context.Background()

	api := newFakeJMAP()
	api.changesErr = &source.ProviderAPIError{Provider: model.ProviderJMAP, Status: http.StatusUnauthorized}

	creds := fullCreds()
	h := newHarness(t, creds, NewJMAPStrategy(api))
	cursor := model.JMAPCursor{AccountID: "acc-1", InboxID: "inbox", QueryState: "qs-1"}
	conn := jmapConn(t, h.store, cursor)

	_, err := h.orch.SyncJMAPConnection(ctx, conn.ID)
	require.Error(t, err)
	assert.True(t, source.IsCredentialError(err))
	assert.Equal(t, 1, creds.refreshes)
	assert.Len(t, api.changesCalls, 2)
	assert.Empty(t, api.queryCalls)

	stored, err := h.store.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, stored.Status)
	assert.Equal(t, cursor, stored.SyncState)
}

func TestJMAPSync_SkipsDownloadsBeforeSyncStart(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	api := newFakeJMAP()
	api.addEmail("e-old", false, now.Add(-48*time.Hour))
	api.addEmail("e-new", false, now)

	h := newHarness(t, fullCreds(), NewJMAPStrategy(api))
	start := now.Add(-24 * time.Hour)
	conn := &model.Connection{
		UserID:            "user-1",
		Provider:          model.ProviderJMAP,
		ProviderAccountID: "acc-1",
		Status:            model.StatusConnected,
		AccessToken:       "key",
		SyncState:         model.JMAPCursor{},
		SyncStartAt:       &start,
	}
	require.NoError(t, h.store.UpsertConnection(ctx, conn))

	res, err := h.orch.SyncJMAPConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Persisted)
	assert.Equal(t, 1, res.Filtered)
	assert.EqualValues(t, 1, api.downloads.Load())

	_, err = h.store.GetMessageByProviderID(ctx, conn.ID, "e-old")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/testutil"
)

func ptr[T any](v T) *T { return &v }

func canonical(id, thread string, unread bool, received time.Time) *model.CanonicalMessage {
	return &model.CanonicalMessage{
		ProviderMessageID: id,
		ProviderThreadID:  thread,
		Subject:           "Subject " + id,
		Snippet:           "snippet " + id,
		TextBody:          ptr("body " + id),
		IsUnread:          unread,
		ReceivedAt:        received,
		LabelIDs:          []string{"INBOX", "UNREAD"},
		Participants: []model.CanonicalParticipant{
			{Role: model.RoleFrom, Address: model.Address{Name: ptr("Alice"), Email: "alice@example.com"}},
			{Role: model.RoleTo, Address: model.Address{Email: "bob@example.com"}},
		},
		Attachments: []model.CanonicalAttachment{
			{ProviderAttachmentID: "att-1", Filename: "a.pdf", MimeType: "application/pdf", Size: 3, Data: []byte("pdf")},
		},
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailsync.db")

	s, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = store.NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	v, err := s.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestUpsertConnectionKeepsIDAndCursor(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	conn := testutil.NewConnection(t, s, model.ProviderGmail, "me@example.com")
	require.NoError(t, s.SaveSyncState(ctx, conn.ID, model.GmailCursor{HistoryID: "42", InitialSyncCompleted: true}, time.Now()))

	again := &model.Connection{
		UserID:            "user-1",
		Provider:          model.ProviderGmail,
		ProviderAccountID: "me@example.com",
		Status:            model.StatusPending,
		AccessToken:       "new-access",
	}
	require.NoError(t, s.UpsertConnection(ctx, again))
	assert.Equal(t, conn.ID, again.ID)

	got, err := s.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-access", got.AccessToken)
	assert.Equal(t, "refresh", got.RefreshToken, "empty refresh token must not clobber the stored one")
	assert.Equal(t, model.GmailCursor{HistoryID: "42", InitialSyncCompleted: true}, got.GmailCursor())

	all, err := s.ListConnections(ctx, store.ConnectionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSaveSyncStatePromotesPendingOnly(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	conn := &model.Connection{UserID: "u", Provider: model.ProviderJMAP, ProviderAccountID: "acc"}
	require.NoError(t, s.UpsertConnection(ctx, conn))

	require.NoError(t, s.SaveSyncState(ctx, conn.ID, model.JMAPCursor{QueryState: "q1"}, time.Now()))
	got, err := s.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConnected, got.Status)
	assert.Equal(t, "q1", got.JMAPCursor().QueryState)
	require.NotNil(t, got.LastSyncedAt)

	require.NoError(t, s.UpdateConnectionStatus(ctx, conn.ID, model.StatusError, model.ConnectionMetadata{LastError: "boom"}))
	require.NoError(t, s.SaveSyncState(ctx, conn.ID, model.JMAPCursor{QueryState: "q2"}, time.Now()))
	got, err = s.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, got.Status)
	assert.Equal(t, "boom", got.Metadata.LastError)
}

func TestListConnectionsFilters(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	testutil.NewConnection(t, s, model.ProviderGmail, "Me@Example.com")
	testutil.NewConnection(t, s, model.ProviderJMAP, "acc-1")

	got, err := s.ListConnections(ctx, store.ConnectionFilter{
		Provider:          ptr(model.ProviderGmail),
		ProviderAccountID: ptr("me@example.com"),
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Me@Example.com", got[0].ProviderAccountID)

	got, err = s.ListConnections(ctx, store.ConnectionFilter{Status: ptr(model.StatusRevoked)})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRevokeConnection(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	conn := testutil.NewConnection(t, s, model.ProviderGmail, "me@example.com")
	require.NoError(t, s.RevokeConnection(ctx, conn.ID))

	got, err := s.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRevoked, got.Status)
	assert.Empty(t, got.AccessToken)
	assert.Empty(t, got.RefreshToken)
	assert.Nil(t, got.TokenExpiry)

	err = s.RevokeConnection(ctx, "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestGetConnectionNotFound(t *testing.T) {
	_, err := testutil.NewTestStore(t).GetConnection(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestOAuthStateConsume(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.CreateOAuthState(ctx, model.OAuthState{
		State:       "fresh",
		UserID:      "u",
		Provider:    model.ProviderGmail,
		RedirectTo:  "/done",
		SyncStartAt: ptr(now.Add(-24 * time.Hour)),
		CreatedAt:   now,
		ExpiresAt:   now.Add(model.OAuthStateTTL),
	}))
	require.NoError(t, s.CreateOAuthState(ctx, model.OAuthState{
		State:     "stale",
		UserID:    "u",
		Provider:  model.ProviderGmail,
		CreatedAt: now.Add(-time.Hour),
		ExpiresAt: now.Add(-time.Minute),
	}))

	st, err := s.ConsumeOAuthState(ctx, "fresh", now)
	require.NoError(t, err)
	assert.Equal(t, "/done", st.RedirectTo)
	require.NotNil(t, st.SyncStartAt)
	require.NotNil(t, st.ConsumedAt)

	_, err = s.ConsumeOAuthState(ctx, "fresh", now)
	assert.ErrorIs(t, err, model.ErrOAuthStateNotFound)

	_, err = s.ConsumeOAuthState(ctx, "stale", now)
	assert.ErrorIs(t, err, model.ErrOAuthStateExpired)

	_, err = s.ConsumeOAuthState(ctx, "unknown", now)
	assert.ErrorIs(t, err, model.ErrOAuthStateNotFound)

	n, err := s.DeleteExpiredOAuthStates(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestReconcileMessageIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	conn := testutil.NewConnection(t, s, model.ProviderGmail, "me@example.com")
	received := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	first, err := s.ReconcileMessage(ctx, conn.ID, canonical("m1", "t1", true, received))
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.True(t, first.BecameUnread)
	require.Len(t, first.AttachmentIDs, 1)

	second, err := s.ReconcileMessage(ctx, conn.ID, canonical("m1", "t1", true, received))
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.False(t, second.BecameUnread)
	assert.Equal(t, first.MessageID, second.MessageID)
	assert.Equal(t, first.AttachmentIDs, second.AttachmentIDs)

	n, err := s.CountMessages(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	parts, err := s.ListParticipants(ctx, first.MessageID)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, model.RoleFrom, parts[0].Role)
	require.NotNil(t, parts[0].Name)
	assert.Equal(t, "Alice", *parts[0].Name)
	assert.Nil(t, parts[1].Name)

	labels, err := s.ListMessageLabels(ctx, first.MessageID)
	require.NoError(t, err)
	assert.Equal(t, []string{"INBOX", "UNREAD"}, labels)

	atts, err := s.ListAttachments(ctx, first.MessageID)
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, []byte("pdf"), atts[0].Content)

	thread, err := s.GetThread(ctx, first.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, 1, thread.MessageCount)
	assert.Equal(t, 1, thread.UnreadCount)
}

func TestReconcileMessageKeepsAttachmentContent(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	conn := testutil.NewConnection(t, s, model.ProviderGmail, "me@example.com")
	received := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	first, err := s.ReconcileMessage(ctx, conn.ID, canonical("m1", "t1", true, received))
	require.NoError(t, err)

	// A later copy whose download failed carries no content.
	again := canonical("m1", "t1", true, received)
	again.Attachments[0].Data = nil
	again.Attachments = append(again.Attachments, model.CanonicalAttachment{
		ProviderAttachmentID: "att-2", Filename: "b.txt", MimeType: "text/plain", Size: 1,
	})
	second, err := s.ReconcileMessage(ctx, conn.ID, again)
	require.NoError(t, err)
	assert.Equal(t, first.AttachmentIDs[0], second.AttachmentIDs[0])

	atts, err := s.ListAttachments(ctx, first.MessageID)
	require.NoError(t, err)
	require.Len(t, atts, 2)
	assert.Equal(t, []byte("pdf"), atts[0].Content)
	assert.Nil(t, atts[1].Content)

	// Fresh content replaces what was stored.
	fresh := canonical("m1", "t1", true, received)
	fresh.Attachments[0].Data = []byte("pdf v2")
	_, err = s.ReconcileMessage(ctx, conn.ID, fresh)
	require.NoError(t, err)

	atts, err = s.ListAttachments(ctx, first.MessageID)
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, []byte("pdf v2"), atts[0].Content)
}

func TestReconcileMessageThreadCounters(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	conn := testutil.NewConnection(t, s, model.ProviderGmail, "me@example.com")
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	_, err := s.ReconcileMessage(ctx, conn.ID, canonical("m1", "t1", true, base))
	require.NoError(t, err)
	_, err = s.ReconcileMessage(ctx, conn.ID, canonical("m2", "t1", false, base.Add(time.Hour)))
	require.NoError(t, err)
	res, err := s.ReconcileMessage(ctx, conn.ID, canonical("m3", "t1", true, base.Add(-time.Hour)))
	require.NoError(t, err)

	thread, err := s.GetThread(ctx, res.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, 3, thread.MessageCount)
	assert.Equal(t, 2, thread.UnreadCount)
	assert.Equal(t, "Subject m2", thread.Subject)
	require.NotNil(t, thread.LastMessageAt)
	assert.True(t, thread.LastMessageAt.Equal(base.Add(time.Hour)))

	found, err := s.MarkMessageRead(ctx, conn.ID, "m1")
	require.NoError(t, err)
	assert.True(t, found)

	thread, err = s.GetThread(ctx, res.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, 3, thread.MessageCount)
	assert.Equal(t, 1, thread.UnreadCount)

	msg, err := s.GetMessageByProviderID(ctx, conn.ID, "m1")
	require.NoError(t, err)
	assert.False(t, msg.IsUnread)
	require.NotNil(t, msg.TextBody, "marking read must keep content")
	assert.Equal(t, "body m1", *msg.TextBody)

	found, err = s.MarkMessageRead(ctx, conn.ID, "unknown")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReconcileMessageBecameUnreadAfterRead(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	conn := testutil.NewConnection(t, s, model.ProviderGmail, "me@example.com")
	now := time.Now()

	_, err := s.ReconcileMessage(ctx, conn.ID, canonical("m1", "t1", false, now))
	require.NoError(t, err)

	res, err := s.ReconcileMessage(ctx, conn.ID, canonical("m1", "t1", true, now))
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.True(t, res.BecameUnread)
}

func TestReconcileMessageMovesThread(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	conn := testutil.NewConnection(t, s, model.ProviderJMAP, "acc")
	now := time.Now()

	old, err := s.ReconcileMessage(ctx, conn.ID, canonical("m1", "t1", true, now))
	require.NoError(t, err)
	moved, err := s.ReconcileMessage(ctx, conn.ID, canonical("m1", "t2", true, now))
	require.NoError(t, err)
	require.NotEqual(t, old.ThreadID, moved.ThreadID)

	oldThread, err := s.GetThread(ctx, old.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, 0, oldThread.MessageCount)
	assert.Equal(t, 0, oldThread.UnreadCount)
}

func TestWithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	conn := testutil.NewConnection(t, s, model.ProviderGmail, "me@example.com")

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		if _, err := tx.ReconcileMessage(ctx, conn.ID, canonical("m1", "t1", true, time.Now())); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	n, err := s.CountMessages(ctx, conn.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUpsertLabels(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	conn := testutil.NewConnection(t, s, model.ProviderGmail, "me@example.com")

	require.NoError(t, s.UpsertLabels(ctx, conn.ID, []model.Label{
		{ProviderLabelID: "INBOX", Name: "INBOX", Type: "system"},
		{ProviderLabelID: "Label_1", Name: "Work", Type: "user"},
	}))
	require.NoError(t, s.UpsertLabels(ctx, conn.ID, []model.Label{
		{ProviderLabelID: "Label_1", Name: "Clients", Type: "user"},
	}))

	labels, err := s.ListLabels(ctx, conn.ID)
	require.NoError(t, err)
	require.Len(t, labels, 2)
	assert.Equal(t, "Clients", labels[0].Name)
	assert.Equal(t, conn.ID, labels[0].ConnectionID)
	assert.Equal(t, "INBOX", labels[1].ProviderLabelID)
}

func TestUpsertContactsKeepsEarliestMeeting(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(48 * time.Hour)

	require.NoError(t, s.UpsertContacts(ctx, "u", []model.Contact{
		{Email: "Alice@Example.com", Name: ptr("Alice"), FirstMetAt: late},
	}))
	require.NoError(t, s.UpsertContacts(ctx, "u", []model.Contact{
		{Email: "alice@example.com", FirstMetAt: early},
		{Email: " ", FirstMetAt: early},
	}))

	contacts, err := s.ListContacts(ctx, "u")
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, "alice@example.com", contacts[0].Email)
	require.NotNil(t, contacts[0].Name)
	assert.Equal(t, "Alice", *contacts[0].Name)
	assert.True(t, contacts[0].FirstMetAt.Equal(early))
}

func TestAnalysisJobOutbox(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.InsertAnalysisJob(ctx, model.AnalysisJob{
		Type: model.AnalysisThread, UserID: "u", ThreadID: "t1", CreatedAt: base.Add(time.Second),
	}))
	require.NoError(t, s.InsertAnalysisJob(ctx, model.AnalysisJob{
		Type: model.AnalysisEmail, UserID: "u", MessageID: "m1", CreatedAt: base,
	}))

	jobs, err := s.ListPendingAnalysisJobs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, model.AnalysisEmail, jobs[0].Type)
	assert.Equal(t, "m1", jobs[0].MessageID)
	assert.NotEmpty(t, jobs[0].ID)

	require.NoError(t, s.MarkAnalysisJobProcessed(ctx, jobs[0].ID, time.Now()))

	jobs, err = s.ListPendingAnalysisJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, model.AnalysisThread, jobs[0].Type)
}

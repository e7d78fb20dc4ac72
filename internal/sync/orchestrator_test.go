package sync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

func TestOrchestrator_SkipsInactiveConnection(t *testing.T) {
	ctx := context.Background()

	api := newFakeGmail()
	h := newHarness(t, fullCreds(), NewGmailStrategy(api, 0))
	conn := gmailConn(t, h.store, model.GmailCursor{}, nil)
	require.NoError(t, h.store.RevokeConnection(ctx, conn.ID))

	res, err := h.orch.SyncConnection(ctx, conn.ID, "")
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, api.listCalls)
}

func TestOrchestrator_RejectsProviderMismatch(t *testing.T) {
	h := newHarness(t, fullCreds(), NewGmailStrategy(newFakeGmail(), 0), NewJMAPStrategy(newFakeJMAP()))
	conn := gmailConn(t, h.store, model.GmailCursor{}, nil)

	_, err := h.orch.SyncJMAPConnection(context.Background(), conn.ID)
	assert.Error(t, err)
}

func TestOrchestrator_UnknownConnection(t *testing.T) {
	h := newHarness(t, fullCreds())

	_, err := h.orch.SyncConnection(context.Background(), "missing", "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestOrchestrator_RequiresStrategy(t *testing.T) {
	h := newHarness(t, fullCreds())
	conn := jmapConn(t, h.store, model.JMAPCursor{})

	_, err := h.orch.SyncConnection(context.Background(), conn.ID, "")
	assert.ErrorContains(t, err, "no sync strategy")
}

func TestOrchestrator_PendingConnectionBecomesConnected(t *testing.T) {
	ctx := context.Background()

	h := newHarness(t, fullCreds(), NewJMAPStrategy(newFakeJMAP()))
	conn := &model.Connection{
		UserID:            "user-1",
		Provider:          model.ProviderJMAP,
		ProviderAccountID: "acc-1",
		Status:            model.StatusPending,
		AccessToken:       "key",
	}
	require.NoError(t, h.store.UpsertConnection(ctx, conn))

	require.NoError(t, h.orch.RunSync(ctx, model.SyncJob{ConnectionID: conn.ID, Reason: model.SyncReasonConnect}))

	stored, err := h.store.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConnected, stored.Status)
	assert.Equal(t, "qs-fresh", stored.JMAPCursor().QueryState)
}

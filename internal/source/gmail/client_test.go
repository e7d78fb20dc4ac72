package gmail

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/source"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return NewClient(WithEndpoint(srv.URL), WithTokenInfoURL(srv.URL+"/tokeninfo"))
}

func TestClient_GetProfile(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.Equal(t, "/gmail/v1/users/me/profile", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"emailAddress":"ada@example.com","historyId":"4242"}`))
	})

	profile, err := client.GetProfile(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", profile.EmailAddress)
	assert.Equal(t, uint64(4242), profile.HistoryId)
}

func TestClient_ListMessages_Query(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "is:unread after:100", q.Get("q"))
		assert.Equal(t, []string{"INBOX"}, q["labelIds"])
		assert.Equal(t, "p2", q.Get("pageToken"))
		assert.Equal(t, "100", q.Get("maxResults"))
		_, _ = w.Write([]byte(`{"messages":[{"id":"m1","threadId":"t1"}],"nextPageToken":"p3"}`))
	})

	resp, err := client.ListMessages(context.Background(), "tok", ListMessagesOptions{
		Query:      "is:unread after:100",
		LabelIDs:   []string{LabelInbox},
		PageToken:  "p2",
		MaxResults: 100,
	})
	require.NoError(t, err)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "m1", resp.Messages[0].Id)
	assert.Equal(t, "p3", resp.NextPageToken)
}

func TestClient_ListHistory(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gmail/v1/users/me/history", r.URL.Path)
		assert.Equal(t, "10", r.URL.Query().Get("startHistoryId"))
		_, _ = w.Write([]byte(`{
			"historyId": "12",
			"history": [{
				"id": "11",
				"labelsRemoved": [{"message": {"id": "m1"}, "labelIds": ["UNREAD"]}]
			}]
		}`))
	})

	resp, err := client.ListHistory(context.Background(), "tok", 10, "")
	require.NoError(t, err)
	assert.Equal(t, uint64(12), resp.HistoryId)
	require.Len(t, resp.History, 1)
	require.Len(t, resp.History[0].LabelsRemoved, 1)
	assert.Equal(t, []string{LabelUnread}, resp.History[0].LabelsRemoved[0].LabelIds)
}

func TestClient_ErrorMapping(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"code":401,"message":"Invalid Credentials"}}`))
	})

	_, err := client.ListLabels(context.Background(), "stale")
	require.Error(t, err)

	apiErr, ok := source.AsProviderAPIError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.True(t, source.IsTokenExpired(err))
}

func TestClient_NotFoundIsNotTokenExpiry(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.ListHistory(context.Background(), "tok", 1, "")
	require.Error(t, err)
	assert.True(t, source.IsProviderAPIError(err))
	assert.False(t, source.IsTokenExpired(err))
}

func TestClient_TokenInfo(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tokeninfo", r.URL.Path)
		assert.Equal(t, "tok", r.URL.Query().Get("access_token"))
		_, _ = w.Write([]byte(`{"scope":"openid https://www.googleapis.com/auth/gmail.readonly","email":"ada@example.com"}`))
	})

	info, err := client.TokenInfo(context.Background(), "tok")
	require.NoError(t, err)
	assert.Contains(t, info.Scope, ReadonlyScope)
	assert.Equal(t, "ada@example.com", info.Email)
}

func TestClient_TokenInfoRejected(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_token"}`))
	})

	_, err := client.TokenInfo(context.Background(), "tok")
	apiErr, ok := source.AsProviderAPIError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Contains(t, apiErr.Body, "invalid_token")
}

package jmap

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/source"
)

// fakeServer serves a session at /session and dispatches API calls at
// /api to handle, keyed by method name.
func fakeServer(t *testing.T, handle func(name string, args map[string]any) (string, any)) (*Client, *httptest.Server) {
	t.Helper()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(Session{
			APIURL:          srv.URL + "/api",
			DownloadURL:     srv.URL + "/download/{accountId}/{blobId}/{name}?type={type}",
			Accounts:        map[string]Account{"u2": {Name: "b"}, "u1": {Name: "a"}},
			PrimaryAccounts: map[string]string{CapabilityMail: "u1"},
		})
	})
	mux.HandleFunc("/api", func(w http.ResponseWriter, r *http.Request) {
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{CapabilityCore, CapabilityMail}, req.Using)

		var resp Response
		for _, call := range req.MethodCalls {
			var args map[string]any
			require.NoError(t, json.Unmarshal(call.Args, &args))
			name, out := handle(call.Name, args)
			data, err := json.Marshal(out)
			require.NoError(t, err)
			if name == "" {
				continue
			}
			resp.MethodResponses = append(resp.MethodResponses, Invocation{Name: name, Args: data, CallID: call.CallID})
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/download/u1/blob-1/report.pdf", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/pdf", r.URL.Query().Get("type"))
		_, _ = io.WriteString(w, "%PDF")
	})

	return NewClient(srv.URL+"/session", 0), srv
}

func TestClient_FetchSession(t *testing.T) {
	client, srv := fakeServer(t, nil)

	sess, err := client.FetchSession(context.Background(), "key")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/api", sess.APIURL)
	assert.Equal(t, "u1", sess.MailAccountID())

	_, err = client.FetchSession(context.Background(), "wrong")
	assert.True(t, source.IsTokenExpired(err))
}

func TestSession_MailAccountIDFallsBackToFirstAccount(t *testing.T) {
	sess := Session{Accounts: map[string]Account{"b": {}, "a": {}}}
	assert.Equal(t, "a", sess.MailAccountID())
}

func TestFindInbox(t *testing.T) {
	inbox := RoleInbox

	mb, ok := FindInbox([]Mailbox{{ID: "1", Name: "Archive"}, {ID: "2", Name: "Whatever", Role: &inbox}})
	require.True(t, ok)
	assert.Equal(t, "2", mb.ID)

	mb, ok = FindInbox([]Mailbox{{ID: "1", Name: "Archive"}, {ID: "3", Name: "INBOX"}})
	require.True(t, ok)
	assert.Equal(t, "3", mb.ID)

	_, ok = FindInbox([]Mailbox{{ID: "1", Name: "Archive"}})
	assert.False(t, ok)
}

func TestClient_QueryEmailsPages(t *testing.T) {
	calls := 0
	client, _ := fakeServer(t, func(name string, args map[string]any) (string, any) {
		require.Equal(t, "Email/query", name)
		filter := args["filter"].(map[string]any)
		assert.Equal(t, "inbox-1", filter["inMailbox"])
		assert.Equal(t, KeywordSeen, filter["notKeyword"])

		calls++
		if args["position"].(float64) == 0 {
			return name, map[string]any{"queryState": "qs-1", "ids": []string{"e1", "e2"}, "total": 3}
		}
		return name, map[string]any{"queryState": "qs-2", "ids": []string{"e3"}, "total": 3}
	})

	sess, err := client.FetchSession(context.Background(), "key")
	require.NoError(t, err)

	res, err := client.QueryEmails(context.Background(), sess.Target("key", "u1"), "inbox-1", FilterUnread)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2", "e3"}, res.IDs)
	assert.Equal(t, "qs-1", res.QueryState)
	assert.Equal(t, 2, calls)
}

func TestClient_QueryEmailChangesMethodErrorIsCursorInvalid(t *testing.T) {
	client, _ := fakeServer(t, func(name string, args map[string]any) (string, any) {
		return "error", map[string]any{"type": "cannotCalculateChanges"}
	})

	sess, err := client.FetchSession(context.Background(), "key")
	require.NoError(t, err)

	_, err = client.QueryEmailChanges(context.Background(), sess.Target("key", "u1"), "inbox", FilterUnread, "stale")
	require.Error(t, err)
	assert.True(t, source.IsCursorInvalidError(err))
}

func TestClient_MissingResponseIsProtocolError(t *testing.T) {
	client, _ := fakeServer(t, func(name string, args map[string]any) (string, any) {
		return "", nil
	})

	sess, err := client.FetchSession(context.Background(), "key")
	require.NoError(t, err)

	_, err = client.ListMailboxes(context.Background(), sess.Target("key", "u1"))
	require.Error(t, err)
	assert.True(t, source.IsProtocolError(err))
}

func TestClient_GetEmails(t *testing.T) {
	client, _ := fakeServer(t, func(name string, args map[string]any) (string, any) {
		require.Equal(t, "Email/get", name)
		assert.Equal(t, true, args["fetchTextBodyValues"])
		return name, map[string]any{
			"list": []map[string]any{{
				"id":         "e1",
				"threadId":   "t1",
				"keywords":   map[string]bool{"$seen": true},
				"receivedAt": "2024-05-01T10:00:00Z",
				"from":       []map[string]any{{"name": "Ada", "email": "ada@example.com"}},
			}},
			"notFound": []string{"e2"},
		}
	})

	sess, err := client.FetchSession(context.Background(), "key")
	require.NoError(t, err)

	emails, err := client.GetEmails(context.Background(), sess.Target("key", "u1"), []string{"e1", "e2"})
	require.NoError(t, err)
	require.Len(t, emails, 1)
	assert.Equal(t, "t1", emails[0].ThreadID)
	assert.True(t, emails[0].Seen())
	require.Len(t, emails[0].From, 1)
	assert.Equal(t, "ada@example.com", emails[0].From[0].Email)
}

func TestClient_DownloadBlob(t *testing.T) {
	client, _ := fakeServer(t, nil)

	sess, err := client.FetchSession(context.Background(), "key")
	require.NoError(t, err)

	data, err := client.DownloadBlob(context.Background(), sess.Target("key", "u1"), "blob-1", "report.pdf", "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(data))
}

package sync

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/contacts"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
	"github.com/nhle/mailsync/internal/source/gmail"
	"github.com/nhle/mailsync/internal/source/jmap"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/testutil"
)

// fakeCreds hands out a fixed token and a fixed scope verdict.
type fakeCreds struct {
	token      string
	refreshed  string
	refreshErr error
	refreshes  int
	fullScope  bool
	scopeErr   error
}

func (f *fakeCreds) GetValidAccessToken(context.Context, *model.Connection) (string, error) {
	return f.token, nil
}

func (f *fakeCreds) Refresh(context.Context, *model.Connection) (string, error) {
	f.refreshes++
	if f.refreshErr != nil {
		return "", f.refreshErr
	}
	return f.refreshed, nil
}

func (f *fakeCreds) EnsureRequiredScope(context.Context, *model.Connection, string) (bool, error) {
	if f.scopeErr != nil {
		return false, f.scopeErr
	}
	return f.fullScope, nil
}

// recordingAnalysis collects enqueued analysis jobs.
type recordingAnalysis struct {
	mu   gosync.Mutex
	jobs []model.AnalysisJob
}

func (r *recordingAnalysis) EnqueueAnalysis(_ context.Context, job model.AnalysisJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return nil
}

func (r *recordingAnalysis) count(typ model.AnalysisType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, j := range r.jobs {
		if j.Type == typ {
			n++
		}
	}
	return n
}

type harness struct {
	orch     *Orchestrator
	store    *store.SQLiteStore
	analysis *recordingAnalysis
}

func newHarness(t *testing.T, creds Credentials, strategies ...ProviderSyncStrategy) *harness {
	t.Helper()

	st := testutil.NewTestStore(t)
	analysis := &recordingAnalysis{}
	opts := []Option{WithWorkers(3)}
	for _, s := range strategies {
		opts = append(opts, WithStrategy(s))
	}
	return &harness{
		orch:     NewOrchestrator(st, creds, analysis, contacts.NewService(st), opts...),
		store:    st,
		analysis: analysis,
	}
}

func b64url(s string) string { return base64.URLEncoding.EncodeToString([]byte(s)) }

// fakeGmail serves an in-memory mailbox.
type fakeGmail struct {
	mu gosync.Mutex

	historyID uint64
	labels    []*gmail.Label
	messages  map[string]*gmail.Message

	// listPages is consulted by page token; "" is the first page.
	listPages map[string]*gmail.ListMessagesResponse
	listCalls []gmail.ListMessagesOptions

	historyPages  map[string]*gmail.ListHistoryResponse
	historyErr    error
	historyCalls  int
	historyStarts []uint64
	historyTokens []string

	getFormats    []string
	rejectOnce    map[string]bool
	attachmentErr error

	// onGet runs before a message is served.
	onGet func(id string)
}

func newFakeGmail() *fakeGmail {
	return &fakeGmail{
		historyID:    100,
		labels:       []*gmail.Label{{Id: "INBOX", Name: "INBOX", Type: "system"}},
		messages:     map[string]*gmail.Message{},
		listPages:    map[string]*gmail.ListMessagesResponse{},
		historyPages: map[string]*gmail.ListHistoryResponse{},
		rejectOnce:   map[string]bool{},
	}
}

func (f *fakeGmail) addMessage(id string, unread bool, received time.Time) {
	labels := []string{"INBOX"}
	if unread {
		labels = append(labels, "UNREAD")
	}
	f.messages[id] = &gmail.Message{
		Id:           id,
		ThreadId:     "t-" + id,
		LabelIds:     labels,
		Snippet:      "snippet " + id,
		InternalDate: received.UnixMilli(),
		Payload: &gmail.MessagePart{
			MimeType: "multipart/mixed",
			Headers: []*gmail.MessagePartHeader{
				{Name: "Subject", Value: "Subject " + id},
				{Name: "From", Value: "Alice <alice@example.com>"},
			},
			Parts: []*gmail.MessagePart{
				{PartId: "0", MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: b64url("text " + id)}},
				{PartId: "1", MimeType: "text/html", Body: &gmail.MessagePartBody{Data: b64url("<p>" + id + "</p>")}},
				{
					PartId:   "2",
					MimeType: "application/pdf",
					Filename: "doc.pdf",
					Body:     &gmail.MessagePartBody{AttachmentId: "att-" + id, Size: 4},
				},
			},
		},
	}
}

func (f *fakeGmail) check(token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectOnce[token] {
		delete(f.rejectOnce, token)
		return &source.ProviderAPIError{Provider: model.ProviderGmail, Status: http.StatusUnauthorized}
	}
	return nil
}

func (f *fakeGmail) GetProfile(_ context.Context, token string) (*gmail.Profile, error) {
	if err := f.check(token); err != nil {
		return nil, err
	}
	return &gmail.Profile{EmailAddress: "me@example.com", HistoryId: f.historyID}, nil
}

func (f *fakeGmail) ListLabels(_ context.Context, token string) ([]*gmail.Label, error) {
	if err := f.check(token); err != nil {
		return nil, err
	}
	return f.labels, nil
}

func (f *fakeGmail) ListMessages(_ context.Context, token string, opts gmail.ListMessagesOptions) (*gmail.ListMessagesResponse, error) {
	if err := f.check(token); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls = append(f.listCalls, opts)
	page, ok := f.listPages[opts.PageToken]
	if !ok {
		return nil, &source.ProviderAPIError{Provider: model.ProviderGmail, Status: http.StatusBadRequest, Body: "bad page token"}
	}
	return page, nil
}

func (f *fakeGmail) GetMessage(ctx context.Context, token string, id string, format string) (*gmail.Message, error) {
	if err := f.check(token); err != nil {
		return nil, err
	}
	if f.onGet != nil {
		f.onGet(id)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getFormats = append(f.getFormats, format)
	msg, ok := f.messages[id]
	if !ok {
		return nil, &source.ProviderAPIError{Provider: model.ProviderGmail, Status: http.StatusNotFound}
	}
	if format == gmail.FormatMetadata {
		meta := *msg
		payload := *msg.Payload
		payload.Parts = nil
		meta.Payload = &payload
		return &meta, nil
	}
	return msg, nil
}

func (f *fakeGmail) GetAttachment(_ context.Context, token string, messageID, attachmentID string) (*gmail.MessagePartBody, error) {
	if err := f.check(token); err != nil {
		return nil, err
	}
	if f.attachmentErr != nil {
		return nil, f.attachmentErr
	}
	return &gmail.MessagePartBody{Data: b64url("%PDF"), Size: 4}, nil
}

func (f *fakeGmail) ListHistory(_ context.Context, token string, start uint64, pageToken string) (*gmail.ListHistoryResponse, error) {
	if err := f.check(token); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyCalls++
	f.historyStarts = append(f.historyStarts, start)
	f.historyTokens = append(f.historyTokens, pageToken)
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	page, ok := f.historyPages[pageToken]
	if !ok {
		return &gmail.ListHistoryResponse{HistoryId: start}, nil
	}
	return page, nil
}

// pagedListing splits ids over pages of size n chained by page tokens.
func pagedListing(ids []string, n int) map[string]*gmail.ListMessagesResponse {
	pages := map[string]*gmail.ListMessagesResponse{}
	token := ""
	for i := 0; i < len(ids) || i == 0; i += n {
		end := min(i+n, len(ids))
		resp := &gmail.ListMessagesResponse{}
		for _, id := range ids[i:end] {
			resp.Messages = append(resp.Messages, &gmail.Message{Id: id})
		}
		if end < len(ids) {
			resp.NextPageToken = fmt.Sprintf("page-%d", end)
		}
		pages[token] = resp
		token = resp.NextPageToken
	}
	return pages
}

// fakeJMAP serves an in-memory JMAP account.
type fakeJMAP struct {
	mu     gosync.Mutex
	emails map[string]jmap.Email

	// rejectOnce holds API keys answered once with 401 by GetEmails.
	rejectOnce map[string]bool
	keysSeen   []string

	unreadIDs   []string
	seenIDs     []string
	unreadState string

	changes      *jmap.QueryChangesResult
	changesErr   error
	changesCalls []string
	queryCalls   []jmap.KeywordFilter
	downloads    atomic.Int32
}

func newFakeJMAP() *fakeJMAP {
	return &fakeJMAP{emails: map[string]jmap.Email{}, rejectOnce: map[string]bool{}, unreadState: "qs-fresh"}
}

func (f *fakeJMAP) addEmail(id string, seen bool, received time.Time) {
	keywords := map[string]bool{}
	if seen {
		keywords[jmap.KeywordSeen] = true
		f.seenIDs = append(f.seenIDs, id)
	} else {
		f.unreadIDs = append(f.unreadIDs, id)
	}
	subject := "Subject " + id
	blob := "blob-" + id
	name := "doc.pdf"
	f.emails[id] = jmap.Email{
		ID:         id,
		ThreadID:   "t-" + id,
		MailboxIDs: map[string]bool{"inbox": true},
		Keywords:   keywords,
		ReceivedAt: received,
		Subject:    &subject,
		Preview:    "preview " + id,
		From:       []jmap.EmailAddress{{Email: "carol@example.com"}},
		Attachments: []jmap.BodyPart{
			{BlobID: &blob, Name: &name, Type: "application/pdf", Size: 3},
		},
	}
}

func (f *fakeJMAP) FetchSession(_ context.Context, apiKey string) (*jmap.Session, error) {
	if apiKey == "wrong" {
		return nil, &source.ProviderAPIError{Provider: model.ProviderJMAP, Status: http.StatusUnauthorized}
	}
	return &jmap.Session{
		APIURL:          "https://jmap.test/api",
		DownloadURL:     "https://jmap.test/download/{accountId}/{blobId}/{name}?type={type}",
		Accounts:        map[string]jmap.Account{"acc-1": {Name: "me"}},
		PrimaryAccounts: map[string]string{jmap.CapabilityMail: "acc-1"},
	}, nil
}

func (f *fakeJMAP) ListMailboxes(context.Context, jmap.Target) ([]jmap.Mailbox, error) {
	role := jmap.RoleInbox
	return []jmap.Mailbox{{ID: "inbox", Name: "Inbox", Role: &role}, {ID: "archive", Name: "Archive"}}, nil
}

func (f *fakeJMAP) QueryEmails(_ context.Context, _ jmap.Target, _ string, filter jmap.KeywordFilter) (*jmap.QueryResult, error) {
	f.queryCalls = append(f.queryCalls, filter)
	if filter == jmap.FilterSeen {
		return &jmap.QueryResult{IDs: f.seenIDs, QueryState: "qs-seen"}, nil
	}
	return &jmap.QueryResult{IDs: f.unreadIDs, QueryState: f.unreadState}, nil
}

func (f *fakeJMAP) QueryEmailChanges(
	_ context.Context,
	_ jmap.Target,
	_ string,
	_ jmap.KeywordFilter,
	since string,
) (*jmap.QueryChangesResult, error) {
	f.changesCalls = append(f.changesCalls, since)
	if f.changesErr != nil {
		return nil, f.changesErr
	}
	return f.changes, nil
}

func (f *fakeJMAP) GetEmails(_ context.Context, t jmap.Target, ids []string) ([]jmap.Email, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keysSeen = append(f.keysSeen, t.APIKey)
	if f.rejectOnce[t.APIKey] {
		delete(f.rejectOnce, t.APIKey)
		return nil, &source.ProviderAPIError{Provider: model.ProviderJMAP, Status: http.StatusUnauthorized}
	}
	out := make([]jmap.Email, 0, len(ids))
	for _, id := range ids {
		if e, ok := f.emails[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeJMAP) DownloadBlob(context.Context, jmap.Target, string, string, string) ([]byte, error) {
	f.downloads.Add(1)
	return []byte("pdf"), nil
}

func gmailConn(t *testing.T, st *store.SQLiteStore, cursor model.GmailCursor, syncStart *time.Time) *model.Connection {
	t.Helper()

	expiry := time.Now().Add(time.Hour)
	conn := &model.Connection{
		UserID:            "user-1",
		Provider:          model.ProviderGmail,
		ProviderAccountID: "me@example.com",
		Status:            model.StatusConnected,
		AccessToken:       "tok",
		RefreshToken:      "rt",
		TokenExpiry:       &expiry,
		SyncState:         cursor,
		SyncStartAt:       syncStart,
	}
	require.NoError(t, st.UpsertConnection(context.Background(), conn))
	return conn
}

func jmapConn(t *testing.T, st *store.SQLiteStore, cursor model.JMAPCursor) *model.Connection {
	t.Helper()

	conn := &model.Connection{
		UserID:            "user-1",
		Provider:          model.ProviderJMAP,
		ProviderAccountID: "acc-1",
		Status:            model.StatusConnected,
		AccessToken:       "key",
		SyncState:         cursor,
	}
	require.NoError(t, st.UpsertConnection(context.Background(), conn))
	return conn
}

// Package jmap is a JMAP (RFC 8620/8621) client that batches method calls
// into a single POST and demultiplexes the responses.
package jmap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
)

const (
	// DefaultSessionURL is the Fastmail session endpoint.
	DefaultSessionURL = "https://api.fastmail.com/jmap/session"

	queryPageSize = 256
	getBatchSize  = 100
)

// Client is a thin HTTP client for a JMAP server.
type Client struct {
	sessionURL string
	httpClient *http.Client
}

// NewClient creates a JMAP client. sessionURL defaults to Fastmail.
func NewClient(sessionURL string, timeout time.Duration) *Client {
	if sessionURL == "" {
		sessionURL = DefaultSessionURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		sessionURL: sessionURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Target addresses method calls at one account of one session.
type Target struct {
	APIURL      string
	DownloadURL string
	APIKey      string
	AccountID   string
}

// Target binds the session endpoints to an API key and account.
func (s *Session) Target(apiKey, accountID string) Target {
	return Target{
		APIURL:      s.APIURL,
		DownloadURL: s.DownloadURL,
		APIKey:      apiKey,
		AccountID:   accountID,
	}
}

// MailAccountID returns the primary mail account, falling back to the
// lexically first account when the session names no primary one.
func (s *Session) MailAccountID() string {
	if id := s.PrimaryAccounts[CapabilityMail]; id != "" {
		return id
	}
	ids := make([]string, 0, len(s.Accounts))
	for id := range s.Accounts {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return ""
	}
	sort.Strings(ids)
	return ids[0]
}

// FetchSession retrieves the session resource for apiKey.
func (c *Client) FetchSession(ctx context.Context, apiKey string) (*Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.sessionURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating session request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Accept", "application/json")

	body, err := c.send(req)
	if err != nil {
		return nil, fmt.Errorf("fetching session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(body, &sess); err != nil {
		return nil, protocolErr("decoding session: %v", err)
	}
	if sess.APIURL == "" {
		return nil, protocolErr("session has no apiUrl")
	}
	return &sess, nil
}

// methodCall is a pending invocation built by the typed helpers.
type methodCall struct {
	name   string
	callID string
	args   any
}

// call sends the calls in one request and returns the responses keyed by
// call id.
func (c *Client) call(
	ctx context.Context,
	t Target,
	calls ...methodCall,
) (map[string]Invocation, error) {
	reqBody := Request{Using: []string{CapabilityCore, CapabilityMail}}
	for _, mc := range calls {
		args, err := json.Marshal(mc.args)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s arguments: %w", mc.name, err)
		}
		reqBody.MethodCalls = append(reqBody.MethodCalls, Invocation{
			Name:   mc.name,
			Args:   args,
			CallID: mc.callID,
		})
	}

	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.APIURL, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.APIKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	body, err := c.send(req)
	if err != nil {
		return nil, err
	}

	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, protocolErr("decoding method responses: %v", err)
	}

	out := make(map[string]Invocation, len(resp.MethodResponses))
	for _, inv := range resp.MethodResponses {
		out[inv.CallID] = inv
	}
	return out, nil
}

// expect decodes the response for (name, callID) into dst. A method-level
// error is returned as *MethodError; a missing response is a ProtocolError.
func expect(resps map[string]Invocation, name, callID string, dst any) error {
	inv, ok := resps[callID]
	if !ok {
		return protocolErr("missing %s response for call %s", name, callID)
	}
	if inv.Name == "error" {
		var merr MethodError
		if err := json.Unmarshal(inv.Args, &merr); err != nil {
			return protocolErr("decoding %s error: %v", name, err)
		}
		return &merr
	}
	if inv.Name != name {
		return protocolErr("call %s answered by %s, want %s", callID, inv.Name, name)
	}
	if err := json.Unmarshal(inv.Args, dst); err != nil {
		return protocolErr("decoding %s response: %v", name, err)
	}
	return nil
}

// ListMailboxes returns every mailbox of the account.
func (c *Client) ListMailboxes(ctx context.Context, t Target) ([]Mailbox, error) {
	resps, err := c.call(ctx, t, methodCall{
		name:   "Mailbox/get",
		callID: "mb",
		args:   map[string]any{"accountId": t.AccountID, "ids": nil},
	})
	if err != nil {
		return nil, fmt.Errorf("listing mailboxes: %w", err)
	}

	var result struct {
		List []Mailbox `json:"list"`
	}
	if err := expect(resps, "Mailbox/get", "mb", &result); err != nil {
		return nil, fmt.Errorf("listing mailboxes: %w", err)
	}
	return result.List, nil
}

// FindInbox returns the mailbox with role inbox, else one named "inbox".
func FindInbox(mailboxes []Mailbox) (Mailbox, bool) {
	for _, mb := range mailboxes {
		if mb.Role != nil && *mb.Role == RoleInbox {
			return mb, true
		}
	}
	for _, mb := range mailboxes {
		if strings.EqualFold(strings.TrimSpace(mb.Name), RoleInbox) {
			return mb, true
		}
	}
	return Mailbox{}, false
}

func querySort() []map[string]any {
	return []map[string]any{{"property": "receivedAt", "isAscending": false}}
}

// QueryEmails runs a full Email/query over the inbox, paging by position,
// and returns every id with the queryState of the first page.
func (c *Client) QueryEmails(
	ctx context.Context,
	t Target,
	inboxID string,
	filter KeywordFilter,
) (*QueryResult, error) {
	result := &QueryResult{}
	for position := 0; ; {
		resps, err := c.call(ctx, t, methodCall{
			name:   "Email/query",
			callID: "q",
			args: map[string]any{
				"accountId":      t.AccountID,
				"filter":         filter.condition(inboxID),
				"sort":           querySort(),
				"position":       position,
				"limit":          queryPageSize,
				"calculateTotal": true,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("querying emails: %w", err)
		}

		var page struct {
			QueryState string   `json:"queryState"`
			IDs        []string `json:"ids"`
			Total      *int     `json:"total"`
		}
		if err := expect(resps, "Email/query", "q", &page); err != nil {
			return nil, fmt.Errorf("querying emails: %w", err)
		}

		if result.QueryState == "" {
			result.QueryState = page.QueryState
		}
		result.IDs = append(result.IDs, page.IDs...)
		position += len(page.IDs)

		if len(page.IDs) == 0 || (page.Total != nil && position >= *page.Total) {
			return result, nil
		}
	}
}

// QueryEmailChanges returns the changes to the inbox query since the given
// queryState. A server-side refusal is returned as a CursorInvalidError.
func (c *Client) QueryEmailChanges(
	ctx context.Context,
	t Target,
	inboxID string,
	filter KeywordFilter,
	sinceQueryState string,
) (*QueryChangesResult, error) {
	resps, err := c.call(ctx, t, methodCall{
		name:   "Email/queryChanges",
		callID: "qc",
		args: map[string]any{
			"accountId":       t.AccountID,
			"filter":          filter.condition(inboxID),
			"sort":            querySort(),
			"sinceQueryState": sinceQueryState,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("querying email changes: %w", err)
	}

	var result QueryChangesResult
	if err := expect(resps, "Email/queryChanges", "qc", &result); err != nil {
		var merr *MethodError
		if errors.As(err, &merr) {
			return nil, &source.CursorInvalidError{QueryState: sinceQueryState, Err: merr}
		}
		return nil, fmt.Errorf("querying email changes: %w", err)
	}
	return &result, nil
}

// GetEmails fetches full emails with text and HTML body values.
// Ids the server reports as not found are omitted.
func (c *Client) GetEmails(ctx context.Context, t Target, ids []string) ([]Email, error) {
	var out []Email
	for start := 0; start < len(ids); start += getBatchSize {
		end := min(start+getBatchSize, len(ids))

		resps, err := c.call(ctx, t, methodCall{
			name:   "Email/get",
			callID: "g",
			args: map[string]any{
				"accountId":           t.AccountID,
				"ids":                 ids[start:end],
				"properties":          emailProperties,
				"bodyProperties":      bodyProperties,
				"fetchTextBodyValues": true,
				"fetchHTMLBodyValues": true,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("getting emails: %w", err)
		}

		var result struct {
			List     []Email  `json:"list"`
			NotFound []string `json:"notFound"`
		}
		if err := expect(resps, "Email/get", "g", &result); err != nil {
			return nil, fmt.Errorf("getting emails: %w", err)
		}
		out = append(out, result.List...)
	}
	return out, nil
}

// DownloadBlob fetches a blob through the session downloadUrl template.
func (c *Client) DownloadBlob(
	ctx context.Context,
	t Target,
	blobID string,
	name string,
	mimeType string,
) ([]byte, error) {
	if t.DownloadURL == "" {
		return nil, protocolErr("session has no downloadUrl")
	}
	if name == "" {
		name = "attachment"
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	u := strings.NewReplacer(
		"{accountId}", url.PathEscape(t.AccountID),
		"{blobId}", url.PathEscape(blobID),
		"{name}", url.PathEscape(name),
		"{type}", url.QueryEscape(mimeType),
	).Replace(t.DownloadURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating download request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.APIKey)

	body, err := c.send(req)
	if err != nil {
		return nil, fmt.Errorf("downloading blob %s: %w", blobID, err)
	}
	return body, nil
}

// send executes req and maps non-2xx responses to ProviderAPIError.
func (c *Client) send(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &source.ProviderAPIError{
			Provider: model.ProviderJMAP,
			Status:   resp.StatusCode,
			Body:     string(body),
		}
	}
	return body, nil
}

func protocolErr(format string, args ...any) error {
	return &source.ProtocolError{
		Provider: model.ProviderJMAP,
		Message:  fmt.Sprintf(format, args...),
	}
}

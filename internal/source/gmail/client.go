// Package gmail is a thin typed wrapper over the Gmail REST API.
package gmail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
)

const (
	defaultTokenInfoURL = "https://oauth2.googleapis.com/tokeninfo"
	defaultTimeout      = 30 * time.Second

	// me addresses the mailbox owning the access token.
	me = "me"
)

// Client issues Gmail API calls on behalf of whichever access token
// each call is given. It keeps no per-mailbox state.
type Client struct {
	endpoint     string
	tokenInfoURL string
	timeout      time.Duration
	base         http.RoundTripper
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoint points the client at a non-production Gmail API root.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		if endpoint != "" {
			c.endpoint = strings.TrimRight(endpoint, "/") + "/"
		}
	}
}

// WithTokenInfoURL overrides the token introspection endpoint.
func WithTokenInfoURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.tokenInfoURL = u
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithTransport sets the base round tripper beneath the auth transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.base = rt }
}

// NewClient creates a Gmail client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		tokenInfoURL: defaultTokenInfoURL,
		timeout:      defaultTimeout,
		base:         http.DefaultTransport,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// httpClient returns an HTTP client injecting the bearer token.
func (c *Client) httpClient(token string) *http.Client {
	return &http.Client{
		Timeout: c.timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{
				AccessToken: token,
				TokenType:   "Bearer",
			}),
			Base: c.base,
		},
	}
}

func (c *Client) service(ctx context.Context, token string) (*gmailv1.Service, error) {
	opts := []option.ClientOption{option.WithHTTPClient(c.httpClient(token))}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}

	svc, err := gmailv1.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gmail service: %w", err)
	}
	return svc, nil
}

// GetProfile returns the mailbox address and its current historyId.
func (c *Client) GetProfile(ctx context.Context, token string) (*Profile, error) {
	svc, err := c.service(ctx, token)
	if err != nil {
		return nil, err
	}

	profile, err := svc.Users.GetProfile(me).Context(ctx).Do()
	if err != nil {
		return nil, wrapErr("getting profile", err)
	}
	return profile, nil
}

// ListLabels returns every label of the mailbox.
func (c *Client) ListLabels(ctx context.Context, token string) ([]*Label, error) {
	svc, err := c.service(ctx, token)
	if err != nil {
		return nil, err
	}

	resp, err := svc.Users.Labels.List(me).Context(ctx).Do()
	if err != nil {
		return nil, wrapErr("listing labels", err)
	}
	return resp.Labels, nil
}

// ListMessages returns one page of message references.
func (c *Client) ListMessages(
	ctx context.Context,
	token string,
	opts ListMessagesOptions,
) (*ListMessagesResponse, error) {
	svc, err := c.service(ctx, token)
	if err != nil {
		return nil, err
	}

	call := svc.Users.Messages.List(me).Context(ctx)
	if opts.Query != "" {
		call = call.Q(opts.Query)
	}
	if len(opts.LabelIDs) > 0 {
		call = call.LabelIds(opts.LabelIDs...)
	}
	if opts.PageToken != "" {
		call = call.PageToken(opts.PageToken)
	}
	if opts.MaxResults > 0 {
		call = call.MaxResults(opts.MaxResults)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, wrapErr("listing messages", err)
	}
	return resp, nil
}

// GetMessage fetches a single message in the given format.
func (c *Client) GetMessage(
	ctx context.Context,
	token string,
	id string,
	format string,
) (*Message, error) {
	svc, err := c.service(ctx, token)
	if err != nil {
		return nil, err
	}

	msg, err := svc.Users.Messages.Get(me, id).Format(format).Context(ctx).Do()
	if err != nil {
		return nil, wrapErr(fmt.Sprintf("getting message %s", id), err)
	}
	return msg, nil
}

// GetAttachment fetches the body of an attachment part. Data is base64url.
func (c *Client) GetAttachment(
	ctx context.Context,
	token string,
	messageID string,
	attachmentID string,
) (*MessagePartBody, error) {
	svc, err := c.service(ctx, token)
	if err != nil {
		return nil, err
	}

	body, err := svc.Users.Messages.Attachments.Get(me, messageID, attachmentID).Context(ctx).Do()
	if err != nil {
		return nil, wrapErr(fmt.Sprintf("getting attachment %s of %s", attachmentID, messageID), err)
	}
	return body, nil
}

// Watch subscribes the mailbox's INBOX to push notifications on topic.
func (c *Client) Watch(ctx context.Context, token string, topic string) (*WatchResponse, error) {
	svc, err := c.service(ctx, token)
	if err != nil {
		return nil, err
	}

	resp, err := svc.Users.Watch(me, &gmailv1.WatchRequest{
		TopicName: topic,
		LabelIds:  []string{LabelInbox},
	}).Context(ctx).Do()
	if err != nil {
		return nil, wrapErr("starting watch", err)
	}
	return resp, nil
}

// ListHistory returns one page of history records after startHistoryID.
func (c *Client) ListHistory(
	ctx context.Context,
	token string,
	startHistoryID uint64,
	pageToken string,
) (*ListHistoryResponse, error) {
	svc, err := c.service(ctx, token)
	if err != nil {
		return nil, err
	}

	call := svc.Users.History.List(me).StartHistoryId(startHistoryID).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, wrapErr("listing history", err)
	}
	return resp, nil
}

// TokenInfo introspects an access token.
func (c *Client) TokenInfo(ctx context.Context, token string) (*TokenInfo, error) {
	u := c.tokenInfoURL + "?access_token=" + url.QueryEscape(token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating tokeninfo request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	httpClient := &http.Client{Timeout: c.timeout, Transport: c.base}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing tokeninfo request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading tokeninfo response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &source.ProviderAPIError{
			Provider: model.ProviderGmail,
			Status:   resp.StatusCode,
			Body:     string(body),
		}
	}

	var info TokenInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, &source.ProtocolError{
			Provider: model.ProviderGmail,
			Message:  fmt.Sprintf("decoding tokeninfo: %v", err),
		}
	}
	return &info, nil
}

// wrapErr converts googleapi errors into ProviderAPIError.
func wrapErr(op string, err error) error {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		body := gErr.Body
		if body == "" {
			body = gErr.Message
		}
		return fmt.Errorf("%s: %w", op, &source.ProviderAPIError{
			Provider: model.ProviderGmail,
			Status:   gErr.Code,
			Body:     body,
		})
	}
	return fmt.Errorf("%s: %w", op, err)
}

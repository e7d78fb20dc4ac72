package sync

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/normalize"
	"github.com/nhle/mailsync/internal/source"
	"github.com/nhle/mailsync/internal/source/gmail"
)

const (
	// DefaultMaxBackfillPages caps unread backfill work per pass.
	DefaultMaxBackfillPages = 10

	backfillPageSize = 100
)

// GmailAPI is the subset of the Gmail client used by GmailStrategy.
type GmailAPI interface {
	GetProfile(ctx context.Context, token string) (*gmail.Profile, error)
	ListLabels(ctx context.Context, token string) ([]*gmail.Label, error)
	ListMessages(ctx context.Context, token string, opts gmail.ListMessagesOptions) (*gmail.ListMessagesResponse, error)
	GetMessage(ctx context.Context, token string, id string, format string) (*gmail.Message, error)
	GetAttachment(ctx context.Context, token string, messageID, attachmentID string) (*gmail.MessagePartBody, error)
	ListHistory(ctx context.Context, token string, startHistoryID uint64, pageToken string) (*gmail.ListHistoryResponse, error)
}

var _ GmailAPI = (*gmail.Client)(nil)

// GmailStrategy syncs a Gmail mailbox: a bounded unread backfill followed
// by History API deltas.
type GmailStrategy struct {
	api      GmailAPI
	maxPages int
}

// NewGmailStrategy creates a GmailStrategy. maxPages <= 0 selects
// DefaultMaxBackfillPages.
func NewGmailStrategy(api GmailAPI, maxPages int) *GmailStrategy {
	if maxPages <= 0 {
		maxPages = DefaultMaxBackfillPages
	}
	return &GmailStrategy{api: api, maxPages: maxPages}
}

func (g *GmailStrategy) Provider() model.Provider { return model.ProviderGmail }

// Sync runs backfill while it is incomplete, then applies the history
// delta. The returned cursor never moves backwards.
func (g *GmailStrategy) Sync(ctx context.Context, p *Pass) (model.SyncState, error) {
	cur := p.Conn.GmailCursor()

	if err := g.syncLabels(ctx, p); err != nil {
		return nil, err
	}

	if !cur.InitialSyncCompleted {
		if cur.HistoryID == "" {
			seed, err := g.profileHistoryID(ctx, p)
			if err != nil {
				return nil, err
			}
			cur.HistoryID = seed
		}

		done, err := g.backfill(ctx, p, &cur)
		if err != nil {
			return nil, err
		}
		if !done {
			// The seed stays put: history after it is replayed once the
			// backfill completes. The trigger is folded in only after that.
			p.Log.WithField("page-token", cur.BackfillPageToken).Info("Backfill paused at page cap")
			return cur, nil
		}
		cur.InitialSyncCompleted = true
		p.Log.Info("Backfill completed")
	}

	if cur.HistoryID == "" {
		seed, err := g.profileHistoryID(ctx, p)
		if err != nil {
			return nil, err
		}
		cur.HistoryID = model.MaxHistoryID(seed, p.TriggerHistoryID)
		return cur, nil
	}

	deltaMax, err := g.applyHistory(ctx, p, cur.HistoryID)
	if err != nil {
		if apiErr, ok := source.AsProviderAPIError(err); ok && apiErr.Status == http.StatusNotFound {
			p.Log.WithField("history-id", cur.HistoryID).Warn("History id expired, resetting to backfill")
			return nil, &cursorResetError{state: model.GmailCursor{}, err: err}
		}
		return nil, err
	}

	next := model.MaxHistoryID(cur.HistoryID, deltaMax, p.TriggerHistoryID)
	if next != cur.HistoryID {
		p.Log.WithFields(logrus.Fields{"from": cur.HistoryID, "to": next}).Info("Advanced history cursor")
	}
	cur.HistoryID = next
	return cur, nil
}

func (g *GmailStrategy) syncLabels(ctx context.Context, p *Pass) error {
	var labels []*gmail.Label
	err := p.Call(ctx, func(token string) error {
		var err error
		labels, err = g.api.ListLabels(ctx, token)
		return err
	})
	if err != nil {
		return fmt.Errorf("listing labels: %w", err)
	}

	out := make([]model.Label, 0, len(labels))
	for _, l := range labels {
		out = append(out, model.Label{ProviderLabelID: l.Id, Name: l.Name, Type: l.Type})
	}
	return p.UpsertLabels(ctx, out)
}

func (g *GmailStrategy) profileHistoryID(ctx context.Context, p *Pass) (string, error) {
	var profile *gmail.Profile
	err := p.Call(ctx, func(token string) error {
		var err error
		profile, err = g.api.GetProfile(ctx, token)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("getting profile: %w", err)
	}
	return strconv.FormatUint(profile.HistoryId, 10), nil
}

// backfillQuery selects unread messages received since the connection's
// sync start.
func backfillQuery(conn *model.Connection) string {
	q := "is:unread"
	if conn.SyncStartAt != nil {
		q += fmt.Sprintf(" after:%d", conn.SyncStartAt.Unix())
	}
	return q
}

// backfill persists up to maxPages pages of unread inbox messages,
// resuming from cur.BackfillPageToken. It reports whether the listing was
// exhausted.
func (g *GmailStrategy) backfill(ctx context.Context, p *Pass, cur *model.GmailCursor) (bool, error) {
	opts := gmail.ListMessagesOptions{
		Query:      backfillQuery(p.Conn),
		LabelIDs:   []string{gmail.LabelInbox},
		PageToken:  cur.BackfillPageToken,
		MaxResults: backfillPageSize,
	}

	for page := 0; page < g.maxPages; page++ {
		var resp *gmail.ListMessagesResponse
		err := p.Call(ctx, func(token string) error {
			var err error
			resp, err = g.api.ListMessages(ctx, token, opts)
			return err
		})
		if err != nil {
			if apiErr, ok := source.AsProviderAPIError(err); ok && apiErr.Status == http.StatusBadRequest && opts.PageToken != "" {
				p.Log.Warn("Backfill page token rejected, restarting backfill")
				opts.PageToken = ""
				continue
			}
			return false, fmt.Errorf("listing messages: %w", err)
		}

		ids := make([]string, 0, len(resp.Messages))
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}

		msgs, err := g.fetchMessages(ctx, p, ids)
		if err != nil {
			return false, err
		}
		for _, msg := range msgs {
			if _, err := p.Persist(ctx, msg, true); err != nil {
				return false, err
			}
		}

		p.Log.WithFields(logrus.Fields{"page": page + 1, "messages": len(ids)}).Debug("Backfilled page")

		opts.PageToken = resp.NextPageToken
		cur.BackfillPageToken = resp.NextPageToken
		if resp.NextPageToken == "" {
			return true, nil
		}
	}
	return false, nil
}

type historyOp struct {
	messageID string
	markRead  bool
}

// applyHistory pages through history.list after startID, applying each
// page in provider order, and returns the largest history id seen.
func (g *GmailStrategy) applyHistory(ctx context.Context, p *Pass, startID string) (string, error) {
	start, err := strconv.ParseUint(startID, 10, 64)
	if err != nil {
		return "", &source.ProtocolError{Provider: model.ProviderGmail, Message: fmt.Sprintf("invalid history id %q", startID)}
	}

	var (
		maxSeen   string
		pageToken string
	)
	for {
		var resp *gmail.ListHistoryResponse
		err := p.Call(ctx, func(token string) error {
			var err error
			resp, err = g.api.ListHistory(ctx, token, start, pageToken)
			return err
		})
		if err != nil {
			return "", fmt.Errorf("listing history: %w", err)
		}

		ops := historyOps(resp.History)
		maxSeen = model.MaxHistoryID(maxSeen, strconv.FormatUint(resp.HistoryId, 10))
		for _, h := range resp.History {
			maxSeen = model.MaxHistoryID(maxSeen, strconv.FormatUint(h.Id, 10))
		}

		var fetchIDs []string
		for _, op := range ops {
			if !op.markRead && !slices.Contains(fetchIDs, op.messageID) {
				fetchIDs = append(fetchIDs, op.messageID)
			}
		}
		msgs, err := g.fetchMessages(ctx, p, fetchIDs)
		if err != nil {
			return "", err
		}
		byID := make(map[string]*model.CanonicalMessage, len(msgs))
		for _, m := range msgs {
			byID[m.ProviderMessageID] = m
		}

		for _, op := range ops {
			if op.markRead {
				if err := p.MarkRead(ctx, op.messageID); err != nil {
					return "", err
				}
				continue
			}
			msg, ok := byID[op.messageID]
			if !ok {
				continue
			}
			delete(byID, op.messageID)
			if _, err := p.Persist(ctx, msg, true); err != nil {
				return "", err
			}
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			return maxSeen, nil
		}
	}
}

// historyOps flattens history records into ordered per-message actions.
func historyOps(records []*gmail.History) []historyOp {
	var ops []historyOp
	for _, h := range records {
		for _, added := range h.MessagesAdded {
			if added.Message != nil {
				ops = append(ops, historyOp{messageID: added.Message.Id})
			}
		}
		for _, la := range h.LabelsAdded {
			if la.Message != nil && slices.Contains(la.LabelIds, gmail.LabelUnread) {
				ops = append(ops, historyOp{messageID: la.Message.Id})
			}
		}
		for _, lr := range h.LabelsRemoved {
			if lr.Message != nil && slices.Contains(lr.LabelIds, gmail.LabelUnread) {
				ops = append(ops, historyOp{messageID: lr.Message.Id, markRead: true})
			}
		}
	}
	return ops
}

// fetchMessages fetches and normalizes ids with a bounded worker pool.
// The result keeps the order of ids; messages deleted in the meantime
// are left out.
func (g *GmailStrategy) fetchMessages(ctx context.Context, p *Pass, ids []string) ([]*model.CanonicalMessage, error) {
	format := gmail.FormatFull
	if !p.FullContent {
		format = gmail.FormatMetadata
	}

	out := make([]*model.CanonicalMessage, len(ids))

	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(max(p.Workers, 1))

	for i, id := range ids {
		grp.Go(func() error {
			var raw *gmail.Message
			err := p.Call(gctx, func(token string) error {
				var err error
				raw, err = g.api.GetMessage(gctx, token, id, format)
				return err
			})
			if apiErr, ok := source.AsProviderAPIError(err); ok && apiErr.Status == http.StatusNotFound {
				p.Log.WithField("message-id", id).Debug("Message vanished before fetch")
				return nil
			}
			if err != nil {
				return err
			}

			msg := normalize.Gmail(raw)
			if p.FullContent {
				if err := g.fetchAttachments(gctx, p, &msg); err != nil {
					return err
				}
			}
			out[i] = &msg
			return nil
		})
	}

	if err := grp.Wait(); err != nil {
		return nil, fmt.Errorf("fetching messages: %w", err)
	}

	return slices.DeleteFunc(out, func(m *model.CanonicalMessage) bool { return m == nil }), nil
}

// fetchAttachments downloads attachment bodies that were not delivered
// inline. Failures other than credential loss leave the content empty.
func (g *GmailStrategy) fetchAttachments(ctx context.Context, p *Pass, msg *model.CanonicalMessage) error {
	for i := range msg.Attachments {
		att := &msg.Attachments[i]
		if att.Data != nil || strings.HasPrefix(att.ProviderAttachmentID, normalize.PartAttachmentPrefix) {
			continue
		}

		var body *gmail.MessagePartBody
		err := p.Call(ctx, func(token string) error {
			var err error
			body, err = g.api.GetAttachment(ctx, token, msg.ProviderMessageID, att.ProviderAttachmentID)
			return err
		})
		if source.IsCredentialError(err) {
			return err
		}
		if err == nil {
			att.Data, err = normalize.DecodeBase64URL(body.Data)
		}
		if err != nil {
			p.Log.WithError(err).WithField("attachment-id", att.ProviderAttachmentID).Warn("Failed to fetch attachment")
			att.Data = nil
		}
	}
	return nil
}

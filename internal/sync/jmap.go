package sync

import (
	"context"
	"fmt"

	"github.com/bradenaw/juniper/xslices"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/normalize"
	"github.com/nhle/mailsync/internal/source"
	"github.com/nhle/mailsync/internal/source/jmap"
)

// jmapChunkSize is how many emails are fetched and persisted together.
const jmapChunkSize = 100

// JMAPAPI is the subset of the JMAP client used by JMAPStrategy.
type JMAPAPI interface {
	FetchSession(ctx context.Context, apiKey string) (*jmap.Session, error)
	ListMailboxes(ctx context.Context, t jmap.Target) ([]jmap.Mailbox, error)
	QueryEmails(ctx context.Context, t jmap.Target, inboxID string, filter jmap.KeywordFilter) (*jmap.QueryResult, error)
	QueryEmailChanges(
		ctx context.Context,
		t jmap.Target,
		inboxID string,
		filter jmap.KeywordFilter,
		sinceQueryState string,
	) (*jmap.QueryChangesResult, error)
	GetEmails(ctx context.Context, t jmap.Target, ids []string) ([]jmap.Email, error)
	DownloadBlob(ctx context.Context, t jmap.Target, blobID, name, mimeType string) ([]byte, error)
}

var _ JMAPAPI = (*jmap.Client)(nil)

// JMAPStrategy syncs the inbox of a JMAP account through Email/query and
// Email/queryChanges.
type JMAPStrategy struct {
	api JMAPAPI
}

// NewJMAPStrategy creates a JMAPStrategy.
func NewJMAPStrategy(api JMAPAPI) *JMAPStrategy {
	return &JMAPStrategy{api: api}
}

func (j *JMAPStrategy) Provider() model.Provider { return model.ProviderJMAP }

// Sync bootstraps the inbox when no queryState is held and applies query
// changes otherwise. A rejected or failing queryChanges discards the
// cursor and requeries unread mail.
func (j *JMAPStrategy) Sync(ctx context.Context, p *Pass) (model.SyncState, error) {
	cur := p.Conn.JMAPCursor()

	var sess *jmap.Session
	err := p.Call(ctx, func(token string) error {
		var err error
		sess, err = j.api.FetchSession(ctx, token)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetching session: %w", err)
	}

	accountID := cur.AccountID
	if _, ok := sess.Accounts[accountID]; !ok {
		accountID = sess.MailAccountID()
	}
	if accountID == "" {
		return nil, &source.ProtocolError{Provider: model.ProviderJMAP, Message: "session has no accounts"}
	}
	if accountID != cur.AccountID {
		cur = model.JMAPCursor{AccountID: accountID}
	}
	target := sess.Target(p.Token(), accountID)

	inboxID, err := j.syncMailboxes(ctx, p, target, cur.InboxID)
	if err != nil {
		return nil, err
	}
	if inboxID != cur.InboxID {
		cur.InboxID, cur.QueryState = inboxID, ""
	}

	if cur.QueryState == "" {
		cur.QueryState, err = j.bootstrap(ctx, p, target, inboxID)
		if err != nil {
			return nil, err
		}
		return cur, nil
	}

	var changes *jmap.QueryChangesResult
	err = callJMAP(ctx, p, target, func(t jmap.Target) error {
		var err error
		changes, err = j.api.QueryEmailChanges(ctx, t, inboxID, jmap.FilterUnread, cur.QueryState)
		return err
	})
	if err != nil {
		if source.IsCredentialError(err) || ctx.Err() != nil {
			return nil, err
		}
		p.Log.WithError(err).WithField("query-state", cur.QueryState).Warn("Query changes failed, resetting cursor")

		cur.QueryState, err = j.persistQuery(ctx, p, target, inboxID, jmap.FilterUnread, true)
		if err != nil {
			return nil, err
		}
		return cur, nil
	}

	added := make([]string, 0, len(changes.Added))
	for _, a := range changes.Added {
		added = append(added, a.ID)
	}
	if err := j.persistIDs(ctx, p, target, added, true); err != nil {
		return nil, err
	}
	for _, id := range changes.Removed {
		if err := p.MarkRead(ctx, id); err != nil {
			return nil, err
		}
	}

	cur.QueryState = changes.NewQueryState
	return cur, nil
}

// callJMAP runs fn against t carrying the pass's current API key, so a
// rejected key takes the same refresh path as every other provider call.
func callJMAP(ctx context.Context, p *Pass, t jmap.Target, fn func(t jmap.Target) error) error {
	return p.Call(ctx, func(token string) error {
		t.APIKey = token
		return fn(t)
	})
}

// syncMailboxes upserts the mailboxes as labels and returns the inbox id,
// reusing known when it still exists.
func (j *JMAPStrategy) syncMailboxes(ctx context.Context, p *Pass, t jmap.Target, known string) (string, error) {
	var mailboxes []jmap.Mailbox
	err := callJMAP(ctx, p, t, func(t jmap.Target) error {
		var err error
		mailboxes, err = j.api.ListMailboxes(ctx, t)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("listing mailboxes: %w", err)
	}

	labels := xslices.Map(mailboxes, func(m jmap.Mailbox) model.Label {
		typ := "user"
		if m.Role != nil {
			typ = *m.Role
		}
		return model.Label{ProviderLabelID: m.ID, Name: m.Name, Type: typ}
	})
	if err := p.UpsertLabels(ctx, labels); err != nil {
		return "", err
	}

	if known != "" && xslices.Any(mailboxes, func(m jmap.Mailbox) bool { return m.ID == known }) {
		return known, nil
	}
	inbox, ok := jmap.FindInbox(mailboxes)
	if !ok {
		return "", &source.ProtocolError{Provider: model.ProviderJMAP, Message: "account has no inbox"}
	}
	return inbox.ID, nil
}

// bootstrap persists every unread inbox email, then every seen one
// without analysis, and returns the unread query's state.
func (j *JMAPStrategy) bootstrap(ctx context.Context, p *Pass, t jmap.Target, inboxID string) (string, error) {
	state, err := j.persistQuery(ctx, p, t, inboxID, jmap.FilterUnread, true)
	if err != nil {
		return "", err
	}
	if _, err := j.persistQuery(ctx, p, t, inboxID, jmap.FilterSeen, false); err != nil {
		return "", err
	}
	p.Log.WithField("query-state", state).Info("Bootstrapped inbox")
	return state, nil
}

func (j *JMAPStrategy) persistQuery(
	ctx context.Context,
	p *Pass,
	t jmap.Target,
	inboxID string,
	filter jmap.KeywordFilter,
	analyze bool,
) (string, error) {
	var res *jmap.QueryResult
	err := callJMAP(ctx, p, t, func(t jmap.Target) error {
		var err error
		res, err = j.api.QueryEmails(ctx, t, inboxID, filter)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("querying inbox: %w", err)
	}
	if err := j.persistIDs(ctx, p, t, res.IDs, analyze); err != nil {
		return "", err
	}
	return res.QueryState, nil
}

// persistIDs fetches, normalizes and persists ids in chunks.
func (j *JMAPStrategy) persistIDs(ctx context.Context, p *Pass, t jmap.Target, ids []string, analyze bool) error {
	for _, chunk := range xslices.Chunk(ids, jmapChunkSize) {
		var emails []jmap.Email
		err := callJMAP(ctx, p, t, func(t jmap.Target) error {
			var err error
			emails, err = j.api.GetEmails(ctx, t, chunk)
			return err
		})
		if err != nil {
			return fmt.Errorf("getting emails: %w", err)
		}

		msgs := make([]model.CanonicalMessage, len(emails))
		for i := range emails {
			msgs[i] = normalize.JMAP(&emails[i])
		}
		j.downloadAttachments(ctx, p, t, msgs)

		for i := range msgs {
			if _, err := p.Persist(ctx, &msgs[i], analyze); err != nil {
				return err
			}
		}
	}
	return nil
}

// downloadAttachments fetches blob content with a bounded worker pool.
// Downloads are best effort: failures leave the content empty. Messages
// Persist would drop for predating the sync start are not downloaded.
func (j *JMAPStrategy) downloadAttachments(ctx context.Context, p *Pass, t jmap.Target, msgs []model.CanonicalMessage) {
	if !p.FullContent {
		return
	}

	var grp errgroup.Group
	grp.SetLimit(max(p.Workers, 1))

	for i := range msgs {
		if p.BeforeSyncStart(msgs[i].ReceivedAt) {
			continue
		}
		for k := range msgs[i].Attachments {
			att := &msgs[i].Attachments[k]
			grp.Go(func() error {
				var data []byte
				err := callJMAP(ctx, p, t, func(t jmap.Target) error {
					var err error
					data, err = j.api.DownloadBlob(ctx, t, att.ProviderAttachmentID, att.Filename, att.MimeType)
					return err
				})
				if err != nil {
					p.Log.WithError(err).WithField("blob-id", att.ProviderAttachmentID).Warn("Failed to download attachment")
					return nil
				}
				att.Data = data
				return nil
			})
		}
	}
	_ = grp.Wait()
}

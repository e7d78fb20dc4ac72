package sync

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

// SyncEnqueuer accepts sync triggers.
type SyncEnqueuer interface {
	EnqueueSync(ctx context.Context, job model.SyncJob) error
}

// PushEnvelope is the body of a Pub/Sub push delivery.
type PushEnvelope struct {
	Message struct {
		Data        string `json:"data"`
		MessageID   string `json:"messageId"`
		PublishTime string `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// PushNotification is the Gmail payload carried in PushEnvelope.Message.Data.
type PushNotification struct {
	EmailAddress string      `json:"emailAddress"`
	HistoryID    json.Number `json:"historyId"`
}

// PushResult reports what a push notification caused.
type PushResult struct {
	Enqueued []string
	Skipped  bool
}

// PushHandler turns Gmail push notifications into sync jobs.
type PushHandler struct {
	store store.Store
	queue SyncEnqueuer
	log   *logrus.Entry
}

// NewPushHandler creates a PushHandler.
func NewPushHandler(st store.Store, queue SyncEnqueuer) *PushHandler {
	return &PushHandler{
		store: st,
		queue: queue,
		log:   logrus.WithField("pkg", "sync/push"),
	}
}

// DecodePushEnvelope extracts the Gmail notification from a Pub/Sub body.
func DecodePushEnvelope(body []byte) (*PushNotification, error) {
	var env PushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decoding push envelope: %w", err)
	}
	if env.Message.Data == "" {
		return nil, fmt.Errorf("push envelope has no data")
	}

	data, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		data, err = base64.URLEncoding.DecodeString(env.Message.Data)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding push data: %w", err)
	}

	var n PushNotification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("decoding push notification: %w", err)
	}
	if n.EmailAddress == "" {
		return nil, fmt.Errorf("push notification has no emailAddress")
	}
	if _, err := strconv.ParseUint(n.HistoryID.String(), 10, 64); err != nil {
		return nil, fmt.Errorf("push notification has invalid historyId %q", n.HistoryID)
	}
	return &n, nil
}

// HandleGmailPushNotification enqueues a push sync for every connected
// Gmail connection of the notified mailbox. Unknown or inactive mailboxes
// are skipped.
func (h *PushHandler) HandleGmailPushNotification(ctx context.Context, n *PushNotification) (*PushResult, error) {
	provider := model.ProviderGmail
	status := model.StatusConnected
	account := strings.TrimSpace(n.EmailAddress)

	conns, err := h.store.ListConnections(ctx, store.ConnectionFilter{
		Provider:          &provider,
		Status:            &status,
		ProviderAccountID: &account,
	})
	if err != nil {
		return nil, fmt.Errorf("finding connections for %s: %w", account, err)
	}

	log := h.log.WithFields(logrus.Fields{
		"email":      account,
		"history-id": n.HistoryID.String(),
	})

	if len(conns) == 0 {
		log.Debug("Skipping push for unknown mailbox")
		return &PushResult{Skipped: true}, nil
	}

	res := &PushResult{}
	for _, conn := range conns {
		job := model.SyncJob{
			ConnectionID:     conn.ID,
			Reason:           model.SyncReasonPush,
			TriggerHistoryID: n.HistoryID.String(),
		}
		if err := h.queue.EnqueueSync(ctx, job); err != nil {
			return nil, fmt.Errorf("enqueueing push sync for %s: %w", conn.ID, err)
		}
		res.Enqueued = append(res.Enqueued, conn.ID)
	}

	log.WithField("connections", len(res.Enqueued)).Info("Enqueued push sync")
	return res, nil
}

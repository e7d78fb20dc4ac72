package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/mailsync/internal/model"
)

type threadRow struct {
	ID               string       `db:"id"`
	ConnectionID     string       `db:"connection_id"`
	ProviderThreadID string       `db:"provider_thread_id"`
	Subject          string       `db:"subject"`
	Snippet          string       `db:"snippet"`
	LastMessageAt    sql.NullTime `db:"last_message_at"`
	MessageCount     int          `db:"message_count"`
	UnreadCount      int          `db:"unread_count"`
	CreatedAt        time.Time    `db:"created_at"`
	UpdatedAt        time.Time    `db:"updated_at"`
}

type messageRow struct {
	ID                string         `db:"id"`
	ConnectionID      string         `db:"connection_id"`
	ThreadID          string         `db:"thread_id"`
	ProviderMessageID string         `db:"provider_message_id"`
	Subject           string         `db:"subject"`
	Snippet           string         `db:"snippet"`
	TextBody          sql.NullString `db:"text_body"`
	HTMLBody          sql.NullString `db:"html_body"`
	IsUnread          bool           `db:"is_unread"`
	IsBlocked         bool           `db:"is_blocked"`
	IsNoise           bool           `db:"is_noise"`
	LLMProcessed      bool           `db:"llm_processed"`
	ReceivedAt        time.Time      `db:"received_at"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

type attachmentRow struct {
	ID                   string `db:"id"`
	MessageID            string `db:"message_id"`
	ProviderAttachmentID string `db:"provider_attachment_id"`
	Filename             string `db:"filename"`
	MimeType             string `db:"mime_type"`
	Size                 int64  `db:"size"`
	IsInline             bool   `db:"is_inline"`
	ContentID            string `db:"content_id"`
	Content              []byte `db:"content"`
}

// ReconcileMessage applies msg to storage in its own transaction.
func (s *SQLiteStore) ReconcileMessage(
	ctx context.Context,
	connectionID string,
	msg *model.CanonicalMessage,
) (*ReconcileResult, error) {
	var res *ReconcileResult
	err := s.WithTx(ctx, func(ctx context.Context, tx *Tx) error {
		var err error
		res, err = tx.ReconcileMessage(ctx, connectionID, msg)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ReconcileMessage finds or creates the message keyed by (connectionID,
// provider message id), overwrites its content and flags, replaces its
// participants, labels and attachments, and recomputes the counters of
// its thread. Running it twice with the same input converges to the same
// rows.
func (t *Tx) ReconcileMessage(
	ctx context.Context,
	connectionID string,
	msg *model.CanonicalMessage,
) (*ReconcileResult, error) {
	threadID, err := t.findOrCreateThread(ctx, connectionID, msg.ProviderThreadID)
	if err != nil {
		return nil, err
	}

	var existing struct {
		ID       string `db:"id"`
		ThreadID string `db:"thread_id"`
		IsUnread bool   `db:"is_unread"`
	}
	err = t.tx.GetContext(ctx, &existing, `
		SELECT id, thread_id, is_unread FROM messages
		WHERE connection_id = ? AND provider_message_id = ?`,
		connectionID, msg.ProviderMessageID,
	)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("looking up message %s: %w", msg.ProviderMessageID, err)
	}
	created := errors.Is(err, sql.ErrNoRows)

	res := &ReconcileResult{
		ThreadID:     threadID,
		Created:      created,
		BecameUnread: msg.IsUnread && (created || !existing.IsUnread),
	}

	if created {
		res.MessageID = uuid.New().String()
		_, err = t.tx.ExecContext(ctx, `
			INSERT INTO messages (
				id, connection_id, thread_id, provider_message_id,
				subject, snippet, text_body, html_body, is_unread,
				received_at, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			res.MessageID, connectionID, threadID, msg.ProviderMessageID,
			msg.Subject, msg.Snippet, nullString(msg.TextBody), nullString(msg.HTMLBody),
			boolToInt(msg.IsUnread), msg.ReceivedAt.UTC(), t.now, t.now,
		)
		if err != nil {
			return nil, fmt.Errorf("inserting message %s: %w", msg.ProviderMessageID, err)
		}
	} else {
		res.MessageID = existing.ID
		_, err = t.tx.ExecContext(ctx, `
			UPDATE messages SET
				thread_id = ?, subject = ?, snippet = ?, text_body = ?, html_body = ?,
				is_unread = ?, received_at = ?, updated_at = ?
			WHERE id = ?`,
			threadID, msg.Subject, msg.Snippet, nullString(msg.TextBody), nullString(msg.HTMLBody),
			boolToInt(msg.IsUnread), msg.ReceivedAt.UTC(), t.now, existing.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("updating message %s: %w", msg.ProviderMessageID, err)
		}
	}

	if err := t.replaceParticipants(ctx, res.MessageID, msg.Participants); err != nil {
		return nil, err
	}
	if err := t.replaceMessageLabels(ctx, res.MessageID, msg.LabelIDs); err != nil {
		return nil, err
	}
	res.AttachmentIDs, err = t.replaceAttachments(ctx, res.MessageID, msg.Attachments)
	if err != nil {
		return nil, err
	}

	if err := t.recomputeThread(ctx, threadID); err != nil {
		return nil, err
	}
	if !created && existing.ThreadID != threadID {
		if err := t.recomputeThread(ctx, existing.ThreadID); err != nil {
			return nil, err
		}
	}

	return res, nil
}

func (t *Tx) findOrCreateThread(ctx context.Context, connectionID, providerThreadID string) (string, error) {
	var id string
	err := t.tx.GetContext(ctx, &id, `
		INSERT INTO threads (id, connection_id, provider_thread_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (connection_id, provider_thread_id) DO UPDATE SET updated_at = excluded.updated_at
		RETURNING id`,
		uuid.New().String(), connectionID, providerThreadID, t.now, t.now,
	)
	if err != nil {
		return "", fmt.Errorf("finding thread %s: %w", providerThreadID, err)
	}
	return id, nil
}

func (t *Tx) replaceParticipants(ctx context.Context, messageID string, participants []model.CanonicalParticipant) error {
	if _, err := t.tx.ExecContext(ctx, "DELETE FROM participants WHERE message_id = ?", messageID); err != nil {
		return fmt.Errorf("clearing participants of %s: %w", messageID, err)
	}

	for _, p := range participants {
		if p.Address.Email == "" {
			continue
		}
		_, err := t.tx.ExecContext(ctx,
			"INSERT INTO participants (message_id, role, email, name) VALUES (?, ?, ?, ?)",
			messageID, string(p.Role), p.Address.Email, nullString(p.Address.Name),
		)
		if err != nil {
			return fmt.Errorf("inserting participant of %s: %w", messageID, err)
		}
	}
	return nil
}

func (t *Tx) replaceMessageLabels(ctx context.Context, messageID string, labelIDs []string) error {
	if _, err := t.tx.ExecContext(ctx, "DELETE FROM message_labels WHERE message_id = ?", messageID); err != nil {
		return fmt.Errorf("clearing labels of %s: %w", messageID, err)
	}

	for _, id := range labelIDs {
		_, err := t.tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO message_labels (message_id, provider_label_id) VALUES (?, ?)",
			messageID, id,
		)
		if err != nil {
			return fmt.Errorf("inserting label %s of %s: %w", id, messageID, err)
		}
	}
	return nil
}

// replaceAttachments swaps the attachment set of a message. Attachments
// that survive keep their internal id, and keep their stored content when
// the incoming copy carries none.
func (t *Tx) replaceAttachments(ctx context.Context, messageID string, atts []model.CanonicalAttachment) ([]string, error) {
	type priorRow struct {
		ID                   string `db:"id"`
		ProviderAttachmentID string `db:"provider_attachment_id"`
		Content              []byte `db:"content"`
	}
	var prior []priorRow
	if err := t.tx.SelectContext(ctx, &prior,
		"SELECT id, provider_attachment_id, content FROM attachments WHERE message_id = ?", messageID); err != nil {
		return nil, fmt.Errorf("reading attachments of %s: %w", messageID, err)
	}
	known := make(map[string]priorRow, len(prior))
	for _, p := range prior {
		known[p.ProviderAttachmentID] = p
	}

	if _, err := t.tx.ExecContext(ctx, "DELETE FROM attachments WHERE message_id = ?", messageID); err != nil {
		return nil, fmt.Errorf("clearing attachments of %s: %w", messageID, err)
	}

	var out []string
	seen := make(map[string]bool, len(atts))
	for _, a := range atts {
		if seen[a.ProviderAttachmentID] {
			continue
		}
		seen[a.ProviderAttachmentID] = true

		id, content := uuid.New().String(), a.Data
		if p, ok := known[a.ProviderAttachmentID]; ok {
			id = p.ID
			if content == nil {
				content = p.Content
			}
		}

		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO attachments (
				id, message_id, provider_attachment_id, filename, mime_type,
				size, is_inline, content_id, content
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, messageID, a.ProviderAttachmentID, a.Filename, a.MimeType,
			a.Size, boolToInt(a.IsInline), a.ContentID, content,
		)
		if err != nil {
			return nil, fmt.Errorf("inserting attachment %s of %s: %w", a.ProviderAttachmentID, messageID, err)
		}
		out = append(out, id)
	}
	return out, nil
}

// recomputeThread derives the thread counters and summary from the
// messages currently stored in it.
func (t *Tx) recomputeThread(ctx context.Context, threadID string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE threads SET
			message_count = (SELECT COUNT(*) FROM messages WHERE thread_id = ?1),
			unread_count = (SELECT COALESCE(SUM(is_unread), 0) FROM messages WHERE thread_id = ?1),
			last_message_at = (SELECT received_at FROM messages WHERE thread_id = ?1
				ORDER BY received_at DESC LIMIT 1),
			subject = COALESCE((SELECT subject FROM messages WHERE thread_id = ?1
				ORDER BY received_at DESC LIMIT 1), subject),
			snippet = COALESCE((SELECT snippet FROM messages WHERE thread_id = ?1
				ORDER BY received_at DESC LIMIT 1), snippet),
			updated_at = ?2
		WHERE id = ?1`,
		threadID, t.now,
	)
	if err != nil {
		return fmt.Errorf("recomputing thread %s: %w", threadID, err)
	}
	return nil
}

// MarkMessageRead flips a stored message to read in its own transaction.
// It reports false when the message is not stored.
func (s *SQLiteStore) MarkMessageRead(ctx context.Context, connectionID, providerMessageID string) (bool, error) {
	var found bool
	err := s.WithTx(ctx, func(ctx context.Context, tx *Tx) error {
		var err error
		found, err = tx.MarkMessageRead(ctx, connectionID, providerMessageID)
		return err
	})
	return found, err
}

// MarkMessageRead sets is_unread=false without touching content, and
// recomputes the thread counters.
func (t *Tx) MarkMessageRead(ctx context.Context, connectionID, providerMessageID string) (bool, error) {
	var threadID string
	err := t.tx.GetContext(ctx, &threadID, `
		UPDATE messages SET is_unread = 0, updated_at = ?
		WHERE connection_id = ? AND provider_message_id = ?
		RETURNING thread_id`,
		t.now, connectionID, providerMessageID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("marking message %s read: %w", providerMessageID, err)
	}

	if err := t.recomputeThread(ctx, threadID); err != nil {
		return false, err
	}
	return true, nil
}

// GetMessageByProviderID retrieves a message by its provider key.
func (s *SQLiteStore) GetMessageByProviderID(
	ctx context.Context,
	connectionID string,
	providerMessageID string,
) (*model.Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row,
		"SELECT * FROM messages WHERE connection_id = ? AND provider_message_id = ?",
		connectionID, providerMessageID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("getting message %s: %w", providerMessageID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", providerMessageID, err)
	}

	return &model.Message{
		ID:                row.ID,
		ConnectionID:      row.ConnectionID,
		ThreadID:          row.ThreadID,
		ProviderMessageID: row.ProviderMessageID,
		Subject:           row.Subject,
		Snippet:           row.Snippet,
		TextBody:          stringPtr(row.TextBody),
		HTMLBody:          stringPtr(row.HTMLBody),
		IsUnread:          row.IsUnread,
		IsBlocked:         row.IsBlocked,
		IsNoise:           row.IsNoise,
		LLMProcessed:      row.LLMProcessed,
		ReceivedAt:        row.ReceivedAt,
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
	}, nil
}

// CountMessages returns how many messages a connection has stored.
func (s *SQLiteStore) CountMessages(ctx context.Context, connectionID string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM messages WHERE connection_id = ?", connectionID); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return n, nil
}

// GetThread retrieves a thread by its internal ID.
func (s *SQLiteStore) GetThread(ctx context.Context, id string) (*model.Thread, error) {
	var row threadRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM threads WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("getting thread %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting thread %s: %w", id, err)
	}

	return &model.Thread{
		ID:               row.ID,
		ConnectionID:     row.ConnectionID,
		ProviderThreadID: row.ProviderThreadID,
		Subject:          row.Subject,
		Snippet:          row.Snippet,
		LastMessageAt:    timePtr(row.LastMessageAt),
		MessageCount:     row.MessageCount,
		UnreadCount:      row.UnreadCount,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}, nil
}

// ListParticipants returns the participants of a message in insertion order.
func (s *SQLiteStore) ListParticipants(ctx context.Context, messageID string) ([]model.Participant, error) {
	var rows []struct {
		MessageID string         `db:"message_id"`
		Role      string         `db:"role"`
		Email     string         `db:"email"`
		Name      sql.NullString `db:"name"`
	}
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT message_id, role, email, name FROM participants WHERE message_id = ? ORDER BY id",
		messageID); err != nil {
		return nil, fmt.Errorf("querying participants: %w", err)
	}

	out := make([]model.Participant, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.Participant{
			MessageID: r.MessageID,
			Role:      model.ParticipantRole(r.Role),
			Email:     r.Email,
			Name:      stringPtr(r.Name),
		})
	}
	return out, nil
}

// ListMessageLabels returns the provider label ids attached to a message.
func (s *SQLiteStore) ListMessageLabels(ctx context.Context, messageID string) ([]string, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids,
		"SELECT provider_label_id FROM message_labels WHERE message_id = ? ORDER BY provider_label_id",
		messageID); err != nil {
		return nil, fmt.Errorf("querying message labels: %w", err)
	}
	return ids, nil
}

// ListAttachments returns the attachments of a message, content included.
func (s *SQLiteStore) ListAttachments(ctx context.Context, messageID string) ([]model.Attachment, error) {
	var rows []attachmentRow
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM attachments WHERE message_id = ? ORDER BY provider_attachment_id",
		messageID); err != nil {
		return nil, fmt.Errorf("querying attachments: %w", err)
	}

	out := make([]model.Attachment, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.Attachment{
			ID:                   r.ID,
			MessageID:            r.MessageID,
			ProviderAttachmentID: r.ProviderAttachmentID,
			Filename:             r.Filename,
			MimeType:             r.MimeType,
			Size:                 r.Size,
			IsInline:             r.IsInline,
			ContentID:            r.ContentID,
			Content:              r.Content,
		})
	}
	return out, nil
}

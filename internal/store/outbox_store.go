package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/mailsync/internal/model"
)

// UpsertContacts records correspondents of a user. The earliest firstMetAt
// wins and a known name is never replaced by an empty one.
func (s *SQLiteStore) UpsertContacts(ctx context.Context, userID string, contacts []model.Contact) error {
	if len(contacts) == 0 {
		return nil
	}

	return s.WithTx(ctx, func(ctx context.Context, tx *Tx) error {
		stmt, err := tx.tx.PreparexContext(ctx, `
			INSERT INTO contacts (user_id, email, name, first_met_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (user_id, email) DO UPDATE SET
				name = COALESCE(excluded.name, contacts.name),
				first_met_at = MIN(contacts.first_met_at, excluded.first_met_at),
				updated_at = excluded.updated_at`)
		if err != nil {
			return fmt.Errorf("preparing contact upsert: %w", err)
		}
		defer stmt.Close()

		for _, c := range contacts {
			email := strings.ToLower(strings.TrimSpace(c.Email))
			if email == "" {
				continue
			}
			if _, err := stmt.ExecContext(ctx,
				userID, email, nullString(c.Name), c.FirstMetAt.UTC(), tx.now,
			); err != nil {
				return fmt.Errorf("upserting contact %s: %w", email, err)
			}
		}
		return nil
	})
}

// ListContacts returns a user's contacts ordered by email.
func (s *SQLiteStore) ListContacts(ctx context.Context, userID string) ([]model.Contact, error) {
	var rows []struct {
		Email      string         `db:"email"`
		Name       sql.NullString `db:"name"`
		FirstMetAt time.Time      `db:"first_met_at"`
	}
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT email, name, first_met_at FROM contacts WHERE user_id = ? ORDER BY email",
		userID); err != nil {
		return nil, fmt.Errorf("querying contacts: %w", err)
	}

	out := make([]model.Contact, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.Contact{Email: r.Email, Name: stringPtr(r.Name), FirstMetAt: r.FirstMetAt})
	}
	return out, nil
}

type analysisJobRow struct {
	ID           string       `db:"id"`
	Type         string       `db:"type"`
	UserID       string       `db:"user_id"`
	ConnectionID string       `db:"connection_id"`
	MessageID    string       `db:"message_id"`
	ThreadID     string       `db:"thread_id"`
	AttachmentID string       `db:"attachment_id"`
	CreatedAt    time.Time    `db:"created_at"`
	ProcessedAt  sql.NullTime `db:"processed_at"`
}

// InsertAnalysisJob appends a job to the analysis outbox.
func (s *SQLiteStore) InsertAnalysisJob(ctx context.Context, job model.AnalysisJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analysis_jobs (
			id, type, user_id, connection_id, message_id, thread_id, attachment_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Type), job.UserID, job.ConnectionID,
		job.MessageID, job.ThreadID, job.AttachmentID, job.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting %s analysis job: %w", job.Type, err)
	}
	return nil
}

// ListPendingAnalysisJobs returns unprocessed jobs, oldest first.
func (s *SQLiteStore) ListPendingAnalysisJobs(ctx context.Context, limit int) ([]model.AnalysisJob, error) {
	query := "SELECT * FROM analysis_jobs WHERE processed_at IS NULL ORDER BY created_at, id"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var rows []analysisJobRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("querying analysis jobs: %w", err)
	}

	out := make([]model.AnalysisJob, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.AnalysisJob{
			ID:           r.ID,
			Type:         model.AnalysisType(r.Type),
			UserID:       r.UserID,
			ConnectionID: r.ConnectionID,
			MessageID:    r.MessageID,
			ThreadID:     r.ThreadID,
			AttachmentID: r.AttachmentID,
			CreatedAt:    r.CreatedAt,
		})
	}
	return out, nil
}

// MarkAnalysisJobProcessed acknowledges a job.
func (s *SQLiteStore) MarkAnalysisJobProcessed(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, "acknowledging analysis job "+id,
		"UPDATE analysis_jobs SET processed_at = ? WHERE id = ?", at.UTC(), id)
}

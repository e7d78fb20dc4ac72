package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/mailsync/internal/model"
)

type oauthStateRow struct {
	State       string       `db:"state"`
	UserID      string       `db:"user_id"`
	Provider    string       `db:"provider"`
	RedirectTo  string       `db:"redirect_to"`
	SyncStartAt sql.NullTime `db:"sync_start_at"`
	CreatedAt   time.Time    `db:"created_at"`
	ExpiresAt   time.Time    `db:"expires_at"`
	ConsumedAt  sql.NullTime `db:"consumed_at"`
}

// CreateOAuthState inserts a pending handshake record.
func (s *SQLiteStore) CreateOAuthState(ctx context.Context, st model.OAuthState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_states (
			state, user_id, provider, redirect_to, sync_start_at, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		st.State, st.UserID, string(st.Provider), st.RedirectTo,
		nullTime(st.SyncStartAt), st.CreatedAt.UTC(), st.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("creating oauth state: %w", err)
	}
	return nil
}

// ConsumeOAuthState marks a state used and returns it. Unknown or already
// consumed states yield model.ErrOAuthStateNotFound; states past their
// expiry yield model.ErrOAuthStateExpired and stay unconsumed.
func (s *SQLiteStore) ConsumeOAuthState(ctx context.Context, state string, now time.Time) (*model.OAuthState, error) {
	var out *model.OAuthState

	err := s.WithTx(ctx, func(ctx context.Context, tx *Tx) error {
		var row oauthStateRow
		err := tx.tx.GetContext(ctx, &row,
			"SELECT * FROM oauth_states WHERE state = ? AND consumed_at IS NULL", state)
		if errors.Is(err, sql.ErrNoRows) {
			return model.ErrOAuthStateNotFound
		}
		if err != nil {
			return fmt.Errorf("reading oauth state: %w", err)
		}

		st := &model.OAuthState{
			State:       row.State,
			UserID:      row.UserID,
			Provider:    model.Provider(row.Provider),
			RedirectTo:  row.RedirectTo,
			SyncStartAt: timePtr(row.SyncStartAt),
			CreatedAt:   row.CreatedAt,
			ExpiresAt:   row.ExpiresAt,
		}
		if st.Expired(now) {
			return model.ErrOAuthStateExpired
		}

		consumed := now.UTC()
		if _, err := tx.tx.ExecContext(ctx,
			"UPDATE oauth_states SET consumed_at = ? WHERE state = ?", consumed, state); err != nil {
			return fmt.Errorf("consuming oauth state: %w", err)
		}
		st.ConsumedAt = &consumed
		out = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteExpiredOAuthStates removes states that expired before now and
// returns how many were deleted.
func (s *SQLiteStore) DeleteExpiredOAuthStates(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM oauth_states WHERE expires_at <= ?", now.UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting expired oauth states: %w", err)
	}
	return res.RowsAffected()
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/mailsync/internal/model"
)

// connectionRow mirrors the connections table.
type connectionRow struct {
	ID                string       `db:"id"`
	UserID            string       `db:"user_id"`
	Provider          string       `db:"provider"`
	ProviderAccountID string       `db:"provider_account_id"`
	Status            string       `db:"status"`
	AccessToken       string       `db:"access_token"`
	RefreshToken      string       `db:"refresh_token"`
	TokenExpiry       sql.NullTime `db:"token_expiry"`
	Scope             string       `db:"scope"`
	SyncState         string       `db:"sync_state"`
	Metadata          string       `db:"metadata"`
	LastSyncedAt      sql.NullTime `db:"last_synced_at"`
	SyncStartAt       sql.NullTime `db:"sync_start_at"`
	CreatedAt         time.Time    `db:"created_at"`
	UpdatedAt         time.Time    `db:"updated_at"`
}

func (r connectionRow) toModel() (model.Connection, error) {
	conn := model.Connection{
		ID:                r.ID,
		UserID:            r.UserID,
		Provider:          model.Provider(r.Provider),
		ProviderAccountID: r.ProviderAccountID,
		Status:            model.ConnectionStatus(r.Status),
		AccessToken:       r.AccessToken,
		RefreshToken:      r.RefreshToken,
		TokenExpiry:       timePtr(r.TokenExpiry),
		Scope:             r.Scope,
		LastSyncedAt:      timePtr(r.LastSyncedAt),
		SyncStartAt:       timePtr(r.SyncStartAt),
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}

	state, err := model.DecodeSyncState(conn.Provider, r.SyncState)
	if err != nil {
		return model.Connection{}, fmt.Errorf("connection %s: %w", r.ID, err)
	}
	conn.SyncState = state

	if r.Metadata != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &conn.Metadata); err != nil {
			return model.Connection{}, fmt.Errorf("unmarshaling metadata of connection %s: %w", r.ID, err)
		}
	}

	return conn, nil
}

// UpsertConnection inserts a connection or, when one already exists for
// the same (user, provider, provider account), overwrites its credentials,
// status and backfill start while keeping its id and sync cursor. conn.ID
// is set to the stored id.
func (s *SQLiteStore) UpsertConnection(ctx context.Context, conn *model.Connection) error {
	if conn.ID == "" {
		conn.ID = uuid.New().String()
	}
	if conn.Status == "" {
		conn.Status = model.StatusPending
	}

	state, err := model.EncodeSyncState(conn.SyncState)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(conn.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling connection metadata: %w", err)
	}

	now := s.now().UTC()

	err = s.db.GetContext(ctx, &conn.ID, `
		INSERT INTO connections (
			id, user_id, provider, provider_account_id, status,
			access_token, refresh_token, token_expiry, scope,
			sync_state, metadata, sync_start_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, provider, provider_account_id) DO UPDATE SET
			status        = excluded.status,
			access_token  = excluded.access_token,
			refresh_token = CASE WHEN excluded.refresh_token != ''
				THEN excluded.refresh_token ELSE connections.refresh_token END,
			token_expiry  = excluded.token_expiry,
			scope         = excluded.scope,
			metadata      = excluded.metadata,
			sync_start_at = COALESCE(excluded.sync_start_at, connections.sync_start_at),
			updated_at    = excluded.updated_at
		RETURNING id`,
		conn.ID, conn.UserID, string(conn.Provider), conn.ProviderAccountID, string(conn.Status),
		conn.AccessToken, conn.RefreshToken, nullTime(conn.TokenExpiry), conn.Scope,
		state, string(meta), nullTime(conn.SyncStartAt), now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting connection for %s/%s: %w", conn.Provider, conn.ProviderAccountID, err)
	}

	return nil
}

// GetConnection retrieves a single connection by its ID.
func (s *SQLiteStore) GetConnection(ctx context.Context, id string) (*model.Connection, error) {
	var row connectionRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM connections WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("getting connection %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting connection %s: %w", id, err)
	}

	conn, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

// ListConnections retrieves connections matching the filter, oldest first.
func (s *SQLiteStore) ListConnections(ctx context.Context, filter ConnectionFilter) ([]model.Connection, error) {
	var conditions []string
	var args []interface{}

	if filter.UserID != nil {
		conditions = append(conditions, "user_id = ?")
		args = append(args, *filter.UserID)
	}
	if filter.Provider != nil {
		conditions = append(conditions, "provider = ?")
		args = append(args, string(*filter.Provider))
	}
	if filter.Status != nil {
		conditions = append(conditions, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.ProviderAccountID != nil {
		conditions = append(conditions, "provider_account_id = ? COLLATE NOCASE")
		args = append(args, *filter.ProviderAccountID)
	}

	query := "SELECT * FROM connections"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at, id"

	var rows []connectionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying connections: %w", err)
	}

	conns := make([]model.Connection, 0, len(rows))
	for _, r := range rows {
		conn, err := r.toModel()
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, nil
}

// UpdateConnectionTokens stores refreshed OAuth tokens.
func (s *SQLiteStore) UpdateConnectionTokens(
	ctx context.Context,
	id string,
	accessToken string,
	refreshToken string,
	expiry *time.Time,
) error {
	return s.execOne(ctx, "updating tokens of connection "+id, `
		UPDATE connections
		SET access_token = ?, refresh_token = ?, token_expiry = ?, updated_at = ?
		WHERE id = ?`,
		accessToken, refreshToken, nullTime(expiry), s.now().UTC(), id,
	)
}

// UpdateConnectionStatus sets the status and metadata of a connection.
func (s *SQLiteStore) UpdateConnectionStatus(
	ctx context.Context,
	id string,
	status model.ConnectionStatus,
	meta model.ConnectionMetadata,
) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshaling connection metadata: %w", err)
	}

	return s.execOne(ctx, "updating status of connection "+id, `
		UPDATE connections SET status = ?, metadata = ?, updated_at = ? WHERE id = ?`,
		string(status), string(data), s.now().UTC(), id,
	)
}

// SaveSyncState persists the cursor after a successful pass and promotes a
// pending connection to connected.
func (s *SQLiteStore) SaveSyncState(ctx context.Context, id string, state model.SyncState, syncedAt time.Time) error {
	encoded, err := model.EncodeSyncState(state)
	if err != nil {
		return err
	}

	return s.execOne(ctx, "saving sync state of connection "+id, `
		UPDATE connections
		SET sync_state = ?,
			last_synced_at = ?,
			status = CASE WHEN status = 'pending' THEN 'connected' ELSE status END,
			updated_at = ?
		WHERE id = ?`,
		encoded, syncedAt.UTC(), s.now().UTC(), id,
	)
}

// ResetSyncState overwrites the cursor without touching status or
// lastSyncedAt. It is used when a pass discards a cursor the provider no
// longer accepts.
func (s *SQLiteStore) ResetSyncState(ctx context.Context, id string, state model.SyncState) error {
	encoded, err := model.EncodeSyncState(state)
	if err != nil {
		return err
	}

	return s.execOne(ctx, "resetting sync state of connection "+id,
		"UPDATE connections SET sync_state = ?, updated_at = ? WHERE id = ?",
		encoded, s.now().UTC(), id,
	)
}

// RevokeConnection marks a connection revoked and wipes its credentials.
// Synced mail is kept.
func (s *SQLiteStore) RevokeConnection(ctx context.Context, id string) error {
	return s.execOne(ctx, "revoking connection "+id, `
		UPDATE connections
		SET status = 'revoked', access_token = '', refresh_token = '',
			token_expiry = NULL, updated_at = ?
		WHERE id = ?`,
		s.now().UTC(), id,
	)
}

// execOne runs an update that must touch exactly one row.
func (s *SQLiteStore) execOne(ctx context.Context, what string, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

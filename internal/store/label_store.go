package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nhle/mailsync/internal/model"
)

// UpsertLabels inserts or renames the given labels of a connection.
func (s *SQLiteStore) UpsertLabels(ctx context.Context, connectionID string, labels []model.Label) error {
	if len(labels) == 0 {
		return nil
	}

	return s.WithTx(ctx, func(ctx context.Context, tx *Tx) error {
		stmt, err := tx.tx.PreparexContext(ctx, `
			INSERT INTO labels (id, connection_id, provider_label_id, name, type)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (connection_id, provider_label_id) DO UPDATE SET
				name = excluded.name,
				type = excluded.type`)
		if err != nil {
			return fmt.Errorf("preparing label upsert: %w", err)
		}
		defer stmt.Close()

		for _, l := range labels {
			if _, err := stmt.ExecContext(ctx,
				uuid.New().String(), connectionID, l.ProviderLabelID, l.Name, l.Type,
			); err != nil {
				return fmt.Errorf("upserting label %s: %w", l.ProviderLabelID, err)
			}
		}
		return nil
	})
}

// ListLabels returns a connection's labels ordered by name.
func (s *SQLiteStore) ListLabels(ctx context.Context, connectionID string) ([]model.Label, error) {
	var rows []struct {
		ID              string `db:"id"`
		ConnectionID    string `db:"connection_id"`
		ProviderLabelID string `db:"provider_label_id"`
		Name            string `db:"name"`
		Type            string `db:"type"`
	}
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM labels WHERE connection_id = ? ORDER BY name", connectionID); err != nil {
		return nil, fmt.Errorf("querying labels: %w", err)
	}

	labels := make([]model.Label, 0, len(rows))
	for _, r := range rows {
		labels = append(labels, model.Label{
			ID:              r.ID,
			ConnectionID:    r.ConnectionID,
			ProviderLabelID: r.ProviderLabelID,
			Name:            r.Name,
			Type:            r.Type,
		})
	}
	return labels, nil
}

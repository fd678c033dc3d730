package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/stackwise/dcavault/internal/types"
)

func (p *PostgresBackend) CreateEvent(ctx context.Context, event types.Event) (int64, error) {
	query := `
        INSERT INTO events (vault_id, reason, attributes)
        VALUES ($1, $2, $3)
        RETURNING id`

	var id int64
	err := p.pool.QueryRow(ctx, query, event.VaultID, event.Reason, event.Attributes).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}
	return id, nil
}

func (p *PostgresBackend) CreateEventTx(ctx context.Context, dbTx pgx.Tx, event types.Event) (int64, error) {
	query := `
        INSERT INTO events (vault_id, reason, attributes)
        VALUES ($1, $2, $3)
        RETURNING id`

	var id int64
	err := dbTx.QueryRow(ctx, query, event.VaultID, event.Reason, event.Attributes).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}
	return id, nil
}

func (p *PostgresBackend) GetEventsByVault(ctx context.Context, vaultID int64, take, skip int) ([]types.Event, error) {
	query := `
        SELECT id, vault_id, reason, attributes, created_at
        FROM events
        WHERE vault_id = $1
        ORDER BY id
        LIMIT $2 OFFSET $3`

	rows, err := p.pool.Query(ctx, query, vaultID, take, skip)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []types.Event
	for rows.Next() {
		var ev types.Event
		if err := rows.Scan(&ev.ID, &ev.VaultID, &ev.Reason, &ev.Attributes, &ev.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

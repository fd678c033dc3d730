package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/stackwise/dcavault/internal/types"
	"github.com/stackwise/dcavault/storage"
)

const triggerColumns = `vault_id, kind, target_time, order_idx, target_price::text`

func (p *PostgresBackend) CreateTriggerTx(ctx context.Context, dbTx pgx.Tx, trigger types.Trigger) error {
	query := `
        INSERT INTO triggers (vault_id, kind, target_time, order_idx, target_price)
        VALUES ($1, $2, $3, $4, $5)`

	var targetTime *time.Time
	if trigger.Kind == types.TriggerKindTime {
		utc := trigger.TargetTime.UTC()
		targetTime = &utc
	}

	_, err := dbTx.Exec(ctx, query,
		trigger.VaultID,
		trigger.Kind,
		targetTime,
		trigger.OrderIdx,
		decimalPtrToString(trigger.TargetPrice),
	)
	if err != nil {
		return fmt.Errorf("failed to insert trigger: %w", err)
	}
	return nil
}

func (p *PostgresBackend) GetTrigger(ctx context.Context, vaultID int64) (types.Trigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM triggers WHERE vault_id = $1`

	trigger, err := scanTrigger(p.pool.QueryRow(ctx, query, vaultID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Trigger{}, storage.ErrTriggerNotFound
		}
		return types.Trigger{}, fmt.Errorf("failed to get trigger: %w", err)
	}
	return trigger, nil
}

func (p *PostgresBackend) GetTriggerByOrderIdx(ctx context.Context, orderIdx uint64) (types.Trigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM triggers WHERE order_idx = $1`

	trigger, err := scanTrigger(p.pool.QueryRow(ctx, query, orderIdx))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Trigger{}, storage.ErrTriggerNotFound
		}
		return types.Trigger{}, fmt.Errorf("failed to get trigger by order idx: %w", err)
	}
	return trigger, nil
}

func (p *PostgresBackend) GetDueTimeTriggers(ctx context.Context, limit int) ([]types.Trigger, error) {
	query := `
        SELECT ` + triggerColumns + `
        FROM triggers
        WHERE kind = 'time' AND target_time <= NOW()
        ORDER BY target_time
        LIMIT $1`

	rows, err := p.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due triggers: %w", err)
	}
	defer rows.Close()

	var triggers []types.Trigger
	for rows.Next() {
		trigger, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, trigger)
	}
	return triggers, rows.Err()
}

func (p *PostgresBackend) SetTriggerOrderIdx(ctx context.Context, vaultID int64, orderIdx uint64) error {
	query := `UPDATE triggers SET order_idx = $2 WHERE vault_id = $1`

	tag, err := p.pool.Exec(ctx, query, vaultID, orderIdx)
	if err != nil {
		return fmt.Errorf("failed to set trigger order idx: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrTriggerNotFound
	}
	return nil
}

func (p *PostgresBackend) DeleteTrigger(ctx context.Context, vaultID int64) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM triggers WHERE vault_id = $1`, vaultID)
	if err != nil {
		return fmt.Errorf("failed to delete trigger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrTriggerNotFound
	}
	return nil
}

func (p *PostgresBackend) DeleteTriggerTx(ctx context.Context, dbTx pgx.Tx, vaultID int64) error {
	tag, err := dbTx.Exec(ctx, `DELETE FROM triggers WHERE vault_id = $1`, vaultID)
	if err != nil {
		return fmt.Errorf("failed to delete trigger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrTriggerNotFound
	}
	return nil
}

func scanTrigger(row pgx.Row) (types.Trigger, error) {
	var (
		t           types.Trigger
		targetTime  *time.Time
		targetPrice *string
	)

	err := row.Scan(&t.VaultID, &t.Kind, &targetTime, &t.OrderIdx, &targetPrice)
	if err != nil {
		return types.Trigger{}, err
	}

	if targetTime != nil {
		t.TargetTime = targetTime.UTC()
	}
	if targetPrice != nil {
		price, err := decimal.NewFromString(*targetPrice)
		if err != nil {
			return types.Trigger{}, fmt.Errorf("invalid target price: %w", err)
		}
		t.TargetPrice = &price
	}
	return t, nil
}

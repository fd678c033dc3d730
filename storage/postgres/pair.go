package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/stackwise/dcavault/internal/types"
	"github.com/stackwise/dcavault/storage"
)

func (p *PostgresBackend) CreatePair(ctx context.Context, pair types.Pair) error {
	query := `
        INSERT INTO pairs (name, base_denom, quote_denom, venue_address)
        VALUES ($1, $2, $3, $4)`

	_, err := p.pool.Exec(ctx, query, pair.Name, pair.BaseDenom, pair.QuoteDenom, pair.VenueAddress)
	if err != nil {
		return fmt.Errorf("failed to insert pair: %w", err)
	}
	return nil
}

func (p *PostgresBackend) GetPair(ctx context.Context, name string) (types.Pair, error) {
	query := `SELECT name, base_denom, quote_denom, venue_address FROM pairs WHERE name = $1`

	var pair types.Pair
	err := p.pool.QueryRow(ctx, query, name).Scan(&pair.Name, &pair.BaseDenom, &pair.QuoteDenom, &pair.VenueAddress)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Pair{}, storage.ErrPairNotFound
		}
		return types.Pair{}, fmt.Errorf("failed to get pair: %w", err)
	}
	return pair, nil
}

func (p *PostgresBackend) ListPairs(ctx context.Context) ([]types.Pair, error) {
	query := `SELECT name, base_denom, quote_denom, venue_address FROM pairs ORDER BY name`

	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list pairs: %w", err)
	}
	defer rows.Close()

	var pairs []types.Pair
	for rows.Next() {
		var pair types.Pair
		if err := rows.Scan(&pair.Name, &pair.BaseDenom, &pair.QuoteDenom, &pair.VenueAddress); err != nil {
			return nil, err
		}
		pairs = append(pairs, pair)
	}
	return pairs, rows.Err()
}

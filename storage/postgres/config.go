package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stackwise/dcavault/internal/types"
)

func (p *PostgresBackend) GetFeeConfig(ctx context.Context) (types.FeeConfig, error) {
	query := `SELECT config FROM fee_config WHERE singleton = TRUE`

	var buf []byte
	if err := p.pool.QueryRow(ctx, query).Scan(&buf); err != nil {
		return types.FeeConfig{}, fmt.Errorf("failed to get fee config: %w", err)
	}

	var cfg types.FeeConfig
	if err := json.Unmarshal(buf, &cfg); err != nil {
		return types.FeeConfig{}, fmt.Errorf("failed to unmarshal fee config: %w", err)
	}
	return cfg, nil
}

func (p *PostgresBackend) UpdateFeeConfig(ctx context.Context, cfg types.FeeConfig) error {
	buf, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal fee config: %w", err)
	}

	query := `UPDATE fee_config SET config = $1, updated_at = NOW() WHERE singleton = TRUE`
	if _, err := p.pool.Exec(ctx, query, buf); err != nil {
		return fmt.Errorf("failed to update fee config: %w", err)
	}
	return nil
}

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/stackwise/dcavault/internal/types"
	"github.com/stackwise/dcavault/storage"
)

const vaultColumns = `
    id, owner, label, status, pair_name, base_denom, quote_denom, venue_address,
    swap_interval, balance_denom, balance_amount::text, swap_amount::text,
    swapped_denom, swapped_amount::text, received_denom, received_amount::text,
    minimum_receive_amount::text, slippage_tolerance::text, price_threshold::text,
    destinations, plus, created_at`

func (p *PostgresBackend) CreateVaultTx(ctx context.Context, dbTx pgx.Tx, vault types.Vault) (*types.Vault, error) {
	destinations, err := json.Marshal(vault.Destinations)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal destinations: %w", err)
	}

	var plus []byte
	if vault.Plus != nil {
		plus, err = json.Marshal(vault.Plus)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal plus config: %w", err)
		}
	}

	query := `
        INSERT INTO vaults
        (owner, label, status, pair_name, base_denom, quote_denom, venue_address,
         swap_interval, balance_denom, balance_amount, swap_amount,
         swapped_denom, swapped_amount, received_denom, received_amount,
         minimum_receive_amount, slippage_tolerance, price_threshold, destinations, plus)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
        RETURNING id, created_at`

	err = dbTx.QueryRow(ctx, query,
		vault.Owner,
		vault.Label,
		vault.Status,
		vault.Pair.Name,
		vault.Pair.BaseDenom,
		vault.Pair.QuoteDenom,
		vault.Pair.VenueAddress,
		vault.Interval,
		vault.Balance.Denom,
		vault.Balance.Amount.String(),
		vault.SwapAmount.Amount.String(),
		vault.SwappedAmount.Denom,
		vault.SwappedAmount.Amount.String(),
		vault.ReceivedAmount.Denom,
		vault.ReceivedAmount.Amount.String(),
		decimalPtrToString(vault.MinimumReceiveAmount),
		decimalPtrToString(vault.SlippageTolerance),
		decimalPtrToString(vault.PriceThreshold),
		destinations,
		plus,
	).Scan(&vault.ID, &vault.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert vault: %w", err)
	}

	return &vault, nil
}

func (p *PostgresBackend) GetVault(ctx context.Context, id int64) (types.Vault, error) {
	query := `SELECT ` + vaultColumns + ` FROM vaults WHERE id = $1`

	row := p.pool.QueryRow(ctx, query, id)
	vault, err := scanVault(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Vault{}, storage.ErrVaultNotFound
		}
		return types.Vault{}, fmt.Errorf("failed to get vault: %w", err)
	}
	return vault, nil
}

const updateVaultQuery = `
        UPDATE vaults SET
            status = $2,
            balance_amount = $3,
            swapped_amount = $4,
            received_amount = $5,
            minimum_receive_amount = $6,
            slippage_tolerance = $7,
            price_threshold = $8,
            destinations = $9,
            plus = $10
        WHERE id = $1`

func updateVaultArgs(vault types.Vault) ([]any, error) {
	destinations, err := json.Marshal(vault.Destinations)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal destinations: %w", err)
	}

	var plus []byte
	if vault.Plus != nil {
		plus, err = json.Marshal(vault.Plus)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal plus config: %w", err)
		}
	}

	return []any{
		vault.ID,
		vault.Status,
		vault.Balance.Amount.String(),
		vault.SwappedAmount.Amount.String(),
		vault.ReceivedAmount.Amount.String(),
		decimalPtrToString(vault.MinimumReceiveAmount),
		decimalPtrToString(vault.SlippageTolerance),
		decimalPtrToString(vault.PriceThreshold),
		destinations,
		plus,
	}, nil
}

func (p *PostgresBackend) UpdateVault(ctx context.Context, vault types.Vault) error {
	args, err := updateVaultArgs(vault)
	if err != nil {
		return err
	}

	tag, err := p.pool.Exec(ctx, updateVaultQuery, args...)
	if err != nil {
		return fmt.Errorf("failed to update vault: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrVaultNotFound
	}
	return nil
}

func (p *PostgresBackend) UpdateVaultTx(ctx context.Context, dbTx pgx.Tx, vault types.Vault) error {
	args, err := updateVaultArgs(vault)
	if err != nil {
		return err
	}

	tag, err := dbTx.Exec(ctx, updateVaultQuery, args...)
	if err != nil {
		return fmt.Errorf("failed to update vault: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrVaultNotFound
	}
	return nil
}

func scanVault(row pgx.Row) (types.Vault, error) {
	var (
		v                 types.Vault
		balanceAmount     string
		swapAmount        string
		swappedAmount     string
		receivedAmount    string
		minReceive        *string
		slippageTolerance *string
		priceThreshold    *string
		destinations      []byte
		plus              []byte
		createdAt         time.Time
	)

	err := row.Scan(
		&v.ID,
		&v.Owner,
		&v.Label,
		&v.Status,
		&v.Pair.Name,
		&v.Pair.BaseDenom,
		&v.Pair.QuoteDenom,
		&v.Pair.VenueAddress,
		&v.Interval,
		&v.Balance.Denom,
		&balanceAmount,
		&swapAmount,
		&v.SwappedAmount.Denom,
		&swappedAmount,
		&v.ReceivedAmount.Denom,
		&receivedAmount,
		&minReceive,
		&slippageTolerance,
		&priceThreshold,
		&destinations,
		&plus,
		&createdAt,
	)
	if err != nil {
		return types.Vault{}, err
	}

	if v.Balance.Amount, err = decimal.NewFromString(balanceAmount); err != nil {
		return types.Vault{}, fmt.Errorf("invalid balance amount: %w", err)
	}
	v.SwapAmount = types.Coin{Denom: v.Balance.Denom}
	if v.SwapAmount.Amount, err = decimal.NewFromString(swapAmount); err != nil {
		return types.Vault{}, fmt.Errorf("invalid swap amount: %w", err)
	}
	if v.SwappedAmount.Amount, err = decimal.NewFromString(swappedAmount); err != nil {
		return types.Vault{}, fmt.Errorf("invalid swapped amount: %w", err)
	}
	if v.ReceivedAmount.Amount, err = decimal.NewFromString(receivedAmount); err != nil {
		return types.Vault{}, fmt.Errorf("invalid received amount: %w", err)
	}
	if v.MinimumReceiveAmount, err = stringToDecimalPtr(minReceive); err != nil {
		return types.Vault{}, fmt.Errorf("invalid minimum receive amount: %w", err)
	}
	if v.SlippageTolerance, err = stringToDecimalPtr(slippageTolerance); err != nil {
		return types.Vault{}, fmt.Errorf("invalid slippage tolerance: %w", err)
	}
	if v.PriceThreshold, err = stringToDecimalPtr(priceThreshold); err != nil {
		return types.Vault{}, fmt.Errorf("invalid price threshold: %w", err)
	}
	if err := json.Unmarshal(destinations, &v.Destinations); err != nil {
		return types.Vault{}, fmt.Errorf("failed to unmarshal destinations: %w", err)
	}
	if plus != nil {
		v.Plus = &types.PlusConfig{}
		if err := json.Unmarshal(plus, v.Plus); err != nil {
			return types.Vault{}, fmt.Errorf("failed to unmarshal plus config: %w", err)
		}
	}
	v.CreatedAt = createdAt

	return v, nil
}

func (p *PostgresBackend) GetVaultsByOwner(ctx context.Context, owner string, status *types.VaultStatus, take, skip int) ([]types.Vault, error) {
	query := `SELECT ` + vaultColumns + ` FROM vaults WHERE owner = $1`
	args := []any{owner}

	if status != nil {
		query += ` AND status = $2`
		args = append(args, *status)
	}
	query += fmt.Sprintf(` ORDER BY id LIMIT %d OFFSET %d`, take, skip)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list vaults: %w", err)
	}
	defer rows.Close()

	var vaults []types.Vault
	for rows.Next() {
		vault, err := scanVault(rows)
		if err != nil {
			return nil, err
		}
		vaults = append(vaults, vault)
	}
	return vaults, rows.Err()
}

func decimalPtrToString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func stringToDecimalPtr(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

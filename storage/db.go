package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stackwise/dcavault/internal/types"
)

var (
	ErrVaultNotFound   = errors.New("vault not found")
	ErrTriggerNotFound = errors.New("trigger not found")
	ErrPairNotFound    = errors.New("pair not found")
)

type PoolProvider interface {
	Pool() *pgxpool.Pool
}

type Transactor interface {
	PoolProvider
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error
}

type DatabaseStorage interface {
	Transactor
	VaultRepository
	TriggerRepository
	EventRepository
	PairRepository
	ConfigRepository
	Close() error
}

type VaultRepository interface {
	CreateVaultTx(ctx context.Context, dbTx pgx.Tx, vault types.Vault) (*types.Vault, error)
	GetVault(ctx context.Context, id int64) (types.Vault, error)
	UpdateVault(ctx context.Context, vault types.Vault) error
	UpdateVaultTx(ctx context.Context, dbTx pgx.Tx, vault types.Vault) error
	GetVaultsByOwner(ctx context.Context, owner string, status *types.VaultStatus, take, skip int) ([]types.Vault, error)
}

type TriggerRepository interface {
	CreateTriggerTx(ctx context.Context, dbTx pgx.Tx, trigger types.Trigger) error
	GetTrigger(ctx context.Context, vaultID int64) (types.Trigger, error)
	GetTriggerByOrderIdx(ctx context.Context, orderIdx uint64) (types.Trigger, error)
	GetDueTimeTriggers(ctx context.Context, limit int) ([]types.Trigger, error)
	SetTriggerOrderIdx(ctx context.Context, vaultID int64, orderIdx uint64) error
	DeleteTrigger(ctx context.Context, vaultID int64) error
	DeleteTriggerTx(ctx context.Context, dbTx pgx.Tx, vaultID int64) error
}

type EventRepository interface {
	CreateEvent(ctx context.Context, event types.Event) (int64, error)
	CreateEventTx(ctx context.Context, dbTx pgx.Tx, event types.Event) (int64, error)
	GetEventsByVault(ctx context.Context, vaultID int64, take, skip int) ([]types.Event, error)
}

type PairRepository interface {
	CreatePair(ctx context.Context, pair types.Pair) error
	GetPair(ctx context.Context, name string) (types.Pair, error)
	ListPairs(ctx context.Context) ([]types.Pair, error)
}

type ConfigRepository interface {
	GetFeeConfig(ctx context.Context) (types.FeeConfig, error)
	UpdateFeeConfig(ctx context.Context, cfg types.FeeConfig) error
}

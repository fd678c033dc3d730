// Package database provides an in-memory DatabaseStorage fake for
// multi-step scenario tests. Transactions are pass-through: the
// callback runs with a nil pgx.Tx against the same maps.
package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stackwise/dcavault/internal/types"
	"github.com/stackwise/dcavault/storage"
)

type FakeDB struct {
	mu sync.Mutex

	nextVaultID int64
	nextEventID int64

	Vaults   map[int64]types.Vault
	Triggers map[int64]types.Trigger
	Events   []types.Event
	Pairs    map[string]types.Pair
	Config   types.FeeConfig
}

func NewFakeDB() *FakeDB {
	return &FakeDB{
		nextVaultID: 1,
		nextEventID: 1,
		Vaults:      make(map[int64]types.Vault),
		Triggers:    make(map[int64]types.Trigger),
		Pairs:       make(map[string]types.Pair),
	}
}

func (f *FakeDB) Pool() *pgxpool.Pool { return nil }

func (f *FakeDB) Close() error { return nil }

func (f *FakeDB) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return fn(ctx, nil)
}

func (f *FakeDB) CreateVaultTx(ctx context.Context, dbTx pgx.Tx, vault types.Vault) (*types.Vault, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	vault.ID = f.nextVaultID
	f.nextVaultID++
	vault.CreatedAt = time.Now().UTC()
	f.Vaults[vault.ID] = cloneVault(vault)
	return &vault, nil
}

func (f *FakeDB) GetVault(ctx context.Context, id int64) (types.Vault, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	vault, ok := f.Vaults[id]
	if !ok {
		return types.Vault{}, storage.ErrVaultNotFound
	}
	return cloneVault(vault), nil
}

func (f *FakeDB) UpdateVault(ctx context.Context, vault types.Vault) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.Vaults[vault.ID]; !ok {
		return storage.ErrVaultNotFound
	}
	f.Vaults[vault.ID] = cloneVault(vault)
	return nil
}

func (f *FakeDB) UpdateVaultTx(ctx context.Context, dbTx pgx.Tx, vault types.Vault) error {
	return f.UpdateVault(ctx, vault)
}

func (f *FakeDB) GetVaultsByOwner(ctx context.Context, owner string, status *types.VaultStatus, take, skip int) ([]types.Vault, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []types.Vault
	for _, v := range f.Vaults {
		if v.Owner != owner {
			continue
		}
		if status != nil && v.Status != *status {
			continue
		}
		out = append(out, cloneVault(v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if skip >= len(out) {
		return nil, nil
	}
	out = out[skip:]
	if take > 0 && take < len(out) {
		out = out[:take]
	}
	return out, nil
}

func (f *FakeDB) CreateTriggerTx(ctx context.Context, dbTx pgx.Tx, trigger types.Trigger) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	// vault_id is the primary key; inserts collide like they would in
	// postgres
	if _, exists := f.Triggers[trigger.VaultID]; exists {
		return fmt.Errorf("duplicate trigger for vault %d", trigger.VaultID)
	}
	f.Triggers[trigger.VaultID] = trigger
	return nil
}

func (f *FakeDB) GetTrigger(ctx context.Context, vaultID int64) (types.Trigger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	trigger, ok := f.Triggers[vaultID]
	if !ok {
		return types.Trigger{}, storage.ErrTriggerNotFound
	}
	return trigger, nil
}

func (f *FakeDB) GetTriggerByOrderIdx(ctx context.Context, orderIdx uint64) (types.Trigger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, trigger := range f.Triggers {
		if trigger.OrderIdx != nil && *trigger.OrderIdx == orderIdx {
			return trigger, nil
		}
	}
	return types.Trigger{}, storage.ErrTriggerNotFound
}

func (f *FakeDB) GetDueTimeTriggers(ctx context.Context, limit int) ([]types.Trigger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now().UTC()
	var due []types.Trigger
	for _, trigger := range f.Triggers {
		if trigger.Kind == types.TriggerKindTime && !trigger.TargetTime.After(now) {
			due = append(due, trigger)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].TargetTime.Before(due[j].TargetTime) })
	if limit > 0 && limit < len(due) {
		due = due[:limit]
	}
	return due, nil
}

func (f *FakeDB) SetTriggerOrderIdx(ctx context.Context, vaultID int64, orderIdx uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	trigger, ok := f.Triggers[vaultID]
	if !ok {
		return storage.ErrTriggerNotFound
	}
	trigger.OrderIdx = &orderIdx
	f.Triggers[vaultID] = trigger
	return nil
}

func (f *FakeDB) DeleteTrigger(ctx context.Context, vaultID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.Triggers[vaultID]; !ok {
		return storage.ErrTriggerNotFound
	}
	delete(f.Triggers, vaultID)
	return nil
}

func (f *FakeDB) DeleteTriggerTx(ctx context.Context, dbTx pgx.Tx, vaultID int64) error {
	return f.DeleteTrigger(ctx, vaultID)
}

func (f *FakeDB) CreateEvent(ctx context.Context, event types.Event) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	event.ID = f.nextEventID
	f.nextEventID++
	event.CreatedAt = time.Now().UTC()
	f.Events = append(f.Events, event)
	return event.ID, nil
}

func (f *FakeDB) CreateEventTx(ctx context.Context, dbTx pgx.Tx, event types.Event) (int64, error) {
	return f.CreateEvent(ctx, event)
}

func (f *FakeDB) GetEventsByVault(ctx context.Context, vaultID int64, take, skip int) ([]types.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []types.Event
	for _, event := range f.Events {
		if event.VaultID == vaultID {
			out = append(out, event)
		}
	}
	if skip >= len(out) {
		return nil, nil
	}
	out = out[skip:]
	if take > 0 && take < len(out) {
		out = out[:take]
	}
	return out, nil
}

// EventReasons returns the reason codes recorded for a vault, in order.
func (f *FakeDB) EventReasons(vaultID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var reasons []string
	for _, event := range f.Events {
		if event.VaultID == vaultID {
			reasons = append(reasons, event.Reason)
		}
	}
	return reasons
}

func (f *FakeDB) CreatePair(ctx context.Context, pair types.Pair) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Pairs[pair.Name] = pair
	return nil
}

func (f *FakeDB) GetPair(ctx context.Context, name string) (types.Pair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pair, ok := f.Pairs[name]
	if !ok {
		return types.Pair{}, storage.ErrPairNotFound
	}
	return pair, nil
}

func (f *FakeDB) ListPairs(ctx context.Context) ([]types.Pair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []types.Pair
	for _, pair := range f.Pairs {
		out = append(out, pair)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *FakeDB) GetFeeConfig(ctx context.Context) (types.FeeConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Config, nil
}

func (f *FakeDB) UpdateFeeConfig(ctx context.Context, cfg types.FeeConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Config = cfg
	return nil
}

// cloneVault deep-copies the pointer-valued fields so test mutations on
// a returned vault never leak into the stored record.
func cloneVault(v types.Vault) types.Vault {
	out := v
	out.Destinations = append([]types.Destination(nil), v.Destinations...)
	if v.Plus != nil {
		plus := *v.Plus
		if v.Plus.DisburseAt != nil {
			at := *v.Plus.DisburseAt
			plus.DisburseAt = &at
		}
		out.Plus = &plus
	}
	if v.MinimumReceiveAmount != nil {
		a := *v.MinimumReceiveAmount
		out.MinimumReceiveAmount = &a
	}
	if v.SlippageTolerance != nil {
		a := *v.SlippageTolerance
		out.SlippageTolerance = &a
	}
	if v.PriceThreshold != nil {
		a := *v.PriceThreshold
		out.PriceThreshold = &a
	}
	return out
}

// Package vault owns every vault status transition and all balance
// bookkeeping. No other component mutates a vault directly.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/stackwise/dcavault/internal/tasks"
	"github.com/stackwise/dcavault/internal/types"
	"github.com/stackwise/dcavault/storage"
)

var (
	ErrUnauthorized         = errors.New("unauthorized")
	ErrAlreadyCancelled     = errors.New("vault is already cancelled")
	ErrWrongFundingDenom    = errors.New("funding denom does not match the pair")
	ErrSwapAmountTooLow     = errors.New("swap amount is below the minimum")
	ErrNoDestinations       = errors.New("at least one destination is required")
	ErrTooManyDestinations  = errors.New("too many destinations")
	ErrAllocationClosure    = errors.New("destination allocations must sum to 1")
	ErrZeroAllocation       = errors.New("destination allocations must be positive")
	ErrDuplicateDestination = errors.New("duplicate destination address")
	ErrStartTimeInPast      = errors.New("target start time must be in the future")
	ErrExclusiveTriggers    = errors.New("target start time and target receive amount are mutually exclusive")
)

type Storage interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error
	CreateVaultTx(ctx context.Context, dbTx pgx.Tx, vault types.Vault) (*types.Vault, error)
	GetVault(ctx context.Context, id int64) (types.Vault, error)
	UpdateVault(ctx context.Context, vault types.Vault) error
	UpdateVaultTx(ctx context.Context, dbTx pgx.Tx, vault types.Vault) error
	GetVaultsByOwner(ctx context.Context, owner string, status *types.VaultStatus, take, skip int) ([]types.Vault, error)
	GetPair(ctx context.Context, name string) (types.Pair, error)
	GetFeeConfig(ctx context.Context) (types.FeeConfig, error)
	CreateEventTx(ctx context.Context, dbTx pgx.Tx, event types.Event) (int64, error)
	CreateEvent(ctx context.Context, event types.Event) (int64, error)
}

// TriggerWriter is the slice of the trigger scheduler the manager
// needs: it registers and removes execution slots but never decides
// when one is due.
type TriggerWriter interface {
	CreateTimeTrigger(ctx context.Context, dbTx pgx.Tx, vaultID int64, targetTime time.Time) error
	CreateLimitOrderTrigger(ctx context.Context, dbTx pgx.Tx, vaultID int64, targetPrice decimal.Decimal) error
	DeleteTrigger(ctx context.Context, dbTx pgx.Tx, vaultID int64) error
}

type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type Manager struct {
	db       Storage
	triggers TriggerWriter
	queue    Enqueuer
	logger   *logrus.Logger
}

func NewManager(db Storage, triggers TriggerWriter, queue Enqueuer, logger *logrus.Logger) *Manager {
	return &Manager{
		db:       db,
		triggers: triggers,
		queue:    queue,
		logger:   logger,
	}
}

type PlusParams struct {
	EscrowLevel decimal.Decimal `json:"escrow_level"`
	ModelID     int32           `json:"model_id"`
}

type CreateParams struct {
	Owner                string
	Label                string
	PairName             string
	Funds                types.Coin
	SwapAmount           decimal.Decimal
	Interval             types.Interval
	Destinations         []types.Destination
	TargetStartTime      *time.Time
	TargetReceiveAmount  *decimal.Decimal
	MinimumReceiveAmount *decimal.Decimal
	SlippageTolerance    *decimal.Decimal
	PriceThreshold       *decimal.Decimal
	Plus                 *PlusParams
}

// Create validates the parameters, persists the vault and registers its
// first trigger in one transaction. The vault starts Inactive when the
// initial balance does not cover a single swap.
func (m *Manager) Create(ctx context.Context, params CreateParams, now time.Time) (*types.Vault, error) {
	cfg, err := m.db.GetFeeConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load fee config: %w", err)
	}

	pair, err := m.db.GetPair(ctx, params.PairName)
	if err != nil {
		return nil, err
	}

	if params.Destinations == nil {
		params.Destinations = []types.Destination{{
			Address:    params.Owner,
			Allocation: decimal.NewFromInt(1),
			Action:     types.ActionSend,
		}}
	}

	if err := validateCreate(params, pair, cfg, now); err != nil {
		return nil, err
	}

	targetDenom := pair.TargetDenom(params.Funds.Denom)
	vault := types.Vault{
		Owner:                params.Owner,
		Label:                params.Label,
		Status:               types.VaultStatusScheduled,
		Pair:                 pair,
		Interval:             params.Interval,
		Balance:              params.Funds,
		SwapAmount:           types.NewCoinFromDecimal(params.Funds.Denom, params.SwapAmount),
		SwappedAmount:        types.NewCoin(params.Funds.Denom, 0),
		ReceivedAmount:       types.NewCoin(targetDenom, 0),
		MinimumReceiveAmount: params.MinimumReceiveAmount,
		SlippageTolerance:    params.SlippageTolerance,
		PriceThreshold:       params.PriceThreshold,
		Destinations:         params.Destinations,
	}
	if params.Plus != nil {
		vault.Plus = &types.PlusConfig{
			EscrowedBalance:  types.NewCoin(targetDenom, 0),
			EscrowLevel:      params.Plus.EscrowLevel,
			ModelID:          params.Plus.ModelID,
			TotalDeposit:     params.Funds,
			StandardSwapped:  types.NewCoin(params.Funds.Denom, 0),
			StandardReceived: types.NewCoin(targetDenom, 0),
		}
	}
	if vault.LowFunds() {
		vault.Status = types.VaultStatusInactive
	}

	var created *types.Vault
	err = m.db.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		created, err = m.db.CreateVaultTx(ctx, tx, vault)
		if err != nil {
			return err
		}

		if created.Status == types.VaultStatusScheduled {
			if params.TargetReceiveAmount != nil {
				// resting order at price = offer per unit received
				targetPrice := params.SwapAmount.Div(*params.TargetReceiveAmount)
				if err := m.triggers.CreateLimitOrderTrigger(ctx, tx, created.ID, targetPrice); err != nil {
					return err
				}
			} else {
				targetTime := now.UTC()
				if params.TargetStartTime != nil {
					targetTime = params.TargetStartTime.UTC()
				}
				if err := m.triggers.CreateTimeTrigger(ctx, tx, created.ID, targetTime); err != nil {
					return err
				}
			}
		}

		_, err = m.db.CreateEventTx(ctx, tx, types.NewEvent(created.ID, types.EventVaultCreated, map[string]string{
			"owner":   created.Owner,
			"balance": created.Balance.String(),
		}))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create vault: %w", err)
	}

	return created, nil
}

func validateCreate(params CreateParams, pair types.Pair, cfg types.FeeConfig, now time.Time) error {
	if params.Funds.Denom != pair.BaseDenom && params.Funds.Denom != pair.QuoteDenom {
		return ErrWrongFundingDenom
	}
	if params.Funds.IsNegative() {
		return fmt.Errorf("funding amount must be positive")
	}
	if params.SwapAmount.LessThan(cfg.MinimumSwapAmount) {
		return ErrSwapAmountTooLow
	}
	if !params.Interval.IsValid() {
		return fmt.Errorf("invalid interval: %s", params.Interval)
	}
	if params.TargetStartTime != nil && params.TargetReceiveAmount != nil {
		return ErrExclusiveTriggers
	}
	if params.TargetStartTime != nil && !params.TargetStartTime.After(now) {
		return ErrStartTimeInPast
	}
	if params.TargetReceiveAmount != nil && !params.TargetReceiveAmount.IsPositive() {
		return fmt.Errorf("target receive amount must be positive")
	}
	return ValidateDestinations(params.Destinations, cfg)
}

func ValidateDestinations(destinations []types.Destination, cfg types.FeeConfig) error {
	if len(destinations) == 0 {
		return ErrNoDestinations
	}
	if cfg.MaxDestinations > 0 && len(destinations) > cfg.MaxDestinations {
		return ErrTooManyDestinations
	}

	seen := make(map[string]bool, len(destinations))
	for _, dest := range destinations {
		if !dest.Allocation.IsPositive() {
			return ErrZeroAllocation
		}
		if dest.Action != "" && !dest.Action.IsValid() {
			return fmt.Errorf("invalid destination action: %s", dest.Action)
		}
		if dest.Action == types.ActionAutoDelegate && dest.Validator == "" {
			return fmt.Errorf("auto delegate destination requires a validator")
		}
		if seen[dest.Address] {
			return ErrDuplicateDestination
		}
		seen[dest.Address] = true
	}
	if !types.AllocationsSumToOne(destinations) {
		return ErrAllocationClosure
	}
	return nil
}

// Deposit adds funds to a vault's balance. Depositing into an Inactive
// vault that now covers a swap reactivates it and queues an immediate
// execution.
func (m *Manager) Deposit(ctx context.Context, vaultID int64, caller string, funds types.Coin, now time.Time) (*types.Vault, error) {
	vault, err := m.db.GetVault(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	if vault.Owner != caller {
		return nil, ErrUnauthorized
	}
	if vault.IsCancelled() {
		return nil, ErrAlreadyCancelled
	}
	if funds.Denom != vault.Balance.Denom {
		return nil, ErrWrongFundingDenom
	}
	if !funds.Amount.IsPositive() {
		return nil, fmt.Errorf("deposit amount must be positive")
	}

	vault.Balance = vault.Balance.Add(funds.Amount)
	if vault.Plus != nil {
		vault.Plus.TotalDeposit = vault.Plus.TotalDeposit.Add(funds.Amount)
	}

	reactivated := false
	if vault.Status == types.VaultStatusInactive && !vault.LowFunds() {
		vault.Status = types.VaultStatusActive
		reactivated = true
	}

	err = m.db.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := m.db.UpdateVaultTx(ctx, tx, vault); err != nil {
			return err
		}
		if reactivated {
			// a drained vault keeps its trigger while Inactive; replace
			// it rather than colliding on the vault_id key
			if err := m.triggers.DeleteTrigger(ctx, tx, vault.ID); err != nil && !errors.Is(err, storage.ErrTriggerNotFound) {
				return err
			}
			if err := m.triggers.CreateTimeTrigger(ctx, tx, vault.ID, now.UTC()); err != nil {
				return err
			}
		}
		_, err := m.db.CreateEventTx(ctx, tx, types.NewEvent(vault.ID, types.EventFundsDeposited, map[string]string{
			"amount": funds.String(),
		}))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to deposit: %w", err)
	}

	if reactivated && m.queue != nil {
		buf, err := json.Marshal(tasks.ExecuteTriggerPayload{VaultID: vault.ID})
		if err == nil {
			if _, err := m.queue.Enqueue(
				asynq.NewTask(tasks.TypeExecuteTrigger, buf),
				asynq.Queue(tasks.QueueName),
			); err != nil {
				m.logger.Errorf("Failed to enqueue reactivation execution: %v", err)
			}
		}
	}

	return &vault, nil
}

// ApplyExecutionResultTx books a settled swap into the vault inside the
// caller's transaction. Failed settlements never reach this method; the
// balance is untouched on failure by construction.
func (m *Manager) ApplyExecutionResultTx(ctx context.Context, dbTx pgx.Tx, vault types.Vault, sent, received types.Coin) (types.Vault, error) {
	if sent.Amount.GreaterThan(vault.Balance.Amount) {
		return types.Vault{}, fmt.Errorf("sent amount %s exceeds balance %s", sent, vault.Balance)
	}

	vault.Balance = vault.Balance.Sub(sent.Amount)
	vault.SwappedAmount = vault.SwappedAmount.Add(sent.Amount)
	vault.ReceivedAmount = vault.ReceivedAmount.Add(received.Amount)

	if vault.LowFunds() {
		vault.Status = types.VaultStatusInactive
	} else if vault.Status == types.VaultStatusScheduled {
		vault.Status = types.VaultStatusActive
	}

	if err := m.db.UpdateVaultTx(ctx, dbTx, vault); err != nil {
		return types.Vault{}, err
	}
	return vault, nil
}

// Deactivate flips a vault Inactive without touching its balance, used
// when a settlement failure leaves it unable to fund another swap.
func (m *Manager) Deactivate(ctx context.Context, dbTx pgx.Tx, vault types.Vault) (types.Vault, error) {
	vault.Status = types.VaultStatusInactive
	if err := m.db.UpdateVaultTx(ctx, dbTx, vault); err != nil {
		return types.Vault{}, err
	}
	return vault, nil
}

// Cancel zeroes the balance, marks the vault Cancelled and returns the
// refund obligations. extraRefund carries the unfilled portion of a
// retracted resting order, already pulled back from the venue by the
// orchestrator.
func (m *Manager) Cancel(ctx context.Context, vaultID int64, caller string, extraRefund *types.Coin) ([]types.DistributionMsg, error) {
	cfg, err := m.db.GetFeeConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load fee config: %w", err)
	}

	vault, err := m.db.GetVault(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	if vault.Owner != caller && !cfg.IsAdmin(caller) {
		return nil, ErrUnauthorized
	}
	if vault.IsCancelled() {
		return nil, ErrAlreadyCancelled
	}

	refund := vault.Balance
	if extraRefund != nil {
		refund = refund.Add(extraRefund.Amount)
	}

	vault.Balance = types.NewCoin(vault.Balance.Denom, 0)
	vault.Status = types.VaultStatusCancelled

	err = m.db.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := m.db.UpdateVaultTx(ctx, tx, vault); err != nil {
			return err
		}
		// the trigger may already be gone (terminal settlement)
		if err := m.triggers.DeleteTrigger(ctx, tx, vault.ID); err != nil && !errors.Is(err, storage.ErrTriggerNotFound) {
			return err
		}
		_, err := m.db.CreateEventTx(ctx, tx, types.NewEvent(vault.ID, types.EventVaultCancelled, map[string]string{
			"refund": refund.String(),
		}))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to cancel vault: %w", err)
	}

	var msgs []types.DistributionMsg
	if refund.Amount.IsPositive() {
		msgs = append(msgs, types.DistributionMsg{
			Kind:      types.MsgKindRefund,
			Recipient: vault.Owner,
			Amount:    refund,
		})
	}
	return msgs, nil
}

// UpdateParams carries the only fields mutable after creation. Nil
// fields are left untouched.
type UpdateParams struct {
	Destinations      []types.Destination
	SlippageTolerance *decimal.Decimal
	PriceThreshold    *decimal.Decimal
}

// Update replaces a vault's destination set and execution guards, the
// only mutations allowed after creation.
func (m *Manager) Update(ctx context.Context, vaultID int64, caller string, params UpdateParams) (*types.Vault, error) {
	cfg, err := m.db.GetFeeConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load fee config: %w", err)
	}

	vault, err := m.db.GetVault(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	if vault.Owner != caller {
		return nil, ErrUnauthorized
	}
	if vault.IsCancelled() {
		return nil, ErrAlreadyCancelled
	}

	if params.Destinations != nil {
		if err := ValidateDestinations(params.Destinations, cfg); err != nil {
			return nil, err
		}
		vault.Destinations = params.Destinations
	}
	if params.SlippageTolerance != nil {
		if params.SlippageTolerance.IsNegative() || params.SlippageTolerance.GreaterThan(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("slippage tolerance must be within [0, 1]")
		}
		vault.SlippageTolerance = params.SlippageTolerance
	}
	if params.PriceThreshold != nil {
		if !params.PriceThreshold.IsPositive() {
			return nil, fmt.Errorf("price threshold must be positive")
		}
		vault.PriceThreshold = params.PriceThreshold
	}
	err = m.db.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := m.db.UpdateVaultTx(ctx, tx, vault); err != nil {
			return err
		}
		_, err := m.db.CreateEventTx(ctx, tx, types.NewEvent(vault.ID, types.EventVaultUpdated, nil))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update vault: %w", err)
	}
	return &vault, nil
}

func (m *Manager) Get(ctx context.Context, vaultID int64) (types.Vault, error) {
	return m.db.GetVault(ctx, vaultID)
}

func (m *Manager) ListByOwner(ctx context.Context, owner string, status *types.VaultStatus, take, skip int) ([]types.Vault, error) {
	if take <= 0 {
		cfg, err := m.db.GetFeeConfig(ctx)
		if err != nil {
			return nil, err
		}
		take = cfg.DefaultPageLimit
	}
	if take < types.MinPageLimit {
		take = types.MinPageLimit
	}
	if take > types.MaxPageLimit {
		take = types.MaxPageLimit
	}
	return m.db.GetVaultsByOwner(ctx, owner, status, take, skip)
}

// Package escrow tracks the withheld slice of an enhanced vault's
// proceeds and releases it net of a performance fee benchmarked
// against a standard, non-adaptive schedule.
package escrow

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

	"github.com/stackwise/dcavault/internal/fees"
	"github.com/stackwise/dcavault/internal/tasks"
	"github.com/stackwise/dcavault/internal/types"
)

var (
	ErrNotPlusVault     = errors.New("vault has no escrow extension")
	ErrVaultStillActive = errors.New("vault is still executing")
	ErrDisburseNotDue   = errors.New("escrow disbursement is not due yet")
)

type Storage interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error
	GetVault(ctx context.Context, id int64) (types.Vault, error)
	UpdateVault(ctx context.Context, vault types.Vault) error
	UpdateVaultTx(ctx context.Context, dbTx pgx.Tx, vault types.Vault) error
	GetFeeConfig(ctx context.Context) (types.FeeConfig, error)
	CreateEventTx(ctx context.Context, dbTx pgx.Tx, event types.Event) (int64, error)
}

type BeliefPricer interface {
	BeliefPrice(ctx context.Context, venueAddress string) (decimal.Decimal, error)
}

type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type Settlement struct {
	db     Storage
	venue  BeliefPricer
	queue  Enqueuer
	logger *logrus.Logger
}

func NewSettlement(db Storage, venue BeliefPricer, queue Enqueuer, logger *logrus.Logger) *Settlement {
	return &Settlement{
		db:     db,
		venue:  venue,
		queue:  queue,
		logger: logger,
	}
}

// ExpectedCompletionDate projects when the vault will have swapped its
// whole balance. When the standard-schedule baseline has more left to
// swap than the vault itself (the adaptive model ran ahead), the
// projection follows the baseline instead.
func ExpectedCompletionDate(vault types.Vault, now time.Time) time.Time {
	if vault.SwapAmount.Amount.IsZero() {
		return now.UTC()
	}

	remaining := vault.Balance.Amount
	if vault.Plus != nil {
		standardRemaining := vault.Plus.TotalDeposit.Amount.Sub(vault.Plus.StandardSwapped.Amount)
		if standardRemaining.GreaterThan(remaining) {
			remaining = standardRemaining
		}
	}

	executions := remaining.Div(vault.SwapAmount.Amount).Ceil().IntPart()
	completion := now.UTC()
	for i := int64(0); i < executions; i++ {
		completion = vault.Interval.Next(completion)
	}
	return completion
}

// PerformanceFee is charged on the excess value the vault captured over
// its standard-schedule baseline, valued at the belief price (source
// units per target unit). The fee is floored at zero and any strictly
// positive excess pays at least one unit.
func PerformanceFee(vault types.Vault, beliefPrice decimal.Decimal, rate decimal.Decimal) types.Coin {
	denom := vault.ReceivedAmount.Denom
	if vault.Plus == nil || beliefPrice.IsZero() {
		return types.NewCoin(denom, 0)
	}

	// value each strategy in target units: what it received plus what it
	// has not swapped yet, converted at the belief price
	actualUnswapped := vault.Plus.TotalDeposit.Amount.Sub(vault.SwappedAmount.Amount)
	actualValue := vault.ReceivedAmount.Amount.Add(actualUnswapped.Div(beliefPrice))

	standardUnswapped := vault.Plus.TotalDeposit.Amount.Sub(vault.Plus.StandardSwapped.Amount)
	standardValue := vault.Plus.StandardReceived.Amount.Add(standardUnswapped.Div(beliefPrice))

	excess := actualValue.Sub(standardValue)
	if !excess.IsPositive() {
		return types.NewCoin(denom, 0)
	}

	fee := excess.Mul(rate).Ceil()
	return types.NewCoinFromDecimal(denom, fee)
}

// ScheduleDisburse records the due date on the vault and queues the
// disbursement task for that moment.
func (s *Settlement) ScheduleDisburse(ctx context.Context, vault types.Vault, at time.Time) error {
	if vault.Plus == nil {
		return ErrNotPlusVault
	}

	at = at.UTC()
	vault.Plus.DisburseAt = &at
	if err := s.db.UpdateVault(ctx, vault); err != nil {
		return fmt.Errorf("failed to record disburse date: %w", err)
	}

	buf, err := json.Marshal(tasks.DisburseEscrowPayload{VaultID: vault.ID})
	if err != nil {
		return fmt.Errorf("failed to marshal disburse payload: %w", err)
	}

	_, err = s.queue.Enqueue(
		asynq.NewTask(tasks.TypeDisburseEscrow, buf),
		asynq.Queue(tasks.QueueName),
		asynq.ProcessAt(at),
		asynq.TaskID(fmt.Sprintf("disburse:%d", vault.ID)),
	)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("failed to enqueue disburse task: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"vault_id":    vault.ID,
		"disburse_at": at,
	}).Info("Scheduled escrow disbursement")
	return nil
}

// Disburse releases the escrowed balance net of the performance fee
// through the standard distribution path. Calling it on a vault whose
// escrow is already empty is a no-op.
func (s *Settlement) Disburse(ctx context.Context, vaultID int64, now time.Time) ([]types.DistributionMsg, error) {
	vault, err := s.db.GetVault(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	if vault.Plus == nil {
		return nil, ErrNotPlusVault
	}
	if vault.Plus.EscrowedBalance.IsZero() {
		s.logger.WithField("vault_id", vaultID).Info("Escrow already settled, nothing to disburse")
		return nil, nil
	}
	if vault.Executable() {
		return nil, ErrVaultStillActive
	}
	if vault.Plus.DisburseAt != nil && now.UTC().Before(*vault.Plus.DisburseAt) {
		return nil, ErrDisburseNotDue
	}

	cfg, err := s.db.GetFeeConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load fee config: %w", err)
	}

	beliefPrice, err := s.venue.BeliefPrice(ctx, vault.Pair.VenueAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to query belief price: %w", err)
	}

	performanceFee := PerformanceFee(vault, beliefPrice, cfg.PerformanceFeeRate)
	escrowed := vault.Plus.EscrowedBalance
	release := escrowed.Sub(performanceFee.Amount)
	if release.IsNegative() {
		release = types.NewCoin(escrowed.Denom, 0)
	}

	vault.Plus.EscrowedBalance = types.NewCoin(escrowed.Denom, 0)
	vault.Plus.DisburseAt = nil

	err = s.db.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := s.db.UpdateVaultTx(ctx, tx, vault); err != nil {
			return err
		}
		_, err := s.db.CreateEventTx(ctx, tx, types.NewEvent(vault.ID, types.EventEscrowDisbursed, map[string]string{
			"escrowed":        escrowed.String(),
			"performance_fee": performanceFee.String(),
			"released":        release.String(),
		}))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to disburse escrow: %w", err)
	}

	return fees.Plan(fees.DistributeNet(release, vault.Destinations), vault.Owner), nil
}

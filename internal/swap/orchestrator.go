// Package swap drives the two-phase execution protocol: phase one
// deletes the trigger, snapshots the vault and submits the swap to the
// venue; phase two settles the asynchronous result, distributes
// proceeds and reschedules.
package swap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/stackwise/dcavault/internal/escrow"
	"github.com/stackwise/dcavault/internal/fees"
	"github.com/stackwise/dcavault/internal/tasks"
	"github.com/stackwise/dcavault/internal/trigger"
	"github.com/stackwise/dcavault/internal/types"
	"github.com/stackwise/dcavault/internal/vault"
	"github.com/stackwise/dcavault/internal/venue"
	"github.com/stackwise/dcavault/storage"
)

var (
	ErrPaused = errors.New("engine is paused")
	// ErrTriggerNotDue is returned when an execution is attempted before
	// the trigger's target time.
	ErrTriggerNotDue = errors.New("trigger is not due yet")
	// ErrLimitOrderNotFilled is returned for a partially filled resting
	// order: partial fills need an explicit withdraw-then-resubmit flow,
	// they are never silently retried.
	ErrLimitOrderNotFilled = errors.New("limit order is not fully filled")
	ErrOrderNotPlaced      = errors.New("limit order has not been placed yet")
)

type Storage interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error
	GetVault(ctx context.Context, id int64) (types.Vault, error)
	UpdateVault(ctx context.Context, vault types.Vault) error
	UpdateVaultTx(ctx context.Context, dbTx pgx.Tx, vault types.Vault) error
	GetTrigger(ctx context.Context, vaultID int64) (types.Trigger, error)
	GetFeeConfig(ctx context.Context) (types.FeeConfig, error)
	CreateEvent(ctx context.Context, event types.Event) (int64, error)
	CreateEventTx(ctx context.Context, dbTx pgx.Tx, event types.Event) (int64, error)
}

// ExecutionCache correlates a submitted swap with its continuation.
// Entries are keyed by correlation id, so concurrent in-flight
// executions for different vaults never clobber each other.
type ExecutionCache interface {
	SetExecutionSnapshot(ctx context.Context, snapshot types.ExecutionSnapshot) error
	GetExecutionSnapshot(ctx context.Context, correlationID uuid.UUID) (types.ExecutionSnapshot, error)
	DeleteExecutionSnapshot(ctx context.Context, correlationID uuid.UUID) error
}

type TriggerScheduler interface {
	CreateTimeTrigger(ctx context.Context, dbTx pgx.Tx, vaultID int64, targetTime time.Time) error
	DeleteTrigger(ctx context.Context, dbTx pgx.Tx, vaultID int64) error
	AttachOrderIdx(ctx context.Context, vaultID int64, orderIdx uint64) error
}

type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type Orchestrator struct {
	db             Storage
	cache          ExecutionCache
	venue          venue.Venue
	vaults         *vault.Manager
	triggers       TriggerScheduler
	escrow         *escrow.Settlement
	queue          Enqueuer
	settleMaxRetry int
	logger         *logrus.Logger
}

func NewOrchestrator(
	db Storage,
	cache ExecutionCache,
	v venue.Venue,
	vaults *vault.Manager,
	triggers TriggerScheduler,
	escrowSettlement *escrow.Settlement,
	queue Enqueuer,
	settleMaxRetry int,
	logger *logrus.Logger,
) *Orchestrator {
	return &Orchestrator{
		db:             db,
		cache:          cache,
		venue:          v,
		vaults:         vaults,
		triggers:       triggers,
		escrow:         escrowSettlement,
		queue:          queue,
		settleMaxRetry: settleMaxRetry,
		logger:         logger,
	}
}

// ExecuteTrigger runs phase one for a vault. A concurrent second call
// for the same vault fails fast on the already-deleted trigger.
func (o *Orchestrator) ExecuteTrigger(ctx context.Context, vaultID int64, now time.Time) error {
	cfg, err := o.db.GetFeeConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load fee config: %w", err)
	}
	if cfg.Paused {
		return ErrPaused
	}

	trig, err := o.db.GetTrigger(ctx, vaultID)
	if err != nil {
		return err
	}

	v, err := o.db.GetVault(ctx, vaultID)
	if err != nil {
		return err
	}
	if v.IsCancelled() {
		return vault.ErrAlreadyCancelled
	}

	switch trig.Kind {
	case types.TriggerKindLimitOrder:
		return o.executeLimitOrder(ctx, v, trig)
	default:
		return o.executeMarket(ctx, v, trig, cfg, now)
	}
}

func (o *Orchestrator) executeMarket(ctx context.Context, v types.Vault, trig types.Trigger, cfg types.FeeConfig, now time.Time) error {
	if !trigger.IsDue(trig, now) {
		return ErrTriggerNotDue
	}

	price, err := o.venue.SpotPrice(ctx, v.Pair.VenueAddress, v.Position())
	if err != nil {
		return fmt.Errorf("failed to query spot price: %w", err)
	}

	// a vault that has gone inactive or dropped below the nominal swap
	// amount still executes against whatever remains
	if v.PriceThresholdExceeded(price) {
		return o.skipOnPriceThreshold(ctx, v, trig, price, now)
	}

	offer := v.NextSwapAmount()
	if !offer.Amount.IsPositive() {
		return o.deactivateWithEvent(ctx, v, trig)
	}

	snapshot := types.ExecutionSnapshot{
		CorrelationID:     uuid.New(),
		VaultID:           v.ID,
		Owner:             v.Owner,
		BalanceBefore:     v.Balance,
		TriggerTargetTime: trig.TargetTime,
		SubmittedAt:       now.UTC(),
	}

	err = o.db.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return o.triggers.DeleteTrigger(ctx, tx, v.ID)
	})
	if err != nil {
		return err
	}

	if err := o.cache.SetExecutionSnapshot(ctx, snapshot); err != nil {
		return o.compensate(ctx, v, trig, fmt.Errorf("failed to store execution snapshot: %w", err))
	}

	req := venue.SwapRequest{
		CorrelationID:  snapshot.CorrelationID,
		VenueAddress:   v.Pair.VenueAddress,
		Offer:          offer,
		AskDenom:       v.TargetDenom(),
		MinimumReceive: minimumReceive(v, offer, price, cfg.DefaultSlippageTolerance),
	}
	if err := o.venue.SubmitSwap(ctx, req); err != nil {
		return o.compensate(ctx, v, trig, fmt.Errorf("failed to submit swap: %w", err))
	}

	return o.scheduleSettlement(ctx, snapshot, now)
}

func (o *Orchestrator) executeLimitOrder(ctx context.Context, v types.Vault, trig types.Trigger) error {
	if trig.OrderIdx == nil {
		return ErrOrderNotPlaced
	}

	order, err := o.venue.LimitOrderStatus(ctx, v.Pair.VenueAddress, *trig.OrderIdx)
	if err != nil {
		return fmt.Errorf("failed to query limit order: %w", err)
	}
	if !order.FullyFilled() {
		return ErrLimitOrderNotFilled
	}

	snapshot := types.ExecutionSnapshot{
		CorrelationID:   uuid.New(),
		VaultID:         v.ID,
		Owner:           v.Owner,
		BalanceBefore:   v.Balance,
		SubmittedAt:     time.Now().UTC(),
		DebitedAtSubmit: true,
	}

	err = o.db.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return o.triggers.DeleteTrigger(ctx, tx, v.ID)
	})
	if err != nil {
		return err
	}

	if err := o.cache.SetExecutionSnapshot(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to store execution snapshot: %w", err)
	}

	if err := o.venue.WithdrawOrder(ctx, v.Pair.VenueAddress, *trig.OrderIdx, snapshot.CorrelationID); err != nil {
		return fmt.Errorf("failed to withdraw filled order: %w", err)
	}

	return o.scheduleSettlement(ctx, snapshot, snapshot.SubmittedAt)
}

// PlaceLimitOrder submits the resting order for a freshly created
// limit-order vault and moves the offered funds to the venue.
func (o *Orchestrator) PlaceLimitOrder(ctx context.Context, vaultID int64) error {
	trig, err := o.db.GetTrigger(ctx, vaultID)
	if err != nil {
		return err
	}
	if trig.Kind != types.TriggerKindLimitOrder || trig.TargetPrice == nil {
		return fmt.Errorf("vault %d has no limit order trigger", vaultID)
	}
	if trig.OrderIdx != nil {
		return nil
	}

	v, err := o.db.GetVault(ctx, vaultID)
	if err != nil {
		return err
	}

	offer := v.NextSwapAmount()
	orderIdx, err := o.venue.SubmitLimitOrder(ctx, v.Pair.VenueAddress, offer, *trig.TargetPrice)
	if err != nil {
		return fmt.Errorf("failed to submit limit order: %w", err)
	}

	v.Balance = v.Balance.Sub(offer.Amount)
	if err := o.db.UpdateVault(ctx, v); err != nil {
		return err
	}
	return o.triggers.AttachOrderIdx(ctx, vaultID, orderIdx)
}

// Outcome is what a settled execution owes the outside world.
type Outcome struct {
	Msgs []types.DistributionMsg
	// AutomationFeeRefund goes back to the owner if every delegate
	// follow-up in Msgs fails to land.
	AutomationFeeRefund *types.DistributionMsg
}

// SettleSwap runs the continuation for a correlation id. lastAttempt
// marks the final retry: a swap still unresolved then is declared
// stuck, audited, and the vault is rescheduled so it never wedges.
func (o *Orchestrator) SettleSwap(ctx context.Context, correlationID uuid.UUID, now time.Time, lastAttempt bool) (*Outcome, error) {
	snapshot, err := o.cache.GetExecutionSnapshot(ctx, correlationID)
	if err != nil {
		if errors.Is(err, storage.ErrSnapshotNotFound) {
			// continuation already consumed; settling twice is a no-op
			o.logger.WithField("correlation_id", correlationID).Warn("No execution snapshot, skipping settlement")
			return nil, nil
		}
		// transient cache failure: the task must retry, not ack
		return nil, fmt.Errorf("failed to load execution snapshot: %w", err)
	}

	result, err := o.venue.SwapResult(ctx, correlationID)
	if err != nil {
		if errors.Is(err, venue.ErrResultPending) {
			if !lastAttempt {
				return nil, err
			}
			return nil, o.markStuck(ctx, snapshot, now)
		}
		return nil, fmt.Errorf("failed to query swap result: %w", err)
	}

	v, err := o.db.GetVault(ctx, snapshot.VaultID)
	if err != nil {
		return nil, err
	}

	var outcome *Outcome
	if result.Status == venue.SwapStatusSucceeded {
		outcome, err = o.settleSuccess(ctx, v, snapshot, result, now)
	} else {
		err = o.settleFailure(ctx, v, snapshot, result, now)
	}
	if err != nil {
		return nil, err
	}

	if err := o.cache.DeleteExecutionSnapshot(ctx, correlationID); err != nil {
		o.logger.Errorf("Failed to delete execution snapshot: %v", err)
	}
	return outcome, nil
}

func (o *Orchestrator) settleSuccess(ctx context.Context, v types.Vault, snapshot types.ExecutionSnapshot, result venue.SwapResult, now time.Time) (*Outcome, error) {
	cfg, err := o.db.GetFeeConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load fee config: %w", err)
	}

	escrowLevel := decimal.Zero
	if v.Plus != nil && !snapshot.Cancelling {
		escrowLevel = v.Plus.EscrowLevel
	}
	breakdown := fees.Compute(result.Received, result.Sent.Denom, v.Destinations, escrowLevel, cfg)

	var updated types.Vault
	err = o.db.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		debit := result.Sent
		if snapshot.DebitedAtSubmit {
			// the offer left the balance when the order was placed
			debit = types.NewCoin(result.Sent.Denom, 0)
		}

		if snapshot.Cancelling {
			// vault is already cancelled; book the totals only
			v.SwappedAmount = v.SwappedAmount.Add(result.Sent.Amount)
			v.ReceivedAmount = v.ReceivedAmount.Add(result.Received.Amount)
			updated = v
			if err := o.db.UpdateVaultTx(ctx, tx, v); err != nil {
				return err
			}
		} else {
			var applyErr error
			updated, applyErr = o.applyResult(ctx, tx, v, debit, result, breakdown)
			if applyErr != nil {
				return applyErr
			}

			// a vault that fell below the nominal swap amount is Inactive
			// but still drains its remainder on the next execution
			if !updated.IsCancelled() && updated.Balance.Amount.IsPositive() {
				next := trigger.NextTargetTime(now, targetOrSubmitted(snapshot), updated.Interval)
				if err := o.triggers.CreateTimeTrigger(ctx, tx, updated.ID, next); err != nil {
					return err
				}
			}
		}

		_, err := o.db.CreateEventTx(ctx, tx, types.NewEvent(v.ID, types.EventSwapCompleted, map[string]string{
			"sent":           result.Sent.String(),
			"received":       result.Received.String(),
			"swap_fee":       breakdown.SwapFee.String(),
			"automation_fee": breakdown.AutomationFee.String(),
			"escrowed":       breakdown.EscrowWithheld.String(),
		}))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to settle swap: %w", err)
	}

	return &Outcome{
		Msgs:                fees.Plan(breakdown.Allocations, updated.Owner),
		AutomationFeeRefund: fees.AutomationFeeRefund(breakdown, updated.Owner),
	}, nil
}

func (o *Orchestrator) applyResult(ctx context.Context, tx pgx.Tx, v types.Vault, debit types.Coin, result venue.SwapResult, breakdown fees.Breakdown) (types.Vault, error) {
	if v.Plus != nil {
		v.Plus.EscrowedBalance = v.Plus.EscrowedBalance.Add(breakdown.EscrowWithheld.Amount)
		advanceStandardBaseline(&v, result)
	}
	return o.vaults.ApplyExecutionResultTx(ctx, tx, v, debit, result.Received)
}

// advanceStandardBaseline books what the non-adaptive schedule would
// have done at the same execution price.
func advanceStandardBaseline(v *types.Vault, result venue.SwapResult) {
	if result.Sent.Amount.IsZero() {
		return
	}
	standardRemaining := v.Plus.TotalDeposit.Amount.Sub(v.Plus.StandardSwapped.Amount)
	standardSent := v.SwapAmount.Amount
	if standardSent.GreaterThan(standardRemaining) {
		standardSent = standardRemaining
	}
	if !standardSent.IsPositive() {
		return
	}
	standardReceived := standardSent.Mul(result.Received.Amount).Div(result.Sent.Amount).Floor()
	v.Plus.StandardSwapped = v.Plus.StandardSwapped.Add(standardSent)
	v.Plus.StandardReceived = v.Plus.StandardReceived.Add(standardReceived)
}

func (o *Orchestrator) settleFailure(ctx context.Context, v types.Vault, snapshot types.ExecutionSnapshot, result venue.SwapResult, now time.Time) error {
	if snapshot.Cancelling {
		o.logger.WithField("vault_id", v.ID).Warn("Withdraw settlement failed during cancellation")
		return nil
	}

	reason := types.EventSkippedSlippage
	if result.Reason == venue.FailReasonNoLiquidity {
		reason = types.EventSkippedInsufficientFunds
	}

	return o.db.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		// no balance mutation on failure, ever
		if v.Balance.Amount.IsPositive() {
			next := trigger.NextTargetTime(now, targetOrSubmitted(snapshot), v.Interval)
			if err := o.triggers.CreateTimeTrigger(ctx, tx, v.ID, next); err != nil {
				return err
			}
		} else {
			reason = types.EventSkippedInsufficientFunds
			if _, err := o.vaults.Deactivate(ctx, tx, v); err != nil {
				return err
			}
		}

		_, err := o.db.CreateEventTx(ctx, tx, types.NewEvent(v.ID, reason, map[string]string{
			"venue_reason": result.Reason,
		}))
		return err
	})
}

// CancelVault drives the full cancellation flow. A resting limit order
// is retracted first; a partially filled one additionally has its
// filled portion withdrawn, settling asynchronously before the
// bookkeeping completes.
func (o *Orchestrator) CancelVault(ctx context.Context, vaultID int64, caller string, now time.Time) ([]types.DistributionMsg, error) {
	v, err := o.db.GetVault(ctx, vaultID)
	if err != nil {
		return nil, err
	}

	var extraRefund *types.Coin
	trig, err := o.db.GetTrigger(ctx, vaultID)
	if err == nil && trig.Kind == types.TriggerKindLimitOrder && trig.OrderIdx != nil {
		order, err := o.venue.LimitOrderStatus(ctx, v.Pair.VenueAddress, *trig.OrderIdx)
		if err != nil {
			return nil, fmt.Errorf("failed to query limit order: %w", err)
		}

		if order.RemainingOffer.Amount.IsPositive() {
			retracted, err := o.venue.RetractOrder(ctx, v.Pair.VenueAddress, *trig.OrderIdx)
			if err != nil {
				return nil, fmt.Errorf("failed to retract limit order: %w", err)
			}
			extraRefund = &retracted
		}

		if order.FilledAmount.Amount.IsPositive() {
			snapshot := types.ExecutionSnapshot{
				CorrelationID:   uuid.New(),
				VaultID:         v.ID,
				Owner:           v.Owner,
				BalanceBefore:   v.Balance,
				SubmittedAt:     now.UTC(),
				DebitedAtSubmit: true,
				Cancelling:      true,
			}
			if err := o.cache.SetExecutionSnapshot(ctx, snapshot); err != nil {
				return nil, fmt.Errorf("failed to store execution snapshot: %w", err)
			}
			if err := o.venue.WithdrawOrder(ctx, v.Pair.VenueAddress, *trig.OrderIdx, snapshot.CorrelationID); err != nil {
				return nil, fmt.Errorf("failed to withdraw filled order: %w", err)
			}
			if err := o.scheduleSettlement(ctx, snapshot, now); err != nil {
				return nil, err
			}
		}
	}

	msgs, err := o.vaults.Cancel(ctx, vaultID, caller, extraRefund)
	if err != nil {
		return nil, err
	}

	// escrow settles later, once prices can be fairly compared
	if v.Plus != nil && v.Plus.EscrowedBalance.Amount.IsPositive() {
		cancelled, err := o.db.GetVault(ctx, vaultID)
		if err != nil {
			return nil, err
		}
		if err := o.escrow.ScheduleDisburse(ctx, cancelled, escrow.ExpectedCompletionDate(v, now)); err != nil {
			return nil, err
		}
	}

	return msgs, nil
}

func (o *Orchestrator) skipOnPriceThreshold(ctx context.Context, v types.Vault, trig types.Trigger, price decimal.Decimal, now time.Time) error {
	return o.db.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := o.triggers.DeleteTrigger(ctx, tx, v.ID); err != nil {
			return err
		}
		next := trigger.NextTargetTime(now, trig.TargetTime, v.Interval)
		if err := o.triggers.CreateTimeTrigger(ctx, tx, v.ID, next); err != nil {
			return err
		}
		_, err := o.db.CreateEventTx(ctx, tx, types.NewEvent(v.ID, types.EventSkippedPriceThreshold, map[string]string{
			"price":     price.String(),
			"threshold": v.PriceThreshold.String(),
		}))
		return err
	})
}

func (o *Orchestrator) deactivateWithEvent(ctx context.Context, v types.Vault, trig types.Trigger) error {
	return o.db.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := o.triggers.DeleteTrigger(ctx, tx, v.ID); err != nil {
			return err
		}
		if _, err := o.vaults.Deactivate(ctx, tx, v); err != nil {
			return err
		}
		_, err := o.db.CreateEventTx(ctx, tx, types.NewEvent(v.ID, types.EventSkippedInsufficientFunds, nil))
		return err
	})
}

// markStuck is the watchdog branch: the venue never resolved, so the
// execution is audited as stuck and the vault gets a fresh trigger
// rather than wedging with none.
func (o *Orchestrator) markStuck(ctx context.Context, snapshot types.ExecutionSnapshot, now time.Time) error {
	v, err := o.db.GetVault(ctx, snapshot.VaultID)
	if err != nil {
		return err
	}

	err = o.db.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if !snapshot.Cancelling && !v.IsCancelled() && v.Balance.Amount.IsPositive() {
			next := trigger.NextTargetTime(now, targetOrSubmitted(snapshot), v.Interval)
			if err := o.triggers.CreateTimeTrigger(ctx, tx, v.ID, next); err != nil {
				return err
			}
		}
		_, err := o.db.CreateEventTx(ctx, tx, types.NewEvent(v.ID, types.EventExecutionStuck, map[string]string{
			"correlation_id": snapshot.CorrelationID.String(),
		}))
		return err
	})
	if err != nil {
		return err
	}

	if err := o.cache.DeleteExecutionSnapshot(ctx, snapshot.CorrelationID); err != nil {
		o.logger.Errorf("Failed to delete execution snapshot: %v", err)
	}
	return nil
}

// scheduleSettlement queues the continuation for a submitted swap.
// If the queue is down, nothing would ever claim the result, so the
// execution is declared stuck right away instead of leaving the vault
// with no trigger and no pending task.
func (o *Orchestrator) scheduleSettlement(ctx context.Context, snapshot types.ExecutionSnapshot, now time.Time) error {
	err := o.enqueueSettlement(snapshot.CorrelationID)
	if err == nil {
		return nil
	}
	if stuckErr := o.markStuck(ctx, snapshot, now); stuckErr != nil {
		o.logger.Errorf("Failed to mark execution stuck after enqueue failure: %v", stuckErr)
	}
	return err
}

// compensate restores a fresh trigger after a phase-one failure that
// happened once the original trigger was already deleted.
func (o *Orchestrator) compensate(ctx context.Context, v types.Vault, trig types.Trigger, cause error) error {
	err := o.db.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return o.triggers.CreateTimeTrigger(ctx, tx, v.ID, trig.TargetTime)
	})
	if err != nil {
		o.logger.Errorf("Failed to restore trigger after submit failure: %v", err)
	}
	return cause
}

func (o *Orchestrator) enqueueSettlement(correlationID uuid.UUID) error {
	buf, err := json.Marshal(tasks.SettleSwapPayload{CorrelationID: correlationID})
	if err != nil {
		return fmt.Errorf("failed to marshal settlement payload: %w", err)
	}

	_, err = o.queue.Enqueue(
		asynq.NewTask(tasks.TypeSettleSwap, buf),
		asynq.Queue(tasks.QueueName),
		asynq.ProcessIn(5*time.Second),
		asynq.MaxRetry(o.settleMaxRetry),
		asynq.Timeout(time.Minute),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue settlement task: %w", err)
	}
	return nil
}

func minimumReceive(v types.Vault, offer types.Coin, price, defaultTolerance decimal.Decimal) *decimal.Decimal {
	if v.MinimumReceiveAmount != nil {
		return v.MinimumReceiveAmount
	}
	tolerance := defaultTolerance
	if v.SlippageTolerance != nil {
		tolerance = *v.SlippageTolerance
	}
	if !tolerance.IsPositive() || price.IsZero() {
		return nil
	}
	expected := offer.Amount.Div(price)
	min := expected.Mul(decimal.NewFromInt(1).Sub(tolerance)).Floor()
	return &min
}

func targetOrSubmitted(snapshot types.ExecutionSnapshot) time.Time {
	if !snapshot.TriggerTargetTime.IsZero() {
		return snapshot.TriggerTargetTime
	}
	return snapshot.SubmittedAt
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/stackwise/dcavault/config"
	"github.com/stackwise/dcavault/internal/escrow"
	"github.com/stackwise/dcavault/internal/swap"
	"github.com/stackwise/dcavault/internal/tasks"
	"github.com/stackwise/dcavault/internal/treasury"
	"github.com/stackwise/dcavault/internal/types"
	"github.com/stackwise/dcavault/internal/vault"
	"github.com/stackwise/dcavault/internal/venue"
	"github.com/stackwise/dcavault/storage"
)

// Distributor pays out a settled distribution plan.
type Distributor interface {
	Dispatch(ctx context.Context, msgs []types.DistributionMsg) (treasury.Report, error)
}

type WorkerService struct {
	cfg          config.Config
	orchestrator *swap.Orchestrator
	escrow       *escrow.Settlement
	distributor  Distributor
	logger       *logrus.Logger
	sdClient     *statsd.Client
}

func NewWorker(
	cfg config.Config,
	orchestrator *swap.Orchestrator,
	escrowSettlement *escrow.Settlement,
	distributor Distributor,
	sdClient *statsd.Client,
) *WorkerService {
	return &WorkerService{
		cfg:          cfg,
		orchestrator: orchestrator,
		escrow:       escrowSettlement,
		distributor:  distributor,
		logger:       logrus.WithField("service", "worker").Logger,
		sdClient:     sdClient,
	}
}

func (s *WorkerService) incCounter(name string, tags []string) {
	if err := s.sdClient.Count(name, 1, tags, 1); err != nil {
		s.logger.Errorf("fail to count metric, err: %v", err)
	}
}

func (s *WorkerService) measureTime(name string, start time.Time, tags []string) {
	if err := s.sdClient.Timing(name, time.Since(start), tags, 1); err != nil {
		s.logger.Errorf("fail to measure time metric, err: %v", err)
	}
}

func (s *WorkerService) HandleExecuteTrigger(ctx context.Context, t *asynq.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer s.measureTime("worker.trigger.execute.latency", time.Now(), []string{})

	var p tasks.ExecuteTriggerPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	s.logger.WithField("vault_id", p.VaultID).Info("Executing trigger")
	s.incCounter("worker.trigger.execute", []string{})

	err := s.orchestrator.ExecuteTrigger(ctx, p.VaultID, time.Now().UTC())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrTriggerNotFound):
		// lost the race against a concurrent execution
		s.logger.WithField("vault_id", p.VaultID).Info("Trigger already consumed")
		return nil
	case errors.Is(err, swap.ErrPaused),
		errors.Is(err, swap.ErrTriggerNotDue),
		errors.Is(err, swap.ErrLimitOrderNotFilled),
		errors.Is(err, vault.ErrAlreadyCancelled):
		s.logger.WithField("vault_id", p.VaultID).Infof("Skipping execution: %v", err)
		return nil
	default:
		s.incCounter("worker.trigger.execute.error", []string{})
		return fmt.Errorf("orchestrator.ExecuteTrigger failed: %w", err)
	}
}

// HandlePlaceOrder retries a limit-order placement that failed during
// vault creation. PlaceLimitOrder is idempotent, so a duplicate task
// is harmless.
func (s *WorkerService) HandlePlaceOrder(ctx context.Context, t *asynq.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer s.measureTime("worker.order.place.latency", time.Now(), []string{})

	var p tasks.PlaceOrderPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	s.incCounter("worker.order.place", []string{})

	err := s.orchestrator.PlaceLimitOrder(ctx, p.VaultID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrTriggerNotFound), errors.Is(err, storage.ErrVaultNotFound):
		// vault was cancelled or executed before the retry landed
		s.logger.WithField("vault_id", p.VaultID).Info("No limit trigger left to place an order for")
		return nil
	default:
		s.incCounter("worker.order.place.error", []string{})
		return fmt.Errorf("orchestrator.PlaceLimitOrder failed: %w", err)
	}
}

func (s *WorkerService) HandleSettleSwap(ctx context.Context, t *asynq.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer s.measureTime("worker.swap.settle.latency", time.Now(), []string{})

	var p tasks.SettleSwapPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	s.incCounter("worker.swap.settle", []string{})

	outcome, err := s.orchestrator.SettleSwap(ctx, p.CorrelationID, time.Now().UTC(), s.isLastAttempt(ctx))
	if err != nil {
		if errors.Is(err, venue.ErrResultPending) {
			return err
		}
		s.incCounter("worker.swap.settle.error", []string{})
		return fmt.Errorf("orchestrator.SettleSwap failed: %w", err)
	}
	if outcome == nil {
		return nil
	}
	return s.dispatch(ctx, outcome.Msgs, outcome.AutomationFeeRefund)
}

func (s *WorkerService) HandleDisburseEscrow(ctx context.Context, t *asynq.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer s.measureTime("worker.escrow.disburse.latency", time.Now(), []string{})

	var p tasks.DisburseEscrowPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	s.incCounter("worker.escrow.disburse", []string{})

	msgs, err := s.escrow.Disburse(ctx, p.VaultID, time.Now().UTC())
	if err != nil {
		if errors.Is(err, escrow.ErrDisburseNotDue) {
			return err
		}
		s.incCounter("worker.escrow.disburse.error", []string{})
		return fmt.Errorf("escrow.Disburse failed: %v: %w", err, asynq.SkipRetry)
	}
	return s.dispatch(ctx, msgs, nil)
}

// dispatch pays out the plan. The automation fee is refunded to the
// owner only when every delegate follow-up failed to land.
func (s *WorkerService) dispatch(ctx context.Context, msgs []types.DistributionMsg, refund *types.DistributionMsg) error {
	if len(msgs) == 0 {
		return nil
	}

	report, err := s.distributor.Dispatch(ctx, msgs)
	if err != nil {
		s.incCounter("worker.distribution.error", []string{})
		return fmt.Errorf("distributor.Dispatch failed: %w", err)
	}

	if refund != nil && report.DelegationsAttempted > 0 && report.DelegationsFailed == report.DelegationsAttempted {
		s.logger.WithField("recipient", refund.Recipient).Info("All delegations failed, refunding automation fee")
		if _, err := s.distributor.Dispatch(ctx, []types.DistributionMsg{*refund}); err != nil {
			s.logger.Errorf("fail to refund automation fee: %v", err)
		}
	}
	return nil
}

// isLastAttempt reports whether asynq will not retry this task again.
func (s *WorkerService) isLastAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return false
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return false
	}
	return retried >= maxRetry
}

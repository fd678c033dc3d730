// Package trigger owns the "when is a vault next actionable" decision.
// It is the only component that creates, replaces, or deletes triggers.
package trigger

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
)

// NextTargetTime advances priorTarget by whole intervals until it is at
// or past current. Missed slots are skipped, not caught up one by one:
// after a long pause the vault resumes on its original cadence with a
// single execution.
func NextTargetTime(current, priorTarget time.Time, interval types.Interval) time.Time {
	next := priorTarget.UTC()
	current = current.UTC()
	for next.Before(current) {
		next = interval.Next(next)
	}
	if next.Equal(current) {
		next = interval.Next(next)
	}
	return next
}

// IsDue reports whether a time trigger is executable at now. Limit
// order triggers are due on venue fill state, which the orchestrator
// checks against the venue directly.
func IsDue(trigger types.Trigger, now time.Time) bool {
	if trigger.Kind != types.TriggerKindTime {
		return false
	}
	return !now.UTC().Before(trigger.TargetTime)
}

type Storage interface {
	CreateTriggerTx(ctx context.Context, dbTx pgx.Tx, trigger types.Trigger) error
	GetTrigger(ctx context.Context, vaultID int64) (types.Trigger, error)
	GetDueTimeTriggers(ctx context.Context, limit int) ([]types.Trigger, error)
	DeleteTriggerTx(ctx context.Context, dbTx pgx.Tx, vaultID int64) error
	SetTriggerOrderIdx(ctx context.Context, vaultID int64, orderIdx uint64) error
}

// Scheduler scans due time triggers and enqueues execution tasks. One
// instance runs per deployment; executions themselves are idempotent
// against double enqueue because phase one deletes the trigger first.
type Scheduler struct {
	db        Storage
	logger    *logrus.Logger
	client    *asynq.Client
	pollEvery time.Duration
	batchSize int
	done      chan struct{}
}

func NewScheduler(db Storage, logger *logrus.Logger, client *asynq.Client, pollEvery time.Duration, batchSize int) *Scheduler {
	if db == nil {
		logger.Fatal("database connection is nil")
	}

	return &Scheduler{
		db:        db,
		logger:    logger,
		client:    client,
		pollEvery: pollEvery,
		batchSize: batchSize,
		done:      make(chan struct{}),
	}
}

func (s *Scheduler) Start() {
	go s.run()
}

func (s *Scheduler) Stop() {
	close(s.done)
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.enqueueDueTriggers(context.Background()); err != nil {
				s.logger.Errorf("Failed to enqueue due triggers: %v", err)
			}
		case <-s.done:
			return
		}
	}
}

func (s *Scheduler) enqueueDueTriggers(ctx context.Context) error {
	triggers, err := s.db.GetDueTimeTriggers(ctx, s.batchSize)
	if err != nil {
		return fmt.Errorf("failed to get due triggers: %w", err)
	}

	for _, trigger := range triggers {
		buf, err := json.Marshal(tasks.ExecuteTriggerPayload{VaultID: trigger.VaultID})
		if err != nil {
			s.logger.Errorf("Failed to marshal trigger payload: %v", err)
			continue
		}

		ti, err := s.client.Enqueue(
			asynq.NewTask(tasks.TypeExecuteTrigger, buf),
			asynq.MaxRetry(0),
			asynq.Timeout(5*time.Minute),
			asynq.Retention(10*time.Minute),
			asynq.Queue(tasks.QueueName),
			// one task per vault per target slot; duplicates collapse
			asynq.TaskID(fmt.Sprintf("execute:%d:%d", trigger.VaultID, trigger.TargetTime.Unix())),
		)
		if err != nil {
			if errors.Is(err, asynq.ErrTaskIDConflict) {
				continue
			}
			s.logger.Errorf("Failed to enqueue trigger task: %v", err)
			continue
		}

		s.logger.WithFields(logrus.Fields{
			"task_id":  ti.ID,
			"vault_id": trigger.VaultID,
		}).Info("Enqueued trigger task")
	}

	return nil
}

// CreateTimeTrigger registers the next execution slot for a vault.
func (s *Scheduler) CreateTimeTrigger(ctx context.Context, dbTx pgx.Tx, vaultID int64, targetTime time.Time) error {
	return s.db.CreateTriggerTx(ctx, dbTx, types.NewTimeTrigger(vaultID, targetTime))
}

// CreateLimitOrderTrigger registers a price-contingent execution. The
// order idx is attached later, once the venue accepts the order.
func (s *Scheduler) CreateLimitOrderTrigger(ctx context.Context, dbTx pgx.Tx, vaultID int64, targetPrice decimal.Decimal) error {
	return s.db.CreateTriggerTx(ctx, dbTx, types.NewLimitOrderTrigger(vaultID, targetPrice))
}

func (s *Scheduler) AttachOrderIdx(ctx context.Context, vaultID int64, orderIdx uint64) error {
	return s.db.SetTriggerOrderIdx(ctx, vaultID, orderIdx)
}

func (s *Scheduler) DeleteTrigger(ctx context.Context, dbTx pgx.Tx, vaultID int64) error {
	return s.db.DeleteTriggerTx(ctx, dbTx, vaultID)
}

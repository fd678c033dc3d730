package swap_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/stackwise/dcavault/internal/escrow"
	"github.com/stackwise/dcavault/internal/swap"
	"github.com/stackwise/dcavault/internal/tasks"
	"github.com/stackwise/dcavault/internal/trigger"
	"github.com/stackwise/dcavault/internal/types"
	"github.com/stackwise/dcavault/internal/vault"
	venuepkg "github.com/stackwise/dcavault/internal/venue"
	"github.com/stackwise/dcavault/test/mocks/cache"
	"github.com/stackwise/dcavault/test/mocks/database"
	"github.com/stackwise/dcavault/test/mocks/queueclient"
)

const owner = "kujira1owner"

// fakeVenue resolves market swaps synchronously at a fixed price unless
// told otherwise, and keeps resting orders in memory so tests can
// simulate fills.
type fakeVenue struct {
	mu        sync.Mutex
	price     decimal.Decimal
	failWith  string
	resolve   bool
	submitErr error
	requests  []venuepkg.SwapRequest
	results   map[uuid.UUID]venuepkg.SwapResult
	orders    map[uint64]venuepkg.LimitOrder
	consumed  map[uint64]decimal.Decimal
	nextIdx   uint64
}

func newFakeVenue(price decimal.Decimal) *fakeVenue {
	return &fakeVenue{
		price:   price,
		resolve: true,
		results:  make(map[uuid.UUID]venuepkg.SwapResult),
		orders:   make(map[uint64]venuepkg.LimitOrder),
		consumed: make(map[uint64]decimal.Decimal),
	}
}

func (f *fakeVenue) SpotPrice(ctx context.Context, venueAddress string, position types.PositionType) (decimal.Decimal, error) {
	return f.price, nil
}

func (f *fakeVenue) BeliefPrice(ctx context.Context, venueAddress string) (decimal.Decimal, error) {
	return f.price, nil
}

func (f *fakeVenue) SubmitSwap(ctx context.Context, req venuepkg.SwapRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.requests = append(f.requests, req)
	if !f.resolve {
		return nil
	}
	if f.failWith != "" {
		f.results[req.CorrelationID] = venuepkg.SwapResult{
			Status: venuepkg.SwapStatusFailed,
			Reason: f.failWith,
		}
		return nil
	}
	received := req.Offer.Amount.Div(f.price).Floor()
	f.results[req.CorrelationID] = venuepkg.SwapResult{
		Status:   venuepkg.SwapStatusSucceeded,
		Sent:     req.Offer,
		Received: types.NewCoinFromDecimal(req.AskDenom, received),
	}
	return nil
}

func (f *fakeVenue) SwapResult(ctx context.Context, correlationID uuid.UUID) (venuepkg.SwapResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result, ok := f.results[correlationID]
	if !ok {
		return venuepkg.SwapResult{}, venuepkg.ErrResultPending
	}
	return result, nil
}

func (f *fakeVenue) SubmitLimitOrder(ctx context.Context, venueAddress string, offer types.Coin, targetPrice decimal.Decimal) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextIdx++
	f.orders[f.nextIdx] = venuepkg.LimitOrder{
		Idx:            f.nextIdx,
		OriginalOffer:  offer,
		RemainingOffer: offer,
		FilledAmount:   types.NewCoin("ukuji", 0),
	}
	return f.nextIdx, nil
}

func (f *fakeVenue) LimitOrderStatus(ctx context.Context, venueAddress string, orderIdx uint64) (venuepkg.LimitOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[orderIdx]
	if !ok {
		return venuepkg.LimitOrder{}, venuepkg.ErrOrderNotFound
	}
	return order, nil
}

func (f *fakeVenue) RetractOrder(ctx context.Context, venueAddress string, orderIdx uint64) (types.Coin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order := f.orders[orderIdx]
	remaining := order.RemainingOffer
	order.RemainingOffer = types.NewCoin(remaining.Denom, 0)
	f.orders[orderIdx] = order
	return remaining, nil
}

func (f *fakeVenue) WithdrawOrder(ctx context.Context, venueAddress string, orderIdx uint64, correlationID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	order := f.orders[orderIdx]
	sent := types.NewCoinFromDecimal(order.OriginalOffer.Denom, f.consumed[orderIdx])
	f.results[correlationID] = venuepkg.SwapResult{
		Status:   venuepkg.SwapStatusSucceeded,
		Sent:     sent,
		Received: order.FilledAmount,
	}
	return nil
}

// fill simulates the venue matching part of a resting order at the
// fake's fixed price.
func (f *fakeVenue) fill(orderIdx uint64, offerConsumed int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order := f.orders[orderIdx]
	consumed := decimal.NewFromInt(offerConsumed)
	order.RemainingOffer = order.RemainingOffer.Sub(consumed)
	order.FilledAmount = order.FilledAmount.Add(consumed.Div(f.price).Floor())
	f.orders[orderIdx] = order
	f.consumed[orderIdx] = f.consumed[orderIdx].Add(consumed)
}

type fixture struct {
	db           *database.FakeDB
	cache        *cache.FakeCache
	venue        *fakeVenue
	queue        *queueclient.CaptureQueue
	vaults       *vault.Manager
	scheduler    *trigger.Scheduler
	settlement   *escrow.Settlement
	orchestrator *swap.Orchestrator
}

func newFixture(t *testing.T, price decimal.Decimal) *fixture {
	t.Helper()

	db := database.NewFakeDB()
	db.Config = types.FeeConfig{
		SwapFeeRate:       decimal.NewFromFloat(0.01),
		DelegationFeeRate: decimal.NewFromFloat(0.005),
		MinimumSwapAmount: decimal.NewFromInt(50000),
		MaxDestinations:   10,
	}
	require.NoError(t, db.CreatePair(context.Background(), types.Pair{
		Name:         "KUJI/USDC",
		BaseDenom:    "ukuji",
		QuoteDenom:   "uusdc",
		VenueAddress: "kujira1venue",
	}))

	fv := newFakeVenue(price)
	queue := &queueclient.CaptureQueue{}
	execCache := cache.NewFakeCache()
	logger := logrus.New()
	scheduler := trigger.NewScheduler(db, logger, nil, time.Minute, 100)
	vaults := vault.NewManager(db, scheduler, queue, logger)
	settlement := escrow.NewSettlement(db, fv, queue, logger)

	return &fixture{
		db:           db,
		cache:        execCache,
		venue:        fv,
		queue:        queue,
		vaults:       vaults,
		scheduler:    scheduler,
		settlement:   settlement,
		orchestrator: swap.NewOrchestrator(db, execCache, fv, vaults, scheduler, settlement, queue, 5, logger),
	}
}

func (fx *fixture) createVault(t *testing.T, params vault.CreateParams, now time.Time) *types.Vault {
	t.Helper()
	created, err := fx.vaults.Create(context.Background(), params, now)
	require.NoError(t, err)
	return created
}

// pendingCorrelation returns the single in-flight execution's id.
func (fx *fixture) pendingCorrelation(t *testing.T) uuid.UUID {
	t.Helper()
	snapshots := fx.cache.Snapshots()
	require.Len(t, snapshots, 1)
	return snapshots[0].CorrelationID
}

func marketParams(funds, swapAmount int64) vault.CreateParams {
	return vault.CreateParams{
		Owner:      owner,
		PairName:   "KUJI/USDC",
		Funds:      types.NewCoin("uusdc", funds),
		SwapAmount: decimal.NewFromInt(swapAmount),
		Interval:   types.IntervalDaily,
	}
}

func TestMarketExecutionDrainsVault(t *testing.T) {
	fx := newFixture(t, decimal.NewFromFloat(0.5))
	ctx := context.Background()
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	created := fx.createVault(t, marketParams(1000000, 100000), start)

	for i := 0; i < 10; i++ {
		trig, err := fx.db.GetTrigger(ctx, created.ID)
		require.NoError(t, err, "execution %d", i)
		now := trig.TargetTime

		require.NoError(t, fx.orchestrator.ExecuteTrigger(ctx, created.ID, now))

		outcome, err := fx.orchestrator.SettleSwap(ctx, fx.pendingCorrelation(t), now, false)
		require.NoError(t, err)
		require.NotNil(t, outcome)

		// 100000 uusdc at 0.5 = 200000 ukuji, 1% swap fee leaves 198000
		require.Len(t, outcome.Msgs, 1)
		require.Equal(t, types.MsgKindSend, outcome.Msgs[0].Kind)
		require.Equal(t, owner, outcome.Msgs[0].Recipient)
		require.Equal(t, "198000", outcome.Msgs[0].Amount.Amount.String())
		require.Nil(t, outcome.AutomationFeeRefund)
	}

	final, err := fx.vaults.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, types.VaultStatusInactive, final.Status)
	require.True(t, final.Balance.IsZero())
	require.Equal(t, "1000000", final.SwappedAmount.Amount.String())
	require.Equal(t, "2000000", final.ReceivedAmount.Amount.String())

	// drained vault holds no trigger and no in-flight execution
	_, err = fx.db.GetTrigger(ctx, created.ID)
	require.Error(t, err)
	require.Empty(t, fx.cache.Snapshots())

	completed := 0
	for _, reason := range fx.db.EventReasons(created.ID) {
		if reason == types.EventSwapCompleted {
			completed++
		}
	}
	require.Equal(t, 10, completed)
}

func TestFinalSwapTakesRemainder(t *testing.T) {
	fx := newFixture(t, decimal.NewFromFloat(0.5))
	ctx := context.Background()
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	created := fx.createVault(t, marketParams(150000, 100000), start)

	require.NoError(t, fx.orchestrator.ExecuteTrigger(ctx, created.ID, start))
	_, err := fx.orchestrator.SettleSwap(ctx, fx.pendingCorrelation(t), start, false)
	require.NoError(t, err)

	mid, err := fx.vaults.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "50000", mid.Balance.Amount.String())
	// below the nominal swap amount the vault is Inactive yet keeps a
	// trigger so the remainder drains on the next execution
	require.Equal(t, types.VaultStatusInactive, mid.Status)

	trig, err := fx.db.GetTrigger(ctx, created.ID)
	require.NoError(t, err)
	require.NoError(t, fx.orchestrator.ExecuteTrigger(ctx, created.ID, trig.TargetTime))
	_, err = fx.orchestrator.SettleSwap(ctx, fx.pendingCorrelation(t), trig.TargetTime, false)
	require.NoError(t, err)

	require.Len(t, fx.venue.requests, 2)
	require.Equal(t, "50000", fx.venue.requests[1].Offer.Amount.String())

	final, err := fx.vaults.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, types.VaultStatusInactive, final.Status)
	require.True(t, final.Balance.IsZero())
	require.Equal(t, "150000", final.SwappedAmount.Amount.String())
}

func TestExecuteTriggerGuards(t *testing.T) {
	fx := newFixture(t, decimal.NewFromFloat(0.5))
	ctx := context.Background()
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	future := start.Add(24 * time.Hour)
	params := marketParams(1000000, 100000)
	params.TargetStartTime = &future
	created := fx.createVault(t, params, start)

	err := fx.orchestrator.ExecuteTrigger(ctx, created.ID, start)
	require.ErrorIs(t, err, swap.ErrTriggerNotDue)

	fx.db.Config.Paused = true
	err = fx.orchestrator.ExecuteTrigger(ctx, created.ID, future)
	require.ErrorIs(t, err, swap.ErrPaused)
	fx.db.Config.Paused = false

	require.NoError(t, fx.orchestrator.ExecuteTrigger(ctx, created.ID, future))

	// the trigger is consumed, a second concurrent attempt fails fast
	err = fx.orchestrator.ExecuteTrigger(ctx, created.ID, future)
	require.Error(t, err)
}

func TestSlippageFailureReschedulesWithoutDebit(t *testing.T) {
	fx := newFixture(t, decimal.NewFromFloat(0.5))
	fx.venue.failWith = venuepkg.FailReasonSlippage
	ctx := context.Background()
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	created := fx.createVault(t, marketParams(1000000, 100000), start)

	require.NoError(t, fx.orchestrator.ExecuteTrigger(ctx, created.ID, start))
	outcome, err := fx.orchestrator.SettleSwap(ctx, fx.pendingCorrelation(t), start, false)
	require.NoError(t, err)
	require.Nil(t, outcome)

	after, err := fx.vaults.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "1000000", after.Balance.Amount.String())
	require.True(t, after.SwappedAmount.IsZero())

	trig, err := fx.db.GetTrigger(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, start.AddDate(0, 0, 1), trig.TargetTime)

	require.Contains(t, fx.db.EventReasons(created.ID), types.EventSkippedSlippage)
	require.Empty(t, fx.cache.Snapshots())
}

func TestPriceThresholdSkips(t *testing.T) {
	fx := newFixture(t, decimal.NewFromFloat(1.5))
	ctx := context.Background()
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	threshold := decimal.NewFromInt(1)
	params := marketParams(1000000, 100000)
	params.PriceThreshold = &threshold
	created := fx.createVault(t, params, start)

	require.NoError(t, fx.orchestrator.ExecuteTrigger(ctx, created.ID, start))

	// nothing was sent to the venue and no execution is in flight
	require.Empty(t, fx.venue.requests)
	require.Empty(t, fx.cache.Snapshots())

	trig, err := fx.db.GetTrigger(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, start.AddDate(0, 0, 1), trig.TargetTime)

	require.Contains(t, fx.db.EventReasons(created.ID), types.EventSkippedPriceThreshold)

	// once the price recedes the rescheduled trigger executes normally
	fx.venue.price = decimal.NewFromFloat(0.5)
	require.NoError(t, fx.orchestrator.ExecuteTrigger(ctx, created.ID, trig.TargetTime))
	require.Len(t, fx.venue.requests, 1)
}

func TestStuckExecutionIsAuditedAndRescheduled(t *testing.T) {
	fx := newFixture(t, decimal.NewFromFloat(0.5))
	fx.venue.resolve = false
	ctx := context.Background()
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	created := fx.createVault(t, marketParams(1000000, 100000), start)

	require.NoError(t, fx.orchestrator.ExecuteTrigger(ctx, created.ID, start))
	correlationID := fx.pendingCorrelation(t)

	// intermediate attempts surface the pending error so the task retries
	_, err := fx.orchestrator.SettleSwap(ctx, correlationID, start, false)
	require.ErrorIs(t, err, venuepkg.ErrResultPending)

	later := start.Add(30 * time.Minute)
	outcome, err := fx.orchestrator.SettleSwap(ctx, correlationID, later, true)
	require.NoError(t, err)
	require.Nil(t, outcome)

	require.Contains(t, fx.db.EventReasons(created.ID), types.EventExecutionStuck)
	require.Empty(t, fx.cache.Snapshots())

	// the vault is never left without a trigger
	trig, err := fx.db.GetTrigger(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, start.AddDate(0, 0, 1), trig.TargetTime)

	// balance untouched: the unresolved swap moved nothing
	after, err := fx.vaults.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "1000000", after.Balance.Amount.String())
}

// flakyCache injects a transient read failure in front of the fake.
type flakyCache struct {
	*cache.FakeCache
	getErr error
}

func (c *flakyCache) GetExecutionSnapshot(ctx context.Context, correlationID uuid.UUID) (types.ExecutionSnapshot, error) {
	if c.getErr != nil {
		return types.ExecutionSnapshot{}, c.getErr
	}
	return c.FakeCache.GetExecutionSnapshot(ctx, correlationID)
}

func TestSettleSwapRetriesOnCacheFailure(t *testing.T) {
	fx := newFixture(t, decimal.NewFromFloat(0.5))
	flaky := &flakyCache{FakeCache: fx.cache}
	orchestrator := swap.NewOrchestrator(fx.db, flaky, fx.venue, fx.vaults, fx.scheduler, fx.settlement, fx.queue, 5, logrus.New())
	ctx := context.Background()
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	created := fx.createVault(t, marketParams(1000000, 100000), start)
	require.NoError(t, orchestrator.ExecuteTrigger(ctx, created.ID, start))
	correlationID := fx.pendingCorrelation(t)

	// a cache outage must surface as an error so the task retries,
	// never as a silent acknowledgement
	flaky.getErr = errors.New("connection refused")
	outcome, err := orchestrator.SettleSwap(ctx, correlationID, start, false)
	require.Nil(t, outcome)
	require.ErrorContains(t, err, "execution snapshot")
	require.Len(t, fx.cache.Snapshots(), 1)

	// once the cache recovers the retry settles normally
	flaky.getErr = nil
	outcome, err = orchestrator.SettleSwap(ctx, correlationID, start, false)
	require.NoError(t, err)
	require.NotNil(t, outcome)

	after, err := fx.vaults.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "900000", after.Balance.Amount.String())
}

// failingQueue rejects one task type and records everything else.
type failingQueue struct {
	queueclient.CaptureQueue
	failType string
}

func (q *failingQueue) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if task.Type() == q.failType {
		return nil, errors.New("queue unavailable")
	}
	return q.CaptureQueue.Enqueue(task, opts...)
}

func TestSettlementEnqueueFailureMarksStuck(t *testing.T) {
	fx := newFixture(t, decimal.NewFromFloat(0.5))
	queue := &failingQueue{failType: tasks.TypeSettleSwap}
	orchestrator := swap.NewOrchestrator(fx.db, fx.cache, fx.venue, fx.vaults, fx.scheduler, fx.settlement, queue, 5, logrus.New())
	ctx := context.Background()
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	created := fx.createVault(t, marketParams(1000000, 100000), start)

	err := orchestrator.ExecuteTrigger(ctx, created.ID, start)
	require.ErrorContains(t, err, "enqueue settlement")

	// with no settle task the continuation would never run: the
	// execution is audited as stuck and the vault keeps a trigger
	require.Contains(t, fx.db.EventReasons(created.ID), types.EventExecutionStuck)
	require.Empty(t, fx.cache.Snapshots())

	trig, err := fx.db.GetTrigger(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, start.AddDate(0, 0, 1), trig.TargetTime)

	after, err := fx.vaults.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "1000000", after.Balance.Amount.String())
}

func TestDefaultSlippageToleranceApplies(t *testing.T) {
	fx := newFixture(t, decimal.NewFromFloat(0.5))
	fx.db.Config.DefaultSlippageTolerance = decimal.NewFromFloat(0.1)
	ctx := context.Background()
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	// no per-vault tolerance: the configured default bounds the swap
	created := fx.createVault(t, marketParams(1000000, 100000), start)
	require.NoError(t, fx.orchestrator.ExecuteTrigger(ctx, created.ID, start))
	require.Len(t, fx.venue.requests, 1)
	require.NotNil(t, fx.venue.requests[0].MinimumReceive)
	require.Equal(t, "180000", fx.venue.requests[0].MinimumReceive.String())

	// an explicit vault tolerance still wins over the default
	tolerance := decimal.NewFromFloat(0.2)
	params := marketParams(1000000, 100000)
	params.SlippageTolerance = &tolerance
	loose := fx.createVault(t, params, start)
	require.NoError(t, fx.orchestrator.ExecuteTrigger(ctx, loose.ID, start))
	require.Len(t, fx.venue.requests, 2)
	require.Equal(t, "160000", fx.venue.requests[1].MinimumReceive.String())
}

func TestSubmitFailureRestoresTrigger(t *testing.T) {
	fx := newFixture(t, decimal.NewFromFloat(0.5))
	fx.venue.submitErr = context.DeadlineExceeded
	ctx := context.Background()
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	created := fx.createVault(t, marketParams(1000000, 100000), start)

	err := fx.orchestrator.ExecuteTrigger(ctx, created.ID, start)
	require.Error(t, err)

	// the consumed trigger is restored at its original slot
	trig, err := fx.db.GetTrigger(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, start, trig.TargetTime)

	// no settlement was queued for the failed submission
	require.Zero(t, fx.queue.TypeCounts()[tasks.TypeSettleSwap])
}

func limitParams(funds, swapAmount, targetReceive int64) vault.CreateParams {
	receive := decimal.NewFromInt(targetReceive)
	params := marketParams(funds, swapAmount)
	params.TargetReceiveAmount = &receive
	return params
}

func TestLimitOrderLifecycle(t *testing.T) {
	fx := newFixture(t, decimal.NewFromFloat(0.5))
	ctx := context.Background()
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	created := fx.createVault(t, limitParams(1000000, 100000, 200000), start)

	require.NoError(t, fx.orchestrator.PlaceLimitOrder(ctx, created.ID))

	// the offer moves to the venue when the order is placed
	placed, err := fx.vaults.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "900000", placed.Balance.Amount.String())

	trig, err := fx.db.GetTrigger(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, trig.OrderIdx)

	// placing again is idempotent
	require.NoError(t, fx.orchestrator.PlaceLimitOrder(ctx, created.ID))
	require.Equal(t, uint64(1), fx.venue.nextIdx)

	// unfilled order is not executable yet
	err = fx.orchestrator.ExecuteTrigger(ctx, created.ID, start)
	require.ErrorIs(t, err, swap.ErrLimitOrderNotFilled)

	fx.venue.fill(*trig.OrderIdx, 100000)

	require.NoError(t, fx.orchestrator.ExecuteTrigger(ctx, created.ID, start))
	outcome, err := fx.orchestrator.SettleSwap(ctx, fx.pendingCorrelation(t), start, false)
	require.NoError(t, err)
	require.NotNil(t, outcome)

	// the balance was debited at placement, settlement must not debit again
	final, err := fx.vaults.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "900000", final.Balance.Amount.String())
	require.Equal(t, "100000", final.SwappedAmount.Amount.String())
	require.Equal(t, "200000", final.ReceivedAmount.Amount.String())

	// the vault continues on a recurring time trigger afterwards
	next, err := fx.db.GetTrigger(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, types.TriggerKindTime, next.Kind)
}

func TestPlaceLimitOrderRequiresLimitTrigger(t *testing.T) {
	fx := newFixture(t, decimal.NewFromFloat(0.5))
	ctx := context.Background()
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	created := fx.createVault(t, marketParams(1000000, 100000), start)
	require.Error(t, fx.orchestrator.PlaceLimitOrder(ctx, created.ID))

	limit := fx.createVault(t, limitParams(1000000, 100000, 200000), start)
	err := fx.orchestrator.ExecuteTrigger(ctx, limit.ID, start)
	require.ErrorIs(t, err, swap.ErrOrderNotPlaced)
}

func TestCancelPartiallyFilledLimitOrder(t *testing.T) {
	fx := newFixture(t, decimal.NewFromFloat(0.5))
	ctx := context.Background()
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	created := fx.createVault(t, limitParams(1000000, 100000, 200000), start)
	require.NoError(t, fx.orchestrator.PlaceLimitOrder(ctx, created.ID))

	trig, err := fx.db.GetTrigger(ctx, created.ID)
	require.NoError(t, err)
	// 60000 of the 100000 offer matched: 120000 ukuji filled at 0.5
	fx.venue.fill(*trig.OrderIdx, 60000)

	msgs, err := fx.orchestrator.CancelVault(ctx, created.ID, owner, start)
	require.NoError(t, err)

	// refund covers the balance plus the retracted unfilled offer
	require.Len(t, msgs, 1)
	require.Equal(t, types.MsgKindRefund, msgs[0].Kind)
	require.Equal(t, "940000", msgs[0].Amount.Amount.String())

	cancelled, err := fx.vaults.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, types.VaultStatusCancelled, cancelled.Status)
	require.True(t, cancelled.Balance.IsZero())

	// the filled portion settles asynchronously after cancellation
	correlationID := fx.pendingCorrelation(t)
	outcome, err := fx.orchestrator.SettleSwap(ctx, correlationID, start, false)
	require.NoError(t, err)
	require.NotNil(t, outcome)

	// bookkeeping only: the cancelled vault gains totals, not balance
	settled, err := fx.vaults.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, types.VaultStatusCancelled, settled.Status)
	require.True(t, settled.Balance.IsZero())
	require.Equal(t, "60000", settled.SwappedAmount.Amount.String())
	require.Equal(t, "120000", settled.ReceivedAmount.Amount.String())
	require.Empty(t, fx.cache.Snapshots())
}

func TestSettleSwapWithoutSnapshotIsNoop(t *testing.T) {
	fx := newFixture(t, decimal.NewFromFloat(0.5))

	outcome, err := fx.orchestrator.SettleSwap(context.Background(), uuid.New(), time.Now().UTC(), false)
	require.NoError(t, err)
	require.Nil(t, outcome)
}

func TestPlusVaultEscrowsSliceOfProceeds(t *testing.T) {
	fx := newFixture(t, decimal.NewFromFloat(0.5))
	ctx := context.Background()
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	params := marketParams(1000000, 100000)
	params.Plus = &vault.PlusParams{
		EscrowLevel: decimal.NewFromFloat(0.25),
		ModelID:     1,
	}
	created := fx.createVault(t, params, start)

	require.NoError(t, fx.orchestrator.ExecuteTrigger(ctx, created.ID, start))
	outcome, err := fx.orchestrator.SettleSwap(ctx, fx.pendingCorrelation(t), start, false)
	require.NoError(t, err)

	// 200000 received, 2000 swap fee, 25% of 198000 escrowed
	after, err := fx.vaults.Get(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, after.Plus)
	require.Equal(t, "49500", after.Plus.EscrowedBalance.Amount.String())

	require.Len(t, outcome.Msgs, 1)
	require.Equal(t, "148500", outcome.Msgs[0].Amount.Amount.String())

	// the standard baseline advances in lockstep at the execution price
	require.Equal(t, "100000", after.Plus.StandardSwapped.Amount.String())
	require.Equal(t, "200000", after.Plus.StandardReceived.Amount.String())
}

func TestCancelPlusVaultSchedulesEscrowDisbursement(t *testing.T) {
	fx := newFixture(t, decimal.NewFromFloat(0.5))
	ctx := context.Background()
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	params := marketParams(1000000, 100000)
	params.Plus = &vault.PlusParams{EscrowLevel: decimal.NewFromFloat(0.25)}
	created := fx.createVault(t, params, start)

	require.NoError(t, fx.orchestrator.ExecuteTrigger(ctx, created.ID, start))
	_, err := fx.orchestrator.SettleSwap(ctx, fx.pendingCorrelation(t), start, false)
	require.NoError(t, err)

	_, err = fx.orchestrator.CancelVault(ctx, created.ID, owner, start)
	require.NoError(t, err)

	// escrow stays behind for deferred disbursement
	cancelled, err := fx.vaults.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "49500", cancelled.Plus.EscrowedBalance.Amount.String())
	require.NotNil(t, cancelled.Plus.DisburseAt)
	require.True(t, cancelled.Plus.DisburseAt.After(start))

	require.Equal(t, 1, fx.queue.TypeCounts()[tasks.TypeDisburseEscrow])
}

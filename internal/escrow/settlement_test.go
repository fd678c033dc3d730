package escrow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/stackwise/dcavault/internal/escrow"
	"github.com/stackwise/dcavault/internal/tasks"
	"github.com/stackwise/dcavault/internal/types"
	"github.com/stackwise/dcavault/test/mocks/database"
	"github.com/stackwise/dcavault/test/mocks/queueclient"
	venuemock "github.com/stackwise/dcavault/test/mocks/venue"
)

const owner = "kujira1owner"

type staticPricer struct {
	price decimal.Decimal
}

func (p staticPricer) BeliefPrice(ctx context.Context, venueAddress string) (decimal.Decimal, error) {
	return p.price, nil
}

func plusVault(escrowed int64) types.Vault {
	return types.Vault{
		Owner:    owner,
		Status:   types.VaultStatusInactive,
		Pair:     types.Pair{Name: "KUJI/USDC", BaseDenom: "ukuji", QuoteDenom: "uusdc", VenueAddress: "kujira1venue"},
		Interval: types.IntervalDaily,
		Balance:  types.NewCoin("uusdc", 0),
		SwapAmount: types.NewCoinFromDecimal(
			"uusdc", decimal.NewFromInt(100000)),
		SwappedAmount:  types.NewCoin("uusdc", 1000000),
		ReceivedAmount: types.NewCoin("ukuji", 2100000),
		Destinations: []types.Destination{
			{Address: owner, Allocation: decimal.NewFromInt(1), Action: types.ActionSend},
		},
		Plus: &types.PlusConfig{
			EscrowedBalance:  types.NewCoin("ukuji", escrowed),
			EscrowLevel:      decimal.NewFromFloat(0.25),
			TotalDeposit:     types.NewCoin("uusdc", 1000000),
			StandardSwapped:  types.NewCoin("uusdc", 1000000),
			StandardReceived: types.NewCoin("ukuji", 2000000),
		},
	}
}

func TestPerformanceFee(t *testing.T) {
	rate := decimal.NewFromFloat(0.1)

	testCases := []struct {
		name   string
		mutate func(*types.Vault)
		price  decimal.Decimal
		want   int64
	}{
		{
			// 2100000 actual vs 2000000 baseline, fully swapped
			name:   "fee on excess over baseline",
			mutate: func(v *types.Vault) {},
			price:  decimal.NewFromFloat(0.5),
			want:   10000,
		},
		{
			name: "floored at zero when baseline outperforms",
			mutate: func(v *types.Vault) {
				v.ReceivedAmount = types.NewCoin("ukuji", 1900000)
			},
			price: decimal.NewFromFloat(0.5),
			want:  0,
		},
		{
			name: "strictly positive excess pays at least one unit",
			mutate: func(v *types.Vault) {
				v.ReceivedAmount = types.NewCoin("ukuji", 2000001)
			},
			price: decimal.NewFromFloat(0.5),
			want:  1,
		},
		{
			// unswapped remainders are valued at the belief price:
			// actual 1050000 + 500000/0.5, baseline 1200000 + 400000/0.5
			name: "partially swapped strategies compare at belief price",
			mutate: func(v *types.Vault) {
				v.SwappedAmount = types.NewCoin("uusdc", 500000)
				v.ReceivedAmount = types.NewCoin("ukuji", 1050000)
				v.Plus.StandardSwapped = types.NewCoin("uusdc", 600000)
				v.Plus.StandardReceived = types.NewCoin("ukuji", 1200000)
			},
			price: decimal.NewFromFloat(0.5),
			want:  5000,
		},
		{
			name:   "zero belief price charges nothing",
			mutate: func(v *types.Vault) {},
			price:  decimal.Zero,
			want:   0,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			v := plusVault(49500)
			tc.mutate(&v)
			fee := escrow.PerformanceFee(v, tc.price, rate)
			require.Equal(t, "ukuji", fee.Denom)
			require.Equal(t, decimal.NewFromInt(tc.want).String(), fee.Amount.String())
		})
	}

	t.Run("standard vault pays nothing", func(t *testing.T) {
		v := plusVault(0)
		v.Plus = nil
		fee := escrow.PerformanceFee(v, decimal.NewFromFloat(0.5), rate)
		require.True(t, fee.IsZero())
	})
}

func TestExpectedCompletionDate(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	v := plusVault(0)
	v.Plus = nil
	v.Balance = types.NewCoin("uusdc", 300000)
	require.Equal(t, now.AddDate(0, 0, 3), escrow.ExpectedCompletionDate(v, now))

	// a partial final slice still needs a whole execution slot
	v.Balance = types.NewCoin("uusdc", 250000)
	require.Equal(t, now.AddDate(0, 0, 3), escrow.ExpectedCompletionDate(v, now))

	// the projection follows the slower standard baseline
	v = plusVault(0)
	v.Balance = types.NewCoin("uusdc", 300000)
	v.Plus.StandardSwapped = types.NewCoin("uusdc", 500000)
	require.Equal(t, now.AddDate(0, 0, 5), escrow.ExpectedCompletionDate(v, now))

	v.SwapAmount = types.NewCoin("uusdc", 0)
	require.Equal(t, now, escrow.ExpectedCompletionDate(v, now))
}

func newSettlement(t *testing.T, price decimal.Decimal) (*escrow.Settlement, *database.FakeDB, *queueclient.CaptureQueue) {
	t.Helper()
	db := database.NewFakeDB()
	db.Config = types.FeeConfig{
		PerformanceFeeRate: decimal.NewFromFloat(0.1),
	}
	queue := &queueclient.CaptureQueue{}
	return escrow.NewSettlement(db, staticPricer{price: price}, queue, logrus.New()), db, queue
}

func TestScheduleDisburse(t *testing.T) {
	s, db, queue := newSettlement(t, decimal.NewFromFloat(0.5))
	ctx := context.Background()

	created, err := db.CreateVaultTx(ctx, nil, plusVault(49500))
	require.NoError(t, err)

	at := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.ScheduleDisburse(ctx, *created, at))

	stored, err := db.GetVault(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Plus.DisburseAt)
	require.Equal(t, at, *stored.Plus.DisburseAt)
	require.Equal(t, 1, queue.TypeCounts()[tasks.TypeDisburseEscrow])

	standard := plusVault(0)
	standard.Plus = nil
	createdStd, err := db.CreateVaultTx(ctx, nil, standard)
	require.NoError(t, err)
	require.ErrorIs(t, s.ScheduleDisburse(ctx, *createdStd, at), escrow.ErrNotPlusVault)
}

func TestScheduleDisburseQueueBehaviour(t *testing.T) {
	db := database.NewFakeDB()
	db.Config = types.FeeConfig{
		PerformanceFeeRate: decimal.NewFromFloat(0.1),
	}
	ctx := context.Background()
	at := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	created, err := db.CreateVaultTx(ctx, nil, plusVault(49500))
	require.NoError(t, err)

	queue := &queueclient.MockQueueClient{}
	s := escrow.NewSettlement(db, staticPricer{price: decimal.NewFromFloat(0.5)}, queue, logrus.New())

	// a task already queued for the same vault is not an error
	queue.On("Enqueue", mock.Anything, mock.Anything).
		Return(nil, asynq.ErrTaskIDConflict).Once()
	require.NoError(t, s.ScheduleDisburse(ctx, *created, at))

	queue.On("Enqueue", mock.Anything, mock.Anything).
		Return(nil, errors.New("redis down")).Once()
	require.ErrorContains(t, s.ScheduleDisburse(ctx, *created, at), "enqueue disburse")
	queue.AssertExpectations(t)
}

func TestDisburseGuards(t *testing.T) {
	s, db, _ := newSettlement(t, decimal.NewFromFloat(0.5))
	ctx := context.Background()
	now := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

	standard := plusVault(0)
	standard.Plus = nil
	createdStd, err := db.CreateVaultTx(ctx, nil, standard)
	require.NoError(t, err)
	_, err = s.Disburse(ctx, createdStd.ID, now)
	require.ErrorIs(t, err, escrow.ErrNotPlusVault)

	active := plusVault(49500)
	active.Status = types.VaultStatusActive
	createdActive, err := db.CreateVaultTx(ctx, nil, active)
	require.NoError(t, err)
	_, err = s.Disburse(ctx, createdActive.ID, now)
	require.ErrorIs(t, err, escrow.ErrVaultStillActive)

	early := plusVault(49500)
	due := now.AddDate(0, 0, 7)
	early.Plus.DisburseAt = &due
	createdEarly, err := db.CreateVaultTx(ctx, nil, early)
	require.NoError(t, err)
	_, err = s.Disburse(ctx, createdEarly.ID, now)
	require.ErrorIs(t, err, escrow.ErrDisburseNotDue)
}

func TestDisburseLeavesEscrowUntouchedOnPriceFailure(t *testing.T) {
	db := database.NewFakeDB()
	db.Config = types.FeeConfig{
		PerformanceFeeRate: decimal.NewFromFloat(0.1),
	}
	pricer := &venuemock.MockVenue{}
	pricer.On("BeliefPrice", mock.Anything, "kujira1venue").
		Return(decimal.Zero, errors.New("venue unavailable"))
	s := escrow.NewSettlement(db, pricer, &queueclient.CaptureQueue{}, logrus.New())

	ctx := context.Background()
	now := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	v := plusVault(49500)
	due := now.AddDate(0, 0, -1)
	v.Plus.DisburseAt = &due
	created, err := db.CreateVaultTx(ctx, nil, v)
	require.NoError(t, err)

	_, err = s.Disburse(ctx, created.ID, now)
	require.ErrorContains(t, err, "belief price")

	stored, err := db.GetVault(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "49500", stored.Plus.EscrowedBalance.Amount.String())
	require.NotNil(t, stored.Plus.DisburseAt)
	pricer.AssertExpectations(t)
}

func TestDisburseReleasesNetOfPerformanceFee(t *testing.T) {
	s, db, _ := newSettlement(t, decimal.NewFromFloat(0.5))
	ctx := context.Background()
	now := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

	v := plusVault(49500)
	due := now.AddDate(0, 0, -1)
	v.Plus.DisburseAt = &due
	created, err := db.CreateVaultTx(ctx, nil, v)
	require.NoError(t, err)

	msgs, err := s.Disburse(ctx, created.ID, now)
	require.NoError(t, err)

	// 49500 escrowed minus a 10000 performance fee on the 100000 excess
	require.Len(t, msgs, 1)
	require.Equal(t, types.MsgKindSend, msgs[0].Kind)
	require.Equal(t, owner, msgs[0].Recipient)
	require.Equal(t, "39500", msgs[0].Amount.Amount.String())

	settled, err := db.GetVault(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, settled.Plus.EscrowedBalance.IsZero())
	require.Nil(t, settled.Plus.DisburseAt)
	require.Contains(t, db.EventReasons(created.ID), types.EventEscrowDisbursed)

	// settling again is an idempotent no-op
	again, err := s.Disburse(ctx, created.ID, now)
	require.NoError(t, err)
	require.Nil(t, again)
}

func TestDisburseClampsFeeToEscrow(t *testing.T) {
	s, db, _ := newSettlement(t, decimal.NewFromFloat(0.5))
	ctx := context.Background()
	now := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

	// fee on the excess exceeds what was actually withheld
	v := plusVault(5000)
	created, err := db.CreateVaultTx(ctx, nil, v)
	require.NoError(t, err)

	msgs, err := s.Disburse(ctx, created.ID, now)
	require.NoError(t, err)
	require.Empty(t, msgs)

	settled, err := db.GetVault(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, settled.Plus.EscrowedBalance.IsZero())
}

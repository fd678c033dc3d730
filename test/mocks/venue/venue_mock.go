package venue

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"

	"github.com/stackwise/dcavault/internal/types"
	venuepkg "github.com/stackwise/dcavault/internal/venue"
)

type MockVenue struct {
	mock.Mock
}

func (m *MockVenue) SpotPrice(ctx context.Context, venueAddress string, position types.PositionType) (decimal.Decimal, error) {
	args := m.Called(ctx, venueAddress, position)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *MockVenue) BeliefPrice(ctx context.Context, venueAddress string) (decimal.Decimal, error) {
	args := m.Called(ctx, venueAddress)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *MockVenue) SubmitSwap(ctx context.Context, req venuepkg.SwapRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *MockVenue) SwapResult(ctx context.Context, correlationID uuid.UUID) (venuepkg.SwapResult, error) {
	args := m.Called(ctx, correlationID)
	return args.Get(0).(venuepkg.SwapResult), args.Error(1)
}

func (m *MockVenue) SubmitLimitOrder(ctx context.Context, venueAddress string, offer types.Coin, targetPrice decimal.Decimal) (uint64, error) {
	args := m.Called(ctx, venueAddress, offer, targetPrice)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockVenue) LimitOrderStatus(ctx context.Context, venueAddress string, orderIdx uint64) (venuepkg.LimitOrder, error) {
	args := m.Called(ctx, venueAddress, orderIdx)
	return args.Get(0).(venuepkg.LimitOrder), args.Error(1)
}

func (m *MockVenue) RetractOrder(ctx context.Context, venueAddress string, orderIdx uint64) (types.Coin, error) {
	args := m.Called(ctx, venueAddress, orderIdx)
	return args.Get(0).(types.Coin), args.Error(1)
}

func (m *MockVenue) WithdrawOrder(ctx context.Context, venueAddress string, orderIdx uint64, correlationID uuid.UUID) error {
	args := m.Called(ctx, venueAddress, orderIdx, correlationID)
	return args.Error(0)
}

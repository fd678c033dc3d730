package venue

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stackwise/dcavault/internal/types"
)

var (
	// ErrResultPending means the venue has not resolved the swap yet.
	ErrResultPending = errors.New("swap result not yet available")
	ErrOrderNotFound = errors.New("limit order not found")
)

type SwapStatus string

const (
	SwapStatusSucceeded SwapStatus = "succeeded"
	SwapStatusFailed    SwapStatus = "failed"
)

// SwapRequest submits a market swap. The venue answers asynchronously;
// the result is retrieved later by correlation id.
type SwapRequest struct {
	CorrelationID uuid.UUID
	VenueAddress  string
	Offer         types.Coin
	AskDenom      string
	// MinimumReceive, when set, makes the venue fail the swap rather
	// than settle below it.
	MinimumReceive *decimal.Decimal
}

type SwapResult struct {
	Status SwapStatus
	// Sent and Received come from the venue's structured settlement
	// report, not from balance diffs.
	Sent     types.Coin
	Received types.Coin
	// Reason is set on failure: "slippage_exceeded", "insufficient_liquidity".
	Reason string
}

const (
	FailReasonSlippage    = "slippage_exceeded"
	FailReasonNoLiquidity = "insufficient_liquidity"
)

// LimitOrder is the venue's view of a resting order.
type LimitOrder struct {
	Idx            uint64
	OriginalOffer  types.Coin
	RemainingOffer types.Coin
	FilledAmount   types.Coin
}

func (o LimitOrder) FullyFilled() bool {
	return o.RemainingOffer.IsZero()
}

// Venue is the external exchange adapter. Market swaps resolve
// asynchronously; limit orders rest until filled.
type Venue interface {
	// SpotPrice quotes the current simulated execution price for the
	// position, in source units per target unit.
	SpotPrice(ctx context.Context, venueAddress string, position types.PositionType) (decimal.Decimal, error)
	// BeliefPrice is the venue's time-weighted price, used for
	// performance assessment rather than execution.
	BeliefPrice(ctx context.Context, venueAddress string) (decimal.Decimal, error)

	SubmitSwap(ctx context.Context, req SwapRequest) error
	// SwapResult returns ErrResultPending until the venue resolves the
	// swap identified by the correlation id.
	SwapResult(ctx context.Context, correlationID uuid.UUID) (SwapResult, error)

	SubmitLimitOrder(ctx context.Context, venueAddress string, offer types.Coin, targetPrice decimal.Decimal) (uint64, error)
	LimitOrderStatus(ctx context.Context, venueAddress string, orderIdx uint64) (LimitOrder, error)
	// RetractOrder pulls the unfilled remainder of a resting order and
	// returns the amount refunded.
	RetractOrder(ctx context.Context, venueAddress string, orderIdx uint64) (types.Coin, error)
	// WithdrawOrder claims the filled portion of a resting order. The
	// proceeds settle asynchronously under the correlation id, like a
	// market swap.
	WithdrawOrder(ctx context.Context, venueAddress string, orderIdx uint64, correlationID uuid.UUID) error
}

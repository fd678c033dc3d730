// Package fees computes the fee breakdown and destination splits for a
// settled swap. Everything here is pure: callers pass the received
// amount and configuration in and get a plan of outbound messages back.
package fees

import (
	"github.com/shopspring/decimal"

	"github.com/stackwise/dcavault/internal/types"
)

type Allocation struct {
	Destination types.Destination
	Amount      types.Coin
}

// Breakdown is the full fee and split computation for one settlement.
// All amounts are truncated to whole units, never rounded up, so
// swap_fee + automation_fee + sum(allocations) <= received always
// holds; the truncation dust stays unswept.
type Breakdown struct {
	Received      types.Coin
	SwapFee       types.Coin
	AutomationFee types.Coin
	TotalAfterFee types.Coin
	// EscrowWithheld is the slice of TotalAfterFee held back for an
	// enhanced vault; it is zero for standard vaults and is not part of
	// the allocations.
	EscrowWithheld types.Coin
	Allocations    []Allocation
}

// Compute splits a received amount across a vault's destinations after
// deducting the swap fee and the automation fee. sourceDenom is the
// denom that was swapped away; it participates in fee-override
// resolution only. escrowLevel withholds a fraction of the net
// proceeds before the split and is zero for standard vaults.
func Compute(received types.Coin, sourceDenom string, destinations []types.Destination, escrowLevel decimal.Decimal, cfg types.FeeConfig) Breakdown {
	feeRate := cfg.SwapFeeRateFor(sourceDenom, received.Denom)
	swapFee := received.Amount.Mul(feeRate).Floor()

	afterSwapFee := received.Amount.Sub(swapFee)

	automationRate := cfg.DelegationFeeRate.Mul(autoDelegateShare(destinations))
	automationFee := afterSwapFee.Mul(automationRate).Floor()

	totalAfterFee := afterSwapFee.Sub(automationFee)

	escrowed := totalAfterFee.Mul(escrowLevel).Floor()
	distributable := totalAfterFee.Sub(escrowed)

	allocations := make([]Allocation, 0, len(destinations))
	for _, dest := range destinations {
		amount := distributable.Mul(dest.Allocation).Floor()
		allocations = append(allocations, Allocation{
			Destination: dest,
			Amount:      types.NewCoinFromDecimal(received.Denom, amount),
		})
	}

	return Breakdown{
		Received:       received,
		SwapFee:        types.NewCoinFromDecimal(received.Denom, swapFee),
		AutomationFee:  types.NewCoinFromDecimal(received.Denom, automationFee),
		TotalAfterFee:  types.NewCoinFromDecimal(received.Denom, totalAfterFee),
		EscrowWithheld: types.NewCoinFromDecimal(received.Denom, escrowed),
		Allocations:    allocations,
	}
}

func autoDelegateShare(destinations []types.Destination) decimal.Decimal {
	share := decimal.Zero
	for _, dest := range destinations {
		if dest.Action == types.ActionAutoDelegate {
			share = share.Add(dest.Allocation)
		}
	}
	return share
}

// DistributeNet splits an amount across destinations with no further
// fee deduction, used when releasing escrowed proceeds that were
// already charged at settlement time.
func DistributeNet(amount types.Coin, destinations []types.Destination) []Allocation {
	allocations := make([]Allocation, 0, len(destinations))
	for _, dest := range destinations {
		allocations = append(allocations, Allocation{
			Destination: dest,
			Amount:      types.NewCoinFromDecimal(amount.Denom, amount.Amount.Mul(dest.Allocation).Floor()),
		})
	}
	return allocations
}

// Plan turns allocations into the outbound distribution messages.
// Auto-delegate shares go to the owner first and are delegated from
// there: the delegate call is best effort and a failed delegation must
// not forfeit the underlying funds.
func Plan(allocations []Allocation, owner string) []types.DistributionMsg {
	msgs := make([]types.DistributionMsg, 0, len(allocations))
	for _, alloc := range allocations {
		if alloc.Amount.IsZero() {
			continue
		}
		switch alloc.Destination.Action {
		case types.ActionAutoDelegate:
			msgs = append(msgs, types.DistributionMsg{
				Kind:      types.MsgKindDelegate,
				Recipient: owner,
				Validator: alloc.Destination.Validator,
				Amount:    alloc.Amount,
			})
		case types.ActionCustom:
			msgs = append(msgs, types.DistributionMsg{
				Kind:      types.MsgKindCustom,
				Recipient: alloc.Destination.Address,
				Amount:    alloc.Amount,
				Payload:   alloc.Destination.Payload,
			})
		default:
			msgs = append(msgs, types.DistributionMsg{
				Kind:      types.MsgKindSend,
				Recipient: alloc.Destination.Address,
				Amount:    alloc.Amount,
			})
		}
	}
	return msgs
}

// AutomationFeeRefund is issued when every delegate follow-up of a
// settlement failed: the automation fee already deducted is returned to
// the owner.
func AutomationFeeRefund(breakdown Breakdown, owner string) *types.DistributionMsg {
	if breakdown.AutomationFee.IsZero() {
		return nil
	}
	return &types.DistributionMsg{
		Kind:      types.MsgKindRefund,
		Recipient: owner,
		Amount:    breakdown.AutomationFee,
	}
}

package types

import (
	"time"

	"github.com/shopspring/decimal"
)

type VaultStatus string

const (
	VaultStatusScheduled VaultStatus = "scheduled"
	VaultStatusActive    VaultStatus = "active"
	VaultStatusInactive  VaultStatus = "inactive"
	VaultStatusCancelled VaultStatus = "cancelled"
)

type Interval string

const (
	IntervalHourly  Interval = "hourly"
	IntervalDaily   Interval = "daily"
	IntervalWeekly  Interval = "weekly"
	IntervalMonthly Interval = "monthly"
)

func (i Interval) IsValid() bool {
	switch i {
	case IntervalHourly, IntervalDaily, IntervalWeekly, IntervalMonthly:
		return true
	}
	return false
}

// Next advances t by one interval. Monthly intervals follow calendar
// months rather than a fixed number of hours.
func (i Interval) Next(t time.Time) time.Time {
	switch i {
	case IntervalHourly:
		return t.Add(time.Hour)
	case IntervalDaily:
		return t.AddDate(0, 0, 1)
	case IntervalWeekly:
		return t.AddDate(0, 0, 7)
	case IntervalMonthly:
		return t.AddDate(0, 1, 0)
	default:
		return t
	}
}

// Vault is a recurring-purchase position: a funded balance swapped into
// a target asset one slice at a time.
type Vault struct {
	ID            int64       `json:"id"`
	Owner         string      `json:"owner"`
	Label         string      `json:"label,omitempty"`
	Status        VaultStatus `json:"status"`
	Pair          Pair        `json:"pair"`
	Interval      Interval    `json:"interval"`
	Balance       Coin        `json:"balance"`
	SwapAmount    Coin        `json:"swap_amount"`
	SwappedAmount Coin        `json:"swapped_amount"`
	// ReceivedAmount is the lifetime total before fees are deducted;
	// fee accounting happens per execution.
	ReceivedAmount       Coin             `json:"received_amount"`
	MinimumReceiveAmount *decimal.Decimal `json:"minimum_receive_amount,omitempty"`
	SlippageTolerance    *decimal.Decimal `json:"slippage_tolerance,omitempty"`
	PriceThreshold       *decimal.Decimal `json:"price_threshold,omitempty"`
	Destinations         []Destination    `json:"destinations"`
	Plus                 *PlusConfig      `json:"plus,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
}

// PlusConfig is the enhanced-vault extension: part of each execution's
// proceeds is escrowed and later released net of a performance fee
// benchmarked against a standard (non-adaptive) schedule.
type PlusConfig struct {
	EscrowedBalance  Coin            `json:"escrowed_balance"`
	EscrowLevel      decimal.Decimal `json:"escrow_level"`
	ModelID          int32           `json:"model_id"`
	TotalDeposit     Coin            `json:"total_deposit"`
	StandardSwapped  Coin            `json:"standard_swapped"`
	StandardReceived Coin            `json:"standard_received"`
	DisburseAt       *time.Time      `json:"disburse_at,omitempty"`
}

func (v Vault) Position() PositionType {
	return v.Pair.PositionTypeFor(v.Balance.Denom)
}

func (v Vault) TargetDenom() string {
	return v.Pair.TargetDenom(v.Balance.Denom)
}

// LowFunds reports whether the balance no longer covers a full nominal
// swap, in which case the next execution drains whatever remains.
func (v Vault) LowFunds() bool {
	return v.Balance.Amount.LessThan(v.SwapAmount.Amount)
}

// NextSwapAmount is min(swap_amount, balance).
func (v Vault) NextSwapAmount() Coin {
	if v.LowFunds() {
		return v.Balance
	}
	return NewCoinFromDecimal(v.Balance.Denom, v.SwapAmount.Amount)
}

// PriceThresholdExceeded reports whether an execution must be skipped
// at the given spot price. The check is directional: buy positions skip
// when the price has risen above the threshold, sell positions skip
// when it has fallen below.
func (v Vault) PriceThresholdExceeded(price decimal.Decimal) bool {
	if v.PriceThreshold == nil {
		return false
	}
	if v.Position() == PositionTypeBuy {
		return price.GreaterThan(*v.PriceThreshold)
	}
	return price.LessThan(*v.PriceThreshold)
}

func (v Vault) IsCancelled() bool {
	return v.Status == VaultStatusCancelled
}

// Executable reports whether the vault participates in scheduling.
func (v Vault) Executable() bool {
	return v.Status == VaultStatusScheduled || v.Status == VaultStatusActive
}

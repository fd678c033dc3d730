package types

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Coin is an amount of a single asset, denominated in integer base units.
// Amounts are carried as decimals so fee math can be done exactly, but
// every amount persisted or sent on the wire is a whole number of units.
type Coin struct {
	Denom  string          `json:"denom"`
	Amount decimal.Decimal `json:"amount"`
}

func NewCoin(denom string, amount int64) Coin {
	return Coin{Denom: denom, Amount: decimal.NewFromInt(amount)}
}

func NewCoinFromDecimal(denom string, amount decimal.Decimal) Coin {
	return Coin{Denom: denom, Amount: amount}
}

func (c Coin) Add(amount decimal.Decimal) Coin {
	return Coin{Denom: c.Denom, Amount: c.Amount.Add(amount)}
}

func (c Coin) Sub(amount decimal.Decimal) Coin {
	return Coin{Denom: c.Denom, Amount: c.Amount.Sub(amount)}
}

func (c Coin) IsZero() bool {
	return c.Amount.IsZero()
}

func (c Coin) IsNegative() bool {
	return c.Amount.IsNegative()
}

func (c Coin) String() string {
	return fmt.Sprintf("%s%s", c.Amount.String(), c.Denom)
}

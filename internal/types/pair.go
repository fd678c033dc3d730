package types

// PositionType describes which side of a pair a vault accumulates.
// A vault funded with the quote denom is buying the base asset, a vault
// funded with the base denom is selling it.
type PositionType string

const (
	PositionTypeBuy  PositionType = "buy"
	PositionTypeSell PositionType = "sell"
)

type Pair struct {
	Name         string `json:"name" validate:"required"`
	BaseDenom    string `json:"base_denom" validate:"required"`
	QuoteDenom   string `json:"quote_denom" validate:"required"`
	VenueAddress string `json:"venue_address" validate:"required"`
}

// PositionTypeFor returns the position a vault holds on this pair given
// the denom it funds swaps with.
func (p Pair) PositionTypeFor(sourceDenom string) PositionType {
	if sourceDenom == p.QuoteDenom {
		return PositionTypeBuy
	}
	return PositionTypeSell
}

// TargetDenom is the denom a vault receives when swapping sourceDenom
// through this pair.
func (p Pair) TargetDenom(sourceDenom string) string {
	if sourceDenom == p.QuoteDenom {
		return p.BaseDenom
	}
	return p.QuoteDenom
}

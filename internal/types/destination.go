package types

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// DestinationAction is a closed set of follow-up actions applied to a
// destination's share of distributed proceeds.
type DestinationAction string

const (
	// ActionSend transfers the share directly to the destination address.
	ActionSend DestinationAction = "send"
	// ActionAutoDelegate transfers the share to the vault owner and then
	// delegates it to the destination validator on their behalf.
	ActionAutoDelegate DestinationAction = "auto_delegate"
	// ActionCustom transfers the share to the destination address and
	// invokes it with an opaque payload.
	ActionCustom DestinationAction = "custom"
)

func (a DestinationAction) IsValid() bool {
	switch a {
	case ActionSend, ActionAutoDelegate, ActionCustom:
		return true
	}
	return false
}

type Destination struct {
	Address    string            `json:"address" validate:"required"`
	Allocation decimal.Decimal   `json:"allocation" validate:"required"`
	Action     DestinationAction `json:"action,omitempty"`
	// Validator is set only for auto_delegate destinations.
	Validator string `json:"validator,omitempty"`
	// Payload is set only for custom destinations.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AllocationsSumToOne checks the closure invariant on a destination set.
func AllocationsSumToOne(destinations []Destination) bool {
	total := decimal.Zero
	for _, d := range destinations {
		total = total.Add(d.Allocation)
	}
	return total.Equal(decimal.NewFromInt(1))
}

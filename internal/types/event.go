package types

import (
	"encoding/json"
	"time"
)

// Event reason codes. These are stable and greppable; every terminal
// execution outcome writes exactly one event carrying one of them.
const (
	EventVaultCreated             = "vault_created"
	EventVaultCancelled           = "vault_cancelled"
	EventVaultUpdated             = "vault_updated"
	EventFundsDeposited           = "funds_deposited"
	EventSwapCompleted            = "swap_completed"
	EventSkippedPriceThreshold    = "skipped_price_threshold"
	EventSkippedSlippage          = "skipped_slippage_exceeded"
	EventSkippedInsufficientFunds = "skipped_insufficient_funds"
	EventEscrowDisbursed          = "escrow_disbursed"
	EventExecutionStuck           = "execution_stuck"
)

// Event is an append-only audit record tied to a vault. It is never
// read back by the engine itself.
type Event struct {
	ID         int64           `json:"id"`
	VaultID    int64           `json:"vault_id"`
	Reason     string          `json:"reason"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

func NewEvent(vaultID int64, reason string, attributes interface{}) Event {
	ev := Event{
		VaultID: vaultID,
		Reason:  reason,
	}
	if attributes != nil {
		buf, err := json.Marshal(attributes)
		if err == nil {
			ev.Attributes = buf
		}
	}
	return ev
}

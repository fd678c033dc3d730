package types

import (
	"time"

	"github.com/shopspring/decimal"
)

type TriggerKind string

const (
	TriggerKindTime       TriggerKind = "time"
	TriggerKindLimitOrder TriggerKind = "limit_order"
)

// Trigger is the condition making a vault's next execution due. Each
// vault has at most one.
type Trigger struct {
	VaultID int64       `json:"vault_id"`
	Kind    TriggerKind `json:"kind"`
	// TargetTime is set for time triggers.
	TargetTime time.Time `json:"target_time,omitempty"`
	// OrderIdx is the venue's resting-order index. It is nil until the
	// venue has accepted the order.
	OrderIdx    *uint64          `json:"order_idx,omitempty"`
	TargetPrice *decimal.Decimal `json:"target_price,omitempty"`
}

func NewTimeTrigger(vaultID int64, targetTime time.Time) Trigger {
	return Trigger{
		VaultID:    vaultID,
		Kind:       TriggerKindTime,
		TargetTime: targetTime.UTC(),
	}
}

func NewLimitOrderTrigger(vaultID int64, targetPrice decimal.Decimal) Trigger {
	return Trigger{
		VaultID:     vaultID,
		Kind:        TriggerKindLimitOrder,
		TargetPrice: &targetPrice,
	}
}

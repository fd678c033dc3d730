package tasks

import (
	"github.com/google/uuid"
)

const (
	QueueName = "dcavault"

	// TypeExecuteTrigger runs phase one of an execution for a due vault.
	TypeExecuteTrigger = "trigger:execute"
	// TypeSettleSwap runs the continuation for a submitted swap.
	TypeSettleSwap = "swap:settle"
	// TypePlaceOrder retries placing a limit-order vault's resting
	// order when placement failed during creation.
	TypePlaceOrder = "order:place"
	// TypeDisburseEscrow releases an enhanced vault's escrowed balance.
	TypeDisburseEscrow = "escrow:disburse"
)

type ExecuteTriggerPayload struct {
	VaultID int64 `json:"vault_id"`
}

type SettleSwapPayload struct {
	CorrelationID uuid.UUID `json:"correlation_id"`
}

type PlaceOrderPayload struct {
	VaultID int64 `json:"vault_id"`
}

type DisburseEscrowPayload struct {
	VaultID int64 `json:"vault_id"`
}

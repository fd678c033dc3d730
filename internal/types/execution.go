package types

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionSnapshot correlates a submitted swap with its continuation.
// It is written immediately before the asynchronous venue call and
// consumed exactly once when the result settles. Snapshots are keyed by
// correlation id so any number of executions can be in flight at once.
type ExecutionSnapshot struct {
	CorrelationID uuid.UUID `json:"correlation_id"`
	VaultID       int64     `json:"vault_id"`
	Owner         string    `json:"owner"`
	BalanceBefore Coin      `json:"balance_before"`
	// TriggerTargetTime is the fired trigger's target, used to reschedule
	// deterministically from the original slot rather than from "now".
	TriggerTargetTime time.Time `json:"trigger_target_time"`
	SubmittedAt       time.Time `json:"submitted_at"`
	// DebitedAtSubmit is set when the offered funds already left the
	// balance before settlement (resting orders move funds to the venue
	// at placement); settlement must not debit them again.
	DebitedAtSubmit bool `json:"debited_at_submit,omitempty"`
	// Cancelling marks a snapshot created by the cancellation side-flow
	// (withdrawing a partially filled resting order) rather than by a
	// trigger execution.
	Cancelling bool `json:"cancelling,omitempty"`
}

// DistributionMsgKind enumerates the outbound settlement messages the
// engine produces. It never moves funds itself; it reports what to send.
type DistributionMsgKind string

const (
	MsgKindSend DistributionMsgKind = "send"
	// MsgKindDelegate is a two-step pair: transfer to the vault owner,
	// then a best-effort delegate call to the validator.
	MsgKindDelegate DistributionMsgKind = "delegate"
	MsgKindCustom   DistributionMsgKind = "custom"
	// MsgKindRefund returns a remaining balance to the owner.
	MsgKindRefund DistributionMsgKind = "refund"
)

type DistributionMsg struct {
	Kind      DistributionMsgKind `json:"kind"`
	Recipient string              `json:"recipient"`
	Validator string              `json:"validator,omitempty"`
	Amount    Coin                `json:"amount"`
	Payload   []byte              `json:"payload,omitempty"`
}

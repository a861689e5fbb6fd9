package ledger

import (
	"context"
	"time"
)

// ReconcileTrigger is notified after every committed ledger mutation.
type ReconcileTrigger interface {
	TriggerReconcile(ctx context.Context, reason string) error
}

// ReconcileRequestedEvent is the payload of a queued reconciliation sweep.
type ReconcileRequestedEvent struct {
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requested_at"`
}

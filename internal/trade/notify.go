package trade

import (
	"context"

	"github.com/robosats-go/trading-core/pkg/logger"
	"go.uber.org/zap"
)

// LockWatchJob is the work item the orchestrator publishes every time it
// generates a hold invoice: "go wait for this payment to lock, then come
// back and commit the transition." Consumed by worker.LockWatcher.
type LockWatchJob struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
}

// LockWatchPublisher hands a LockWatchJob off to a durable queue. Nil-safe:
// an Orchestrator built without one simply never schedules background
// lock-watching (callers must poll gen_*_hold_invoice themselves instead).
type LockWatchPublisher interface {
	Publish(ctx context.Context, job LockWatchJob) error
}

func (o *Orchestrator) publishLockWatch(ctx context.Context, orderID, paymentID string) {
	if o.watch == nil {
		return
	}
	if err := o.watch.Publish(ctx, LockWatchJob{OrderID: orderID, PaymentID: paymentID}); err != nil {
		logger.Warn("failed to publish lock-watch job",
			zap.String("order_id", orderID), zap.String("payment_id", paymentID), zap.Error(err))
	}
}

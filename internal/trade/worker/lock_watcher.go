package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/robosats-go/trading-core/internal/trade"
	"github.com/robosats-go/trading-core/pkg/logger"
	"github.com/robosats-go/trading-core/pkg/queue"
	"go.uber.org/zap"
)

// LockWatcher consumes trade.LockWatchJob items published by the
// orchestrator whenever a hold invoice is generated, and blocks on
// CheckUntilInvoiceLocked on the caller's behalf — the long Lightning
// wait runs here in the background, with the order-state commit deferred
// to a short re-locked section, instead of waiting on the next poll.
type LockWatcher struct {
	orchestrator *trade.Orchestrator
	queue        *queue.StreamQueue
	consumerName string
}

func NewLockWatcher(orchestrator *trade.Orchestrator, q *queue.StreamQueue, consumerName string) *LockWatcher {
	return &LockWatcher{orchestrator: orchestrator, queue: q, consumerName: consumerName}
}

// Run declares the consumer group if needed and blocks consuming until ctx
// is cancelled.
func (w *LockWatcher) Run(ctx context.Context) error {
	if err := w.queue.DeclareStream(ctx, LockWatchStream, lockWatchGroup); err != nil {
		return fmt.Errorf("worker: failed to declare lock-watch stream: %w", err)
	}

	return w.queue.Consume(ctx, LockWatchStream, lockWatchGroup, w.consumerName, w.handle)
}

func (w *LockWatcher) handle(messageID string, data []byte) error {
	var job trade.LockWatchJob
	if err := json.Unmarshal(data, &job); err != nil {
		logger.Error("lock-watcher: malformed job, dropping", zap.String("message_id", messageID), zap.Error(err))
		return nil
	}

	ctx := context.Background()
	if err := w.orchestrator.AwaitBondLock(ctx, job.OrderID, job.PaymentID); err != nil {
		logger.Warn("lock-watcher: await bond lock failed, will retry",
			zap.String("order_id", job.OrderID), zap.String("payment_id", job.PaymentID), zap.Error(err))
		return err
	}
	return nil
}

// Package worker runs the two long-lived background consumers the trade
// orchestrator depends on but never runs itself: LockWatcher, which waits
// out a hold invoice's lock off the per-order lock, and ExpirySweeper,
// which periodically expires orders nobody ever came back to poll.
package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/robosats-go/trading-core/internal/trade"
	"github.com/robosats-go/trading-core/pkg/queue"
)

// LockWatchStream is the Redis stream name both the publisher and
// LockWatcher use.
const LockWatchStream = "trade_lock_watch"

const lockWatchGroup = "trade_lock_watchers"

// StreamPublisher implements trade.LockWatchPublisher over a Redis stream.
type StreamPublisher struct {
	queue *queue.StreamQueue
}

func NewStreamPublisher(q *queue.StreamQueue) *StreamPublisher {
	return &StreamPublisher{queue: q}
}

func (p *StreamPublisher) Publish(ctx context.Context, job trade.LockWatchJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("worker: failed to encode lock-watch job: %w", err)
	}
	_, err = p.queue.Publish(ctx, LockWatchStream, data)
	return err
}

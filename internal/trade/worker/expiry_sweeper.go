package worker

import (
	"context"
	"time"

	"github.com/robosats-go/trading-core/internal/trade"
	"github.com/robosats-go/trading-core/pkg/logger"
	"go.uber.org/zap"
)

// ExpirySweeper periodically calls trade.Orchestrator.SweepExpiredOrders,
// so abandoned orders expire on a ticker rather than waiting on the next
// time a party happens to poll one.
type ExpirySweeper struct {
	orchestrator *trade.Orchestrator
	interval     time.Duration
}

func NewExpirySweeper(orchestrator *trade.Orchestrator, interval time.Duration) *ExpirySweeper {
	return &ExpirySweeper{orchestrator: orchestrator, interval: interval}
}

// Run ticks until ctx is cancelled, logging how many orders each sweep
// expired.
func (s *ExpirySweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			expired, err := s.orchestrator.SweepExpiredOrders(ctx)
			if err != nil {
				logger.Error("expiry sweep failed", zap.Error(err))
				continue
			}
			if expired > 0 {
				logger.Info("expiry sweep complete", zap.Int("expired", expired))
			}
		}
	}
}

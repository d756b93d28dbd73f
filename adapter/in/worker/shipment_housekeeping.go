package worker

import (
	"context"
	"time"

	"shipment_worker/pkg/logger"
)

// =============================================================================
// HousekeepingScheduler - 인사이트 만료 스케줄러
// =============================================================================
//
// Active insights whose shipment moved on lose their relevance; the hourly
// sweep dismisses the stale ones instead of leaving them in the queue.

type HousekeepingScheduler struct {
	pool          *Pool
	checkInterval time.Duration
	horizon       time.Duration
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewHousekeepingScheduler creates a new housekeeping scheduler.
func NewHousekeepingScheduler(pool *Pool, horizon time.Duration) *HousekeepingScheduler {
	if horizon <= 0 {
		horizon = DefaultInsightHorizon
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &HousekeepingScheduler{
		pool:          pool,
		checkInterval: 1 * time.Hour,
		horizon:       horizon,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start starts the housekeeping scheduler.
func (s *HousekeepingScheduler) Start() {
	logger.Info("[Housekeeping] Starting with interval %v", s.checkInterval)
	go s.run()
}

// Stop stops the housekeeping scheduler.
func (s *HousekeepingScheduler) Stop() {
	logger.Info("[Housekeeping] Stopping...")
	s.cancel()
}

// run is the main loop.
func (s *HousekeepingScheduler) run() {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	// 시작 시 즉시 한 번 실행
	s.submitExpireSweep()

	for {
		select {
		case <-s.ctx.Done():
			logger.Info("[Housekeeping] Stopped")
			return
		case <-ticker.C:
			s.submitExpireSweep()
		}
	}
}

// submitExpireSweep queues one stale-insight sweep.
func (s *HousekeepingScheduler) submitExpireSweep() {
	msg := NewMessage(JobInsightExpire, map[string]any{
		"horizon_hours": int(s.horizon.Hours()),
	})
	if !s.pool.Submit(msg) {
		logger.Warn("[Housekeeping] Expire sweep not queued, will retry next interval")
	}
}

// SetCheckInterval sets the check interval (for testing).
func (s *HousekeepingScheduler) SetCheckInterval(interval time.Duration) {
	s.checkInterval = interval
}

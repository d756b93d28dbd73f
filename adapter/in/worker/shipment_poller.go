package worker

import (
	"context"
	"fmt"
	"time"

	"shipment_worker/core/service/pipeline"
	"shipment_worker/pkg/logger"
	"shipment_worker/pkg/ratelimit"

	"github.com/redis/go-redis/v9"
)

// =============================================================================
// Poller - pending 이메일 폴링 스케줄러
// =============================================================================
//
// The poll sweep is the source of truth for pickup: every pending email
// surfaces here eventually, whether or not the ingest trigger saw it.

const (
	DefaultPollInterval = 30 * time.Second
	DefaultPollLimit    = 50

	// pollDebounceWindow covers queue dwell, so an email submitted by the
	// previous sweep is not queued twice while it waits for a worker.
	pollDebounceWindow = 2 * time.Minute
)

type Poller struct {
	pipeline  *pipeline.Service
	pool      *Pool
	debouncer *ratelimit.Debouncer
	interval  time.Duration
	limit     int
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewPoller creates a new pending-email poller. The Redis client is
// optional; without it the debounce falls back to a local map.
func NewPoller(pipelineService *pipeline.Service, pool *Pool, redisClient *redis.Client, interval time.Duration, limit int) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if limit <= 0 {
		limit = DefaultPollLimit
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		pipeline:  pipelineService,
		pool:      pool,
		debouncer: ratelimit.NewDebouncer(redisClient, pollDebounceWindow),
		interval:  interval,
		limit:     limit,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start starts the poller.
func (s *Poller) Start() {
	logger.Info("[Poller] Starting with interval %v", s.interval)
	go s.run()
}

// Stop stops the poller.
func (s *Poller) Stop() {
	logger.Info("[Poller] Stopping...")
	s.cancel()
}

// run is the main loop.
func (s *Poller) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// 시작 시 즉시 한 번 스윕 (백로그 소화)
	s.sweep()

	for {
		select {
		case <-s.ctx.Done():
			logger.Info("[Poller] Stopped")
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep lists pending emails and queues them as individual jobs.
func (s *Poller) sweep() {
	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	ids, err := s.pipeline.GetEmailsNeedingProcessing(ctx, s.limit)
	if err != nil {
		logger.Error("[Poller] Failed to list pending emails: %v", err)
		return
	}
	if len(ids) == 0 {
		return
	}

	submitted := 0
	for _, id := range ids {
		key := fmt.Sprintf("poll:email:%d", id)
		if s.debouncer.IsDuplicate(ctx, key) {
			continue
		}

		if s.pool.Submit(NewMessage(JobEmailProcess, map[string]any{"email_id": id})) {
			s.debouncer.Mark(ctx, key)
			submitted++
		}
		// 제출 실패(rate limit)한 이메일은 다음 스윕에서 다시 잡힘
	}

	if submitted > 0 {
		logger.Info("[Poller] Queued %d of %d pending emails", submitted, len(ids))
	}
}

// SetCheckInterval sets the poll interval (for testing).
func (s *Poller) SetCheckInterval(interval time.Duration) {
	s.interval = interval
}

package worker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"shipment_worker/pkg/apperr"

	"github.com/go-pkgz/pool"
	"github.com/rs/zerolog"
)

// =============================================================================
// go-pkgz/pool 기반 Worker Pool
// =============================================================================
//
// One worker owns one job end to end; the pipeline stages run sequentially
// inside it. Ordering holds within a job, never across jobs.

// PoolConfig holds worker pool configuration.
type PoolConfig struct {
	MaxWorkers        int                       // 최대 워커 수
	QueueSize         int                       // 작업 큐 크기
	JobTimeout        time.Duration             // 작업 타임아웃 (기본 60초)
	JobTimeoutByType  map[JobType]time.Duration // 작업 유형별 타임아웃
	BatchSize         int                       // 배치 처리 크기
	WorkerChanSize    int                       // 워커 채널 버퍼 크기
	MaxRetries        int                       // 재시도 한도
	RetryBaseDelay    time.Duration             // 재시도 백오프 기본 간격
	SubmitRatePerSec  int                       // 초당 제출 한도
}

// DefaultPoolConfig returns default pool configuration.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		MaxWorkers:       4,
		QueueSize:        500,
		JobTimeout:       60 * time.Second,
		BatchSize:        10,
		WorkerChanSize:   100,
		MaxRetries:       3,
		RetryBaseDelay:   time.Second,
		SubmitRatePerSec: 5, // five a second keeps emails at least 200ms apart on average
		JobTimeoutByType: map[JobType]time.Duration{
			JobEmailProcess:  90 * time.Second, // 60s pipeline deadline plus status-write margin
			JobEmailBatch:    15 * time.Minute, // full sweep with inter-email pacing
			JobInsightExpire: time.Minute,
		},
	}
}

// Pool represents a bounded worker pool using go-pkgz/pool.
type Pool struct {
	handler *Handler
	config  *PoolConfig

	// go-pkgz/pool
	pool         *pool.WorkerGroup[*Message]
	priorityPool *pool.WorkerGroup[*Message]

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc

	// Metrics
	metrics *PoolMetrics
	log     zerolog.Logger

	// Rate limiting
	rateLimiter *RateLimiter

	// Priority queue (별도 관리)
	priorityJobs chan *Message

	// Dead Letter Queue
	dlq   chan *Message
	dlqWg sync.WaitGroup

	// Pool 상태
	started bool
	mu      sync.Mutex
}

// PoolMetrics holds pool metrics.
type PoolMetrics struct {
	JobsProcessed     int64
	JobsFailed        int64
	JobsDropped       int64
	JobsRetried       int64
	AvgProcessTime    int64 // milliseconds
	CurrentWorkers    int32
	QueueSize         int32
	PriorityQueueSize int32
	DLQDepth          int32
}

// messageWorker implements pool.Worker interface for Message processing.
type messageWorker struct {
	pool *Pool
}

// Do implements pool.Worker interface.
func (w *messageWorker) Do(ctx context.Context, msg *Message) error {
	return w.pool.processJob(ctx, msg)
}

// NewPool creates a new worker pool using go-pkgz/pool.
func NewPool(handler *Handler, config *PoolConfig, log zerolog.Logger) *Pool {
	if config == nil {
		config = DefaultPoolConfig()
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = time.Second
	}
	if config.SubmitRatePerSec <= 0 {
		config.SubmitRatePerSec = 5
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		handler:      handler,
		config:       config,
		ctx:          ctx,
		cancel:       cancel,
		metrics:      &PoolMetrics{},
		log:          log.With().Str("component", "worker_pool").Logger(),
		rateLimiter:  NewRateLimiter(config.SubmitRatePerSec, time.Second),
		priorityJobs: make(chan *Message, config.QueueSize/10+1),
		dlq:          make(chan *Message, 100),
	}

	return p
}

// Start starts the worker pool.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}

	// Worker 생성
	worker := &messageWorker{pool: p}

	p.pool = pool.New[*Message](p.config.MaxWorkers, worker).
		WithBatchSize(p.config.BatchSize).
		WithWorkerChanSize(p.config.WorkerChanSize).
		WithContinueOnError()

	// 우선순위 Worker Pool 생성
	priorityWorker := &messageWorker{pool: p}
	p.priorityPool = pool.New[*Message](p.config.MaxWorkers/4+1, priorityWorker).
		WithBatchSize(p.config.BatchSize/2 + 1).
		WithWorkerChanSize(p.config.WorkerChanSize/2 + 1).
		WithContinueOnError()

	// Pool 시작
	if err := p.pool.Go(p.ctx); err != nil {
		p.log.Error().Err(err).Msg("failed to start main pool")
		return
	}
	if err := p.priorityPool.Go(p.ctx); err != nil {
		p.log.Error().Err(err).Msg("failed to start priority pool")
		return
	}

	p.started = true

	// DLQ Processor 시작
	p.dlqWg.Add(1)
	go p.dlqProcessor()

	// Metrics Reporter 시작
	go p.metricsReporter()

	// Priority Queue Consumer 시작
	go p.priorityQueueConsumer()

	p.log.Info().
		Int("max_workers", p.config.MaxWorkers).
		Int("queue_size", p.config.QueueSize).
		Int("batch_size", p.config.BatchSize).
		Msg("worker pool started")
}

// Stop gracefully stops the worker pool.
func (p *Pool) Stop() {
	p.log.Info().Msg("stopping worker pool...")

	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()

	// 풀 종료
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer closeCancel()

	if p.pool != nil {
		if err := p.pool.Close(closeCtx); err != nil {
			p.log.Warn().Err(err).Msg("error closing main pool")
		}
	}
	if p.priorityPool != nil {
		if err := p.priorityPool.Close(closeCtx); err != nil {
			p.log.Warn().Err(err).Msg("error closing priority pool")
		}
	}

	// Cancel context
	p.cancel()

	// DLQ 닫기
	close(p.dlq)
	close(p.priorityJobs)
	p.dlqWg.Wait()

	p.log.Info().
		Int64("processed", p.metrics.JobsProcessed).
		Int64("failed", p.metrics.JobsFailed).
		Msg("worker pool stopped")
}

// Submit submits a job to the pool.
func (p *Pool) Submit(msg *Message) bool {
	p.mu.Lock()
	if !p.started || p.pool == nil {
		p.mu.Unlock()
		return false
	}
	p.mu.Unlock()

	// Rate limiting 체크
	if !p.rateLimiter.Allow() {
		atomic.AddInt64(&p.metrics.JobsDropped, 1)
		p.log.Warn().
			Str("job_id", msg.ID).
			Str("job_type", string(msg.Type)).
			Msg("job dropped due to rate limiting")
		return false
	}

	p.pool.Submit(msg)
	atomic.AddInt32(&p.metrics.QueueSize, 1)
	return true
}

// SubmitPriority submits a priority job.
func (p *Pool) SubmitPriority(msg *Message) bool {
	select {
	case p.priorityJobs <- msg:
		atomic.AddInt32(&p.metrics.PriorityQueueSize, 1)
		return true
	default:
		// 우선순위 큐도 가득 찬 경우, 일반 큐에 시도
		return p.Submit(msg)
	}
}

// priorityQueueConsumer processes priority queue.
func (p *Pool) priorityQueueConsumer() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case msg, ok := <-p.priorityJobs:
			if !ok {
				return
			}
			atomic.AddInt32(&p.metrics.PriorityQueueSize, -1)
			p.mu.Lock()
			started := p.started
			pool := p.priorityPool
			p.mu.Unlock()

			if started && pool != nil {
				pool.Submit(msg)
			}
		}
	}
}

// getJobTimeout returns the timeout for a job type.
func (p *Pool) getJobTimeout(jobType JobType) time.Duration {
	if timeout, ok := p.config.JobTimeoutByType[jobType]; ok {
		return timeout
	}
	return p.config.JobTimeout
}

// processJob processes a single job with timeout.
func (p *Pool) processJob(ctx context.Context, msg *Message) error {
	start := time.Now()
	defer func() {
		atomic.AddInt32(&p.metrics.QueueSize, -1)
	}()

	// Apply job-specific timeout
	timeout := p.getJobTimeout(msg.Type)
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Process with timeout
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.handler.Process(jobCtx, msg)
	}()

	var err error
	select {
	case err = <-errCh:
		// Job completed (success or error)
	case <-jobCtx.Done():
		if jobCtx.Err() == context.DeadlineExceeded {
			err = context.DeadlineExceeded
			p.log.Warn().
				Str("job_id", msg.ID).
				Str("job_type", string(msg.Type)).
				Dur("timeout", timeout).
				Msg("job timed out")
		} else {
			err = jobCtx.Err()
		}
	}

	elapsed := time.Since(start).Milliseconds()
	p.updateAvgProcessTime(elapsed)

	if err != nil {
		p.log.Error().
			Err(err).
			Str("job_id", msg.ID).
			Str("job_type", string(msg.Type)).
			Int("retries", msg.Retries).
			Msg("job processing failed")

		// Only transient failures earn another attempt; everything else
		// goes straight to the dead letter queue.
		retryable := apperr.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded)
		if retryable && msg.Retries < p.config.MaxRetries {
			msg.Retries++
			atomic.AddInt64(&p.metrics.JobsRetried, 1)

			// Exponential backoff with jitter: base * 2^retries + random(0, 500ms)
			base := p.config.RetryBaseDelay * time.Duration(1<<msg.Retries)
			jitter := time.Duration(rand.Intn(500)) * time.Millisecond
			backoff := base + jitter

			// A resubmit dropped by the rate limiter still surfaces on the
			// next poll sweep; the email stays pending either way.
			time.AfterFunc(backoff, func() {
				p.Submit(msg)
			})
			return err
		}

		// Move to DLQ
		atomic.AddInt64(&p.metrics.JobsFailed, 1)
		select {
		case p.dlq <- msg:
			p.log.Warn().
				Str("job_id", msg.ID).
				Str("job_type", string(msg.Type)).
				Msg("job moved to DLQ")
		default:
			p.log.Error().
				Str("job_id", msg.ID).
				Msg("DLQ full, job lost")
		}
		return err
	}

	atomic.AddInt64(&p.metrics.JobsProcessed, 1)
	return nil
}

// updateAvgProcessTime updates the average processing time.
func (p *Pool) updateAvgProcessTime(elapsed int64) {
	// Simple moving average
	current := atomic.LoadInt64(&p.metrics.AvgProcessTime)
	if current == 0 {
		atomic.StoreInt64(&p.metrics.AvgProcessTime, elapsed)
	} else {
		newAvg := (current*9 + elapsed) / 10
		atomic.StoreInt64(&p.metrics.AvgProcessTime, newAvg)
	}
}

// dlqProcessor drains the dead letter queue: log, then let the handler
// persist a failure trace for the job's subject.
func (p *Pool) dlqProcessor() {
	defer p.dlqWg.Done()

	for {
		select {
		case <-p.ctx.Done():
			// Drain remaining DLQ messages
			for msg := range p.dlq {
				p.log.Error().
					Str("job_id", msg.ID).
					Str("job_type", string(msg.Type)).
					Msg("DLQ: job lost during shutdown")
			}
			return
		case msg, ok := <-p.dlq:
			if !ok {
				return
			}
			// DLQ 메시지 로깅 (수동 재처리용)
			p.log.Error().
				Str("job_id", msg.ID).
				Str("job_type", string(msg.Type)).
				Int("retries", msg.Retries).
				Interface("payload", msg.Payload).
				Msg("DLQ: job permanently failed")

			// The status write runs on its own timeout so a canceled pool
			// context cannot strand the subject row.
			dlCtx, cancel := context.WithTimeout(context.WithoutCancel(p.ctx), 5*time.Second)
			p.handler.DeadLetter(dlCtx, msg)
			cancel()
		}
	}
}

// metricsReporter periodically logs metrics.
func (p *Pool) metricsReporter() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.log.Info().
				Int64("processed", atomic.LoadInt64(&p.metrics.JobsProcessed)).
				Int64("failed", atomic.LoadInt64(&p.metrics.JobsFailed)).
				Int64("dropped", atomic.LoadInt64(&p.metrics.JobsDropped)).
				Int64("retried", atomic.LoadInt64(&p.metrics.JobsRetried)).
				Int64("avg_process_ms", atomic.LoadInt64(&p.metrics.AvgProcessTime)).
				Int32("queue_size", atomic.LoadInt32(&p.metrics.QueueSize)).
				Int32("priority_queue", atomic.LoadInt32(&p.metrics.PriorityQueueSize)).
				Int("dlq_depth", len(p.dlq)).
				Msg("worker pool metrics")
		}
	}
}

// GetMetrics returns current pool metrics.
func (p *Pool) GetMetrics() PoolMetrics {
	return PoolMetrics{
		JobsProcessed:     atomic.LoadInt64(&p.metrics.JobsProcessed),
		JobsFailed:        atomic.LoadInt64(&p.metrics.JobsFailed),
		JobsDropped:       atomic.LoadInt64(&p.metrics.JobsDropped),
		JobsRetried:       atomic.LoadInt64(&p.metrics.JobsRetried),
		AvgProcessTime:    atomic.LoadInt64(&p.metrics.AvgProcessTime),
		CurrentWorkers:    int32(p.config.MaxWorkers),
		QueueSize:         atomic.LoadInt32(&p.metrics.QueueSize),
		PriorityQueueSize: atomic.LoadInt32(&p.metrics.PriorityQueueSize),
		DLQDepth:          int32(len(p.dlq)),
	}
}

// Wait waits for all submitted jobs to complete.
func (p *Pool) Wait() error {
	p.mu.Lock()
	pool := p.pool
	p.mu.Unlock()

	if pool != nil {
		return pool.Wait(p.ctx)
	}
	return nil
}

// =============================================================================
// Rate Limiter
// =============================================================================

// RateLimiter implements lock-free token bucket rate limiting using atomic operations.
type RateLimiter struct {
	tokens       int64 // atomic
	maxTokens    int64 // atomic
	refillRate   int64 // atomic
	intervalNs   int64 // interval in nanoseconds (atomic)
	lastRefillNs int64 // atomic (UnixNano)
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(ratePerInterval int, interval time.Duration) *RateLimiter {
	tokens := int64(ratePerInterval)
	return &RateLimiter{
		tokens:       tokens,
		maxTokens:    tokens,
		refillRate:   tokens,
		intervalNs:   int64(interval),
		lastRefillNs: time.Now().UnixNano(),
	}
}

// Allow checks if a request is allowed using atomic operations (lock-free).
func (r *RateLimiter) Allow() bool {
	now := time.Now().UnixNano()
	intervalNs := atomic.LoadInt64(&r.intervalNs)
	lastRefill := atomic.LoadInt64(&r.lastRefillNs)

	// Try to refill tokens
	elapsed := now - lastRefill
	if elapsed >= intervalNs {
		intervals := elapsed / intervalNs
		refillRate := atomic.LoadInt64(&r.refillRate)
		maxTokens := atomic.LoadInt64(&r.maxTokens)
		tokensToAdd := intervals * refillRate

		// CAS loop for updating lastRefill
		if atomic.CompareAndSwapInt64(&r.lastRefillNs, lastRefill, now) {
			// Successfully updated lastRefill, now add tokens
			for {
				current := atomic.LoadInt64(&r.tokens)
				newTokens := current + tokensToAdd
				if newTokens > maxTokens {
					newTokens = maxTokens
				}
				if atomic.CompareAndSwapInt64(&r.tokens, current, newTokens) {
					break
				}
			}
		}
	}

	// Try to consume a token
	for {
		current := atomic.LoadInt64(&r.tokens)
		if current <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt64(&r.tokens, current, current-1) {
			return true
		}
	}
}

// SetRate updates the rate limit atomically.
func (r *RateLimiter) SetRate(ratePerInterval int) {
	atomic.StoreInt64(&r.maxTokens, int64(ratePerInterval))
	atomic.StoreInt64(&r.refillRate, int64(ratePerInterval))
}

package bootstrap

import (
	"context"
	"os"
	"sync"
	"time"

	"shipment_worker/adapter/in/worker"
	"shipment_worker/config"
	"shipment_worker/pkg/logger"

	"github.com/rs/zerolog"
)

// insightExpiryHorizon is how long an active insight stays relevant before
// the housekeeping sweep dismisses it.
const insightExpiryHorizon = 7 * 24 * time.Hour

// Worker hosts the processing pool, the pending-email poller, the insight
// housekeeping sweep, and the optional ingest stream trigger.
type Worker struct {
	pool         *worker.Pool
	poller       *worker.Poller
	housekeeping *worker.HousekeepingScheduler
	trigger      *worker.StreamTrigger
	deps         *Dependencies
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	zlog         zerolog.Logger
}

func NewWorker(cfg *config.Config) (*Worker, func(), error) {
	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		return nil, nil, err
	}

	zlog := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		With().Timestamp().Str("component", "worker").Logger()

	emailProcessor := worker.NewEmailProcessor(deps.PipelineService, deps.EmailRepo)
	insightProcessor := worker.NewInsightProcessor(deps.InsightService)
	handler := worker.NewHandler(emailProcessor, insightProcessor)

	defaultConfig := worker.DefaultPoolConfig()
	poolConfig := &worker.PoolConfig{
		MaxWorkers:       cfg.PoolSize,
		QueueSize:        cfg.PoolQueueSize,
		BatchSize:        cfg.PoolBatchSize,
		JobTimeout:       defaultConfig.JobTimeout,
		JobTimeoutByType: defaultConfig.JobTimeoutByType,
		WorkerChanSize:   defaultConfig.WorkerChanSize,
		MaxRetries:       cfg.MaxRetries,
		RetryBaseDelay:   time.Duration(cfg.RetryBaseDelaySec) * time.Second,
		SubmitRatePerSec: defaultConfig.SubmitRatePerSec,
	}
	if poolConfig.MaxWorkers == 0 {
		poolConfig.MaxWorkers = defaultConfig.MaxWorkers
	}
	if poolConfig.QueueSize == 0 {
		poolConfig.QueueSize = defaultConfig.QueueSize
	}
	if poolConfig.BatchSize == 0 {
		poolConfig.BatchSize = defaultConfig.BatchSize
	}
	// The per-email job must outlive the pipeline deadline so the status
	// write never races the pool timeout.
	poolConfig.JobTimeoutByType[worker.JobEmailProcess] = cfg.EmailTimeout() + 30*time.Second

	pool := worker.NewPool(handler, poolConfig, zlog)

	ctx, cancel := context.WithCancel(context.Background())

	w := &Worker{
		pool:   pool,
		deps:   deps,
		ctx:    ctx,
		cancel: cancel,
		zlog:   zlog,
	}

	if cfg.PollingEnabled {
		w.poller = worker.NewPoller(
			deps.PipelineService,
			pool,
			deps.Redis,
			time.Duration(cfg.PollIntervalSec)*time.Second,
			cfg.BatchLimit,
		)
	} else {
		logger.Warn("Polling disabled, worker only processes stream-triggered emails")
	}

	w.housekeeping = worker.NewHousekeepingScheduler(pool, insightExpiryHorizon)

	// Ingest stream trigger (optional fast path; the poll sweep stays the
	// source of truth)
	if cfg.StreamTriggerEnabled && deps.Redis != nil {
		w.trigger = worker.NewStreamTrigger(deps.Redis, cfg.StreamGroup, cfg.WorkerID, pool, zlog)
		logger.Info("Stream trigger configured (group=%s, consumer=%s)", cfg.StreamGroup, cfg.WorkerID)
	}

	return w, cleanup, nil
}

func (w *Worker) Start() {
	w.pool.Start()

	// Config invalidation fan-in: admin writes publish a scope, every worker
	// drops its cached snapshot. TTL expiry covers missed messages.
	if w.deps.InvalidationBus != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			err := w.deps.InvalidationBus.Subscribe(w.ctx, func(scope string) {
				w.deps.ConfigCache.Invalidate(scope)
				logger.Info("Config cache invalidated (scope=%s)", scope)
			})
			if err != nil && w.ctx.Err() == nil {
				w.zlog.Error().Err(err).Msg("invalidation subscription stopped")
			}
		}()
	}

	if w.poller != nil {
		w.poller.Start()
		w.zlog.Info().Msg("started pending-email poller")
	}

	w.housekeeping.Start()

	if w.trigger != nil {
		w.trigger.Start()
		w.zlog.Info().Msg("started ingest stream trigger")
	}

	// Block until stopped
	<-w.ctx.Done()
}

func (w *Worker) Stop() {
	w.cancel()

	if w.trigger != nil {
		w.trigger.Stop()
	}
	if w.poller != nil {
		w.poller.Stop()
	}
	w.housekeeping.Stop()

	w.pool.Stop()
	w.wg.Wait()
}

func (w *Worker) Submit(msg *worker.Message) bool {
	if msg.IsPriority() {
		return w.pool.SubmitPriority(msg)
	}
	return w.pool.Submit(msg)
}

func (w *Worker) GetMetrics() worker.PoolMetrics {
	return w.pool.GetMetrics()
}

func (w *Worker) Dependencies() *Dependencies {
	return w.deps
}

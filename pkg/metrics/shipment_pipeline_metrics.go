package metrics

import (
	"database/sql"
	"sync"
	"sync/atomic"
	"time"
)

// =============================================================================
// Pipeline Outcome Counters
// =============================================================================

// PipelineCounters accumulates processing outcomes across a worker's lifetime.
// All methods are safe for concurrent use.
type PipelineCounters struct {
	emailsProcessed  atomic.Int64
	emailsFailed     atomic.Int64
	manualReview     atomic.Int64
	needsReview      atomic.Int64
	shipmentsCreated atomic.Int64
	shipmentsUpdated atomic.Int64
	orphansStored    atomic.Int64
	orphansPromoted  atomic.Int64
	linksCreated     atomic.Int64
	insightsCreated  atomic.Int64
	llmCalls         atomic.Int64
	llmTokens        atomic.Int64
}

func (c *PipelineCounters) IncProcessed()        { c.emailsProcessed.Add(1) }
func (c *PipelineCounters) IncFailed()           { c.emailsFailed.Add(1) }
func (c *PipelineCounters) IncManualReview()     { c.manualReview.Add(1) }
func (c *PipelineCounters) IncNeedsReview()      { c.needsReview.Add(1) }
func (c *PipelineCounters) IncShipmentsCreated() { c.shipmentsCreated.Add(1) }
func (c *PipelineCounters) IncShipmentsUpdated() { c.shipmentsUpdated.Add(1) }
func (c *PipelineCounters) IncOrphansStored()    { c.orphansStored.Add(1) }
func (c *PipelineCounters) IncOrphansPromoted()  { c.orphansPromoted.Add(1) }
func (c *PipelineCounters) IncLinksCreated()     { c.linksCreated.Add(1) }
func (c *PipelineCounters) IncInsightsCreated()  { c.insightsCreated.Add(1) }

// RecordLLMCall records one completion call and its total token usage.
func (c *PipelineCounters) RecordLLMCall(tokens int) {
	c.llmCalls.Add(1)
	c.llmTokens.Add(int64(tokens))
}

// Snapshot returns the current counter values for logging.
func (c *PipelineCounters) Snapshot() map[string]int64 {
	return map[string]int64{
		"emails_processed":  c.emailsProcessed.Load(),
		"emails_failed":     c.emailsFailed.Load(),
		"manual_review":     c.manualReview.Load(),
		"needs_review":      c.needsReview.Load(),
		"shipments_created": c.shipmentsCreated.Load(),
		"shipments_updated": c.shipmentsUpdated.Load(),
		"orphans_stored":    c.orphansStored.Load(),
		"orphans_promoted":  c.orphansPromoted.Load(),
		"links_created":     c.linksCreated.Load(),
		"insights_created":  c.insightsCreated.Load(),
		"llm_calls":         c.llmCalls.Load(),
		"llm_tokens":        c.llmTokens.Load(),
	}
}

var (
	globalCounters     *PipelineCounters
	globalCountersOnce sync.Once
)

// GlobalCounters returns the process-wide pipeline counters.
func GlobalCounters() *PipelineCounters {
	globalCountersOnce.Do(func() {
		globalCounters = &PipelineCounters{}
	})
	return globalCounters
}

// =============================================================================
// Database Pool Monitor
// =============================================================================

// DBPoolStats holds database connection pool statistics.
type DBPoolStats struct {
	// Current state
	OpenConnections int `json:"open_connections"`
	InUse           int `json:"in_use"`
	Idle            int `json:"idle"`

	// Limits
	MaxOpenConnections int `json:"max_open_connections"`

	// Cumulative stats
	WaitCount         int64         `json:"wait_count"`
	WaitDuration      time.Duration `json:"wait_duration"`
	MaxIdleClosed     int64         `json:"max_idle_closed"`
	MaxIdleTimeClosed int64         `json:"max_idle_time_closed"`
	MaxLifetimeClosed int64         `json:"max_lifetime_closed"`
}

// ToMap converts stats to a map for structured logging.
func (s DBPoolStats) ToMap() map[string]any {
	return map[string]any{
		"open_connections":     s.OpenConnections,
		"in_use":               s.InUse,
		"idle":                 s.Idle,
		"max_open_connections": s.MaxOpenConnections,
		"wait_count":           s.WaitCount,
		"wait_duration_ms":     s.WaitDuration.Milliseconds(),
		"max_idle_closed":      s.MaxIdleClosed,
		"max_idle_time_closed": s.MaxIdleTimeClosed,
		"max_lifetime_closed":  s.MaxLifetimeClosed,
	}
}

// GetDBPoolStats retrieves pool statistics from a sql.DB instance.
func GetDBPoolStats(db *sql.DB) DBPoolStats {
	if db == nil {
		return DBPoolStats{}
	}

	stats := db.Stats()
	return DBPoolStats{
		OpenConnections:    stats.OpenConnections,
		InUse:              stats.InUse,
		Idle:               stats.Idle,
		MaxOpenConnections: stats.MaxOpenConnections,
		WaitCount:          stats.WaitCount,
		WaitDuration:       stats.WaitDuration,
		MaxIdleClosed:      stats.MaxIdleClosed,
		MaxIdleTimeClosed:  stats.MaxIdleTimeClosed,
		MaxLifetimeClosed:  stats.MaxLifetimeClosed,
	}
}

// =============================================================================
// Pool Health Monitor
// =============================================================================

// PoolHealthStatus indicates the health of a connection pool.
type PoolHealthStatus string

const (
	PoolHealthy   PoolHealthStatus = "healthy"
	PoolDegraded  PoolHealthStatus = "degraded"
	PoolUnhealthy PoolHealthStatus = "unhealthy"
)

// PoolHealth represents the health assessment of a pool.
type PoolHealth struct {
	Status      PoolHealthStatus `json:"status"`
	Utilization float64          `json:"utilization"` // 0.0 - 1.0
	Message     string           `json:"message,omitempty"`
}

// AssessDBPoolHealth evaluates the health of a database pool.
func AssessDBPoolHealth(stats DBPoolStats) PoolHealth {
	if stats.MaxOpenConnections == 0 {
		return PoolHealth{Status: PoolHealthy, Message: "unlimited connections"}
	}

	utilization := float64(stats.InUse) / float64(stats.MaxOpenConnections)

	var status PoolHealthStatus
	var message string

	switch {
	case utilization >= 0.95:
		status = PoolUnhealthy
		message = "pool nearly exhausted"
	case utilization >= 0.80:
		status = PoolDegraded
		message = "high pool utilization"
	default:
		status = PoolHealthy
		message = "pool operating normally"
	}

	if stats.WaitCount > 0 && stats.WaitDuration > 5*time.Second {
		if status == PoolHealthy {
			status = PoolDegraded
		}
		message = "elevated connection wait times"
	}

	return PoolHealth{
		Status:      status,
		Utilization: utilization,
		Message:     message,
	}
}

// =============================================================================
// Multi-Pool Monitor Registry
// =============================================================================

// PoolMonitor tracks multiple connection pools.
type PoolMonitor struct {
	mu    sync.RWMutex
	pools map[string]*sql.DB
}

// NewPoolMonitor creates a new pool monitor.
func NewPoolMonitor() *PoolMonitor {
	return &PoolMonitor{
		pools: make(map[string]*sql.DB),
	}
}

// Register adds a database pool to be monitored.
func (m *PoolMonitor) Register(name string, db *sql.DB) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools[name] = db
}

// Stats returns statistics for a specific pool.
func (m *PoolMonitor) Stats(name string) (DBPoolStats, bool) {
	m.mu.RLock()
	db, ok := m.pools[name]
	m.mu.RUnlock()

	if !ok {
		return DBPoolStats{}, false
	}
	return GetDBPoolStats(db), true
}

// AllHealth returns health assessments for all registered pools.
func (m *PoolMonitor) AllHealth() map[string]PoolHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]PoolHealth, len(m.pools))
	for name, db := range m.pools {
		stats := GetDBPoolStats(db)
		result[name] = AssessDBPoolHealth(stats)
	}
	return result
}

var (
	globalPoolMonitor     *PoolMonitor
	globalPoolMonitorOnce sync.Once
)

// GlobalPoolMonitor returns the global pool monitor.
func GlobalPoolMonitor() *PoolMonitor {
	globalPoolMonitorOnce.Do(func() {
		globalPoolMonitor = NewPoolMonitor()
	})
	return globalPoolMonitor
}

// RegisterPool registers a pool with the global monitor.
func RegisterPool(name string, db *sql.DB) {
	GlobalPoolMonitor().Register(name, db)
}

// Package snowflake generates time-sortable 64-bit IDs for pipeline rows
// (links, extractions, history entries) without database round trips.
//
// Layout: 1 sign bit, 41 bits of milliseconds since the pipeline epoch,
// 10 bits of node ID, 12 bits of per-millisecond sequence. IDs from the
// same node are strictly increasing, and chronological order matches
// numeric order across nodes to millisecond precision.
package snowflake

import (
	"errors"
	"sync"
	"time"
)

const (
	// Pipeline epoch: 2025-01-01 00:00:00 UTC
	epoch int64 = 1735689600000

	timestampBits = 41
	nodeIDBits    = 10
	sequenceBits  = 12

	maxNodeID   = (1 << nodeIDBits) - 1   // 1023
	maxSequence = (1 << sequenceBits) - 1 // 4095

	timestampShift = nodeIDBits + sequenceBits // 22
	nodeIDShift    = sequenceBits              // 12
)

var (
	ErrInvalidNodeID  = errors.New("node ID must be between 0 and 1023")
	ErrClockMovedBack = errors.New("clock moved backwards")
)

// Generator issues unique snowflake IDs for a single node.
type Generator struct {
	mu       sync.Mutex
	nodeID   int64
	sequence int64
	lastTime int64
}

// NewGenerator creates a generator for the given node.
// nodeID must be between 0 and 1023.
func NewGenerator(nodeID int64) (*Generator, error) {
	if nodeID < 0 || nodeID > maxNodeID {
		return nil, ErrInvalidNodeID
	}

	return &Generator{
		nodeID:   nodeID,
		sequence: 0,
		lastTime: 0,
	}, nil
}

// Generate returns the next unique ID.
func (g *Generator) Generate() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := currentTimeMillis()

	if now < g.lastTime {
		return 0, ErrClockMovedBack
	}

	if now == g.lastTime {
		// Same millisecond, increment sequence
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			// Sequence overflow, wait for next millisecond
			now = waitNextMillis(g.lastTime)
		}
	} else {
		g.sequence = 0
	}

	g.lastTime = now

	id := ((now - epoch) << timestampShift) |
		(g.nodeID << nodeIDShift) |
		g.sequence

	return id, nil
}

// MustGenerate returns the next ID and panics on error.
func (g *Generator) MustGenerate() int64 {
	id, err := g.Generate()
	if err != nil {
		panic(err)
	}
	return id
}

// Parse extracts the components of an ID.
func Parse(id int64) (timestamp time.Time, nodeID int64, sequence int64) {
	ts := (id >> timestampShift) + epoch
	timestamp = time.UnixMilli(ts)
	nodeID = (id >> nodeIDShift) & maxNodeID
	sequence = id & maxSequence
	return
}

// Timestamp extracts the creation time of an ID.
func Timestamp(id int64) time.Time {
	ts := (id >> timestampShift) + epoch
	return time.UnixMilli(ts)
}

func currentTimeMillis() int64 {
	return time.Now().UnixMilli()
}

func waitNextMillis(lastTime int64) int64 {
	now := currentTimeMillis()
	for now <= lastTime {
		time.Sleep(100 * time.Microsecond)
		now = currentTimeMillis()
	}
	return now
}

// =============================================================================
// Global Generator (for convenience)
// =============================================================================

var (
	globalGen  *Generator
	globalOnce sync.Once
	globalErr  error
)

// Init initializes the global generator. Call once at startup before any ID().
func Init(nodeID int64) error {
	globalOnce.Do(func() {
		globalGen, globalErr = NewGenerator(nodeID)
	})
	return globalErr
}

// ID generates a new ID using the global generator.
func ID() int64 {
	if globalGen == nil {
		panic("snowflake: global generator not initialized, call Init() first")
	}
	return globalGen.MustGenerate()
}

// NextID is an alias for ID().
func NextID() int64 {
	return ID()
}

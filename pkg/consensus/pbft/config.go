// Package pbft implements the pipelined, Byzantine-fault-tolerant consensus
// engine: batching, the three-phase vote protocol, quorum certificates,
// view changes with adaptive timeouts and strictly ordered apply.
package pbft

import (
	"errors"
	"fmt"
	"time"
)

// Engine defaults.
const (
	DefaultBatchSize      = 100
	DefaultBatchTimeout   = 50 * time.Millisecond
	DefaultPipelineDepth  = 4
	DefaultBaseTimeout    = 500 * time.Millisecond
	DefaultMaxTimeoutMult = 8
	DefaultMaxPendingOps  = 10000
	DefaultInboxSize      = 4096
	DefaultSigCacheTTL    = 10 * time.Minute
	DefaultQCCacheTTL     = 30 * time.Minute
	DefaultSweepInterval  = 100 * time.Millisecond
	MinValidators         = 4
)

var ErrInvalidConfig = errors.New("pbft: invalid configuration")

// Config tunes the engine. Zero values are replaced by defaults in
// NewEngine; Validate runs after that substitution.
type Config struct {
	// BatchSize is the maximum operations per proposal batch.
	BatchSize int
	// BatchTimeout flushes a partial batch after this long.
	BatchTimeout time.Duration
	// PipelineDepth is the number of consensus instances allowed in flight.
	PipelineDepth int
	// BaseTimeout is the view-change timeout at multiplier 1.
	BaseTimeout time.Duration
	// MaxTimeoutMult caps the integer backoff multiplier.
	MaxTimeoutMult int
	// MaxPendingOps bounds the submitted-but-unbatched queue.
	MaxPendingOps int
	// InboxSize bounds the inbound message channel.
	InboxSize int
	// SigCacheSize bounds the signature verification cache.
	SigCacheSize int
	// SweepInterval is how often instance timeouts are checked.
	SweepInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:      DefaultBatchSize,
		BatchTimeout:   DefaultBatchTimeout,
		PipelineDepth:  DefaultPipelineDepth,
		BaseTimeout:    DefaultBaseTimeout,
		MaxTimeoutMult: DefaultMaxTimeoutMult,
		MaxPendingOps:  DefaultMaxPendingOps,
		InboxSize:      DefaultInboxSize,
		SigCacheSize:   10000,
		SweepInterval:  DefaultSweepInterval,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = d.BatchTimeout
	}
	if c.PipelineDepth <= 0 {
		c.PipelineDepth = d.PipelineDepth
	}
	if c.BaseTimeout <= 0 {
		c.BaseTimeout = d.BaseTimeout
	}
	if c.MaxTimeoutMult <= 0 {
		c.MaxTimeoutMult = d.MaxTimeoutMult
	}
	if c.MaxPendingOps <= 0 {
		c.MaxPendingOps = d.MaxPendingOps
	}
	if c.InboxSize <= 0 {
		c.InboxSize = d.InboxSize
	}
	if c.SigCacheSize <= 0 {
		c.SigCacheSize = d.SigCacheSize
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
}

// Validate rejects configurations the protocol cannot run with.
func (c *Config) Validate() error {
	if c.MaxTimeoutMult&(c.MaxTimeoutMult-1) != 0 {
		return fmt.Errorf("%w: max timeout multiplier %d is not a power of two", ErrInvalidConfig, c.MaxTimeoutMult)
	}
	if c.BaseTimeout < 10*time.Millisecond {
		return fmt.Errorf("%w: base timeout %s too small", ErrInvalidConfig, c.BaseTimeout)
	}
	return nil
}

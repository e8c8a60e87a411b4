// Package detector tracks Byzantine misbehavior, records slashing events and
// removes offending validators from the active set. Slashing is idempotent
// per (node, reason); evidence is kept in an append-only log.
package detector

import (
	"context"
	"sync"
	"time"

	"github.com/happybigmtn/bitchat-rust-sub006/pkg/consensus/types"
	"github.com/happybigmtn/bitchat-rust-sub006/pkg/utils"
)

// Stake penalties per violation class, in stake units.
const (
	PenaltyEquivocation    = 1000
	PenaltyInvalidProposal = 500
	PenaltyInvalidVote     = 500
	PenaltyInactivity      = 100
	PenaltyCollusion       = 2000
)

// DefaultInactivityLimit is how many consecutive rounds a validator may miss
// before it is slashed for inactivity.
const DefaultInactivityLimit = 50

func penaltyFor(reason types.SlashReason) uint64 {
	switch reason {
	case types.SlashEquivocation:
		return PenaltyEquivocation
	case types.SlashInvalidProposal:
		return PenaltyInvalidProposal
	case types.SlashInvalidVote:
		return PenaltyInvalidVote
	case types.SlashInactivity:
		return PenaltyInactivity
	case types.SlashCollusion:
		return PenaltyCollusion
	default:
		return 0
	}
}

type slashKey struct {
	node   types.NodeID
	reason types.SlashReason
}

// Config tunes the detector.
type Config struct {
	// InactivityLimit is the consecutive missed-round threshold.
	InactivityLimit int
}

func DefaultConfig() *Config {
	return &Config{InactivityLimit: DefaultInactivityLimit}
}

// Detector records Byzantine behavior. It owns the slashing decision: callers
// report violations, the detector deduplicates, logs the event, deactivates
// the validator and fans out to sinks.
type Detector struct {
	mu sync.Mutex

	registry *Registry
	logger   *utils.Logger
	config   *Config

	slashed    map[slashKey]bool
	byzantine  map[types.NodeID]bool
	missed     map[types.NodeID]int
	events     []types.SlashingEvent
	sinks      []types.SlashingSink
	suspicious []string
}

// NewDetector builds a detector over the registry. Sinks receive every
// recorded event; they run inline and must not block.
func NewDetector(registry *Registry, logger *utils.Logger, config *Config, sinks ...types.SlashingSink) *Detector {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Detector{
		registry:  registry,
		logger:    logger,
		config:    config,
		slashed:   make(map[slashKey]bool),
		byzantine: make(map[types.NodeID]bool),
		missed:    make(map[types.NodeID]int),
		sinks:     sinks,
	}
}

// RecordAndSlash records a violation with evidence. Duplicate reports of the
// same (node, reason) are no-ops, so processing the same faulty message twice
// cannot double-punish. Returns whether a new event was recorded.
func (d *Detector) RecordAndSlash(ctx context.Context, node types.NodeID, reason types.SlashReason, evidence []byte) bool {
	d.mu.Lock()
	key := slashKey{node: node, reason: reason}
	if d.slashed[key] {
		d.mu.Unlock()
		return false
	}
	d.slashed[key] = true
	d.byzantine[node] = true
	event := types.SlashingEvent{
		Node:      node,
		Reason:    reason,
		Penalty:   penaltyFor(reason),
		Evidence:  evidence,
		Timestamp: uint64(time.Now().UnixMilli()),
	}
	d.events = append(d.events, event)
	sinks := make([]types.SlashingSink, len(d.sinks))
	copy(sinks, d.sinks)
	d.mu.Unlock()

	removed := d.registry.Deactivate(node)
	d.logger.WarnContext(ctx, "validator slashed",
		utils.ZapString("node", node.Short()),
		utils.ZapString("reason", reason.String()),
		utils.ZapUint64("penalty", event.Penalty),
		utils.ZapBool("removed_from_active_set", removed),
		utils.ZapInt("active_validators", d.registry.ActiveCount()),
	)
	for _, sink := range sinks {
		sink.OnSlash(ctx, event)
	}
	return true
}

// IsByzantine reports whether the node has any recorded violation.
func (d *Detector) IsByzantine(node types.NodeID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.byzantine[node]
}

// Events returns a copy of the slashing log in record order.
func (d *Detector) Events() []types.SlashingEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]types.SlashingEvent, len(d.events))
	copy(out, d.events)
	return out
}

// MarkParticipated resets a validator's missed-round counter.
func (d *Detector) MarkParticipated(node types.NodeID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.missed[node] = 0
}

// MarkMissedRound increments the missed-round counter for every listed
// validator and slashes those that hit the inactivity limit.
func (d *Detector) MarkMissedRound(ctx context.Context, absent []types.NodeID) {
	var over []types.NodeID
	d.mu.Lock()
	for _, id := range absent {
		d.missed[id]++
		if d.missed[id] >= d.config.InactivityLimit {
			over = append(over, id)
			d.missed[id] = 0
		}
	}
	d.mu.Unlock()
	for _, id := range over {
		d.RecordAndSlash(ctx, id, types.SlashInactivity, nil)
	}
}

// RoundStats summarizes one committed round for pattern analysis.
// WinningVotes counts the commit votes cast for the batch that won the round.
type RoundStats struct {
	Round        uint64
	Participants int
	ActiveTotal  int
	WinningVotes int
}

// ObserveRound runs advisory pattern checks over a completed round. Findings
// are logged and retained but never slash on their own; collusion in
// particular needs out-of-band evidence before punishment.
func (d *Detector) ObserveRound(ctx context.Context, stats RoundStats) {
	if stats.ActiveTotal == 0 {
		return
	}
	participation := float64(stats.Participants) / float64(stats.ActiveTotal)
	if participation < 0.5 {
		finding := "low participation"
		d.logger.WarnContext(ctx, "suspicious round pattern",
			utils.ZapString("pattern", finding),
			utils.ZapUint64("round", stats.Round),
			utils.ZapFloat64("participation", participation),
		)
		d.mu.Lock()
		d.suspicious = append(d.suspicious, finding)
		d.mu.Unlock()
	}
	if share := float64(stats.WinningVotes) / float64(stats.ActiveTotal); share > 0.9 {
		finding := "near-unanimous commit votes"
		d.logger.DebugContext(ctx, "suspicious round pattern",
			utils.ZapString("pattern", finding),
			utils.ZapUint64("round", stats.Round),
			utils.ZapFloat64("vote_share", share),
		)
		d.mu.Lock()
		d.suspicious = append(d.suspicious, finding)
		d.mu.Unlock()
	}
}

// SuspiciousFindings returns the advisory findings recorded so far.
func (d *Detector) SuspiciousFindings() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.suspicious))
	copy(out, d.suspicious)
	return out
}

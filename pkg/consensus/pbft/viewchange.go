package pbft

import (
	"sync"
	"time"

	"github.com/happybigmtn/bitchat-rust-sub006/pkg/consensus/messages"
	"github.com/happybigmtn/bitchat-rust-sub006/pkg/consensus/types"
)

// TimeoutLadder is the adaptive view-change backoff: an integer multiplier
// over the base timeout that doubles on every failed view up to a cap, and
// resets to one as soon as a round commits. Integer arithmetic keeps every
// replica's ladder bit-identical.
type TimeoutLadder struct {
	mu    sync.Mutex
	base  time.Duration
	level int
	limit int
}

func NewTimeoutLadder(base time.Duration, limit int) *TimeoutLadder {
	return &TimeoutLadder{base: base, level: 1, limit: limit}
}

// Current returns the timeout at the present level.
func (t *TimeoutLadder) Current() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.base * time.Duration(t.level)
}

// Level returns the present multiplier.
func (t *TimeoutLadder) Level() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.level
}

// Escalate doubles the multiplier up to the cap and returns the new timeout.
func (t *TimeoutLadder) Escalate() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.level < t.limit {
		t.level *= 2
		if t.level > t.limit {
			t.level = t.limit
		}
	}
	return t.base * time.Duration(t.level)
}

// Reset drops the multiplier back to one. Called on every commit.
func (t *TimeoutLadder) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.level = 1
}

// viewChangeState tracks acknowledgements for one target view.
type viewChangeState struct {
	acks map[types.NodeID]*messages.ViewChange
}

// ViewController owns the replica's view number, status and view-change
// progress. The engine consults it before accepting any message: a replica
// in ViewChanging status drops proposals and votes for the old view.
type ViewController struct {
	mu      sync.Mutex
	view    uint64
	status  types.ReplicaStatus
	pending map[uint64]*viewChangeState
	ladder  *TimeoutLadder
}

func NewViewController(ladder *TimeoutLadder) *ViewController {
	return &ViewController{
		view:    0,
		status:  types.ReplicaNormal,
		pending: make(map[uint64]*viewChangeState),
		ladder:  ladder,
	}
}

// View returns the current view number.
func (vc *ViewController) View() uint64 {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return vc.view
}

// Status returns the replica status.
func (vc *ViewController) Status() types.ReplicaStatus {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return vc.status
}

// AcceptsConsensus reports whether proposals and votes are admissible.
func (vc *ViewController) AcceptsConsensus() bool {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return vc.status == types.ReplicaNormal
}

// BeginViewChange moves the replica to ViewChanging status targeting
// view+1. Returns the target view and whether the transition happened (false
// when a change is already underway).
func (vc *ViewController) BeginViewChange() (uint64, bool) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	if vc.status == types.ReplicaViewChanging {
		return vc.view + 1, false
	}
	vc.status = types.ReplicaViewChanging
	return vc.view + 1, true
}

// RecordAck stores a validator's view-change acknowledgement and returns the
// distinct-ack count for that target view. Duplicate acks from one node
// count once. Targets at or below the current view are stale and ignored.
func (vc *ViewController) RecordAck(msg *messages.ViewChange) int {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	if msg.NewView <= vc.view {
		return 0
	}
	st, ok := vc.pending[msg.NewView]
	if !ok {
		st = &viewChangeState{acks: make(map[types.NodeID]*messages.ViewChange)}
		vc.pending[msg.NewView] = st
	}
	st.acks[msg.Node] = msg
	return len(st.acks)
}

// Acks returns the collected acknowledgements for a target view, for
// new-view proof assembly.
func (vc *ViewController) Acks(target uint64) []messages.ViewChange {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	st, ok := vc.pending[target]
	if !ok {
		return nil
	}
	out := make([]messages.ViewChange, 0, len(st.acks))
	for _, a := range st.acks {
		out = append(out, *a)
	}
	return out
}

// Install moves the replica into the target view and back to Normal status.
// Stale targets are rejected. Pending ack state at or below the installed
// view is discarded.
func (vc *ViewController) Install(target uint64) bool {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	if target <= vc.view {
		return false
	}
	vc.view = target
	vc.status = types.ReplicaNormal
	for v := range vc.pending {
		if v <= target {
			delete(vc.pending, v)
		}
	}
	return true
}

// OnCommit resets the timeout ladder; progress proves the current view works.
func (vc *ViewController) OnCommit() {
	vc.ladder.Reset()
}

// Timeout returns the current adaptive timeout.
func (vc *ViewController) Timeout() time.Duration {
	return vc.ladder.Current()
}

// EscalateTimeout doubles the adaptive timeout, capped.
func (vc *ViewController) EscalateTimeout() time.Duration {
	return vc.ladder.Escalate()
}

package pbft

import (
	"testing"
	"time"

	"github.com/happybigmtn/bitchat-rust-sub006/pkg/consensus/messages"
	"github.com/happybigmtn/bitchat-rust-sub006/pkg/consensus/types"
)

func TestTimeoutLadderDoublesAndCaps(t *testing.T) {
	ladder := NewTimeoutLadder(500*time.Millisecond, 8)
	want := []time.Duration{
		500 * time.Millisecond,
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		4000 * time.Millisecond, // capped at 8x
	}
	if got := ladder.Current(); got != want[0] {
		t.Fatalf("initial timeout = %s, want %s", got, want[0])
	}
	for i := 1; i < len(want); i++ {
		if got := ladder.Escalate(); got != want[i] {
			t.Fatalf("escalation %d = %s, want %s", i, got, want[i])
		}
	}
	if got := ladder.Level(); got != 8 {
		t.Fatalf("level = %d, want 8", got)
	}
}

func TestTimeoutLadderResetsOnCommit(t *testing.T) {
	ladder := NewTimeoutLadder(500*time.Millisecond, 8)
	ladder.Escalate()
	ladder.Escalate()
	ladder.Reset()
	if got := ladder.Current(); got != 500*time.Millisecond {
		t.Fatalf("timeout after reset = %s, want 500ms", got)
	}
	if got := ladder.Level(); got != 1 {
		t.Fatalf("level after reset = %d, want 1", got)
	}
}

func TestViewControllerAckCounting(t *testing.T) {
	vc := NewViewController(NewTimeoutLadder(500*time.Millisecond, 8))

	nodeA := types.NodeID{1}
	nodeB := types.NodeID{2}

	if got := vc.RecordAck(&messages.ViewChange{Node: nodeA, NewView: 1}); got != 1 {
		t.Fatalf("first ack count = %d, want 1", got)
	}
	// Duplicate from the same node counts once.
	if got := vc.RecordAck(&messages.ViewChange{Node: nodeA, NewView: 1}); got != 1 {
		t.Fatalf("duplicate ack count = %d, want 1", got)
	}
	if got := vc.RecordAck(&messages.ViewChange{Node: nodeB, NewView: 1}); got != 2 {
		t.Fatalf("second ack count = %d, want 2", got)
	}
	// Stale target is ignored.
	if got := vc.RecordAck(&messages.ViewChange{Node: nodeB, NewView: 0}); got != 0 {
		t.Fatalf("stale ack count = %d, want 0", got)
	}
}

func TestViewControllerInstall(t *testing.T) {
	vc := NewViewController(NewTimeoutLadder(500*time.Millisecond, 8))

	target, begun := vc.BeginViewChange()
	if !begun || target != 1 {
		t.Fatalf("begin = (%d, %v), want (1, true)", target, begun)
	}
	if vc.AcceptsConsensus() {
		t.Fatal("consensus accepted during view change")
	}
	// Beginning again while changing is a no-op.
	if _, begun := vc.BeginViewChange(); begun {
		t.Fatal("second begin reported a transition")
	}

	if !vc.Install(1) {
		t.Fatal("install rejected")
	}
	if vc.View() != 1 || vc.Status() != types.ReplicaNormal {
		t.Fatalf("after install: view=%d status=%s", vc.View(), vc.Status())
	}
	if vc.Install(1) {
		t.Fatal("stale install accepted")
	}
	if vc.Install(0) {
		t.Fatal("backward install accepted")
	}
}

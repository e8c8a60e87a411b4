package pbft

import (
	"bytes"
	"time"

	"github.com/happybigmtn/bitchat-rust-sub006/pkg/consensus/messages"
	"github.com/happybigmtn/bitchat-rust-sub006/pkg/consensus/types"
)

// instance is the per-sequence consensus state. All access happens under the
// engine mutex. Quorum is snapshotted at creation: a validator slashed
// mid-round does not lower the bar for a round that already started.
type instance struct {
	sequence uint64
	view     uint64
	phase    types.Phase
	quorum   int

	// proposals received for this slot, keyed by proposer. More than one
	// entry from distinct proposers is resolved deterministically; two
	// distinct proposals from one proposer is equivocation.
	proposals map[types.NodeID]*messages.Proposal
	selected  *messages.Proposal

	prepareVotes map[types.NodeID]*messages.Vote
	commitVotes  map[types.NodeID]*messages.Vote

	sentPrepare bool
	sentCommit  bool

	batch *messages.Batch
	qc    *messages.QuorumCertificate

	created      time.Time
	phaseStarted time.Time
}

func newInstance(sequence, view uint64, quorum int) *instance {
	now := time.Now()
	return &instance{
		sequence:     sequence,
		view:         view,
		phase:        types.PhasePrePrepare,
		quorum:       quorum,
		proposals:    make(map[types.NodeID]*messages.Proposal),
		prepareVotes: make(map[types.NodeID]*messages.Vote),
		commitVotes:  make(map[types.NodeID]*messages.Vote),
		created:      now,
		phaseStarted: now,
	}
}

// addProposal stores a proposal. Returns the previously stored proposal from
// the same proposer when it differs, which is equivocation evidence.
func (in *instance) addProposal(p *messages.Proposal) (conflict *messages.Proposal) {
	prev, ok := in.proposals[p.Proposer]
	if ok {
		if prev.Hash() != p.Hash() {
			return prev
		}
		return nil
	}
	in.proposals[p.Proposer] = p
	return nil
}

// selectProposal picks the canonical proposal for the slot: earliest
// timestamp wins, proposal hash breaks ties. Deterministic for any message
// arrival order.
func (in *instance) selectProposal() *messages.Proposal {
	var best *messages.Proposal
	var bestHash types.Hash32
	for _, p := range in.proposals {
		h := p.Hash()
		switch {
		case best == nil:
			best, bestHash = p, h
		case p.Timestamp < best.Timestamp:
			best, bestHash = p, h
		case p.Timestamp == best.Timestamp && bytes.Compare(h[:], bestHash[:]) < 0:
			best, bestHash = p, h
		}
	}
	in.selected = best
	return best
}

// addVote stores a vote for its phase. Returns the previously stored vote
// from the same voter when it references a different proposal, which is
// equivocation evidence. Duplicate identical votes return (nil, false).
func (in *instance) addVote(v *messages.Vote) (conflict *messages.Vote, added bool) {
	var tally map[types.NodeID]*messages.Vote
	if v.Phase == types.VotePrepare {
		tally = in.prepareVotes
	} else {
		tally = in.commitVotes
	}
	prev, ok := tally[v.Voter]
	if ok {
		if prev.ProposalHash != v.ProposalHash {
			return prev, false
		}
		return nil, false
	}
	tally[v.Voter] = v
	return nil, true
}

// votesFor counts votes in a phase referencing the given proposal hash.
func (in *instance) votesFor(phase types.VotePhase, hash types.Hash32) int {
	tally := in.prepareVotes
	if phase == types.VoteCommit {
		tally = in.commitVotes
	}
	n := 0
	for _, v := range tally {
		if v.ProposalHash == hash {
			n++
		}
	}
	return n
}

// commitVotesFor returns the commit votes referencing hash, for QC assembly.
func (in *instance) commitVotesFor(hash types.Hash32) []*messages.Vote {
	out := make([]*messages.Vote, 0, len(in.commitVotes))
	for _, v := range in.commitVotes {
		if v.ProposalHash == hash {
			out = append(out, v)
		}
	}
	return out
}

// participants returns every distinct validator that voted in either phase.
func (in *instance) participants() map[types.NodeID]bool {
	out := make(map[types.NodeID]bool, len(in.prepareVotes)+len(in.commitVotes))
	for id := range in.prepareVotes {
		out[id] = true
	}
	for id := range in.commitVotes {
		out[id] = true
	}
	return out
}

// advance moves the phase forward. Phases never move backward; a stale
// transition request is ignored.
func (in *instance) advance(next types.Phase) bool {
	if next <= in.phase {
		return false
	}
	in.phase = next
	in.phaseStarted = time.Now()
	return true
}

package pbft

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/happybigmtn/bitchat-rust-sub006/pkg/consensus/messages"
	"github.com/happybigmtn/bitchat-rust-sub006/pkg/consensus/types"
)

func testBatch(ops ...messages.Operation) *messages.Batch {
	return &messages.Batch{
		Operations: ops,
		Timestamp:  uint64(time.Now().UnixMilli()),
	}
}

func TestCommitFlowAppliesBatch(t *testing.T) {
	env := newTestEnv(t, 4)
	ctx := context.Background()

	op := env.makeTransferOp(1, 2, 500)
	env.commitSequence(ctx, 0, 1, testBatch(*op))

	if got := env.engine.LastApplied(); got != 1 {
		t.Fatalf("last applied = %d, want 1", got)
	}
	if got := env.ledger.Balance(env.ids[1]); got != 999_500 {
		t.Fatalf("sender balance = %d, want 999500", got)
	}
	if got := env.ledger.Balance(env.ids[2]); got != 1_000_500 {
		t.Fatalf("receiver balance = %d, want 1000500", got)
	}
	if got := env.sink.committed(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("commit sink saw %v, want [1]", got)
	}
	// The engine broadcast its own prepare, its own commit and the QC.
	if n := env.pub.count(types.MessageTypeVote); n != 2 {
		t.Fatalf("broadcast %d votes, want 2", n)
	}
	if n := env.pub.count(types.MessageTypeQC); n != 1 {
		t.Fatalf("broadcast %d certificates, want 1", n)
	}
}

func TestCommitProducesVerifiableCertificate(t *testing.T) {
	env := newTestEnv(t, 4)
	ctx := context.Background()

	op := env.makeTransferOp(1, 2, 100)
	env.commitSequence(ctx, 0, 1, testBatch(*op))

	qc, err := env.engine.Certificate(1)
	if err != nil {
		t.Fatalf("certificate: %v", err)
	}
	if len(qc.CommitSignatures) < 3 {
		t.Fatalf("certificate carries %d signatures, want >= 3", len(qc.CommitSignatures))
	}
	verifier := NewCertificateVerifier(env.keyrings[3], env.registry, time.Minute)
	if err := verifier.Verify(qc); err != nil {
		t.Fatalf("independent verification failed: %v", err)
	}
	if err := env.engine.VerifyRoundIntegrity(1); err != nil {
		t.Fatalf("round integrity: %v", err)
	}
}

func TestOutOfOrderCommitAppliesInSequence(t *testing.T) {
	env := newTestEnv(t, 4)
	ctx := context.Background()

	op1 := env.makeTransferOp(1, 2, 10)
	op2 := env.makeTransferOp(2, 3, 20)
	b1 := testBatch(*op1)
	b2 := testBatch(*op2)

	// Deliver both proposals, then complete sequence 2 first.
	p1 := env.makeProposal(1, 0, 1, b1)
	p2 := env.makeProposal(1, 0, 2, b2)
	if err := env.engine.ReceiveProposal(ctx, p1); err != nil {
		t.Fatalf("proposal 1: %v", err)
	}
	if err := env.engine.ReceiveProposal(ctx, p2); err != nil {
		t.Fatalf("proposal 2: %v", err)
	}
	h1, h2 := p1.Hash(), p2.Hash()

	for _, i := range []int{1, 2} {
		if err := env.engine.ReceiveVote(ctx, env.makeVote(i, 0, 2, h2, types.VotePrepare)); err != nil {
			t.Fatalf("seq2 prepare %d: %v", i, err)
		}
	}
	for _, i := range []int{1, 2} {
		if err := env.engine.ReceiveVote(ctx, env.makeVote(i, 0, 2, h2, types.VoteCommit)); err != nil {
			t.Fatalf("seq2 commit %d: %v", i, err)
		}
	}

	// Sequence 2 committed but must not apply before sequence 1.
	if got := env.engine.LastApplied(); got != 0 {
		t.Fatalf("last applied = %d before sequence 1 committed, want 0", got)
	}
	if got := env.ledger.Balance(env.ids[3]); got != 1_000_000 {
		t.Fatalf("seq2 applied early: balance = %d", got)
	}

	for _, i := range []int{1, 2} {
		if err := env.engine.ReceiveVote(ctx, env.makeVote(i, 0, 1, h1, types.VotePrepare)); err != nil {
			t.Fatalf("seq1 prepare %d: %v", i, err)
		}
	}
	for _, i := range []int{1, 2} {
		if err := env.engine.ReceiveVote(ctx, env.makeVote(i, 0, 1, h1, types.VoteCommit)); err != nil {
			t.Fatalf("seq1 commit %d: %v", i, err)
		}
	}

	if got := env.engine.LastApplied(); got != 2 {
		t.Fatalf("last applied = %d, want 2", got)
	}
	if got := env.sink.committed(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("apply order %v, want [1 2]", got)
	}
}

func TestDuplicateVotesAreIdempotent(t *testing.T) {
	env := newTestEnv(t, 4)
	ctx := context.Background()

	op := env.makeTransferOp(1, 2, 5)
	p := env.makeProposal(1, 0, 1, testBatch(*op))
	if err := env.engine.ReceiveProposal(ctx, p); err != nil {
		t.Fatalf("proposal: %v", err)
	}
	v := env.makeVote(1, 0, 1, p.Hash(), types.VotePrepare)
	for range [3]int{} {
		if err := env.engine.ReceiveVote(ctx, v); err != nil {
			t.Fatalf("vote: %v", err)
		}
	}
	// Local vote plus one distinct remote vote: still below the quorum of 3,
	// so the engine must not have advanced to commit.
	if n := env.pub.count(types.MessageTypeVote); n != 1 {
		t.Fatalf("broadcast %d votes, want only the local prepare", n)
	}
	if env.det.IsByzantine(env.ids[1]) {
		t.Fatal("duplicate identical vote flagged as byzantine")
	}
}

func TestStaleViewMessagesDropped(t *testing.T) {
	env := newTestEnv(t, 4)
	ctx := context.Background()

	p := env.makeProposal(1, 7, 1, testBatch(*env.makeTransferOp(1, 2, 5)))
	err := env.engine.ReceiveProposal(ctx, p)
	if !errors.Is(err, ErrStaleMessage) {
		t.Fatalf("future-view proposal: got %v, want ErrStaleMessage", err)
	}
	v := env.makeVote(1, 3, 1, types.Hash32{1}, types.VotePrepare)
	if err := env.engine.ReceiveVote(ctx, v); !errors.Is(err, ErrStaleMessage) {
		t.Fatalf("wrong-view vote: got %v, want ErrStaleMessage", err)
	}
	if env.det.IsByzantine(env.ids[1]) {
		t.Fatal("stale traffic flagged as byzantine")
	}
}

func TestEquivocatingVoterSlashed(t *testing.T) {
	env := newTestEnv(t, 4)
	ctx := context.Background()

	p := env.makeProposal(1, 0, 1, testBatch(*env.makeTransferOp(1, 2, 5)))
	if err := env.engine.ReceiveProposal(ctx, p); err != nil {
		t.Fatalf("proposal: %v", err)
	}
	hash := p.Hash()

	// Validator 3 votes for the real proposal, then for a fabricated one in
	// the same phase and sequence.
	if err := env.engine.ReceiveVote(ctx, env.makeVote(3, 0, 1, hash, types.VotePrepare)); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	other := types.Hash32{0xde, 0xad}
	if err := env.engine.ReceiveVote(ctx, env.makeVote(3, 0, 1, other, types.VotePrepare)); err == nil {
		t.Fatal("conflicting vote accepted")
	}

	if !env.det.IsByzantine(env.ids[3]) {
		t.Fatal("equivocating voter not flagged")
	}
	if env.registry.IsActive(env.ids[3]) {
		t.Fatal("equivocating voter still active")
	}
	events := env.det.Events()
	if len(events) != 1 || events[0].Reason != types.SlashEquivocation {
		t.Fatalf("events = %+v, want one equivocation", events)
	}

	// The round still commits: quorum snapshot was 3 of 4, and validators
	// 0, 1, 2 are honest.
	for _, i := range []int{1, 2} {
		if err := env.engine.ReceiveVote(ctx, env.makeVote(i, 0, 1, hash, types.VotePrepare)); err != nil {
			t.Fatalf("prepare %d: %v", i, err)
		}
	}
	for _, i := range []int{1, 2} {
		if err := env.engine.ReceiveVote(ctx, env.makeVote(i, 0, 1, hash, types.VoteCommit)); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}
	if got := env.engine.LastApplied(); got != 1 {
		t.Fatalf("last applied = %d, want 1", got)
	}
}

func TestEquivocatingProposerSlashed(t *testing.T) {
	env := newTestEnv(t, 4)
	ctx := context.Background()

	b1 := testBatch(*env.makeTransferOp(1, 2, 5))
	b2 := testBatch(*env.makeTransferOp(1, 3, 7))
	p1 := env.makeProposal(1, 0, 1, b1)
	p2 := env.makeProposal(1, 0, 1, b2)

	if err := env.engine.ReceiveProposal(ctx, p1); err != nil {
		t.Fatalf("first proposal: %v", err)
	}
	if err := env.engine.ReceiveProposal(ctx, p2); err == nil {
		t.Fatal("conflicting proposal accepted")
	}
	if !env.det.IsByzantine(env.ids[1]) {
		t.Fatal("equivocating proposer not flagged")
	}
	if env.registry.IsActive(env.ids[1]) {
		t.Fatal("equivocating proposer still active")
	}
}

func TestInvalidVoteSignatureSlashed(t *testing.T) {
	env := newTestEnv(t, 4)
	ctx := context.Background()

	v := env.makeVote(2, 0, 1, types.Hash32{1}, types.VotePrepare)
	v.Signature.Bytes[0] ^= 0xff
	if err := env.engine.ReceiveVote(ctx, v); err == nil {
		t.Fatal("tampered vote accepted")
	}
	events := env.det.Events()
	if len(events) != 1 || events[0].Reason != types.SlashInvalidVote {
		t.Fatalf("events = %+v, want one invalid vote", events)
	}
}

func TestInvalidProposalDigestSlashed(t *testing.T) {
	env := newTestEnv(t, 4)
	ctx := context.Background()

	b := testBatch(*env.makeTransferOp(1, 2, 5))
	p := env.makeProposal(1, 0, 1, b)
	p.StateDigest = types.Hash32{0xbb}
	env.signProposalAs(1, p) // re-sign so only the digest is wrong

	if err := env.engine.ReceiveProposal(ctx, p); err == nil {
		t.Fatal("digest-mismatched proposal accepted")
	}
	events := env.det.Events()
	if len(events) != 1 || events[0].Reason != types.SlashInvalidProposal {
		t.Fatalf("events = %+v, want one invalid proposal", events)
	}
}

func TestOverspendingProposalRejected(t *testing.T) {
	env := newTestEnv(t, 4)
	ctx := context.Background()

	op := env.makeTransferOp(1, 2, 2_000_000) // more than the genesis balance
	p := env.makeProposal(1, 0, 1, testBatch(*op))
	if err := env.engine.ReceiveProposal(ctx, p); err == nil {
		t.Fatal("overspending proposal accepted")
	}
	if !env.det.IsByzantine(env.ids[1]) {
		t.Fatal("proposer of invalid batch not flagged")
	}
}

func TestSubmitOperationRequiresValidatorRole(t *testing.T) {
	env := newTestEnv(t, 4)
	ctx := context.Background()

	// Deactivate the local node; it keeps its role but loses membership.
	env.registry.Deactivate(env.ids[0])
	op := env.makeTransferOp(1, 2, 5)
	if err := env.engine.SubmitOperation(ctx, op); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}
}

func TestSubmitOperationQueuesValidOps(t *testing.T) {
	env := newTestEnv(t, 4)
	ctx := context.Background()

	op := env.makeTransferOp(0, 2, 5)
	if err := env.engine.SubmitOperation(ctx, op); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// Resubmission of the same ID is a silent no-op.
	if err := env.engine.SubmitOperation(ctx, op); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if got := env.engine.queue.len(); got != 1 {
		t.Fatalf("queue length = %d, want 1", got)
	}

	bad := env.makeTransferOp(0, 2, 5_000_000)
	if err := env.engine.SubmitOperation(ctx, bad); err == nil {
		t.Fatal("overspending operation admitted")
	}
}

func TestViewChangeQuorumInstallsNewView(t *testing.T) {
	env := newTestEnv(t, 4)
	ctx := context.Background()

	for _, i := range []int{1, 2, 3} {
		vc := &messages.ViewChange{
			Node:    env.ids[i],
			NewView: 1,
		}
		sig, err := env.keyrings[i].Sign(vc.SignBytes())
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		vc.Signature = types.Signature{Bytes: sig, Signer: env.ids[i]}
		if err := env.engine.ReceiveViewChange(ctx, vc); err != nil {
			t.Fatalf("view change %d: %v", i, err)
		}
	}
	if got := env.engine.View(); got != 1 {
		t.Fatalf("view = %d, want 1", got)
	}
	if env.engine.views.Status() != types.ReplicaNormal {
		t.Fatalf("status = %s, want normal", env.engine.views.Status())
	}
}

func TestPreparedBatchSurvivesViewChange(t *testing.T) {
	env := newTestEnv(t, 4)
	ctx := context.Background()

	// Prepare batch A at sequence 1 in view 0: with the prepare quorum
	// reached, this node has broadcast its commit vote, so somewhere a
	// replica may already have committed A.
	op := env.makeTransferOp(1, 2, 100)
	batchA := testBatch(*op)
	pA := env.makeProposal(1, 0, 1, batchA)
	if err := env.engine.ReceiveProposal(ctx, pA); err != nil {
		t.Fatalf("proposal: %v", err)
	}
	for _, i := range []int{1, 2} {
		if err := env.engine.ReceiveVote(ctx, env.makeVote(i, 0, 1, pA.Hash(), types.VotePrepare)); err != nil {
			t.Fatalf("prepare %d: %v", i, err)
		}
	}

	// The view changes with every ack carrying the prepare certificate.
	proof := env.makePreparedProof(pA, []int{1, 2, 3})
	for _, i := range []int{1, 2, 3} {
		vc := env.makeViewChange(i, 1, []messages.PreparedProof{proof})
		if err := env.engine.ReceiveViewChange(ctx, vc); err != nil {
			t.Fatalf("view change %d: %v", i, err)
		}
	}
	if got := env.engine.View(); got != 1 {
		t.Fatalf("view = %d, want 1", got)
	}

	// A different batch at the prepared sequence is refused in the new view.
	batchB := testBatch(*env.makeTransferOp(2, 3, 777))
	pB := env.makeProposal(2, 1, 1, batchB)
	if err := env.engine.ReceiveProposal(ctx, pB); err == nil {
		t.Fatal("conflicting batch accepted at a prepared sequence")
	}
	if env.det.IsByzantine(env.ids[2]) {
		t.Fatal("rejected proposer slashed without proof of misbehavior")
	}

	// Only batch A may commit at sequence 1. The local node re-proposed it
	// already if it leads view 1; otherwise deliver the re-proposal.
	env.engine.mu.Lock()
	in := env.engine.instances[1]
	env.engine.mu.Unlock()
	var target *messages.Proposal
	if in != nil && in.selected != nil {
		target = in.selected
	} else {
		target = env.makeProposal(1, 1, 1, batchA)
		if err := env.engine.ReceiveProposal(ctx, target); err != nil {
			t.Fatalf("re-proposal: %v", err)
		}
	}
	hash := target.Hash()
	for _, i := range []int{1, 2} {
		if err := env.engine.ReceiveVote(ctx, env.makeVote(i, 1, 1, hash, types.VotePrepare)); err != nil {
			t.Fatalf("new-view prepare %d: %v", i, err)
		}
	}
	for _, i := range []int{1, 2} {
		if err := env.engine.ReceiveVote(ctx, env.makeVote(i, 1, 1, hash, types.VoteCommit)); err != nil {
			t.Fatalf("new-view commit %d: %v", i, err)
		}
	}
	if got := env.engine.LastApplied(); got != 1 {
		t.Fatalf("last applied = %d, want 1", got)
	}
	// The applied state is batch A's transfer, not batch B's.
	if got := env.ledger.Balance(env.ids[1]); got != 999_900 {
		t.Fatalf("sender balance = %d, want 999900", got)
	}
	if got := env.ledger.Balance(env.ids[2]); got != 1_000_100 {
		t.Fatalf("receiver balance = %d, want 1000100", got)
	}
	if got := env.ledger.Balance(env.ids[3]); got != 1_000_000 {
		t.Fatalf("bystander balance = %d, want 1000000", got)
	}
}

func TestViewChangeCarriesPreparedProofs(t *testing.T) {
	env := newTestEnv(t, 4)
	ctx := context.Background()

	p := env.makeProposal(1, 0, 1, testBatch(*env.makeTransferOp(1, 2, 5)))
	if err := env.engine.ReceiveProposal(ctx, p); err != nil {
		t.Fatalf("proposal: %v", err)
	}
	// Below the prepare quorum there is nothing to certify.
	if proofs := env.engine.preparedProofs(); len(proofs) != 0 {
		t.Fatalf("proofs before quorum = %d, want 0", len(proofs))
	}
	for _, i := range []int{1, 2} {
		if err := env.engine.ReceiveVote(ctx, env.makeVote(i, 0, 1, p.Hash(), types.VotePrepare)); err != nil {
			t.Fatalf("prepare %d: %v", i, err)
		}
	}
	proofs := env.engine.preparedProofs()
	if len(proofs) != 1 {
		t.Fatalf("proofs = %d, want 1", len(proofs))
	}
	if proofs[0].Sequence != 1 || proofs[0].View != 0 {
		t.Fatalf("proof covers sequence %d view %d, want 1/0", proofs[0].Sequence, proofs[0].View)
	}
	if proofs[0].Proposal.Hash() != p.Hash() {
		t.Fatal("proof carries a different proposal")
	}
	if len(proofs[0].Prepares) < 3 {
		t.Fatalf("proof carries %d prepares, want >= 3", len(proofs[0].Prepares))
	}
}

func TestViewChangeRejectsThinPreparedProof(t *testing.T) {
	env := newTestEnv(t, 4)
	ctx := context.Background()

	p := env.makeProposal(1, 0, 1, testBatch(*env.makeTransferOp(1, 2, 5)))
	// Two prepares are below the quorum of three; the certificate proves
	// nothing and the ack must be rejected.
	proof := env.makePreparedProof(p, []int{1, 2})
	vc := env.makeViewChange(1, 1, []messages.PreparedProof{proof})
	if err := env.engine.ReceiveViewChange(ctx, vc); err == nil {
		t.Fatal("view change with a sub-quorum prepare certificate accepted")
	}
	if got := env.engine.View(); got != 0 {
		t.Fatalf("view = %d, want 0", got)
	}
}

func TestPrevStateHashMismatchRejected(t *testing.T) {
	env := newTestEnv(t, 4)
	ctx := context.Background()

	p := env.makeProposal(1, 0, 1, testBatch(*env.makeTransferOp(1, 2, 5)))
	p.PrevStateHash = types.Hash32{0xff, 0xee, 0xdd}
	env.signProposalAs(1, p) // re-sign so only the prior-state claim is wrong

	if err := env.engine.ReceiveProposal(ctx, p); err == nil {
		t.Fatal("proposal built on a mismatched prior state accepted")
	}
	// Rejected outright: no prepare vote went out and nobody was slashed,
	// since a state mismatch alone does not prove misbehavior.
	if n := env.pub.count(types.MessageTypeVote); n != 0 {
		t.Fatalf("broadcast %d votes, want 0", n)
	}
	if len(env.det.Events()) != 0 {
		t.Fatalf("events = %+v, want none", env.det.Events())
	}
}

func TestSequenceWindowBoundsAdmission(t *testing.T) {
	env := newTestEnv(t, 4)
	ctx := context.Background()

	p := env.makeProposal(1, 0, 1_000_000, testBatch(*env.makeTransferOp(1, 2, 5)))
	if err := env.engine.ReceiveProposal(ctx, p); !errors.Is(err, ErrOutOfWindow) {
		t.Fatalf("far-future proposal: got %v, want ErrOutOfWindow", err)
	}
	v := env.makeVote(1, 0, 999_999, types.Hash32{1}, types.VotePrepare)
	if err := env.engine.ReceiveVote(ctx, v); !errors.Is(err, ErrOutOfWindow) {
		t.Fatalf("far-future vote: got %v, want ErrOutOfWindow", err)
	}
	// Nothing was admitted: no instance state, no sequence gap.
	env.engine.mu.Lock()
	instances, next := len(env.engine.instances), env.engine.nextSequence
	env.engine.mu.Unlock()
	if instances != 0 {
		t.Fatalf("instances = %d, want 0", instances)
	}
	if next != 1 {
		t.Fatalf("next sequence = %d, want 1", next)
	}
}

func TestFullBatchSignalsBatcher(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	env := buildTestEnv(t, 4, cfg, nil, false)
	ctx := context.Background()

	if err := env.engine.SubmitOperation(ctx, env.makeTransferOp(0, 1, 1)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(env.engine.batchSignal) != 0 {
		t.Fatal("signal fired below the batch size")
	}
	if err := env.engine.SubmitOperation(ctx, env.makeTransferOp(0, 1, 2)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(env.engine.batchSignal) != 1 {
		t.Fatal("full batch did not signal the batcher")
	}
	// The signal never blocks submission once pending.
	if err := env.engine.SubmitOperation(ctx, env.makeTransferOp(0, 1, 3)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(env.engine.batchSignal) != 1 {
		t.Fatalf("signal depth = %d, want 1", len(env.engine.batchSignal))
	}
}

// proposalFailPub drops proposal broadcasts while failing is set.
type proposalFailPub struct {
	collectPub
	failing bool
}

func (p *proposalFailPub) Broadcast(ctx context.Context, msgType types.MessageType, data []byte) error {
	if p.failing && msgType == types.MessageTypeProposal {
		return errors.New("broadcast unavailable")
	}
	return p.collectPub.Broadcast(ctx, msgType, data)
}

func TestFailedProposalRequeuesBatch(t *testing.T) {
	fp := &proposalFailPub{failing: true}
	env := buildTestEnv(t, 4, nil, fp, true)
	ctx := context.Background()

	if err := env.engine.SubmitOperation(ctx, env.makeTransferOp(0, 1, 5)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	env.engine.maybePropose(ctx)

	// The broadcast failed before anyone saw the proposal: the operation is
	// back in the queue and the sequence number was not burned.
	if got := env.engine.queue.len(); got != 1 {
		t.Fatalf("queue length = %d, want 1", got)
	}
	env.engine.mu.Lock()
	instances, next := len(env.engine.instances), env.engine.nextSequence
	env.engine.mu.Unlock()
	if instances != 0 || next != 1 {
		t.Fatalf("instances = %d next = %d, want 0 and 1", instances, next)
	}

	// Once the network is back the same operation proposes normally.
	fp.failing = false
	env.engine.maybePropose(ctx)
	if got := env.engine.queue.len(); got != 0 {
		t.Fatalf("queue length = %d, want 0", got)
	}
	env.engine.mu.Lock()
	_, ok := env.engine.instances[1]
	next = env.engine.nextSequence
	env.engine.mu.Unlock()
	if !ok || next != 2 {
		t.Fatalf("instance missing or next = %d, want instance at 1 and next 2", next)
	}
}

func TestStatsSnapshot(t *testing.T) {
	env := newTestEnv(t, 4)
	ctx := context.Background()

	op1 := env.makeTransferOp(1, 2, 5)
	op2 := env.makeTransferOp(2, 3, 7)
	env.commitSequence(ctx, 0, 1, testBatch(*op1, *op2))

	s := env.engine.Stats()
	if s.RoundsCompleted != 1 {
		t.Fatalf("rounds = %d, want 1", s.RoundsCompleted)
	}
	if s.OperationsProcessed != 2 {
		t.Fatalf("operations = %d, want 2", s.OperationsProcessed)
	}
	if s.AverageBatchSize != 2 {
		t.Fatalf("average batch size = %v, want 2", s.AverageBatchSize)
	}
	if s.ViewChanges != 0 {
		t.Fatalf("view changes = %d, want 0", s.ViewChanges)
	}
	if s.LastApplied != 1 || s.View != 0 {
		t.Fatalf("last applied %d view %d, want 1 and 0", s.LastApplied, s.View)
	}
	if s.InflightInstances != 0 || s.PendingOperations != 0 {
		t.Fatalf("inflight %d pending %d, want 0 and 0", s.InflightInstances, s.PendingOperations)
	}
}

func TestQuorumSnapshotSurvivesMidRoundSlash(t *testing.T) {
	env := newTestEnv(t, 4)
	ctx := context.Background()

	p := env.makeProposal(1, 0, 1, testBatch(*env.makeTransferOp(1, 2, 5)))
	if err := env.engine.ReceiveProposal(ctx, p); err != nil {
		t.Fatalf("proposal: %v", err)
	}
	hash := p.Hash()

	// Slash validator 3 mid-round. The active set shrinks to 3 but the
	// instance keeps its snapshot quorum of 3.
	env.det.RecordAndSlash(ctx, env.ids[3], types.SlashEquivocation, nil)
	if QuorumSize(env.registry.ActiveCount()) != 3 {
		t.Fatalf("post-slash quorum = %d, want 3", QuorumSize(env.registry.ActiveCount()))
	}

	for _, i := range []int{1, 2} {
		if err := env.engine.ReceiveVote(ctx, env.makeVote(i, 0, 1, hash, types.VotePrepare)); err != nil {
			t.Fatalf("prepare %d: %v", i, err)
		}
	}
	for _, i := range []int{1, 2} {
		if err := env.engine.ReceiveVote(ctx, env.makeVote(i, 0, 1, hash, types.VoteCommit)); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}
	if got := env.engine.LastApplied(); got != 1 {
		t.Fatalf("last applied = %d, want 1", got)
	}
}

package pbft

import (
	"bytes"
	"context"
	"crypto/sha256"
	"sync"
	"testing"
	"time"

	"github.com/happybigmtn/bitchat-rust-sub006/pkg/consensus/detector"
	"github.com/happybigmtn/bitchat-rust-sub006/pkg/consensus/messages"
	"github.com/happybigmtn/bitchat-rust-sub006/pkg/consensus/types"
	"github.com/happybigmtn/bitchat-rust-sub006/pkg/crypto"
	"github.com/happybigmtn/bitchat-rust-sub006/pkg/state"
	"github.com/happybigmtn/bitchat-rust-sub006/pkg/utils"
)

// collectPub records broadcasts without delivering them anywhere. Tests
// drive message flow explicitly.
type collectPub struct {
	mu   sync.Mutex
	msgs []collected
}

type collected struct {
	msgType types.MessageType
	data    []byte
}

func (c *collectPub) Broadcast(_ context.Context, msgType types.MessageType, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, collected{msgType: msgType, data: data})
	return nil
}

func (c *collectPub) Send(ctx context.Context, _ types.NodeID, msgType types.MessageType, data []byte) error {
	return c.Broadcast(ctx, msgType, data)
}

func (c *collectPub) count(msgType types.MessageType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.msgs {
		if m.msgType == msgType {
			n++
		}
	}
	return n
}

// recordSink captures commit notifications in arrival order.
type recordSink struct {
	mu        sync.Mutex
	sequences []uint64
}

func (r *recordSink) OnCommit(_ context.Context, sequence uint64, _ types.Hash32, _ []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sequences = append(r.sequences, sequence)
}

func (r *recordSink) committed() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, len(r.sequences))
	copy(out, r.sequences)
	return out
}

// testEnv is one engine under test plus the keyrings of its peers, so tests
// can forge correctly signed traffic from any validator.
type testEnv struct {
	t        *testing.T
	keyrings []*crypto.Keyring
	ids      []types.NodeID
	registry *detector.Registry
	det      *detector.Detector
	ledger   *state.Ledger
	pub      *collectPub
	sink     *recordSink
	engine   *Engine
}

// newTestEnv builds an engine for a cluster of n validators. Index 0 is the
// local node; every keyring knows every public key.
func newTestEnv(t *testing.T, n int) *testEnv {
	return buildTestEnv(t, n, nil, nil, false)
}

// buildTestEnv is the configurable constructor behind newTestEnv. cfg and
// enginePub may be nil; leaderLocal reorders the cluster so the local node
// leads view 0.
func buildTestEnv(t *testing.T, n int, cfg *Config, enginePub types.Publisher, leaderLocal bool) *testEnv {
	t.Helper()
	keyrings := make([]*crypto.Keyring, n)
	ids := make([]types.NodeID, n)
	for i := range keyrings {
		kr, err := crypto.GenerateKeyring()
		if err != nil {
			t.Fatalf("keyring %d: %v", i, err)
		}
		keyrings[i] = kr
		ids[i] = kr.LocalID()
	}
	if leaderLocal {
		min := 0
		for i := range ids {
			if bytes.Compare(ids[i][:], ids[min][:]) < 0 {
				min = i
			}
		}
		keyrings[0], keyrings[min] = keyrings[min], keyrings[0]
		ids[0], ids[min] = ids[min], ids[0]
	}
	for _, kr := range keyrings {
		for _, other := range keyrings {
			pub, err := other.PublicKey(other.LocalID())
			if err != nil {
				t.Fatalf("public key: %v", err)
			}
			if _, err := kr.Register(pub); err != nil {
				t.Fatalf("register: %v", err)
			}
		}
	}

	registry := detector.NewRegistry(keyrings[0], ids, nil)
	det := detector.NewDetector(registry, utils.NewNopLogger(), nil)

	genesis := make(map[types.NodeID]uint64, n)
	for _, id := range ids {
		genesis[id] = 1_000_000
	}
	ledger, err := state.NewLedger(genesis, utils.NewNopLogger())
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}

	pub := &collectPub{}
	sink := &recordSink{}
	var ep types.Publisher = pub
	if enginePub != nil {
		ep = enginePub
	}
	engine, err := NewEngine(keyrings[0], registry, det, ledger, ep, utils.NewNopLogger(), cfg, nil, sink)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return &testEnv{
		t:        t,
		keyrings: keyrings,
		ids:      ids,
		registry: registry,
		det:      det,
		ledger:   ledger,
		pub:      pub,
		sink:     sink,
		engine:   engine,
	}
}

// makeTransferOp builds a signed transfer operation from validator i.
func (env *testEnv) makeTransferOp(i, j int, amount uint64) *messages.Operation {
	env.t.Helper()
	data, err := env.ledger.EncodeOp(&state.LedgerOp{
		Kind:   state.OpTransfer,
		From:   env.ids[i],
		To:     env.ids[j],
		Amount: amount,
	})
	if err != nil {
		env.t.Fatalf("encode op: %v", err)
	}
	op := &messages.Operation{
		ID:        sha256.Sum256(data),
		Data:      data,
		Client:    env.ids[i],
		Timestamp: uint64(time.Now().UnixMilli()),
	}
	env.signOpAs(i, op)
	return op
}

func (env *testEnv) signOpAs(i int, op *messages.Operation) {
	env.t.Helper()
	sig, err := env.keyrings[i].Sign(op.SignBytes())
	if err != nil {
		env.t.Fatalf("sign op: %v", err)
	}
	op.Signature = types.Signature{Bytes: sig, Signer: env.ids[i]}
}

// makeProposal builds and signs a proposal from validator i for the batch.
func (env *testEnv) makeProposal(i int, view, sequence uint64, batch *messages.Batch) *messages.Proposal {
	env.t.Helper()
	batchData, err := env.engine.codec.Encode(batch)
	if err != nil {
		env.t.Fatalf("encode batch: %v", err)
	}
	p := &messages.Proposal{
		Round:         view,
		Sequence:      sequence,
		Proposer:      env.ids[i],
		PrevStateHash: env.ledger.Snapshot().StateHash,
		StateDigest:   batch.Hash(),
		Operation:     batchData,
		Timestamp:     uint64(time.Now().UnixMilli()),
	}
	env.signProposalAs(i, p)
	return p
}

func (env *testEnv) signProposalAs(i int, p *messages.Proposal) {
	env.t.Helper()
	sig, err := env.keyrings[i].Sign(p.SignBytes())
	if err != nil {
		env.t.Fatalf("sign proposal: %v", err)
	}
	p.Signature = types.Signature{Bytes: sig, Signer: env.ids[i]}
}

// makeVote builds and signs a vote from validator i.
func (env *testEnv) makeVote(i int, view, sequence uint64, proposalHash types.Hash32, phase types.VotePhase) *messages.Vote {
	env.t.Helper()
	v := &messages.Vote{
		Voter:        env.ids[i],
		Round:        view,
		Sequence:     sequence,
		ProposalHash: proposalHash,
		Phase:        phase,
		Timestamp:    uint64(time.Now().UnixMilli()),
	}
	sig, err := env.keyrings[i].Sign(v.SignBytes())
	if err != nil {
		env.t.Fatalf("sign vote: %v", err)
	}
	v.Signature = types.Signature{Bytes: sig, Signer: env.ids[i]}
	return v
}

// makePreparedProof assembles a prepare certificate for the proposal, with
// prepare votes signed by the listed validators.
func (env *testEnv) makePreparedProof(p *messages.Proposal, voters []int) messages.PreparedProof {
	env.t.Helper()
	votes := make([]messages.Vote, 0, len(voters))
	for _, i := range voters {
		votes = append(votes, *env.makeVote(i, p.Round, p.Sequence, p.Hash(), types.VotePrepare))
	}
	return messages.PreparedProof{
		Sequence: p.Sequence,
		View:     p.Round,
		Proposal: *p,
		Prepares: votes,
	}
}

// makeViewChange builds and signs a view-change ack from validator i.
func (env *testEnv) makeViewChange(i int, newView uint64, prepared []messages.PreparedProof) *messages.ViewChange {
	env.t.Helper()
	vc := &messages.ViewChange{
		Node:     env.ids[i],
		NewView:  newView,
		Prepared: prepared,
	}
	sig, err := env.keyrings[i].Sign(vc.SignBytes())
	if err != nil {
		env.t.Fatalf("sign view change: %v", err)
	}
	vc.Signature = types.Signature{Bytes: sig, Signer: env.ids[i]}
	return vc
}

// commitSequence drives one instance to commit: proposal from validator 1,
// then prepare and commit votes from validators 1 and 2. With the local
// node's own votes that is 3 of 4, the quorum for n=4.
func (env *testEnv) commitSequence(ctx context.Context, view, sequence uint64, batch *messages.Batch) types.Hash32 {
	env.t.Helper()
	p := env.makeProposal(1, view, sequence, batch)
	if err := env.engine.ReceiveProposal(ctx, p); err != nil {
		env.t.Fatalf("receive proposal: %v", err)
	}
	hash := p.Hash()
	for _, i := range []int{1, 2} {
		if err := env.engine.ReceiveVote(ctx, env.makeVote(i, view, sequence, hash, types.VotePrepare)); err != nil {
			env.t.Fatalf("prepare vote %d: %v", i, err)
		}
	}
	for _, i := range []int{1, 2} {
		if err := env.engine.ReceiveVote(ctx, env.makeVote(i, view, sequence, hash, types.VoteCommit)); err != nil {
			env.t.Fatalf("commit vote %d: %v", i, err)
		}
	}
	return hash
}

package pbft

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/happybigmtn/bitchat-rust-sub006/pkg/consensus/detector"
	"github.com/happybigmtn/bitchat-rust-sub006/pkg/consensus/leader"
	"github.com/happybigmtn/bitchat-rust-sub006/pkg/consensus/messages"
	"github.com/happybigmtn/bitchat-rust-sub006/pkg/consensus/types"
	"github.com/happybigmtn/bitchat-rust-sub006/pkg/utils"
)

var (
	ErrUnauthorized     = errors.New("pbft: node is not an active validator")
	ErrStaleMessage     = errors.New("pbft: message for a past view or sequence")
	ErrUnknownSequence  = errors.New("pbft: no instance at sequence")
	ErrRoundNotComplete = errors.New("pbft: round not committed")
	ErrNotEnoughNodes   = errors.New("pbft: validator set below minimum")
	ErrOutOfWindow      = errors.New("pbft: sequence beyond the pipeline admission window")
)

// retainApplied is how many applied instances stay available for integrity
// checks before pruning.
const retainApplied = 128

type inbound struct {
	msgType types.MessageType
	data    []byte
}

// Engine is the consensus coordinator. It batches submitted operations,
// drives the three-phase protocol over a pipeline of instances, detects and
// slashes Byzantine behavior, and applies committed batches strictly in
// sequence order.
type Engine struct {
	config   *Config
	logger   *utils.Logger
	crypto   types.CryptoService
	registry *detector.Registry
	detector *detector.Detector
	app      types.Application
	pub      types.Publisher
	metrics  *Metrics

	codec        *messages.Codec
	sigs         *messages.SignatureCache
	verifier     *messages.Verifier
	certVerifier *CertificateVerifier
	rotation     *leader.Rotation
	views        *ViewController
	queue        *opQueue

	mu           sync.Mutex
	instances    map[uint64]*instance
	nextSequence uint64
	lastApplied  uint64
	// pinned maps in-flight sequences to the prepared proposal carried
	// through the latest view change; no other batch may take those slots.
	pinned map[uint64]*messages.PreparedProof

	commitSinks []types.CommitSink

	// counters behind the Stats snapshot
	rounds        atomic.Uint64
	opsApplied    atomic.Uint64
	viewChanges   atomic.Uint64
	latencyMicros atomic.Uint64

	inbox       chan inbound
	batchSignal chan struct{}

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	runMu   sync.Mutex
}

// NewEngine wires the engine from its collaborators. A nil config uses
// defaults; a nil metrics disables collection.
func NewEngine(
	crypto types.CryptoService,
	registry *detector.Registry,
	det *detector.Detector,
	app types.Application,
	pub types.Publisher,
	logger *utils.Logger,
	config *Config,
	metrics *Metrics,
	commitSinks ...types.CommitSink,
) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if registry.ActiveCount() < MinValidators {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughNodes, registry.ActiveCount(), MinValidators)
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	codec, err := messages.NewCodec()
	if err != nil {
		return nil, err
	}
	sigs := messages.NewSignatureCache(crypto, config.SigCacheSize, DefaultSigCacheTTL)
	ladder := NewTimeoutLadder(config.BaseTimeout, config.MaxTimeoutMult)
	e := &Engine{
		config:       config,
		logger:       logger.WithFields(utils.ZapString("component", "consensus")),
		crypto:       crypto,
		registry:     registry,
		detector:     det,
		app:          app,
		pub:          pub,
		metrics:      metrics,
		codec:        codec,
		sigs:         sigs,
		verifier:     messages.NewVerifier(sigs),
		certVerifier: NewCertificateVerifier(crypto, registry, DefaultQCCacheTTL),
		rotation:     leader.NewRotation(registry),
		views:        NewViewController(ladder),
		queue:        newOpQueue(config.MaxPendingOps),
		instances:    make(map[uint64]*instance),
		nextSequence: 1,
		pinned:       make(map[uint64]*messages.PreparedProof),
		commitSinks:  commitSinks,
		inbox:        make(chan inbound, config.InboxSize),
		batchSignal:  make(chan struct{}, 1),
	}
	return e, nil
}

// Start launches the background loops: batch creation, inbound processing
// and the timeout sweeper.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.started {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.started = true

	e.wg.Add(3)
	go e.runBatcher(runCtx)
	go e.runProcessor(runCtx)
	go e.runSweeper(runCtx)

	e.logger.InfoContext(ctx, "consensus engine started",
		utils.ZapString("node", e.crypto.LocalID().Short()),
		utils.ZapInt("validators", e.registry.ActiveCount()),
		utils.ZapInt("quorum", QuorumSize(e.registry.ActiveCount())),
		utils.ZapInt("pipeline_depth", e.config.PipelineDepth),
	)
	return nil
}

// Stop cancels the loops and waits for them to drain.
func (e *Engine) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if !e.started {
		return
	}
	e.cancel()
	e.wg.Wait()
	e.started = false
	e.logger.Info("consensus engine stopped")
}

// NewOperation builds a signed operation from raw payload data with a fresh
// unique ID.
func NewOperation(crypto types.CryptoService, data []byte) (*messages.Operation, error) {
	u := uuid.New()
	op := &messages.Operation{
		ID:        sha256.Sum256(u[:]),
		Data:      data,
		Client:    crypto.LocalID(),
		Timestamp: uint64(time.Now().UnixMilli()),
	}
	sig, err := crypto.Sign(op.SignBytes())
	if err != nil {
		return nil, fmt.Errorf("sign operation: %w", err)
	}
	op.Signature = types.Signature{Bytes: sig, Signer: op.Client}
	return op, nil
}

// SubmitOperation queues an operation for batching. Only active validators
// may submit; observers get ErrUnauthorized. The operation is validated
// against the current application state before admission.
func (e *Engine) SubmitOperation(ctx context.Context, op *messages.Operation) error {
	local := e.crypto.LocalID()
	if e.registry.Role(local) != types.RoleValidator || !e.registry.IsActive(local) {
		return ErrUnauthorized
	}
	if err := e.verifier.VerifyOperation(op); err != nil {
		return err
	}
	if err := e.app.ValidateOperation(op.Data, e.app.Snapshot()); err != nil {
		return fmt.Errorf("operation rejected: %w", err)
	}
	if err := e.queue.push(op); err != nil {
		return err
	}
	// A full batch proposes immediately instead of waiting out the ticker.
	if e.queue.batchReady(e.config.BatchSize) {
		select {
		case e.batchSignal <- struct{}{}:
		default:
		}
	}
	e.metrics.SetPendingOps(e.queue.len())
	e.logger.DebugContext(ctx, "operation queued",
		utils.ZapString("op", op.ID.Short()),
		utils.ZapInt("pending", e.queue.len()),
	)
	return nil
}

// HandleMessage enqueues a raw consensus message from the transport. Drops
// with a warning when the inbox is saturated rather than blocking the
// network layer.
func (e *Engine) HandleMessage(msgType types.MessageType, data []byte) {
	select {
	case e.inbox <- inbound{msgType: msgType, data: data}:
	default:
		e.logger.Warn("inbox full, dropping message",
			utils.ZapString("type", msgType.String()))
	}
}

func (e *Engine) runProcessor(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-e.inbox:
			e.dispatch(ctx, msg)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, msg inbound) {
	var err error
	switch msg.msgType {
	case types.MessageTypeProposal:
		var p *messages.Proposal
		if p, err = e.codec.DecodeProposal(msg.data); err == nil {
			err = e.ReceiveProposal(ctx, p)
		}
	case types.MessageTypeVote:
		var v *messages.Vote
		if v, err = e.codec.DecodeVote(msg.data); err == nil {
			err = e.ReceiveVote(ctx, v)
		}
	case types.MessageTypeViewChange:
		var vc *messages.ViewChange
		if vc, err = e.codec.DecodeViewChange(msg.data); err == nil {
			err = e.ReceiveViewChange(ctx, vc)
		}
	case types.MessageTypeNewView:
		var nv *messages.NewView
		if nv, err = e.codec.DecodeNewView(msg.data); err == nil {
			err = e.ReceiveNewView(ctx, nv)
		}
	case types.MessageTypeQC:
		var qc *messages.QuorumCertificate
		if qc, err = e.codec.DecodeCertificate(msg.data); err == nil {
			err = e.ReceiveCertificate(ctx, qc)
		}
	default:
		err = fmt.Errorf("unknown message type %d", msg.msgType)
	}
	if err != nil && !errors.Is(err, ErrStaleMessage) {
		e.logger.WarnContext(ctx, "message rejected",
			utils.ZapString("type", msg.msgType.String()),
			utils.ZapError(err),
		)
	}
}

// runBatcher proposes on whichever fires first: the partial-batch timer or
// the full-batch signal from SubmitOperation.
func (e *Engine) runBatcher(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.config.BatchTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.maybePropose(ctx)
		case <-e.batchSignal:
			e.maybePropose(ctx)
		}
	}
}

// maybePropose creates and broadcasts a proposal when this node leads the
// current view, the pipeline has room and operations are waiting.
func (e *Engine) maybePropose(ctx context.Context) {
	if !e.views.AcceptsConsensus() {
		return
	}
	view := e.views.View()
	if !e.rotation.IsLeader(e.crypto.LocalID(), view) {
		return
	}
	e.mu.Lock()
	if e.inflightLocked() >= e.config.PipelineDepth {
		e.mu.Unlock()
		return
	}
	batch := e.queue.makeBatch(e.config.BatchSize)
	if batch == nil {
		e.mu.Unlock()
		return
	}
	seq := e.nextSequence
	e.nextSequence++
	e.mu.Unlock()
	e.metrics.SetPendingOps(e.queue.len())

	published, err := e.propose(ctx, view, seq, batch)
	if err != nil {
		e.logger.ErrorContext(ctx, "proposal failed",
			utils.ZapUint64("sequence", seq), utils.ZapError(err))
	}
	if !published {
		// Nobody saw the proposal; give the sequence and the operations back.
		e.mu.Lock()
		if e.nextSequence == seq+1 {
			e.nextSequence = seq
		}
		e.mu.Unlock()
		e.requeue(batch)
	}
}

// requeue returns a failed batch's operations to the pending queue.
func (e *Engine) requeue(batch *messages.Batch) {
	for i := range batch.Operations {
		op := batch.Operations[i]
		if err := e.queue.push(&op); err != nil {
			e.logger.Warn("dropping operation after failed proposal",
				utils.ZapString("op", op.ID.Short()), utils.ZapError(err))
		}
	}
	e.metrics.SetPendingOps(e.queue.len())
}

// propose signs and broadcasts a proposal for the batch. The returned flag
// reports whether the proposal reached the network; when it is false the
// batch was never seen by anyone and is safe to re-queue.
func (e *Engine) propose(ctx context.Context, view, seq uint64, batch *messages.Batch) (bool, error) {
	batchData, err := e.codec.Encode(batch)
	if err != nil {
		return false, err
	}
	p := &messages.Proposal{
		Round:         view,
		Sequence:      seq,
		Proposer:      e.crypto.LocalID(),
		PrevStateHash: e.app.Snapshot().StateHash,
		StateDigest:   batch.Hash(),
		Operation:     batchData,
		Timestamp:     uint64(time.Now().UnixMilli()),
	}
	if err := messages.SignProposal(e.crypto, p); err != nil {
		return false, err
	}
	data, err := e.codec.Encode(p)
	if err != nil {
		return false, err
	}
	if err := e.pub.Broadcast(ctx, types.MessageTypeProposal, data); err != nil {
		return false, fmt.Errorf("broadcast proposal: %w", err)
	}
	e.logger.InfoContext(ctx, "proposal broadcast",
		utils.ZapUint64("view", view),
		utils.ZapUint64("sequence", seq),
		utils.ZapInt("operations", len(batch.Operations)),
	)
	// Process our own proposal through the same path as everyone else's.
	return true, e.ReceiveProposal(ctx, p)
}

// ReceiveProposal validates a proposal and, when it is the deterministic
// selection for its slot, casts a prepare vote. Invalid signatures and
// equivocating proposers are slashed; duplicates and stale rounds are
// dropped without effect.
func (e *Engine) ReceiveProposal(ctx context.Context, p *messages.Proposal) error {
	if !e.views.AcceptsConsensus() {
		return ErrStaleMessage
	}
	view := e.views.View()
	if p.Round != view {
		return fmt.Errorf("%w: proposal view %d, current %d", ErrStaleMessage, p.Round, view)
	}
	if !e.registry.IsActive(p.Proposer) {
		return fmt.Errorf("proposal from inactive node %s", p.Proposer.Short())
	}
	if err := e.verifier.VerifyProposal(p); err != nil {
		e.slash(ctx, p.Proposer, types.SlashInvalidProposal, e.encodeEvidence(p))
		return err
	}
	batch, err := e.codec.DecodeBatch(p.Operation)
	if err != nil {
		e.slash(ctx, p.Proposer, types.SlashInvalidProposal, e.encodeEvidence(p))
		return fmt.Errorf("proposal carries undecodable batch: %w", err)
	}
	if batch.Hash() != p.StateDigest {
		e.slash(ctx, p.Proposer, types.SlashInvalidProposal, e.encodeEvidence(p))
		return fmt.Errorf("proposal digest does not match batch")
	}
	prior := e.app.Snapshot()
	for i := range batch.Operations {
		if err := e.verifier.VerifyOperation(&batch.Operations[i]); err != nil {
			e.slash(ctx, p.Proposer, types.SlashInvalidProposal, e.encodeEvidence(p))
			return fmt.Errorf("batch operation %d: %w", i, err)
		}
		if err := e.app.ValidateOperation(batch.Operations[i].Data, prior); err != nil {
			e.slash(ctx, p.Proposer, types.SlashInvalidProposal, e.encodeEvidence(p))
			return fmt.Errorf("batch operation %d invalid: %w", i, err)
		}
	}

	e.mu.Lock()
	if p.Sequence <= e.lastApplied {
		e.mu.Unlock()
		return fmt.Errorf("%w: sequence %d already applied", ErrStaleMessage, p.Sequence)
	}
	if window := e.lastApplied + uint64(e.config.PipelineDepth); p.Sequence > window {
		e.mu.Unlock()
		return fmt.Errorf("%w: proposal sequence %d, window ends at %d", ErrOutOfWindow, p.Sequence, window)
	}
	if p.Sequence == e.lastApplied+1 && p.PrevStateHash != prior.StateHash {
		e.mu.Unlock()
		return fmt.Errorf("proposal at sequence %d built on state %s, local state is %s",
			p.Sequence, p.PrevStateHash.Short(), prior.StateHash.Short())
	}
	if proof, ok := e.pinned[p.Sequence]; ok && p.StateDigest != proof.Proposal.StateDigest {
		e.mu.Unlock()
		return fmt.Errorf("sequence %d is bound to the batch prepared before the view change", p.Sequence)
	}
	in := e.instanceLocked(p.Sequence, view)
	if conflict := in.addProposal(p); conflict != nil {
		e.mu.Unlock()
		e.slash(ctx, p.Proposer, types.SlashEquivocation, e.encodePairEvidence(conflict, p))
		return fmt.Errorf("equivocating proposal from %s at sequence %d", p.Proposer.Short(), p.Sequence)
	}
	if p.Sequence >= e.nextSequence {
		e.nextSequence = p.Sequence + 1
	}
	selected := in.selectProposal()
	in.batch = batch
	votePrepare := !in.sentPrepare && in.phase == types.PhasePrePrepare && selected != nil
	if votePrepare {
		in.sentPrepare = true
		in.advance(types.PhasePrepare)
	}
	e.mu.Unlock()

	e.detector.MarkParticipated(p.Proposer)
	if votePrepare {
		return e.castVote(ctx, selected, types.VotePrepare)
	}
	return nil
}

// castVote signs, broadcasts and self-delivers a vote for the proposal.
func (e *Engine) castVote(ctx context.Context, p *messages.Proposal, phase types.VotePhase) error {
	v := &messages.Vote{
		Voter:        e.crypto.LocalID(),
		Round:        p.Round,
		Sequence:     p.Sequence,
		ProposalHash: p.Hash(),
		Phase:        phase,
		Timestamp:    uint64(time.Now().UnixMilli()),
	}
	if err := messages.SignVote(e.crypto, v); err != nil {
		return err
	}
	data, err := e.codec.Encode(v)
	if err != nil {
		return err
	}
	if err := e.pub.Broadcast(ctx, types.MessageTypeVote, data); err != nil {
		return fmt.Errorf("broadcast %s vote: %w", phase, err)
	}
	return e.ReceiveVote(ctx, v)
}

// ReceiveVote tallies a validator's vote. Reaching the prepare quorum casts
// our commit vote; reaching the commit quorum commits the instance, emits
// its quorum certificate and applies every in-order committed batch.
func (e *Engine) ReceiveVote(ctx context.Context, v *messages.Vote) error {
	if !e.views.AcceptsConsensus() {
		return ErrStaleMessage
	}
	view := e.views.View()
	if v.Round != view {
		return fmt.Errorf("%w: vote view %d, current %d", ErrStaleMessage, v.Round, view)
	}
	if !e.registry.IsActive(v.Voter) {
		return fmt.Errorf("vote from inactive node %s", v.Voter.Short())
	}
	if err := e.verifier.VerifyVote(v); err != nil {
		e.slash(ctx, v.Voter, types.SlashInvalidVote, e.encodeEvidence(v))
		return err
	}

	e.mu.Lock()
	if v.Sequence <= e.lastApplied {
		e.mu.Unlock()
		return fmt.Errorf("%w: sequence %d already applied", ErrStaleMessage, v.Sequence)
	}
	if window := e.lastApplied + uint64(e.config.PipelineDepth); v.Sequence > window {
		e.mu.Unlock()
		return fmt.Errorf("%w: vote sequence %d, window ends at %d", ErrOutOfWindow, v.Sequence, window)
	}
	in := e.instanceLocked(v.Sequence, view)
	if in.phase == types.PhaseCommitted {
		e.mu.Unlock()
		return nil
	}
	conflict, added := in.addVote(v)
	if conflict != nil {
		e.mu.Unlock()
		e.slash(ctx, v.Voter, types.SlashEquivocation, e.encodePairEvidence(conflict, v))
		return fmt.Errorf("equivocating %s vote from %s at sequence %d", v.Phase, v.Voter.Short(), v.Sequence)
	}
	if !added {
		e.mu.Unlock()
		return nil
	}

	var castCommit *messages.Proposal
	var committed *instance
	sel := in.selected
	if sel != nil {
		hash := sel.Hash()
		switch v.Phase {
		case types.VotePrepare:
			if in.votesFor(types.VotePrepare, hash) >= in.quorum &&
				in.phase <= types.PhasePrepare && !in.sentCommit {
				in.sentCommit = true
				in.advance(types.PhaseCommit)
				castCommit = sel
			}
		case types.VoteCommit:
			if in.votesFor(types.VoteCommit, hash) >= in.quorum &&
				in.phase < types.PhaseCommitted {
				in.advance(types.PhaseCommitted)
				in.qc = BuildCertificate(in.view, in.sequence, hash, in.commitVotesFor(hash))
				committed = in
			}
		}
	}
	e.mu.Unlock()

	e.detector.MarkParticipated(v.Voter)
	if castCommit != nil {
		if err := e.castVote(ctx, castCommit, types.VoteCommit); err != nil {
			return err
		}
	}
	if committed != nil {
		e.onCommitted(ctx, committed)
	}
	return nil
}

// onCommitted runs after an instance reaches the commit quorum: broadcast
// the certificate, reset the timeout ladder and apply in-order batches.
func (e *Engine) onCommitted(ctx context.Context, in *instance) {
	e.views.OnCommit()
	if data, err := e.codec.Encode(in.qc); err == nil {
		if err := e.pub.Broadcast(ctx, types.MessageTypeQC, data); err != nil {
			e.logger.WarnContext(ctx, "certificate broadcast failed",
				utils.ZapUint64("sequence", in.sequence), utils.ZapError(err))
		}
	}
	e.logger.InfoContext(ctx, "instance committed",
		utils.ZapUint64("view", in.view),
		utils.ZapUint64("sequence", in.sequence),
		utils.ZapInt("commit_votes", len(in.commitVotes)),
	)
	e.applyReady(ctx)
}

// applyReady applies committed instances strictly in sequence order. An
// instance committed out of order waits until every lower sequence applied.
func (e *Engine) applyReady(ctx context.Context) {
	for {
		e.mu.Lock()
		next := e.lastApplied + 1
		in, ok := e.instances[next]
		if !ok || in.phase != types.PhaseCommitted || in.batch == nil {
			e.mu.Unlock()
			return
		}
		e.lastApplied = next
		delete(e.pinned, next)
		e.pruneLocked()
		depth := e.inflightLocked()
		e.mu.Unlock()

		e.applyInstance(ctx, in)
		e.metrics.SetPipelineDepth(depth)
	}
}

func (e *Engine) applyInstance(ctx context.Context, in *instance) {
	prior := e.app.Snapshot()
	applied := 0
	for i := range in.batch.Operations {
		snap, err := e.app.Apply(ctx, in.batch.Operations[i].Data, prior)
		if err != nil {
			// Validation at proposal time should make this unreachable;
			// the operation is skipped and the batch continues so replicas
			// that validated identically stay in lockstep.
			e.logger.ErrorContext(ctx, "apply failed, operation skipped",
				utils.ZapUint64("sequence", in.sequence),
				utils.ZapInt("index", i),
				utils.ZapError(err))
			continue
		}
		prior = snap
		applied++
	}
	elapsed := time.Since(in.created)
	latency := elapsed.Seconds()
	e.metrics.RoundCompleted(latency, applied)
	e.metrics.SetSigCacheHitRate(e.sigs.HitRate())
	e.rounds.Add(1)
	e.opsApplied.Add(uint64(applied))
	e.latencyMicros.Add(uint64(elapsed.Microseconds()))

	e.detector.ObserveRound(ctx, detector.RoundStats{
		Round:        in.view,
		Participants: len(in.participants()),
		ActiveTotal:  e.registry.ActiveCount(),
		WinningVotes: len(in.commitVotesFor(in.qc.BatchHash)),
	})
	e.reportAbsent(ctx, in)

	qcData, err := e.codec.Encode(in.qc)
	if err != nil {
		qcData = nil
	}
	for _, sink := range e.commitSinks {
		sink.OnCommit(ctx, in.sequence, in.qc.BatchHash, qcData)
	}
	e.logger.InfoContext(ctx, "batch applied",
		utils.ZapUint64("sequence", in.sequence),
		utils.ZapInt("operations", applied),
		utils.ZapFloat64("latency_seconds", latency),
	)
}

// reportAbsent feeds the inactivity tracker with validators that cast no
// vote in a completed round.
func (e *Engine) reportAbsent(ctx context.Context, in *instance) {
	voted := in.participants()
	var absent []types.NodeID
	for _, id := range e.registry.Active() {
		if !voted[id] {
			absent = append(absent, id)
		}
	}
	if len(absent) > 0 {
		e.detector.MarkMissedRound(ctx, absent)
	}
}

// ReceiveCertificate verifies a gossiped quorum certificate. Certificates
// for already-applied sequences are idempotently accepted; valid
// certificates for unknown sequences are logged for state sync.
func (e *Engine) ReceiveCertificate(ctx context.Context, qc *messages.QuorumCertificate) error {
	if err := e.certVerifier.Verify(qc); err != nil {
		return err
	}
	e.mu.Lock()
	applied := qc.Sequence <= e.lastApplied
	e.mu.Unlock()
	if !applied {
		e.logger.DebugContext(ctx, "certificate ahead of local state",
			utils.ZapUint64("sequence", qc.Sequence),
			utils.ZapUint64("view", qc.View),
		)
	}
	return nil
}

// ReceiveViewChange records a view-change acknowledgement. A quorum of acks
// installs the new view on every replica; the incoming leader additionally
// broadcasts the NewView announcement with the collected proofs.
func (e *Engine) ReceiveViewChange(ctx context.Context, vc *messages.ViewChange) error {
	if !e.registry.IsActive(vc.Node) {
		return fmt.Errorf("view change from inactive node %s", vc.Node.Short())
	}
	if err := e.verifier.VerifyViewChange(vc); err != nil {
		e.slash(ctx, vc.Node, types.SlashInvalidVote, e.encodeEvidence(vc))
		return err
	}
	if err := e.verifyPreparedProofs(vc); err != nil {
		return fmt.Errorf("view change from %s: %w", vc.Node.Short(), err)
	}
	count := e.views.RecordAck(vc)
	if count == 0 {
		return fmt.Errorf("%w: view change to %d", ErrStaleMessage, vc.NewView)
	}
	quorum := QuorumSize(e.registry.ActiveCount())
	e.logger.DebugContext(ctx, "view change ack",
		utils.ZapUint64("target_view", vc.NewView),
		utils.ZapString("from", vc.Node.Short()),
		utils.ZapInt("acks", count),
		utils.ZapInt("quorum", quorum),
	)
	if count < quorum {
		return nil
	}
	proofs := e.views.Acks(vc.NewView)
	if !e.views.Install(vc.NewView) {
		return nil
	}
	e.pinFromProofs(proofs)
	e.metrics.ViewChanged()
	e.viewChanges.Add(1)
	e.logger.InfoContext(ctx, "view installed",
		utils.ZapUint64("view", vc.NewView),
	)
	if newLeader, err := e.rotation.ForView(vc.NewView); err == nil && newLeader == e.crypto.LocalID() {
		e.announceNewView(ctx, vc.NewView, proofs)
	}
	e.reproposePending(ctx, vc.NewView)
	return nil
}

func (e *Engine) announceNewView(ctx context.Context, view uint64, proofs []messages.ViewChange) {
	nv := &messages.NewView{
		NewView: view,
		Leader:  e.crypto.LocalID(),
		Proofs:  proofs,
	}
	if err := messages.SignNewView(e.crypto, nv); err != nil {
		e.logger.ErrorContext(ctx, "sign new view", utils.ZapError(err))
		return
	}
	data, err := e.codec.Encode(nv)
	if err != nil {
		return
	}
	if err := e.pub.Broadcast(ctx, types.MessageTypeNewView, data); err != nil {
		e.logger.WarnContext(ctx, "new view broadcast failed", utils.ZapError(err))
	}
}

// ReceiveNewView validates a leader's new-view announcement and installs the
// view when its proofs carry a quorum. Covers replicas that missed the
// individual acks.
func (e *Engine) ReceiveNewView(ctx context.Context, nv *messages.NewView) error {
	if !e.rotation.IsLeader(nv.Leader, nv.NewView) {
		return fmt.Errorf("new view %d announced by non-leader %s", nv.NewView, nv.Leader.Short())
	}
	if err := e.verifier.VerifyNewView(nv); err != nil {
		return err
	}
	seen := make(map[types.NodeID]bool, len(nv.Proofs))
	for i := range nv.Proofs {
		if !e.registry.IsActive(nv.Proofs[i].Node) {
			return fmt.Errorf("new view proof from inactive node %s", nv.Proofs[i].Node.Short())
		}
		if err := e.verifyPreparedProofs(&nv.Proofs[i]); err != nil {
			return fmt.Errorf("new view proof from %s: %w", nv.Proofs[i].Node.Short(), err)
		}
		seen[nv.Proofs[i].Node] = true
	}
	if len(seen) < QuorumSize(e.registry.ActiveCount()) {
		return fmt.Errorf("new view %d carries %d proofs, quorum is %d",
			nv.NewView, len(seen), QuorumSize(e.registry.ActiveCount()))
	}
	if e.views.Install(nv.NewView) {
		e.pinFromProofs(nv.Proofs)
		e.metrics.ViewChanged()
		e.viewChanges.Add(1)
		e.logger.InfoContext(ctx, "view installed from new-view announcement",
			utils.ZapUint64("view", nv.NewView),
			utils.ZapString("leader", nv.Leader.Short()),
		)
		e.reproposePending(ctx, nv.NewView)
	}
	return nil
}

// verifyPreparedProofs checks every prepared certificate carried in a view
// change: the embedded proposal is consistent and signed, and the prepare
// votes over its hash form a quorum of distinct active validators.
func (e *Engine) verifyPreparedProofs(vc *messages.ViewChange) error {
	quorum := QuorumSize(e.registry.ActiveCount())
	for i := range vc.Prepared {
		pr := &vc.Prepared[i]
		if pr.View >= vc.NewView {
			return fmt.Errorf("prepared proof %d: view %d not below target %d", i, pr.View, vc.NewView)
		}
		p := &pr.Proposal
		if p.Sequence != pr.Sequence || p.Round != pr.View {
			return fmt.Errorf("prepared proof %d: proposal is for sequence %d view %d, proof claims %d/%d",
				i, p.Sequence, p.Round, pr.Sequence, pr.View)
		}
		if err := e.verifier.VerifyProposal(p); err != nil {
			return fmt.Errorf("prepared proof %d: %w", i, err)
		}
		hash := p.Hash()
		signers := make(map[types.NodeID]bool, len(pr.Prepares))
		for j := range pr.Prepares {
			v := &pr.Prepares[j]
			if v.Phase != types.VotePrepare || v.Sequence != pr.Sequence || v.ProposalHash != hash {
				return fmt.Errorf("prepared proof %d: vote %d does not cover the proposal", i, j)
			}
			if signers[v.Voter] || !e.registry.IsActive(v.Voter) {
				continue
			}
			if err := e.verifier.VerifyVote(v); err != nil {
				return fmt.Errorf("prepared proof %d: vote %d: %w", i, j, err)
			}
			signers[v.Voter] = true
		}
		if len(signers) < quorum {
			return fmt.Errorf("prepared proof %d: %d distinct prepares, quorum is %d",
				i, len(signers), quorum)
		}
	}
	return nil
}

// preparedProofs collects the local prepare certificates for every in-flight
// instance, for inclusion in an outgoing view change.
func (e *Engine) preparedProofs() []messages.PreparedProof {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []messages.PreparedProof
	for seq, in := range e.instances {
		if seq <= e.lastApplied || in.phase == types.PhaseCommitted || in.selected == nil {
			continue
		}
		hash := in.selected.Hash()
		if in.votesFor(types.VotePrepare, hash) < in.quorum {
			continue
		}
		votes := make([]messages.Vote, 0, len(in.prepareVotes))
		for _, v := range in.prepareVotes {
			if v.ProposalHash == hash {
				votes = append(votes, *v)
			}
		}
		out = append(out, messages.PreparedProof{
			Sequence: seq,
			View:     in.view,
			Proposal: *in.selected,
			Prepares: votes,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// pinFromProofs derives, from a quorum of view-change acks, the batch bound
// to each in-flight sequence in the new view. Any sequence some quorum
// member prepared may already have committed elsewhere, so only that batch
// may be proposed there; the highest prepared view wins, proposal hash
// breaking ties.
func (e *Engine) pinFromProofs(proofs []messages.ViewChange) {
	pinned := make(map[uint64]*messages.PreparedProof)
	for i := range proofs {
		for j := range proofs[i].Prepared {
			pr := &proofs[i].Prepared[j]
			cur, ok := pinned[pr.Sequence]
			switch {
			case !ok || pr.View > cur.View:
				pinned[pr.Sequence] = pr
			case pr.View == cur.View:
				h, ch := pr.Proposal.Hash(), cur.Proposal.Hash()
				if bytes.Compare(h[:], ch[:]) < 0 {
					pinned[pr.Sequence] = pr
				}
			}
		}
	}
	e.mu.Lock()
	for seq := range pinned {
		if seq <= e.lastApplied {
			delete(pinned, seq)
		}
	}
	e.pinned = pinned
	e.mu.Unlock()
}

// reproposePrepared re-issues a prepared batch at its original sequence under
// the new view. The batch bytes and digest are unchanged; only view, proposer
// and signature differ, so the committed batch hash cannot diverge.
func (e *Engine) reproposePrepared(ctx context.Context, view uint64, proof *messages.PreparedProof) error {
	p := &messages.Proposal{
		Round:         view,
		Sequence:      proof.Sequence,
		Proposer:      e.crypto.LocalID(),
		PrevStateHash: proof.Proposal.PrevStateHash,
		StateDigest:   proof.Proposal.StateDigest,
		Operation:     proof.Proposal.Operation,
		Timestamp:     uint64(time.Now().UnixMilli()),
	}
	if err := messages.SignProposal(e.crypto, p); err != nil {
		return err
	}
	data, err := e.codec.Encode(p)
	if err != nil {
		return err
	}
	if err := e.pub.Broadcast(ctx, types.MessageTypeProposal, data); err != nil {
		return fmt.Errorf("broadcast re-proposal: %w", err)
	}
	return e.ReceiveProposal(ctx, p)
}

// reproposePending restarts the in-flight sequences under the new view.
// Pinned sequences keep the batch their prepare certificates carried; other
// uncommitted batches are re-proposed at fresh sequences. Committed but
// unapplied instances survive untouched.
func (e *Engine) reproposePending(ctx context.Context, view uint64) {
	e.mu.Lock()
	var pending []*messages.Batch
	for seq, in := range e.instances {
		if seq > e.lastApplied && in.phase != types.PhaseCommitted {
			if _, isPinned := e.pinned[seq]; !isPinned && in.batch != nil {
				pending = append(pending, in.batch)
			}
			delete(e.instances, seq)
		}
	}
	next := e.lastApplied + 1
	for seq := range e.instances {
		if seq >= next {
			next = seq + 1
		}
	}
	pins := make([]*messages.PreparedProof, 0, len(e.pinned))
	for seq, proof := range e.pinned {
		if seq >= next {
			next = seq + 1
		}
		pins = append(pins, proof)
	}
	e.nextSequence = next
	e.mu.Unlock()

	if !e.rotation.IsLeader(e.crypto.LocalID(), view) {
		return
	}
	sort.Slice(pins, func(i, j int) bool { return pins[i].Sequence < pins[j].Sequence })
	for _, proof := range pins {
		if err := e.reproposePrepared(ctx, view, proof); err != nil {
			e.logger.ErrorContext(ctx, "re-proposal of prepared batch failed",
				utils.ZapUint64("sequence", proof.Sequence), utils.ZapError(err))
		}
	}

	// Sequences below a pinned or committed slot must not stay empty or the
	// ordered apply stalls; fill them with pending batches, or empty batches
	// when nothing is waiting.
	e.mu.Lock()
	var holes []uint64
	for seq := e.lastApplied + 1; seq < e.nextSequence; seq++ {
		if _, ok := e.instances[seq]; ok {
			continue
		}
		if _, ok := e.pinned[seq]; ok {
			continue
		}
		holes = append(holes, seq)
	}
	e.mu.Unlock()
	for _, seq := range holes {
		b := &messages.Batch{Timestamp: uint64(time.Now().UnixMilli())}
		if len(pending) > 0 {
			b, pending = pending[0], pending[1:]
		}
		if _, err := e.propose(ctx, view, seq, b); err != nil {
			e.logger.ErrorContext(ctx, "re-proposal failed",
				utils.ZapUint64("sequence", seq), utils.ZapError(err))
		}
	}
	for _, b := range pending {
		e.mu.Lock()
		seq := e.nextSequence
		e.nextSequence++
		e.mu.Unlock()
		published, err := e.propose(ctx, view, seq, b)
		if err != nil {
			e.logger.ErrorContext(ctx, "re-proposal failed",
				utils.ZapUint64("sequence", seq), utils.ZapError(err))
		}
		if !published {
			e.mu.Lock()
			if e.nextSequence == seq+1 {
				e.nextSequence = seq
			}
			e.mu.Unlock()
			e.requeue(b)
		}
	}
}

func (e *Engine) runSweeper(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

// sweep checks the oldest in-flight instance against the adaptive timeout
// and starts a view change when the view has stalled past it.
func (e *Engine) sweep(ctx context.Context) {
	if !e.views.AcceptsConsensus() {
		return
	}
	e.mu.Lock()
	var oldest *instance
	for seq, in := range e.instances {
		if seq <= e.lastApplied || in.phase == types.PhaseCommitted {
			continue
		}
		if oldest == nil || in.phaseStarted.Before(oldest.phaseStarted) {
			oldest = in
		}
	}
	e.mu.Unlock()
	if oldest == nil {
		return
	}
	if time.Since(oldest.phaseStarted) < e.views.Timeout() {
		return
	}

	target, begun := e.views.BeginViewChange()
	if !begun {
		return
	}
	next := e.views.EscalateTimeout()
	e.logger.WarnContext(ctx, "view stalled, starting view change",
		utils.ZapUint64("stalled_sequence", oldest.sequence),
		utils.ZapUint64("target_view", target),
		utils.ZapDuration("next_timeout", next),
	)
	e.mu.Lock()
	lastApplied := e.lastApplied
	e.mu.Unlock()
	vc := &messages.ViewChange{
		Node:             e.crypto.LocalID(),
		NewView:          target,
		LastCommittedSeq: lastApplied,
		Prepared:         e.preparedProofs(),
	}
	if err := messages.SignViewChange(e.crypto, vc); err != nil {
		e.logger.ErrorContext(ctx, "sign view change", utils.ZapError(err))
		return
	}
	data, err := e.codec.Encode(vc)
	if err != nil {
		return
	}
	if err := e.pub.Broadcast(ctx, types.MessageTypeViewChange, data); err != nil {
		e.logger.WarnContext(ctx, "view change broadcast failed", utils.ZapError(err))
	}
	if err := e.ReceiveViewChange(ctx, vc); err != nil && !errors.Is(err, ErrStaleMessage) {
		e.logger.WarnContext(ctx, "self view change rejected", utils.ZapError(err))
	}
}

// VerifyRoundIntegrity re-checks a committed round from first principles:
// the selected proposal's signature, the commit quorum against the snapshot
// taken at round start, each commit vote's signature and the certificate.
func (e *Engine) VerifyRoundIntegrity(sequence uint64) error {
	e.mu.Lock()
	in, ok := e.instances[sequence]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSequence, sequence)
	}
	if in.phase != types.PhaseCommitted || in.selected == nil || in.qc == nil {
		return fmt.Errorf("%w: sequence %d in phase %s", ErrRoundNotComplete, sequence, in.phase)
	}
	sel := in.selected
	if !e.crypto.Verify(sel.Proposer, sel.SignBytes(), sel.Signature.Bytes) {
		return fmt.Errorf("round %d: proposal signature invalid", sequence)
	}
	hash := sel.Hash()
	votes := in.commitVotesFor(hash)
	if len(votes) < in.quorum {
		return fmt.Errorf("round %d: %d commit votes, quorum snapshot was %d",
			sequence, len(votes), in.quorum)
	}
	for _, v := range votes {
		if e.detector.IsByzantine(v.Voter) {
			return fmt.Errorf("round %d: signer %s has a recorded violation", sequence, v.Voter.Short())
		}
		if !e.crypto.Verify(v.Voter, v.SignBytes(), v.Signature.Bytes) {
			return fmt.Errorf("round %d: commit vote from %s invalid", sequence, v.Voter.Short())
		}
	}
	if err := e.certVerifier.Verify(in.qc); err != nil {
		return fmt.Errorf("round %d: %w", sequence, err)
	}
	return nil
}

// Certificate returns the quorum certificate for a committed sequence.
func (e *Engine) Certificate(sequence uint64) (*messages.QuorumCertificate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	in, ok := e.instances[sequence]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSequence, sequence)
	}
	if in.qc == nil {
		return nil, fmt.Errorf("%w: sequence %d", ErrRoundNotComplete, sequence)
	}
	return in.qc, nil
}

// LastApplied returns the highest applied sequence number.
func (e *Engine) LastApplied() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastApplied
}

// View returns the current view number.
func (e *Engine) View() uint64 { return e.views.View() }

// Stats is a point-in-time snapshot of engine activity for operator
// surfaces. Averages are over all completed rounds since start.
type Stats struct {
	RoundsCompleted       uint64
	OperationsProcessed   uint64
	ViewChanges           uint64
	AverageBatchSize      float64
	AverageRoundLatency   time.Duration
	SignatureCacheHitRate float64
	PendingOperations     int
	InflightInstances     int
	LastApplied           uint64
	View                  uint64
}

// Stats assembles the snapshot. Safe to call concurrently with consensus.
func (e *Engine) Stats() Stats {
	s := Stats{
		RoundsCompleted:       e.rounds.Load(),
		OperationsProcessed:   e.opsApplied.Load(),
		ViewChanges:           e.viewChanges.Load(),
		SignatureCacheHitRate: e.sigs.HitRate(),
		View:                  e.views.View(),
	}
	if s.RoundsCompleted > 0 {
		s.AverageBatchSize = float64(s.OperationsProcessed) / float64(s.RoundsCompleted)
		s.AverageRoundLatency = time.Duration(e.latencyMicros.Load()/s.RoundsCompleted) * time.Microsecond
	}
	e.mu.Lock()
	s.PendingOperations = e.queue.len()
	s.InflightInstances = e.inflightLocked()
	s.LastApplied = e.lastApplied
	e.mu.Unlock()
	return s
}

// instanceLocked returns or creates the instance for a sequence. Quorum is
// snapshotted from the active set at creation time.
func (e *Engine) instanceLocked(sequence, view uint64) *instance {
	in, ok := e.instances[sequence]
	if !ok {
		in = newInstance(sequence, view, QuorumSize(e.registry.ActiveCount()))
		e.instances[sequence] = in
	}
	return in
}

// inflightLocked counts instances past lastApplied that have not committed.
func (e *Engine) inflightLocked() int {
	n := 0
	for seq, in := range e.instances {
		if seq > e.lastApplied && in.phase != types.PhaseCommitted {
			n++
		}
	}
	return n
}

// pruneLocked discards applied instances beyond the retention window.
func (e *Engine) pruneLocked() {
	if e.lastApplied <= retainApplied {
		return
	}
	floor := e.lastApplied - retainApplied
	for seq := range e.instances {
		if seq <= floor {
			delete(e.instances, seq)
		}
	}
}

func (e *Engine) slash(ctx context.Context, node types.NodeID, reason types.SlashReason, evidence []byte) {
	if e.detector.RecordAndSlash(ctx, node, reason, evidence) {
		e.metrics.Slashed(reason.String())
	}
}

func (e *Engine) encodeEvidence(v interface{}) []byte {
	data, err := e.codec.Encode(v)
	if err != nil {
		return nil
	}
	return data
}

func (e *Engine) encodePairEvidence(a, b interface{}) []byte {
	ea := e.encodeEvidence(a)
	eb := e.encodeEvidence(b)
	pair, err := e.codec.Encode([2][]byte{ea, eb})
	if err != nil {
		return nil
	}
	return pair
}

// Package messages defines the consensus wire messages, their canonical sign
// bytes and the CBOR codec with its signature-verification cache.
//
// Sign bytes use a fixed field concatenation order per message type with
// little-endian integers, prefixed by a domain separator. The order is part
// of the protocol: changing it breaks cross-implementation interop.
package messages

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"

	"github.com/happybigmtn/bitchat-rust-sub006/pkg/consensus/types"
)

// Operation is a client-submitted opaque state-transition request.
type Operation struct {
	ID        types.Hash32    `cbor:"1,keyasint"`
	Data      []byte          `cbor:"2,keyasint"`
	Client    types.NodeID    `cbor:"3,keyasint"`
	Timestamp uint64          `cbor:"4,keyasint"`
	Signature types.Signature `cbor:"5,keyasint"`
}

// SignBytes returns the canonical bytes covered by the client signature.
func (o *Operation) SignBytes() []byte {
	var buf bytes.Buffer
	buf.WriteString(types.DomainOperation)
	buf.Write(o.ID[:])
	buf.Write(o.Client[:])
	writeU64(&buf, o.Timestamp)
	buf.Write(o.Data)
	return buf.Bytes()
}

// Batch groups operations for one consensus instance.
type Batch struct {
	Operations []Operation `cbor:"1,keyasint"`
	Timestamp  uint64      `cbor:"2,keyasint"`
}

// Hash computes the batch digest: sha256 over each operation id in order
// plus the batch timestamp.
func (b *Batch) Hash() types.Hash32 {
	h := sha256.New()
	for i := range b.Operations {
		h.Write(b.Operations[i].ID[:])
	}
	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], b.Timestamp)
	h.Write(ts[:])
	var out types.Hash32
	copy(out[:], h.Sum(nil))
	return out
}

// Proposal is the round leader's suggested batch for one sequence slot.
// Immutable once broadcast; Operation carries the CBOR-encoded Batch.
type Proposal struct {
	Round         uint64          `cbor:"1,keyasint"`
	Sequence      uint64          `cbor:"2,keyasint"`
	Proposer      types.NodeID    `cbor:"3,keyasint"`
	PrevStateHash types.Hash32    `cbor:"4,keyasint"`
	StateDigest   types.Hash32    `cbor:"5,keyasint"`
	Operation     []byte          `cbor:"6,keyasint"`
	Timestamp     uint64          `cbor:"7,keyasint"`
	Signature     types.Signature `cbor:"8,keyasint"`
}

// SignBytes returns the canonical bytes covered by the proposer signature.
// Field order: round, sequence, proposer, prev_state_hash,
// proposed_state_digest, operation, timestamp.
func (p *Proposal) SignBytes() []byte {
	var buf bytes.Buffer
	buf.WriteString(types.DomainProposal)
	writeU64(&buf, p.Round)
	writeU64(&buf, p.Sequence)
	buf.Write(p.Proposer[:])
	buf.Write(p.PrevStateHash[:])
	buf.Write(p.StateDigest[:])
	buf.Write(p.Operation)
	writeU64(&buf, p.Timestamp)
	return buf.Bytes()
}

// Hash identifies the proposal; votes reference it.
func (p *Proposal) Hash() types.Hash32 {
	return sha256.Sum256(p.SignBytes())
}

// Vote is one validator's signed position for (round, phase).
type Vote struct {
	Voter        types.NodeID    `cbor:"1,keyasint"`
	Round        uint64          `cbor:"2,keyasint"`
	Sequence     uint64          `cbor:"3,keyasint"`
	ProposalHash types.Hash32    `cbor:"4,keyasint"`
	Phase        types.VotePhase `cbor:"5,keyasint"`
	Timestamp    uint64          `cbor:"6,keyasint"`
	Signature    types.Signature `cbor:"7,keyasint"`
}

// SignBytes field order: voter, round, sequence, proposal_hash, phase,
// timestamp.
func (v *Vote) SignBytes() []byte {
	var buf bytes.Buffer
	buf.WriteString(types.DomainVote)
	buf.Write(v.Voter[:])
	writeU64(&buf, v.Round)
	writeU64(&buf, v.Sequence)
	buf.Write(v.ProposalHash[:])
	buf.WriteByte(byte(v.Phase))
	writeU64(&buf, v.Timestamp)
	return buf.Bytes()
}

func (v *Vote) Hash() types.Hash32 {
	return sha256.Sum256(v.SignBytes())
}

// PreparedProof certifies that its sender prepared a proposal: the proposal
// itself plus a quorum of prepare votes over its hash. View changes carry
// these so that a batch which may already have committed somewhere is
// re-proposed unchanged in the new view instead of being replaced.
type PreparedProof struct {
	Sequence uint64   `cbor:"1,keyasint"`
	View     uint64   `cbor:"2,keyasint"`
	Proposal Proposal `cbor:"3,keyasint"`
	Prepares []Vote   `cbor:"4,keyasint"`
}

// ViewChange announces that a node gave up on the current view's proposer.
// Prepared lists every in-flight sequence the node holds a prepare
// certificate for.
type ViewChange struct {
	Node             types.NodeID    `cbor:"1,keyasint"`
	NewView          uint64          `cbor:"2,keyasint"`
	LastCommittedSeq uint64          `cbor:"3,keyasint"`
	Prepared         []PreparedProof `cbor:"4,keyasint,omitempty"`
	Signature        types.Signature `cbor:"5,keyasint"`
}

// SignBytes field order: node, new_view, last_committed_seq, then for each
// prepared proof its sequence, view and proposal hash. The embedded proposals
// and votes carry their own signatures.
func (vc *ViewChange) SignBytes() []byte {
	var buf bytes.Buffer
	buf.WriteString(types.DomainViewChange)
	buf.Write(vc.Node[:])
	writeU64(&buf, vc.NewView)
	writeU64(&buf, vc.LastCommittedSeq)
	for i := range vc.Prepared {
		writeU64(&buf, vc.Prepared[i].Sequence)
		writeU64(&buf, vc.Prepared[i].View)
		h := vc.Prepared[i].Proposal.Hash()
		buf.Write(h[:])
	}
	return buf.Bytes()
}

func (vc *ViewChange) Hash() types.Hash32 {
	return sha256.Sum256(vc.SignBytes())
}

// NewView is the incoming leader's announcement that a quorum of nodes
// acknowledged the view change. Proofs carry the quorum of ViewChange
// messages justifying the transition.
type NewView struct {
	NewView   uint64          `cbor:"1,keyasint"`
	Leader    types.NodeID    `cbor:"2,keyasint"`
	Proofs    []ViewChange    `cbor:"3,keyasint"`
	Signature types.Signature `cbor:"4,keyasint"`
}

// SignBytes field order: new_view, leader, proof hashes in order.
func (nv *NewView) SignBytes() []byte {
	var buf bytes.Buffer
	buf.WriteString(types.DomainNewView)
	writeU64(&buf, nv.NewView)
	buf.Write(nv.Leader[:])
	for i := range nv.Proofs {
		h := nv.Proofs[i].Hash()
		buf.Write(h[:])
	}
	return buf.Bytes()
}

func (nv *NewView) Hash() types.Hash32 {
	return sha256.Sum256(nv.SignBytes())
}

// SignerSig pairs a commit signer with its signature inside a QC.
type SignerSig struct {
	Signer types.NodeID `cbor:"1,keyasint"`
	Sig    []byte       `cbor:"2,keyasint"`
}

// QuorumCertificate is the compact, independently verifiable proof that a
// quorum of validators committed (view, sequence, batch_hash). Holders of
// the validator set's public keys can verify it without joining consensus.
type QuorumCertificate struct {
	View             uint64       `cbor:"1,keyasint"`
	Sequence         uint64       `cbor:"2,keyasint"`
	BatchHash        types.Hash32 `cbor:"3,keyasint"`
	CommitSignatures []SignerSig  `cbor:"4,keyasint"`
}

// CanonicalBytes returns the (view, sequence, batch_hash) tuple every commit
// vote implicitly attests to. Note this is the tuple the QC proves, not the
// bytes the individual signatures cover; those are the commit votes' own
// sign bytes.
func (qc *QuorumCertificate) CanonicalBytes() []byte {
	var buf bytes.Buffer
	buf.WriteString(types.DomainQC)
	writeU64(&buf, qc.View)
	writeU64(&buf, qc.Sequence)
	buf.Write(qc.BatchHash[:])
	return buf.Bytes()
}

// Hash identifies the certificate, e.g. as a cache key.
func (qc *QuorumCertificate) Hash() types.Hash32 {
	h := sha256.New()
	h.Write(qc.CanonicalBytes())
	for i := range qc.CommitSignatures {
		h.Write(qc.CommitSignatures[i].Signer[:])
		h.Write(qc.CommitSignatures[i].Sig)
	}
	var out types.Hash32
	copy(out[:], h.Sum(nil))
	return out
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

// Package types holds the shared value types and collaborator interfaces of
// the consensus engine. Every other consensus package depends on it and it
// depends on nothing but the standard library.
package types

import (
	"encoding/hex"
)

// NodeID uniquely identifies a validator (32-byte identifier).
// This is the single source of truth for node identification.
type NodeID [32]byte

// Hash32 is a 32-byte SHA-256 digest.
type Hash32 [32]byte

// Short returns the first 8 hex characters, for logs.
func (id NodeID) Short() string { return hex.EncodeToString(id[:4]) }

func (h Hash32) Short() string { return hex.EncodeToString(h[:4]) }

// IsZero reports whether the hash is unset.
func (h Hash32) IsZero() bool { return h == Hash32{} }

// Signature carries signature bytes together with the signer identity.
type Signature struct {
	Bytes  []byte `cbor:"1,keyasint"`
	Signer NodeID `cbor:"2,keyasint"`
}

// Phase is the per-instance consensus phase. Phases only advance forward.
type Phase uint8

const (
	PhasePrePrepare Phase = iota + 1
	PhasePrepare
	PhaseCommit
	PhaseCommitted
)

func (p Phase) String() string {
	switch p {
	case PhasePrePrepare:
		return "pre_prepare"
	case PhasePrepare:
		return "prepare"
	case PhaseCommit:
		return "commit"
	case PhaseCommitted:
		return "committed"
	default:
		return "unknown"
	}
}

// VotePhase restricts votes to the two voting phases.
type VotePhase uint8

const (
	VotePrepare VotePhase = iota + 1
	VoteCommit
)

func (v VotePhase) String() string {
	switch v {
	case VotePrepare:
		return "prepare"
	case VoteCommit:
		return "commit"
	default:
		return "unknown"
	}
}

// Valid reports whether the value is one of the two defined vote phases.
func (v VotePhase) Valid() bool { return v == VotePrepare || v == VoteCommit }

// MessageType identifies the type of consensus message on the wire.
type MessageType uint8

const (
	MessageTypeProposal MessageType = iota + 1
	MessageTypeVote
	MessageTypeViewChange
	MessageTypeNewView
	MessageTypeQC
)

func (m MessageType) String() string {
	switch m {
	case MessageTypeProposal:
		return "proposal"
	case MessageTypeVote:
		return "vote"
	case MessageTypeViewChange:
		return "view_change"
	case MessageTypeNewView:
		return "new_view"
	case MessageTypeQC:
		return "qc"
	default:
		return "unknown"
	}
}

// SlashReason classifies Byzantine misbehavior.
type SlashReason uint8

const (
	SlashEquivocation SlashReason = iota + 1
	SlashInvalidProposal
	SlashInvalidVote
	SlashInactivity
	SlashCollusion
)

func (r SlashReason) String() string {
	switch r {
	case SlashEquivocation:
		return "equivocation"
	case SlashInvalidProposal:
		return "invalid_proposal"
	case SlashInvalidVote:
		return "invalid_vote"
	case SlashInactivity:
		return "inactivity"
	case SlashCollusion:
		return "collusion"
	default:
		return "unknown"
	}
}

// Role determines what a node may do. Only validators vote; observers verify
// quorum certificates without joining consensus.
type Role uint8

const (
	RoleObserver Role = iota
	RoleValidator
)

// ReplicaStatus is the replica-level state. Normal accepts proposals and
// votes for the current view; ViewChanging only accepts view-change traffic;
// Recovering accepts nothing until state sync completes.
type ReplicaStatus uint8

const (
	ReplicaNormal ReplicaStatus = iota + 1
	ReplicaViewChanging
	ReplicaRecovering
)

func (s ReplicaStatus) String() string {
	switch s {
	case ReplicaNormal:
		return "normal"
	case ReplicaViewChanging:
		return "view_changing"
	case ReplicaRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// StateSnapshot is the application collaborator's view of state after a
// committed sequence number.
type StateSnapshot struct {
	SequenceNumber uint64
	StateHash      Hash32
	AppState       []byte
	LastProposer   NodeID
	Confirmations  int
	IsFinalized    bool
}

// SlashingEvent is an append-only record of a punished violation.
type SlashingEvent struct {
	Node      NodeID
	Reason    SlashReason
	Penalty   uint64
	Evidence  []byte
	Timestamp uint64
}

// Domain separators prefixed to canonical sign bytes so signatures can never
// be replayed across message types.
const (
	DomainProposal   = "CONSENSUS_PROPOSAL_V1"
	DomainVote       = "CONSENSUS_VOTE_V1"
	DomainViewChange = "CONSENSUS_VIEWCHANGE_V1"
	DomainNewView    = "CONSENSUS_NEWVIEW_V1"
	DomainQC         = "CONSENSUS_QC_V1"
	DomainOperation  = "CONSENSUS_OPERATION_V1"
)

package types

import (
	"context"
)

// CryptoService handles signing and verification. A single implementation is
// shared by all consensus packages; the engine never touches key material
// directly.
type CryptoService interface {
	// Sign produces a signature over data with the local key.
	Sign(data []byte) ([]byte, error)
	// Verify checks a signature against the registered public key of signer.
	Verify(signer NodeID, data, signature []byte) bool
	// PublicKey returns the registered public key for a node.
	PublicKey(id NodeID) ([]byte, error)
	// LocalID returns the node identity derived from the local public key.
	LocalID() NodeID
}

// ValidatorSet provides the active (non-slashed) participant view. Quorum
// arithmetic is always computed over this set.
type ValidatorSet interface {
	IsActive(id NodeID) bool
	Active() []NodeID
	ActiveCount() int
	PublicKey(id NodeID) ([]byte, error)
}

// Application is the deterministic state-transition collaborator. Apply is
// invoked only for committed batches, strictly in sequence order.
type Application interface {
	// ValidateOperation checks an operation against domain invariants
	// (e.g. value conservation) before it is voted for.
	ValidateOperation(op []byte, prior StateSnapshot) error
	// Apply executes a committed operation. It must be deterministic.
	Apply(ctx context.Context, op []byte, prior StateSnapshot) (StateSnapshot, error)
	// Snapshot returns the latest applied state.
	Snapshot() StateSnapshot
}

// Publisher is the outbound half of the transport collaborator. Delivery
// semantics (gossip, direct links) are the transport's concern.
type Publisher interface {
	Broadcast(ctx context.Context, msgType MessageType, data []byte) error
	Send(ctx context.Context, peer NodeID, msgType MessageType, data []byte) error
}

// SlashingSink receives slashing events as they are recorded, e.g. for
// persistence or export. Implementations must not block.
type SlashingSink interface {
	OnSlash(ctx context.Context, event SlashingEvent)
}

// CommitSink receives committed-batch notifications with their quorum
// certificate, after the apply step succeeded.
type CommitSink interface {
	OnCommit(ctx context.Context, sequence uint64, batchHash Hash32, qcData []byte)
}

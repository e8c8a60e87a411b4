package detector

import (
	"sync"

	"github.com/happybigmtn/bitchat-rust-sub006/pkg/consensus/types"
)

// Registry is the mutable validator set. It starts from a configured
// membership and shrinks as validators are slashed. Observers are tracked
// for role checks but never count toward quorum.
type Registry struct {
	mu     sync.RWMutex
	roles  map[types.NodeID]types.Role
	active map[types.NodeID]bool
	crypto types.CryptoService
}

// NewRegistry builds a registry over the given membership. Public key lookups
// delegate to the crypto service.
func NewRegistry(crypto types.CryptoService, validators []types.NodeID, observers []types.NodeID) *Registry {
	r := &Registry{
		roles:  make(map[types.NodeID]types.Role, len(validators)+len(observers)),
		active: make(map[types.NodeID]bool, len(validators)),
		crypto: crypto,
	}
	for _, id := range validators {
		r.roles[id] = types.RoleValidator
		r.active[id] = true
	}
	for _, id := range observers {
		if _, ok := r.roles[id]; !ok {
			r.roles[id] = types.RoleObserver
		}
	}
	return r
}

// IsActive implements types.ValidatorSet.
func (r *Registry) IsActive(id types.NodeID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active[id]
}

// Active implements types.ValidatorSet. Order is unspecified; callers that
// need determinism sort the result.
func (r *Registry) Active() []types.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.NodeID, 0, len(r.active))
	for id, ok := range r.active {
		if ok {
			out = append(out, id)
		}
	}
	return out
}

// ActiveCount implements types.ValidatorSet.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, ok := range r.active {
		if ok {
			n++
		}
	}
	return n
}

// PublicKey implements types.ValidatorSet.
func (r *Registry) PublicKey(id types.NodeID) ([]byte, error) {
	return r.crypto.PublicKey(id)
}

// Role returns the configured role of a node; unknown nodes are observers.
func (r *Registry) Role(id types.NodeID) types.Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roles[id]
}

// Deactivate removes a validator from the active set. Idempotent. Returns
// whether the node was active before the call.
func (r *Registry) Deactivate(id types.NodeID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	was := r.active[id]
	delete(r.active, id)
	return was
}

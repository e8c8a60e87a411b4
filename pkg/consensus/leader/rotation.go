// Package leader implements deterministic proposer selection. Every honest
// node computes the same leader for a view from the same active validator
// set, with no communication.
package leader

import (
	"bytes"
	"errors"
	"sort"

	"github.com/happybigmtn/bitchat-rust-sub006/pkg/consensus/types"
)

var ErrNoValidators = errors.New("leader: no active validators")

// Rotation selects the proposer for a view by round-robin over the active
// validator set, ordered by node ID bytes. Slashed validators drop out of
// the set, so the rotation skips them on the next view.
type Rotation struct {
	validators types.ValidatorSet
}

func NewRotation(validators types.ValidatorSet) *Rotation {
	return &Rotation{validators: validators}
}

// ForView returns the proposer of the given view.
func (r *Rotation) ForView(view uint64) (types.NodeID, error) {
	active := r.validators.Active()
	if len(active) == 0 {
		return types.NodeID{}, ErrNoValidators
	}
	sort.Slice(active, func(i, j int) bool {
		return bytes.Compare(active[i][:], active[j][:]) < 0
	})
	return active[view%uint64(len(active))], nil
}

// IsLeader reports whether node proposes in view.
func (r *Rotation) IsLeader(node types.NodeID, view uint64) bool {
	l, err := r.ForView(view)
	return err == nil && l == node
}

// Package state implements the replicated application: a token ledger whose
// operations move balances between nodes. Every transition is checked for
// value conservation before it is voted for and again when applied.
package state

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/happybigmtn/bitchat-rust-sub006/pkg/consensus/types"
	"github.com/happybigmtn/bitchat-rust-sub006/pkg/utils"
)

var (
	ErrUnknownOpKind      = errors.New("state: unknown operation kind")
	ErrInsufficientFunds  = errors.New("state: insufficient balance")
	ErrZeroAmount         = errors.New("state: zero amount")
	ErrSelfTransfer       = errors.New("state: transfer to self")
	ErrConservationBroken = errors.New("state: total supply changed without mint")
	ErrOverflow           = errors.New("state: balance overflow")
)

// Operation kinds.
const (
	OpTransfer = 1
	OpMint     = 2
)

// LedgerOp is the CBOR payload carried inside a consensus operation.
type LedgerOp struct {
	Kind   int          `cbor:"1,keyasint"`
	From   types.NodeID `cbor:"2,keyasint,omitempty"`
	To     types.NodeID `cbor:"3,keyasint"`
	Amount uint64       `cbor:"4,keyasint"`
}

// Ledger is the deterministic state machine. Balances only change through
// committed operations applied in sequence order.
type Ledger struct {
	mu       sync.RWMutex
	balances map[types.NodeID]uint64
	seq      uint64
	// poisoned is set permanently when a conservation check fails; every
	// later validate or apply returns it instead of touching state.
	poisoned error
	logger   *utils.Logger
	enc      cbor.EncMode
}

// NewLedger builds a ledger from genesis balances.
func NewLedger(genesis map[types.NodeID]uint64, logger *utils.Logger) (*Ledger, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("state: encode mode: %w", err)
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	balances := make(map[types.NodeID]uint64, len(genesis))
	for id, amount := range genesis {
		balances[id] = amount
	}
	return &Ledger{balances: balances, logger: logger, enc: enc}, nil
}

// EncodeOp serializes a ledger operation for submission.
func (l *Ledger) EncodeOp(op *LedgerOp) ([]byte, error) {
	data, err := l.enc.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("state: encode op: %w", err)
	}
	return data, nil
}

func decodeOp(data []byte) (*LedgerOp, error) {
	var op LedgerOp
	if err := cbor.Unmarshal(data, &op); err != nil {
		return nil, fmt.Errorf("state: decode op: %w", err)
	}
	return &op, nil
}

// ValidateOperation implements types.Application. It checks the operation
// against current balances without mutating anything.
func (l *Ledger) ValidateOperation(data []byte, _ types.StateSnapshot) error {
	op, err := decodeOp(data)
	if err != nil {
		return err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.check(op)
}

func (l *Ledger) check(op *LedgerOp) error {
	if l.poisoned != nil {
		return l.poisoned
	}
	if op.Amount == 0 {
		return ErrZeroAmount
	}
	switch op.Kind {
	case OpTransfer:
		if op.From == op.To {
			return ErrSelfTransfer
		}
		if l.balances[op.From] < op.Amount {
			return fmt.Errorf("%w: %s has %d, needs %d",
				ErrInsufficientFunds, op.From.Short(), l.balances[op.From], op.Amount)
		}
	case OpMint:
		if l.balances[op.To] > ^uint64(0)-op.Amount {
			return ErrOverflow
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnknownOpKind, op.Kind)
	}
	return nil
}

// Apply implements types.Application. The conservation invariant is enforced
// after the mutation: total supply may only grow by the declared mint amount.
func (l *Ledger) Apply(ctx context.Context, data []byte, _ types.StateSnapshot) (types.StateSnapshot, error) {
	op, err := decodeOp(data)
	if err != nil {
		return types.StateSnapshot{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(op); err != nil {
		return types.StateSnapshot{}, err
	}

	before := l.totalSupply()
	var minted uint64
	switch op.Kind {
	case OpTransfer:
		l.balances[op.From] -= op.Amount
		l.balances[op.To] += op.Amount
	case OpMint:
		l.balances[op.To] += op.Amount
		minted = op.Amount
	}
	after := l.totalSupply()
	if after != before+minted {
		// Unreachable with the checks above; kept as a hard stop because a
		// broken invariant here means divergent replicas. The ledger refuses
		// all further operations instead of carrying corrupted balances.
		l.poisoned = fmt.Errorf("%w: before %d, after %d, minted %d",
			ErrConservationBroken, before, after, minted)
		return types.StateSnapshot{}, l.poisoned
	}

	l.seq++
	snap := l.snapshotLocked()
	l.logger.DebugContext(ctx, "ledger operation applied",
		utils.ZapInt("kind", op.Kind),
		utils.ZapUint64("amount", op.Amount),
		utils.ZapUint64("sequence", l.seq),
		utils.ZapUint64("total_supply", after),
	)
	return snap, nil
}

// Snapshot implements types.Application.
func (l *Ledger) Snapshot() types.StateSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotLocked()
}

func (l *Ledger) snapshotLocked() types.StateSnapshot {
	return types.StateSnapshot{
		SequenceNumber: l.seq,
		StateHash:      l.hashLocked(),
	}
}

// Balance returns a node's current balance.
func (l *Ledger) Balance(id types.NodeID) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[id]
}

// TotalSupply returns the sum of all balances.
func (l *Ledger) TotalSupply() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalSupply()
}

func (l *Ledger) totalSupply() uint64 {
	var total uint64
	for _, amount := range l.balances {
		total += amount
	}
	return total
}

// hashLocked computes the state hash over balances in node-ID order, so the
// digest is independent of map iteration order.
func (l *Ledger) hashLocked() types.Hash32 {
	ids := make([]types.NodeID, 0, len(l.balances))
	for id := range l.balances {
		if l.balances[id] > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
	h := sha256.New()
	for _, id := range ids {
		h.Write(id[:])
		var amount [8]byte
		for i := 0; i < 8; i++ {
			amount[i] = byte(l.balances[id] >> (8 * i))
		}
		h.Write(amount[:])
	}
	var out types.Hash32
	copy(out[:], h.Sum(nil))
	return out
}

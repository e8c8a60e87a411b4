package pbft

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/happybigmtn/bitchat-rust-sub006/pkg/consensus/messages"
	"github.com/happybigmtn/bitchat-rust-sub006/pkg/consensus/types"
)

var ErrQueueFull = errors.New("pbft: pending operation queue full")

// opQueue is the bounded FIFO of submitted operations awaiting batching.
// Duplicate operation IDs are dropped on admission.
type opQueue struct {
	mu      sync.Mutex
	ops     *list.List
	ids     map[types.Hash32]bool
	maxSize int
}

func newOpQueue(maxSize int) *opQueue {
	return &opQueue{
		ops:     list.New(),
		ids:     make(map[types.Hash32]bool),
		maxSize: maxSize,
	}
}

// push admits an operation. Re-submission of a queued ID is a silent no-op;
// a full queue is an error surfaced to the submitter for backpressure.
func (q *opQueue) push(op *messages.Operation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ids[op.ID] {
		return nil
	}
	if q.ops.Len() >= q.maxSize {
		return ErrQueueFull
	}
	q.ops.PushBack(op)
	q.ids[op.ID] = true
	return nil
}

// popBatch removes up to max operations in FIFO order. Returns nil when the
// queue is empty.
func (q *opQueue) popBatch(max int) []messages.Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ops.Len() == 0 {
		return nil
	}
	n := q.ops.Len()
	if n > max {
		n = max
	}
	out := make([]messages.Operation, 0, n)
	for i := 0; i < n; i++ {
		front := q.ops.Front()
		op := front.Value.(*messages.Operation)
		q.ops.Remove(front)
		delete(q.ids, op.ID)
		out = append(out, *op)
	}
	return out
}

func (q *opQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ops.Len()
}

// batchReady reports whether a full batch is available.
func (q *opQueue) batchReady(batchSize int) bool {
	return q.len() >= batchSize
}

// makeBatch drains up to batchSize operations into a timestamped batch.
func (q *opQueue) makeBatch(batchSize int) *messages.Batch {
	ops := q.popBatch(batchSize)
	if len(ops) == 0 {
		return nil
	}
	return &messages.Batch{
		Operations: ops,
		Timestamp:  uint64(time.Now().UnixMilli()),
	}
}

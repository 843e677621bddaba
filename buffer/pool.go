package buffer

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// Pool is a bounded allocator that recycles Buffers of compatible shape
// between a producer and its consumers. Acquire blocks once Capacity
// buffers are concurrently outstanding; Release makes both the capacity
// slot and the buffer itself available for reuse.
type Pool struct {
	Capacity int
	Manager  DeviceManager

	sem      *semaphore.Weighted
	released chan *Buffer
	minted   int64
}

// NewPool creates a buffer pool with the given capacity (max buffers
// outstanding) and an optional device manager attached to every buffer it
// mints.
func NewPool(capacity int, mgr DeviceManager) *Pool {
	if capacity <= 0 {
		capacity = 1
	}
	return &Pool{
		Capacity: capacity,
		Manager:  mgr,
		sem:      semaphore.NewWeighted(int64(capacity)),
		released: make(chan *Buffer, capacity),
	}
}

// Acquire returns a buffer matching req. It first blocks until a capacity
// slot is free (or ctx is done), then returns a recycled buffer from the
// FIFO (resized if needed) when one is available, otherwise a fresh
// allocation.
func (p *Pool) Acquire(ctx context.Context, req Requisition) (*Buffer, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(err, "buffer: pool acquire cancelled")
	}

	select {
	case b := <-p.released:
		if !CmpDimensions(b, req) {
			b.Resize(req)
		}
		b.DiscardLocation()
		return b, nil
	default:
	}

	atomic.AddInt64(&p.minted, 1)
	return New(req, p, p.Manager), nil
}

// release pushes buf back onto the FIFO of buffers available for reuse
// and frees its capacity slot. Called by Buffer.Release; never blocks
// because the channel is sized to Capacity and a buffer can only be
// outstanding or in the channel, never both.
func (p *Pool) release(b *Buffer) {
	select {
	case p.released <- b:
	default:
		// Defensive: should be unreachable given the capacity invariant,
		// but avoid deadlocking a producer on a programming error.
	}
	p.sem.Release(1)
}

// Outstanding reports how many buffers this pool has ever minted (not how
// many are currently checked out) — used by tests asserting the 10,000
// buffer churn stress property doesn't leak allocations beyond Capacity.
func (p *Pool) Outstanding() int {
	return int(atomic.LoadInt64(&p.minted))
}

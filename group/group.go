// Package group implements the many-to-many connector between one
// producer task and its successor tasks: the send-pattern fan-out
// (broadcast/scatter/sequential), the per-consumer filled queues, the
// shared ready-buffer pool, and end-of-stream propagation.
//
// The pull/push protocol here is the teacher's channel-based
// StreamScheduler (runtime.go's `ready`/`completed` channels) generalized
// from a single global ready/completed pair to one Group per producer
// port, each with its own bounded pool and one filled queue per consumer.
package group

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/ufokit/ufocore/buffer"
)

// SendPattern selects how a Group routes a pushed output among its
// consumers.
type SendPattern int

const (
	// Broadcast delivers every buffer to every consumer.
	Broadcast SendPattern = iota
	// Scatter round-robins consecutive buffers across consumers.
	Scatter
	// Sequential gives consumers long sub-streams in turn, switching
	// after SequentialCounts[i] buffers.
	Sequential
)

const defaultBuffersPerConsumer = 2

// item travels through a consumer's filled queue; eos is a distinguished
// sentinel rather than a nil buffer, so a nil *buffer.Buffer is never
// mistaken for end-of-stream.
type item struct {
	buf *buffer.Buffer
	eos bool
}

// refcounted wraps a broadcast buffer so every consumer can independently
// release it; the buffer returns to the pool only when the last consumer
// has released its reference.
type refcounted struct {
	buf *buffer.Buffer
	n   int32
}

// Group connects one producer's single output port to one or more
// consumer tasks.
type Group struct {
	Pool *buffer.Pool

	pattern   SendPattern
	consumers []string

	seqCounts  []int
	seqIdx     int
	seqEmitted int

	scatterCounter uint64

	mu      sync.Mutex
	filled  map[string]chan item
	refs    map[*buffer.Buffer]*refcounted
	eosSent bool
}

// New creates a Group fanning out to consumers under pattern, with a
// buffer pool sized 2*len(consumers) (the spec's default), attached to
// mgr for device residency.
func New(consumers []string, pattern SendPattern, mgr buffer.DeviceManager, seqCounts []int) *Group {
	capacity := defaultBuffersPerConsumer * len(consumers)
	if capacity < defaultBuffersPerConsumer {
		capacity = defaultBuffersPerConsumer
	}
	g := &Group{
		Pool:      buffer.NewPool(capacity, mgr),
		pattern:   pattern,
		consumers: append([]string(nil), consumers...),
		seqCounts: seqCounts,
		filled:    make(map[string]chan item, len(consumers)),
		refs:      make(map[*buffer.Buffer]*refcounted),
	}
	for _, c := range consumers {
		g.filled[c] = make(chan item, capacity)
	}
	return g
}

// PopOutput returns an empty buffer of shape req for the producer to
// write into.
func (g *Group) PopOutput(ctx context.Context, req buffer.Requisition) (*buffer.Buffer, error) {
	return g.Pool.Acquire(ctx, req)
}

// PushOutput routes buf to consumers according to the group's send
// pattern.
func (g *Group) PushOutput(buf *buffer.Buffer) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.eosSent {
		return errors.New("group: push on a group that has already sent EOS")
	}

	switch g.pattern {
	case Broadcast:
		g.refs[buf] = &refcounted{buf: buf, n: int32(len(g.consumers))}
		for _, c := range g.consumers {
			g.filled[c] <- item{buf: buf}
		}
	case Scatter:
		idx := g.scatterCounter % uint64(len(g.consumers))
		g.scatterCounter++
		g.filled[g.consumers[idx]] <- item{buf: buf}
	case Sequential:
		if g.seqIdx >= len(g.consumers) {
			return errors.New("group: sequential pattern exhausted all consumers")
		}
		g.filled[g.consumers[g.seqIdx]] <- item{buf: buf}
		g.seqEmitted++
		if g.seqIdx < len(g.seqCounts) && g.seqEmitted >= g.seqCounts[g.seqIdx] {
			g.seqIdx++
			g.seqEmitted = 0
		}
	default:
		return errors.Errorf("group: unknown send pattern %d", g.pattern)
	}
	return nil
}

// PushEOS pushes the end-of-stream sentinel into every consumer's filled
// queue, terminating them.
func (g *Group) PushEOS() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.eosSent {
		return
	}
	g.eosSent = true
	for _, c := range g.consumers {
		g.filled[c] <- item{eos: true}
	}
}

// PopInput blocks until a buffer or EOS arrives on consumer's filled
// queue, or ctx is cancelled. It selects on ctx.Done() alongside the
// queue, so a scheduler-level stop unwinds a waiting worker at once.
func (g *Group) PopInput(ctx context.Context, consumer string) (buf *buffer.Buffer, eos bool, err error) {
	g.mu.Lock()
	ch, ok := g.filled[consumer]
	g.mu.Unlock()
	if !ok {
		return nil, false, errors.Errorf("group: no such consumer %q", consumer)
	}

	select {
	case it := <-ch:
		return it.buf, it.eos, nil
	case <-ctx.Done():
		return nil, false, errors.Wrap(ctx.Err(), "group: pop_input cancelled")
	}
}

// Release returns buf to the ready pool. Under Broadcast it decrements the
// shared refcount and only actually releases once every consumer has
// called Release for that buffer; under Scatter/Sequential it releases
// immediately, since only one consumer ever holds the buffer.
func (g *Group) Release(buf *buffer.Buffer) {
	g.mu.Lock()
	rc, broadcast := g.refs[buf]
	g.mu.Unlock()

	if !broadcast {
		buf.Release()
		return
	}

	if atomic.AddInt32(&rc.n, -1) == 0 {
		g.mu.Lock()
		delete(g.refs, buf)
		g.mu.Unlock()
		buf.Release()
	}
}

// Rotor is a rotating list of input groups feeding one input port, used
// when several task replicas (after graph.Expand) share a single upstream
// producer: each PopInput call advances the pointer one slot so replicas
// round-robin the shared fan-in.
type Rotor struct {
	mu     sync.Mutex
	groups []*Group
	idx    int
}

// NewRotor wraps a list of groups feeding the same input port.
func NewRotor(groups []*Group) *Rotor {
	return &Rotor{groups: groups}
}

// Next returns the current group and advances the rotor one slot.
func (r *Rotor) Next() *Group {
	r.mu.Lock()
	defer r.mu.Unlock()
	g := r.groups[r.idx]
	r.idx = (r.idx + 1) % len(r.groups)
	return g
}

// Len reports how many groups this rotor cycles through.
func (r *Rotor) Len() int { return len(r.groups) }

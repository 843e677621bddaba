package buffer

import (
	"context"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPoolChurnDoesNotLeakAllocations is spec.md §8's mandatory stress
// property: creating and freeing 10,000 buffers of 800x800 through a
// bounded pool must not leak device memory — every buffer beyond the
// pool's capacity should come from the FIFO of released buffers, not a
// fresh mint, and the goroutine count must return to baseline once the
// churn is done (no Acquire left blocked, no background leak).
func TestPoolChurnDoesNotLeakAllocations(t *testing.T) {
	const capacity = 8
	const churn = 10000

	mgr := newFakeDeviceManager()
	p := NewPool(capacity, mgr)
	req := req2D(800, 800)
	ctx := context.Background()

	before := runtime.NumGoroutine()

	for i := 0; i < churn; i++ {
		b, err := p.Acquire(ctx, req)
		require.NoError(t, err)
		b.Release()
	}

	assert.LessOrEqual(t, p.Outstanding(), capacity,
		"pool should recycle released buffers rather than mint a fresh one per churn iteration")

	runtime.GC()
	after := runtime.NumGoroutine()
	assert.LessOrEqual(t, after, before+1, "buffer churn must not leak goroutines")
}

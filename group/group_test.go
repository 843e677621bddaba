package group

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ufokit/ufocore/buffer"
)

func mkBuf() *buffer.Buffer {
	return buffer.New(buffer.Requisition{NDims: 1, Dims: [3]int{1, 0, 0}}, nil, nil)
}

func TestScatterRoundRobins(t *testing.T) {
	g := New([]string{"a", "b"}, Scatter, nil, nil)
	ctx := context.Background()

	b1, err := g.PopOutput(ctx, buffer.Requisition{NDims: 1, Dims: [3]int{1, 0, 0}})
	require.NoError(t, err)
	require.NoError(t, g.PushOutput(b1))

	b2, err := g.PopOutput(ctx, buffer.Requisition{NDims: 1, Dims: [3]int{1, 0, 0}})
	require.NoError(t, err)
	require.NoError(t, g.PushOutput(b2))

	got1, eos, err := g.PopInput(ctx, "a")
	require.NoError(t, err)
	assert.False(t, eos)
	assert.Same(t, b1, got1)

	got2, eos, err := g.PopInput(ctx, "b")
	require.NoError(t, err)
	assert.False(t, eos)
	assert.Same(t, b2, got2)
}

func TestBroadcastEachConsumerGetsEveryBuffer(t *testing.T) {
	g := New([]string{"a", "b", "c"}, Broadcast, nil, nil)
	ctx := context.Background()

	b, err := g.PopOutput(ctx, buffer.Requisition{NDims: 1, Dims: [3]int{1, 0, 0}})
	require.NoError(t, err)
	require.NoError(t, g.PushOutput(b))

	for _, c := range []string{"a", "b", "c"} {
		got, eos, err := g.PopInput(ctx, c)
		require.NoError(t, err)
		assert.False(t, eos)
		assert.Same(t, b, got)
	}
}

func TestBroadcastBufferReturnsToPoolOnlyAfterLastRelease(t *testing.T) {
	g := New([]string{"a", "b"}, Broadcast, nil, nil)
	ctx := context.Background()

	b, err := g.PopOutput(ctx, buffer.Requisition{NDims: 1, Dims: [3]int{1, 0, 0}})
	require.NoError(t, err)
	require.NoError(t, g.PushOutput(b))

	for _, c := range []string{"a", "b"} {
		_, _, err := g.PopInput(ctx, c)
		require.NoError(t, err)
	}

	g.Release(b)
	assert.Len(t, g.refs, 1, "buffer must not be released after only one of two consumers releases")

	g.Release(b)
	assert.Len(t, g.refs, 0, "buffer must be released once every consumer has released it")
}

func TestSequentialSwitchesAfterCount(t *testing.T) {
	g := New([]string{"a", "b"}, Sequential, nil, []int{2, 2})
	ctx := context.Background()

	var pushed []*buffer.Buffer
	for i := 0; i < 4; i++ {
		b, err := g.PopOutput(ctx, buffer.Requisition{NDims: 1, Dims: [3]int{1, 0, 0}})
		require.NoError(t, err)
		require.NoError(t, g.PushOutput(b))
		pushed = append(pushed, b)
	}

	for i := 0; i < 2; i++ {
		got, _, err := g.PopInput(ctx, "a")
		require.NoError(t, err)
		assert.Same(t, pushed[i], got)
	}
	for i := 2; i < 4; i++ {
		got, _, err := g.PopInput(ctx, "b")
		require.NoError(t, err)
		assert.Same(t, pushed[i], got)
	}
}

func TestEOSPropagatesToAllConsumers(t *testing.T) {
	g := New([]string{"a", "b"}, Scatter, nil, nil)
	g.PushEOS()
	ctx := context.Background()

	for _, c := range []string{"a", "b"} {
		_, eos, err := g.PopInput(ctx, c)
		require.NoError(t, err)
		assert.True(t, eos)
	}
}

func TestPushAfterEOSErrors(t *testing.T) {
	g := New([]string{"a"}, Scatter, nil, nil)
	g.PushEOS()
	err := g.PushOutput(mkBuf())
	assert.Error(t, err)
}

func TestRotorAdvancesEachCall(t *testing.T) {
	g1 := New([]string{"x"}, Scatter, nil, nil)
	g2 := New([]string{"x"}, Scatter, nil, nil)
	r := NewRotor([]*Group{g1, g2})

	assert.Same(t, g1, r.Next())
	assert.Same(t, g2, r.Next())
	assert.Same(t, g1, r.Next())
}

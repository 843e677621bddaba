package clmanager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ufokit/ufocore/buffer"
)

func TestCPUManagerAllocCopyRoundTrip(t *testing.T) {
	m := NewCPUManager(2)
	assert.Equal(t, 2, m.NumDevices())

	handle, err := m.Alloc(0, 16, false, buffer.Requisition{NDims: 1, Dims: [3]int{4, 0, 0}})
	require.NoError(t, err)

	in := []float32{1, 2, 3, 4}
	require.NoError(t, m.CopyHostToDevice(0, handle, in))

	out := make([]float32, 4)
	require.NoError(t, m.CopyDeviceToHost(0, handle, out))
	assert.Equal(t, in, out)
}

func TestCPUManagerKernelCacheHitsOnSameKey(t *testing.T) {
	cm := NewCPUManager(1).(*cpuManager)
	cm.RegisterKernel("square", "compiled-square")

	k1, err := cm.Kernel(0, "__kernel void square() {}", "square", "")
	require.NoError(t, err)
	k2, err := cm.Kernel(0, "__kernel void square() {}", "square", "")
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

func TestCPUManagerUnknownDeviceErrors(t *testing.T) {
	m := NewCPUManager(1)
	_, err := m.CommandQueue(5)
	assert.Error(t, err)
}

// Package clmanager is UFO-core's OpenCL resource manager: it owns the
// OpenCL context, devices, command queues, and a kernel cache, and hands
// the core opaque handles to allocate, copy, and run kernels against. The
// core never imports an OpenCL binding directly — it only talks to the
// Manager interface, so tests and non-GPU builds use the CPU-backed
// fallback in this file, and real hardware builds opt into the
// `opencl`-tagged implementation in opencl_cl.go (grounded on the OpenCL
// bindings used across the retrieved examples, e.g. jgillich/go-opencl).
package clmanager

import (
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/pkg/errors"

	"github.com/ufokit/ufocore/buffer"
)

// Manager is the interface the scheduler and buffer package consume.
// buffer.DeviceManager is a subset of Manager; Manager adds the
// discovery/kernel-cache surface the scheduler's Map phase needs.
type Manager interface {
	buffer.DeviceManager

	// NumDevices reports how many GPU-class devices this manager exposes.
	NumDevices() int
	// CommandQueue returns the opaque command queue handle for device d.
	CommandQueue(device int) (interface{}, error)
	// Kernel resolves (source, entryPoint, buildOptions) to a compiled
	// kernel handle, compiling and caching it on first use.
	Kernel(device int, source, entryPoint, buildOptions string) (interface{}, error)
}

// kernelKey identifies one cache-able compiled kernel.
type kernelKey struct {
	device  int
	hash    uint64
	entry   string
	options string
}

// cpuManager is a software fallback: "devices" are just integer IDs with
// no real hardware backing, "kernels" are looked up by a key but compiled
// by the caller providing a Go closure via RegisterKernel. It lets the
// full task/scheduler/group pipeline run and be tested on machines with no
// GPU, the same role the teacher's kernelCatalog noop fallback plays for
// kernel IDs with no registered implementation.
type cpuManager struct {
	mu      sync.Mutex
	devices int
	mems    map[int]map[interface{}][]float32
	nextID  int
	kernels map[kernelKey]interface{}
	compile map[string]interface{} // entryPoint -> compiled handle, caller-registered
}

// NewCPUManager returns a Manager backed entirely by host memory, useful
// for tests and for CPU-only task graphs.
func NewCPUManager(devices int) Manager {
	if devices < 1 {
		devices = 1
	}
	m := &cpuManager{
		devices: devices,
		mems:    make(map[int]map[interface{}][]float32),
		kernels: make(map[kernelKey]interface{}),
		compile: make(map[string]interface{}),
	}
	for d := 0; d < devices; d++ {
		m.mems[d] = make(map[interface{}][]float32)
	}
	return m
}

func (m *cpuManager) NumDevices() int { return m.devices }

func (m *cpuManager) CommandQueue(device int) (interface{}, error) {
	if device < 0 || device >= m.devices {
		return nil, errors.Errorf("clmanager: no such device %d", device)
	}
	return device, nil // the CPU fallback's "queue" is just the device index
}

// RegisterKernel installs a compiled-kernel stand-in for entryPoint, so
// Kernel() can resolve it without a real OpenCL compiler. Tasks that are
// CPU-only never call Kernel at all.
func (m *cpuManager) RegisterKernel(entryPoint string, handle interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compile[entryPoint] = handle
}

func (m *cpuManager) Kernel(device int, source, entryPoint, buildOptions string) (interface{}, error) {
	key := kernelKey{device: device, hash: xxhash.Checksum64([]byte(source)), entry: entryPoint, options: buildOptions}
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.kernels[key]; ok {
		return k, nil
	}
	handle, ok := m.compile[entryPoint]
	if !ok {
		return nil, errors.Errorf("clmanager: no registered kernel for entry point %q", entryPoint)
	}
	m.kernels[key] = handle
	return handle, nil
}

func (m *cpuManager) Alloc(device int, bytes int, image bool, dims buffer.Requisition) (interface{}, error) {
	if device < 0 || device >= m.devices {
		return nil, errors.Errorf("clmanager: no such device %d", device)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	handle := m.nextID
	m.mems[device][handle] = make([]float32, bytes/4)
	return handle, nil
}

func (m *cpuManager) Free(device int, handle interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mems[device], handle)
	return nil
}

func (m *cpuManager) CopyHostToDevice(device int, handle interface{}, host []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.mems[device][handle]
	if !ok {
		return errors.Errorf("clmanager: unknown handle on device %d", device)
	}
	copy(mem, host)
	return nil
}

func (m *cpuManager) CopyDeviceToHost(device int, handle interface{}, host []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.mems[device][handle]
	if !ok {
		return errors.Errorf("clmanager: unknown handle on device %d", device)
	}
	copy(host, mem)
	return nil
}

func (m *cpuManager) CopyDeviceToDevice(srcDevice int, srcHandle interface{}, dstDevice int, dstHandle interface{}, bytes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.mems[srcDevice][srcHandle]
	if !ok {
		return errors.Errorf("clmanager: unknown src handle on device %d", srcDevice)
	}
	dst, ok := m.mems[dstDevice][dstHandle]
	if !ok {
		return errors.Errorf("clmanager: unknown dst handle on device %d", dstDevice)
	}
	copy(dst, src)
	return nil
}

//go:build opencl
// +build opencl

package clmanager

import (
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/jgillich/go-opencl/cl"
	"github.com/pkg/errors"

	"github.com/ufokit/ufocore/buffer"
)

// glManager is a real OpenCL-backed Manager, built only with `-tags
// opencl` and a working OpenCL ICD installed. It follows the same
// platform/device/context/queue discovery sequence as the retrieved
// go-opencl demo (github.com/jgillich/go-opencl/cl): get platforms, get
// devices off the first platform, create one context shared by all
// devices, and one command queue per device.
type glManager struct {
	mu      sync.Mutex
	ctx     *cl.Context
	devices []*cl.Device
	queues  []*cl.CommandQueue
	kernels map[kernelKey]*cl.Kernel
	mems    map[interface{}]*cl.MemObject
	nextID  int
}

// NewOpenCLManager discovers the first OpenCL platform's devices and
// builds one shared context plus one queue per device.
func NewOpenCLManager() (Manager, error) {
	platforms, err := cl.GetPlatforms()
	if err != nil {
		return nil, errors.Wrap(err, "clmanager: get platforms")
	}
	if len(platforms) == 0 {
		return nil, errors.New("clmanager: no OpenCL platforms found")
	}

	devices, err := platforms[0].GetDevices(cl.DeviceTypeAll)
	if err != nil {
		return nil, errors.Wrap(err, "clmanager: get devices")
	}
	if len(devices) == 0 {
		return nil, errors.New("clmanager: no OpenCL devices found")
	}

	ctx, err := cl.CreateContext(devices)
	if err != nil {
		return nil, errors.Wrap(err, "clmanager: create context")
	}

	queues := make([]*cl.CommandQueue, len(devices))
	for i, d := range devices {
		q, err := ctx.CreateCommandQueue(d, 0)
		if err != nil {
			return nil, errors.Wrapf(err, "clmanager: create command queue for device %d", i)
		}
		queues[i] = q
	}

	return &glManager{
		ctx:     ctx,
		devices: devices,
		queues:  queues,
		kernels: make(map[kernelKey]*cl.Kernel),
		mems:    make(map[interface{}]*cl.MemObject),
	}, nil
}

func (m *glManager) NumDevices() int { return len(m.devices) }

func (m *glManager) CommandQueue(device int) (interface{}, error) {
	if device < 0 || device >= len(m.queues) {
		return nil, errors.Errorf("clmanager: no such device %d", device)
	}
	return m.queues[device], nil
}

func (m *glManager) Kernel(device int, source, entryPoint, buildOptions string) (interface{}, error) {
	key := kernelKey{device: device, hash: xxhash.Checksum64([]byte(source)), entry: entryPoint, options: buildOptions}
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.kernels[key]; ok {
		return k, nil
	}
	if device < 0 || device >= len(m.devices) {
		return nil, errors.Errorf("clmanager: no such device %d", device)
	}
	program, err := m.ctx.CreateProgramWithSource([]string{source})
	if err != nil {
		return nil, errors.Wrap(err, "clmanager: create program")
	}
	if err := program.BuildProgram([]*cl.Device{m.devices[device]}, buildOptions); err != nil {
		return nil, errors.Wrap(err, "clmanager: build program")
	}
	kernel, err := program.CreateKernel(entryPoint)
	if err != nil {
		return nil, errors.Wrapf(err, "clmanager: create kernel %q", entryPoint)
	}
	m.kernels[key] = kernel
	return kernel, nil
}

func (m *glManager) Alloc(device int, bytes int, image bool, dims buffer.Requisition) (interface{}, error) {
	mem, err := m.ctx.CreateEmptyBuffer(cl.MemReadWrite, bytes)
	if err != nil {
		return nil, errors.Wrap(err, "clmanager: create buffer")
	}
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.mems[id] = mem
	m.mu.Unlock()
	return id, nil
}

func (m *glManager) Free(device int, handle interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mem, ok := m.mems[handle]; ok {
		mem.Release()
		delete(m.mems, handle)
	}
	return nil
}

func (m *glManager) CopyHostToDevice(device int, handle interface{}, host []float32) error {
	if device < 0 || device >= len(m.queues) {
		return errors.Errorf("clmanager: no such device %d", device)
	}
	m.mu.Lock()
	mem, ok := m.mems[handle]
	m.mu.Unlock()
	if !ok {
		return errors.New("clmanager: unknown device memory handle")
	}
	_, err := m.queues[device].EnqueueWriteBufferFloat32(mem, true, 0, host, nil)
	if err != nil {
		return errors.Wrap(err, "clmanager: enqueue write buffer")
	}
	return nil
}

func (m *glManager) CopyDeviceToHost(device int, handle interface{}, host []float32) error {
	if device < 0 || device >= len(m.queues) {
		return errors.Errorf("clmanager: no such device %d", device)
	}
	m.mu.Lock()
	mem, ok := m.mems[handle]
	m.mu.Unlock()
	if !ok {
		return errors.New("clmanager: unknown device memory handle")
	}
	_, err := m.queues[device].EnqueueReadBufferFloat32(mem, true, 0, host, nil)
	if err != nil {
		return errors.Wrap(err, "clmanager: enqueue read buffer")
	}
	return nil
}

func (m *glManager) CopyDeviceToDevice(srcDevice int, srcHandle interface{}, dstDevice int, dstHandle interface{}, bytes int) error {
	m.mu.Lock()
	src, ok1 := m.mems[srcHandle]
	dst, ok2 := m.mems[dstHandle]
	m.mu.Unlock()
	if !ok1 || !ok2 {
		return errors.New("clmanager: unknown device memory handle")
	}
	_, err := m.queues[srcDevice].EnqueueCopyBuffer(src, dst, 0, 0, bytes, nil)
	if err != nil {
		return errors.Wrap(err, "clmanager: enqueue copy buffer")
	}
	return nil
}

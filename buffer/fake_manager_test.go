package buffer

import "sync"

// fakeDeviceManager is a minimal in-process stand-in for clmanager.Manager,
// used so buffer package tests don't depend on the clmanager package (and
// so clmanager tests can depend on buffer without a cycle).
type fakeDeviceManager struct {
	mu   sync.Mutex
	mems map[interface{}][]float32
	next int
}

func newFakeDeviceManager() *fakeDeviceManager {
	return &fakeDeviceManager{mems: make(map[interface{}][]float32)}
}

func (f *fakeDeviceManager) Alloc(device int, bytes int, image bool, dims Requisition) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	h := f.next
	f.mems[h] = make([]float32, bytes/4)
	return h, nil
}

func (f *fakeDeviceManager) Free(device int, handle interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.mems, handle)
	return nil
}

func (f *fakeDeviceManager) CopyHostToDevice(device int, handle interface{}, host []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy(f.mems[handle], host)
	return nil
}

func (f *fakeDeviceManager) CopyDeviceToHost(device int, handle interface{}, host []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy(host, f.mems[handle])
	return nil
}

func (f *fakeDeviceManager) CopyDeviceToDevice(srcDevice int, srcHandle interface{}, dstDevice int, dstHandle interface{}, bytes int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy(f.mems[dstHandle], f.mems[srcHandle])
	return nil
}

// write sets index 0 of the first non-empty device memory it finds (the
// handleIdx argument is ignored) — a test-only backdoor used to simulate a GPU kernel mutating device
// memory behind the buffer's back.
func (f *fakeDeviceManager) write(handleIdx int, v float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for h, mem := range f.mems {
		_ = h
		if len(mem) > 0 {
			mem[0] = v
			return
		}
	}
}

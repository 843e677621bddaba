// Package buffer implements the multidimensional float32 buffer abstraction
// that flows along UFO-core task graph edges, including its host/device
// location discipline and bounded pool allocator.
//
// A Buffer holds at most three dimensions of float32 data and tracks which
// of its representations (host array, per-device memory object, per-device
// image object) is currently authoritative. Migration between
// representations happens lazily, only when a consumer asks for a
// representation the buffer doesn't currently hold.
package buffer

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// Location identifies which representation of a Buffer's data is currently
// authoritative. At most one location is authoritative at a time.
type Location uint8

const (
	// LocInvalid means the buffer has no authoritative copy yet.
	LocInvalid Location = iota
	// LocHost means the float32 host array is authoritative.
	LocHost
	// LocDevice means a device memory object is authoritative.
	LocDevice
	// LocDeviceImage means a device 2D image object is authoritative.
	LocDeviceImage
)

func (l Location) String() string {
	switch l {
	case LocInvalid:
		return "invalid"
	case LocHost:
		return "host"
	case LocDevice:
		return "device"
	case LocDeviceImage:
		return "device-image"
	default:
		return "unknown"
	}
}

// Depth names the integer pixel depth a byte payload may be reinterpreted
// from, via Convert/ConvertFromData.
type Depth uint8

const (
	Depth8U  Depth = 8
	Depth16U Depth = 16
)

// Requisition is a shape request a task publishes for the next output it
// will write; a mismatched pool buffer is resized to match before the task
// writes into it.
type Requisition struct {
	NDims int
	Dims  [3]int
}

// Size returns the number of elements the requisition describes.
func (r Requisition) Size() int {
	n := 1
	for i := 0; i < r.NDims; i++ {
		n *= r.Dims[i]
	}
	return n
}

func (r Requisition) String() string {
	return fmt.Sprintf("req%v[:%d]", r.Dims, r.NDims)
}

// deviceMem is an opaque per-device residency slot. The concrete handle
// type is owned by clmanager; buffer only needs to hold and release it.
type deviceMem struct {
	device  int
	handle  interface{}
	isImage bool
}

// Buffer is a dense, up-to-3-dimensional float32 array with lazy migration
// between host memory and one or more GPU memories.
type Buffer struct {
	mu sync.Mutex

	req Requisition

	host     []float32
	location Location

	// devMem is keyed by device index; at most one of it and host may be
	// authoritative, but stale copies for other devices may be retained.
	devMem map[int]*deviceMem
	// authoritative device, valid when location is LocDevice/LocDeviceImage.
	authDevice int

	meta map[string]MetaValue

	pool    *Pool
	manager DeviceManager
}

// DeviceManager is the narrow interface Buffer needs from the OpenCL
// resource manager: allocate/free/copy device memory, independent of the
// concrete compute backend. clmanager.Manager satisfies this.
type DeviceManager interface {
	Alloc(device int, bytes int, image bool, dims Requisition) (interface{}, error)
	Free(device int, handle interface{}) error
	CopyHostToDevice(device int, handle interface{}, host []float32) error
	CopyDeviceToHost(device int, handle interface{}, host []float32) error
	CopyDeviceToDevice(srcDevice int, srcHandle interface{}, dstDevice int, dstHandle interface{}, bytes int) error
}

// New allocates a buffer for the given requisition. Host storage is
// allocated eagerly (cheap); device storage, if mgr is non-nil, is created
// lazily on first device access.
func New(req Requisition, pool *Pool, mgr DeviceManager) *Buffer {
	return &Buffer{
		req:      req,
		host:     make([]float32, req.Size()),
		location: LocInvalid,
		devMem:   make(map[int]*deviceMem),
		meta:     make(map[string]MetaValue),
		pool:     pool,
		manager:  mgr,
	}
}

// Dup returns a new buffer with the same shape, sharing no storage.
func Dup(src *Buffer) *Buffer {
	src.mu.Lock()
	defer src.mu.Unlock()
	return New(src.req, nil, src.manager)
}

// Requisition returns the buffer's current shape.
func (b *Buffer) Requisition() Requisition {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.req
}

// CmpDimensions reports whether the buffer's current shape matches req.
func CmpDimensions(b *Buffer, req Requisition) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.req.NDims != req.NDims {
		return false
	}
	for i := 0; i < req.NDims; i++ {
		if b.req.Dims[i] != req.Dims[i] {
			return false
		}
	}
	return true
}

// Resize changes the buffer's shape. Backing storage is kept when the new
// byte size fits in the old allocation, reallocated otherwise. Resizing
// invalidates any device copies, since their size no longer matches.
func (b *Buffer) Resize(req Requisition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resizeLocked(req)
}

func (b *Buffer) resizeLocked(req Requisition) {
	newSize := req.Size()
	if newSize > cap(b.host) {
		b.host = make([]float32, newSize)
	} else {
		b.host = b.host[:newSize]
	}
	b.req = req
	b.freeDeviceLocked()
	if b.location != LocInvalid {
		b.location = LocHost
	}
}

func (b *Buffer) freeDeviceLocked() {
	if b.manager == nil {
		return
	}
	for dev, m := range b.devMem {
		_ = b.manager.Free(dev, m.handle)
		delete(b.devMem, dev)
	}
}

// DiscardLocation re-marks the buffer as invalid without copying data; an
// optimisation for producers about to overwrite the whole buffer.
func (b *Buffer) DiscardLocation() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.location = LocInvalid
}

// GetHostArray migrates to LocHost if needed and returns the host float32
// slice for read/write. The caller must not retain it across a subsequent
// device accessor call without re-requesting.
func (b *Buffer) GetHostArray() ([]float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.migrateToHostLocked(); err != nil {
		return nil, err
	}
	return b.host, nil
}

func (b *Buffer) migrateToHostLocked() error {
	switch b.location {
	case LocHost:
		return nil
	case LocInvalid:
		b.location = LocHost
		return nil
	case LocDevice, LocDeviceImage:
		m, ok := b.devMem[b.authDevice]
		if !ok || b.manager == nil {
			return errors.New("buffer: device location authoritative but no device memory bound")
		}
		if err := b.manager.CopyDeviceToHost(b.authDevice, m.handle, b.host); err != nil {
			return errors.Wrap(err, "buffer: device to host migration failed")
		}
		b.location = LocHost
		return nil
	default:
		return errors.Errorf("buffer: unknown location %v", b.location)
	}
}

// GetDeviceArray migrates to DEVICE(device) if needed and returns the
// opaque device memory handle. If the buffer is currently authoritative on
// a different device d2, the migration path is d2 -> host -> device.
func (b *Buffer) GetDeviceArray(device int) (interface{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.migrateToDeviceLocked(device, false)
}

// GetDeviceImage migrates to DEVICE_IMAGE(device).
func (b *Buffer) GetDeviceImage(device int) (interface{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.migrateToDeviceLocked(device, true)
}

func (b *Buffer) migrateToDeviceLocked(device int, image bool) (interface{}, error) {
	if b.manager == nil {
		return nil, errors.New("buffer: no device manager attached")
	}
	wantLoc := LocDevice
	if image {
		wantLoc = LocDeviceImage
	}
	if b.location == wantLoc && b.authDevice == device {
		return b.devMem[device].handle, nil
	}

	// d2 -> host first, if currently authoritative elsewhere.
	if b.location == LocDevice || b.location == LocDeviceImage {
		if b.authDevice != device {
			if err := b.migrateToHostLocked(); err != nil {
				return nil, err
			}
		}
	}

	m, ok := b.devMem[device]
	if !ok {
		handle, err := b.manager.Alloc(device, len(b.host)*4, image, b.req)
		if err != nil {
			return nil, errors.Wrapf(err, "buffer: alloc on device %d failed", device)
		}
		m = &deviceMem{device: device, handle: handle, isImage: image}
		b.devMem[device] = m
	}

	if b.location == LocHost || b.location == LocInvalid {
		if b.location == LocHost {
			if err := b.manager.CopyHostToDevice(device, m.handle, b.host); err != nil {
				return nil, errors.Wrapf(err, "buffer: host to device %d migration failed", device)
			}
		}
	} else if b.authDevice == device {
		// same device, just switching between buffer/image view: no copy needed.
	}

	b.location = wantLoc
	b.authDevice = device
	m.isImage = image
	return m.handle, nil
}

// Copy makes dst bit-equal to src in its currently-authoritative
// representation, preferring the cheapest migration path.
func Copy(src, dst *Buffer) error {
	src.mu.Lock()
	defer src.mu.Unlock()
	dst.mu.Lock()
	defer dst.mu.Unlock()

	if dst.req.Size() != src.req.Size() {
		dst.resizeLocked(src.req)
	} else {
		dst.req = src.req
	}

	if src.location == LocDevice && dst.manager == src.manager && src.manager != nil {
		handle, err := dst.manager.Alloc(src.authDevice, len(src.host)*4, false, dst.req)
		if err != nil {
			return errors.Wrap(err, "buffer: copy alloc failed")
		}
		srcMem := src.devMem[src.authDevice]
		if err := src.manager.CopyDeviceToDevice(src.authDevice, srcMem.handle, src.authDevice, handle, len(src.host)*4); err != nil {
			return errors.Wrap(err, "buffer: device to device copy failed")
		}
		dst.devMem[src.authDevice] = &deviceMem{device: src.authDevice, handle: handle}
		dst.location = LocDevice
		dst.authDevice = src.authDevice
		return nil
	}

	if err := src.migrateToHostLocked(); err != nil {
		return err
	}
	copy(dst.host, src.host)
	dst.location = LocHost
	return nil
}

// ConvertFromData reinterprets an 8- or 16-bit unsigned integer byte
// payload as float32 by a literal numeric cast of each sample (no
// scaling: a byte value of k becomes exactly k as f32, per spec.md's
// convert_from_data worked example), writing into the buffer's host
// array (which must already be sized to match the element count of
// data).
func (b *Buffer) ConvertFromData(data []byte, depth Depth) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return convertFromData(b.host, data, depth)
}

func convertFromData(dst []float32, data []byte, depth Depth) error {
	switch depth {
	case Depth8U:
		if len(data) > len(dst) {
			return errors.New("buffer: convert-from-data: source larger than destination")
		}
		for i := 0; i < len(data); i++ {
			dst[i] = float32(data[i])
		}
		return nil
	case Depth16U:
		n := len(data) / 2
		if n > len(dst) {
			return errors.New("buffer: convert-from-data: source larger than destination")
		}
		for i := 0; i < n; i++ {
			v := uint16(data[2*i]) | uint16(data[2*i+1])<<8
			dst[i] = float32(v)
		}
		return nil
	default:
		return errors.Errorf("buffer: unsupported depth %d", depth)
	}
}

// Convert reinterprets the buffer's own byte-packed integer payload (held
// in the low bytes of the host float32 backing array, as raw bytes) into
// float32 values in place, by a literal numeric cast of each sample (no
// scaling, matching ConvertFromData). Conversion iterates from the end of
// the sample run so the expansion never overwrites unread source bytes,
// mirroring the original's in-place widening discipline.
func (b *Buffer) Convert(depth Depth) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	raw := floatsAsBytes(b.host)
	n := len(b.host)
	switch depth {
	case Depth8U:
		if n > len(raw) {
			return errors.New("buffer: convert: backing storage too small")
		}
		src := make([]byte, n)
		copy(src, raw[:n])
		for i := n - 1; i >= 0; i-- {
			b.host[i] = float32(src[i])
		}
		return nil
	case Depth16U:
		if n*2 > len(raw) {
			return errors.New("buffer: convert: backing storage too small")
		}
		src := make([]byte, n*2)
		copy(src, raw[:n*2])
		for i := n - 1; i >= 0; i-- {
			v := uint16(src[2*i]) | uint16(src[2*i+1])<<8
			b.host[i] = float32(v)
		}
		return nil
	default:
		return errors.Errorf("buffer: unsupported depth %d", depth)
	}
}

// Release returns the buffer to its owner pool, if any; otherwise it is a
// no-op and the buffer becomes eligible for garbage collection once its
// last reference is dropped.
func (b *Buffer) Release() {
	if b.pool != nil {
		b.pool.release(b)
	}
}

// Location reports the buffer's current authoritative location.
func (b *Buffer) Location() Location {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.location
}

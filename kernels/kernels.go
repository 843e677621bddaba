// Package kernels is UFO-core's elementwise compute catalog: the small
// set of slice-wise float32 operations a filter task runs against image
// buffers. It keeps the teacher's opcode-indexed dispatch table shape
// (kernels.Catalog, one KernelFn per op) but trims the catalog to the
// operations this domain's filter tasks actually need — a fan-in add for
// the N-way sum filter (spec.md §8 scenario 2) and the sum/max reductions
// a REDUCTOR-mode task accumulates across a stream — and drops the
// teacher's activation/matrix ops, which have no home in an image
// pipeline, along with its unsafe byte-reinterpreting calling convention:
// buffer.Buffer already hands out plain []float32 host arrays, so a
// kernel here just operates on those directly.
package kernels

import "github.com/pkg/errors"

// KernelFn writes its result into dst from one or more equal-length srcs.
type KernelFn func(dst []float32, srcs ...[]float32) error

// Kernel operation codes, kept sparse like the teacher's own Catalog so a
// new op can be added without renumbering existing ones.
const (
	OpAdd = 0x00
	OpSum = 0x01
	OpMax = 0x02
)

// Catalog maps opcodes to their kernel implementation.
var Catalog = map[int]KernelFn{
	OpAdd: Add,
	OpSum: Sum,
	OpMax: Max,
}

// GetKernel resolves an opcode to its implementation, erroring on an
// unregistered op rather than silently falling back to a noop — unlike
// the teacher's always-populated [256]KernelFn array, this catalog is
// sparse, so a missing entry is a caller mistake worth surfacing.
func GetKernel(op int) (KernelFn, error) {
	fn, ok := Catalog[op]
	if !ok {
		return nil, errors.Errorf("kernels: no kernel registered for op 0x%02x", op)
	}
	return fn, nil
}

func checkLen(dst []float32, srcs ...[]float32) error {
	for i, s := range srcs {
		if len(s) != len(dst) {
			return errors.Errorf("kernels: source %d has %d elements, dst wants %d", i, len(s), len(dst))
		}
	}
	return nil
}

// Add writes the slice-wise sum of every src into dst: pixel (x,y) of
// output k is the sum across all N inputs of value_at(x,y,k) — the kernel
// spec.md §8 scenario 2's N-way fan-in filter runs.
func Add(dst []float32, srcs ...[]float32) error {
	if err := checkLen(dst, srcs...); err != nil {
		return err
	}
	for i := range dst {
		dst[i] = 0
	}
	for _, src := range srcs {
		for i, v := range src {
			dst[i] += v
		}
	}
	return nil
}

// Sum accumulates a single src into dst in place, the running total a
// REDUCTOR-mode task keeps across its process phase.
func Sum(dst []float32, srcs ...[]float32) error {
	if len(srcs) != 1 {
		return errors.Errorf("kernels: sum takes exactly one source, got %d", len(srcs))
	}
	if err := checkLen(dst, srcs...); err != nil {
		return err
	}
	for i, v := range srcs[0] {
		dst[i] += v
	}
	return nil
}

// Max keeps, per position, the largest value seen across repeated calls
// against the same dst.
func Max(dst []float32, srcs ...[]float32) error {
	if len(srcs) != 1 {
		return errors.Errorf("kernels: max takes exactly one source, got %d", len(srcs))
	}
	if err := checkLen(dst, srcs...); err != nil {
		return err
	}
	for i, v := range srcs[0] {
		if v > dst[i] {
			dst[i] = v
		}
	}
	return nil
}

package shim

import (
	"github.com/pkg/errors"

	"github.com/ufokit/ufocore/buffer"
	"github.com/ufokit/ufocore/graph"
	"github.com/ufokit/ufocore/task"
)

// LoopTask replays every input it receives Count times before accepting
// the next one. Its process phase always signals exhaustion (false) the
// instant it has stashed the latest input, handing control to Generate
// for that item's burst of replays; Generate itself signals false once
// the burst is spent, at which point the scheduler pulls the next input
// and the cycle repeats. This mirrors the original plugin's per-item
// replay loop rather than a single replay-at-end-of-stream.
type LoopTask struct {
	task.Base
	Count int

	stash []float32
	sent  int
}

func (t *LoopTask) NumInputs() int  { return 1 }
func (t *LoopTask) Mode() task.Mode { return task.ModeReductor | task.ModeProcessor }
func (t *LoopTask) GetRequisition(inputs []*buffer.Buffer) (buffer.Requisition, error) {
	if len(inputs) > 0 && inputs[0] != nil {
		return inputs[0].Requisition(), nil
	}
	return buffer.Requisition{NDims: 1, Dims: [3]int{len(t.stash), 0, 0}}, nil
}
func (t *LoopTask) Process(inputs []*buffer.Buffer, _ *buffer.Buffer, _ buffer.Requisition) (bool, error) {
	host, err := inputs[0].GetHostArray()
	if err != nil {
		return false, errors.Wrap(err, "shim: loop task")
	}
	if cap(t.stash) < len(host) {
		t.stash = make([]float32, len(host))
	}
	t.stash = t.stash[:len(host)]
	copy(t.stash, host)
	t.sent = 0
	return false, nil
}
func (t *LoopTask) Generate(output *buffer.Buffer, req buffer.Requisition) (bool, error) {
	if t.Count <= 0 || t.sent >= t.Count {
		return false, nil
	}
	host, err := output.GetHostArray()
	if err != nil {
		return false, err
	}
	if len(host) != len(t.stash) {
		return false, errors.Errorf("shim: loop task requisition mismatch: have %d, want %d", len(host), len(t.stash))
	}
	copy(host, t.stash)
	t.sent++
	return true, nil
}
func (t *LoopTask) Copy() graph.Copyable { return &LoopTask{Count: t.Count} }

// SetProperty accepts the "count" property from a JSON graph description.
func (t *LoopTask) SetProperty(name string, value interface{}) error {
	switch name {
	case "count":
		n, err := propertyInt(value)
		if err != nil {
			return errors.Wrap(err, "shim: loop task property count")
		}
		t.Count = n
		return nil
	default:
		return errors.Errorf("shim: loop task has no property %q", name)
	}
}

// DuplicateTask buffers every input it sees and, once upstream EOS
// arrives, re-emits each of them in arrival order followed by a second
// pass over the same sequence — a faithful completion of the original
// plugin, whose process phase did the array bookkeeping to accumulate
// inputs but never registered a generate phase to actually emit the
// duplicated stream.
type DuplicateTask struct {
	task.Base

	buffered [][]float32
	emitIdx  int
	pass     int
}

func (t *DuplicateTask) NumInputs() int  { return 1 }
func (t *DuplicateTask) Mode() task.Mode { return task.ModeReductor | task.ModeProcessor }
func (t *DuplicateTask) GetRequisition(inputs []*buffer.Buffer) (buffer.Requisition, error) {
	if len(inputs) > 0 && inputs[0] != nil {
		return inputs[0].Requisition(), nil
	}
	if t.emitIdx < len(t.buffered) {
		return buffer.Requisition{NDims: 1, Dims: [3]int{len(t.buffered[t.emitIdx]), 0, 0}}, nil
	}
	return buffer.Requisition{}, nil
}
func (t *DuplicateTask) Process(inputs []*buffer.Buffer, _ *buffer.Buffer, _ buffer.Requisition) (bool, error) {
	host, err := inputs[0].GetHostArray()
	if err != nil {
		return false, errors.Wrap(err, "shim: duplicate task")
	}
	cp := make([]float32, len(host))
	copy(cp, host)
	t.buffered = append(t.buffered, cp)
	return true, nil
}
func (t *DuplicateTask) Generate(output *buffer.Buffer, _ buffer.Requisition) (bool, error) {
	if t.pass >= 2 || t.emitIdx >= len(t.buffered) {
		return false, nil
	}
	host, err := output.GetHostArray()
	if err != nil {
		return false, err
	}
	src := t.buffered[t.emitIdx]
	if len(host) != len(src) {
		return false, errors.Errorf("shim: duplicate task requisition mismatch: have %d, want %d", len(host), len(src))
	}
	copy(host, src)
	t.emitIdx++
	if t.emitIdx >= len(t.buffered) {
		t.pass++
		t.emitIdx = 0
	}
	return true, nil
}
func (t *DuplicateTask) Copy() graph.Copyable { return &DuplicateTask{} }

// ArgMaxTask tracks, across every input it has ever seen, the highest
// element value and its flat index (counted across all inputs in arrival
// order), then emits that single [index, value] record once upstream EOS
// arrives.
// The original plugin only logged this information while passing every
// buffer straight through unchanged; the accumulate-then-emit-once
// shape here lets ArgMaxTask exercise the REDUCTOR contract the way
// shim.DuplicateTask does, while shim.LoopTask exercises its per-item
// variant.
type ArgMaxTask struct {
	task.Base

	best    float32
	hasBest bool
	seen    int
	bestIdx int
}

func (t *ArgMaxTask) NumInputs() int  { return 1 }
func (t *ArgMaxTask) Mode() task.Mode { return task.ModeReductor | task.ModeProcessor }
func (t *ArgMaxTask) GetRequisition(inputs []*buffer.Buffer) (buffer.Requisition, error) {
	if len(inputs) > 0 && inputs[0] != nil {
		return inputs[0].Requisition(), nil
	}
	return buffer.Requisition{NDims: 1, Dims: [3]int{2, 0, 0}}, nil
}
func (t *ArgMaxTask) Process(inputs []*buffer.Buffer, _ *buffer.Buffer, _ buffer.Requisition) (bool, error) {
	host, err := inputs[0].GetHostArray()
	if err != nil {
		return false, errors.Wrap(err, "shim: argmax task")
	}
	for i, v := range host {
		if !t.hasBest || v > t.best {
			t.best = v
			t.hasBest = true
			t.bestIdx = t.seen + i
		}
	}
	t.seen += len(host)
	return true, nil
}
func (t *ArgMaxTask) Generate(output *buffer.Buffer, _ buffer.Requisition) (bool, error) {
	if !t.hasBest {
		return false, nil
	}
	host, err := output.GetHostArray()
	if err != nil {
		return false, err
	}
	if len(host) < 2 {
		return false, errors.Errorf("shim: argmax task requisition too small: have %d, want >=2", len(host))
	}
	host[0] = float32(t.bestIdx)
	host[1] = t.best
	t.hasBest = false
	return true, nil
}
func (t *ArgMaxTask) Copy() graph.Copyable { return &ArgMaxTask{} }

// propertyInt coerces a decoded JSON property value (typically a
// float64, since json-iterator decodes untyped numbers that way) into
// an int, for plugins configured with integer-valued properties.
func propertyInt(value interface{}) (int, error) {
	switch v := value.(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	default:
		return 0, errors.Errorf("want a number, got %T", value)
	}
}

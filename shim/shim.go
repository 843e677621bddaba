// Package shim provides the small, spec-mandated non-plugin tasks every
// UFO-core graph needs at its edges: a generator bridging an external Go
// producer into the graph (InputTask), a sink bridging the graph back out
// to an external Go consumer (OutputTask), a task that forces a private
// copy to break SHARE_DATA aliasing (CopyTask), and a structural
// placeholder with no data effect (DummyTask).
package shim

import (
	"github.com/pkg/errors"

	"github.com/ufokit/ufocore/buffer"
	"github.com/ufokit/ufocore/graph"
	"github.com/ufokit/ufocore/task"
)

// InputTask is a generator that pulls host float32 slices from an external
// Feed function until it returns ok=false, bridging an external producer
// (e.g. a decoded video frame source) into the graph.
type InputTask struct {
	task.Base
	Req  buffer.Requisition
	Feed func() (data []float32, ok bool, err error)
}

func (t *InputTask) NumInputs() int  { return 0 }
func (t *InputTask) Mode() task.Mode { return task.ModeGenerator }
func (t *InputTask) GetRequisition(_ []*buffer.Buffer) (buffer.Requisition, error) {
	return t.Req, nil
}
func (t *InputTask) Process(_ []*buffer.Buffer, _ *buffer.Buffer, _ buffer.Requisition) (bool, error) {
	return true, nil
}
func (t *InputTask) Generate(output *buffer.Buffer, req buffer.Requisition) (bool, error) {
	data, ok, err := t.Feed()
	if err != nil {
		return false, errors.Wrap(err, "shim: input task feed")
	}
	if !ok {
		return false, nil
	}
	host, err := output.GetHostArray()
	if err != nil {
		return false, err
	}
	if len(data) != len(host) {
		return false, errors.Errorf("shim: input task fed %d elements, requisition wants %d", len(data), len(host))
	}
	copy(host, data)
	return true, nil
}
func (t *InputTask) Copy() graph.Copyable {
	return &InputTask{Req: t.Req, Feed: t.Feed}
}

// OutputTask is a sink that hands every buffer's host data to an external
// Emit function, bridging the graph's final stream back out to Go code.
type OutputTask struct {
	task.Base
	Emit func(data []float32)
}

func (t *OutputTask) NumInputs() int  { return 1 }
func (t *OutputTask) Mode() task.Mode { return task.ModeSink }
func (t *OutputTask) GetRequisition(inputs []*buffer.Buffer) (buffer.Requisition, error) {
	return inputs[0].Requisition(), nil
}
func (t *OutputTask) Process(inputs []*buffer.Buffer, _ *buffer.Buffer, _ buffer.Requisition) (bool, error) {
	host, err := inputs[0].GetHostArray()
	if err != nil {
		return false, err
	}
	if t.Emit != nil {
		cp := make([]float32, len(host))
		copy(cp, host)
		t.Emit(cp)
	}
	return true, nil
}
func (t *OutputTask) Generate(_ *buffer.Buffer, _ buffer.Requisition) (bool, error) { return false, nil }
func (t *OutputTask) Copy() graph.Copyable                                         { return &OutputTask{Emit: t.Emit} }

// CopyTask forces a private copy of its single input into its output,
// breaking SHARE_DATA aliasing for a downstream consumer that must not
// observe mutations another consumer makes to the same buffer.
type CopyTask struct {
	task.Base
}

func (t *CopyTask) NumInputs() int  { return 1 }
func (t *CopyTask) Mode() task.Mode { return task.ModeProcessor }
func (t *CopyTask) GetRequisition(inputs []*buffer.Buffer) (buffer.Requisition, error) {
	return inputs[0].Requisition(), nil
}
func (t *CopyTask) Process(inputs []*buffer.Buffer, output *buffer.Buffer, _ buffer.Requisition) (bool, error) {
	if err := buffer.Copy(inputs[0], output); err != nil {
		return false, errors.Wrap(err, "shim: copy task")
	}
	return true, nil
}
func (t *CopyTask) Generate(_ *buffer.Buffer, _ buffer.Requisition) (bool, error) { return false, nil }
func (t *CopyTask) Copy() graph.Copyable                                         { return &CopyTask{} }

// DummyTask is a structural placeholder: it satisfies Task so a graph can
// exercise wiring/topology code paths with no real data effect. Its
// Process deliberately leaves the output buffer untouched.
type DummyTask struct {
	task.Base
	Inputs int
}

func (t *DummyTask) NumInputs() int  { return t.Inputs }
func (t *DummyTask) Mode() task.Mode { return task.ModeProcessor }
func (t *DummyTask) GetRequisition(inputs []*buffer.Buffer) (buffer.Requisition, error) {
	if len(inputs) > 0 && inputs[0] != nil {
		return inputs[0].Requisition(), nil
	}
	return buffer.Requisition{}, nil
}
func (t *DummyTask) Process(_ []*buffer.Buffer, _ *buffer.Buffer, _ buffer.Requisition) (bool, error) {
	return true, nil
}
func (t *DummyTask) Generate(_ *buffer.Buffer, _ buffer.Requisition) (bool, error) { return false, nil }
func (t *DummyTask) Copy() graph.Copyable                                         { return &DummyTask{Inputs: t.Inputs} }

// SetProperty accepts the "inputs" property from a JSON graph description.
func (t *DummyTask) SetProperty(name string, value interface{}) error {
	if name != "inputs" {
		return errors.Errorf("shim: dummy task has no property %q", name)
	}
	n, ok := value.(float64)
	if !ok {
		return errors.Errorf("shim: dummy task property inputs wants a number, got %T", value)
	}
	t.Inputs = int(n)
	return nil
}

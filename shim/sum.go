package shim

import (
	"github.com/pkg/errors"

	"github.com/ufokit/ufocore/buffer"
	"github.com/ufokit/ufocore/graph"
	"github.com/ufokit/ufocore/kernels"
	"github.com/ufokit/ufocore/task"
)

// SumTask is the N-way fan-in filter of spec.md §8 scenario 2: it
// slice-wise sums its Inputs input ports into a single output buffer via
// kernels.Add, so N identically-shaped producers feeding SumTask yield an
// output where pixel (x,y,k) is the sum of the producers' values there
// (N times the value when every producer emits the same data).
type SumTask struct {
	task.Base
	Inputs int
}

func (t *SumTask) NumInputs() int  { return t.Inputs }
func (t *SumTask) Mode() task.Mode { return task.ModeProcessor }

func (t *SumTask) GetRequisition(inputs []*buffer.Buffer) (buffer.Requisition, error) {
	if len(inputs) == 0 || inputs[0] == nil {
		return buffer.Requisition{}, nil
	}
	return inputs[0].Requisition(), nil
}

func (t *SumTask) Process(inputs []*buffer.Buffer, output *buffer.Buffer, _ buffer.Requisition) (bool, error) {
	srcs := make([][]float32, len(inputs))
	for i, in := range inputs {
		host, err := in.GetHostArray()
		if err != nil {
			return false, err
		}
		srcs[i] = host
	}
	out, err := output.GetHostArray()
	if err != nil {
		return false, err
	}
	if err := kernels.Add(out, srcs...); err != nil {
		return false, errors.Wrap(err, "shim: sum task")
	}
	return true, nil
}

func (t *SumTask) Generate(*buffer.Buffer, buffer.Requisition) (bool, error) { return false, nil }
func (t *SumTask) Copy() graph.Copyable                                     { return &SumTask{Inputs: t.Inputs} }

// SetProperty accepts the "inputs" property from a JSON graph description
// (how many producers feed this fan-in, §6.1).
func (t *SumTask) SetProperty(name string, value interface{}) error {
	if name != "inputs" {
		return errors.Errorf("shim: sum task has no property %q", name)
	}
	n, err := propertyInt(value)
	if err != nil {
		return errors.Wrap(err, "shim: sum task property inputs")
	}
	t.Inputs = n
	return nil
}

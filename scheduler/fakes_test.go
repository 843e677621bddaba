package scheduler

import (
	"sync"

	"github.com/ufokit/ufocore/buffer"
	"github.com/ufokit/ufocore/graph"
	"github.com/ufokit/ufocore/task"
)

// genTask emits N scalar buffers counting up from 0, then signals
// end-of-stream. It has no inputs, so the scheduler drives it through
// runGenerator.
type genTask struct {
	task.Base
	n       int
	emitted int
}

func (g *genTask) NumInputs() int  { return 0 }
func (g *genTask) Mode() task.Mode { return task.ModeGenerator }
func (g *genTask) GetRequisition(_ []*buffer.Buffer) (buffer.Requisition, error) {
	return buffer.Requisition{NDims: 1, Dims: [3]int{1, 0, 0}}, nil
}
func (g *genTask) Process(_ []*buffer.Buffer, _ *buffer.Buffer, _ buffer.Requisition) (bool, error) {
	return true, nil
}
func (g *genTask) Generate(output *buffer.Buffer, _ buffer.Requisition) (bool, error) {
	if g.emitted >= g.n {
		return false, nil
	}
	host, err := output.GetHostArray()
	if err != nil {
		return false, err
	}
	host[0] = float32(g.emitted)
	g.emitted++
	return true, nil
}
func (g *genTask) Copy() graph.Copyable { return &genTask{n: g.n} }

// doubleTask multiplies its single input by 2.
type doubleTask struct {
	task.Base
}

func (d *doubleTask) NumInputs() int  { return 1 }
func (d *doubleTask) Mode() task.Mode { return task.ModeProcessor }
func (d *doubleTask) GetRequisition(inputs []*buffer.Buffer) (buffer.Requisition, error) {
	return inputs[0].Requisition(), nil
}
func (d *doubleTask) Process(inputs []*buffer.Buffer, output *buffer.Buffer, _ buffer.Requisition) (bool, error) {
	in, err := inputs[0].GetHostArray()
	if err != nil {
		return false, err
	}
	out, err := output.GetHostArray()
	if err != nil {
		return false, err
	}
	for i := range in {
		out[i] = in[i] * 2
	}
	return true, nil
}
func (d *doubleTask) Generate(_ *buffer.Buffer, _ buffer.Requisition) (bool, error) { return false, nil }
func (d *doubleTask) Copy() graph.Copyable                                         { return &doubleTask{} }

// collectTask is a sink: it appends every value it sees (under a mutex,
// since the scheduler may call it from its own dedicated worker but tests
// read the slice from the main goroutine after Run returns).
type collectTask struct {
	task.Base
	mu  sync.Mutex
	got []float32
}

func (c *collectTask) NumInputs() int  { return 1 }
func (c *collectTask) Mode() task.Mode { return task.ModeSink }
func (c *collectTask) GetRequisition(inputs []*buffer.Buffer) (buffer.Requisition, error) {
	return inputs[0].Requisition(), nil
}
func (c *collectTask) Process(inputs []*buffer.Buffer, _ *buffer.Buffer, _ buffer.Requisition) (bool, error) {
	in, err := inputs[0].GetHostArray()
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	c.got = append(c.got, in[0])
	c.mu.Unlock()
	return true, nil
}
func (c *collectTask) Generate(_ *buffer.Buffer, _ buffer.Requisition) (bool, error) { return false, nil }
func (c *collectTask) Copy() graph.Copyable                                         { return &collectTask{} }

func (c *collectTask) values() []float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]float32, len(c.got))
	copy(out, c.got)
	return out
}

// reductorTask adds every input it sees to a running sum, then on
// upstream EOS emits that sum once as a single final output (the ArgMax/Loop-style
// two-phase REDUCTOR contract).
type reductorTask struct {
	task.Base
	sum      float32
	done     bool
	produced bool
}

func (r *reductorTask) NumInputs() int  { return 1 }
func (r *reductorTask) Mode() task.Mode { return task.ModeReductor | task.ModeProcessor }
func (r *reductorTask) GetRequisition(inputs []*buffer.Buffer) (buffer.Requisition, error) {
	if len(inputs) > 0 && inputs[0] != nil {
		return inputs[0].Requisition(), nil
	}
	return buffer.Requisition{NDims: 1, Dims: [3]int{1, 0, 0}}, nil
}
func (r *reductorTask) Process(inputs []*buffer.Buffer, _ *buffer.Buffer, _ buffer.Requisition) (bool, error) {
	in, err := inputs[0].GetHostArray()
	if err != nil {
		return false, err
	}
	r.sum += in[0]
	return true, nil
}
func (r *reductorTask) Generate(output *buffer.Buffer, _ buffer.Requisition) (bool, error) {
	if r.produced {
		return false, nil
	}
	host, err := output.GetHostArray()
	if err != nil {
		return false, err
	}
	host[0] = r.sum
	r.produced = true
	return true, nil
}
func (r *reductorTask) Copy() graph.Copyable { return &reductorTask{} }

// loopingTask replays every input it sees Count times before accepting
// the next one: Process always signals false (handing off to Generate
// for that item's burst), and Generate signals false once the burst is
// spent so the scheduler loops back for the next input. Exercises the
// per-item REDUCTOR variant (shim.LoopTask's shape) rather than the
// accumulate-until-EOS variant reductorTask exercises.
type loopingTask struct {
	task.Base
	Count int

	val  float32
	sent int
}

func (l *loopingTask) NumInputs() int  { return 1 }
func (l *loopingTask) Mode() task.Mode { return task.ModeReductor | task.ModeProcessor }
func (l *loopingTask) GetRequisition(inputs []*buffer.Buffer) (buffer.Requisition, error) {
	if len(inputs) > 0 && inputs[0] != nil {
		return inputs[0].Requisition(), nil
	}
	return buffer.Requisition{NDims: 1, Dims: [3]int{1, 0, 0}}, nil
}
func (l *loopingTask) Process(inputs []*buffer.Buffer, _ *buffer.Buffer, _ buffer.Requisition) (bool, error) {
	host, err := inputs[0].GetHostArray()
	if err != nil {
		return false, err
	}
	l.val = host[0]
	l.sent = 0
	return false, nil
}
func (l *loopingTask) Generate(output *buffer.Buffer, _ buffer.Requisition) (bool, error) {
	if l.sent >= l.Count {
		return false, nil
	}
	host, err := output.GetHostArray()
	if err != nil {
		return false, err
	}
	host[0] = l.val
	l.sent++
	return true, nil
}
func (l *loopingTask) Copy() graph.Copyable { return &loopingTask{Count: l.Count} }

package remote

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ufokit/ufocore/buffer"
	"github.com/ufokit/ufocore/clmanager"
	"github.com/ufokit/ufocore/graph"
	"github.com/ufokit/ufocore/registry"
	"github.com/ufokit/ufocore/task"
)

// doubleTask doubles every element of its single input, mirroring
// scheduler's own internal fixture of the same name.
type doubleTask struct{ task.Base }

func (t *doubleTask) NumInputs() int  { return 1 }
func (t *doubleTask) Mode() task.Mode { return task.ModeProcessor }
func (t *doubleTask) GetRequisition(inputs []*buffer.Buffer) (buffer.Requisition, error) {
	return inputs[0].Requisition(), nil
}
func (t *doubleTask) Process(inputs []*buffer.Buffer, output *buffer.Buffer, _ buffer.Requisition) (bool, error) {
	in, err := inputs[0].GetHostArray()
	if err != nil {
		return false, err
	}
	out, err := output.GetHostArray()
	if err != nil {
		return false, err
	}
	for i, v := range in {
		out[i] = v * 2
	}
	return true, nil
}
func (t *doubleTask) Generate(*buffer.Buffer, buffer.Requisition) (bool, error) { return false, nil }
func (t *doubleTask) Copy() graph.Copyable                                     { return &doubleTask{} }

func startTestDaemon(t *testing.T, reg *registry.Registry) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	d := &Daemon{Registry: reg, Manager: clmanager.NewCPUManager(1)}
	ctx, cancel := context.WithCancel(context.Background())
	go d.ServeListener(ctx, ln)

	return ln.Addr().String(), func() { cancel(); ln.Close() }
}

func TestRemoteTaskRoundTripsThroughDaemon(t *testing.T) {
	reg := registry.New()
	reg.Register("double", func() (task.Task, error) { return &doubleTask{}, nil })

	addr, stop := startTestDaemon(t, reg)
	defer stop()

	subgraph := []byte(`{"nodes":[{"name":"double","id":"n1"}]}`)
	rt := &RemoteTask{Addr: "tcp://" + addr, SubgraphJSON: subgraph, NumInputsVal: 1}

	require.NoError(t, rt.Setup(task.Resources{}))
	defer rt.Close()

	mgr := clmanager.NewCPUManager(1)
	pool := buffer.NewPool(4, mgr)

	in, err := pool.Acquire(context.Background(), buffer.Requisition{NDims: 1, Dims: [3]int{3, 0, 0}})
	require.NoError(t, err)
	host, err := in.GetHostArray()
	require.NoError(t, err)
	copy(host, []float32{1, 2, 3})

	req, err := rt.GetRequisition([]*buffer.Buffer{in})
	require.NoError(t, err)
	assert.Equal(t, 3, req.Size())

	out, err := pool.Acquire(context.Background(), req)
	require.NoError(t, err)

	ok, err := rt.Process([]*buffer.Buffer{in}, out, req)
	require.NoError(t, err)
	assert.True(t, ok)

	outHost, err := out.GetHostArray()
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 4, 6}, outHost)
}

func TestRemoteTaskAuthHandshake(t *testing.T) {
	reg := registry.New()
	reg.Register("double", func() (task.Task, error) { return &doubleTask{}, nil })
	secret := []byte("shared-secret")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	d := &Daemon{Registry: reg, Manager: clmanager.NewCPUManager(1), AuthSecret: secret}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.ServeListener(ctx, ln)
	defer ln.Close()

	subgraph := []byte(`{"nodes":[{"name":"double","id":"n1"}]}`)
	rt := &RemoteTask{Addr: "tcp://" + ln.Addr().String(), SubgraphJSON: subgraph, NumInputsVal: 1, AuthSecret: secret}
	require.NoError(t, rt.Setup(task.Resources{}))
	rt.Close()
}

func TestRemoteTaskRejectsWrongSecret(t *testing.T) {
	reg := registry.New()
	reg.Register("double", func() (task.Task, error) { return &doubleTask{}, nil })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	d := &Daemon{Registry: reg, Manager: clmanager.NewCPUManager(1), AuthSecret: []byte("correct")}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.ServeListener(ctx, ln)
	defer ln.Close()

	subgraph := []byte(`{"nodes":[{"name":"double","id":"n1"}]}`)
	rt := &RemoteTask{Addr: "tcp://" + ln.Addr().String(), SubgraphJSON: subgraph, NumInputsVal: 1, AuthSecret: []byte("wrong")}
	err = rt.Setup(task.Resources{})
	assert.Error(t, err)
}

func TestExpandSplicesRemoteTaskIntoGraph(t *testing.T) {
	g := graph.New()
	gen := &genTaskStub{}
	dbl := &doubleTask{}
	sink := &sinkTaskStub{}

	genNode, err := g.AddNode("gen", gen)
	require.NoError(t, err)
	dblNode, err := g.AddNode("double", dbl)
	require.NoError(t, err)
	sinkNode, err := g.AddNode("sink", sink)
	require.NoError(t, err)

	require.NoError(t, g.Connect(genNode.ID, dblNode.ID, 0))
	require.NoError(t, g.Connect(dblNode.ID, sinkNode.ID, 0))

	_, err = Expand(g, []string{dblNode.ID}, map[string]Peer{
		dblNode.ID: {Addr: "tcp://127.0.0.1:9"},
	})
	require.NoError(t, err)

	_, stillThere := g.Node(dblNode.ID)
	assert.False(t, stillThere)

	var found bool
	for _, n := range g.Nodes() {
		if _, ok := n.Payload.(*RemoteTask); ok {
			found = true
		}
	}
	assert.True(t, found)
}

type genTaskStub struct{ task.Base }

func (t *genTaskStub) NumInputs() int  { return 0 }
func (t *genTaskStub) Mode() task.Mode { return task.ModeGenerator }
func (t *genTaskStub) GetRequisition([]*buffer.Buffer) (buffer.Requisition, error) {
	return buffer.Requisition{NDims: 1, Dims: [3]int{1, 0, 0}}, nil
}
func (t *genTaskStub) Process([]*buffer.Buffer, *buffer.Buffer, buffer.Requisition) (bool, error) {
	return true, nil
}
func (t *genTaskStub) Generate(*buffer.Buffer, buffer.Requisition) (bool, error) { return false, nil }
func (t *genTaskStub) Copy() graph.Copyable                                     { return &genTaskStub{} }

type sinkTaskStub struct{ task.Base }

func (t *sinkTaskStub) NumInputs() int  { return 1 }
func (t *sinkTaskStub) Mode() task.Mode { return task.ModeSink }
func (t *sinkTaskStub) GetRequisition(inputs []*buffer.Buffer) (buffer.Requisition, error) {
	return inputs[0].Requisition(), nil
}
func (t *sinkTaskStub) Process([]*buffer.Buffer, *buffer.Buffer, buffer.Requisition) (bool, error) {
	return true, nil
}
func (t *sinkTaskStub) Generate(*buffer.Buffer, buffer.Requisition) (bool, error) { return false, nil }
func (t *sinkTaskStub) Copy() graph.Copyable                                     { return &sinkTaskStub{} }

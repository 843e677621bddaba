package jsonloader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ufokit/ufocore/registry"
	"github.com/ufokit/ufocore/shim"
	"github.com/ufokit/ufocore/task"
)

func testRegistry() *registry.Registry {
	reg := registry.New()
	reg.Register("dummy", func() (task.Task, error) { return &shim.DummyTask{Inputs: 1}, nil })
	reg.Register("loop", func() (task.Task, error) { return &shim.LoopTask{}, nil })
	return reg
}

func TestLoadBuildsConnectedGraph(t *testing.T) {
	doc := `{
		"nodes": [
			{"name": "dummy", "id": "a"},
			{"name": "dummy", "id": "b"}
		],
		"edges": [
			{"from": {"name": "a", "output": 0}, "to": {"name": "b", "input": 0}}
		]
	}`

	g, err := Load([]byte(doc), testRegistry())
	require.NoError(t, err)

	a, ok := g.Node("a")
	require.True(t, ok)
	b, ok := g.Node("b")
	require.True(t, ok)

	succ := g.Successors(a.ID)
	require.Len(t, succ, 1)
	assert.Equal(t, b.ID, succ[0].Dst)
}

func TestLoadResolvesEdgesByNameWhenIDOmitted(t *testing.T) {
	doc := `{
		"nodes": [
			{"name": "dummy"},
			{"name": "loop", "id": "sink"}
		],
		"edges": [
			{"from": {"name": "dummy"}, "to": {"name": "sink", "input": 0}}
		]
	}`

	g, err := Load([]byte(doc), testRegistry())
	require.NoError(t, err)
	dummyID, ok := "", false
	for _, n := range g.Nodes() {
		if n.Label == "dummy" {
			dummyID, ok = n.ID, true
		}
	}
	require.True(t, ok, "node ref defaults to plugin name when id omitted")
	succ := g.Successors(dummyID)
	require.Len(t, succ, 1)
}

func TestLoadAppliesPropertiesViaPropertySetter(t *testing.T) {
	doc := `{
		"nodes": [
			{"name": "loop", "id": "l", "properties": {"count": 5}}
		],
		"edges": []
	}`

	g, err := Load([]byte(doc), testRegistry())
	require.NoError(t, err)
	n, ok := g.Node("l")
	require.True(t, ok)
	lt, ok := n.Payload.(*shim.LoopTask)
	require.True(t, ok)
	assert.Equal(t, 5, lt.Count)
}

func TestLoadMergesPropSetWithNodeOverrides(t *testing.T) {
	doc := `{
		"prop-sets": {
			"fast": {"count": 2}
		},
		"nodes": [
			{"name": "loop", "id": "l1", "prop-set": "fast"},
			{"name": "loop", "id": "l2", "prop-set": "fast", "properties": {"count": 9}}
		],
		"edges": []
	}`

	g, err := Load([]byte(doc), testRegistry())
	require.NoError(t, err)

	n1, _ := g.Node("l1")
	assert.Equal(t, 2, n1.Payload.(*shim.LoopTask).Count)

	n2, _ := g.Node("l2")
	assert.Equal(t, 9, n2.Payload.(*shim.LoopTask).Count, "node-level property overrides the prop-set bundle")
}

func TestLoadRejectsUnknownPlugin(t *testing.T) {
	doc := `{"nodes": [{"name": "nope"}], "edges": []}`
	_, err := Load([]byte(doc), testRegistry())
	assert.Error(t, err)
}

func TestLoadRejectsEdgeToUnknownNode(t *testing.T) {
	doc := `{
		"nodes": [{"name": "dummy", "id": "a"}],
		"edges": [{"from": {"name": "a"}, "to": {"name": "ghost", "input": 0}}]
	}`
	_, err := Load([]byte(doc), testRegistry())
	assert.Error(t, err)
}

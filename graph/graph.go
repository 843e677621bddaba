// Package graph implements the labeled DAG of task nodes that UFO-core
// pipelines are built from: connect/disconnect, predecessor/successor
// queries, root/leaf discovery, topological enumeration, deep copy, and
// the flatten/expand operations the scheduler uses to replicate GPU or
// remote sub-paths.
//
// The representation follows the teacher's model.Graph (a flat node slice
// plus an edge list) but generalizes nodes from fixed neural-net compute
// units to arbitrary, user-supplied payloads via the Copyable interface,
// and edges from unlabeled neighbor lists to labeled, port-addressed
// connections.
package graph

import (
	"github.com/pkg/errors"
	"github.com/teris-io/shortid"
)

// Copyable is implemented by whatever a Graph node's Payload holds, so
// Graph.Copy can clone it without the graph package knowing its concrete
// type (the task package's Task values implement this).
type Copyable interface {
	Copy() Copyable
}

// Node is a single vertex: an identity, optional label (plugin name), and
// an opaque payload (typically a task.Task).
type Node struct {
	ID      string
	Label   string
	Payload Copyable
}

// Edge connects src's single output to dst's input port Port. Multiple
// edges may share the same (src,dst) pair with different ports.
type Edge struct {
	Src, Dst string
	Port     int
}

// Graph is a set of nodes and a set of directed labeled edges.
type Graph struct {
	nodes map[string]*Node
	order []string // insertion order, for deterministic iteration
	edges []Edge
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{nodes: make(map[string]*Node)}
}

// AddNode inserts a node, generating an ID via shortid if one wasn't
// supplied (mirrors the JSON loader's optional per-node "id" field, §6.1).
func (g *Graph) AddNode(label string, payload Copyable) (*Node, error) {
	id, err := shortid.Generate()
	if err != nil {
		return nil, errors.Wrap(err, "graph: generate node id")
	}
	return g.AddNodeWithID(id, label, payload)
}

// AddNodeWithID inserts a node under an explicit ID.
func (g *Graph) AddNodeWithID(id, label string, payload Copyable) (*Node, error) {
	if _, exists := g.nodes[id]; exists {
		return nil, errors.Errorf("graph: duplicate node id %q", id)
	}
	n := &Node{ID: id, Label: label, Payload: payload}
	g.nodes[id] = n
	g.order = append(g.order, id)
	return n, nil
}

// Node looks up a node by ID.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Connect adds a labeled edge from src's output to dst's input port.
func (g *Graph) Connect(src, dst string, port int) error {
	if _, ok := g.nodes[src]; !ok {
		return errors.Errorf("graph: connect: unknown src node %q", src)
	}
	if _, ok := g.nodes[dst]; !ok {
		return errors.Errorf("graph: connect: unknown dst node %q", dst)
	}
	g.edges = append(g.edges, Edge{Src: src, Dst: dst, Port: port})
	return nil
}

// Disconnect removes every edge between src and dst on the given port (or
// every port, if port is negative).
func (g *Graph) Disconnect(src, dst string, port int) {
	kept := g.edges[:0]
	for _, e := range g.edges {
		if e.Src == src && e.Dst == dst && (port < 0 || e.Port == port) {
			continue
		}
		kept = append(kept, e)
	}
	g.edges = kept
}

// RemoveNode deletes n and every edge touching it. Used by package
// remote's expand-remote phase to retire a sub-path's original nodes once
// a RemoteTask proxy has been spliced in to replace them.
func (g *Graph) RemoveNode(id string) {
	if _, ok := g.nodes[id]; !ok {
		return
	}
	delete(g.nodes, id)
	for i, oid := range g.order {
		if oid == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	kept := g.edges[:0]
	for _, e := range g.edges {
		if e.Src == id || e.Dst == id {
			continue
		}
		kept = append(kept, e)
	}
	g.edges = kept
}

// Predecessors returns the (producer, port) pairs feeding into n.
func (g *Graph) Predecessors(n string) []Edge {
	var out []Edge
	for _, e := range g.edges {
		if e.Dst == n {
			out = append(out, e)
		}
	}
	return out
}

// Successors returns the (consumer, port) pairs n feeds into.
func (g *Graph) Successors(n string) []Edge {
	var out []Edge
	for _, e := range g.edges {
		if e.Src == n {
			out = append(out, e)
		}
	}
	return out
}

// Roots returns nodes with no in-edges.
func (g *Graph) Roots() []*Node {
	hasIn := make(map[string]bool)
	for _, e := range g.edges {
		hasIn[e.Dst] = true
	}
	var out []*Node
	for _, id := range g.order {
		if !hasIn[id] {
			out = append(out, g.nodes[id])
		}
	}
	return out
}

// Leaves returns nodes with no out-edges.
func (g *Graph) Leaves() []*Node {
	hasOut := make(map[string]bool)
	for _, e := range g.edges {
		hasOut[e.Src] = true
	}
	var out []*Node
	for _, id := range g.order {
		if !hasOut[id] {
			out = append(out, g.nodes[id])
		}
	}
	return out
}

// Topological returns nodes in a valid topological order using Kahn's
// algorithm (the same algorithm the teacher's model.Graph.topologicalSort
// uses), returning an error if a cycle is detected.
func (g *Graph) Topological() ([]*Node, error) {
	inDegree := make(map[string]int, len(g.nodes))
	adj := make(map[string][]string)
	for id := range g.nodes {
		inDegree[id] = 0
	}
	for _, e := range g.edges {
		adj[e.Src] = append(adj[e.Src], e.Dst)
		inDegree[e.Dst]++
	}

	var queue []string
	for _, id := range g.order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	var order []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		order = append(order, cur)
		for _, next := range adj[cur] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(g.nodes) {
		return nil, errors.New("graph: cycle detected")
	}

	out := make([]*Node, len(order))
	for i, id := range order {
		out[i] = g.nodes[id]
	}
	return out, nil
}

// Copy clones the graph: every node's payload is cloned via Copy(),
// preserving edge labels but giving every node a fresh identity.
func (g *Graph) Copy() (*Graph, map[string]string, error) {
	out := New()
	idMap := make(map[string]string, len(g.nodes))
	for _, id := range g.order {
		n := g.nodes[id]
		var payload Copyable
		if n.Payload != nil {
			payload = n.Payload.Copy()
		}
		newNode, err := g.AddNodeTo(out, n.Label, payload)
		if err != nil {
			return nil, nil, err
		}
		idMap[id] = newNode.ID
	}
	for _, e := range g.edges {
		if err := out.Connect(idMap[e.Src], idMap[e.Dst], e.Port); err != nil {
			return nil, nil, err
		}
	}
	return out, idMap, nil
}

// AddNodeTo is a helper so Copy can insert into a different graph instance
// while reusing AddNode's ID generation.
func (g *Graph) AddNodeTo(dst *Graph, label string, payload Copyable) (*Node, error) {
	return dst.AddNode(label, payload)
}

// Flatten returns the linear sequence of node IDs if the graph is a single
// chain (every node has at most one predecessor and at most one
// successor), root to leaf. Returns an error otherwise.
func (g *Graph) Flatten() ([]string, error) {
	roots := g.Roots()
	if len(roots) != 1 {
		return nil, errors.Errorf("graph: flatten: expected exactly 1 root, got %d", len(roots))
	}
	var path []string
	cur := roots[0].ID
	visited := make(map[string]bool)
	for {
		if visited[cur] {
			return nil, errors.New("graph: flatten: cycle detected")
		}
		visited[cur] = true
		path = append(path, cur)
		succ := g.Successors(cur)
		if len(succ) == 0 {
			break
		}
		if len(succ) > 1 {
			return nil, errors.Errorf("graph: flatten: node %q is not single-chain (fan-out)", cur)
		}
		next := succ[0].Dst
		if len(g.Predecessors(next)) > 1 {
			return nil, errors.Errorf("graph: flatten: node %q is not single-chain (fan-in)", next)
		}
		cur = next
	}
	return path, nil
}

// Expand replaces a single-chain path in place with k parallel copies,
// splicing each copy between the path's original predecessor(s) and
// successor(s). Each replica's payload comes from calling Copy() on the
// original node's payload.
func (g *Graph) Expand(path []string, k int) ([][]string, error) {
	if k < 1 {
		return nil, errors.New("graph: expand: k must be >= 1")
	}
	if len(path) == 0 {
		return nil, errors.New("graph: expand: empty path")
	}
	if k == 1 {
		return [][]string{path}, nil
	}

	head := path[0]
	tail := path[len(path)-1]
	preds := g.Predecessors(head)
	succs := g.Successors(tail)

	replicas := make([][]string, k)
	replicas[0] = path
	for r := 1; r < k; r++ {
		replica := make([]string, len(path))
		prevID := ""
		for i, id := range path {
			n, ok := g.nodes[id]
			if !ok {
				return nil, errors.Errorf("graph: expand: unknown node %q", id)
			}
			var payload Copyable
			if n.Payload != nil {
				payload = n.Payload.Copy()
			}
			newNode, err := g.AddNode(n.Label, payload)
			if err != nil {
				return nil, err
			}
			replica[i] = newNode.ID
			if i > 0 {
				if err := g.Connect(prevID, newNode.ID, 0); err != nil {
					return nil, err
				}
			}
			prevID = newNode.ID
		}
		for _, e := range preds {
			if err := g.Connect(e.Src, replica[0], e.Port); err != nil {
				return nil, err
			}
		}
		for _, e := range succs {
			if err := g.Connect(replica[len(replica)-1], e.Dst, e.Port); err != nil {
				return nil, err
			}
		}
		replicas[r] = replica
	}
	return replicas, nil
}

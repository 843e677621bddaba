// Package jsonloader builds a graph.Graph from the §6.1 JSON graph
// description: a "nodes" list naming a registry plugin per node plus
// optional properties, and an "edges" list connecting named ports.
// Parsing uses json-iterator's standard-library-compatible config, the
// same choice the aistore pack makes for its own hot-path JSON decoding.
package jsonloader

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/ufokit/ufocore/graph"
	"github.com/ufokit/ufocore/registry"
	"github.com/ufokit/ufocore/task"
)

// Dump serializes a graph (or a single-chain sub-path of one, as produced
// by graph.Graph.Flatten) back to the §6.1 JSON shape, keyed on each
// node's Label rather than any of its configured property state — a node
// built from jsonloader-applied properties doesn't expose them for
// reflection, so a round trip through Dump/Load recreates a fresh,
// default-configured instance of the same plugin. This is what package
// remote's expand-remote phase ships a peer: structure survives the wire,
// per-node tuning does not.
func Dump(g *graph.Graph, path []string) ([]byte, error) {
	include := make(map[string]bool, len(path))
	for _, id := range path {
		include[id] = true
	}
	spec := GraphSpec{}
	for _, id := range path {
		n, ok := g.Node(id)
		if !ok {
			return nil, errors.Errorf("jsonloader: dump: unknown node %q", id)
		}
		spec.Nodes = append(spec.Nodes, NodeSpec{Name: n.Label, ID: n.ID})
	}
	for _, id := range path {
		for _, e := range g.Successors(id) {
			if !include[e.Dst] {
				continue
			}
			spec.Edges = append(spec.Edges, EdgeSpec{
				From: PortRef{Name: id},
				To:   PortRef{Name: e.Dst, Input: e.Port},
			})
		}
	}
	return jsonAPI.Marshal(spec)
}

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// PortRef names a node (by its "id", or by "name" when no id was given)
// and the port index on that node's single output or a given input.
type PortRef struct {
	Name   string `json:"name"`
	Output int    `json:"output"`
	Input  int    `json:"input"`
}

// EdgeSpec connects one node's output to another's input port.
type EdgeSpec struct {
	From PortRef `json:"from"`
	To   PortRef `json:"to"`
}

// NodeSpec describes one graph node: which registry plugin to
// instantiate, optional explicit id (defaults to Name for edge
// resolution when omitted), a named property-set bundle, and per-node
// property overrides layered on top of it.
type NodeSpec struct {
	Name       string                 `json:"name"`
	ID         string                 `json:"id,omitempty"`
	PropSet    string                 `json:"prop-set,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// GraphSpec is the top-level §6.1 document shape.
type GraphSpec struct {
	Nodes    []NodeSpec                        `json:"nodes"`
	Edges    []EdgeSpec                        `json:"edges"`
	PropSets map[string]map[string]interface{} `json:"prop-sets,omitempty"`
}

// Load parses data as a GraphSpec and builds the corresponding
// graph.Graph, resolving each node's plugin name against reg.
func Load(data []byte, reg *registry.Registry) (*graph.Graph, error) {
	var spec GraphSpec
	if err := jsonAPI.Unmarshal(data, &spec); err != nil {
		return nil, errors.Wrap(err, "jsonloader: parse graph description")
	}
	return Build(spec, reg)
}

// Build constructs a graph.Graph from an already-parsed GraphSpec.
func Build(spec GraphSpec, reg *registry.Registry) (*graph.Graph, error) {
	g := graph.New()
	refToID := make(map[string]string, len(spec.Nodes))

	for _, ns := range spec.Nodes {
		if ns.Name == "" {
			return nil, errors.New("jsonloader: node missing \"name\"")
		}
		t, err := reg.New(ns.Name)
		if err != nil {
			return nil, errors.Wrapf(err, "jsonloader: node %q", ns.Name)
		}

		props, err := mergedProperties(spec, ns)
		if err != nil {
			return nil, err
		}
		if len(props) > 0 {
			setter, ok := t.(task.PropertySetter)
			if !ok {
				return nil, errors.Errorf("jsonloader: node %q (%s): properties given but task does not implement PropertySetter", ns.Name, ns.ID)
			}
			for k, v := range props {
				if err := setter.SetProperty(k, v); err != nil {
					return nil, errors.Wrapf(err, "jsonloader: node %q: property %q", ns.Name, k)
				}
			}
		}

		var node *graph.Node
		if ns.ID != "" {
			node, err = g.AddNodeWithID(ns.ID, ns.Name, t)
		} else {
			node, err = g.AddNode(ns.Name, t)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "jsonloader: node %q", ns.Name)
		}

		ref := ns.ID
		if ref == "" {
			ref = ns.Name
		}
		if _, exists := refToID[ref]; exists {
			return nil, errors.Errorf("jsonloader: duplicate node reference %q: give colliding nodes distinct \"id\"s", ref)
		}
		refToID[ref] = node.ID
	}

	for _, es := range spec.Edges {
		srcID, ok := refToID[es.From.Name]
		if !ok {
			return nil, errors.Errorf("jsonloader: edge references unknown node %q", es.From.Name)
		}
		dstID, ok := refToID[es.To.Name]
		if !ok {
			return nil, errors.Errorf("jsonloader: edge references unknown node %q", es.To.Name)
		}
		if err := g.Connect(srcID, dstID, es.To.Input); err != nil {
			return nil, errors.Wrapf(err, "jsonloader: connect %q -> %q", es.From.Name, es.To.Name)
		}
	}

	return g, nil
}

// mergedProperties layers a node's own "properties" on top of its named
// "prop-set" bundle, if any, with the node's own values winning on key
// collision.
func mergedProperties(spec GraphSpec, ns NodeSpec) (map[string]interface{}, error) {
	if ns.PropSet == "" {
		return ns.Properties, nil
	}
	bundle, ok := spec.PropSets[ns.PropSet]
	if !ok {
		return nil, errors.Errorf("jsonloader: node %q references unknown prop-set %q", ns.Name, ns.PropSet)
	}
	merged := make(map[string]interface{}, len(bundle)+len(ns.Properties))
	for k, v := range bundle {
		merged[k] = v
	}
	for k, v := range ns.Properties {
		merged[k] = v
	}
	return merged, nil
}

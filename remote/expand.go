package remote

import (
	"bytes"

	"github.com/pkg/errors"

	"github.com/ufokit/ufocore/graph"
	"github.com/ufokit/ufocore/jsonloader"
	"github.com/ufokit/ufocore/task"
)

// Peer names one remote engine a sub-path can be routed to: an address a
// Messenger can Connect to, plus the forwarding mode and optional auth
// secret RemoteTask should use.
type Peer struct {
	Addr       string
	Mode       Mode
	AuthSecret []byte
	Compress   bool
}

// Mode is remote's own counterpart of scheduler.RemoteMode. Stream and
// Replicate differ only in the handshake tag RemoteTask sends
// (STREAM_JSON or REPLICATE_JSON); in both modes the peer receives the
// same sub-path JSON and Expand removes the sub-path's local nodes, so
// Replicate does not keep computing it locally.
type Mode int

const (
	ModeStream Mode = iota
	ModeReplicate
)

// Expand is the §4.5 "expand remote" phase: it replaces the single-chain
// sub-path path of g with one RemoteTask node per run of consecutive
// nodes assigned to the same peer, packs that run's structure as JSON for
// the proxy (which sends it as STREAM_JSON/REPLICATE_JSON in its Setup),
// and rewires path's
// original predecessor(s)/successor(s) onto the proxy. assign maps each
// path node ID to the peer it should run on; nodes with no entry are left
// untouched. Expand must run before the scheduler's own expand-GPU/map
// phases, since a RemoteTask occupies the node those phases would
// otherwise assign a CPU/GPU ProcessNode to.
func Expand(g *graph.Graph, path []string, assign map[string]Peer) ([]string, error) {
	if len(path) == 0 {
		return path, errors.New("remote: expand: empty path")
	}

	var runs [][]string
	var cur []string
	curPeer, curHas := Peer{}, false
	flush := func() {
		if len(cur) > 0 {
			runs = append(runs, cur)
		}
		cur = nil
	}
	for _, id := range path {
		p, has := assign[id]
		if has != curHas || (has && !samePeer(p, curPeer)) {
			flush()
			curHas, curPeer = has, p
		}
		cur = append(cur, id)
	}
	flush()

	out := make([]string, 0, len(path))
	for _, run := range runs {
		peer, has := assign[run[0]]
		if !has {
			out = append(out, run...)
			continue
		}
		id, err := spliceRemote(g, run, peer)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// samePeer reports whether a and b name the same peer assignment. Peer
// embeds a []byte secret, so it isn't comparable with ==; consecutive
// path nodes are grouped into one remote run only when every field
// (including the secret bytes) matches.
func samePeer(a, b Peer) bool {
	return a.Addr == b.Addr && a.Mode == b.Mode && a.Compress == b.Compress && bytes.Equal(a.AuthSecret, b.AuthSecret)
}

func spliceRemote(g *graph.Graph, run []string, peer Peer) (string, error) {
	payload, err := jsonloader.Dump(g, run)
	if err != nil {
		return "", errors.Wrap(err, "remote: expand: dump sub-path")
	}

	head, ok := g.Node(run[0])
	if !ok {
		return "", errors.Errorf("remote: expand: unknown node %q", run[0])
	}
	headTask, ok := head.Payload.(task.Task)
	if !ok {
		return "", errors.Errorf("remote: expand: node %q payload is not a task.Task", run[0])
	}

	rt := &RemoteTask{
		Addr:         peer.Addr,
		SubgraphJSON: payload,
		Replicate:    peer.Mode == ModeReplicate,
		Compress:     peer.Compress,
		AuthSecret:   peer.AuthSecret,
		NumInputsVal: headTask.NumInputs(),
	}

	node, err := g.AddNode("remote-proxy", rt)
	if err != nil {
		return "", err
	}

	tail := run[len(run)-1]
	preds := g.Predecessors(run[0])
	succs := g.Successors(tail)
	for _, e := range preds {
		if err := g.Connect(e.Src, node.ID, e.Port); err != nil {
			return "", err
		}
	}
	for _, e := range succs {
		if err := g.Connect(node.ID, e.Dst, e.Port); err != nil {
			return "", err
		}
	}
	for _, id := range run {
		g.RemoveNode(id)
	}
	return node.ID, nil
}

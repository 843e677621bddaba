// Package scheduler drives a graph.Graph of task.Task nodes to completion:
// it optionally replicates GPU-mode nodes across every available device
// (expand-GPU), assigns each node to a CPU core or GPU device (map),
// wires a group.Group onto every producer's output (wire-groups), spawns
// one worker goroutine per node (spawn), runs the pull/push protocol to
// drive buffers through the graph (drive), and waits for every worker to
// finish or the first error to surface (join).
//
// This generalizes the teacher's runtime.StreamScheduler — which drove a
// fixed two-stage sublate/desublate pipeline over one pair of
// ready/completed channels with a sync.WaitGroup — to an arbitrary DAG of
// tasks, one Group per producer, and golang.org/x/sync/errgroup for
// join/first-error propagation.
package scheduler

import (
	"context"
	"runtime"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/ufokit/ufocore/buffer"
	"github.com/ufokit/ufocore/clmanager"
	"github.com/ufokit/ufocore/graph"
	"github.com/ufokit/ufocore/group"
	"github.com/ufokit/ufocore/task"
)

// Scheduler owns the mapping from graph nodes to process nodes, the wired
// groups, and drives the whole graph to completion exactly once: Run must
// not be called twice on the same Scheduler.
type Scheduler struct {
	g   *graph.Graph
	mgr clmanager.Manager
	cfg Config

	metrics *metrics

	assign map[string]ProcessNode
	groups map[string]*group.Group          // nodeID -> its single output group (nil for sinks)
	rotors map[string]map[int]*group.Rotor  // nodeID -> input port -> rotor

	leafCounts map[string]*uint64
}

// New builds a Scheduler over g, resolving devices and kernels through
// mgr. mgr and g are retained, not copied; callers must not mutate g
// concurrently with Run.
func New(g *graph.Graph, mgr clmanager.Manager, cfg Config) *Scheduler {
	s := &Scheduler{
		g:          g,
		mgr:        mgr,
		cfg:        cfg,
		assign:     make(map[string]ProcessNode),
		groups:     make(map[string]*group.Group),
		rotors:     make(map[string]map[int]*group.Rotor),
		leafCounts: make(map[string]*uint64),
	}
	if cfg.EnableTracing {
		s.metrics = newMetrics(cfg.Registry)
	}
	return s
}

// Run executes every phase in order and drives the graph until every
// stream reaches end-of-stream, or ctx is cancelled, or a task returns an
// error — whichever happens first. It returns the first error observed
// across any worker, per §7's propagation policy.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.expandGPU(); err != nil {
		return errors.Wrap(err, "scheduler: expand-gpu phase")
	}
	if err := s.mapNodes(); err != nil {
		return errors.Wrap(err, "scheduler: map phase")
	}
	if err := s.wireGroups(); err != nil {
		return errors.Wrap(err, "scheduler: wire-groups phase")
	}
	return s.drive(ctx)
}

// expandGPU replicates every GPU-mode node across NumDevices() devices in
// place, when Config.EnableExpansion is set and more than one device is
// available. Each replica is spliced between the original node's
// predecessors and successors via graph.Expand, so downstream fan-in uses
// a Rotor to round-robin across replicas (§5, "round-robin input
// sharing").
func (s *Scheduler) expandGPU() error {
	if !s.cfg.EnableExpansion || s.mgr.NumDevices() <= 1 {
		return nil
	}
	k := s.mgr.NumDevices()
	for _, n := range s.g.Nodes() {
		t, ok := n.Payload.(task.Task)
		if !ok || !t.Mode().Has(task.ModeGPU) {
			continue
		}
		if _, err := s.g.Expand([]string{n.ID}, k); err != nil {
			return errors.Wrapf(err, "expand GPU node %q across %d devices", n.ID, k)
		}
	}
	return nil
}

// mapNodes assigns every node a ProcessNode: GPU-mode tasks round-robin
// across the manager's devices, everything else round-robins across
// Config.CPUWorkers CPU affinity slots (or runtime.NumCPU() if unset).
func (s *Scheduler) mapNodes() error {
	numCPU := s.cfg.CPUWorkers
	if numCPU < 1 {
		numCPU = runtime.NumCPU()
	}
	if numCPU < 1 {
		numCPU = 1
	}

	gpuIdx, cpuIdx := 0, 0
	for _, n := range s.g.Nodes() {
		t, ok := n.Payload.(task.Task)
		if !ok {
			return errors.Errorf("node %q payload does not implement task.Task", n.ID)
		}
		if t.Mode().Has(task.ModeGPU) {
			if s.mgr.NumDevices() == 0 {
				return errors.Errorf("node %q requires a GPU device but the manager has none", n.ID)
			}
			dev := gpuIdx % s.mgr.NumDevices()
			gpuIdx++
			s.assign[n.ID] = ProcessNode{Kind: ProcessGPU, Device: dev}
			continue
		}
		core := cpuIdx % numCPU
		cpuIdx++
		s.assign[n.ID] = ProcessNode{Kind: ProcessCPU, CPUMask: []int{core}}
	}
	return nil
}

// wireGroups creates one group.Group per non-leaf node (sinks have no
// output group) and, for every node with input ports, one Rotor per port
// gathering every producer feeding that port.
func (s *Scheduler) wireGroups() error {
	nodes := s.g.Nodes()

	for _, n := range nodes {
		succ := s.g.Successors(n.ID)
		if len(succ) == 0 {
			continue
		}
		consumers, labels := dedupeConsumers(succ, s.g)
		pattern := s.pattern(n.ID, labels)
		s.groups[n.ID] = group.New(consumers, pattern, s.mgr, s.cfg.SequentialCounts[n.ID])
	}

	for _, n := range nodes {
		t, ok := n.Payload.(task.Task)
		if !ok {
			return errors.Errorf("node %q payload does not implement task.Task", n.ID)
		}
		numIn := t.NumInputs()
		if numIn == 0 {
			continue
		}

		byPort := make(map[int][]*group.Group)
		for _, e := range s.g.Predecessors(n.ID) {
			g, ok := s.groups[e.Src]
			if !ok {
				return errors.Errorf("node %q producer %q has no output group", n.ID, e.Src)
			}
			byPort[e.Port] = append(byPort[e.Port], g)
		}

		rotors := make(map[int]*group.Rotor, numIn)
		for p := 0; p < numIn; p++ {
			groups, ok := byPort[p]
			if !ok || len(groups) == 0 {
				return errors.Errorf("node %q input port %d has no wired producer", n.ID, p)
			}
			rotors[p] = group.NewRotor(groups)
		}
		s.rotors[n.ID] = rotors
	}
	return nil
}

// dedupeConsumers collapses duplicate (src,dst) edges that differ only in
// port into one consumer entry per distinct downstream node, preserving
// first-seen order, and returns each consumer's label alongside for
// pattern inference.
func dedupeConsumers(succ []graph.Edge, g *graph.Graph) (ids []string, labels []string) {
	seen := make(map[string]bool, len(succ))
	for _, e := range succ {
		if seen[e.Dst] {
			continue
		}
		seen[e.Dst] = true
		ids = append(ids, e.Dst)
		label := ""
		if dst, ok := g.Node(e.Dst); ok {
			label = dst.Label
		}
		labels = append(labels, label)
	}
	return ids, labels
}

// pattern infers a producer's send pattern: an explicit
// Config.SequentialCounts entry wins outright; otherwise identically
// labeled consumers (replicas produced by expand-GPU or a JSON
// replication) get Scatter, and anything else gets Broadcast.
func (s *Scheduler) pattern(nodeID string, labels []string) group.SendPattern {
	if _, ok := s.cfg.SequentialCounts[nodeID]; ok {
		return group.Sequential
	}
	if len(labels) <= 1 {
		return group.Broadcast
	}
	for _, l := range labels[1:] {
		if l != labels[0] {
			return group.Broadcast
		}
	}
	return group.Scatter
}

// drive spawns one worker per node under an errgroup and returns the
// first error any worker produces (or nil once every stream reaches
// end-of-stream).
func (s *Scheduler) drive(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, n := range s.g.Nodes() {
		n := n
		pn := s.assign[n.ID]
		eg.Go(func() error {
			if pn.Kind == ProcessCPU {
				runtime.LockOSThread()
				defer runtime.UnlockOSThread()
				if err := setAffinity(pn.CPUMask); err != nil {
					// Affinity is best-effort: a container without
					// CAP_SYS_NICE shouldn't fail the whole run.
					_ = err
				}
			}
			return s.runWorker(ctx, n, pn)
		})
	}
	return eg.Wait()
}

// runWorker implements the §4.3 pull/push protocol for a single node: set
// up on its assigned process node, then either generate (no inputs),
// process (inputs present), or both in sequence for REDUCTOR tasks whose
// Process signals exhaustion.
func (s *Scheduler) runWorker(ctx context.Context, n *graph.Node, pn ProcessNode) error {
	t, ok := n.Payload.(task.Task)
	if !ok {
		return errors.Errorf("node %q payload does not implement task.Task", n.ID)
	}

	res := task.Resources{Device: pn.Device}
	if pn.Kind == ProcessGPU {
		cq, err := s.mgr.CommandQueue(pn.Device)
		if err != nil {
			return errors.Wrapf(err, "node %q: command queue", n.ID)
		}
		res.CommandQueue = cq
	}
	if err := t.Setup(res); err != nil {
		return errors.Wrapf(err, "node %q: setup", n.ID)
	}

	out := s.groups[n.ID]
	numIn := t.NumInputs()

	if numIn == 0 {
		return s.runGenerator(ctx, n.ID, t, out)
	}

	if err := s.runProcessLoop(ctx, n.ID, t, out, numIn); err != nil {
		return err
	}
	if out != nil {
		out.PushEOS()
	}
	return nil
}

// runProcessLoop pulls one input tuple per iteration and processes it,
// until upstream EOS arrives. A REDUCTOR never acquires or pushes an
// output buffer from Process — it only accumulates — and runs a generate
// burst on two independent triggers: Process returning false (the
// per-item accumulate/replicate pattern, e.g. a task that replays one
// input N times before accepting the next), after which the loop goes on
// to the next input; and upstream EOS, after which one final burst is
// run and the loop returns (the accumulate-everything-then-emit-once
// pattern). A false return from a
// non-REDUCTOR task is a contract violation and surfaces as an error.
func (s *Scheduler) runProcessLoop(ctx context.Context, nodeID string, t task.Task, out *group.Group, numIn int) error {
	rotors := s.rotors[nodeID]
	inputs := make([]*buffer.Buffer, numIn)
	inputGroups := make([]*group.Group, numIn)
	isReductor := t.Mode().Has(task.ModeReductor)

	for {
		eos := false
		for p := 0; p < numIn; p++ {
			rotor := rotors[p]
			if rotor == nil {
				return errors.Errorf("node %q: input port %d has no producer", nodeID, p)
			}
			g := rotor.Next()
			b, isEOS, err := g.PopInput(ctx, nodeID)
			if err != nil {
				return errors.Wrapf(err, "node %q: pop_input port %d", nodeID, p)
			}
			if isEOS {
				eos = true
				break
			}
			inputs[p] = b
			inputGroups[p] = g
		}
		if eos {
			if isReductor {
				if err := s.runGenerateBurst(ctx, nodeID, t, out); err != nil {
					return err
				}
			}
			return nil
		}

		req, err := t.GetRequisition(inputs)
		if err != nil {
			return errors.Wrapf(err, "node %q: get_requisition", nodeID)
		}

		// A REDUCTOR accumulates during the process phase and only ever
		// emits through Generate (§4.2), so it never acquires or pushes
		// an output buffer here even when it has a successor.
		var ob *buffer.Buffer
		if out != nil && !isReductor {
			ob, err = out.PopOutput(ctx, req)
			if err != nil {
				return errors.Wrapf(err, "node %q: pop_output", nodeID)
			}
		}

		start := time.Now()
		ok, err := t.Process(inputs, ob, req)
		if s.cfg.Timestamps {
			s.metrics.observeLatency(nodeID, time.Since(start).Seconds())
		}
		if err != nil {
			return errors.Wrapf(err, "node %q: process", nodeID)
		}

		if out != nil && !isReductor {
			if err := out.PushOutput(ob); err != nil {
				return errors.Wrapf(err, "node %q: push_output", nodeID)
			}
		} else if out == nil {
			s.observeLeaf(nodeID)
		}
		s.metrics.observeProcessed(nodeID)

		for p := 0; p < numIn; p++ {
			if inputGroups[p] != nil {
				inputGroups[p].Release(inputs[p])
			}
		}

		if !ok {
			if !isReductor {
				return errors.Errorf("node %q: process returned false but task is not a REDUCTOR", nodeID)
			}
			if err := s.runGenerateBurst(ctx, nodeID, t, out); err != nil {
				return err
			}
			// Loop back for the next input tuple (or upstream EOS);
			// a REDUCTOR signalling via Process stays alive for more.
		}
	}
}

// runGenerator drives a generator (no inputs): call Generate repeatedly
// until it signals end-of-stream, then push the sentinel.
func (s *Scheduler) runGenerator(ctx context.Context, nodeID string, t task.Task, out *group.Group) error {
	if out == nil {
		return errors.Errorf("node %q: generator has no successors to emit to", nodeID)
	}
	for {
		req, err := t.GetRequisition(nil)
		if err != nil {
			return errors.Wrapf(err, "node %q: get_requisition", nodeID)
		}
		ob, err := out.PopOutput(ctx, req)
		if err != nil {
			return errors.Wrapf(err, "node %q: pop_output", nodeID)
		}

		start := time.Now()
		more, err := t.Generate(ob, req)
		if s.cfg.Timestamps {
			s.metrics.observeLatency(nodeID, time.Since(start).Seconds())
		}
		if err != nil {
			return errors.Wrapf(err, "node %q: generate", nodeID)
		}
		if !more {
			out.Release(ob)
			out.PushEOS()
			return nil
		}
		if err := out.PushOutput(ob); err != nil {
			return errors.Wrapf(err, "node %q: push_output", nodeID)
		}
		s.metrics.observeProcessed(nodeID)
	}
}

// runGenerateBurst runs a REDUCTOR's generate phase until it signals
// exhaustion, without pushing the end-of-stream sentinel: the caller
// (runProcessLoop) owns that decision, since a REDUCTOR may run several
// bursts — one per upstream item, or one final burst at upstream EOS —
// before the stream actually ends.
func (s *Scheduler) runGenerateBurst(ctx context.Context, nodeID string, t task.Task, out *group.Group) error {
	if out == nil {
		return errors.Errorf("node %q: reductor has no successors to emit to", nodeID)
	}
	for {
		req, err := t.GetRequisition(nil)
		if err != nil {
			return errors.Wrapf(err, "node %q: get_requisition", nodeID)
		}
		ob, err := out.PopOutput(ctx, req)
		if err != nil {
			return errors.Wrapf(err, "node %q: pop_output", nodeID)
		}

		start := time.Now()
		more, err := t.Generate(ob, req)
		if s.cfg.Timestamps {
			s.metrics.observeLatency(nodeID, time.Since(start).Seconds())
		}
		if err != nil {
			return errors.Wrapf(err, "node %q: generate", nodeID)
		}
		if !more {
			out.Release(ob)
			return nil
		}
		if err := out.PushOutput(ob); err != nil {
			return errors.Wrapf(err, "node %q: push_output", nodeID)
		}
		s.metrics.observeProcessed(nodeID)
	}
}

// observeLeaf increments nodeID's leaf counter and invokes the progress
// hook, per §6.4 ("invoked once per buffer observed at a leaf task").
func (s *Scheduler) observeLeaf(nodeID string) {
	s.metrics.observeLeaf(nodeID)
	if s.cfg.Progress == nil {
		return
	}
	count, ok := s.leafCounts[nodeID]
	if !ok {
		var n uint64
		count = &n
		s.leafCounts[nodeID] = count
	}
	*count++
	s.cfg.Progress(nodeID, *count)
}

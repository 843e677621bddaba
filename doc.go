// Package ufocore implements a runtime for streaming image-processing
// pipelines expressed as directed acyclic task graphs.
//
// A pipeline is a DAG of tasks — generators, processors, reductors, and
// sinks — connected by typed ports. The scheduler maps each task to a CPU
// or GPU resource, expands GPU-mode and remote sub-paths, wires a
// bounded-pool fan-out connector between every producer and its
// consumers, then drives the whole graph concurrently until every
// generator signals end-of-stream.
//
// # Architecture
//
//   - buffer: host/device-resident float32 buffers and their bounded pool
//   - graph: the task DAG itself (nodes, ports, topological operations)
//   - task: the Task contract every pipeline stage implements
//   - group: the fan-out/fan-in connector between tasks
//   - scheduler: expand-GPU -> map -> wire -> drive -> join (expand-remote
//     is remote.Expand, run on the graph beforehand)
//   - clmanager: the OpenCL resource manager abstraction
//   - remote: wire protocol and daemon for distributing sub-paths to peers
//   - shim: small bridging and reference tasks (input/output/copy/dummy/
//     loop/duplicate/arg-max/sum)
//   - kernels: the slice-wise float32 op catalog backing shim.SumTask
//   - registry: plugin name -> task.Factory registration
//   - jsonloader: the JSON graph description format
//
// # Basic usage
//
//	reg := registry.New()
//	reg.Register("dummy", func() (task.Task, error) { return &shim.DummyTask{Inputs: 1}, nil })
//	g, err := jsonloader.Load(data, reg)
//	sched := scheduler.New(g, clmanager.NewCPUManager(4), scheduler.Config{})
//	err = sched.Run(ctx)
//
// See cmd/runjson and cmd/ufod for the CLI entry points.
package ufocore

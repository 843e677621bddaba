// Command runjson loads a §6.1 JSON graph description and drives it to
// completion with package scheduler, grounded on the teacher's
// cmd/sublrun/main.go flag-parsing and verbose/version style.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ufokit/ufocore/clmanager"
	"github.com/ufokit/ufocore/jsonloader"
	"github.com/ufokit/ufocore/registry"
	"github.com/ufokit/ufocore/scheduler"
	"github.com/ufokit/ufocore/shim"
	"github.com/ufokit/ufocore/task"
)

func main() {
	var (
		schedKind  = flag.String("scheduler", "dynamic", "Scheduler mode: dynamic or fixed (fixed disables expand-GPU replication)")
		trace      = flag.Bool("trace", false, "Enable prometheus tracing and dump a per-task trace on exit")
		timestamps = flag.Bool("timestamps", false, "Record per-call wall-clock latency (implies --trace)")
		quiet      = flag.Bool("quiet", false, "Suppress per-buffer progress lines")
		quieter    = flag.Bool("quieter", false, "Suppress all but fatal errors")
		workers    = flag.Int("workers", runtime.NumCPU(), "CPU worker slots handed out round-robin to CPU-mode nodes")
		version    = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *version {
		fmt.Println("runjson - UFO-core graph runner v1.0.0")
		fmt.Printf("Built with Go %s\n", runtime.Version())
		return
	}

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <graph.json>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	if *schedKind != "dynamic" && *schedKind != "fixed" {
		fmt.Fprintf(os.Stderr, "runjson: unknown --scheduler %q, want dynamic or fixed\n", *schedKind)
		os.Exit(1)
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		log.Fatalf("runjson: failed to read graph: %v", err)
	}

	reg := registry.New()
	registerShims(reg)

	g, err := jsonloader.Load(data, reg)
	if err != nil {
		log.Fatalf("runjson: failed to load graph: %v", err)
	}

	mgr := clmanager.NewCPUManager(runtime.NumCPU())

	cfg := scheduler.Config{
		EnableExpansion: *schedKind == "dynamic",
		EnableTracing:   *trace || *timestamps,
		Timestamps:      *timestamps,
		CPUWorkers:      *workers,
	}
	if cfg.EnableTracing {
		cfg.Registry = prometheus.NewRegistry()
	}
	if !*quiet && !*quieter {
		cfg.Progress = func(taskID string, processed uint64) {
			fmt.Fprintf(os.Stderr, "runjson: %s processed %d\n", taskID, processed)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := scheduler.New(g, mgr, cfg)
	if err := sched.Run(ctx); err != nil {
		if !*quieter {
			log.Printf("runjson: run failed: %v", err)
		}
		os.Exit(2)
	}

	if *trace || *timestamps {
		dumpTrace(cfg.Registry)
	}
}

// registerShims wires every package shim task under the plugin name a
// §6.1 graph description would reference it by.
func registerShims(reg *registry.Registry) {
	reg.Register("copy", func() (task.Task, error) { return &shim.CopyTask{}, nil })
	reg.Register("dummy", func() (task.Task, error) { return &shim.DummyTask{}, nil })
	reg.Register("loop", func() (task.Task, error) { return &shim.LoopTask{}, nil })
	reg.Register("duplicate", func() (task.Task, error) { return &shim.DuplicateTask{}, nil })
	reg.Register("arg-max", func() (task.Task, error) { return &shim.ArgMaxTask{}, nil })
	reg.Register("sum", func() (task.Task, error) { return &shim.SumTask{}, nil })
}

// dumpTrace prints the gathered prometheus metric families as JSON,
// the "where did the time go per filter" trace dump promised for
// --trace/--timestamps.
func dumpTrace(reg scheduler.MetricsRegisterer) {
	gatherer, ok := reg.(prometheus.Gatherer)
	if !ok {
		return
	}
	families, err := gatherer.Gather()
	if err != nil {
		log.Printf("runjson: trace gather failed: %v", err)
		return
	}
	enc := json.NewEncoder(os.Stdout)
	for _, fam := range families {
		if err := enc.Encode(fam.String()); err != nil {
			log.Printf("runjson: trace encode failed: %v", err)
			return
		}
	}
}

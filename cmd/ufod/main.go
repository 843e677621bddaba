// Command ufod is the peer-side engine of §4.6: it listens for RemoteTask
// connections and drives whatever sub-path they ship it, grounded on the
// teacher's cmd/sublc/main.go flag-parsing style.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/ufokit/ufocore/clmanager"
	"github.com/ufokit/ufocore/registry"
	"github.com/ufokit/ufocore/remote"
	"github.com/ufokit/ufocore/scheduler"
	"github.com/ufokit/ufocore/shim"
	"github.com/ufokit/ufocore/task"
)

func main() {
	var (
		listen  = flag.String("listen", "127.0.0.1:7745", "Address to accept RemoteTask connections on")
		httpAddr = flag.String("http", "", "Address for the optional read-only status endpoint (disabled if empty)")
		paths   = flag.String("path", "", "Comma-separated directories to scan for registered task plugins, in addition to the built-in shim tasks")
		secret  = flag.String("secret", "", "Shared secret requiring a TagAuth JWT handshake before any other frame (disabled if empty)")
		debug   = flag.Bool("debug", false, "Enable verbose connection logging")
		version = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *version {
		fmt.Println("ufod - UFO-core remote peer daemon v1.0.0")
		fmt.Printf("Built with Go %s\n", runtime.Version())
		return
	}

	reg := registry.New()
	registerShims(reg)

	if *paths != "" {
		dr := registry.NewDirRegistry(reg, resolveShimFile)
		for _, dir := range strings.Split(*paths, ",") {
			dir = strings.TrimSpace(dir)
			if dir == "" {
				continue
			}
			if err := dr.ScanDir(dir); err != nil {
				log.Fatalf("ufod: failed to scan %s: %v", dir, err)
			}
			if *debug {
				log.Printf("ufod: scanned %s", dir)
			}
		}
	}

	mgr := clmanager.NewCPUManager(runtime.NumCPU())

	d := &remote.Daemon{
		Registry:  reg,
		Manager:   mgr,
		Scheduler: scheduler.Config{EnableExpansion: true},
	}
	if *secret != "" {
		d.AuthSecret = []byte(*secret)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *httpAddr != "" {
		status := &remote.StatusServer{
			NumDevices: mgr.NumDevices,
			NumCPUs:    runtime.NumCPU,
		}
		go func() {
			if err := status.ListenAndServe(*httpAddr); err != nil {
				log.Printf("ufod: status server: %v", err)
			}
		}()
		if *debug {
			log.Printf("ufod: status endpoint listening on %s", *httpAddr)
		}
	}

	if *debug {
		log.Printf("ufod: accepting RemoteTask connections on %s", *listen)
	}
	if err := d.Serve(ctx, *listen); err != nil {
		log.Fatalf("ufod: %v", err)
	}
}

// registerShims wires every package shim task under the plugin name a
// shipped sub-path's §6.1 JSON description would reference it by.
func registerShims(reg *registry.Registry) {
	reg.Register("copy", func() (task.Task, error) { return &shim.CopyTask{}, nil })
	reg.Register("dummy", func() (task.Task, error) { return &shim.DummyTask{}, nil })
	reg.Register("loop", func() (task.Task, error) { return &shim.LoopTask{}, nil })
	reg.Register("duplicate", func() (task.Task, error) { return &shim.DuplicateTask{}, nil })
	reg.Register("arg-max", func() (task.Task, error) { return &shim.ArgMaxTask{}, nil })
	reg.Register("sum", func() (task.Task, error) { return &shim.SumTask{}, nil })
}

// resolveShimFile maps a discovered file in a --path directory to a
// plugin factory by its base name (stripped of extension), matching
// DirRegistry's own naming convention and the original ufo-plugin.c
// search's "file name is plugin name" contract.
func resolveShimFile(path string) (registry.Factory, bool) {
	if filepath.Ext(path) != ".go" {
		return nil, false
	}
	name := strings.TrimSuffix(filepath.Base(path), ".go")
	switch name {
	case "copy":
		return func() (task.Task, error) { return &shim.CopyTask{}, nil }, true
	case "dummy":
		return func() (task.Task, error) { return &shim.DummyTask{}, nil }, true
	case "loop":
		return func() (task.Task, error) { return &shim.LoopTask{}, nil }, true
	case "duplicate":
		return func() (task.Task, error) { return &shim.DuplicateTask{}, nil }, true
	case "arg-max", "argmax":
		return func() (task.Task, error) { return &shim.ArgMaxTask{}, nil }, true
	case "sum":
		return func() (task.Task, error) { return &shim.SumTask{}, nil }, true
	default:
		return nil, false
	}
}

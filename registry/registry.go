// Package registry maps plugin names to task.Factory constructors. The
// in-memory Registry is what jsonloader consults when it builds a graph
// from a JSON description; DirRegistry additionally discovers plugins by
// walking a directory tree, standing in for the original's dlopen-based
// ufo-plugin.c path search — Go has no portable dlopen-plugin story, so
// "discovery" here means finding and registering Go task.Factory funcs
// that have already been compiled in, keyed by the file that declares
// them, rather than loading shared objects at runtime.
package registry

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"

	"github.com/ufokit/ufocore/task"
)

// Factory constructs a fresh task.Task instance for a plugin name. Every
// call must return an independently-mutable task: the registry itself
// holds no per-task state.
type Factory func() (task.Task, error)

// Registry is a concurrency-safe name -> Factory map.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Factory
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]Factory)}
}

// Register associates name with factory, overwriting any prior entry —
// the last registration for a name wins, matching the original plugin
// loader's reload-on-rescan behavior.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = factory
}

// New constructs a task for the named plugin.
func (r *Registry) New(name string) (task.Task, error) {
	r.mu.RLock()
	factory, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("registry: no task registered for %q", name)
	}
	return factory()
}

// Names returns every registered plugin name, in no particular order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	return names
}

// Has reports whether name has a registered factory.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// DirRegistry wraps a Registry and additionally walks one or more
// directories (as ufod's --path flag names, §6.3), registering a factory
// for every discovered file that a caller-supplied resolver accepts,
// under the file's base name (sans extension). This is
// the directory-scan half of the original ufo-plugin.c contract: instead
// of dlopen'ing a shared object, Resolve is handed the discovered file
// path and returns the Factory that file's already-compiled Go package
// provides (or ok=false to skip it).
type DirRegistry struct {
	*Registry
	Resolve func(path string) (Factory, bool)
}

// NewDirRegistry wraps reg (or a fresh Registry if reg is nil) with a
// directory-scanning discovery step driven by resolve.
func NewDirRegistry(reg *Registry, resolve func(path string) (Factory, bool)) *DirRegistry {
	if reg == nil {
		reg = New()
	}
	return &DirRegistry{Registry: reg, Resolve: resolve}
}

// ScanDir walks root, calling Resolve for every regular file whose name
// doesn't start with '.', and registers whatever factory Resolve returns
// under the file's base name (extension stripped) — mirroring the
// original plugin loader scanning a directory of "ufo-<name>-task.so"
// files and registering each as plugin "<name>".
func (d *DirRegistry) ScanDir(root string) error {
	return godirwalk.Walk(root, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			base := filepath.Base(path)
			if strings.HasPrefix(base, ".") {
				return nil
			}
			factory, ok := d.Resolve(path)
			if !ok {
				return nil
			}
			name := strings.TrimSuffix(base, filepath.Ext(base))
			d.Register(name, factory)
			return nil
		},
		Unsorted: true,
	})
}

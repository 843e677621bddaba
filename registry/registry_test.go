package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ufokit/ufocore/shim"
	"github.com/ufokit/ufocore/task"
)

func TestRegisterAndNew(t *testing.T) {
	r := New()
	r.Register("dummy", func() (task.Task, error) { return &shim.DummyTask{Inputs: 1}, nil })

	assert.True(t, r.Has("dummy"))
	assert.False(t, r.Has("missing"))
	assert.Equal(t, []string{"dummy"}, r.Names())

	tk, err := r.New("dummy")
	require.NoError(t, err)
	assert.Equal(t, 1, tk.NumInputs())
}

func TestNewUnknownPluginErrors(t *testing.T) {
	r := New()
	_, err := r.New("nope")
	assert.Error(t, err)
}

func TestRegisterOverwritesPriorEntry(t *testing.T) {
	r := New()
	r.Register("p", func() (task.Task, error) { return &shim.DummyTask{Inputs: 1}, nil })
	r.Register("p", func() (task.Task, error) { return &shim.DummyTask{Inputs: 2}, nil })

	tk, err := r.New("p")
	require.NoError(t, err)
	assert.Equal(t, 2, tk.NumInputs())
}

func TestDirRegistryScanDirRegistersResolvedFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "loop.go"), []byte("package x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("n/a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden.go"), []byte("package x"), 0o644))

	dr := NewDirRegistry(nil, func(path string) (Factory, bool) {
		if filepath.Ext(path) != ".go" {
			return nil, false
		}
		return func() (task.Task, error) { return &shim.LoopTask{Count: 1}, nil }, true
	})
	require.NoError(t, dr.ScanDir(dir))

	assert.True(t, dr.Has("loop"))
	assert.False(t, dr.Has("README"))
	assert.False(t, dr.Has(".hidden"))
}

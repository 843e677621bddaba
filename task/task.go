// Package task defines the contract every UFO-core computational node
// must satisfy: arity, execution mode, setup, and the process/generate
// pair that drives data through the pipeline.
package task

import (
	"github.com/ufokit/ufocore/buffer"
	"github.com/ufokit/ufocore/graph"
)

// Mode is a bitmask of orthogonal capability flags a Task declares.
type Mode uint16

const (
	ModeProcessor Mode = 1 << iota
	ModeReductor
	ModeGenerator
	ModeCPU
	ModeGPU
	ModeSink
	ModeShareData
)

func (m Mode) Has(f Mode) bool { return m&f != 0 }

// Resources is the per-task setup context handed to Setup: a command
// queue handle when the task runs on a GPU node, and a logger for
// diagnostics. The concrete command-queue type is owned by clmanager;
// task only needs to pass it through to device-aware implementations.
type Resources struct {
	CommandQueue interface{}
	Device       int
	Logger       Logger
}

// Logger is the narrow logging interface tasks may use; satisfied by the
// standard library's *log.Logger.
type Logger interface {
	Printf(format string, args ...interface{})
}

// Task is the interface every node's payload must implement. Task embeds
// graph.Copyable, so a graph.Node's Payload can hold a Task directly and
// graph.Graph.Copy/Expand can replicate it with no knowledge of the task
// package; callers that need the replica back as a Task type-assert the
// Copyable Copy() returns (cp.(Task)), which holds because every concrete
// Task's Copy method returns a value of its own type, not some other
// Copyable.
type Task interface {
	graph.Copyable

	// NumInputs returns how many input ports this task has.
	NumInputs() int
	// NumDimensions returns the expected input rank on port i.
	NumDimensions(i int) int
	// Mode returns this task's capability flags.
	Mode() Mode
	// Setup is called once, on the worker's assigned process-node, before
	// any Process/Generate call.
	Setup(res Resources) error
	// GetRequisition examines inputs (which may be headers only) and
	// writes the shape the next output must have.
	GetRequisition(inputs []*buffer.Buffer) (buffer.Requisition, error)
	// Process consumes one tuple of inputs and produces one output.
	// Returns false to stop the process phase and enter the generate
	// phase (REDUCTOR pattern).
	Process(inputs []*buffer.Buffer, output *buffer.Buffer, req buffer.Requisition) (bool, error)
	// Generate produces one additional output with no fresh inputs.
	// Returns false to signal end-of-stream.
	Generate(output *buffer.Buffer, req buffer.Requisition) (bool, error)
}

// PropertySetter is implemented by tasks that accept named JSON
// properties (§6.1's node "properties" object) before Setup. A task that
// doesn't implement PropertySetter simply can't be configured this way;
// jsonloader treats a non-empty properties object against such a task as
// a load error rather than silently dropping it.
type PropertySetter interface {
	SetProperty(name string, value interface{}) error
}

// Base is an embeddable helper that implements the parts of Task every
// concrete plugin shares (NumDimensions defaulting to 2D, a no-op Setup),
// so plugins only override what differs — the same "common base, override
// the rest" shape the teacher's kernel catalog applies (a single noop
// fallback populated for every opcode in runtime.init).
type Base struct {
	Dims int
}

func (b Base) NumDimensions(i int) int {
	if b.Dims == 0 {
		return 2
	}
	return b.Dims
}

func (b Base) Setup(Resources) error { return nil }

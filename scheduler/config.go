package scheduler

// RemoteMode selects how a remote sub-path's stream is shared with its
// peer. Package remote's Mode is its counterpart; there, STREAM and
// REPLICATE differ only in the handshake tag sent to the peer, and in
// both the sub-path is no longer computed locally.
type RemoteMode int

const (
	RemoteStream RemoteMode = iota
	RemoteReplicate
)

// ProgressFunc is invoked once per buffer observed at a leaf (sink) task,
// the external progress signal of §6.4.
type ProgressFunc func(taskID string, processed uint64)

// Config holds the scheduler's run-time knobs. All fields are optional;
// the zero Config runs a CPU-only, untraced, broadcast-or-scatter-default
// graph.
type Config struct {
	// EnableExpansion turns on the expand-GPU phase: GPU-mode nodes are
	// replicated across every device the manager reports.
	EnableExpansion bool

	// RemoteMode governs remote sub-path forwarding (consumed by package
	// remote's RemoteTask wiring, not by the scheduler itself).
	RemoteMode RemoteMode

	// EnableTracing creates prometheus counters/histograms and registers
	// them on Registry; with a nil Registry they are registered nowhere.
	// Progress is called whenever it is set, independent of this flag.
	EnableTracing bool
	// Timestamps additionally records per-call wall-clock latency.
	Timestamps bool
	Registry   MetricsRegisterer

	// CPUWorkers bounds how many distinct CPU affinity slots are handed
	// out round-robin to CPU-mode nodes. Zero means "ask the OS."
	CPUWorkers int

	// SequentialCounts forces the Sequential send pattern on a producer
	// node, with the given per-consumer buffer counts, overriding the
	// default Broadcast/Scatter inference.
	SequentialCounts map[string][]int

	// Progress is called once per buffer a sink task consumes.
	Progress ProgressFunc
}

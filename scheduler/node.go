package scheduler

// ProcessKind identifies the physical resource a task is bound to.
type ProcessKind int

const (
	ProcessCPU ProcessKind = iota
	ProcessGPU
	ProcessRemote
)

// ProcessNode is the physical resource a task worker is bound to: a CPU
// affinity mask, a GPU device index (and its command queue, fetched from
// clmanager at spawn time), or a remote peer URL.
type ProcessNode struct {
	Kind ProcessKind

	CPUMask []int // OS CPU indices to pin this worker's thread to

	Device int // GPU device index into the clmanager.Manager

	RemoteURL string
}

//go:build !linux

package scheduler

// setAffinity is a no-op outside Linux: there is no portable thread
// affinity syscall, so CPU-mode nodes simply run wherever the Go
// scheduler places them.
func setAffinity(cpus []int) error {
	return nil
}

//go:build linux

package scheduler

import (
	"golang.org/x/sys/unix"
)

// setAffinity pins the calling OS thread to the given CPU indices. Workers
// call runtime.LockOSThread before this so the pin actually sticks to the
// goroutine's carrier thread.
func setAffinity(cpus []int) error {
	if len(cpus) == 0 {
		return nil
	}
	var set unix.CPUSet
	set.Zero()
	for _, c := range cpus {
		set.Set(c)
	}
	return unix.SchedSetaffinity(0, &set)
}

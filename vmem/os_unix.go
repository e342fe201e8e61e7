//go:build linux || darwin

package vmem

import "golang.org/x/sys/unix"

func osPageSize() int {
	return unix.Getpagesize()
}

// osReserve maps size bytes of inaccessible, unbacked address space.
func osReserve(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
}

func osCommit(b []byte) error {
	return unix.Mprotect(b, unix.PROT_READ|unix.PROT_WRITE)
}

// osDecommit drops the physical pages behind b and revokes access so a stale
// pointer faults instead of reading recycled memory.
func osDecommit(b []byte) error {
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return err
	}
	return unix.Mprotect(b, unix.PROT_NONE)
}

func osRelease(b []byte) error {
	return unix.Munmap(b)
}

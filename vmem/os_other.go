//go:build !linux && !darwin

package vmem

import "os"

func osPageSize() int {
	return os.Getpagesize()
}

// osReserve falls back to a heap slice; commit and decommit only update bookkeeping.
func osReserve(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func osCommit(b []byte) error {
	return nil
}

func osDecommit(b []byte) error {
	clear(b)
	return nil
}

func osRelease(b []byte) error {
	return nil
}

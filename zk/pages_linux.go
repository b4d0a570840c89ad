//go:build linux

package zk

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// allocPages commits size bytes of anonymous zero-filled memory for a VMO.
func allocPages(size uint64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("zk: mmap %d bytes: %w", size, err)
	}
	return mem, nil
}

func freePages(pages []byte) {
	if len(pages) == 0 {
		return
	}
	_ = unix.Munmap(pages)
}

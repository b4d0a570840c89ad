//go:build !linux

package zk

func allocPages(size uint64) ([]byte, error) {
	return make([]byte, size), nil
}

func freePages(pages []byte) {}

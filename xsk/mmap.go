//go:build linux

package xsk

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mappedRegion owns one anonymous, zero-initialized mapping holding the
// whole frame pool. It performs no bounds checking of its own; Umem
// validates every offset before slicing into mem.
type mappedRegion struct {
	mem []byte
}

func newMappedRegion(totalLen uint64, hugePages bool) (*mappedRegion, error) {
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_POPULATE
	if hugePages {
		flags |= unix.MAP_HUGETLB
	}
	mem, err := unix.Mmap(-1, 0, int(totalLen),
		unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, fmt.Errorf("mmap UMEM region (%d bytes): %w", totalLen, err)
	}
	return &mappedRegion{mem: mem}, nil
}

// unmap releases the mapping. Must not be called while the kernel still
// holds the region registered or while frame slices are in use.
func (r *mappedRegion) unmap() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	return err
}

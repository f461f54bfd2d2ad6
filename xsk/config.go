//go:build linux

package xsk

import (
	"errors"
	"math"
	"math/bits"
)

var (
	ErrInvalidFrameSize = errors.New("FrameSize must be a power of two >= 2048")
	ErrInvalidQueueSize = errors.New("queue size must be a non-zero power of two within the ring limit")
	ErrInvalidHeadroom  = errors.New("FrameHeadroom must be smaller than FrameSize")
	ErrSizeOverflow     = errors.New("FrameCount * FrameSize overflows the address space")
)

const (
	// MinFrameSize is XDP_UMEM_MIN_CHUNK_SIZE, the smallest chunk size
	// the kernel accepts for a UMEM registration.
	MinFrameSize = 2048

	// maxRingSize caps fill/completion/RX/TX ring sizes.
	// The kernel enforces a per-ring allocation limit well above this.
	maxRingSize = 1 << 20

	DefaultFrameCount = 4096
	DefaultFrameSize  = 2048
	DefaultFillSize   = 2048
	DefaultCompSize   = 2048
	DefaultRxSize     = 2048
	DefaultTxSize     = 2048
)

// UmemConfig sizes the UMEM frame pool and its two rings.
// The zero value of any field selects the package default.
type UmemConfig struct {
	// FrameSize defines the size of each UMEM frame in bytes.
	FrameSize uint32
	// FrameCount is the total number of UMEM frames allocated.
	FrameCount uint32
	// FrameHeadroom reserves leading bytes in every frame before the
	// packet data region the kernel writes to.
	FrameHeadroom uint32
	// FillSize sets the number of entries in the fill ring.
	FillSize uint32
	// CompSize sets the number of entries in the completion ring.
	CompSize uint32
	// UnalignedChunks registers the UMEM with
	// XDP_UMEM_UNALIGNED_CHUNK_FLAG.
	UnalignedChunks bool
	// HugePages backs the frame pool with MAP_HUGETLB memory.
	// Mapping fails if no huge pages are reserved on the system.
	HugePages bool
}

// ValidateAndSetDefaults fills in zero fields and checks every sizing
// constraint before any kernel resource is touched.
func (c *UmemConfig) ValidateAndSetDefaults() error {
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.FrameCount == 0 {
		c.FrameCount = DefaultFrameCount
	}
	if c.FillSize == 0 {
		c.FillSize = DefaultFillSize
	}
	if c.CompSize == 0 {
		c.CompSize = DefaultCompSize
	}
	if c.FrameSize < MinFrameSize || bits.OnesCount32(c.FrameSize) != 1 {
		return ErrInvalidFrameSize
	}
	if !validRingSize(c.FillSize) || !validRingSize(c.CompSize) {
		return ErrInvalidQueueSize
	}
	if c.FrameHeadroom >= c.FrameSize {
		return ErrInvalidHeadroom
	}
	hi, lo := bits.Mul64(uint64(c.FrameCount), uint64(c.FrameSize))
	if hi != 0 || lo > uint64(math.MaxInt) {
		return ErrSizeOverflow
	}
	return nil
}

// totalSize is the length of the mapped frame pool in bytes.
// Only valid after ValidateAndSetDefaults.
func (c *UmemConfig) totalSize() uint64 {
	return uint64(c.FrameCount) * uint64(c.FrameSize)
}

func validRingSize(n uint32) bool {
	return n > 0 && n <= maxRingSize && bits.OnesCount32(n) == 1
}

// SocketConfig controls the RX/TX rings of a socket bound to one
// NIC queue.
type SocketConfig struct {
	// QueueID identifies the NIC RX/TX queue to bind to.
	QueueID uint32
	// RxSize sets the number of descriptors in the RX ring.
	RxSize uint32
	// TxSize sets the number of descriptors in the TX ring.
	TxSize uint32
}

func (c *SocketConfig) ValidateAndSetDefaults() error {
	if c.RxSize == 0 {
		c.RxSize = DefaultRxSize
	}
	if c.TxSize == 0 {
		c.TxSize = DefaultTxSize
	}
	if !validRingSize(c.RxSize) || !validRingSize(c.TxSize) {
		return ErrInvalidQueueSize
	}
	return nil
}

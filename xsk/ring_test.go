//go:build linux

package xsk

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// ringBlock stands in for the kernel-shared ring control block so the
// cursor protocol can be exercised without an AF_XDP socket. The test
// plays the kernel's role by advancing prod/cons directly.
type ringBlock struct {
	prod  uint32
	cons  uint32
	flags uint32
	addrs []uint64
	descs []unix.XDPDesc
}

func newTestFillQueue(size uint32) (*FillQueue, *ringBlock) {
	b := &ringBlock{addrs: make([]uint64, size)}
	return &FillQueue{ring: addrRing{
		cachedCons: size,
		mask:       size - 1,
		size:       size,
		prod:       &b.prod,
		cons:       &b.cons,
		flags:      &b.flags,
		addrs:      b.addrs,
	}}, b
}

func newTestCompQueue(size uint32) (*CompQueue, *ringBlock) {
	b := &ringBlock{addrs: make([]uint64, size)}
	return &CompQueue{ring: addrRing{
		mask:  size - 1,
		size:  size,
		prod:  &b.prod,
		cons:  &b.cons,
		flags: &b.flags,
		addrs: b.addrs,
	}}, b
}

func newTestTxQueue(size uint32) (*TxQueue, *ringBlock) {
	b := &ringBlock{descs: make([]unix.XDPDesc, size)}
	return &TxQueue{ring: descRing{
		cachedCons: size,
		mask:       size - 1,
		size:       size,
		prod:       &b.prod,
		cons:       &b.cons,
		flags:      &b.flags,
		descs:      b.descs,
	}}, b
}

func newTestRxQueue(size uint32) (*RxQueue, *ringBlock) {
	b := &ringBlock{descs: make([]unix.XDPDesc, size)}
	return &RxQueue{ring: descRing{
		mask:  size - 1,
		size:  size,
		prod:  &b.prod,
		cons:  &b.cons,
		flags: &b.flags,
		descs: b.descs,
	}}, b
}

func makePool(n int, frameSize uint64) []FrameDesc {
	pool := make([]FrameDesc, n)
	for i := range pool {
		pool[i] = FrameDesc{Addr: uint64(i) * frameSize}
	}
	return pool
}

func TestFillQueueProduceNoop(t *testing.T) {
	fq, b := newTestFillQueue(4)
	pool := makePool(4, 2048)

	require.Zero(t, fq.Produce(&pool, 0))
	require.Len(t, pool, 4)
	require.Zero(t, atomic.LoadUint32(&b.prod))

	empty := []FrameDesc{}
	require.Zero(t, fq.Produce(&empty, 8))
	require.Zero(t, atomic.LoadUint32(&b.prod))
}

func TestFillQueueProduceFIFO(t *testing.T) {
	fq, b := newTestFillQueue(8)
	pool := makePool(6, 2048)

	require.Equal(t, uint32(3), fq.Produce(&pool, 3))
	require.Len(t, pool, 3)
	require.Equal(t, uint32(3), atomic.LoadUint32(&b.prod))
	// FIFO: the first three pool entries, in order.
	require.Equal(t, []uint64{0, 2048, 4096}, b.addrs[:3])
	// Remaining pool front is the fourth frame.
	require.Equal(t, uint64(3*2048), pool[0].Addr)
}

func TestFillQueueProduceTruncates(t *testing.T) {
	fq, b := newTestFillQueue(4)
	pool := makePool(10, 2048)

	// Requested > ring capacity: capped by free slots.
	require.Equal(t, uint32(4), fq.Produce(&pool, 100))
	require.Len(t, pool, 6)
	require.Equal(t, uint32(4), atomic.LoadUint32(&b.prod))

	// Ring full now.
	require.Zero(t, fq.Produce(&pool, 1))
	require.Len(t, pool, 6)

	// Kernel consumes two; two slots open up.
	atomic.StoreUint32(&b.cons, 2)
	require.Equal(t, uint32(2), fq.Produce(&pool, 100))
	require.Len(t, pool, 4)
	require.Equal(t, uint32(6), atomic.LoadUint32(&b.prod))
}

func TestFillQueueProduceWraparound(t *testing.T) {
	fq, b := newTestFillQueue(4)
	pool := makePool(8, 2048)

	require.Equal(t, uint32(4), fq.Produce(&pool, 4))
	atomic.StoreUint32(&b.cons, 4)
	require.Equal(t, uint32(4), fq.Produce(&pool, 4))

	// Cursors ran past capacity; the masked slots hold the second batch.
	require.Equal(t, uint32(8), atomic.LoadUint32(&b.prod))
	require.Equal(t, []uint64{4 * 2048, 5 * 2048, 6 * 2048, 7 * 2048}, b.addrs)
}

func TestFillQueueNeedsWakeup(t *testing.T) {
	fq, b := newTestFillQueue(4)
	require.False(t, fq.NeedsWakeup())
	atomic.StoreUint32(&b.flags, unix.XDP_RING_NEED_WAKEUP)
	require.True(t, fq.NeedsWakeup())
}

func TestCompQueueConsumeEmpty(t *testing.T) {
	cq, b := newTestCompQueue(4)
	var reclaimed []FrameDesc

	require.Zero(t, cq.Consume(&reclaimed, 8))
	require.Empty(t, reclaimed)
	require.Zero(t, atomic.LoadUint32(&b.cons))

	// max == 0 is a no-op even with entries available.
	b.addrs[0] = 2048
	atomic.StoreUint32(&b.prod, 1)
	require.Zero(t, cq.Consume(&reclaimed, 0))
	require.Zero(t, atomic.LoadUint32(&b.cons))
}

func TestCompQueueConsumeResetsMetadata(t *testing.T) {
	cq, b := newTestCompQueue(4)

	b.addrs[0], b.addrs[1], b.addrs[2] = 4096, 0, 8192
	atomic.StoreUint32(&b.prod, 3)

	reclaimed := []FrameDesc{{Addr: 12345, Len: 99, Options: 7}}
	require.Equal(t, uint32(2), cq.Consume(&reclaimed, 2))
	require.Len(t, reclaimed, 3)
	require.Equal(t, uint32(2), atomic.LoadUint32(&b.cons))

	// Appended at the back, Len/Options zeroed, addresses verbatim.
	require.Equal(t, FrameDesc{Addr: 4096}, reclaimed[1])
	require.Equal(t, FrameDesc{Addr: 0}, reclaimed[2])

	// Remaining entry on a second call.
	require.Equal(t, uint32(1), cq.Consume(&reclaimed, 8))
	require.Equal(t, FrameDesc{Addr: 8192}, reclaimed[3])
	require.Equal(t, uint32(3), atomic.LoadUint32(&b.cons))
}

func TestCompQueueConsumeWraparound(t *testing.T) {
	cq, b := newTestCompQueue(2)
	var reclaimed []FrameDesc

	for round := uint32(0); round < 3; round++ {
		b.addrs[(2*round)&1] = uint64(round) * 2048
		atomic.StoreUint32(&b.prod, 2*round+1)
		require.Equal(t, uint32(1), cq.Consume(&reclaimed, 8))
		require.Equal(t, uint64(round)*2048, reclaimed[len(reclaimed)-1].Addr)

		atomic.StoreUint32(&b.prod, 2*round+2)
		b.addrs[(2*round+1)&1] = uint64(round) * 4096
		require.Equal(t, uint32(1), cq.Consume(&reclaimed, 1))
	}
	require.Len(t, reclaimed, 6)
}

func TestTxQueueProduce(t *testing.T) {
	tx, b := newTestTxQueue(4)
	pending := []FrameDesc{
		{Addr: 0, Len: 60},
		{Addr: 2048, Len: 1500, Options: 1},
	}

	require.Equal(t, uint32(2), tx.Produce(&pending, 8))
	require.Empty(t, pending)
	require.Equal(t, uint32(2), atomic.LoadUint32(&b.prod))
	require.Equal(t, unix.XDPDesc{Addr: 0, Len: 60}, b.descs[0])
	require.Equal(t, unix.XDPDesc{Addr: 2048, Len: 1500, Options: 1}, b.descs[1])
}

func TestTxQueueProduceTruncates(t *testing.T) {
	tx, b := newTestTxQueue(2)
	pending := makePool(5, 2048)

	require.Equal(t, uint32(2), tx.Produce(&pending, 5))
	require.Len(t, pending, 3)
	require.Zero(t, tx.Produce(&pending, 5))

	atomic.StoreUint32(&b.cons, 2)
	require.Equal(t, uint32(2), tx.Produce(&pending, 5))
	require.Len(t, pending, 1)
}

func TestRxQueueConsume(t *testing.T) {
	rx, b := newTestRxQueue(4)

	b.descs[0] = unix.XDPDesc{Addr: 2048 + 256, Len: 42}
	b.descs[1] = unix.XDPDesc{Addr: 4096 + 256, Len: 1500, Options: 2}
	atomic.StoreUint32(&b.prod, 2)

	var received []FrameDesc
	require.Equal(t, uint32(2), rx.Consume(&received, 64))
	require.Equal(t, []FrameDesc{
		{Addr: 2048 + 256, Len: 42},
		{Addr: 4096 + 256, Len: 1500, Options: 2},
	}, received)
	require.Equal(t, uint32(2), atomic.LoadUint32(&b.cons))

	require.Zero(t, rx.Consume(&received, 64))
	require.Zero(t, rx.Consume(&received, 0))
}

// Addresses pushed through a full fill->consume cycle must come back
// unaltered: the rings carry them verbatim.
func TestAddrRoundTrip(t *testing.T) {
	fq, fb := newTestFillQueue(8)
	cq, cb := newTestCompQueue(8)

	pool := makePool(8, 2048)
	want := make([]uint64, len(pool))
	for i, d := range pool {
		want[i] = d.Addr
	}

	require.Equal(t, uint32(8), fq.Produce(&pool, 8))

	// The "kernel" drains the fill ring and completes the same
	// addresses back through the completion ring.
	copy(cb.addrs, fb.addrs)
	atomic.StoreUint32(&fb.cons, 8)
	atomic.StoreUint32(&cb.prod, 8)

	var reclaimed []FrameDesc
	require.Equal(t, uint32(8), cq.Consume(&reclaimed, 64))
	for i, d := range reclaimed {
		require.Equal(t, want[i], d.Addr)
		require.Zero(t, d.Len)
		require.Zero(t, d.Options)
	}
}

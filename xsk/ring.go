//go:build linux

package xsk

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

var errEmptyRingRegion = errors.New("ring region is empty")

// addrRing is a UMEM address ring (fill or completion) mapped from the
// kernel. Entries are raw frame offsets. The producer and consumer
// cursors live in memory shared with the kernel; exactly one side writes
// each cursor. Cached copies keep the hot path free of atomic loads.
type addrRing struct {
	cachedProd uint32
	cachedCons uint32
	mask       uint32
	size       uint32
	prod       *uint32
	cons       *uint32
	flags      *uint32
	addrs      []uint64
}

// descRing is an RX/TX descriptor ring mapped from the kernel.
// Identical cursor protocol to addrRing, but entries carry
// address+length+options.
type descRing struct {
	cachedProd uint32
	cachedCons uint32
	mask       uint32
	size       uint32
	prod       *uint32
	cons       *uint32
	flags      *uint32
	descs      []unix.XDPDesc
}

// makeAddrRing builds an address ring from an mmap'd region and the
// offsets reported by XDP_MMAP_OFFSETS. For producer rings the cached
// consumer starts size above the real value so that
// cachedCons-cachedProd is the free-slot count (see free).
func makeAddrRing(region []byte, off unix.XDPRingOffset, size uint32, producer bool) (addrRing, error) {
	if len(region) == 0 {
		return addrRing{}, errEmptyRingRegion
	}
	base := unsafe.Pointer(&region[0])

	r := addrRing{
		mask:  size - 1,
		size:  size,
		prod:  (*uint32)(unsafe.Add(base, off.Producer)),
		cons:  (*uint32)(unsafe.Add(base, off.Consumer)),
		flags: (*uint32)(unsafe.Add(base, off.Flags)),
		addrs: unsafe.Slice((*uint64)(unsafe.Add(base, off.Desc)), size),
	}
	if producer {
		r.cachedCons = size
	}
	return r, nil
}

func makeDescRing(region []byte, off unix.XDPRingOffset, size uint32, producer bool) (descRing, error) {
	if len(region) == 0 {
		return descRing{}, errEmptyRingRegion
	}
	base := unsafe.Pointer(&region[0])

	r := descRing{
		mask:  size - 1,
		size:  size,
		prod:  (*uint32)(unsafe.Add(base, off.Producer)),
		cons:  (*uint32)(unsafe.Add(base, off.Consumer)),
		flags: (*uint32)(unsafe.Add(base, off.Flags)),
		descs: unsafe.Slice((*unix.XDPDesc)(unsafe.Add(base, off.Desc)), size),
	}
	if producer {
		r.cachedCons = size
	}
	return r, nil
}

/*---- producer side ----*/

// free returns the number of free slots. The cached consumer is only
// refreshed from shared memory when the cache cannot satisfy want.
func (r *addrRing) free(want uint32) uint32 {
	if free := r.cachedCons - r.cachedProd; free >= want {
		return free
	}
	r.cachedCons = atomic.LoadUint32(r.cons) + r.size
	return r.cachedCons - r.cachedProd
}

// reserve claims n contiguous slots and returns the index of the first.
// Callers must not reserve more than free() reported.
func (r *addrRing) reserve(n uint32) (idx uint32) {
	idx = r.cachedProd
	r.cachedProd += n
	return idx
}

func (r *addrRing) set(idx uint32, addr uint64) {
	r.addrs[idx&r.mask] = addr
}

// commit publishes all reserved slots. The atomic store orders after the
// slot writes, so the kernel never observes a partially written entry.
func (r *addrRing) commit() {
	atomic.StoreUint32(r.prod, r.cachedProd)
}

/*---- consumer side ----*/

// available returns how many entries can be consumed, capped by max.
// Refreshing cachedProd with an atomic load orders before the subsequent
// slot reads.
func (r *addrRing) available(max uint32) uint32 {
	avail := r.cachedProd - r.cachedCons
	if avail == 0 {
		r.cachedProd = atomic.LoadUint32(r.prod)
		avail = r.cachedProd - r.cachedCons
	}
	return min(avail, max)
}

// get reads the next entry and advances the cached consumer cursor.
func (r *addrRing) get() uint64 {
	addr := r.addrs[r.cachedCons&r.mask]
	r.cachedCons++
	return addr
}

// release publishes the cached consumer cursor, handing the consumed
// slots back to the kernel producer.
func (r *addrRing) release() {
	atomic.StoreUint32(r.cons, r.cachedCons)
}

func (r *addrRing) needsWakeup() bool {
	return atomic.LoadUint32(r.flags)&unix.XDP_RING_NEED_WAKEUP != 0
}

/*---- descRing mirrors ----*/

func (r *descRing) free(want uint32) uint32 {
	if free := r.cachedCons - r.cachedProd; free >= want {
		return free
	}
	r.cachedCons = atomic.LoadUint32(r.cons) + r.size
	return r.cachedCons - r.cachedProd
}

func (r *descRing) reserve(n uint32) (idx uint32) {
	idx = r.cachedProd
	r.cachedProd += n
	return idx
}

func (r *descRing) set(idx uint32, d unix.XDPDesc) {
	r.descs[idx&r.mask] = d
}

func (r *descRing) commit() {
	atomic.StoreUint32(r.prod, r.cachedProd)
}

func (r *descRing) available(max uint32) uint32 {
	avail := r.cachedProd - r.cachedCons
	if avail == 0 {
		r.cachedProd = atomic.LoadUint32(r.prod)
		avail = r.cachedProd - r.cachedCons
	}
	return min(avail, max)
}

func (r *descRing) get() unix.XDPDesc {
	d := r.descs[r.cachedCons&r.mask]
	r.cachedCons++
	return d
}

func (r *descRing) release() {
	atomic.StoreUint32(r.cons, r.cachedCons)
}

func (r *descRing) needsWakeup() bool {
	return atomic.LoadUint32(r.flags)&unix.XDP_RING_NEED_WAKEUP != 0
}

//go:build linux

package xsk

// CompQueue is the consumer ring through which the kernel returns
// frames whose outbound packets have been transmitted. Purely passive
// from user space's perspective: the kernel fills it without prompting.
//
// WARNING: CompQueue is not safe for concurrent use.
type CompQueue struct {
	ring addrRing
}

// Consume reclaims up to max completed frames, appending one descriptor
// per frame to reclaimed, and returns how many were reclaimed.
// Completion entries carry no length or option metadata, so Len and
// Options are always zero in the appended descriptors. The consumer
// cursor store happens after the slot reads.
func (q *CompQueue) Consume(reclaimed *[]FrameDesc, max uint32) uint32 {
	if max == 0 {
		return 0
	}
	cnt := q.ring.available(max)
	if cnt == 0 {
		return 0
	}
	for i := uint32(0); i < cnt; i++ {
		*reclaimed = append(*reclaimed, FrameDesc{Addr: q.ring.get()})
	}
	q.ring.release()
	return cnt
}

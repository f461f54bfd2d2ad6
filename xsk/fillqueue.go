//go:build linux

package xsk

// FillQueue is the producer ring through which user space donates empty
// frames to the kernel for future inbound packets. It carries frame
// addresses only and never owns frame memory.
//
// WARNING: FillQueue is not safe for concurrent use.
type FillQueue struct {
	ring addrRing
}

// Produce moves up to requested descriptors from the front of available
// into the ring and returns how many were committed. The count is
// truncated to min(requested, len(available), free ring slots) rather
// than failing; zero means no slots or no input. Committed descriptors
// are removed from available, so the count removed always equals the
// count published. The producer cursor store happens after all slot
// writes, so the kernel never observes a partially written slot.
//
// The caller must not hand back a descriptor still referenced by
// in-flight RX hardware state.
func (q *FillQueue) Produce(available *[]FrameDesc, requested uint32) uint32 {
	if requested == 0 || len(*available) == 0 {
		return 0
	}
	n := min(requested, uint32(len(*available)), q.ring.free(requested))
	if n == 0 {
		return 0
	}
	idx := q.ring.reserve(n)
	for i := uint32(0); i < n; i++ {
		q.ring.set(idx+i, (*available)[i].Addr)
	}
	q.ring.commit()
	*available = (*available)[n:]
	return n
}

// ProduceAndWakeup produces like Produce and, when at least one frame
// moved and the kernel-maintained needs-wakeup flag is set, nudges the
// driver with a blocking poll on fd bounded by timeoutMS. The ring
// commit is final regardless of the poll outcome: on poll failure the
// already-produced count is returned alongside the error.
func (q *FillQueue) ProduceAndWakeup(
	available *[]FrameDesc, requested uint32, fd int, timeoutMS int,
) (uint32, error) {
	n := q.Produce(available, requested)
	if n > 0 && q.NeedsWakeup() {
		if err := pollRead(fd, timeoutMS); err != nil {
			return n, err
		}
	}
	return n, nil
}

// NeedsWakeup reports the kernel-maintained flag indicating the driver
// needs an explicit poll to process the ring. Drivers that poll
// autonomously keep it clear.
func (q *FillQueue) NeedsWakeup() bool {
	return q.ring.needsWakeup()
}

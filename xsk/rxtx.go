//go:build linux

package xsk

import "golang.org/x/sys/unix"

// RxQueue is the consumer ring delivering inbound packets. Each entry
// references a frame previously donated through the FillQueue sharing
// the same UMEM registration.
//
// WARNING: RxQueue is not safe for concurrent use.
type RxQueue struct {
	ring descRing
	fd   int
}

// Consume moves up to max received descriptors into received and
// returns how many arrived. Addr, Len and Options are taken verbatim
// from the kernel descriptor; Addr points at the packet data, which
// starts headroom bytes into the frame.
func (q *RxQueue) Consume(received *[]FrameDesc, max uint32) uint32 {
	if max == 0 {
		return 0
	}
	cnt := q.ring.available(max)
	if cnt == 0 {
		return 0
	}
	for i := uint32(0); i < cnt; i++ {
		d := q.ring.get()
		*received = append(*received, FrameDesc{
			Addr:    d.Addr,
			Len:     d.Len,
			Options: d.Options,
		})
	}
	q.ring.release()
	return cnt
}

// PollAndConsume waits up to timeoutMS for the socket to become
// readable, then consumes like Consume. A timeout simply yields zero
// descriptors.
func (q *RxQueue) PollAndConsume(
	received *[]FrameDesc, max uint32, timeoutMS int,
) (uint32, error) {
	if err := pollRead(q.fd, timeoutMS); err != nil {
		return 0, err
	}
	return q.Consume(received, max), nil
}

// NeedsWakeup reports the kernel-maintained wakeup flag of the RX ring.
func (q *RxQueue) NeedsWakeup() bool {
	return q.ring.needsWakeup()
}

// TxQueue is the producer ring through which filled frames are handed
// to the NIC for transmission. Transmitted frames come back through the
// CompQueue of the same UMEM.
//
// WARNING: TxQueue is not safe for concurrent use.
type TxQueue struct {
	ring descRing
	fd   int
}

// Produce moves up to requested descriptors from the front of pending
// into the TX ring and returns how many were committed, truncating to
// the free slot count like FillQueue.Produce. Frame contents must be
// fully written before calling; the producer cursor store publishes the
// descriptors to the kernel.
func (q *TxQueue) Produce(pending *[]FrameDesc, requested uint32) uint32 {
	if requested == 0 || len(*pending) == 0 {
		return 0
	}
	n := min(requested, uint32(len(*pending)), q.ring.free(requested))
	if n == 0 {
		return 0
	}
	idx := q.ring.reserve(n)
	for i := uint32(0); i < n; i++ {
		d := (*pending)[i]
		q.ring.set(idx+i, unix.XDPDesc{
			Addr:    d.Addr,
			Len:     d.Len,
			Options: d.Options,
		})
	}
	q.ring.commit()
	*pending = (*pending)[n:]
	return n
}

// ProduceAndWakeup produces like Produce and rings the TX doorbell when
// the needs-wakeup flag is set. The commit stands even if the doorbell
// fails; the produced count is returned alongside the error.
func (q *TxQueue) ProduceAndWakeup(pending *[]FrameDesc, requested uint32) (uint32, error) {
	n := q.Produce(pending, requested)
	if n > 0 && q.NeedsWakeup() {
		if err := kick(q.fd); err != nil {
			return n, err
		}
	}
	return n, nil
}

// NeedsWakeup reports the kernel-maintained wakeup flag of the TX ring.
func (q *TxQueue) NeedsWakeup() bool {
	return q.ring.needsWakeup()
}

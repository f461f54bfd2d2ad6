//go:build linux

package xsk

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// pipeFd returns the read end of a pipe. With payload true a byte is
// written so poll reports the fd readable immediately; otherwise any
// poll on it runs into its timeout.
func pipeFd(t *testing.T, payload bool) int {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	t.Cleanup(func() {
		_ = unix.Close(p[0])
		_ = unix.Close(p[1])
	})
	if payload {
		_, err := unix.Write(p[1], []byte{1})
		require.NoError(t, err)
	}
	return p[0]
}

// dgramFd returns a connected AF_UNIX datagram socket that accepts the
// zero-length sendto used as the TX doorbell.
func dgramFd(t *testing.T) int {
	t.Helper()
	sp, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Close(sp[0])
		_ = unix.Close(sp[1])
	})
	return sp[0]
}

func TestFillQueueProduceAndWakeupPolls(t *testing.T) {
	fq, b := newTestFillQueue(4)
	atomic.StoreUint32(&b.flags, unix.XDP_RING_NEED_WAKEUP)
	pool := makePool(2, 2048)

	n, err := fq.ProduceAndWakeup(&pool, 2, pipeFd(t, true), 100)
	require.NoError(t, err)
	require.Equal(t, uint32(2), n)
	require.Empty(t, pool)
	require.Equal(t, uint32(2), atomic.LoadUint32(&b.prod))
}

func TestFillQueueProduceAndWakeupSkipsPollWhenFlagClear(t *testing.T) {
	fq, b := newTestFillQueue(4)
	pool := makePool(2, 2048)

	// Flag clear: returning well before the long timeout proves no
	// poll ran.
	start := time.Now()
	n, err := fq.ProduceAndWakeup(&pool, 2, -1, 1000)
	require.NoError(t, err)
	require.Equal(t, uint32(2), n)
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.Equal(t, uint32(2), atomic.LoadUint32(&b.prod))
}

func TestFillQueueProduceAndWakeupTimeout(t *testing.T) {
	fq, b := newTestFillQueue(4)
	atomic.StoreUint32(&b.flags, unix.XDP_RING_NEED_WAKEUP)
	pool := makePool(2, 2048)

	// Nothing readable: the poll runs into its timeout, which is not
	// an error, and the commit stands.
	start := time.Now()
	n, err := fq.ProduceAndWakeup(&pool, 2, pipeFd(t, false), 20)
	require.NoError(t, err)
	require.Equal(t, uint32(2), n)
	require.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	require.Equal(t, uint32(2), atomic.LoadUint32(&b.prod))
}

func TestRxQueuePollAndConsume(t *testing.T) {
	rx, b := newTestRxQueue(4)
	rx.fd = pipeFd(t, true)

	b.descs[0] = unix.XDPDesc{Addr: 2048, Len: 60}
	atomic.StoreUint32(&b.prod, 1)

	var received []FrameDesc
	n, err := rx.PollAndConsume(&received, 64, 100)
	require.NoError(t, err)
	require.Equal(t, uint32(1), n)
	require.Equal(t, []FrameDesc{{Addr: 2048, Len: 60}}, received)
}

func TestRxQueuePollAndConsumeTimeout(t *testing.T) {
	rx, b := newTestRxQueue(4)
	rx.fd = pipeFd(t, false)

	var received []FrameDesc
	start := time.Now()
	n, err := rx.PollAndConsume(&received, 64, 20)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, received)
	require.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	require.Zero(t, atomic.LoadUint32(&b.cons))
}

func TestTxQueueProduceAndWakeupDoorbell(t *testing.T) {
	tx, b := newTestTxQueue(4)
	tx.fd = dgramFd(t)
	atomic.StoreUint32(&b.flags, unix.XDP_RING_NEED_WAKEUP)

	pending := makePool(2, 2048)
	n, err := tx.ProduceAndWakeup(&pending, 2)
	require.NoError(t, err)
	require.Equal(t, uint32(2), n)
	require.Empty(t, pending)
	require.Equal(t, uint32(2), atomic.LoadUint32(&b.prod))
}

func TestTxQueueProduceAndWakeupSkipsDoorbellWhenFlagClear(t *testing.T) {
	tx, b := newTestTxQueue(4)
	tx.fd = -1 // a doorbell on this fd would fail with EBADF

	pending := makePool(2, 2048)
	n, err := tx.ProduceAndWakeup(&pending, 2)
	require.NoError(t, err)
	require.Equal(t, uint32(2), n)
	require.Equal(t, uint32(2), atomic.LoadUint32(&b.prod))
}

func TestTxQueueProduceAndWakeupDoorbellFailureKeepsCommit(t *testing.T) {
	tx, b := newTestTxQueue(4)
	tx.fd = -1
	atomic.StoreUint32(&b.flags, unix.XDP_RING_NEED_WAKEUP)

	// The doorbell fails on the bad fd, but the descriptors were
	// already published: the count and cursor stand alongside the
	// error.
	pending := makePool(2, 2048)
	n, err := tx.ProduceAndWakeup(&pending, 2)
	require.Error(t, err)
	require.Equal(t, uint32(2), n)
	require.Empty(t, pending)
	require.Equal(t, uint32(2), atomic.LoadUint32(&b.prod))
}

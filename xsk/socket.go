//go:build linux

package xsk

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Socket is an AF_XDP socket bound to one NIC queue, sharing its fd with
// the Umem registration it was opened against. The Socket borrows that
// fd; the Umem owns it. Close sockets before closing the Umem.
//
// WARNING: Socket is not safe for concurrent use.
type Socket struct {
	conf       SocketConfig
	fd         int
	isZerocopy bool

	rxMem []byte
	txMem []byte

	umem *Umem
}

// Open binds umem's AF_XDP socket to the interface queue given by conf,
// maps the RX and TX descriptor rings and registers the socket in the
// interface's XSK map. Zerocopy is requested when the Interface prefers
// it and falls back to copy mode if the driver refuses.
//
// Only one socket may be opened per Umem; a second Open returns
// ErrUmemBound.
func (i *Interface) Open(conf SocketConfig, umem *Umem) (*Socket, *RxQueue, *TxQueue, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, nil, nil, err
	}
	if umem.bound {
		return nil, nil, nil, ErrUmemBound
	}
	fd := umem.fd

	if err := unix.SetsockoptInt(
		fd, unix.SOL_XDP, unix.XDP_RX_RING, int(conf.RxSize),
	); err != nil {
		return nil, nil, nil, fmt.Errorf("setsockopt XDP_RX_RING: %w", err)
	}
	if err := unix.SetsockoptInt(
		fd, unix.SOL_XDP, unix.XDP_TX_RING, int(conf.TxSize),
	); err != nil {
		return nil, nil, nil, fmt.Errorf("setsockopt XDP_TX_RING: %w", err)
	}

	off, err := mmapOffsets(fd)
	if err != nil {
		return nil, nil, nil, err
	}

	rxLen := int(off.Rx.Desc) + int(conf.RxSize)*int(unsafe.Sizeof(unix.XDPDesc{}))
	rxMem, err := mmapRing(fd, rxLen, unix.XDP_PGOFF_RX_RING)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("mmap RX ring: %w", err)
	}
	txLen := int(off.Tx.Desc) + int(conf.TxSize)*int(unsafe.Sizeof(unix.XDPDesc{}))
	txMem, err := mmapRing(fd, txLen, unix.XDP_PGOFF_TX_RING)
	if err != nil {
		_ = unix.Munmap(rxMem)
		return nil, nil, nil, fmt.Errorf("mmap TX ring: %w", err)
	}

	fail := func(err error) (*Socket, *RxQueue, *TxQueue, error) {
		_ = unix.Munmap(rxMem)
		_ = unix.Munmap(txMem)
		return nil, nil, nil, err
	}

	rxRing, err := makeDescRing(rxMem, off.Rx, conf.RxSize, false)
	if err != nil {
		return fail(fmt.Errorf("making RX ring: %w", err))
	}
	txRing, err := makeDescRing(txMem, off.Tx, conf.TxSize, true)
	if err != nil {
		return fail(fmt.Errorf("making TX ring: %w", err))
	}

	sa := &unix.SockaddrXDP{
		Ifindex: uint32(i.ifaceIndex),
		QueueID: conf.QueueID,
	}
	zerocopy := i.preferZerocopy
	if zerocopy {
		sa.Flags = unix.XDP_ZEROCOPY | unix.XDP_USE_NEED_WAKEUP
	} else {
		sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
	}

	err = unix.Bind(fd, sa)
	if err != nil && zerocopy {
		// Not every driver/queue supports zerocopy; fall back to copy mode.
		if errno, ok := err.(unix.Errno); ok && errno == unix.EPROTONOSUPPORT {
			sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
			zerocopy = false
			err = unix.Bind(fd, sa)
		}
	}
	if err != nil {
		return fail(fmt.Errorf("binding socket: %w", err))
	}

	if err := i.registerXSK(fd, conf.QueueID); err != nil {
		return fail(fmt.Errorf("registering XSK: %w", err))
	}

	umem.bound = true
	s := &Socket{
		conf:       conf,
		fd:         fd,
		isZerocopy: zerocopy,
		rxMem:      rxMem,
		txMem:      txMem,
		umem:       umem,
	}
	return s, &RxQueue{ring: rxRing, fd: fd}, &TxQueue{ring: txRing, fd: fd}, nil
}

// Fd returns the socket fd, usable as an opaque pollable handle.
func (s *Socket) Fd() int { return s.fd }

// IsZerocopy reports whether the bind ended up in zero-copy mode.
// May be false despite PreferZerocopy when the driver fell back to
// XDP_COPY.
func (s *Socket) IsZerocopy() bool { return s.isZerocopy }

// Wait blocks until the socket becomes readable or the timeout expires.
// Returns nil in both cases; only real syscall failures surface.
func (s *Socket) Wait(timeoutMS int) error {
	return pollRead(s.fd, timeoutMS)
}

// Kick rings the TX doorbell. Required after producing TX descriptors
// when the TX ring's needs-wakeup flag is set.
func (s *Socket) Kick() error {
	return kick(s.fd)
}

// Stats queries the kernel-side XDP_STATISTICS counters.
func (s *Socket) Stats() (unix.XDPStatistics, error) {
	var stats unix.XDPStatistics
	if err := getsockoptRaw(
		s.fd, unix.SOL_XDP, unix.XDP_STATISTICS,
		unsafe.Pointer(&stats), unsafe.Sizeof(stats),
	); err != nil {
		return stats, fmt.Errorf("getsockopt XDP_STATISTICS: %w", err)
	}
	return stats, nil
}

// Close unmaps the RX/TX ring regions. The fd stays open: it carries
// the UMEM registration and is closed by Umem.Close.
func (s *Socket) Close() error {
	var errs []error
	for _, mem := range [][]byte{s.rxMem, s.txMem} {
		if mem == nil {
			continue
		}
		if err := unix.Munmap(mem); err != nil {
			errs = append(errs, fmt.Errorf("unmapping ring: %w", err))
		}
	}
	s.rxMem, s.txMem = nil, nil
	return errors.Join(errs...)
}

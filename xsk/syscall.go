//go:build linux

package xsk

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// setsockoptRaw is needed for XDP socket options carrying structs that
// have no typed wrapper in x/sys/unix (XDP_UMEM_REG).
func setsockoptRaw(fd, level, name int, val unsafe.Pointer, vallen uintptr) error {
	_, _, e := unix.Syscall6(unix.SYS_SETSOCKOPT,
		uintptr(fd), uintptr(level), uintptr(name),
		uintptr(val), vallen, 0)
	if e != 0 {
		return e
	}
	return nil
}

func getsockoptRaw(fd, level, name int, val unsafe.Pointer, vallen uintptr) error {
	l := uint32(vallen) // socklen_t
	_, _, e := unix.Syscall6(unix.SYS_GETSOCKOPT,
		uintptr(fd), uintptr(level), uintptr(name),
		uintptr(val), uintptr(unsafe.Pointer(&l)), 0)
	if e != 0 {
		return e
	}
	return nil
}

// mmapOffsets queries the ring layout for fd. Requires kernel >= 5.4
// (flags field present in xdp_ring_offset).
func mmapOffsets(fd int) (unix.XDPMmapOffsets, error) {
	var off unix.XDPMmapOffsets
	if err := getsockoptRaw(
		fd, unix.SOL_XDP, unix.XDP_MMAP_OFFSETS,
		unsafe.Pointer(&off), unsafe.Sizeof(off),
	); err != nil {
		return off, fmt.Errorf("getsockopt XDP_MMAP_OFFSETS: %w", err)
	}
	return off, nil
}

// mmapRing maps one of the four rings of an AF_XDP socket.
func mmapRing(fd int, length int, pgoff int64) ([]byte, error) {
	return unix.Mmap(fd, pgoff, length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_POPULATE)
}

// pollRead blocks until fd becomes readable or the timeout expires.
// Returns nil on both readability and timeout; only real syscall
// failures surface. EINTR is retried so signal delivery (profilers,
// timers, SIGCHLD) never bubbles up to callers.
func pollRead(fd int, timeoutMS int) error {
	for {
		_, err := unix.Poll([]unix.PollFd{{
			Fd:     int32(fd),
			Events: unix.POLLIN,
		}}, timeoutMS)
		if err == nil {
			return nil
		}
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

var zeroBuf []byte

// kick notifies the kernel that new TX descriptors are ready. AF_XDP
// interprets a zero-length sendto() as a doorbell to process the TX
// ring. EAGAIN and EBUSY are transient backpressure, not failures.
func kick(fd int) error {
	err := unix.Sendto(fd, zeroBuf, unix.MSG_DONTWAIT, nil)
	if err == unix.EAGAIN || err == unix.EBUSY {
		return nil
	}
	return err
}

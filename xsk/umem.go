//go:build linux

// Package xsk implements user-space, zero-copy AF_XDP packet I/O: a
// shared UMEM frame pool plus the lock-free single-producer /
// single-consumer rings that hand frame ownership back and forth
// between user space and the kernel driver.
//
// Terminology mapping (kernel ↔ userspace):
//
//   - FQ ring: UMEM addresses userspace donates to the kernel for RX.
//   - CQ ring: completed TX buffers returned by the kernel.
//   - RX ring: raw packets delivered from NIC to userspace.
//   - TX ring: descriptors userspace sends to the NIC.
//
// None of the queue types are safe for concurrent use. Each ring handle
// must be driven by one logical owner at a time; callers needing
// multi-thread access add their own lock per ring.
package xsk

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var (
	ErrInvalidFrameAddr = errors.New("address is not the base of a UMEM frame")
	ErrInvalidDataLen   = errors.New("data does not fit into a UMEM frame")
	ErrUmemBound        = errors.New("UMEM is already bound to a socket")
)

// FrameDesc names one UMEM frame: its base offset within the mapped
// region, the current data length and per-descriptor option flags.
// It mirrors struct xdp_desc and carries no ownership of its own.
type FrameDesc struct {
	Addr    uint64
	Len     uint32
	Options uint32
}

// Umem owns the mapped frame pool, the kernel UMEM registration and the
// fill/completion ring mappings. Destroying it invalidates all frame
// byte views; close all sockets first.
type Umem struct {
	log    *logrus.Logger
	conf   UmemConfig
	region *mappedRegion
	fd     int
	bound  bool

	// pool is handed out exactly once via TakeFramePool.
	pool []FrameDesc

	fqMem []byte
	cqMem []byte
}

// NewUmem maps the frame pool, registers it with the kernel and maps the
// fill and completion rings bound to the same registration, as one
// atomic step: any failure releases everything acquired so far.
// Teardown failures during Close are reported through log.
func NewUmem(log *logrus.Logger, conf UmemConfig) (*Umem, *FillQueue, *CompQueue, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, nil, nil, err
	}

	region, err := newMappedRegion(conf.totalSize(), conf.HugePages)
	if err != nil {
		return nil, nil, nil, err
	}

	fd, err := unix.Socket(unix.AF_XDP, unix.SOCK_RAW, 0)
	if err != nil {
		_ = region.unmap()
		return nil, nil, nil, fmt.Errorf("opening AF_XDP socket: %w", err)
	}

	fail := func(err error) (*Umem, *FillQueue, *CompQueue, error) {
		unix.Close(fd)
		_ = region.unmap()
		return nil, nil, nil, err
	}

	var umemFlags uint32
	if conf.UnalignedChunks {
		umemFlags |= unix.XDP_UMEM_UNALIGNED_CHUNK_FLAG
	}
	reg := unix.XDPUmemReg{
		Addr:     uint64(uintptr(unsafe.Pointer(&region.mem[0]))),
		Len:      uint64(len(region.mem)),
		Size:     conf.FrameSize,
		Headroom: conf.FrameHeadroom,
		Flags:    umemFlags,
	}
	if err := setsockoptRaw(
		fd, unix.SOL_XDP, unix.XDP_UMEM_REG,
		unsafe.Pointer(&reg), unsafe.Sizeof(reg),
	); err != nil {
		return fail(fmt.Errorf("setsockopt XDP_UMEM_REG: %w", err))
	}

	if err := unix.SetsockoptInt(
		fd, unix.SOL_XDP, unix.XDP_UMEM_FILL_RING, int(conf.FillSize),
	); err != nil {
		return fail(fmt.Errorf("setsockopt XDP_UMEM_FILL_RING: %w", err))
	}
	if err := unix.SetsockoptInt(
		fd, unix.SOL_XDP, unix.XDP_UMEM_COMPLETION_RING, int(conf.CompSize),
	); err != nil {
		return fail(fmt.Errorf("setsockopt XDP_UMEM_COMPLETION_RING: %w", err))
	}

	off, err := mmapOffsets(fd)
	if err != nil {
		return fail(err)
	}

	fqLen := int(off.Fr.Desc) + int(conf.FillSize)*int(unsafe.Sizeof(uint64(0)))
	fqMem, err := mmapRing(fd, fqLen, unix.XDP_UMEM_PGOFF_FILL_RING)
	if err != nil {
		return fail(fmt.Errorf("mmap fill ring: %w", err))
	}
	cqLen := int(off.Cr.Desc) + int(conf.CompSize)*int(unsafe.Sizeof(uint64(0)))
	cqMem, err := mmapRing(fd, cqLen, unix.XDP_UMEM_PGOFF_COMPLETION_RING)
	if err != nil {
		_ = unix.Munmap(fqMem)
		return fail(fmt.Errorf("mmap completion ring: %w", err))
	}

	fqRing, err := makeAddrRing(fqMem, off.Fr, conf.FillSize, true)
	if err != nil {
		_ = unix.Munmap(fqMem)
		_ = unix.Munmap(cqMem)
		return fail(fmt.Errorf("making fill ring: %w", err))
	}
	cqRing, err := makeAddrRing(cqMem, off.Cr, conf.CompSize, false)
	if err != nil {
		_ = unix.Munmap(fqMem)
		_ = unix.Munmap(cqMem)
		return fail(fmt.Errorf("making completion ring: %w", err))
	}

	pool := make([]FrameDesc, conf.FrameCount)
	for i := range pool {
		pool[i] = FrameDesc{Addr: uint64(i) * uint64(conf.FrameSize)}
	}

	u := &Umem{
		log:    log,
		conf:   conf,
		region: region,
		fd:     fd,
		pool:   pool,
		fqMem:  fqMem,
		cqMem:  cqMem,
	}
	return u, &FillQueue{ring: fqRing}, &CompQueue{ring: cqRing}, nil
}

// Fd returns the AF_XDP socket fd carrying the UMEM registration.
func (u *Umem) Fd() int { return u.fd }

// FrameSize returns the configured frame size in bytes.
func (u *Umem) FrameSize() uint32 { return u.conf.FrameSize }

// FrameCount returns the number of frames in the pool.
func (u *Umem) FrameCount() uint32 { return u.conf.FrameCount }

// FrameHeadroom returns the reserved leading bytes per frame.
func (u *Umem) FrameHeadroom() uint32 { return u.conf.FrameHeadroom }

// checkFrameAddr validates that addr is the base of a pool frame.
func (u *Umem) checkFrameAddr(addr uint64) error {
	frameSize := uint64(u.conf.FrameSize)
	if addr%frameSize != 0 || addr/frameSize >= uint64(u.conf.FrameCount) {
		return ErrInvalidFrameAddr
	}
	return nil
}

// FrameBytes returns the full frame at addr as a writable slice of
// exactly FrameSize bytes. Sub-ranges (headroom vs. data) are addressed
// by the caller. The slice is invalidated by Close.
func (u *Umem) FrameBytes(addr uint64) ([]byte, error) {
	if err := u.checkFrameAddr(addr); err != nil {
		return nil, err
	}
	return u.region.mem[addr : addr+uint64(u.conf.FrameSize)], nil
}

// CopyIntoFrame copies data into the leading bytes of the frame at
// addr. Headroom-aware copying is a caller concern.
func (u *Umem) CopyIntoFrame(addr uint64, data []byte) error {
	if err := u.checkFrameAddr(addr); err != nil {
		return err
	}
	if uint64(len(data)) > uint64(u.conf.FrameSize) {
		return ErrInvalidDataLen
	}
	copy(u.region.mem[addr:], data)
	return nil
}

// TakeFramePool hands out the full descriptor pool. The first call
// returns FrameCount descriptors with addresses 0, FrameSize,
// 2*FrameSize, ...; every subsequent call returns nil. The caller owns
// the pool from then on and must eventually return every descriptor it
// takes out of a ring back into some ring or queue, or the frame is
// permanently lost from circulation.
func (u *Umem) TakeFramePool() []FrameDesc {
	pool := u.pool
	u.pool = nil
	return pool
}

// Close deregisters the UMEM by closing its socket fd, then unmaps the
// ring and frame pool memory. Only safe once no socket and no frame
// slice references the UMEM anymore. Failures cannot be retried
// meaningfully; they are logged and joined into the returned error.
func (u *Umem) Close() error {
	var errs []error

	if u.fd >= 0 {
		if err := unix.Close(u.fd); err != nil {
			err = fmt.Errorf("closing UMEM fd: %w", err)
			u.log.WithError(err).Warn("UMEM deregistration failed")
			errs = append(errs, err)
		}
		u.fd = -1
	}

	for _, mem := range [][]byte{u.fqMem, u.cqMem} {
		if mem == nil {
			continue
		}
		if err := unix.Munmap(mem); err != nil {
			err = fmt.Errorf("unmapping ring: %w", err)
			u.log.WithError(err).Warn("UMEM ring teardown failed")
			errs = append(errs, err)
		}
	}
	u.fqMem, u.cqMem = nil, nil

	if u.region != nil {
		if err := u.region.unmap(); err != nil {
			err = fmt.Errorf("unmapping UMEM region: %w", err)
			u.log.WithError(err).Warn("UMEM region teardown failed")
			errs = append(errs, err)
		}
		u.region = nil
	}

	return errors.Join(errs...)
}

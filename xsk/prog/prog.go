//go:build linux

// Package prog builds the default XSK redirect program in-process: an
// XDP program that redirects every packet to the AF_XDP socket
// registered for its RX queue, passing packets for unregistered queues
// up the regular stack. Assembling the instructions directly avoids
// shipping compiled BPF artifacts.
package prog

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
)

// DefaultMaxQueues sizes the XSK map when the caller does not care.
const DefaultMaxQueues = 64

const xdpPass = 2

// Objects holds the loaded program and the queue→socket map.
type Objects struct {
	SockProg *ebpf.Program
	XsksMap  *ebpf.Map
}

// Load creates the XSK map for up to maxQueues NIC queues and verifies
// and loads the redirect program against it.
func Load(maxQueues uint32) (*Objects, error) {
	if maxQueues == 0 {
		maxQueues = DefaultMaxQueues
	}

	xsksMap, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "xsks_map",
		Type:       ebpf.XSKMap,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: maxQueues,
	})
	if err != nil {
		return nil, fmt.Errorf("creating xsks_map: %w", err)
	}

	// int xsk_redirect_prog(struct xdp_md *ctx)
	// {
	//     return bpf_redirect_map(&xsks_map, ctx->rx_queue_index, XDP_PASS);
	// }
	//
	// rx_queue_index sits at offset 16 of struct xdp_md.
	insns := asm.Instructions{
		asm.LoadMem(asm.R2, asm.R1, 16, asm.Word),
		asm.LoadMapPtr(asm.R1, xsksMap.FD()),
		asm.Mov.Imm(asm.R3, xdpPass),
		asm.FnRedirectMap.Call(),
		asm.Return(),
	}

	sockProg, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         "xsk_redirect_prog",
		Type:         ebpf.XDP,
		Instructions: insns,
		License:      "LGPL-2.1 or BSD-2-Clause",
	})
	if err != nil {
		_ = xsksMap.Close()
		return nil, fmt.Errorf("loading redirect program: %w", err)
	}

	return &Objects{SockProg: sockProg, XsksMap: xsksMap}, nil
}

// Close releases the program and map.
func (o *Objects) Close() error {
	var errs []error
	if o.SockProg != nil {
		if err := o.SockProg.Close(); err != nil {
			errs = append(errs, err)
		}
		o.SockProg = nil
	}
	if o.XsksMap != nil {
		if err := o.XsksMap.Close(); err != nil {
			errs = append(errs, err)
		}
		o.XsksMap = nil
	}
	return errors.Join(errs...)
}

//go:build linux

package xsk

import (
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"

	"github.com/romshark/xsk-go/xsk/prog"
)

// InterfaceConfig controls how the XDP program is attached to a NIC.
type InterfaceConfig struct {
	// PreferZerocopy requests driver-mode XDP and XDP_ZEROCOPY binds.
	// Sockets fall back to copy mode if the driver refuses.
	PreferZerocopy bool
	// MaxQueues caps the XSK map size. Zero means prog.DefaultMaxQueues.
	MaxQueues uint32
}

// Interface represents a NIC with the XSK redirect program attached.
// It owns the program and map and can open AF_XDP sockets bound to
// individual hardware queues.
type Interface struct {
	ifaceName      string
	ifaceIndex     int
	preferZerocopy bool

	link link.Link
	objs *prog.Objects
}

// MakeInterface attaches the XSK redirect program to the named
// interface. The program is attached once per Interface.
func MakeInterface(iface string, conf InterfaceConfig) (*Interface, error) {
	netIf, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("getting interface: %w", err)
	}

	objs, err := prog.Load(conf.MaxQueues)
	if err != nil {
		return nil, fmt.Errorf("loading XSK redirect program: %w", err)
	}

	opts := link.XDPOptions{
		Program:   objs.SockProg,
		Interface: netIf.Index,
	}
	if conf.PreferZerocopy {
		// Zerocopy needs driver-mode XDP.
		opts.Flags = link.XDPDriverMode
	}
	l, err := link.AttachXDP(opts)
	if err != nil {
		_ = objs.Close()
		return nil, fmt.Errorf("attaching XDP: %w", err)
	}

	return &Interface{
		ifaceName:      iface,
		ifaceIndex:     netIf.Index,
		preferZerocopy: conf.PreferZerocopy,
		link:           l,
		objs:           objs,
	}, nil
}

// Info returns the interface name and Linux interface index.
func (i *Interface) Info() (name string, index int) {
	return i.ifaceName, i.ifaceIndex
}

// RXQueueIDs returns the RX queue IDs available on the interface in
// ascending order, inspecting /sys/class/net/<iface>/queues.
func (i *Interface) RXQueueIDs() (ids []uint32, err error) {
	path := "/sys/class/net/" + i.ifaceName + "/queues"
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", path, err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "rx-") {
			idStr := e.Name()[3:]
			id, err := strconv.Atoi(idStr)
			if err != nil {
				return nil, fmt.Errorf("parsing entry %q: %w", idStr, err)
			}
			ids = append(ids, uint32(id))
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// registerXSK registers the socket fd in the XSK map for the given
// queue so the XDP program redirects that queue's packets to it.
func (i *Interface) registerXSK(fd int, queue uint32) error {
	return i.objs.XsksMap.Update(queue, uint32(fd), ebpf.UpdateAny)
}

// Close detaches the XDP program and frees the eBPF resources. It does
// not close Socket or Umem instances; close those first.
func (i *Interface) Close() error {
	var errs []error
	if i.link != nil {
		if err := i.link.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP link: %w", err))
		}
		i.link = nil
	}
	if i.objs != nil {
		if err := i.objs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XSK objects: %w", err))
		}
		i.objs = nil
	}
	return errors.Join(errs...)
}

// Package ifacestat reads NIC hardware counters via ethtool -S,
// independent of the AF_XDP socket statistics. Useful to verify what
// actually hit the wire versus what the rings accounted for.
package ifacestat

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

type Counter int

const (
	TxPackets Counter = iota
	TxBytes
	RxPackets
	RxBytes
)

func (c Counter) String() string {
	switch c {
	case TxPackets:
		return "tx_packets_phy"
	case TxBytes:
		return "tx_bytes_phy"
	case RxPackets:
		return "rx_packets_phy"
	case RxBytes:
		return "rx_bytes_phy"
	}
	return ""
}

// AllCounters lists every counter this package knows.
var AllCounters = []Counter{TxPackets, TxBytes, RxPackets, RxBytes}

// Snapshot holds one interface's counter values at a point in time.
type Snapshot map[Counter]uint64

// Report maps interface names to their snapshots.
type Report map[string]Snapshot

// Take runs ethtool -S on every interface and collects the requested
// counters. Counters the NIC does not expose read as zero.
func Take(ifaces []string, counters ...Counter) (Report, error) {
	if len(counters) == 0 {
		counters = AllCounters
	}
	r := make(Report, len(ifaces))
	for _, iface := range ifaces {
		out, err := exec.Command("ethtool", "-S", iface).Output()
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", iface, err)
		}
		snap, err := parseCounters(bytes.NewReader(out), counters)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", iface, err)
		}
		r[iface] = snap
	}
	return r, nil
}

// parseCounters scans ethtool -S output ("  name: value" lines) for the
// requested counters.
func parseCounters(r io.Reader, counters []Counter) (Snapshot, error) {
	want := make(map[string]Counter, len(counters))
	for _, c := range counters {
		want[c.String()] = c
	}

	snap := make(Snapshot, len(counters))
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		parts := strings.Fields(strings.TrimSpace(sc.Text()))
		if len(parts) != 2 {
			continue
		}
		ctr, ok := want[strings.TrimSuffix(parts[0], ":")]
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", parts[0], err)
		}
		snap[ctr] = v
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	for _, ctr := range counters {
		if _, ok := snap[ctr]; !ok {
			snap[ctr] = 0
		}
	}
	return snap, nil
}

// Since returns r minus old, counter by counter.
func (r Report) Since(old Report) Report {
	out := make(Report, len(r))
	for iface, now := range r {
		prev := old[iface]
		diff := make(Snapshot, len(now))
		for ctr, v := range now {
			diff[ctr] = v - prev[ctr]
		}
		out[iface] = diff
	}
	return out
}

// Print writes a humanized per-interface summary of a (delta) report.
// elapsed > 0 additionally prints rates.
func Print(w io.Writer, r Report, elapsed time.Duration) {
	ifaces := make([]string, 0, len(r))
	for iface := range r {
		ifaces = append(ifaces, iface)
	}
	slices.Sort(ifaces)

	for _, iface := range ifaces {
		snap := r[iface]
		fmt.Fprintf(w, "%s:\n", iface)
		printDirection(w, "TX", snap[TxPackets], snap[TxBytes], elapsed)
		printDirection(w, "RX", snap[RxPackets], snap[RxBytes], elapsed)
	}
}

func printDirection(w io.Writer, dir string, pkts, bytes uint64, elapsed time.Duration) {
	fmt.Fprintf(w, "  %s  %s pkts  ≈ %s",
		dir, humanize.Comma(int64(pkts)), humanize.Bytes(bytes))
	if sec := elapsed.Seconds(); sec > 0 {
		fmt.Fprintf(w, "  (%.0f pps, %.2f Mbit/s)",
			float64(pkts)/sec, float64(bytes*8)/sec/1e6)
	}
	fmt.Fprintln(w)
}

package ifacestat

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const ethtoolOutput = `NIC statistics:
     rx_packets: 1234
     tx_packets: 99
     rx_bytes_phy: 456789
     rx_packets_phy: 321
     tx_packets_phy: 42
     tx_bytes_phy: 65536
     rx_out_of_buffer: 7
`

func TestParseCounters(t *testing.T) {
	snap, err := parseCounters(strings.NewReader(ethtoolOutput), AllCounters)
	require.NoError(t, err)
	require.Equal(t, Snapshot{
		TxPackets: 42,
		TxBytes:   65536,
		RxPackets: 321,
		RxBytes:   456789,
	}, snap)
}

func TestParseCountersMissingReadZero(t *testing.T) {
	snap, err := parseCounters(strings.NewReader("NIC statistics:\n"), []Counter{TxBytes, RxBytes})
	require.NoError(t, err)
	require.Equal(t, Snapshot{TxBytes: 0, RxBytes: 0}, snap)
}

func TestReportSince(t *testing.T) {
	old := Report{"eth0": {TxPackets: 10, TxBytes: 1000}}
	now := Report{"eth0": {TxPackets: 25, TxBytes: 4000}}

	diff := now.Since(old)
	require.Equal(t, uint64(15), diff["eth0"][TxPackets])
	require.Equal(t, uint64(3000), diff["eth0"][TxBytes])
}

func TestPrintIncludesRates(t *testing.T) {
	var sb strings.Builder
	Print(&sb, Report{"eth0": {TxPackets: 1000, TxBytes: 125000}}, time.Second)
	out := sb.String()
	require.Contains(t, out, "eth0:")
	require.Contains(t, out, "1,000 pkts")
	require.Contains(t, out, "1000 pps")
	require.Contains(t, out, "1.00 Mbit/s")
}

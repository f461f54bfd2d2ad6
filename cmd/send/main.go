//go:build linux

package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"net"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/romshark/xsk-go/ratelimit"
	"github.com/romshark/xsk-go/xsk"
)

func ipChecksum(buf []byte) uint16 {
	var sum uint32
	for len(buf) > 1 {
		sum += uint32(binary.BigEndian.Uint16(buf))
		buf = buf[2:]
	}
	if len(buf) > 0 {
		sum += uint32(buf[0]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

func buildUDPPacket(buf []byte,
	srcMAC, dstMAC net.HardwareAddr,
	srcIP, dstIP net.IP,
	srcPort, dstPort uint16,
	seq uint32,
	pktSize uint32,
) uint32 {
	const ethLen = 14
	const ipLen = 20
	const udpLen = 8

	minSize := uint32(ethLen + ipLen + udpLen + 4)
	if pktSize < minSize {
		pktSize = minSize
	}

	payloadLen := pktSize - (ethLen + ipLen + udpLen)

	copy(buf[0:6], dstMAC)
	copy(buf[6:12], srcMAC)
	buf[12], buf[13] = 0x08, 0x00

	ip := buf[ethLen:]
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:], uint16(ipLen+udpLen+payloadLen))
	ip[8] = 64
	ip[9] = 17
	copy(ip[12:16], srcIP.To4())
	copy(ip[16:20], dstIP.To4())
	binary.BigEndian.PutUint16(ip[10:], ipChecksum(ip[:20]))

	udp := ip[20:]
	binary.BigEndian.PutUint16(udp[0:], srcPort)
	binary.BigEndian.PutUint16(udp[2:], dstPort)
	binary.BigEndian.PutUint16(udp[4:], uint16(udpLen+payloadLen))

	payload := udp[8:]
	binary.BigEndian.PutUint32(payload[:4], seq)

	return pktSize
}

// validatePacketSize rejects sizes the 2048-byte UMEM frames cannot
// carry; oversized TX descriptors would only be dropped by the kernel.
func validatePacketSize(pktSize, frameSize uint32) error {
	if pktSize < 64 || pktSize > frameSize {
		return fmt.Errorf("packet size %d outside 64-%d", pktSize, frameSize)
	}
	return nil
}

func main() {
	fIface := flag.String("i", "", "Interface")
	fDestMACStr := flag.String("d", "", "Destination MAC")
	fSrcIPStr := flag.String("s", "", "Source IP")
	fDestIPStr := flag.String("D", "", "Destination IP")
	fPort := flag.Int("p", 12345, "Destination port")
	fCount := flag.Uint64("n", 1_000_000, "Packets to send")
	fPktSize := flag.Uint("l", 1360, "Packet size")
	fQueue := flag.Uint("q", 0, "Queue ID")
	fPPS := flag.Uint64("r", 0, "Rate limit in packets per second (0 = unlimited)")
	fZeroCopy := flag.Bool("z", false, "Prefer zerocopy "+
		"(automatically falls back to copy mode if not supported)")
	flag.Parse()

	log := logrus.New()

	netIf, err := net.InterfaceByName(*fIface)
	if err != nil {
		log.WithError(err).Fatal("looking up interface")
	}
	srcMAC := netIf.HardwareAddr
	dstMAC, err := net.ParseMAC(*fDestMACStr)
	if err != nil {
		log.WithError(err).Fatal("parsing -d destination MAC")
	}
	srcIP := net.ParseIP(*fSrcIPStr).To4()
	dstIP := net.ParseIP(*fDestIPStr).To4()
	if srcIP == nil || dstIP == nil {
		log.Fatal("both -s and -D must be IPv4 addresses")
	}

	const frameSize = 2048
	if err := validatePacketSize(uint32(*fPktSize), frameSize); err != nil {
		log.WithError(err).Fatal("invalid -l packet size")
	}

	iface, err := xsk.MakeInterface(*fIface, xsk.InterfaceConfig{
		PreferZerocopy: *fZeroCopy,
	})
	if err != nil {
		log.WithError(err).Fatal("initializing interface")
	}
	defer iface.Close()

	umem, _, cq, err := xsk.NewUmem(log, xsk.UmemConfig{
		FrameSize:  frameSize,
		FrameCount: 1024 * 8,
	})
	if err != nil {
		log.WithError(err).Fatal("creating UMEM")
	}
	defer umem.Close()

	sock, _, tx, err := iface.Open(xsk.SocketConfig{
		QueueID: uint32(*fQueue),
	}, umem)
	if err != nil {
		log.WithError(err).Fatal("opening socket")
	}
	defer sock.Close()

	log.WithFields(logrus.Fields{
		"iface":    *fIface,
		"queue":    *fQueue,
		"dst_mac":  dstMAC.String(),
		"src_ip":   srcIP.String(),
		"dst_ip":   dstIP.String(),
		"dst_port": *fPort,
		"count":    *fCount,
		"zerocopy": sock.IsZerocopy(),
	}).Info("AF_XDP TX")

	const srcPort = 54321
	const batch = 128

	throttle := ratelimit.PerSecond(*fPPS)

	var (
		seq       uint32
		sent      uint64
		completed uint64
		sentBytes uint64
	)

	pool := umem.TakeFramePool()
	pending := make([]xsk.FrameDesc, 0, batch)

	start := time.Now()

	for sent < *fCount {
		// No frames left: everything is in flight, reclaim first.
		for len(pool) == 0 {
			before := len(pool)
			if cq.Consume(&pool, batch) > 0 {
				completed += uint64(len(pool) - before)
				continue
			}
			// NIC not progressing yet.
			if err := sock.Wait(1); err != nil {
				log.WithError(err).Fatal("waiting for completions")
			}
		}

		n := uint64(min(len(pool), batch))
		if sent+n > *fCount {
			n = *fCount - sent
		}

		pending = pending[:0]
		for i := uint64(0); i < n; i++ {
			frame, err := umem.FrameBytes(pool[i].Addr)
			if err != nil {
				log.WithError(err).Fatal("frame access")
			}
			plen := buildUDPPacket(
				frame, srcMAC, dstMAC, srcIP, dstIP,
				srcPort, uint16(*fPort), seq, uint32(*fPktSize),
			)
			pending = append(pending, xsk.FrameDesc{
				Addr: pool[i].Addr,
				Len:  plen,
			})
			seq++
			sentBytes += uint64(plen)
		}
		pool = pool[n:]

		// Push the whole batch; the ring may take it in chunks.
		for len(pending) > 0 {
			produced, err := tx.ProduceAndWakeup(&pending, uint32(len(pending)))
			if err != nil {
				log.WithError(err).Fatal("producing TX descriptors")
			}
			sent += uint64(produced)
			if produced == 0 {
				before := len(pool)
				if cq.Consume(&pool, batch) > 0 {
					completed += uint64(len(pool) - before)
					continue
				}
				_ = sock.Wait(1)
			}
		}

		if c := cq.Consume(&pool, batch); c > 0 {
			completed += uint64(c)
		}

		throttle.Take(n)
	}

	// Wait until every sent packet is reported transmitted.
	for completed < sent {
		if c := cq.Consume(&pool, batch); c > 0 {
			completed += uint64(c)
			continue
		}
		_ = sock.Wait(1)
	}

	elapsed := time.Since(start)
	pps := float64(sent) / elapsed.Seconds()

	log.Infof("finished: sent=%s completed=%s bytes=%s | duration=%s | rate=%s pps",
		humanize.Comma(int64(sent)),
		humanize.Comma(int64(completed)),
		humanize.Bytes(sentBytes),
		elapsed,
		humanize.Comma(int64(pps)),
	)
}

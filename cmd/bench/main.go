//go:build linux

package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/romshark/xsk-go/ifacestat"
	"github.com/romshark/xsk-go/ratelimit"
	"github.com/romshark/xsk-go/xsk"
)

type Config struct {
	Egress struct {
		Interface string `yaml:"interface"`
		Zerocopy  bool   `yaml:"zerocopy"`
		Queue     uint   `yaml:"queue"`
		DestMAC   string `yaml:"dest-mac"`
		SrcIP     string `yaml:"src-ip"` // Not CLI-overwritable.
		SrcPort   int    `yaml:"src-port"`
		DstIP     string `yaml:"dst-ip"`
		DstPort   int    `yaml:"dst-port"`
	} `yaml:"egress"`

	Ingress struct {
		Interface string `yaml:"interface"`
		Zerocopy  bool   `yaml:"zerocopy"`
	} `yaml:"ingress"`

	MTU       uint64 `yaml:"mtu"`
	Count     uint64 `yaml:"count"`
	RatePPS   uint64 `yaml:"rate-pps"`
	BatchSize uint32 `yaml:"batch-size"`
	NICStats  bool   `yaml:"nic-stats"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "bench.yaml", "path to config YAML file")
	fIfaceE := flag.String("ie", "", "egress interface")
	fIfaceI := flag.String("ii", "", "ingress interface")
	fPreferZC := flag.Bool("z", false, "prefer zerocopy on both interfaces")
	fDestMAC := flag.String("d", "", "destination MAC")
	fDstIP := flag.String("D", "", "destination IP")
	fPort := flag.Int("p", 0, "destination UDP port")
	fCount := flag.Uint64("n", 0, "number of packets to send")
	fPktSize := flag.Uint64("l", 0, "packet size")
	fQueue := flag.Uint("q", 0, "egress queue id")
	fRate := flag.Uint64("r", 0, "rate limit in packets per second (0 = unlimited)")

	flag.Parse()

	b, err := os.ReadFile(*fConfig)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var conf Config
	if err := yaml.Unmarshal(b, &conf); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	// Apply CLI overrides if necessary.
	if *fIfaceE != "" {
		conf.Egress.Interface = *fIfaceE
	}
	if *fIfaceI != "" {
		conf.Ingress.Interface = *fIfaceI
	}
	if *fPreferZC {
		conf.Egress.Zerocopy, conf.Ingress.Zerocopy = true, true
	}
	if *fDestMAC != "" {
		conf.Egress.DestMAC = *fDestMAC
	}
	if *fDstIP != "" {
		conf.Egress.DstIP = *fDstIP
	}
	if *fPort != 0 {
		conf.Egress.DstPort = *fPort
	}
	if *fQueue != 0 {
		conf.Egress.Queue = *fQueue
	}
	if *fPktSize != 0 {
		conf.MTU = *fPktSize
	}
	if *fCount != 0 {
		conf.Count = *fCount
	}
	if *fRate != 0 {
		conf.RatePPS = *fRate
	}
	if conf.BatchSize == 0 {
		conf.BatchSize = 128
	}
	if conf.Egress.SrcPort == 0 {
		conf.Egress.SrcPort = 12345
	}

	// Validate.
	if conf.Egress.Interface == "" {
		return nil, errors.New("egress.interface must be set (or use -ie)")
	}
	if conf.Ingress.Interface == "" {
		return nil, errors.New("ingress.interface must be set (or use -ii)")
	}
	if conf.Egress.DestMAC == "" {
		return nil, errors.New("egress.dest-mac must be set")
	}
	if _, err := net.ParseMAC(conf.Egress.DestMAC); err != nil {
		return nil, fmt.Errorf("invalid egress.dest-mac %q: %w", conf.Egress.DestMAC, err)
	}
	if ip := net.ParseIP(conf.Egress.SrcIP); ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("invalid egress.src-ip %q", conf.Egress.SrcIP)
	}
	if ip := net.ParseIP(conf.Egress.DstIP); ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("invalid egress.dst-ip %q", conf.Egress.DstIP)
	}
	if conf.Egress.DstPort <= 0 || conf.Egress.DstPort > 65535 {
		return nil, errors.New("egress.dst-port must be between 1-65535")
	}
	if conf.Egress.SrcPort <= 0 || conf.Egress.SrcPort > 65535 {
		return nil, errors.New("egress.src-port must be between 1-65535")
	}
	if conf.Count == 0 {
		return nil, errors.New("count must be > 0")
	}
	if conf.MTU < 64 || conf.MTU > 1500 {
		return nil, errors.New("mtu must be between 64-1500")
	}

	return &conf, nil
}

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

// buildUDPPacket writes an Ethernet+IPv4+UDP frame carrying a 4-byte
// sequence number and returns the total frame length.
func buildUDPPacket(
	buf []byte,
	srcMAC, dstMAC net.HardwareAddr,
	srcIP, dstIP net.IP,
	srcPort, dstPort uint16,
	seq uint32,
	pktSize uint32,
) uint32 {
	const ethLen = 14
	const ipLen = 20
	const udpLen = 8

	if minSize := uint32(ethLen + ipLen + udpLen + 4); pktSize < minSize {
		pktSize = minSize
	}
	payloadLen := pktSize - (ethLen + ipLen + udpLen)

	copy(buf[0:6], dstMAC)
	copy(buf[6:12], srcMAC)
	buf[12], buf[13] = 0x08, 0x00 // EtherType IPv4

	ip := buf[ethLen:]
	ip[0] = 0x45
	ip[1] = 0
	binary.BigEndian.PutUint16(ip[2:], uint16(ipLen+udpLen+payloadLen))
	binary.BigEndian.PutUint16(ip[4:], 0)
	binary.BigEndian.PutUint16(ip[6:], 0)
	ip[8], ip[9] = 64, 17 // TTL, UDP
	ip[10], ip[11] = 0, 0
	copy(ip[12:16], srcIP.To4())
	copy(ip[16:20], dstIP.To4())
	binary.BigEndian.PutUint16(ip[10:], ipChecksum(ip[:20]))

	udp := ip[ipLen:]
	binary.BigEndian.PutUint16(udp[0:], srcPort)
	binary.BigEndian.PutUint16(udp[2:], dstPort)
	binary.BigEndian.PutUint16(udp[4:], uint16(udpLen+payloadLen))
	udp[6], udp[7] = 0, 0 // checksum optional for IPv4

	binary.BigEndian.PutUint32(udp[udpLen:], seq)

	return pktSize
}

type Stats struct {
	TxPackets   atomic.Uint64
	TxCompleted atomic.Uint64
	TxBytes     atomic.Uint64

	RxPackets atomic.Uint64
	RxBytes   atomic.Uint64

	ElapsedNS atomic.Int64
}

func runReceiver(
	ctx context.Context, log *logrus.Logger,
	iface *xsk.Interface, stats *Stats, batch uint32,
) *sync.WaitGroup {
	queues, err := iface.RXQueueIDs()
	if err != nil {
		log.WithError(err).Fatal("listing RX queues")
	}
	if len(queues) == 0 {
		log.Fatal("no RX queues found")
	}
	ifaceName, _ := iface.Info()

	var wg sync.WaitGroup
	var wgReady sync.WaitGroup
	wgReady.Add(len(queues))
	for _, qid := range queues {
		qid := qid
		wg.Add(1)
		go func() {
			defer wg.Done()
			runtime.LockOSThread()

			umem, fq, _, err := xsk.NewUmem(log, xsk.UmemConfig{
				FrameCount: 1024 * 32,
				FillSize:   1024 * 8,
				CompSize:   1024 * 8,
			})
			if err != nil {
				log.WithError(err).Fatal("creating RX UMEM")
			}
			defer func() { _ = umem.Close() }()

			sock, rx, _, err := iface.Open(xsk.SocketConfig{
				QueueID: qid,
				RxSize:  1024 * 8,
				TxSize:  1024 * 8,
			}, umem)
			if err != nil {
				log.WithError(err).Fatal("opening RX socket")
			}
			defer func() { _ = sock.Close() }()

			log.Infof("RX on %s:%d (zerocopy=%t)", ifaceName, qid, sock.IsZerocopy())
			wgReady.Done()

			frameMask := ^uint64(umem.FrameSize() - 1)
			pool := umem.TakeFramePool()
			if _, err := fq.ProduceAndWakeup(
				&pool, uint32(len(pool)), sock.Fd(), 1,
			); err != nil {
				log.WithError(err).Fatal("filling RX ring")
			}

			received := make([]xsk.FrameDesc, 0, batch)
			for ctx.Err() == nil {
				received = received[:0]
				n := rx.Consume(&received, batch)
				if n == 0 {
					if err := sock.Wait(10); err != nil {
						log.WithError(err).Fatal("waiting for RX")
					}
					continue
				}

				for _, d := range received {
					stats.RxBytes.Add(uint64(d.Len))
					// Descriptor addresses point at packet data; strip the
					// in-frame offset before recycling into the fill ring.
					pool = append(pool, xsk.FrameDesc{Addr: d.Addr & frameMask})
				}
				stats.RxPackets.Add(uint64(n))

				if _, err := fq.ProduceAndWakeup(&pool, n, sock.Fd(), 1); err != nil {
					log.WithError(err).Fatal("refilling RX ring")
				}
			}
		}()
	}

	wgReady.Wait()
	return &wg
}

func runSender(log *logrus.Logger, iface *xsk.Interface, conf *Config, stats *Stats) {
	netIf, err := net.InterfaceByName(conf.Egress.Interface)
	if err != nil {
		log.WithError(err).Fatal("getting egress interface")
	}
	srcMAC := netIf.HardwareAddr
	dstMAC, err := net.ParseMAC(conf.Egress.DestMAC)
	if err != nil {
		log.WithError(err).Fatal("parsing destination MAC")
	}
	srcIP := net.ParseIP(conf.Egress.SrcIP).To4()
	dstIP := net.ParseIP(conf.Egress.DstIP).To4()

	umem, _, cq, err := xsk.NewUmem(log, xsk.UmemConfig{
		FrameCount: 1024 * 32,
		FillSize:   1024 * 8,
		CompSize:   1024 * 8,
	})
	if err != nil {
		log.WithError(err).Fatal("creating TX UMEM")
	}
	defer func() { _ = umem.Close() }()

	sock, _, tx, err := iface.Open(xsk.SocketConfig{
		QueueID: uint32(conf.Egress.Queue),
		RxSize:  1024 * 8,
		TxSize:  1024 * 8,
	}, umem)
	if err != nil {
		log.WithError(err).Fatal("opening TX socket")
	}
	defer func() { _ = sock.Close() }()

	ifaceName, _ := iface.Info()
	log.Infof("TX on %s:%d (zerocopy=%t)",
		ifaceName, conf.Egress.Queue, sock.IsZerocopy())

	batch := int(conf.BatchSize)
	throttle := ratelimit.PerSecond(conf.RatePPS)

	srcPort := uint16(conf.Egress.SrcPort)
	dstPort := uint16(conf.Egress.DstPort)
	pktSize := uint32(conf.MTU)

	var seq uint32
	pool := umem.TakeFramePool()
	pending := make([]xsk.FrameDesc, 0, batch)

	reclaim := func() bool {
		before := len(pool)
		if cq.Consume(&pool, conf.BatchSize) > 0 {
			stats.TxCompleted.Add(uint64(len(pool) - before))
			return true
		}
		return false
	}

	start := time.Now()

	for stats.TxPackets.Load() < conf.Count {
		for len(pool) == 0 {
			if reclaim() {
				continue
			}
			if err := sock.Wait(1); err != nil {
				log.WithError(err).Fatal("waiting for TX completions")
			}
		}

		n := uint64(min(len(pool), batch))
		if remaining := conf.Count - stats.TxPackets.Load(); n > remaining {
			n = remaining
		}

		pending = pending[:0]
		for i := uint64(0); i < n; i++ {
			frame, err := umem.FrameBytes(pool[i].Addr)
			if err != nil {
				log.WithError(err).Fatal("accessing frame")
			}
			plen := buildUDPPacket(
				frame, srcMAC, dstMAC, srcIP, dstIP, srcPort, dstPort, seq, pktSize,
			)
			pending = append(pending, xsk.FrameDesc{Addr: pool[i].Addr, Len: plen})
			stats.TxBytes.Add(uint64(plen))
			seq++
		}
		pool = pool[n:]

		for len(pending) > 0 {
			produced, err := tx.ProduceAndWakeup(&pending, uint32(len(pending)))
			if err != nil {
				log.WithError(err).Fatal("producing TX descriptors")
			}
			stats.TxPackets.Add(uint64(produced))
			if produced == 0 && !reclaim() {
				_ = sock.Wait(1)
			}
		}

		reclaim()
		throttle.Take(n)
	}

	for stats.TxCompleted.Load() < stats.TxPackets.Load() {
		if !reclaim() {
			if err := sock.Kick(); err != nil {
				log.WithError(err).Fatal("kicking TX ring")
			}
			_ = sock.Wait(1)
		}
	}

	stats.ElapsedNS.Store(time.Since(start).Nanoseconds())
}

func main() {
	log := logrus.New()

	conf, err := loadConfig()
	if err != nil {
		log.WithError(err).Fatal("reading config")
	}

	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	if err != nil {
		log.WithError(err).Fatal("encoding final YAML config")
	}
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	ifaceE, err := xsk.MakeInterface(conf.Egress.Interface, xsk.InterfaceConfig{
		PreferZerocopy: conf.Egress.Zerocopy,
	})
	if err != nil {
		log.WithError(err).Fatal("preparing egress interface")
	}
	defer func() { _ = ifaceE.Close() }()

	ifaceI, err := xsk.MakeInterface(conf.Ingress.Interface, xsk.InterfaceConfig{
		PreferZerocopy: conf.Ingress.Zerocopy,
	})
	if err != nil {
		log.WithError(err).Fatal("preparing ingress interface")
	}
	defer func() { _ = ifaceI.Close() }()

	var nicBefore ifacestat.Report
	if conf.NICStats {
		nicBefore, err = ifacestat.Take(
			[]string{conf.Egress.Interface, conf.Ingress.Interface})
		if err != nil {
			log.WithError(err).Warn("reading NIC counters, disabling nic-stats")
			conf.NICStats = false
		}
	}

	var stats Stats
	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()

		var lastTxPkts, lastTxBytes, lastRxPkts, lastRxBytes uint64
		lastTime := time.Now()

		for range t.C {
			now := time.Now()
			dt := now.Sub(lastTime).Seconds()
			lastTime = now

			txPkts, rxPkts := stats.TxPackets.Load(), stats.RxPackets.Load()
			txBytes, rxBytes := stats.TxBytes.Load(), stats.RxBytes.Load()

			fmt.Printf(
				"TX=%d RX=%d TX-PPS=%.0f RX-PPS=%.0f TX-Mbps=%.1f RX-Mbps=%.1f\n",
				txPkts, rxPkts,
				float64(txPkts-lastTxPkts)/dt,
				float64(rxPkts-lastRxPkts)/dt,
				float64((txBytes-lastTxBytes)*8)/1e6/dt,
				float64((rxBytes-lastRxBytes)*8)/1e6/dt,
			)

			lastTxPkts, lastTxBytes = txPkts, txBytes
			lastRxPkts, lastRxBytes = rxPkts, rxBytes
		}
	}()

	ctxRecv, cancelRecv := context.WithCancel(context.Background())
	defer cancelRecv()

	wgRecv := runReceiver(ctxRecv, log, ifaceI, &stats, conf.BatchSize)

	{
		d := 300 * time.Millisecond
		log.Infof("waiting %s for receivers to settle...", d)
		time.Sleep(d)
	}

	runSender(log, ifaceE, conf, &stats)

	{
		d := 300 * time.Millisecond
		log.Infof("waiting %s for in-flight packets...", d)
		time.Sleep(d)
	}
	cancelRecv()
	wgRecv.Wait()

	txPackets := stats.TxPackets.Load()
	rxPackets := stats.RxPackets.Load()
	txBytes := stats.TxBytes.Load()
	rxBytes := stats.RxBytes.Load()

	drops := txPackets - rxPackets
	elapsed := float64(stats.ElapsedNS.Load()) / 1e9

	p := message.NewPrinter(language.English)

	p.Print("\nFINAL REPORT\n")
	p.Printf(" Elapsed:           %.3f s\n", elapsed)
	p.Printf(" TX:                %d packets\n", txPackets)
	p.Printf(" RX:                %d packets\n", rxPackets)
	p.Printf(" TX Avg PPS:        %d\n", uint64(float64(txPackets)/elapsed))
	p.Printf(" RX Avg PPS:        %d\n", uint64(float64(rxPackets)/elapsed))
	p.Printf(" TX Avg rate:       %.1f Mbps\n", float64(txBytes*8)/1e6/elapsed)
	p.Printf(" RX Avg rate:       %.1f Mbps\n", float64(rxBytes*8)/1e6/elapsed)
	p.Printf(" Dropped:           %d (%.4f%%)\n",
		drops, float64(drops)/float64(txPackets)*100)

	if conf.NICStats {
		nicAfter, err := ifacestat.Take(
			[]string{conf.Egress.Interface, conf.Ingress.Interface})
		if err != nil {
			log.WithError(err).Warn("reading NIC counters")
			return
		}
		fmt.Println("\nNIC COUNTERS (delta)")
		ifacestat.Print(os.Stdout, nicAfter.Since(nicBefore),
			time.Duration(stats.ElapsedNS.Load()))
	}
}

//go:build linux

package main

import (
	"flag"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/romshark/xsk-go/xsk"
)

func main() {
	fIface := flag.String("i", "", "Interface")
	fZeroCopy := flag.Bool("z", false, "Prefer zerocopy")
	fBatch := flag.Uint("b", 64, "RX batch size")
	flag.Parse()

	log := logrus.New()

	if *fIface == "" {
		log.Fatal("missing -i interface")
	}

	iface, err := xsk.MakeInterface(*fIface, xsk.InterfaceConfig{
		PreferZerocopy: *fZeroCopy,
	})
	if err != nil {
		log.WithError(err).Fatal("initializing interface")
	}
	defer iface.Close()

	queues, err := iface.RXQueueIDs()
	if err != nil {
		log.WithError(err).Fatal("listing queue ids")
	}
	if len(queues) == 0 {
		log.Fatalf("no RX queues found for %s", *fIface)
	}

	log.WithFields(logrus.Fields{
		"iface":    *fIface,
		"zerocopy": *fZeroCopy,
		"queues":   queues,
	}).Info("AF_XDP RX")

	var totalPackets atomic.Uint64
	var totalBytes atomic.Uint64

	// One socket (with its own UMEM) per queue, each pinned to a thread.
	waitTimeoutMS := int((100 * time.Millisecond).Milliseconds())
	for _, qid := range queues {
		go func(queueID uint32) {
			runtime.LockOSThread()

			umem, fq, _, err := xsk.NewUmem(log, xsk.UmemConfig{})
			if err != nil {
				log.WithError(err).Fatalf("queue %d: creating UMEM", queueID)
			}
			defer umem.Close()

			sock, rx, _, err := iface.Open(xsk.SocketConfig{QueueID: queueID}, umem)
			if err != nil {
				log.WithError(err).Fatalf("queue %d: opening socket", queueID)
			}
			defer sock.Close()
			log.Infof("socket on queue %d (zerocopy=%t)", queueID, sock.IsZerocopy())

			frameMask := ^uint64(umem.FrameSize() - 1)
			pool := umem.TakeFramePool()

			// Donate as many frames as the fill ring takes upfront.
			if _, err := fq.ProduceAndWakeup(
				&pool, uint32(len(pool)), sock.Fd(), waitTimeoutMS,
			); err != nil {
				log.WithError(err).Fatalf("queue %d: filling", queueID)
			}

			received := make([]xsk.FrameDesc, 0, *fBatch)
			for {
				received = received[:0]
				n := rx.Consume(&received, uint32(*fBatch))
				if n == 0 {
					if err := sock.Wait(waitTimeoutMS); err != nil {
						log.WithError(err).Fatalf("queue %d: waiting", queueID)
					}
					continue
				}

				totalPackets.Add(uint64(n))
				for _, d := range received {
					totalBytes.Add(uint64(d.Len))
					// Re-align to the frame base before donating back.
					pool = append(pool, xsk.FrameDesc{Addr: d.Addr & frameMask})
				}

				if _, err := fq.ProduceAndWakeup(
					&pool, n, sock.Fd(), waitTimeoutMS,
				); err != nil {
					log.WithError(err).Fatalf("queue %d: refilling", queueID)
				}
			}
		}(qid)
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var (
		lastPackets uint64
		lastBytes   uint64
		maxPPS      float64
		maxMbps     float64
	)
	lastTime := time.Now()

	for range ticker.C {
		now := time.Now()
		elapsed := now.Sub(lastTime).Seconds()

		pkts := totalPackets.Load()
		bytes := totalBytes.Load()

		pps := float64(pkts-lastPackets) / elapsed
		mbps := float64((bytes-lastBytes)*8) / elapsed / 1e6
		maxPPS = max(maxPPS, pps)
		maxMbps = max(maxMbps, mbps)

		fmt.Printf(
			"total=%d | cur=%.0f pps %.2f Mbit/s | max=%.0f pps %.2f Mbit/s\n",
			pkts, pps, mbps, maxPPS, maxMbps,
		)

		lastPackets = pkts
		lastBytes = bytes
		lastTime = now
	}
}

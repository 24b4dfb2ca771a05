package cmd

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/collring/collring/coll"
	"github.com/collring/collring/coll/transport"
)

// launchCmd runs a whole communicator in one process: N ranks over loopback
// bootstrap, transport setup, then a ring all-gather of real payloads.
var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Launch N in-process ranks and run an all-gather demo",
	Run: func(cmd *cobra.Command, args []string) {
		rendezvous, err := reservePort()
		if err != nil {
			logrus.Fatalf("Unable to reserve rendezvous port: %v", err)
		}
		timeout := time.Duration(launchTimeout) * time.Second
		pairs := transport.NewPairRegistry()

		logrus.Infof("Launching %d ranks, rendezvous %s, payload %s each",
			launchRanks, rendezvous, humanize.Bytes(uint64(payloadSize)))
		start := time.Now()

		comms := make([]*coll.Communicator, launchRanks)
		errs := make([]error, launchRanks)
		var wg sync.WaitGroup
		for r := 0; r < launchRanks; r++ {
			wg.Add(1)
			go func(r int) {
				defer wg.Done()
				comms[r], errs[r] = coll.New(context.Background(), coll.Config{
					Rendezvous: coll.RendezvousConfig{
						Addr:    rendezvous,
						Rank:    r,
						NRanks:  launchRanks,
						Timeout: timeout,
					},
					Topology:  coll.TopologyConfig{Devices: launchRanks},
					Transport: coll.TransportConfig{Pairs: pairs, Timeout: timeout},
					Proxy:     coll.ProxyConfig{Window: proxyWindow},
				})
			}(r)
		}
		wg.Wait()
		for r, err := range errs {
			if err != nil {
				logrus.Fatalf("Rank %d failed to build: %v", r, err)
			}
		}
		defer func() {
			for _, c := range comms {
				_ = c.Close()
			}
		}()
		logrus.Infof("Communicator %s up: %d channels in %v",
			comms[0].ID(), comms[0].Channels(), time.Since(start).Round(time.Millisecond))
		for _, w := range comms[0].Warnings() {
			logrus.Warnf("Degradation: %s", w)
		}

		gathered := make([][][]byte, launchRanks)
		gstart := time.Now()
		for r := range comms {
			wg.Add(1)
			go func(r int) {
				defer wg.Done()
				payload := bytes.Repeat([]byte{byte(r)}, payloadSize)
				gathered[r], errs[r] = comms[r].AllGather(context.Background(), payload)
			}(r)
		}
		wg.Wait()
		for r, err := range errs {
			if err != nil {
				logrus.Fatalf("Rank %d all-gather failed: %v", r, err)
			}
		}
		for r := range comms {
			for src := range gathered[r] {
				if !bytes.Equal(gathered[r][src], bytes.Repeat([]byte{byte(src)}, payloadSize)) {
					logrus.Fatalf("Rank %d holds corrupt payload from rank %d", r, src)
				}
			}
		}
		logrus.Infof("All-gather of %s per rank verified in %v",
			humanize.Bytes(uint64(payloadSize)), time.Since(gstart).Round(time.Millisecond))

		fmt.Println("rank  issued  retired  retried  failed  bytes")
		for r, c := range comms {
			counters := c.Counters()
			fmt.Printf("%4d  %6d  %7d  %7d  %6d  %s\n",
				r, counters.Issued, counters.Retired, counters.Retried,
				counters.Failed, humanize.Bytes(counters.Bytes))
		}
	},
}

// reservePort grabs an ephemeral loopback address for the rendezvous.
func reservePort() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	addr := ln.Addr().String()
	return addr, ln.Close()
}

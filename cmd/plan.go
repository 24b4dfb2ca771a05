package cmd

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/collring/collring/coll/graph"
	"github.com/collring/collring/coll/topo"
)

// planCmd searches channels for a topology without launching anything.
var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Search ring and tree channels over a topology description",
	Run: func(cmd *cobra.Command, args []string) {
		sys, err := loadSystem()
		if err != nil {
			logrus.Fatalf("Unable to load topology: %v", err)
		}
		g, err := topo.Build(sys)
		if err != nil {
			logrus.Fatalf("Invalid topology: %v", err)
		}
		summary := g.Summarize()

		devices := g.Devices()
		ranks := make([]graph.RankInfo, planRanks)
		for r := range ranks {
			ranks[r] = graph.RankInfo{
				Device:  devices[r%len(devices)],
				Host:    g.Host(),
				Summary: summary,
			}
		}
		plan, err := graph.Search(g, ranks, graph.Options{ChannelTarget: channelTarget})
		if err != nil {
			logrus.Fatalf("Channel search failed: %v", err)
		}

		fmt.Printf("host %s: %d devices, fastest link %s, intra %s, nic %s\n",
			g.Host(), summary.Devices, summary.FastestLink,
			bandwidth(summary.IntraBandwidth), bandwidth(summary.NICBandwidth))
		for _, ch := range plan.Channels {
			fmt.Printf("channel %d: ring %s  tree root=%d depth=%d\n",
				ch.ID, ringOrder(ch.Ring), ch.Tree.Root, ch.Tree.Depth)
		}
		for _, w := range plan.Warnings {
			fmt.Printf("warning: %s\n", w)
		}
	},
}

func loadSystem() (topo.System, error) {
	if topologyFile != "" {
		return topo.LoadSystem(topologyFile)
	}
	devices := planDevices
	if devices <= 0 {
		devices = planRanks
	}
	return topo.Default("localhost", devices), nil
}

// bandwidth renders GB/s figures in humanized units.
func bandwidth(gbps float64) string {
	if gbps <= 0 {
		return "none"
	}
	return humanize.Bytes(uint64(gbps*1e9)) + "/s"
}

func ringOrder(r graph.Ring) string {
	parts := make([]string, len(r.Order))
	for i, rank := range r.Order {
		parts[i] = fmt.Sprintf("%d", rank)
	}
	return strings.Join(parts, ">")
}

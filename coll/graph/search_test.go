package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collring/collring/coll/topo"
)

func localRanks(t *testing.T, nDevices int) (*topo.Graph, []RankInfo) {
	t.Helper()
	g, err := topo.Build(topo.Default("hostA", nDevices))
	require.NoError(t, err)
	ranks := make([]RankInfo, nDevices)
	for i, dev := range g.Devices() {
		ranks[i] = RankInfo{Device: dev, Host: "hostA", Summary: g.Summarize()}
	}
	return g, ranks
}

func TestSearch_FullyConnectedFourRanks_OneRingOneTree(t *testing.T) {
	// GIVEN 4 ranks on a fully-connected direct-peer topology with link
	// capacity 1 and a single-channel target
	g, ranks := localRanks(t, 4)

	// WHEN the search runs
	plan, err := Search(g, ranks, Options{ChannelTarget: 1, MaxChannelsPerLink: 1})
	require.NoError(t, err)

	// THEN exactly one ring visits all 4 ranks in a consistent cyclic order
	require.Len(t, plan.Channels, 1)
	assert.False(t, plan.Degraded)
	ring := plan.Channels[0].Ring
	assert.Equal(t, []int{0, 1, 2, 3}, ring.Order)
	assert.Equal(t, 1, ring.Next[0])
	assert.Equal(t, 3, ring.Prev[0])
	assert.Equal(t, 0, ring.Next[3])

	// AND the tree is a binary tree with one designated root
	tree := plan.Channels[0].Tree
	roots := 0
	for rank, up := range tree.Up {
		if up == -1 {
			roots++
			assert.Equal(t, tree.Root, rank)
		}
		assert.LessOrEqual(t, len(tree.Down[rank]), 2)
	}
	assert.Equal(t, 1, roots)
}

func TestSearch_RingCoversAllRanksOnConnectedTopologies(t *testing.T) {
	// GIVEN connected topologies of several sizes
	for _, n := range []int{1, 2, 3, 5, 8, 13} {
		g, ranks := localRanks(t, n)

		// WHEN the search runs with defaults
		plan, err := Search(g, ranks, Options{})
		require.NoError(t, err, "n=%d", n)

		// THEN every channel's ring is a permutation cycle over all ranks
		require.NoError(t, Validate(plan, n), "n=%d", n)
		for _, ch := range plan.Channels {
			seen := make(map[int]bool)
			for _, r := range ch.Ring.Order {
				assert.False(t, seen[r], "n=%d: rank %d repeated", n, r)
				seen[r] = true
			}
			assert.Len(t, ch.Ring.Order, n, "n=%d", n)
		}
	}
}

func TestSearch_CapacityExhaustionStopsRingProduction(t *testing.T) {
	// GIVEN a 4-rank mesh whose links each back a single channel
	g, ranks := localRanks(t, 4)

	// WHEN asked for more channels than the mesh can carry
	plan, err := Search(g, ranks, Options{ChannelTarget: 8, MaxChannelsPerLink: 1})
	require.NoError(t, err)

	// THEN ring production stops once every usable hop is consumed; a 4-node
	// complete graph has 6 edges, so at most one 4-hop ring fits fresh edges
	// plus one more over the remaining diagonals
	assert.LessOrEqual(t, len(plan.Channels), 2)
	require.NoError(t, Validate(plan, 4))
}

func TestSearch_TwoChannelsReuseLinksWithinCapacity(t *testing.T) {
	// GIVEN a 4-rank mesh where every link can back two channels
	g, ranks := localRanks(t, 4)

	// WHEN two channels are requested
	plan, err := Search(g, ranks, Options{ChannelTarget: 2, MaxChannelsPerLink: 2})
	require.NoError(t, err)

	// THEN both channels exist and validate
	assert.Len(t, plan.Channels, 2)
	require.NoError(t, Validate(plan, 4))
}

func TestSearch_NoRing_FallsBackDegraded(t *testing.T) {
	// GIVEN ranks on two hosts where one side reports no NIC bandwidth, so
	// no inter-host hop is viable and no ring can close
	g, err := topo.Build(topo.Default("hostA", 2))
	require.NoError(t, err)
	devs := g.Devices()
	ranks := []RankInfo{
		{Device: devs[0], Host: "hostA", Summary: g.Summarize()},
		{Device: devs[1], Host: "hostA", Summary: g.Summarize()},
		{Device: "dev0", Host: "hostB", Summary: topo.Summary{Host: "hostB", NICBandwidth: 0}},
	}

	// WHEN the search runs
	plan, err := Search(g, ranks, Options{})
	require.NoError(t, err)

	// THEN the plan degrades to the sequential fallback ring instead of failing
	assert.True(t, plan.Degraded)
	require.NotEmpty(t, plan.Warnings)
	assert.Contains(t, plan.Warnings[0], "degraded topology")
	require.Len(t, plan.Channels, 1)
	assert.Equal(t, []int{0, 1, 2}, plan.Channels[0].Ring.Order)
}

func TestSearch_UnknownDevice_ConfigurationError(t *testing.T) {
	// GIVEN a rank claiming a device absent from the local graph
	g, ranks := localRanks(t, 2)
	ranks[1].Device = "dev9"

	// WHEN the search runs
	_, err := Search(g, ranks, Options{})

	// THEN it fails with a ConfigurationError
	var cerr *topo.ConfigurationError
	assert.ErrorAs(t, err, &cerr)
}

func TestSearch_MinChannelsDuplicatesRings(t *testing.T) {
	// GIVEN a single-ring search result and a minimum of 4 channels
	g, ranks := localRanks(t, 4)

	// WHEN the search runs
	plan, err := Search(g, ranks, Options{ChannelTarget: 1, MaxChannelsPerLink: 1, MinChannels: 4})
	require.NoError(t, err)

	// THEN the ring is duplicated up to the minimum and all channels validate
	assert.Len(t, plan.Channels, 4)
	require.NoError(t, Validate(plan, 4))
	for _, ch := range plan.Channels {
		assert.Equal(t, plan.Channels[0].Ring.Order, ch.Ring.Order)
	}
}

func TestSearch_InterHostHopsPreferLocalNeighbors(t *testing.T) {
	// GIVEN 2 ranks on each of two hosts
	g, err := topo.Build(topo.Default("hostA", 2))
	require.NoError(t, err)
	devs := g.Devices()
	remote := topo.Summary{Host: "hostB", Devices: 2, FastestLink: topo.LinkP2P, IntraBandwidth: 100, NICBandwidth: 12.5}
	ranks := []RankInfo{
		{Device: devs[0], Host: "hostA", Summary: g.Summarize()},
		{Device: devs[1], Host: "hostA", Summary: g.Summarize()},
		{Device: "dev0", Host: "hostB", Summary: remote},
		{Device: "dev1", Host: "hostB", Summary: remote},
	}

	// WHEN the search runs
	plan, err := Search(g, ranks, Options{ChannelTarget: 1})
	require.NoError(t, err)
	require.NoError(t, Validate(plan, 4))

	// THEN the ring crosses hosts exactly twice: co-located ranks stay adjacent
	order := plan.Channels[0].Ring.Order
	crossings := 0
	for i := range order {
		a, b := ranks[order[i]], ranks[order[(i+1)%len(order)]]
		if a.Host != b.Host {
			crossings++
		}
	}
	assert.Equal(t, 2, crossings)
}

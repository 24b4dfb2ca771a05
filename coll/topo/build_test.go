package topo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild_DefaultSystem_AllDevicePairsRouted(t *testing.T) {
	// GIVEN the synthesized default system with 4 devices
	sys := Default("hostA", 4)

	// WHEN the graph is built
	g, err := Build(sys)
	require.NoError(t, err)

	// THEN every ordered device pair has a route over the p2p mesh
	devs := g.Devices()
	require.Len(t, devs, 4)
	for _, a := range devs {
		for _, b := range devs {
			if a == b {
				continue
			}
			p, ok := g.DevicePath(a, b)
			require.True(t, ok, "no path %s -> %s", a, b)
			assert.Equal(t, LinkP2P, p.Kind)
			assert.Equal(t, 100.0, p.Bandwidth)
			assert.Equal(t, 1, p.Hops)
		}
	}
}

func TestBuild_Disconnected_ReturnsConfigurationError(t *testing.T) {
	// GIVEN two devices with no link between them
	sys := System{
		Host: "hostA",
		Nodes: []SysNode{
			{ID: "dev0", Kind: "device"},
			{ID: "dev1", Kind: "device"},
		},
	}

	// WHEN the graph is built
	_, err := Build(sys)

	// THEN it fails with a ConfigurationError naming the disconnect
	var cerr *ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Reason, "disconnected")
}

func TestBuild_RejectsMalformedDescriptions(t *testing.T) {
	cases := []struct {
		name string
		sys  System
	}{
		{"no nodes", System{}},
		{"unknown node kind", System{Nodes: []SysNode{{ID: "x", Kind: "gpu-ish"}}}},
		{"duplicate node id", System{Nodes: []SysNode{{ID: "x", Kind: "device"}, {ID: "x", Kind: "device"}}}},
		{"unknown link endpoint", System{
			Nodes: []SysNode{{ID: "x", Kind: "device"}},
			Links: []SysLink{{A: "x", B: "y", Kind: "p2p", Bandwidth: 1}},
		}},
		{"self link", System{
			Nodes: []SysNode{{ID: "x", Kind: "device"}},
			Links: []SysLink{{A: "x", B: "x", Kind: "p2p", Bandwidth: 1}},
		}},
		{"zero bandwidth", System{
			Nodes: []SysNode{{ID: "x", Kind: "device"}, {ID: "y", Kind: "device"}},
			Links: []SysLink{{A: "x", B: "y", Kind: "p2p"}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Build(tc.sys)
			var cerr *ConfigurationError
			assert.ErrorAs(t, err, &cerr)
		})
	}
}

func TestBuild_PathPrefersWiderRoute(t *testing.T) {
	// GIVEN two devices joined both by a narrow direct link and a wide
	// two-hop route through a fabric switch
	sys := System{
		Host: "hostA",
		Nodes: []SysNode{
			{ID: "dev0", Kind: "device"},
			{ID: "dev1", Kind: "device"},
			{ID: "sw0", Kind: "cpu"},
		},
		Links: []SysLink{
			{A: "dev0", B: "dev1", Kind: "shm", Bandwidth: 10, Hops: 1},
			{A: "dev0", B: "sw0", Kind: "fabric", Bandwidth: 50, Hops: 1},
			{A: "sw0", B: "dev1", Kind: "fabric", Bandwidth: 50, Hops: 1},
		},
	}

	// WHEN the graph is built
	g, err := Build(sys)
	require.NoError(t, err)

	// THEN the recorded path takes the wide fabric route
	p, ok := g.DevicePath("dev0", "dev1")
	require.True(t, ok)
	assert.Equal(t, 50.0, p.Bandwidth)
	assert.Equal(t, LinkFabric, p.Kind)
	assert.Equal(t, 2, p.Hops)
}

func TestParseSystem_YAMLRoundTrip(t *testing.T) {
	// GIVEN a YAML description of a two-device host
	src := []byte(`
name: twin
host: hostB
nodes:
  - {id: dev0, kind: device}
  - {id: dev1, kind: device}
links:
  - {a: dev0, b: dev1, kind: p2p, bandwidth: 100}
`)

	// WHEN parsed and built
	sys, err := ParseSystem(src)
	require.NoError(t, err)
	g, err := Build(sys)
	require.NoError(t, err)

	// THEN host and devices carry through
	assert.Equal(t, "hostB", g.Host())
	assert.Equal(t, []string{"dev0", "dev1"}, g.Devices())
}

func TestSummarize_ReportsFastestLinkAndNIC(t *testing.T) {
	// GIVEN the default 2-device system
	g, err := Build(Default("hostA", 2))
	require.NoError(t, err)

	// WHEN summarized
	s := g.Summarize()

	// THEN the hint names the host, device count, p2p class and NIC bandwidth
	assert.Equal(t, "hostA", s.Host)
	assert.Equal(t, 2, s.Devices)
	assert.Equal(t, LinkP2P, s.FastestLink)
	assert.Greater(t, s.NICBandwidth, 0.0)
}

package topo

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// System is the structured description a graph is built from. It can be
// loaded from YAML or synthesized by Default when no description is given.
type System struct {
	Name  string    `yaml:"name"`
	Host  string    `yaml:"host"`
	Nodes []SysNode `yaml:"nodes"`
	Links []SysLink `yaml:"links"`
}

// SysNode is the YAML form of a Node.
type SysNode struct {
	ID   string `yaml:"id"`
	Kind string `yaml:"kind"` // device, nic, cpu
}

// SysLink is the YAML form of a Link.
type SysLink struct {
	A         string  `yaml:"a"`
	B         string  `yaml:"b"`
	Kind      string  `yaml:"kind"`      // p2p, shm, fabric, rdma, net
	Bandwidth float64 `yaml:"bandwidth"` // GB/s
	Hops      int     `yaml:"hops"`      // latency class, defaults to 1
}

// LoadSystem reads a YAML system description from path.
func LoadSystem(path string) (System, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return System{}, fmt.Errorf("read system description: %w", err)
	}
	return ParseSystem(data)
}

// ParseSystem decodes a YAML system description.
func ParseSystem(data []byte) (System, error) {
	var sys System
	if err := yaml.Unmarshal(data, &sys); err != nil {
		return System{}, fmt.Errorf("parse system description: %w", err)
	}
	return sys, nil
}

// Default synthesizes a single-host system with nDevices devices joined by
// direct peer links, one CPU domain, and one NIC. It is the probe fallback
// used when no system description is supplied, so single-host communicators
// work out of the box.
func Default(host string, nDevices int) System {
	sys := System{
		Name: "default",
		Host: host,
		Nodes: []SysNode{
			{ID: "cpu0", Kind: "cpu"},
			{ID: "nic0", Kind: "nic"},
		},
		Links: []SysLink{
			{A: "cpu0", B: "nic0", Kind: "net", Bandwidth: 12.5, Hops: 1},
		},
	}
	for i := 0; i < nDevices; i++ {
		id := fmt.Sprintf("dev%d", i)
		sys.Nodes = append(sys.Nodes, SysNode{ID: id, Kind: "device"})
		sys.Links = append(sys.Links, SysLink{A: id, B: "cpu0", Kind: "shm", Bandwidth: 24, Hops: 1})
		for j := 0; j < i; j++ {
			sys.Links = append(sys.Links, SysLink{
				A: fmt.Sprintf("dev%d", j), B: id, Kind: "p2p", Bandwidth: 100, Hops: 1,
			})
		}
	}
	return sys
}

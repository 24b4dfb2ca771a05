// Package topo models the physical interconnect as a weighted graph of
// compute devices, network interfaces and CPU locality domains. The graph is
// built once per process from a system description (or a synthesized default)
// and is immutable afterwards; graph search consumes it read-only.
package topo

import "fmt"

// NodeKind classifies a topology node.
type NodeKind int

const (
	// NodeDevice is an accelerator device participating in collectives.
	NodeDevice NodeKind = iota
	// NodeNIC is a network interface reaching other hosts.
	NodeNIC
	// NodeCPU is a CPU/memory locality domain bridging devices and NICs.
	NodeCPU
)

var nodeKindNames = map[NodeKind]string{
	NodeDevice: "device",
	NodeNIC:    "nic",
	NodeCPU:    "cpu",
}

func (k NodeKind) String() string {
	if s, ok := nodeKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("nodekind(%d)", int(k))
}

// ParseNodeKind converts a system-description string to a NodeKind.
func ParseNodeKind(s string) (NodeKind, error) {
	for k, name := range nodeKindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown node kind %q", s)
}

// LinkKind classifies an interconnect link. The numeric order is the
// preference order used by graph search tie-breaks: higher values are
// faster/closer link classes.
type LinkKind int

const (
	// LinkNet is a plain socket-reachable network path.
	LinkNet LinkKind = iota
	// LinkRDMA is an RDMA-capable network path.
	LinkRDMA
	// LinkFabric is a switched accelerator fabric.
	LinkFabric
	// LinkSHM is a shared-memory/host-bridge path between co-located devices.
	LinkSHM
	// LinkP2P is a direct peer link between devices.
	LinkP2P
)

var linkKindNames = map[LinkKind]string{
	LinkNet:    "net",
	LinkRDMA:   "rdma",
	LinkFabric: "fabric",
	LinkSHM:    "shm",
	LinkP2P:    "p2p",
}

func (k LinkKind) String() string {
	if s, ok := linkKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("linkkind(%d)", int(k))
}

// ParseLinkKind converts a system-description string to a LinkKind.
func ParseLinkKind(s string) (LinkKind, error) {
	for k, name := range linkKindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown link kind %q", s)
}

// Node is one vertex of the topology graph.
type Node struct {
	ID   string
	Kind NodeKind
}

// Link is one undirected edge of the topology graph. Bandwidth is in GB/s;
// Hops is a latency class (1 = adjacent) used as a search tie-break.
type Link struct {
	A, B      string
	Kind      LinkKind
	Bandwidth float64
	Hops      int
}

// ConfigurationError reports a topology that cannot support a communicator:
// unknown nodes, invalid links, or a disconnected graph. It aborts the
// communicator build.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "topology configuration: " + e.Reason
}

// Summary is the compact remote-topology hint exchanged during bootstrap.
// It lets the search score inter-host edges without shipping whole graphs.
type Summary struct {
	Host           string   // host identity, equal for co-located ranks
	Devices        int      // number of devices on the host
	FastestLink    LinkKind // best intra-host device-to-device link class
	IntraBandwidth float64  // bandwidth of that best intra-host path, GB/s
	NICBandwidth   float64  // aggregate NIC bandwidth in GB/s
}

package topo

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/graph/simple"
	gtopo "gonum.org/v1/gonum/graph/topo"
)

// Graph is the immutable topology graph. All exported accessors are safe for
// concurrent use after Build returns.
type Graph struct {
	host    string
	nodes   []Node
	index   map[string]int
	adj     [][]halfEdge
	devices []string
	nics    []string
	paths   map[pathKey]Path
}

type halfEdge struct {
	to   int
	link Link
}

type pathKey struct{ from, to string }

// Path summarizes the best route between two devices: the weakest link class
// on the route, the bottleneck bandwidth, and the total hop count.
type Path struct {
	Kind      LinkKind
	Bandwidth float64
	Hops      int
}

// Build validates a system description and constructs the topology graph.
// It fails with *ConfigurationError when the description is malformed or when
// any two nodes are not connected by some path.
func Build(sys System) (*Graph, error) {
	if len(sys.Nodes) == 0 {
		return nil, &ConfigurationError{Reason: "system has no nodes"}
	}
	g := &Graph{
		host:  sys.Host,
		index: make(map[string]int, len(sys.Nodes)),
		paths: make(map[pathKey]Path),
	}
	for _, sn := range sys.Nodes {
		kind, err := ParseNodeKind(sn.Kind)
		if err != nil {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("node %q: %v", sn.ID, err)}
		}
		if _, dup := g.index[sn.ID]; dup {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("duplicate node id %q", sn.ID)}
		}
		g.index[sn.ID] = len(g.nodes)
		g.nodes = append(g.nodes, Node{ID: sn.ID, Kind: kind})
		switch kind {
		case NodeDevice:
			g.devices = append(g.devices, sn.ID)
		case NodeNIC:
			g.nics = append(g.nics, sn.ID)
		}
	}
	g.adj = make([][]halfEdge, len(g.nodes))

	// Mirror the adjacency into a gonum graph for the connectivity check.
	ug := simple.NewUndirectedGraph()
	for i := range g.nodes {
		ug.AddNode(simple.Node(i))
	}
	for _, sl := range sys.Links {
		kind, err := ParseLinkKind(sl.Kind)
		if err != nil {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("link %s-%s: %v", sl.A, sl.B, err)}
		}
		a, ok := g.index[sl.A]
		if !ok {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("link references unknown node %q", sl.A)}
		}
		b, ok := g.index[sl.B]
		if !ok {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("link references unknown node %q", sl.B)}
		}
		if a == b {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("self link on node %q", sl.A)}
		}
		if sl.Bandwidth <= 0 {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("link %s-%s has non-positive bandwidth", sl.A, sl.B)}
		}
		hops := sl.Hops
		if hops <= 0 {
			hops = 1
		}
		link := Link{A: sl.A, B: sl.B, Kind: kind, Bandwidth: sl.Bandwidth, Hops: hops}
		g.adj[a] = append(g.adj[a], halfEdge{to: b, link: link})
		g.adj[b] = append(g.adj[b], halfEdge{to: a, link: link})
		ug.SetEdge(simple.Edge{F: simple.Node(a), T: simple.Node(b)})
	}

	if comps := gtopo.ConnectedComponents(ug); len(comps) > 1 {
		return nil, &ConfigurationError{
			Reason: fmt.Sprintf("graph is disconnected: %d components (e.g. %q unreachable from %q)",
				len(comps), g.nodes[comps[1][0].ID()].ID, g.nodes[comps[0][0].ID()].ID),
		}
	}

	g.computePaths()
	logrus.Debugf("topo: built graph %q: %d nodes, %d devices, %d nics",
		sys.Name, len(g.nodes), len(g.devices), len(g.nics))
	return g, nil
}

// computePaths runs a widest-path search from every device, recording the
// bottleneck bandwidth, weakest link class and hop count of the best route to
// every other device. Routes are compared by bandwidth first, then fewer hops.
func (g *Graph) computePaths() {
	for _, from := range g.devices {
		src := g.index[from]
		best := make([]Path, len(g.nodes))
		visited := make([]bool, len(g.nodes))
		best[src] = Path{Kind: LinkP2P, Bandwidth: float64(1 << 40), Hops: 0}
		for {
			// Pick the unvisited node with the widest route so far.
			cur := -1
			for i := range best {
				if visited[i] || best[i].Bandwidth == 0 {
					continue
				}
				if cur == -1 || wider(best[i], best[cur]) {
					cur = i
				}
			}
			if cur == -1 {
				break
			}
			visited[cur] = true
			for _, he := range g.adj[cur] {
				cand := extend(best[cur], he.link)
				if best[he.to].Bandwidth == 0 || wider(cand, best[he.to]) {
					best[he.to] = cand
				}
			}
		}
		for _, to := range g.devices {
			if to == from {
				continue
			}
			if p := best[g.index[to]]; p.Bandwidth > 0 {
				g.paths[pathKey{from, to}] = p
			}
		}
	}
}

func wider(a, b Path) bool {
	if a.Bandwidth != b.Bandwidth {
		return a.Bandwidth > b.Bandwidth
	}
	return a.Hops < b.Hops
}

func extend(p Path, l Link) Path {
	out := Path{Kind: p.Kind, Bandwidth: p.Bandwidth, Hops: p.Hops + l.Hops}
	if l.Bandwidth < out.Bandwidth {
		out.Bandwidth = l.Bandwidth
	}
	if l.Kind < out.Kind {
		out.Kind = l.Kind
	}
	return out
}

// Host returns the host identity of the described system.
func (g *Graph) Host() string { return g.host }

// Devices returns the device node IDs in description order.
func (g *Graph) Devices() []string {
	out := make([]string, len(g.devices))
	copy(out, g.devices)
	return out
}

// HasNode reports whether id names a node of the graph.
func (g *Graph) HasNode(id string) bool {
	_, ok := g.index[id]
	return ok
}

// DevicePath returns the best route between two devices. ok is false when
// either endpoint is not a device of this graph.
func (g *Graph) DevicePath(from, to string) (Path, bool) {
	p, ok := g.paths[pathKey{from, to}]
	return p, ok
}

// Summarize produces the compact hint exchanged with remote ranks during
// bootstrap.
func (g *Graph) Summarize() Summary {
	s := Summary{Host: g.host, Devices: len(g.devices)}
	for _, p := range g.paths {
		if p.Kind > s.FastestLink {
			s.FastestLink = p.Kind
		}
		if p.Bandwidth > s.IntraBandwidth {
			s.IntraBandwidth = p.Bandwidth
		}
	}
	for _, nic := range g.nics {
		for _, he := range g.adj[g.index[nic]] {
			s.NICBandwidth += he.link.Bandwidth
		}
		break // aggregate the first NIC only; multi-rail is counted once
	}
	return s
}

// String renders a short human-readable summary, mostly for debug logs.
func (g *Graph) String() string {
	devs := g.Devices()
	sort.Strings(devs)
	return fmt.Sprintf("topo{host=%s devices=%v}", g.host, devs)
}

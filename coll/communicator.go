package coll

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/collring/collring/coll/bootstrap"
	"github.com/collring/collring/coll/graph"
	"github.com/collring/collring/coll/proxy"
	"github.com/collring/collring/coll/topo"
	"github.com/collring/collring/coll/trace"
	"github.com/collring/collring/coll/transport"
)

// Communicator is one rank's handle on an established collective group:
// bootstrap identity, channel plan, per-edge connections and the proxy
// driving them. It owns all of that state explicitly; nothing lives in
// package globals.
type Communicator struct {
	id     uuid.UUID
	rank   int
	nRanks int
	device string

	boot     *bootstrap.Handle
	topology *topo.Graph
	plan     *graph.Plan
	conns    *transport.Result
	prox     *proxy.Proxy

	warnMu   sync.Mutex
	warnings []string

	closeOnce sync.Once
	closeErr  error
}

// New builds a communicator: bootstrap the rank table, model the local
// topology, search the channel plan (or validate the supplied one), connect
// every channel edge, start the proxy and barrier so no rank returns before
// the whole group is ready. A failed build returns no partial communicator.
func New(ctx context.Context, cfg Config) (*Communicator, error) {
	if cfg.Sink == nil {
		cfg.Sink = trace.Nop
	}

	sys, err := resolveSystem(cfg.Topology)
	if err != nil {
		return nil, err
	}
	g, err := topo.Build(sys)
	if err != nil {
		return nil, err
	}
	device, err := pickDevice(g, cfg.Topology.Device, cfg.Rendezvous.Rank)
	if err != nil {
		return nil, err
	}
	if cfg.Search.Plan != nil {
		// External plans are checked against the stated group size before
		// any rank is contacted. Validation must precede Connect, which
		// indexes adjacency by rank value.
		if err := graph.Validate(cfg.Search.Plan, cfg.Rendezvous.NRanks); err != nil {
			return nil, err
		}
		graph.Connect(cfg.Search.Plan)
	}
	summary := g.Summarize()

	boot, err := bootstrap.Run(ctx, bootstrap.Config{
		Rendezvous: cfg.Rendezvous.Addr,
		Rank:       cfg.Rendezvous.Rank,
		NRanks:     cfg.Rendezvous.NRanks,
		ListenAddr: cfg.Rendezvous.ListenAddr,
		Timeout:    cfg.Rendezvous.Timeout,
		Sink:       cfg.Sink,
		Self: bootstrap.Peer{
			Host:    g.Host(),
			Device:  device,
			PID:     os.Getpid(),
			Summary: summary,
		},
	})
	if err != nil {
		return nil, err
	}

	plan, err := resolvePlan(g, boot, cfg.Search)
	if err != nil {
		boot.Close()
		return nil, err
	}

	conns, err := transport.Setup(ctx, transport.Deps{
		Boot:       boot,
		Plan:       plan,
		Caps:       cfg.Transport.Caps,
		Pairs:      cfg.Transport.Pairs,
		ListenAddr: cfg.Transport.ListenAddr,
		Timeout:    cfg.Transport.Timeout,
		Sink:       cfg.Sink,
	})
	if err != nil {
		boot.Abort("transport setup failed")
		boot.Close()
		return nil, err
	}

	prox := proxy.New(device, proxy.Options{
		Window:     cfg.Proxy.Window,
		MaxRetries: cfg.Proxy.MaxRetries,
		Sink:       cfg.Sink,
	})
	for _, cc := range conns.Channels {
		if err := prox.Attach(cc); err != nil {
			_ = conns.Close()
			boot.Close()
			return nil, err
		}
	}
	if err := prox.Start(); err != nil {
		_ = conns.Close()
		boot.Close()
		return nil, err
	}

	c := &Communicator{
		id:       boot.ID(),
		rank:     boot.Rank(),
		nRanks:   boot.NRanks(),
		device:   device,
		boot:     boot,
		topology: g,
		plan:     plan,
		conns:    conns,
		prox:     prox,
		warnings: append([]string(nil), plan.Warnings...),
	}

	// No rank is usable before every rank is.
	if err := c.boot.Barrier(); err != nil {
		_ = c.Close()
		return nil, err
	}
	logrus.Debugf("coll: rank %d/%d ready, %d channels, device %s",
		c.rank, c.nRanks, len(plan.Channels), device)
	return c, nil
}

func resolveSystem(cfg TopologyConfig) (topo.System, error) {
	if cfg.System != nil {
		return *cfg.System, nil
	}
	if cfg.SystemFile != "" {
		return topo.LoadSystem(cfg.SystemFile)
	}
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	devices := cfg.Devices
	if devices <= 0 {
		devices = 1
	}
	return topo.Default(host, devices), nil
}

func pickDevice(g *topo.Graph, device string, rank int) (string, error) {
	devices := g.Devices()
	if len(devices) == 0 {
		return "", &topo.ConfigurationError{Reason: "topology has no devices"}
	}
	if device == "" {
		return devices[rank%len(devices)], nil
	}
	if !g.HasNode(device) {
		return "", &topo.ConfigurationError{
			Reason: fmt.Sprintf("device %q not in topology", device),
		}
	}
	return device, nil
}

// resolvePlan returns the caller's pre-validated channel plan or runs the
// search over the bootstrap-gathered rank table.
func resolvePlan(g *topo.Graph, boot *bootstrap.Handle, cfg SearchConfig) (*graph.Plan, error) {
	if cfg.Plan != nil {
		return cfg.Plan, nil
	}
	table := boot.Table()
	ranks := make([]graph.RankInfo, len(table))
	for i, p := range table {
		ranks[i] = graph.RankInfo{Device: p.Device, Host: p.Host, Summary: p.Summary}
	}
	return graph.Search(g, ranks, graph.Options{
		ChannelTarget:      cfg.ChannelTarget,
		MaxChannelsPerLink: cfg.MaxChannelsPerLink,
		MinChannels:        cfg.MinChannels,
		MaxChannels:        cfg.MaxChannels,
	})
}

// ID is the communicator identity minted by rank 0 and shared by every rank.
func (c *Communicator) ID() uuid.UUID { return c.id }

// Rank is this member's position in the group.
func (c *Communicator) Rank() int { return c.rank }

// NRanks is the group size.
func (c *Communicator) NRanks() int { return c.nRanks }

// Device is the local device this communicator's proxy serves.
func (c *Communicator) Device() string { return c.device }

// Channels is the number of parallel data paths the plan established.
func (c *Communicator) Channels() int { return len(c.plan.Channels) }

// Topology exposes the local topology graph, read-only after construction.
func (c *Communicator) Topology() *topo.Graph { return c.topology }

// Counters snapshots the proxy's activity counters.
func (c *Communicator) Counters() proxy.Counters { return c.prox.Counters() }

// Warnings drains the construction-time degradation notes. They are reported
// exactly once: a second call returns nothing.
func (c *Communicator) Warnings() []string {
	c.warnMu.Lock()
	defer c.warnMu.Unlock()
	w := c.warnings
	c.warnings = nil
	return w
}

// Abort tears the group down from this rank, unblocking peers stuck in
// collective exchanges. The communicator must be rebuilt afterwards.
func (c *Communicator) Abort(reason string) {
	c.boot.Abort(reason)
}

// Close stops the proxy, closes every connection and leaves the bootstrap
// ring. Safe to call more than once.
func (c *Communicator) Close() error {
	c.closeOnce.Do(func() {
		c.prox.Stop()
		_ = c.conns.Close()
		c.closeErr = c.boot.Close()
	})
	return c.closeErr
}

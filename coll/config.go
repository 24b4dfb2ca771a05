package coll

import (
	"time"

	"github.com/collring/collring/coll/graph"
	"github.com/collring/collring/coll/topo"
	"github.com/collring/collring/coll/trace"
	"github.com/collring/collring/coll/transport"
)

// RendezvousConfig groups the out-of-band bootstrap parameters.
type RendezvousConfig struct {
	Addr       string        // rendezvous address; rank 0 listens on it, everyone else dials it (required)
	Rank       int           // this rank, 0..NRanks-1
	NRanks     int           // communicator size (must be > 0)
	ListenAddr string        // bootstrap listener (default: ephemeral loopback port)
	Timeout    time.Duration // bound on each bootstrap phase (default 30s)
}

// TopologyConfig groups the local topology source. With no description given
// a fully connected single-host system is synthesized.
type TopologyConfig struct {
	SystemFile string       // YAML system description path (optional)
	System     *topo.System // in-memory description; wins over SystemFile
	Host       string       // host name for the synthesized default (default "localhost")
	Devices    int          // device count for the synthesized default (default 1)
	Device     string       // this rank's device id (default: rank modulo device count)
}

// SearchConfig groups channel search parameters and the external plan
// override used by algorithm interpreters.
type SearchConfig struct {
	ChannelTarget      int // rings to aim for (default 2)
	MaxChannelsPerLink int // channels one physical link may back (default 2)
	MinChannels        int // met by duplicating found rings (default 1)
	MaxChannels        int // hard cap on the channel list (default 16)

	// Plan overrides the search entirely. It is validated against the rank
	// table before acceptance.
	Plan *graph.Plan
}

// TransportConfig groups connection setup parameters.
type TransportConfig struct {
	Caps       transport.Capability    // per-kind eligibility probe (default: derive from summaries)
	Pairs      *transport.PairRegistry // in-process edge registry shared by co-located ranks (optional)
	ListenAddr string                  // transport listener (default: ephemeral loopback port)
	Timeout    time.Duration           // bound on each handshake step (default 30s)
}

// ProxyConfig groups the progress engine parameters.
type ProxyConfig struct {
	Window     int // in-flight steps per channel-direction (default 8)
	MaxRetries int // reissues of a retryable step before the connection breaks (default 0)
}

// Config assembles everything New needs. Only Rendezvous is mandatory.
type Config struct {
	Rendezvous RendezvousConfig
	Topology   TopologyConfig
	Search     SearchConfig
	Transport  TransportConfig
	Proxy      ProxyConfig
	Sink       trace.Sink // receives every bootstrap/setup/proxy state transition (optional)
}

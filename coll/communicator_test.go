package coll

import (
	"bytes"
	"context"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collring/collring/coll/graph"
	"github.com/collring/collring/coll/proxy"
	"github.com/collring/collring/coll/topo"
	"github.com/collring/collring/coll/transport"
)

func TestMain(m *testing.M) {
	// Suppress verbose logs during tests.
	// Set DEBUG_TESTS=1 to see full logs.
	if os.Getenv("DEBUG_TESTS") == "" {
		logrus.SetLevel(logrus.WarnLevel)
	}
	os.Exit(m.Run())
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// newGroup brings up n co-located ranks sharing one pair registry. mutate,
// when non-nil, adjusts each rank's config before New.
func newGroup(t *testing.T, n int, mutate func(rank int, cfg *Config)) []*Communicator {
	t.Helper()
	rendezvous := freeAddr(t)
	pairs := transport.NewPairRegistry()
	comms := make([]*Communicator, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			cfg := Config{
				Rendezvous: RendezvousConfig{
					Addr:    rendezvous,
					Rank:    r,
					NRanks:  n,
					Timeout: 10 * time.Second,
				},
				Topology:  TopologyConfig{Devices: n},
				Transport: TransportConfig{Pairs: pairs, Timeout: 10 * time.Second},
			}
			if mutate != nil {
				mutate(r, &cfg)
			}
			comms[r], errs[r] = New(context.Background(), cfg)
		}(r)
	}
	wg.Wait()
	for r := 0; r < n; r++ {
		require.NoError(t, errs[r], "rank %d", r)
	}
	t.Cleanup(func() {
		for _, c := range comms {
			_ = c.Close()
		}
	})
	return comms
}

func rankPayload(rank, size int) []byte {
	return bytes.Repeat([]byte{byte('a' + rank)}, size)
}

func TestNew_FourRanksEndToEnd(t *testing.T) {
	// GIVEN 4 in-process ranks on a fully connected default topology
	comms := newGroup(t, 4, nil)

	// THEN every rank shares the identity minted by rank 0 and a non-empty
	// channel plan
	for r, c := range comms {
		assert.Equal(t, comms[0].ID(), c.ID(), "rank %d", r)
		assert.Equal(t, r, c.Rank())
		assert.Equal(t, 4, c.NRanks())
		require.NotZero(t, c.Channels(), "rank %d", r)
		assert.Equal(t, comms[0].Channels(), c.Channels(), "rank %d", r)
		assert.Empty(t, c.Warnings(), "rank %d", r)
	}

	// WHEN every rank all-gathers its payload
	const size = 64
	results := make([][][]byte, 4)
	var wg sync.WaitGroup
	errs := make([]error, 4)
	for r, c := range comms {
		wg.Add(1)
		go func(r int, c *Communicator) {
			defer wg.Done()
			results[r], errs[r] = c.AllGather(context.Background(), rankPayload(r, size))
		}(r, c)
	}
	wg.Wait()

	// THEN every rank holds every rank's contribution
	for r := range comms {
		require.NoError(t, errs[r], "rank %d", r)
		require.Len(t, results[r], 4)
		for src := 0; src < 4; src++ {
			assert.Equal(t, rankPayload(src, size), results[r][src],
				"rank %d view of rank %d", r, src)
		}
	}

	// AND the proxies actually moved the bytes
	for r, c := range comms {
		counters := c.Counters()
		assert.NotZero(t, counters.Retired, "rank %d", r)
		assert.NotZero(t, counters.Bytes, "rank %d", r)
		assert.Zero(t, counters.Failed, "rank %d", r)
	}
}

func TestBroadcast_RingDeliversRootPayload(t *testing.T) {
	// GIVEN 3 ranks and a payload known only to rank 1
	comms := newGroup(t, 3, nil)
	payload := []byte("weights shard 17")

	// WHEN rank 1 broadcasts it
	bufs := make([][]byte, 3)
	errs := make([]error, 3)
	var wg sync.WaitGroup
	for r, c := range comms {
		wg.Add(1)
		go func(r int, c *Communicator) {
			defer wg.Done()
			bufs[r] = make([]byte, len(payload))
			if r == 1 {
				copy(bufs[r], payload)
			}
			errs[r] = c.Broadcast(context.Background(), bufs[r], 1)
		}(r, c)
	}
	wg.Wait()

	// THEN every rank ends up with the root's bytes
	for r := range comms {
		require.NoError(t, errs[r], "rank %d", r)
		assert.Equal(t, payload, bufs[r], "rank %d", r)
	}
}

func TestAllReduce_FoldsDeterministically(t *testing.T) {
	// GIVEN 4 ranks contributing one byte vector each
	comms := newGroup(t, 4, nil)
	sum := func(dst, src []byte) {
		for i := range dst {
			dst[i] += src[i]
		}
	}

	// WHEN all ranks reduce with elementwise addition
	results := make([][]byte, 4)
	errs := make([]error, 4)
	var wg sync.WaitGroup
	for r, c := range comms {
		wg.Add(1)
		go func(r int, c *Communicator) {
			defer wg.Done()
			results[r], errs[r] = c.AllReduce(context.Background(), []byte{byte(r), 1}, sum)
		}(r, c)
	}
	wg.Wait()

	// THEN every rank computes the same sums
	want := []byte{0 + 1 + 2 + 3, 4}
	for r := range comms {
		require.NoError(t, errs[r], "rank %d", r)
		assert.Equal(t, want, results[r], "rank %d", r)
	}
}

func TestNew_SingleRank(t *testing.T) {
	comms := newGroup(t, 1, nil)
	c := comms[0]
	out, err := c.AllGather(context.Background(), []byte("solo"))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, []byte("solo"), out[0])

	steps, err := c.Plan(OpAllGather, 128)
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestNew_ExternalPlanOverride(t *testing.T) {
	// GIVEN an externally supplied single-ring plan in reversed rank order
	makePlan := func() *graph.Plan {
		return &graph.Plan{
			Channels: []graph.Channel{{
				ID:   0,
				Ring: graph.Ring{Order: []int{0, 2, 1}},
				Tree: graph.Tree{Root: 0, Up: []int{-1, 2, 0}, Down: [][]int{{2}, {}, {1}}, Depth: 2},
			}},
			Warnings: []string{"external plan supplied"},
		}
	}

	// WHEN the group is built with the override
	comms := newGroup(t, 3, func(rank int, cfg *Config) {
		cfg.Search.Plan = makePlan()
	})

	// THEN the plan is used as-is and its warnings surface exactly once
	for r, c := range comms {
		assert.Equal(t, 1, c.Channels(), "rank %d", r)
		assert.Equal(t, []string{"external plan supplied"}, c.Warnings(), "rank %d", r)
		assert.Empty(t, c.Warnings(), "rank %d second drain", r)
	}

	// AND collectives run over the supplied ring
	payload := []byte("override")
	bufs := make([][]byte, 3)
	errs := make([]error, 3)
	var wg sync.WaitGroup
	for r, c := range comms {
		wg.Add(1)
		go func(r int, c *Communicator) {
			defer wg.Done()
			bufs[r] = make([]byte, len(payload))
			if r == 0 {
				copy(bufs[r], payload)
			}
			errs[r] = c.Broadcast(context.Background(), bufs[r], 0)
		}(r, c)
	}
	wg.Wait()
	for r := range comms {
		require.NoError(t, errs[r], "rank %d", r)
		assert.Equal(t, payload, bufs[r], "rank %d", r)
	}
}

func TestNew_InvalidExternalPlanRejected(t *testing.T) {
	// GIVEN a plan whose ring skips rank 2
	plan := &graph.Plan{
		Channels: []graph.Channel{{
			ID:   0,
			Ring: graph.Ring{Order: []int{0, 1, 1}},
		}},
	}

	// WHEN a single rank validates it during construction
	_, err := New(context.Background(), Config{
		Rendezvous: RendezvousConfig{Addr: freeAddr(t), Rank: 0, NRanks: 3,
			Timeout: 2 * time.Second},
		Search: SearchConfig{Plan: plan},
	})

	// THEN the build fails before any transport work
	require.Error(t, err)
}

func TestNew_OutOfRangeExternalPlanRankRejected(t *testing.T) {
	// GIVEN a plan whose ring names a rank outside the group
	plan := &graph.Plan{
		Channels: []graph.Channel{{
			ID:   0,
			Ring: graph.Ring{Order: []int{0, 1, 5}},
		}},
	}

	// WHEN a single rank validates it during construction
	_, err := New(context.Background(), Config{
		Rendezvous: RendezvousConfig{Addr: freeAddr(t), Rank: 0, NRanks: 3,
			Timeout: 2 * time.Second},
		Search: SearchConfig{Plan: plan},
	})

	// THEN the build returns a validation error rather than crashing
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out-of-range rank 5")
}

func TestNew_UnknownDeviceIsConfigurationError(t *testing.T) {
	_, err := New(context.Background(), Config{
		Rendezvous: RendezvousConfig{Addr: freeAddr(t), Rank: 0, NRanks: 2},
		Topology:   TopologyConfig{Devices: 2, Device: "dev9"},
	})
	var cerr *topo.ConfigurationError
	require.ErrorAs(t, err, &cerr)
}

func TestPlan_RingAndTreeSchedules(t *testing.T) {
	// GIVEN a 4-rank group
	comms := newGroup(t, 4, nil)
	c := comms[0]

	// WHEN scheduling an all-gather of 256 bytes
	steps, err := c.Plan(OpAllGather, 256)
	require.NoError(t, err)

	// THEN each channel carries N-1 send and N-1 recv steps with the
	// channel's stripe size
	require.Len(t, steps, c.Channels()*2*3)
	var sendBytes int64
	for _, s := range steps {
		if s.Dir == proxy.DirSend {
			assert.Less(t, s.Step, 3)
			sendBytes += s.Bytes
		}
	}
	assert.EqualValues(t, 3*256, sendBytes)

	// AND a broadcast schedule follows the tree shape: at most one receive,
	// at most two sends per channel
	bsteps, err := c.Plan(OpBroadcast, 128)
	require.NoError(t, err)
	perChannel := map[int]int{}
	for _, s := range bsteps {
		if s.Dir == proxy.DirRecv {
			perChannel[s.Channel]++
			assert.LessOrEqual(t, perChannel[s.Channel], 1)
		}
	}
}

func TestClose_Idempotent(t *testing.T) {
	comms := newGroup(t, 2, nil)
	require.NoError(t, comms[0].Close())
	require.NoError(t, comms[0].Close())
}

func TestCollectiveOpString(t *testing.T) {
	assert.Equal(t, "allgather", OpAllGather.String())
	assert.Equal(t, "allreduce", OpAllReduce.String())
	assert.Equal(t, "broadcast", OpBroadcast.String())
	assert.Equal(t, "reduce", OpReduce.String())
	assert.Equal(t, "unknown", CollectiveOp(99).String())
}

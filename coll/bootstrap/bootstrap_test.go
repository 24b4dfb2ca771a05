package bootstrap

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collring/collring/coll/topo"
	"github.com/collring/collring/coll/trace"
)

func TestMain(m *testing.M) {
	// Suppress verbose bootstrap logs during tests.
	// Set DEBUG_TESTS=1 to see full logs.
	if os.Getenv("DEBUG_TESTS") == "" {
		logrus.SetLevel(logrus.WarnLevel)
	}
	os.Exit(m.Run())
}

// freeAddr reserves a loopback port for a rendezvous listener.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// runRanks bootstraps n in-process ranks against one rendezvous address and
// returns their handles indexed by rank.
func runRanks(t *testing.T, n int, timeout time.Duration) []*Handle {
	t.Helper()
	rendezvous := freeAddr(t)
	handles := make([]*Handle, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			handles[r], errs[r] = Run(context.Background(), Config{
				Rendezvous: rendezvous,
				Rank:       r,
				NRanks:     n,
				Timeout:    timeout,
				Self: Peer{
					Host:    "hostA",
					Device:  fmt.Sprintf("dev%d", r),
					PID:     os.Getpid(),
					Summary: topo.Summary{Host: "hostA", Devices: n},
				},
			})
		}(r)
	}
	wg.Wait()
	for r := 0; r < n; r++ {
		require.NoError(t, errs[r], "rank %d", r)
	}
	t.Cleanup(func() {
		for _, h := range handles {
			h.Close()
		}
	})
	return handles
}

func TestRun_AllGatherTablesIdenticalAndComplete(t *testing.T) {
	// GIVEN 4 independently bootstrapped ranks
	handles := runRanks(t, 4, 5*time.Second)

	// THEN every rank holds the same communicator identity
	for _, h := range handles {
		assert.Equal(t, handles[0].ID(), h.ID())
	}

	// AND every rank's table has exactly 4 entries, identical in content
	want := handles[0].Table()
	require.Len(t, want, 4)
	for r, h := range handles {
		got := h.Table()
		require.Len(t, got, 4, "rank %d", r)
		for i := range want {
			assert.Equal(t, want[i], got[i], "rank %d entry %d", r, i)
			assert.Equal(t, i, got[i].Rank)
			assert.NotEmpty(t, got[i].Addr)
		}
	}
}

func TestRun_SingleRank(t *testing.T) {
	// GIVEN a communicator of one rank
	handles := runRanks(t, 1, 2*time.Second)

	// THEN the table contains only itself and ring ops are no-ops
	h := handles[0]
	require.Len(t, h.Table(), 1)
	out, err := h.RingExchange(1, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), out)
	assert.NoError(t, h.Barrier())
}

func TestClose_ConcurrentCallsAreSafe(t *testing.T) {
	// GIVEN a bootstrapped rank
	handles := runRanks(t, 1, 2*time.Second)
	h := handles[0]

	// WHEN several goroutines race to close it
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.Close())
		}()
	}
	wg.Wait()

	// THEN the handle is down and further ring traffic errors out
	_, err := h.Recv(0, "any")
	assert.Error(t, err)
}

func TestRun_UnreachableRendezvous_FailsWithinTimeout(t *testing.T) {
	// GIVEN a rendezvous address nobody listens on
	dead := freeAddr(t)

	// WHEN a non-root rank bootstraps with a short timeout
	start := time.Now()
	_, err := Run(context.Background(), Config{
		Rendezvous: dead,
		Rank:       1,
		NRanks:     2,
		Timeout:    700 * time.Millisecond,
	})
	elapsed := time.Since(start)

	// THEN it fails with a bootstrap Failure within a bounded time
	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, 1, f.Rank)
	assert.Less(t, elapsed, 5*time.Second)
}

func TestRun_InvalidConfig(t *testing.T) {
	// GIVEN out-of-range ranks or a missing rendezvous address
	cases := []Config{
		{Rendezvous: "x", Rank: -1, NRanks: 2},
		{Rendezvous: "x", Rank: 2, NRanks: 2},
		{Rendezvous: "x", Rank: 0, NRanks: 0},
		{Rank: 0, NRanks: 2},
	}
	for _, cfg := range cases {
		// WHEN bootstrapped THEN a Failure is returned immediately
		_, err := Run(context.Background(), cfg)
		var f *Failure
		assert.ErrorAs(t, err, &f)
	}
}

func TestRingExchange_ShiftsPayloadsByOne(t *testing.T) {
	// GIVEN 3 bootstrapped ranks
	handles := runRanks(t, 3, 5*time.Second)

	// WHEN every rank sends its own rank byte around the ring once
	got := make([][]byte, 3)
	var wg sync.WaitGroup
	for r, h := range handles {
		wg.Add(1)
		go func(r int, h *Handle) {
			defer wg.Done()
			out, err := h.RingExchange(1, []byte{byte(r)})
			require.NoError(t, err)
			got[r] = out
		}(r, h)
	}
	wg.Wait()

	// THEN each rank receives its ring predecessor's payload
	for r := 0; r < 3; r++ {
		assert.Equal(t, []byte{byte((r + 2) % 3)}, got[r], "rank %d", r)
	}
}

func TestSendRecv_TaggedDirectPayloads(t *testing.T) {
	// GIVEN 3 bootstrapped ranks
	handles := runRanks(t, 3, 5*time.Second)

	// WHEN rank 2 sends two differently tagged payloads to rank 0
	require.NoError(t, handles[2].Send(0, "caps/ch0", []byte("mask")))
	require.NoError(t, handles[2].Send(0, "addr/ch0", []byte("1.2.3.4:5")))

	// THEN rank 0 receives each by (source, tag), in any order
	addr, err := handles[0].Recv(2, "addr/ch0")
	require.NoError(t, err)
	assert.Equal(t, []byte("1.2.3.4:5"), addr)
	caps, err := handles[0].Recv(2, "caps/ch0")
	require.NoError(t, err)
	assert.Equal(t, []byte("mask"), caps)
}

func TestAbort_UnblocksExchangingPeer(t *testing.T) {
	// GIVEN 2 bootstrapped ranks where rank 1 blocks in an exchange round
	// (rank 0 never enters it)
	handles := runRanks(t, 2, 10*time.Second)
	errCh := make(chan error, 1)
	go func() {
		_, err := handles[1].RingExchange(7, []byte("stuck"))
		errCh <- err
	}()

	// WHEN rank 0 aborts
	time.Sleep(100 * time.Millisecond)
	handles[0].Abort("test abort")

	// THEN the blocked peer fails with a bootstrap Failure well before the
	// ring timeout would fire
	select {
	case err := <-errCh:
		var f *Failure
		require.ErrorAs(t, err, &f)
		assert.Equal(t, "exchange", f.Stage)
	case <-time.After(2 * time.Second):
		t.Fatal("peer still blocked after abort")
	}

	// AND further blocking calls on the aborted rank return immediately
	_, err := handles[1].Recv(0, "never-sent")
	assert.Error(t, err)
	select {
	case <-handles[1].Aborted():
	default:
		t.Fatal("abort channel not closed")
	}
}

func TestRun_EmitsStateTransitions(t *testing.T) {
	// GIVEN a recording telemetry sink on rank 0 of a 2-rank bootstrap
	rendezvous := freeAddr(t)
	rec := &trace.Recorder{}
	var wg sync.WaitGroup
	var h0 *Handle
	var err0 error
	wg.Add(1)
	go func() {
		defer wg.Done()
		h0, err0 = Run(context.Background(), Config{
			Rendezvous: rendezvous, Rank: 0, NRanks: 2,
			Timeout: 5 * time.Second, Sink: rec,
		})
	}()
	h1, err1 := Run(context.Background(), Config{
		Rendezvous: rendezvous, Rank: 1, NRanks: 2, Timeout: 5 * time.Second,
	})
	wg.Wait()
	require.NoError(t, err0)
	require.NoError(t, err1)
	defer h0.Close()
	defer h1.Close()

	// THEN the sink saw the listening -> connecting -> exchanging -> ready walk
	states := []string{}
	for _, ev := range rec.BySubject("bootstrap") {
		states = append(states, ev.To)
	}
	require.NotEmpty(t, states)
	assert.Equal(t, StateListening, states[0])
	assert.Contains(t, states, StateConnecting)
	assert.Equal(t, StateReady, states[len(states)-1])
}

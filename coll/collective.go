package coll

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/collring/collring/coll/graph"
	"github.com/collring/collring/coll/proxy"
)

// CollectiveOp names a collective pattern the plan API can schedule.
type CollectiveOp int

const (
	OpAllGather CollectiveOp = iota
	OpAllReduce
	OpBroadcast
	OpReduce
)

func (op CollectiveOp) String() string {
	switch op {
	case OpAllGather:
		return "allgather"
	case OpAllReduce:
		return "allreduce"
	case OpBroadcast:
		return "broadcast"
	case OpReduce:
		return "reduce"
	}
	return "unknown"
}

// ChannelStep is one scheduled transport operation of a collective: which
// channel, which direction, which peer and how many bytes. Step numbers are
// per channel-direction, matching the proxy's issue order.
type ChannelStep struct {
	Channel int
	Step    int
	Dir     proxy.Direction
	Peer    int
	Bytes   int64
}

// ReduceFn combines src into dst elementwise. Both slices have equal length.
type ReduceFn func(dst, src []byte)

// Plan slices one collective into per-channel step sequences without
// executing anything: ring patterns for the gather/reduce-scatter family,
// tree patterns for rooted broadcast and reduce. External schedulers consume
// this; the built-in Exec methods follow the same shapes.
func (c *Communicator) Plan(op CollectiveOp, bytes int64) ([]ChannelStep, error) {
	if bytes < 0 {
		return nil, errors.Errorf("coll: negative payload size %d", bytes)
	}
	n := c.nRanks
	if n == 1 {
		return nil, nil
	}
	var steps []ChannelStep
	for i, ch := range c.plan.Channels {
		lo, hi := stripeBounds(int(bytes), len(c.plan.Channels), i)
		shard := int64(hi - lo)
		next := ch.Ring.Next[c.rank]
		prev := ch.Ring.Prev[c.rank]
		sendStep, recvStep := 0, 0
		ring := func(rounds int, chunk int64) {
			for r := 0; r < rounds; r++ {
				steps = append(steps,
					ChannelStep{Channel: ch.ID, Step: sendStep, Dir: proxy.DirSend, Peer: next, Bytes: chunk},
					ChannelStep{Channel: ch.ID, Step: recvStep, Dir: proxy.DirRecv, Peer: prev, Bytes: chunk})
				sendStep++
				recvStep++
			}
		}
		switch op {
		case OpAllGather:
			ring(n-1, shard)
		case OpAllReduce:
			chunk := shard / int64(n)
			if chunk == 0 && shard > 0 {
				chunk = 1
			}
			ring(2*(n-1), chunk)
		case OpBroadcast:
			if up := ch.Tree.Up[c.rank]; up >= 0 {
				steps = append(steps, ChannelStep{Channel: ch.ID, Step: recvStep,
					Dir: proxy.DirRecv, Peer: up, Bytes: shard})
				recvStep++
			}
			for _, child := range ch.Tree.Down[c.rank] {
				steps = append(steps, ChannelStep{Channel: ch.ID, Step: sendStep,
					Dir: proxy.DirSend, Peer: child, Bytes: shard})
				sendStep++
			}
		case OpReduce:
			for _, child := range ch.Tree.Down[c.rank] {
				steps = append(steps, ChannelStep{Channel: ch.ID, Step: recvStep,
					Dir: proxy.DirRecv, Peer: child, Bytes: shard})
				recvStep++
			}
			if up := ch.Tree.Up[c.rank]; up >= 0 {
				steps = append(steps, ChannelStep{Channel: ch.ID, Step: sendStep,
					Dir: proxy.DirSend, Peer: up, Bytes: shard})
				sendStep++
			}
		default:
			return nil, errors.Errorf("coll: unknown collective op %d", int(op))
		}
	}
	return steps, nil
}

// AllGather contributes data and returns every rank's contribution, indexed
// by rank. All ranks must contribute equally sized payloads. The payload is
// striped across channels; each stripe circulates its channel's ring for
// N-1 rounds through the proxy.
func (c *Communicator) AllGather(ctx context.Context, data []byte) ([][]byte, error) {
	n := c.nRanks
	out := make([][]byte, n)
	for r := range out {
		out[r] = make([]byte, len(data))
	}
	copy(out[c.rank], data)
	if n == 1 {
		return out, nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for i, ch := range c.plan.Channels {
		i, ch := i, ch
		g.Go(func() error {
			lo, hi := stripeBounds(len(data), len(c.plan.Channels), i)
			pos := ringPos(ch.Ring, c.rank)
			cur := append([]byte(nil), data[lo:hi]...)
			for round := 1; round < n; round++ {
				sh, err := c.prox.Enqueue(ch.ID, proxy.DirSend, cur)
				if err != nil {
					return err
				}
				rbuf := make([]byte, hi-lo)
				rh, err := c.prox.Enqueue(ch.ID, proxy.DirRecv, rbuf)
				if err != nil {
					return err
				}
				if err := sh.Wait(ctx); err != nil {
					return err
				}
				if err := rh.Wait(ctx); err != nil {
					return err
				}
				origin := ch.Ring.Order[((pos-round)%n+n)%n]
				copy(out[origin][lo:hi], rbuf)
				cur = rbuf
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Broadcast fills buf with the root's payload on every rank. buf must have
// the same length everywhere: the payload on the root, a receive buffer on
// the others. Each channel's stripe travels the ring from the root; rooted
// tree shapes remain available through Plan for external schedulers.
func (c *Communicator) Broadcast(ctx context.Context, buf []byte, root int) error {
	if root < 0 || root >= c.nRanks {
		return errors.Errorf("coll: broadcast root %d out of range", root)
	}
	if c.nRanks == 1 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for i, ch := range c.plan.Channels {
		i, ch := i, ch
		g.Go(func() error {
			lo, hi := stripeBounds(len(buf), len(c.plan.Channels), i)
			next := ch.Ring.Next[c.rank]
			if c.rank != root {
				rbuf := make([]byte, hi-lo)
				rh, err := c.prox.Enqueue(ch.ID, proxy.DirRecv, rbuf)
				if err != nil {
					return err
				}
				if err := rh.Wait(ctx); err != nil {
					return err
				}
				copy(buf[lo:hi], rbuf)
			}
			if next != root {
				sh, err := c.prox.Enqueue(ch.ID, proxy.DirSend, buf[lo:hi])
				if err != nil {
					return err
				}
				if err := sh.Wait(ctx); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// AllReduce combines every rank's payload with fn and returns the result,
// identical on all ranks. fn is folded in rank order so the outcome is
// deterministic even for non-commutative combiners.
func (c *Communicator) AllReduce(ctx context.Context, data []byte, fn ReduceFn) ([]byte, error) {
	if fn == nil {
		return nil, errors.New("coll: allreduce needs a reduce function")
	}
	parts, err := c.AllGather(ctx, data)
	if err != nil {
		return nil, err
	}
	acc := append([]byte(nil), parts[0]...)
	for r := 1; r < len(parts); r++ {
		fn(acc, parts[r])
	}
	return acc, nil
}

// stripeBounds splits total bytes into parts contiguous stripes, the
// remainder spread over the leading stripes.
func stripeBounds(total, parts, i int) (int, int) {
	base := total / parts
	rem := total % parts
	lo := i*base + minInt(i, rem)
	size := base
	if i < rem {
		size++
	}
	return lo, lo + size
}

func ringPos(r graph.Ring, rank int) int {
	for i, v := range r.Order {
		if v == rank {
			return i
		}
	}
	return -1
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

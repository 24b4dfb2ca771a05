package transport

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/collring/collring/coll/bootstrap"
	"github.com/collring/collring/coll/graph"
	"github.com/collring/collring/coll/trace"
)

// DefaultTimeout bounds every per-edge handshake and connect step.
const DefaultTimeout = 30 * time.Second

// Deps carries everything Setup needs. All dependencies are owned by the
// caller; Setup keeps no process-wide state.
type Deps struct {
	// Boot is the ready bootstrap handle used as the out-of-band channel
	// for the handshake.
	Boot *bootstrap.Handle
	// Plan is the searched (or externally supplied, validated) channel plan.
	Plan *graph.Plan
	// Caps decides per-kind eligibility. Nil means DefaultCapability.
	Caps Capability
	// Pairs enables in-process direct peer and shared memory edges between
	// ranks sharing this registry. Nil disables those kinds.
	Pairs *PairRegistry
	// ListenAddr is the transport listener address. Empty means an
	// ephemeral loopback port.
	ListenAddr string
	// Timeout bounds each handshake and connect step. Zero means
	// DefaultTimeout.
	Timeout time.Duration
	// Sink receives edge state transitions. Nil means no telemetry.
	Sink trace.Sink
}

// ChannelConns is the established pair of directed edges one rank owns on
// one channel: the send side toward the ring successor and the receive side
// from the predecessor.
type ChannelConns struct {
	ID   int
	Send Conn
	Recv Conn
}

// Result owns every connection Setup established plus the shared transport
// listener. Close tears it all down.
type Result struct {
	Channels []ChannelConns
	router   *router
}

func (r *Result) Close() error {
	for _, cc := range r.Channels {
		if cc.Send != nil {
			_ = cc.Send.Close()
		}
		if cc.Recv != nil {
			_ = cc.Recv.Close()
		}
	}
	if r.router != nil {
		r.router.close()
	}
	return nil
}

// helloMsg is phase 1 of the handshake: the sender's capability mask for
// one directed edge.
type helloMsg struct {
	Caps capMask
}

// offerMsg is phase 2: the connect payload for whichever kind wins. Addr is
// the transport listener for socket edges; PID and HasPairs gate the
// in-process kinds.
type offerMsg struct {
	Addr     string
	PID      int
	HasPairs bool
}

type setup struct {
	boot    *bootstrap.Handle
	caps    Capability
	pairs   *PairRegistry
	router  *router
	timeout time.Duration
	sink    trace.Sink
	rank    int
	pid     int
	table   []bootstrap.Peer
}

// Setup connects every channel edge of the plan. Channels are connected in
// parallel; within one channel the two edges are negotiated through a fixed
// two phase exchange so that both endpoints walk the preference list in
// lockstep. A preferred kind failing degrades the edge; only a fully
// unconnectable edge fails Setup, with an UnreachablePeerError.
func Setup(ctx context.Context, deps Deps) (*Result, error) {
	if deps.Boot == nil || deps.Plan == nil {
		return nil, errors.New("transport: setup needs a bootstrap handle and a channel plan")
	}
	if deps.Caps == nil {
		deps.Caps = DefaultCapability()
	}
	if deps.Timeout <= 0 {
		deps.Timeout = DefaultTimeout
	}
	if deps.Sink == nil {
		deps.Sink = trace.Nop
	}
	listenAddr := deps.ListenAddr
	if listenAddr == "" {
		listenAddr = "127.0.0.1:0"
	}

	rt, err := newRouter(listenAddr, deps.Timeout)
	if err != nil {
		return nil, err
	}
	s := &setup{
		boot:    deps.Boot,
		caps:    deps.Caps,
		pairs:   deps.Pairs,
		router:  rt,
		timeout: deps.Timeout,
		sink:    deps.Sink,
		rank:    deps.Boot.Rank(),
		pid:     os.Getpid(),
		table:   deps.Boot.Table(),
	}

	res := &Result{
		Channels: make([]ChannelConns, len(deps.Plan.Channels)),
		router:   rt,
	}
	g, ctx := errgroup.WithContext(ctx)
	for i, ch := range deps.Plan.Channels {
		i, ch := i, ch
		g.Go(func() error {
			cc, err := s.setupChannel(ctx, ch)
			if err != nil {
				return err
			}
			res.Channels[i] = cc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		_ = res.Close()
		return nil, err
	}
	logrus.Debugf("transport: rank %d connected %d channels", s.rank, len(res.Channels))
	return res, nil
}

// setupChannel negotiates this rank's two edges of one channel. Both phase
// messages for both edges are posted before either reply is awaited, so the
// ring of ranks cannot deadlock waiting on each other.
func (s *setup) setupChannel(ctx context.Context, ch graph.Channel) (ChannelConns, error) {
	next := ch.Ring.Next[s.rank]
	prev := ch.Ring.Prev[s.rank]
	self := s.table[s.rank]

	// Phase 1: capability masks, one per directed edge.
	sendMask := maskFor(s.caps, self, s.table[next])
	recvMask := maskFor(s.caps, self, s.table[prev])
	if err := s.post(next, tag1(ch.ID, s.rank, next), helloMsg{Caps: sendMask}); err != nil {
		return ChannelConns{}, err
	}
	if err := s.post(prev, tag1(ch.ID, prev, s.rank), helloMsg{Caps: recvMask}); err != nil {
		return ChannelConns{}, err
	}
	var fromNext, fromPrev helloMsg
	if err := s.collect(next, tag1(ch.ID, s.rank, next), &fromNext); err != nil {
		return ChannelConns{}, err
	}
	if err := s.collect(prev, tag1(ch.ID, prev, s.rank), &fromPrev); err != nil {
		return ChannelConns{}, err
	}

	// Phase 2: connect payloads for whichever kind the walk settles on.
	offer := offerMsg{Addr: s.router.addr(), PID: s.pid, HasPairs: s.pairs != nil}
	if err := s.post(next, tag2(ch.ID, s.rank, next), offer); err != nil {
		return ChannelConns{}, err
	}
	if err := s.post(prev, tag2(ch.ID, prev, s.rank), offer); err != nil {
		return ChannelConns{}, err
	}
	var offNext, offPrev offerMsg
	if err := s.collect(next, tag2(ch.ID, s.rank, next), &offNext); err != nil {
		return ChannelConns{}, err
	}
	if err := s.collect(prev, tag2(ch.ID, prev, s.rank), &offPrev); err != nil {
		return ChannelConns{}, err
	}
	if err := ctx.Err(); err != nil {
		return ChannelConns{}, err
	}

	send, err := s.connectEdge(ch.ID, s.rank, next, sendMask.and(fromNext.Caps), offNext)
	if err != nil {
		return ChannelConns{}, err
	}
	recv, err := s.connectEdge(ch.ID, prev, s.rank, recvMask.and(fromPrev.Caps), offPrev)
	if err != nil {
		_ = send.Close()
		return ChannelConns{}, err
	}
	return ChannelConns{ID: ch.ID, Send: send, Recv: recv}, nil
}

// connectEdge walks the preference list over the agreed mask and returns the
// first kind that connects. Both endpoints see the same mask and the same
// offers, so they settle on the same kind.
func (s *setup) connectEdge(channel, from, to int, common capMask, offer offerMsg) (Conn, error) {
	subject := fmt.Sprintf("setup/ch%d/%d>%d", channel, from, to)
	state := "negotiating"
	trace.Transition(s.sink, s.rank, subject, "", state, "")
	for _, k := range preference {
		if !common.has(k) {
			continue
		}
		conn, err := s.attempt(k, channel, from, to, offer)
		if err != nil {
			logrus.Debugf("transport: rank %d edge %d>%d chan %d: %s unavailable: %v",
				s.rank, from, to, channel, k, err)
			trace.Transition(s.sink, s.rank, subject, state, "degraded", k.String())
			state = "degraded"
			continue
		}
		trace.Transition(s.sink, s.rank, subject, state, "connected", k.String())
		return conn, nil
	}
	return nil, &UnreachablePeerError{Local: s.rank, Remote: s.other(from, to), Channel: channel}
}

func (s *setup) other(from, to int) int {
	if from == s.rank {
		return to
	}
	return from
}

// attempt tries to realize one edge with one kind. The local side of the
// edge is the sender when from is this rank, the receiver otherwise.
func (s *setup) attempt(kind Kind, channel, from, to int, offer offerMsg) (Conn, error) {
	sender := from == s.rank
	switch kind {
	case KindP2P, KindSHM:
		if s.pairs == nil || !offer.HasPairs {
			return nil, errors.New("no shared pair registry")
		}
		if offer.PID != s.pid {
			return nil, errors.Errorf("peer in another process (pid %d)", offer.PID)
		}
		if sender {
			return newPairSender(s.pairs, kind, s.rank, to, channel), nil
		}
		return newPairReceiver(s.pairs, kind, s.rank, from, channel), nil
	case KindFabric, KindRDMA:
		return nil, errors.Errorf("no %s provider probed", kind)
	case KindSocket:
		if sender {
			return s.dialSocket(channel, to, offer.Addr)
		}
		return s.acceptSocket(channel, from)
	}
	return nil, errors.Errorf("unknown transport kind %d", int(kind))
}

func (s *setup) dialSocket(channel, to int, addr string) (Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, s.timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dial rank %d at %s", to, addr)
	}
	enc := gob.NewEncoder(conn)
	_ = conn.SetWriteDeadline(time.Now().Add(s.timeout))
	if err := enc.Encode(edgeHeader{Channel: channel, From: s.rank}); err != nil {
		_ = conn.Close()
		return nil, errors.Wrapf(err, "announce edge to rank %d", to)
	}
	_ = conn.SetWriteDeadline(time.Time{})
	dec := gob.NewDecoder(conn)
	return newSocketConn(KindSocket, s.rank, to, channel, conn, enc, dec, s.timeout), nil
}

func (s *setup) acceptSocket(channel, from int) (Conn, error) {
	cl, err := s.router.claim(channel, from, s.timeout)
	if err != nil {
		return nil, err
	}
	enc := gob.NewEncoder(cl.conn)
	return newSocketConn(KindSocket, s.rank, from, channel, cl.conn, enc, cl.dec, s.timeout), nil
}

func tag1(channel, from, to int) string { return fmt.Sprintf("setup1/ch%d/%d-%d", channel, from, to) }
func tag2(channel, from, to int) string { return fmt.Sprintf("setup2/ch%d/%d-%d", channel, from, to) }

func (s *setup) post(to int, tag string, msg any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return errors.Wrapf(err, "encode %s", tag)
	}
	return s.boot.Send(to, tag, buf.Bytes())
}

func (s *setup) collect(from int, tag string, msg any) error {
	data, err := s.boot.Recv(from, tag)
	if err != nil {
		return err
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(msg); err != nil {
		return errors.Wrapf(err, "decode %s", tag)
	}
	return nil
}

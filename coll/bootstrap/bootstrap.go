// Package bootstrap lets independently launched processes, given only a
// shared rendezvous address and a rank count, converge on one communicator
// identity and learn every other rank's reachable address. The exchange runs
// over a minimal TCP ring that is independent of the eventual data-path
// channels; after the ring is formed it double-duties as the carrier for
// transport setup handshakes and for abort broadcasts.
package bootstrap

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/collring/collring/coll/trace"
)

// Per-rank bootstrap states, in protocol order.
const (
	StateListening  = "listening"
	StateConnecting = "connecting"
	StateExchanging = "exchanging"
	StateReady      = "ready"
	StateAborted    = "aborted"
)

// DefaultTimeout bounds every blocking bootstrap step.
const DefaultTimeout = 30 * time.Second

// Failure is a fatal bootstrap error. Partial bootstrap state is
// unrecoverable: the communicator build fails and no intermediate state may
// be reused.
type Failure struct {
	Rank  int
	Stage string
	Err   error
}

func (e *Failure) Error() string {
	return fmt.Sprintf("bootstrap failure at rank %d during %s: %v", e.Rank, e.Stage, e.Err)
}

func (e *Failure) Unwrap() error { return e.Err }

func failf(rank int, stage string, err error, format string, args ...interface{}) *Failure {
	return &Failure{Rank: rank, Stage: stage, Err: errors.Wrapf(err, format, args...)}
}

// Config parameterizes one rank's bootstrap.
type Config struct {
	Rendezvous string        // rendezvous address, published by rank 0; shared out-of-band
	Rank       int           // this rank
	NRanks     int           // pre-agreed communicator size
	ListenAddr string        // bootstrap listen address; empty binds 127.0.0.1:0
	Timeout    time.Duration // bound per blocking step (default DefaultTimeout)
	Self       Peer          // identity/locality of this rank; Rank and Addr are filled in
	Sink       trace.Sink    // telemetry sink (default trace.Nop)
}

// Handle is the live bootstrap state of one rank after Run succeeds: the
// communicator identity, the full rank table, and the ring plus mailbox used
// for later out-of-band exchanges.
type Handle struct {
	id      uuid.UUID
	rank    int
	nRanks  int
	timeout time.Duration
	sink    trace.Sink

	table    []Peer
	listener net.Listener
	next     *wire // ring successor, send side
	prev     *wire // ring predecessor, receive side

	mail      *mailbox
	ringMu    sync.Mutex
	abortOnce sync.Once
	closeOnce sync.Once
	abortCh   chan struct{}
	done      chan struct{}
}

// Run executes the bootstrap protocol for one rank and blocks until every
// rank's table entry is known or a fatal error occurs. Any socket failure is
// a *Failure; the caller must not reuse anything from a failed run.
func Run(ctx context.Context, cfg Config) (*Handle, error) {
	if cfg.NRanks <= 0 || cfg.Rank < 0 || cfg.Rank >= cfg.NRanks {
		return nil, &Failure{Rank: cfg.Rank, Stage: "config",
			Err: fmt.Errorf("invalid rank %d of %d", cfg.Rank, cfg.NRanks)}
	}
	if cfg.Rendezvous == "" {
		return nil, &Failure{Rank: cfg.Rank, Stage: "config", Err: fmt.Errorf("no rendezvous address")}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Sink == nil {
		cfg.Sink = trace.Nop
	}

	h := &Handle{
		rank:    cfg.Rank,
		nRanks:  cfg.NRanks,
		timeout: cfg.Timeout,
		sink:    cfg.Sink,
		table:   make([]Peer, cfg.NRanks),
		abortCh: make(chan struct{}),
		done:    make(chan struct{}),
	}

	addr := cfg.ListenAddr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, failf(cfg.Rank, "listen", err, "bootstrap listen on %s", addr)
	}
	h.listener = ln
	self := cfg.Self
	self.Rank = cfg.Rank
	self.Addr = ln.Addr().String()
	trace.Transition(h.sink, h.rank, "bootstrap", "", StateListening, self.Addr)

	state := StateListening
	fail := func(stage string, err error) (*Handle, error) {
		trace.Transition(h.sink, h.rank, "bootstrap", state, StateAborted, stage)
		h.teardown()
		if f, ok := err.(*Failure); ok {
			return nil, f
		}
		return nil, failf(cfg.Rank, stage, err, "rank %d", cfg.Rank)
	}

	// Phase 1: rendezvous. Rank 0 publishes the rendezvous listener and
	// assigns ring successors; everyone else registers with it.
	trace.Transition(h.sink, h.rank, "bootstrap", state, StateConnecting, cfg.Rendezvous)
	state = StateConnecting
	var next Peer
	if cfg.Rank == 0 {
		h.id = uuid.New()
		next, err = runRendezvous(ctx, cfg, self, h.id)
	} else {
		h.id, next, err = register(ctx, cfg, self)
	}
	if err != nil {
		return fail("rendezvous", err)
	}

	// Phase 2: form the bootstrap ring (dial successor, accept predecessor).
	if cfg.NRanks > 1 {
		if err := h.formRing(self, next); err != nil {
			return fail("ring", err)
		}
	}

	// Phase 3: N-1 all-gather rounds around the ring.
	h.table[self.Rank] = self
	cur := self
	for round := 1; round < cfg.NRanks; round++ {
		trace.Transition(h.sink, h.rank, "bootstrap", state, fmt.Sprintf("%s(%d)", StateExchanging, round), "")
		state = StateExchanging
		got, err := h.gatherRound(round, cur)
		if err != nil {
			return fail("exchange", err)
		}
		h.table[got.Rank] = got
		cur = got
	}

	for r, p := range h.table {
		if p.Addr == "" {
			return fail("exchange", fmt.Errorf("rank %d missing from gathered table", r))
		}
	}

	trace.Transition(h.sink, h.rank, "bootstrap", state, StateReady, h.id.String())
	h.mail = newMailbox()
	go h.acceptLoop()
	logrus.Debugf("bootstrap: rank %d/%d ready, comm %s", h.rank, h.nRanks, h.id)
	return h, nil
}

// runRendezvous is rank 0's side of phase 1: accept N-1 registrations and
// reply to each rank with the communicator identity and its ring successor.
func runRendezvous(ctx context.Context, cfg Config, self Peer, id uuid.UUID) (Peer, error) {
	ln, err := net.Listen("tcp", cfg.Rendezvous)
	if err != nil {
		return Peer{}, errors.Wrapf(err, "rendezvous listen on %s", cfg.Rendezvous)
	}
	defer ln.Close()

	peers := make([]Peer, cfg.NRanks)
	peers[0] = self
	wires := make([]*wire, cfg.NRanks)
	deadline := time.Now().Add(cfg.Timeout)
	for have := 1; have < cfg.NRanks; have++ {
		if err := ctx.Err(); err != nil {
			return Peer{}, err
		}
		if tl, ok := ln.(*net.TCPListener); ok {
			_ = tl.SetDeadline(deadline)
		}
		conn, err := ln.Accept()
		if err != nil {
			return Peer{}, errors.Wrap(err, "rendezvous accept")
		}
		w := newWire(conn)
		f, err := w.recv(cfg.Timeout)
		if err != nil {
			return Peer{}, errors.Wrap(err, "rendezvous read registration")
		}
		if f.Type != msgRegister {
			return Peer{}, fmt.Errorf("rendezvous: unexpected frame type %d", f.Type)
		}
		p := f.Peer
		if p.Rank <= 0 || p.Rank >= cfg.NRanks {
			return Peer{}, fmt.Errorf("rendezvous: registration with invalid rank %d", p.Rank)
		}
		if wires[p.Rank] != nil {
			return Peer{}, fmt.Errorf("rendezvous: duplicate registration for rank %d", p.Rank)
		}
		peers[p.Rank] = p
		wires[p.Rank] = w
	}

	// Everyone registered; hand each rank its successor.
	for r := 1; r < cfg.NRanks; r++ {
		succ := peers[(r+1)%cfg.NRanks]
		err := wires[r].send(&frame{Type: msgAssign, ID: id.String(), Peer: succ}, cfg.Timeout)
		wires[r].close()
		if err != nil {
			return Peer{}, errors.Wrapf(err, "rendezvous assign to rank %d", r)
		}
	}
	return peers[1%cfg.NRanks], nil
}

// register is every other rank's side of phase 1. The rendezvous listener
// may not be up yet, so dialing retries until the timeout.
func register(ctx context.Context, cfg Config, self Peer) (uuid.UUID, Peer, error) {
	var conn net.Conn
	var err error
	deadline := time.Now().Add(cfg.Timeout)
	for {
		if cerr := ctx.Err(); cerr != nil {
			return uuid.Nil, Peer{}, cerr
		}
		conn, err = net.DialTimeout("tcp", cfg.Rendezvous, time.Until(deadline))
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return uuid.Nil, Peer{}, errors.Wrapf(err, "dial rendezvous %s", cfg.Rendezvous)
		}
		time.Sleep(100 * time.Millisecond)
	}
	w := newWire(conn)
	defer w.close()
	if err := w.send(&frame{Type: msgRegister, Peer: self}, cfg.Timeout); err != nil {
		return uuid.Nil, Peer{}, errors.Wrap(err, "send registration")
	}
	f, err := w.recv(time.Until(deadline))
	if err != nil {
		return uuid.Nil, Peer{}, errors.Wrap(err, "await assignment")
	}
	if f.Type == msgAbort {
		return uuid.Nil, Peer{}, fmt.Errorf("aborted by rank %d: %s", f.Origin, f.Note)
	}
	if f.Type != msgAssign {
		return uuid.Nil, Peer{}, fmt.Errorf("unexpected frame type %d from rendezvous", f.Type)
	}
	id, err := uuid.Parse(f.ID)
	if err != nil {
		return uuid.Nil, Peer{}, errors.Wrap(err, "parse communicator id")
	}
	return id, f.Peer, nil
}

// formRing dials the ring successor and accepts the predecessor. Dial and
// accept run concurrently: every rank dials first, so neither side waits on
// the other's accept.
func (h *Handle) formRing(self, next Peer) error {
	type accepted struct {
		w   *wire
		err error
	}
	acceptCh := make(chan accepted, 1)
	go func() {
		if tl, ok := h.listener.(*net.TCPListener); ok {
			_ = tl.SetDeadline(time.Now().Add(h.timeout))
		}
		conn, err := h.listener.Accept()
		if err != nil {
			acceptCh <- accepted{err: errors.Wrap(err, "accept ring predecessor")}
			return
		}
		w := newWire(conn)
		f, err := w.recv(h.timeout)
		if err != nil {
			acceptCh <- accepted{err: errors.Wrap(err, "read ring hello")}
			return
		}
		if f.Type != msgHello {
			acceptCh <- accepted{err: fmt.Errorf("unexpected frame type %d on ring accept", f.Type)}
			return
		}
		acceptCh <- accepted{w: w}
	}()

	conn, err := net.DialTimeout("tcp", next.Addr, h.timeout)
	if err != nil {
		return errors.Wrapf(err, "dial ring successor rank %d at %s", next.Rank, next.Addr)
	}
	h.next = newWire(conn)
	if err := h.next.send(&frame{Type: msgHello, Peer: self}, h.timeout); err != nil {
		return errors.Wrap(err, "send ring hello")
	}

	acc := <-acceptCh
	if acc.err != nil {
		return acc.err
	}
	h.prev = acc.w
	if tl, ok := h.listener.(*net.TCPListener); ok {
		_ = tl.SetDeadline(time.Time{})
	}
	return nil
}

// gatherRound forwards the most recently learned entry to the successor and
// receives one entry from the predecessor.
func (h *Handle) gatherRound(round int, forward Peer) (Peer, error) {
	if h.nRanks == 1 {
		return forward, nil
	}
	if err := h.next.send(&frame{Type: msgGather, Round: round, Peer: forward}, h.timeout); err != nil {
		return Peer{}, errors.Wrapf(err, "send gather round %d", round)
	}
	f, err := h.prev.recv(h.timeout)
	if err != nil {
		return Peer{}, errors.Wrapf(err, "recv gather round %d", round)
	}
	switch f.Type {
	case msgGather:
		if f.Round != round {
			return Peer{}, fmt.Errorf("gather round mismatch: got %d, want %d", f.Round, round)
		}
		return f.Peer, nil
	case msgAbort:
		h.forwardAbort(f)
		return Peer{}, fmt.Errorf("aborted by rank %d: %s", f.Origin, f.Note)
	default:
		return Peer{}, fmt.Errorf("unexpected frame type %d in gather round %d", f.Type, round)
	}
}

// ID returns the communicator identity agreed during rendezvous.
func (h *Handle) ID() uuid.UUID { return h.id }

// Rank returns this rank.
func (h *Handle) Rank() int { return h.rank }

// NRanks returns the communicator size.
func (h *Handle) NRanks() int { return h.nRanks }

// Table returns a copy of the full rank table. Identical in content on every
// rank after Run returns.
func (h *Handle) Table() []Peer {
	out := make([]Peer, len(h.table))
	copy(out, h.table)
	return out
}

// Self returns this rank's own table entry.
func (h *Handle) Self() Peer { return h.table[h.rank] }

func (h *Handle) teardown() {
	if h.next != nil {
		h.next.close()
	}
	if h.prev != nil {
		h.prev.close()
	}
	if h.listener != nil {
		h.listener.Close()
	}
}

// Close tears the bootstrap ring and listener down. The handle is unusable
// afterwards.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		close(h.done)
		h.teardown()
	})
	return nil
}

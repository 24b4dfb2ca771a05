package transport

import (
	"sync"

	"github.com/pkg/errors"
)

// pairFrame is one step's payload crossing an in-process edge.
type pairFrame struct {
	step int
	data []byte
}

type pairEdgeKey struct {
	channel int
	from    int
	to      int
}

// PairRegistry is the rendezvous point for in-process transports. Ranks
// sharing one process (and one registry) realize their direct peer and
// shared memory edges as channels through it instead of sockets. The
// registry is an explicit dependency owned by whoever launches the ranks;
// there is no process-wide instance.
type PairRegistry struct {
	mu    sync.Mutex
	edges map[pairEdgeKey]chan pairFrame
}

func NewPairRegistry() *PairRegistry {
	return &PairRegistry{edges: make(map[pairEdgeKey]chan pairFrame)}
}

const pairEdgeDepth = 256

// edge returns the frame stream for one directed edge, creating it on first
// use by either endpoint.
func (r *PairRegistry) edge(k pairEdgeKey) chan pairFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.edges[k]
	if !ok {
		e = make(chan pairFrame, pairEdgeDepth)
		r.edges[k] = e
	}
	return e
}

// pairConn is one role of an in-process edge: the sender half pushes frames
// into the registry stream, the receiver half matches them against posted
// buffers. A pairConn only ever serves its own role; posting the opposite
// direction is a caller bug.
type pairConn struct {
	kind    Kind
	self    int
	peer    int
	channel int
	out     chan pairFrame

	recvQ chan postOp
	comp  chan Completion
	done  chan struct{}

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// newPairSender builds the sending half of edge self->peer.
func newPairSender(reg *PairRegistry, kind Kind, self, peer, channel int) *pairConn {
	return &pairConn{
		kind:    kind,
		self:    self,
		peer:    peer,
		channel: channel,
		out:     reg.edge(pairEdgeKey{channel: channel, from: self, to: peer}),
		comp:    make(chan Completion, postQueueDepth),
		done:    make(chan struct{}),
	}
}

// newPairReceiver builds the receiving half of edge peer->self.
func newPairReceiver(reg *PairRegistry, kind Kind, self, peer, channel int) *pairConn {
	c := &pairConn{
		kind:    kind,
		self:    self,
		peer:    peer,
		channel: channel,
		recvQ:   make(chan postOp, postQueueDepth),
		comp:    make(chan Completion, postQueueDepth),
		done:    make(chan struct{}),
	}
	in := reg.edge(pairEdgeKey{channel: channel, from: peer, to: self})
	c.wg.Add(1)
	go c.matchLoop(in)
	return c
}

func (c *pairConn) Kind() Kind                     { return c.kind }
func (c *pairConn) Peer() int                      { return c.peer }
func (c *pairConn) Channel() int                   { return c.channel }
func (c *pairConn) Completions() <-chan Completion { return c.comp }

func (c *pairConn) PostSend(step int, buf []byte) error {
	if c.out == nil {
		return &Error{Peer: c.peer, Step: step, Err: errors.New("receive-only connection")}
	}
	select {
	case <-c.done:
		return &Error{Peer: c.peer, Step: step, Err: errConnClosed}
	default:
	}
	data := make([]byte, len(buf))
	copy(data, buf)
	select {
	case c.out <- pairFrame{step: step, data: data}:
	default:
		return &Error{Peer: c.peer, Step: step, Err: errQueueFull}
	}
	select {
	case c.comp <- Completion{Step: step, N: len(buf)}:
	case <-c.done:
	}
	return nil
}

func (c *pairConn) PostRecv(step int, buf []byte) error {
	if c.recvQ == nil {
		return &Error{Peer: c.peer, Step: step, Err: errors.New("send-only connection")}
	}
	select {
	case <-c.done:
		return &Error{Peer: c.peer, Step: step, Err: errConnClosed}
	default:
	}
	select {
	case c.recvQ <- postOp{step: step, buf: buf}:
		return nil
	default:
		return &Error{Peer: c.peer, Step: step, Err: errQueueFull}
	}
}

func (c *pairConn) matchLoop(in <-chan pairFrame) {
	defer c.wg.Done()
	posted := make(map[int][]byte)
	arrived := make(map[int][]byte)
	emit := func(comp Completion) {
		select {
		case c.comp <- comp:
		case <-c.done:
		}
	}
	for {
		select {
		case <-c.done:
			return
		case p := <-c.recvQ:
			if data, ok := arrived[p.step]; ok {
				delete(arrived, p.step)
				emit(Completion{Step: p.step, N: copy(p.buf, data)})
				continue
			}
			posted[p.step] = p.buf
		case f := <-in:
			if buf, ok := posted[f.step]; ok {
				delete(posted, f.step)
				emit(Completion{Step: f.step, N: copy(buf, f.data)})
				continue
			}
			arrived[f.step] = f.data
		}
	}
}

func (c *pairConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		go func() {
			c.wg.Wait()
			close(c.comp)
		}()
	})
	return nil
}

package transport

import (
	"encoding/gob"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	errConnClosed = errors.New("connection closed")
	errQueueFull  = errors.New("post queue full")
)

// edgeHeader opens every dialed transport connection, identifying which
// channel edge the stream belongs to.
type edgeHeader struct {
	Channel int
	From    int
}

// dataFrame carries one step's payload.
type dataFrame struct {
	Step int
	Data []byte
}

// router owns the per-rank transport listener. Dialing peers announce their
// edge in a header; the router parks each stream until the local side of the
// handshake claims it.
type router struct {
	ln      net.Listener
	timeout time.Duration

	mu        sync.Mutex
	parked    map[edgeHeader]chan claimed
	done      chan struct{}
	closeOnce sync.Once
}

type claimed struct {
	conn net.Conn
	dec  *gob.Decoder
}

func newRouter(listenAddr string, timeout time.Duration) (*router, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "transport listen on %s", listenAddr)
	}
	r := &router{
		ln:      ln,
		timeout: timeout,
		parked:  make(map[edgeHeader]chan claimed),
		done:    make(chan struct{}),
	}
	go r.acceptLoop()
	return r, nil
}

func (r *router) addr() string { return r.ln.Addr().String() }

func (r *router) acceptLoop() {
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			select {
			case <-r.done:
			default:
				logrus.Debugf("transport: router accept: %v", err)
			}
			return
		}
		go r.identify(conn)
	}
}

// identify reads the edge header off a fresh inbound stream and parks it for
// the claiming side.
func (r *router) identify(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(r.timeout))
	dec := gob.NewDecoder(conn)
	var hdr edgeHeader
	if err := dec.Decode(&hdr); err != nil {
		logrus.Debugf("transport: dropping inbound stream without header: %v", err)
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	select {
	case r.slot(hdr) <- claimed{conn: conn, dec: dec}:
	case <-r.done:
		_ = conn.Close()
	}
}

func (r *router) slot(hdr edgeHeader) chan claimed {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.parked[hdr]
	if !ok {
		s = make(chan claimed, 1)
		r.parked[hdr] = s
	}
	return s
}

// claim waits for the peer's dialed stream for one edge.
func (r *router) claim(channel, from int, timeout time.Duration) (claimed, error) {
	select {
	case c := <-r.slot(edgeHeader{Channel: channel, From: from}):
		return c, nil
	case <-r.done:
		return claimed{}, errConnClosed
	case <-time.After(timeout):
		return claimed{}, errors.Errorf("no inbound stream for channel %d from rank %d", channel, from)
	}
}

func (r *router) close() {
	r.closeOnce.Do(func() {
		close(r.done)
		_ = r.ln.Close()
	})
}

type postOp struct {
	step int
	buf  []byte
}

// socketConn moves step frames over one TCP stream. Sends are serialized by
// a writer goroutine; receives are matched to posted buffers by step, so
// frames may arrive before or after the buffer is posted.
type socketConn struct {
	kind    Kind
	self    int
	peer    int
	channel int
	conn    net.Conn
	enc     *gob.Encoder
	dec     *gob.Decoder
	timeout time.Duration

	sendQ chan postOp
	recvQ chan postOp
	comp  chan Completion
	done  chan struct{}

	wg        sync.WaitGroup
	closeOnce sync.Once
}

const postQueueDepth = 128

func newSocketConn(kind Kind, self, peer, channel int, conn net.Conn,
	enc *gob.Encoder, dec *gob.Decoder, timeout time.Duration) *socketConn {
	c := &socketConn{
		kind:    kind,
		self:    self,
		peer:    peer,
		channel: channel,
		conn:    conn,
		enc:     enc,
		dec:     dec,
		timeout: timeout,
		sendQ:   make(chan postOp, postQueueDepth),
		recvQ:   make(chan postOp, postQueueDepth),
		comp:    make(chan Completion, postQueueDepth),
		done:    make(chan struct{}),
	}
	frames := make(chan dataFrame, postQueueDepth)
	decodeErr := make(chan error, 1)
	c.wg.Add(3)
	go c.sendLoop()
	go c.decodeLoop(frames, decodeErr)
	go c.matchLoop(frames, decodeErr)
	return c
}

func (c *socketConn) Kind() Kind                     { return c.kind }
func (c *socketConn) Peer() int                      { return c.peer }
func (c *socketConn) Channel() int                   { return c.channel }
func (c *socketConn) Completions() <-chan Completion { return c.comp }

func (c *socketConn) PostSend(step int, buf []byte) error {
	select {
	case <-c.done:
		return &Error{Peer: c.peer, Step: step, Err: errConnClosed}
	default:
	}
	select {
	case c.sendQ <- postOp{step: step, buf: buf}:
		return nil
	default:
		return &Error{Peer: c.peer, Step: step, Err: errQueueFull}
	}
}

func (c *socketConn) PostRecv(step int, buf []byte) error {
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

func (c *socketConn) emit(comp Completion) {
	select {
	case c.comp <- comp:
	case <-c.done:
	}
}

func (c *socketConn) sendLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case p := <-c.sendQ:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
			err := c.enc.Encode(dataFrame{Step: p.step, Data: p.buf})
			if err != nil {
				retryable := false
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					retryable = true
				}
				c.emit(Completion{Step: p.step, Err: &Error{
					Peer: c.peer, Step: p.step, Retryable: retryable, Err: err,
				}})
				continue
			}
			c.emit(Completion{Step: p.step, N: len(p.buf)})
		}
	}
}

func (c *socketConn) decodeLoop(frames chan<- dataFrame, decodeErr chan<- error) {
	defer c.wg.Done()
	for {
		var f dataFrame
		if err := c.dec.Decode(&f); err != nil {
			select {
			case decodeErr <- err:
			default:
			}
			return
		}
		select {
		case frames <- f:
		case <-c.done:
			return
		}
	}
}

// matchLoop pairs inbound frames with posted receive buffers. Either side
// may arrive first.
func (c *socketConn) matchLoop(frames <-chan dataFrame, decodeErr <-chan error) {
	defer c.wg.Done()
	posted := make(map[int][]byte)
	arrived := make(map[int][]byte)
	for {
		select {
		case <-c.done:
			return
		case p := <-c.recvQ:
			if data, ok := arrived[p.step]; ok {
				delete(arrived, p.step)
				c.emit(Completion{Step: p.step, N: copy(p.buf, data)})
				continue
			}
			posted[p.step] = p.buf
		case f := <-frames:
			if buf, ok := posted[f.Step]; ok {
				delete(posted, f.Step)
				c.emit(Completion{Step: f.Step, N: copy(buf, f.Data)})
				continue
			}
			arrived[f.Step] = f.Data
		case err := <-decodeErr:
			select {
			case <-c.done:
				return
			default:
			}
			for step := range posted {
				c.emit(Completion{Step: step, Err: &Error{
					Peer: c.peer, Step: step, Err: errors.Wrap(err, "stream broken"),
				}})
			}
			return
		}
	}
}

func (c *socketConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
		go func() {
			c.wg.Wait()
			close(c.comp)
		}()
	})
	return nil
}

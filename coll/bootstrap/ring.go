package bootstrap

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/collring/collring/coll/trace"
)

// RingExchange sends payload to the ring successor and returns the payload
// received from the predecessor. Serialized internally: callers must not
// interleave exchanges with different rounds concurrently.
func (h *Handle) RingExchange(round int, payload []byte) ([]byte, error) {
	if h.nRanks == 1 {
		return payload, nil
	}
	h.ringMu.Lock()
	defer h.ringMu.Unlock()
	if h.isAborted() {
		return nil, &Failure{Rank: h.rank, Stage: "exchange", Err: fmt.Errorf("communicator aborted")}
	}
	if err := h.next.send(&frame{Type: msgGather, Round: round, Data: payload}, h.timeout); err != nil {
		return nil, failf(h.rank, "exchange", err, "ring send round %d", round)
	}
	f, err := h.prev.recv(h.timeout)
	if err != nil {
		return nil, failf(h.rank, "exchange", err, "ring recv round %d", round)
	}
	switch f.Type {
	case msgGather:
		if f.Round != round {
			return nil, &Failure{Rank: h.rank, Stage: "exchange",
				Err: fmt.Errorf("ring round mismatch: got %d, want %d", f.Round, round)}
		}
		return f.Data, nil
	case msgAbort:
		h.forwardAbort(f)
		return nil, &Failure{Rank: h.rank, Stage: "exchange",
			Err: fmt.Errorf("aborted by rank %d: %s", f.Origin, f.Note)}
	default:
		return nil, &Failure{Rank: h.rank, Stage: "exchange",
			Err: fmt.Errorf("unexpected frame type %d on ring", f.Type)}
	}
}

// Barrier blocks until every rank has entered it. Two full ring traversals:
// after the first token pass every rank has entered, the second releases
// them.
func (h *Handle) Barrier() error {
	if h.nRanks == 1 {
		return nil
	}
	h.ringMu.Lock()
	defer h.ringMu.Unlock()
	for pass := 0; pass < 2; pass++ {
		if err := h.next.send(&frame{Type: msgBarrier, Round: pass}, h.timeout); err != nil {
			return failf(h.rank, "barrier", err, "barrier pass %d", pass)
		}
		f, err := h.prev.recv(h.timeout)
		if err != nil {
			return failf(h.rank, "barrier", err, "barrier pass %d", pass)
		}
		if f.Type == msgAbort {
			h.forwardAbort(f)
			return &Failure{Rank: h.rank, Stage: "barrier",
				Err: fmt.Errorf("aborted by rank %d: %s", f.Origin, f.Note)}
		}
		if f.Type != msgBarrier {
			return &Failure{Rank: h.rank, Stage: "barrier",
				Err: fmt.Errorf("unexpected frame type %d in barrier", f.Type)}
		}
	}
	return nil
}

// Abort injects an abort message into the ring. It propagates within one
// traversal, unblocking peers stuck in an exchange round; once aborted the
// communicator is unusable and must be rebuilt.
func (h *Handle) Abort(reason string) {
	h.abortOnce.Do(func() {
		trace.Transition(h.sink, h.rank, "bootstrap", StateReady, StateAborted, reason)
		close(h.abortCh)
		if h.next != nil {
			_ = h.next.send(&frame{Type: msgAbort, Origin: h.rank, Note: reason}, h.timeout)
		}
		logrus.Warnf("bootstrap: rank %d aborting: %s", h.rank, reason)
	})
}

// forwardAbort records an abort observed on the ring and passes it on unless
// it has come full circle back to its originator.
func (h *Handle) forwardAbort(f *frame) {
	if f.Origin == h.rank {
		return
	}
	h.abortOnce.Do(func() {
		trace.Transition(h.sink, h.rank, "bootstrap", StateReady, StateAborted,
			fmt.Sprintf("abort from rank %d: %s", f.Origin, f.Note))
		close(h.abortCh)
		if h.next != nil {
			_ = h.next.send(f, h.timeout)
		}
	})
}

func (h *Handle) isAborted() bool {
	select {
	case <-h.abortCh:
		return true
	default:
		return false
	}
}

// Aborted returns a channel closed once an abort is observed.
func (h *Handle) Aborted() <-chan struct{} { return h.abortCh }

// mailbox delivers tagged out-of-band payloads to waiting receivers,
// decoupling the accept loop from Recv callers.
type mailbox struct {
	mu    sync.Mutex
	boxes map[mailKey]chan []byte
}

type mailKey struct {
	from int
	tag  string
}

func newMailbox() *mailbox {
	return &mailbox{boxes: make(map[mailKey]chan []byte)}
}

func (m *mailbox) box(k mailKey) chan []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.boxes[k]
	if !ok {
		b = make(chan []byte, 4)
		m.boxes[k] = b
	}
	return b
}

// Send delivers a tagged payload directly to rank to, dialing its bootstrap
// listener. Safe for concurrent use; each send is a one-shot connection.
func (h *Handle) Send(to int, tag string, data []byte) error {
	if to == h.rank {
		h.mail.box(mailKey{from: to, tag: tag}) <- data
		return nil
	}
	if to < 0 || to >= h.nRanks {
		return &Failure{Rank: h.rank, Stage: "send", Err: fmt.Errorf("invalid destination rank %d", to)}
	}
	conn, err := net.DialTimeout("tcp", h.table[to].Addr, h.timeout)
	if err != nil {
		return failf(h.rank, "send", err, "dial rank %d at %s", to, h.table[to].Addr)
	}
	w := newWire(conn)
	defer w.close()
	if err := w.send(&frame{Type: msgPayload, Origin: h.rank, Tag: tag, Data: data}, h.timeout); err != nil {
		return failf(h.rank, "send", err, "send %q to rank %d", tag, to)
	}
	return nil
}

// Recv blocks until a payload tagged tag arrives from rank from, the abort
// channel fires, or the timeout elapses.
func (h *Handle) Recv(from int, tag string) ([]byte, error) {
	select {
	case data := <-h.mail.box(mailKey{from: from, tag: tag}):
		return data, nil
	case <-h.abortCh:
		return nil, &Failure{Rank: h.rank, Stage: "recv", Err: fmt.Errorf("communicator aborted")}
	case <-h.done:
		return nil, &Failure{Rank: h.rank, Stage: "recv", Err: fmt.Errorf("bootstrap closed")}
	case <-time.After(h.timeout):
		return nil, &Failure{Rank: h.rank, Stage: "recv",
			Err: fmt.Errorf("timeout waiting for %q from rank %d", tag, from)}
	}
}

// acceptLoop serves the bootstrap listener after the ring is formed,
// delivering direct payloads into the mailbox and reacting to aborts that
// arrive out of band.
func (h *Handle) acceptLoop() {
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			select {
			case <-h.done:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			logrus.Debugf("bootstrap: rank %d accept loop exiting: %v", h.rank, err)
			return
		}
		go h.serveConn(conn)
	}
}

func (h *Handle) serveConn(conn net.Conn) {
	w := newWire(conn)
	defer w.close()
	f, err := w.recv(h.timeout)
	if err != nil {
		return
	}
	switch f.Type {
	case msgPayload:
		select {
		case h.mail.box(mailKey{from: f.Origin, tag: f.Tag}) <- f.Data:
		case <-h.done:
		}
	case msgAbort:
		h.forwardAbort(f)
	default:
		logrus.Debugf("bootstrap: rank %d dropping unexpected frame type %d", h.rank, f.Type)
	}
}

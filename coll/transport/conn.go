package transport

import "fmt"

// Completion reports the outcome of one previously posted step. N is the
// number of bytes moved. A non-nil Err is always a *Error.
type Completion struct {
	Step int
	N    int
	Err  error
}

// Conn is one established directed edge of a channel. Posting is
// non-blocking: the call queues the operation and returns; the outcome
// arrives on Completions, possibly out of step order. One side of an edge
// posts sends, the other posts receives.
//
// A Conn is driven by exactly one proxy worker; Post calls are not safe for
// concurrent use, Completions and Close are.
type Conn interface {
	// Kind reports the negotiated transport kind.
	Kind() Kind
	// Peer reports the remote rank.
	Peer() int
	// Channel reports the channel this edge belongs to.
	Channel() int
	// PostSend queues buf for transmission as the given step.
	PostSend(step int, buf []byte) error
	// PostRecv queues buf to receive the payload of the given step.
	PostRecv(step int, buf []byte) error
	// Completions delivers one Completion per posted step. Closed by Close.
	Completions() <-chan Completion
	Close() error
}

// Error is a runtime I/O failure on an established connection. Retryable
// errors (timeouts) may be reissued by the proxy; others break the
// connection.
type Error struct {
	Peer      int
	Step      int
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	verb := "failed"
	if e.Retryable {
		verb = "timed out"
	}
	return fmt.Sprintf("transport: step %d to rank %d %s: %v", e.Step, e.Peer, verb, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// UnreachablePeerError is fatal: no transport kind could connect a required
// channel edge.
type UnreachablePeerError struct {
	Local   int
	Remote  int
	Channel int
}

func (e *UnreachablePeerError) Error() string {
	return fmt.Sprintf("transport: no viable transport between rank %d and rank %d on channel %d",
		e.Local, e.Remote, e.Channel)
}

package bootstrap

import (
	"encoding/gob"
	"net"
	"time"

	"github.com/collring/collring/coll/topo"
)

// Peer is one entry of the rank table: how to reach a rank and where it sits.
type Peer struct {
	Rank    int
	Addr    string // bootstrap listen address of the rank
	Host    string // host identity, equal for co-located ranks
	Device  string // topology node id of the rank's device
	PID     int    // process id, equal for in-process ranks
	Summary topo.Summary
}

type msgType uint8

const (
	msgRegister msgType = iota + 1 // rank -> rendezvous: here I am
	msgAssign                      // rendezvous -> rank: your identity and ring successor
	msgHello                       // ring predecessor announcing itself
	msgGather                      // one all-gather round entry
	msgBarrier                     // barrier token
	msgPayload                     // tagged out-of-band payload (transport handshakes)
	msgAbort                       // abort broadcast
)

// frame is the single wire message of the bootstrap protocol. Unused fields
// stay zero; gob keeps them cheap.
type frame struct {
	Type   msgType
	Round  int
	Origin int    // sender rank (payload, abort)
	Tag    string // payload routing key
	ID     string // communicator identity (assign)
	Peer   Peer   // register / assign successor / hello / gather entry
	Data   []byte
	Note   string // abort reason
}

// wire wraps a conn with persistent gob codecs. gob streams carry type
// descriptions once per stream, so encoder/decoder must live as long as the
// conn.
type wire struct {
	conn net.Conn
	enc  *gob.Encoder
	dec  *gob.Decoder
}

func newWire(conn net.Conn) *wire {
	return &wire{conn: conn, enc: gob.NewEncoder(conn), dec: gob.NewDecoder(conn)}
}

func (w *wire) send(f *frame, timeout time.Duration) error {
	if timeout > 0 {
		if err := w.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	return w.enc.Encode(f)
}

func (w *wire) recv(timeout time.Duration) (*frame, error) {
	if timeout > 0 {
		if err := w.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
	}
	var f frame
	if err := w.dec.Decode(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (w *wire) close() error {
	return w.conn.Close()
}

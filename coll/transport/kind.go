// Package transport establishes the per-edge data connections of a
// communicator. For every directed channel edge it negotiates the best
// mutually usable transport kind through a two phase handshake carried over
// the bootstrap fabric, degrading edge by edge down an explicit preference
// list instead of aborting the whole communicator.
package transport

import (
	"fmt"

	"github.com/collring/collring/coll/bootstrap"
)

// Kind identifies one transport implementation. The zero value is the most
// preferred; selection walks kinds in declaration order and settles on the
// first one both endpoints can use.
type Kind int

const (
	// KindP2P is a direct peer mapping between two devices.
	KindP2P Kind = iota
	// KindSHM is a shared memory segment between two local devices.
	KindSHM
	// KindFabric is a switched inter-device fabric endpoint.
	KindFabric
	// KindRDMA is a remote-DMA capable network endpoint.
	KindRDMA
	// KindSocket is a plain TCP connection. Always available.
	KindSocket

	numKinds = int(KindSocket) + 1
)

func (k Kind) String() string {
	switch k {
	case KindP2P:
		return "p2p"
	case KindSHM:
		return "shm"
	case KindFabric:
		return "fabric"
	case KindRDMA:
		return "rdma"
	case KindSocket:
		return "socket"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// preference lists every kind in descending order of expected bandwidth.
var preference = [numKinds]Kind{KindP2P, KindSHM, KindFabric, KindRDMA, KindSocket}

// capMask is a bitmask over Kind, one bit per kind.
type capMask uint8

func (m capMask) has(k Kind) bool       { return m&(1<<uint(k)) != 0 }
func (m *capMask) set(k Kind)           { *m |= 1 << uint(k) }
func (m capMask) and(o capMask) capMask { return m & o }

// Capability reports which transport kinds are usable between two ranks. It
// must be a pure local predicate: no I/O, no blocking. The actual connection
// attempt may still fail, in which case the edge degrades to the next kind.
type Capability interface {
	Usable(kind Kind, local, remote bootstrap.Peer) bool
}

// CapabilityFunc adapts a plain function to the Capability interface.
type CapabilityFunc func(kind Kind, local, remote bootstrap.Peer) bool

func (f CapabilityFunc) Usable(kind Kind, local, remote bootstrap.Peer) bool {
	return f(kind, local, remote)
}

// DefaultCapability derives eligibility from the peers' topology summaries:
// direct peer and shared memory kinds require both ranks on the same host,
// fabric and RDMA require a probed provider (none registers one here), and
// socket is always usable.
func DefaultCapability() Capability {
	return CapabilityFunc(func(kind Kind, local, remote bootstrap.Peer) bool {
		switch kind {
		case KindP2P, KindSHM:
			return local.Host != "" && local.Host == remote.Host
		case KindFabric, KindRDMA:
			return false
		case KindSocket:
			return true
		}
		return false
	})
}

// maskFor evaluates the capability predicate for every kind on one edge.
func maskFor(c Capability, local, remote bootstrap.Peer) capMask {
	var m capMask
	for _, k := range preference {
		if c.Usable(k, local, remote) {
			m.set(k)
		}
	}
	return m
}

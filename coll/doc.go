// Package coll builds and operates collective-communication groups: a set
// of ranks that bootstrap a shared identity, model their topology, derive
// ring and tree channels over it, connect every channel edge with the best
// available transport and move payloads through a per-device proxy engine.
//
// # Reading Guide
//
// Start with these files to understand the build pipeline:
//   - config.go: grouped configuration consumed by New
//   - communicator.go: the New pipeline (bootstrap → topology → search →
//     transport setup → proxy start → barrier) and lifecycle
//   - collective.go: the plan API and the built-in AllGather / Broadcast /
//     AllReduce executors
//
// # Architecture
//
// The coll package owns orchestration; the mechanics live in sub-packages:
//   - coll/topo/: topology description, validation and widest-path routing
//   - coll/graph/: ring search (explicit-stack backtracking) and double
//     binary trees over each ring's ordering
//   - coll/bootstrap/: rendezvous, ring all-gather of the rank table, abort
//     propagation and the tagged out-of-band mailbox
//   - coll/transport/: per-edge kind negotiation and the socket and
//     in-process data paths
//   - coll/proxy/: the per-device progress engine (sliding window, in-order
//     retirement, bounded retries)
//   - coll/trace/: state transition telemetry sinks
//
// Every piece of state is owned by the Communicator and scoped to it; there
// are no package-level registries or caches. Co-located ranks share state
// only through dependencies handed in explicitly, like the transport
// PairRegistry.
package coll

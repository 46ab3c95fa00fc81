// Package etcdraft provides a replica.IConsensusEngine implementation on top
// of the etcd raft library (go.etcd.io/etcd/raft/v3).
//
// The consensus algorithm itself lives entirely inside the library; this
// package only plumbs the lifecycle contract around a raft.RawNode:
//
//   - Poll (driver goroutine only): waits briefly for intake, inbound
//     messages or a logical tick, steps the RawNode and processes one Ready
//     batch: persist the hard state to the quorum-state store, append new
//     entries to the replicated log, hand outbound messages to the quorum
//     transport and complete the futures of committed proposals
//   - Handle: pushes request envelopes into a lock-free multi-producer
//     single-consumer intake queue consumed only by Poll, preserving the
//     RawNode's single-threaded semantics
//   - Shutdown/Close: drain the intake, fail pending futures and flush the
//     log, bounded by the caller's timeout
//
// Responses received from peers are unmarshalled back into raft messages and
// fed through a second queue, so the RawNode is only ever stepped on the
// poll goroutine.
package etcdraft

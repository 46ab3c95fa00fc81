// Package common provides the shared building blocks used by every other
// package of dRaft: the replica configuration, the logging setup and the
// request/response primitives exchanged between the server boundary, the
// replica manager and the consensus engine.
//
// The package focuses on:
//   - ReplicaConfig: a single struct holding all configuration parameters for
//     one replica, with validation and a formatted String() representation
//   - Logging: a custom logger factory (implementing dragonboat's
//     logger.ILogger) with per-package loggers and central level configuration
//   - Protocol primitives: RequestHeader, RequestEnvelope and the single
//     resolution futures (ResponseFuture, CompletionFuture) used for all
//     asynchronous handoffs between components
//
// Key Components:
//
//   - ReplicaConfig: Describes the identity of the replica (node id, log name,
//     partition), the process topology (roles, data directories), the quorum
//     voter set and the timing parameters of the consensus engine. The
//     RequiresDirLock() method encodes the rule deciding whether the metadata
//     directory must be protected by an exclusive file lock.
//
//   - ResponseFuture: A future keyed by correlation id that resolves exactly
//     once, either with a response body or with an error. It is created
//     together with its RequestEnvelope and handed across component
//     boundaries; all completion paths go through a sync.Once so concurrent
//     completion attempts are safe.
//
//   - CompletionFuture: The body-less variant used for lifecycle operations
//     such as the bounded graceful engine shutdown.
//
// All other packages of this module depend on common; common itself only
// depends on the logging library.
package common

// Package replica implements the lifecycle orchestration around a single
// replica of the metadata quorum. It owns the replica's supporting
// infrastructure and drives an external consensus engine without knowing
// anything about how consensus decisions are made.
//
// The package is built around three abstractions:
//
//   - IConsensusEngine: the capability interface of the external consensus
//     client {Initialize, Poll, Handle, Register, LeaderAndEpoch, Shutdown,
//     Close, IsRunning}. The engine's algorithm is opaque to this package;
//     only its lifecycle and intake boundary are specified here.
//
//   - EngineDriver: the dedicated goroutine that repeatedly invokes the
//     engine's Poll. It is the ONLY caller of Poll, preserving the engine's
//     single-threaded cooperative semantics. Any uncaught failure from Poll
//     transitions the driver to Failed and is escalated through the fault
//     handler, which is expected to abort the owning process. Engine
//     corruption must never be silently tolerated.
//
//   - Manager: the orchestrator. It constructs the working directory, the
//     exclusivity lock, the replicated log, the network transport, the
//     expiration facility, the background scheduler and finally the engine
//     itself, in that order, failing fast on any construction error. Startup
//     pushes the voter endpoints into the transport and starts the driver.
//     Shutdown tears every owned resource down exactly once, best-effort:
//     each step's failure is caught and logged without preventing the
//     remaining steps from running.
//
// Concurrency: HandleRequest and Register are safe to call from arbitrary
// goroutines; they only enqueue work into the engine's thread-safe intake.
// All other mutable state is owned by exactly one component and handed over
// at construction time.
package replica

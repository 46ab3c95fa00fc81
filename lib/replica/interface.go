package replica

import (
	"time"

	"github.com/ValentinKolb/dRaft/lib/common"
	"github.com/ValentinKolb/dRaft/lib/expiry"
	"github.com/ValentinKolb/dRaft/lib/quorum"
	"github.com/ValentinKolb/dRaft/lib/raftlog"
	"github.com/ValentinKolb/dRaft/lib/transport"
)

// --------------------------------------------------------------------------
// Leader information
// --------------------------------------------------------------------------

// LeaderAndEpoch identifies the current quorum leader and its epoch.
// A LeaderID of 0 means the leader is unknown.
type LeaderAndEpoch struct {
	LeaderID uint64
	Epoch    uint64
}

// --------------------------------------------------------------------------
// Interface Definitions
// --------------------------------------------------------------------------

// IEngineListener receives notifications about engine state changes. It can
// be registered before or after startup.
type IEngineListener interface {
	// OnLeaderChange is invoked on the engine's poll goroutine whenever the
	// quorum leader or epoch changed. Implementations must not block.
	OnLeaderChange(current LeaderAndEpoch)
}

// IConsensusEngine is the capability interface of the external consensus
// client. The consensus algorithm itself is out of scope for this module;
// the engine is treated as an opaque unit behind this boundary.
type IConsensusEngine interface {
	// Initialize prepares the engine for polling. It is called once during
	// construction, before the driver goroutine exists.
	Initialize() error

	// Poll advances the engine's internal state. It may block briefly
	// (cooperative scheduling point) but never indefinitely. Only the
	// engine driver may call Poll.
	Poll() error

	// Handle enqueues a request envelope into the engine's thread-safe
	// intake. It never blocks past the handoff; if the intake refuses the
	// envelope, the envelope's future is failed immediately.
	Handle(env *common.RequestEnvelope)

	// Register adds a listener; safe before or after startup
	Register(listener IEngineListener)

	// LeaderAndEpoch returns the engine's current leader view (pure read)
	LeaderAndEpoch() LeaderAndEpoch

	// Shutdown asynchronously requests a graceful stop bounded by the given
	// timeout. The returned future resolves with the outcome; exceeding the
	// bound fails the future but is never escalated beyond logging.
	Shutdown(timeout time.Duration) *common.CompletionFuture

	// Close releases the engine's resources. Called during orchestrated
	// shutdown after the driver stopped.
	Close() error

	// IsRunning reports whether the engine considers itself operational
	IsRunning() bool
}

// IFaultHandler escalates unrecoverable internal errors. Implementations
// must guarantee process-level visibility of the failure (e.g. converting it
// to a process abort), not just logging.
type IFaultHandler interface {
	HandleFault(msg string, cause error)
}

// --------------------------------------------------------------------------
// Engine factory
// --------------------------------------------------------------------------

// EngineDeps bundles the resources the manager constructs for the engine.
// Ownership of the handles stays with the manager; the engine only uses them.
type EngineDeps struct {
	Config    common.ReplicaConfig
	Log       raftlog.IReplicatedLog
	Transport transport.IQuorumTransport
	Expiry    *expiry.Service
	States    *quorum.StateStore
}

// EngineFactory creates the consensus engine bound to the replica's
// resources. It is injected into NewReplicaManager so the orchestration
// stays independent of any concrete engine.
type EngineFactory func(deps EngineDeps) (IConsensusEngine, error)

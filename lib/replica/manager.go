package replica

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dRaft/lib/common"
	"github.com/ValentinKolb/dRaft/lib/datadir"
	"github.com/ValentinKolb/dRaft/lib/expiry"
	"github.com/ValentinKolb/dRaft/lib/quorum"
	"github.com/ValentinKolb/dRaft/lib/raftlog"
	"github.com/ValentinKolb/dRaft/lib/scheduler"
	"github.com/ValentinKolb/dRaft/lib/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("replica")

// Manager lifecycle states
const (
	managerCreated int32 = iota
	managerStarted
	managerStopped
)

// --------------------------------------------------------------------------
// Manager
// --------------------------------------------------------------------------

// Manager is the lifecycle orchestrator for one replica. It owns the
// working directory, the optional exclusivity lock, the replicated log, the
// network transport, the expiration facility, the background scheduler, the
// consensus engine and its driver. The lifecycle is construct -> Startup ->
// Shutdown; after Shutdown the instance is terminal and must not be reused.
type Manager struct {
	cfg    common.ReplicaConfig
	faults IFaultHandler

	workDir   string
	lock      *datadir.DirLock
	sched     scheduler.IScheduler
	rlog      raftlog.IReplicatedLog
	transport transport.IQuorumTransport
	timer     *expiry.Timer
	expiry    *expiry.Service
	states    *quorum.StateStore
	engine    IConsensusEngine
	driver    *EngineDriver

	state atomic.Int32
}

// NewReplicaManager constructs the replica's resources in dependency order,
// failing fast and synchronously on any error. Partially constructed
// resources are unwound before the error is returned.
//
// Order: working directory -> exclusivity lock (if required) -> scheduler ->
// replicated log -> network transport -> expiration timer and service ->
// quorum-state store -> consensus engine (via the factory) -> engine driver.
func NewReplicaManager(cfg common.ReplicaConfig, factory EngineFactory, faults IFaultHandler) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid replica configuration: %w", err)
	}
	if factory == nil {
		return nil, fmt.Errorf("engine factory must not be nil")
	}
	if faults == nil {
		faults = NewProcessFaultHandler()
	}

	m := &Manager{cfg: cfg, faults: faults}

	ok := false
	defer func() {
		if !ok {
			m.unwind()
		}
	}()

	// Working directory for the log partition
	workDir, err := datadir.EnsureWorkingDir(cfg.MetadataDir, cfg.LogName, cfg.Partition)
	if err != nil {
		return nil, err
	}
	m.workDir = workDir

	// Exclusivity lock over the metadata directory. Failing to acquire it is
	// fatal: another holder owns the directory and the process cannot proceed.
	if cfg.RequiresDirLock() {
		lock, err := datadir.AcquireDirLock(cfg.MetadataDir)
		if err != nil {
			return nil, fmt.Errorf("metadata directory %s: %w", cfg.MetadataDir, err)
		}
		m.lock = lock
	}

	// Background task scheduler, used by the replicated log for maintenance
	m.sched = scheduler.NewScheduler()

	// Durable replicated log inside the working directory
	rlog, err := raftlog.NewFileLog(workDir, cfg.SegmentBytes,
		time.Duration(cfg.FlushIntervalMs)*time.Millisecond, m.sched)
	if err != nil {
		return nil, err
	}
	m.rlog = rlog

	// Quorum network client
	trans, err := transport.NewQuorumClient(cfg)
	if err != nil {
		return nil, err
	}
	m.transport = trans

	// Expiration facility over a dedicated timer
	m.timer = expiry.NewTimer()
	m.expiry = expiry.NewService(m.timer)

	// Persisted quorum-state store rooted in the working directory
	m.states = quorum.NewStateStore(workDir)

	// The consensus engine, bound to everything built above
	engine, err := factory(EngineDeps{
		Config:    cfg,
		Log:       m.rlog,
		Transport: m.transport,
		Expiry:    m.expiry,
		States:    m.states,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consensus engine: %w", err)
	}
	m.engine = engine

	if err := engine.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize consensus engine: %w", err)
	}

	m.driver = NewEngineDriver(engine, faults)

	ok = true
	log.Infof("replica manager for node %d constructed (work dir %s)", cfg.NodeID, workDir)
	return m, nil
}

// unwind tears down partially constructed resources after a failed
// construction, in reverse order, best-effort
func (m *Manager) unwind() {
	if m.engine != nil {
		if err := m.engine.Close(); err != nil {
			log.Errorf("unwind: failed to close engine: %v", err)
		}
	}
	if m.timer != nil {
		_ = m.timer.Close()
	}
	if m.transport != nil {
		_ = m.transport.Close()
	}
	if m.rlog != nil {
		if err := m.rlog.Close(); err != nil {
			log.Errorf("unwind: failed to close replicated log: %v", err)
		}
	}
	if m.sched != nil {
		_ = m.sched.Close()
	}
	if m.lock != nil {
		if err := m.lock.Release(); err != nil {
			log.Errorf("unwind: failed to release directory lock: %v", err)
		}
	}
}

// --------------------------------------------------------------------------
// Lifecycle operations
// --------------------------------------------------------------------------

// Startup pushes every known voter address into the transport's endpoint
// table, starts the transport's connection machinery and then the engine
// driver. Entries with a non-routable or malformed address are skipped with
// a warning, never treated as fatal. Callers invoke Startup exactly once.
func (m *Manager) Startup() error {
	if !m.state.CompareAndSwap(managerCreated, managerStarted) {
		return fmt.Errorf("replica manager cannot be started twice")
	}

	// Deterministic order for the endpoint updates
	var ids []uint64
	for id := range m.cfg.QuorumVoters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		raw := m.cfg.QuorumVoters[id]

		spec, err := transport.ParseAddressSpec(raw)
		if err != nil {
			log.Warningf("startup: skipping voter %d: %v", id, err)
			continue
		}
		if !spec.Routable() {
			log.Warningf("startup: skipping voter %d: address %s is not routable", id, raw)
			continue
		}

		m.transport.UpdateEndpoint(id, spec)
	}

	if err := m.transport.Start(); err != nil {
		return fmt.Errorf("failed to start network transport: %w", err)
	}

	m.driver.Start()

	log.Infof("replica %d started (%s partition %d)", m.cfg.NodeID, m.cfg.LogName, m.cfg.Partition)
	return nil
}

// Shutdown tears down every owned resource exactly once, in order:
// expiration service, expiration timer, engine driver (bounded graceful
// stop), engine handle, scheduler, network transport, replicated log, and
// finally the directory lock. Each step's failure is caught and logged and
// never prevents the remaining steps from running.
func (m *Manager) Shutdown() {
	prev := m.state.Swap(managerStopped)
	if prev == managerStopped {
		log.Warningf("replica manager shut down twice")
		return
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"expiration service", m.expiry.Close},
		{"expiration timer", m.timer.Close},
		{"engine driver", m.stopDriver},
		{"consensus engine", m.engine.Close},
		{"scheduler", m.sched.Close},
		{"network transport", m.transport.Close},
		{"replicated log", m.rlog.Close},
		{"directory lock", m.releaseLock},
	}

	for _, step := range steps {
		if err := step.fn(); err != nil {
			log.Errorf("shutdown: %s teardown failed: %v", step.name, err)
		} else {
			log.Debugf("shutdown: %s closed", step.name)
		}
	}

	log.Infof("replica %d shut down", m.cfg.NodeID)
}

// stopDriver requests the driver's graceful stop and waits for the poll
// goroutine, bounded by the engine shutdown timeout. An overrun is a soft
// failure surfaced to the shutdown loop's log only.
func (m *Manager) stopDriver() error {
	m.driver.InitiateShutdown()
	return m.driver.AwaitStopped(engineShutdownTimeout)
}

// releaseLock releases the exclusivity lock if one was acquired. It runs
// last, after the engine and log have released the directory's contents.
func (m *Manager) releaseLock() error {
	if m.lock == nil {
		return nil
	}
	return m.lock.Release()
}

// --------------------------------------------------------------------------
// Request handling and accessors
// --------------------------------------------------------------------------

// HandleRequest wraps the inputs into a request envelope, hands it to the
// engine and returns the envelope's future. Safe for concurrent use from
// arbitrary goroutines; never blocks past the handoff to the engine.
func (m *Manager) HandleRequest(header *common.RequestHeader, body []byte, createdMs int64) *common.ResponseFuture {
	env := common.NewRequestEnvelope(header.CorrelationID, body, createdMs)
	m.engine.Handle(env)
	return env.Future()
}

// Register forwards a listener to the engine; safe before or after Startup
func (m *Manager) Register(listener IEngineListener) {
	m.engine.Register(listener)
}

// LeaderAndEpoch returns the engine's current leader view (pure read)
func (m *Manager) LeaderAndEpoch() LeaderAndEpoch {
	return m.engine.LeaderAndEpoch()
}

// Client returns the consensus engine handle (pure read)
func (m *Manager) Client() IConsensusEngine {
	return m.engine
}

// ReplicatedLog returns the replica's durable log handle (pure read)
func (m *Manager) ReplicatedLog() raftlog.IReplicatedLog {
	return m.rlog
}

// WorkingDir returns the replica's resolved working directory
func (m *Manager) WorkingDir() string {
	return m.workDir
}

package replica

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	gometrics "github.com/rcrowley/go-metrics"
)

var driverLog = logger.GetLogger("driver")

// engineShutdownTimeout bounds the asynchronous graceful engine stop
// requested by InitiateShutdown
const engineShutdownTimeout = 5000 * time.Millisecond

var (
	mPolls  = metrics.GetOrCreateCounter(`draft_driver_polls_total`)
	mFaults = metrics.GetOrCreateCounter(`draft_driver_faults_total`)
)

// --------------------------------------------------------------------------
// Driver states
// --------------------------------------------------------------------------

// DriverState is the lifecycle state of the engine driver
type DriverState int32

const (
	DriverCreated DriverState = iota
	DriverRunning
	DriverShuttingDown
	DriverStopped
	DriverFailed
)

// String returns the name of the state
func (s DriverState) String() string {
	switch s {
	case DriverCreated:
		return "created"
	case DriverRunning:
		return "running"
	case DriverShuttingDown:
		return "shutting-down"
	case DriverStopped:
		return "stopped"
	case DriverFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// --------------------------------------------------------------------------
// Engine Driver
// --------------------------------------------------------------------------

// EngineDriver owns the dedicated goroutine that advances the consensus
// engine. It is the only caller of the engine's Poll method; any uncaught
// failure from Poll transitions the driver to Failed and is escalated
// through the fault handler.
type EngineDriver struct {
	engine IConsensusEngine
	faults IFaultHandler

	state  atomic.Int32
	doneCh chan struct{}

	pollLatency gometrics.Timer
}

// NewEngineDriver wraps the given engine in a driver. The driver is in the
// Created state until Start is called.
func NewEngineDriver(engine IConsensusEngine, faults IFaultHandler) *EngineDriver {
	return &EngineDriver{
		engine:      engine,
		faults:      faults,
		doneCh:      make(chan struct{}),
		pollLatency: gometrics.GetOrRegisterTimer("driver.poll.latency", nil),
	}
}

// State returns the driver's current lifecycle state
func (d *EngineDriver) State() DriverState {
	return DriverState(d.state.Load())
}

// Start launches the poll goroutine. Callers invoke Start exactly once;
// a second call has no effect beyond a logged error.
func (d *EngineDriver) Start() {
	if !d.state.CompareAndSwap(int32(DriverCreated), int32(DriverRunning)) {
		driverLog.Errorf("engine driver started twice (state %s)", d.State())
		return
	}
	go d.run()
}

// run is the poll loop. It runs on the dedicated driver goroutine until the
// driver leaves the Running state or the engine fails.
func (d *EngineDriver) run() {
	defer close(d.doneCh)
	defer func() {
		if r := recover(); r != nil {
			d.state.Store(int32(DriverFailed))
			mFaults.Inc()
			d.faults.HandleFault("panic in engine poll loop", fmt.Errorf("%v", r))
		}
	}()

	for d.State() == DriverRunning {
		start := time.Now()
		err := d.engine.Poll()
		d.pollLatency.UpdateSince(start)
		mPolls.Inc()

		if err != nil {
			d.state.Store(int32(DriverFailed))
			mFaults.Inc()
			d.faults.HandleFault("consensus engine poll failed", err)
			return
		}
	}

	d.state.CompareAndSwap(int32(DriverShuttingDown), int32(DriverStopped))
	driverLog.Infof("engine driver stopped (state %s)", d.State())
}

// InitiateShutdown requests the poll loop to stop and, if the loop was
// running, detaches a bounded graceful engine stop whose outcome is only
// logged. The call returns immediately; it never blocks on the engine.
func (d *EngineDriver) InitiateShutdown() {
	if !d.state.CompareAndSwap(int32(DriverRunning), int32(DriverShuttingDown)) {
		// A driver that never ran stops right here; Failed/Stopped stay as is
		if d.state.CompareAndSwap(int32(DriverCreated), int32(DriverStopped)) {
			close(d.doneCh)
		}
		return
	}

	go func() {
		fut := d.engine.Shutdown(engineShutdownTimeout)
		select {
		case <-fut.Done():
			if err := fut.Err(); err != nil {
				driverLog.Errorf("graceful engine shutdown failed: %v", err)
			} else {
				driverLog.Infof("engine shut down gracefully")
			}
		case <-time.After(engineShutdownTimeout + time.Second):
			driverLog.Errorf("graceful engine shutdown did not complete within %v", engineShutdownTimeout)
		}
	}()
}

// AwaitStopped blocks until the poll goroutine has exited or the timeout
// elapsed. Exceeding the timeout is a soft failure: the caller logs it and
// proceeds with the remaining teardown.
func (d *EngineDriver) AwaitStopped(timeout time.Duration) error {
	select {
	case <-d.doneCh:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("engine driver did not stop within %v (state %s)", timeout, d.State())
	}
}

// IsRunning is true only while the driver goroutine is alive, has not
// failed, and the engine itself reports running. External supervisors can
// detect both thread-level and engine-level death through this predicate.
func (d *EngineDriver) IsRunning() bool {
	switch d.State() {
	case DriverRunning, DriverShuttingDown:
	default:
		return false
	}

	select {
	case <-d.doneCh:
		return false
	default:
	}

	return d.engine.IsRunning()
}

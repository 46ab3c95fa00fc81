package replica

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dRaft/lib/common"
	"github.com/ValentinKolb/dRaft/lib/datadir"
	"github.com/ValentinKolb/dRaft/lib/expiry"
	"github.com/ValentinKolb/dRaft/lib/quorum"
	"github.com/ValentinKolb/dRaft/lib/raftlog"
	"github.com/ValentinKolb/dRaft/lib/scheduler"
)

// testReplicaConfig returns a valid controller-only configuration rooted in
// the given metadata directory
func testReplicaConfig(metadataDir string) common.ReplicaConfig {
	return common.ReplicaConfig{
		NodeID:             1,
		LogName:            "cluster-metadata",
		Partition:          0,
		Roles:              []string{common.RoleController},
		MetadataDir:        metadataDir,
		QuorumVoters:       map[uint64]string{1: "127.0.0.1:9200"},
		ControllerListener: "PLAINTEXT",
		HeartbeatMs:        10,
		ElectionTimeoutMs:  100,
		RequestTimeoutMs:   1000,
		LogLevel:           "error",
	}
}

// newAssembledManager builds a Manager around a fake engine and a fake
// transport with real supporting infrastructure, bypassing NewReplicaManager
// so tests can observe the injected fakes
func newAssembledManager(t *testing.T, cfg common.ReplicaConfig, engine *fakeEngine, trans *fakeTransport) *Manager {
	t.Helper()

	workDir, err := datadir.EnsureWorkingDir(cfg.MetadataDir, cfg.LogName, cfg.Partition)
	if err != nil {
		t.Fatalf("failed to create working directory: %v", err)
	}

	lock, err := datadir.AcquireDirLock(cfg.MetadataDir)
	if err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}

	sched := scheduler.NewScheduler()
	rlog, err := raftlog.NewFileLog(workDir, 0, 0, sched)
	if err != nil {
		t.Fatalf("failed to open replicated log: %v", err)
	}

	timer := expiry.NewTimer()
	faults := newFakeFaultHandler()

	return &Manager{
		cfg:       cfg,
		faults:    faults,
		workDir:   workDir,
		lock:      lock,
		sched:     sched,
		rlog:      rlog,
		transport: trans,
		timer:     timer,
		expiry:    expiry.NewService(timer),
		states:    quorum.NewStateStore(workDir),
		engine:    engine,
		driver:    NewEngineDriver(engine, faults),
	}
}

// TestManagerLifecycle tests the full construct -> Startup -> HandleRequest
// -> Shutdown sequence against the public constructor
func TestManagerLifecycle(t *testing.T) {
	cfg := testReplicaConfig(t.TempDir())

	engine := &fakeEngine{}
	factory := func(deps EngineDeps) (IConsensusEngine, error) {
		if deps.Log == nil || deps.Transport == nil || deps.Expiry == nil || deps.States == nil {
			t.Error("engine factory received incomplete dependencies")
		}
		return engine, nil
	}

	mgr, err := NewReplicaManager(cfg, factory, newFakeFaultHandler())
	if err != nil {
		t.Fatalf("NewReplicaManager failed: %v", err)
	}

	if err := mgr.Startup(); err != nil {
		t.Fatalf("Startup failed: %v", err)
	}

	// A second Startup is rejected
	if err := mgr.Startup(); err == nil {
		t.Error("second Startup should fail")
	}

	// Request handling resolves to the engine's response
	fut := mgr.HandleRequest(&common.RequestHeader{CorrelationID: 7}, []byte("ping"), time.Now().UnixMilli())
	body, err := fut.Await(2 * time.Second)
	if err != nil {
		t.Fatalf("HandleRequest future failed: %v", err)
	}
	if string(body) != "resp:ping" {
		t.Errorf("unexpected response %q", body)
	}

	// Accessors are pure reads
	if mgr.Client() != IConsensusEngine(engine) {
		t.Error("Client() should return the engine handle")
	}
	if mgr.ReplicatedLog() == nil {
		t.Error("ReplicatedLog() should not be nil")
	}
	_ = mgr.LeaderAndEpoch()

	mgr.Shutdown()

	if engine.closeCount.Load() != 1 {
		t.Errorf("engine closed %d times, want 1", engine.closeCount.Load())
	}
}

// TestManagerLockConflict tests that a second orchestrator on the same data
// directory fails fast with the lock error while the first one is unaffected
func TestManagerLockConflict(t *testing.T) {
	dir := t.TempDir()
	cfg := testReplicaConfig(dir)

	factory := func(deps EngineDeps) (IConsensusEngine, error) {
		return &fakeEngine{}, nil
	}

	first, err := NewReplicaManager(cfg, factory, newFakeFaultHandler())
	if err != nil {
		t.Fatalf("first NewReplicaManager failed: %v", err)
	}

	// Second construction against the same directory must fail fast
	if _, err := NewReplicaManager(cfg, factory, newFakeFaultHandler()); !errors.Is(err, datadir.ErrDirectoryLocked) {
		t.Errorf("expected ErrDirectoryLocked, got: %v", err)
	}

	// The first manager still works
	if err := first.Startup(); err != nil {
		t.Fatalf("first manager Startup failed after lock conflict: %v", err)
	}
	first.Shutdown()

	// After shutdown released the lock, construction succeeds again
	third, err := NewReplicaManager(cfg, factory, newFakeFaultHandler())
	if err != nil {
		t.Fatalf("construction after shutdown failed: %v", err)
	}
	third.Shutdown()
}

// TestManagerShutdownBestEffort tests that every teardown step is attempted
// exactly once even when some steps fail
func TestManagerShutdownBestEffort(t *testing.T) {
	dir := t.TempDir()
	cfg := testReplicaConfig(dir)

	engine := &fakeEngine{closeErr: errors.New("engine close failed")}
	trans := newFakeTransport()
	trans.closeErr = errors.New("transport close failed")

	mgr := newAssembledManager(t, cfg, engine, trans)
	if err := mgr.Startup(); err != nil {
		t.Fatalf("Startup failed: %v", err)
	}

	mgr.Shutdown()

	// Failing steps must not have prevented the later steps
	if engine.closeCount.Load() != 1 {
		t.Errorf("engine closed %d times, want 1", engine.closeCount.Load())
	}
	if trans.closeCount.Load() != 1 {
		t.Errorf("transport closed %d times, want 1", trans.closeCount.Load())
	}
	if _, err := mgr.rlog.Append([]byte("x")); !errors.Is(err, raftlog.ErrLogClosed) {
		t.Error("replicated log was not closed despite earlier step failures")
	}

	// The lock must have been released as the last step
	lock, err := datadir.AcquireDirLock(dir)
	if err != nil {
		t.Fatalf("lock was not released during shutdown: %v", err)
	}
	lock.Release()

	// A second shutdown is a no-op, no step runs twice
	mgr.Shutdown()
	if engine.closeCount.Load() != 1 || trans.closeCount.Load() != 1 {
		t.Error("second Shutdown re-ran teardown steps")
	}
}

// TestManagerVoterAddressUpdates tests that Startup updates routable voter
// endpoints and skips non-routable and malformed entries without error
func TestManagerVoterAddressUpdates(t *testing.T) {
	dir := t.TempDir()
	cfg := testReplicaConfig(dir)
	cfg.QuorumVoters = map[uint64]string{
		1: "10.0.0.1:9092",
		2: "0.0.0.0:9092",
		3: "malformed",
	}

	engine := &fakeEngine{}
	trans := newFakeTransport()

	mgr := newAssembledManager(t, cfg, engine, trans)
	if err := mgr.Startup(); err != nil {
		t.Fatalf("Startup failed: %v", err)
	}
	defer mgr.Shutdown()

	if trans.endpointCount() != 1 {
		t.Errorf("expected exactly 1 endpoint update, got %d", trans.endpointCount())
	}

	spec, ok := trans.endpointFor(1)
	if !ok {
		t.Fatal("voter 1 endpoint was not updated")
	}
	if spec.Host != "10.0.0.1" || spec.Port != 9092 {
		t.Errorf("voter 1 endpoint = %s, want 10.0.0.1:9092", spec)
	}

	if _, ok := trans.endpointFor(2); ok {
		t.Error("non-routable voter 2 should have been skipped")
	}
	if _, ok := trans.endpointFor(3); ok {
		t.Error("malformed voter 3 should have been skipped")
	}
}

// TestManagerHandleRequestConcurrent tests that futures resolve exactly once
// to the response of their own correlation id under concurrent calls
func TestManagerHandleRequestConcurrent(t *testing.T) {
	cfg := testReplicaConfig(t.TempDir())

	engine := &fakeEngine{}
	mgr := newAssembledManager(t, cfg, engine, newFakeTransport())
	if err := mgr.Startup(); err != nil {
		t.Fatalf("Startup failed: %v", err)
	}
	defer mgr.Shutdown()

	const n = 32
	var wg sync.WaitGroup
	errCh := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			header := &common.RequestHeader{CorrelationID: uint64(i + 1)}
			body := fmt.Sprintf("req-%d", i)

			fut := mgr.HandleRequest(header, []byte(body), time.Now().UnixMilli())
			if fut.CorrelationID() != header.CorrelationID {
				errCh <- fmt.Errorf("future keyed by %d, want %d", fut.CorrelationID(), header.CorrelationID)
				return
			}

			resp, err := fut.Await(2 * time.Second)
			if err != nil {
				errCh <- fmt.Errorf("request %d failed: %v", i, err)
				return
			}
			if string(resp) != "resp:"+body {
				errCh <- fmt.Errorf("request %d resolved to %q", i, resp)
			}
		}(i)
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Error(err)
	}
}

// TestManagerGracefulShutdownOverrun tests that a slow engine stop does not
// block the overall shutdown: every other resource is still torn down
func TestManagerGracefulShutdownOverrun(t *testing.T) {
	dir := t.TempDir()
	cfg := testReplicaConfig(dir)

	// The engine's graceful stop overruns any reasonable bound in this test
	engine := &fakeEngine{shutdownDelay: 500 * time.Millisecond}
	trans := newFakeTransport()

	mgr := newAssembledManager(t, cfg, engine, trans)
	if err := mgr.Startup(); err != nil {
		t.Fatalf("Startup failed: %v", err)
	}

	mgr.Shutdown()

	// Despite the slow engine stop, teardown of the remaining resources
	// completed
	if trans.closeCount.Load() != 1 {
		t.Error("transport was not closed")
	}
	if _, err := mgr.rlog.Append([]byte("x")); !errors.Is(err, raftlog.ErrLogClosed) {
		t.Error("replicated log was not closed")
	}
	lock, err := datadir.AcquireDirLock(dir)
	if err != nil {
		t.Fatalf("lock was not released: %v", err)
	}
	lock.Release()
}

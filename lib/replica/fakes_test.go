package replica

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dRaft/lib/common"
	"github.com/ValentinKolb/dRaft/lib/transport"
)

// --------------------------------------------------------------------------
// Fake consensus engine
// --------------------------------------------------------------------------

// fakeEngine is a controllable IConsensusEngine used by the driver and
// manager tests
type fakeEngine struct {
	// pollErrAt makes Poll return pollErr on the n-th call (1-based, 0 = never)
	pollErrAt int32
	pollErr   error
	pollPanic bool

	shutdownErr   error
	shutdownDelay time.Duration
	closeErr      error

	pollCount     atomic.Int32
	shutdownCount atomic.Int32
	closeCount    atomic.Int32
	stopped       atomic.Bool

	mu        sync.Mutex
	listeners []IEngineListener
	leader    LeaderAndEpoch
}

func (e *fakeEngine) Initialize() error { return nil }

func (e *fakeEngine) Poll() error {
	n := e.pollCount.Add(1)
	if e.pollErrAt > 0 && n >= e.pollErrAt {
		if e.pollPanic {
			panic(e.pollErr)
		}
		return e.pollErr
	}
	// Cooperative scheduling point
	time.Sleep(time.Millisecond)
	return nil
}

func (e *fakeEngine) Handle(env *common.RequestEnvelope) {
	if e.stopped.Load() {
		env.Future().Fail(common.ErrFutureTimeout)
		return
	}
	// Echo semantics: complete immediately with the request body
	env.Future().Complete(append([]byte("resp:"), env.Body...))
}

func (e *fakeEngine) Register(listener IEngineListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, listener)
}

func (e *fakeEngine) LeaderAndEpoch() LeaderAndEpoch {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader
}

func (e *fakeEngine) Shutdown(timeout time.Duration) *common.CompletionFuture {
	e.shutdownCount.Add(1)
	fut := common.NewCompletionFuture()
	go func() {
		if e.shutdownDelay > 0 {
			time.Sleep(e.shutdownDelay)
		}
		e.stopped.Store(true)
		if e.shutdownErr != nil {
			fut.Fail(e.shutdownErr)
		} else {
			fut.Complete()
		}
	}()
	return fut
}

func (e *fakeEngine) Close() error {
	e.closeCount.Add(1)
	e.stopped.Store(true)
	return e.closeErr
}

func (e *fakeEngine) IsRunning() bool {
	return !e.stopped.Load()
}

// --------------------------------------------------------------------------
// Fake fault handler
// --------------------------------------------------------------------------

// fakeFaultHandler records faults instead of terminating the process
type fakeFaultHandler struct {
	mu     sync.Mutex
	faults []string
	ch     chan struct{}
}

func newFakeFaultHandler() *fakeFaultHandler {
	return &fakeFaultHandler{ch: make(chan struct{}, 8)}
}

func (h *fakeFaultHandler) HandleFault(msg string, cause error) {
	h.mu.Lock()
	h.faults = append(h.faults, msg)
	h.mu.Unlock()
	h.ch <- struct{}{}
}

// await blocks until a fault was reported or the timeout elapsed
func (h *fakeFaultHandler) await(timeout time.Duration) bool {
	select {
	case <-h.ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (h *fakeFaultHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.faults)
}

// --------------------------------------------------------------------------
// Fake transport
// --------------------------------------------------------------------------

// fakeTransport records endpoint updates and lifecycle calls
type fakeTransport struct {
	mu        sync.Mutex
	endpoints map[uint64]transport.AddressSpec

	startErr   error
	closeErr   error
	closeCount atomic.Int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{endpoints: make(map[uint64]transport.AddressSpec)}
}

func (t *fakeTransport) UpdateEndpoint(nodeID uint64, spec transport.AddressSpec) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endpoints[nodeID] = spec
}

func (t *fakeTransport) Start() error { return t.startErr }

func (t *fakeTransport) Send(nodeID uint64, req []byte) *common.ResponseFuture {
	fut := common.NewResponseFuture(0)
	fut.Complete(nil)
	return fut
}

func (t *fakeTransport) Close() error {
	t.closeCount.Add(1)
	return t.closeErr
}

func (t *fakeTransport) endpointFor(nodeID uint64) (transport.AddressSpec, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	spec, ok := t.endpoints[nodeID]
	return spec, ok
}

func (t *fakeTransport) endpointCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.endpoints)
}

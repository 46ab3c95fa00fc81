package etcdraft

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"
	raftv3 "go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/ValentinKolb/dRaft/lib/common"
	"github.com/ValentinKolb/dRaft/lib/expiry"
	"github.com/ValentinKolb/dRaft/lib/quorum"
	"github.com/ValentinKolb/dRaft/lib/raftlog"
	"github.com/ValentinKolb/dRaft/lib/replica"
	"github.com/ValentinKolb/dRaft/lib/transport"
)

// ErrEngineStopped is returned for requests handed to an engine that is no
// longer running
var ErrEngineStopped = errors.New("consensus engine is stopped")

const (
	engineCreated int32 = iota
	engineRunning
	engineShuttingDown
	engineStopped
)

const (
	// pollIdleTimeout bounds a single Poll call when neither requests,
	// messages nor ticks arrive
	pollIdleTimeout = 100 * time.Millisecond

	// bootstrapIndex is the index of the synthetic snapshot that seeds the
	// raft storage with the configured voter set
	bootstrapIndex = 1

	maxMsgBytes = 1 << 20
)

var (
	mProposals = metrics.NewCounter("draft_engine_proposals_total")
	mCommitted = metrics.NewCounter("draft_engine_committed_entries_total")
)

// pendingRequest tracks an accepted proposal until its entry commits
type pendingRequest struct {
	fut       *common.ResponseFuture
	timeoutID uint64
}

// --------------------------------------------------------------------------
// Engine
// --------------------------------------------------------------------------

// Engine implements replica.IConsensusEngine over a raft.RawNode. All raft
// interaction happens on the poll goroutine; other goroutines only touch the
// intake queues and atomics.
type Engine struct {
	cfg    common.ReplicaConfig
	rlog   raftlog.IReplicatedLog
	trans  transport.IQuorumTransport
	expiry *expiry.Service
	states *quorum.StateStore

	storage        *raftv3.MemoryStorage
	rawNode        *raftv3.RawNode
	ticker         *time.Ticker
	voters         []uint64
	requestTimeout time.Duration

	intake  *intakeQueue[common.RequestEnvelope]
	inbound *intakeQueue[raftpb.Message]
	pending *xsync.MapOf[uint64, pendingRequest]

	listenerMu sync.Mutex
	listeners  []replica.IEngineListener

	leader atomic.Pointer[replica.LeaderAndEpoch]
	state  atomic.Int32
}

// NewEngine creates the engine bound to the replica's resources. The raft
// state machine is only built in Initialize.
func NewEngine(deps replica.EngineDeps) (*Engine, error) {
	voters := make([]uint64, 0, len(deps.Config.QuorumVoters))
	for id := range deps.Config.QuorumVoters {
		voters = append(voters, id)
	}
	sort.Slice(voters, func(i, j int) bool { return voters[i] < voters[j] })

	e := &Engine{
		cfg:            deps.Config,
		rlog:           deps.Log,
		trans:          deps.Transport,
		expiry:         deps.Expiry,
		states:         deps.States,
		voters:         voters,
		requestTimeout: time.Duration(deps.Config.RequestTimeoutMs) * time.Millisecond,
		intake:         newIntakeQueue[common.RequestEnvelope](),
		inbound:        newIntakeQueue[raftpb.Message](),
		pending:        xsync.NewMapOf[uint64, pendingRequest](),
	}
	e.leader.Store(&replica.LeaderAndEpoch{})

	return e, nil
}

// NewEngineFactory returns a replica.EngineFactory producing this engine
func NewEngineFactory() replica.EngineFactory {
	return func(deps replica.EngineDeps) (replica.IConsensusEngine, error) {
		return NewEngine(deps)
	}
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Initialize restores the raft storage from the quorum-state file and the
// replicated log and builds the RawNode
func (e *Engine) Initialize() error {
	if !e.state.CompareAndSwap(engineCreated, engineRunning) {
		return fmt.Errorf("engine for node %d is already initialized", e.cfg.NodeID)
	}

	persisted, err := e.states.Load()
	if err != nil {
		return fmt.Errorf("failed to load quorum state: %w", err)
	}

	e.storage = raftv3.NewMemoryStorage()

	// the synthetic snapshot seeds the membership so a fresh replica knows
	// its voter set without a joint bootstrap round
	snap := raftpb.Snapshot{
		Metadata: raftpb.SnapshotMetadata{
			Index:     bootstrapIndex,
			Term:      1,
			ConfState: raftpb.ConfState{Voters: e.voters},
		},
	}
	if err := e.storage.ApplySnapshot(snap); err != nil {
		return fmt.Errorf("failed to apply bootstrap snapshot: %w", err)
	}

	if persisted.Epoch > 0 {
		hs := raftpb.HardState{
			Term:   persisted.Epoch,
			Vote:   persisted.VotedID,
			Commit: bootstrapIndex,
		}
		if err := e.storage.SetHardState(hs); err != nil {
			return fmt.Errorf("failed to restore hard state: %w", err)
		}
	}

	if err := e.replayLog(); err != nil {
		return err
	}

	heartbeat := time.Duration(e.cfg.HeartbeatMs) * time.Millisecond
	electionTicks := int(e.cfg.ElectionTimeoutMs / e.cfg.HeartbeatMs)
	if electionTicks < 2 {
		electionTicks = 2
	}

	rc := &raftv3.Config{
		ID:              e.cfg.NodeID,
		ElectionTick:    electionTicks,
		HeartbeatTick:   1,
		Storage:         e.storage,
		MaxSizePerMsg:   maxMsgBytes,
		MaxInflightMsgs: 64,
		CheckQuorum:     true,
		PreVote:         true,
		Logger:          raftLogger{l: log},
	}

	rn, err := raftv3.NewRawNode(rc)
	if err != nil {
		return fmt.Errorf("failed to create raft node: %w", err)
	}
	e.rawNode = rn
	e.ticker = time.NewTicker(heartbeat)

	log.Infof("engine initialized (node %d, epoch %d, voters %v, log offset %d)",
		e.cfg.NodeID, persisted.Epoch, e.voters, e.rlog.LastOffset())
	return nil
}

// replayLog feeds the durable log records back into the raft storage
func (e *Engine) replayLog() error {
	last := e.rlog.LastOffset()
	for off := uint64(1); off <= last; off++ {
		record, err := e.rlog.Read(off)
		if err != nil {
			return fmt.Errorf("failed to replay log offset %d: %w", off, err)
		}

		var ent raftpb.Entry
		if err := ent.Unmarshal(record); err != nil {
			return fmt.Errorf("log offset %d holds a malformed entry: %w", off, err)
		}
		if ent.Index <= bootstrapIndex {
			continue
		}

		storageLast, err := e.storage.LastIndex()
		if err != nil {
			return fmt.Errorf("failed to read storage bounds: %w", err)
		}
		if ent.Index > storageLast+1 {
			log.Warningf("log offset %d skips from index %d to %d, stopping replay", off, storageLast, ent.Index)
			break
		}

		if err := e.storage.Append([]raftpb.Entry{ent}); err != nil {
			return fmt.Errorf("failed to restore entry %d: %w", ent.Index, err)
		}
	}
	return nil
}

// Poll advances the raft state machine by one bounded step. Only the engine
// driver may call this.
func (e *Engine) Poll() error {
	if e.rawNode == nil {
		return fmt.Errorf("engine is not initialized")
	}
	if e.state.Load() != engineRunning {
		// shutdown may race with an in-flight poll, treat it as a no-op
		return nil
	}

	select {
	case env, ok := <-e.intake.Recv():
		if ok && env != nil {
			e.propose(env)
		}
	case msg, ok := <-e.inbound.Recv():
		if ok && msg != nil {
			e.step(*msg)
		}
	case <-e.ticker.C:
		e.rawNode.Tick()
	case <-time.After(pollIdleTimeout):
	}

	// drain whatever queued up while we were waiting
drain:
	for {
		select {
		case env, ok := <-e.intake.Recv():
			if ok && env != nil {
				e.propose(env)
			} else {
				break drain
			}
		case msg, ok := <-e.inbound.Recv():
			if ok && msg != nil {
				e.step(*msg)
			} else {
				break drain
			}
		default:
			break drain
		}
	}

	if e.rawNode.HasReady() {
		if err := e.processReady(); err != nil {
			return err
		}
	}
	return nil
}

// Handle enqueues a request envelope for the poll goroutine
func (e *Engine) Handle(env *common.RequestEnvelope) {
	if env == nil {
		return
	}
	if e.state.Load() != engineRunning || !e.intake.Push(env) {
		env.Future().Fail(ErrEngineStopped)
	}
}

// Register adds a leader change listener
func (e *Engine) Register(listener replica.IEngineListener) {
	if listener == nil {
		return
	}
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	e.listeners = append(e.listeners, listener)
}

// LeaderAndEpoch returns the engine's current leader view
func (e *Engine) LeaderAndEpoch() replica.LeaderAndEpoch {
	p := e.leader.Load()
	if p == nil {
		return replica.LeaderAndEpoch{}
	}
	return *p
}

// IsRunning reports whether the engine accepts requests
func (e *Engine) IsRunning() bool {
	return e.state.Load() == engineRunning
}

// Shutdown requests a graceful stop bounded by the given timeout
func (e *Engine) Shutdown(timeout time.Duration) *common.CompletionFuture {
	fut := common.NewCompletionFuture()

	if !e.state.CompareAndSwap(engineRunning, engineShuttingDown) {
		fut.Complete()
		return fut
	}

	go func() {
		done := make(chan struct{})
		go func() {
			defer close(done)
			e.drainQueues()
			e.failPending(ErrEngineStopped)
			if err := e.rlog.Flush(); err != nil && !errors.Is(err, raftlog.ErrLogClosed) {
				log.Warningf("failed to flush log during engine shutdown: %v", err)
			}
		}()

		select {
		case <-done:
			e.state.Store(engineStopped)
			fut.Complete()
		case <-time.After(timeout):
			fut.Fail(fmt.Errorf("engine shutdown did not complete within %v", timeout))
		}
	}()

	return fut
}

// Close releases the engine's resources. Idempotent.
func (e *Engine) Close() error {
	if e.state.Swap(engineStopped) == engineStopped {
		return nil
	}
	if e.ticker != nil {
		e.ticker.Stop()
	}
	e.drainQueues()
	e.failPending(ErrEngineStopped)
	return nil
}

// drainQueues closes both intake queues and drains their leftovers so the
// queue consumers terminate. Envelopes that never reached the raft node have
// their futures failed here.
func (e *Engine) drainQueues() {
	e.intake.Close()
	e.inbound.Close()
	for env := range e.intake.Recv() {
		if env != nil {
			env.Future().Fail(ErrEngineStopped)
		}
	}
	for range e.inbound.Recv() {
	}
}

// --------------------------------------------------------------------------
// Raft plumbing (poll goroutine only)
// --------------------------------------------------------------------------

// propose frames an envelope as a raft entry and tracks its future until the
// entry commits or the request timeout fires
func (e *Engine) propose(env *common.RequestEnvelope) {
	fut := env.Future()

	data := make([]byte, 8+len(env.Body))
	binary.BigEndian.PutUint64(data[:8], env.CorrelationID)
	copy(data[8:], env.Body)

	timeoutID := e.expiry.FailAfter(fut, e.requestTimeout)
	e.pending.Store(env.CorrelationID, pendingRequest{fut: fut, timeoutID: timeoutID})

	if err := e.rawNode.Propose(data); err != nil {
		e.pending.Delete(env.CorrelationID)
		e.expiry.Cancel(timeoutID)
		fut.Fail(fmt.Errorf("proposal rejected: %w", err))
		return
	}
	mProposals.Inc()
}

// step feeds a peer message into the raft state machine
func (e *Engine) step(msg raftpb.Message) {
	if err := e.rawNode.Step(msg); err != nil {
		log.Warningf("dropped %s message from voter %d: %v", msg.Type, msg.From, err)
	}
}

// processReady handles one Ready batch: persist, replicate, send, apply
func (e *Engine) processReady() error {
	rd := e.rawNode.Ready()

	if !raftv3.IsEmptyHardState(rd.HardState) {
		if err := e.persistHardState(rd.HardState); err != nil {
			return err
		}
	}

	if len(rd.Entries) > 0 {
		if err := e.storage.Append(rd.Entries); err != nil {
			return fmt.Errorf("failed to append entries to raft storage: %w", err)
		}
		for _, ent := range rd.Entries {
			record, err := ent.Marshal()
			if err != nil {
				return fmt.Errorf("failed to marshal entry %d: %w", ent.Index, err)
			}
			if _, err := e.rlog.Append(record); err != nil {
				return fmt.Errorf("failed to append entry %d to log: %w", ent.Index, err)
			}
		}
	}

	for _, msg := range rd.Messages {
		e.sendMessage(msg)
	}

	for _, ent := range rd.CommittedEntries {
		e.applyEntry(ent)
	}

	e.rawNode.Advance(rd)
	e.refreshLeader()
	return nil
}

// persistHardState writes term and vote to the quorum-state file
func (e *Engine) persistHardState(hs raftpb.HardState) error {
	if err := e.storage.SetHardState(hs); err != nil {
		return fmt.Errorf("failed to store hard state: %w", err)
	}
	state := quorum.State{
		Epoch:   hs.Term,
		VotedID: hs.Vote,
		Voters:  e.voters,
	}
	if err := e.states.Save(state); err != nil {
		return fmt.Errorf("failed to persist quorum state: %w", err)
	}
	return nil
}

// sendMessage hands an outbound raft message to the transport. Responses
// from the peer are unmarshalled and fed back via the inbound queue.
func (e *Engine) sendMessage(msg raftpb.Message) {
	data, err := msg.Marshal()
	if err != nil {
		log.Errorf("failed to marshal %s message for voter %d: %v", msg.Type, msg.To, err)
		return
	}

	fut := e.trans.Send(msg.To, data)
	go func() {
		<-fut.Done()
		body, err := fut.Result()
		if err != nil {
			log.Debugf("message to voter %d failed: %v", msg.To, err)
			return
		}
		if len(body) == 0 {
			return
		}
		var resp raftpb.Message
		if err := resp.Unmarshal(body); err != nil {
			log.Warningf("malformed response from voter %d: %v", msg.To, err)
			return
		}
		e.inbound.Push(&resp)
	}()
}

// applyEntry completes the future of a committed proposal
func (e *Engine) applyEntry(ent raftpb.Entry) {
	switch ent.Type {
	case raftpb.EntryConfChange:
		var cc raftpb.ConfChange
		if err := cc.Unmarshal(ent.Data); err != nil {
			log.Warningf("malformed conf change at index %d: %v", ent.Index, err)
			return
		}
		e.rawNode.ApplyConfChange(cc)

	case raftpb.EntryNormal:
		if len(ent.Data) < 8 {
			return
		}
		mCommitted.Inc()
		corr := binary.BigEndian.Uint64(ent.Data[:8])
		if p, ok := e.pending.LoadAndDelete(corr); ok {
			e.expiry.Cancel(p.timeoutID)
			p.fut.Complete(ent.Data[8:])
		}
	}
}

// refreshLeader publishes the leader view and notifies listeners on change
func (e *Engine) refreshLeader() {
	st := e.rawNode.BasicStatus()
	cur := replica.LeaderAndEpoch{LeaderID: st.Lead, Epoch: st.Term}

	prev := e.leader.Load()
	if prev != nil && *prev == cur {
		return
	}
	e.leader.Store(&cur)

	e.listenerMu.Lock()
	listeners := append([]replica.IEngineListener(nil), e.listeners...)
	e.listenerMu.Unlock()

	log.Infof("leader changed to node %d (epoch %d)", cur.LeaderID, cur.Epoch)
	for _, l := range listeners {
		l.OnLeaderChange(cur)
	}
}

// failPending fails every in-flight request future
func (e *Engine) failPending(cause error) {
	e.pending.Range(func(corr uint64, _ pendingRequest) bool {
		if p, ok := e.pending.LoadAndDelete(corr); ok {
			e.expiry.Cancel(p.timeoutID)
			p.fut.Fail(cause)
		}
		return true
	})
}

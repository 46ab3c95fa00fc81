package quorum

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("quorum")

const (
	// StateFileName is the fixed name of the state file inside the working
	// directory
	StateFileName = "quorum-state"

	// stateVersion is the current on-disk format version
	stateVersion = 1

	filePermissions = 0o644
)

// --------------------------------------------------------------------------
// State
// --------------------------------------------------------------------------

// State is the persisted term/vote bookkeeping of the consensus engine
type State struct {
	Version   int      `json:"version"`
	Epoch     uint64   `json:"epoch"`
	VotedID   uint64   `json:"voted_id"`
	Voters    []uint64 `json:"voters"`
	UpdatedMs int64    `json:"updated_ms"`
}

// --------------------------------------------------------------------------
// State Store
// --------------------------------------------------------------------------

// StateStore reads and writes the quorum-state file of one replica
type StateStore struct {
	mu   sync.Mutex
	path string
}

// NewStateStore creates a store for the quorum-state file inside the given
// working directory
func NewStateStore(workDir string) *StateStore {
	return &StateStore{path: filepath.Join(workDir, StateFileName)}
}

// Path returns the path of the underlying state file
func (s *StateStore) Path() string {
	return s.path
}

// Load reads the persisted state. An absent file yields the zero state:
// a fresh replica has epoch 0 and has not voted.
func (s *StateStore) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return State{Version: stateVersion}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("failed to read quorum state from %s: %w", s.path, err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("quorum state file %s is malformed: %w", s.path, err)
	}
	if state.Version > stateVersion {
		return State{}, fmt.Errorf("quorum state file %s has unsupported version %d", s.path, state.Version)
	}

	return state, nil
}

// Save atomically persists the given state via temp file and rename
func (s *StateStore) Save(state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state.Version = stateVersion
	state.UpdatedMs = time.Now().UnixMilli()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal quorum state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, filePermissions); err != nil {
		return fmt.Errorf("failed to write quorum state to %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace quorum state file %s: %w", s.path, err)
	}

	log.Debugf("persisted quorum state (epoch %d, voted %d)", state.Epoch, state.VotedID)
	return nil
}

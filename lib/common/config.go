package common

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// --------------------------------------------------------------------------
// Process roles
// --------------------------------------------------------------------------

const (
	// RoleServer marks a process that serves application traffic
	RoleServer = "server"
	// RoleController marks a process that participates in the metadata quorum
	RoleController = "controller"
)

// --------------------------------------------------------------------------
// Security protocols
// --------------------------------------------------------------------------

const (
	SecurityPlaintext     = "PLAINTEXT"
	SecuritySSL           = "SSL"
	SecuritySASLPlaintext = "SASL_PLAINTEXT"
	SecuritySASLSSL       = "SASL_SSL"
)

// KnownSecurityProtocol returns true if the given name is a supported
// security protocol identifier
func KnownSecurityProtocol(name string) bool {
	switch name {
	case SecurityPlaintext, SecuritySSL, SecuritySASLPlaintext, SecuritySASLSSL:
		return true
	default:
		return false
	}
}

// --------------------------------------------------------------------------
// Replica configuration struct
// --------------------------------------------------------------------------

// ReplicaConfig holds all configuration parameters for a single replica of
// the metadata quorum.
type ReplicaConfig struct {
	// Replica identity
	NodeID    uint64
	LogName   string
	Partition uint32

	// Process topology
	Roles       []string
	MetadataDir string
	LogDirs     []string

	// Quorum membership: node id -> "host:port" address spec
	QuorumVoters map[uint64]string

	// Controller listener settings
	ControllerListener  string
	ListenerSecurityMap map[string]string

	// Consensus engine timing
	HeartbeatMs       uint64
	ElectionTimeoutMs uint64
	RequestTimeoutMs  uint64

	// Replicated log parameters
	SegmentBytes    uint64
	FlushIntervalMs uint64

	// Logging configuration
	LogLevel string
}

// --------------------------------------------------------------------------
// Validation and derived properties
// --------------------------------------------------------------------------

// Validate checks the configuration for missing or inconsistent values.
// It is called before any resource is constructed, so construction can
// fail fast with a descriptive error.
func (c *ReplicaConfig) Validate() error {
	if c.NodeID == 0 {
		return fmt.Errorf("node id must be set (got 0)")
	}
	if c.LogName == "" {
		return fmt.Errorf("log name must not be empty")
	}
	if c.MetadataDir == "" {
		return fmt.Errorf("metadata directory must not be empty")
	}
	if len(c.QuorumVoters) == 0 {
		return fmt.Errorf("quorum voters must not be empty")
	}
	if _, ok := c.QuorumVoters[c.NodeID]; !ok {
		return fmt.Errorf("node id %d is not part of the quorum voter set", c.NodeID)
	}
	if c.ControllerListener == "" {
		return fmt.Errorf("controller listener must not be empty")
	}
	if c.HeartbeatMs == 0 || c.ElectionTimeoutMs == 0 {
		return fmt.Errorf("heartbeat and election timeout must be > 0")
	}
	if c.ElectionTimeoutMs <= c.HeartbeatMs {
		return fmt.Errorf("election timeout (%d ms) must be larger than heartbeat (%d ms)",
			c.ElectionTimeoutMs, c.HeartbeatMs)
	}
	for _, role := range c.Roles {
		if role != RoleServer && role != RoleController {
			return fmt.Errorf("invalid role %q (expected one of: %s, %s)", role, RoleServer, RoleController)
		}
	}
	return nil
}

// RequiresDirLock decides whether the metadata directory must be protected
// with an exclusive file lock. A lock is required when the metadata directory
// differs from all other configured data directories, or when the process's
// only role is the controller role. Both conditions are checked independently;
// either one alone makes the lock mandatory.
func (c *ReplicaConfig) RequiresDirLock() bool {
	distinct := true
	for _, dir := range c.LogDirs {
		if dir == c.MetadataDir {
			distinct = false
			break
		}
	}

	controllerOnly := len(c.Roles) == 1 && c.Roles[0] == RoleController

	return distinct || controllerOnly
}

// HasRole returns true if the given role is part of the configured role set
func (c *ReplicaConfig) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// --------------------------------------------------------------------------
// Pretty printing
// --------------------------------------------------------------------------

// String returns a formatted string representation of the configuration
func (c *ReplicaConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// Replica identity
	addSection("Replica Identity")
	addField("Node ID", strconv.FormatUint(c.NodeID, 10))
	addField("Log Name", c.LogName)
	addField("Partition", strconv.FormatUint(uint64(c.Partition), 10))
	addField("Roles", strings.Join(c.Roles, ","))

	// Storage
	addSection("Storage")
	addField("Metadata Directory", c.MetadataDir)
	addField("Log Directories", strings.Join(c.LogDirs, ","))
	addField("Directory Lock", fmt.Sprintf("%t", c.RequiresDirLock()))
	addField("Segment Size", fmt.Sprintf("%d bytes", c.SegmentBytes))
	addField("Flush Interval", fmt.Sprintf("%d ms", c.FlushIntervalMs))

	// Networking
	addSection("Networking")
	addField("Controller Listener", c.ControllerListener)
	for listener, protocol := range c.ListenerSecurityMap {
		addField("Security "+listener, protocol)
	}

	// Consensus timing
	addSection("Consensus Timing")
	addField("Heartbeat", fmt.Sprintf("%d ms", c.HeartbeatMs))
	addField("Election Timeout", fmt.Sprintf("%d ms", c.ElectionTimeoutMs))
	addField("Request Timeout", fmt.Sprintf("%d ms", c.RequestTimeoutMs))

	// Quorum membership
	addSection("Quorum Voters")

	// Sort keys for consistent output
	var keys []uint64
	for k := range c.QuorumVoters {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	for _, k := range keys {
		sb.WriteString(fmt.Sprintf("    Node %d: %s\n", k, c.QuorumVoters[k]))
	}

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}

package util

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ValentinKolb/dRaft/lib/common"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		// Add the word
		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	// Add any remaining text
	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// InitEnvConfig initializes configuration from .env files and environment
// variables. The format of the environment variables is DRAFT_<flag>
// (e.g. DRAFT_NODE_ID=1).
func InitEnvConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("draft")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// SetupReplicaFlags adds the replica configuration flags shared by commands
// that need to locate or run a replica
func SetupReplicaFlags(cmd *cobra.Command) {
	key := "node-id"
	cmd.PersistentFlags().Uint64(key, 0, WrapString("Unique numeric id of this replica within the quorum (required)"))

	key = "log-name"
	cmd.PersistentFlags().String(key, "metadata", WrapString("Name of the replicated log this replica serves"))

	key = "partition"
	cmd.PersistentFlags().Uint32(key, 0, WrapString("Partition number of the replicated log"))

	key = "roles"
	cmd.PersistentFlags().String(key, "controller", WrapString("Comma-separated process roles (server, controller)"))

	key = "metadata-dir"
	cmd.PersistentFlags().String(key, "data", WrapString("Directory holding the replica's working directory"))

	key = "log-dirs"
	cmd.PersistentFlags().String(key, "", WrapString("Comma-separated list of general log directories of the process"))

	key = "quorum-voters"
	cmd.PersistentFlags().String(key, "", WrapString("Comma-separated quorum voter set in the format 'ID=host:port,...' (required)"))

	key = "controller-listener"
	cmd.PersistentFlags().String(key, "PLAINTEXT", WrapString("Name of the listener used for quorum traffic"))

	key = "listener-security"
	cmd.PersistentFlags().String(key, "", WrapString("Comma-separated listener security map in the format 'LISTENER=PROTOCOL,...'"))

	key = "heartbeat-ms"
	cmd.PersistentFlags().Uint64(key, 100, WrapString("Heartbeat interval of the consensus engine in milliseconds"))

	key = "election-timeout-ms"
	cmd.PersistentFlags().Uint64(key, 1000, WrapString("Election timeout of the consensus engine in milliseconds"))

	key = "request-timeout-ms"
	cmd.PersistentFlags().Uint64(key, 2000, WrapString("Timeout for in-flight quorum requests in milliseconds"))

	key = "segment-bytes"
	cmd.PersistentFlags().Uint64(key, 64*1024*1024, WrapString("Maximum size of a single log segment file in bytes"))

	key = "flush-interval-ms"
	cmd.PersistentFlags().Uint64(key, 100, WrapString("Interval of the periodic log flush in milliseconds"))

	key = "log-level"
	cmd.PersistentFlags().String(key, "info", WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// GetReplicaConfig reads the replica configuration from viper
func GetReplicaConfig() (common.ReplicaConfig, error) {
	cfg := common.ReplicaConfig{
		NodeID:             viper.GetUint64("node-id"),
		LogName:            viper.GetString("log-name"),
		Partition:          viper.GetUint32("partition"),
		MetadataDir:        viper.GetString("metadata-dir"),
		ControllerListener: viper.GetString("controller-listener"),
		HeartbeatMs:        viper.GetUint64("heartbeat-ms"),
		ElectionTimeoutMs:  viper.GetUint64("election-timeout-ms"),
		RequestTimeoutMs:   viper.GetUint64("request-timeout-ms"),
		SegmentBytes:       viper.GetUint64("segment-bytes"),
		FlushIntervalMs:    viper.GetUint64("flush-interval-ms"),
		LogLevel:           viper.GetString("log-level"),
	}

	// parse roles
	for _, role := range strings.Split(viper.GetString("roles"), ",") {
		role = strings.TrimSpace(role)
		if role != "" {
			cfg.Roles = append(cfg.Roles, role)
		}
	}

	// parse log dirs
	if dirs := viper.GetString("log-dirs"); dirs != "" {
		for _, dir := range strings.Split(dirs, ",") {
			dir = strings.TrimSpace(dir)
			if dir != "" {
				cfg.LogDirs = append(cfg.LogDirs, dir)
			}
		}
	}

	// parse quorum voters
	if voters := viper.GetString("quorum-voters"); voters != "" {
		cfg.QuorumVoters = make(map[uint64]string)
		for _, voter := range strings.Split(voters, ",") {
			parts := strings.SplitN(voter, "=", 2)
			if len(parts) != 2 {
				return cfg, fmt.Errorf("invalid quorum voter format: %s (expected ID=host:port)", voter)
			}
			id, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 64)
			if err != nil {
				return cfg, fmt.Errorf("invalid voter id %s: %v", parts[0], err)
			}
			cfg.QuorumVoters[id] = strings.TrimSpace(parts[1])
		}
	}

	// parse listener security map
	if listeners := viper.GetString("listener-security"); listeners != "" {
		cfg.ListenerSecurityMap = make(map[string]string)
		for _, entry := range strings.Split(listeners, ",") {
			parts := strings.SplitN(entry, "=", 2)
			if len(parts) != 2 {
				return cfg, fmt.Errorf("invalid listener security format: %s (expected LISTENER=PROTOCOL)", entry)
			}
			cfg.ListenerSecurityMap[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}

	return cfg, nil
}

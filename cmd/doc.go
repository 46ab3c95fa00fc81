// Package cmd implements the command-line interface for the dRaft replica.
// It provides a hierarchical command structure with operations for running a
// replica and inspecting its on-disk state.
//
// The package is organized into several subpackages:
//
//   - serve: Commands for starting and configuring a replica
//   - quorum: Commands for inspecting the persisted quorum state and the
//     working directory lock of a stopped replica
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See draft -help for a list of all commands.
package cmd

// Package datadir manages the on-disk working directory of a replica and the
// exclusive lock protecting a data directory against concurrent use.
//
// The package focuses on:
//   - Resolving and creating the replica's working directory, whose name is a
//     deterministic function of the replicated log's name and partition
//     (e.g. "cluster-metadata-0")
//   - Acquiring a process-wide, non-blocking file lock inside a data
//     directory. Acquisition either succeeds immediately or fails immediately
//     with ErrDirectoryLocked; there is no retry or wait-for-lock behavior.
//
// The lock is implemented with github.com/gofrs/flock on a fixed-name lock
// file in the directory root. A caller must treat a failed acquisition as an
// unrecoverable startup failure: another process (or another replica role in
// the same process) already owns the directory. The lock is only ever
// released during orchestrated shutdown, after the replicated log and the
// consensus engine have released the directory's contents.
package datadir

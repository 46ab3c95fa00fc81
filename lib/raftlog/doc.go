// Package raftlog provides the durable replicated log the consensus engine
// appends to and reads from.
//
// Records are stored in segment files ("segment-<n>.log") inside the
// replica's working directory. Each record is framed as:
//
//	8 bytes  xxhash64 checksum of the payload (big endian)
//	4 bytes  payload length (big endian)
//	N bytes  payload
//
// Features and Guarantees:
//
//   - Append returns a monotonically increasing offset (1-based); offsets
//     are stable across restarts
//   - Read verifies the checksum of every record and fails with
//     ErrCorruptRecord on mismatch
//   - Segments rotate once the active segment exceeds the configured size
//   - On open, existing segments are scanned in order to rebuild the offset
//     index; a torn or corrupt tail record truncates the recovery at that
//     point instead of failing the open
//   - A background flush task on the shared scheduler syncs the active
//     segment periodically; Flush can also be called explicitly
//
// Segment retention and compaction internals are out of scope at this
// boundary; the log only grows and rotates.
package raftlog

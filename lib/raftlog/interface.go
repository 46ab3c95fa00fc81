package raftlog

import "errors"

var (
	// ErrCorruptRecord is returned when a record's checksum does not match
	// its payload
	ErrCorruptRecord = errors.New("record checksum mismatch")

	// ErrOffsetOutOfRange is returned when reading an offset that was never
	// appended
	ErrOffsetOutOfRange = errors.New("offset out of range")

	// ErrLogClosed is returned for operations on a closed log
	ErrLogClosed = errors.New("replicated log is closed")
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// IReplicatedLog is the interface of the durable log owned by the replica
// manager and used by the consensus engine
type IReplicatedLog interface {
	// Append durably stores a record and returns its offset (1-based)
	Append(record []byte) (offset uint64, err error)

	// Read returns the record at the given offset, verifying its checksum
	Read(offset uint64) ([]byte, error)

	// LastOffset returns the offset of the most recently appended record,
	// or 0 if the log is empty
	LastOffset() uint64

	// Flush syncs the active segment to stable storage
	Flush() error

	// Close flushes and closes all segment files
	Close() error
}

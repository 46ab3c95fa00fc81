package raftlog

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ValentinKolb/dRaft/lib/scheduler"
	"github.com/VictoriaMetrics/metrics"
	"github.com/cespare/xxhash/v2"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("raftlog")

const (
	recordHeaderSize = 12

	segmentPrefix = "segment-"
	segmentSuffix = ".log"

	defaultSegmentBytes = 64 * 1024 * 1024

	filePermissions = 0o644
)

var mAppends = metrics.GetOrCreateCounter(`draft_raftlog_appends_total`)

// --------------------------------------------------------------------------
// Implementation
// --------------------------------------------------------------------------

// recordRef locates a record inside a segment file
type recordRef struct {
	segment int
	pos     int64
	size    uint32
}

// fileLog implements IReplicatedLog with xxhash-checksummed records in
// rotating segment files
type fileLog struct {
	dir          string
	segmentBytes uint64

	mu         sync.RWMutex
	index      []recordRef
	segments   map[int]*os.File
	active     int
	activeSize int64
	closed     bool
}

// NewFileLog opens (or creates) the replicated log in the given working
// directory. Existing segments are scanned to rebuild the offset index; a
// torn or corrupt tail truncates the recovery at that point. If a scheduler
// and flush interval are given, a periodic flush task is registered.
func NewFileLog(dir string, segmentBytes uint64, flushInterval time.Duration, sched scheduler.IScheduler) (IReplicatedLog, error) {
	if segmentBytes == 0 {
		segmentBytes = defaultSegmentBytes
	}

	l := &fileLog{
		dir:          dir,
		segmentBytes: segmentBytes,
		segments:     make(map[int]*os.File),
	}

	if err := l.recover(); err != nil {
		return nil, err
	}

	if sched != nil && flushInterval > 0 {
		if err := sched.Schedule("raftlog-flush", flushInterval, func() {
			if err := l.Flush(); err != nil && err != ErrLogClosed {
				log.Errorf("background flush failed: %v", err)
			}
		}); err != nil {
			return nil, err
		}
	}

	log.Infof("opened replicated log in %s (%d records, active segment %d)",
		dir, len(l.index), l.active)
	return l, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see IReplicatedLog)
// --------------------------------------------------------------------------

func (l *fileLog) Append(record []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrLogClosed
	}

	frame := make([]byte, recordHeaderSize+len(record))
	binary.BigEndian.PutUint64(frame[:8], xxhash.Sum64(record))
	binary.BigEndian.PutUint32(frame[8:12], uint32(len(record)))
	copy(frame[recordHeaderSize:], record)

	file := l.segments[l.active]
	pos := l.activeSize
	if _, err := file.WriteAt(frame, pos); err != nil {
		return 0, fmt.Errorf("failed to append record: %w", err)
	}

	l.index = append(l.index, recordRef{
		segment: l.active,
		pos:     pos,
		size:    uint32(len(record)),
	})
	l.activeSize += int64(len(frame))
	mAppends.Inc()

	if uint64(l.activeSize) >= l.segmentBytes {
		if err := l.rotate(); err != nil {
			return 0, err
		}
	}

	return uint64(len(l.index)), nil
}

func (l *fileLog) Read(offset uint64) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, ErrLogClosed
	}
	if offset == 0 || offset > uint64(len(l.index)) {
		return nil, fmt.Errorf("offset %d: %w", offset, ErrOffsetOutOfRange)
	}

	ref := l.index[offset-1]
	file := l.segments[ref.segment]

	frame := make([]byte, recordHeaderSize+ref.size)
	if _, err := file.ReadAt(frame, ref.pos); err != nil {
		return nil, fmt.Errorf("failed to read record at offset %d: %w", offset, err)
	}

	checksum := binary.BigEndian.Uint64(frame[:8])
	payload := frame[recordHeaderSize:]
	if xxhash.Sum64(payload) != checksum {
		return nil, fmt.Errorf("offset %d: %w", offset, ErrCorruptRecord)
	}

	return payload, nil
}

func (l *fileLog) LastOffset() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.index))
}

func (l *fileLog) Flush() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return ErrLogClosed
	}
	return l.segments[l.active].Sync()
}

func (l *fileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	var firstErr error
	for n, file := range l.segments {
		if n == l.active {
			if err := file.Sync(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// segmentPath returns the file path of segment n
func (l *fileLog) segmentPath(n int) string {
	return filepath.Join(l.dir, fmt.Sprintf("%s%d%s", segmentPrefix, n, segmentSuffix))
}

// rotate syncs the active segment and opens the next one.
// Caller must hold the write lock.
func (l *fileLog) rotate() error {
	if err := l.segments[l.active].Sync(); err != nil {
		return fmt.Errorf("failed to sync segment %d before rotation: %w", l.active, err)
	}

	next := l.active + 1
	file, err := os.OpenFile(l.segmentPath(next), os.O_RDWR|os.O_CREATE|os.O_TRUNC, filePermissions)
	if err != nil {
		return fmt.Errorf("failed to create segment %d: %w", next, err)
	}

	l.segments[next] = file
	l.active = next
	l.activeSize = 0

	log.Infof("rotated to segment %d", next)
	return nil
}

// recover scans existing segment files in order and rebuilds the offset
// index. Recovery stops at the first torn or corrupt record, truncating the
// affected segment at that point and deleting every later segment.
func (l *fileLog) recover() error {
	numbers, err := l.listSegments()
	if err != nil {
		return err
	}

	if len(numbers) == 0 {
		file, err := os.OpenFile(l.segmentPath(0), os.O_RDWR|os.O_CREATE, filePermissions)
		if err != nil {
			return fmt.Errorf("failed to create initial segment: %w", err)
		}
		l.segments[0] = file
		l.active = 0
		return nil
	}

	for i, n := range numbers {
		file, err := os.OpenFile(l.segmentPath(n), os.O_RDWR, filePermissions)
		if err != nil {
			return fmt.Errorf("failed to open segment %d: %w", n, err)
		}
		l.segments[n] = file
		l.active = n

		size, truncated, err := l.scanSegment(n, file)
		if err != nil {
			return err
		}
		l.activeSize = size

		if truncated {
			// Everything after a torn record is unreliable, stop recovery
			// here and delete the later segments so their stale records can
			// never re-enter the index
			if err := l.removeStaleSegments(numbers[i+1:]); err != nil {
				return err
			}
			break
		}
	}

	return nil
}

// removeStaleSegments deletes the segment files that follow a truncation
// point during recovery
func (l *fileLog) removeStaleSegments(numbers []int) error {
	for _, n := range numbers {
		path := l.segmentPath(n)
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove stale segment %d: %w", n, err)
		}
		log.Warningf("removed stale segment %d after truncation", n)
	}
	return nil
}

// scanSegment reads all frames of one segment, appending valid records to
// the index. A torn or corrupt tail is truncated away; the returned flag
// indicates whether that happened.
func (l *fileLog) scanSegment(n int, file *os.File) (int64, bool, error) {
	var pos int64
	header := make([]byte, recordHeaderSize)

	for {
		if _, err := file.ReadAt(header, pos); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				// Torn header, truncate the partial write
				return pos, l.truncateAt(n, file, pos), nil
			}
			return 0, false, fmt.Errorf("failed to scan segment %d: %w", n, err)
		}

		checksum := binary.BigEndian.Uint64(header[:8])
		length := binary.BigEndian.Uint32(header[8:12])

		payload := make([]byte, length)
		if _, err := file.ReadAt(payload, pos+recordHeaderSize); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return pos, l.truncateAt(n, file, pos), nil
			}
			return 0, false, fmt.Errorf("failed to scan segment %d: %w", n, err)
		}

		if xxhash.Sum64(payload) != checksum {
			log.Warningf("segment %d: corrupt record at position %d, truncating", n, pos)
			return pos, l.truncateAt(n, file, pos), nil
		}

		l.index = append(l.index, recordRef{segment: n, pos: pos, size: length})
		pos += int64(recordHeaderSize + length)
	}
}

// truncateAt cuts a segment at the given position, discarding the torn tail.
// Returns true if anything was actually cut.
func (l *fileLog) truncateAt(n int, file *os.File, pos int64) bool {
	info, err := file.Stat()
	if err != nil || info.Size() == pos {
		return false
	}

	log.Warningf("segment %d: truncating %d trailing bytes", n, info.Size()-pos)
	if err := file.Truncate(pos); err != nil {
		log.Errorf("segment %d: truncate failed: %v", n, err)
	}
	return true
}

// listSegments returns the numbers of all existing segment files in
// ascending order
func (l *fileLog) listSegments() ([]int, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments in %s: %w", l.dir, err)
	}

	var numbers []int
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix))
		if err != nil {
			continue
		}
		numbers = append(numbers, n)
	}

	sort.Ints(numbers)
	return numbers, nil
}

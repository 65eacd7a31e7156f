package wal

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	kvErr "github.com/sajjad-MoBe/kvs/internal/errors"
	"github.com/sajjad-MoBe/kvs/internal/shared"
)

// SyncMode determines when segment writes are synced to disk.
type SyncMode int

const (
	// SyncNone leaves flushing to the kernel
	SyncNone SyncMode = iota
	// SyncAlways fsyncs after every append
	SyncAlways
)

// ParseSyncMode converts "none" or "always" into a SyncMode
func ParseSyncMode(s string) (SyncMode, error) {
	switch s {
	case "none", "":
		return SyncNone, nil
	case "always":
		return SyncAlways, nil
	default:
		return SyncNone, fmt.Errorf("unknown sync mode %q", s)
	}
}

func (m SyncMode) String() string {
	if m == SyncAlways {
		return "always"
	}
	return "none"
}

// WALConfig contains configuration for segment management
type WALConfig struct {
	SyncMode SyncMode
	// StrictReplay turns a corrupt segment tail into a replay error
	// instead of a warning.
	StrictReplay bool
	Limits       Limits
}

// WALMetrics tracks operational metrics for the segment log
type WALMetrics struct {
	TotalEntries    int64 // Records appended by this process
	TotalSize       int64 // Bytes appended by this process
	CurrentFileSize int64 // Size of the active segment
	SegmentsCreated int64
	ReadCount       int64
	ErrorCount      int64
}

// ReplayStats summarizes one replay pass
type ReplayStats struct {
	Segments int
	Entries  int
	Bytes    int64
	// CorruptTails lists segments whose replay stopped early
	CorruptTails []*CorruptTailError
}

const segmentPrefix = "log-"

// SegmentPath returns the path of segment id inside dir
func SegmentPath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%s%d", segmentPrefix, id))
}

// ListSegments probes log-1, log-2, ... and stops at the first missing id.
func ListSegments(dir string) ([]uint64, error) {
	var ids []uint64
	for id := uint64(1); ; id++ {
		info, err := os.Stat(SegmentPath(dir, id))
		if errors.Is(err, fs.ErrNotExist) {
			return ids, nil
		}
		if err != nil {
			return nil, kvErr.Storage("stat segment", err)
		}
		if !info.Mode().IsRegular() {
			return ids, nil
		}
		ids = append(ids, id)
	}
}

// WALManager owns the segment files of one store directory. Positions never
// carry file handles; they are resolved through the readers registry.
type WALManager struct {
	config   WALConfig
	dir      string
	logger   *shared.Logger
	readers  map[uint64]*os.File
	active   *os.File
	activeID uint64
	offset   int64
	metrics  WALMetrics
	mutex    sync.Mutex
	closed   bool
}

// NewWALManager creates a manager for dir, creating the directory if needed.
// No segment is opened until the first append or replay.
func NewWALManager(dir string, config WALConfig, logger *shared.Logger) (*WALManager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, kvErr.Storage("create segment directory", err)
	}
	if logger == nil {
		logger = shared.DefaultLogger
	}

	return &WALManager{
		config:  config,
		dir:     dir,
		logger:  logger,
		readers: make(map[uint64]*os.File),
	}, nil
}

// Dir returns the segment directory
func (m *WALManager) Dir() string {
	return m.dir
}

// ActiveSegment returns the id of the segment being written, or 0.
func (m *WALManager) ActiveSegment() uint64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.activeID
}

// Append writes an entry to the end of the active segment
func (m *WALManager) Append(entry *Entry) (Position, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return Position{}, kvErr.New(kvErr.ErrorTypeInternal, "segment log is closed", nil)
	}

	data, err := Encode(entry)
	if err != nil {
		m.metrics.ErrorCount++
		return Position{}, kvErr.New(kvErr.ErrorTypeInternal, "encode command", err)
	}

	if m.active == nil {
		if err := m.createSegment(); err != nil {
			m.metrics.ErrorCount++
			return Position{}, err
		}
	}

	offset := m.offset
	n, err := m.active.WriteAt(data, offset)
	if err != nil {
		m.metrics.ErrorCount++
		// A partial write leaves garbage after offset; the next append
		// overwrites it, and replay treats it as a corrupt tail if we crash first.
		return Position{}, kvErr.Storage("append command", err)
	}
	m.offset += int64(n)

	if m.config.SyncMode == SyncAlways {
		if err := m.active.Sync(); err != nil {
			m.metrics.ErrorCount++
			return Position{}, kvErr.Storage("sync segment", err)
		}
	}

	m.metrics.TotalEntries++
	m.metrics.TotalSize += int64(n)
	m.metrics.CurrentFileSize = m.offset

	return Position{Segment: m.activeID, Offset: offset, Length: int64(n)}, nil
}

// createSegment opens log-(N+1) after the highest existing segment. It
// refuses to write when the ids on disk are not contiguous: replay stops at
// the first gap, and filling it would put new records ahead of the stale
// segments behind it.
func (m *WALManager) createSegment() error {
	highest, count, err := scanSegments(m.dir)
	if err != nil {
		return err
	}
	if uint64(count) != highest {
		return kvErr.New(kvErr.ErrorTypeCorruption,
			fmt.Sprintf("segment ids in %s have a gap below log-%d", m.dir, highest), nil)
	}

	id := highest + 1
	path := SegmentPath(m.dir, id)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return kvErr.Storage("create segment", err)
	}

	m.logger.Debug("Creating segment at %s", path)
	m.active = file
	m.activeID = id
	m.offset = 0
	m.metrics.SegmentsCreated++
	m.metrics.CurrentFileSize = 0
	// The writer handle doubles as the read handle for this segment.
	if old, ok := m.readers[id]; ok {
		old.Close()
	}
	m.readers[id] = file
	return nil
}

// scanSegments returns the highest log-N id in dir and how many log-N
// files exist.
func scanSegments(dir string) (uint64, int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0, kvErr.Storage("list segments", err)
	}

	var highest uint64
	count := 0
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || !strings.HasPrefix(name, segmentPrefix) {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimPrefix(name, segmentPrefix), 10, 64)
		if err != nil || id == 0 {
			continue
		}
		count++
		if id > highest {
			highest = id
		}
	}
	return highest, count, nil
}

// ReadAt decodes the single record at pos
func (m *WALManager) ReadAt(pos Position) (*Entry, error) {
	m.mutex.Lock()
	file, err := m.reader(pos.Segment)
	if err == nil {
		m.metrics.ReadCount++
	}
	m.mutex.Unlock()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, pos.Length)
	if _, err := file.ReadAt(buf, pos.Offset); err != nil {
		return nil, kvErr.Storage(fmt.Sprintf("read segment %d at %d", pos.Segment, pos.Offset), err)
	}

	entry, err := Decode(buf, m.config.Limits)
	if err != nil {
		return nil, kvErr.New(kvErr.ErrorTypeCorruption,
			fmt.Sprintf("decode record in segment %d at %d", pos.Segment, pos.Offset), err)
	}
	return entry, nil
}

// reader resolves a segment id to a read handle. Callers hold m.mutex.
func (m *WALManager) reader(id uint64) (*os.File, error) {
	if m.closed {
		return nil, kvErr.New(kvErr.ErrorTypeInternal, "segment log is closed", nil)
	}
	if file, ok := m.readers[id]; ok {
		return file, nil
	}
	file, err := os.Open(SegmentPath(m.dir, id))
	if err != nil {
		return nil, kvErr.Storage(fmt.Sprintf("open segment %d", id), err)
	}
	m.readers[id] = file
	return file, nil
}

// Recover replays every segment in ascending id order, calling handler for
// each decoded entry. A segment whose tail cannot be decoded stops at the
// last good record; the condition is reported in the stats.
func (m *WALManager) Recover(handler func(*Entry, Position) error) (*ReplayStats, error) {
	ids, err := ListSegments(m.dir)
	if err != nil {
		return nil, err
	}

	stats := &ReplayStats{}
	for _, id := range ids {
		m.mutex.Lock()
		file, err := m.reader(id)
		m.mutex.Unlock()
		if err != nil {
			return stats, err
		}

		tail, err := m.replaySegment(id, file, handler, stats)
		if err != nil {
			return stats, err
		}
		stats.Segments++

		if tail != nil {
			stats.CorruptTails = append(stats.CorruptTails, tail)
			m.logger.Warn("Replay of segment %d stopped at offset %d: %v", id, tail.Offset, tail.Err)
			if m.config.StrictReplay {
				return stats, kvErr.New(kvErr.ErrorTypeCorruption, "replay segment", tail)
			}
		}
	}

	return stats, nil
}

func (m *WALManager) replaySegment(id uint64, file *os.File, handler func(*Entry, Position) error, stats *ReplayStats) (*CorruptTailError, error) {
	d := newDecoder(io.NewSectionReader(file, 0, 1<<62), m.config.Limits)

	var offset int64
	for {
		entry, n, err := d.next()
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return &CorruptTailError{Segment: id, Offset: offset, Err: err}, nil
		}

		pos := Position{Segment: id, Offset: offset, Length: n}
		if err := handler(entry, pos); err != nil {
			return nil, err
		}
		offset += n
		stats.Entries++
		stats.Bytes += n
	}
}

// Sync flushes the active segment to stable storage
func (m *WALManager) Sync() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.active == nil {
		return nil
	}
	return kvErr.Storage("sync segment", m.active.Sync())
}

// Reset closes every handle and forgets the active segment. The next append
// starts a new segment; the next read reopens files from disk.
func (m *WALManager) Reset() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.reset()
}

func (m *WALManager) reset() error {
	var firstErr error
	for id, file := range m.readers {
		if err := file.Close(); err != nil && firstErr == nil {
			firstErr = kvErr.Storage(fmt.Sprintf("close segment %d", id), err)
		}
	}
	m.readers = make(map[uint64]*os.File)
	m.active = nil
	m.activeID = 0
	m.offset = 0
	m.metrics.CurrentFileSize = 0
	return firstErr
}

// GetMetrics returns the current segment log metrics
func (m *WALManager) GetMetrics() *WALMetrics {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	metrics := m.metrics
	return &metrics
}

// Close releases every segment handle
func (m *WALManager) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	return m.reset()
}

package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	kvErr "github.com/sajjad-MoBe/kvs/internal/errors"
	"github.com/sajjad-MoBe/kvs/internal/fsutil"
	"github.com/sajjad-MoBe/kvs/internal/shared"
	"github.com/sajjad-MoBe/kvs/internal/wal"
)

const (
	// StoreDirName is the hidden directory under the root that holds segments
	StoreDirName = ".kvs"
	lockFileName = ".kvs.lock"
)

// Engine is the key-value contract served over the network and the CLI
type Engine interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Remove(key string) error
}

// StorageMetrics tracks storage engine metrics
type StorageMetrics struct {
	TotalKeys       int64
	Uncompacted     int64
	ReadCount       int64
	WriteCount      int64
	DeleteCount     int64
	ErrorCount      int64
	CompactionCount int64
	LastCompaction  time.Time
}

// Store is a log-structured key-value store rooted at a directory. All
// operations are serialized by a single mutex.
type Store struct {
	root   string
	dir    string
	config Config
	logger *shared.Logger
	lock   *fsutil.FileLock
	log    *wal.WALManager

	// index is nil until the first operation replays the log
	index       map[string]wal.Position
	uncompacted int64
	lastReplay  *wal.ReplayStats

	metrics        *StorageMetrics
	lastCompaction atomic.Value // time.Time
	mutex          sync.Mutex
	closed         bool
}

var _ Engine = (*Store)(nil)

// Open prepares the store rooted at path. The log is not read until the
// first operation.
func Open(path string, config Config) (*Store, error) {
	config = config.withDefaults()
	logger := config.Logger

	root, err := filepath.Abs(path)
	if err != nil {
		return nil, kvErr.Storage("resolve store path", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, kvErr.Storage("create store root", err)
	}
	if root, err = filepath.EvalSymlinks(root); err != nil {
		return nil, kvErr.Storage("resolve store path", err)
	}

	lock, err := fsutil.Lock(filepath.Join(root, lockFileName))
	if err != nil {
		if errors.Is(err, fsutil.ErrLocked) {
			return nil, kvErr.New(kvErr.ErrorTypeInternal, "open store", err)
		}
		return nil, kvErr.Storage("lock store", err)
	}

	dir := filepath.Join(root, StoreDirName)
	if err := repairCompaction(dir, logger); err != nil {
		lock.Unlock()
		return nil, err
	}

	log, err := wal.NewWALManager(dir, config.walConfig(), logger)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	logger.Info("Opened store at %s (compaction threshold %d bytes)", dir, config.CompactionThreshold)

	return &Store{
		root:    root,
		dir:     dir,
		config:  config,
		logger:  logger,
		lock:    lock,
		log:     log,
		metrics: &StorageMetrics{},
	}, nil
}

// Dir returns the canonical segment directory
func (s *Store) Dir() string {
	return s.dir
}

// Get returns the live value for key. A missing key is not an error.
func (s *Store) Get(key string) (string, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	atomic.AddInt64(&s.metrics.ReadCount, 1)

	if err := s.ready(); err != nil {
		return "", false, s.fail(err)
	}

	pos, ok := s.index[key]
	if !ok {
		s.logger.Debug("get %q: not found", key)
		return "", false, nil
	}

	entry, err := s.log.ReadAt(pos)
	if err != nil {
		return "", false, s.fail(err)
	}
	if entry.Operation != wal.OpSet || entry.Key != key {
		return "", false, s.fail(kvErr.New(kvErr.ErrorTypeCorruption,
			fmt.Sprintf("index for %q points at a %s record for %q", key, entry.Operation, entry.Key), nil))
	}
	return entry.Value, true, nil
}

// Set stores value under key. Writing the value a key already holds is a no-op.
func (s *Store) Set(key, value string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	atomic.AddInt64(&s.metrics.WriteCount, 1)

	if err := s.validate(key, value); err != nil {
		return s.fail(err)
	}
	if err := s.ready(); err != nil {
		return s.fail(err)
	}

	if pos, ok := s.index[key]; ok {
		current, err := s.log.ReadAt(pos)
		if err != nil {
			return s.fail(err)
		}
		if current.Operation == wal.OpSet && current.Value == value {
			s.logger.Debug("set %q: value unchanged", key)
			return nil
		}
	}

	return s.writeCommand(wal.SetEntry(key, value))
}

// Remove deletes key, returning *ErrKeyNotFound if it has no live value
func (s *Store) Remove(key string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	atomic.AddInt64(&s.metrics.DeleteCount, 1)

	if err := s.validate(key, ""); err != nil {
		return s.fail(err)
	}
	if err := s.ready(); err != nil {
		return s.fail(err)
	}

	if _, ok := s.index[key]; !ok {
		return s.fail(&ErrKeyNotFound{Key: key})
	}

	return s.writeCommand(wal.RemoveEntry(key))
}

// writeCommand appends entry and applies it to the index. The index and the
// accounting only change once the record is in the log.
func (s *Store) writeCommand(entry *wal.Entry) error {
	pos, err := s.log.Append(entry)
	if err != nil {
		return s.fail(err)
	}

	s.uncompacted += applyCommand(s.index, entry, pos)
	s.publish()
	s.logger.Debug("%s %q at segment %d offset %d (%d uncompacted)",
		entry.Operation, entry.Key, pos.Segment, pos.Offset, s.uncompacted)

	if s.uncompacted > s.config.CompactionThreshold {
		if err := s.compact(); err != nil {
			return s.fail(err)
		}
	}
	return nil
}

// Compact rewrites the live data into a fresh segment regardless of the threshold
func (s *Store) Compact() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.ready(); err != nil {
		return s.fail(err)
	}
	return s.fail(s.compact())
}

// Uncompacted returns the bytes of superseded records still on disk
func (s *Store) Uncompacted() (int64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.ready(); err != nil {
		return 0, err
	}
	return s.uncompacted, nil
}

// Len returns the number of live keys
func (s *Store) Len() (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.ready(); err != nil {
		return 0, err
	}
	return len(s.index), nil
}

// LastReplay returns the statistics of the most recent log replay, or nil
// if the log has not been read yet.
func (s *Store) LastReplay() *wal.ReplayStats {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.lastReplay
}

// GetMetrics returns a snapshot of the store metrics. It never blocks on
// the store mutex.
func (s *Store) GetMetrics() *StorageMetrics {
	m := &StorageMetrics{
		TotalKeys:       atomic.LoadInt64(&s.metrics.TotalKeys),
		Uncompacted:     atomic.LoadInt64(&s.metrics.Uncompacted),
		ReadCount:       atomic.LoadInt64(&s.metrics.ReadCount),
		WriteCount:      atomic.LoadInt64(&s.metrics.WriteCount),
		DeleteCount:     atomic.LoadInt64(&s.metrics.DeleteCount),
		ErrorCount:      atomic.LoadInt64(&s.metrics.ErrorCount),
		CompactionCount: atomic.LoadInt64(&s.metrics.CompactionCount),
	}
	if t, ok := s.lastCompaction.Load().(time.Time); ok {
		m.LastCompaction = t
	}
	return m
}

// WALMetrics returns the segment log's append and read counters. Like
// GetMetrics it does not wait for the store mutex.
func (s *Store) WALMetrics() *wal.WALMetrics {
	return s.log.GetMetrics()
}

// Inspect decodes every segment with the store's configured field limits.
func (s *Store) Inspect() ([]*wal.SegmentInfo, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return nil, errStoreClosed()
	}
	return wal.Inspect(s.dir, s.config.walConfig().Limits)
}

// Close releases segment handles and the directory lock
func (s *Store) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.index = nil

	err := s.log.Close()
	if uerr := s.lock.Unlock(); uerr != nil && err == nil {
		err = kvErr.Storage("unlock store", uerr)
	}
	s.logger.Info("Closed store at %s", s.dir)
	return err
}

// ready checks the store is open and builds the index if needed. Callers
// hold s.mutex.
func (s *Store) ready() error {
	if s.closed {
		return errStoreClosed()
	}
	if s.index != nil {
		return nil
	}
	return s.buildIndex()
}

func (s *Store) publish() {
	atomic.StoreInt64(&s.metrics.TotalKeys, int64(len(s.index)))
	atomic.StoreInt64(&s.metrics.Uncompacted, s.uncompacted)
}

// fail counts err against the store unless it is nil or a missing key.
func (s *Store) fail(err error) error {
	if err != nil && !kvErr.IsNotFound(err) {
		atomic.AddInt64(&s.metrics.ErrorCount, 1)
	}
	return err
}

package storage

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slices"

	kvErr "github.com/sajjad-MoBe/kvs/internal/errors"
	"github.com/sajjad-MoBe/kvs/internal/fsutil"
	"github.com/sajjad-MoBe/kvs/internal/shared"
	"github.com/sajjad-MoBe/kvs/internal/wal"
)

const (
	newDirSuffix = ".new"
	oldDirSuffix = ".old"
)

// compact rewrites every live key into a single fresh segment and swaps it
// in for the current directory. Callers hold s.mutex and have built the index.
func (s *Store) compact() error {
	start := time.Now()
	newDir := s.dir + newDirSuffix
	oldDir := s.dir + oldDirSuffix
	before := s.uncompacted
	sizeBefore, _ := fsutil.DirSize(s.dir)

	if err := os.RemoveAll(newDir); err != nil {
		return kvErr.Storage("remove stale compaction directory", err)
	}
	if err := s.writeCompacted(newDir); err != nil {
		os.RemoveAll(newDir)
		return err
	}

	// Nothing may reference the old segments past this point.
	s.index = nil
	if err := s.log.Reset(); err != nil {
		s.logger.Warn("Closing segments before compaction swap: %v", err)
	}

	if err := os.Rename(s.dir, oldDir); err != nil {
		os.RemoveAll(newDir)
		return kvErr.Storage("move live segments aside", err)
	}
	if err := os.Rename(newDir, s.dir); err != nil {
		if rerr := os.Rename(oldDir, s.dir); rerr != nil {
			s.logger.Error("Restoring %s after failed compaction: %v", oldDir, rerr)
		}
		return kvErr.Storage("install compacted segments", err)
	}
	if err := fsutil.SyncDir(s.root); err != nil {
		return kvErr.Storage("sync store root", err)
	}
	if err := os.RemoveAll(oldDir); err != nil {
		s.logger.Warn("Removing %s after compaction: %v", oldDir, err)
	}

	if err := s.buildIndex(); err != nil {
		return err
	}

	atomic.AddInt64(&s.metrics.CompactionCount, 1)
	s.lastCompaction.Store(time.Now())
	sizeAfter, _ := fsutil.DirSize(s.dir)
	s.logger.Info("Compaction reclaimed %d bytes (%d on disk -> %d), %d keys kept, took %v",
		before, sizeBefore, sizeAfter, len(s.index), time.Since(start))
	return nil
}

// writeCompacted writes one Set per live key into dir/log-1 and makes it durable.
func (s *Store) writeCompacted(dir string) error {
	out, err := wal.NewWALManager(dir, wal.WALConfig{Limits: s.config.walConfig().Limits}, s.logger)
	if err != nil {
		return err
	}
	defer out.Close()

	keys := make([]string, 0, len(s.index))
	for key := range s.index {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	for _, key := range keys {
		entry, err := s.log.ReadAt(s.index[key])
		if err != nil {
			return err
		}
		if entry.Operation != wal.OpSet {
			return kvErr.New(kvErr.ErrorTypeCorruption,
				fmt.Sprintf("index for %q points at a %s record", key, entry.Operation), nil)
		}
		if _, err := out.Append(wal.SetEntry(key, entry.Value)); err != nil {
			return err
		}
	}

	if err := out.Sync(); err != nil {
		return err
	}
	if err := out.Close(); err != nil {
		return kvErr.Storage("close compacted segment", err)
	}
	return kvErr.Storage("sync compaction directory", fsutil.SyncDir(dir))
}

// repairCompaction finishes or undoes a compaction that was interrupted by a
// crash, based on which of dir, dir.old and dir.new exist.
func repairCompaction(dir string, logger *shared.Logger) error {
	newDir := dir + newDirSuffix
	oldDir := dir + oldDirSuffix

	live, err := fsutil.Exists(dir)
	if err != nil {
		return kvErr.Storage("stat store directory", err)
	}
	old, err := fsutil.Exists(oldDir)
	if err != nil {
		return kvErr.Storage("stat compaction backup", err)
	}

	switch {
	case !live && old:
		logger.Warn("Restoring %s from interrupted compaction", dir)
		if err := os.Rename(oldDir, dir); err != nil {
			return kvErr.Storage("restore compaction backup", err)
		}
	case live && old:
		logger.Warn("Removing leftover compaction backup %s", oldDir)
		if err := os.RemoveAll(oldDir); err != nil {
			return kvErr.Storage("remove compaction backup", err)
		}
	}

	if stale, err := fsutil.Exists(newDir); err == nil && stale {
		logger.Warn("Removing unfinished compaction output %s", newDir)
		if err := os.RemoveAll(newDir); err != nil {
			return kvErr.Storage("remove compaction output", err)
		}
	}
	return nil
}

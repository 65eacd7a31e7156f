package storage

import (
	"github.com/sajjad-MoBe/kvs/internal/wal"
)

// applyCommand applies one logged command to index and returns the number
// of bytes it made reclaimable. The same rules hold for replay and for live
// writes, so a reopened store reports the same uncompacted total.
func applyCommand(index map[string]wal.Position, entry *wal.Entry, pos wal.Position) int64 {
	var reclaimed int64
	old, existed := index[entry.Key]

	switch entry.Operation {
	case wal.OpSet:
		if existed {
			reclaimed += old.Length
		}
		index[entry.Key] = pos
	case wal.OpRemove:
		if existed {
			reclaimed += old.Length
			delete(index, entry.Key)
		}
		// a tombstone is never live
		reclaimed += pos.Length
	}
	return reclaimed
}

// buildIndex replays every segment and replaces the in-memory index.
// Callers hold s.mutex.
func (s *Store) buildIndex() error {
	index := make(map[string]wal.Position)
	var uncompacted int64

	stats, err := s.log.Recover(func(entry *wal.Entry, pos wal.Position) error {
		uncompacted += applyCommand(index, entry, pos)
		return nil
	})
	if err != nil {
		return err
	}

	s.index = index
	s.uncompacted = uncompacted
	s.lastReplay = stats
	s.publish()

	s.logger.Info("Replayed %d records from %d segments: %d keys, %d uncompacted bytes",
		stats.Entries, stats.Segments, len(index), uncompacted)
	return nil
}

package wal

import (
	"fmt"
	"io"
	"os"

	blake3 "lukechampine.com/blake3"

	kvErr "github.com/sajjad-MoBe/kvs/internal/errors"
)

// SegmentInfo describes one segment file as found on disk.
type SegmentInfo struct {
	ID      uint64
	Path    string
	Size    int64
	Sets    int
	Removes int
	// ValidBytes is the length of the decodable prefix.
	ValidBytes int64
	Tail       *CorruptTailError
	Digest     string
}

// Records returns the number of decodable records.
func (s *SegmentInfo) Records() int {
	return s.Sets + s.Removes
}

// Digest computes the BLAKE3 hash of a file and returns it as hex.
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// Inspect decodes every segment in dir without touching any index. It is
// safe to run against a directory another process is not writing to.
func Inspect(dir string, limits Limits) ([]*SegmentInfo, error) {
	ids, err := ListSegments(dir)
	if err != nil {
		return nil, err
	}

	infos := make([]*SegmentInfo, 0, len(ids))
	for _, id := range ids {
		info, err := inspectSegment(dir, id, limits)
		if err != nil {
			return infos, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func inspectSegment(dir string, id uint64, limits Limits) (*SegmentInfo, error) {
	path := SegmentPath(dir, id)
	file, err := os.Open(path)
	if err != nil {
		return nil, kvErr.Storage("open segment", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, kvErr.Storage("stat segment", err)
	}

	info := &SegmentInfo{ID: id, Path: path, Size: stat.Size()}
	d := newDecoder(file, limits)
	for {
		entry, n, err := d.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			info.Tail = &CorruptTailError{Segment: id, Offset: info.ValidBytes, Err: err}
			break
		}
		if entry.Operation == OpSet {
			info.Sets++
		} else {
			info.Removes++
		}
		info.ValidBytes += n
	}

	digest, err := Digest(path)
	if err != nil {
		return nil, kvErr.Storage("digest segment", err)
	}
	info.Digest = digest
	return info, nil
}

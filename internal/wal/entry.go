package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// Operation identifies the kind of command stored in a record
type Operation byte

const (
	OpSet    Operation = 1
	OpRemove Operation = 2
)

func (o Operation) String() string {
	switch o {
	case OpSet:
		return "SET"
	case OpRemove:
		return "REMOVE"
	default:
		return fmt.Sprintf("op(%d)", byte(o))
	}
}

// Entry is a single command in the log. Value is empty for OpRemove.
type Entry struct {
	Operation Operation
	Key       string
	Value     string
}

// SetEntry builds a Set command
func SetEntry(key, value string) *Entry {
	return &Entry{Operation: OpSet, Key: key, Value: value}
}

// RemoveEntry builds a Remove tombstone
func RemoveEntry(key string) *Entry {
	return &Entry{Operation: OpRemove, Key: key}
}

// Position locates one encoded record: the segment it lives in, its byte
// offset and its encoded length.
type Position struct {
	Segment uint64
	Offset  int64
	Length  int64
}

// End returns the offset just past the record.
func (p Position) End() int64 {
	return p.Offset + p.Length
}

// ErrCorruptTail marks a segment whose remaining bytes could not be decoded
var ErrCorruptTail = errors.New("corrupt or truncated segment tail")

// CorruptTailError reports where decoding stopped inside a segment
type CorruptTailError struct {
	Segment uint64
	Offset  int64
	Err     error
}

func (e *CorruptTailError) Error() string {
	return fmt.Sprintf("segment %d: corrupt tail at offset %d: %v", e.Segment, e.Offset, e.Err)
}

// Is lets errors.Is match ErrCorruptTail
func (e *CorruptTailError) Is(target error) bool {
	return target == ErrCorruptTail
}

func (e *CorruptTailError) Unwrap() error {
	return e.Err
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// record layout:
//
//	crc32c (4, little endian) | op (1) | uvarint keyLen | key | uvarint valueLen | value
//
// The checksum covers every byte after it.
const checksumSize = 4

// Encode serializes an entry into its on-disk record.
func Encode(entry *Entry) ([]byte, error) {
	if entry.Operation != OpSet && entry.Operation != OpRemove {
		return nil, fmt.Errorf("cannot encode unknown operation %v", entry.Operation)
	}
	if entry.Operation == OpRemove && entry.Value != "" {
		return nil, fmt.Errorf("remove command for %q carries a value", entry.Key)
	}

	size := checksumSize + 1 + 2*binary.MaxVarintLen64 + len(entry.Key) + len(entry.Value)
	buf := make([]byte, checksumSize, size)
	buf = append(buf, byte(entry.Operation))
	buf = binary.AppendUvarint(buf, uint64(len(entry.Key)))
	buf = append(buf, entry.Key...)
	buf = binary.AppendUvarint(buf, uint64(len(entry.Value)))
	buf = append(buf, entry.Value...)

	binary.LittleEndian.PutUint32(buf[:checksumSize], crc32.Checksum(buf[checksumSize:], castagnoli))
	return buf, nil
}

// EncodedSize returns the record length Encode would produce.
func EncodedSize(entry *Entry) int64 {
	return int64(checksumSize + 1 +
		uvarintLen(uint64(len(entry.Key))) + len(entry.Key) +
		uvarintLen(uint64(len(entry.Value))) + len(entry.Value))
}

func uvarintLen(v uint64) int {
	var tmp [binary.MaxVarintLen64]byte
	return binary.PutUvarint(tmp[:], v)
}

// Limits bounds the field sizes a decoder accepts so a damaged length
// prefix cannot trigger a huge allocation.
type Limits struct {
	MaxKeySize   int
	MaxValueSize int
}

// decoder reads records back to back from a stream. It consumes exactly
// the bytes of one record per call.
type decoder struct {
	r      *bufio.Reader
	limits Limits
	raw    []byte
}

func newDecoder(r io.Reader, limits Limits) *decoder {
	return &decoder{r: bufio.NewReader(r), limits: limits}
}

// ReadByte implements io.ByteReader and keeps every byte for the checksum.
func (d *decoder) ReadByte() (byte, error) {
	b, err := d.r.ReadByte()
	if err != nil {
		return 0, err
	}
	d.raw = append(d.raw, b)
	return b, nil
}

func (d *decoder) readN(n int) ([]byte, error) {
	start := len(d.raw)
	d.raw = append(d.raw, make([]byte, n)...)
	if _, err := io.ReadFull(d.r, d.raw[start:]); err != nil {
		return nil, err
	}
	return d.raw[start:], nil
}

// next decodes one record. It returns io.EOF only when the stream ends
// exactly on a record boundary; every other failure is a corruption error.
func (d *decoder) next() (*Entry, int64, error) {
	var sum [checksumSize]byte
	n, err := io.ReadFull(d.r, sum[:])
	if err == io.EOF && n == 0 {
		return nil, 0, io.EOF
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read checksum: %w", io.ErrUnexpectedEOF)
	}

	d.raw = d.raw[:0]
	entry, err := d.body()
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, 0, err
	}

	if crc32.Checksum(d.raw, castagnoli) != binary.LittleEndian.Uint32(sum[:]) {
		return nil, 0, errors.New("checksum mismatch")
	}

	return entry, int64(checksumSize + len(d.raw)), nil
}

func (d *decoder) body() (*Entry, error) {
	opByte, err := d.ReadByte()
	if err != nil {
		return nil, err
	}
	op := Operation(opByte)
	if op != OpSet && op != OpRemove {
		return nil, fmt.Errorf("unknown operation %d", opByte)
	}

	keyLen, err := binary.ReadUvarint(d)
	if err != nil {
		return nil, err
	}
	if d.limits.MaxKeySize > 0 && keyLen > uint64(d.limits.MaxKeySize) {
		return nil, fmt.Errorf("key length %d exceeds limit %d", keyLen, d.limits.MaxKeySize)
	}
	key, err := d.readN(int(keyLen))
	if err != nil {
		return nil, err
	}
	keyStr := string(key)

	valueLen, err := binary.ReadUvarint(d)
	if err != nil {
		return nil, err
	}
	if d.limits.MaxValueSize > 0 && valueLen > uint64(d.limits.MaxValueSize) {
		return nil, fmt.Errorf("value length %d exceeds limit %d", valueLen, d.limits.MaxValueSize)
	}
	if op == OpRemove && valueLen != 0 {
		return nil, fmt.Errorf("remove record carries %d value bytes", valueLen)
	}
	value, err := d.readN(int(valueLen))
	if err != nil {
		return nil, err
	}

	return &Entry{Operation: op, Key: keyStr, Value: string(value)}, nil
}

// Decode decodes exactly one record from data, failing if bytes remain.
func Decode(data []byte, limits Limits) (*Entry, error) {
	d := newDecoder(bytes.NewReader(data), limits)
	entry, n, err := d.next()
	if err == io.EOF {
		return nil, io.ErrUnexpectedEOF
	}
	if err != nil {
		return nil, err
	}
	if n != int64(len(data)) {
		return nil, fmt.Errorf("record is %d bytes, expected %d", n, len(data))
	}
	return entry, nil
}

package wal

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		name  string
		entry *Entry
	}{
		{"set", SetEntry("key", "value")},
		{"empty value", SetEntry("key", "")},
		{"remove", RemoveEntry("key")},
		{"long value", SetEntry("k", strings.Repeat("x", 300))},
		{"unicode", SetEntry("ключ", "значение")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.entry)
			require.NoError(t, err)
			assert.Equal(t, EncodedSize(tt.entry), int64(len(data)))

			got, err := Decode(data, Limits{})
			require.NoError(t, err)
			assert.Equal(t, tt.entry, got)
		})
	}
}

func TestEncodeRejectsBadEntries(t *testing.T) {
	_, err := Encode(&Entry{Operation: 9, Key: "k"})
	assert.Error(t, err)

	_, err = Encode(&Entry{Operation: OpRemove, Key: "k", Value: "v"})
	assert.Error(t, err)
}

func TestDecoderIsSelfDelimiting(t *testing.T) {
	var stream bytes.Buffer
	entries := []*Entry{SetEntry("a", "1"), RemoveEntry("a"), SetEntry("b", "22")}
	for _, e := range entries {
		data, err := Encode(e)
		require.NoError(t, err)
		stream.Write(data)
	}

	d := newDecoder(&stream, Limits{})
	var offsets []int64
	var offset int64
	for {
		entry, n, err := d.next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		offsets = append(offsets, offset)
		offset += n
		assert.Equal(t, entries[len(offsets)-1], entry)
	}
	assert.Len(t, offsets, 3)
	assert.Equal(t, int64(0), offsets[0])
}

func TestDecodeFailures(t *testing.T) {
	good, err := Encode(SetEntry("key", "value"))
	require.NoError(t, err)

	t.Run("truncated", func(t *testing.T) {
		_, err := Decode(good[:len(good)-2], Limits{})
		assert.Error(t, err)
	})

	t.Run("trailing bytes", func(t *testing.T) {
		_, err := Decode(append(append([]byte{}, good...), 0), Limits{})
		assert.Error(t, err)
	})

	t.Run("checksum", func(t *testing.T) {
		bad := append([]byte{}, good...)
		bad[len(bad)-1] ^= 1
		_, err := Decode(bad, Limits{})
		assert.Error(t, err)
	})

	t.Run("key limit", func(t *testing.T) {
		_, err := Decode(good, Limits{MaxKeySize: 2})
		assert.Error(t, err)
	})

	t.Run("value limit", func(t *testing.T) {
		_, err := Decode(good, Limits{MaxValueSize: 2})
		assert.Error(t, err)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := Decode(nil, Limits{})
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})
}

func TestInspect(t *testing.T) {
	manager, cleanup := setupWALTest(t, WALConfig{})
	defer cleanup()

	_, err := manager.Append(SetEntry("a", "1"))
	require.NoError(t, err)
	_, err = manager.Append(RemoveEntry("a"))
	require.NoError(t, err)
	last, err := manager.Append(SetEntry("b", "2"))
	require.NoError(t, err)
	require.NoError(t, manager.Reset())

	infos, err := Inspect(manager.Dir(), Limits{})
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, 3, infos[0].Records())
	assert.Equal(t, 1, infos[0].Removes)
	assert.Equal(t, last.End(), infos[0].ValidBytes)
	assert.Nil(t, infos[0].Tail)
	assert.Len(t, infos[0].Digest, 64)

	require.NoError(t, os.Truncate(SegmentPath(manager.Dir(), 1), last.Offset+1))
	infos, err = Inspect(manager.Dir(), Limits{})
	require.NoError(t, err)
	require.NotNil(t, infos[0].Tail)
	assert.Equal(t, last.Offset, infos[0].Tail.Offset)
	assert.Equal(t, 2, infos[0].Records())
}

func TestDigestIsStable(t *testing.T) {
	path := t.TempDir() + "/f"
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0644))

	a, err := Digest(path)
	require.NoError(t, err)
	b, err := Digest(path)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	_, err = Digest(path + "missing")
	assert.Error(t, err)
}

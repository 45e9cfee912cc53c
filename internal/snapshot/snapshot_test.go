package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobIsEighyEightBytesWithRedisMagic(t *testing.T) {
	b := Blob()
	require.Len(t, b, 88)
	require.Equal(t, "REDIS0011", string(b[:9]))
}

func TestLoadMissingFileReturnsNoEntries(t *testing.T) {
	entries, err := Load(t.TempDir(), "does-not-exist.rdb")
	require.NoError(t, err)
	require.Nil(t, entries)
}

func TestLoadEmptyFilenameSkipsBootstrap(t *testing.T) {
	entries, err := Load("/nonexistent/dir", "")
	require.NoError(t, err)
	require.Nil(t, entries)
}

func TestLoadDecodesStringsAndExpiry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dump.rdb")

	var buf []byte
	buf = append(buf, []byte("REDIS0011")...)
	buf = append(buf, opSelectDB, 0x00)
	// plain string, no expiry: key "foo" -> "bar"
	buf = append(buf, typeString, 0x03, 'f', 'o', 'o', 0x03, 'b', 'a', 'r')
	// expire-time-ms opcode followed by a string
	buf = append(buf, opExpireTimeMs)
	buf = append(buf, 0xB0, 0xC4, 0x10, 0x00, 0, 0, 0, 0) // little-endian ms
	buf = append(buf, typeString, 0x03, 'b', 'a', 'z', 0x03, 'q', 'u', 'x')
	buf = append(buf, opEOF)

	require.NoError(t, os.WriteFile(path, buf, 0o644))

	entries, err := Load(dir, "dump.rdb")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "foo", entries[0].Key)
	require.Equal(t, "bar", entries[0].Value)
	require.False(t, entries[0].HasExpiry)

	require.Equal(t, "baz", entries[1].Key)
	require.Equal(t, "qux", entries[1].Value)
	require.True(t, entries[1].HasExpiry)
}

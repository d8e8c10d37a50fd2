package engine

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// craftManifest builds a manifest image with a valid checksum so tests can
// corrupt individual fields without tripping the CRC first.
func craftManifest(magic uint32, count uint32, ids []uint64) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, magic)
	binary.Write(&buf, binary.LittleEndian, count)
	for _, id := range ids {
		binary.Write(&buf, binary.LittleEndian, id)
	}
	binary.Write(&buf, binary.LittleEndian, crc32.ChecksumIEEE(buf.Bytes()))
	return buf.Bytes()
}

func TestManifestRoundtripPreservesOrder(t *testing.T) {
	dir := t.TempDir()

	// Compaction outputs carry high IDs but old data, so the persisted
	// order is deliberately not sorted.
	want := []uint64{7, 2, 5}
	require.NoError(t, writeManifest(dir, want))

	got, found, err := readManifest(dir)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, want, got)
}

func TestManifestRoundtripEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeManifest(dir, nil))

	got, found, err := readManifest(dir)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Empty(t, got)
}

func TestManifestOverwriteReplacesPrevious(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeManifest(dir, []uint64{1, 2, 3}))
	require.NoError(t, writeManifest(dir, []uint64{4, 3}))

	got, found, err := readManifest(dir)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []uint64{4, 3}, got)
}

func TestManifestWriteLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeManifest(dir, []uint64{1}))

	_, err := os.Stat(filepath.Join(dir, manifestFileName+".tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestManifestMissingFile(t *testing.T) {
	ids, found, err := readManifest(t.TempDir())
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, ids)
}

func TestManifestRejectsShortFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifestFileName), []byte{1, 2, 3}, 0o644))

	_, found, err := readManifest(dir)
	assert.True(t, found)
	assert.ErrorContains(t, err, "too short")
}

func TestManifestRejectsChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeManifest(dir, []uint64{1, 2}))

	path := filepath.Join(dir, manifestFileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[9] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, found, err := readManifest(dir)
	assert.True(t, found)
	assert.ErrorContains(t, err, "checksum mismatch")
}

func TestManifestRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	image := craftManifest(0xDEADBEEF, 1, []uint64{1})
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifestFileName), image, 0o644))

	_, found, err := readManifest(dir)
	assert.True(t, found)
	assert.ErrorContains(t, err, "magic number")
}

func TestManifestRejectsCountMismatch(t *testing.T) {
	dir := t.TempDir()
	image := craftManifest(manifestMagicNumber, 5, []uint64{1})
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifestFileName), image, 0o644))

	_, found, err := readManifest(dir)
	assert.True(t, found)
	assert.ErrorContains(t, err, "does not match segment count")
}

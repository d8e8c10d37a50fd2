package engine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
)

const (
	manifestFileName           = "MANIFEST"
	manifestMagicNumber uint32 = 0x464C4D31
)

// persistManifestLocked writes the current segment ordering to the manifest
// file. Callers must hold e.mu.
//
// The ordering matters across restarts: a compaction output carries the
// highest file ID but holds the oldest data, so sorting by ID after a reload
// would rank it freshest and full-key duplicates would resolve to stale
// values. The manifest preserves the true oldest-to-freshest order.
func (e *RegionEngine) persistManifestLocked() error {
	ids := make([]uint64, len(e.segments))
	for i, seg := range e.segments {
		ids[i] = seg.ID()
	}
	return writeManifest(e.opts.DataDir, ids)
}

// writeManifest atomically persists the segment IDs, oldest first, using the
// write-and-rename strategy so a crash never leaves a torn manifest behind.
func writeManifest(dir string, ids []uint64) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, manifestMagicNumber); err != nil {
		return fmt.Errorf("failed to write manifest magic number: %w", err)
	}
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(ids))); err != nil {
		return fmt.Errorf("failed to write manifest segment count: %w", err)
	}
	for _, id := range ids {
		if err := binary.Write(&buf, binary.LittleEndian, id); err != nil {
			return fmt.Errorf("failed to write manifest segment ID: %w", err)
		}
	}
	checksum := crc32.ChecksumIEEE(buf.Bytes())
	if err := binary.Write(&buf, binary.LittleEndian, checksum); err != nil {
		return fmt.Errorf("failed to write manifest checksum: %w", err)
	}

	tempPath := filepath.Join(dir, manifestFileName+".tmp")
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp manifest file: %w", err)
	}
	if _, err := file.Write(buf.Bytes()); err != nil {
		file.Close()
		return fmt.Errorf("failed to write temp manifest file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync temp manifest file: %w", err)
	}
	// Close before renaming for Windows compatibility.
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close temp manifest file before rename: %w", err)
	}
	if err := os.Rename(tempPath, filepath.Join(dir, manifestFileName)); err != nil {
		return fmt.Errorf("failed to rename temp manifest file to final name: %w", err)
	}
	return nil
}

// readManifest loads the persisted segment ordering, oldest first. A missing
// file is not an error; found=false tells the caller to fall back to a
// directory scan.
func readManifest(dir string) (ids []uint64, found bool, err error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read manifest file: %w", err)
	}

	if len(data) < 12 {
		return nil, true, fmt.Errorf("manifest file too short: %d bytes", len(data))
	}
	payload := data[:len(data)-4]
	stored := binary.LittleEndian.Uint32(data[len(data)-4:])
	if actual := crc32.ChecksumIEEE(payload); actual != stored {
		return nil, true, fmt.Errorf("manifest checksum mismatch: got %x, want %x", actual, stored)
	}

	if magic := binary.LittleEndian.Uint32(payload[:4]); magic != manifestMagicNumber {
		return nil, true, fmt.Errorf("invalid manifest magic number: got %x, want %x", magic, manifestMagicNumber)
	}
	count := binary.LittleEndian.Uint32(payload[4:8])
	if len(payload) != 8+int(count)*8 {
		return nil, true, fmt.Errorf("manifest length %d does not match segment count %d", len(payload), count)
	}
	ids = make([]uint64, count)
	for i := range ids {
		ids[i] = binary.LittleEndian.Uint64(payload[8+i*8:])
	}
	return ids, true, nil
}

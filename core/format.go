package core

import (
	"fmt"
	"strconv"
	"strings"
)

// This file centralizes constants related to file formats, magic numbers,
// and other protocol-level identifiers used across the region store.

// --- Magic Numbers ---
const (
	// SegmentMagicNumber identifies a segment file header.
	SegmentMagicNumber uint32 = 0x464C5347 // "FLSG"
)

// --- Magic Strings ---
const (
	// SegmentMagicString is a unique identifier placed at the end of a segment file.
	SegmentMagicString    = "FLOW-SEGMENT-V1"
	SegmentMagicStringLen = len(SegmentMagicString)
)

// --- File Names & Prefixes ---
const (
	// SegmentFileSuffix is the suffix for segment files.
	SegmentFileSuffix = ".seg"
	// SegmentTempSuffix marks a segment still being written.
	SegmentTempSuffix = ".tmp"
	// LockFileName is the name of the region directory lock file.
	LockFileName = "LOCK"
)

// --- Protocol & Format Versions ---
const (
	// FormatVersion is the current version for all persistent file formats.
	FormatVersion uint8 = 1
)

// FormatSegmentFileName creates a segment file name from its sequence number.
func FormatSegmentFileName(seq uint64) string {
	return fmt.Sprintf("%08d%s", seq, SegmentFileSuffix)
}

// ParseSegmentFileName extracts the sequence number from a segment file name.
func ParseSegmentFileName(name string) (uint64, error) {
	if !strings.HasSuffix(name, SegmentFileSuffix) {
		return 0, fmt.Errorf("file %s is not a segment file", name)
	}
	name = strings.TrimSuffix(name, SegmentFileSuffix)
	return strconv.ParseUint(name, 10, 64)
}

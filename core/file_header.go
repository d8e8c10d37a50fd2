package core

import (
	"encoding/binary"
	"fmt"
	"time"
)

// FileHeader is a standard header for all persistent store files.
type FileHeader struct {
	Magic          uint32
	Version        uint8
	CreatedAt      int64 // UnixNano timestamp
	CompressorType CompressionType
}

func (h *FileHeader) Size() int {
	return binary.Size(h)
}

// Validate checks the header against the expected magic number and the
// format versions this build can read.
func (h *FileHeader) Validate(magic uint32) error {
	if h.Magic != magic {
		return fmt.Errorf("invalid magic number: got 0x%08X, want 0x%08X", h.Magic, magic)
	}
	if h.Version == 0 || h.Version > FormatVersion {
		return fmt.Errorf("unsupported format version %d (current %d)", h.Version, FormatVersion)
	}
	return nil
}

// NewFileHeader creates a new header with the current time and specified magic number.
func NewFileHeader(magic uint32, compressorType CompressionType) FileHeader {
	return FileHeader{
		Magic:          magic,
		Version:        FormatVersion,
		CreatedAt:      time.Now().UnixNano(),
		CompressorType: compressorType,
	}
}

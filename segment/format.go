package segment

import (
	"errors"
	"fmt"

	"github.com/INLOpen/flowbase/compressors"
	"github.com/INLOpen/flowbase/core"
)

// Segment files are immutable, block-structured cell stores:
//
//	FileHeader | data blocks | index checksum | index | row set | minKey | maxKey | footer
//
// Each data block holds prefix-compressed cell entries followed by a restart
// point trailer, and is written to disk compressed with a per-block
// compression flag and CRC32 checksum. The footer records the offsets and
// lengths of every section and ends with the magic string.

// Size constants for the fixed footer components.
const (
	IndexOffsetSize    = 8 // uint64 for index offset
	IndexLenSize       = 4 // uint32 for index length
	RowSetOffsetSize   = 8 // uint64 for row set offset
	RowSetLenSize      = 4 // uint32 for row set length
	MinKeyOffsetSize   = 8 // uint64 for min key offset
	MinKeyLenSize      = 4 // uint32 for min key length
	MaxKeyOffsetSize   = 8 // uint64 for max key offset
	MaxKeyLenSize      = 4 // uint32 for max key length
	CellCountSize      = 8 // uint64 for the total number of cells
	TombstoneCountSize = 8 // uint64 for the total number of delete cells
	BlockLengthSize    = 4 // uint32 for block length (used in block index)
)

// FooterFixedComponentSize is the size of the footer excluding the magic string.
const FooterFixedComponentSize = IndexOffsetSize + IndexLenSize + RowSetOffsetSize + RowSetLenSize +
	MinKeyOffsetSize + MinKeyLenSize + MaxKeyOffsetSize + MaxKeyLenSize + CellCountSize + TombstoneCountSize

// FooterSize is the total size of the footer including the magic string.
const FooterSize = FooterFixedComponentSize + core.SegmentMagicStringLen

// BlockHeaderSize is the size of the compression flag and checksum at the
// start of each data block on disk.
const BlockHeaderSize = 1 + core.ChecksumSize

// DefaultBlockSize specifies the target size for data blocks in bytes.
const DefaultBlockSize = 4 * 1024

// DefaultRestartPointInterval specifies how often a restart point is stored.
const DefaultRestartPointInterval = 16

var (
	ErrCorrupted = errors.New("segment data is corrupted")
	ErrClosed    = errors.New("segment is closed")
)

// GetCompressor returns a Compressor instance based on the CompressionType.
// This is used during decompression, where the algorithm is determined by the
// per-block compression flag.
func GetCompressor(compressionType core.CompressionType) (core.Compressor, error) {
	switch compressionType {
	case core.CompressionNone:
		return compressors.NewNoCompressionCompressor(), nil
	case core.CompressionSnappy:
		return compressors.NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return compressors.NewLZ4Compressor(), nil
	case core.CompressionZSTD:
		return compressors.NewZstdCompressor()
	default:
		return nil, fmt.Errorf("unknown compression type: %d", compressionType)
	}
}

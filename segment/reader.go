package segment

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/INLOpen/flowbase/cache"
	"github.com/INLOpen/flowbase/core"
)

// LoadOptions configures opening an existing segment file.
type LoadOptions struct {
	FilePath string
	ID       uint64
	// BlockCache, when non-nil, caches decompressed blocks across reads. It
	// may be shared by all segments of a region; cache keys combine the
	// segment ID and block offset.
	BlockCache cache.Interface[[]byte]
	Tracer     trace.Tracer
	Logger     *slog.Logger
}

// Reader provides read access to a single immutable segment file. A Reader
// is safe for concurrent use; all reads go through ReadAt on the shared file
// handle.
type Reader struct {
	file     *os.File
	filePath string
	id       uint64

	header core.FileHeader
	index  *Index
	rows   *RowSet
	minKey []byte
	maxKey []byte

	size           int64
	dataEndOffset  int64
	cellCount      uint64
	tombstoneCount uint64

	blockCache cache.Interface[[]byte]
	tracer     trace.Tracer
	logger     *slog.Logger

	closed atomic.Bool
}

// Load opens a segment file and reads its header, footer, index and row set.
// The data blocks themselves are read lazily.
func Load(opts LoadOptions) (*Reader, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "segment-reader", "segment_id", opts.ID)

	file, err := os.Open(opts.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file %s: %w", opts.FilePath, err)
	}
	r, err := load(file, opts, logger)
	if err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

func load(file *os.File, opts LoadOptions, logger *slog.Logger) (*Reader, error) {
	var header core.FileHeader
	headerBytes := make([]byte, header.Size())
	if _, err := io.ReadFull(file, headerBytes); err != nil {
		return nil, fmt.Errorf("failed to read segment header from %s: %w", opts.FilePath, err)
	}
	if err := binary.Read(bytes.NewReader(headerBytes), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to parse segment header from %s: %w", opts.FilePath, err)
	}
	if err := header.Validate(core.SegmentMagicNumber); err != nil {
		return nil, fmt.Errorf("segment %s: %w", opts.FilePath, err)
	}

	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat segment file %s: %w", opts.FilePath, err)
	}
	fileSize := stat.Size()

	minValidSize := int64(header.Size() + FooterSize)
	if fileSize < minValidSize {
		return nil, fmt.Errorf("segment file %s is too small to be valid (size %d, min %d): %w",
			opts.FilePath, fileSize, minValidSize, ErrCorrupted)
	}

	magicBytes := make([]byte, core.SegmentMagicStringLen)
	if _, err := file.ReadAt(magicBytes, fileSize-int64(core.SegmentMagicStringLen)); err != nil {
		return nil, fmt.Errorf("failed to read magic string from %s: %w", opts.FilePath, err)
	}
	if string(magicBytes) != core.SegmentMagicString {
		return nil, fmt.Errorf("invalid magic string in segment file %s: %w", opts.FilePath, ErrCorrupted)
	}

	footerFixedBytes := make([]byte, FooterFixedComponentSize)
	if _, err := file.ReadAt(footerFixedBytes, fileSize-int64(FooterSize)); err != nil {
		return nil, fmt.Errorf("failed to read footer from %s: %w", opts.FilePath, err)
	}
	footerReader := bytes.NewReader(footerFixedBytes)
	var indexOffset, rowSetOffset, minKeyOffset, maxKeyOffset uint64
	var indexLen, rowSetLen, minKeyLen, maxKeyLen uint32
	var cellCount, tombstoneCount uint64
	binary.Read(footerReader, binary.LittleEndian, &indexOffset)
	binary.Read(footerReader, binary.LittleEndian, &indexLen)
	binary.Read(footerReader, binary.LittleEndian, &rowSetOffset)
	binary.Read(footerReader, binary.LittleEndian, &rowSetLen)
	binary.Read(footerReader, binary.LittleEndian, &minKeyOffset)
	binary.Read(footerReader, binary.LittleEndian, &minKeyLen)
	binary.Read(footerReader, binary.LittleEndian, &maxKeyOffset)
	binary.Read(footerReader, binary.LittleEndian, &maxKeyLen)
	binary.Read(footerReader, binary.LittleEndian, &cellCount)
	binary.Read(footerReader, binary.LittleEndian, &tombstoneCount)

	// The index checksum sits immediately before the index data.
	checksumOffset := int64(indexOffset) - core.ChecksumSize
	if checksumOffset < int64(header.Size()) {
		return nil, fmt.Errorf("invalid index offset %d in %s: %w", indexOffset, opts.FilePath, ErrCorrupted)
	}
	checksumBytes := make([]byte, core.ChecksumSize)
	if _, err := file.ReadAt(checksumBytes, checksumOffset); err != nil {
		return nil, fmt.Errorf("failed to read index checksum from %s: %w", opts.FilePath, err)
	}
	indexChecksum := binary.LittleEndian.Uint32(checksumBytes)

	indexData := make([]byte, indexLen)
	if _, err := file.ReadAt(indexData, int64(indexOffset)); err != nil {
		return nil, fmt.Errorf("failed to read index data from %s: %w", opts.FilePath, err)
	}
	idx, err := DeserializeIndex(indexData, indexChecksum)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize index from %s: %w", opts.FilePath, err)
	}

	rowSetData := make([]byte, rowSetLen)
	if _, err := file.ReadAt(rowSetData, int64(rowSetOffset)); err != nil {
		return nil, fmt.Errorf("failed to read row set data from %s: %w", opts.FilePath, err)
	}
	rows, err := DeserializeRowSet(rowSetData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize row set from %s: %w", opts.FilePath, err)
	}

	minKey := make([]byte, minKeyLen)
	if _, err := file.ReadAt(minKey, int64(minKeyOffset)); err != nil {
		return nil, fmt.Errorf("failed to read min key from %s: %w", opts.FilePath, err)
	}
	maxKey := make([]byte, maxKeyLen)
	if _, err := file.ReadAt(maxKey, int64(maxKeyOffset)); err != nil {
		return nil, fmt.Errorf("failed to read max key from %s: %w", opts.FilePath, err)
	}

	return &Reader{
		file:           file,
		filePath:       opts.FilePath,
		id:             opts.ID,
		header:         header,
		index:          idx,
		rows:           rows,
		minKey:         minKey,
		maxKey:         maxKey,
		size:           fileSize,
		dataEndOffset:  checksumOffset,
		cellCount:      cellCount,
		tombstoneCount: tombstoneCount,
		blockCache:     opts.BlockCache,
		tracer:         opts.Tracer,
		logger:         logger,
	}, nil
}

// Get retrieves the cell stored under an exact encoded key. Tombstones are
// returned like any other cell; masking older versions is the read path's
// concern, not the segment's. Returns core.ErrNotFound when the key is
// absent.
func (r *Reader) Get(key []byte) (*core.Cell, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	var span trace.Span
	if r.tracer != nil {
		_, span = r.tracer.Start(context.Background(), "segment.Reader.Get")
		defer span.End()
	}

	if r.index == nil || len(r.index.entries) == 0 {
		return nil, core.ErrNotFound
	}
	if core.CompareKeys(key, r.minKey) < 0 || core.CompareKeys(key, r.maxKey) > 0 {
		return nil, core.ErrNotFound
	}

	blockMeta, found := r.index.Find(key)
	if !found {
		return nil, core.ErrNotFound
	}

	blk, err := r.readBlock(blockMeta.BlockOffset, blockMeta.BlockLength)
	if err != nil {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "read_block_failed")
		}
		return nil, fmt.Errorf("failed to read block for key lookup: %w", err)
	}

	payload, ok, err := blk.find(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, core.ErrNotFound
	}
	return decodeCell(key, payload)
}

// ContainsRow reports whether the segment may hold cells for the given row.
// A false return value means the row is definitely absent, so lookups can
// skip this segment entirely.
func (r *Reader) ContainsRow(row []byte) bool {
	if r.rows == nil {
		return true
	}
	return r.rows.Contains(row)
}

// NewIterator returns an iterator over cells in [startKey, endKey) in
// encoded-key order. Nil bounds are open.
func (r *Reader) NewIterator(startKey, endKey []byte) (core.CellIterator, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	return newSegmentIterator(r, startKey, endKey), nil
}

// readBlock returns the decompressed block at the given offset, consulting
// the block cache first.
func (r *Reader) readBlock(offset int64, length uint32) (*block, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}

	var cacheKey string
	if r.blockCache != nil {
		cacheKey = fmt.Sprintf("%d-%d", r.id, offset)
		if data, ok := r.blockCache.Get(cacheKey); ok {
			return newBlock(data), nil
		}
	}

	payload, compressionType, err := r.readAndVerifyRawBlock(offset, length)
	if err != nil {
		return nil, err
	}
	data, err := decompressBlock(payload, compressionType, offset)
	if err != nil {
		return nil, err
	}

	if r.blockCache != nil {
		// Cache a copy; the returned block keeps its own reference.
		cached := make([]byte, len(data))
		copy(cached, data)
		r.blockCache.Put(cacheKey, cached)
	}
	return newBlock(data), nil
}

// readAndVerifyRawBlock reads a raw block from disk and verifies its
// checksum, returning the still-compressed payload and its compression type.
func (r *Reader) readAndVerifyRawBlock(offset int64, length uint32) ([]byte, core.CompressionType, error) {
	if length < BlockHeaderSize {
		return nil, 0, fmt.Errorf("block length %d at offset %d is too small for its header: %w",
			length, offset, ErrCorrupted)
	}

	raw := make([]byte, length)
	if _, err := r.file.ReadAt(raw, offset); err != nil {
		return nil, 0, fmt.Errorf("failed to read block at offset %d: %w", offset, err)
	}

	compressionType := core.CompressionType(raw[0])
	storedChecksum := binary.LittleEndian.Uint32(raw[1:BlockHeaderSize])
	payload := raw[BlockHeaderSize:]

	if calculated := crc32.ChecksumIEEE(payload); calculated != storedChecksum {
		return nil, 0, fmt.Errorf("checksum mismatch for block at offset %d: %w", offset, ErrCorrupted)
	}
	return payload, compressionType, nil
}

func decompressBlock(payload []byte, compressionType core.CompressionType, offset int64) ([]byte, error) {
	decompressor, err := GetCompressor(compressionType)
	if err != nil {
		return nil, fmt.Errorf("failed to get decompressor for block at offset %d: %w", offset, err)
	}
	rc, err := decompressor.Decompress(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress block at offset %d: %w", offset, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read decompressed block at offset %d: %w", offset, err)
	}
	return data, nil
}

// decodeCell reassembles a cell from its encoded key and payload.
func decodeCell(key, payload []byte) (*core.Cell, error) {
	row, family, qualifier, ts, err := core.DecodeCellKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to decode cell key: %w", err)
	}
	kind, tags, value, err := core.DecodeCellPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode cell payload: %w", err)
	}
	return &core.Cell{
		Row:       row,
		Family:    family,
		Qualifier: qualifier,
		Timestamp: ts,
		Kind:      kind,
		Tags:      tags,
		Value:     value,
	}, nil
}

// VerifyIntegrity checks the segment's internal consistency: key range and
// index ordering always, and every block's checksum and key order when deep
// is set.
func (r *Reader) VerifyIntegrity(deep bool) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if len(r.index.entries) == 0 {
		return nil
	}

	if core.CompareKeys(r.minKey, r.maxKey) > 0 {
		return fmt.Errorf("min key is greater than max key: %w", ErrCorrupted)
	}
	if core.CompareKeys(r.index.entries[0].FirstKey, r.minKey) != 0 {
		return fmt.Errorf("first index key does not match min key: %w", ErrCorrupted)
	}
	for i, entry := range r.index.entries {
		if i > 0 && core.CompareKeys(r.index.entries[i-1].FirstKey, entry.FirstKey) >= 0 {
			return fmt.Errorf("index entries out of order at %d: %w", i, ErrCorrupted)
		}
		if entry.BlockOffset < int64(r.header.Size()) ||
			entry.BlockOffset+int64(entry.BlockLength) > r.dataEndOffset {
			return fmt.Errorf("index entry %d points outside the data section: %w", i, ErrCorrupted)
		}
	}
	if !deep {
		return nil
	}

	var prevKey []byte
	for i, entry := range r.index.entries {
		blk, err := r.readBlock(entry.BlockOffset, entry.BlockLength)
		if err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
		entriesData, err := blk.entriesData()
		if err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
		iter := newBlockIterator(entriesData)
		for iter.next() {
			if prevKey != nil && core.CompareKeys(prevKey, iter.key()) >= 0 {
				return fmt.Errorf("block %d: keys out of order: %w", i, ErrCorrupted)
			}
			prevKey = append(prevKey[:0], iter.key()...)
			if _, _, _, err := core.DecodeCellPayload(iter.payload()); err != nil {
				return fmt.Errorf("block %d: %w", i, err)
			}
		}
		if err := iter.error(); err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
	}
	return nil
}

// Close closes the underlying file. It is safe to call more than once.
func (r *Reader) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	if r.file == nil {
		return nil
	}
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("failed to close segment file %s: %w", r.filePath, err)
	}
	return nil
}

func (r *Reader) ID() uint64       { return r.id }
func (r *Reader) FilePath() string { return r.filePath }

// Size returns the segment file size in bytes.
func (r *Reader) Size() int64 { return r.size }

// MinKey returns the smallest encoded cell key in the segment.
func (r *Reader) MinKey() []byte { return r.minKey }

// MaxKey returns the largest encoded cell key in the segment.
func (r *Reader) MaxKey() []byte { return r.maxKey }

// CellCount returns the total number of cells in the segment.
func (r *Reader) CellCount() uint64 { return r.cellCount }

// TombstoneCount returns the number of delete cells in the segment.
func (r *Reader) TombstoneCount() uint64 { return r.tombstoneCount }

// CreatedAt returns the segment's creation time from its header.
func (r *Reader) CreatedAt() time.Time { return time.Unix(0, r.header.CreatedAt) }

// CompressionType returns the compression the segment was written with.
func (r *Reader) CompressionType() core.CompressionType { return r.header.CompressorType }

// FormatVersion returns the on-disk format version from the header.
func (r *Reader) FormatVersion() uint8 { return r.header.Version }

// BlockIndex returns the segment's block index.
func (r *Reader) BlockIndex() *Index { return r.index }

// RowFilter returns the segment's row presence filter.
func (r *Reader) RowFilter() *RowSet { return r.rows }

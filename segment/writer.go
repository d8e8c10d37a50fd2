package segment

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/INLOpen/flowbase/compressors"
	"github.com/INLOpen/flowbase/core"
)

// WriterOptions configures a segment Writer.
type WriterOptions struct {
	DataDir string
	ID      uint64
	// BlockSize is the target uncompressed size of a data block. Zero selects
	// DefaultBlockSize.
	BlockSize int
	// RestartPointInterval is the number of entries between restart points.
	// Zero selects DefaultRestartPointInterval.
	RestartPointInterval int
	// Compressor compresses data blocks. Nil selects no compression.
	Compressor core.Compressor
	Tracer     trace.Tracer
	Logger     *slog.Logger
}

// Writer builds a new immutable segment file. Cells must be added in
// ascending encoded-key order. The writer targets a temporary file that
// Finish atomically renames into place, so a crash mid-write never leaves a
// partial segment under the final name.
type Writer struct {
	mu sync.Mutex

	filePath string
	file     *os.File
	offset   int64

	indexBuilder IndexBuilder
	rows         *RowSet

	minKey []byte
	maxKey []byte

	cellCount      uint64
	tombstoneCount uint64

	blockSize            int
	restartPointInterval int
	compressor           core.Compressor

	// Current block state
	currentBlockBuffer   bytes.Buffer
	currentBlockFirstKey []byte
	currentBlockLastKey  []byte
	numEntriesInBlock    int
	restartPoints        []uint32
	currentBlockSize     int

	tracer trace.Tracer
	logger *slog.Logger
}

// NewWriter creates a writer for a new segment. It creates the temporary
// file immediately and writes the file header.
func NewWriter(opts WriterOptions) (*Writer, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.RestartPointInterval <= 0 {
		opts.RestartPointInterval = DefaultRestartPointInterval
	}
	if opts.Compressor == nil {
		opts.Compressor = compressors.NewNoCompressionCompressor()
	}

	tempFilePath := filepath.Join(opts.DataDir, core.FormatSegmentFileName(opts.ID)+core.SegmentTempSuffix)
	file, err := os.Create(tempFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary segment file %s: %w", tempFilePath, err)
	}

	header := core.NewFileHeader(core.SegmentMagicNumber, opts.Compressor.Type())
	if err := binary.Write(file, binary.LittleEndian, &header); err != nil {
		file.Close()
		os.Remove(tempFilePath)
		return nil, fmt.Errorf("failed to write segment header: %w", err)
	}

	return &Writer{
		filePath:             tempFilePath,
		file:                 file,
		offset:               int64(header.Size()),
		rows:                 NewRowSet(),
		blockSize:            opts.BlockSize,
		restartPointInterval: opts.RestartPointInterval,
		compressor:           opts.Compressor,
		tracer:               opts.Tracer,
		logger:               opts.Logger.With("component", "segment-writer", "segment_id", opts.ID),
	}, nil
}

// Add appends a cell to the segment. Cells must arrive in ascending
// encoded-key order; the memstore and merging iterators guarantee that.
func (w *Writer) Add(cell *core.Cell) error {
	key := cell.Key()
	payload := core.EncodeCellPayload(cell)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return ErrClosed
	}

	// Flush first if this entry would push the current block past its target
	// size, so the entry lands at the start of a fresh block.
	entrySize := estimateEntrySize(len(key), len(payload))
	if w.currentBlockBuffer.Len() > 0 && w.currentBlockSize+entrySize > w.blockSize {
		if err := w.flushCurrentBlock(); err != nil {
			return err
		}
	}

	// The first entry in a block, and every restartPointInterval-th entry
	// after it, stores its full key so scans can start there.
	isRestartPoint := w.numEntriesInBlock%w.restartPointInterval == 0
	if isRestartPoint {
		w.restartPoints = append(w.restartPoints, uint32(w.currentBlockBuffer.Len()))
	}

	var sharedPrefixLen int
	if !isRestartPoint && w.currentBlockLastKey != nil {
		limit := len(key)
		if len(w.currentBlockLastKey) < limit {
			limit = len(w.currentBlockLastKey)
		}
		for sharedPrefixLen < limit && key[sharedPrefixLen] == w.currentBlockLastKey[sharedPrefixLen] {
			sharedPrefixLen++
		}
	}
	unsharedKey := key[sharedPrefixLen:]

	if w.currentBlockFirstKey == nil {
		w.currentBlockFirstKey = append([]byte(nil), key...)
	}

	if w.minKey == nil || core.CompareKeys(key, w.minKey) < 0 {
		w.minKey = append([]byte(nil), key...)
	}
	w.maxKey = append(w.maxKey[:0], key...)

	w.rows.Add(cell.Row)
	w.cellCount++
	if cell.Kind == core.CellDelete {
		w.tombstoneCount++
	}

	var varintBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(varintBuf[:], uint64(sharedPrefixLen))
	w.currentBlockBuffer.Write(varintBuf[:n])
	n = binary.PutUvarint(varintBuf[:], uint64(len(unsharedKey)))
	w.currentBlockBuffer.Write(varintBuf[:n])
	n = binary.PutUvarint(varintBuf[:], uint64(len(payload)))
	w.currentBlockBuffer.Write(varintBuf[:n])
	w.currentBlockBuffer.Write(unsharedKey)
	w.currentBlockBuffer.Write(payload)

	w.currentBlockLastKey = append(w.currentBlockLastKey[:0], key...)
	w.numEntriesInBlock++
	w.currentBlockSize += entrySize
	return nil
}

// flushCurrentBlock compresses the buffered block, writes it to the file and
// records it in the index. The caller must hold w.mu.
func (w *Writer) flushCurrentBlock() error {
	if w.currentBlockBuffer.Len() == 0 || w.numEntriesInBlock == 0 {
		return nil
	}

	var span trace.Span
	if w.tracer != nil {
		_, span = w.tracer.Start(context.Background(), "segment.Writer.flushCurrentBlock")
		defer span.End()
	}

	// The restart point trailer is part of the block data and is compressed
	// with it.
	for _, offset := range w.restartPoints {
		binary.Write(&w.currentBlockBuffer, binary.LittleEndian, offset)
	}
	binary.Write(&w.currentBlockBuffer, binary.LittleEndian, uint32(len(w.restartPoints)))

	uncompressed := w.currentBlockBuffer.Bytes()
	compressed, err := w.compressor.Compress(uncompressed)
	if err != nil {
		return fmt.Errorf("failed to compress block: %w", err)
	}

	checksum := crc32.ChecksumIEEE(compressed)
	blockOffset := w.offset
	blockLengthOnDisk := uint32(BlockHeaderSize + len(compressed))

	if span != nil {
		span.SetAttributes(
			attribute.Int64("segment.block.offset", blockOffset),
			attribute.Int("segment.block.uncompressed_bytes", len(uncompressed)),
			attribute.Int("segment.block.disk_bytes", int(blockLengthOnDisk)),
			attribute.Int("segment.block.entries", w.numEntriesInBlock),
		)
	}

	if err := binary.Write(w.file, binary.LittleEndian, byte(w.compressor.Type())); err != nil {
		return fmt.Errorf("failed to write block compression flag: %w", err)
	}
	w.offset++
	if err := binary.Write(w.file, binary.LittleEndian, checksum); err != nil {
		return fmt.Errorf("failed to write block checksum (offset %d): %w", w.offset, err)
	}
	w.offset += core.ChecksumSize
	if _, err := w.file.Write(compressed); err != nil {
		return fmt.Errorf("failed to write data block: %w", err)
	}
	w.offset += int64(len(compressed))

	w.indexBuilder.Add(w.currentBlockFirstKey, blockOffset, blockLengthOnDisk)
	w.logger.Debug("flushed block",
		"first_key_row", firstKeyRow(w.currentBlockFirstKey),
		"entries", w.numEntriesInBlock,
		"disk_bytes", blockLengthOnDisk)

	w.currentBlockBuffer.Reset()
	w.currentBlockFirstKey = nil
	w.currentBlockLastKey = nil
	w.numEntriesInBlock = 0
	w.restartPoints = w.restartPoints[:0]
	w.currentBlockSize = 0
	return nil
}

// Finish flushes the final block, writes the index, row set, key range and
// footer, syncs the file and renames it to its final name.
func (w *Writer) Finish() error {
	var span trace.Span
	if w.tracer != nil {
		_, span = w.tracer.Start(context.Background(), "segment.Writer.Finish")
		defer span.End()
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return ErrClosed
	}

	fail := func(err error) error {
		w.abort()
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}

	if err := w.flushCurrentBlock(); err != nil {
		return fail(fmt.Errorf("failed to flush final block: %w", err))
	}

	indexData, indexChecksum, err := w.indexBuilder.Build()
	if err != nil {
		return fail(fmt.Errorf("failed to build index: %w", err))
	}

	// The index checksum sits immediately before the index data; the footer's
	// index offset points at the data itself.
	if err := binary.Write(w.file, binary.LittleEndian, indexChecksum); err != nil {
		return fail(fmt.Errorf("failed to write index checksum: %w", err))
	}
	w.offset += core.ChecksumSize

	indexOffset := w.offset
	n, err := w.file.Write(indexData)
	if err != nil {
		return fail(fmt.Errorf("failed to write index data: %w", err))
	}
	w.offset += int64(n)
	indexLen := uint32(n)

	rowSetOffset := w.offset
	n, err = w.file.Write(w.rows.Bytes())
	if err != nil {
		return fail(fmt.Errorf("failed to write row set data: %w", err))
	}
	w.offset += int64(n)
	rowSetLen := uint32(n)

	minKeyOffset := w.offset
	n, err = w.file.Write(w.minKey)
	if err != nil {
		return fail(fmt.Errorf("failed to write min key data: %w", err))
	}
	w.offset += int64(n)
	minKeyLen := uint32(n)

	maxKeyOffset := w.offset
	n, err = w.file.Write(w.maxKey)
	if err != nil {
		return fail(fmt.Errorf("failed to write max key data: %w", err))
	}
	w.offset += int64(n)
	maxKeyLen := uint32(n)

	var footerBuf bytes.Buffer
	binary.Write(&footerBuf, binary.LittleEndian, uint64(indexOffset))
	binary.Write(&footerBuf, binary.LittleEndian, indexLen)
	binary.Write(&footerBuf, binary.LittleEndian, uint64(rowSetOffset))
	binary.Write(&footerBuf, binary.LittleEndian, rowSetLen)
	binary.Write(&footerBuf, binary.LittleEndian, uint64(minKeyOffset))
	binary.Write(&footerBuf, binary.LittleEndian, minKeyLen)
	binary.Write(&footerBuf, binary.LittleEndian, uint64(maxKeyOffset))
	binary.Write(&footerBuf, binary.LittleEndian, maxKeyLen)
	binary.Write(&footerBuf, binary.LittleEndian, w.cellCount)
	binary.Write(&footerBuf, binary.LittleEndian, w.tombstoneCount)
	footerBuf.WriteString(core.SegmentMagicString)

	if _, err := w.file.Write(footerBuf.Bytes()); err != nil {
		return fail(fmt.Errorf("failed to write footer: %w", err))
	}

	if err := w.file.Sync(); err != nil {
		return fail(fmt.Errorf("failed to sync segment file: %w", err))
	}
	if err := w.file.Close(); err != nil {
		w.file = nil
		return fail(fmt.Errorf("failed to close segment file: %w", err))
	}
	w.file = nil

	finalPath := strings.TrimSuffix(w.filePath, core.SegmentTempSuffix)
	if err := os.Rename(w.filePath, finalPath); err != nil {
		w.abort()
		return fmt.Errorf("failed to rename temporary segment file %s: %w", w.filePath, err)
	}
	w.filePath = finalPath

	w.logger.Info("segment written",
		"path", finalPath,
		"cells", w.cellCount,
		"tombstones", w.tombstoneCount,
		"blocks", len(w.indexBuilder.entries),
		"size_bytes", w.offset+int64(footerBuf.Len()))
	if span != nil {
		span.SetAttributes(
			attribute.String("segment.final_path", finalPath),
			attribute.Int64("segment.cells", int64(w.cellCount)),
		)
	}
	return nil
}

// Abort closes the writer and removes the temporary file. It should be
// called when segment construction is given up before Finish.
func (w *Writer) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.abort()
}

// abort is the non-locking cleanup used both by Abort and by Finish failure
// paths. The caller must hold w.mu.
func (w *Writer) abort() error {
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	if w.filePath == "" {
		return nil
	}
	if err := os.Remove(w.filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove temporary segment file %s: %w", w.filePath, err)
	}
	w.filePath = ""
	return nil
}

// FilePath returns the segment's path: the temporary path while writing, the
// final path after a successful Finish.
func (w *Writer) FilePath() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.filePath
}

// CurrentSize returns the bytes written so far, excluding the sections
// Finish appends.
func (w *Writer) CurrentSize() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

// CellCount returns the number of cells added so far.
func (w *Writer) CellCount() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cellCount
}

// TombstoneCount returns the number of delete cells added so far.
func (w *Writer) TombstoneCount() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tombstoneCount
}

// estimateEntrySize is a conservative on-disk size estimate for a block
// entry, ignoring prefix compression.
func estimateEntrySize(keyLen, payloadLen int) int {
	return 3*binary.MaxVarintLen32 + keyLen + payloadLen
}

// firstKeyRow extracts the row component of an encoded key for log output.
func firstKeyRow(key []byte) string {
	row, _, _, _, err := core.DecodeCellKey(key)
	if err != nil {
		return fmt.Sprintf("%x", key)
	}
	return string(row)
}

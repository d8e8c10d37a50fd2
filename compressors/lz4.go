package compressors

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/INLOpen/flowbase/core"
	"github.com/pierrec/lz4/v4"
)

// LZ4Compressor implements the Compressor interface using the LZ4 block
// format. The compressed output carries a uvarint prefix with the
// uncompressed size so Decompress can allocate the destination exactly.
type LZ4Compressor struct{}

type lz4ReadCloser struct {
	*bytes.Reader
}

func (lrc *lz4ReadCloser) Close() error {
	return nil
}

var _ core.Compressor = (*LZ4Compressor)(nil)
var _ io.ReadCloser = (*lz4ReadCloser)(nil)

func NewLZ4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	header := binary.AppendUvarint(nil, uint64(len(data)))
	if len(data) == 0 {
		return header, nil
	}

	buf := make([]byte, lz4.CompressBlockBound(len(data)))
	var compressor lz4.Compressor
	n, err := compressor.CompressBlock(data, buf)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress error: %w", err)
	}
	if n == 0 || n >= len(data) {
		// Incompressible input is stored raw. Decompress tells the two
		// layouts apart by body length, so the compressed layout must
		// be strictly shorter than the original.
		return append(header, data...), nil
	}
	return append(header, buf[:n]...), nil
}

func (c *LZ4Compressor) Decompress(data []byte) (io.ReadCloser, error) {
	size, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, fmt.Errorf("lz4 decompress error: missing size prefix")
	}
	body := data[n:]
	if size == 0 {
		return &lz4ReadCloser{Reader: bytes.NewReader(nil)}, nil
	}
	if uint64(len(body)) == size {
		// Stored raw.
		return &lz4ReadCloser{Reader: bytes.NewReader(body)}, nil
	}

	decompressed := make([]byte, size)
	m, err := lz4.UncompressBlock(body, decompressed)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress error: %w", err)
	}
	if uint64(m) != size {
		return nil, fmt.Errorf("lz4 decompress error: size mismatch, header %d, got %d", size, m)
	}
	return &lz4ReadCloser{Reader: bytes.NewReader(decompressed)}, nil
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}

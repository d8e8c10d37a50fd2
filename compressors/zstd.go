package compressors

import (
	"bytes"
	"fmt"
	"io"

	"github.com/INLOpen/flowbase/core"
	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor implements the Compressor interface using zstd. A single
// encoder/decoder pair is shared across calls; EncodeAll and DecodeAll are
// safe for concurrent use.
type ZstdCompressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

type zstdReadCloser struct {
	*bytes.Reader
}

func (zrc *zstdReadCloser) Close() error {
	return nil
}

var _ core.Compressor = (*ZstdCompressor)(nil)
var _ io.ReadCloser = (*zstdReadCloser)(nil)

func NewZstdCompressor() (*ZstdCompressor, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder init error: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("zstd decoder init error: %w", err)
	}
	return &ZstdCompressor{encoder: encoder, decoder: decoder}, nil
}

// MustNewZstdCompressor is for call sites where the default configuration
// cannot fail, such as package-level registries.
func MustNewZstdCompressor() *ZstdCompressor {
	c, err := NewZstdCompressor()
	if err != nil {
		panic(err)
	}
	return c
}

func (c *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	return c.encoder.EncodeAll(data, nil), nil
}

func (c *ZstdCompressor) Decompress(data []byte) (io.ReadCloser, error) {
	decompressed, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress error: %w", err)
	}
	return &zstdReadCloser{Reader: bytes.NewReader(decompressed)}, nil
}

func (c *ZstdCompressor) Type() core.CompressionType {
	return core.CompressionZSTD
}

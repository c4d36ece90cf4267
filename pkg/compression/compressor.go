// Package compression provides the shard compression codecs used by Relay's
// CSV and JSONL shard encoders. Parquet shards compress internally through
// the parquet codec configured on the writer; this package covers the
// text-based shard formats.
package compression

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm identifies a compression codec
type Algorithm string

const (
	// None disables compression
	None Algorithm = "none"
	// Gzip is the broadly compatible default for text shards
	Gzip Algorithm = "gzip"
	// Snappy favors speed over ratio
	Snappy Algorithm = "snappy"
	// Zstd favors ratio at moderate cost
	Zstd Algorithm = "zstd"
	// LZ4 favors raw decompression speed
	LZ4 Algorithm = "lz4"
)

// Compressor compresses and decompresses byte payloads
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Algorithm() Algorithm
	// Extension returns the filename suffix for this codec, including the
	// dot, or the empty string for None
	Extension() string
}

// NewCompressor returns a compressor for the named algorithm
func NewCompressor(algorithm Algorithm) (Compressor, error) {
	switch algorithm {
	case None, "":
		return &noneCompressor{}, nil
	case Gzip:
		return &gzipCompressor{}, nil
	case Snappy:
		return &snappyCompressor{}, nil
	case Zstd:
		return newZstdCompressor()
	case LZ4:
		return &lz4Compressor{}, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}
}

type noneCompressor struct{}

func (c *noneCompressor) Compress(data []byte) ([]byte, error)   { return data, nil }
func (c *noneCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }
func (c *noneCompressor) Algorithm() Algorithm                   { return None }
func (c *noneCompressor) Extension() string                      { return "" }

type gzipCompressor struct{}

func (c *gzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *gzipCompressor) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (c *gzipCompressor) Algorithm() Algorithm { return Gzip }
func (c *gzipCompressor) Extension() string    { return ".gz" }

type snappyCompressor struct{}

func (c *snappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (c *snappyCompressor) Decompress(data []byte) ([]byte, error) {
	return snappy.Decode(nil, data)
}

func (c *snappyCompressor) Algorithm() Algorithm { return Snappy }
func (c *snappyCompressor) Extension() string    { return ".snappy" }

type zstdCompressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newZstdCompressor() (*zstdCompressor, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &zstdCompressor{encoder: encoder, decoder: decoder}, nil
}

func (c *zstdCompressor) Compress(data []byte) ([]byte, error) {
	return c.encoder.EncodeAll(data, nil), nil
}

func (c *zstdCompressor) Decompress(data []byte) ([]byte, error) {
	return c.decoder.DecodeAll(data, nil)
}

func (c *zstdCompressor) Algorithm() Algorithm { return Zstd }
func (c *zstdCompressor) Extension() string    { return ".zst" }

type lz4Compressor struct{}

func (c *lz4Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *lz4Compressor) Decompress(data []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	return io.ReadAll(r)
}

func (c *lz4Compressor) Algorithm() Algorithm { return LZ4 }
func (c *lz4Compressor) Extension() string    { return ".lz4" }

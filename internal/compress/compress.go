// Package compress wraps gzip compression of result payloads before they hit the wire.
package compress

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Compressor compresses byte slices at a fixed gzip level
type Compressor struct {
	level int
}

// New returns a Compressor; level follows gzip (-2..9), 0 picks the default level
func New(level int) (*Compressor, error) {
	if level == 0 {
		level = gzip.DefaultCompression
	}
	if level < gzip.HuffmanOnly || level > gzip.BestCompression {
		return nil, fmt.Errorf("compress: invalid level %d", level)
	}
	return &Compressor{level: level}, nil
}

// Default compresses with gzip.DefaultCompression
var Default = &Compressor{level: gzip.DefaultCompression}

// Compress returns the gzip stream of b
func (c *Compressor) Compress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if _, err := zw.Write(b); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress inflates a payload produced by Compress
func (c *Compressor) Decompress(b []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return out, nil
}

// Compress uses the default compressor
func Compress(b []byte) ([]byte, error) { return Default.Compress(b) }

// Decompress uses the default compressor
func Decompress(b []byte) ([]byte, error) { return Default.Decompress(b) }

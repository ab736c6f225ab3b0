package protocol

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies how the raw contents section of a frame is stored.
// The values are written into the frame header; changing them breaks the
// wire format.
type Compression byte

const (
	CompressionNone Compression = 0
	CompressionZstd Compression = 1
	CompressionLZ4  Compression = 2
)

func (c Compression) Valid() bool {
	return c <= CompressionLZ4
}

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", byte(c))
	}
}

// ParseCompression parses the configuration name of a compression scheme.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("unknown compression: %q", name)
	}
}

// Shared zstd encoder, safe for concurrent use through EncodeAll. Decoders are
// per frame because they stream.
var zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))

func compress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionZstd:
		return zstdEncoder.EncodeAll(data, nil), nil
	case CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported compression: %d", c)
	}
}

// decompress inflates data and verifies the result is exactly size bytes.
func decompress(data []byte, c Compression, size int) ([]byte, error) {
	var out []byte
	switch c {
	case CompressionNone:
		out = data
	case CompressionZstd:
		d, err := zstd.NewReader(bytes.NewReader(data),
			zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(maxDecodedContents))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		defer d.Close()
		if out, err = readAtMost(d, size); err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
	case CompressionLZ4:
		var err error
		if out, err = readAtMost(lz4.NewReader(bytes.NewReader(data)), size); err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported compression: %d", c)
	}
	if len(out) != size {
		return nil, fmt.Errorf("contents length %d does not match declared %d", len(out), size)
	}
	return out, nil
}

// readAtMost reads one byte past size so an oversized stream is caught
// without inflating it completely.
func readAtMost(r io.Reader, size int) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, size+1))
	_, err := buf.ReadFrom(io.LimitReader(r, int64(size)+1))
	return buf.Bytes(), err
}

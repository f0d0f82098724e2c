package blob

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the codec used for newly allocated blobs. The codec
// of an existing blob is recorded in its name, so the setting can change
// between sessions without affecting reads.
type Compression uint8

const (
	// CompressionNone stores the raw bytes. Each blob file holds exactly
	// the bytes of its write.
	CompressionNone Compression = iota

	// CompressionLZ4 stores an LZ4 block. Cheap to decode.
	CompressionLZ4

	// CompressionZstd stores a zstd frame at the default level. Better
	// ratios for text-heavy program output.
	CompressionZstd
)

// File name extensions identifying the codec of a stored blob.
const (
	extRaw  = ".blob"
	extLZ4  = ".lz4"
	extZstd = ".zst"
)

var errIncompressible = errors.New("data is incompressible")

// String returns the configuration name of the codec.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// ParseCompression parses a codec name as written in configuration.
// The empty string means none.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

func (c Compression) extension() string {
	switch c {
	case CompressionLZ4:
		return extLZ4
	case CompressionZstd:
		return extZstd
	default:
		return extRaw
	}
}

// encode returns the bytes to store and the extension naming their codec.
// Data that does not shrink is stored raw.
func encode(data []byte, c Compression) ([]byte, string, error) {
	var (
		body []byte
		err  error
	)
	switch c {
	case CompressionNone:
		return data, extRaw, nil
	case CompressionLZ4:
		body, err = compressLZ4(data)
	case CompressionZstd:
		body, err = compressZstd(data)
	default:
		return nil, "", fmt.Errorf("unsupported compression: %v", c)
	}
	if errors.Is(err, errIncompressible) {
		return data, extRaw, nil
	}
	if err != nil {
		return nil, "", err
	}
	return body, c.extension(), nil
}

// decode reverses encode for a blob stored with the given extension.
func decode(body []byte, ext string, size int) ([]byte, error) {
	switch ext {
	case extRaw:
		if len(body) != size {
			return nil, fmt.Errorf("raw blob: size %d does not match expected %d", len(body), size)
		}
		return body, nil
	case extLZ4:
		return decompressLZ4(body, size)
	case extZstd:
		return decompressZstd(body, size)
	default:
		return nil, fmt.Errorf("unknown blob encoding %q", ext)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))

	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock returns 0 for incompressible input.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, size int) ([]byte, error) {
	destination := make([]byte, size)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
	}
	return destination, nil
}

// zstd.Encoder and zstd.Decoder are safe for concurrent use with
// EncodeAll/DecodeAll. They are built on first use.
var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			zstdErr = fmt.Errorf("zstd encoder initialization: %w", zstdErr)
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
		if zstdErr != nil {
			zstdErr = fmt.Errorf("zstd decoder initialization: %w", zstdErr)
		}
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

func compressZstd(data []byte) ([]byte, error) {
	encoder, _, err := zstdCodec()
	if err != nil {
		return nil, err
	}
	compressed := encoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, size int) ([]byte, error) {
	_, decoder, err := zstdCodec()
	if err != nil {
		return nil, err
	}
	result, err := decoder.DecodeAll(compressed, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(result) != size {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), size)
	}
	return result, nil
}

// Package compression compresses and decompresses the record blocks of a
// diskindex snapshot.
//
// Same algorithm set and library choices as a typical SST-block compressor,
// applied to diskindex record blocks.
package compression

import (
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type identifies a compression algorithm. The numeric values are part of
// the on-disk snapshot format and must not change.
type Type uint8

const (
	NoCompression Type = 0x0
	SnappyType    Type = 0x1
	LZ4Type       Type = 0x2
	ZstdType      Type = 0x3
)

func (t Type) String() string {
	switch t {
	case NoCompression:
		return "none"
	case SnappyType:
		return "snappy"
	case LZ4Type:
		return "lz4"
	case ZstdType:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}

// Compress compresses data using the given algorithm.
func Compress(t Type, data []byte) ([]byte, error) {
	switch t {
	case NoCompression:
		return data, nil
	case SnappyType:
		return snappy.Encode(nil, data), nil
	case LZ4Type:
		return compressLZ4(data)
	case ZstdType:
		return compressZstd(data)
	default:
		return nil, fmt.Errorf("compression: unsupported type %s", t)
	}
}

// Decompress decompresses data compressed by Compress with the same type.
// expectedSize is required for LZ4 (raw block format carries no length
// prefix); pass 0 if unknown and a growth strategy is used instead.
func Decompress(t Type, data []byte, expectedSize int) ([]byte, error) {
	switch t {
	case NoCompression:
		return data, nil
	case SnappyType:
		return snappy.Decode(nil, data)
	case LZ4Type:
		return decompressLZ4(data, expectedSize)
	case ZstdType:
		return decompressZstd(data)
	default:
		return nil, fmt.Errorf("compression: unsupported type %s", t)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	var ht [1 << 16]int
	n, err := lz4.CompressBlock(data, dst, ht[:])
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 {
		// Incompressible; store raw and let the caller record NoCompression.
		return nil, nil
	}
	return dst[:n], nil
}

func decompressLZ4(data []byte, expectedSize int) ([]byte, error) {
	if expectedSize <= 0 {
		expectedSize = max(len(data)*4, 256)
	}
	for range 8 {
		dst := make([]byte, expectedSize)
		n, err := lz4.UncompressBlock(data, dst)
		if err == nil {
			return dst[:n], nil
		}
		expectedSize *= 2
	}
	return nil, fmt.Errorf("lz4 decompress: buffer too small after retries")
}

func compressZstd(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

func decompressZstd(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}

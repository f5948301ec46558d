package pickle

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// CompressionType selects how a whole stream is wrapped.
type CompressionType int

const (
	NoCompression CompressionType = iota
	ZstdCompression
)

var (
	DefaultCompression = NoCompression

	// encoder and decoder for zstd are reusable and thread-safe
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)

	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

func (c CompressionType) String() string {
	switch c {
	case NoCompression:
		return "none"
	case ZstdCompression:
		return "zstd"
	default:
		return fmt.Sprintf("CompressionType(%d)", int(c))
	}
}

// ParseCompression accepts the names String produces.
func ParseCompression(name string) (CompressionType, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return NoCompression, nil
	case "zstd":
		return ZstdCompression, nil
	}
	return NoCompression, fmt.Errorf("unknown compression %q", name)
}

func CompressData(data []byte, compressionType CompressionType) ([]byte, error) {
	switch compressionType {
	case NoCompression:
		return data, nil
	case ZstdCompression:
		return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data))), nil
	}
	return nil, fmt.Errorf("unsupported compression %v", compressionType)
}

// DecompressData undoes CompressData. The compression is detected from the
// zstd frame magic, so plain streams pass through unchanged.
func DecompressData(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, zstdMagic) {
		return data, nil
	}
	return zstdDecoder.DecodeAll(data, nil)
}

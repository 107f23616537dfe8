package protocol

import (
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// compressionThreshold is the minimum encoded body size, in bytes, before
// compression is considered at all. Smaller bodies cost more to compress
// than they save on the wire.
const compressionThreshold = 128

// Compression selects which message bodies get LZ4 compression before
// framing.
type Compression int

const (
	// CompressMetadata compresses any sufficiently large body except a
	// ResponseMessage, whose payload is typically already-compressed file
	// data. This is the default.
	CompressMetadata Compression = iota
	CompressNever
	CompressAlways
)

func (c Compression) String() string {
	switch c {
	case CompressNever:
		return "never"
	case CompressAlways:
		return "always"
	case CompressMetadata:
		return "metadata"
	default:
		return "metadata"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c Compression) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An unrecognized value
// falls back to CompressMetadata rather than erroring out.
func (c *Compression) UnmarshalText(bs []byte) error {
	switch string(bs) {
	case "never", "false":
		*c = CompressNever
	case "always":
		*c = CompressAlways
	case "metadata", "true":
		*c = CompressMetadata
	default:
		*c = CompressMetadata
	}
	return nil
}

// shouldCompress decides whether a body of the given encoded size and
// message type should be compressed under policy c.
func (c Compression) shouldCompress(size int, msgType int) bool {
	if size < compressionThreshold {
		return false
	}
	switch c {
	case CompressAlways:
		return true
	case CompressMetadata:
		return msgType != typeResponse
	default:
		return false
	}
}

var lz4Compressor lz4.Compressor

// lz4CompressBlock compresses src as a single LZ4 block, returning dst
// resized to hold the compressed bytes. The uncompressed length is carried
// separately in the frame, so no block framing or checksum is attached.
func lz4CompressBlock(dst, src []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(src))
	if cap(dst) < bound {
		dst = make([]byte, bound)
	}
	dst = dst[:bound]
	n, err := lz4Compressor.CompressBlock(src, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 {
		// Incompressible input; pierrec/lz4 signals this by writing
		// nothing. Compression gains nothing here, so the caller should
		// fall back to sending the message uncompressed.
		return nil, errIncompressible
	}
	return dst[:n], nil
}

// lz4DecompressBlock decompresses src into a buffer of exactly
// uncompressedSize bytes.
func lz4DecompressBlock(src []byte, uncompressedSize int) ([]byte, error) {
	dst := make([]byte, uncompressedSize)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if n != uncompressedSize {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, uncompressedSize)
	}
	return dst, nil
}

var errIncompressible = fmt.Errorf("protocol: message did not compress")

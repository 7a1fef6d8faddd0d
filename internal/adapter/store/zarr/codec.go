package zarr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// maxChunkBytes bounds a single decompressed chunk.
const maxChunkBytes = 1 << 30

// zstd decoders are safe for concurrent DecodeAll calls.
var zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))

func checkCodec(id string) error {
	switch id {
	case "zlib", "gzip", "zstd", "lz4":
		return nil
	case "blosc":
		return fmt.Errorf("%w: blosc compressor is not supported, re-encode with zlib or zstd", ErrUnsupportedStore)
	default:
		return fmt.Errorf("%w: compressor %q", ErrUnsupportedStore, id)
	}
}

// decompress reverses the array's compressor. A nil compressor means the
// chunk is stored raw.
func decompress(c *Compressor, data []byte) ([]byte, error) {
	if c == nil {
		return data, nil
	}
	switch c.ID {
	case "zlib":
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("zlib: %w", err)
		}
		defer func() { _ = r.Close() }()
		return readAllLimited(r)
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer func() { _ = r.Close() }()
		return readAllLimited(r)
	case "zstd":
		out, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return out, nil
	case "lz4":
		return decompressLZ4(data)
	default:
		return nil, checkCodec(c.ID)
	}
}

// decompressLZ4 decodes the numcodecs LZ4 layout: a little-endian uint32
// uncompressed size followed by one LZ4 block.
func decompressLZ4(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("lz4: chunk too short")
	}
	size := binary.LittleEndian.Uint32(data[:4])
	if size > maxChunkBytes {
		return nil, fmt.Errorf("lz4: chunk of %d bytes exceeds limit", size)
	}
	out := make([]byte, size)
	n, err := lz4.UncompressBlock(data[4:], out)
	if err != nil {
		return nil, fmt.Errorf("lz4: %w", err)
	}
	return out[:n], nil
}

func readAllLimited(r io.Reader) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, maxChunkBytes+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxChunkBytes {
		return nil, fmt.Errorf("chunk exceeds %d bytes", maxChunkBytes)
	}
	return out, nil
}

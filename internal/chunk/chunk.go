// Package chunk splits files into fixed-size chunks and puts them back
// together on the receiving side.
package chunk

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"lukechampine.com/blake3"
)

const (
	DefaultSize = 32 * 1024
	// MaxSize is the largest chunk a node sends or accepts, decoded.
	MaxSize = 4 << 20

	EncodingZstd = "zstd"

	// compressed payloads must save at least this share to be used
	compressGain = 0.05
)

var (
	ErrIndexOutOfRange  = errors.New("chunk index out of range")
	ErrChecksumMismatch = errors.New("chunk checksum mismatch")
	ErrUnknownEncoding  = errors.New("unknown chunk encoding")
	ErrSizeMismatch     = errors.New("chunk size mismatch")
)

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxSize))
)

// Count is ceil(size/chunkSize). An empty file still has one (empty) chunk.
func Count(size int64, chunkSize int) uint32 {
	if chunkSize <= 0 {
		chunkSize = DefaultSize
	}
	if size <= 0 {
		return 1
	}
	return uint32((size + int64(chunkSize) - 1) / int64(chunkSize))
}

// Bounds returns the byte offset and length of chunk index.
func Bounds(size int64, chunkSize int, index uint32) (int64, int, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultSize
	}
	if index >= Count(size, chunkSize) {
		return 0, 0, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	off := int64(index) * int64(chunkSize)
	n := int64(chunkSize)
	if rest := size - off; rest < n {
		n = rest
	}
	if n < 0 {
		n = 0
	}
	return off, int(n), nil
}

// Checksum is the hex BLAKE3-256 of data.
func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Verify compares data against a checksum produced by Checksum.
func Verify(data []byte, checksum string) error {
	if checksum == "" {
		return nil
	}
	if Checksum(data) != checksum {
		return ErrChecksumMismatch
	}
	return nil
}

// Encode compresses data when that saves enough bytes. It returns the payload
// and its encoding ("" for raw).
func Encode(data []byte) ([]byte, string) {
	if len(data) == 0 {
		return data, ""
	}
	z := encoder.EncodeAll(data, make([]byte, 0, len(data)))
	if float64(len(z)) > float64(len(data))*(1-compressGain) {
		return data, ""
	}
	return z, EncodingZstd
}

// Decode reverses Encode. Payloads that inflate past MaxSize are rejected.
func Decode(payload []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "":
		return payload, nil
	case EncodingZstd:
		return decoder.DecodeAll(payload, nil)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, encoding)
}

// Reader serves chunks of one file.
type Reader struct {
	f         *os.File
	size      int64
	chunkSize int
}

func Open(path string, size int64, chunkSize int) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if chunkSize <= 0 {
		chunkSize = DefaultSize
	}
	return &Reader{f: f, size: size, chunkSize: chunkSize}, nil
}

func (r *Reader) Count() uint32 { return Count(r.size, r.chunkSize) }

// Chunk reads chunk index.
func (r *Reader) Chunk(index uint32) ([]byte, error) {
	off, n, err := Bounds(r.size, r.chunkSize, index)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := r.f.ReadAt(buf, off); err != nil && !(errors.Is(err, io.EOF) && n == 0) {
		return nil, err
	}
	return buf, nil
}

func (r *Reader) Close() error { return r.f.Close() }

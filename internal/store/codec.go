package store

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compression tags the codec used for a stored payload, mirroring the
// content_compression column on messages and events.
type Compression int8

const (
	CompressionNone Compression = 0
	CompressionZstd Compression = 1
)

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("store: init zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("store: init zstd decoder: %v", err))
	}
}

// compressThreshold is the minimum payload size worth paying the zstd
// framing overhead for.
const compressThreshold = 256

// compress encodes data with zstd when it is large enough to benefit,
// returning the stored bytes and the compression tag to persist alongside.
func compress(data []byte) ([]byte, Compression) {
	if len(data) < compressThreshold {
		return data, CompressionNone
	}
	return encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), CompressionZstd
}

// decompress reverses compress given the stored compression tag.
func decompress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionZstd:
		return decoder.DecodeAll(data, nil)
	case CompressionNone:
		return data, nil
	default:
		return nil, fmt.Errorf("store: unknown compression tag %d", c)
	}
}

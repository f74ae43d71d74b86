package network

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// A file is sent compressed only when that saves at least a tenth of its size.
const minCompressionSavingsDivisor = 10

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxFrameSize*4))
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// maybeCompress returns the compressed form of data when it is worth sending.
func maybeCompress(data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return data, false
	}
	encoder, _, err := zstdCodecs()
	if err != nil {
		log.Warnw("zstd unavailable", "error", err)
		return data, false
	}

	compressed := encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	if len(compressed) > len(data)-len(data)/minCompressionSavingsDivisor {
		return data, false
	}
	return compressed, true
}

func decompress(data []byte, expectedSize int64) ([]byte, error) {
	_, decoder, err := zstdCodecs()
	if err != nil {
		return nil, err
	}
	out, err := decoder.DecodeAll(data, make([]byte, 0, expectedSize))
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	if int64(len(out)) != expectedSize {
		return nil, fmt.Errorf("decompress: got %d bytes, header says %d", len(out), expectedSize)
	}
	return out, nil
}

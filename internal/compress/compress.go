// Package compress turns encoded batches into envelope payloads.
package compress

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"monitorflux/internal/model"
)

// DefaultMinSize is the raw size below which payloads are sent as is.
// Framing overhead beats the savings on tiny batches.
const DefaultMinSize = 256

// ErrCompression marks an encoder failure. The caller still gets the raw
// bytes and can send them uncompressed.
var ErrCompression = errors.New("compression failed")

// Compressor is safe for concurrent use. Each call is independent and the
// same input always produces the same output.
type Compressor struct {
	codec   model.Codec
	level   int
	minSize int
	zstdEnc *zstd.Encoder
}

func New(codec model.Codec, level, minSize int) (*Compressor, error) {
	if minSize < 0 {
		minSize = 0
	}
	c := &Compressor{codec: codec, level: level, minSize: minSize}
	switch codec {
	case model.CodecNone, model.CodecLZ4:
	case model.CodecZlib:
		if level < zlib.HuffmanOnly || level > zlib.BestCompression {
			return nil, fmt.Errorf("zlib level %d out of range", level)
		}
	case model.CodecZstd:
		if level == 0 {
			level = 3
		}
		enc, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
			zstd.WithEncoderConcurrency(1),
			zstd.WithZeroFrames(true))
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		c.zstdEnc = enc
	default:
		return nil, fmt.Errorf("unsupported codec %s", codec)
	}
	return c, nil
}

func (c *Compressor) Codec() model.Codec {
	return c.codec
}

// Compress returns the codec actually applied and the payload. Payloads
// under the minimum size, or that do not shrink, go out with CodecNone.
func (c *Compressor) Compress(raw []byte) (model.Codec, []byte, error) {
	if c.codec == model.CodecNone || len(raw) < c.minSize {
		return model.CodecNone, raw, nil
	}
	var (
		out []byte
		err error
	)
	switch c.codec {
	case model.CodecZlib:
		out, err = c.zlib(raw)
	case model.CodecZstd:
		out = c.zstdEnc.EncodeAll(raw, nil)
	case model.CodecLZ4:
		out, err = c.lz4(raw)
	}
	if err != nil {
		return model.CodecNone, raw, fmt.Errorf("%w: %s: %v", ErrCompression, c.codec, err)
	}
	if len(out) >= len(raw) {
		return model.CodecNone, raw, nil
	}
	return c.codec, out, nil
}

func (c *Compressor) zlib(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Compressor) lz4(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress. rawSize, when non-zero, is checked
// against the decoded length.
func Decompress(codec model.Codec, payload []byte, rawSize int) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch codec {
	case model.CodecNone:
		out = payload
	case model.CodecZlib:
		var r io.ReadCloser
		r, err = zlib.NewReader(bytes.NewReader(payload))
		if err == nil {
			out, err = io.ReadAll(r)
			_ = r.Close()
		}
	case model.CodecZstd:
		var dec *zstd.Decoder
		dec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err == nil {
			out, err = dec.DecodeAll(payload, nil)
			dec.Close()
		}
	case model.CodecLZ4:
		out, err = io.ReadAll(lz4.NewReader(bytes.NewReader(payload)))
	default:
		return nil, fmt.Errorf("unsupported codec %s", codec)
	}
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", codec, err)
	}
	if rawSize > 0 && len(out) != rawSize {
		return nil, fmt.Errorf("decompress %s: size %d does not match expected %d", codec, len(out), rawSize)
	}
	return out, nil
}

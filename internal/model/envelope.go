package model

import (
	"fmt"
	"time"
)

// Codec identifies how an envelope payload is compressed. The values are
// written on the wire as the first payload byte.
type Codec uint8

const (
	CodecNone Codec = 0
	CodecZlib Codec = 1
	CodecZstd Codec = 2
	CodecLZ4  Codec = 3
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZlib:
		return "zlib"
	case CodecZstd:
		return "zstd"
	case CodecLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

func ParseCodec(name string) (Codec, error) {
	switch name {
	case "none", "":
		return CodecNone, nil
	case "zlib":
		return CodecZlib, nil
	case "zstd":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	default:
		return 0, fmt.Errorf("unknown codec %q", name)
	}
}

// Envelope is a compressed batch plus transport metadata.
type Envelope struct {
	Seq            uint64
	Codec          Codec
	Payload        []byte
	RawSize        uint32
	CompressedSize uint32
	CreatedAt      time.Time
	SampleCount    int
}

package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"monitorflux/internal/model"
)

const (
	frameHeaderSize = 12
	AckSize         = 8
	// MaxFrameSize bounds the payload a reader accepts.
	MaxFrameSize = 16 << 20
)

// Frame is one envelope as it travels on the wire:
// seq (uint64 BE) | size (uint32 BE) | payload, where payload is the codec
// tag byte followed by the batch bytes.
type Frame struct {
	Seq     uint64
	Codec   model.Codec
	Payload []byte
}

func EncodeFrame(env model.Envelope) ([]byte, error) {
	size := 1 + len(env.Payload)
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: seq %d payload %d bytes", ErrFrameTooLarge, env.Seq, size)
	}
	buf := make([]byte, frameHeaderSize+size)
	binary.BigEndian.PutUint64(buf[0:8], env.Seq)
	binary.BigEndian.PutUint32(buf[8:12], uint32(size))
	buf[frameHeaderSize] = byte(env.Codec)
	copy(buf[frameHeaderSize+1:], env.Payload)
	return buf, nil
}

func DecodeFrame(buf []byte) (Frame, error) {
	if len(buf) < frameHeaderSize+1 {
		return Frame{}, fmt.Errorf("short frame: %d bytes", len(buf))
	}
	size := binary.BigEndian.Uint32(buf[8:12])
	if int(size) != len(buf)-frameHeaderSize {
		return Frame{}, fmt.Errorf("frame size %d does not match %d payload bytes", size, len(buf)-frameHeaderSize)
	}
	return Frame{
		Seq:     binary.BigEndian.Uint64(buf[0:8]),
		Codec:   model.Codec(buf[frameHeaderSize]),
		Payload: buf[frameHeaderSize+1:],
	}, nil
}

func WriteFrame(w io.Writer, env model.Envelope) error {
	buf, err := EncodeFrame(env)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	size := binary.BigEndian.Uint32(hdr[8:12])
	if size == 0 || size > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}
	return Frame{
		Seq:     binary.BigEndian.Uint64(hdr[0:8]),
		Codec:   model.Codec(body[0]),
		Payload: body[1:],
	}, nil
}

func EncodeAck(seq uint64) []byte {
	buf := make([]byte, AckSize)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

func DecodeAck(buf []byte) (uint64, error) {
	if len(buf) != AckSize {
		return 0, fmt.Errorf("ack must be %d bytes, got %d", AckSize, len(buf))
	}
	return binary.BigEndian.Uint64(buf), nil
}

func WriteAck(w io.Writer, seq uint64) error {
	_, err := w.Write(EncodeAck(seq))
	return err
}

func ReadAck(r io.Reader) (uint64, error) {
	var buf [AckSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

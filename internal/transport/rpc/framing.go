package rpc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

const (
	lengthPrefixSize = 4

	// DefaultMaxMessageSize bounds a single frame payload.
	DefaultMaxMessageSize = 1 << 20
)

var (
	ErrMessageTooLarge = errors.New("message too large")
	ErrMessageEmpty    = errors.New("message is empty")
	ErrFrameTruncated  = errors.New("frame truncated")
)

// framer reads and writes length-prefixed frames: a 4-byte big-endian
// payload length followed by the payload.
type framer struct {
	rw      io.ReadWriter
	maxSize uint32

	writeMu   sync.Mutex
	lengthBuf [lengthPrefixSize]byte
}

func newFramer(rw io.ReadWriter, maxSize uint32) *framer {
	if maxSize == 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &framer{rw: rw, maxSize: maxSize}
}

// writeFrame is safe for concurrent use.
func (f *framer) writeFrame(data []byte) error {
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if uint64(len(data)) > uint64(f.maxSize) {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(data), f.maxSize)
	}

	frame := make([]byte, lengthPrefixSize+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[lengthPrefixSize:], data)

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	if _, err := f.rw.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// readFrame returns io.EOF only when the stream ends cleanly between frames.
func (f *framer) readFrame() ([]byte, error) {
	if _, err := io.ReadFull(f.rw, f.lengthBuf[:]); err != nil {
		if err == io.EOF {
			return nil, err
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("failed to read length prefix: %w", err)
	}

	length := binary.BigEndian.Uint32(f.lengthBuf[:])
	if length == 0 {
		return nil, ErrMessageEmpty
	}
	if length > f.maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, length, f.maxSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(f.rw, payload); err != nil {
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	return payload, nil
}

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
)

// HeaderSize is the fixed chunk header length: a little-endian uint32 payload
// length followed by a little-endian uint32 per-session sequence number.
const HeaderSize = 8

var ErrFrameTooLarge = errors.New("frame payload exceeds 4GiB")

// Frame is one audio chunk as it appears on the data channel.
type Frame struct {
	Sequence uint32
	Payload  []byte
}

// FrameWriter writes header+payload pairs atomically with respect to each
// other.
type FrameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame emits one chunk in a single Write call.
func (f *FrameWriter) WriteFrame(seq uint32, payload []byte) error {
	if uint64(len(payload)) > math.MaxUint32 {
		return ErrFrameTooLarge
	}
	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[4:8], seq)
	copy(buf[HeaderSize:], payload)

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// FrameReader decodes the data channel on the client side.
type FrameReader struct {
	r      io.Reader
	header [HeaderSize]byte
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// ReadFrame returns io.EOF only at a frame boundary; a stream cut inside a
// frame yields io.ErrUnexpectedEOF.
func (f *FrameReader) ReadFrame() (Frame, error) {
	if _, err := io.ReadFull(f.r, f.header[:]); err != nil {
		return Frame{}, err
	}
	size := binary.LittleEndian.Uint32(f.header[0:4])
	frame := Frame{
		Sequence: binary.LittleEndian.Uint32(f.header[4:8]),
		Payload:  make([]byte, size),
	}
	if _, err := io.ReadFull(f.r, frame.Payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	return frame, nil
}

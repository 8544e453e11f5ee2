package mux

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/sheerbytes/muxsched/internal/scheduler"
)

const (
	preface = "MXS1"

	// HeaderLen is the size of every frame header:
	// type(1) | stream id(8) | payload length(4), big endian.
	HeaderLen = 13

	// MaxFrameSize bounds the payload of a single frame.
	MaxFrameSize = 1 << 20

	precedenceFlat = byte(0)
	precedenceTree = byte(1)

	flatPrecedenceLen = 2
	treePrecedenceLen = 12
)

// FrameType identifies the frame kind.
type FrameType byte

const (
	FrameOpen     FrameType = 0x01
	FrameData     FrameType = 0x02
	FramePriority FrameType = 0x03
	FrameClose    FrameType = 0x04
)

func (t FrameType) String() string {
	switch t {
	case FrameOpen:
		return "OPEN"
	case FrameData:
		return "DATA"
	case FramePriority:
		return "PRIORITY"
	case FrameClose:
		return "CLOSE"
	default:
		return fmt.Sprintf("FrameType(0x%02x)", byte(t))
	}
}

var (
	// ErrInvalidPreface is returned when a connection does not start with the mux preface.
	ErrInvalidPreface = errors.New("invalid mux preface")
	// ErrInvalidFrame is returned for malformed or out-of-order frames.
	ErrInvalidFrame = errors.New("invalid mux frame")
	// ErrFrameTooLarge is returned when a frame payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("mux frame too large")
)

// Frame is a decoded frame. Payload aliases the reader's buffer and is only
// valid until the next frame is read.
type Frame struct {
	Type     FrameType
	StreamID scheduler.StreamID
	Payload  []byte
}

func writePreface(w io.Writer) error {
	if _, err := io.WriteString(w, preface); err != nil {
		return fmt.Errorf("failed to write preface: %w", err)
	}
	return nil
}

func readPreface(r io.Reader) error {
	buf := make([]byte, len(preface))
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("failed to read preface: %w", err)
	}
	if string(buf) != preface {
		return ErrInvalidPreface
	}
	return nil
}

func putHeader(dst []byte, t FrameType, id scheduler.StreamID, n int) {
	dst[0] = byte(t)
	binary.BigEndian.PutUint64(dst[1:9], uint64(id))
	binary.BigEndian.PutUint32(dst[9:13], uint32(n))
}

func parseHeader(hdr []byte) (FrameType, scheduler.StreamID, uint32) {
	return FrameType(hdr[0]),
		scheduler.StreamID(binary.BigEndian.Uint64(hdr[1:9])),
		binary.BigEndian.Uint32(hdr[9:13])
}

func precedenceLen(p scheduler.Precedence) int {
	if p.IsFlat() {
		return flatPrecedenceLen
	}
	return treePrecedenceLen
}

// putPrecedence writes p into dst, which must hold precedenceLen(p) bytes.
func putPrecedence(dst []byte, p scheduler.Precedence) {
	if p.IsFlat() {
		dst[0] = precedenceFlat
		dst[1] = byte(p.Priority())
		return
	}
	dst[0] = precedenceTree
	binary.BigEndian.PutUint64(dst[1:9], uint64(p.ParentID()))
	binary.BigEndian.PutUint16(dst[9:11], uint16(p.Weight()))
	dst[11] = 0
	if p.Exclusive() {
		dst[11] = 1
	}
}

// AppendPrecedence appends the wire form of p to dst.
func AppendPrecedence(dst []byte, p scheduler.Precedence) []byte {
	n := len(dst)
	dst = append(dst, make([]byte, precedenceLen(p))...)
	putPrecedence(dst[n:], p)
	return dst
}

// ParsePrecedence decodes an OPEN or PRIORITY payload. Out-of-range
// priorities and weights are clamped by the precedence constructors.
func ParsePrecedence(b []byte) (scheduler.Precedence, error) {
	if len(b) == 0 {
		return scheduler.Precedence{}, fmt.Errorf("%w: empty precedence", ErrInvalidFrame)
	}
	switch b[0] {
	case precedenceFlat:
		if len(b) != flatPrecedenceLen {
			return scheduler.Precedence{}, fmt.Errorf("%w: flat precedence length %d", ErrInvalidFrame, len(b))
		}
		return scheduler.FlatPrecedence(int(b[1])), nil
	case precedenceTree:
		if len(b) != treePrecedenceLen {
			return scheduler.Precedence{}, fmt.Errorf("%w: tree precedence length %d", ErrInvalidFrame, len(b))
		}
		parent := scheduler.StreamID(binary.BigEndian.Uint64(b[1:9]))
		weight := int(binary.BigEndian.Uint16(b[9:11]))
		return scheduler.TreePrecedence(parent, weight, b[11] != 0), nil
	default:
		return scheduler.Precedence{}, fmt.Errorf("%w: precedence mode %d", ErrInvalidFrame, b[0])
	}
}

// FrameReader decodes frames from a connection that has already passed the
// preface check.
type FrameReader struct {
	r   io.Reader
	hdr [HeaderLen]byte
	buf []byte
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// ReadFrame returns the next frame. A clean end of stream between frames is
// reported as io.EOF.
func (fr *FrameReader) ReadFrame() (Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("failed to read frame header: %w", err)
	}
	t, id, n := parseHeader(fr.hdr[:])
	switch t {
	case FrameOpen, FrameData, FramePriority, FrameClose:
	default:
		return Frame{}, fmt.Errorf("%w: unknown type 0x%02x", ErrInvalidFrame, byte(t))
	}
	if n > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: %d bytes on stream %d", ErrFrameTooLarge, n, id)
	}
	if id == scheduler.RootStreamID {
		return Frame{}, fmt.Errorf("%w: %s on stream 0", ErrInvalidFrame, t)
	}
	if cap(fr.buf) < int(n) {
		fr.buf = make([]byte, n)
	}
	fr.buf = fr.buf[:n]
	if _, err := io.ReadFull(fr.r, fr.buf); err != nil {
		return Frame{}, fmt.Errorf("failed to read %s payload: %w", t, err)
	}
	return Frame{Type: t, StreamID: id, Payload: fr.buf}, nil
}

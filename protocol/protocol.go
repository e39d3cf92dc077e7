package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
)

// FrameSize is the fixed width of every message on the wire.
const FrameSize = 10

const (
	SentinelContinue  int32 = 0
	SentinelTerminate int32 = -1
)

var (
	ErrShortFrame  = errors.New("short frame")
	ErrBadSentinel = errors.New("unexpected control frame")
	ErrUnknownKind = errors.New("unknown message kind")
	ErrInitRange   = errors.New("init parameter out of int16 range")
)

type Frame [FrameSize]byte

type Kind uint8

const (
	KindInit Kind = iota + 1
	KindPosition
	KindContinue
	KindTerminate
	KindLatency
)

func (k Kind) String() string {
	switch k {
	case KindInit:
		return "init"
	case KindPosition:
		return "position"
	case KindContinue:
		return "continue"
	case KindTerminate:
		return "terminate"
	case KindLatency:
		return "latency"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

type Position struct {
	ID int32
	X  int16
	Y  int16
	Z  int16
}

// Init carries the session parameters a client needs before the first cycle.
// Timeout is the per-read timeout in whole seconds, 0 when disabled.
type Init struct {
	ID        int32
	Cycles    int16
	Timeout   int16
	GroupSize int16
}

// Message is the tagged form of a frame. Only the field matching Kind is
// meaningful.
type Message struct {
	Kind     Kind
	Position Position
	Init     Init
	Latency  uint64
}

func NewPosition(p Position) Message { return Message{Kind: KindPosition, Position: p} }

func NewInit(in Init) Message { return Message{Kind: KindInit, Init: in} }

func NewLatency(ms uint64) Message { return Message{Kind: KindLatency, Latency: ms} }

var (
	Continue  = Message{Kind: KindContinue}
	Terminate = Message{Kind: KindTerminate}
)

func EncodePosition(p Position) Frame {
	var f Frame
	binary.LittleEndian.PutUint32(f[0:4], uint32(p.ID))
	binary.LittleEndian.PutUint16(f[4:6], uint16(p.X))
	binary.LittleEndian.PutUint16(f[6:8], uint16(p.Y))
	binary.LittleEndian.PutUint16(f[8:10], uint16(p.Z))
	return f
}

func DecodePosition(f Frame) Position {
	return Position{
		ID: int32(binary.LittleEndian.Uint32(f[0:4])),
		X:  int16(binary.LittleEndian.Uint16(f[4:6])),
		Y:  int16(binary.LittleEndian.Uint16(f[6:8])),
		Z:  int16(binary.LittleEndian.Uint16(f[8:10])),
	}
}

func EncodeLatency(ms uint64) Frame {
	var f Frame
	binary.LittleEndian.PutUint64(f[0:8], ms)
	return f
}

func DecodeLatency(f Frame) uint64 {
	return binary.LittleEndian.Uint64(f[0:8])
}

// Encode lays a message out in the legacy frame format. Init overloads the
// coordinate fields: x = cycles, y = timeout seconds, z = group size.
func Encode(m Message) (Frame, error) {
	switch m.Kind {
	case KindPosition:
		return EncodePosition(m.Position), nil
	case KindInit:
		return EncodePosition(Position{
			ID: m.Init.ID,
			X:  m.Init.Cycles,
			Y:  m.Init.Timeout,
			Z:  m.Init.GroupSize,
		}), nil
	case KindContinue:
		return EncodePosition(Position{ID: SentinelContinue}), nil
	case KindTerminate:
		return EncodePosition(Position{ID: SentinelTerminate}), nil
	case KindLatency:
		return EncodeLatency(m.Latency), nil
	default:
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownKind, m.Kind)
	}
}

// Decode interprets f as the given kind. The dialect of a frame is fixed by
// where it falls in the exchange, so the caller always knows what to expect.
func Decode(f Frame, expect Kind) (Message, error) {
	switch expect {
	case KindPosition:
		return NewPosition(DecodePosition(f)), nil
	case KindInit:
		p := DecodePosition(f)
		return NewInit(Init{ID: p.ID, Cycles: p.X, Timeout: p.Y, GroupSize: p.Z}), nil
	case KindContinue, KindTerminate:
		want := SentinelContinue
		if expect == KindTerminate {
			want = SentinelTerminate
		}
		if id := DecodePosition(f).ID; id != want {
			return Message{}, fmt.Errorf("%w: want %s, got id %d", ErrBadSentinel, expect, id)
		}
		return Message{Kind: expect}, nil
	case KindLatency:
		return NewLatency(DecodeLatency(f)), nil
	default:
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownKind, expect)
	}
}

// ReadFrame reads exactly one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var f Frame
	if _, err := io.ReadFull(r, f[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return f, fmt.Errorf("%w: %v", ErrShortFrame, err)
		}
		return f, err
	}
	return f, nil
}

// CheckInit reports whether the session parameters fit the init frame.
func CheckInit(cycles, groupSize, timeoutSec int) error {
	for name, v := range map[string]int{
		"cycles":     cycles,
		"group size": groupSize,
		"timeout":    timeoutSec,
	} {
		if v < 0 || v > math.MaxInt16 {
			return fmt.Errorf("%w: %s=%d", ErrInitRange, name, v)
		}
	}
	return nil
}

var bufPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 0, 64*FrameSize)
		return &b
	},
}

// AcquireBuffer returns an empty scratch buffer for batching frames.
func AcquireBuffer() *[]byte {
	return bufPool.Get().(*[]byte)
}

func ReleaseBuffer(b *[]byte) {
	if b == nil {
		return
	}
	*b = (*b)[:0]
	bufPool.Put(b)
}

// AppendFrame appends the encoded frame to dst.
func AppendFrame(dst []byte, f Frame) []byte {
	return append(dst, f[:]...)
}

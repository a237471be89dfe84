// SPDX-License-Identifier: MIT
/*
Package protocol implements the EMG wire format shared by the acquisition
client and the server simulator.

Binary frames have no header. A frame is exactly

	channels × samples_per_channel × 4 bytes

of IEEE-754 float32 values in little-endian order, laid out row-major as
[channel][sample]. Two protocol versions exist and neither side negotiates:
both must be configured with the same Version.

	+-----------------+-----------------+-----+-----------------+
	| ch0 s0 .. s17   | ch1 s0 .. s17   | ... | chN s0 .. s17   |
	+-----------------+-----------------+-----+-----------------+

Commands travel in the opposite direction as bare ASCII strings, one per
socket write, with no length prefix or delimiter.
*/
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	MaxChannels              = 32 // Channels carried by a broadcast frame.
	DefaultSamplesPerChannel = 18 // Samples per channel in one packet.
	BytesPerSample           = 4  // float32
)

// Version selects the frame shape.
type Version string

const (
	// Broadcast frames carry every channel: (32, 18), 2304 bytes.
	Broadcast Version = "broadcast"
	// Single frames carry only the selected channel: (1, 18), 72 bytes.
	Single Version = "single"
)

// ParseVersion converts a configuration string to a Version.
func ParseVersion(s string) (Version, error) {
	switch Version(s) {
	case Broadcast, Single:
		return Version(s), nil
	default:
		return "", fmt.Errorf("unknown protocol version %q (want %q or %q)", s, Broadcast, Single)
	}
}

// Shape returns the frame shape of the version for the given packet length.
func (v Version) Shape(samplesPerChannel int) Shape {
	if v == Single {
		return Shape{Channels: 1, Samples: samplesPerChannel}
	}
	return Shape{Channels: MaxChannels, Samples: samplesPerChannel}
}

// Shape is the (channels, samples_per_channel) layout of a block.
type Shape struct {
	Channels int
	Samples  int
}

// Len returns the number of float32 values in a block of this shape.
func (s Shape) Len() int {
	return s.Channels * s.Samples
}

// FrameBytes returns the exact wire size of one frame.
func (s Shape) FrameBytes() int {
	return s.Len() * BytesPerSample
}

// Valid reports whether both dimensions are positive.
func (s Shape) Valid() bool {
	return s.Channels > 0 && s.Samples > 0
}

func (s Shape) String() string {
	if s.Channels == 1 {
		return fmt.Sprintf("(%d,)", s.Samples)
	}
	return fmt.Sprintf("(%d, %d)", s.Channels, s.Samples)
}

// ErrFraming is matched by every FramingError.
var ErrFraming = errors.New("framing error")

// FramingError reports a byte buffer whose length does not match the
// configured frame size.
type FramingError struct {
	Got  int
	Want int
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("framing error: got %d bytes, want %d", e.Got, e.Want)
}

func (e *FramingError) Unwrap() error {
	return ErrFraming
}

// Block is one decoded packet. Data is row-major [channel][sample].
type Block struct {
	Shape Shape
	Data  []float32
}

// NewBlock allocates a zeroed block.
func NewBlock(shape Shape) Block {
	return Block{Shape: shape, Data: make([]float32, shape.Len())}
}

// BlockFromRows builds a block from per-channel rows. All rows must have the
// same length.
func BlockFromRows(rows [][]float32) (Block, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return Block{}, fmt.Errorf("empty block rows")
	}
	shape := Shape{Channels: len(rows), Samples: len(rows[0])}
	b := NewBlock(shape)
	for ch, row := range rows {
		if len(row) != shape.Samples {
			return Block{}, fmt.Errorf("row %d has %d samples, want %d", ch, len(row), shape.Samples)
		}
		copy(b.Data[ch*shape.Samples:], row)
	}
	return b, nil
}

// Channel returns the samples of one channel. The slice aliases the block;
// callers that keep it must copy. Out-of-range channels return nil.
func (b Block) Channel(ch int) []float32 {
	if ch < 0 || ch >= b.Shape.Channels || len(b.Data) != b.Shape.Len() {
		return nil
	}
	return b.Data[ch*b.Shape.Samples : (ch+1)*b.Shape.Samples]
}

// Clone returns a deep copy of the block.
func (b Block) Clone() Block {
	data := make([]float32, len(b.Data))
	copy(data, b.Data)
	return Block{Shape: b.Shape, Data: data}
}

// Validate checks that the data length matches the shape.
func (b Block) Validate(want Shape) error {
	if b.Shape != want {
		return fmt.Errorf("%w: block shape %s, want %s", ErrFraming, b.Shape, want)
	}
	if len(b.Data) != want.Len() {
		return &FramingError{Got: len(b.Data) * BytesPerSample, Want: want.FrameBytes()}
	}
	return nil
}

// Decode converts one frame into a newly allocated block. The frame buffer
// is not retained, so the caller may reuse it.
func Decode(frame []byte, shape Shape) (Block, error) {
	if len(frame) != shape.FrameBytes() {
		return Block{}, &FramingError{Got: len(frame), Want: shape.FrameBytes()}
	}
	b := NewBlock(shape)
	for i := range b.Data {
		b.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(frame[i*BytesPerSample:]))
	}
	return b, nil
}

// Encode returns the wire representation of the block.
func Encode(b Block) []byte {
	return AppendEncode(make([]byte, 0, len(b.Data)*BytesPerSample), b)
}

// AppendEncode appends the wire representation of the block to dst.
func AppendEncode(dst []byte, b Block) []byte {
	for _, v := range b.Data {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
	}
	return dst
}

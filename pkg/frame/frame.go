// Package frame implements the binary framing used by segment files.
//
// A logical entry is split into one or more fixed-capacity frames. Every frame
// is a fixed-size Header followed by a payload slot of exactly
// Header.PayloadCapacity bytes, of which only the first Header.PayloadLength
// bytes are meaningful:
//
//	┌──────────────────────────── frame ─────────────────────────────┐
//	│ length │ capacity │ entry_seq │ frame_seq │ frame_total │ payload (capacity bytes) │
//	└────────────────────────────────────────────────────────────────┘
//
// All header fields are little endian uint64.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Framing errors
var (
	ErrInvalidHeader = errors.New("invalid frame header")
	ErrFrameSequence = errors.New("frame sequence is not contiguous")
	ErrEntryMismatch = errors.New("frame belongs to a different entry")
	ErrZeroCapacity  = errors.New("payload capacity must be greater than zero")
	ErrShortFrame    = errors.New("frame is shorter than its declared size")
	ErrNoFrames      = errors.New("no frames to reassemble")
)

var byteOrder = binary.LittleEndian

// MaxPayloadCapacity bounds the payload slot so frame sizes and file offsets
// fit in an int.
const MaxPayloadCapacity = 1 << 30

// Header is the fixed-size prefix of every frame.
type Header struct {
	PayloadLength   uint64 // bytes of the payload slot in use
	PayloadCapacity uint64 // size of the payload slot
	EntrySequence   uint64 // logical entry this frame belongs to
	FrameSequence   uint64 // 0-based position within the entry
	FrameTotal      uint64 // number of frames of the entry
}

// HeaderSize is the encoded size of a Header.
var HeaderSize = binary.Size(Header{})

// Validate checks the header invariants.
func (h Header) Validate() error {
	switch {
	case h.PayloadCapacity == 0:
		return fmt.Errorf("%w: zero capacity", ErrInvalidHeader)
	case h.PayloadCapacity > MaxPayloadCapacity:
		return fmt.Errorf("%w: capacity %d exceeds %d", ErrInvalidHeader, h.PayloadCapacity, MaxPayloadCapacity)
	case h.PayloadLength > h.PayloadCapacity:
		return fmt.Errorf("%w: length %d exceeds capacity %d", ErrInvalidHeader, h.PayloadLength, h.PayloadCapacity)
	case h.FrameTotal == 0:
		return fmt.Errorf("%w: zero frame total", ErrInvalidHeader)
	case h.FrameSequence >= h.FrameTotal:
		return fmt.Errorf("%w: frame %d of %d", ErrInvalidHeader, h.FrameSequence, h.FrameTotal)
	}
	return nil
}

// IsFirst reports whether this is the first frame of its entry.
func (h Header) IsFirst() bool {
	return h.FrameSequence == 0
}

// IsLast reports whether this is the final frame of its entry.
func (h Header) IsLast() bool {
	return h.FrameSequence+1 == h.FrameTotal
}

// AppendBinary appends the encoded header to b.
func (h Header) AppendBinary(b []byte) ([]byte, error) {
	b = byteOrder.AppendUint64(b, h.PayloadLength)
	b = byteOrder.AppendUint64(b, h.PayloadCapacity)
	b = byteOrder.AppendUint64(b, h.EntrySequence)
	b = byteOrder.AppendUint64(b, h.FrameSequence)
	b = byteOrder.AppendUint64(b, h.FrameTotal)
	return b, nil
}

// MarshalBinary encodes the header into HeaderSize bytes.
func (h Header) MarshalBinary() ([]byte, error) {
	return h.AppendBinary(make([]byte, 0, HeaderSize))
}

// UnmarshalBinary decodes a header from the first HeaderSize bytes of data
// and validates it.
func (h *Header) UnmarshalBinary(data []byte) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("%w: header needs %d bytes, got %d", ErrShortFrame, HeaderSize, len(data))
	}
	h.PayloadLength = byteOrder.Uint64(data[0:8])
	h.PayloadCapacity = byteOrder.Uint64(data[8:16])
	h.EntrySequence = byteOrder.Uint64(data[16:24])
	h.FrameSequence = byteOrder.Uint64(data[24:32])
	h.FrameTotal = byteOrder.Uint64(data[32:40])
	return h.Validate()
}

// Frame is a header plus its payload slot, padded to the header's capacity.
type Frame struct {
	Header  Header
	Payload []byte
}

// Size returns the encoded size of the frame.
func (f Frame) Size() int {
	return HeaderSize + int(f.Header.PayloadCapacity)
}

// Data returns the meaningful part of the payload slot.
func (f Frame) Data() []byte {
	return f.Payload[:f.Header.PayloadLength]
}

// AppendBinary appends the encoded frame (header and padded payload) to b.
func (f Frame) AppendBinary(b []byte) ([]byte, error) {
	b, err := f.Header.AppendBinary(b)
	if err != nil {
		return nil, err
	}
	b = append(b, f.Payload...)
	if pad := int(f.Header.PayloadCapacity) - len(f.Payload); pad > 0 {
		b = append(b, make([]byte, pad)...)
	}
	return b, nil
}

// MarshalBinary encodes the frame.
func (f Frame) MarshalBinary() ([]byte, error) {
	return f.AppendBinary(make([]byte, 0, f.Size()))
}

// Encode splits payload into frames of the given capacity, all tagged with
// entrySeq. An empty payload still produces exactly one frame.
func Encode(payload []byte, entrySeq uint64, capacity int) ([]Frame, error) {
	if capacity <= 0 {
		return nil, ErrZeroCapacity
	}
	if capacity > MaxPayloadCapacity {
		return nil, fmt.Errorf("%w: capacity %d exceeds %d", ErrInvalidHeader, capacity, MaxPayloadCapacity)
	}

	total := (len(payload) + capacity - 1) / capacity
	if total == 0 {
		total = 1
	}

	frames := make([]Frame, 0, total)
	for i := 0; i < total; i++ {
		start := i * capacity
		end := start + capacity
		if end > len(payload) {
			end = len(payload)
		}

		slot := make([]byte, capacity)
		n := copy(slot, payload[start:end])

		frames = append(frames, Frame{
			Header: Header{
				PayloadLength:   uint64(n),
				PayloadCapacity: uint64(capacity),
				EntrySequence:   entrySeq,
				FrameSequence:   uint64(i),
				FrameTotal:      uint64(total),
			},
			Payload: slot,
		})
	}
	return frames, nil
}

// DecodeFrame parses a header and the following capacity bytes of payload.
// The returned frame's Payload aliases data.
func DecodeFrame(data []byte) (Frame, error) {
	var h Header
	if err := h.UnmarshalBinary(data); err != nil {
		return Frame{}, err
	}

	end := HeaderSize + int(h.PayloadCapacity)
	if len(data) < end {
		return Frame{}, fmt.Errorf("%w: need %d bytes, got %d", ErrShortFrame, end, len(data))
	}
	return Frame{Header: h, Payload: data[HeaderSize:end]}, nil
}

// Reassemble concatenates the payloads of a complete, ordered frame sequence.
func Reassemble(frames []Frame) ([]byte, error) {
	if len(frames) == 0 {
		return nil, ErrNoFrames
	}

	var a Assembler
	for _, f := range frames {
		done, err := a.Add(f)
		if err != nil {
			return nil, err
		}
		if done {
			if a.frames != len(frames) {
				return nil, fmt.Errorf("%w: %d trailing frames", ErrFrameSequence, len(frames)-a.frames)
			}
			return a.Bytes(), nil
		}
	}
	return nil, fmt.Errorf("%w: entry %d ended at frame %d of %d",
		ErrFrameSequence, a.entrySeq, a.frames, a.total)
}

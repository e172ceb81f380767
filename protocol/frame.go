package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Control bytes of the fiscal serial protocol.
const (
	STX byte = 0x02 // start of frame
	ETX byte = 0x03 // end of frame
	ACK byte = 0x06 // frame accepted
	DC2 byte = 0x12 // printer busy, extend wait
	DC4 byte = 0x14 // printer busy, extend wait
	NAK byte = 0x15 // frame rejected, resend
	FS  byte = 0x1C // field separator
)

// Sequence number bounds. Valid sequence numbers are even values in [MinSequence, MaxSequence].
const (
	MinSequence byte = 0x20
	MaxSequence byte = 0x7F
)

// Frame is one protocol frame, either a request or a reply.
type Frame struct {
	Sequence byte
	Command  byte
	Fields   [][]byte
}

// FieldStrings returns the frame fields as strings.
func (f *Frame) FieldStrings() []string {
	out := make([]string, len(f.Fields))
	for i, v := range f.Fields {
		out[i] = string(v)
	}

	return out
}

// FrameCodec encodes request frames and decodes reply frames.
//
// The engine locates a reply by its STX and ETX bytes and then reads
// TrailerSize more bytes. Decode receives the STX..ETX span (inclusive) and
// the trailer, and must return ErrChecksumMismatch when the trailer does not
// verify the span.
type FrameCodec interface {
	Encode(f Frame) []byte
	TrailerSize() int
	Decode(body []byte, trailer []byte) (Frame, error)
}

// STXCodec is the frame layout of Hasar and Epson fiscal printers:
//
//	STX seq cmd [FS field]... ETX BCC
//
// BCC is the arithmetic sum of every byte from STX to ETX inclusive,
// truncated to 16 bits and written as four uppercase hex digits.
type STXCodec struct{}

var _ FrameCodec = STXCodec{}

// checksumSize is the size of the STXCodec trailer in bytes.
const checksumSize = 4

// Encode serializes f to its wire format.
func (STXCodec) Encode(f Frame) []byte {
	size := 4 + checksumSize
	for _, field := range f.Fields {
		size += 1 + len(field)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, STX, f.Sequence, f.Command)
	for _, field := range f.Fields {
		buf = append(buf, FS)
		buf = append(buf, field...)
	}
	buf = append(buf, ETX)

	return append(buf, FormatChecksum(Checksum(buf))...)
}

// TrailerSize returns the checksum length.
func (STXCodec) TrailerSize() int { return checksumSize }

// Decode parses a reply frame and verifies its checksum.
func (STXCodec) Decode(body []byte, trailer []byte) (Frame, error) {
	if len(body) < 4 || body[0] != STX || body[len(body)-1] != ETX {
		return Frame{}, fmt.Errorf("%w: missing STX/ETX or frame too short (%d bytes)", ErrMalformedFrame, len(body))
	}
	if len(trailer) != checksumSize {
		return Frame{}, fmt.Errorf("%w: checksum length %d, want %d", ErrMalformedFrame, len(trailer), checksumSize)
	}

	want, err := strconv.ParseUint(string(trailer), 16, 16)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: checksum %q is not hex", ErrChecksumMismatch, trailer)
	}
	if got := Checksum(body); got != uint16(want) {
		return Frame{}, fmt.Errorf("%w: wire=%s, computed=%04X", ErrChecksumMismatch, strings.ToUpper(string(trailer)), got)
	}

	frame := Frame{Sequence: body[1], Command: body[2]}

	// content is everything between the command byte and ETX
	content := body[3 : len(body)-1]
	if len(content) > 0 {
		if content[0] != FS {
			return Frame{}, fmt.Errorf("%w: expected field separator after command byte", ErrMalformedFrame)
		}
		for _, field := range bytes.Split(content[1:], []byte{FS}) {
			frame.Fields = append(frame.Fields, bytes.Clone(field))
		}
	}

	return frame, nil
}

// Checksum computes the 16-bit arithmetic sum of data.
func Checksum(data []byte) uint16 {
	var sum uint32
	for _, v := range data {
		sum += uint32(v)
	}

	return uint16(sum & 0xFFFF) //nolint:gosec // intentional truncation
}

// FormatChecksum renders a checksum as four uppercase hex digits.
func FormatChecksum(cs uint16) []byte {
	return []byte(fmt.Sprintf("%04X", cs))
}

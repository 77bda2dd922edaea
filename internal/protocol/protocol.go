package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	// Frame types
	FrameTypeAudio = 0x02
	FrameTypeEnd   = 0x03

	// Frame structure sizes
	HeaderSize   = 8 // 1 + 2 + 4 + 1 bytes
	SequenceSize = 4

	// MaxFrameSize is the largest frame that fits the 16-bit length field
	MaxFrameSize = 0xFFFF
)

// Header represents the 8-byte frame header
// Layout: [FrameType:1][FrameLen:2][SourceID:4][BitsPerSample:1]
type Header struct {
	FrameType     uint8  // 0x02=Audio, 0x03=End
	FrameLen      uint16 // Total frame size (header + payload)
	SourceID      uint32 // Remote microphone identifier
	BitsPerSample uint8  // Sample width of the payload
}

// Frame represents a fully parsed frame
// Payload layout: [Sequence:4][Samples:N]
type Frame struct {
	Header   *Header
	Sequence uint32
	// Samples aliases the datagram it was parsed from; empty for end frames
	Samples []byte
}

// ParseHeader parses the 8-byte frame header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	header := &Header{
		FrameType:     data[0],
		FrameLen:      binary.BigEndian.Uint16(data[1:3]),
		SourceID:      binary.BigEndian.Uint32(data[3:7]),
		BitsPerSample: data[7],
	}

	return header, nil
}

// ParseFrame parses a complete frame (header + payload)
func ParseFrame(data []byte) (*Frame, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	// Validate frame length matches actual data
	if int(header.FrameLen) != len(data) {
		return nil, fmt.Errorf("frame length mismatch: header says %d bytes, got %d bytes",
			header.FrameLen, len(data))
	}

	if err := ValidateHeader(header); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	frame := &Frame{
		Header:   header,
		Sequence: binary.BigEndian.Uint32(data[HeaderSize : HeaderSize+SequenceSize]),
	}
	if header.FrameType == FrameTypeAudio {
		frame.Samples = data[HeaderSize+SequenceSize:]
	}

	return frame, nil
}

// ValidateHeader validates the frame header fields
func ValidateHeader(header *Header) error {
	if !IsValidFrameType(header.FrameType) {
		return fmt.Errorf("invalid frame type: 0x%02x", header.FrameType)
	}

	if header.BitsPerSample != 8 && header.BitsPerSample != 16 {
		return fmt.Errorf("invalid sample width: %d bits", header.BitsPerSample)
	}

	payloadSize := int(header.FrameLen) - HeaderSize
	switch header.FrameType {
	case FrameTypeAudio:
		if payloadSize < SequenceSize {
			return fmt.Errorf("audio frame payload too small: expected at least %d, got %d",
				SequenceSize, payloadSize)
		}
		if header.BitsPerSample == 16 && (payloadSize-SequenceSize)%2 != 0 {
			return fmt.Errorf("audio frame carries a partial 16-bit sample")
		}
	case FrameTypeEnd:
		if payloadSize != SequenceSize {
			return fmt.Errorf("end frame payload size mismatch: expected %d, got %d",
				SequenceSize, payloadSize)
		}
	}

	return nil
}

// IsValidFrameType checks if the frame type is valid
func IsValidFrameType(ftype uint8) bool {
	return ftype == FrameTypeAudio || ftype == FrameTypeEnd
}

// EncodeAudio builds an audio frame. It is the sending side of ParseFrame,
// used by remote microphones and test rigs.
func EncodeAudio(sourceID uint32, bitsPerSample uint8, sequence uint32, samples []byte) ([]byte, error) {
	return encode(FrameTypeAudio, sourceID, bitsPerSample, sequence, samples)
}

// EncodeEnd builds an end-of-stream frame
func EncodeEnd(sourceID uint32, bitsPerSample uint8, sequence uint32) ([]byte, error) {
	return encode(FrameTypeEnd, sourceID, bitsPerSample, sequence, nil)
}

func encode(ftype uint8, sourceID uint32, bitsPerSample uint8, sequence uint32, samples []byte) ([]byte, error) {
	size := HeaderSize + SequenceSize + len(samples)
	if size > MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes (maximum %d)", size, MaxFrameSize)
	}

	data := make([]byte, size)
	data[0] = ftype
	binary.BigEndian.PutUint16(data[1:3], uint16(size))
	binary.BigEndian.PutUint32(data[3:7], sourceID)
	data[7] = bitsPerSample
	binary.BigEndian.PutUint32(data[HeaderSize:HeaderSize+SequenceSize], sequence)
	copy(data[HeaderSize+SequenceSize:], samples)

	return data, nil
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	var frameType string

	switch h.FrameType {
	case FrameTypeAudio:
		frameType = "Audio"
	case FrameTypeEnd:
		frameType = "End"
	default:
		frameType = fmt.Sprintf("Unknown(0x%02x)", h.FrameType)
	}

	return fmt.Sprintf("Header{Type:%s, Len:%d, SourceID:%d, Bits:%d}",
		frameType, h.FrameLen, h.SourceID, h.BitsPerSample)
}

// String returns a human-readable representation of the frame
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{%s, Sequence:%d, SamplesLen:%d}", f.Header, f.Sequence, len(f.Samples))
}

package xmodem

import (
	"encoding/binary"
	"fmt"

	"github.com/usbthing/bootloader/internal/crc"
)

// Control bytes.
const (
	SOH      = 0x01 // start of 128-byte block
	STX      = 0x02 // start of 1024-byte block
	EOT      = 0x04
	ACK      = 0x06
	NAK      = 0x15
	CAN      = 0x18
	CRCReady = 'C' // receiver ready, CRC mode
)

// Block sizes.
const (
	BlockSize   = 128
	BlockSize1K = 1024
)

// overhead is seq, ^seq and the two CRC bytes.
const overhead = 4

// PayloadSize returns the payload length selected by a control byte.
func PayloadSize(control byte) (int, bool) {
	switch control {
	case SOH:
		return BlockSize, true
	case STX:
		return BlockSize1K, true
	default:
		return 0, false
	}
}

// Packet is one data frame.
type Packet struct {
	Control byte
	Seq     byte
	Payload []byte
}

// NewPacket builds a frame for payload, padding it with pad to the block
// size chosen by its length.
func NewPacket(seq byte, payload []byte, pad byte) *Packet {
	control := byte(SOH)
	size := BlockSize
	if len(payload) > BlockSize {
		control, size = STX, BlockSize1K
	}
	data := make([]byte, size)
	n := copy(data, payload)
	for i := n; i < size; i++ {
		data[i] = pad
	}
	return &Packet{Control: control, Seq: seq, Payload: data}
}

// Encode serializes the frame:
//
//	0: control
//	1: seq
//	2: ^seq
//	3..n+2: payload
//	n+3..n+4: CRC-16 of payload, big-endian
func (p *Packet) Encode() []byte {
	out := make([]byte, 3+len(p.Payload)+2)
	out[0] = p.Control
	out[1] = p.Seq
	out[2] = ^p.Seq
	copy(out[3:], p.Payload)
	binary.BigEndian.PutUint16(out[3+len(p.Payload):], crc.Checksum(p.Payload))
	return out
}

// DecodePacket parses a complete frame, checking the complement and CRC.
func DecodePacket(frame []byte) (*Packet, error) {
	if len(frame) < 1 {
		return nil, fmt.Errorf("%w: empty frame", ErrProtocol)
	}
	size, ok := PayloadSize(frame[0])
	if !ok {
		return nil, fmt.Errorf("%w: control byte 0x%02X", ErrProtocol, frame[0])
	}
	if len(frame) != 1+size+overhead {
		return nil, fmt.Errorf("%w: frame length %d, want %d", ErrProtocol, len(frame), 1+size+overhead)
	}
	if err := checkBody(frame[1:]); err != nil {
		return nil, err
	}
	return &Packet{Control: frame[0], Seq: frame[1], Payload: frame[3 : 3+size]}, nil
}

// checkBody validates seq, ^seq, payload and CRC, as read after the control
// byte.
func checkBody(body []byte) error {
	seq, cseq := body[0], body[1]
	if cseq != ^seq {
		return fmt.Errorf("%w: sequence 0x%02X complement 0x%02X", ErrProtocol, seq, cseq)
	}
	payload := body[2 : len(body)-2]
	want := binary.BigEndian.Uint16(body[len(body)-2:])
	if got := crc.Checksum(payload); got != want {
		return fmt.Errorf("%w: CRC 0x%04X, frame says 0x%04X", ErrProtocol, got, want)
	}
	return nil
}

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Data message sizes. A message is module, id and a fixed body; the body
// is large enough for one data block.
const (
	DataBlockSize   = 48
	dataHeaderSize  = 2
	dataBodySize    = 2 + DataBlockSize
	DataMessageSize = dataHeaderSize + dataBodySize
)

// DataID says what a data message carries.
type DataID uint8

const (
	DataTransferInit     DataID = 1
	DataOut              DataID = 2
	DataIn               DataID = 3
	DataTransferComplete DataID = 4
)

// I2C data transfer modes. These differ from the control block modes.
const (
	XferModeRead      = 1
	XferModeWrite     = 2
	XferModeWriteRead = 3
)

// ErrDataMessage is returned for data messages that cannot be encoded or decoded.
var ErrDataMessage = errors.New("malformed data message")

// TransferInit opens a bulk transfer. Mode is only present for I2C.
//
// SPI body:
//
//	0-1: bytes out
//	2-3: bytes in
//
// I2C body:
//
//	0: mode
//	2-3: bytes out
//	4-5: bytes in
type TransferInit struct {
	Mode     uint8
	BytesOut uint16
	BytesIn  uint16
}

// DataBlock is one chunk of a transfer.
//
//	0: block id
//	1: length
//	2-49: data
type DataBlock struct {
	BlockID uint8
	Data    []byte
}

// DataMessage is one bulk message. Payload is a TransferInit for
// DataTransferInit, a DataBlock for DataOut and DataIn, and nil for
// DataTransferComplete.
type DataMessage struct {
	Module  Module
	ID      DataID
	Payload any
}

// MarshalBinary encodes the message into DataMessageSize bytes.
func (m *DataMessage) MarshalBinary() ([]byte, error) {
	if m.Module != ModuleSPI && m.Module != ModuleI2C {
		return nil, fmt.Errorf("%w: %s has no data messages", ErrDataMessage, m.Module)
	}
	b := make([]byte, DataMessageSize)
	b[0], b[1] = byte(m.Module), byte(m.ID)
	body := b[dataHeaderSize:]

	switch m.ID {
	case DataTransferInit:
		ti, ok := m.Payload.(TransferInit)
		if !ok {
			return nil, fmt.Errorf("%w: init payload is %T", ErrDataMessage, m.Payload)
		}
		off := 0
		if m.Module == ModuleI2C {
			body[0] = ti.Mode
			off = 2
		}
		binary.LittleEndian.PutUint16(body[off:], ti.BytesOut)
		binary.LittleEndian.PutUint16(body[off+2:], ti.BytesIn)
	case DataOut, DataIn:
		blk, ok := m.Payload.(DataBlock)
		if !ok {
			return nil, fmt.Errorf("%w: block payload is %T", ErrDataMessage, m.Payload)
		}
		if len(blk.Data) > DataBlockSize {
			return nil, fmt.Errorf("%w: block of %d bytes", ErrDataMessage, len(blk.Data))
		}
		body[0], body[1] = blk.BlockID, byte(len(blk.Data))
		copy(body[2:], blk.Data)
	case DataTransferComplete:
	default:
		return nil, fmt.Errorf("%w: id %d", ErrDataMessage, m.ID)
	}
	return b, nil
}

// UnmarshalBinary decodes a message produced by MarshalBinary.
func (m *DataMessage) UnmarshalBinary(b []byte) error {
	if len(b) < DataMessageSize {
		return fmt.Errorf("%w: %d bytes, need %d", ErrDataMessage, len(b), DataMessageSize)
	}
	m.Module, m.ID = Module(b[0]), DataID(b[1])
	if m.Module != ModuleSPI && m.Module != ModuleI2C {
		return fmt.Errorf("%w: %s has no data messages", ErrDataMessage, m.Module)
	}
	body := b[dataHeaderSize:DataMessageSize]

	switch m.ID {
	case DataTransferInit:
		var ti TransferInit
		off := 0
		if m.Module == ModuleI2C {
			ti.Mode = body[0]
			off = 2
		}
		ti.BytesOut = binary.LittleEndian.Uint16(body[off:])
		ti.BytesIn = binary.LittleEndian.Uint16(body[off+2:])
		m.Payload = ti
	case DataOut, DataIn:
		n := int(body[1])
		if n > DataBlockSize {
			return fmt.Errorf("%w: block length %d", ErrDataMessage, n)
		}
		m.Payload = DataBlock{BlockID: body[0], Data: append([]byte(nil), body[2:2+n]...)}
	case DataTransferComplete:
		m.Payload = nil
	default:
		return fmt.Errorf("%w: id %d", ErrDataMessage, m.ID)
	}
	return nil
}

// SplitBlocks cuts data into numbered DataBlocks, starting at id 0.
func SplitBlocks(data []byte) []DataBlock {
	blocks := make([]DataBlock, 0, (len(data)+DataBlockSize-1)/DataBlockSize)
	for off := 0; off < len(data); off += DataBlockSize {
		end := off + DataBlockSize
		if end > len(data) {
			end = len(data)
		}
		blocks = append(blocks, DataBlock{BlockID: uint8(len(blocks)), Data: data[off:end]})
	}
	return blocks
}

// Package protocol encodes the messages the application firmware exchanges
// with host tools. Control messages are a 32-byte block selected by module
// and command. Data messages carry bulk SPI and I2C traffic.
//
// All multi-byte fields are little-endian.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// ControlSize is the size of a control block.
const ControlSize = 32

// Fixed string field sizes.
const (
	SerialSize   = 32
	FirmwareSize = 32
)

// Message is one control message variant.
type Message interface {
	Module() Module
	Command() uint8
	// Size is the number of meaningful bytes in the control block.
	Size() int
	put(b []byte)
	get(b []byte)
}

type key struct {
	module Module
	cmd    uint8
}

var variants = map[key]func() Message{
	{ModuleBase, CmdBaseNoop}:        func() Message { return &Noop{} },
	{ModuleBase, CmdBaseSerialGet}:   func() Message { return &SerialGet{} },
	{ModuleBase, CmdBaseFirmwareGet}: func() Message { return &FirmwareGet{} },
	{ModuleBase, CmdBaseLEDSet}:      func() Message { return &LEDSet{} },
	{ModuleBase, CmdBaseReset}:       func() Message { return &Reset{} },
	{ModuleGPIO, CmdGPIOConfig}:      func() Message { return &GPIOConfig{} },
	{ModuleGPIO, CmdGPIOGet}:         func() Message { return &GPIOGet{} },
	{ModuleGPIO, CmdGPIOSet}:         func() Message { return &GPIOSet{} },
	{ModuleADC, CmdADCConfig}:        func() Message { return &ADCConfig{} },
	{ModuleADC, CmdADCEnable}:        func() Message { return &ADCEnable{} },
	{ModuleADC, CmdADCGet}:           func() Message { return &ADCGet{} },
	{ModuleDAC, CmdDACConfig}:        func() Message { return &DACConfig{} },
	{ModuleDAC, CmdDACSet}:           func() Message { return &DACSet{} },
	{ModuleSPI, CmdSPIConfig}:        func() Message { return &SPIConfig{} },
	{ModuleSPI, CmdSPIClose}:         func() Message { return &SPIClose{} },
	{ModuleI2C, CmdI2CConfig}:        func() Message { return &I2CConfig{} },
	{ModuleI2C, CmdI2CTransfer}:      func() Message { return &I2CTransfer{} },
}

// EncodeControl serializes m into a zero-padded control block.
func EncodeControl(m Message) []byte {
	block := make([]byte, ControlSize)
	m.put(block)
	return block
}

// DecodeControl parses a control block for the given module and command.
func DecodeControl(module Module, cmd uint8, block []byte) (Message, error) {
	newMsg, ok := variants[key{module, cmd}]
	if !ok {
		return nil, fmt.Errorf("unknown %s command 0x%02X", module, cmd)
	}
	m := newMsg()
	if len(block) < m.Size() {
		return nil, fmt.Errorf("%s command 0x%02X: %d bytes, need %d", module, cmd, len(block), m.Size())
	}
	m.get(block)
	return m, nil
}

// Noop does nothing.
type Noop struct{}

func (*Noop) Module() Module { return ModuleBase }
func (*Noop) Command() uint8 { return CmdBaseNoop }
func (*Noop) Size() int      { return 0 }
func (*Noop) put([]byte)     {}
func (*Noop) get([]byte)     {}

// Reset restarts the application firmware.
type Reset struct{}

func (*Reset) Module() Module { return ModuleBase }
func (*Reset) Command() uint8 { return CmdBaseReset }
func (*Reset) Size() int      { return 0 }
func (*Reset) put([]byte)     {}
func (*Reset) get([]byte)     {}

// SerialGet carries the device serial string, NUL padded.
type SerialGet struct {
	Serial [SerialSize]byte
}

func (*SerialGet) Module() Module   { return ModuleBase }
func (*SerialGet) Command() uint8   { return CmdBaseSerialGet }
func (*SerialGet) Size() int        { return SerialSize }
func (m *SerialGet) put(b []byte)   { copy(b, m.Serial[:]) }
func (m *SerialGet) get(b []byte)   { copy(m.Serial[:], b) }
func (m *SerialGet) String() string { return cstring(m.Serial[:]) }

// FirmwareGet carries the firmware version string, NUL padded.
type FirmwareGet struct {
	Version [FirmwareSize]byte
}

func (*FirmwareGet) Module() Module   { return ModuleBase }
func (*FirmwareGet) Command() uint8   { return CmdBaseFirmwareGet }
func (*FirmwareGet) Size() int        { return FirmwareSize }
func (m *FirmwareGet) put(b []byte)   { copy(b, m.Version[:]) }
func (m *FirmwareGet) get(b []byte)   { copy(m.Version[:], b) }
func (m *FirmwareGet) String() string { return cstring(m.Version[:]) }

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// LEDSet switches a board LED.
//
//	0: pin
//	1: enable
type LEDSet struct {
	Pin    uint8
	Enable bool
}

func (*LEDSet) Module() Module { return ModuleBase }
func (*LEDSet) Command() uint8 { return CmdBaseLEDSet }
func (*LEDSet) Size() int      { return 2 }
func (m *LEDSet) put(b []byte) { b[0], b[1] = m.Pin, boolByte(m.Enable) }
func (m *LEDSet) get(b []byte) { m.Pin, m.Enable = b[0], b[1] != 0 }

// GPIOConfig sets up a pin.
//
//	0: pin
//	1: mode
//	2: pull
//	3: interrupt
type GPIOConfig struct {
	Pin       uint8
	Mode      uint8
	Pull      uint8
	Interrupt uint8
}

func (*GPIOConfig) Module() Module { return ModuleGPIO }
func (*GPIOConfig) Command() uint8 { return CmdGPIOConfig }
func (*GPIOConfig) Size() int      { return 4 }
func (m *GPIOConfig) put(b []byte) { b[0], b[1], b[2], b[3] = m.Pin, m.Mode, m.Pull, m.Interrupt }
func (m *GPIOConfig) get(b []byte) { m.Pin, m.Mode, m.Pull, m.Interrupt = b[0], b[1], b[2], b[3] }

// GPIOSet drives an output pin.
type GPIOSet struct {
	Pin   uint8
	Level uint8
}

func (*GPIOSet) Module() Module { return ModuleGPIO }
func (*GPIOSet) Command() uint8 { return CmdGPIOSet }
func (*GPIOSet) Size() int      { return 2 }
func (m *GPIOSet) put(b []byte) { b[0], b[1] = m.Pin, m.Level }
func (m *GPIOSet) get(b []byte) { m.Pin, m.Level = b[0], b[1] }

// GPIOGet is the level read back from a pin.
type GPIOGet struct {
	Level uint8
}

func (*GPIOGet) Module() Module { return ModuleGPIO }
func (*GPIOGet) Command() uint8 { return CmdGPIOGet }
func (*GPIOGet) Size() int      { return 1 }
func (m *GPIOGet) put(b []byte) { b[0] = m.Level }
func (m *GPIOGet) get(b []byte) { m.Level = b[0] }

// ADCConfig selects the ADC reference.
type ADCConfig struct {
	Ref uint8
}

func (*ADCConfig) Module() Module { return ModuleADC }
func (*ADCConfig) Command() uint8 { return CmdADCConfig }
func (*ADCConfig) Size() int      { return 1 }
func (m *ADCConfig) put(b []byte) { b[0] = m.Ref }
func (m *ADCConfig) get(b []byte) { m.Ref = b[0] }

// ADCEnable turns sampling on or off.
type ADCEnable struct {
	Enable bool
}

func (*ADCEnable) Module() Module { return ModuleADC }
func (*ADCEnable) Command() uint8 { return CmdADCEnable }
func (*ADCEnable) Size() int      { return 1 }
func (m *ADCEnable) put(b []byte) { b[0] = boolByte(m.Enable) }
func (m *ADCEnable) get(b []byte) { m.Enable = b[0] != 0 }

// ADCGet is one conversion result.
type ADCGet struct {
	Value uint32
}

func (*ADCGet) Module() Module { return ModuleADC }
func (*ADCGet) Command() uint8 { return CmdADCGet }
func (*ADCGet) Size() int      { return 4 }
func (m *ADCGet) put(b []byte) { binary.LittleEndian.PutUint32(b, m.Value) }
func (m *ADCGet) get(b []byte) { m.Value = binary.LittleEndian.Uint32(b) }

// DACConfig has no settings; the byte is reserved.
type DACConfig struct {
	Reserved uint8
}

func (*DACConfig) Module() Module { return ModuleDAC }
func (*DACConfig) Command() uint8 { return CmdDACConfig }
func (*DACConfig) Size() int      { return 1 }
func (m *DACConfig) put(b []byte) { b[0] = m.Reserved }
func (m *DACConfig) get(b []byte) { m.Reserved = b[0] }

// DACSet sets the DAC output.
//
//	0: enable
//	1-2: value
type DACSet struct {
	Enable bool
	Value  uint16
}

func (*DACSet) Module() Module { return ModuleDAC }
func (*DACSet) Command() uint8 { return CmdDACSet }
func (*DACSet) Size() int      { return 3 }

func (m *DACSet) put(b []byte) {
	b[0] = boolByte(m.Enable)
	binary.LittleEndian.PutUint16(b[1:], m.Value)
}

func (m *DACSet) get(b []byte) {
	m.Enable = b[0] != 0
	m.Value = binary.LittleEndian.Uint16(b[1:])
}

// SPIConfig opens the SPI master.
//
//	0-3: clock frequency in Hz
//	4: clock mode
type SPIConfig struct {
	Frequency uint32
	ClockMode uint8
}

func (*SPIConfig) Module() Module { return ModuleSPI }
func (*SPIConfig) Command() uint8 { return CmdSPIConfig }
func (*SPIConfig) Size() int      { return 5 }

func (m *SPIConfig) put(b []byte) {
	binary.LittleEndian.PutUint32(b, m.Frequency)
	b[4] = m.ClockMode
}

func (m *SPIConfig) get(b []byte) {
	m.Frequency = binary.LittleEndian.Uint32(b)
	m.ClockMode = b[4]
}

// SPIClose releases the SPI master.
type SPIClose struct{}

func (*SPIClose) Module() Module { return ModuleSPI }
func (*SPIClose) Command() uint8 { return CmdSPIClose }
func (*SPIClose) Size() int      { return 0 }
func (*SPIClose) put([]byte)     {}
func (*SPIClose) get([]byte)     {}

// I2CConfig sets the bus frequency.
type I2CConfig struct {
	Frequency uint32
}

func (*I2CConfig) Module() Module { return ModuleI2C }
func (*I2CConfig) Command() uint8 { return CmdI2CConfig }
func (*I2CConfig) Size() int      { return 4 }
func (m *I2CConfig) put(b []byte) { binary.LittleEndian.PutUint32(b, m.Frequency) }
func (m *I2CConfig) get(b []byte) { m.Frequency = binary.LittleEndian.Uint32(b) }

// I2CTransfer describes one bus transaction and, in the reply, its result.
//
//	0: mode
//	1: address
//	2: bytes to write
//	3: bytes to read
//	4: result (signed)
type I2CTransfer struct {
	Mode     uint8
	Address  uint8
	NumWrite uint8
	NumRead  uint8
	Result   Status
}

func (*I2CTransfer) Module() Module { return ModuleI2C }
func (*I2CTransfer) Command() uint8 { return CmdI2CTransfer }
func (*I2CTransfer) Size() int      { return 5 }

func (m *I2CTransfer) put(b []byte) {
	b[0], b[1], b[2], b[3] = m.Mode, m.Address, m.NumWrite, m.NumRead
	b[4] = byte(m.Result)
}

func (m *I2CTransfer) get(b []byte) {
	m.Mode, m.Address, m.NumWrite, m.NumRead = b[0], b[1], b[2], b[3]
	m.Result = Status(int8(b[4]))
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

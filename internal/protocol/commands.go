package protocol

import "fmt"

// Version is the application protocol revision.
const Version = 1

// Default USB identifiers.
const (
	DefaultVendorID  = 0x0001
	DefaultProductID = 0x0001
)

// Module selects the peripheral a message is for.
type Module uint8

const (
	ModuleBase Module = 1
	ModuleGPIO Module = 2
	ModuleSPI  Module = 3
	ModuleI2C  Module = 4
	ModulePWM  Module = 5
	ModuleADC  Module = 6
	ModuleDAC  Module = 7
)

func (m Module) String() string {
	switch m {
	case ModuleBase:
		return "base"
	case ModuleGPIO:
		return "gpio"
	case ModuleSPI:
		return "spi"
	case ModuleI2C:
		return "i2c"
	case ModulePWM:
		return "pwm"
	case ModuleADC:
		return "adc"
	case ModuleDAC:
		return "dac"
	default:
		return fmt.Sprintf("module(%d)", uint8(m))
	}
}

// Base commands
const (
	CmdBaseNoop        = 0
	CmdBaseSerialGet   = 1
	CmdBaseFirmwareGet = 2
	CmdBaseLEDSet      = 3
	CmdBaseReset       = 4
)

// GPIO commands
const (
	CmdGPIOConfig = 0
	CmdGPIOGet    = 1
	CmdGPIOSet    = 2
)

// GPIO settings
const (
	GPIOModeInput  = 0
	GPIOModeOutput = 1

	GPIOLevelLow  = 0
	GPIOLevelHigh = 1

	GPIOPullNone = 0
	GPIOPullLow  = 1
	GPIOPullHigh = 2

	GPIOIntDisable = 0
	GPIOIntRising  = 1
	GPIOIntFalling = 2
)

// ADC commands
const (
	CmdADCConfig = 0
	CmdADCEnable = 1
	CmdADCGet    = 2
)

// ADC references
const (
	ADCRef1V25   = 0
	ADCRef2V5    = 1
	ADCRefVDD    = 2
	ADCRef5VDiff = 3
)

// SPI commands
const (
	CmdSPIConfig = 0
	CmdSPIClose  = 1
)

// Peripheral commands with global codes
const (
	CmdI2CConfig   = 0xB1
	CmdI2CTransfer = 0xB2
	CmdPWMConfig   = 0xC1
	CmdPWMEnable   = 0xC2
	CmdPWMSet      = 0xC3
	CmdDACConfig   = 0xE1
	CmdDACSet      = 0xE3
	CmdUARTConfig  = 0xF1
)

// I2C transfer modes
const (
	I2CModeRead      = 0
	I2CModeWrite     = 1
	I2CModeWriteRead = 2
)

// Status is the result code the firmware returns.
type Status int8

const (
	StatusOK                Status = 0
	StatusUSBDisconnect     Status = -1
	StatusUSBTimeout        Status = -2
	StatusPeripheralFailed  Status = -3
	StatusPeripheralTimeout Status = -4
)

// Error returns human-readable error message
func (s Status) Error() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUSBDisconnect:
		return "usb disconnected"
	case StatusUSBTimeout:
		return "usb timeout"
	case StatusPeripheralFailed:
		return "peripheral failed"
	case StatusPeripheralTimeout:
		return "peripheral timeout"
	default:
		return fmt.Sprintf("unknown status %d", int8(s))
	}
}

// Err returns nil for StatusOK and s otherwise.
func (s Status) Err() error {
	if s == StatusOK {
		return nil
	}
	return s
}

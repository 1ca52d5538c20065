package sim

import "sync"

// CPU records what the bootloader asked the core to do.
type CPU struct {
	mu sync.Mutex

	InterruptsDisabled bool
	VectorTable        uint32
	JumpSP, JumpPC     uint32
	Jumps              int
	Resets             int
	Debugging          bool
}

func (c *CPU) DisableInterrupts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.InterruptsDisabled = true
}

func (c *CPU) SetVectorTable(addr uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.VectorTable = addr
}

// Jump records the hand-off. On hardware it never returns.
func (c *CPU) Jump(sp, pc uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.JumpSP, c.JumpPC = sp, pc
	c.Jumps++
	return nil
}

func (c *CPU) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Resets++
	return nil
}

func (c *CPU) DebugSessionActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Debugging
}

// Board is a button plus two LEDs.
type Board struct {
	mu      sync.Mutex
	Pressed bool
	LEDs    [2]bool
}

func (b *Board) ButtonPressed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Pressed
}

func (b *Board) SetLED(n int, on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n >= 0 && n < len(b.LEDs) {
		b.LEDs[n] = on
	}
}

// LED reports the state of LED n.
func (b *Board) LED(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.LEDs[n]
}

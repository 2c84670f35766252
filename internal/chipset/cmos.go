package chipset

import (
	"sync"

	"github.com/kvmlite/kvmlite/internal/ioregion"
)

const (
	cmosIndexPort = 0x70
	cmosDataPort  = 0x71

	cmosRegSeconds = 0x00
	cmosRegMinutes = 0x02
	cmosRegHours   = 0x04
	cmosRegDay     = 0x07
	cmosRegMonth   = 0x08
	cmosRegYear    = 0x09
	cmosRegStatusA = 0x0A
	cmosRegStatusB = 0x0B
)

// CMOS is a minimal MC146818-style RTC/CMOS device: the index port selects
// one of 128 byte registers and the data port reads or writes it, enough to
// satisfy a BIOS/bootloader date probe without modeling a real ticking clock (spec.md §1 lists CMOS/RTC among
// the emulated chipset pieces, out of CORE scope but not a Non-goal).
type CMOS struct {
	mu    sync.Mutex
	index uint8
	regs  [128]uint8
}

// NewCMOS builds a CMOS stub with only status registers A and B seeded;
// the clock fields read as zero until written, since kvmlite has no
// wall-clock requirement to satisfy.
func NewCMOS() *CMOS {
	c := &CMOS{}
	c.regs[cmosRegStatusA] = 0x26
	c.regs[cmosRegStatusB] = 0x02 // 24-hour mode
	return c
}

// Register installs the CMOS index/data port pair at 0x70/0x71.
func (c *CMOS) Register(registry *ioregion.Registry) error {
	if err := registry.Register(ioregion.PIO, cmosIndexPort, 1, c.handleIndex, nil, false); err != nil {
		return err
	}
	return registry.Register(ioregion.PIO, cmosDataPort, 1, c.handleData, nil, false)
}

func (c *CMOS) handleIndex(addr uint64, data []byte, dir ioregion.Direction, cookie interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if dir == ioregion.Write && len(data) > 0 {
		c.index = data[0] & 0x7F // bit 7 is the NMI-disable bit, not part of the register index
	}
	return nil
}

func (c *CMOS) handleData(addr uint64, data []byte, dir ioregion.Direction, cookie interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if dir == ioregion.Read && len(data) > 0 {
		data[0] = c.regs[c.index]
	} else if len(data) > 0 {
		c.regs[c.index] = data[0]
	}
	return nil
}

package chipset

import (
	"sync"

	"github.com/kvmlite/kvmlite/internal/ioregion"
	"github.com/kvmlite/kvmlite/internal/irqplane"
)

// Standard ISA COM port base addresses and shared IRQ lines (COM1/COM3
// share IRQ4, COM2/COM4 share IRQ3).
var uartPorts = [4]struct {
	base uint16
	irq  uint32
}{
	{0x3F8, 4}, // COM1
	{0x2F8, 3}, // COM2
	{0x3E8, 4}, // COM3
	{0x2E8, 3}, // COM4
}

const (
	uartRegData  = 0
	uartRegIER   = 1
	uartRegIIR   = 2
	uartRegLCR   = 3
	uartRegMCR   = 4
	uartRegLSR   = 5
	uartRegMSR   = 6
	uartRegScr   = 7

	lsrTHRE = 1 << 5 // transmit-holding-register empty
	lsrDR   = 1 << 0 // data ready
)

// UART is an 8250-compatible serial port stub: it always reports the
// transmit holding register empty and silently discards any byte written
// to it, with no host TTY or file backing — spec.md's Non-goals exclude
// real console plumbing, so this exists purely so guest kernels that probe
// COM1-4 during boot never hang waiting on it.
type UART struct {
	mu  sync.Mutex
	lcr uint8
	ier uint8
	mcr uint8

	// dll/dlm back the divisor-latch registers aliased onto uartRegData
	// and uartRegIER while LCR's DLAB bit is set.
	dll, dlm uint8
}

// NewUART builds one UART stub instance; one is created per COM port.
func NewUART() *UART {
	return &UART{}
}

func (u *UART) dlab() bool { return u.lcr&0x80 != 0 }

// RegisterUARTs installs all four COM-port stubs at the standard ISA
// bases. irq is not used: the stubs never raise an interrupt.
func RegisterUARTs(registry *ioregion.Registry, irq *irqplane.Table) ([4]*UART, error) {
	var uarts [4]*UART
	for i, p := range uartPorts {
		u := NewUART()
		uarts[i] = u
		if err := registry.Register(ioregion.PIO, uint64(p.base), 8, u.handle, nil, false); err != nil {
			return uarts, err
		}
	}
	return uarts, nil
}

func (u *UART) handle(addr uint64, data []byte, dir ioregion.Direction, cookie interface{}) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	reg := addr & 0x7
	if len(data) == 0 {
		return nil
	}

	if dir == ioregion.Write {
		u.writeLocked(reg, data[0])
		return nil
	}
	data[0] = u.readLocked(reg)
	return nil
}

func (u *UART) writeLocked(reg uint64, v uint8) {
	switch {
	case reg == uartRegData && u.dlab():
		u.dll = v
	case reg == uartRegIER && u.dlab():
		u.dlm = v
	case reg == uartRegData:
		// Transmit byte discarded: no host console is attached.
	case reg == uartRegIER:
		u.ier = v
	case reg == uartRegLCR:
		u.lcr = v
	case reg == uartRegMCR:
		u.mcr = v
	}
}

func (u *UART) readLocked(reg uint64) uint8 {
	switch {
	case reg == uartRegData && u.dlab():
		return u.dll
	case reg == uartRegIER && u.dlab():
		return u.dlm
	case reg == uartRegIER:
		return u.ier
	case reg == uartRegLCR:
		return u.lcr
	case reg == uartRegMCR:
		return u.mcr
	case reg == uartRegLSR:
		return lsrTHRE // always ready to "transmit" into the void
	case reg == uartRegMSR:
		return 0
	case reg == uartRegIIR:
		return 0x01 // no interrupt pending
	default:
		return 0
	}
}

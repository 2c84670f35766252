// Package chipset registers the dummy legacy PIO ranges a PC platform
// exposes so guest probes of ISA-era hardware never fall through to an
// "unregistered port" fault, and the CMOS/RTC and 8250 UART stubs needed
// to keep early boot code from getting stuck. Grounded on
// original_source/broiler/ioport.c's broiler_ioport_setup.
package chipset

import (
	"github.com/kvmlite/kvmlite/internal/ioregion"
)

// dummyIO discards writes and returns zero on reads, matching dummy_io.
func dummyIO(addr uint64, data []byte, dir ioregion.Direction, cookie interface{}) error {
	if dir == ioregion.Read {
		for i := range data {
			data[i] = 0
		}
	}
	return nil
}

// ps2ControlIO always reports the "fast A20 gate" bit set (A20 permanently
// enabled), matching ps2_control_io.
func ps2ControlIO(addr uint64, data []byte, dir ioregion.Direction, cookie interface{}) error {
	if dir == ioregion.Read && len(data) > 0 {
		data[0] = 0x02
	}
	return nil
}

// debugIO is the motherboard-specific 0xE0 debug port: it ignores writes
// (guest code sometimes POSTs a byte there for a physical debug card) and
// reads back zero, matching debug_io.
func debugIO(addr uint64, data []byte, dir ioregion.Direction, cookie interface{}) error {
	if dir == ioregion.Read {
		for i := range data {
			data[i] = 0
		}
	}
	return nil
}

// portRange is one entry of the registration table below.
type portRange struct {
	base    uint64
	size    uint64
	handler ioregion.Handler
}

// legacyPorts is broiler_ioport_setup's table verbatim: every ISA-era
// port the real hardware would own, wired to a handler so probing them
// never reaches "unregistered I/O port" territory.
var legacyPorts = []portRange{
	{0x0000, 32, dummyIO},     // DMA1 controller
	{0x0020, 2, dummyIO},      // 8259A PIC 1
	{0x0040, 4, dummyIO},      // PIT (8253/8254)
	{0x0092, 1, ps2ControlIO}, // PS/2 system control port A
	{0x00A0, 2, dummyIO},      // 8259A PIC 2
	{0x00C0, 32, dummyIO},     // DMA2 controller
	{0x00E0, 1, debugIO},      // motherboard-specific debug port
	{0x00ED, 1, dummyIO},      // delay port
	{0x00F0, 2, dummyIO},      // math co-processor
	{0x0278, 3, dummyIO},      // LPT1/LPT2 parallel printer port
	{0x0378, 3, dummyIO},      // LPT2/LPT3 parallel printer port
	{0x03D4, 1, dummyIO},      // CRT control register (index)
	{0x03D5, 1, dummyIO},      // CRT control register (data)
	{0x0402, 1, dummyIO},      // Bochs/QEMU debug console probe byte
	{0x0510, 2, dummyIO},      // BIOS configuration register
}

// RegisterLegacyPorts installs every dummy port range into registry. It
// must run before any device claims an overlapping PIO range.
func RegisterLegacyPorts(registry *ioregion.Registry) error {
	for _, p := range legacyPorts {
		if err := registry.Register(ioregion.PIO, p.base, p.size, p.handler, nil, false); err != nil {
			return err
		}
	}
	return nil
}

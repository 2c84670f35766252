package chipset

import (
	"testing"

	"github.com/kvmlite/kvmlite/internal/ioregion"
)

func TestRegisterLegacyPortsNoOverlap(t *testing.T) {
	registry := ioregion.New(nil)
	if err := RegisterLegacyPorts(registry); err != nil {
		t.Fatalf("RegisterLegacyPorts: %v", err)
	}
}

func TestPS2ControlAlwaysReportsA20Enabled(t *testing.T) {
	buf := []byte{0}
	if err := ps2ControlIO(0x0092, buf, ioregion.Read, nil); err != nil {
		t.Fatalf("ps2ControlIO: %v", err)
	}
	if buf[0] != 0x02 {
		t.Fatalf("A20 status byte = %#x, want 0x02", buf[0])
	}
}

func TestCMOSIndexDataRoundTrip(t *testing.T) {
	registry := ioregion.New(nil)
	c := NewCMOS()
	if err := c.Register(registry); err != nil {
		t.Fatalf("Register: %v", err)
	}

	idx := []byte{cmosRegYear}
	if err := registry.DispatchPIO(cmosIndexPort, idx, ioregion.Write, 1, 1); err != nil {
		t.Fatalf("write index: %v", err)
	}

	val := []byte{0x42}
	if err := registry.DispatchPIO(cmosDataPort, val, ioregion.Write, 1, 1); err != nil {
		t.Fatalf("write data: %v", err)
	}

	readBack := []byte{0}
	if err := registry.DispatchPIO(cmosDataPort, readBack, ioregion.Read, 1, 1); err != nil {
		t.Fatalf("read data: %v", err)
	}
	if readBack[0] != 0x42 {
		t.Fatalf("cmos register roundtrip = %#x, want 0x42", readBack[0])
	}
}

func TestUARTReportsTransmitEmpty(t *testing.T) {
	u := NewUART()
	lsr := []byte{0}
	if err := u.handle(0x3F8+uartRegLSR, lsr, ioregion.Read, nil); err != nil {
		t.Fatalf("read LSR: %v", err)
	}
	if lsr[0]&lsrTHRE == 0 {
		t.Fatalf("LSR THRE bit not set: %#x", lsr[0])
	}
}

func TestUARTDivisorLatchBehindDLAB(t *testing.T) {
	u := NewUART()

	lcr := []byte{0x80} // set DLAB
	if err := u.handle(0x3F8+uartRegLCR, lcr, ioregion.Write, nil); err != nil {
		t.Fatalf("write LCR: %v", err)
	}

	dll := []byte{0x0C}
	if err := u.handle(0x3F8+uartRegData, dll, ioregion.Write, nil); err != nil {
		t.Fatalf("write DLL: %v", err)
	}

	readBack := []byte{0}
	if err := u.handle(0x3F8+uartRegData, readBack, ioregion.Read, nil); err != nil {
		t.Fatalf("read DLL: %v", err)
	}
	if readBack[0] != 0x0C {
		t.Fatalf("divisor latch low = %#x, want 0x0C", readBack[0])
	}
}

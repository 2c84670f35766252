package virtio_test

import (
	"testing"

	"github.com/kvmlite/kvmlite/internal/ioeventfd"
	"github.com/kvmlite/kvmlite/internal/ioregion"
	"github.com/kvmlite/kvmlite/internal/irqplane"
	"github.com/kvmlite/kvmlite/internal/pci"
	"github.com/kvmlite/kvmlite/internal/virtio"
)

// fakeIRQBackend is the same minimal irqplane.Backend double irqplane_test.go
// uses, reproduced here so this package doesn't need to export test helpers.
type fakeIRQBackend struct {
	signalled []irqplane.Msg
}

func (f *fakeIRQBackend) SetGSIRouting(entries []irqplane.Entry) error { return nil }
func (f *fakeIRQBackend) IRQLine(irq uint32, level uint32) error      { return nil }
func (f *fakeIRQBackend) SignalMSI(msg irqplane.Msg) error {
	f.signalled = append(f.signalled, msg)
	return nil
}
func (f *fakeIRQBackend) CanSignalMSI() bool { return true }

// fakeIOEventFDBackend satisfies ioeventfd.Backend with no-op bodies; the
// masking/PBA logic under test never notifies a queue.
type fakeIOEventFDBackend struct{}

func (fakeIOEventFDBackend) SetIOEventFD(addr uint64, length uint32, fd int, datamatch uint64, hasDatamatch bool, pio bool, deassign bool) error {
	return nil
}

// fakeOps satisfies virtio.Ops with no-op bodies; the masking/PBA logic
// under test never reaches a device callback.
type fakeOps struct{}

func (fakeOps) DeviceID() uint16     { return 0x1001 }
func (fakeOps) ConfigSpace() []byte  { return make([]byte, 8) }
func (fakeOps) NumQueues() int       { return 1 }
func (fakeOps) QueueSize(int) uint32 { return 256 }
func (fakeOps) SetFeatures(uint32)   {}
func (fakeOps) HostFeatures() uint32 { return 0 }
func (fakeOps) QueueNotify(int)      {}
func (fakeOps) Reset()               {}

// testDevice wires a PCIDevice through the real pci.Root/ioregion.Registry
// the way the monitor does, so config-space writes (including the MSI-X
// enable bit and MASKALL) go through the real 0xCF8/0xCFC decode path
// instead of being poked in directly.
type testDevice struct {
	registry *ioregion.Registry
	backend  *fakeIRQBackend
	ioBase   uint64
	msixBase uint64
}

func newTestDevice(t *testing.T) (*virtio.PCIDevice, *testDevice) {
	t.Helper()
	registry := ioregion.New(nil)
	root := pci.New(registry, 0xC000, 0xD0000000)
	if err := root.Init(0xE0000000); err != nil {
		t.Fatal(err)
	}
	backend := &fakeIRQBackend{}
	irq, err := irqplane.New(backend)
	if err != nil {
		t.Fatal(err)
	}
	pump, err := ioeventfd.New(fakeIOEventFDBackend{})
	if err != nil {
		t.Fatal(err)
	}

	p, err := virtio.NewPCIDevice(root, registry, pump, irq, fakeOps{}, nil)
	if err != nil {
		t.Fatal(err)
	}

	// BAR0 (legacy I/O window) and BAR2 (MSI-X table/PBA) were assigned by
	// NewPCIDevice itself; read them back from config space exactly as a
	// guest/firmware would.
	writeDword(t, registry, pci.ConfigAddress, configAddr(0, 0x10))
	ioBase := uint64(readDword(t, registry, pci.ConfigData) &^ 0x3)
	writeDword(t, registry, pci.ConfigAddress, configAddr(0, 0x18))
	msixBase := uint64(readDword(t, registry, pci.ConfigData) &^ 0xF)

	return p, &testDevice{registry: registry, backend: backend, ioBase: ioBase, msixBase: msixBase}
}

// writeConfigVector selects vec as the device's config-change MSI-X vector
// through the legacy I/O BAR's MSI_CONFIG_VECTOR register.
func writeConfigVector(t *testing.T, registry *ioregion.Registry, ioBase uint64, vec uint16) {
	t.Helper()
	var buf [2]byte
	buf[0], buf[1] = byte(vec), byte(vec>>8)
	if err := registry.DispatchPIO(ioBase+20, buf[:], ioregion.Write, 2, 1); err != nil {
		t.Fatal(err)
	}
}

func writeDword(t *testing.T, registry *ioregion.Registry, port uint64, v uint32) {
	t.Helper()
	var buf [4]byte
	buf[0], buf[1], buf[2], buf[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	if err := registry.DispatchPIO(port, buf[:], ioregion.Write, 4, 1); err != nil {
		t.Fatal(err)
	}
}

func readDword(t *testing.T, registry *ioregion.Registry, port uint64) uint32 {
	t.Helper()
	var buf [4]byte
	if err := registry.DispatchPIO(port, buf[:], ioregion.Read, 4, 1); err != nil {
		t.Fatal(err)
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
}

// configAddr builds a 0xCF8-style address word for device dev, function 0,
// register offset reg, with the enable bit set.
func configAddr(dev uint8, reg uint8) uint32 {
	return 1<<31 | uint32(dev)<<11 | uint32(reg)
}

// writeMSIXCtrl latches CONFIG_ADDRESS at the MSI-X capability's message
// control word (cap offset + 2) and writes v through CONFIG_DATA's upper
// half (port 0xCFC+2), the sub-dword access a guest's 16-bit config write
// actually performs.
func writeMSIXCtrl(t *testing.T, registry *ioregion.Registry, v uint16) {
	t.Helper()
	writeDword(t, registry, pci.ConfigAddress, configAddr(0, pci.MSIXCapOffset()))
	var buf [2]byte
	buf[0], buf[1] = byte(v), byte(v>>8)
	if err := registry.DispatchPIO(pci.ConfigData+2, buf[:], ioregion.Write, 2, 1); err != nil {
		t.Fatal(err)
	}
}

// writeMSIXField writes a 32-bit MSI-X table field for vec through the
// real MMIO BAR handler.
func writeMSIXField(t *testing.T, registry *ioregion.Registry, base uint64, vec int, fieldOff uint64, v uint32) {
	t.Helper()
	var buf [4]byte
	buf[0], buf[1], buf[2], buf[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	if err := registry.DispatchMMIO(base+uint64(vec)*16+fieldOff, buf[:], true); err != nil {
		t.Fatal(err)
	}
}

// msixTableSizeForTest mirrors virtio's unexported msixTableSize: the MSI-X
// table occupies the MMIO BAR's first virtioMaxVectorsForTest*16 bytes, with
// the pending-bit array immediately after.
const msixTableSizeForTest = virtioMaxVectorsForTest * 16

func readPBA(t *testing.T, registry *ioregion.Registry, base uint64) byte {
	t.Helper()
	var buf [1]byte
	if err := registry.DispatchMMIO(base+msixTableSizeForTest, buf[:], false); err != nil {
		t.Fatal(err)
	}
	return buf[0]
}

// TestMSIXEntryMaskWithholdsThenReplays covers spec §8.5: a raise against a
// masked vector sets the PBA bit and injects nothing; clearing the entry's
// own mask bit then injects exactly one MSI and clears the PBA bit.
func TestMSIXEntryMaskWithholdsThenReplays(t *testing.T) {
	p, td := newTestDevice(t)

	// Enable MSI-X (bit 15) before programming the table, as a real driver
	// sequence does.
	writeMSIXCtrl(t, td.registry, (virtioMaxVectorsForTest-1)|(1<<15))

	writeMSIXField(t, td.registry, td.msixBase, 0, 0, 0xAAAA0000) // addr_lo
	writeMSIXField(t, td.registry, td.msixBase, 0, 4, 0)          // addr_hi
	writeMSIXField(t, td.registry, td.msixBase, 0, 8, 0x1234)     // data
	writeMSIXField(t, td.registry, td.msixBase, 0, 12, 1)         // vector_control: masked
	writeConfigVector(t, td.registry, td.ioBase, 0)

	p.SignalConfig()
	if len(td.backend.signalled) != 0 {
		t.Fatalf("expected no MSI while masked, got %d", len(td.backend.signalled))
	}
	if readPBA(t, td.registry, td.msixBase)&1 == 0 {
		t.Fatalf("PBA bit 0 = 0, want 1 after a withheld raise")
	}

	// Guest clears the entry's own mask bit: the table write itself must
	// replay the withheld completion as exactly one MSI.
	writeMSIXField(t, td.registry, td.msixBase, 0, 12, 0)

	if len(td.backend.signalled) != 1 {
		t.Fatalf("expected exactly one replayed MSI after unmask, got %d", len(td.backend.signalled))
	}
	if td.backend.signalled[0].AddressLo != 0xAAAA0000 || td.backend.signalled[0].Data != 0x1234 {
		t.Fatalf("replayed MSI = %+v, want addr_lo=0xAAAA0000 data=0x1234", td.backend.signalled[0])
	}
	if readPBA(t, td.registry, td.msixBase)&1 != 0 {
		t.Fatalf("PBA bit 0 still set after replay")
	}
}

// TestMSIXMaskAllWithholdsThenReplaysOnClear covers the capability-wide
// MASKALL bit (bit 14 of the message control word): it withholds every
// vector's completion regardless of the entry's own mask bit, and clearing
// it replays all withheld completions.
func TestMSIXMaskAllWithholdsThenReplaysOnClear(t *testing.T) {
	p, td := newTestDevice(t)

	writeMSIXCtrl(t, td.registry, (virtioMaxVectorsForTest-1)|(1<<15)|(1<<14)) // enable + MASKALL

	writeMSIXField(t, td.registry, td.msixBase, 0, 0, 0xBEEF0000)
	writeMSIXField(t, td.registry, td.msixBase, 0, 4, 0)
	writeMSIXField(t, td.registry, td.msixBase, 0, 8, 0x55)
	writeMSIXField(t, td.registry, td.msixBase, 0, 12, 0) // entry itself unmasked
	writeConfigVector(t, td.registry, td.ioBase, 0)

	p.SignalConfig()
	if len(td.backend.signalled) != 0 {
		t.Fatalf("expected no MSI while MASKALL is set, got %d", len(td.backend.signalled))
	}
	if readPBA(t, td.registry, td.msixBase)&1 == 0 {
		t.Fatalf("PBA bit 0 = 0, want 1 while MASKALL withholds the completion")
	}

	// Clear MASKALL, leaving MSI-X enabled: every withheld vector replays.
	writeMSIXCtrl(t, td.registry, (virtioMaxVectorsForTest-1)|(1<<15))

	if len(td.backend.signalled) != 1 {
		t.Fatalf("expected exactly one replayed MSI after MASKALL clear, got %d", len(td.backend.signalled))
	}
	if td.backend.signalled[0].AddressLo != 0xBEEF0000 || td.backend.signalled[0].Data != 0x55 {
		t.Fatalf("replayed MSI = %+v, want addr_lo=0xBEEF0000 data=0x55", td.backend.signalled[0])
	}
}

// virtioMaxVectorsForTest mirrors virtio's unexported maxVectors (one per
// queue plus the config vector) for building the MSI-X table-size field
// of the message control word in these black-box tests.
const virtioMaxVectorsForTest = 33

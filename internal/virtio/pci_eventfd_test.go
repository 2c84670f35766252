package virtio_test

import (
	"testing"

	"github.com/kvmlite/kvmlite/internal/ioeventfd"
	"github.com/kvmlite/kvmlite/internal/ioregion"
	"github.com/kvmlite/kvmlite/internal/irqplane"
	"github.com/kvmlite/kvmlite/internal/pci"
	"github.com/kvmlite/kvmlite/internal/virtio"
)

// recordingEventFDBackend records every backend ioeventfd call so the
// tests below can assert the install/teardown sequence the QUEUE_PFN
// register drives.
type recordingEventFDBackend struct {
	assigns   []ioeventfdCall
	deassigns []ioeventfdCall
}

type ioeventfdCall struct {
	addr      uint64
	datamatch uint64
	pio       bool
}

func (b *recordingEventFDBackend) SetIOEventFD(addr uint64, length uint32, fd int, datamatch uint64, hasDatamatch bool, pio bool, deassign bool) error {
	call := ioeventfdCall{addr: addr, datamatch: datamatch, pio: pio}
	if deassign {
		b.deassigns = append(b.deassigns, call)
	} else {
		b.assigns = append(b.assigns, call)
	}
	return nil
}

// flatTranslator resolves guest physical addresses against one flat byte
// buffer, standing in for the memmap layer.
func flatTranslator(mem []byte) virtio.Translator {
	return func(gpa uint64, length uint32) ([]byte, error) {
		return mem[gpa : gpa+uint64(length)], nil
	}
}

// TestQueuePFNWriteInstallsAndRemovesEventFD covers the doorbell fast
// path's lifetime: a nonzero QUEUE_PFN write installs the bound eventfd
// on the notify register with the queue index as datamatch, and the zero
// write that deletes the queue deassigns it again.
func TestQueuePFNWriteInstallsAndRemovesEventFD(t *testing.T) {
	registry := ioregion.New(nil)
	root := pci.New(registry, 0xC000, 0xD0000000)
	if err := root.Init(0xE0000000); err != nil {
		t.Fatal(err)
	}
	irq, err := irqplane.New(&fakeIRQBackend{})
	if err != nil {
		t.Fatal(err)
	}
	backend := &recordingEventFDBackend{}
	pump, err := ioeventfd.New(backend)
	if err != nil {
		t.Fatal(err)
	}

	guestMem := make([]byte, 64<<10)
	p, err := virtio.NewPCIDevice(root, registry, pump, irq, fakeOps{}, flatTranslator(guestMem))
	if err != nil {
		t.Fatal(err)
	}

	writeDword(t, registry, pci.ConfigAddress, configAddr(0, 0x10))
	ioBase := uint64(readDword(t, registry, pci.ConfigData) &^ 0x3)

	if err := p.BindQueueEventFD(0, 42); err != nil {
		t.Fatal(err)
	}
	if len(backend.assigns) != 0 {
		t.Fatalf("binding alone must not install the eventfd, got %d installs", len(backend.assigns))
	}

	// Select queue 0 and write a nonzero PFN: the ring materializes and the
	// eventfd goes live on the notify register.
	var sel [2]byte
	if err := registry.DispatchPIO(ioBase+14, sel[:], ioregion.Write, 2, 1); err != nil {
		t.Fatal(err)
	}
	var pfn [4]byte
	pfn[0] = 1 // PFN 1 -> ring at GPA 0x1000
	if err := registry.DispatchPIO(ioBase+8, pfn[:], ioregion.Write, 4, 1); err != nil {
		t.Fatal(err)
	}

	if len(backend.assigns) != 1 {
		t.Fatalf("expected one eventfd install after the PFN write, got %d", len(backend.assigns))
	}
	got := backend.assigns[0]
	if got.addr != ioBase+16 || got.datamatch != 0 || !got.pio {
		t.Fatalf("installed at addr=%#x datamatch=%d pio=%v, want notify register %#x datamatch=0 pio=true",
			got.addr, got.datamatch, got.pio, ioBase+16)
	}
	if p.Queue(0) == nil {
		t.Fatalf("queue 0 not materialized by the PFN write")
	}

	// Zero PFN deletes the queue and tears the eventfd back down.
	pfn = [4]byte{}
	if err := registry.DispatchPIO(ioBase+8, pfn[:], ioregion.Write, 4, 1); err != nil {
		t.Fatal(err)
	}
	if len(backend.deassigns) != 1 {
		t.Fatalf("expected one eventfd deassign after the zero-PFN write, got %d", len(backend.deassigns))
	}
	if p.Queue(0) != nil {
		t.Fatalf("queue 0 still present after the zero-PFN write")
	}
}

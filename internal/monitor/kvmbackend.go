package monitor

import (
	"github.com/kvmlite/kvmlite/internal/irqplane"
	"github.com/kvmlite/kvmlite/kvm"
)

// memBackend adapts kvm.SetUserMemoryRegion to internal/memmap.Backend.
type memBackend struct{ vmFd uintptr }

func (b memBackend) SetUserMemoryRegion(slot uint32, flags uint32, gpa, size, hva uint64) error {
	region := &kvm.UserspaceMemoryRegion{
		Slot:          slot,
		Flags:         flags,
		GuestPhysAddr: gpa,
		MemorySize:    size,
		UserspaceAddr: hva,
	}
	return kvm.SetUserMemoryRegion(b.vmFd, region)
}

// coalesceBackend adapts the coalesced-MMIO ioctls to ioregion.CoalesceBackend.
type coalesceBackend struct{ vmFd uintptr }

func (b coalesceBackend) RegisterCoalescedMMIO(addr, size uint64) error {
	return kvm.RegisterCoalescedMMIO(b.vmFd, addr, uint32(size))
}

func (b coalesceBackend) UnregisterCoalescedMMIO(addr, size uint64) error {
	return kvm.UnregisterCoalescedMMIO(b.vmFd, addr, uint32(size))
}

// irqBackend adapts the GSI routing / IRQ line / MSI ioctls to irqplane.Backend.
type irqBackend struct {
	vmFd      uintptr
	canSignal bool
}

func (b irqBackend) SetGSIRouting(entries []irqplane.Entry) error {
	out := make([]kvm.RoutingEntry, len(entries))
	for i, e := range entries {
		switch e.Kind {
		case 1: // irqchip
			out[i] = kvm.MakeIRQChipRoutingEntry(e.GSI, e.IRQChip, e.Pin)
		case 2: // msi
			out[i] = kvm.MakeMSIRoutingEntry(e.GSI, e.MSI.AddressLo, e.MSI.AddressHi, e.MSI.Data)
		}
	}
	return kvm.SetGSIRouting(b.vmFd, out)
}

func (b irqBackend) IRQLine(irq uint32, level uint32) error {
	return kvm.IRQLine(b.vmFd, irq, level)
}

func (b irqBackend) SignalMSI(msg irqplane.Msg) error {
	msi := &kvm.MSI{AddressLo: msg.AddressLo, AddressHi: msg.AddressHi, Data: msg.Data}
	_, err := kvm.SignalMSI(b.vmFd, msi)
	return err
}

func (b irqBackend) CanSignalMSI() bool { return b.canSignal }

// ioeventfdBackend adapts KVM_(UN)REGISTER_IOEVENTFD to ioeventfd.Backend.
type ioeventfdBackend struct{ vmFd uintptr }

func (b ioeventfdBackend) SetIOEventFD(addr uint64, length uint32, fd int, datamatch uint64, hasDatamatch bool, pio bool, deassign bool) error {
	var flags uint32
	if hasDatamatch {
		flags |= kvm.IOEventFDFlagDatamatch
	}
	if pio {
		flags |= kvm.IOEventFDFlagPIO
	}
	if deassign {
		flags |= kvm.IOEventFDFlagDeassign
	}
	ev := &kvm.IOEventFD{
		Datamatch: datamatch,
		Addr:      addr,
		Len:       length,
		FD:        int32(fd),
		Flags:     flags,
	}
	return kvm.SetIOEventFD(b.vmFd, ev)
}

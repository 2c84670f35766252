// Package irqplane maintains the GSI routing table: level-line toggling,
// MSI-X route add/update, and MSI signalling, as described in spec §4.4.
// Grounded on original_source/broiler/irq.c, whose slave-PIC wiring loop
// resolves the "0..24 vs 0..16" ambiguity named in spec §9: it is 0..15
// with pin = gsi-8, not 0..24.
package irqplane

import (
	"fmt"
	"sync"
)

// irqchip ids match KVM_IRQCHIP_{PIC_MASTER,PIC_SLAVE,IOAPIC}.
const (
	chipMaster = 0
	chipSlave  = 1
	chipIOAPIC = 2
)

// Route entry kinds, matching KVM_IRQ_ROUTING_{IRQCHIP,MSI}.
const (
	kindIRQChip = 1
	kindMSI     = 2
)

// Msg is an MSI address/data triple.
type Msg struct {
	AddressLo uint32
	AddressHi uint32
	Data      uint32
}

// Entry is one routing-table row: either an irqchip pin binding or an MSI record.
type Entry struct {
	GSI  uint32
	Kind uint32

	IRQChip uint32
	Pin     uint32

	MSI Msg
}

// Backend is the hypervisor-side surface the routing table drives.
type Backend interface {
	SetGSIRouting(entries []Entry) error
	IRQLine(irq uint32, level uint32) error
	SignalMSI(msg Msg) error
	CanSignalMSI() bool
}

const growthBlock = 32

// Table owns the single routing table. Per spec §5 it is owner-serialized:
// only the installer thread (the Monitor's init/hotplug path) mutates it,
// but the mutex is kept so that MSI-X route updates arriving from a vCPU
// thread during device operation are still safe.
type Table struct {
	mu      sync.Mutex
	entries []Entry
	cap32   int // allocated capacity, always a multiple of growthBlock
	nextGSI uint32
	backend Backend
}

// New builds the default routing table: GSIs 0-7 (skipping 2) to the
// master PIC, GSIs 0-15 to the slave PIC with pin = gsi-8, and GSIs 0-23 to
// the IOAPIC with pin 2 remapped to GSI 0, then pushes it to the backend.
func New(backend Backend) (*Table, error) {
	t := &Table{backend: backend}

	for i := uint32(0); i < 8; i++ {
		if i != 2 {
			t.appendLocked(Entry{GSI: i, Kind: kindIRQChip, IRQChip: chipMaster, Pin: i})
		}
	}
	for i := uint32(0); i < 16; i++ {
		t.appendLocked(Entry{GSI: i, Kind: kindIRQChip, IRQChip: chipSlave, Pin: i - 8})
	}
	var last uint32
	for i := uint32(0); i < 24; i++ {
		switch i {
		case 0:
			t.appendLocked(Entry{GSI: i, Kind: kindIRQChip, IRQChip: chipIOAPIC, Pin: 2})
		case 2:
			// skipped: IOAPIC pin 2 is already claimed by GSI 0 above
		default:
			t.appendLocked(Entry{GSI: i, Kind: kindIRQChip, IRQChip: chipIOAPIC, Pin: i})
		}
		last = i + 1
	}
	t.nextGSI = last

	if err := backend.SetGSIRouting(t.entries); err != nil {
		return nil, fmt.Errorf("irqplane: initial SetGSIRouting: %w", err)
	}
	return t, nil
}

// appendLocked grows the dense array in blocks of growthBlock, matching
// irq_allocate_routing_entry's realloc-and-zero-fill pattern, then appends e.
func (t *Table) appendLocked(e Entry) {
	if len(t.entries) >= t.cap32 {
		t.cap32 += growthBlock
		grown := make([]Entry, len(t.entries), t.cap32)
		copy(grown, t.entries)
		t.entries = grown
	}
	t.entries = append(t.entries, e)
}

// Line asserts or deasserts a level on irq.
func (t *Table) Line(irq uint32, level uint32) error {
	return t.backend.IRQLine(irq, level)
}

// Trigger raises then lowers irq — an edge pulse used by PS/2 and the UART.
func (t *Table) Trigger(irq uint32) error {
	if err := t.Line(irq, 1); err != nil {
		return err
	}
	return t.Line(irq, 0)
}

// AddMSIXRoute allocates a fresh GSI, appends an MSI entry for msg, pushes
// the whole table to the backend, and returns the new GSI.
func (t *Table) AddMSIXRoute(msg Msg, deviceID uint32) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	gsi := t.nextGSI
	t.appendLocked(Entry{GSI: gsi, Kind: kindMSI, MSI: msg})
	t.nextGSI++

	if err := t.backend.SetGSIRouting(t.entries); err != nil {
		return 0, fmt.Errorf("irqplane: SetGSIRouting: %w", err)
	}
	return gsi, nil
}

// UpdateMSIXRoute mutates the entry matching gsi in place, pushing the
// table to the backend only if address_lo, address_hi or data changed.
func (t *Table) UpdateMSIXRoute(gsi uint32, msg Msg) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.entries {
		if t.entries[i].GSI != gsi || t.entries[i].Kind != kindMSI {
			continue
		}
		cur := &t.entries[i].MSI
		changed := cur.AddressHi != msg.AddressHi || cur.AddressLo != msg.AddressLo || cur.Data != msg.Data
		if !changed {
			return nil
		}
		*cur = msg
		if err := t.backend.SetGSIRouting(t.entries); err != nil {
			return fmt.Errorf("irqplane: SetGSIRouting: %w", err)
		}
		return nil
	}
	return nil
}

// SignalMSI raises the interrupt described by msg, which was routed at
// gsi. It prefers the backend's direct MSI-signal ioctl and falls back to
// toggling the routed GSI's level.
func (t *Table) SignalMSI(gsi uint32, msg Msg) error {
	if t.backend.CanSignalMSI() {
		return t.backend.SignalMSI(msg)
	}
	return t.Trigger(gsi)
}

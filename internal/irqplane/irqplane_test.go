package irqplane_test

import (
	"testing"

	"github.com/kvmlite/kvmlite/internal/irqplane"
)

type fakeBackend struct {
	pushed    [][]irqplane.Entry
	lines     []uint32
	canSignal bool
	signalled []irqplane.Msg
}

func (f *fakeBackend) SetGSIRouting(entries []irqplane.Entry) error {
	cp := make([]irqplane.Entry, len(entries))
	copy(cp, entries)
	f.pushed = append(f.pushed, cp)
	return nil
}

func (f *fakeBackend) IRQLine(irq uint32, level uint32) error {
	f.lines = append(f.lines, irq<<1|level)
	return nil
}

func (f *fakeBackend) SignalMSI(msg irqplane.Msg) error {
	f.signalled = append(f.signalled, msg)
	return nil
}

func (f *fakeBackend) CanSignalMSI() bool { return f.canSignal }

func countByChip(entries []irqplane.Entry, chip uint32) int {
	n := 0
	for _, e := range entries {
		if e.Kind == 1 && e.IRQChip == chip {
			n++
		}
	}
	return n
}

func TestDefaultRoutingTableShape(t *testing.T) {
	be := &fakeBackend{}
	tab, err := irqplane.New(be)
	if err != nil {
		t.Fatal(err)
	}
	if len(be.pushed) != 1 {
		t.Fatalf("expected exactly one initial SetGSIRouting push, got %d", len(be.pushed))
	}
	entries := be.pushed[0]

	// master PIC: 8 GSIs minus the one skipped (2) = 7
	if n := countByChip(entries, 0); n != 7 {
		t.Fatalf("master PIC entries = %d, want 7", n)
	}
	// slave PIC: all 16, none skipped
	if n := countByChip(entries, 1); n != 16 {
		t.Fatalf("slave PIC entries = %d, want 16", n)
	}
	// ioapic: 24 minus the one skipped (pin 2 stolen by gsi 0) = 23
	if n := countByChip(entries, 2); n != 23 {
		t.Fatalf("ioapic entries = %d, want 23", n)
	}

	gsi, err := tab.AddMSIXRoute(irqplane.Msg{AddressLo: 1, Data: 2}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if gsi != 24 {
		t.Fatalf("first allocated MSI-X gsi = %d, want 24", gsi)
	}
}

func TestUpdateMSIXRouteOnlyPushesOnChange(t *testing.T) {
	be := &fakeBackend{}
	tab, err := irqplane.New(be)
	if err != nil {
		t.Fatal(err)
	}
	gsi, err := tab.AddMSIXRoute(irqplane.Msg{AddressLo: 1}, 0)
	if err != nil {
		t.Fatal(err)
	}
	before := len(be.pushed)

	if err := tab.UpdateMSIXRoute(gsi, irqplane.Msg{AddressLo: 1}); err != nil {
		t.Fatal(err)
	}
	if len(be.pushed) != before {
		t.Fatalf("unchanged route should not push, pushed=%d before=%d", len(be.pushed), before)
	}

	if err := tab.UpdateMSIXRoute(gsi, irqplane.Msg{AddressLo: 2}); err != nil {
		t.Fatal(err)
	}
	if len(be.pushed) != before+1 {
		t.Fatalf("changed route should push once, pushed=%d before=%d", len(be.pushed), before)
	}
}

func TestSignalMSIFallsBackToLine(t *testing.T) {
	be := &fakeBackend{canSignal: false}
	tab, err := irqplane.New(be)
	if err != nil {
		t.Fatal(err)
	}
	if err := tab.SignalMSI(5, irqplane.Msg{}); err != nil {
		t.Fatal(err)
	}
	if len(be.lines) != 2 {
		t.Fatalf("fallback should trigger a level pulse (high then low), got %d events", len(be.lines))
	}
	if len(be.signalled) != 0 {
		t.Fatalf("backend SignalMSI should not be called when CanSignalMSI is false")
	}
}

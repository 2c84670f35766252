package memmap_test

import (
	"testing"

	"github.com/kvmlite/kvmlite/internal/memmap"
)

type fakeBackend struct {
	regions []fakeRegion
}

type fakeRegion struct {
	slot             uint32
	gpa, size, hva   uint64
}

func (f *fakeBackend) SetUserMemoryRegion(slot uint32, flags uint32, gpa, size, hva uint64) error {
	f.regions = append(f.regions, fakeRegion{slot, gpa, size, hva})
	return nil
}

func TestLayoutNoGap(t *testing.T) {
	be := &fakeBackend{}
	m := memmap.New(be)
	ramSize := uint64(128 << 20)

	got, err := m.Layout(ramSize)
	if err != nil {
		t.Fatal(err)
	}
	if got != ramSize {
		t.Fatalf("Layout returned %#x, want %#x", got, ramSize)
	}
	if len(be.regions) != 1 {
		t.Fatalf("expected a single RAM bank below the gap, got %d", len(be.regions))
	}
	defer m.Close()

	hva, err := m.GPAToHVA(0x100000)
	if err != nil {
		t.Fatal(err)
	}
	if hva == 0 {
		t.Fatal("expected a non-zero host address")
	}

	if _, err := m.GPAToHVA(ramSize + 0x1000); err != memmap.ErrNotFound {
		t.Fatalf("want ErrNotFound past the end of RAM, got %v", err)
	}
}

func TestLayoutWithGap(t *testing.T) {
	be := &fakeBackend{}
	m := memmap.New(be)
	ramSize := uint64(6144) << 20 // 6GiB, crosses the 3GiB hole

	got, err := m.Layout(ramSize)
	if err != nil {
		t.Fatal(err)
	}
	if got != ramSize+memmap.GapSize {
		t.Fatalf("Layout returned %#x, want %#x", got, ramSize+memmap.GapSize)
	}
	if len(be.regions) != 2 {
		t.Fatalf("expected two RAM banks around the PCI hole, got %d", len(be.regions))
	}
	defer m.Close()

	if _, err := m.GPAToHVA(memmap.GapStart + 0x1000); err != memmap.ErrNotFound {
		t.Fatalf("PCI hole should not be mapped, got %v", err)
	}
	if _, err := m.GPAToHVA(4 << 30); err != nil {
		t.Fatalf("region above the gap should be mapped: %v", err)
	}
}

func TestRegisterRejectsOverlap(t *testing.T) {
	be := &fakeBackend{}
	m := memmap.New(be)
	if _, err := m.Register(0, 0x1000, 0xdead0000, memmap.RAM); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Register(0x800, 0x1000, 0xbeef0000, memmap.Device); err != memmap.ErrOverlap {
		t.Fatalf("want ErrOverlap, got %v", err)
	}
}

// Package memmap maintains the guest physical address space: the set of
// GuestMemoryRegions backing RAM, MMIO shadows and reserved holes, and the
// GPA<->HVA translation used by every device emulation and the vCPU loop.
package memmap

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/kvmlite/kvmlite/internal/interval"
)

// Type tags a GuestMemoryRegion the way spec's DATA MODEL enumerates them.
type Type int

const (
	RAM Type = iota
	Device
	Reserved
	ReadOnly
)

// Region is one half-open [GPA, GPA+Size) mapping. Once registered its GPA
// and Size never change for the region's lifetime.
type Region struct {
	GPA  uint64
	Size uint64
	HVA  uintptr
	Type Type
	Slot uint32
}

// Backend is the subset of the hypervisor's ioctl surface the memory map
// needs: installing a guest physical slot.
type Backend interface {
	SetUserMemoryRegion(slot uint32, flags uint32, gpa, size, hva uint64) error
}

var (
	// ErrOverlap is returned when a requested region overlaps one already registered.
	ErrOverlap = errors.New("memmap: region overlaps an existing one")
	// ErrNotFound is the gpa_to_hva "not found" sentinel.
	ErrNotFound = errors.New("memmap: address not mapped")
)

const (
	// GapStart is the 3GiB mark where the PCI hole begins when ram_size crosses it.
	GapStart = 3 << 30
	// GapSize is the size of the [3GiB, 4GiB) hole reserved for PCI MMIO/hotplug.
	GapSize = (4 << 30) - GapStart
)

// Map owns the interval tree of registered regions plus the single anonymous
// mapping backing guest RAM.
type Map struct {
	mu      sync.Mutex
	tree    *interval.Tree[*Region]
	backend Backend
	used    map[uint32]bool

	ramBytes []byte
	hvaStart uintptr
}

func New(backend Backend) *Map {
	return &Map{
		tree:    interval.New[*Region](true),
		backend: backend,
		used:    make(map[uint32]bool),
	}
}

func (m *Map) lowestFreeSlot() uint32 {
	var slot uint32
	for m.used[slot] {
		slot++
	}
	return slot
}

// Register installs a new region: lowest free backend slot, the backend
// set-user-memory-region call, then the interval tree insert. Failure modes
// are rejected-overlap (ErrOverlap) and backend-rejects-region.
func (m *Map) Register(gpa, size uint64, hva uintptr, typ Type) (*Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tree.FindRange(gpa, gpa+size); ok {
		return nil, ErrOverlap
	}

	slot := m.lowestFreeSlot()
	if err := m.backend.SetUserMemoryRegion(slot, 0, gpa, size, uint64(hva)); err != nil {
		return nil, fmt.Errorf("memmap: backend rejected region [%#x,%#x): %w", gpa, gpa+size, err)
	}

	r := &Region{GPA: gpa, Size: size, HVA: hva, Type: typ, Slot: slot}
	if _, err := m.tree.Insert(gpa, gpa+size, r); err != nil {
		return nil, err
	}
	m.used[slot] = true
	return r, nil
}

// GPAToHVA translates a guest physical address to the corresponding host
// virtual address, or ErrNotFound if gpa falls outside every region.
func (m *Map) GPAToHVA(gpa uint64) (uintptr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.tree.Find(gpa)
	if !ok {
		return 0, ErrNotFound
	}
	r := n.Value()
	return r.HVA + uintptr(gpa-r.GPA), nil
}

// GPARealToHVA composes a real-mode segment:offset pair into a flat address
// before translating it.
func (m *Map) GPARealToHVA(seg, off uint16) (uintptr, error) {
	return m.GPAToHVA((uint64(seg) << 4) + uint64(off))
}

// Size returns the number of bytes backing the flat RAM allocation, i.e.
// the upper bound any gpa+length passed to Bytes must stay within.
func (m *Map) Size() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.ramBytes))
}

// Bytes returns a byte slice aliasing guest RAM at [gpa, gpa+length), for
// callers (firmware fillers, virtqueue ring/descriptor resolution) that
// want to read or write guest memory directly instead of through a raw
// HVA pointer. Layout's RAM mapping is a single flat allocation with GPA
// identity-offset into it, even across the PCI hole, so this is a plain
// slice of the backing mmap.
func (m *Map) Bytes(gpa uint64, length uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ramBytes == nil || gpa+length > uint64(len(m.ramBytes)) {
		return nil, ErrNotFound
	}
	return m.ramBytes[gpa : gpa+length], nil
}

// Layout reserves the anonymous mapping backing guest RAM. When ramSize
// crosses the 3GiB PCI hole it allocates ramSize+GapSize and marks the
// [3GiB, 4GiB) window PROT_NONE so guest accesses there fault instead of
// touching real host memory; otherwise it allocates exactly ramSize. The
// mapping is advised MERGEABLE either way. It returns the (possibly grown)
// ram size and registers the one or two RAM banks with the backend.
func (m *Map) Layout(ramSize uint64) (uint64, error) {
	allocSize := ramSize
	gap := ramSize >= GapStart
	if gap {
		allocSize = ramSize + GapSize
	}

	hva, err := unix.Mmap(-1, 0, int(allocSize),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return 0, fmt.Errorf("memmap: mmap ram: %w", err)
	}
	base := uintptr(unsafe.Pointer(&hva[0]))

	if gap {
		if err := unix.Mprotect(hva[GapStart:GapStart+GapSize], unix.PROT_NONE); err != nil {
			return 0, fmt.Errorf("memmap: mprotect pci hole: %w", err)
		}
	}
	if err := unix.Madvise(hva, unix.MADV_MERGEABLE); err != nil {
		// MADV_MERGEABLE requires CONFIG_KSM on the host; absence is not fatal.
		_ = err
	}

	m.mu.Lock()
	m.ramBytes = hva
	m.hvaStart = base
	m.mu.Unlock()

	if gap {
		if _, err := m.Register(0, GapStart, base, RAM); err != nil {
			return 0, err
		}
		secondSize := allocSize - (4 << 30)
		if _, err := m.Register(4<<30, secondSize, base+uintptr(4<<30), RAM); err != nil {
			return 0, err
		}
		return allocSize, nil
	}

	if _, err := m.Register(0, ramSize, base, RAM); err != nil {
		return 0, err
	}
	return ramSize, nil
}

// Close tears down every registered region in post-order and releases the
// backing mapping. Regions never move after install, so this only ever
// runs once, at VM teardown.
func (m *Map) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tree.PostOrder(func(n *interval.Node[*Region]) {
		delete(m.used, n.Value().Slot)
	})

	if m.ramBytes == nil {
		return nil
	}
	err := unix.Munmap(m.ramBytes)
	m.ramBytes, m.hvaStart = nil, 0
	return err
}

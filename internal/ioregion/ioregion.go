// Package ioregion implements the unified PIO/MMIO dispatch fabric: two
// interval-tree registries of device-owned ranges, reference-counted so
// that deregistration racing a concurrent dispatch never frees memory out
// from under an in-flight handler.
package ioregion

import (
	"errors"
	"sync"

	"github.com/kvmlite/kvmlite/internal/interval"
)

// Bus selects which of the two disjoint address spaces a range lives on.
type Bus int

const (
	PIO Bus = iota
	MMIO
)

// Direction of a dispatched access.
type Direction int

const (
	Read Direction = iota
	Write
)

// Handler is invoked by the registry on every dispatched access. For PIO,
// data is one size-byte access (string I/O calls the handler count times,
// each with the next size-byte slice); for MMIO it is the whole access.
type Handler func(addr uint64, data []byte, dir Direction, cookie interface{}) error

// Coalesce backend hook, satisfied by the vCPU/KVM layer. MMIO regions
// registered with the Coalesce flag are additionally told to the backend so
// that guest stores batch into a ring instead of trapping on every write.
type CoalesceBackend interface {
	RegisterCoalescedMMIO(addr, size uint64) error
	UnregisterCoalescedMMIO(addr, size uint64) error
}

var (
	ErrOverlap  = errors.New("ioregion: range overlaps an existing registration on this bus")
	ErrNotFound = errors.New("ioregion: no registration at that address")
)

type region struct {
	bus       Bus
	addr, len uint64
	handler   Handler
	cookie    interface{}
	coalesce  bool

	refcount     int
	pendingFree  bool
}

// Registry owns the PIO and MMIO interval trees plus the mutex guarding
// both. Dispatch acquires the mutex only to bump/drop a refcount; the
// handler itself runs unlocked, so handlers must never call back into
// Register/Deregister for their own region (that would deadlock by design).
type Registry struct {
	mu       sync.Mutex
	pio      *interval.Tree[*region]
	mmio     *interval.Tree[*region]
	coalesce CoalesceBackend
}

func New(coalesce CoalesceBackend) *Registry {
	return &Registry{
		pio:      interval.New[*region](true),
		mmio:     interval.New[*region](true),
		coalesce: coalesce,
	}
}

func (r *Registry) treeFor(bus Bus) *interval.Tree[*region] {
	if bus == PIO {
		return r.pio
	}
	return r.mmio
}

// Register installs handler over [addr, addr+len) on the given bus. When
// bus is MMIO and coalesce is true, the range is additionally registered
// with the backend's coalesced-MMIO mechanism.
func (r *Registry) Register(bus Bus, addr, length uint64, handler Handler, cookie interface{}, coalesce bool) error {
	r.mu.Lock()
	reg := &region{bus: bus, addr: addr, len: length, handler: handler, cookie: cookie, coalesce: coalesce && bus == MMIO}
	_, err := r.treeFor(bus).Insert(addr, addr+length, reg)
	r.mu.Unlock()
	if err != nil {
		return ErrOverlap
	}

	if reg.coalesce && r.coalesce != nil {
		if err := r.coalesce.RegisterCoalescedMMIO(addr, length); err != nil {
			r.Deregister(bus, addr)
			return err
		}
	}
	return nil
}

// Deregister removes the region starting at addr on bus. If the region is
// currently referenced by an in-flight dispatch, the actual free is
// deferred to the last matching release.
func (r *Registry) Deregister(bus Bus, addr uint64) error {
	r.mu.Lock()
	tree := r.treeFor(bus)
	n, ok := tree.Find(addr)
	if !ok || n.Value().addr != addr {
		r.mu.Unlock()
		return ErrNotFound
	}
	reg := n.Value()
	free := reg.refcount == 0
	if free {
		tree.Erase(n)
	} else {
		reg.pendingFree = true
	}
	r.mu.Unlock()

	if reg.coalesce && r.coalesce != nil {
		_ = r.coalesce.UnregisterCoalescedMMIO(reg.addr, reg.len)
	}
	return nil
}

// get acquires a reference to the region covering [addr, addr+1), bumping
// its refcount under the registry lock.
func (r *Registry) get(bus Bus, addr uint64) (*region, *interval.Node[*region], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.treeFor(bus).Find(addr)
	if !ok {
		return nil, nil, false
	}
	reg := n.Value()
	reg.refcount++
	return reg, n, true
}

// put releases a reference acquired by get. If the region was marked
// pending-remove and this was the last holder, it is freed now.
func (r *Registry) put(bus Bus, reg *region, n *interval.Node[*region]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg.refcount--
	if reg.refcount == 0 && reg.pendingFree {
		r.treeFor(bus).Erase(n)
	}
}

// DispatchPIO handles a port I/O trap. count>1 means string I/O: the
// handler runs count times, stepping data by size bytes each iteration.
// An access to an unregistered port is a no-op that reports "handled",
// matching legacy PC behavior (reads observe zero, writes are dropped).
func (r *Registry) DispatchPIO(port uint64, data []byte, dir Direction, size uint64, count uint64) error {
	reg, n, ok := r.get(PIO, port)
	if !ok {
		if dir == Read {
			for i := range data {
				data[i] = 0
			}
		}
		return nil
	}
	defer r.put(PIO, reg, n)

	if count == 0 {
		count = 1
	}
	for i := uint64(0); i < count; i++ {
		lo := i * size
		hi := lo + size
		if hi > uint64(len(data)) {
			break
		}
		if err := reg.handler(port, data[lo:hi], dir, reg.cookie); err != nil {
			return err
		}
	}
	return nil
}

// DispatchMMIO handles a single MMIO trap.
func (r *Registry) DispatchMMIO(phys uint64, data []byte, write bool) error {
	dir := Read
	if write {
		dir = Write
	}
	reg, n, ok := r.get(MMIO, phys)
	if !ok {
		if dir == Read {
			for i := range data {
				data[i] = 0
			}
		}
		return nil
	}
	defer r.put(MMIO, reg, n)
	return reg.handler(phys, data, dir, reg.cookie)
}

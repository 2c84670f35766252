package virtio

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/kvmlite/kvmlite/internal/ioeventfd"
	"github.com/kvmlite/kvmlite/internal/ioregion"
	"github.com/kvmlite/kvmlite/internal/irqplane"
	"github.com/kvmlite/kvmlite/internal/pci"
)

// Legacy virtio-pci register offsets, relative to the I/O BAR base.
// Grounded on original_source/include/broiler/virtio.h.
const (
	regHostFeatures  = 0
	regGuestFeatures = 4
	regQueuePFN      = 8
	regQueueNum      = 12
	regQueueSel      = 14
	regQueueNotify   = 16
	regStatus        = 18
	regISR           = 19
	regMSIConfigVec  = 20
	regMSIQueueVec   = 22

	configOffNoMSIX = 20
	configOffMSIX   = 24

	vringAlign = 4096
	pfnShift   = 12

	maxVirtQueue = 32
	maxVectors   = maxVirtQueue + 1 // one per queue plus the config vector

	isrConfig = 0x2
	isrQueue  = 0x1

	noVector = 0xffff

	msixEntrySize = 16 // addr_lo, addr_hi, data, vector_control
	msixTableSize = maxVectors * msixEntrySize
	msixPBASize   = 8 // one bit per vector, rounded up to a qword

	// BAR sizes must be powers of two for the all-ones size probe to
	// round-trip as ~(size-1); both MMIO BARs get a full page.
	msixBarSize   = 4096
	mirrorBarSize = 4096
)

// Ops is implemented by a concrete device model (virtio-blk, ...) to
// receive transport events. Grounded on the notify/config-read/write
// callbacks virtio-pci.c plumbs into each device's virtio_ops.
type Ops interface {
	DeviceID() uint16
	ConfigSpace() []byte
	NumQueues() int
	QueueSize(sel int) uint32
	SetFeatures(features uint32)
	HostFeatures() uint32
	QueueNotify(sel int)
	Reset()
}

// PCIDevice is the legacy virtio-pci transport for one device model: an
// I/O BAR carrying the common/legacy register block plus the device's own
// config space, an MMIO mirror of that window, an MSI-X table+PBA BAR,
// wired into the PCI config space.
// Grounded on original_source/virtio/virtio-pci.c's virtio_pci_ops.
type PCIDevice struct {
	mu sync.Mutex

	dev  *pci.Device
	ops  Ops
	root *pci.Root

	registry *ioregion.Registry
	pump     *ioeventfd.Pump
	irq      *irqplane.Table

	ioBase   uint16
	ioSize   uint16
	mmioBase uint32

	msixBase uint32

	hostFeatures  uint32
	guestFeatures uint32
	status        uint8
	isr           uint8

	queueSel     uint16
	queuePFN     [maxVirtQueue]uint32
	queueVector  [maxVirtQueue]uint16
	configVector uint16
	queues       [maxVirtQueue]*Queue

	queueEFD          [maxVirtQueue]int
	queueEFDInstalled [maxVirtQueue]bool

	msixEnabled bool
	irqLine     uint8

	vectorTable  [maxVectors]msixEntry
	vectorGSI    [maxVectors]uint32
	vectorRouted [maxVectors]bool
	pending      [maxVectors]bool // PBA: completion withheld by a mask bit

	translate Translator
}

type msixEntry struct {
	addrLo, addrHi, data, ctrl uint32
}

// NewPCIDevice builds and registers the legacy transport for ops across
// three BARs: an I/O BAR carrying the common register block plus device
// config space, an MMIO mirror of that same window so 32-bit guests can
// use either path, and an MMIO BAR for the MSI-X table and pending-bit
// array. The BARs come up active (both address spaces enabled in the
// command register) and their I/O-registry regions follow any BAR
// reassignment through the activate/deactivate callbacks.
func NewPCIDevice(root *pci.Root, registry *ioregion.Registry, pump *ioeventfd.Pump, irq *irqplane.Table, ops Ops, translate Translator) (*PCIDevice, error) {
	cfgLen := len(ops.ConfigSpace())
	need := uint16(configOffMSIX) + uint16(cfgLen)
	size := uint16(64)
	for size < need {
		size <<= 1
	}

	p := &PCIDevice{
		ops:          ops,
		root:         root,
		registry:     registry,
		pump:         pump,
		irq:          irq,
		translate:    translate,
		hostFeatures: ops.HostFeatures(),
	}
	for i := range p.queueVector {
		p.queueVector[i] = noVector
		p.queueEFD[i] = -1
	}
	p.configVector = noVector

	p.ioBase = root.AllocIOPortBlock(size)
	p.ioSize = size
	p.mmioBase = root.AllocMMIOBlock(mirrorBarSize)
	p.msixBase = root.AllocMMIOBlock(msixBarSize)

	dev := &pci.Device{}
	dev.SetVendorDevice(0x1af4, ops.DeviceID())
	dev.SetClass(0x010000 | uint32(ops.DeviceID()-0x1000))
	dev.SetSubsystem(0x1af4, ops.DeviceID()-0x1000)
	dev.SetBAR(0, uint32(p.ioBase), uint32(size), true)
	dev.SetBAR(1, p.mmioBase, mirrorBarSize, false)
	dev.SetBAR(2, p.msixBase, msixBarSize, false)
	dev.SetMSIXCap(maxVectors, 2, 0, 2, msixTableSize)
	dev.SetStatusCapList(pci.MSIXCapOffset())
	dev.SetBarCallbacks(p.activateBar, p.deactivateBar)
	dev.SetMSIXCtrlCallback(p.onMSIXCtrlWrite)
	dev.SetCommand(pci.CommandIO | pci.CommandMemory)
	p.dev = dev

	if _, err := root.AddDevice(dev); err != nil {
		return nil, fmt.Errorf("virtio pci: register device: %w", err)
	}
	p.irqLine = root.AllocIRQLine()
	dev.AssignIRQ(p.irqLine)

	return p, nil
}

// activateBar places the BAR's region in the I/O registry at its current
// config-space address. Reassignment re-enters here after deactivateBar
// with the new address already committed, so the region follows the BAR.
func (p *PCIDevice) activateBar(dev *pci.Device, bar int) error {
	switch bar {
	case 0:
		p.mu.Lock()
		p.ioBase = uint16(dev.BARAddress(0))
		for i := range p.queues {
			if p.queues[i] != nil {
				p.installQueueEFDLocked(i)
			}
		}
		base := p.ioBase
		p.mu.Unlock()
		return p.registry.Register(ioregion.PIO, uint64(base), uint64(p.ioSize), p.handleIO, nil, false)
	case 1:
		p.mu.Lock()
		p.mmioBase = dev.BARAddress(1)
		base := p.mmioBase
		p.mu.Unlock()
		return p.registry.Register(ioregion.MMIO, uint64(base), mirrorBarSize, p.handleMMIOMirror, nil, false)
	case 2:
		p.mu.Lock()
		p.msixBase = dev.BARAddress(2)
		p.msixEnabled = dev.MSIXCtrl()&(1<<15) != 0
		base := p.msixBase
		p.mu.Unlock()
		return p.registry.Register(ioregion.MMIO, uint64(base), msixBarSize, p.handleMSIXBar, nil, false)
	}
	return nil
}

func (p *PCIDevice) deactivateBar(dev *pci.Device, bar int) error {
	switch bar {
	case 0:
		p.mu.Lock()
		for i := range p.queueEFDInstalled {
			p.removeQueueEFDLocked(i)
		}
		base := p.ioBase
		p.mu.Unlock()
		return p.registry.Deregister(ioregion.PIO, uint64(base))
	case 1:
		return p.registry.Deregister(ioregion.MMIO, uint64(p.mmioBase))
	case 2:
		return p.registry.Deregister(ioregion.MMIO, uint64(p.msixBase))
	}
	return nil
}

func (p *PCIDevice) handleMSIXBar(addr uint64, data []byte, dir ioregion.Direction, cookie interface{}) error {
	p.mu.Lock()
	off := addr - uint64(p.msixBase)

	p.msixEnabled = p.dev.MSIXCtrl()&(1<<15) != 0

	if off >= msixTableSize {
		if dir == ioregion.Read {
			p.pbaReadLocked(off-msixTableSize, data)
		}
		// PBA is read-only from the guest's perspective; writes are ignored.
		p.mu.Unlock()
		return nil
	}

	vec := int(off / msixEntrySize)
	fieldOff := off % msixEntrySize
	e := &p.vectorTable[vec]

	if dir == ioregion.Read {
		switch fieldOff {
		case 0:
			binary.LittleEndian.PutUint32(data, e.addrLo)
		case 4:
			binary.LittleEndian.PutUint32(data, e.addrHi)
		case 8:
			binary.LittleEndian.PutUint32(data, e.data)
		case 12:
			binary.LittleEndian.PutUint32(data, e.ctrl)
		}
		p.mu.Unlock()
		return nil
	}

	v := binary.LittleEndian.Uint32(data)
	switch fieldOff {
	case 0:
		e.addrLo = v
	case 4:
		e.addrHi = v
	case 8:
		e.data = v
	case 12:
		e.ctrl = v
	}

	if fieldOff != 12 {
		p.mu.Unlock()
		return nil
	}

	p.routeVectorLocked(vec)
	replay := p.pending[vec] && !p.maskedLocked(uint16(vec))
	p.mu.Unlock()

	if replay {
		p.replayVector(uint16(vec))
	}
	return nil
}

// pbaReadLocked fills data with the pending-bit-array bytes starting at
// relOff (relative to the PBA's own base, i.e. off-msixTableSize), one bit
// per vector. Called with p.mu held.
func (p *PCIDevice) pbaReadLocked(relOff uint64, data []byte) {
	for i := range data {
		var b byte
		base := int(relOff+uint64(i)) * 8
		for bit := 0; bit < 8; bit++ {
			vec := base + bit
			if vec < maxVectors && p.pending[vec] {
				b |= 1 << uint(bit)
			}
		}
		data[i] = b
	}
}

// maskedLocked reports whether vec is currently withheld from injection:
// either the capability-wide MASKALL bit is set, or the vector's own
// entry has its mask bit (vector_control bit 0) set. Called with p.mu
// held.
func (p *PCIDevice) maskedLocked(vec uint16) bool {
	if p.dev.MSIXCtrl()&(1<<14) != 0 {
		return true
	}
	if int(vec) >= maxVectors {
		return true
	}
	return p.vectorTable[vec].ctrl&1 != 0
}

// replayVector injects the MSI for vec if it has a completion that was
// withheld by masking and the mask has since cleared, per the mask/unmask
// sequence spec §8.5 requires. Acquires p.mu itself; callers must not
// already hold it.
func (p *PCIDevice) replayVector(vec uint16) {
	p.mu.Lock()
	if int(vec) >= maxVectors || !p.pending[vec] || p.maskedLocked(vec) {
		p.mu.Unlock()
		return
	}
	gsi, msg, routed := p.vectorRouteLocked(p.msixEnabled, vec)
	if !routed {
		p.mu.Unlock()
		return
	}
	p.pending[vec] = false
	p.mu.Unlock()
	_ = p.irq.SignalMSI(gsi, msg)
}

// onMSIXCtrlWrite runs after the guest writes the MSI-X message control
// word in config space. It refreshes the cached enable bit, and when the
// MASKALL bit transitions from set to clear, every vector with a withheld
// completion is replayed.
func (p *PCIDevice) onMSIXCtrlWrite(old, new uint16) {
	p.mu.Lock()
	p.msixEnabled = new&(1<<15) != 0
	p.mu.Unlock()

	wasMaskAll := old&(1<<14) != 0
	isMaskAll := new&(1<<14) != 0
	if !wasMaskAll || isMaskAll {
		return
	}
	for vec := 0; vec < maxVectors; vec++ {
		p.replayVector(uint16(vec))
	}
}

// routeVectorLocked pushes the current address/data for vec into the
// irq routing table, allocating a GSI on first use and updating it
// afterward. Called with p.mu held.
func (p *PCIDevice) routeVectorLocked(vec int) {
	e := p.vectorTable[vec]
	msg := irqplane.Msg{AddressLo: e.addrLo, AddressHi: e.addrHi, Data: e.data}

	if !p.vectorRouted[vec] {
		gsi, err := p.irq.AddMSIXRoute(msg, uint32(p.ops.DeviceID()))
		if err == nil {
			p.vectorGSI[vec] = gsi
			p.vectorRouted[vec] = true
		}
		return
	}
	_ = p.irq.UpdateMSIXRoute(p.vectorGSI[vec], msg)
}

func (p *PCIDevice) handleIO(addr uint64, data []byte, dir ioregion.Direction, cookie interface{}) error {
	return p.access(addr, data, dir, false)
}

// handleMMIOMirror serves the MMIO copy of the legacy register window; the
// register map is byte-identical at base+offset on both BARs.
func (p *PCIDevice) handleMMIOMirror(addr uint64, data []byte, dir ioregion.Direction, cookie interface{}) error {
	return p.access(addr, data, dir, true)
}

// access resolves addr against the owning BAR's base and dispatches the
// register read/write. A queue notify is delivered to the device model
// after the transport lock drops: the model's notify path takes transport
// entry points (Queue, NotifyGuest) itself.
func (p *PCIDevice) access(addr uint64, data []byte, dir ioregion.Direction, mmio bool) error {
	p.mu.Lock()
	base := uint64(p.ioBase)
	if mmio {
		base = uint64(p.mmioBase)
	}
	off := addr - base

	if off >= p.configOffset() {
		err := p.handleConfig(off, data, dir)
		p.mu.Unlock()
		return err
	}
	if dir == ioregion.Read {
		err := p.readLegacy(off, data)
		p.mu.Unlock()
		return err
	}
	notify, err := p.writeLegacy(off, data)
	p.mu.Unlock()
	if notify >= 0 {
		p.ops.QueueNotify(notify)
	}
	return err
}

func (p *PCIDevice) configOffset() uint64 {
	if p.msixEnabled {
		return configOffMSIX
	}
	return configOffNoMSIX
}

func (p *PCIDevice) handleConfig(off uint64, data []byte, dir ioregion.Direction) error {
	cfg := p.ops.ConfigSpace()
	rel := off - p.configOffset()
	if int(rel)+len(data) > len(cfg) {
		return fmt.Errorf("virtio pci: config access out of range")
	}
	if dir == ioregion.Read {
		copy(data, cfg[rel:])
	} else {
		copy(cfg[rel:], data)
	}
	return nil
}

func (p *PCIDevice) readLegacy(off uint64, data []byte) error {
	switch off {
	case regHostFeatures:
		binary.LittleEndian.PutUint32(data, p.hostFeatures)
	case regGuestFeatures:
		binary.LittleEndian.PutUint32(data, p.guestFeatures)
	case regQueuePFN:
		binary.LittleEndian.PutUint32(data, p.queuePFN[p.queueSel])
	case regQueueNum:
		binary.LittleEndian.PutUint16(data, uint16(p.ops.QueueSize(int(p.queueSel))))
	case regQueueSel:
		binary.LittleEndian.PutUint16(data, p.queueSel)
	case regStatus:
		data[0] = p.status
	case regISR:
		data[0] = p.isr
		p.isr = 0
	case regMSIConfigVec:
		binary.LittleEndian.PutUint16(data, p.configVector)
	case regMSIQueueVec:
		binary.LittleEndian.PutUint16(data, p.queueVector[p.queueSel])
	default:
		for i := range data {
			data[i] = 0
		}
	}
	return nil
}

// writeLegacy handles a register write with p.mu held. It returns the
// queue index to notify (or -1) so the caller can invoke the device model
// outside the lock.
func (p *PCIDevice) writeLegacy(off uint64, data []byte) (int, error) {
	switch off {
	case regGuestFeatures:
		p.guestFeatures = binary.LittleEndian.Uint32(data)
		p.ops.SetFeatures(p.guestFeatures)
	case regQueuePFN:
		pfn := binary.LittleEndian.Uint32(data)
		sel := int(p.queueSel)
		p.queuePFN[sel] = pfn
		if pfn != 0 {
			q, err := NewQueue(p.ops.QueueSize(sel), uint64(pfn)<<pfnShift, vringAlign, p.translate)
			if err != nil {
				return -1, err
			}
			q.UseEventIdx = p.guestFeatures&(1<<FRingEventIdx) != 0
			p.queues[sel] = q
			p.installQueueEFDLocked(sel)
		} else {
			p.removeQueueEFDLocked(sel)
			p.queues[sel] = nil
		}
	case regQueueSel:
		sel := binary.LittleEndian.Uint16(data)
		if int(sel) < maxVirtQueue {
			p.queueSel = sel
		}
	case regQueueNotify:
		return int(binary.LittleEndian.Uint16(data)), nil
	case regStatus:
		p.status = data[0]
		if p.status == 0 {
			p.resetLocked()
		}
	case regMSIConfigVec:
		p.configVector = binary.LittleEndian.Uint16(data)
	case regMSIQueueVec:
		p.queueVector[p.queueSel] = binary.LittleEndian.Uint16(data)
	}
	return -1, nil
}

// installQueueEFDLocked installs sel's bound eventfd with the backend so a
// guest write of sel to QUEUE_NOTIFY wakes the fd without a userspace
// exit. A nonzero queue PFN write triggers this; the matching removal
// happens on a zero PFN write, a status reset, or BAR 0 deactivation.
func (p *PCIDevice) installQueueEFDLocked(sel int) {
	if p.queueEFD[sel] < 0 || p.queueEFDInstalled[sel] {
		return
	}
	err := p.pump.Add(p.queueEFD[sel], uint64(p.ioBase)+regQueueNotify, 2, uint64(sel), true, ioeventfd.FlagPIO, nil)
	if err == nil {
		p.queueEFDInstalled[sel] = true
	}
}

func (p *PCIDevice) removeQueueEFDLocked(sel int) {
	if !p.queueEFDInstalled[sel] {
		return
	}
	_ = p.pump.Del(p.queueEFD[sel], uint64(p.ioBase)+regQueueNotify, 2, uint64(sel), true, ioeventfd.FlagPIO)
	p.queueEFDInstalled[sel] = false
}

func (p *PCIDevice) resetLocked() {
	for i := range p.queues {
		p.removeQueueEFDLocked(i)
		p.queues[i] = nil
		p.queuePFN[i] = 0
		p.queueVector[i] = noVector
	}
	p.configVector = noVector
	p.guestFeatures = 0
	p.ops.Reset()
}

// Queue returns the queue currently bound to selector sel, or nil if the
// driver has not yet written a nonzero PFN for it.
func (p *PCIDevice) Queue(sel int) *Queue {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queues[sel]
}

// IRQLine returns the legacy INTx line assigned to this device.
func (p *PCIDevice) IRQLine() uint8 { return p.irqLine }

// BindQueueEventFD records fd as queue sel's doorbell eventfd. The kernel
// installation itself is deferred to the guest's nonzero QUEUE_PFN write
// (and undone on the zero write that deletes the queue), so the fast path
// only exists while the queue does.
func (p *PCIDevice) BindQueueEventFD(sel int, fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queueEFD[sel] = fd
	if p.queues[sel] != nil {
		p.installQueueEFDLocked(sel)
	}
	return nil
}

// NotifyGuest raises the device's interrupt for a used-ring update on
// queue sel: MSI-X via the queue's routed vector when enabled (gated by
// vring_need_event inside Queue.ShouldSignal), the legacy level-triggered
// INTx line otherwise. A masked MSI-X vector records the completion in
// the PBA instead of injecting, per spec §4.8/§8.5.
func (p *PCIDevice) NotifyGuest(sel int) {
	p.mu.Lock()
	q := p.queues[sel]
	if q == nil || !q.ShouldSignal() {
		p.mu.Unlock()
		return
	}
	msix := p.msixEnabled
	vec := p.queueVector[sel]
	p.isr |= isrQueue
	gsi, msg, routed, inject := p.deliverLocked(msix, vec)
	p.mu.Unlock()

	if routed {
		if inject {
			_ = p.irq.SignalMSI(gsi, msg)
		}
		return
	}
	_ = p.irq.Line(uint32(p.irqLine), 1)
}

// vectorRouteLocked returns the GSI and MSI message routed for vec, if
// MSI-X is enabled, vec names a real vector and that vector has been
// routed by a prior MSI-X table write. Called with p.mu held.
func (p *PCIDevice) vectorRouteLocked(msix bool, vec uint16) (gsi uint32, msg irqplane.Msg, routed bool) {
	if !msix || vec == noVector || int(vec) >= maxVectors || !p.vectorRouted[vec] {
		return 0, irqplane.Msg{}, false
	}
	e := p.vectorTable[vec]
	return p.vectorGSI[vec], irqplane.Msg{AddressLo: e.addrLo, AddressHi: e.addrHi, Data: e.data}, true
}

// deliverLocked resolves the injection decision for vec: when routed but
// masked (MASKALL or the entry's own mask bit) it records the completion
// in the PBA and reports no injection, so the caller raises neither an
// MSI nor the legacy line. Called with p.mu held.
func (p *PCIDevice) deliverLocked(msix bool, vec uint16) (gsi uint32, msg irqplane.Msg, routed, inject bool) {
	gsi, msg, routed = p.vectorRouteLocked(msix, vec)
	if !routed {
		return gsi, msg, false, false
	}
	if p.maskedLocked(vec) {
		p.pending[vec] = true
		return gsi, msg, true, false
	}
	return gsi, msg, true, true
}

// SignalConfig raises the device's config-change interrupt.
func (p *PCIDevice) SignalConfig() {
	p.mu.Lock()
	msix := p.msixEnabled
	vec := p.configVector
	p.isr |= isrConfig
	gsi, msg, routed, inject := p.deliverLocked(msix, vec)
	p.mu.Unlock()

	if routed {
		if inject {
			_ = p.irq.SignalMSI(gsi, msg)
		}
		return
	}
	_ = p.irq.Line(uint32(p.irqLine), 1)
}

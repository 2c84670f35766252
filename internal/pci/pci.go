// Package pci implements the PCI configuration-address/data port pair,
// the device table, and the BAR activate/deactivate lifecycle described in
// spec §4.7. Grounded on original_source/broiler/pci.c: the command-word
// diff-then-activate/deactivate sequence, the all-ones size-probe mask,
// and the deactivate->deactivate-overlaps->commit->activate->
// reactivate-overlaps sequence in pci_config_bar_wr.
package pci

import (
	"encoding/binary"
	"sync"

	"github.com/kvmlite/kvmlite/internal/ioregion"
)

// Legacy configuration-mechanism-#1 ports.
const (
	ConfigAddress = 0xCF8
	ConfigData    = 0xCFC

	// CFGAreaSize is the size of the MMCFG window (1 MiB per bus, 16 buses).
	CFGAreaSize = 1 << 24

	ioSize = 0x100

	devCfgSize = 256
	devCfgMask = devCfgSize - 1

	// CommandIO / CommandMemory are the command register's address-space
	// enable bits; devices that come up live set them before AddDevice.
	CommandIO     = 1 << 0
	CommandMemory = 1 << 1

	barSpaceIOMask  = 0x1
	barIOMask       = ^uint32(0x3)
	barMemMask      = ^uint32(0xF)
	barTypeIOBit    = 0x1
	barTypeMemory   = 0x0

	// irqBase is the reserved range's lower bound (spec §4.7).
	irqBase = 5
)

// BarActivateFn / BarDeactivateFn translate a (device, bar index) into an
// I/O-registry registration or deregistration.
type BarActivateFn func(dev *Device, bar int) error
type BarDeactivateFn func(dev *Device, bar int) error

// Device is one PCI function's 256-byte configuration view plus the
// private BAR-lifecycle bookkeeping spec §3 requires.
type Device struct {
	mu sync.Mutex

	cfg [devCfgSize]byte // standard header + MSI-X capability + padding

	barSize   [6]uint32
	barActive [6]bool

	irqLine uint8
	irqPin  uint8
	devNum  uint8

	activate   BarActivateFn
	deactivate BarDeactivateFn

	msixCtrlFn func(old, new uint16)
}

func (d *Device) command() uint16 { return binary.LittleEndian.Uint16(d.cfg[0x04:]) }

// SetCommand seeds the command register directly, bypassing the BAR
// activate/deactivate diffing a guest-issued config write goes through.
// Meant for device construction, before AddDevice.
func (d *Device) SetCommand(v uint16) { binary.LittleEndian.PutUint16(d.cfg[0x04:], v) }

// SetVendorDevice fills the vendor/device id header fields.
func (d *Device) SetVendorDevice(vendor, device uint16) {
	binary.LittleEndian.PutUint16(d.cfg[0x00:], vendor)
	binary.LittleEndian.PutUint16(d.cfg[0x02:], device)
}

// SetClass fills the 3-byte class code at offset 0x09.
func (d *Device) SetClass(class uint32) {
	d.cfg[0x09] = byte(class)
	d.cfg[0x0A] = byte(class >> 8)
	d.cfg[0x0B] = byte(class >> 16)
}

// SetSubsystem fills the subsystem vendor/id fields.
func (d *Device) SetSubsystem(vendor, id uint16) {
	binary.LittleEndian.PutUint16(d.cfg[0x2C:], vendor)
	binary.LittleEndian.PutUint16(d.cfg[0x2E:], id)
}

// SetHeaderType sets the standard header-type byte (0x00 = normal, single function).
func (d *Device) SetHeaderType(t byte) { d.cfg[0x0E] = t }

// SetStatusCapList sets the "capabilities list present" status bit and the
// capabilities-pointer field to point at the MSI-X capability.
func (d *Device) SetStatusCapList(capOffset uint8) {
	status := binary.LittleEndian.Uint16(d.cfg[0x06:])
	binary.LittleEndian.PutUint16(d.cfg[0x06:], status|0x10)
	d.cfg[0x34] = capOffset
}

// msixCapOffset is where virtio-pci's single capability (MSI-X) lands:
// right after the standard 64-byte header, matching virtio_pci's
// `capabilities = &msix - &pdev` layout.
const msixCapOffset = 0x40

// MSIXCapOffset returns the fixed offset used for the MSI-X capability.
func MSIXCapOffset() uint8 { return msixCapOffset }

// SetMSIXCap installs the MSI-X capability structure: cap id, ctrl
// (entries-1), and the table/PBA BIR+offset words (both in BAR 2, per
// virtio_pci_init).
func (d *Device) SetMSIXCap(entries int, tableBIR, tableOffset, pbaBIR, pbaOffset uint32) {
	c := d.cfg[msixCapOffset:]
	c[0] = 0x11 // PCI_CAP_ID_MSIX
	c[1] = 0
	binary.LittleEndian.PutUint16(c[2:], uint16(entries-1))
	binary.LittleEndian.PutUint32(c[4:], tableOffset|tableBIR)
	binary.LittleEndian.PutUint32(c[8:], pbaOffset|pbaBIR)
}

// MSIXCtrl reads the MSI-X capability control word (mask-all bit, enable bit).
func (d *Device) MSIXCtrl() uint16 {
	return binary.LittleEndian.Uint16(d.cfg[msixCapOffset+2:])
}

// msixCtrlOffset is the config-space offset of the MSI-X message control
// word (entries-1 plus the function-mask and enable bits, PCI 6.8.2.3).
const msixCtrlOffset = msixCapOffset + 2

// SetMSIXCtrlCallback registers fn to run whenever the guest writes the
// MSI-X message control word, after the new value lands in cfg. Used by
// the transport to replay any PBA-pending vector once the MASKALL bit
// transitions from set to clear.
func (d *Device) SetMSIXCtrlCallback(fn func(old, new uint16)) {
	d.msixCtrlFn = fn
}

// SetBAR installs a BAR's static (pre-guest-write) value and size hint:
// ioBar selects PCI_BASE_ADDRESS_SPACE_IO, otherwise MEMORY.
func (d *Device) SetBAR(bar int, addr uint32, size uint32, ioBar bool) {
	d.barSize[bar] = size
	v := addr
	if ioBar {
		v |= barTypeIOBit
	} else {
		v |= barTypeMemory
	}
	binary.LittleEndian.PutUint32(d.cfg[0x10+4*bar:], v)
}

// BARAddress returns BAR bar's current base address, masked per its type.
func (d *Device) BARAddress(bar int) uint32 {
	return barAddressValue(binary.LittleEndian.Uint32(d.cfg[0x10+4*bar:]))
}

func barAddressValue(v uint32) uint32 {
	if v&barSpaceIOMask != 0 {
		return v & barIOMask
	}
	return v & barMemMask
}

func (d *Device) barIsIO(bar int) bool {
	return binary.LittleEndian.Uint32(d.cfg[0x10+4*bar:])&barSpaceIOMask != 0
}

func (d *Device) barIsImplemented(bar int) bool { return d.barSize[bar] != 0 }

// AssignIRQ gives the device INTx pin A and the given line number, which
// callers take from Root.AllocIRQLine's counter. Single-function devices
// always get pin A.
func (d *Device) AssignIRQ(line uint8) {
	d.irqPin = 1
	d.irqLine = line
	d.cfg[0x3C] = line
	d.cfg[0x3D] = d.irqPin
}

// IRQLine returns the assigned INTx line.
func (d *Device) IRQLine() uint8 { return d.irqLine }

// SetBarCallbacks installs the activate/deactivate hooks used during
// command-register and BAR-write handling.
func (d *Device) SetBarCallbacks(activate BarActivateFn, deactivate BarDeactivateFn) {
	d.activate, d.deactivate = activate, deactivate
}

func (d *Device) activateBar(bar int) error {
	if d.barActive[bar] {
		return nil
	}
	if err := d.activate(d, bar); err != nil {
		return err
	}
	d.barActive[bar] = true
	return nil
}

func (d *Device) deactivateBar(bar int) error {
	if !d.barActive[bar] {
		return nil
	}
	if err := d.deactivate(d, bar); err != nil {
		return err
	}
	d.barActive[bar] = false
	return nil
}

// Root owns the configuration-address latch, the device table indexed by
// PCI device number, and the bump allocators for BAR port/MMIO placement.
type Root struct {
	mu sync.Mutex

	registry *ioregion.Registry

	addrLatch uint32
	devices   map[uint8]*Device
	nextDev   uint8
	nextIRQ   uint8

	ioBlock   uint16
	mmioBlock uint32

	mmioBase  uint64 // BROILER_PCI_MMIO_AREA-equivalent, set by the monitor
	mmcfgBase uint64 // base of the ECAM/MMCFG window, set by Init
}

// New builds an empty PCI root bus. ioPortStart and mmioBase are the bump
// allocators' starting points (PCI_IOPORT_START and the MMIO hole base,
// respectively — both supplied by the monitor's memory layout).
func New(registry *ioregion.Registry, ioPortStart uint16, mmioBase uint32) *Root {
	return &Root{
		registry:  registry,
		devices:   make(map[uint8]*Device),
		nextIRQ:   irqBase,
		ioBlock:   ioPortStart,
		mmioBlock: mmioBase,
	}
}

// AllocIOPortBlock returns the next I/O port block, aligned to ioSize
// (256 ports) rather than to size, matching
// pci_alloc_io_port_block's ALIGN-then-bump allocator.
func (r *Root) AllocIOPortBlock(size uint16) uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	port := align16(r.ioBlock, ioSize)
	r.ioBlock = port + size
	return port
}

// AllocMMIOBlock returns the next size-aligned MMIO block. BARs must be
// naturally aligned, so the allocator aligns to size itself.
func (r *Root) AllocMMIOBlock(size uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	block := align32(r.mmioBlock, size)
	r.mmioBlock = block + size
	return block
}

func align16(v, a uint16) uint16 { return (v + a - 1) / a * a }
func align32(v, a uint32) uint32 { return (v + a - 1) / a * a }

// AllocIRQLine hands out the next monotonically increasing INTx line.
func (r *Root) AllocIRQLine() uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	line := r.nextIRQ
	r.nextIRQ++
	return line
}

// AddDevice registers dev at the next free device number and activates any
// BAR whose address space is already enabled in the command register,
// matching pci_register_bar_regions.
func (r *Root) AddDevice(dev *Device) (uint8, error) {
	r.mu.Lock()
	num := r.nextDev
	r.nextDev++
	dev.devNum = num
	r.devices[num] = dev
	r.mu.Unlock()

	for bar := 0; bar < 6; bar++ {
		if !dev.barIsImplemented(bar) || dev.barActive[bar] {
			continue
		}
		cmd := dev.command()
		if dev.barIsIO(bar) && cmd&CommandIO != 0 {
			if err := dev.activateBar(bar); err != nil {
				return num, err
			}
		}
		if !dev.barIsIO(bar) && cmd&CommandMemory != 0 {
			if err := dev.activateBar(bar); err != nil {
				return num, err
			}
		}
	}
	return num, nil
}

func (r *Root) deviceAt(num uint8) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[num]
	return d, ok
}

// configCommandWrite diffs the old/new command word and activates or
// deactivates every implemented BAR whose address space toggled.
func (r *Root) configCommandWrite(dev *Device, newCmd uint16) {
	old := dev.command()
	ioChanged := (old ^ newCmd) & CommandIO
	memChanged := (old ^ newCmd) & CommandMemory

	for bar := 0; bar < 6; bar++ {
		if !dev.barIsImplemented(bar) {
			continue
		}
		if ioChanged != 0 && dev.barIsIO(bar) {
			if newCmd&CommandIO != 0 {
				_ = dev.activateBar(bar)
			} else {
				_ = dev.deactivateBar(bar)
			}
		}
		if memChanged != 0 && !dev.barIsIO(bar) {
			if newCmd&CommandMemory != 0 {
				_ = dev.activateBar(bar)
			} else {
				_ = dev.deactivateBar(bar)
			}
		}
	}
	dev.SetCommand(newCmd)
}

// barRef names one device's BAR for the reassignment bookkeeping below.
type barRef struct {
	dev *Device
	bar int
}

// deactivateOverlapping deactivates every currently-active BAR overlapping
// [start, start+size) across every device — the scan pci_config_bar_wr
// does before committing a moved BAR — and returns exactly the set it
// deactivated so the caller can restore those same regions afterward.
func (r *Root) deactivateOverlapping(start, size uint32) ([]barRef, error) {
	r.mu.Lock()
	devs := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		devs = append(devs, d)
	}
	r.mu.Unlock()

	var moved []barRef
	for _, dev := range devs {
		for bar := 0; bar < 6; bar++ {
			if !dev.barIsImplemented(bar) || !dev.barActive[bar] {
				continue
			}
			pciStart := dev.BARAddress(bar)
			pciSize := dev.barSize[bar]
			if uint64(pciStart) >= uint64(start)+uint64(size) || uint64(pciStart)+uint64(pciSize) <= uint64(start) {
				continue
			}
			if err := dev.deactivateBar(bar); err != nil {
				return moved, err
			}
			moved = append(moved, barRef{dev, bar})
		}
	}
	return moved, nil
}

func reactivate(refs []barRef) {
	for _, ref := range refs {
		_ = ref.dev.activateBar(ref.bar)
	}
}

// configBarWrite implements the masked-write / all-ones size-probe / BAR
// reassignment sequence from pci_config_bar_wr.
func (r *Root) configBarWrite(dev *Device, bar int, value uint32) {
	// The space-indicator low bits are read-only: the write mask covers only
	// the address bits, so `cur &^ mask` below carries them through both the
	// size probe and a normal address write.
	var mask uint32
	if dev.barIsIO(bar) {
		mask = barIOMask
	} else {
		mask = barMemMask
	}

	cur := binary.LittleEndian.Uint32(dev.cfg[0x10+4*bar:])

	if value == 0xFFFFFFFF {
		probe := ^(dev.barSize[bar] - 1)
		newVal := (probe & mask) | (cur &^ mask)
		binary.LittleEndian.PutUint32(dev.cfg[0x10+4*bar:], newVal)
		return
	}

	newVal := (value & mask) | (cur &^ mask)

	cmd := dev.command()
	if dev.barIsIO(bar) && cmd&CommandIO == 0 {
		binary.LittleEndian.PutUint32(dev.cfg[0x10+4*bar:], newVal)
		return
	}
	if !dev.barIsIO(bar) && cmd&CommandMemory == 0 {
		binary.LittleEndian.PutUint32(dev.cfg[0x10+4*bar:], newVal)
		return
	}

	newAddr := barAddressValue(newVal)
	barSize := dev.barSize[bar]

	if err := dev.deactivateBar(bar); err != nil {
		return
	}
	overlapped, err := r.deactivateOverlapping(newAddr, barSize)
	if err != nil {
		reactivate(overlapped)
		_ = dev.activateBar(bar)
		return
	}

	binary.LittleEndian.PutUint32(dev.cfg[0x10+4*bar:], newVal)
	if err := dev.activateBar(bar); err != nil {
		reactivate(overlapped)
		return
	}

	reactivate(overlapped)
}

// configAddress decodes the latched CONFIG_ADDRESS register.
type configAddress struct {
	regOffset uint8
	devNum    uint8
	enabled   bool
}

func decodeAddress(w uint32) configAddress {
	return configAddress{
		regOffset: uint8(w & 0xFC),
		devNum:    uint8((w >> 11) & 0x1F),
		enabled:   w&(1<<31) != 0,
	}
}

func (r *Root) write(addr configAddress, data []byte) {
	dev, ok := r.deviceAt(addr.devNum)
	if !ok {
		return
	}
	off := addr.regOffset
	if off == 0x04 {
		var v uint16
		if len(data) >= 2 {
			v = binary.LittleEndian.Uint16(data)
		} else if len(data) == 1 {
			v = uint16(data[0])
		}
		r.configCommandWrite(dev, v)
		return
	}
	if off >= 0x10 && off < 0x28 {
		bar := int(off-0x10) / 4
		var v uint32
		for i := 0; i < len(data) && i < 4; i++ {
			v |= uint32(data[i]) << (8 * i)
		}
		r.configBarWrite(dev, bar, v)
		return
	}
	if off == msixCtrlOffset && dev.msixCtrlFn != nil {
		old := dev.MSIXCtrl()
		copy(dev.cfg[int(off):], data)
		dev.msixCtrlFn(old, dev.MSIXCtrl())
		return
	}
	copy(dev.cfg[int(off):], data)
}

func (r *Root) read(addr configAddress, data []byte) {
	dev, ok := r.deviceAt(addr.devNum)
	if !ok {
		for i := range data {
			data[i] = 0xFF
		}
		return
	}
	copy(data, dev.cfg[addr.regOffset:])
}

// pioConfigData handles the 0xCFC data window. CONFIG_ADDRESS only latches
// a dword-aligned register offset (its low two bits are hardwired zero);
// a sub-dword access reaches the intended byte through which of
// 0xCFC..0xCFF the CPU actually touches, so the real port address supplies
// the low two bits decodeAddress can't.
func (r *Root) pioConfigData(port uint64, data []byte, dir ioregion.Direction, _ interface{}) error {
	latched := decodeAddress(r.addrLatch)
	if !latched.enabled {
		if dir == ioregion.Read {
			for i := range data {
				data[i] = 0xFF
			}
		}
		return nil
	}
	addr := configAddress{
		regOffset: latched.regOffset | uint8(port-ConfigData),
		devNum:    latched.devNum,
		enabled:   true,
	}
	if dir == ioregion.Write {
		r.write(addr, data)
	} else {
		r.read(addr, data)
	}
	return nil
}

// pioConfigAddress handles the 0xCF8 address latch.
func (r *Root) pioConfigAddress(_ uint64, data []byte, dir ioregion.Direction, _ interface{}) error {
	if dir == ioregion.Write {
		var v uint32
		for i := 0; i < len(data) && i < 4; i++ {
			v |= uint32(data[i]) << (8 * i)
		}
		r.addrLatch = v
	} else {
		for i := 0; i < len(data) && i < 4; i++ {
			data[i] = byte(r.addrLatch >> (8 * i))
		}
	}
	return nil
}

// decodeMMCFGAddress decodes an ECAM offset (addr relative to mmcfgBase)
// into a (bus, dev, fn, reg) tuple per the documented MMCFG layout:
// bus<<20 | dev<<15 | fn<<12 | reg. Single-function devices only live at
// fn 0, which this root always assumes; reg is truncated to this root's
// 256-byte config view.
func decodeMMCFGAddress(off uint64) configAddress {
	return configAddress{
		regOffset: uint8(off & devCfgMask),
		devNum:    uint8((off >> 15) & 0x1F),
		enabled:   true,
	}
}

// mmioConfigAccess handles the MMCFG window: decodes (bus,dev,fn,offset)
// from the ECAM address layout, not the 0xCF8 bitfield the PIO path uses.
func (r *Root) mmioConfigAccess(addr uint64, data []byte, dir ioregion.Direction, _ interface{}) error {
	if len(data) > 4 {
		data = data[:4]
	}
	cfg := decodeMMCFGAddress(addr - r.mmcfgBase)
	if dir == ioregion.Write {
		r.write(cfg, data)
	} else {
		r.read(cfg, data)
	}
	return nil
}

// Init registers the 0xCF8/0xCFC legacy ports and the MMCFG window.
func (r *Root) Init(mmcfgBase uint64) error {
	r.mmcfgBase = mmcfgBase
	if err := r.registry.Register(ioregion.PIO, ConfigData, 4, r.pioConfigData, nil, false); err != nil {
		return err
	}
	if err := r.registry.Register(ioregion.PIO, ConfigAddress, 4, r.pioConfigAddress, nil, false); err != nil {
		return err
	}
	return r.registry.Register(ioregion.MMIO, mmcfgBase, CFGAreaSize, r.mmioConfigAccess, nil, false)
}

// Package firmware writes the byte-level legacy PC structures a real BIOS
// would leave behind before the guest's bzImage kernel takes over: the
// BDA/EBDA zero regions, the VGA ROM OEM string/mode stub, and the E820
// memory map. Grounded on original_source/broiler/bios.c's
// broiler_setup_bios/e820_setup/setup_vga_rom.
package firmware

import (
	"encoding/binary"
	"fmt"
)

// Fixed guest-physical legacy region boundaries, matching the standard PC
// memory map broiler/bios.c lays its fillers over.
const (
	IVTBegin = 0x00000000

	BDAStart = 0x00000400
	BDAEnd   = 0x00000500

	EBDAStart = 0x0009fc00
	EBDAEnd   = 0x000a0000

	VGARAMBegin = 0x000a0000

	VGAROMBegin = 0x000c0000
	VGAROMEnd   = 0x000c8000

	BIOSBegin = 0x000f0000
	BIOSEnd   = 0x00100000

	BZKernelStart = 0x00100000

	E820MapStart = 0x00007000

	// 32-bit PCI hole, matching internal/memmap's GapStart/GapSize.
	GapStart   = 3 << 30
	GapMaxMem  = 4 << 30

	// VGA ROM OEM string offsets within the VGA ROM region (setup_vga_rom).
	vgaOEMStringOffset = VGAROMBegin + 0x20
	vgaOEMStringSize   = 12
	vgaModesOffset     = VGAROMBegin + 0x40

	// Boot loader fields from kvm.h.
	BootLoaderSelector = 0x1000
	BootLoaderIP       = 0x0000
	BootLoaderSP       = 0x8000
	BootCmdlineOffset  = 0x20000
)

// E820 entry type codes (E820_RAM / E820_RESERVED).
const (
	E820RAM      = 1
	E820Reserved = 2
)

const e820EntrySize = 20 // addr(8) size(8) type(4), packed

// Memory gives this package's fillers and LoadLinux the guest-physical byte
// ranges they write into,
// resolved through whatever backs guest RAM (internal/memmap.Map.GPAToHVA
// in production, a flat byte slice in tests).
type Memory interface {
	// Bytes returns a byte slice backed by host memory for [gpa, gpa+len).
	Bytes(gpa uint64, length uint64) ([]byte, error)
	// Size returns the total number of bytes backing guest RAM.
	Size() uint64
}

func zero(mem Memory, gpa, end uint64) error {
	b, err := mem.Bytes(gpa, end-gpa)
	if err != nil {
		return err
	}
	for i := range b {
		b[i] = 0
	}
	return nil
}

// SetupLegacyRegions zero-fills the BDA, EBDA, legacy BIOS area and VGA ROM
// region, in the order broiler_setup_bios performs them.
func SetupLegacyRegions(mem Memory) error {
	if err := zero(mem, BDAStart, BDAEnd); err != nil {
		return fmt.Errorf("firmware: clear BDA: %w", err)
	}
	if err := zero(mem, EBDAStart, EBDAEnd); err != nil {
		return fmt.Errorf("firmware: clear EBDA: %w", err)
	}
	if err := zero(mem, BIOSBegin, BIOSEnd); err != nil {
		return fmt.Errorf("firmware: clear BIOS area: %w", err)
	}
	if err := zero(mem, VGAROMBegin, VGAROMEnd); err != nil {
		return fmt.Errorf("firmware: clear VGA ROM: %w", err)
	}
	return nil
}

// SetupVGAROM writes the "Broiler VESA" OEM string and the two VESA mode
// words, matching setup_vga_rom exactly (including its field order: OEM
// string first, then mode list terminated by 0xFFFF).
func SetupVGAROM(mem Memory) error {
	oem, err := mem.Bytes(vgaOEMStringOffset, vgaOEMStringSize)
	if err != nil {
		return fmt.Errorf("firmware: vga oem string: %w", err)
	}
	for i := range oem {
		oem[i] = 0
	}
	copy(oem, "Broiler VESA")

	modes, err := mem.Bytes(vgaModesOffset, 4)
	if err != nil {
		return fmt.Errorf("firmware: vga modes: %w", err)
	}
	binary.LittleEndian.PutUint16(modes[0:], 0x0112)
	binary.LittleEndian.PutUint16(modes[2:], 0xFFFF)
	return nil
}

// E820Entry mirrors struct e820_entry's packed wire layout.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

// BuildE820Map returns the ordered entry list e820_setup produces for a
// guest with ramSize bytes of RAM: the low [IVT,EBDA) RAM region, the
// EBDA-to-VGA reserved hole, the BIOS reserved region, and either one RAM
// region (ramSize below the 3GiB gap) or two (split across the gap).
func BuildE820Map(ramSize uint64) []E820Entry {
	entries := []E820Entry{
		{Addr: IVTBegin, Size: EBDAStart - IVTBegin, Type: E820RAM},
		{Addr: EBDAStart, Size: VGARAMBegin - EBDAStart, Type: E820Reserved},
		{Addr: BIOSBegin, Size: BIOSEnd - BIOSBegin, Type: E820Reserved},
	}

	if ramSize < GapStart {
		entries = append(entries, E820Entry{
			Addr: BZKernelStart,
			Size: ramSize - BZKernelStart,
			Type: E820RAM,
		})
	} else {
		entries = append(entries,
			E820Entry{Addr: BZKernelStart, Size: GapStart - BZKernelStart, Type: E820RAM},
			E820Entry{Addr: GapMaxMem, Size: ramSize - GapMaxMem, Type: E820RAM},
		)
	}
	return entries
}

// WriteE820Map serializes BuildE820Map's entries at E820MapStart in the
// struct e820_table wire layout: a u32 entry count followed by packed
// e820_entry records.
func WriteE820Map(mem Memory, ramSize uint64) error {
	entries := BuildE820Map(ramSize)

	table, err := mem.Bytes(E820MapStart, 4+uint64(len(entries))*e820EntrySize)
	if err != nil {
		return fmt.Errorf("firmware: e820 table: %w", err)
	}

	binary.LittleEndian.PutUint32(table[0:], uint32(len(entries)))
	for i, e := range entries {
		off := 4 + i*e820EntrySize
		binary.LittleEndian.PutUint64(table[off:], e.Addr)
		binary.LittleEndian.PutUint64(table[off+8:], e.Size)
		binary.LittleEndian.PutUint32(table[off+16:], e.Type)
	}
	return nil
}

// Setup runs the full firmware byte-filling sequence for a guest with
// ramSize bytes of RAM, in broiler_setup_bios's order: legacy region
// clearing, E820 table, then VGA ROM.
func Setup(mem Memory, ramSize uint64) error {
	if err := SetupLegacyRegions(mem); err != nil {
		return err
	}
	if err := WriteE820Map(mem, ramSize); err != nil {
		return err
	}
	return SetupVGAROM(mem)
}

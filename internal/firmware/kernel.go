// bzImage loading: spec §1 treats the kernel's on-disk layout as an
// external, documented format — only the setup-header fields the loader
// reads or patches are named here, grounded on original_source/broiler's
// boot sequence and the bootparam/header offsets the fuller machine.go in
// other_examples and tinyrange-cc's internal/linux/boot package both use.
package firmware

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// setup-header field offsets, relative to the start of the boot sector
// (offset 0x1F1 is setup_sects in every documented revision of the x86
// boot protocol).
const (
	setupSectsOffset   = 0x1F1
	vidModeOffset      = 0x1FA
	typeOfLoaderOffset = 0x210
	loadFlagsOffset    = 0x211
	heapEndPtrOffset   = 0x224
	cmdLinePtrOffset   = 0x228
	cmdLineSizeOffset  = 0x238

	loadFlagCanUseHeap = 1 << 7

	bootSectorSize  = 512
	maxSetupSectors = 64 // generous upper bound; real images are well under this
)

// ErrCmdlineTooLong is returned when cmdline plus its terminating NUL would
// not fit the 128KiB window starting at BootCmdlineOffset.
var ErrCmdlineTooLong = errors.New("firmware: kernel command line too long")

// LoadLinux implements the bzImage loading steps spec §6 lists as the
// firmware layer's responsibility: the real-mode setup code (boot sector
// plus setup sectors) is copied to BootLoaderSelector:BootLoaderIP, the
// protected-mode kernel image is loaded flat at BZKernelStart, cmdline is
// copied to BootCmdlineOffset, and the setup header is patched so the
// kernel recognizes an unknown bootloader with a heap it may use.
func LoadLinux(mem Memory, kernel io.ReaderAt, cmdline string) error {
	if len(cmdline)+1 > 0x20000 { // generous: cmdline lives in its own 128KiB window
		return ErrCmdlineTooLong
	}

	var sector [bootSectorSize]byte
	if _, err := kernel.ReadAt(sector[:], 0); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("firmware: read boot sector: %w", err)
	}

	setupSects := int(sector[setupSectsOffset])
	if setupSects == 0 {
		setupSects = 4
	}
	if setupSects > maxSetupSectors {
		return fmt.Errorf("firmware: improbable setup_sects=%d", setupSects)
	}
	kernelOffset := int64(setupSects+1) * bootSectorSize

	setupLen := int(kernelOffset)
	setup, err := mem.Bytes(uint64(BootLoaderSelector)<<4+uint64(BootLoaderIP), uint64(setupLen))
	if err != nil {
		return fmt.Errorf("firmware: setup region: %w", err)
	}
	if n, err := kernel.ReadAt(setup, 0); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("firmware: read setup (%d bytes): %w", n, err)
	}

	// Protected-mode kernel image: read until EOF into a flat window
	// starting at BZKernelStart. Bytes rejects an out-of-range request
	// rather than silently truncating, so size the window to whatever RAM
	// is actually backed above BZKernelStart instead of a fixed guess.
	if mem.Size() <= BZKernelStart {
		return fmt.Errorf("firmware: ram too small to hold kernel image at 0x%x", BZKernelStart)
	}
	kernelDst, err := mem.Bytes(BZKernelStart, mem.Size()-BZKernelStart)
	if err != nil {
		return fmt.Errorf("firmware: kernel image region: %w", err)
	}
	if _, err := kernel.ReadAt(kernelDst, kernelOffset); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("firmware: read kernel image: %w", err)
	}

	cmdlineDst, err := mem.Bytes(BootCmdlineOffset, uint64(len(cmdline)+1))
	if err != nil {
		return fmt.Errorf("firmware: cmdline region: %w", err)
	}
	copy(cmdlineDst, cmdline)
	cmdlineDst[len(cmdline)] = 0

	binary.LittleEndian.PutUint16(setup[vidModeOffset:], 0xFFFF)
	setup[typeOfLoaderOffset] = 0xff
	setup[loadFlagsOffset] |= loadFlagCanUseHeap
	binary.LittleEndian.PutUint16(setup[heapEndPtrOffset:], 0xFE00)
	binary.LittleEndian.PutUint32(setup[cmdLinePtrOffset:], BootCmdlineOffset)
	binary.LittleEndian.PutUint32(setup[cmdLineSizeOffset:], uint32(len(cmdline)+1))

	return nil
}

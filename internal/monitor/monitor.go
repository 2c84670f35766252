// Package monitor wires every subsystem package into one running guest:
// the KVM VM/vCPU set, the guest memory map, the I/O dispatch fabric, the
// interrupt plane, the PCI bus and its virtio-blk device, and the legacy
// chipset stubs. Grounded on the construction sequence in
// other_examples/fdceebca_bobuhiro11-gokvm__machine-machine.go.go's
// machine.New/LoadLinux, adapted from gokvm/kvm's raw ioctls onto this
// repo's package split.
package monitor

import (
	"fmt"
	"log"
	"os"

	"golang.org/x/sys/unix"

	"github.com/kvmlite/kvmlite/internal/chipset"
	"github.com/kvmlite/kvmlite/internal/config"
	"github.com/kvmlite/kvmlite/internal/diskimg"
	"github.com/kvmlite/kvmlite/internal/firmware"
	"github.com/kvmlite/kvmlite/internal/ioeventfd"
	"github.com/kvmlite/kvmlite/internal/ioregion"
	"github.com/kvmlite/kvmlite/internal/irqplane"
	"github.com/kvmlite/kvmlite/internal/memmap"
	"github.com/kvmlite/kvmlite/internal/pci"
	"github.com/kvmlite/kvmlite/internal/vcpu"
	"github.com/kvmlite/kvmlite/internal/virtio"
	"github.com/kvmlite/kvmlite/kvm"
)

const (
	kvmDevicePath = "/dev/kvm"

	// ioPortStart/mmioBlockBase/mmcfgBase are the bus-allocator starting
	// points handed to internal/pci.New and Root.Init, matching the
	// layout broiler/pci.c reserves above the legacy ISA range.
	ioPortStart   = 0xC000
	mmioBlockBase = 0xD0000000
	mmcfgBase     = 0xE0000000
)

// Monitor owns one guest's full KVM/device-model instantiation: every
// resource opened here is released by Close, in reverse order.
type Monitor struct {
	logger *log.Logger

	kvmFile *os.File
	kvmFd   uintptr
	vmFd    uintptr

	mem      *memmap.Map
	registry *ioregion.Registry
	irqs     *irqplane.Table
	pump     *ioeventfd.Pump
	pause    *vcpu.PauseGate
	vcpus    []*vcpu.Vcpu

	pciRoot *pci.Root

	disk   *diskimg.Image
	blk    *virtio.BlkDevice
	blkPCI *virtio.PCIDevice

	cmos  *chipset.CMOS
	uarts [4]*chipset.UART

	ramSize uint64
}

// New constructs and fully wires a Monitor from m, but does not start any
// vCPU thread (Run does that).
func New(m config.Machine, logger *log.Logger) (*Monitor, error) {
	if logger == nil {
		logger = log.Default()
	}
	if m.CPUs < 1 {
		m.CPUs = 1
	}

	mon := &Monitor{logger: logger}
	if err := mon.openKVM(); err != nil {
		return nil, err
	}
	if err := mon.setupMemory(m.MemoryMB << 20); err != nil {
		mon.Close()
		return nil, err
	}
	if err := mon.setupIRQAndIO(); err != nil {
		mon.Close()
		return nil, err
	}
	if err := mon.setupPCIAndDisk(m.Rootfs, m.ReadOnly); err != nil {
		mon.Close()
		return nil, err
	}
	if err := mon.setupChipset(); err != nil {
		mon.Close()
		return nil, err
	}
	if err := mon.setupVCPUs(m.CPUs); err != nil {
		mon.Close()
		return nil, err
	}
	if err := mon.loadGuest(m.Kernel, m.Cmdline); err != nil {
		mon.Close()
		return nil, err
	}
	return mon, nil
}

func (mon *Monitor) openKVM() error {
	f, err := os.OpenFile(kvmDevicePath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("monitor: open %s: %w", kvmDevicePath, err)
	}
	mon.kvmFile = f
	mon.kvmFd = f.Fd()

	vmFd, err := kvm.CreateVM(mon.kvmFd)
	if err != nil {
		return fmt.Errorf("monitor: create vm: %w", err)
	}
	mon.vmFd = vmFd

	if err := kvm.SetTSSAddr(vmFd); err != nil {
		return fmt.Errorf("monitor: set tss addr: %w", err)
	}
	if err := kvm.SetIdentityMapAddr(vmFd); err != nil {
		return fmt.Errorf("monitor: set identity map addr: %w", err)
	}
	if err := kvm.CreateIRQChip(vmFd); err != nil {
		return fmt.Errorf("monitor: create irqchip: %w", err)
	}
	if err := kvm.CreatePIT2(vmFd); err != nil {
		return fmt.Errorf("monitor: create pit2: %w", err)
	}
	return nil
}

func (mon *Monitor) setupMemory(ramSize uint64) error {
	mon.mem = memmap.New(memBackend{vmFd: mon.vmFd})
	size, err := mon.mem.Layout(ramSize)
	if err != nil {
		return fmt.Errorf("monitor: layout guest memory: %w", err)
	}
	mon.ramSize = size
	return nil
}

func (mon *Monitor) setupIRQAndIO() error {
	mon.registry = ioregion.New(coalesceBackend{vmFd: mon.vmFd})

	canSignal, err := kvm.CheckExtension(mon.kvmFd, kvm.CapSignalMSI)
	if err != nil {
		return fmt.Errorf("monitor: check KVM_CAP_SIGNAL_MSI: %w", err)
	}
	irqs, err := irqplane.New(irqBackend{vmFd: mon.vmFd, canSignal: canSignal != 0})
	if err != nil {
		return fmt.Errorf("monitor: build irq routing table: %w", err)
	}
	mon.irqs = irqs

	pump, err := ioeventfd.New(ioeventfdBackend{vmFd: mon.vmFd})
	if err != nil {
		return fmt.Errorf("monitor: build ioeventfd pump: %w", err)
	}
	mon.pump = pump
	go func() {
		if err := mon.pump.Run(); err != nil {
			mon.logger.Printf("monitor: ioeventfd pump: %v", err)
		}
	}()
	return nil
}

func (mon *Monitor) translate(gpa uint64, length uint32) ([]byte, error) {
	return mon.mem.Bytes(gpa, uint64(length))
}

func (mon *Monitor) setupPCIAndDisk(rootfs string, readOnly bool) error {
	mon.pciRoot = pci.New(mon.registry, ioPortStart, mmioBlockBase)
	if err := mon.pciRoot.Init(mmcfgBase); err != nil {
		return fmt.Errorf("monitor: init pci config space: %w", err)
	}

	if rootfs == "" {
		return nil
	}
	img, err := diskimg.Open(rootfs, readOnly)
	if err != nil {
		return fmt.Errorf("monitor: open disk image %s: %w", rootfs, err)
	}
	mon.disk = img

	blk := virtio.NewBlkDevice(img)
	blkPCI, err := virtio.NewPCIDevice(mon.pciRoot, mon.registry, mon.pump, mon.irqs, blk, mon.translate)
	if err != nil {
		return fmt.Errorf("monitor: attach virtio-blk pci transport: %w", err)
	}
	if err := blk.Attach(blkPCI); err != nil {
		return fmt.Errorf("monitor: start virtio-blk worker: %w", err)
	}
	mon.blk, mon.blkPCI = blk, blkPCI
	return nil
}

func (mon *Monitor) setupChipset() error {
	if err := chipset.RegisterLegacyPorts(mon.registry); err != nil {
		return fmt.Errorf("monitor: register legacy ports: %w", err)
	}
	mon.cmos = chipset.NewCMOS()
	if err := mon.cmos.Register(mon.registry); err != nil {
		return fmt.Errorf("monitor: register cmos: %w", err)
	}
	uarts, err := chipset.RegisterUARTs(mon.registry, mon.irqs)
	if err != nil {
		return fmt.Errorf("monitor: register uarts: %w", err)
	}
	mon.uarts = uarts
	return nil
}

func (mon *Monitor) setupVCPUs(n int) error {
	mmapSize, err := kvm.GetVCPUMMapSize(mon.kvmFd)
	if err != nil {
		return fmt.Errorf("monitor: get vcpu mmap size: %w", err)
	}
	// A positive KVM_CAP_COALESCED_MMIO result is the page offset of the
	// coalesced ring inside the run mmap; zero disables draining.
	ringPage, err := kvm.CheckExtension(mon.kvmFd, kvm.CapCoalescedMMIO)
	if err != nil {
		ringPage = 0
	}
	ringOffset := ringPage * uintptr(os.Getpagesize())

	mon.pause = vcpu.NewPauseGate(n)

	for i := 0; i < n; i++ {
		v, err := vcpu.New(i, mon.vmFd, mon.kvmFd, mmapSize, ringOffset, mon.registry, mon.irqs, mon.pause, mon.logger)
		if err != nil {
			return fmt.Errorf("monitor: create vcpu %d: %w", i, err)
		}
		// Entry point is one boot sector past the copied setup code.
		boot := vcpu.BootState{
			Selector: firmware.BootLoaderSelector,
			IP:       firmware.BootLoaderIP + 0x200,
			SP:       firmware.BootLoaderSP,
			CPUID:    uint32(i),
		}
		if err := v.Reset(mon.kvmFd, boot); err != nil {
			return fmt.Errorf("monitor: reset vcpu %d: %w", i, err)
		}
		mon.vcpus = append(mon.vcpus, v)
	}
	return nil
}

func (mon *Monitor) loadGuest(kernelPath, cmdline string) error {
	if err := firmware.Setup(mon.mem, mon.ramSize); err != nil {
		return fmt.Errorf("monitor: firmware setup: %w", err)
	}
	if kernelPath == "" {
		return nil
	}
	kernel, err := os.Open(kernelPath)
	if err != nil {
		return fmt.Errorf("monitor: open kernel %s: %w", kernelPath, err)
	}
	defer kernel.Close()

	if err := firmware.LoadLinux(mon.mem, kernel, cmdline); err != nil {
		return fmt.Errorf("monitor: load kernel: %w", err)
	}
	return nil
}

// Run starts every vCPU thread and blocks until all of them return, either
// because the guest requested shutdown/reset or Close asked them to exit.
func (mon *Monitor) Run() error {
	done := make(chan error, len(mon.vcpus))
	for _, v := range mon.vcpus {
		v := v
		go func() {
			done <- v.Start()
		}()
	}

	var firstErr error
	for range mon.vcpus {
		if err := <-done; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Pause stops every vCPU at its next safe point and returns once all of
// them have acknowledged; the guest makes no forward progress until
// Resume. A vCPU blocked inside the backend RUN call is interrupted by
// the pause signal.
func (mon *Monitor) Pause() {
	mon.pause.Pause(func() {
		for _, v := range mon.vcpus {
			v.RequestPause()
		}
	})
}

// Resume releases every vCPU paused by Pause.
func (mon *Monitor) Resume() {
	mon.pause.Resume()
}

// Close tears down every resource this Monitor opened, in reverse order
// of acquisition: request every vCPU to exit, stop the ioeventfd pump,
// close the block device and disk image, then unmap guest memory and
// close the VM/KVM file descriptors.
func (mon *Monitor) Close() error {
	for _, v := range mon.vcpus {
		v.RequestExit()
	}
	for _, v := range mon.vcpus {
		v.Close()
	}

	if mon.pump != nil {
		mon.pump.Stop()
	}
	if mon.blk != nil {
		mon.blk.Close()
	}
	if mon.disk != nil {
		mon.disk.Close()
	}
	if mon.mem != nil {
		mon.mem.Close()
	}
	if mon.vmFd != 0 {
		unix.Close(int(mon.vmFd))
	}
	if mon.kvmFile != nil {
		mon.kvmFile.Close()
	}
	return nil
}

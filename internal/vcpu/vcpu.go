// Package vcpu runs the per-vCPU state machine described in spec §4.6:
// reset to a fixed initial register state, the RUN/exit-reason loop that
// demultiplexes into the I/O registry, coalesced-MMIO ring draining, and
// cooperative signal-driven pause/resume/exit.
//
// Grounded on original_source/broiler/kvm.c (broiler_cpu_setup_sregs/_regs
// /_msrs/_fpu, broiler_cpu_start, broiler_pause/broiler_continue) and the
// exit-reason switch in the fuller machine.go found in
// other_examples/fdceebca_bobuhiro11-gokvm__machine-machine.go.go.
package vcpu

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sys/unix"

	"github.com/kvmlite/kvmlite/internal/ioregion"
	"github.com/kvmlite/kvmlite/internal/irqplane"
	"github.com/kvmlite/kvmlite/kvm"
)

// Real-time signals reserved for vCPU control. They are left unblocked in
// each vCPU thread's signal mask (only SIGALRM is blocked) so that sending
// one interrupts a blocked KVM_RUN with EINTR. No business logic runs in
// the delivery path itself — the initiator sets the relevant atomic flag
// before sending the signal, and the run loop checks it after RUN returns.
const (
	sigExit  = syscall.Signal(34)
	sigPause = syscall.Signal(35)
	sigTask  = syscall.Signal(36)
)

func init() {
	ch := make(chan os.Signal, 16)
	signal.Notify(ch, sigExit, sigPause, sigTask)
	go func() {
		for range ch {
			// intentionally empty: delivery alone is enough to unblock RUN
		}
	}()
}

const (
	msrSysenterCS   = 0x174
	msrSysenterESP  = 0x175
	msrSysenterEIP  = 0x176
	msrStar         = 0xc0000081
	msrLstar        = 0xc0000082
	msrCstar        = 0xc0000083
	msrSyscallMask  = 0xc0000084
	msrKernelGSBase = 0xc0000102
	msrIA32TSC      = 0x10
	msrIA32MiscEnable = 0x1a0

	miscEnableFastString = 1 << 0
)

// BootState is the register state the reset sequence seeds: a real-mode
// style boot with a selector-derived segment base and a fixed rsp/rbp.
type BootState struct {
	Selector uint16
	IP       uint64
	SP       uint64
	CPUID    uint32 // this vCPU's index, folded into CPUID leaf 1
}

// Vcpu owns one KVM vCPU file descriptor, its mapped run-state page, and
// the bookkeeping needed to cooperate with Pause/Resume/RequestExit from
// another goroutine.
type Vcpu struct {
	id         int
	vmFd       uintptr
	fd         uintptr
	run        *kvm.RunData
	runBytes   []byte
	ringOffset uintptr // byte offset of the coalesced-MMIO ring in runBytes; 0 = unsupported

	registry *ioregion.Registry
	irqs     *irqplane.Table

	tid           int32
	running       int32
	pauseRequest  int32
	exitRequest   int32
	taskMu        sync.Mutex
	pendingTask   func()

	pause *PauseGate

	boot BootState

	logger *log.Logger
}

// New creates the vCPU with the backend, maps its run-state page, and
// returns it uninitialized (call Reset before Start). ringOffset is the
// byte offset of the coalesced-MMIO ring within the run mmap, as reported
// by the backend's capability check (0 when the backend lacks it).
func New(id int, vmFd, kvmFd uintptr, mmapSize, ringOffset uintptr, registry *ioregion.Registry, irqs *irqplane.Table, pause *PauseGate, logger *log.Logger) (*Vcpu, error) {
	fd, err := kvm.CreateVCPU(vmFd, id)
	if err != nil {
		return nil, fmt.Errorf("vcpu %d: create: %w", id, err)
	}

	mem, err := unix.Mmap(int(fd), 0, int(mmapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("vcpu %d: mmap run state: %w", id, err)
	}

	if logger == nil {
		logger = log.Default()
	}

	return &Vcpu{
		id:         id,
		vmFd:       vmFd,
		fd:         fd,
		run:        (*kvm.RunData)(unsafe.Pointer(&mem[0])),
		runBytes:   mem,
		ringOffset: ringOffset,
		registry:   registry,
		irqs:       irqs,
		pause:      pause,
		logger:     logger,
	}, nil
}

// filterCPUID starts from the host-supported leaves and applies the
// per-leaf adjustments spec §4.6 requires, then installs them.
func filterCPUID(kvmFd, vcpuFd uintptr, cpuIndex uint32) error {
	supported := &kvm.CPUID{Nent: uint32(len(kvm.CPUID{}.Entries))}
	if err := kvm.GetSupportedCPUID(kvmFd, supported); err != nil {
		return fmt.Errorf("get supported cpuid: %w", err)
	}

	for i := uint32(0); i < supported.Nent; i++ {
		e := &supported.Entries[i]
		switch e.Function {
		case 0:
			// Vendor string "BiscuitOS" in the EBX/EDX/ECX register order
			// the CPUID convention uses.
			e.Ebx = 0x63736942 // "Bisc"
			e.Edx = 0x4F746975 // "uitO"
			e.Ecx = 0x53       // "S"
		case 1:
			e.Ebx = (e.Ebx &^ (0xFF << 24)) | (cpuIndex << 24)
			if e.Index == 0 {
				e.Ecx |= 1 << 31 // hypervisor-present bit
			}
		case 6:
			e.Ecx &^= 1 << 3 // clear EPB (energy performance bias)
		case 0xA:
			// Architectural performance monitoring: if the host reports a
			// PMU but not version 2 with at least one counter, hide it so
			// the guest never touches the PMU MSRs.
			versionID := e.Eax & 0xFF
			numCounters := (e.Eax >> 8) & 0xFF
			if e.Eax != 0 && (versionID != 2 || numCounters == 0) {
				e.Eax = 0
			}
		case 0x80000002:
			// Brand string "Broiler@16th Spe Intel(R) @ 5.50GHz".
			e.Eax = 0x696F7242 // "Broi"
			e.Ebx = 0x4072656C // "ler@"
			e.Ecx = 0x68743631 // "16th"
			e.Edx = 0x65705320 // " Spe"
		case 0x80000003:
			e.Eax = 0x746E4920 // " Int"
			e.Ebx = 0x52286C65 // "el(R"
			e.Ecx = 0x20402029 // ") @ "
			e.Edx = 0x30352E35 // "5.50"
		case 0x80000004:
			e.Eax = 0x7A4847 // "GHz"
			e.Ebx, e.Ecx, e.Edx = 0, 0, 0
		}
	}

	return kvm.SetCPUID2(vcpuFd, supported)
}

// Reset installs the fixed initial state: segment selectors derived from
// the boot selector, rflags=0x2, rip/rsp/rbp from boot, FPU fcw/mxcsr
// seeds, and the zeroed MSR set except IA32_MISC_ENABLE's fast-string bit.
func (v *Vcpu) Reset(kvmFd uintptr, boot BootState) error {
	v.boot = boot

	if err := filterCPUID(kvmFd, v.fd, boot.CPUID); err != nil {
		return fmt.Errorf("vcpu %d: cpuid: %w", v.id, err)
	}

	sregs, err := kvm.GetSregs(v.fd)
	if err != nil {
		return fmt.Errorf("vcpu %d: get sregs: %w", v.id, err)
	}
	seg := kvm.Segment{
		Base:     uint64(boot.Selector) << 4,
		Limit:    0xFFFF,
		Selector: boot.Selector,
		Typ:      3,
		Present:  1,
		DPL:      0,
		S:        1,
	}
	sregs.CS, sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = seg, seg, seg, seg, seg, seg
	if err := kvm.SetSregs(v.fd, sregs); err != nil {
		return fmt.Errorf("vcpu %d: set sregs: %w", v.id, err)
	}

	regs := kvm.Regs{
		RFLAGS: 0x2,
		RIP:    boot.IP,
		RSP:    boot.SP,
		RBP:    boot.SP,
	}
	if err := kvm.SetRegs(v.fd, regs); err != nil {
		return fmt.Errorf("vcpu %d: set regs: %w", v.id, err)
	}

	fpu := kvm.FPU{FCW: 0x37f, MXCSR: 0x1f80}
	if err := kvm.SetFPU(v.fd, &fpu); err != nil {
		return fmt.Errorf("vcpu %d: set fpu: %w", v.id, err)
	}

	entries := []kvm.MSREntry{
		{Index: msrSysenterCS},
		{Index: msrSysenterESP},
		{Index: msrSysenterEIP},
		{Index: msrStar},
		{Index: msrCstar},
		{Index: msrLstar},
		{Index: msrKernelGSBase},
		{Index: msrSyscallMask},
		{Index: msrIA32TSC},
		{Index: msrIA32MiscEnable, Data: miscEnableFastString},
	}
	if err := kvm.SetMSRs(v.fd, entries); err != nil {
		return fmt.Errorf("vcpu %d: set msrs: %w", v.id, err)
	}

	return nil
}

// RunOnce executes a single RUN/exit-reason cycle. It returns (keepGoing,
// err): keepGoing is false on a clean shutdown/reset exit; err is non-nil
// when the RUN call fails, when a dispatched handler returns an error, or
// for a vCPU-panic condition (an unhandled exit reason).
func (v *Vcpu) RunOnce() (bool, error) {
	atomic.StoreInt32(&v.running, 1)
	defer atomic.StoreInt32(&v.running, 0)

	if err := kvm.Run(v.fd); err != nil {
		return false, fmt.Errorf("vcpu %d: run: %w", v.id, err)
	}

	if v.checkControlRequests() {
		return true, nil
	}

	switch v.run.ExitReason {
	case kvm.ExitIO:
		return true, v.handleIO()
	case kvm.ExitMMIO:
		if err := v.drainCoalescedRing(); err != nil {
			return true, err
		}
		if err := v.handleMMIO(); err != nil {
			return true, err
		}
		return true, v.drainCoalescedRing()
	case kvm.ExitIntr:
		return true, nil
	case kvm.ExitShutdown, kvm.ExitSystemEvent:
		return false, nil
	default:
		v.panicDump()
		return false, fmt.Errorf("vcpu %d: %w: reason=%d", v.id, kvm.ErrUnexpectedExitReason, v.run.ExitReason)
	}
}

func (v *Vcpu) handleIO() error {
	direction, size, port, count, offset := v.run.IO()
	data := (*[4096]byte)(unsafe.Pointer(v.run))[offset : offset+count*size]
	dir := ioregion.Read
	if direction == kvm.IOOut {
		dir = ioregion.Write
	}
	return v.registry.DispatchPIO(port, data, dir, size, count)
}

func (v *Vcpu) handleMMIO() error {
	phys, data, _, isWrite := v.run.MMIO()
	return v.registry.DispatchMMIO(phys, data, isWrite)
}

// drainCoalescedRing invokes dispatch_mmio(write=1) for every unread entry
// in the ring the backend maps at its capability-reported page offset
// inside the run mmap, then advances First. Called both before and after
// handling the triggering MMIO exit.
func (v *Vcpu) drainCoalescedRing() error {
	if v.ringOffset == 0 || int(v.ringOffset) >= len(v.runBytes) {
		return nil
	}
	ring := (*kvm.CoalescedMMIORing)(unsafe.Pointer(&v.runBytes[v.ringOffset]))

	for ring.First != ring.Last {
		e := &ring.Entries[ring.First]
		if err := v.registry.DispatchMMIO(e.PhysAddr, e.Data[:e.Len], true); err != nil {
			return err
		}
		ring.First = (ring.First + 1) % kvm.RingSize
	}
	return nil
}

// checkControlRequests observes a pending exit/pause/task request set by
// another goroutine before it sent this vCPU a signal. It returns true if
// the caller should treat this as "nothing exit-reason related happened".
func (v *Vcpu) checkControlRequests() bool {
	acted := false

	if fn := v.takeTask(); fn != nil {
		fn()
		acted = true
	}

	if atomic.CompareAndSwapInt32(&v.pauseRequest, 1, 0) {
		v.pause.ack()
		v.pause.wait()
		acted = true
	}

	if atomic.LoadInt32(&v.exitRequest) == 1 {
		acted = true
	}

	return acted && v.run.ExitReason == kvm.ExitIntr
}

func (v *Vcpu) takeTask() func() {
	v.taskMu.Lock()
	defer v.taskMu.Unlock()
	fn := v.pendingTask
	v.pendingTask = nil
	return fn
}

// Start runs the vCPU loop until RequestExit is called or the guest shuts
// down. It locks the calling goroutine to its OS thread itself, so the
// caller only needs to run it in a goroutine of its own.
func (v *Vcpu) Start() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var sigalrm unix.Sigset_t
	sigalrm.Val[0] = 1 << (uint(syscall.SIGALRM) - 1)
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &sigalrm, nil); err != nil {
		return fmt.Errorf("vcpu %d: block sigalrm: %w", v.id, err)
	}

	atomic.StoreInt32(&v.tid, int32(unix.Gettid()))
	v.pause.registerRunning()

	for atomic.LoadInt32(&v.exitRequest) == 0 {
		keepGoing, err := v.RunOnce()
		if err != nil {
			v.logger.Printf("vcpu %d: %v", v.id, err)
			return err
		}
		if !keepGoing {
			break
		}
	}
	return nil
}

// RequestExit asks the vCPU to stop at its next safe point, interrupting a
// blocked RUN if necessary.
func (v *Vcpu) RequestExit() {
	atomic.StoreInt32(&v.exitRequest, 1)
	v.signal(sigExit)
}

// RequestPause marks the vCPU as owing a pause acknowledgement and signals
// it if it is currently running; a vCPU that is not running is counted as
// paused immediately by the caller (see PauseGate.Pause).
func (v *Vcpu) RequestPause() {
	atomic.StoreInt32(&v.pauseRequest, 1)
	if atomic.LoadInt32(&v.running) == 1 {
		v.signal(sigPause)
	} else {
		atomic.StoreInt32(&v.pauseRequest, 0)
		v.pause.ack()
	}
}

// RunTask queues fn to run on the vCPU's own thread between RUN calls.
func (v *Vcpu) RunTask(fn func()) {
	v.taskMu.Lock()
	v.pendingTask = fn
	v.taskMu.Unlock()
	v.signal(sigTask)
}

func (v *Vcpu) signal(sig syscall.Signal) {
	tid := atomic.LoadInt32(&v.tid)
	if tid == 0 {
		return
	}
	_ = unix.Tgkill(os.Getpid(), int(tid), sig)
}

// panicDump captures register state (rip, rsp) and the faulting instruction
// for an unhandled exit reason, per the vCPU-panic error policy. It takes no
// stack snapshot.
func (v *Vcpu) panicDump() {
	regs, err := kvm.GetRegs(v.fd)
	if err != nil {
		v.logger.Printf("vcpu %d: panic dump: get regs: %v", v.id, err)
		return
	}
	v.logger.Printf("vcpu %d: unhandled exit reason=%d rip=%#x rsp=%#x",
		v.id, v.run.ExitReason, regs.RIP, regs.RSP)

	code := (*[16]byte)(unsafe.Pointer(&v.run.Data[0]))
	if inst, err := x86asm.Decode(code[:], 64); err == nil {
		v.logger.Printf("vcpu %d: faulting instruction: %s", v.id, x86asm.GNUSyntax(inst, regs.RIP, nil))
	}
}

// Close releases the mapped run-state page and the vCPU file descriptor.
func (v *Vcpu) Close() error {
	if err := unix.Munmap(v.runBytes); err != nil {
		return err
	}
	return unix.Close(int(v.fd))
}

package kvm

import "unsafe"

const (
	kvmSetMSRs = 0x4008AE89
	kvmSetFPU  = 0x41A0AE8D
)

// MSRsHeader mirrors struct kvm_msrs's fixed header; SetMSRs appends the
// entries by hand since Go has no flexible array members.
type MSRsHeader struct {
	Nmsrs uint32
	_     uint32
}

// SetMSRs installs the given (index, data) pairs as the seed MSR set.
func SetMSRs(vcpuFd uintptr, entries []MSREntry) error {
	hdr := MSRsHeader{Nmsrs: uint32(len(entries))}
	buf := make([]byte, unsafe.Sizeof(hdr)+uintptr(len(entries))*unsafe.Sizeof(MSREntry{}))
	*(*MSRsHeader)(unsafe.Pointer(&buf[0])) = hdr
	if len(entries) > 0 {
		dst := buf[unsafe.Sizeof(hdr):]
		copy(dst, (*[1 << 30]byte)(unsafe.Pointer(&entries[0]))[:uintptr(len(entries))*unsafe.Sizeof(MSREntry{})])
	}
	_, err := ioctl(vcpuFd, uintptr(kvmSetMSRs), uintptr(unsafe.Pointer(&buf[0])))
	return err
}

// FPU mirrors struct kvm_fpu (KVM_SET_FPU).
type FPU struct {
	FPR        [8][16]uint8
	FCW        uint16
	FSW        uint16
	FTWX       uint8
	Pad1       uint8
	LastOpcode uint16
	LastIP     uint64
	LastDP     uint64
	XMM        [16][16]uint8
	MXCSR      uint32
	Pad2       [4]uint32
}

func SetFPU(vcpuFd uintptr, fpu *FPU) error {
	_, err := ioctl(vcpuFd, uintptr(kvmSetFPU), uintptr(unsafe.Pointer(fpu)))
	return err
}

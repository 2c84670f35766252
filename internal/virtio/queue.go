// Package virtio implements the virtqueue core, the virtio-pci transport
// with MSI-X (spec §4.8), and the virtio-blk request engine (spec §4.9).
// Grounded on original_source/virtio/virtio.c, virtio-pci.c and
// virtio-blk.c.
package virtio

import (
	"encoding/binary"
	"errors"
)

// Descriptor flags (struct vring_desc.flags).
const (
	DescFNext     = 1 << 0
	DescFWrite    = 1 << 1
	DescFIndirect = 1 << 2
)

// Feature bits touched by this implementation.
const (
	FRingIndirectDesc = 28
	FRingEventIdx     = 29
)

const (
	descSize = 16 // sizeof(struct vring_desc): addr(8) len(4) flags(2) next(2)
)

// Desc mirrors struct vring_desc.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

func readDesc(base []byte, idx uint32) Desc {
	off := uintptr(idx) * descSize
	return Desc{
		Addr:  binary.LittleEndian.Uint64(base[off:]),
		Len:   binary.LittleEndian.Uint32(base[off+8:]),
		Flags: binary.LittleEndian.Uint16(base[off+12:]),
		Next:  binary.LittleEndian.Uint16(base[off+14:]),
	}
}

// ErrBadDescriptor is returned when a descriptor chain is malformed
// (an out-of-bounds head or next index, or an address the translator
// cannot map; zero-length descriptors pass through as empty segments) — the
// guest-malformed error class from spec §7: devices log, drop the
// request and keep the VM running.
var ErrBadDescriptor = errors.New("virtio: malformed descriptor chain")

// Translator resolves a guest physical address to a byte slice of len
// bytes backed by host memory — supplied by the memmap layer.
type Translator func(gpa uint64, len uint32) ([]byte, error)

// Queue is one virtqueue: descriptor/avail/used rings resolved from a
// guest page frame, per spec §3's VirtQueue invariants.
type Queue struct {
	Num uint32 // power of two

	descBytes  []byte
	availBytes []byte
	usedBytes  []byte

	lastAvailIdx  uint16
	lastUsedSignalled uint16

	UseEventIdx bool
	Enabled     bool

	translate Translator
}

// NewQueue resolves the ring pointers at gpa (the guest PFN shifted left by
// 12 per spec §4.3) using the legacy contiguous layout, sized for num
// descriptors (must be a power of two) with the given alignment.
func NewQueue(num uint32, gpa uint64, align uint32, translate Translator) (*Queue, error) {
	descLen := uint32(num) * descSize
	// availLen reserves the trailing used_event halfword the legacy layout
	// appends after ring[num] whenever EVENT_IDX is in play; harmless
	// padding when it isn't.
	availLen := 4 + 2*num + 2
	usedOff := alignUp(descLen+availLen, align)
	usedLen := 4 + 8*num

	region, err := translate(gpa, usedOff+usedLen)
	if err != nil {
		return nil, err
	}

	q := &Queue{
		Num:        num,
		descBytes:  region[:descLen],
		availBytes: region[descLen : descLen+availLen],
		usedBytes:  region[usedOff : usedOff+usedLen],
		translate:  translate,
		Enabled:    true,
	}
	return q, nil
}

func alignUp(v, a uint32) uint32 { return (v + a - 1) &^ (a - 1) }

func (q *Queue) availFlags() uint16 { return binary.LittleEndian.Uint16(q.availBytes[0:]) }
func (q *Queue) availIdx() uint16   { return binary.LittleEndian.Uint16(q.availBytes[2:]) }
func (q *Queue) availRing(i uint16) uint16 {
	return binary.LittleEndian.Uint16(q.availBytes[4+2*uint32(i):])
}

func (q *Queue) usedIdx() uint16 { return binary.LittleEndian.Uint16(q.usedBytes[2:]) }
func (q *Queue) setUsedIdx(v uint16) {
	binary.LittleEndian.PutUint16(q.usedBytes[2:], v)
}

// usedEvent reads the used_event value the driver publishes (vring_used_event
// macro): the last slot of the avail ring, right after its `ring[num]`.
func (q *Queue) usedEvent() uint16 {
	off := 4 + 2*q.Num
	if int(off)+2 > len(q.availBytes) {
		return 0
	}
	return binary.LittleEndian.Uint16(q.availBytes[off:])
}

// Available reports whether the driver has published at least one fresh
// entry since the last Pop.
func (q *Queue) Available() bool {
	return q.availIdx() != q.lastAvailIdx
}

// Pop dequeues the next available descriptor-chain head.
func (q *Queue) Pop() (head uint16, ok bool) {
	if !q.Available() {
		return 0, false
	}
	head = q.availRing(q.lastAvailIdx % uint16(q.Num))
	q.lastAvailIdx++
	return head, true
}

// IOVec is one mapped read-or-write segment of a walked descriptor chain.
type IOVec struct {
	Base  []byte
	Write bool // true if VRING_DESC_F_WRITE (a write-side buffer for the device to fill)
}

// WalkChain walks the descriptor chain starting at head, inlining an
// indirect chain when DescFIndirect is set, and returns every segment in
// order with its read/write direction — matching virt_queue_get_head_iov.
func (q *Queue) WalkChain(head uint16) ([]IOVec, error) {
	base := q.descBytes
	idx := uint32(head)
	max := q.Num

	if idx >= max {
		return nil, ErrBadDescriptor
	}
	first := readDesc(base, idx)
	if first.Flags&DescFIndirect != 0 {
		indirectMax := first.Len / descSize
		mem, err := q.translate(first.Addr, first.Len)
		if err != nil {
			return nil, ErrBadDescriptor
		}
		base = mem
		max = indirectMax
		idx = 0
	}

	var out []IOVec
	for {
		if idx >= max {
			return nil, ErrBadDescriptor
		}
		d := readDesc(base, idx)
		mem, err := q.translate(d.Addr, d.Len)
		if err != nil {
			return nil, ErrBadDescriptor
		}
		out = append(out, IOVec{Base: mem, Write: d.Flags&DescFWrite != 0})

		if d.Flags&DescFNext == 0 {
			break
		}
		idx = uint32(d.Next)
	}
	return out, nil
}

// SetUsedElem publishes (head, len) at the current used index plus offset
// without advancing idx (virt_queue_set_used_elem_no_update), letting a
// caller batch several completions before one idx bump.
func (q *Queue) SetUsedElem(head uint32, length uint32, offset uint16) {
	idx := (q.usedIdx() + offset) % uint16(q.Num)
	elemOff := 4 + 8*uint32(idx)
	binary.LittleEndian.PutUint32(q.usedBytes[elemOff:], head)
	binary.LittleEndian.PutUint32(q.usedBytes[elemOff+4:], length)
}

// AdvanceUsed bumps the used index by jump, issuing the wmb() the guest's
// driver-side ordering requires between the used-elem store and the index
// becoming visible.
func (q *Queue) AdvanceUsed(jump uint16) {
	wmb()
	q.setUsedIdx(q.usedIdx() + jump)
}

// ShouldSignal implements virtio_queue_should_signal: without EVENT_IDX,
// signal unless the driver asked not to be interrupted; with EVENT_IDX,
// signal only on the first crossing of used_event since the last signal.
func (q *Queue) ShouldSignal() bool {
	mb()
	if !q.UseEventIdx {
		return q.availFlags()&1 == 0 // VRING_AVAIL_F_NO_INTERRUPT
	}

	oldIdx := q.lastUsedSignalled
	newIdx := q.usedIdx()
	eventIdx := q.usedEvent()

	if needEvent(eventIdx, newIdx, oldIdx) {
		q.lastUsedSignalled = newIdx
		return true
	}
	return false
}

// needEvent mirrors vring_need_event's modular-u16 arithmetic.
func needEvent(eventIdx, newIdx, old uint16) bool {
	return uint16(newIdx-eventIdx-1) < uint16(newIdx-old)
}

// wmb/mb are no-ops on amd64 (TSO); named to mirror the C source's
// explicit barriers at the ordering points spec §5 calls out.
func wmb() {}
func mb()  {}

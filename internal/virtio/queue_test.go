package virtio_test

import (
	"encoding/binary"
	"testing"

	"github.com/kvmlite/kvmlite/internal/virtio"
)

const testAlign = 4096

// fakeMemory backs every translate() call with one flat byte slice, the
// same role internal/memmap.Map.Bytes plays for the real device models.
type fakeMemory struct{ buf []byte }

func newFakeMemory(size int) *fakeMemory { return &fakeMemory{buf: make([]byte, size)} }

func (m *fakeMemory) translate(gpa uint64, length uint32) ([]byte, error) {
	if gpa+uint64(length) > uint64(len(m.buf)) {
		return nil, virtio.ErrBadDescriptor
	}
	return m.buf[gpa : gpa+uint64(length)], nil
}

func putDesc(buf []byte, idx int, addr uint64, length uint32, flags uint16, next uint16) {
	off := idx * 16
	binary.LittleEndian.PutUint64(buf[off:], addr)
	binary.LittleEndian.PutUint32(buf[off+8:], length)
	binary.LittleEndian.PutUint16(buf[off+12:], flags)
	binary.LittleEndian.PutUint16(buf[off+14:], next)
}

func publishAvail(buf []byte, numDescs uint32, slot uint16, head uint16, idx uint16) {
	availBase := int(numDescs) * 16
	binary.LittleEndian.PutUint16(buf[availBase+4+2*int(slot):], head)
	binary.LittleEndian.PutUint16(buf[availBase+2:], idx)
}

func TestWalkChainFollowsNextAndDirection(t *testing.T) {
	mem := newFakeMemory(1 << 16)
	const numDescs = 4

	q, err := virtio.NewQueue(numDescs, 0, testAlign, mem.translate)
	if err != nil {
		t.Fatal(err)
	}

	readGPA := uint64(testAlign * 2)
	writeGPA := uint64(testAlign * 3)
	copy(mem.buf[readGPA:], []byte("request"))

	descTable := mem.buf[:numDescs*16]
	putDesc(descTable, 0, readGPA, 7, virtio.DescFNext, 1)
	putDesc(descTable, 1, writeGPA, 16, virtio.DescFWrite, 0)
	publishAvail(mem.buf, numDescs, 0, 0, 1)

	head, ok := q.Pop()
	if !ok || head != 0 {
		t.Fatalf("Pop() = (%d,%v), want (0,true)", head, ok)
	}

	segs, err := q.WalkChain(head)
	if err != nil {
		t.Fatal(err)
	}
	if len(segs) != 2 {
		t.Fatalf("len(segs) = %d, want 2", len(segs))
	}
	if segs[0].Write || string(segs[0].Base) != "request" {
		t.Fatalf("segment 0 = %+v, want read-only %q", segs[0], "request")
	}
	if !segs[1].Write || len(segs[1].Base) != 16 {
		t.Fatalf("segment 1 = %+v, want a 16-byte write buffer", segs[1])
	}
}

func TestWalkChainInlinesIndirectDescriptors(t *testing.T) {
	mem := newFakeMemory(1 << 16)
	const numDescs = 4

	q, err := virtio.NewQueue(numDescs, 0, testAlign, mem.translate)
	if err != nil {
		t.Fatal(err)
	}

	indirectGPA := uint64(testAlign * 2)
	indirectTable := mem.buf[indirectGPA : indirectGPA+2*16]
	putDesc(indirectTable, 0, testAlign*3, 4, virtio.DescFNext, 1)
	putDesc(indirectTable, 1, testAlign*4, 8, virtio.DescFWrite, 0)

	descTable := mem.buf[:numDescs*16]
	putDesc(descTable, 0, indirectGPA, 2*16, virtio.DescFIndirect, 0)
	publishAvail(mem.buf, numDescs, 0, 0, 1)

	head, ok := q.Pop()
	if !ok {
		t.Fatal("Pop() = false, want true")
	}

	segs, err := q.WalkChain(head)
	if err != nil {
		t.Fatal(err)
	}
	if len(segs) != 2 {
		t.Fatalf("len(segs) = %d, want 2 (indirect chain inlined)", len(segs))
	}
	if segs[0].Write {
		t.Fatal("first indirect segment should be read-only")
	}
	if !segs[1].Write || len(segs[1].Base) != 8 {
		t.Fatalf("second indirect segment = %+v, want an 8-byte write buffer", segs[1])
	}
}

func TestWalkChainRejectsOutOfBoundsHead(t *testing.T) {
	mem := newFakeMemory(1 << 16)
	const numDescs = 4
	q, err := virtio.NewQueue(numDescs, 0, testAlign, mem.translate)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.WalkChain(numDescs); err != virtio.ErrBadDescriptor {
		t.Fatalf("WalkChain(out-of-bounds) = %v, want ErrBadDescriptor", err)
	}
}

// TestShouldSignalEventIdxCoalescing exercises spec's "exactly one
// interrupt for N completions" property: with EVENT_IDX enabled, the
// device must not signal until the used index passes the driver's
// published used_event, and must not signal again until it does so once
// more.
func TestShouldSignalEventIdxCoalescing(t *testing.T) {
	mem := newFakeMemory(1 << 16)
	const numDescs = 4
	q, err := virtio.NewQueue(numDescs, 0, testAlign, mem.translate)
	if err != nil {
		t.Fatal(err)
	}
	q.UseEventIdx = true

	// used_event lives at the avail ring's trailing slot, offset
	// 4 + 2*num bytes into the avail structure. The driver asks to be
	// notified once the used index passes 2 (i.e. on reaching 3).
	usedEventOff := numDescs*16 + 4 + 2*numDescs
	binary.LittleEndian.PutUint16(mem.buf[usedEventOff:], 2)

	for i := 0; i < 2; i++ {
		q.SetUsedElem(uint32(i), 1, 0)
		q.AdvanceUsed(1) // used idx -> 1, then -> 2
		if q.ShouldSignal() {
			t.Fatalf("should not signal before used idx passes used_event (iteration %d)", i)
		}
	}

	q.SetUsedElem(2, 1, 0)
	q.AdvanceUsed(1) // used idx -> 3, crosses used_event (2)
	if !q.ShouldSignal() {
		t.Fatal("should signal exactly once used idx passes used_event")
	}

	q.SetUsedElem(3, 1, 0)
	q.AdvanceUsed(1) // used idx -> 4
	if q.ShouldSignal() {
		t.Fatal("should not signal again until used_event advances past the new idx")
	}
}

func TestShouldSignalWithoutEventIdxRespectsNoInterruptFlag(t *testing.T) {
	mem := newFakeMemory(1 << 16)
	const numDescs = 4
	q, err := virtio.NewQueue(numDescs, 0, testAlign, mem.translate)
	if err != nil {
		t.Fatal(err)
	}

	q.SetUsedElem(0, 1, 0)
	q.AdvanceUsed(1)
	if !q.ShouldSignal() {
		t.Fatal("without EVENT_IDX, should signal unless NO_INTERRUPT is set")
	}

	// avail flags bit 0 is VRING_AVAIL_F_NO_INTERRUPT.
	binary.LittleEndian.PutUint16(mem.buf[numDescs*16:], 1)
	if q.ShouldSignal() {
		t.Fatal("should not signal once NO_INTERRUPT is set")
	}
}

package virtio

import (
	"encoding/binary"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/kvmlite/kvmlite/internal/diskimg"
)

// Request types (struct virtio_blk_outhdr.type values).
const (
	blkTIn     = 0
	blkTOut    = 1
	blkTFlush  = 4
	blkTGetID  = 8
)

// Status byte values the device writes into the request's trailing byte.
const (
	blkSOK     = 0
	blkSIOErr  = 1
	blkSUnsupp = 2
)

// Feature bits and limits, grounded on virtio-blk.c's get_host_features
// and the VIRTIO_BLK_* constants in broiler/virtio.h.
const (
	fSizeMax  = 1
	fSegMax   = 2
	fGeometry = 4
	fRO       = 5
	fBlkSize  = 6
	fFlush    = 9

	idBytes     = 20
	queueSize   = 256
	segMax      = queueSize - 2
	sectorShift = 9 // 512-byte sectors
)

const blkConfigSize = 28 // capacity(8) size_max(4) seg_max(4) geometry(4) blk_size(4) topology(4)

// BlkDevice is a virtio-blk device model: one request virtqueue served by
// a dedicated worker goroutine reading a doorbell eventfd, grounded on
// original_source/virtio/virtio-blk.c.
type BlkDevice struct {
	mu sync.Mutex

	img *diskimg.Image

	config  [blkConfigSize]byte
	feature uint32

	pci *PCIDevice

	ioEventFD int
	stopFD    int
	wg        sync.WaitGroup
}

// NewBlkDevice builds the device model around img; Attach finishes wiring
// it to a PCI transport once the transport exists (the two are built
// together by the monitor, each needing the other).
func NewBlkDevice(img *diskimg.Image) *BlkDevice {
	d := &BlkDevice{img: img, ioEventFD: -1, stopFD: -1}
	sectors := uint64(img.Size()) >> sectorShift
	binary.LittleEndian.PutUint64(d.config[0:], sectors)
	binary.LittleEndian.PutUint32(d.config[8:], 128)    // size_max
	binary.LittleEndian.PutUint32(d.config[12:], segMax) // seg_max
	binary.LittleEndian.PutUint32(d.config[20:], 512)    // blk_size
	return d
}

func (d *BlkDevice) DeviceID() uint16      { return 0x1001 } // PCI_DEVICE_ID_VIRTIO_BLK
func (d *BlkDevice) ConfigSpace() []byte   { return d.config[:] }
func (d *BlkDevice) NumQueues() int        { return 1 }
func (d *BlkDevice) QueueSize(int) uint32  { return queueSize }

func (d *BlkDevice) HostFeatures() uint32 {
	f := uint32(1<<fSegMax | 1<<fFlush | 1<<FRingEventIdx | 1<<FRingIndirectDesc)
	if d.img.ReadOnly() {
		f |= 1 << fRO
	}
	return f
}

func (d *BlkDevice) SetFeatures(features uint32) {
	d.mu.Lock()
	d.feature = features
	d.mu.Unlock()
}

func (d *BlkDevice) Reset() {}

// Attach finishes wiring the device to its PCI transport, creates the
// kick eventfd, binds it via ioeventfd, and starts the worker goroutine
// that stands in for virtio_blk_thread.
func (d *BlkDevice) Attach(p *PCIDevice) error {
	d.pci = p

	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return fmt.Errorf("virtio-blk: eventfd: %w", err)
	}
	d.ioEventFD = efd

	stop, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(efd)
		return fmt.Errorf("virtio-blk: stop eventfd: %w", err)
	}
	d.stopFD = stop

	if err := p.BindQueueEventFD(0, efd); err != nil {
		return fmt.Errorf("virtio-blk: bind ioeventfd: %w", err)
	}

	d.wg.Add(1)
	go d.worker()
	return nil
}

// QueueNotify is the fallback path taken when a QUEUE_NOTIFY write
// reaches the transport's register handler directly (ioeventfd installs
// a kernel-side fast path, but a write can still surface here on older
// kernels or when the fd binding races the write). It forwards the kick
// to the worker's eventfd rather than draining the ring inline: the vCPU
// thread must not block on disk latency, and the worker re-enters the
// transport to publish completions.
func (d *BlkDevice) QueueNotify(sel int) {
	if sel != 0 || d.ioEventFD < 0 {
		return
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	unix.Write(d.ioEventFD, buf[:])
}

// Close stops the worker goroutine and releases its eventfds.
func (d *BlkDevice) Close() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	unix.Write(d.stopFD, buf[:])
	d.wg.Wait()
	unix.Close(d.ioEventFD)
	unix.Close(d.stopFD)
	return nil
}

// worker mirrors virtio_blk_thread: block on the kick eventfd (or the
// stop eventfd) and drain the available ring on every wakeup.
func (d *BlkDevice) worker() {
	defer d.wg.Done()

	pfds := []unix.PollFd{
		{Fd: int32(d.ioEventFD), Events: unix.POLLIN},
		{Fd: int32(d.stopFD), Events: unix.POLLIN},
	}
	for {
		n, err := unix.Poll(pfds, -1)
		if err != nil || n == 0 {
			continue
		}
		if pfds[1].Revents&unix.POLLIN != 0 {
			return
		}
		if pfds[0].Revents&unix.POLLIN != 0 {
			var buf [8]byte
			unix.Read(d.ioEventFD, buf[:])
			d.processQueue()
		}
	}
}

func (d *BlkDevice) processQueue() {
	q := d.pci.Queue(0)
	if q == nil {
		return
	}

	for {
		head, ok := q.Pop()
		if !ok {
			break
		}
		segs, err := q.WalkChain(head)
		if err != nil {
			log.Printf("virtio-blk: dropping malformed request: %v", err)
			q.SetUsedElem(uint32(head), 0, 0)
			q.AdvanceUsed(1)
			continue
		}
		length := d.serviceRequest(segs)
		q.SetUsedElem(uint32(head), uint32(length), 0)
		q.AdvanceUsed(1)
	}

	d.pci.NotifyGuest(0)
}

// serviceRequest decodes the outhdr, dispatches to the matching disk
// operation, detaches the trailing status byte exactly as
// virtio_blk_do_io_request does, and writes it before returning the
// number of bytes transferred (used as the used-ring length).
func (d *BlkDevice) serviceRequest(segs []IOVec) uint32 {
	if len(segs) < 2 {
		return 0
	}

	hdr := segs[0].Base
	if len(hdr) < 16 {
		return 0
	}
	reqType := binary.LittleEndian.Uint32(hdr[0:])
	sector := binary.LittleEndian.Uint64(hdr[8:])

	body := segs[1 : len(segs)-1]
	statusSeg := segs[len(segs)-1]
	if len(statusSeg.Base) == 0 {
		return 0
	}
	status := &statusSeg.Base[len(statusSeg.Base)-1]
	statusSeg.Base = statusSeg.Base[:len(statusSeg.Base)-1]

	var n int64
	var err error

	switch reqType {
	case blkTIn:
		bufs := make([][]byte, len(body))
		for i, s := range body {
			bufs[i] = s.Base
		}
		n, err = d.img.ReadAt(sector, bufs)
	case blkTOut:
		bufs := make([][]byte, len(body))
		for i, s := range body {
			bufs[i] = s.Base
		}
		n, err = d.img.WriteAt(sector, bufs)
	case blkTFlush:
		err = d.img.Flush()
	case blkTGetID:
		if len(body) > 0 {
			buf := body[0].Base
			if len(buf) > idBytes {
				buf = buf[:idBytes]
			}
			written, serr := d.img.Serial(buf)
			n, err = int64(written), serr
		}
	default:
		*status = blkSUnsupp
		return 1
	}

	if err != nil {
		*status = blkSIOErr
	} else {
		*status = blkSOK
	}
	return uint32(n) + 1 // +1 accounts for the status byte itself
}

// Package ioeventfd runs the single epoll thread that turns a guest
// doorbell write into a host eventfd wakeup, the asynchronous half of the
// I/O dispatch fabric described in spec §4.5.
package ioeventfd

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Flag enumerates the event's installation mode.
type Flag uint32

const (
	// FlagPIO marks the matched address as a port-I/O address rather than MMIO.
	FlagPIO Flag = 1 << iota
	// FlagUserPoll additionally adds the eventfd to the pump's own epoll set;
	// used when there is no external (e.g. vhost) consumer for the fd.
	FlagUserPoll
)

// Backend installs/removes the ioeventfd with the hypervisor so that a
// matching guest access never leaves kernel space.
type Backend interface {
	SetIOEventFD(addr uint64, length uint32, fd int, datamatch uint64, hasDatamatch bool, pio bool, deassign bool) error
}

type event struct {
	fd       int
	addr     uint64
	length   uint32
	datamatch uint64
	flags    Flag
	callback func()
}

// Pump owns the epoll set and the registered events. The thread loop runs
// in Run, intended to be launched with `go pump.Run()` once at monitor
// startup; Stop coordinates shutdown through a dedicated stop-eventfd
// added to the same epoll set.
type Pump struct {
	mu      sync.Mutex
	backend Backend
	epfd    int
	stopfd  int
	events  map[int]*event
}

// New creates the epoll set and stop-eventfd. It does not start the loop;
// call Run in its own goroutine.
func New(backend Backend) (*Pump, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("ioeventfd: epoll_create1: %w", err)
	}
	stopfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("ioeventfd: stop eventfd: %w", err)
	}
	p := &Pump{backend: backend, epfd: epfd, stopfd: stopfd, events: make(map[int]*event)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, stopfd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(stopfd)}); err != nil {
		unix.Close(epfd)
		unix.Close(stopfd)
		return nil, fmt.Errorf("ioeventfd: register stop fd: %w", err)
	}
	return p, nil
}

// Add installs event fd matching (addr,len[,datamatch]) with the backend,
// and — when flags includes FlagUserPoll — also on the local epoll set so
// this pump invokes cb when fd becomes readable (used when nothing else,
// e.g. a vhost backend, already consumes the fd).
func (p *Pump) Add(fd int, addr uint64, length uint32, datamatch uint64, hasDatamatch bool, flags Flag, cb func()) error {
	if err := p.backend.SetIOEventFD(addr, length, fd, datamatch, hasDatamatch, flags&FlagPIO != 0, false); err != nil {
		return fmt.Errorf("ioeventfd: install: %w", err)
	}

	if flags&FlagUserPoll == 0 {
		return nil
	}

	ev := &event{fd: fd, addr: addr, length: length, datamatch: datamatch, flags: flags, callback: cb}
	p.mu.Lock()
	p.events[fd] = ev
	p.mu.Unlock()

	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}); err != nil {
		p.mu.Lock()
		delete(p.events, fd)
		p.mu.Unlock()
		return fmt.Errorf("ioeventfd: epoll_ctl add: %w", err)
	}
	return nil
}

// Del is the inverse of Add.
func (p *Pump) Del(fd int, addr uint64, length uint32, datamatch uint64, hasDatamatch bool, flags Flag) error {
	if err := p.backend.SetIOEventFD(addr, length, fd, datamatch, hasDatamatch, flags&FlagPIO != 0, true); err != nil {
		return fmt.Errorf("ioeventfd: deassign: %w", err)
	}

	p.mu.Lock()
	_, tracked := p.events[fd]
	delete(p.events, fd)
	p.mu.Unlock()

	if tracked {
		_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
	return nil
}

// Run is the pump's thread loop: epoll_wait, drain each readable fd,
// invoke its registered callback. It returns when Stop is called.
func (p *Pump) Run() error {
	events := make([]unix.EpollEvent, 16)
	for {
		n, err := unix.EpollWait(p.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("ioeventfd: epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == p.stopfd {
				return nil
			}
			drainEventfd(fd)

			p.mu.Lock()
			ev := p.events[fd]
			p.mu.Unlock()
			if ev != nil {
				ev.callback()
			}
		}
	}
}

// Stop causes the pump's Run loop to return.
func (p *Pump) Stop() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(p.stopfd, buf[:])
	return err
}

func drainEventfd(fd int) {
	var buf [8]byte
	_, _ = unix.Read(fd, buf[:])
}

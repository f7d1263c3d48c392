// Package epoll wraps the kernel readiness demultiplexer behind the small
// surface the reactor needs: add, mod, del, wait.
package epoll

import (
	"time"

	"golang.org/x/sys/unix"
)

// Event flag aliases so callers do not import unix directly.
const (
	In      = uint32(unix.EPOLLIN)
	Out     = uint32(unix.EPOLLOUT)
	Err     = uint32(unix.EPOLLERR)
	Hup     = uint32(unix.EPOLLHUP)
	RdHup   = uint32(unix.EPOLLRDHUP)
	OneShot = uint32(unix.EPOLLONESHOT)
	ET      = uint32(unix.EPOLLET)
)

// Event is one readiness notification.
type Event struct {
	Fd     int
	Events uint32
}

// Poller owns an epoll instance and a reusable event array. Wait must only
// be called from one goroutine; Add/Mod/Del are safe from any.
type Poller struct {
	fd     int
	events []unix.EpollEvent
}

// NewPoller creates an epoll instance sized for maxEvents notifications per
// wait.
func NewPoller(maxEvents int) (*Poller, error) {
	if maxEvents <= 0 {
		maxEvents = 1024
	}
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Poller{fd: fd, events: make([]unix.EpollEvent, maxEvents)}, nil
}

// Add registers fd for events.
func (p *Poller) Add(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Mod re-arms fd with a new event set.
func (p *Poller) Mod(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// Del removes fd from the interest set.
func (p *Poller) Del(fd int) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks until readiness or timeout. A negative timeout blocks
// indefinitely. EINTR is retried.
func (p *Poller) Wait(timeout time.Duration) ([]Event, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	var n int
	var err error
	for {
		n, err = unix.EpollWait(p.fd, p.events, ms)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	out := make([]Event, n)
	for i := 0; i < n; i++ {
		out[i] = Event{Fd: int(p.events[i].Fd), Events: p.events[i].Events}
	}
	return out, nil
}

// Close releases the epoll instance.
func (p *Poller) Close() error {
	return unix.Close(p.fd)
}

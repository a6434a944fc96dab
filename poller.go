//go:build linux

package main

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Poller is the single I/O multiplexing primitive shared by every PTY
// session (§4.5, §9: "a single multiplexing primitive across many PTYs
// scales better than one task per fd on a separate mechanism"). It owns one
// epoll instance and one goroutine; registered fds each get a callback
// invoked on read-readiness. This generalizes the teacher's PTYManager,
// which gave every session its own dedicated read goroutine over a FIFO,
// to a shared dispatcher over many raw master fds.
type Poller struct {
	epfd int

	mu        sync.Mutex
	callbacks map[int]func()
}

// NewPoller creates and starts a shared poller.
func NewPoller() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	p := &Poller{
		epfd:      epfd,
		callbacks: make(map[int]func()),
	}
	go p.loop()
	return p, nil
}

// Register arms fd for read-readiness notifications, invoking onReadable
// from the poller's goroutine whenever the fd has data available.
func (p *Poller) Register(fd int, onReadable func()) error {
	p.mu.Lock()
	p.callbacks[fd] = onReadable
	p.mu.Unlock()

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Unregister removes fd from the poller. Safe to call more than once.
func (p *Poller) Unregister(fd int) {
	p.mu.Lock()
	delete(p.callbacks, fd)
	p.mu.Unlock()
	unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *Poller) loop() {
	events := make([]unix.EpollEvent, 64)
	for {
		n, err := unix.EpollWait(p.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			p.mu.Lock()
			cb := p.callbacks[fd]
			p.mu.Unlock()
			if cb != nil {
				cb()
			}
		}
	}
}

// Close shuts the poller down. Registered fds are not closed by this call.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}

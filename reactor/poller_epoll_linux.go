//go:build linux

package reactor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const initEventListSize = 16

// epollPoller is the default, and currently only, Poller backend. A second
// backend (kqueue, IOCP) would implement the same Poller interface.
type epollPoller struct {
	epollFd     int
	events      []unix.EpollEvent
	fdCallbacks map[int]Callback
}

// NewPoller constructs the platform's readiness notifier. On linux this is
// epoll; selecting among multiple compiled-in backends (see spec §6) would
// happen here based on an environment variable.
func NewPoller() (Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	return &epollPoller{
		epollFd:     fd,
		events:      make([]unix.EpollEvent, initEventListSize),
		fdCallbacks: make(map[int]Callback),
	}, nil
}

func (p *epollPoller) Add(fd int, interest Interest, cb Callback) error {
	ev := unix.EpollEvent{
		Events: interestToEpoll(interest),
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(p.epollFd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl add fd=%d: %w", fd, err)
	}
	p.fdCallbacks[fd] = cb
	return nil
}

func (p *epollPoller) Modify(fd int, interest Interest, cb Callback) error {
	ev := unix.EpollEvent{
		Events: interestToEpoll(interest),
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(p.epollFd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl mod fd=%d: %w", fd, err)
	}
	p.fdCallbacks[fd] = cb
	return nil
}

func (p *epollPoller) Remove(fd int) error {
	if err := unix.EpollCtl(p.epollFd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("reactor: epoll_ctl del fd=%d: %w", fd, err)
	}
	delete(p.fdCallbacks, fd)
	return nil
}

func (p *epollPoller) Poll(timeoutMs int) ([]PollEvent, error) {
	n, err := unix.EpollWait(p.epollFd, p.events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("reactor: epoll_wait: %w", err)
	}

	active := make([]PollEvent, 0, n)
	for i := 0; i < n; i++ {
		fd := int(p.events[i].Fd)
		cb, ok := p.fdCallbacks[fd]
		if !ok {
			continue
		}
		active = append(active, PollEvent{
			Fd:       fd,
			Events:   epollToInterest(p.events[i].Events),
			Callback: cb,
		})
	}

	if n == len(p.events) {
		p.events = make([]unix.EpollEvent, len(p.events)*2)
	}

	return active, nil
}

func interestToEpoll(interest Interest) uint32 {
	var events uint32
	if interest&EventRead != 0 {
		events |= unix.EPOLLIN | unix.EPOLLPRI
	}
	if interest&EventWrite != 0 {
		events |= unix.EPOLLOUT
	}
	if interest&EventEdgeTriggered != 0 {
		events |= unix.EPOLLET
	}
	return events
}

func epollToInterest(events uint32) Interest {
	var interest Interest
	if events&(unix.EPOLLIN|unix.EPOLLPRI|unix.EPOLLRDHUP) != 0 {
		interest |= EventRead
	}
	if events&unix.EPOLLOUT != 0 {
		interest |= EventWrite
	}
	if events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		interest |= EventError
	}
	return interest
}

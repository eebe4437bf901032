package tcp

import (
	"fmt"
	"net"

	"github.com/kfcemployee/reactorhttp/internal/rlog"
	"github.com/kfcemployee/reactorhttp/reactor"
	"golang.org/x/sys/unix"
)

// maxAcceptPerWakeup bounds how many pending connections a single readiness
// notification will drain, so one listening socket can never starve the
// rest of a loop's fds.
const maxAcceptPerWakeup = 10000

// NewConnectionCallback is invoked once per accepted connection with the new
// fd and the formatted peer address.
type NewConnectionCallback func(fd int, peerAddr string)

// Acceptor owns a single non-blocking listening socket registered on a Loop.
// It guards against fd exhaustion (EMFILE/ENFILE) the way the original does:
// by holding one spare, otherwise-unused fd in reserve and swapping it in to
// immediately accept-then-close an incoming connection when the process is
// out of descriptors, so the listening socket is never left readable forever.
type Acceptor struct {
	loop        *reactor.Loop
	listenFd    int
	idleFd      int
	listening   bool
	newConnCb   NewConnectionCallback
	reusePort   bool
}

// NewAcceptor creates a listening socket bound to addr (e.g. "0.0.0.0:8080").
// It is not registered on loop, and so not accepted from, until Listen.
func NewAcceptor(loop *reactor.Loop, addr string, reusePort bool) (*Acceptor, error) {
	fd, err := listenSocket(addr, reusePort)
	if err != nil {
		return nil, err
	}

	idleFd, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tcp: reserve spare fd: %w", err)
	}

	a := &Acceptor{
		loop:      loop,
		listenFd:  fd,
		idleFd:    idleFd,
		reusePort: reusePort,
	}
	return a, nil
}

// SetNewConnectionCallback registers the handler invoked for each accepted
// connection. Must be called before Listen.
func (a *Acceptor) SetNewConnectionCallback(cb NewConnectionCallback) {
	a.newConnCb = cb
}

// Listen starts accepting connections. Must be called on the Acceptor's loop.
func (a *Acceptor) Listen() error {
	a.listening = true
	return a.loop.Poller().Add(a.listenFd, reactor.EventRead, a.handleRead)
}

// Close stops accepting and releases both the listening socket and the
// reserved spare fd.
func (a *Acceptor) Close() error {
	if a.listening {
		_ = a.loop.Poller().Remove(a.listenFd)
	}
	_ = unix.Close(a.idleFd)
	return unix.Close(a.listenFd)
}

func (a *Acceptor) handleRead(int, reactor.Interest) {
	for i := 0; i < maxAcceptPerWakeup; i++ {
		connFd, sa, err := unix.Accept4(a.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			if err == unix.EMFILE || err == unix.ENFILE {
				a.handleFdExhaustion()
				return
			}
			rlog.Warnf("tcp: accept4 failed: %v", err)
			return
		}

		peerAddr := formatSockaddr(sa)
		if a.newConnCb != nil {
			a.newConnCb(connFd, peerAddr)
		} else {
			unix.Close(connFd)
		}
	}
}

// handleFdExhaustion mirrors the original's Acceptor::handleRead EMFILE
// path: give up the reserved spare fd just long enough to accept and
// immediately drop one pending connection, which frees the listening socket
// from perpetually reporting readable, then reopen the spare.
func (a *Acceptor) handleFdExhaustion() {
	unix.Close(a.idleFd)
	fd, _, err := unix.Accept(a.listenFd)
	if err == nil {
		unix.Close(fd)
	}
	a.idleFd, _ = unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	rlog.Warn("tcp: too many open files, dropped one pending connection")
}

func listenSocket(addr string, reusePort bool) (int, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return -1, fmt.Errorf("tcp: resolve %s: %w", addr, err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("tcp: socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("tcp: setsockopt SO_REUSEADDR: %w", err)
	}

	if reusePort {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			rlog.Warnf("tcp: SO_REUSEPORT unavailable, continuing without it: %v", err)
		}
	}

	var addr4 [4]byte
	if ip4 := tcpAddr.IP.To4(); ip4 != nil {
		copy(addr4[:], ip4)
	}

	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: tcpAddr.Port, Addr: addr4}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("tcp: bind %s: %w", addr, err)
	}

	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("tcp: listen: %w", err)
	}

	return fd, nil
}

func socketLocalAddr(fd int) (string, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return "", fmt.Errorf("tcp: getsockname: %w", err)
	}
	return formatSockaddr(sa), nil
}

func formatSockaddr(sa unix.Sockaddr) string {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IPv4(s.Addr[0], s.Addr[1], s.Addr[2], s.Addr[3])
		return fmt.Sprintf("%s:%d", ip.String(), s.Port)
	default:
		return "unknown"
	}
}

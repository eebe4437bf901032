package tcp

import (
	"fmt"

	"github.com/kfcemployee/reactorhttp/internal/rlog"
	"github.com/kfcemployee/reactorhttp/reactor"
	"golang.org/x/sys/unix"
)

// State is the lifecycle of a Connection.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// MessageCallback is invoked when new bytes have been read into a
// Connection's input buffer.
type MessageCallback func(conn *Connection, buf *reactor.Buffer)

// CloseCallback is invoked exactly once, after a Connection has fully
// transitioned to StateDisconnected.
type CloseCallback func(conn *Connection)

// WriteCompleteCallback is invoked once the data passed to Send has been
// fully written, whether directly by Send or later when the output buffer
// drains.
type WriteCompleteCallback func(conn *Connection)

// HighWaterMarkCallback is invoked when the output buffer grows past a
// configured threshold, so callers can apply backpressure.
type HighWaterMarkCallback func(conn *Connection, outputBytes int)

// Connection wraps one accepted, non-blocking socket registered on a Loop.
// It owns its own input/output Buffers and drives the connecting ->
// connected -> disconnecting -> disconnected state machine described in the
// original's TcpConnection.
type Connection struct {
	loop *reactor.Loop
	fd   int
	name string

	localAddr string
	peerAddr  string

	state State

	inputBuf  *reactor.Buffer
	outputBuf *reactor.Buffer

	highWaterMark int

	messageCb      MessageCallback
	closeCb        CloseCallback
	writeCompleteCb WriteCompleteCallback
	highWaterMarkCb HighWaterMarkCallback

	ctx any
}

const defaultHighWaterMark = 64 * 1024 * 1024

// NewConnection wraps an already-accepted, non-blocking fd.
func NewConnection(loop *reactor.Loop, name string, fd int, localAddr, peerAddr string) *Connection {
	return &Connection{
		loop:          loop,
		fd:            fd,
		name:          name,
		localAddr:     localAddr,
		peerAddr:      peerAddr,
		state:         StateConnecting,
		inputBuf:      reactor.NewBuffer(),
		outputBuf:     reactor.NewBuffer(),
		highWaterMark: defaultHighWaterMark,
	}
}

func (c *Connection) Name() string     { return c.name }
func (c *Connection) Fd() int          { return c.fd }
func (c *Connection) LocalAddr() string { return c.localAddr }
func (c *Connection) PeerAddr() string  { return c.peerAddr }
func (c *Connection) State() State      { return c.state }
func (c *Connection) Connected() bool   { return c.state == StateConnected }
func (c *Connection) Loop() *reactor.Loop { return c.loop }

func (c *Connection) SetMessageCallback(cb MessageCallback)             { c.messageCb = cb }
func (c *Connection) SetCloseCallback(cb CloseCallback)                 { c.closeCb = cb }
func (c *Connection) SetWriteCompleteCallback(cb WriteCompleteCallback) { c.writeCompleteCb = cb }
func (c *Connection) SetHighWaterMarkCallback(cb HighWaterMarkCallback, mark int) {
	c.highWaterMarkCb = cb
	c.highWaterMark = mark
}

func (c *Connection) SetContext(ctx any) { c.ctx = ctx }
func (c *Connection) Context() any       { return c.ctx }

// SetTCPNoDelay toggles Nagle's algorithm on the underlying socket.
func (c *Connection) SetTCPNoDelay(on bool) error {
	v := 0
	if on {
		v = 1
	}
	return unix.SetsockoptInt(c.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v)
}

// SetKeepAlive toggles SO_KEEPALIVE on the underlying socket.
func (c *Connection) SetKeepAlive(on bool) error {
	v := 0
	if on {
		v = 1
	}
	return unix.SetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, v)
}

// establish is called once, on the connection's loop; it marks the
// Connection connected and registers its fd with the loop's poller.
func (c *Connection) establish() {
	c.state = StateConnected
	if err := c.loop.Poller().Add(c.fd, reactor.EventRead, c.handleEvent); err != nil {
		rlog.Errorf("tcp: %s: register fd failed: %v", c.name, err)
	}
}

func (c *Connection) handleEvent(fd int, events reactor.Interest) {
	if events&reactor.EventError != 0 {
		c.handleError()
	}
	if events&reactor.EventRead != 0 {
		c.handleRead()
	}
	if events&reactor.EventWrite != 0 {
		c.handleWrite()
	}
}

func (c *Connection) handleRead() {
	n, err := c.inputBuf.ReadFd(c.fd)
	switch {
	case n > 0:
		if c.messageCb != nil {
			c.messageCb(c, c.inputBuf)
		}
	case n == 0:
		c.handleClose()
	default:
		if err == unix.EAGAIN {
			return
		}
		if err == unix.ECONNRESET {
			c.handleClose()
			return
		}
		rlog.Warnf("tcp: %s: read error: %v", c.name, err)
		c.handleError()
	}
}

func (c *Connection) handleWrite() {
	if c.outputBuf.ReadableBytes() == 0 {
		return
	}
	n, err := c.outputBuf.WriteFd(c.fd)
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		rlog.Warnf("tcp: %s: write error: %v", c.name, err)
		return
	}
	if n > 0 && c.outputBuf.ReadableBytes() == 0 {
		_ = c.loop.Poller().Modify(c.fd, reactor.EventRead, c.handleEvent)
		if c.writeCompleteCb != nil {
			c.writeCompleteCb(c)
		}
		if c.state == StateDisconnecting {
			c.shutdownInLoop()
		}
	}
}

func (c *Connection) handleClose() {
	if c.state == StateDisconnected {
		return
	}
	c.state = StateDisconnected
	_ = c.loop.Poller().Remove(c.fd)
	if c.closeCb != nil {
		c.closeCb(c)
	}
}

func (c *Connection) handleError() {
	rlog.Warnf("tcp: %s: socket error condition reported", c.name)
}

// Send enqueues data for writing. Safe to call from any goroutine; the
// actual write happens on the connection's own loop.
func (c *Connection) Send(data []byte) {
	if c.state != StateConnected {
		return
	}
	if c.loop.IsInLoopGoroutine() {
		c.sendInLoop(data)
		return
	}
	owned := append([]byte(nil), data...)
	c.loop.QueueInLoop(func() { c.sendInLoop(owned) })
}

func (c *Connection) sendInLoop(data []byte) {
	if c.state == StateDisconnected {
		return
	}

	var nwrote int
	var writeErr error

	if c.outputBuf.ReadableBytes() == 0 {
		nwrote, writeErr = unix.Write(c.fd, data)
		if writeErr != nil {
			if writeErr == unix.EPIPE || writeErr == unix.ECONNRESET {
				// The peer is gone; drop whatever was left unwritten instead
				// of buffering it for a socket that will never drain, and
				// tear the connection down the same way a failed read would.
				c.handleClose()
				return
			}
			if writeErr != unix.EAGAIN {
				rlog.Warnf("tcp: %s: send failed: %v", c.name, writeErr)
			}
			nwrote = 0
		}
	}

	remaining := data[nwrote:]
	if len(remaining) == 0 {
		if c.writeCompleteCb != nil {
			c.writeCompleteCb(c)
		}
		return
	}

	before := c.outputBuf.ReadableBytes()
	c.outputBuf.Append(remaining)
	after := c.outputBuf.ReadableBytes()

	if after >= c.highWaterMark && before < c.highWaterMark && c.highWaterMarkCb != nil {
		c.highWaterMarkCb(c, after)
	}

	_ = c.loop.Poller().Modify(c.fd, reactor.EventRead|reactor.EventWrite, c.handleEvent)
}

// Shutdown half-closes the connection for writing once any pending output
// has drained; reads continue until the peer closes.
func (c *Connection) Shutdown() {
	if c.state != StateConnected {
		return
	}
	c.loop.RunInLoop(func() {
		c.state = StateDisconnecting
		if c.outputBuf.ReadableBytes() == 0 {
			c.shutdownInLoop()
		}
	})
}

func (c *Connection) shutdownInLoop() {
	_ = unix.Shutdown(c.fd, unix.SHUT_WR)
}

// ForceClose tears the connection down immediately, discarding any pending
// output.
func (c *Connection) ForceClose() {
	c.loop.RunInLoop(func() {
		if c.state == StateConnected || c.state == StateDisconnecting {
			c.handleClose()
		}
	})
}

func (c *Connection) String() string {
	return fmt.Sprintf("Connection{%s %s<-%s state=%s}", c.name, c.localAddr, c.peerAddr, c.state)
}

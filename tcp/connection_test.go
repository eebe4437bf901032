package tcp

import (
	"net"
	"testing"
	"time"

	"github.com/kfcemployee/reactorhttp/reactor"
	"golang.org/x/sys/unix"
)

func dialedFdPair(t *testing.T) (serverFd int, client net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	serverConn := <-accepted
	tcpConn := serverConn.(*net.TCPConn)
	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		t.Fatalf("syscallconn: %v", err)
	}

	var dupFd int
	err = rawConn.Control(func(fd uintptr) {
		dupFd, _ = unix.Dup(int(fd))
	})
	if err != nil {
		t.Fatalf("control: %v", err)
	}
	unix.SetNonblock(dupFd, true)
	serverConn.Close()

	return dupFd, client
}

func TestConnectionMessageCallbackFires(t *testing.T) {
	loop, err := reactor.NewLoop()
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	defer loop.Close()

	fd, client := dialedFdPair(t)
	defer client.Close()

	received := make(chan string, 1)
	var conn *Connection

	go loop.Run()
	defer loop.Quit()

	loop.RunInLoop(func() {
		conn = NewConnection(loop, "test-conn", fd, "local", "peer")
		conn.SetMessageCallback(func(c *Connection, buf *reactor.Buffer) {
			received <- buf.RetrieveAllString()
		})
		conn.establish()
	})

	time.Sleep(20 * time.Millisecond)
	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case msg := <-received:
		if msg != "hello" {
			t.Errorf("expected %q, got %q", "hello", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("message callback never fired")
	}
}

func TestConnectionSendWritesImmediately(t *testing.T) {
	loop, err := reactor.NewLoop()
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	defer loop.Close()

	fd, client := dialedFdPair(t)
	defer client.Close()

	var conn *Connection
	go loop.Run()
	defer loop.Quit()

	loop.RunInLoop(func() {
		conn = NewConnection(loop, "test-conn", fd, "local", "peer")
		conn.establish()
	})
	time.Sleep(20 * time.Millisecond)

	conn.Send([]byte("world"))

	buf := make([]byte, 5)
	client.SetReadDeadline(time.Now().Add(time.Second))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "world" {
		t.Errorf("expected %q, got %q", "world", string(buf[:n]))
	}
}

func TestConnectionCloseCallbackFiresOnPeerClose(t *testing.T) {
	loop, err := reactor.NewLoop()
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	defer loop.Close()

	fd, client := dialedFdPair(t)

	closed := make(chan struct{}, 1)
	go loop.Run()
	defer loop.Quit()

	loop.RunInLoop(func() {
		conn := NewConnection(loop, "test-conn", fd, "local", "peer")
		conn.SetCloseCallback(func(c *Connection) { closed <- struct{}{} })
		conn.establish()
	})
	time.Sleep(20 * time.Millisecond)

	client.Close()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close callback never fired")
	}
}

package httpserver

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/kfcemployee/reactorhttp/http1"
)

func newRunningTestServer(t *testing.T, handler Handler) (*Server, string) {
	t.Helper()
	srv, err := NewServer("test", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	srv.SetHandler(handler)

	if err := srv.tcp.Start(); err != nil {
		t.Fatalf("tcp.Start: %v", err)
	}
	go srv.loop.Run()

	addr, err := srv.tcp.Addr()
	if err != nil {
		t.Fatalf("Addr: %v", err)
	}
	return srv, addr
}

func stopTestServer(t *testing.T, srv *Server) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestServerRespondsToSimpleGet(t *testing.T) {
	srv, addr := newRunningTestServer(t, func(req *http1.Request, resp *http1.Response) {
		resp.SetBody([]byte("hello"))
	})
	defer stopTestServer(t, srv)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req, _ := http.NewRequest("GET", "/", nil)
	req.Host = "example.com"
	if err := req.Write(conn); err != nil {
		t.Fatalf("write request: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Content-Length") != "5" {
		t.Errorf("expected Content-Length 5, got %q", resp.Header.Get("Content-Length"))
	}
}

func TestServerDefaultHandlerReturns404(t *testing.T) {
	srv, addr := newRunningTestServer(t, nil)
	defer stopTestServer(t, srv)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req, _ := http.NewRequest("GET", "/missing", nil)
	req.Host = "example.com"
	if err := req.Write(conn); err != nil {
		t.Fatalf("write request: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 404 {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestServerKeepAliveServesSecondRequestOnSameConn(t *testing.T) {
	count := 0
	srv, addr := newRunningTestServer(t, func(req *http1.Request, resp *http1.Response) {
		count++
		resp.SetBody([]byte("ok"))
	})
	defer stopTestServer(t, srv)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)
	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest("GET", "/", nil)
		req.Host = "example.com"
		if err := req.Write(conn); err != nil {
			t.Fatalf("write request %d: %v", i, err)
		}
		conn.SetReadDeadline(time.Now().Add(time.Second))
		resp, err := http.ReadResponse(reader, req)
		if err != nil {
			t.Fatalf("read response %d: %v", i, err)
		}
		resp.Body.Close()
	}

	if count != 2 {
		t.Errorf("expected handler invoked twice over one connection, got %d", count)
	}
}

func TestServerSendsKeepAliveTimeoutHeader(t *testing.T) {
	srv, addr := newRunningTestServer(t, func(req *http1.Request, resp *http1.Response) {
		resp.SetBody([]byte("ok"))
	})
	srv.SetKeepAliveTimeout(30 * time.Second)
	defer stopTestServer(t, srv)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req, _ := http.NewRequest("GET", "/", nil)
	req.Host = "example.com"
	if err := req.Write(conn); err != nil {
		t.Fatalf("write request: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Keep-Alive"); got != "timeout=30" {
		t.Errorf("expected Keep-Alive: timeout=30, got %q", got)
	}
}

func TestServerMalformedRequestClosesWithoutResponse(t *testing.T) {
	srv, addr := newRunningTestServer(t, nil)
	defer stopTestServer(t, srv)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("NOTAMETHOD / HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if n != 0 {
		t.Errorf("expected no response bytes on a parser error, got %q", buf[:n])
	}
	if err == nil {
		t.Error("expected the connection to be closed after a parser error")
	}
}

package httpserver

import (
	"context"
	"fmt"
	"time"

	"github.com/kfcemployee/reactorhttp/http1"
	"github.com/kfcemployee/reactorhttp/internal/rlog"
	"github.com/kfcemployee/reactorhttp/reactor"
	"github.com/kfcemployee/reactorhttp/tcp"
)

// Handler processes one fully parsed request and fills in resp.
type Handler func(req *http1.Request, resp *http1.Response)

const defaultKeepAliveTimeout = 60 * time.Second

// Server is the HTTP/1.x facade over tcp.Server: it owns the base Loop and
// connects the byte-level TCP events to the HTTP parser and handler.
type Server struct {
	loop    *reactor.Loop
	tcp     *tcp.Server
	handler Handler

	keepAliveTimeout time.Duration
}

// connState is the per-connection context stashed via Connection.SetContext.
type connState struct {
	parser    *http1.Parser
	keepAlive reactor.TimerID
}

// NewServer creates an HTTP server that will listen on addr once Start is
// called. name is used to build per-connection identifiers for logging.
func NewServer(name, addr string) (*Server, error) {
	loop, err := reactor.NewLoop()
	if err != nil {
		return nil, err
	}
	tcpServer, err := tcp.NewServer(loop, name, addr, false)
	if err != nil {
		loop.Close()
		return nil, err
	}

	s := &Server{
		loop:             loop,
		tcp:              tcpServer,
		keepAliveTimeout: defaultKeepAliveTimeout,
	}
	tcpServer.SetMessageCallback(s.onMessage)
	tcpServer.SetConnectionCallback(s.onConnection)
	return s, nil
}

// SetHandler registers the request handler. Must be called before Start.
func (s *Server) SetHandler(h Handler) { s.handler = h }

// SetThreadNum configures how many worker loops connections are distributed
// across. Must be called before Start.
func (s *Server) SetThreadNum(n int) { s.tcp.SetThreadNum(n) }

// SetKeepAliveTimeout configures how long an idle keep-alive connection is
// allowed to sit between requests before being closed.
func (s *Server) SetKeepAliveTimeout(d time.Duration) { s.keepAliveTimeout = d }

// Start begins accepting connections and runs the server's event loop on
// the calling goroutine. It blocks until Stop is called from elsewhere.
func (s *Server) Start() error {
	if err := s.tcp.Start(); err != nil {
		return err
	}
	s.loop.Run()
	return nil
}

// Stop gracefully drains connections within ctx's deadline and stops the
// event loop.
func (s *Server) Stop(ctx context.Context) error {
	err := s.tcp.Stop(ctx)
	s.loop.Quit()
	return err
}

func (s *Server) onConnection(conn *tcp.Connection) {
	if !conn.Connected() {
		return
	}
	_ = conn.SetTCPNoDelay(true)
	_ = conn.SetKeepAlive(true)
	st := &connState{parser: http1.NewParser()}
	conn.SetContext(st)
	s.armKeepAliveTimer(conn, st)
}

func (s *Server) armKeepAliveTimer(conn *tcp.Connection, st *connState) {
	if s.keepAliveTimeout <= 0 {
		return
	}
	st.keepAlive = conn.Loop().RunAfter(s.keepAliveTimeout.Seconds(), func() {
		rlog.Debugf("httpserver: %s: keep-alive timeout, closing", conn.Name())
		conn.ForceClose()
	})
}

func (s *Server) onMessage(conn *tcp.Connection, buf *reactor.Buffer) {
	st, ok := conn.Context().(*connState)
	if !ok {
		st = &connState{parser: http1.NewParser()}
		conn.SetContext(st)
	}

	if s.keepAliveTimeout > 0 {
		conn.Loop().CancelTimer(st.keepAlive)
	}

	for {
		req, err := st.parser.Parse(buf)
		if err != nil {
			rlog.Warnf("httpserver: %s: %v", conn.Name(), err)
			conn.Shutdown()
			return
		}
		if req == nil {
			break
		}

		resp := http1.NewResponse(req)
		if s.handler != nil {
			s.handler(req, resp)
		} else {
			resp.StatusCode = 404
		}
		if resp.KeepAlive() && s.keepAliveTimeout > 0 {
			resp.Headers.Set("Keep-Alive", fmt.Sprintf("timeout=%d", int(s.keepAliveTimeout.Seconds())))
		}

		out := reactor.NewBuffer()
		resp.WriteTo(out)
		conn.Send(out.RetrieveAllBytes())

		st.parser.Reset()

		if !resp.KeepAlive() {
			conn.Shutdown()
			return
		}
	}

	s.armKeepAliveTimer(conn, st)
}

package http1

import (
	"errors"
	"net/url"
	"strconv"
	"strings"

	"github.com/kfcemployee/reactorhttp/reactor"
)

// ParseState is the streaming parser's current position in an HTTP/1.x
// message, mirroring the original's state machine.
type ParseState int

const (
	StateRequestLine ParseState = iota
	StateHeaders
	StateBody
	StateComplete
)

var (
	// ErrInvalidRequest is returned when the bytes seen so far cannot be a
	// valid HTTP/1.x request regardless of how much more data arrives.
	ErrInvalidRequest = errors.New("http1: invalid request")
	// ErrHeadersTooLarge guards against unbounded header accumulation from
	// a client that never sends a terminating blank line.
	ErrHeadersTooLarge = errors.New("http1: header section too large")
	// ErrRequestLineTooLarge caps the request line length the same way.
	ErrRequestLineTooLarge = errors.New("http1: request line too large")
)

const (
	maxRequestLineBytes = 8 * 1024
	maxHeaderBytes      = 64 * 1024
	maxHeaderCount      = 100
)

// Parser incrementally parses one HTTP/1.x request at a time out of a
// Buffer that keeps accumulating as more bytes arrive. A single Parser is
// meant to be reused across the requests on one keep-alive connection: call
// Parse repeatedly, and after it returns a completed Request, call Reset
// before parsing the next one.
type Parser struct {
	state ParseState

	method  Method
	path    string
	query   string
	version string
	headers Header

	contentLength int
	bodyRead      int
	body          []byte
}

// NewParser returns a Parser ready to parse a request line.
func NewParser() *Parser {
	p := &Parser{}
	p.Reset()
	return p
}

// Reset returns the parser to its initial state so it can parse the next
// request on the same connection.
func (p *Parser) Reset() {
	p.state = StateRequestLine
	p.method = ""
	p.path = ""
	p.query = ""
	p.version = ""
	p.headers = NewHeader()
	p.contentLength = 0
	p.bodyRead = 0
	p.body = nil
}

// Parse advances through as much of buf's readable region as forms a
// complete message, consuming bytes as it goes. It returns (nil, nil) when
// more data is needed, (req, nil) once a full request has been parsed, or
// a non-nil error if the bytes seen so far can never be valid.
//
// The caller must call Reset before calling Parse again for the next
// request on the same connection.
func (p *Parser) Parse(buf *reactor.Buffer) (*Request, error) {
	for {
		switch p.state {
		case StateRequestLine:
			ok, err := p.parseRequestLine(buf)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, nil
			}
			p.state = StateHeaders

		case StateHeaders:
			ok, err := p.parseHeaders(buf)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, nil
			}
			if p.contentLength > 0 {
				p.state = StateBody
			} else {
				p.state = StateComplete
			}

		case StateBody:
			ok := p.parseBody(buf)
			if !ok {
				return nil, nil
			}
			p.state = StateComplete

		case StateComplete:
			return &Request{
				Method:  p.method,
				Path:    p.path,
				Query:   p.query,
				Version: p.version,
				Headers: p.headers,
				Body:    p.body,
			}, nil
		}
	}
}

func (p *Parser) parseRequestLine(buf *reactor.Buffer) (bool, error) {
	idx := buf.FindCRLF()
	if idx == -1 {
		if buf.ReadableBytes() > maxRequestLineBytes {
			return false, ErrRequestLineTooLarge
		}
		return false, nil
	}

	line := buf.Peek()[:idx]
	buf.Retrieve(idx + 2)

	firstSpace := indexByte(line, ' ')
	if firstSpace == -1 {
		return false, ErrInvalidRequest
	}
	method := Method(line[:firstSpace])
	if !validMethods[method] {
		return false, ErrInvalidRequest
	}

	rest := line[firstSpace+1:]
	secondSpace := indexByte(rest, ' ')
	if secondSpace == -1 {
		return false, ErrInvalidRequest
	}
	target := string(rest[:secondSpace])
	version := string(rest[secondSpace+1:])

	if version != "HTTP/1.0" && version != "HTTP/1.1" {
		return false, ErrInvalidRequest
	}

	path, query := splitTarget(target)

	p.method = method
	p.path = path
	p.query = query
	p.version = version
	return true, nil
}

func (p *Parser) parseHeaders(buf *reactor.Buffer) (bool, error) {
	for {
		idx := buf.FindCRLF()
		if idx == -1 {
			if buf.ReadableBytes() > maxHeaderBytes {
				return false, ErrHeadersTooLarge
			}
			return false, nil
		}

		line := buf.Peek()[:idx]
		if len(line) == 0 {
			buf.Retrieve(idx + 2)
			return true, nil
		}

		colon := indexByte(line, ':')
		if colon == -1 {
			return false, ErrInvalidRequest
		}
		key := strings.TrimSpace(string(line[:colon]))
		value := strings.TrimSpace(string(line[colon+1:]))
		if key == "" {
			return false, ErrInvalidRequest
		}

		buf.Retrieve(idx + 2)

		if len(p.headers) >= maxHeaderCount {
			return false, ErrHeadersTooLarge
		}
		p.headers.Add(key, value)

		if strings.EqualFold(key, "Content-Length") {
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return false, ErrInvalidRequest
			}
			p.contentLength = n
		}
	}
}

func (p *Parser) parseBody(buf *reactor.Buffer) bool {
	if p.body == nil {
		p.body = make([]byte, 0, p.contentLength)
	}

	need := p.contentLength - p.bodyRead
	available := buf.ReadableBytes()
	take := need
	if take > available {
		take = available
	}
	if take > 0 {
		p.body = append(p.body, buf.Peek()[:take]...)
		buf.Retrieve(take)
		p.bodyRead += take
	}

	return p.bodyRead >= p.contentLength
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func splitTarget(target string) (path, query string) {
	if idx := strings.IndexByte(target, '?'); idx != -1 {
		path, query = target[:idx], target[idx+1:]
	} else {
		path = target
	}
	if decoded, err := url.PathUnescape(path); err == nil {
		path = decoded
	}
	return path, query
}

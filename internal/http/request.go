// Package http implements the per-connection HTTP/1.1 machinery: the
// incremental request parser, the response builder with its memory-mapped
// file body, and the connection object tying both to a socket.
package http

import (
	"bytes"
	"regexp"

	"github.com/hollis-r/go-webserv/internal/buffer"
	"github.com/hollis-r/go-webserv/internal/logging"
)

// UserVerifier answers login (isLogin) and registration checks. A nil
// verifier fails everything closed.
type UserVerifier interface {
	Verify(username, passwd string, isLogin bool) bool
}

type parseState int

const (
	stateRequestLine parseState = iota
	stateHeaders
	stateBody
	stateFinish
)

var (
	requestLineRE = regexp.MustCompile(`^([^ ]*) ([^ ]*) HTTP/([^ ]*)$`)
	headerRE      = regexp.MustCompile(`^([^:]+):\s?(.*)$`)
)

// defaultHTML lists the bare page names completed with ".html".
var defaultHTML = map[string]bool{
	"/index":    true,
	"/register": true,
	"/login":    true,
	"/welcome":  true,
	"/video":    true,
	"/picture":  true,
}

// defaultHTMLTag marks the form endpoints: 0 register, 1 login.
var defaultHTMLTag = map[string]int{
	"/register.html": 0,
	"/login.html":    1,
}

// Request is the incremental request parser. One instance lives per
// connection and is re-initialized for every request on it.
type Request struct {
	state   parseState
	method  string
	path    string
	version string
	body    string
	header  map[string]string
	post    map[string]string

	verifier UserVerifier
	log      *logging.Logger
}

// NewRequest returns a parser wired to verifier; log may be nil.
func NewRequest(verifier UserVerifier, log *logging.Logger) *Request {
	if log == nil {
		log = logging.Nop()
	}
	r := &Request{verifier: verifier, log: log}
	r.Init()
	return r
}

// Init resets the parser for the next request.
func (r *Request) Init() {
	r.state = stateRequestLine
	r.method, r.path, r.version, r.body = "", "", "", ""
	r.header = make(map[string]string)
	r.post = make(map[string]string)
}

var crlf = []byte("\r\n")

// Parse consumes the readable region of buf line by line. It returns false
// when buf is empty or the request line is malformed, true otherwise.
func (r *Request) Parse(buf *buffer.Buffer) bool {
	if buf.ReadableBytes() == 0 {
		return false
	}
	for buf.ReadableBytes() > 0 && r.state != stateFinish {
		readable := buf.Peek()
		end := bytes.Index(readable, crlf)
		var line string
		if end < 0 {
			line = string(readable)
		} else {
			line = string(readable[:end])
		}
		switch r.state {
		case stateRequestLine:
			if !r.parseRequestLine(line) {
				return false
			}
			r.parsePath()
		case stateHeaders:
			r.parseHeader(line)
			if buf.ReadableBytes() <= 2 {
				// nothing beyond the blank line: a body-less request
				r.state = stateFinish
			}
		case stateBody:
			r.parseBody(line)
		}
		if end < 0 {
			buf.RetrieveAll()
			break
		}
		buf.RetrieveUntil(end + 2)
	}
	r.log.Debugf("request [%s] [%s] [%s]", r.method, r.path, r.version)
	return true
}

func (r *Request) parseRequestLine(line string) bool {
	m := requestLineRE.FindStringSubmatch(line)
	if m == nil {
		r.log.Errorf("malformed request line %q", line)
		return false
	}
	r.method, r.path, r.version = m[1], m[2], m[3]
	r.state = stateHeaders
	return true
}

func (r *Request) parseHeader(line string) {
	m := headerRE.FindStringSubmatch(line)
	if m == nil {
		// blank line: headers are done
		r.state = stateBody
		return
	}
	r.header[m[1]] = m[2]
}

func (r *Request) parseBody(line string) {
	r.body = line
	r.parsePost()
	r.state = stateFinish
	r.log.Debugf("body %q len %d", r.body, len(r.body))
}

// parsePath completes bare page names to their .html files.
func (r *Request) parsePath() {
	if r.path == "/" {
		r.path = "/index.html"
		return
	}
	if defaultHTML[r.path] {
		r.path += ".html"
	}
}

// parsePost decodes urlencoded forms and, for the login/register
// endpoints, rewrites the path based on the verification outcome.
func (r *Request) parsePost() {
	if r.method != "POST" || r.header["Content-Type"] != "application/x-www-form-urlencoded" {
		return
	}
	r.parseFromURLEncoded()
	tag, ok := defaultHTMLTag[r.path]
	if !ok {
		return
	}
	isLogin := tag == 1
	verified := r.verifier != nil &&
		r.verifier.Verify(r.post["username"], r.post["passwd"], isLogin)
	if verified {
		r.path = "/welcome.html"
	} else {
		r.path = "/error.html"
	}
}

// parseFromURLEncoded walks the body byte by byte: '=' ends a key, '+'
// becomes space, %HH decodes, '&' commits a pair. A trailing value without
// '&' is committed after the loop.
func (r *Request) parseFromURLEncoded() {
	if len(r.body) == 0 {
		return
	}
	var field []byte
	key := ""
	b := r.body
	for i := 0; i < len(b); i++ {
		switch c := b[i]; c {
		case '=':
			key = string(field)
			field = field[:0]
		case '+':
			field = append(field, ' ')
		case '%':
			if i+2 < len(b) {
				field = append(field, hexVal(b[i+1])<<4|hexVal(b[i+2]))
				i += 2
			}
		case '&':
			r.post[key] = string(field)
			r.log.Debugf("form %s = %s", key, string(field))
			field = field[:0]
			key = ""
		default:
			field = append(field, c)
		}
	}
	if key != "" {
		if _, done := r.post[key]; !done {
			r.post[key] = string(field)
		}
	}
}

func hexVal(c byte) byte {
	switch {
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - '0'
	}
}

// Path returns the (possibly rewritten) request path.
func (r *Request) Path() string { return r.path }

// Method returns the request method.
func (r *Request) Method() string { return r.method }

// Version returns the HTTP version, e.g. "1.1".
func (r *Request) Version() string { return r.version }

// Header returns a header value by exact name.
func (r *Request) Header(key string) string { return r.header[key] }

// GetPost returns a decoded form field.
func (r *Request) GetPost(key string) string { return r.post[key] }

// IsKeepAlive reports whether the client asked to keep the connection.
func (r *Request) IsKeepAlive() bool {
	return r.header["Connection"] == "keep-alive" && r.version == "1.1"
}

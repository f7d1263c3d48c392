package http

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/hollis-r/go-webserv/internal/buffer"
	"github.com/hollis-r/go-webserv/internal/logging"
)

// suffixType maps file extensions to Content-type values.
var suffixType = map[string]string{
	".html":  "text/html",
	".xml":   "text/xml",
	".xhtml": "application/xhtml+xml",
	".txt":   "text/plain",
	".rtf":   "application/rtf",
	".pdf":   "application/pdf",
	".word":  "application/nsword",
	".png":   "image/png",
	".gif":   "image/gif",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".au":    "audio/basic",
	".mpeg":  "video/mpeg",
	".mpg":   "video/mpeg",
	".avi":   "video/x-msvideo",
	".gz":    "application/x-gzip",
	".tar":   "application/x-tar",
	".css":   "text/css",
	".js":    "text/javascript",
}

var codeStatus = map[int]string{
	200: "OK",
	400: "Bad Request",
	403: "Forbidden",
	404: "Not Found",
}

var codePath = map[int]string{
	400: "/400.html",
	403: "/403.html",
	404: "/404.html",
}

// Response composes the status line and headers into the write buffer and
// memory-maps the file body. It holds at most one mapping, released on
// Unmap or the next Init.
type Response struct {
	code      int
	keepAlive bool
	path      string
	srcDir    string
	mmFile    []byte
	fileSize  int64
	log       *logging.Logger
}

// NewResponse returns an empty builder; log may be nil.
func NewResponse(log *logging.Logger) *Response {
	if log == nil {
		log = logging.Nop()
	}
	return &Response{code: -1, log: log}
}

// Init resets the builder for a new response, releasing any prior mapping.
// A code of -1 means "decide from the filesystem".
func (r *Response) Init(srcDir, path string, keepAlive bool, code int) {
	r.Unmap()
	r.code = code
	r.keepAlive = keepAlive
	r.path = path
	r.srcDir = srcDir
	r.fileSize = 0
}

// MakeResponse stats the target, resolves the status code and error page,
// and appends status line + headers (+ inline error body if the file cannot
// be served) to buf. A preset 400 is kept whatever the path names. A
// successful file body is left to the gather-write.
func (r *Response) MakeResponse(buf *buffer.Buffer) {
	st, err := os.Stat(r.srcDir + r.path)
	switch {
	case r.code == 400:
		// bad request: the path is not looked at
	case err != nil || st.IsDir():
		r.code = 404
	case st.Mode().Perm()&0o004 == 0:
		r.code = 403
	case r.code == -1:
		r.code = 200
	}
	r.errorHTML()
	r.addStateLine(buf)
	r.addHeader(buf)
	r.addContent(buf)
}

// File returns the mapped body, or nil.
func (r *Response) File() []byte { return r.mmFile }

// FileLen returns the size of the body file.
func (r *Response) FileLen() int64 { return r.fileSize }

// Code returns the resolved status code.
func (r *Response) Code() int { return r.code }

// Unmap releases the mapped body. Safe to call repeatedly.
func (r *Response) Unmap() {
	if r.mmFile != nil {
		unix.Munmap(r.mmFile)
		r.mmFile = nil
	}
}

// errorHTML swaps the path for the error page matching the code, if one is
// defined.
func (r *Response) errorHTML() {
	p, ok := codePath[r.code]
	if !ok {
		return
	}
	r.path = p
	if st, err := os.Stat(r.srcDir + r.path); err == nil {
		r.fileSize = st.Size()
	}
}

func (r *Response) addStateLine(buf *buffer.Buffer) {
	status, ok := codeStatus[r.code]
	if !ok {
		r.code = 400
		status = codeStatus[400]
	}
	buf.AppendString(fmt.Sprintf("HTTP/1.1 %d %s\r\n", r.code, status))
}

func (r *Response) addHeader(buf *buffer.Buffer) {
	buf.AppendString("Connection: ")
	if r.keepAlive {
		buf.AppendString("keep-alive\r\n")
		buf.AppendString("keep-alive: max=6, timeout=120\r\n")
	} else {
		buf.AppendString("close\r\n")
	}
	buf.AppendString("Content-type: " + r.fileType() + "\r\n")
}

// addContent maps the target read-only/private and appends the
// Content-length header. Open or map failure degrades to an inline error
// body.
func (r *Response) addContent(buf *buffer.Buffer) {
	full := r.srcDir + r.path
	fd, err := unix.Open(full, unix.O_RDONLY, 0)
	if err != nil {
		r.ErrorContent(buf, "File NotFound!")
		return
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		r.ErrorContent(buf, "File NotFound!")
		return
	}
	r.fileSize = st.Size
	if st.Size > 0 {
		data, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ, unix.MAP_PRIVATE)
		if err != nil {
			r.log.Warnf("mmap %s: %v", full, err)
			r.ErrorContent(buf, "File NotFound!")
			return
		}
		r.mmFile = data
	}
	r.log.Debugf("serving %s (%d bytes)", full, r.fileSize)
	buf.AppendString(fmt.Sprintf("Content-length: %d\r\n\r\n", r.fileSize))
}

// ErrorContent writes a minimal inline HTML error body with its own
// Content-length header.
func (r *Response) ErrorContent(buf *buffer.Buffer, message string) {
	status, ok := codeStatus[r.code]
	if !ok {
		status = "Bad Request"
	}
	var body strings.Builder
	body.WriteString("<html><title>Error</title>")
	body.WriteString("<body bgcolor=\"ffffff\">")
	fmt.Fprintf(&body, "%d : %s\n", r.code, status)
	fmt.Fprintf(&body, "<p>%s</p>", message)
	body.WriteString("<hr><em>go-webserv</em></body></html>")

	r.Unmap()
	r.fileSize = 0
	buf.AppendString(fmt.Sprintf("Content-length: %d\r\n\r\n", body.Len()))
	buf.AppendString(body.String())
}

func (r *Response) fileType() string {
	idx := strings.LastIndexByte(r.path, '.')
	if idx < 0 {
		return "text/plain"
	}
	if t, ok := suffixType[r.path[idx:]]; ok {
		return t
	}
	return "text/plain"
}

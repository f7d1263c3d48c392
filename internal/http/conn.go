package http

import (
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/hollis-r/go-webserv/internal/buffer"
	"github.com/hollis-r/go-webserv/internal/logging"
)

// Shared is the per-server state every connection references: the static
// root, the trigger mode, the live user counter and the wiring for parsing.
type Shared struct {
	SrcDir   string
	ET       bool // connections drain reads/writes edge-triggered
	Users    atomic.Int64
	Log      *logging.Logger
	Verifier UserVerifier
}

// lowWater is the queued-byte threshold below which a level-triggered
// writer stops looping and lets epoll re-drive it (about 13 KiB).
const lowWater = 13200

// Conn binds one accepted socket to its buffers, parser and responder.
// At most one worker touches a Conn at a time (one-shot epoll discipline);
// Close may additionally be called from the reactor and is idempotent.
type Conn struct {
	fd     int
	peer   string
	closed atomic.Bool

	readBuf  *buffer.Buffer
	writeBuf *buffer.Buffer
	req      *Request
	resp     *Response

	fileOff int // write progress into the mapped body

	shared *Shared
}

// NewConn allocates a connection shell; Init binds it to a socket.
func NewConn(shared *Shared) *Conn {
	if shared.Log == nil {
		shared.Log = logging.Nop()
	}
	c := &Conn{
		fd:       -1,
		readBuf:  buffer.New(),
		writeBuf: buffer.New(),
		req:      NewRequest(shared.Verifier, shared.Log),
		resp:     NewResponse(shared.Log),
		shared:   shared,
	}
	c.closed.Store(true)
	return c
}

// Init takes ownership of fd and resets all per-connection state.
func (c *Conn) Init(fd int, peer string) {
	c.fd = fd
	c.peer = peer
	c.readBuf.RetrieveAll()
	c.writeBuf.RetrieveAll()
	c.resp.Unmap()
	c.fileOff = 0
	c.closed.Store(false)
	users := c.shared.Users.Add(1)
	c.shared.Log.Infof("client[%d](%s) in, users: %d", fd, peer, users)
}

// Fd returns the socket descriptor.
func (c *Conn) Fd() int { return c.fd }

// Peer returns the remote address string.
func (c *Conn) Peer() string { return c.peer }

// IsClosed reports whether Close has run.
func (c *Conn) IsClosed() bool { return c.closed.Load() }

// Read fills the read buffer from the socket; in ET mode it drains until
// the socket would block. It returns the last syscall's length and error.
func (c *Conn) Read() (int, error) {
	n := -1
	var err error
	for {
		n, err = c.readBuf.ReadFd(c.fd)
		if n <= 0 || err != nil {
			break
		}
		if !c.shared.ET {
			break
		}
	}
	return n, err
}

// Process parses the buffered request and builds the response. It returns
// true when there is a response to write.
func (c *Conn) Process() bool {
	c.req.Init()
	if c.readBuf.ReadableBytes() <= 0 {
		return false
	}
	if c.req.Parse(c.readBuf) {
		c.resp.Init(c.shared.SrcDir, c.req.Path(), c.req.IsKeepAlive(), 200)
	} else {
		c.resp.Init(c.shared.SrcDir, c.req.Path(), false, 400)
	}
	c.resp.MakeResponse(c.writeBuf)
	c.fileOff = 0
	return true
}

// ToWriteBytes returns the bytes still queued for this response.
func (c *Conn) ToWriteBytes() int {
	return c.writeBuf.ReadableBytes() + len(c.resp.File()) - c.fileOff
}

// IsKeepAlive reports the parsed request's keep-alive wish.
func (c *Conn) IsKeepAlive() bool { return c.req.IsKeepAlive() }

// PendingBytes returns the unparsed bytes sitting in the read buffer.
func (c *Conn) PendingBytes() int { return c.readBuf.ReadableBytes() }

// ResponseCode returns the status code of the last built response.
func (c *Conn) ResponseCode() int { return c.resp.Code() }

// Write gather-writes header buffer and mapped body. ET mode loops until
// drained or EAGAIN; LT mode keeps looping while more than lowWater bytes
// remain queued. Returns the last syscall's length and error.
func (c *Conn) Write() (int, error) {
	n := -1
	var err error
	for {
		iov := [][]byte{c.writeBuf.Peek(), c.resp.File()[c.fileOff:]}
		n, err = unix.Writev(c.fd, iov)
		if n <= 0 || err != nil {
			break
		}
		hdr := c.writeBuf.ReadableBytes()
		if n > hdr {
			c.fileOff += n - hdr
			if hdr > 0 {
				c.writeBuf.RetrieveAll()
			}
		} else {
			c.writeBuf.Retrieve(n)
		}
		if c.ToWriteBytes() == 0 {
			break
		}
		if !c.shared.ET && c.ToWriteBytes() <= lowWater {
			break
		}
	}
	return n, err
}

// Close releases the mapping, closes the socket and decrements the user
// count. Idempotent; callable from reactor or worker.
func (c *Conn) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.resp.Unmap()
	unix.Close(c.fd)
	users := c.shared.Users.Add(-1)
	c.shared.Log.Infof("client[%d](%s) quit, users: %d", c.fd, c.peer, users)
}

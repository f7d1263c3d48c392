// Package buffer provides the growable byte buffer used on every connection:
// a contiguous region with read/write cursors and a small prepend slack so a
// header can be attached in front of already-written data without a move.
package buffer

import (
	"sync"

	"golang.org/x/sys/unix"
)

const (
	// CheapPrepend is the slack reserved at the front of the buffer.
	CheapPrepend = 8
	// InitialSize is the writable capacity of a fresh buffer.
	InitialSize = 1024

	overflowSize = 64 * 1024
)

// overflowPool recycles the scatter-read overflow segments. Uses the
// *[]byte pattern to avoid the sync.Pool interface allocation.
var overflowPool = sync.Pool{
	New: func() any { b := make([]byte, overflowSize); return &b },
}

// Buffer is a byte buffer with three cursors:
//
//	0 <= prepend(=CheapPrepend) <= read <= write <= cap(buf)
//
// [read, write) is readable, [write, cap) is writable. The buffer owns its
// storage; slices returned by Peek/WritableSlice are invalidated by any
// mutating call.
type Buffer struct {
	buf   []byte
	read  int
	write int
}

// New returns a buffer with the default initial size.
func New() *Buffer {
	return NewSize(InitialSize)
}

// NewSize returns a buffer with an initial writable capacity of n bytes.
func NewSize(n int) *Buffer {
	return &Buffer{
		buf:   make([]byte, CheapPrepend+n),
		read:  CheapPrepend,
		write: CheapPrepend,
	}
}

// ReadableBytes returns the number of unconsumed bytes.
func (b *Buffer) ReadableBytes() int { return b.write - b.read }

// WritableBytes returns the room left after the write cursor.
func (b *Buffer) WritableBytes() int { return len(b.buf) - b.write }

// PrependableBytes returns the slack in front of the read cursor.
func (b *Buffer) PrependableBytes() int { return b.read }

// Peek returns the readable region. The slice aliases internal storage.
func (b *Buffer) Peek() []byte { return b.buf[b.read:b.write] }

// Retrieve consumes n readable bytes. Consuming everything resets the
// cursors to the prepend mark.
func (b *Buffer) Retrieve(n int) {
	if n < 0 || n > b.ReadableBytes() {
		panic("buffer: retrieve out of range")
	}
	if n < b.ReadableBytes() {
		b.read += n
		return
	}
	b.RetrieveAll()
}

// RetrieveUntil consumes through position end, an offset into the readable
// region as returned by Peek.
func (b *Buffer) RetrieveUntil(end int) {
	b.Retrieve(end)
}

// RetrieveAll drops all readable bytes and resets both cursors.
func (b *Buffer) RetrieveAll() {
	b.read = CheapPrepend
	b.write = CheapPrepend
}

// RetrieveAsString consumes n bytes and returns them as a string.
func (b *Buffer) RetrieveAsString(n int) string {
	if n > b.ReadableBytes() {
		panic("buffer: retrieve out of range")
	}
	s := string(b.buf[b.read : b.read+n])
	b.Retrieve(n)
	return s
}

// RetrieveAllAsString consumes and returns everything readable.
func (b *Buffer) RetrieveAllAsString() string {
	return b.RetrieveAsString(b.ReadableBytes())
}

// EnsureWritable grows or compacts so at least n bytes are writable.
func (b *Buffer) EnsureWritable(n int) {
	if b.WritableBytes() < n {
		b.makeSpace(n)
	}
}

// HasWritten advances the write cursor after a direct write into
// WritableSlice.
func (b *Buffer) HasWritten(n int) {
	if n < 0 || n > b.WritableBytes() {
		panic("buffer: written past capacity")
	}
	b.write += n
}

// WritableSlice returns the writable region for direct filling; follow with
// HasWritten.
func (b *Buffer) WritableSlice() []byte { return b.buf[b.write:] }

// Append copies data after the write cursor, growing as needed.
func (b *Buffer) Append(data []byte) {
	b.EnsureWritable(len(data))
	copy(b.buf[b.write:], data)
	b.HasWritten(len(data))
}

// AppendString copies s after the write cursor.
func (b *Buffer) AppendString(s string) {
	b.EnsureWritable(len(s))
	copy(b.buf[b.write:], s)
	b.HasWritten(len(s))
}

// ReadFd scatter-reads from fd into the writable region plus a pooled 64 KiB
// overflow segment, so one syscall suffices regardless of how much the
// buffer currently holds. Returns the syscall length; on failure the errno
// is returned as the error.
func (b *Buffer) ReadFd(fd int) (int, error) {
	over := overflowPool.Get().(*[]byte)
	defer overflowPool.Put(over)

	writable := b.WritableBytes()
	iov := [][]byte{b.buf[b.write:], *over}
	n, err := unix.Readv(fd, iov)
	if err != nil {
		return -1, err
	}
	if n <= writable {
		b.write += n
	} else {
		b.write = len(b.buf)
		b.Append((*over)[:n-writable])
	}
	return n, nil
}

// WriteFd writes the readable region to fd and consumes what was written.
func (b *Buffer) WriteFd(fd int) (int, error) {
	n, err := unix.Write(fd, b.Peek())
	if err != nil {
		return -1, err
	}
	b.Retrieve(n)
	return n, nil
}

// makeSpace first tries compaction (sliding the readable bytes back to the
// prepend mark), and only grows when the combined front+back room is still
// short of the request.
func (b *Buffer) makeSpace(n int) {
	if b.WritableBytes()+b.PrependableBytes() < n+CheapPrepend {
		grown := make([]byte, b.write+n)
		copy(grown, b.buf[:b.write])
		b.buf = grown
		return
	}
	readable := b.ReadableBytes()
	copy(b.buf[CheapPrepend:], b.buf[b.read:b.write])
	b.read = CheapPrepend
	b.write = b.read + readable
}

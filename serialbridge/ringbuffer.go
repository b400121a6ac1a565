/*Package serialbridge implements the pieces a serial-client mode needs
to bridge a local serial port onto the XOE wire (§3, §4.C): a bounded
thread-safe circular byte buffer sitting between a producer reading the
serial device and a consumer framing chunks for transmission, plus the
4-byte serial chunk header codec.

The circular buffer's blocking contract (§4.C) is implemented with a
mutex and a pair of condition variables rather than a channel, because
unlike a channel a ring buffer must support querying available/free
space and partial reads/writes that drain or fill less than the full
request.
*/
package serialbridge

import (
	"io"
	"sync"

	"github.com/nasa-jpl/xoe/bytecodec"
	"github.com/nasa-jpl/xoe/xoeerr"
)

// HeaderLen is the size of the serial chunk header prepended inside
// the envelope payload.
const HeaderLen = 4

// MaxPayload bounds a single serial chunk's payload
// (SERIAL_MAX_PAYLOAD, implementation-defined per §4.C).
const MaxPayload = 4096

// Header is the 4-byte serial chunk header (§3, §6): flags and a
// producer-side monotonic sequence number.  Receivers treat sequence
// as informational; no reordering guarantee is promised.
type Header struct {
	Flags    uint16
	Sequence uint16
}

// EncodeHeader serialises h to its 4-byte wire form.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	bytecodec.PutUint16(buf, 0, h.Flags)
	bytecodec.PutUint16(buf, 2, h.Sequence)
	return buf
}

// DecodeHeader parses a 4-byte serial chunk header.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, xoeerr.New(xoeerr.ProtocolError, "serialbridge.DecodeHeader", nil)
	}
	return Header{
		Flags:    bytecodec.Uint16(buf, 0),
		Sequence: bytecodec.Uint16(buf, 2),
	}, nil
}

// RingBuffer is a bounded, thread-safe circular byte buffer (§3).  The
// zero value is not usable; construct with NewRingBuffer.
type RingBuffer struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	buf    []byte
	head   int // next write position
	tail   int // next read position
	count  int
	closed bool
}

// NewRingBuffer allocates a ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	rb := &RingBuffer{buf: make([]byte, capacity)}
	rb.notEmpty = sync.NewCond(&rb.mu)
	rb.notFull = sync.NewCond(&rb.mu)
	return rb
}

// Available returns the number of bytes currently readable.
func (rb *RingBuffer) Available() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// FreeSpace returns the number of bytes currently writable.
func (rb *RingBuffer) FreeSpace() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return len(rb.buf) - rb.count
}

// IsClosed reports whether Close has been called.
func (rb *RingBuffer) IsClosed() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.closed
}

// Close marks the buffer closed, waking every blocked reader and
// writer.  A closed buffer rejects no further data already in flight:
// writers return however many bytes they managed to write, and
// readers continue to drain whatever remains before seeing EOF.
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.closed {
		return
	}
	rb.closed = true
	rb.notEmpty.Broadcast()
	rb.notFull.Broadcast()
}

// Destroy wakes every waiter via broadcast and releases the backing
// storage.  The buffer must not be used after Destroy returns.
func (rb *RingBuffer) Destroy() {
	rb.mu.Lock()
	rb.closed = true
	rb.notEmpty.Broadcast()
	rb.notFull.Broadcast()
	rb.buf = nil
	rb.head, rb.tail, rb.count = 0, 0, 0
	rb.mu.Unlock()
}

// Write copies p into the ring, blocking while the buffer is full and
// not closed.  It loops internally, writing whatever fits and waiting
// for space, until all of p has been written or the buffer closes -
// in which case it returns the number of bytes written so far
// (possibly zero) and no error.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	written := 0
	for written < len(p) {
		for rb.count == len(rb.buf) && !rb.closed {
			rb.notFull.Wait()
		}
		if rb.closed {
			return written, nil
		}

		free := len(rb.buf) - rb.count
		chunk := len(p) - written
		if chunk > free {
			chunk = free
		}

		// split the copy in two when it wraps past the end of buf
		firstLen := len(rb.buf) - rb.head
		if firstLen > chunk {
			firstLen = chunk
		}
		copy(rb.buf[rb.head:rb.head+firstLen], p[written:written+firstLen])
		if chunk > firstLen {
			secondLen := chunk - firstLen
			copy(rb.buf[0:secondLen], p[written+firstLen:written+chunk])
		}

		rb.head = (rb.head + chunk) % len(rb.buf)
		rb.count += chunk
		written += chunk
		rb.notEmpty.Broadcast()
	}
	return written, nil
}

// Read drains up to len(dst) bytes from the ring into dst, blocking
// while the buffer is empty and not closed.  Once closed and drained,
// it returns (0, io.EOF).
func (rb *RingBuffer) Read(dst []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count == 0 && !rb.closed {
		rb.notEmpty.Wait()
	}
	if rb.count == 0 {
		return 0, io.EOF
	}

	n := len(dst)
	if n > rb.count {
		n = rb.count
	}

	firstLen := len(rb.buf) - rb.tail
	if firstLen > n {
		firstLen = n
	}
	copy(dst[:firstLen], rb.buf[rb.tail:rb.tail+firstLen])
	if n > firstLen {
		secondLen := n - firstLen
		copy(dst[firstLen:n], rb.buf[0:secondLen])
	}

	rb.tail = (rb.tail + n) % len(rb.buf)
	rb.count -= n
	rb.notFull.Broadcast()
	return n, nil
}

package reactor

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// prependReserve is the fixed space kept at the front of the buffer so
// callers can cheaply prepend a frame header without moving the readable
// region.
const prependReserve = 8

// initialBufferSize is the starting capacity for a freshly constructed Buffer.
const initialBufferSize = 1024

// readScratchSize is the size of the on-stack scratch area used by ReadFd to
// absorb bursts that overflow the writable region in a single readv(2).
const readScratchSize = 64 * 1024

// Buffer is a growable byte buffer with three regions: prepend [0,readIdx),
// readable [readIdx,writeIdx), writable [writeIdx,cap). It never moves the
// caller's peeked slice across calls other than Append/EnsureWritable.
type Buffer struct {
	buf      []byte
	readIdx  int
	writeIdx int
}

// NewBuffer returns an empty Buffer with the default initial capacity.
func NewBuffer() *Buffer {
	return NewBufferSize(initialBufferSize)
}

// NewBufferSize returns an empty Buffer whose backing array can hold at
// least size bytes of payload in addition to the prepend reserve.
func NewBufferSize(size int) *Buffer {
	b := &Buffer{
		buf: make([]byte, prependReserve+size),
	}
	b.readIdx = prependReserve
	b.writeIdx = prependReserve
	return b
}

// ReadableBytes returns the number of bytes available to Peek/Retrieve.
func (b *Buffer) ReadableBytes() int { return b.writeIdx - b.readIdx }

// WritableBytes returns the number of bytes available to Append without growing.
func (b *Buffer) WritableBytes() int { return len(b.buf) - b.writeIdx }

// PrependableBytes returns the number of bytes available for Prepend.
func (b *Buffer) PrependableBytes() int { return b.readIdx }

// Len is an alias for ReadableBytes.
func (b *Buffer) Len() int { return b.ReadableBytes() }

// Cap returns the total capacity of the backing array.
func (b *Buffer) Cap() int { return len(b.buf) }

// Peek returns a slice over the readable region. The slice is only valid
// until the next call that mutates the buffer (Append, Retrieve, ReadFd).
func (b *Buffer) Peek() []byte { return b.buf[b.readIdx:b.writeIdx] }

func (b *Buffer) beginWrite() []byte { return b.buf[b.writeIdx:] }

// Retrieve advances the read index by n, clamping to a full reset when n
// would consume the entire readable region.
func (b *Buffer) Retrieve(n int) {
	if n < b.ReadableBytes() {
		b.readIdx += n
	} else {
		b.RetrieveAll()
	}
}

// RetrieveAll resets both indices to the start of the readable region,
// reclaiming the whole buffer for writing.
func (b *Buffer) RetrieveAll() {
	b.readIdx = prependReserve
	b.writeIdx = prependReserve
}

// Reset is an alias for RetrieveAll, named for callers that think of the
// buffer as being returned to a pool.
func (b *Buffer) Reset() { b.RetrieveAll() }

// RetrieveString copies n readable bytes out as a string and advances past them.
func (b *Buffer) RetrieveString(n int) string {
	s := string(b.buf[b.readIdx : b.readIdx+n])
	b.Retrieve(n)
	return s
}

// RetrieveAllString copies every readable byte out as a string and resets the buffer.
func (b *Buffer) RetrieveAllString() string {
	return b.RetrieveString(b.ReadableBytes())
}

// RetrieveAllBytes copies every readable byte out as a new slice and resets the buffer.
func (b *Buffer) RetrieveAllBytes() []byte {
	out := append([]byte(nil), b.Peek()...)
	b.RetrieveAll()
	return out
}

// Append copies data into the writable region, growing or compacting first if needed.
func (b *Buffer) Append(data []byte) {
	b.EnsureWritable(len(data))
	copy(b.beginWrite(), data)
	b.writeIdx += len(data)
}

// AppendString is a convenience wrapper around Append.
func (b *Buffer) AppendString(s string) {
	b.Append([]byte(s))
}

// Prepend copies data just before the readable region; len(data) must not
// exceed PrependableBytes.
func (b *Buffer) Prepend(data []byte) {
	b.readIdx -= len(data)
	copy(b.buf[b.readIdx:], data)
}

// EnsureWritable grows or compacts the buffer so at least n bytes are
// writable without reallocation surprises mid-append.
func (b *Buffer) EnsureWritable(n int) {
	if b.WritableBytes() < n {
		b.makeSpace(n)
	}
}

func (b *Buffer) makeSpace(n int) {
	if b.WritableBytes()+b.PrependableBytes() < n+prependReserve {
		grown := make([]byte, b.writeIdx+n)
		copy(grown, b.buf)
		b.buf = grown
		return
	}
	readable := b.ReadableBytes()
	copy(b.buf[prependReserve:], b.buf[b.readIdx:b.writeIdx])
	b.readIdx = prependReserve
	b.writeIdx = b.readIdx + readable
}

// FindCRLF returns the index (relative to Peek()) of the first "\r\n" in
// the readable region, or -1 if none is present yet.
func (b *Buffer) FindCRLF() int {
	readable := b.Peek()
	for i := 0; i+1 < len(readable); i++ {
		if readable[i] == '\r' && readable[i+1] == '\n' {
			return i
		}
	}
	return -1
}

// FindEOL returns the index (relative to Peek()) of the first '\n' in the
// readable region, or -1 if none is present yet.
func (b *Buffer) FindEOL() int {
	readable := b.Peek()
	for i := 0; i < len(readable); i++ {
		if readable[i] == '\n' {
			return i
		}
	}
	return -1
}

// ReadFd performs one vectored read from fd into the writable region plus a
// 64KiB stack scratch area, absorbing bursts larger than the current
// writable region in a single syscall. It returns the byte count read, or a
// negative count and the syscall error.
func (b *Buffer) ReadFd(fd int) (int, error) {
	var scratch [readScratchSize]byte
	writable := b.WritableBytes()

	iov := make([][]byte, 0, 2)
	iov = append(iov, b.buf[b.writeIdx:])
	iov = append(iov, scratch[:])

	n, err := unix.Readv(fd, iov)
	if err != nil {
		return -1, err
	}
	if n <= writable {
		b.writeIdx += n
	} else {
		b.writeIdx = len(b.buf)
		b.Append(scratch[:n-writable])
	}
	return n, nil
}

// WriteFd performs one write from the readable region to fd, advancing the
// read index by the number of bytes actually written.
func (b *Buffer) WriteFd(fd int) (int, error) {
	n, err := unix.Write(fd, b.Peek())
	if err != nil {
		return -1, err
	}
	b.Retrieve(n)
	return n, nil
}

// AppendInt8 appends a single byte.
func (b *Buffer) AppendInt8(v int8) { b.Append([]byte{byte(v)}) }

// AppendInt16 appends v in network byte order.
func (b *Buffer) AppendInt16(v int16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(v))
	b.Append(tmp[:])
}

// AppendInt32 appends v in network byte order.
func (b *Buffer) AppendInt32(v int32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(v))
	b.Append(tmp[:])
}

// AppendInt64 appends v in network byte order.
func (b *Buffer) AppendInt64(v int64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	b.Append(tmp[:])
}

// PeekInt8 reads the first readable byte without consuming it.
func (b *Buffer) PeekInt8() int8 { return int8(b.Peek()[0]) }

// PeekInt16 reads the first two readable bytes without consuming them.
func (b *Buffer) PeekInt16() int16 {
	return int16(binary.BigEndian.Uint16(b.Peek()[:2]))
}

// PeekInt32 reads the first four readable bytes without consuming them.
func (b *Buffer) PeekInt32() int32 {
	return int32(binary.BigEndian.Uint32(b.Peek()[:4]))
}

// PeekInt64 reads the first eight readable bytes directly, without the
// double-peek-same-offset bug present in the original implementation (see
// Design Notes / Open Questions).
func (b *Buffer) PeekInt64() int64 {
	return int64(binary.BigEndian.Uint64(b.Peek()[:8]))
}

// ReadInt8 consumes and returns the first readable byte.
func (b *Buffer) ReadInt8() int8 {
	v := b.PeekInt8()
	b.Retrieve(1)
	return v
}

// ReadInt16 consumes and returns the first two readable bytes.
func (b *Buffer) ReadInt16() int16 {
	v := b.PeekInt16()
	b.Retrieve(2)
	return v
}

// ReadInt32 consumes and returns the first four readable bytes.
func (b *Buffer) ReadInt32() int32 {
	v := b.PeekInt32()
	b.Retrieve(4)
	return v
}

// ReadInt64 consumes and returns the first eight readable bytes.
func (b *Buffer) ReadInt64() int64 {
	v := b.PeekInt64()
	b.Retrieve(8)
	return v
}

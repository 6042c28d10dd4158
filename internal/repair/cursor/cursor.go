package cursor

import (
	"errors"
	"fmt"
	"io"
)

// MaxRewind is the furthest a Cursor may move backwards with SeekRelative.
// Every pushback in the repair engine fits inside one scan window.
const MaxRewind = WindowSize

const (
	defaultBufferSize = 64 * 1024
	// keepBehind bytes before the position survive a refill, so short
	// rewinds are served from memory.
	keepBehind = 4 * 1024
)

var (
	// ErrEndOfInput is returned when fewer bytes remain than were requested.
	// Callers treat it as normal termination.
	ErrEndOfInput = errors.New("end of input")

	// ErrRewindTooFar is returned when SeekRelative is asked to move back
	// more than MaxRewind bytes.
	ErrRewindTooFar = errors.New("rewind exceeds maximum pushback")
)

// SeekError reports a failed repositioning of the underlying input.
type SeekError struct {
	Offset int64
	Err    error
}

// Error implements the error interface.
func (e *SeekError) Error() string {
	return fmt.Sprintf("seek to offset 0x%x failed: %v", e.Offset, e.Err)
}

// Unwrap returns the underlying error.
func (e *SeekError) Unwrap() error {
	return e.Err
}

// Cursor is a buffered, seekable big-endian reader over the input file.
// The position only moves backwards through explicit seeks.
type Cursor struct {
	rs  io.ReadSeeker
	buf []byte
	// base is the file offset of buf[0]; buf[:n] holds valid data.
	base int64
	n    int
	// rsPos is where the next read from rs lands.
	rsPos int64
	pos   int64
	size  int64
}

// New creates a Cursor positioned at the start of rs. The input must be
// seekable; its size is measured once up front.
func New(rs io.ReadSeeker) (*Cursor, error) {
	size, err := rs.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, &SeekError{Offset: -1, Err: err}
	}
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return nil, &SeekError{Offset: 0, Err: err}
	}

	return &Cursor{
		rs:   rs,
		buf:  make([]byte, defaultBufferSize),
		size: size,
	}, nil
}

// Pos returns the offset of the next byte to be read.
func (c *Cursor) Pos() int64 {
	return c.pos
}

// Size returns the total input size.
func (c *Cursor) Size() int64 {
	return c.size
}

// Remaining returns the number of unread bytes.
func (c *Cursor) Remaining() int64 {
	if c.pos >= c.size {
		return 0
	}
	return c.size - c.pos
}

// AtEnd reports whether every byte has been consumed.
func (c *Cursor) AtEnd() bool {
	return c.pos >= c.size
}

// Read1 reads one byte.
func (c *Cursor) Read1() (byte, error) {
	if c.offset() == c.n {
		if err := c.fill(); err != nil {
			return 0, c.readErr(err)
		}
	}
	b := c.buf[c.offset()]
	c.pos++
	return b, nil
}

// Read2 reads a big-endian 16-bit word.
func (c *Cursor) Read2() (uint16, error) {
	var buf [2]byte
	if err := c.ReadFull(buf[:]); err != nil {
		return 0, err
	}
	return uint16(buf[0])<<8 | uint16(buf[1]), nil
}

// Read4 reads a big-endian 32-bit word.
func (c *Cursor) Read4() (uint32, error) {
	var buf [4]byte
	if err := c.ReadFull(buf[:]); err != nil {
		return 0, err
	}
	return uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3]), nil
}

// ReadFull fills p completely or fails with ErrEndOfInput.
func (c *Cursor) ReadFull(p []byte) error {
	if _, err := io.ReadFull(source{c}, p); err != nil {
		return c.readErr(err)
	}
	return nil
}

// CopyN copies exactly n bytes to w. A short source yields ErrEndOfInput
// after everything that was available has been written.
func (c *Cursor) CopyN(w io.Writer, n int64) (int64, error) {
	written, err := io.CopyN(w, source{c}, n)
	if err != nil {
		return written, c.readErr(err)
	}
	return written, nil
}

// CopyRest copies every remaining byte to w.
func (c *Cursor) CopyRest(w io.Writer) (int64, error) {
	return io.Copy(w, source{c})
}

// SeekAbsolute moves to pos. Seeking past the end leaves the cursor at the
// end and reports ErrEndOfInput.
func (c *Cursor) SeekAbsolute(pos int64) error {
	if pos < 0 {
		return &SeekError{Offset: pos, Err: errors.New("negative offset")}
	}

	past := false
	if pos > c.size {
		pos = c.size
		past = true
	}

	// Moves inside the buffer, in either direction, avoid touching the file.
	if pos < c.base || pos > c.base+int64(c.n) {
		if _, err := c.rs.Seek(pos, io.SeekStart); err != nil {
			return &SeekError{Offset: pos, Err: err}
		}
		c.rsPos = pos
		c.base = pos
		c.n = 0
	}
	c.pos = pos

	if past {
		return ErrEndOfInput
	}
	return nil
}

// SeekRelative moves n bytes from the current position. Backward moves
// are limited to MaxRewind bytes.
func (c *Cursor) SeekRelative(n int64) error {
	if n < -MaxRewind {
		return fmt.Errorf("%w: %d bytes at offset 0x%x", ErrRewindTooFar, -n, c.pos)
	}
	return c.SeekAbsolute(c.pos + n)
}

// offset returns the buffer index of the current position.
func (c *Cursor) offset() int {
	return int(c.pos - c.base)
}

// fill appends at least one byte from rs to the buffer, keeping up to
// keepBehind bytes before the position. It must only be called once the
// buffered bytes are consumed.
func (c *Cursor) fill() error {
	if drop := c.offset() - keepBehind; drop > 0 {
		c.n = copy(c.buf, c.buf[drop:c.n])
		c.base += int64(drop)
	}

	end := c.base + int64(c.n)
	if c.rsPos != end {
		if _, err := c.rs.Seek(end, io.SeekStart); err != nil {
			return &SeekError{Offset: end, Err: err}
		}
		c.rsPos = end
	}

	nr, err := io.ReadAtLeast(c.rs, c.buf[c.n:], 1)
	c.n += nr
	c.rsPos += int64(nr)
	return err
}

// read copies buffered bytes into p, refilling when the buffer is spent.
func (c *Cursor) read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if c.offset() == c.n {
		if err := c.fill(); err != nil {
			return 0, err
		}
	}
	k := copy(p, c.buf[c.offset():c.n])
	c.pos += int64(k)
	return k, nil
}

// source adapts a Cursor to io.Reader for the io copy helpers.
type source struct {
	c *Cursor
}

func (s source) Read(p []byte) (int, error) {
	return s.c.read(p)
}

func (c *Cursor) readErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrEndOfInput
	}
	return fmt.Errorf("read at offset 0x%x: %w", c.pos, err)
}

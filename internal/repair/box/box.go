// Package box reads container box headers directly, without scanning.
package box

import (
	"errors"
	"fmt"

	"github.com/zsiec/salvage/internal/repair/cursor"
)

// HeaderSize is the size of a compact box header.
const HeaderSize = 8

// Box and marker tags seen at the start of recordings.
const (
	TypeFtyp uint32 = 'f'<<24 | 't'<<16 | 'y'<<8 | 'p'
	TypeMoov uint32 = 'm'<<24 | 'o'<<16 | 'o'<<8 | 'v'
	TypeFree uint32 = 'f'<<24 | 'r'<<16 | 'e'<<8 | 'e'
	TypeWide uint32 = 'w'<<24 | 'i'<<16 | 'd'<<8 | 'e'
	TypeMdat uint32 = 'm'<<24 | 'd'<<16 | 'a'<<8 | 't'
	TypeMijd uint32 = 'm'<<24 | 'i'<<16 | 'j'<<8 | 'd'

	// JFIFMarker is SOI followed by APP0.
	JFIFMarker uint32 = 0xFFD8FFE0
)

// ErrExtendedSize is returned for a 64-bit box size, which is not handled.
var ErrExtendedSize = errors.New("extended (64-bit) box size not supported")

// Header is one box header read from the input.
type Header struct {
	Size   uint32
	Type   uint32
	Offset int64
}

// BodySize returns the number of bytes following the header. It is zero for
// degenerate sizes.
func (h Header) BodySize() int64 {
	if h.Size < HeaderSize {
		return 0
	}
	return int64(h.Size) - HeaderSize
}

// End returns the offset just past the box according to its declared size.
func (h Header) End() int64 {
	return h.Offset + HeaderSize + h.BodySize()
}

func (h Header) String() string {
	return fmt.Sprintf("'%s' (size %d) at 0x%x", FourCC(h.Type), h.Size, h.Offset)
}

// FourCC renders a tag as text.
func FourCC(tag uint32) string {
	return string([]byte{byte(tag >> 24), byte(tag >> 16), byte(tag >> 8), byte(tag)})
}

// Expect reads a header and reports whether it carries the wanted tag with a
// usable size. On mismatch, or when the input ends first, the cursor is put
// back where it was. The mdat size is never consulted, so any value other
// than the extended-size marker is accepted for it.
func Expect(c *cursor.Cursor, want uint32) (Header, bool, error) {
	start := c.Pos()
	h := Header{Offset: start}

	restore := func() (Header, bool, error) {
		if err := c.SeekAbsolute(start); err != nil {
			return Header{}, false, err
		}
		return Header{}, false, nil
	}

	var err error
	if h.Size, err = c.Read4(); err != nil {
		if errors.Is(err, cursor.ErrEndOfInput) {
			return restore()
		}
		return Header{}, false, err
	}
	if h.Type, err = c.Read4(); err != nil {
		if errors.Is(err, cursor.ErrEndOfInput) {
			return restore()
		}
		return Header{}, false, err
	}

	if h.Type != want {
		return restore()
	}
	if h.Size == 1 {
		return Header{}, false, fmt.Errorf("%w: '%s' at offset 0x%x", ErrExtendedSize, FourCC(h.Type), start)
	}
	if h.Size < HeaderSize && want != TypeMdat {
		return restore()
	}

	return h, true, nil
}

// Skip moves past the body of h. A body running past the end of input
// leaves the cursor at the end and reports cursor.ErrEndOfInput.
func Skip(c *cursor.Cursor, h Header) error {
	return c.SeekAbsolute(c.Pos() + h.BodySize())
}

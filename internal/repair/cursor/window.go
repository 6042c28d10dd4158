package cursor

import (
	"encoding/binary"
	"fmt"
)

// WindowSize is the number of bytes a Window covers.
const WindowSize = 8

// Window holds the last eight bytes seen as two big-endian words. Lead is
// the older half.
type Window struct {
	Lead  uint32
	Trail uint32
}

// Shift discards the oldest byte and appends b.
func (w *Window) Shift(b byte) {
	w.Lead = w.Lead<<8 | w.Trail>>24
	w.Trail = w.Trail<<8 | uint32(b)
}

// Bytes returns the window contents in file order.
func (w Window) Bytes() [WindowSize]byte {
	var out [WindowSize]byte
	binary.BigEndian.PutUint32(out[:4], w.Lead)
	binary.BigEndian.PutUint32(out[4:], w.Trail)
	return out
}

// String formats the window as two hex words.
func (w Window) String() string {
	return fmt.Sprintf("%08x %08x", w.Lead, w.Trail)
}

// ReadWindow fills a Window from the next eight bytes.
func (c *Cursor) ReadWindow() (Window, error) {
	lead, err := c.Read4()
	if err != nil {
		return Window{}, err
	}
	trail, err := c.Read4()
	if err != nil {
		return Window{}, err
	}
	return Window{Lead: lead, Trail: trail}, nil
}

// ShiftWindow consumes one byte into w.
func (c *Cursor) ShiftWindow(w *Window) error {
	b, err := c.Read1()
	if err != nil {
		return err
	}
	w.Shift(b)
	return nil
}

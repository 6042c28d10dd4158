// Package output writes repaired data: either a patched container or an
// Annex-B elementary stream.
package output

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
)

// StartCode delimits NAL units in an Annex-B stream.
var StartCode = []byte{0x00, 0x00, 0x00, 0x01}

const defaultBufferSize = 256 * 1024

// Source is a byte source able to copy a fixed span into a writer.
type Source interface {
	CopyN(w io.Writer, n int64) (int64, error)
}

// Writer is an append-only sink.
type Writer struct {
	bw      *bufio.Writer
	written int64
	units   int64
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriterSize(w, defaultBufferSize)}
}

// Write appends p verbatim.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.bw.Write(p)
	w.written += int64(n)
	return n, err
}

// WriteStartCode appends a start code and counts a new NAL unit.
func (w *Writer) WriteStartCode() error {
	if _, err := w.Write(StartCode); err != nil {
		return err
	}
	w.units++
	return nil
}

// WriteNAL appends a start code followed by payload.
func (w *Writer) WriteNAL(payload []byte) error {
	if err := w.WriteStartCode(); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// CopyNAL appends a start code followed by n bytes taken from src. The
// returned count covers payload bytes only; a short source still leaves
// everything it delivered in the output.
func (w *Writer) CopyNAL(src Source, n int64) (int64, error) {
	if err := w.WriteStartCode(); err != nil {
		return 0, err
	}
	return src.CopyN(w, n)
}

// WriteParameterSets writes each set as its own NAL unit, in order.
func (w *Writer) WriteParameterSets(sets [][]byte) error {
	for _, s := range sets {
		if len(s) == 0 {
			return errors.New("empty parameter set")
		}
		if err := w.WriteNAL(s); err != nil {
			return err
		}
	}
	return nil
}

// WriteBoxHeader writes a compact box header.
func (w *Writer) WriteBoxHeader(size, tag uint32) error {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[:4], size)
	binary.BigEndian.PutUint32(hdr[4:], tag)
	_, err := w.Write(hdr[:])
	return err
}

// Flush writes any buffered data to the underlying writer.
func (w *Writer) Flush() error {
	return w.bw.Flush()
}

// BytesWritten returns the number of bytes accepted so far.
func (w *Writer) BytesWritten() int64 {
	return w.written
}

// Units returns the number of start codes written.
func (w *Writer) Units() int64 {
	return w.units
}

package output

import "io"

// RestSource copies everything left in the input.
type RestSource interface {
	CopyRest(w io.Writer) (int64, error)
}

// PatchBox writes a corrected leading box header and then the remainder of
// src. src must be positioned just past the header being replaced.
func PatchBox(w *Writer, src RestSource, size, tag uint32) (int64, error) {
	if err := w.WriteBoxHeader(size, tag); err != nil {
		return 0, err
	}
	return src.CopyRest(w)
}

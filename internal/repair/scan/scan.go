// Package scan implements the shifting-window signature search shared by
// the classifier and the re-framing engine's recovery loops.
package scan

import (
	"errors"

	"github.com/zsiec/salvage/internal/repair/cursor"
)

// ErrNoMatch is returned when the input ends before any predicate matches.
var ErrNoMatch = errors.New("no signature match before end of input")

// Tag names the predicate that produced a match.
type Tag string

const (
	TagJunk         Tag = "junk"
	TagBox          Tag = "box"
	TagLegacy       Tag = "legacy-nal"
	TagParameterSet Tag = "parameter-set"
	TagNewStyleSEI  Tag = "new-style-sei"
	TagResume       Tag = "resume"
	TagJPEGEnd      Tag = "jpeg-end"
)

// Predicate tests one window position.
type Predicate struct {
	Tag   Tag
	Match func(w cursor.Window) bool
}

// Match describes where a predicate fired.
type Match struct {
	Tag    Tag
	Window cursor.Window
	// Offset is the file position of the first window byte.
	Offset int64
}

// End returns the offset just past the matched window.
func (m Match) End() int64 {
	return m.Offset + cursor.WindowSize
}

// Find reads a window at the current position and evaluates preds in order,
// shifting one byte at a time until one matches. On success the cursor is
// left just past the matched window, so a caller wanting the window start
// rewinds by cursor.WindowSize.
func Find(c *cursor.Cursor, preds ...Predicate) (Match, error) {
	w, err := c.ReadWindow()
	if err != nil {
		return Match{}, noMatch(err)
	}

	for {
		for _, p := range preds {
			if p.Match(w) {
				return Match{
					Tag:    p.Tag,
					Window: w,
					Offset: c.Pos() - cursor.WindowSize,
				}, nil
			}
		}

		if err := c.ShiftWindow(&w); err != nil {
			return Match{}, noMatch(err)
		}
	}
}

func noMatch(err error) error {
	if errors.Is(err, cursor.ErrEndOfInput) {
		return ErrNoMatch
	}
	return err
}

// Package classify inspects the start of a damaged recording and decides
// which repair strategy applies and where its data begins.
package classify

import (
	"errors"

	apperrors "github.com/zsiec/salvage/internal/errors"
	"github.com/zsiec/salvage/internal/logger"
	"github.com/zsiec/salvage/internal/repair/box"
	"github.com/zsiec/salvage/internal/repair/cursor"
	"github.com/zsiec/salvage/internal/repair/profile"
	"github.com/zsiec/salvage/internal/repair/scan"
)

// Result describes the chosen strategy and where repair starts.
type Result struct {
	Strategy Strategy
	// EntryOffset is where the re-framing loop, or the container copy,
	// starts reading.
	EntryOffset int64
	// StartOffset is where the first recognised data was found.
	StartOffset int64
	// JunkWords counts padding words skipped at the start.
	JunkWords int
	// BoxSize is the size written into the patched header (boxed only).
	BoxSize uint32
	// Nested counts repeated container prefixes inside the media data.
	Nested int
	// Window is the matched window at the stream entry point.
	Window cursor.Window
	// Marker is the first NAL header byte at the entry point.
	Marker byte
	Boxes  []box.Header
}

// Codec returns the codec implied by the entry point. Only streams that
// carry their own parameter sets reveal it.
func (r Result) Codec() (profile.Codec, bool) {
	if r.Strategy != StrategyEmbedded {
		return "", false
	}
	switch r.Marker {
	case 0x26, 0x40:
		return profile.CodecH265, true
	}
	return profile.CodecH264, true
}

// Classifier picks a repair strategy from the leading bytes of a file.
type Classifier struct {
	log *logger.SampledLogger
}

// New creates a Classifier that reports through log.
func New(log logger.Logger) *Classifier {
	return &Classifier{log: logger.AsRepairLogger(log)}
}

// Classify reads from the start of cur. On success cur is positioned at
// Result.EntryOffset. Failures are *errors.AppError values carrying the
// input offset.
func (c *Classifier) Classify(cur *cursor.Cursor) (Result, error) {
	var res Result

	m, err := c.findStart(cur, &res)
	if err != nil {
		return res, err
	}
	res.StartOffset = m.Offset

	if m.Tag == scan.TagLegacy {
		c.log.WithField("offset", logger.HexOffset(m.Offset)).Info("Found legacy stream signature")
		return c.enter(cur, res, StrategyLegacy, m)
	}

	ftyp := box.Header{Size: m.Window.Lead, Type: box.TypeFtyp, Offset: m.Offset}
	res.Boxes = append(res.Boxes, ftyp)
	c.log.WithField("box", ftyp.String()).Info("Found container header")

	// A declared size running past the end is ignored; the boxes that
	// should follow simply will not be found.
	if err := box.Skip(cur, ftyp); err != nil && !errors.Is(err, cursor.ErrEndOfInput) {
		return res, c.fail(cur, err, "cannot skip 'ftyp'")
	}

	return c.walkContainer(cur, res)
}

// findStart looks for a file-type box or a legacy stream, skipping padding
// words and shifting past anything else.
func (c *Classifier) findStart(cur *cursor.Cursor, res *Result) (scan.Match, error) {
	preds := []scan.Predicate{
		scan.Box(box.TypeFtyp, false),
		scan.Legacy(),
		scan.Junk(),
	}

	for {
		m, err := scan.Find(cur, preds...)
		if err != nil {
			return scan.Match{}, c.fail(cur, err, "no container header or stream signature found")
		}
		if m.Tag != scan.TagJunk {
			return m, nil
		}

		res.JunkWords++
		c.log.DebugWithCategory(logger.CategoryJunk, "Skipping padding", map[string]interface{}{
			"offset": logger.HexOffset(m.Offset),
			"word":   m.Window.String()[:8],
		})
		if err := cur.SeekAbsolute(m.Offset + 4); err != nil {
			return scan.Match{}, c.fail(cur, err, "cannot skip padding")
		}
	}
}

func (c *Classifier) walkContainer(cur *cursor.Cursor, res Result) (Result, error) {
	if h, ok, err := c.expect(cur, box.TypeMoov); err != nil {
		return res, err
	} else if ok {
		res.Boxes = append(res.Boxes, h)
		c.log.WithField("box", h.String()).Info("Skipping 'moov'")
		if err := box.Skip(cur, h); err != nil {
			return res, c.fail(cur, err, "input ends inside 'moov'")
		}
	}

	if err := c.skipPadding(cur, &res); err != nil {
		return res, err
	}

	mdat, ok, err := c.expect(cur, box.TypeMdat)
	if err != nil {
		return res, err
	}
	if !ok {
		c.log.WithField("offset", logger.HexOffset(cur.Pos())).Info("No 'mdat' found, looking for video data")
		return c.searchStream(cur, res)
	}
	res.Boxes = append(res.Boxes, mdat)
	c.log.WithField("box", mdat.String()).Info("Found 'mdat'")

	inner, ok, err := c.expect(cur, box.TypeFtyp)
	if err != nil {
		return res, err
	}
	if ok {
		return c.unnest(cur, res, inner)
	}

	tag, err := cur.Read4()
	if err != nil {
		if errors.Is(err, cursor.ErrEndOfInput) {
			return res, apperrors.NewUnrepairableError("input ends at start of 'mdat' data", cur.Pos())
		}
		return res, c.fail(cur, err, "cannot read 'mdat' data")
	}
	if tag == box.TypeMijd || tag == box.JFIFMarker {
		c.log.WithFields(map[string]interface{}{
			"offset": logger.HexOffset(cur.Pos() - 4),
			"marker": box.FourCC(tag),
		}).Info("Found preview marker")
		if err := cur.SeekRelative(-4); err != nil {
			return res, c.fail(cur, err, "cannot rewind to preview marker")
		}
		return c.skipPreviews(cur, res)
	}
	if err := cur.SeekRelative(-4); err != nil {
		return res, c.fail(cur, err, "cannot rewind to 'mdat' data")
	}

	return c.searchStream(cur, res)
}

// skipPadding consumes an optional 'free' or 'wide' box.
func (c *Classifier) skipPadding(cur *cursor.Cursor, res *Result) error {
	for _, tag := range []uint32{box.TypeFree, box.TypeWide} {
		h, ok, err := c.expect(cur, tag)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		res.Boxes = append(res.Boxes, h)
		if tag == box.TypeWide && h.BodySize() > 0 {
			c.log.WithField("box", h.String()).Warn("'wide' box has a body")
		}
		if err := box.Skip(cur, h); err != nil {
			return c.fail(cur, err, "input ends inside '"+box.FourCC(tag)+"'")
		}
		return nil
	}
	return nil
}

// unnest follows repeated ftyp/moov/mdat prefixes inside the media data and
// leaves cur just past the innermost file-type header.
func (c *Classifier) unnest(cur *cursor.Cursor, res Result, ftyp box.Header) (Result, error) {
	var entry int64

	for {
		entry = cur.Pos()
		if err := box.Skip(cur, ftyp); err != nil {
			if errors.Is(err, cursor.ErrEndOfInput) {
				break
			}
			return res, c.fail(cur, err, "cannot skip nested 'ftyp'")
		}

		moov, ok, err := c.expect(cur, box.TypeMoov)
		if err != nil {
			return res, err
		}
		if !ok {
			break
		}
		if err := box.Skip(cur, moov); err != nil {
			if errors.Is(err, cursor.ErrEndOfInput) {
				break
			}
			return res, c.fail(cur, err, "cannot skip nested 'moov'")
		}

		if _, ok, err := c.expect(cur, box.TypeMdat); err != nil {
			return res, err
		} else if !ok {
			break
		}

		next, ok, err := c.expect(cur, box.TypeFtyp)
		if err != nil {
			return res, err
		}
		if !ok {
			break
		}
		ftyp = next
		res.Nested++
		c.log.WithField("box", next.String()).Info("Found nested 'ftyp' within 'mdat'")
	}

	if err := cur.SeekAbsolute(entry); err != nil {
		return res, c.fail(cur, err, "cannot return to nested 'ftyp'")
	}

	res.Strategy = StrategyBoxed
	res.BoxSize = ftyp.Size
	res.EntryOffset = entry
	res.Boxes = append(res.Boxes, ftyp)
	return res, nil
}

// searchStream scans forward for the first recognisable NAL record.
func (c *Classifier) searchStream(cur *cursor.Cursor, res Result) (Result, error) {
	m, err := scan.Find(cur, scan.Legacy(), scan.ParameterSet(), scan.NewStyleSEI())
	if err != nil {
		return res, c.fail(cur, err, "no video data found")
	}

	fields := map[string]interface{}{
		"offset": logger.HexOffset(m.Offset),
		"window": m.Window.String(),
	}
	switch m.Tag {
	case scan.TagLegacy:
		c.log.WithFields(fields).Info("Found legacy stream signature")
		return c.enter(cur, res, StrategyLegacy, m)
	case scan.TagParameterSet:
		fields["length"] = m.Window.Lead
		c.log.WithFields(fields).Info("Found stream with embedded parameter sets")
		return c.enter(cur, res, StrategyEmbedded, m)
	default:
		c.log.WithFields(fields).Info("Found new-style stream")
		return c.enter(cur, res, StrategyNewStyle, m)
	}
}

// skipPreviews moves past JPEG preview images to the movie data that
// follows them. cur must be at the preview marker.
func (c *Classifier) skipPreviews(cur *cursor.Cursor, res Result) (Result, error) {
	m, err := scan.Find(cur, scan.JPEGEnd())
	if err != nil {
		return res, c.fail(cur, err, "end of JPEG previews not found")
	}

	movie := m.Offset + 4
	if err := cur.SeekAbsolute(movie); err != nil {
		return res, c.fail(cur, err, "cannot seek to movie data")
	}
	c.log.WithField("offset", logger.HexOffset(movie)).Info("Found movie data after previews")

	if h, ok, err := c.expect(cur, box.TypeMdat); err != nil {
		return res, err
	} else if ok {
		res.Boxes = append(res.Boxes, h)
	}

	res.Strategy = StrategyPreview
	res.EntryOffset = cur.Pos()
	return res, nil
}

// enter positions cur at the start of the matched window, so the
// re-framing loop reads the matched length field first.
func (c *Classifier) enter(cur *cursor.Cursor, res Result, s Strategy, m scan.Match) (Result, error) {
	if err := cur.SeekAbsolute(m.Offset); err != nil {
		return res, c.fail(cur, err, "cannot seek to stream start")
	}
	res.Strategy = s
	res.EntryOffset = m.Offset
	res.Window = m.Window
	res.Marker = byte(m.Window.Trail >> 24)
	return res, nil
}

func (c *Classifier) expect(cur *cursor.Cursor, tag uint32) (box.Header, bool, error) {
	start := cur.Pos()
	h, ok, err := box.Expect(cur, tag)
	if err != nil {
		return h, false, apperrors.WrapStructuralError(err, "unsupported box header", start)
	}
	return h, ok, nil
}

// fail maps scanning and cursor failures onto the application taxonomy:
// running out of input is unrepairable, anything else is structural.
func (c *Classifier) fail(cur *cursor.Cursor, err error, msg string) error {
	if errors.Is(err, scan.ErrNoMatch) || errors.Is(err, cursor.ErrEndOfInput) {
		return apperrors.NewUnrepairableError(msg, cur.Pos())
	}
	return apperrors.WrapStructuralError(err, msg, cur.Pos())
}

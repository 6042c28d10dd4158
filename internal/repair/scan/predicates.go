package scan

import "github.com/zsiec/salvage/internal/repair/cursor"

// Empirical thresholds observed in recordings. They have no derivation
// beyond matching real files.
const (
	// MaxLegacyNALLength bounds plausible lengths in legacy and
	// embedded-parameter-set streams.
	MaxLegacyNALLength = 0x008FFFFF
	// MaxNewStyleNALLength bounds plausible lengths in new-style streams.
	MaxNewStyleNALLength = 0x00FFFFFF

	maxSEILength = 0x100
)

// paramSetRange is an exclusive length range for one NAL header byte.
type paramSetRange struct {
	marker byte
	min    uint32
	max    uint32
}

var paramSetRanges = []paramSetRange{
	{marker: 0x27, min: 25, max: 60}, // H.264 SPS, nal_ref_idc 1
	{marker: 0x67, min: 10, max: 40}, // H.264 SPS, nal_ref_idc 3
	{marker: 0x26, min: 10, max: 60}, // H.265 IDR_W_RADL
	{marker: 0x40, min: 10, max: 60}, // H.265 VPS
}

var h264ResumeMarkers = map[byte]bool{
	0x21: true, 0x25: true, 0x41: true, 0x45: true, 0x61: true, 0x65: true,
	0x06: true, 0x09: true, 0x27: true, 0x28: true, 0x67: true, 0x68: true,
}

var h265ResumeMarkers = map[uint16]bool{
	0x0001: true, 0x0201: true, 0x2601: true, 0x2801: true,
	0x4001: true, 0x4201: true, 0x4401: true, 0x4E01: true,
}

func high8(v uint32) byte    { return byte(v >> 24) }
func high16(v uint32) uint16 { return uint16(v >> 16) }

// Junk matches zero or 0xFF padding words.
func Junk() Predicate {
	return Predicate{Tag: TagJunk, Match: IsJunk}
}

// IsJunk reports whether the lead word is padding.
func IsJunk(w cursor.Window) bool {
	return w.Lead == 0x00000000 || w.Lead == 0xFFFFFFFF
}

// Box matches a box header with the given tag. Unless anySize is set the
// declared size must cover at least the header.
func Box(fourcc uint32, anySize bool) Predicate {
	return Predicate{
		Tag: TagBox,
		Match: func(w cursor.Window) bool {
			return w.Trail == fourcc && (anySize || w.Lead >= 8)
		},
	}
}

// Legacy matches the 2-byte NAL that opens a legacy stream.
func Legacy() Predicate {
	return Predicate{Tag: TagLegacy, Match: IsLegacy}
}

// IsLegacy reports whether w holds a length of 2 followed by two non-zero
// bytes and a zero byte.
func IsLegacy(w cursor.Window) bool {
	return w.Lead == 0x00000002 &&
		w.Trail&0xFF000000 != 0 &&
		w.Trail&0x00FF0000 != 0 &&
		w.Trail&0x0000FF00 == 0
}

// ParameterSet matches a short length followed by a parameter-set NAL
// header, meaning the stream starts with its own parameter sets.
func ParameterSet() Predicate {
	return Predicate{Tag: TagParameterSet, Match: IsParameterSet}
}

// IsParameterSet reports whether w looks like a length-prefixed parameter
// set.
func IsParameterSet(w cursor.Window) bool {
	marker := high8(w.Trail)
	for _, r := range paramSetRanges {
		if marker == r.marker && w.Lead > r.min && w.Lead < r.max {
			return true
		}
	}
	return false
}

// EmbeddedParameterSet is the union of Legacy and ParameterSet, reported
// under whichever tag matched.
func EmbeddedParameterSet() []Predicate {
	return []Predicate{Legacy(), ParameterSet()}
}

// NewStyleSEI matches a short length followed by an SEI NAL header, the
// first unit of a new-style stream without a preview.
func NewStyleSEI() Predicate {
	return Predicate{Tag: TagNewStyleSEI, Match: IsNewStyleSEI}
}

// IsNewStyleSEI reports whether w holds a short H.264 or H.265 SEI.
func IsNewStyleSEI(w cursor.Window) bool {
	if w.Lead == 0 || w.Lead >= maxSEILength {
		return false
	}
	h := high16(w.Trail)
	return h == 0x0605 || h == 0x4E01
}

// Resume matches any plausible length followed by a recognised NAL header.
// It is looser than ParameterSet.
func Resume() Predicate {
	return Predicate{Tag: TagResume, Match: IsResume}
}

// IsResume reports whether w could be the start of a NAL record.
func IsResume(w cursor.Window) bool {
	if w.Lead == 0 || w.Lead > MaxLegacyNALLength {
		return false
	}
	return h264ResumeMarkers[high8(w.Trail)] || h265ResumeMarkers[high16(w.Trail)]
}

// JPEGEnd matches an end-of-image marker that is not immediately followed
// by another start-of-image. The movie data begins at Offset+4.
// The marker must have four bytes after it, so one in the last two or three
// bytes of the input is reported as not found. No movie data follows it
// there, so the outcome is the same.
func JPEGEnd() Predicate {
	return Predicate{
		Tag: TagJPEGEnd,
		Match: func(w cursor.Window) bool {
			return w.Lead&0xFFFF == 0xFFD9 && high16(w.Trail) != 0xFFD8
		},
	}
}

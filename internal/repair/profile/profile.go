// Package profile holds the synthetic parameter sets prepended to repaired
// streams, keyed by the recording format the user selects.
package profile

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Sentinel terminates every stored blob. It never occurs inside the
// parameter sets themselves and is never written to the output.
const Sentinel byte = 0xFE

// Family groups the formats valid for one stream generation.
type Family string

const (
	FamilyLegacy   Family = "legacy"
	FamilyNewStyle Family = "new-style"
)

// Codec is the video coding standard a profile describes.
type Codec string

const (
	CodecH264 Codec = "h264"
	CodecH265 Codec = "h265"
)

// Extension returns the elementary-stream file extension for the codec.
func (c Codec) Extension() string {
	if c == CodecH265 {
		return ".h265"
	}
	return ".h264"
}

// ErrUnknownFormat is returned when a code has no profile in a family.
var ErrUnknownFormat = errors.New("unknown format code")

// Blob is a sentinel-terminated parameter set.
type Blob []byte

// Payload returns the bytes before the sentinel.
func (b Blob) Payload() []byte {
	if i := bytes.IndexByte(b, Sentinel); i >= 0 {
		return b[:i]
	}
	return b
}

func parseBlob(field, s string) (Blob, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	i := bytes.IndexByte(raw, Sentinel)
	if i < 0 {
		return nil, fmt.Errorf("%s: missing 0x%02x terminator", field, Sentinel)
	}
	if i == 0 {
		return nil, fmt.Errorf("%s: empty parameter set", field)
	}
	return Blob(raw[:i+1]), nil
}

// Profile is one selectable recording format.
type Profile struct {
	Family      Family
	Code        string
	Description string
	Codec       Codec
	SPS         Blob
	PPS         Blob
	VPS         Blob
}

// ParameterSets returns the payloads in injection order: SPS, PPS, then VPS
// when present.
func (p Profile) ParameterSets() [][]byte {
	sets := [][]byte{p.SPS.Payload(), p.PPS.Payload()}
	if len(p.VPS) > 0 {
		sets = append(sets, p.VPS.Payload())
	}
	return sets
}

func (p Profile) String() string {
	return fmt.Sprintf("%s: %s", p.Code, p.Description)
}

// Hint suggests a code for users who know the device but not the format.
type Hint struct {
	Source string
	Code   string
}

package repair

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/zsiec/salvage/internal/errors"
	"github.com/zsiec/salvage/internal/logger"
	"github.com/zsiec/salvage/internal/repair/box"
	"github.com/zsiec/salvage/internal/repair/classify"
	"github.com/zsiec/salvage/internal/repair/output"
	"github.com/zsiec/salvage/internal/repair/profile"
)

type builder struct {
	buf bytes.Buffer
}

func (b *builder) u32(vals ...uint32) *builder {
	for _, v := range vals {
		_ = binary.Write(&b.buf, binary.BigEndian, v)
	}
	return b
}

func (b *builder) raw(p ...byte) *builder {
	b.buf.Write(p)
	return b
}

func (b *builder) bytes() []byte {
	return b.buf.Bytes()
}

func annexB(units ...[]byte) []byte {
	var out []byte
	for _, u := range units {
		out = append(out, output.StartCode...)
		out = append(out, u...)
	}
	return out
}

func newRepairer(t *testing.T) *Repairer {
	t.Helper()
	cat, err := profile.Default()
	require.NoError(t, err)
	return New(cat, logger.NewNullLogger(), "")
}

func writeInput(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func lookup(t *testing.T, fam profile.Family, code string) profile.Profile {
	t.Helper()
	cat, err := profile.Default()
	require.NoError(t, err)
	p, err := cat.Lookup(fam, code)
	require.NoError(t, err)
	return p
}

// junkThenLegacy is padding, a legacy 2-byte NAL and one 5-byte NAL.
func junkThenLegacy() []byte {
	return (&builder{}).
		u32(0xFFFFFFFF, 0xFFFFFFFF).
		u32(0x00000002).raw(0x27, 0x64).
		u32(5).raw(1, 2, 3, 4, 5).
		bytes()
}

func TestRepairFile_JunkThenLegacy(t *testing.T) {
	in := writeInput(t, "DJI_0001.MOV", junkThenLegacy())

	rep, err := newRepairer(t).RepairFile(context.Background(), in, FileOptions{Format: "0"})
	require.NoError(t, err)

	want := filepath.Join(filepath.Dir(in), "DJI_0001-repaired.h264")
	assert.Equal(t, want, rep.Output)

	got, err := os.ReadFile(want)
	require.NoError(t, err)

	p := lookup(t, profile.FamilyLegacy, "0")
	assert.Equal(t, annexB(p.SPS.Payload(), p.PPS.Payload(), []byte{0x27, 0x64}, []byte{1, 2, 3, 4, 5}), got)

	assert.Equal(t, "legacy", rep.Strategy)
	assert.Equal(t, 2, rep.RepairType)
	assert.Equal(t, int64(8), rep.EntryOffset)
	assert.Equal(t, "0", rep.Format)
	assert.Equal(t, "h264", rep.Codec)
	assert.Equal(t, int64(2), rep.NALUnits)
	assert.Equal(t, int64(len(junkThenLegacy())), rep.BytesRead)
	assert.Equal(t, int64(len(got)), rep.BytesWritten)
	assert.False(t, rep.Truncated)
	assert.Equal(t, "complete", rep.Outcome())
}

// The window 00000002 2764002A is a length of 2, so the two bytes after
// 27 64 start the next length field. Here that length runs past the end
// and the final NAL is short.
func TestRepairFile_LegacyWindowBytesStartNextLength(t *testing.T) {
	data := (&builder{}).
		u32(0xFFFFFFFF, 0xFFFFFFFF).
		u32(0x00000002, 0x2764002A).
		u32(5).raw(1, 2, 3, 4, 5).
		bytes()
	in := writeInput(t, "DJI_0002.MOV", data)

	rep, err := newRepairer(t).RepairFile(context.Background(), in, FileOptions{Format: "0"})
	require.NoError(t, err)

	got, err := os.ReadFile(rep.Output)
	require.NoError(t, err)

	// 00 2A 00 00 is read as the second length; the seven bytes left are
	// copied as its payload.
	p := lookup(t, profile.FamilyLegacy, "0")
	want := annexB(
		p.SPS.Payload(), p.PPS.Payload(),
		[]byte{0x27, 0x64},
		[]byte{0x00, 0x05, 1, 2, 3, 4, 5},
	)
	assert.Equal(t, want, got)

	assert.Equal(t, 2, rep.RepairType)
	assert.Equal(t, int64(8), rep.EntryOffset)
	assert.Equal(t, int64(2), rep.NALUnits)
	assert.True(t, rep.ShortFinalNAL)
	assert.False(t, rep.Truncated)
	assert.Equal(t, "complete", rep.Outcome())
}

func TestRepairFile_Boxed(t *testing.T) {
	inner := (&builder{}).u32(20, box.TypeFtyp).raw([]byte("isom\x00\x00\x02\x00mp41")...)
	payload := []byte("rest of the movie")

	data := (&builder{}).
		u32(24, box.TypeFtyp).raw(make([]byte, 16)...).
		u32(16, box.TypeMoov).raw(make([]byte, 8)...).
		u32(0, box.TypeMdat).
		raw(inner.bytes()...).
		raw(payload...).
		bytes()
	in := writeInput(t, "clip.mp4", data)

	rep, err := newRepairer(t).RepairFile(context.Background(), in, FileOptions{})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(in), "clip-repaired.mp4"), rep.Output)

	got, err := os.ReadFile(rep.Output)
	require.NoError(t, err)

	want := append(append([]byte{}, inner.bytes()...), payload...)
	assert.Equal(t, want, got)
	assert.Equal(t, 1, rep.RepairType)
	assert.Empty(t, rep.Format)
	assert.Equal(t, int64(len(data)), rep.BytesRead)
}

func TestRepairFile_EmbeddedNeedsNoFormat(t *testing.T) {
	sps := append([]byte{0x27}, bytes.Repeat([]byte{0x11}, 25)...)
	data := (&builder{}).
		u32(8, box.TypeFtyp).
		u32(8, box.TypeMdat).
		u32(uint32(len(sps))).raw(sps...).
		u32(3).raw(0x25, 0xB8, 0x00).
		bytes()
	in := writeInput(t, "embedded.mov", data)

	rep, err := newRepairer(t).RepairFile(context.Background(), in, FileOptions{})
	require.NoError(t, err)

	got, err := os.ReadFile(rep.Output)
	require.NoError(t, err)
	assert.Equal(t, annexB(sps, []byte{0x25, 0xB8, 0x00}), got)
	assert.Equal(t, "embedded", rep.Strategy)
	assert.Equal(t, "h264", rep.Codec)
	assert.Equal(t, ".h264", filepath.Ext(rep.Output))
}

func TestRepairFile_PreviewH265(t *testing.T) {
	data := (&builder{}).
		u32(8, box.TypeFtyp).
		u32(8, box.TypeMdat).
		raw('m', 'i', 'j', 'd', 0x00, 0xFF, 0xD9).
		u32(4).raw(0x26, 0x01, 0xAF, 0x00).
		bytes()
	in := writeInput(t, "preview.mp4", data)

	rep, err := newRepairer(t).RepairFile(context.Background(), in, FileOptions{Format: "5"})
	require.NoError(t, err)
	assert.Equal(t, ".h265", filepath.Ext(rep.Output))
	assert.Equal(t, "h265", rep.Codec)

	p := lookup(t, profile.FamilyNewStyle, "5")
	require.NotEmpty(t, p.VPS)

	got, err := os.ReadFile(rep.Output)
	require.NoError(t, err)
	assert.Equal(t, annexB(p.SPS.Payload(), p.PPS.Payload(), p.VPS.Payload(), []byte{0x26, 0x01, 0xAF, 0x00}), got)
}

func TestRepairFile_SelectorConsulted(t *testing.T) {
	in := writeInput(t, "clip.mov", junkThenLegacy())

	var asked profile.Family
	selector := FormatSelectorFunc(func(_ context.Context, fam profile.Family, profiles []profile.Profile, hints []profile.Hint) (string, error) {
		asked = fam
		assert.NotEmpty(t, profiles)
		assert.NotEmpty(t, hints)
		return "g", nil
	})

	rep, err := newRepairer(t).RepairFile(context.Background(), in, FileOptions{Selector: selector})
	require.NoError(t, err)
	assert.Equal(t, profile.FamilyLegacy, asked)
	assert.Equal(t, "G", rep.Format)
}

func TestRepairFile_ExplicitFormatSkipsSelector(t *testing.T) {
	in := writeInput(t, "clip.mov", junkThenLegacy())

	selector := FormatSelectorFunc(func(context.Context, profile.Family, []profile.Profile, []profile.Hint) (string, error) {
		t.Fatal("selector must not be asked")
		return "", nil
	})

	_, err := newRepairer(t).RepairFile(context.Background(), in, FileOptions{Format: "7", Selector: selector})
	require.NoError(t, err)
}

func TestRepairFile_FormatRequired(t *testing.T) {
	in := writeInput(t, "clip.mov", junkThenLegacy())

	_, err := newRepairer(t).RepairFile(context.Background(), in, FileOptions{Selector: StaticFormat("")})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeFormatRequired))

	appErr, _ := apperrors.GetAppError(err)
	assert.Equal(t, "legacy", appErr.Details["strategy"])
	assert.Equal(t, "legacy", appErr.Details["family"])
	assert.NotEmpty(t, appErr.Details["codes"])

	_, statErr := os.Stat(filepath.Join(filepath.Dir(in), "clip-repaired.h264"))
	assert.True(t, os.IsNotExist(statErr), "no output is created")
}

func TestRepairFile_UnknownFormat(t *testing.T) {
	in := writeInput(t, "clip.mov", junkThenLegacy())

	_, err := newRepairer(t).RepairFile(context.Background(), in, FileOptions{Format: "Z"})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
	assert.ErrorContains(t, err, "unknown format code")
}

func TestRepairFile_Unrepairable(t *testing.T) {
	in := writeInput(t, "noise.mov", bytes.Repeat([]byte{0x12, 0x34, 0x56}, 100))

	_, err := newRepairer(t).RepairFile(context.Background(), in, FileOptions{Format: "0"})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeUnrepairable))

	entries, err := os.ReadDir(filepath.Dir(in))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "only the input remains")
}

func TestRepairFile_MissingInput(t *testing.T) {
	_, err := newRepairer(t).RepairFile(context.Background(), filepath.Join(t.TempDir(), "absent.mov"), FileOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotFound))
}

func TestRepairFile_ExplicitOutput(t *testing.T) {
	in := writeInput(t, "clip.mov", junkThenLegacy())
	out := filepath.Join(t.TempDir(), "fixed.264")

	rep, err := newRepairer(t).RepairFile(context.Background(), in, FileOptions{Format: "0", Output: out})
	require.NoError(t, err)
	assert.Equal(t, out, rep.Output)
	assert.FileExists(t, out)
}

func TestRepairFile_RefusesToOverwriteInput(t *testing.T) {
	in := writeInput(t, "clip.mov", junkThenLegacy())

	_, err := newRepairer(t).RepairFile(context.Background(), in, FileOptions{Format: "0", Output: in})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))

	data, err := os.ReadFile(in)
	require.NoError(t, err)
	assert.Equal(t, junkThenLegacy(), data)
}

func TestSession_PartialRepair(t *testing.T) {
	data := (&builder{}).
		u32(8, box.TypeFtyp).
		u32(8, box.TypeMdat).
		u32(0x0000000A, 0x06050102).raw(make([]byte, 6)...).
		u32(0).
		u32(3).raw(7, 8, 9).
		bytes()

	sess, err := newRepairer(t).Open(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, classify.StrategyNewStyle, sess.Strategy())

	p := lookup(t, profile.FamilyNewStyle, "0")
	var out bytes.Buffer
	rep, err := sess.Repair(&out, &p)
	require.NoError(t, err)

	assert.True(t, rep.Truncated)
	assert.Equal(t, int64(30), rep.TruncatedAt)
	assert.Equal(t, "partial", rep.Outcome())
	assert.Contains(t, rep.Summary(), "Could not repair beyond offset 0x1e")
	assert.Equal(t, int64(1), rep.NALUnits)

	_, err = sess.Repair(&out, &p)
	assert.ErrorIs(t, err, ErrSessionUsed)
}

func TestSession_RepairWithoutProfile(t *testing.T) {
	sess, err := newRepairer(t).Open(bytes.NewReader(junkThenLegacy()))
	require.NoError(t, err)

	_, err = sess.Repair(&bytes.Buffer{}, nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeFormatRequired))
}

func TestReport_JSON(t *testing.T) {
	sess, err := newRepairer(t).Open(bytes.NewReader(junkThenLegacy()))
	require.NoError(t, err)

	p := lookup(t, profile.FamilyLegacy, "3")
	rep, err := sess.Repair(&bytes.Buffer{}, &p)
	require.NoError(t, err)

	raw, err := json.Marshal(rep)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "legacy", decoded["strategy"])
	assert.Equal(t, float64(2), decoded["repair_type"])
	assert.Equal(t, "3", decoded["format"])
	assert.Equal(t, false, decoded["truncated"])
	assert.NotContains(t, decoded, "recoveries")
}

func TestOutputPath(t *testing.T) {
	tests := []struct {
		in, ext, want string
	}{
		{"DJI_0001.MOV", ".h264", "DJI_0001-repaired.h264"},
		{"/videos/clip.mp4", ".mp4", "/videos/clip-repaired.mp4"},
		{"noext", ".h265", "noext-repaired.h265"},
		{"dir.v2/file.tar.mov", ".h264", "dir.v2/file.tar-repaired.h264"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, OutputPath(tt.in, DefaultSuffix, tt.ext))
		})
	}
}

package classify

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/zsiec/salvage/internal/errors"
	"github.com/zsiec/salvage/internal/logger"
	"github.com/zsiec/salvage/internal/repair/box"
	"github.com/zsiec/salvage/internal/repair/cursor"
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

// box writes a header followed by a zero-filled body of size-8 bytes.
func (b *builder) box(size, tag uint32) *builder {
	b.u32(size, tag)
	if size > 8 {
		b.buf.Write(make([]byte, size-8))
	}
	return b
}

func (b *builder) bytes() []byte {
	return b.buf.Bytes()
}

func classifyBytes(t *testing.T, data []byte) (Result, *cursor.Cursor, error) {
	t.Helper()
	cur, err := cursor.New(bytes.NewReader(data))
	require.NoError(t, err)
	res, err := New(logger.NewNullLogger()).Classify(cur)
	return res, cur, err
}

func TestClassify_BoxedSkipsDeclaredSize(t *testing.T) {
	data := (&builder{}).
		box(24, box.TypeFtyp).
		box(16, box.TypeMoov).
		u32(0, box.TypeMdat).
		u32(20, box.TypeFtyp).raw(make([]byte, 12)...).
		raw([]byte("movie payload")...).
		bytes()

	res, cur, err := classifyBytes(t, data)
	require.NoError(t, err)

	assert.Equal(t, StrategyBoxed, res.Strategy)
	assert.Equal(t, 1, res.Strategy.Number())
	assert.Equal(t, uint32(20), res.BoxSize)
	assert.Equal(t, int64(56), res.EntryOffset)
	assert.Equal(t, int64(56), cur.Pos())
	assert.Equal(t, 0, res.Nested)

	require.Len(t, res.Boxes, 4)
	assert.Equal(t, box.TypeMoov, res.Boxes[1].Type)
	assert.Equal(t, int64(24), res.Boxes[1].Offset, "moov must follow ftyp after size-8 body bytes")
	assert.Equal(t, int64(40), res.Boxes[2].Offset)
}

func TestClassify_BoxedRepeatedPrefix(t *testing.T) {
	data := (&builder{}).
		box(8, box.TypeFtyp).
		u32(8, box.TypeMdat).
		box(16, box.TypeFtyp).
		box(8, box.TypeMoov).
		u32(8, box.TypeMdat).
		u32(12, box.TypeFtyp).raw(1, 2, 3, 4).
		raw([]byte("tail")...).
		bytes()

	res, cur, err := classifyBytes(t, data)
	require.NoError(t, err)

	assert.Equal(t, StrategyBoxed, res.Strategy)
	assert.Equal(t, 1, res.Nested)
	assert.Equal(t, uint32(12), res.BoxSize)
	assert.Equal(t, int64(56), res.EntryOffset)
	assert.Equal(t, int64(56), cur.Pos())
}

func TestClassify_JunkThenLegacy(t *testing.T) {
	data := (&builder{}).
		u32(0xFFFFFFFF, 0xFFFFFFFF).
		u32(0x00000002, 0x2764002A).
		u32(5).raw(1, 2, 3, 4, 5).
		bytes()

	res, cur, err := classifyBytes(t, data)
	require.NoError(t, err)

	assert.Equal(t, StrategyLegacy, res.Strategy)
	assert.Equal(t, 2, res.JunkWords)
	assert.Equal(t, int64(8), res.EntryOffset)
	assert.Equal(t, int64(8), cur.Pos(), "cursor left at the matched length field")
	assert.Equal(t, cursor.Window{Lead: 2, Trail: 0x2764002A}, res.Window)
	assert.Equal(t, byte(0x27), res.Marker)
	assert.Equal(t, profile.FamilyLegacy, res.Strategy.Family())
}

// countingReader records how much of the underlying input is read.
type countingReader struct {
	*bytes.Reader
	read  int64
	seeks int
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.Reader.Read(p)
	r.read += int64(n)
	return n, err
}

func (r *countingReader) Seek(offset int64, whence int) (int64, error) {
	r.seeks++
	return r.Reader.Seek(offset, whence)
}

func TestClassify_LongZeroPrefixReadsOnce(t *testing.T) {
	const prefix = 4 << 20
	data := (&builder{}).
		raw(make([]byte, prefix)...).
		u32(0x00000002, 0x2764002A).
		u32(5).raw(1, 2, 3, 4, 5).
		bytes()

	src := &countingReader{Reader: bytes.NewReader(data)}
	cur, err := cursor.New(src)
	require.NoError(t, err)

	res, err := New(logger.NewNullLogger()).Classify(cur)
	require.NoError(t, err)

	assert.Equal(t, StrategyLegacy, res.Strategy)
	assert.Equal(t, prefix/4, res.JunkWords)
	assert.Equal(t, int64(prefix), res.EntryOffset)
	assert.LessOrEqual(t, src.read, int64(len(data)), "padding must not be re-read")
	assert.LessOrEqual(t, src.seeks, 4)
}

func TestClassify_GarbageShiftsToLegacy(t *testing.T) {
	data := (&builder{}).
		raw(0xAB, 0xCD, 0xEF).
		u32(0x00000002, 0x67420000).
		bytes()

	res, _, err := classifyBytes(t, data)
	require.NoError(t, err)
	assert.Equal(t, StrategyLegacy, res.Strategy)
	assert.Equal(t, int64(3), res.StartOffset)
	assert.Equal(t, 0, res.JunkWords)
}

func TestClassify_UndersizedFtypIsNotABox(t *testing.T) {
	data := (&builder{}).
		u32(4, box.TypeFtyp).
		u32(0x00000002, 0x2764002A).
		bytes()

	res, _, err := classifyBytes(t, data)
	require.NoError(t, err)
	assert.Equal(t, StrategyLegacy, res.Strategy)
	assert.Equal(t, int64(8), res.EntryOffset)
}

func TestClassify_PaddingBoxesBeforeMdat(t *testing.T) {
	tests := []struct {
		name    string
		padding uint32
		size    uint32
	}{
		{"free", box.TypeFree, 16},
		{"empty wide", box.TypeWide, 8},
		{"wide with body", box.TypeWide, 12},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := (&builder{}).
				box(16, box.TypeFtyp).
				box(tt.size, tt.padding).
				u32(0, box.TypeMdat).
				u32(0x00000002, 0x2764002A).
				bytes()

			res, _, err := classifyBytes(t, data)
			require.NoError(t, err)
			assert.Equal(t, StrategyLegacy, res.Strategy)
			assert.Equal(t, int64(16+tt.size+8), res.EntryOffset)
		})
	}
}

func TestClassify_EmbeddedParameterSets(t *testing.T) {
	tests := []struct {
		name   string
		length uint32
		header uint32
		codec  profile.Codec
	}{
		{"h264 sps", 0x1A, 0x27640033, profile.CodecH264},
		{"h264 sps high ref", 0x0E, 0x67640028, profile.CodecH264},
		{"h265 vps", 0x18, 0x40010C01, profile.CodecH265},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := (&builder{}).
				box(8, box.TypeFtyp).
				box(8, box.TypeMdat).
				raw(0x11, 0x22).
				u32(tt.length, tt.header).
				bytes()

			res, cur, err := classifyBytes(t, data)
			require.NoError(t, err)

			assert.Equal(t, StrategyEmbedded, res.Strategy)
			assert.False(t, res.Strategy.NeedsProfile())
			assert.Equal(t, int64(18), res.EntryOffset)
			assert.Equal(t, int64(18), cur.Pos())

			codec, ok := res.Codec()
			require.True(t, ok)
			assert.Equal(t, tt.codec, codec)
		})
	}
}

func TestClassify_NewStyleWithoutPreview(t *testing.T) {
	data := (&builder{}).
		box(8, box.TypeFtyp).
		u32(0, box.TypeMdat).
		u32(0x0000000A, 0x06050102).
		raw(make([]byte, 6)...).
		bytes()

	res, _, err := classifyBytes(t, data)
	require.NoError(t, err)
	assert.Equal(t, StrategyNewStyle, res.Strategy)
	assert.Equal(t, int64(16), res.EntryOffset)
	assert.Equal(t, profile.FamilyNewStyle, res.Strategy.Family())

	_, ok := res.Codec()
	assert.False(t, ok)
}

func TestClassify_PreviewSkipsJPEGs(t *testing.T) {
	tests := []struct {
		name   string
		marker []byte
	}{
		{"mijd", []byte("mijd")},
		{"jfif", []byte{0xFF, 0xD8, 0xFF, 0xE0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := (&builder{}).
				box(8, box.TypeFtyp).
				u32(8, box.TypeMdat).
				raw(tt.marker...).
				raw(0x01, 0x02, 0x03, 0xFF, 0xD9). // first preview ends
				raw(0xFF, 0xD8, 0x04, 0x05, 0xFF, 0xD9) // second preview ends
			movie := int64(b.buf.Len())
			b.u32(16, box.TypeMdat).raw(make([]byte, 8)...)

			res, cur, err := classifyBytes(t, b.bytes())
			require.NoError(t, err)

			assert.Equal(t, StrategyPreview, res.Strategy)
			assert.Equal(t, movie+8, res.EntryOffset, "optional mdat header after previews is consumed")
			assert.Equal(t, movie+8, cur.Pos())
		})
	}
}

func TestClassify_PreviewWithoutMdat(t *testing.T) {
	b := (&builder{}).
		box(8, box.TypeFtyp).
		u32(8, box.TypeMdat).
		raw('m', 'i', 'j', 'd', 0xAA, 0xFF, 0xD9)
	movie := int64(b.buf.Len())
	b.u32(0x00000010, 0x06050000)

	res, _, err := classifyBytes(t, b.bytes())
	require.NoError(t, err)
	assert.Equal(t, StrategyPreview, res.Strategy)
	assert.Equal(t, movie, res.EntryOffset)
}

func TestClassify_Unrepairable(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short", []byte{0x00, 0x00, 0x00}},
		{"all padding", bytes.Repeat([]byte{0xFF}, 64)},
		{"noise", bytes.Repeat([]byte{0x12, 0x34, 0x56}, 40)},
		{"container without video", (&builder{}).box(8, box.TypeFtyp).box(16, box.TypeMoov).bytes()},
		{"preview without end", (&builder{}).box(8, box.TypeFtyp).u32(8, box.TypeMdat).raw([]byte("mijd0123456789")...).bytes()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := classifyBytes(t, tt.data)
			require.Error(t, err)
			assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeUnrepairable), "got %v", err)

			appErr, ok := apperrors.GetAppError(err)
			require.True(t, ok)
			_, hasOffset := appErr.Offset()
			assert.True(t, hasOffset)
		})
	}
}

func TestClassify_ExtendedSizeIsStructural(t *testing.T) {
	data := (&builder{}).
		box(24, box.TypeFtyp).
		u32(1, box.TypeMoov).
		u32(0, 0x100).
		bytes()

	_, _, err := classifyBytes(t, data)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeStructural))
	assert.ErrorIs(t, err, box.ErrExtendedSize)

	appErr, _ := apperrors.GetAppError(err)
	off, ok := appErr.Offset()
	require.True(t, ok)
	assert.Equal(t, int64(24), off)
}

func TestClassify_TruncatedMoov(t *testing.T) {
	data := (&builder{}).
		box(8, box.TypeFtyp).
		u32(4096, box.TypeMoov).
		raw(make([]byte, 16)...).
		bytes()

	_, _, err := classifyBytes(t, data)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeUnrepairable))
}

func TestStrategy(t *testing.T) {
	tests := []struct {
		s       Strategy
		name    string
		profile bool
		stream  bool
	}{
		{StrategyBoxed, "boxed", false, false},
		{StrategyLegacy, "legacy", true, true},
		{StrategyPreview, "preview", true, true},
		{StrategyEmbedded, "embedded", false, true},
		{StrategyNewStyle, "new-style", true, true},
		{StrategyUnknown, "unknown", false, false},
		{Strategy(9), "strategy(9)", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.s.String())
			assert.Equal(t, tt.profile, tt.s.NeedsProfile())
			assert.Equal(t, tt.stream, tt.s.ElementaryStream())
		})
	}
}

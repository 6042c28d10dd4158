package box

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/salvage/internal/repair/cursor"
)

func header(size, tag uint32) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b, size)
	binary.BigEndian.PutUint32(b[4:], tag)
	return b
}

func newCursor(t *testing.T, data []byte) *cursor.Cursor {
	t.Helper()
	c, err := cursor.New(bytes.NewReader(data))
	require.NoError(t, err)
	return c
}

func TestExpect_Match(t *testing.T) {
	data := append(header(0x18, TypeFtyp), make([]byte, 0x10)...)
	c := newCursor(t, data)

	h, ok, err := Expect(c, TypeFtyp)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(0x18), h.Size)
	assert.Equal(t, int64(0x10), h.BodySize(), "skip distance is size minus header")
	assert.Equal(t, int64(8), c.Pos())

	require.NoError(t, Skip(c, h))
	assert.True(t, c.AtEnd())
}

func TestExpect_MismatchRewinds(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want uint32
	}{
		{"wrong tag", header(0x10, TypeMoov), TypeFtyp},
		{"size below header", header(4, TypeFtyp), TypeFtyp},
		{"zero size", header(0, TypeMoov), TypeMoov},
		{"truncated header", []byte{0x00, 0x00, 0x00, 0x10, 'm'}, TypeMoov},
		{"empty input", nil, TypeMoov},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCursor(t, tt.data)
			_, ok, err := Expect(c, tt.want)
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Equal(t, int64(0), c.Pos())
		})
	}
}

func TestExpect_MdatIgnoresSize(t *testing.T) {
	for _, size := range []uint32{0, 2, 7} {
		c := newCursor(t, header(size, TypeMdat))
		h, ok, err := Expect(c, TypeMdat)
		require.NoError(t, err)
		assert.True(t, ok, "size %d", size)
		assert.Equal(t, int64(0), h.BodySize())
	}
}

func TestExpect_ExtendedSizeIsFatal(t *testing.T) {
	c := newCursor(t, append(header(1, TypeMdat), make([]byte, 8)...))
	_, ok, err := Expect(c, TypeMdat)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrExtendedSize)
}

func TestSkip_PastEnd(t *testing.T) {
	c := newCursor(t, append(header(0x1000, TypeMoov), 0x01, 0x02))
	h, ok, err := Expect(c, TypeMoov)
	require.NoError(t, err)
	require.True(t, ok)

	assert.ErrorIs(t, Skip(c, h), cursor.ErrEndOfInput)
	assert.True(t, c.AtEnd())
}

func TestFourCC(t *testing.T) {
	assert.Equal(t, "ftyp", FourCC(TypeFtyp))
	assert.Equal(t, "mijd", FourCC(TypeMijd))
	assert.Equal(t, "'mdat' (size 8) at 0x20", Header{Size: 8, Type: TypeMdat, Offset: 0x20}.String())
}

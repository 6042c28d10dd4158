package reframe

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/salvage/internal/logger"
	"github.com/zsiec/salvage/internal/repair/classify"
	"github.com/zsiec/salvage/internal/repair/cursor"
	"github.com/zsiec/salvage/internal/repair/output"
	"github.com/zsiec/salvage/internal/repair/scan"
)

var (
	testSPS  = []byte{0x27, 0x64, 0x00, 0x33}
	testPPS  = []byte{0x28, 0xEE, 0x38, 0x30}
	testSets = [][]byte{testSPS, testPPS}
)

type stream struct {
	buf bytes.Buffer
}

func (s *stream) length(n uint32) *stream {
	_ = binary.Write(&s.buf, binary.BigEndian, n)
	return s
}

func (s *stream) raw(p ...byte) *stream {
	s.buf.Write(p)
	return s
}

func (s *stream) nal(payload ...byte) *stream {
	return s.length(uint32(len(payload))).raw(payload...)
}

func annexB(units ...[]byte) []byte {
	var out []byte
	for _, u := range units {
		out = append(out, output.StartCode...)
		out = append(out, u...)
	}
	return out
}

func run(t *testing.T, s classify.Strategy, sets [][]byte, input []byte) ([]byte, *ScanState, error) {
	t.Helper()

	cur, err := cursor.New(bytes.NewReader(input))
	require.NoError(t, err)

	e, err := New(s, logger.NewNullLogger())
	require.NoError(t, err)

	var out bytes.Buffer
	w := output.NewWriter(&out)
	st := NewScanState()
	runErr := e.Run(cur, w, sets, st)
	require.NoError(t, w.Flush())
	return out.Bytes(), st, runErr
}

func TestPolicyFor(t *testing.T) {
	tests := []struct {
		strategy   classify.Strategy
		ceiling    uint32
		resume     scan.Tag
		sideTracks bool
		inject     bool
	}{
		{classify.StrategyLegacy, 0x008FFFFF, scan.TagLegacy, false, true},
		{classify.StrategyEmbedded, 0x008FFFFF, scan.TagResume, false, false},
		{classify.StrategyPreview, 0x00FFFFFF, "", true, true},
		{classify.StrategyNewStyle, 0x00FFFFFF, "", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.strategy.String(), func(t *testing.T) {
			p, err := PolicyFor(tt.strategy)
			require.NoError(t, err)
			assert.Equal(t, tt.ceiling, p.Ceiling)
			assert.Equal(t, tt.sideTracks, p.SideTracks)
			assert.Equal(t, tt.inject, p.Inject)
			if tt.resume == "" {
				assert.Nil(t, p.Resume)
			} else {
				require.NotNil(t, p.Resume)
				assert.Equal(t, tt.resume, p.Resume.Tag)
			}
		})
	}

	_, err := PolicyFor(classify.StrategyBoxed)
	assert.ErrorIs(t, err, ErrNotReframed)
}

func TestRun_LegacyFirstNAL(t *testing.T) {
	input := (&stream{}).
		nal(0x27, 0x64).
		nal(1, 2, 3, 4, 5).
		buf.Bytes()

	out, st, err := run(t, classify.StrategyLegacy, testSets, input)
	require.NoError(t, err)

	assert.Equal(t, annexB(testSPS, testPPS, []byte{0x27, 0x64}, []byte{1, 2, 3, 4, 5}), out)
	assert.Equal(t, int64(2), st.NALUnits)
	assert.Equal(t, int64(7), st.PayloadBytes)
	assert.False(t, st.Truncated)
	assert.False(t, st.ShortFinalNAL)
}

func TestRun_LegacyZeroLengthRecovers(t *testing.T) {
	input := (&stream{}).
		nal(0xAA, 0xBB, 0xCC).
		length(0).
		raw(0xDE, 0xAD).
		nal(0x41, 0x42).
		nal(0x11, 0x22, 0x33).
		buf.Bytes()

	out, st, err := run(t, classify.StrategyLegacy, testSets, input)
	require.NoError(t, err)

	assert.Equal(t, annexB(testSPS, testPPS,
		[]byte{0xAA, 0xBB, 0xCC},
		[]byte{0x41, 0x42},
		[]byte{0x11, 0x22, 0x33},
	), out)
	assert.NotContains(t, string(out), string([]byte{0xDE, 0xAD}))

	require.Len(t, st.Recoveries, 1)
	assert.Equal(t, Recovery{From: 7, To: 13, Length: 0}, st.Recoveries[0])
	assert.Equal(t, int64(6), st.Recoveries[0].Skipped())
	assert.False(t, st.Truncated)
}

func TestRun_LegacyRecoveryHitsEnd(t *testing.T) {
	input := (&stream{}).
		nal(0xAA).
		length(0xFFFFFFFF).
		raw(0x01, 0x02).
		buf.Bytes()

	out, st, err := run(t, classify.StrategyLegacy, testSets, input)
	require.NoError(t, err)

	assert.Equal(t, annexB(testSPS, testPPS, []byte{0xAA}), out)
	assert.True(t, st.Truncated)
	assert.Equal(t, int64(5), st.TruncatedAt)
	assert.Empty(t, st.Recoveries)
}

func TestRun_EmbeddedResumesAtNALHeader(t *testing.T) {
	sps := bytes.Repeat([]byte{0x27}, 14)
	input := (&stream{}).
		nal(sps...).
		length(0x09000000).
		raw(0x77, 0x77).
		nal(0x65, 0x88, 0x80, 0x40).
		buf.Bytes()

	out, st, err := run(t, classify.StrategyEmbedded, nil, input)
	require.NoError(t, err)

	assert.Equal(t, annexB(sps, []byte{0x65, 0x88, 0x80, 0x40}), out, "no parameter sets are injected")
	require.Len(t, st.Recoveries, 1)
	assert.Equal(t, int64(18), st.Recoveries[0].From)
	assert.Equal(t, int64(24), st.Recoveries[0].To)
	assert.Equal(t, uint32(0x09000000), st.Recoveries[0].Length)
}

func TestRun_SideTrackBlocks(t *testing.T) {
	tests := []struct {
		name  string
		field uint32
		size  int
	}{
		{"0x200 block", 0x01FE1234, 0x200},
		{"0x1f9 block", 0x01F70000, 0x1F9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := (&stream{}).
				nal(0x01, 0x02).
				length(tt.field).
				raw(bytes.Repeat([]byte{0x5A}, tt.size-4)...).
				nal(0xAA, 0xBB, 0xCC).
				buf.Bytes()

			out, st, err := run(t, classify.StrategyPreview, testSets, input)
			require.NoError(t, err)

			assert.Equal(t, annexB(testSPS, testPPS, []byte{0x01, 0x02}, []byte{0xAA, 0xBB, 0xCC}), out)
			assert.Equal(t, 1, st.SideTrackBlocks)
			assert.Equal(t, int64(2), st.NALUnits)
			assert.False(t, st.Truncated)
		})
	}
}

func TestRun_SideTrackAtEnd(t *testing.T) {
	input := (&stream{}).
		nal(0x01).
		length(0x01FE0000).
		raw(0x00, 0x00).
		buf.Bytes()

	out, st, err := run(t, classify.StrategyNewStyle, testSets, input)
	require.NoError(t, err)
	assert.Equal(t, annexB(testSPS, testPPS, []byte{0x01}), out)
	assert.False(t, st.Truncated)
}

func TestRun_SideTracksIgnoredForLegacy(t *testing.T) {
	input := (&stream{}).
		nal(0x01).
		length(0x01FE0000).
		buf.Bytes()

	_, st, err := run(t, classify.StrategyLegacy, testSets, input)
	require.NoError(t, err)
	assert.Equal(t, 0, st.SideTrackBlocks)
	assert.True(t, st.Truncated, "an unmatched anomaly ends a legacy run")
}

func TestRun_Metadata(t *testing.T) {
	first := []byte("DJI metadata")
	second := []byte("more")

	input := (&stream{}).
		length(0x01000000 | uint32(len(first))).raw(first...).
		nal(0x01, 0x02).
		length(0x01000000 | uint32(len(second))).raw(second...).
		nal(0x03).
		buf.Bytes()

	out, st, err := run(t, classify.StrategyNewStyle, testSets, input)
	require.NoError(t, err)

	assert.Equal(t, annexB(testSPS, testPPS, []byte{0x01, 0x02}, []byte{0x03}), out)
	assert.Equal(t, 2, st.MetadataBlocks)
	assert.Equal(t, "DJI metadata", st.FirstMetadata)
	assert.True(t, st.MetadataDetection)
}

func TestRun_MetadataTextCapped(t *testing.T) {
	long := bytes.Repeat([]byte("x"), 0x180)

	input := (&stream{}).
		length(0x01000000 | uint32(len(long))).raw(long...).
		nal(0x09).
		buf.Bytes()

	out, st, err := run(t, classify.StrategyPreview, testSets, input)
	require.NoError(t, err)
	assert.Equal(t, annexB(testSPS, testPPS, []byte{0x09}), out)
	assert.Len(t, st.FirstMetadata, MaxMetadataText)
}

func TestRun_MetadataValidationFails(t *testing.T) {
	tests := []struct {
		name  string
		field uint32
		body  []byte
	}{
		{"unprintable", 0x01000008, []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}},
		{"count too small", 0x01000002, []byte{'o', 'k'}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := (&stream{}).
				nal(0x01).
				length(tt.field).raw(tt.body...).
				nal(0x02).
				buf.Bytes()

			out, st, err := run(t, classify.StrategyNewStyle, testSets, input)
			require.NoError(t, err)

			assert.Equal(t, annexB(testSPS, testPPS, []byte{0x01}), out)
			assert.False(t, st.MetadataDetection)
			assert.Equal(t, 0, st.MetadataBlocks)
			assert.True(t, st.Truncated)
			assert.Equal(t, int64(5), st.TruncatedAt)
		})
	}
}

func TestRun_NewStyleAnomalyStops(t *testing.T) {
	input := (&stream{}).
		nal(0x01, 0x02).
		length(0).
		nal(0x03).
		buf.Bytes()

	out, st, err := run(t, classify.StrategyPreview, testSets, input)
	require.NoError(t, err)

	assert.Equal(t, annexB(testSPS, testPPS, []byte{0x01, 0x02}), out)
	assert.True(t, st.Truncated)
	assert.Equal(t, int64(6), st.TruncatedAt)
	assert.Empty(t, st.Recoveries)
}

func TestRun_ShortFinalNAL(t *testing.T) {
	input := (&stream{}).
		nal(0x01).
		length(0x10).raw(0xA, 0xB, 0xC).
		buf.Bytes()

	out, st, err := run(t, classify.StrategyLegacy, testSets, input)
	require.NoError(t, err)

	assert.Equal(t, annexB(testSPS, testPPS, []byte{0x01}, []byte{0xA, 0xB, 0xC}), out)
	assert.True(t, st.ShortFinalNAL)
	assert.False(t, st.Truncated)
	assert.Equal(t, int64(2), st.NALUnits)
}

func TestRun_TrailingPartialLengthIgnored(t *testing.T) {
	input := (&stream{}).
		nal(0x01, 0x02).
		raw(0x00, 0x00).
		buf.Bytes()

	out, st, err := run(t, classify.StrategyNewStyle, testSets, input)
	require.NoError(t, err)
	assert.Equal(t, annexB(testSPS, testPPS, []byte{0x01, 0x02}), out)
	assert.False(t, st.Truncated)
}

func TestRun_ParameterSetsRequired(t *testing.T) {
	input := (&stream{}).nal(0x01).buf.Bytes()

	_, _, err := run(t, classify.StrategyLegacy, nil, input)
	assert.ErrorIs(t, err, ErrParameterSetsRequired)
}

func TestNew_RejectsBoxed(t *testing.T) {
	_, err := New(classify.StrategyBoxed, logger.NewNullLogger())
	assert.ErrorIs(t, err, ErrNotReframed)
}

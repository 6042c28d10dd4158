package reframe

// MaxMetadataText bounds how much of the first metadata block is kept.
const MaxMetadataText = 0x100

// Recovery records one span discarded while resynchronising.
type Recovery struct {
	// From is the offset of the anomalous length field.
	From int64 `json:"from"`
	// To is the offset of the length field the loop resumed at.
	To     int64  `json:"to"`
	Length uint32 `json:"length"`
}

// Skipped returns the number of input bytes dropped by the recovery.
func (r Recovery) Skipped() int64 {
	return r.To - r.From
}

// ScanState is the mutable state of one re-framing run. It is owned by the
// caller and passed to Engine.Run.
type ScanState struct {
	// MetadataDetection is cleared for the rest of the run the first time a
	// metadata-looking length field fails validation.
	MetadataDetection bool
	MetadataBlocks    int
	FirstMetadata     string

	SideTrackBlocks int
	Recoveries      []Recovery

	NALUnits     int64
	PayloadBytes int64

	// Truncated is set when the loop stopped before the end of input.
	Truncated   bool
	TruncatedAt int64
	// ShortFinalNAL is set when the input ended inside a NAL payload.
	ShortFinalNAL bool
}

// NewScanState returns the state for a fresh run.
func NewScanState() *ScanState {
	return &ScanState{MetadataDetection: true}
}

func (s *ScanState) truncate(at int64) {
	s.Truncated = true
	s.TruncatedAt = at
}

package repair

import (
	"fmt"
	"strings"
	"time"

	"github.com/zsiec/salvage/internal/metrics"
	"github.com/zsiec/salvage/internal/repair/reframe"
)

// Report summarises one repair.
type Report struct {
	Input       string `json:"input,omitempty"`
	Output      string `json:"output,omitempty"`
	Strategy    string `json:"strategy"`
	RepairType  int    `json:"repair_type"`
	EntryOffset int64  `json:"entry_offset"`
	Nested      int    `json:"nested_containers,omitempty"`

	Format string `json:"format,omitempty"`
	Codec  string `json:"codec,omitempty"`

	NALUnits     int64 `json:"nal_units"`
	BytesRead    int64 `json:"bytes_read"`
	BytesWritten int64 `json:"bytes_written"`

	Recoveries      []reframe.Recovery `json:"recoveries,omitempty"`
	SideTrackBlocks int                `json:"side_track_blocks,omitempty"`
	MetadataBlocks  int                `json:"metadata_blocks,omitempty"`
	FirstMetadata   string             `json:"first_metadata,omitempty"`

	Truncated     bool  `json:"truncated"`
	TruncatedAt   int64 `json:"truncated_at,omitempty"`
	ShortFinalNAL bool  `json:"short_final_nal,omitempty"`

	Duration time.Duration `json:"duration_ns"`
}

// Outcome is "partial" when re-framing stopped early, otherwise "complete".
func (r *Report) Outcome() string {
	if r.Truncated {
		return metrics.OutcomePartial
	}
	return metrics.OutcomeComplete
}

// RecoveredBytes totals the input dropped while resynchronising.
func (r *Report) RecoveredBytes() int64 {
	var n int64
	for _, rec := range r.Recoveries {
		n += rec.Skipped()
	}
	return n
}

// Summary renders the report for a terminal.
func (r *Report) Summary() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Repair type %d (%s), data from offset 0x%x\n", r.RepairType, r.Strategy, r.EntryOffset)
	if r.Format != "" {
		fmt.Fprintf(&b, "Format %s (%s)\n", r.Format, r.Codec)
	}
	if r.NALUnits > 0 {
		fmt.Fprintf(&b, "%d NAL units, ", r.NALUnits)
	}
	fmt.Fprintf(&b, "%d bytes read, %d bytes written in %s\n", r.BytesRead, r.BytesWritten, r.Duration.Round(time.Millisecond))

	if len(r.Recoveries) > 0 {
		fmt.Fprintf(&b, "Skipped %d anomalous spans (%d bytes)\n", len(r.Recoveries), r.RecoveredBytes())
	}
	if r.SideTrackBlocks > 0 || r.MetadataBlocks > 0 {
		fmt.Fprintf(&b, "Skipped %d side-track and %d metadata blocks\n", r.SideTrackBlocks, r.MetadataBlocks)
	}
	if r.FirstMetadata != "" {
		fmt.Fprintf(&b, "Metadata: %q\n", r.FirstMetadata)
	}
	if r.ShortFinalNAL {
		b.WriteString("Input ended inside the final NAL unit\n")
	}
	if r.Truncated {
		fmt.Fprintf(&b, "Could not repair beyond offset 0x%x (%d MB); everything before it was kept\n",
			r.TruncatedAt, r.TruncatedAt/1000000)
	}
	if r.Output != "" {
		fmt.Fprintf(&b, "Repaired file: %s\n", r.Output)
	}
	return b.String()
}

func (r *Report) applyState(st *reframe.ScanState) {
	r.NALUnits = st.NALUnits
	r.Recoveries = st.Recoveries
	r.SideTrackBlocks = st.SideTrackBlocks
	r.MetadataBlocks = st.MetadataBlocks
	r.FirstMetadata = st.FirstMetadata
	r.Truncated = st.Truncated
	r.TruncatedAt = st.TruncatedAt
	r.ShortFinalNAL = st.ShortFinalNAL
}

func (r *Report) sample() metrics.Sample {
	return metrics.Sample{
		Strategy:        r.Strategy,
		Outcome:         r.Outcome(),
		BytesRead:       r.BytesRead,
		BytesWritten:    r.BytesWritten,
		NALUnits:        r.NALUnits,
		Recoveries:      len(r.Recoveries),
		RecoveredBytes:  r.RecoveredBytes(),
		SideTrackBlocks: r.SideTrackBlocks,
		MetadataBlocks:  r.MetadataBlocks,
		Seconds:         r.Duration.Seconds(),
	}
}

// Package reframe converts length-prefixed NAL records into an Annex-B
// stream, resynchronising or stopping when a length field is implausible.
package reframe

import (
	"errors"
	"fmt"

	apperrors "github.com/zsiec/salvage/internal/errors"
	"github.com/zsiec/salvage/internal/logger"
	"github.com/zsiec/salvage/internal/repair/classify"
	"github.com/zsiec/salvage/internal/repair/cursor"
	"github.com/zsiec/salvage/internal/repair/output"
	"github.com/zsiec/salvage/internal/repair/scan"
)

// Side-track blocks interleaved with new-style video. The length field
// itself is the first four bytes of each block.
const (
	sideTrackLarge      uint16 = 0x01FE
	sideTrackLargeSize         = 0x200
	sideTrackSmall      uint16 = 0x01F7
	sideTrackSmallSize         = 0x1F9
	metadataPrefix      uint16 = 0x0100
	minMetadataCount           = 4
	progressInterval           = 64 << 20
	lengthFieldSize            = 4
)

var (
	// ErrNotReframed is returned for strategies that do not use the loop.
	ErrNotReframed = errors.New("strategy is not re-framed")
	// ErrParameterSetsRequired is returned when a strategy that injects
	// parameter sets is given none.
	ErrParameterSetsRequired = errors.New("parameter sets required")
)

// Policy is the per-strategy behaviour of the loop.
type Policy struct {
	// Ceiling is the largest plausible NAL length.
	Ceiling uint32
	// Resume, when set, is used to resynchronise after an anomalous
	// length. Without it an anomaly ends the run.
	Resume *scan.Predicate
	// SideTracks enables skipping of foreign-track and metadata blocks.
	SideTracks bool
	// Inject prepends synthetic parameter sets.
	Inject bool
}

// PolicyFor returns the loop policy for a strategy.
func PolicyFor(s classify.Strategy) (Policy, error) {
	switch s {
	case classify.StrategyLegacy:
		resume := scan.Legacy()
		return Policy{Ceiling: scan.MaxLegacyNALLength, Resume: &resume, Inject: true}, nil
	case classify.StrategyEmbedded:
		resume := scan.Resume()
		return Policy{Ceiling: scan.MaxLegacyNALLength, Resume: &resume}, nil
	case classify.StrategyPreview, classify.StrategyNewStyle:
		return Policy{Ceiling: scan.MaxNewStyleNALLength, SideTracks: true, Inject: true}, nil
	default:
		return Policy{}, fmt.Errorf("%w: %s", ErrNotReframed, s)
	}
}

// Engine runs the re-framing loop for one strategy.
type Engine struct {
	strategy classify.Strategy
	policy   Policy
	log      *logger.SampledLogger
}

// New creates an Engine for strategy.
func New(strategy classify.Strategy, log logger.Logger) (*Engine, error) {
	policy, err := PolicyFor(strategy)
	if err != nil {
		return nil, err
	}
	return &Engine{
		strategy: strategy,
		policy:   policy,
		log:      logger.AsRepairLogger(log).WithField("strategy", strategy.String()).(*logger.SampledLogger),
	}, nil
}

// Policy returns the engine's loop policy.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Run writes sets, when the strategy injects them, and then re-frames NAL
// records from cur until the input ends. Stopping early on bad data is
// recorded in st and is not an error. Returned errors are structural
// failures or output write failures.
func (e *Engine) Run(cur *cursor.Cursor, w *output.Writer, sets [][]byte, st *ScanState) error {
	if e.policy.Inject {
		if len(sets) == 0 {
			return ErrParameterSetsRequired
		}
		if err := w.WriteParameterSets(sets); err != nil {
			return fmt.Errorf("write parameter sets: %w", err)
		}
	}

	nextProgress := cur.Pos() + progressInterval

	for {
		at := cur.Pos()
		if at >= nextProgress {
			nextProgress = at + progressInterval
			e.log.InfoWithCategory(logger.CategoryProgress, "Re-framing", map[string]interface{}{
				"offset":    logger.HexOffset(at),
				"nal_units": st.NALUnits,
			})
		}

		length, err := cur.Read4()
		if err != nil {
			if errors.Is(err, cursor.ErrEndOfInput) {
				return nil
			}
			return apperrors.WrapStructuralError(err, "cannot read NAL length", at)
		}

		if e.policy.SideTracks {
			skipped, err := e.skipSideTrack(cur, length, at, st)
			if errors.Is(err, cursor.ErrEndOfInput) {
				return nil
			}
			if err != nil {
				return err
			}
			if skipped {
				continue
			}
		}

		if length == 0 || length > e.policy.Ceiling {
			if e.policy.Resume == nil {
				e.log.WithFields(map[string]interface{}{
					"offset": logger.HexOffset(at),
					"length": fmt.Sprintf("0x%08x", length),
				}).Warn("Anomalous NAL length, cannot repair beyond this point")
				st.truncate(at)
				return nil
			}

			resumed, err := e.recover(cur, length, at, st)
			if err != nil {
				return err
			}
			if !resumed {
				st.truncate(at)
				return nil
			}
			continue
		}

		n, err := w.CopyNAL(cur, int64(length))
		st.NALUnits++
		st.PayloadBytes += n
		if err != nil {
			if errors.Is(err, cursor.ErrEndOfInput) {
				st.ShortFinalNAL = true
				e.log.WithFields(map[string]interface{}{
					"offset":   logger.HexOffset(at),
					"length":   length,
					"received": n,
				}).Info("Input ends inside final NAL unit")
				return nil
			}
			return fmt.Errorf("write NAL unit at input offset 0x%x: %w", at, err)
		}
	}
}

// recover scans forward from the anomalous length field for the next
// plausible record and leaves cur at its length field.
func (e *Engine) recover(cur *cursor.Cursor, length uint32, at int64, st *ScanState) (bool, error) {
	if err := cur.SeekRelative(-lengthFieldSize); err != nil {
		return false, apperrors.WrapStructuralError(err, "cannot rewind to anomalous length", at)
	}

	m, err := scan.Find(cur, *e.policy.Resume)
	if errors.Is(err, scan.ErrNoMatch) {
		e.log.WithFields(map[string]interface{}{
			"offset": logger.HexOffset(at),
			"length": fmt.Sprintf("0x%08x", length),
		}).Warn("No resumable data after anomalous NAL length")
		return false, nil
	}
	if err != nil {
		return false, apperrors.WrapStructuralError(err, "scan for resumable data failed", cur.Pos())
	}

	if err := cur.SeekRelative(-cursor.WindowSize); err != nil {
		return false, apperrors.WrapStructuralError(err, "cannot rewind to resumed length", m.Offset)
	}

	r := Recovery{From: at, To: m.Offset, Length: length}
	st.Recoveries = append(st.Recoveries, r)
	e.log.WarnWithCategory(logger.CategoryRecovery, "Skipped anomalous bytes", map[string]interface{}{
		"from":    logger.HexOffset(r.From),
		"to":      logger.HexOffset(r.To),
		"skipped": r.Skipped(),
		"length":  fmt.Sprintf("0x%08x", length),
	})
	return true, nil
}

// skipSideTrack consumes a foreign-track or metadata block whose first four
// bytes were read as length. It reports false when length is an ordinary
// length field.
func (e *Engine) skipSideTrack(cur *cursor.Cursor, length uint32, at int64, st *ScanState) (bool, error) {
	var block int64
	switch uint16(length >> 16) {
	case sideTrackLarge:
		block = sideTrackLargeSize
	case sideTrackSmall:
		block = sideTrackSmallSize
	case metadataPrefix:
		if !st.MetadataDetection {
			return false, nil
		}
		return e.skipMetadata(cur, length, at, st)
	default:
		return false, nil
	}

	st.SideTrackBlocks++
	e.log.DebugWithCategory(logger.CategorySideTrack, "Skipped side-track block", map[string]interface{}{
		"offset": logger.HexOffset(at),
		"size":   block,
	})
	return true, e.seek(cur, at+block)
}

// skipMetadata validates a printable metadata block counted by the low half
// of length. A block that fails validation turns detection off for the rest
// of the run.
func (e *Engine) skipMetadata(cur *cursor.Cursor, length uint32, at int64, st *ScanState) (bool, error) {
	count := int64(length & 0xFFFF)
	body := at + lengthFieldSize

	if count >= minMetadataCount {
		var head [minMetadataCount]byte
		if err := cur.ReadFull(head[:]); err != nil {
			return false, err
		}
		if printable(head[:]) {
			return true, e.consumeMetadata(cur, head[:], count, at, st)
		}
		if err := cur.SeekAbsolute(body); err != nil {
			return false, apperrors.WrapStructuralError(err, "cannot rewind metadata probe", body)
		}
	}

	st.MetadataDetection = false
	e.log.WithFields(map[string]interface{}{
		"offset": logger.HexOffset(at),
		"count":  count,
	}).Debug("Metadata-like length field failed validation, detection disabled")
	return false, nil
}

func (e *Engine) consumeMetadata(cur *cursor.Cursor, head []byte, count, at int64, st *ScanState) error {
	st.MetadataBlocks++
	end := at + lengthFieldSize + count

	if st.FirstMetadata == "" {
		n := count
		if n > MaxMetadataText {
			n = MaxMetadataText
		}
		text := make([]byte, n)
		copy(text, head)
		if err := cur.ReadFull(text[len(head):]); err != nil {
			return err
		}
		st.FirstMetadata = string(text)
		e.log.WithFields(map[string]interface{}{
			"offset": logger.HexOffset(at),
			"text":   st.FirstMetadata,
		}).Info("Found metadata")
	} else {
		e.log.DebugWithCategory(logger.CategoryMetadata, "Skipped metadata block", map[string]interface{}{
			"offset": logger.HexOffset(at),
			"count":  count,
		})
	}

	return e.seek(cur, end)
}

// seek moves to pos, passing ErrEndOfInput through for the caller to treat
// as normal termination.
func (e *Engine) seek(cur *cursor.Cursor, pos int64) error {
	err := cur.SeekAbsolute(pos)
	if err == nil || errors.Is(err, cursor.ErrEndOfInput) {
		return err
	}
	return apperrors.WrapStructuralError(err, "cannot skip block", pos)
}

func printable(p []byte) bool {
	for _, b := range p {
		if b < 0x20 || b > 0x7E {
			return false
		}
	}
	return true
}

// Package repair ties the classifier, the re-framing engine and the output
// writer together into one repair of one input.
package repair

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/zsiec/salvage/internal/errors"
	"github.com/zsiec/salvage/internal/logger"
	"github.com/zsiec/salvage/internal/metrics"
	"github.com/zsiec/salvage/internal/repair/box"
	"github.com/zsiec/salvage/internal/repair/classify"
	"github.com/zsiec/salvage/internal/repair/cursor"
	"github.com/zsiec/salvage/internal/repair/output"
	"github.com/zsiec/salvage/internal/repair/profile"
	"github.com/zsiec/salvage/internal/repair/reframe"
)

// DefaultSuffix is appended to the input name to form the output name.
const DefaultSuffix = "-repaired"

// ErrSessionUsed is returned when Repair is called twice on one session.
var ErrSessionUsed = errors.New("session already repaired")

// Repairer repairs inputs against one parameter-set catalog.
type Repairer struct {
	catalog *profile.Catalog
	log     logger.Logger
	suffix  string
}

// New creates a Repairer. An empty suffix selects DefaultSuffix.
func New(catalog *profile.Catalog, log logger.Logger, suffix string) *Repairer {
	if suffix == "" {
		suffix = DefaultSuffix
	}
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &Repairer{catalog: catalog, log: log, suffix: suffix}
}

// Catalog returns the catalog profiles are resolved against.
func (r *Repairer) Catalog() *profile.Catalog {
	return r.catalog
}

// Suffix returns the suffix appended to derived output names.
func (r *Repairer) Suffix() string {
	return r.suffix
}

// Session is a classified input waiting to be repaired. A session owns
// its input exclusively and repairs it at most once.
type Session struct {
	Result classify.Result

	cur     *cursor.Cursor
	log     *logger.SampledLogger
	started time.Time
	used    bool
}

// Open classifies rs. The returned session reads rs from the entry point
// onwards; rs must not be used by anything else until the repair is done.
func (r *Repairer) Open(rs io.ReadSeeker) (*Session, error) {
	return r.open(rs, r.log)
}

func (r *Repairer) open(rs io.ReadSeeker, log logger.Logger) (*Session, error) {
	started := time.Now()
	sampled := logger.NewRepairLogger(log)

	cur, err := cursor.New(rs)
	if err != nil {
		err = apperrors.WrapStructuralError(err, "input is not seekable", 0)
		recordFailure(classify.StrategyUnknown, err)
		return nil, err
	}

	res, err := classify.New(sampled).Classify(cur)
	if err != nil {
		recordFailure(classify.StrategyUnknown, err)
		return nil, err
	}

	sampled.WithFields(map[string]interface{}{
		"strategy":    res.Strategy.String(),
		"repair_type": res.Strategy.Number(),
		"entry":       logger.HexOffset(res.EntryOffset),
	}).Info("Classified input")

	return &Session{Result: res, cur: cur, log: sampled, started: started}, nil
}

// Strategy returns the chosen repair strategy.
func (s *Session) Strategy() classify.Strategy {
	return s.Result.Strategy
}

// Extension returns the output file extension for the session repaired
// with p, which may be nil for strategies that take no profile.
func (s *Session) Extension(p *profile.Profile) string {
	switch s.Strategy() {
	case classify.StrategyBoxed:
		return ".mp4"
	case classify.StrategyEmbedded:
		codec, _ := s.Result.Codec()
		return codec.Extension()
	}
	if p != nil {
		return p.Codec.Extension()
	}
	return profile.CodecH264.Extension()
}

// Repair writes the repaired data to w. p is required for strategies that
// inject parameter sets and ignored otherwise. Stopping early on bad data
// is reported through Report.Truncated rather than an error.
func (s *Session) Repair(w io.Writer, p *profile.Profile) (*Report, error) {
	if s.used {
		return nil, ErrSessionUsed
	}
	s.used = true

	strategy := s.Strategy()
	rep := &Report{
		Strategy:    strategy.String(),
		RepairType:  strategy.Number(),
		EntryOffset: s.Result.EntryOffset,
		Nested:      s.Result.Nested,
	}

	ow := output.NewWriter(w)

	if err := s.run(ow, p, rep); err != nil {
		recordFailure(strategy, err)
		return nil, err
	}
	if err := ow.Flush(); err != nil {
		err = apperrors.WrapInternalError(err, "flush output")
		recordFailure(strategy, err)
		return nil, err
	}

	rep.BytesRead = s.cur.Pos()
	rep.BytesWritten = ow.BytesWritten()
	rep.Duration = time.Since(s.started)
	metrics.RecordRepair(rep.sample())

	fields := map[string]interface{}{
		"strategy":      rep.Strategy,
		"bytes_read":    rep.BytesRead,
		"bytes_written": rep.BytesWritten,
		"nal_units":     rep.NALUnits,
		"recoveries":    len(rep.Recoveries),
	}
	if rep.Truncated {
		fields["truncated_at"] = logger.HexOffset(rep.TruncatedAt)
		s.log.WithFields(fields).Warn("Repair stopped early, partial output kept")
	} else {
		s.log.WithFields(fields).Info("Repair complete")
	}
	return rep, nil
}

func (s *Session) run(ow *output.Writer, p *profile.Profile, rep *Report) error {
	strategy := s.Strategy()

	if strategy == classify.StrategyBoxed {
		if _, err := output.PatchBox(ow, s.cur, s.Result.BoxSize, box.TypeFtyp); err != nil {
			return apperrors.WrapInternalError(err, "copy container")
		}
		return nil
	}

	engine, err := reframe.New(strategy, s.log)
	if err != nil {
		return apperrors.WrapInternalError(err, "no re-framing policy")
	}

	var sets [][]byte
	if engine.Policy().Inject {
		if p == nil {
			return apperrors.NewFormatRequiredError("a format profile is required for this repair").
				WithDetails(map[string]interface{}{
					"strategy": strategy.String(),
					"family":   string(strategy.Family()),
				})
		}
		sets = p.ParameterSets()
		rep.Format = p.Code
		rep.Codec = string(p.Codec)
	} else if codec, ok := s.Result.Codec(); ok {
		rep.Codec = string(codec)
	}

	st := reframe.NewScanState()
	err = engine.Run(s.cur, ow, sets, st)
	rep.applyState(st)
	if err != nil {
		if apperrors.IsAppError(err) {
			return err
		}
		return apperrors.WrapInternalError(err, "re-framing failed")
	}
	return nil
}

// FileOptions control RepairFile.
type FileOptions struct {
	// Output overrides the derived output path.
	Output string
	// Format is the catalog code; Selector is asked when it is empty.
	Format   string
	Selector FormatSelector
	// Log replaces the Repairer's logger for this repair.
	Log logger.Logger
}

// OutputPath derives the repaired file name from the input name.
func OutputPath(input, suffix, ext string) string {
	return strings.TrimSuffix(input, filepath.Ext(input)) + suffix + ext
}

// RepairFile repairs the file at inPath into a new file. A failed repair
// leaves no output behind.
func (r *Repairer) RepairFile(ctx context.Context, inPath string, opts FileOptions) (*Report, error) {
	base := r.log
	if opts.Log != nil {
		base = opts.Log
	}
	log := base.WithFields(map[string]interface{}{
		"component": "repair",
		"input":     filepath.Base(inPath),
	})

	in, err := os.Open(inPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperrors.NewNotFoundError(fmt.Sprintf("input file %q", inPath))
		}
		return nil, apperrors.WrapInternalError(err, "open input")
	}
	defer in.Close()

	sess, err := r.open(in, log)
	if err != nil {
		return nil, err
	}

	var prof *profile.Profile
	if sess.Strategy().NeedsProfile() {
		p, err := ResolveProfile(ctx, r.catalog, sess.Strategy().Family(), opts.Format, opts.Selector)
		if err != nil {
			if appErr, ok := apperrors.GetAppError(err); ok {
				appErr.WithDetails(map[string]interface{}{"strategy": sess.Strategy().String()})
			}
			recordFailure(sess.Strategy(), err)
			return nil, err
		}
		prof = &p
	}

	outPath := opts.Output
	if outPath == "" {
		outPath = OutputPath(inPath, r.suffix, sess.Extension(prof))
	}
	if sameFile(inPath, outPath) {
		return nil, apperrors.NewValidationError("output would overwrite the input")
	}

	out, err := os.Create(outPath)
	if err != nil {
		return nil, apperrors.WrapInternalError(err, "create output")
	}

	rep, err := sess.Repair(out, prof)
	closeErr := out.Close()
	if err == nil && closeErr != nil {
		err = apperrors.WrapInternalError(closeErr, "close output")
	}
	if err != nil {
		_ = os.Remove(outPath)
		return nil, err
	}

	rep.Input = inPath
	rep.Output = outPath
	return rep, nil
}

func sameFile(a, b string) bool {
	if filepath.Clean(a) == filepath.Clean(b) {
		return true
	}
	ai, err := os.Stat(a)
	if err != nil {
		return false
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ai, bi)
}

func recordFailure(strategy classify.Strategy, err error) {
	errType := string(apperrors.ErrorTypeInternal)
	if appErr, ok := apperrors.GetAppError(err); ok {
		errType = string(appErr.Type)
	}
	metrics.RecordFailure(strategy.String(), errType)
}

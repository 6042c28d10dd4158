package logger

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Repair diagnostic categories. A badly damaged file can produce one of these
// per few bytes, so the noisy ones are sampled.
const (
	CategoryJunk      = "junk"
	CategoryRecovery  = "recovery"
	CategorySideTrack = "side_track"
	CategoryMetadata  = "metadata"
	CategoryProgress  = "progress"
)

// SampledLogger rate-limits log lines per category.
type SampledLogger struct {
	base     Logger
	mu       *sync.Mutex
	samplers map[string]*sampler
}

type sampler struct {
	interval time.Duration
	burst    int
	every    int64 // after the burst, log one message in every N

	windowStart time.Time
	inWindow    int
	skipped     int64

	total   int64
	logged  int64
	dropped int64
}

// SamplerStats holds statistics for one category.
type SamplerStats struct {
	Name    string `json:"name"`
	Total   int64  `json:"total"`
	Logged  int64  `json:"logged"`
	Dropped int64  `json:"dropped"`
}

// NewSampledLogger wraps base. Categories without a sampler always log.
func NewSampledLogger(base Logger) *SampledLogger {
	return &SampledLogger{
		base:     base,
		mu:       &sync.Mutex{},
		samplers: make(map[string]*sampler),
	}
}

// WithSampler lets burst messages of a category through per interval, then
// one in every messages until the interval expires. every <= 0 drops them.
func (s *SampledLogger) WithSampler(category string, interval time.Duration, burst int, every int64) *SampledLogger {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samplers[category] = &sampler{interval: interval, burst: burst, every: every}
	return s
}

// NewRepairLogger returns a sampled logger tuned for repair diagnostics.
func NewRepairLogger(base Logger) *SampledLogger {
	return NewSampledLogger(base).
		WithSampler(CategoryJunk, time.Second, 3, 0).
		WithSampler(CategoryRecovery, time.Second, 10, 100).
		WithSampler(CategorySideTrack, time.Second, 2, 0).
		WithSampler(CategoryProgress, 5*time.Second, 1, 0)
}

// AsRepairLogger returns l itself when it already samples, otherwise a new
// repair logger wrapping it.
func AsRepairLogger(l Logger) *SampledLogger {
	if s, ok := l.(*SampledLogger); ok {
		return s
	}
	if l == nil {
		l = NewNullLogger()
	}
	return NewRepairLogger(l)
}

func (s *SampledLogger) allow(category string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sm, ok := s.samplers[category]
	if !ok {
		return true
	}
	sm.total++

	if now.Sub(sm.windowStart) >= sm.interval {
		sm.windowStart = now
		sm.inWindow = 0
		sm.skipped = 0
	}

	if sm.inWindow < sm.burst {
		sm.inWindow++
		sm.logged++
		return true
	}

	if sm.every > 0 {
		sm.skipped++
		if sm.skipped >= sm.every {
			sm.skipped = 0
			sm.logged++
			return true
		}
	}

	sm.dropped++
	return false
}

// Sampled logs msg at level if the category's sampler allows it.
func (s *SampledLogger) Sampled(level logrus.Level, category, msg string, fields map[string]interface{}) {
	if !s.allow(category, time.Now()) {
		return
	}
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["category"] = category
	s.base.WithFields(out).Log(level, msg)
}

// InfoWithCategory logs at info level subject to sampling.
func (s *SampledLogger) InfoWithCategory(category, msg string, fields map[string]interface{}) {
	s.Sampled(logrus.InfoLevel, category, msg, fields)
}

// DebugWithCategory logs at debug level subject to sampling.
func (s *SampledLogger) DebugWithCategory(category, msg string, fields map[string]interface{}) {
	s.Sampled(logrus.DebugLevel, category, msg, fields)
}

// WarnWithCategory logs at warn level subject to sampling.
func (s *SampledLogger) WarnWithCategory(category, msg string, fields map[string]interface{}) {
	s.Sampled(logrus.WarnLevel, category, msg, fields)
}

// Stats returns per-category counters.
func (s *SampledLogger) Stats() map[string]SamplerStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make(map[string]SamplerStats, len(s.samplers))
	for name, sm := range s.samplers {
		stats[name] = SamplerStats{Name: name, Total: sm.total, Logged: sm.logged, Dropped: sm.dropped}
	}
	return stats
}

func (s *SampledLogger) derive(base Logger) *SampledLogger {
	return &SampledLogger{base: base, mu: s.mu, samplers: s.samplers}
}

// WithFields implements Logger. Derived loggers share samplers.
func (s *SampledLogger) WithFields(fields map[string]interface{}) Logger {
	return s.derive(s.base.WithFields(fields))
}

func (s *SampledLogger) WithField(key string, value interface{}) Logger {
	return s.derive(s.base.WithField(key, value))
}

func (s *SampledLogger) WithError(err error) Logger {
	return s.derive(s.base.WithError(err))
}

func (s *SampledLogger) Debug(args ...interface{}) { s.base.Debug(args...) }
func (s *SampledLogger) Info(args ...interface{})  { s.base.Info(args...) }
func (s *SampledLogger) Warn(args ...interface{})  { s.base.Warn(args...) }
func (s *SampledLogger) Error(args ...interface{}) { s.base.Error(args...) }
func (s *SampledLogger) Fatal(args ...interface{}) { s.base.Fatal(args...) }

func (s *SampledLogger) Log(level logrus.Level, args ...interface{}) {
	s.base.Log(level, args...)
}

func (s *SampledLogger) Debugf(format string, args ...interface{}) { s.base.Debugf(format, args...) }
func (s *SampledLogger) Infof(format string, args ...interface{})  { s.base.Infof(format, args...) }
func (s *SampledLogger) Warnf(format string, args ...interface{})  { s.base.Warnf(format, args...) }
func (s *SampledLogger) Errorf(format string, args ...interface{}) { s.base.Errorf(format, args...) }

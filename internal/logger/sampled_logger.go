package logger

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Log categories for per-frame codec events that can repeat at frame rate.
const (
	CategoryDrainError     = "drain_error"
	CategoryFrameDrop      = "frame_drop"
	CategoryKeyframeForce  = "keyframe_force"
	CategoryRTCPFeedback   = "rtcp_feedback"
	CategoryFrameEmitted   = "frame_emitted"
	CategoryReconfigure    = "reconfigure"
	CategoryDecoderPicture = "decoder_picture"
)

// SampledLogger rate limits log lines per category. Categories without a
// limiter always log; errors always log.
type SampledLogger struct {
	base     Logger
	samplers *samplerSet
}

type samplerSet struct {
	mu       sync.RWMutex
	limiters map[string]*categoryLimiter
}

type categoryLimiter struct {
	limiter *rate.Limiter
	total   atomic.Int64
	dropped atomic.Int64
}

// SamplerStats holds statistics for a log category.
type SamplerStats struct {
	Name            string  `json:"name"`
	TotalMessages   int64   `json:"total_messages"`
	DroppedMessages int64   `json:"dropped_messages"`
	CurrentRate     float64 `json:"current_rate"`
}

// NewSampledLogger creates a sampled logger with no limits configured.
func NewSampledLogger(base Logger) *SampledLogger {
	return &SampledLogger{
		base:     base,
		samplers: &samplerSet{limiters: make(map[string]*categoryLimiter)},
	}
}

// WithSampler allows at most one line per interval for category after an
// initial burst.
func (s *SampledLogger) WithSampler(category string, interval time.Duration, burst int) *SampledLogger {
	s.samplers.mu.Lock()
	defer s.samplers.mu.Unlock()

	s.samplers.limiters[category] = &categoryLimiter{
		limiter: rate.NewLimiter(rate.Every(interval), burst),
	}
	return s
}

// NewCodecLogger creates a sampled logger tuned for codec hot paths.
func NewCodecLogger(base Logger) *SampledLogger {
	return NewSampledLogger(base).
		WithSampler(CategoryDrainError, time.Second, 3).
		WithSampler(CategoryFrameDrop, time.Second, 5).
		WithSampler(CategoryKeyframeForce, 500*time.Millisecond, 2).
		WithSampler(CategoryRTCPFeedback, time.Second, 2).
		WithSampler(CategoryFrameEmitted, 5*time.Second, 1).
		WithSampler(CategoryDecoderPicture, 5*time.Second, 1)
	// CategoryReconfigure is left unlimited.
}

func (s *SampledLogger) allow(category string) (*categoryLimiter, bool) {
	s.samplers.mu.RLock()
	cl, ok := s.samplers.limiters[category]
	s.samplers.mu.RUnlock()
	if !ok {
		return nil, true
	}

	cl.total.Add(1)
	if cl.limiter.Allow() {
		return cl, true
	}
	cl.dropped.Add(1)
	return cl, false
}

// LogWithCategory logs msg at level if category's limiter has room.
func (s *SampledLogger) LogWithCategory(level logrus.Level, category, msg string, fields map[string]interface{}) {
	cl, ok := s.allow(category)
	if !ok {
		return
	}

	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["category"] = category
	if cl != nil {
		if dropped := cl.dropped.Load(); dropped > 0 {
			fields["suppressed"] = dropped
		}
	}
	s.base.WithFields(fields).Log(level, msg)
}

// DebugWithCategory logs a sampled debug message.
func (s *SampledLogger) DebugWithCategory(category, msg string, fields map[string]interface{}) {
	s.LogWithCategory(logrus.DebugLevel, category, msg, fields)
}

// InfoWithCategory logs a sampled info message.
func (s *SampledLogger) InfoWithCategory(category, msg string, fields map[string]interface{}) {
	s.LogWithCategory(logrus.InfoLevel, category, msg, fields)
}

// WarnWithCategory logs a sampled warning.
func (s *SampledLogger) WarnWithCategory(category, msg string, fields map[string]interface{}) {
	s.LogWithCategory(logrus.WarnLevel, category, msg, fields)
}

// ErrorWithCategory logs an error. Errors are never sampled.
func (s *SampledLogger) ErrorWithCategory(category, msg string, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["category"] = category
	s.base.WithFields(fields).Error(msg)
}

// GetSamplerStats returns statistics for all configured categories.
func (s *SampledLogger) GetSamplerStats() map[string]SamplerStats {
	s.samplers.mu.RLock()
	defer s.samplers.mu.RUnlock()

	stats := make(map[string]SamplerStats, len(s.samplers.limiters))
	for name, cl := range s.samplers.limiters {
		total := cl.total.Load()
		dropped := cl.dropped.Load()
		st := SamplerStats{
			Name:            name,
			TotalMessages:   total,
			DroppedMessages: dropped,
		}
		if total > 0 {
			st.CurrentRate = float64(total-dropped) / float64(total)
		}
		stats[name] = st
	}
	return stats
}

// WithFields implements Logger interface. Limiters are shared with the parent.
func (s *SampledLogger) WithFields(fields map[string]interface{}) Logger {
	return &SampledLogger{base: s.base.WithFields(fields), samplers: s.samplers}
}

// WithField implements Logger interface.
func (s *SampledLogger) WithField(key string, value interface{}) Logger {
	return &SampledLogger{base: s.base.WithField(key, value), samplers: s.samplers}
}

// WithError implements Logger interface.
func (s *SampledLogger) WithError(err error) Logger {
	return &SampledLogger{base: s.base.WithError(err), samplers: s.samplers}
}

func (s *SampledLogger) Debug(args ...interface{}) { s.base.Debug(args...) }
func (s *SampledLogger) Info(args ...interface{})  { s.base.Info(args...) }
func (s *SampledLogger) Warn(args ...interface{})  { s.base.Warn(args...) }
func (s *SampledLogger) Error(args ...interface{}) { s.base.Error(args...) }

func (s *SampledLogger) Log(level logrus.Level, args ...interface{}) {
	s.base.Log(level, args...)
}

package codec

import (
	"time"

	"github.com/zsiec/hwcodec/internal/config"
)

// Refresh reasons reported to metrics and logs.
const (
	RefreshReasonExplicit  = "explicit"
	RefreshReasonStale     = "stale"
	RefreshReasonDecrease  = "bitrate_decrease"
	RefreshReasonIncrease  = "bitrate_increase"
	RefreshReasonConfigure = "configure"
)

// KeyframePolicy decides when the encoder must be asked for a refresh frame
// so that a new target bitrate takes effect. The device only applies
// bitrate changes reliably at refresh boundaries.
type KeyframePolicy struct {
	mode             string
	stalenessCeiling time.Duration
	severeDecrease   float64
	severeIncrease   float64

	lastRefresh        time.Time
	lastRefreshBitrate int

	now func() time.Time
}

// NewKeyframePolicy builds a policy from cfg. Zero thresholds fall back to
// the defaults.
func NewKeyframePolicy(cfg config.KeyframePolicyConfig) *KeyframePolicy {
	p := &KeyframePolicy{
		mode:             cfg.Mode,
		stalenessCeiling: cfg.StalenessCeiling,
		severeDecrease:   cfg.SevereDecreaseRatio,
		severeIncrease:   cfg.SevereIncreaseRatio,
		now:              time.Now,
	}
	if p.mode == "" {
		p.mode = config.KeyframePolicyBitrateTracking
	}
	if p.stalenessCeiling <= 0 {
		p.stalenessCeiling = 3 * time.Second
	}
	if p.severeDecrease <= 0 {
		p.severeDecrease = 0.8
	}
	if p.severeIncrease <= 0 {
		p.severeIncrease = 1.5
	}
	return p
}

// Mode returns the configured policy mode.
func (p *KeyframePolicy) Mode() string { return p.mode }

// Reset records that a refresh (or a full configuration) happened at
// bitrateKbps just now.
func (p *KeyframePolicy) Reset(bitrateKbps int) {
	p.lastRefresh = p.now()
	p.lastRefreshBitrate = bitrateKbps
}

// Evaluate reports whether a refresh is needed for the current bitrate and
// why. A positive result resets the baseline.
func (p *KeyframePolicy) Evaluate(bitrateKbps int, explicit bool) (bool, string) {
	if explicit {
		p.Reset(bitrateKbps)
		return true, RefreshReasonExplicit
	}
	if p.mode == config.KeyframePolicyExplicitOnly {
		return false, ""
	}
	if bitrateKbps == p.lastRefreshBitrate || p.lastRefreshBitrate <= 0 {
		return false, ""
	}

	elapsed := p.now().Sub(p.lastRefresh)
	reason := p.forceReason(elapsed, float64(bitrateKbps)/float64(p.lastRefreshBitrate))
	if reason == "" {
		return false, ""
	}
	p.Reset(bitrateKbps)
	return true, reason
}

// forceReason applies thresholds that tighten as elapsed time grows: a
// large swing forces a refresh at once, a small one only once the last
// refresh is old enough.
func (p *KeyframePolicy) forceReason(elapsed time.Duration, ratio float64) string {
	if elapsed > p.stalenessCeiling {
		return RefreshReasonStale
	}

	switch {
	case ratio < 1:
		if ratio < p.severeDecrease ||
			(elapsed < 300*time.Millisecond && ratio < 0.9) ||
			(elapsed < time.Second && ratio < 0.97) ||
			elapsed >= time.Second {
			return RefreshReasonDecrease
		}
	case ratio > 1:
		if ratio > p.severeIncrease ||
			(elapsed < 500*time.Millisecond && ratio > 1.3) ||
			(elapsed < time.Second && ratio > 1.1) ||
			elapsed >= time.Second {
			return RefreshReasonIncrease
		}
	}
	return ""
}

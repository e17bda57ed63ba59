package config

import (
	"fmt"
	"net"
)

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if c.Reservation.Backend == ReservationBackendRedis {
		if err := c.Redis.Validate(); err != nil {
			return fmt.Errorf("redis config: %w", err)
		}
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}

	if err := c.Reservation.Validate(); err != nil {
		return fmt.Errorf("reservation config: %w", err)
	}

	if err := c.Encoder.Validate(); err != nil {
		return fmt.Errorf("encoder config: %w", err)
	}

	if err := c.Decoder.Validate(); err != nil {
		return fmt.Errorf("decoder config: %w", err)
	}

	if err := c.RTP.Validate(); err != nil {
		return fmt.Errorf("rtp config: %w", err)
	}

	if err := c.Sim.Validate(); err != nil {
		return fmt.Errorf("sim config: %w", err)
	}

	return nil
}

func (s *ServerConfig) Validate() error {
	if !s.Enabled {
		return nil
	}

	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", s.Port)
	}

	if s.ReadTimeout < 0 || s.WriteTimeout < 0 || s.ShutdownTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}

	return nil
}

func (r *RedisConfig) Validate() error {
	if len(r.Addresses) == 0 {
		return fmt.Errorf("at least one Redis address is required")
	}

	if r.DB < 0 {
		return fmt.Errorf("invalid Redis database number: %d", r.DB)
	}

	if r.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}

	if r.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive")
	}

	if r.MinIdleConns < 0 {
		return fmt.Errorf("min_idle_conns cannot be negative")
	}

	if r.MinIdleConns > r.PoolSize {
		return fmt.Errorf("min_idle_conns cannot be greater than pool_size")
	}

	return nil
}

func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"panic": true,
		"fatal": true,
		"error": true,
		"warn":  true,
		"info":  true,
		"debug": true,
		"trace": true,
	}

	if !validLevels[l.Level] {
		return fmt.Errorf("invalid log level: %s", l.Level)
	}

	if l.Format != "json" && l.Format != "text" {
		return fmt.Errorf("log format must be 'json' or 'text'")
	}

	if l.Output != "stdout" && l.Output != "stderr" {
		if l.MaxSize <= 0 {
			return fmt.Errorf("max_size must be positive for file output")
		}
		if l.MaxBackups < 0 {
			return fmt.Errorf("max_backups cannot be negative")
		}
		if l.MaxAge < 0 {
			return fmt.Errorf("max_age cannot be negative")
		}
	}

	return nil
}

func (m *MetricsConfig) Validate() error {
	if m.Enabled {
		if m.Port < 1 || m.Port > 65535 {
			return fmt.Errorf("invalid metrics port: %d", m.Port)
		}

		if m.Path == "" {
			return fmt.Errorf("metrics path cannot be empty")
		}
	}

	return nil
}

func (r *ReservationConfig) Validate() error {
	switch r.Backend {
	case ReservationBackendMemory:
		return nil
	case ReservationBackendRedis:
	default:
		return fmt.Errorf("unknown backend %q (want %q or %q)", r.Backend, ReservationBackendMemory, ReservationBackendRedis)
	}

	if r.KeyPrefix == "" {
		return fmt.Errorf("key_prefix cannot be empty")
	}

	if r.TTL <= 0 {
		return fmt.Errorf("ttl must be positive")
	}

	if r.HeartbeatInterval <= 0 || r.HeartbeatInterval >= r.TTL {
		return fmt.Errorf("heartbeat_interval must be positive and shorter than ttl")
	}

	return nil
}

func (e *EncoderConfig) Validate() error {
	if e.Width <= 0 || e.Height <= 0 {
		return fmt.Errorf("invalid dimensions %dx%d", e.Width, e.Height)
	}

	if e.Width%2 != 0 || e.Height%2 != 0 {
		return fmt.Errorf("dimensions must be even for 4:2:0 input: %dx%d", e.Width, e.Height)
	}

	if e.Framerate <= 0 {
		return fmt.Errorf("framerate must be positive")
	}

	if e.StartBitrateKbps <= 0 {
		return fmt.Errorf("start_bitrate_kbps must be positive")
	}

	if e.IFrameInterval <= 0 {
		return fmt.Errorf("i_frame_interval must be positive")
	}

	switch e.Profile {
	case "baseline", "main", "high":
	default:
		return fmt.Errorf("unsupported profile: %s", e.Profile)
	}

	if e.Level < 10 || e.Level > 52 {
		return fmt.Errorf("invalid level: %d", e.Level)
	}

	switch e.BitrateMode {
	case "cbr", "vbr", "cq":
	default:
		return fmt.Errorf("unsupported bitrate_mode: %s", e.BitrateMode)
	}

	if e.DrainTimeout <= 0 {
		return fmt.Errorf("drain_timeout must be positive")
	}

	if err := e.KeyframePolicy.Validate(); err != nil {
		return fmt.Errorf("keyframe_policy: %w", err)
	}

	return nil
}

func (k *KeyframePolicyConfig) Validate() error {
	switch k.Mode {
	case KeyframePolicyBitrateTracking:
	case KeyframePolicyExplicitOnly:
		return nil
	default:
		return fmt.Errorf("unknown mode: %s", k.Mode)
	}

	if k.StalenessCeiling <= 0 {
		return fmt.Errorf("staleness_ceiling must be positive")
	}

	if k.SevereDecreaseRatio <= 0 || k.SevereDecreaseRatio >= 1 {
		return fmt.Errorf("severe_decrease_ratio must be in (0, 1)")
	}

	if k.SevereIncreaseRatio <= 1 {
		return fmt.Errorf("severe_increase_ratio must be greater than 1")
	}

	return nil
}

func (d *DecoderConfig) Validate() error {
	if d.Width <= 0 || d.Height <= 0 {
		return fmt.Errorf("invalid dimensions %dx%d", d.Width, d.Height)
	}
	return nil
}

func (r *RTPConfig) Validate() error {
	if !r.Enabled {
		return nil
	}

	if r.PayloadType < 96 || r.PayloadType > 127 {
		return fmt.Errorf("payload_type must be dynamic (96-127): %d", r.PayloadType)
	}

	if r.MTU < 100 {
		return fmt.Errorf("mtu too small: %d", r.MTU)
	}

	if r.ClockRate == 0 {
		return fmt.Errorf("clock_rate must be positive")
	}

	if r.RTCPAddr != "" {
		if _, err := net.ResolveUDPAddr("udp", r.RTCPAddr); err != nil {
			return fmt.Errorf("invalid rtcp_addr %q: %w", r.RTCPAddr, err)
		}
	}

	return nil
}

func (s *SimConfig) Validate() error {
	if s.Frames < 0 {
		return fmt.Errorf("frames cannot be negative")
	}

	if s.DropEvery < 0 {
		return fmt.Errorf("drop_every cannot be negative")
	}

	if s.GOPSize <= 0 {
		return fmt.Errorf("gop_size must be positive")
	}

	if s.DeltaFrameLen <= 0 {
		return fmt.Errorf("delta_frame_len must be positive")
	}

	return nil
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Reservation ReservationConfig `mapstructure:"reservation"`
	Encoder     EncoderConfig     `mapstructure:"encoder"`
	Decoder     DecoderConfig     `mapstructure:"decoder"`
	RTP         RTPConfig         `mapstructure:"rtp"`
	Sim         SimConfig         `mapstructure:"sim"`
}

// ServerConfig configures the status server.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	ListenAddr      string        `mapstructure:"listen_addr"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	DebugEndpoints  bool          `mapstructure:"debug_endpoints"`
}

type RedisConfig struct {
	Addresses    []string      `mapstructure:"addresses"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`   // json or text
	Output     string `mapstructure:"output"`   // stdout, stderr, or file path
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Port    int    `mapstructure:"port"`
}

// Reservation backends.
const (
	ReservationBackendMemory = "memory"
	ReservationBackendRedis  = "redis"
)

// ReservationConfig selects how exclusive access to the hardware codec is
// arbitrated. The memory backend covers one process, redis covers a host.
type ReservationConfig struct {
	Backend           string        `mapstructure:"backend"`
	KeyPrefix         string        `mapstructure:"key_prefix"`
	TTL               time.Duration `mapstructure:"ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// Keyframe policy modes.
const (
	KeyframePolicyBitrateTracking = "bitrate_tracking"
	KeyframePolicyExplicitOnly    = "explicit_only"
)

type KeyframePolicyConfig struct {
	Mode             string        `mapstructure:"mode"`
	StalenessCeiling time.Duration `mapstructure:"staleness_ceiling"`
	// Ratios of new/last bitrate beyond which a refresh is forced regardless
	// of how recently the last one happened.
	SevereDecreaseRatio float64 `mapstructure:"severe_decrease_ratio"`
	SevereIncreaseRatio float64 `mapstructure:"severe_increase_ratio"`
}

type EncoderConfig struct {
	Width            int                  `mapstructure:"width"`
	Height           int                  `mapstructure:"height"`
	Framerate        int                  `mapstructure:"framerate"`
	StartBitrateKbps int                  `mapstructure:"start_bitrate_kbps"`
	IFrameInterval   int                  `mapstructure:"i_frame_interval"` // seconds
	Profile          string               `mapstructure:"profile"`          // baseline, main or high
	Level            int                  `mapstructure:"level"`            // 30 == level 3.0
	BitrateMode      string               `mapstructure:"bitrate_mode"`     // cbr, vbr or cq
	DrainTimeout     time.Duration        `mapstructure:"drain_timeout"`
	KeyframePolicy   KeyframePolicyConfig `mapstructure:"keyframe_policy"`
}

type DecoderConfig struct {
	Width  int `mapstructure:"width"`
	Height int `mapstructure:"height"`
}

// RTPConfig configures packetization of encoder output.
type RTPConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	PayloadType uint8  `mapstructure:"payload_type"`
	SSRC        uint32 `mapstructure:"ssrc"`
	MTU         int    `mapstructure:"mtu"`
	ClockRate   uint32 `mapstructure:"clock_rate"`
	// RTCPAddr is the UDP address receiving PLI/FIR feedback. Empty
	// disables the listener.
	RTCPAddr string `mapstructure:"rtcp_addr"`
}

// SimConfig drives the simulated device used by the harness.
type SimConfig struct {
	Frames        int           `mapstructure:"frames"`
	Latency       time.Duration `mapstructure:"latency"`
	DropEvery     int           `mapstructure:"drop_every"`
	GOPSize       int           `mapstructure:"gop_size"`
	BundleParams  bool          `mapstructure:"bundle_params"`
	DeltaFrameLen int           `mapstructure:"delta_frame_len"`
}

// Load reads configuration from configPath (optional), environment variables
// prefixed with HWCODEC_ and built-in defaults, then validates it.
func Load(configPath string) (*Config, error) {
	viper.SetConfigType("yaml")

	// Environment variable override
	viper.SetEnvPrefix("HWCODEC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if configPath != "" {
		viper.SetConfigFile(configPath)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.enabled", true)
	viper.SetDefault("server.listen_addr", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "10s")
	viper.SetDefault("server.write_timeout", "10s")
	viper.SetDefault("server.shutdown_timeout", "10s")
	viper.SetDefault("server.debug_endpoints", false)

	// Redis defaults
	viper.SetDefault("redis.addresses", []string{"localhost:6379"})
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.max_retries", 3)
	viper.SetDefault("redis.dial_timeout", "5s")
	viper.SetDefault("redis.read_timeout", "3s")
	viper.SetDefault("redis.write_timeout", "3s")
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.min_idle_conns", 1)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")
	viper.SetDefault("logging.max_size", 100)
	viper.SetDefault("logging.max_backups", 5)
	viper.SetDefault("logging.max_age", 30)

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
	viper.SetDefault("metrics.port", 9090)

	// Reservation defaults
	viper.SetDefault("reservation.backend", ReservationBackendMemory)
	viper.SetDefault("reservation.key_prefix", "hwcodec:reservation")
	viper.SetDefault("reservation.ttl", "30s")
	viper.SetDefault("reservation.heartbeat_interval", "10s")

	// Encoder defaults match the fixed hardware format
	viper.SetDefault("encoder.width", 640)
	viper.SetDefault("encoder.height", 480)
	viper.SetDefault("encoder.framerate", 30)
	viper.SetDefault("encoder.start_bitrate_kbps", 500)
	viper.SetDefault("encoder.i_frame_interval", 4)
	viper.SetDefault("encoder.profile", "baseline")
	viper.SetDefault("encoder.level", 30)
	viper.SetDefault("encoder.bitrate_mode", "cbr")
	viper.SetDefault("encoder.drain_timeout", "1s")
	viper.SetDefault("encoder.keyframe_policy.mode", KeyframePolicyBitrateTracking)
	viper.SetDefault("encoder.keyframe_policy.staleness_ceiling", "3s")
	viper.SetDefault("encoder.keyframe_policy.severe_decrease_ratio", 0.80)
	viper.SetDefault("encoder.keyframe_policy.severe_increase_ratio", 1.50)

	// Decoder defaults
	viper.SetDefault("decoder.width", 640)
	viper.SetDefault("decoder.height", 480)

	// RTP defaults
	viper.SetDefault("rtp.enabled", false)
	viper.SetDefault("rtp.payload_type", 96)
	viper.SetDefault("rtp.ssrc", 0)
	viper.SetDefault("rtp.mtu", 1200)
	viper.SetDefault("rtp.clock_rate", 90000)
	viper.SetDefault("rtp.rtcp_addr", "")

	// Simulated device defaults
	viper.SetDefault("sim.frames", 300)
	viper.SetDefault("sim.latency", "5ms")
	viper.SetDefault("sim.drop_every", 0)
	viper.SetDefault("sim.gop_size", 120)
	viper.SetDefault("sim.bundle_params", false)
	viper.SetDefault("sim.delta_frame_len", 256)
}

// DefaultEncoderConfig returns the encoder settings used when nothing is configured.
func DefaultEncoderConfig() EncoderConfig {
	return EncoderConfig{
		Width:            640,
		Height:           480,
		Framerate:        30,
		StartBitrateKbps: 500,
		IFrameInterval:   4,
		Profile:          "baseline",
		Level:            30,
		BitrateMode:      "cbr",
		DrainTimeout:     time.Second,
		KeyframePolicy: KeyframePolicyConfig{
			Mode:                KeyframePolicyBitrateTracking,
			StalenessCeiling:    3 * time.Second,
			SevereDecreaseRatio: 0.80,
			SevereIncreaseRatio: 1.50,
		},
	}
}

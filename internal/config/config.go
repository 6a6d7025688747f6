// Package config loads and validates shuffle client configuration via
// Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all shuffle client knobs loaded via Viper.
type Config struct {
	App     AppConfig     `mapstructure:"app"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Memory  MemoryConfig  `mapstructure:"memory"`
	Codec   CodecConfig   `mapstructure:"codec"`
	Output  OutputConfig  `mapstructure:"output"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// AppConfig identifies the application whose outputs are fetched.
type AppConfig struct {
	ID     string `mapstructure:"id"`
	Secret string `mapstructure:"secret"`
}

// FetchConfig governs fetcher pool and connection behavior.
type FetchConfig struct {
	Parallelism      int  `mapstructure:"parallelism"`
	ConnectTimeoutMs int  `mapstructure:"connect_timeout_ms"`
	ReadTimeoutMs    int  `mapstructure:"read_timeout_ms"`
	KeepAlive        bool `mapstructure:"keep_alive"`
	BufferSize       int  `mapstructure:"buffer_size"`
	SSL              bool `mapstructure:"ssl"`
}

// MemoryConfig bounds in-memory placement of fetched outputs.
type MemoryConfig struct {
	TotalBytes        int64   `mapstructure:"total_bytes"`
	MaxSingleFraction float64 `mapstructure:"max_single_fraction"`
	MergeFraction     float64 `mapstructure:"merge_fraction"`
}

// CodecConfig selects payload compression and stream readahead.
type CodecConfig struct {
	Compression    string `mapstructure:"compression"`
	Readahead      bool   `mapstructure:"readahead"`
	ReadaheadBytes int    `mapstructure:"readahead_bytes"`
}

// OutputConfig sets where on-disk outputs land.
type OutputConfig struct {
	Dir string `mapstructure:"dir"`
}

// ServerConfig controls the debug/metrics HTTP listener.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SHUFFLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("fetch.parallelism", 4)
	v.SetDefault("fetch.connect_timeout_ms", 180_000)
	v.SetDefault("fetch.read_timeout_ms", 180_000)
	v.SetDefault("fetch.keep_alive", false)
	v.SetDefault("fetch.buffer_size", 8*1024)
	v.SetDefault("fetch.ssl", false)
	v.SetDefault("memory.total_bytes", int64(256*1024*1024))
	v.SetDefault("memory.max_single_fraction", 0.25)
	v.SetDefault("memory.merge_fraction", 0.90)
	v.SetDefault("codec.compression", "none")
	v.SetDefault("codec.readahead", true)
	v.SetDefault("codec.readahead_bytes", 4*1024*1024)
	v.SetDefault("output.dir", "shuffle-output")
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.App.ID == "" {
		return fmt.Errorf("app.id must be set")
	}
	if c.Fetch.Parallelism <= 0 {
		return fmt.Errorf("fetch.parallelism must be > 0")
	}
	if c.Fetch.ConnectTimeoutMs <= 0 {
		return fmt.Errorf("fetch.connect_timeout_ms must be > 0")
	}
	if c.Fetch.ReadTimeoutMs <= 0 {
		return fmt.Errorf("fetch.read_timeout_ms must be > 0")
	}
	if c.Memory.TotalBytes < 0 {
		return fmt.Errorf("memory.total_bytes must be >= 0")
	}
	if c.Memory.MaxSingleFraction <= 0 || c.Memory.MaxSingleFraction > 1 {
		return fmt.Errorf("memory.max_single_fraction must be in (0, 1]")
	}
	if c.Memory.MergeFraction <= 0 || c.Memory.MergeFraction > 1 {
		return fmt.Errorf("memory.merge_fraction must be in (0, 1]")
	}
	if c.Codec.Readahead && c.Codec.ReadaheadBytes <= 0 {
		return fmt.Errorf("codec.readahead_bytes must be > 0 when readahead is enabled")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}

// ConnectTimeout converts the connect timeout into a duration.
func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Fetch.ConnectTimeoutMs) * time.Millisecond
}

// ReadTimeout converts the read timeout into a duration.
func (c Config) ReadTimeout() time.Duration {
	return time.Duration(c.Fetch.ReadTimeoutMs) * time.Millisecond
}

// MaxSingleBytes is the largest output eligible for memory placement.
func (c Config) MaxSingleBytes() int64 {
	return int64(float64(c.Memory.TotalBytes) * c.Memory.MaxSingleFraction)
}

// MergeThresholdBytes is the reserved-memory level at which the merger
// should start combining in-memory outputs.
func (c Config) MergeThresholdBytes() int64 {
	return int64(float64(c.Memory.TotalBytes) * c.Memory.MergeFraction)
}

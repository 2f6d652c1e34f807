package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the main configuration structure
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Compression CompressionConfig `mapstructure:"compression"`
	Session     SessionConfig     `mapstructure:"session"`
	Performance PerformanceConfig `mapstructure:"performance"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port          int           `mapstructure:"port" validate:"gte=1,lte=65535"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout" validate:"gt=0"`
	MaxUploadSize int64         `mapstructure:"max_upload_size" validate:"gt=0"` // bytes
	AllowedOrigin string        `mapstructure:"allowed_origin"`
}

// CompressionConfig contains the re-encoding policy
type CompressionConfig struct {
	DefaultQuality int     `mapstructure:"default_quality" validate:"gte=0,lte=100"` // percent
	MaxDimension   int     `mapstructure:"max_dimension" validate:"gte=1"`
	JPEGMinQuality float64 `mapstructure:"jpeg_min_quality" validate:"gte=0,lte=1"`
	PNGMinScale    float64 `mapstructure:"png_min_scale" validate:"gt=0,lte=1"`
}

// SessionConfig contains session lifetime settings
type SessionConfig struct {
	TTL             time.Duration `mapstructure:"ttl" validate:"gt=0"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" validate:"gt=0"`
}

// PerformanceConfig contains performance tuning settings
type PerformanceConfig struct {
	WorkerThreads int `mapstructure:"worker_threads"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          8080,
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  30 * time.Second,
			IdleTimeout:   120 * time.Second,
			MaxUploadSize: 32 << 20,
		},
		Compression: CompressionConfig{
			DefaultQuality: 80,
			MaxDimension:   2000,
			JPEGMinQuality: 0.6,
			PNGMinScale:    0.1,
		},
		Session: SessionConfig{
			TTL:             30 * time.Minute,
			CleanupInterval: time.Minute,
		},
		Performance: PerformanceConfig{
			WorkerThreads: 4,
		},
		Logging: LoggingConfig{
			Level:      "info",
			FilePath:   "image-compressor.log",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	// A missing .env is fine; anything in it lands in the process environment
	// before viper reads IMAGE_COMPRESSOR_* overrides.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config file in current directory and home directory
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.image-compressor")
		v.AddConfigPath("/etc/image-compressor")
	}

	// Enable environment variable support
	v.SetEnvPrefix("IMAGE_COMPRESSOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	// Try to read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	// Unmarshal config
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate and normalize config
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// bindEnv registers every key so AutomaticEnv overrides apply to Unmarshal
// even when no config file sets them.
func bindEnv(v *viper.Viper) {
	keys := []string{
		"server.port", "server.read_timeout", "server.write_timeout", "server.idle_timeout",
		"server.max_upload_size", "server.allowed_origin",
		"compression.default_quality", "compression.max_dimension",
		"compression.jpeg_min_quality", "compression.png_min_scale",
		"session.ttl", "session.cleanup_interval",
		"performance.worker_threads",
		"logging.level", "logging.file_path", "logging.max_size", "logging.max_backups",
		"logging.max_age", "logging.compress",
	}
	for _, k := range keys {
		_ = v.BindEnv(k)
	}
}

var validate = validator.New()

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid %s: %v (rule %s=%s)", fe.Namespace(), fe.Value(), fe.Tag(), fe.Param())
		}
		return err
	}

	// Validate performance settings
	if c.Performance.WorkerThreads <= 0 {
		c.Performance.WorkerThreads = 4
	}

	// Validate logging settings
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	return nil
}

// DefaultQualityFraction returns the default slider position as a [0,1] quality.
func (c *Config) DefaultQualityFraction() float64 {
	return float64(c.Compression.DefaultQuality) / 100
}

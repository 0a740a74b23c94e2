// Package gatewayconfig loads process-level configuration for a gateway
// deployment: provider credentials/endpoints, default timeouts, breaker
// tuning, and logging — the knobs that sit above any one session and are
// set once at process start, the way config.go does for the teacher's
// integration API.
package gatewayconfig

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ProviderConfig is one configured STT/TTS/realtime backend entry: its
// registry key, dial endpoint, and default provider.Config payload,
// decoded from the provider_registry config section.
type ProviderConfig struct {
	ID       string                 `mapstructure:"id" validate:"required"`
	Kind     string                 `mapstructure:"kind" validate:"required,oneof=stt tts realtime"`
	Endpoint string                 `mapstructure:"endpoint" validate:"required"`
	Options  map[string]interface{} `mapstructure:"options"`
}

// ReliabilityConfig carries the process-wide defaults for retry, circuit
// breaking, and timeouts every session's reliability.RetryPolicy /
// reliability.BreakerConfig / reliability.Timeouts is seeded from, unless a
// session overrides them explicitly.
type ReliabilityConfig struct {
	RetryMaxAttempts      int           `mapstructure:"retry_max_attempts" validate:"min=0"`
	RetryBaseDelay        time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay         time.Duration `mapstructure:"retry_max_delay"`
	BreakerFailureWindow  time.Duration `mapstructure:"breaker_failure_window"`
	BreakerFailureThresh  int           `mapstructure:"breaker_failure_threshold" validate:"min=1"`
	BreakerOpenDuration   time.Duration `mapstructure:"breaker_open_duration"`
	ConnectTimeout        time.Duration `mapstructure:"connect_timeout" validate:"required"`
	UnaryTimeout          time.Duration `mapstructure:"unary_timeout" validate:"required"`
	StreamIdleTimeout     time.Duration `mapstructure:"stream_idle_timeout" validate:"required"`
}

// AppConfig is the gateway process's full decoded configuration.
type AppConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required"`

	RedisAddr string `mapstructure:"redis_addr"`

	Providers    []ProviderConfig  `mapstructure:"providers" validate:"dive"`
	Reliability  ReliabilityConfig `mapstructure:"reliability"`
}

// Load reads configuration from a `.env`-style file (or ENV_PATH, if set)
// plus process environment variables, the same two-tier precedence the
// teacher's InitConfig/GetApplicationConfig pair uses.
func Load() (*AppConfig, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter("__"))
	v.AddConfigPath(".")
	v.SetConfigName(".env")
	v.SetConfigType("env")
	if path := os.Getenv("ENV_PATH"); path != "" {
		log.Printf("gatewayconfig: loading env file %v", path)
		v.SetConfigFile(path)
	}
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		log.Printf("gatewayconfig: no config file found, relying on environment variables: %v", err)
	}

	return decode(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8443)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("REDIS_ADDR", "")

	v.SetDefault("RELIABILITY__RETRY_MAX_ATTEMPTS", 5)
	v.SetDefault("RELIABILITY__RETRY_BASE_DELAY", "200ms")
	v.SetDefault("RELIABILITY__RETRY_MAX_DELAY", "10s")
	v.SetDefault("RELIABILITY__BREAKER_FAILURE_WINDOW", "30s")
	v.SetDefault("RELIABILITY__BREAKER_FAILURE_THRESHOLD", 5)
	v.SetDefault("RELIABILITY__BREAKER_OPEN_DURATION", "15s")
	v.SetDefault("RELIABILITY__CONNECT_TIMEOUT", "5s")
	v.SetDefault("RELIABILITY__UNARY_TIMEOUT", "10s")
	v.SetDefault("RELIABILITY__STREAM_IDLE_TIMEOUT", "60s")
}

// decode unmarshals v into an AppConfig via mapstructure (viper's default
// decoder) and validates required fields with go-playground/validator,
// mirroring GetApplicationConfig's unmarshal-then-validate sequence.
func decode(v *viper.Viper) (*AppConfig, error) {
	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

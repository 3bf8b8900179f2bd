package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full process configuration, populated from environment
// variables (FIELDBOOKING_ prefix) with an optional .env file for local runs.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	AMQP     AMQPConfig     `mapstructure:"amqp"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Booking  BookingConfig  `mapstructure:"booking"`
	LogLevel string         `mapstructure:"log_level"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	CORSOrigins     string        `mapstructure:"cors_origins"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL      string `mapstructure:"url" validate:"required"`
	MaxConns int32  `mapstructure:"max_conns" validate:"min=1"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"min=0"`
}

type AMQPConfig struct {
	URL   string `mapstructure:"url" validate:"required"`
	Queue string `mapstructure:"queue" validate:"required"`
}

type GatewayConfig struct {
	BaseURL string        `mapstructure:"base_url" validate:"required,url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
	// WebhookSecret signs incoming gateway callbacks; empty disables
	// verification (local development only).
	WebhookSecret string `mapstructure:"webhook_secret"`
}

type BookingConfig struct {
	HoldTTL              time.Duration `mapstructure:"hold_ttl"`
	OfferTTL             time.Duration `mapstructure:"offer_ttl"`
	SweepInterval        time.Duration `mapstructure:"sweep_interval"`
	ReconcileInterval    time.Duration `mapstructure:"reconcile_interval"`
	CommissionPercent    int64         `mapstructure:"commission_percent" validate:"min=0,max=100"`
	ManualCaptureTimeout time.Duration `mapstructure:"manual_capture_timeout"`
	AvailabilityCacheTTL time.Duration `mapstructure:"availability_cache_ttl"`
}

// Load reads configuration from the environment. A .env file in the working
// directory is merged in first when present; real environment variables win.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("FIELDBOOKING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindKeys(v)

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validator.New().Struct(c); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.cors_origins", "http://localhost:5173")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("database.max_conns", 16)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("amqp.queue", "booking.notifications")

	v.SetDefault("gateway.timeout", 10*time.Second)

	v.SetDefault("booking.hold_ttl", 5*time.Minute)
	v.SetDefault("booking.offer_ttl", 15*time.Minute)
	v.SetDefault("booking.sweep_interval", 30*time.Second)
	v.SetDefault("booking.reconcile_interval", 15*time.Minute)
	v.SetDefault("booking.commission_percent", 10)
	v.SetDefault("booking.manual_capture_timeout", 24*time.Hour)
	v.SetDefault("booking.availability_cache_ttl", 5*time.Minute)

	v.SetDefault("log_level", "info")
}

// bindKeys makes AutomaticEnv see nested keys that have no default of their
// own (viper only consults the env for keys it already knows about).
func bindKeys(v *viper.Viper) {
	for _, key := range []string{
		"database.url",
		"redis.password",
		"amqp.url",
		"gateway.base_url",
		"gateway.api_key",
		"gateway.webhook_secret",
	} {
		_ = v.BindEnv(key)
	}
}

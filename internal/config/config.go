package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix namespaces environment overrides: MSGCORE_SERVER_ADDR sets server.addr.
const EnvPrefix = "MSGCORE_"

// Config is the full service configuration.
type Config struct {
	Server struct {
		Addr         string        `koanf:"addr"`
		RateLimit    float64       `koanf:"rate_limit"`
		RateBurst    int           `koanf:"rate_burst"`
		DebugRoutes  bool          `koanf:"debug_routes"`
		ShutdownWait time.Duration `koanf:"shutdown_wait"`
	} `koanf:"server"`

	Auth struct {
		JWTSecret string `koanf:"jwt_secret"`
		Issuer    string `koanf:"issuer"`
	} `koanf:"auth"`

	Storage struct {
		Driver      string `koanf:"driver"`
		PostgresDSN string `koanf:"postgres_dsn"`
		PebblePath  string `koanf:"pebble_path"`
		MaxRetries  uint64 `koanf:"max_retries"`
	} `koanf:"storage"`

	AMQP struct {
		URL           string `koanf:"url"`
		Exchange      string `koanf:"exchange"`
		AuditRouteKey string `koanf:"audit_routing_key"`
	} `koanf:"amqp"`

	Profile struct {
		GRPCAddr string        `koanf:"grpc_addr"`
		Timeout  time.Duration `koanf:"timeout"`
	} `koanf:"profile"`

	Telemetry struct {
		OTLPEndpoint string  `koanf:"otlp_endpoint"`
		ServiceName  string  `koanf:"service_name"`
		Environment  string  `koanf:"environment"`
		SampleRatio  float64 `koanf:"sample_ratio"`
	} `koanf:"telemetry"`

	Presence struct {
		Grace   time.Duration `koanf:"grace"`
		Offline time.Duration `koanf:"offline"`
	} `koanf:"presence"`

	Typing struct {
		TTL time.Duration `koanf:"ttl"`
	} `koanf:"typing"`

	Calls struct {
		RingTimeout time.Duration `koanf:"ring_timeout"`
		Retention   time.Duration `koanf:"retention"`
	} `koanf:"calls"`

	Notify struct {
		DedupWindow time.Duration `koanf:"dedup_window"`
		DedupSize   int           `koanf:"dedup_size"`
	} `koanf:"notify"`

	Messages struct {
		DisappearAfter time.Duration `koanf:"disappear_after"`
		PageLimit      int           `koanf:"page_limit"`
	} `koanf:"messages"`

	Housekeeping struct {
		Cron string `koanf:"cron"`
	} `koanf:"housekeeping"`

	Log struct {
		Level  string `koanf:"level"`
		Pretty bool   `koanf:"pretty"`
	} `koanf:"log"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"server.addr":               ":8083",
		"server.rate_limit":         20.0,
		"server.rate_burst":         40,
		"server.debug_routes":       false,
		"server.shutdown_wait":      10 * time.Second,
		"auth.issuer":               "",
		"storage.driver":            "memory",
		"storage.pebble_path":       "./data/messaging",
		"storage.max_retries":       3,
		"amqp.exchange":             "messaging.events",
		"amqp.audit_routing_key":    "audit.messaging",
		"profile.timeout":           2 * time.Second,
		"telemetry.service_name":    "messaging-core",
		"telemetry.environment":     "development",
		"telemetry.sample_ratio":    1.0,
		"presence.grace":            60 * time.Second,
		"presence.offline":          5 * time.Minute,
		"typing.ttl":                5 * time.Second,
		"calls.ring_timeout":        45 * time.Second,
		"calls.retention":           24 * time.Hour,
		"notify.dedup_window":       30 * time.Second,
		"notify.dedup_size":         10000,
		"messages.disappear_after":  24 * time.Hour,
		"messages.page_limit":       50,
		"housekeeping.cron":         "* * * * *",
		"log.level":                 "info",
		"log.pretty":                false,
	}
}

// Load reads defaults, then the TOML file at path (when given or found in the
// working directory), then .env, then MSGCORE_ environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	} else if _, err := os.Stat("messaging.toml"); err == nil {
		if err := k.Load(file.Provider("messaging.toml"), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	}

	_ = godotenv.Load(".env")

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps MSGCORE_STORAGE_POSTGRES_DSN to storage.postgres_dsn: the first
// segment names the section, the rest is the field.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.Replace(key, "_", ".", 1)
}

// Validate checks values that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "memory", "pebble":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if !gronx.IsValid(c.Housekeeping.Cron) {
		errs = append(errs, fmt.Errorf("invalid housekeeping.cron expression: %s", c.Housekeeping.Cron))
	}
	if c.Presence.Grace <= 0 || c.Presence.Offline <= c.Presence.Grace {
		errs = append(errs, errors.New("presence.offline must exceed presence.grace"))
	}
	if c.Typing.TTL <= 0 || c.Calls.RingTimeout <= 0 {
		errs = append(errs, errors.New("typing.ttl and calls.ring_timeout must be positive"))
	}
	return errors.Join(errs...)
}

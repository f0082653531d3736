package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "CANVASRELAY_"

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Storage StorageConfig `yaml:"storage"`
	Buffer  BufferConfig  `yaml:"buffer"`
	GC      GCConfig      `yaml:"gc"`
	WS      WSConfig      `yaml:"ws"`
	API     APIConfig     `yaml:"api"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Address         string        `yaml:"address"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type StorageConfig struct {
	Driver      string `yaml:"driver"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

type BufferConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Timeout   time.Duration `yaml:"timeout"`
	WarnDepth int           `yaml:"warn_depth"`
}

type GCConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type WSConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
	MaxViolations int     `yaml:"max_violations"`
	SendBuffer    int     `yaml:"send_buffer"`
}

type APIConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":9090",
			ShutdownTimeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			Driver:     "sqlite",
			SQLitePath: "data/canvas.db",
		},
		Buffer: BufferConfig{
			Interval:  2 * time.Second,
			Timeout:   10 * time.Second,
			WarnDepth: 10000,
		},
		GC: GCConfig{
			Timeout: 10 * time.Second,
		},
		WS: WSConfig{
			RatePerSecond: 100,
			Burst:         200,
			MaxViolations: 50,
			SendBuffer:    512,
		},
		API: APIConfig{
			RatePerSecond: 10,
			Burst:         20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (if any), then a .env file in the working directory, then the
// environment. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	// Missing .env is normal outside development.
	_ = godotenv.Load(".env")

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && strings.TrimSpace(v) != "" {
				*dst = strings.TrimSpace(v)
				return
			}
		}
	}

	// Bare names come first so the prefixed form wins when both are set.
	str(&cfg.Auth.JWTSecret, envPrefix+"JWT_SECRET", "JWT_SECRET")
	str(&cfg.Storage.Driver, envPrefix+"STORAGE_DRIVER")
	str(&cfg.Storage.SQLitePath, envPrefix+"SQLITE_PATH")
	str(&cfg.Storage.PostgresDSN, envPrefix+"POSTGRES_DSN", "DATABASE_URL")
	str(&cfg.Logging.Level, envPrefix+"LOG_LEVEL")
	str(&cfg.Logging.Format, envPrefix+"LOG_FORMAT")

	if v, ok := lookup("PORT"); ok && strings.TrimSpace(v) != "" {
		cfg.Server.Address = ":" + strings.TrimSpace(v)
	}
	str(&cfg.Server.Address, envPrefix+"ADDRESS")

	if v, ok := lookup(envPrefix + "ALLOWED_ORIGINS"); ok {
		cfg.Server.AllowedOrigins = splitList(v)
	}

	// A DSN without an explicit driver implies postgres.
	if _, ok := lookup(envPrefix + "STORAGE_DRIVER"); !ok {
		if _, ok := lookup("DATABASE_URL"); ok && cfg.Storage.PostgresDSN != "" {
			cfg.Storage.Driver = "postgres"
		}
	}

	durations := map[string]*time.Duration{
		envPrefix + "BUFFER_INTERVAL":  &cfg.Buffer.Interval,
		envPrefix + "BUFFER_TIMEOUT":   &cfg.Buffer.Timeout,
		envPrefix + "GC_TIMEOUT":       &cfg.GC.Timeout,
		envPrefix + "SHUTDOWN_TIMEOUT": &cfg.Server.ShutdownTimeout,
	}
	for key, dst := range durations {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
		}
		*dst = d
	}

	ints := map[string]*int{
		envPrefix + "BUFFER_WARN_DEPTH": &cfg.Buffer.WarnDepth,
		envPrefix + "WS_BURST":          &cfg.WS.Burst,
		envPrefix + "WS_SEND_BUFFER":    &cfg.WS.SendBuffer,
		envPrefix + "WS_MAX_VIOLATIONS": &cfg.WS.MaxViolations,
		envPrefix + "API_BURST":         &cfg.API.Burst,
	}
	for key, dst := range ints {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
		}
		*dst = n
	}

	floats := map[string]*float64{
		envPrefix + "WS_RATE":  &cfg.WS.RatePerSecond,
		envPrefix + "API_RATE": &cfg.API.RatePerSecond,
	}
	for key, dst := range floats {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
		}
		*dst = f
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports the first problem that would keep the server from
// starting.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("%w: jwt secret is required (auth.jwt_secret or JWT_SECRET)", ErrInvalid)
	}
	if strings.TrimSpace(c.Server.Address) == "" {
		return fmt.Errorf("%w: server.address is empty", ErrInvalid)
	}

	switch strings.ToLower(c.Storage.Driver) {
	case "sqlite", "":
		if strings.TrimSpace(c.Storage.SQLitePath) == "" {
			return fmt.Errorf("%w: storage.sqlite_path is required for sqlite", ErrInvalid)
		}
	case "postgres", "postgresql":
		if strings.TrimSpace(c.Storage.PostgresDSN) == "" {
			return fmt.Errorf("%w: storage.postgres_dsn is required for postgres", ErrInvalid)
		}
	case "memory":
	default:
		return fmt.Errorf("%w: unknown storage driver %q", ErrInvalid, c.Storage.Driver)
	}

	if c.Buffer.Interval <= 0 {
		return fmt.Errorf("%w: buffer.interval must be positive", ErrInvalid)
	}
	if c.Buffer.Timeout <= 0 || c.GC.Timeout <= 0 {
		return fmt.Errorf("%w: buffer.timeout and gc.timeout must be positive", ErrInvalid)
	}
	if c.WS.SendBuffer <= 0 {
		return fmt.Errorf("%w: ws.send_buffer must be positive", ErrInvalid)
	}
	if c.WS.Burst < 0 || c.API.Burst < 0 {
		return fmt.Errorf("%w: burst must not be negative", ErrInvalid)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: logging.format must be text or json", ErrInvalid)
	}
	return nil
}

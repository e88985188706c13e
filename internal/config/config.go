// Package config loads process-wide settings once at startup. Values come
// from an optional YAML file, then a .env file, then the environment; later
// sources win.
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

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Window is a rate-limit budget for one route class.
type Window struct {
	Window      time.Duration
	MaxRequests int
}

// RateLimits groups the per-route-class budgets.
type RateLimits struct {
	General  Window
	Auth     Window
	Lookup   Window
	Campaign Window
}

// Config contains runtime configuration values.
type Config struct {
	HTTPAddr string
	GRPCAddr string

	LogLevel  string
	LogFormat string

	AccessSecret    string
	RefreshSecret   string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	RateLimits       RateLimits
	IPBlockAttempts  int
	IPBlockDuration  time.Duration
	BurstPerSecond   int
	BurstSize        int
	TrustProxy       bool
	HealthCheckPath  string
	MaxBodyBytes     int64
	StoreBackend     string
	DatabaseURL      string
	DBPoolMax        int
	DBConnectTimeout time.Duration

	SeedAdminEmail    string
	SeedAdminPassword string
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() Config {
	return Config{
		HTTPAddr:        ":8080",
		LogLevel:        "info",
		LogFormat:       "json",
		AccessTokenTTL:  7 * 24 * time.Hour,
		RefreshTokenTTL: 30 * 24 * time.Hour,
		RateLimits: RateLimits{
			General:  Window{Window: 15 * time.Minute, MaxRequests: 100},
			Auth:     Window{Window: 15 * time.Minute, MaxRequests: 5},
			Lookup:   Window{Window: time.Hour, MaxRequests: 10},
			Campaign: Window{Window: time.Hour, MaxRequests: 20},
		},
		IPBlockAttempts:  10,
		IPBlockDuration:  time.Hour,
		BurstPerSecond:   50,
		BurstSize:        100,
		HealthCheckPath:  "/healthz",
		MaxBodyBytes:     1 << 20,
		DBPoolMax:        20,
		DBConnectTimeout: 2 * time.Second,
	}
}

// Load reads configuration from CONFIG_FILE (YAML), .env and the environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.finalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var file fileConfig
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return file.apply(cfg)
}

func applyEnv(cfg *Config) error {
	var env envReader
	cfg.HTTPAddr = getEnv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.GRPCAddr = getEnv("GRPC_ADDR", cfg.GRPCAddr)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)

	cfg.AccessSecret = getEnv("JWT_SECRET", cfg.AccessSecret)
	cfg.RefreshSecret = getEnv("JWT_REFRESH_SECRET", cfg.RefreshSecret)
	cfg.AccessTokenTTL = env.duration("JWT_EXPIRES_IN", cfg.AccessTokenTTL)
	cfg.RefreshTokenTTL = env.duration("JWT_REFRESH_EXPIRES_IN", cfg.RefreshTokenTTL)

	cfg.RateLimits.General = env.window("GENERAL", cfg.RateLimits.General)
	cfg.RateLimits.Auth = env.window("AUTH", cfg.RateLimits.Auth)
	cfg.RateLimits.Lookup = env.window("LOOKUP", cfg.RateLimits.Lookup)
	cfg.RateLimits.Campaign = env.window("CAMPAIGN", cfg.RateLimits.Campaign)
	cfg.IPBlockAttempts = env.integer("IP_BLOCK_MAX_ATTEMPTS", cfg.IPBlockAttempts)
	cfg.IPBlockDuration = env.duration("IP_BLOCK_DURATION", cfg.IPBlockDuration)
	cfg.BurstPerSecond = env.integer("BURST_RPS", cfg.BurstPerSecond)
	cfg.BurstSize = env.integer("BURST_SIZE", cfg.BurstSize)
	cfg.TrustProxy = env.boolean("TRUST_PROXY", cfg.TrustProxy)
	cfg.HealthCheckPath = getEnv("HEALTH_CHECK_PATH", cfg.HealthCheckPath)

	cfg.StoreBackend = getEnv("STORE_BACKEND", cfg.StoreBackend)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.DBPoolMax = env.integer("DB_POOL_MAX", cfg.DBPoolMax)
	cfg.DBConnectTimeout = env.duration("DB_CONNECT_TIMEOUT", cfg.DBConnectTimeout)

	cfg.SeedAdminEmail = getEnv("SEED_ADMIN_EMAIL", cfg.SeedAdminEmail)
	cfg.SeedAdminPassword = getEnv("SEED_ADMIN_PASSWORD", cfg.SeedAdminPassword)
	return errors.Join(env.errs...)
}

// finalize resolves derived values and validates the result.
func (c *Config) finalize() error {
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	if c.StoreBackend == "" {
		if strings.TrimSpace(c.DatabaseURL) != "" {
			c.StoreBackend = BackendPostgres
		} else {
			c.StoreBackend = BackendMemory
		}
	}
	return c.Validate()
}

// Validate reports configuration that would leave the service insecure or unusable.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.AccessSecret) == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if strings.TrimSpace(c.RefreshSecret) == "" {
		errs = append(errs, errors.New("JWT_REFRESH_SECRET is required"))
	}
	if c.AccessSecret != "" && c.AccessSecret == c.RefreshSecret {
		errs = append(errs, errors.New("JWT_SECRET and JWT_REFRESH_SECRET must differ"))
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		errs = append(errs, errors.New("token lifetimes must be positive"))
	}
	for name, w := range map[string]Window{
		"general":  c.RateLimits.General,
		"auth":     c.RateLimits.Auth,
		"lookup":   c.RateLimits.Lookup,
		"campaign": c.RateLimits.Campaign,
	} {
		if w.Window <= 0 || w.MaxRequests <= 0 {
			errs = append(errs, fmt.Errorf("rate limit %s: window and max must be positive", name))
		}
	}
	if c.IPBlockAttempts <= 0 || c.IPBlockDuration <= 0 {
		errs = append(errs, errors.New("ip block attempts and duration must be positive"))
	}
	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
		if c.DBPoolMax <= 0 {
			errs = append(errs, errors.New("DB_POOL_MAX must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	return errors.Join(errs...)
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

// envReader parses typed environment values, collecting malformed ones
// instead of silently keeping the default.
type envReader struct {
	errs []error
}

func (e *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
}

func (e *envReader) fail(key, v string, err error) {
	e.errs = append(e.errs, fmt.Errorf("config: %s=%q: %w", key, v, err))
}

func (e *envReader) duration(key string, def time.Duration) time.Duration {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	d, err := ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return d
}

func (e *envReader) integer(key string, def int) int {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return n
}

func (e *envReader) boolean(key string, def bool) bool {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return b
}

func (e *envReader) window(class string, def Window) Window {
	return Window{
		Window:      e.duration("RATE_LIMIT_"+class+"_WINDOW", def.Window),
		MaxRequests: e.integer("RATE_LIMIT_"+class+"_MAX", def.MaxRequests),
	}
}

// ParseDuration accepts Go duration syntax plus a whole-day suffix such as "7d".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

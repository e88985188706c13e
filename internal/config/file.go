package config

import (
	"fmt"
	"time"
)

// fileConfig mirrors Config with string durations so YAML files can use "7d".
type fileConfig struct {
	HTTPAddr  *string `yaml:"http_addr"`
	GRPCAddr  *string `yaml:"grpc_addr"`
	LogLevel  *string `yaml:"log_level"`
	LogFormat *string `yaml:"log_format"`

	AccessSecret    *string `yaml:"jwt_secret"`
	RefreshSecret   *string `yaml:"jwt_refresh_secret"`
	AccessTokenTTL  *string `yaml:"jwt_expires_in"`
	RefreshTokenTTL *string `yaml:"jwt_refresh_expires_in"`

	RateLimits map[string]struct {
		Window string `yaml:"window"`
		Max    int    `yaml:"max"`
	} `yaml:"rate_limits"`

	IPBlockAttempts *int    `yaml:"ip_block_max_attempts"`
	IPBlockDuration *string `yaml:"ip_block_duration"`
	BurstPerSecond  *int    `yaml:"burst_rps"`
	BurstSize       *int    `yaml:"burst_size"`
	TrustProxy      *bool   `yaml:"trust_proxy"`

	StoreBackend     *string `yaml:"store_backend"`
	DatabaseURL      *string `yaml:"database_url"`
	DBPoolMax        *int    `yaml:"db_pool_max"`
	DBConnectTimeout *string `yaml:"db_connect_timeout"`
}

func (f fileConfig) apply(cfg *Config) error {
	setString(&cfg.HTTPAddr, f.HTTPAddr)
	setString(&cfg.GRPCAddr, f.GRPCAddr)
	setString(&cfg.LogLevel, f.LogLevel)
	setString(&cfg.LogFormat, f.LogFormat)
	setString(&cfg.AccessSecret, f.AccessSecret)
	setString(&cfg.RefreshSecret, f.RefreshSecret)
	setString(&cfg.StoreBackend, f.StoreBackend)
	setString(&cfg.DatabaseURL, f.DatabaseURL)
	setInt(&cfg.IPBlockAttempts, f.IPBlockAttempts)
	setInt(&cfg.BurstPerSecond, f.BurstPerSecond)
	setInt(&cfg.BurstSize, f.BurstSize)
	setInt(&cfg.DBPoolMax, f.DBPoolMax)
	if f.TrustProxy != nil {
		cfg.TrustProxy = *f.TrustProxy
	}

	durations := []struct {
		dst *time.Duration
		raw *string
	}{
		{&cfg.AccessTokenTTL, f.AccessTokenTTL},
		{&cfg.RefreshTokenTTL, f.RefreshTokenTTL},
		{&cfg.IPBlockDuration, f.IPBlockDuration},
		{&cfg.DBConnectTimeout, f.DBConnectTimeout},
	}
	for _, d := range durations {
		if d.raw == nil {
			continue
		}
		v, err := ParseDuration(*d.raw)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		*d.dst = v
	}

	for class, rl := range f.RateLimits {
		var dst *Window
		switch class {
		case "general":
			dst = &cfg.RateLimits.General
		case "auth":
			dst = &cfg.RateLimits.Auth
		case "lookup":
			dst = &cfg.RateLimits.Lookup
		case "campaign":
			dst = &cfg.RateLimits.Campaign
		default:
			return fmt.Errorf("config: unknown rate limit class %q", class)
		}
		if rl.Window != "" {
			v, err := ParseDuration(rl.Window)
			if err != nil {
				return fmt.Errorf("config: rate limit %s: %w", class, err)
			}
			dst.Window = v
		}
		if rl.Max > 0 {
			dst.MaxRequests = rl.Max
		}
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

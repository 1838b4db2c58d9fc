package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds runtime configuration for the messaging core. Values come from
// an optional YAML file overridden by environment variables; env wins.
type Config struct {
	ListenAddr string `yaml:"listenAddr"`
	LogLevel   string `yaml:"logLevel"`

	DatabaseURL string `yaml:"databaseURL"`
	RedisURL    string `yaml:"redisURL"`
	AMQPURL     string `yaml:"amqpURL"`

	JWTSecret  string `yaml:"jwtSecret"`
	AuthSecret string `yaml:"authSecret"`

	SigWindowSecs           int `yaml:"sigWindowSecs"`
	CommentCooldownSecs     int `yaml:"commentCooldownSecs"`
	RateUserPerSec          int `yaml:"rateUserPerSec"`
	RateIPPerSec            int `yaml:"rateIPPerSec"`
	AdvisoryLockTimeoutSecs int `yaml:"advisoryLockTimeoutSecs"`
	TxTimeoutSecs           int `yaml:"txTimeoutSecs"`
	TempKeyTTLSecs          int `yaml:"tempKeyTTLSecs"`

	TrustForwardedHeaders bool `yaml:"trustForwardedHeaders"`

	// DocsOnlyMode skips validation of the store and secret settings; the
	// server binary then logs and exits without opening the database or redis
	// and without serving requests.
	DocsOnlyMode bool `yaml:"docsOnlyMode"`
}

// Load reads config from path (optional) and applies environment overrides.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		ListenAddr:              ":8080",
		LogLevel:                "info",
		SigWindowSecs:           300,
		CommentCooldownSecs:     3,
		RateUserPerSec:          10,
		RateIPPerSec:            20,
		AdvisoryLockTimeoutSecs: 10,
		TxTimeoutSecs:           30,
		TempKeyTTLSecs:          180,
	}
}

func applyEnv(cfg *Config) {
	setString(&cfg.ListenAddr, "LISTEN_ADDR")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.RedisURL, "REDIS_URL")
	setString(&cfg.AMQPURL, "AMQP_URL")
	setString(&cfg.JWTSecret, "JWT_SECRET")
	setString(&cfg.AuthSecret, "AUTH_SECRET")
	setInt(&cfg.SigWindowSecs, "SIG_WINDOW_SECS")
	setInt(&cfg.CommentCooldownSecs, "COMMENT_COOLDOWN_SECS")
	setInt(&cfg.RateUserPerSec, "RATE_USER_PER_SEC")
	setInt(&cfg.RateIPPerSec, "RATE_IP_PER_SEC")
	setInt(&cfg.AdvisoryLockTimeoutSecs, "ADVISORY_LOCK_TIMEOUT_SECS")
	setInt(&cfg.TxTimeoutSecs, "TX_TIMEOUT_SECS")
	setInt(&cfg.TempKeyTTLSecs, "TEMP_KEY_TTL_SECS")
	setBool(&cfg.TrustForwardedHeaders, "TRUST_FORWARDED_HEADERS")
	setBool(&cfg.DocsOnlyMode, "DOCS_ONLY_MODE")
}

func validate(cfg Config) error {
	if cfg.DocsOnlyMode {
		return nil
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return errors.New("config: DATABASE_URL is required")
	}
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return errors.New("config: REDIS_URL is required")
	}
	if strings.TrimSpace(cfg.AuthSecret) == "" {
		return errors.New("config: AUTH_SECRET is required")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return errors.New("config: JWT_SECRET is required")
	}
	if cfg.SigWindowSecs <= 0 || cfg.CommentCooldownSecs < 0 {
		return errors.New("config: signature window must be positive and cooldown non-negative")
	}
	if cfg.RateUserPerSec <= 0 || cfg.RateIPPerSec <= 0 {
		return errors.New("config: rate limits must be positive")
	}
	if cfg.AdvisoryLockTimeoutSecs <= 0 || cfg.TxTimeoutSecs <= 0 {
		return errors.New("config: lock and transaction timeouts must be positive")
	}
	if cfg.TempKeyTTLSecs <= 0 {
		return errors.New("config: temp key TTL must be positive")
	}
	return nil
}

// SigWindow returns the signature freshness window as a duration.
func (c Config) SigWindow() time.Duration {
	return time.Duration(c.SigWindowSecs) * time.Second
}

// CommentCooldown returns the minimum gap between comment creations.
func (c Config) CommentCooldown() time.Duration {
	return time.Duration(c.CommentCooldownSecs) * time.Second
}

// AdvisoryLockTimeout returns the per-post lock acquisition deadline.
func (c Config) AdvisoryLockTimeout() time.Duration {
	return time.Duration(c.AdvisoryLockTimeoutSecs) * time.Second
}

// TxTimeout returns the transaction statement deadline.
func (c Config) TxTimeout() time.Duration {
	return time.Duration(c.TxTimeoutSecs) * time.Second
}

// TempKeyTTL returns the temp key lifetime.
func (c Config) TempKeyTTL() time.Duration {
	return time.Duration(c.TempKeyTTLSecs) * time.Second
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

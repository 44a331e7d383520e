package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends accepted by DB_TYPE.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
)

// Config keeps runtime settings for the bot process.
type Config struct {
	AppEnv   string `yaml:"app_env"`
	LogLevel string `yaml:"log_level"`

	DBType         string        `yaml:"db_type"`
	DatabaseURL    string        `yaml:"database_url"`
	DatabaseSchema string        `yaml:"database_schema"`
	SQLitePath     string        `yaml:"sqlite_path"`
	StorageTimeout time.Duration `yaml:"storage_timeout"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisTLS      bool   `yaml:"redis_tls"`
	RedisPrefix   string `yaml:"redis_prefix"`

	SessionsDir      string `yaml:"sessions_dir"`
	SessionCredsFile string `yaml:"session_creds_file"`
	WhatsAppLogLevel string `yaml:"whatsapp_log_level"`

	Defaults UserDefaults `yaml:"defaults"`
	Billing  Billing      `yaml:"billing"`

	HTTPListenAddr   string `yaml:"http_listen_addr"`
	MetricsNamespace string `yaml:"metrics_namespace"`

	// TopUpWebhookSecret enables /webhook/topup when set.
	TopUpWebhookSecret string        `yaml:"topup_webhook_secret"`
	TopUpClaimTTL      time.Duration `yaml:"topup_claim_ttl"`
}

// UserDefaults are the process-wide defaults applied to new user configs.
// Empty/nil fields fall through to the hardcoded constants of the userconfig package.
type UserDefaults struct {
	Prefix          string `yaml:"prefix"`
	BotMode         string `yaml:"bot_mode"`
	AutoStatusSeen  *bool  `yaml:"auto_status_seen"`
	AutoStatusReact *bool  `yaml:"auto_status_react"`
	AutoStatusReply *bool  `yaml:"auto_status_reply"`
	AutoStatusMsg   string `yaml:"auto_status_msg"`
}

// Billing holds credit amounts in minor units (1 credit = 100 units).
type Billing struct {
	InitialCharge   int64         `yaml:"-"`
	PeriodicCharge  int64         `yaml:"-"`
	StartingCredits int64         `yaml:"-"`
	ChargeInterval  time.Duration `yaml:"charge_interval"`

	RawInitialCharge   string `yaml:"initial_charge"`
	RawPeriodicCharge  string `yaml:"periodic_charge"`
	RawStartingCredits string `yaml:"starting_credits"`
}

// Load reads the optional YAML file named by MALVIN_CONFIG_FILE, applies
// environment overrides and fills defaults.
func Load() (Config, error) {
	var cfg Config
	if path := strings.TrimSpace(os.Getenv("MALVIN_CONFIG_FILE")); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}

	overrideString(&cfg.AppEnv, "APP_ENV")
	overrideString(&cfg.LogLevel, "LOG_LEVEL")
	overrideString(&cfg.DBType, "DB_TYPE")
	overrideString(&cfg.DatabaseURL, "DATABASE_URL")
	overrideString(&cfg.DatabaseSchema, "DATABASE_SCHEMA")
	overrideString(&cfg.SQLitePath, "SQLITE_PATH")
	overrideString(&cfg.RedisAddr, "REDIS_ADDR")
	overrideString(&cfg.RedisPassword, "REDIS_PASSWORD")
	overrideString(&cfg.RedisPrefix, "REDIS_PREFIX")
	overrideString(&cfg.SessionsDir, "SESSIONS_DIR")
	overrideString(&cfg.SessionCredsFile, "SESSION_CREDS_FILE")
	overrideString(&cfg.WhatsAppLogLevel, "WHATSAPP_LOG_LEVEL")
	overrideString(&cfg.HTTPListenAddr, "HTTP_LISTEN_ADDR")
	overrideString(&cfg.MetricsNamespace, "METRICS_NAMESPACE")
	overrideString(&cfg.TopUpWebhookSecret, "TOPUP_WEBHOOK_SECRET")

	overrideString(&cfg.Defaults.Prefix, "PREFIX")
	overrideString(&cfg.Defaults.BotMode, "BOT_MODE")
	overrideString(&cfg.Defaults.AutoStatusMsg, "AUTO_STATUS_MSG")

	overrideString(&cfg.Billing.RawInitialCharge, "INITIAL_CHARGE")
	overrideString(&cfg.Billing.RawPeriodicCharge, "PERIODIC_CHARGE")
	overrideString(&cfg.Billing.RawStartingCredits, "STARTING_CREDITS")

	var err error
	if cfg.RedisDB, err = overrideInt(cfg.RedisDB, "REDIS_DB"); err != nil {
		return cfg, err
	}
	if cfg.RedisTLS, err = overrideBool(cfg.RedisTLS, "REDIS_TLS"); err != nil {
		return cfg, err
	}
	if cfg.StorageTimeout, err = overrideDuration(cfg.StorageTimeout, "STORAGE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.Billing.ChargeInterval, err = overrideDuration(cfg.Billing.ChargeInterval, "CHARGE_INTERVAL"); err != nil {
		return cfg, err
	}
	if cfg.TopUpClaimTTL, err = overrideDuration(cfg.TopUpClaimTTL, "TOPUP_CLAIM_TTL"); err != nil {
		return cfg, err
	}
	for key, dst := range map[string]**bool{
		"AUTO_STATUS_SEEN":  &cfg.Defaults.AutoStatusSeen,
		"AUTO_STATUS_REACT": &cfg.Defaults.AutoStatusReact,
		"AUTO_STATUS_REPLY": &cfg.Defaults.AutoStatusReply,
	} {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			continue
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return cfg, fmt.Errorf("parse %s: %w", key, err)
		}
		*dst = &v
	}

	applyDefaults(&cfg)

	if cfg.Billing.InitialCharge, err = ParseCredits(cfg.Billing.RawInitialCharge); err != nil {
		return cfg, fmt.Errorf("parse INITIAL_CHARGE: %w", err)
	}
	if cfg.Billing.PeriodicCharge, err = ParseCredits(cfg.Billing.RawPeriodicCharge); err != nil {
		return cfg, fmt.Errorf("parse PERIODIC_CHARGE: %w", err)
	}
	if cfg.Billing.StartingCredits, err = ParseCredits(cfg.Billing.RawStartingCredits); err != nil {
		return cfg, fmt.Errorf("parse STARTING_CREDITS: %w", err)
	}

	return cfg, cfg.validate()
}

func applyDefaults(cfg *Config) {
	if cfg.AppEnv == "" {
		cfg.AppEnv = "development"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBType == "" {
		cfg.DBType = BackendSQLite
	}
	cfg.DBType = strings.ToLower(cfg.DBType)
	if cfg.SQLitePath == "" {
		cfg.SQLitePath = "data/malvin.db"
	}
	if cfg.StorageTimeout == 0 {
		cfg.StorageTimeout = 10 * time.Second
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	if cfg.RedisPrefix == "" {
		cfg.RedisPrefix = "malvin"
	}
	if cfg.SessionsDir == "" {
		cfg.SessionsDir = "sessions"
	}
	if cfg.SessionCredsFile == "" {
		cfg.SessionCredsFile = "creds.db"
	}
	if cfg.WhatsAppLogLevel == "" {
		cfg.WhatsAppLogLevel = "WARN"
	}
	if cfg.HTTPListenAddr == "" {
		cfg.HTTPListenAddr = ":8080"
	}
	if cfg.MetricsNamespace == "" {
		cfg.MetricsNamespace = "malvin"
	}
	if cfg.Billing.RawInitialCharge == "" {
		cfg.Billing.RawInitialCharge = "0.30"
	}
	if cfg.Billing.RawPeriodicCharge == "" {
		cfg.Billing.RawPeriodicCharge = "0.25"
	}
	if cfg.Billing.RawStartingCredits == "" {
		cfg.Billing.RawStartingCredits = "1.00"
	}
	if cfg.Billing.ChargeInterval == 0 {
		cfg.Billing.ChargeInterval = 15 * time.Minute
	}
	if cfg.TopUpClaimTTL == 0 {
		cfg.TopUpClaimTTL = 72 * time.Hour
	}
}

func (c Config) validate() error {
	switch c.DBType {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DB_TYPE=%s", BackendPostgres)
		}
	case BackendSQLite, BackendRedis:
	default:
		return fmt.Errorf("unsupported DB_TYPE %q", c.DBType)
	}
	if c.Billing.PeriodicCharge <= 0 {
		return fmt.Errorf("PERIODIC_CHARGE must be positive")
	}
	if c.Billing.InitialCharge < 0 || c.Billing.StartingCredits < 0 {
		return fmt.Errorf("charges and starting credits must not be negative")
	}
	if c.Billing.ChargeInterval < time.Second {
		return fmt.Errorf("CHARGE_INTERVAL must be at least 1s")
	}
	if c.Defaults.BotMode != "" && c.Defaults.BotMode != "public" && c.Defaults.BotMode != "private" {
		return fmt.Errorf("BOT_MODE must be public or private, got %q", c.Defaults.BotMode)
	}
	return nil
}

// ParseCredits converts a decimal credit string such as "0.25" into minor units.
func ParseCredits(raw string) (int64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("invalid amount %q", raw)
	}
	return int64(math.Round(v * 100)), nil
}

func loadFile(path string, cfg *Config) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config file: %w", err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func overrideString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func overrideInt(cur int, key string) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return cur, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return cur, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

func overrideBool(cur bool, key string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return cur, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return cur, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

func overrideDuration(cur time.Duration, key string) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return cur, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return cur, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

// Package config loads gateway configuration from a YAML file with
// environment-variable overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Duration parses yaml values like "30s" or "10m"; yaml.v2 does not decode
// duration strings into time.Duration on its own.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Events   EventsConfig   `yaml:"events"`
	Retry    RetryConfig    `yaml:"retry"`
	PSP      PSPConfig      `yaml:"psp"`
	Fraud    FraudConfig    `yaml:"fraud"`
	ThreeDS  ThreeDSConfig  `yaml:"three_ds"`
	Webhooks WebhooksConfig `yaml:"webhooks"`
	FX       FXConfig       `yaml:"fx"`
	Ledger   LedgerConfig   `yaml:"ledger"`
}

type ServerConfig struct {
	Port              int    `yaml:"port"`
	Env               string `yaml:"env"`
	LogLevel          string `yaml:"log_level"`
	MaxCallsPerMinute int    `yaml:"max_calls_per_minute"`
}

type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type EventsConfig struct {
	ProjectID     string `yaml:"project_id"`
	Topic         string `yaml:"topic"`
	DLQTopic      string `yaml:"dlq_topic"`
	Subscription  string `yaml:"subscription"`
	MarkerTTLDays int    `yaml:"marker_ttl_days"`
}

type RetryConfig struct {
	InitialDelay     Duration `yaml:"initial_delay"`
	Multiplier       float64  `yaml:"multiplier"`
	MaxDelay         Duration `yaml:"max_delay"`
	MaxAttempts      int      `yaml:"max_attempts"`
	FailureThreshold int      `yaml:"failure_threshold"`
	SuccessThreshold int      `yaml:"success_threshold"`
	OpenTimeout      Duration `yaml:"open_timeout"`
}

// PSPEntry configures one provider for a merchant route.
// Lower priority wins; the router walks entries in ascending order.
type PSPEntry struct {
	Name     string `yaml:"name"`
	Priority int    `yaml:"priority"`
}

type PSPConfig struct {
	Default     []PSPEntry `yaml:"default"`
	CallTimeout Duration   `yaml:"call_timeout"`
}

type FraudConfig struct {
	BlockThreshold  float64  `yaml:"block_threshold"`
	ReviewThreshold float64  `yaml:"review_threshold"`
	CallTimeout     Duration `yaml:"call_timeout"`
}

type ThreeDSConfig struct {
	SessionTTL  Duration `yaml:"session_ttl"`
	CallTimeout Duration `yaml:"call_timeout"`
}

type WebhooksConfig struct {
	MaxAttempts     int      `yaml:"max_attempts"`
	DeliveryTimeout Duration `yaml:"delivery_timeout"`
	ScanInterval    Duration `yaml:"scan_interval"`
	UseCloudTasks   bool     `yaml:"use_cloud_tasks"`
	TasksProject    string   `yaml:"tasks_project"`
	TasksLocation   string   `yaml:"tasks_location"`
	TasksQueue      string   `yaml:"tasks_queue"`
}

type FXConfig struct {
	CacheTTL Duration `yaml:"cache_ttl"`
}

type LedgerConfig struct {
	Addr    string `yaml:"addr"`
	Enabled bool   `yaml:"enabled"`
}

// Load reads the YAML file at path and applies environment overrides.
// A .env file in the working directory is loaded first if present.
func Load(path string) (*Config, error) {
	// Best effort; absence of .env is normal outside local dev.
	_ = godotenv.Load()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg := Defaults()
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyEnv()
	return cfg, nil
}

// Defaults returns a config populated with the documented default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              8080,
			Env:               "dev",
			LogLevel:          "info",
			MaxCallsPerMinute: 120,
		},
		Database: DatabaseConfig{
			MaxOpenConns: 25,
			MaxIdleConns: 10,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Events: EventsConfig{
			Topic:         "payment-events",
			DLQTopic:      "payment-events-dlq",
			Subscription:  "payment-events-gateway",
			MarkerTTLDays: 7,
		},
		Retry: RetryConfig{
			InitialDelay:     Duration(time.Second),
			Multiplier:       2.0,
			MaxDelay:         Duration(60 * time.Second),
			MaxAttempts:      5,
			FailureThreshold: 5,
			SuccessThreshold: 3,
			OpenTimeout:      Duration(30 * time.Second),
		},
		PSP: PSPConfig{
			Default: []PSPEntry{
				{Name: "STRIPE", Priority: 1},
				{Name: "ADYEN", Priority: 2},
			},
			CallTimeout: Duration(10 * time.Second),
		},
		Fraud: FraudConfig{
			BlockThreshold:  0.75,
			ReviewThreshold: 0.50,
			CallTimeout:     Duration(5 * time.Second),
		},
		ThreeDS: ThreeDSConfig{
			SessionTTL:  Duration(10 * time.Minute),
			CallTimeout: Duration(5 * time.Second),
		},
		Webhooks: WebhooksConfig{
			MaxAttempts:     5,
			DeliveryTimeout: Duration(15 * time.Second),
			ScanInterval:    Duration(60 * time.Second),
		},
		FX: FXConfig{CacheTTL: Duration(time.Hour)},
	}
}

// applyEnv overrides file values from the environment. Only settings that
// differ per deployment (endpoints, credentials) are overridable.
func (c *Config) applyEnv() {
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("GATEWAY_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		c.Events.ProjectID = v
	}
	if v := os.Getenv("LEDGER_ADDR"); v != "" {
		c.Ledger.Addr = v
		c.Ledger.Enabled = true
	}
}

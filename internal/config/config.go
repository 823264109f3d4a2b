// Package config centralizes how the capsule tools read their settings: built-in
// defaults, then an optional YAML file, then CAPSULE_* environment variables.
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

// Config represents runtime configuration for the CLI and the unlock worker.
type Config struct {
	Server        string        `yaml:"server"`
	OwnerKey      string        `yaml:"key"`
	RatePerMinute int           `yaml:"rate_per_minute"`
	DeleteSettle  time.Duration `yaml:"delete_settle"`
	ProgressTick  time.Duration `yaml:"progress_tick"`
	DownloadDir   string        `yaml:"download_dir"`
	S3            S3            `yaml:"s3"`
	DatabaseURL   string        `yaml:"database_url"`
	Redis         Redis         `yaml:"redis"`
	Workers       int           `yaml:"workers"`
}

// S3 points the bucket saver at a MinIO or S3 endpoint. An empty Endpoint keeps
// unlocked capsules on local disk.
type S3 struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Redis is where scheduled unlocks wait.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

const (
	defaultServer       = "http://localhost:5000"
	defaultRate         = 40
	defaultDeleteSettle = 500 * time.Millisecond
	defaultProgressTick = 100 * time.Millisecond
	defaultDownloadDir  = "."
	defaultBucket       = "capsules"
	defaultRedisAddr    = "127.0.0.1:6379"
	defaultWorkerCount  = 2
)

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Server:        defaultServer,
		RatePerMinute: defaultRate,
		DeleteSettle:  defaultDeleteSettle,
		ProgressTick:  defaultProgressTick,
		DownloadDir:   defaultDownloadDir,
		S3:            S3{Bucket: defaultBucket},
		Redis:         Redis{Addr: defaultRedisAddr},
		Workers:       defaultWorkerCount,
	}
}

// Load builds the configuration. The YAML file named by CAPSULE_CONFIG, if any,
// overrides the defaults and the environment overrides both.
func Load() (*Config, error) {
	cfg := Default()
	if path := readEnv("CAPSULE_CONFIG", ""); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server = readEnv("CAPSULE_SERVER", c.Server)
	c.OwnerKey = readEnv("CAPSULE_KEY", c.OwnerKey)
	c.RatePerMinute = parseInt("CAPSULE_RATE_PER_MINUTE", c.RatePerMinute)
	c.DeleteSettle = parseDuration("CAPSULE_DELETE_SETTLE", c.DeleteSettle)
	c.ProgressTick = parseDuration("CAPSULE_PROGRESS_TICK", c.ProgressTick)
	c.DownloadDir = readEnv("CAPSULE_DOWNLOAD_DIR", c.DownloadDir)

	c.S3.Endpoint = readEnv("CAPSULE_S3_ENDPOINT", c.S3.Endpoint)
	c.S3.AccessKey = readEnv("CAPSULE_S3_ACCESS_KEY", c.S3.AccessKey)
	c.S3.SecretKey = readEnv("CAPSULE_S3_SECRET_KEY", c.S3.SecretKey)
	c.S3.Bucket = readEnv("CAPSULE_S3_BUCKET", c.S3.Bucket)
	c.S3.Region = readEnv("CAPSULE_S3_REGION", c.S3.Region)
	c.S3.UseSSL = parseBool("CAPSULE_S3_USE_SSL", c.S3.UseSSL)

	c.DatabaseURL = readEnv("CAPSULE_DATABASE_URL", c.DatabaseURL)
	c.Redis.Addr = readEnv("CAPSULE_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = readEnv("CAPSULE_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = parseInt("CAPSULE_REDIS_DB", c.Redis.DB)
	c.Workers = parseInt("CAPSULE_WORKERS", c.Workers)
}

func (c *Config) normalize() error {
	c.Server = strings.TrimRight(strings.TrimSpace(c.Server), "/")
	c.OwnerKey = strings.TrimSpace(c.OwnerKey)
	if c.Server == "" {
		return errors.New("capsule server address is empty")
	}
	if c.RatePerMinute < 0 {
		c.RatePerMinute = defaultRate
	}
	if c.DeleteSettle <= 0 {
		c.DeleteSettle = defaultDeleteSettle
	}
	if c.ProgressTick <= 0 {
		c.ProgressTick = defaultProgressTick
	}
	if c.DownloadDir == "" {
		c.DownloadDir = defaultDownloadDir
	}
	if c.S3.Bucket == "" {
		c.S3.Bucket = defaultBucket
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkerCount
	}
	return nil
}

func readEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func parseInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseDuration(key string, def time.Duration) time.Duration {
	// time.ParseDuration understands inputs like "500ms" or "2s".
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}

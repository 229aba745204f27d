// Package config loads the replay daemon configuration from YAML with .env and
// REPLAY_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/technosupport/ts-replay/internal/platform/paths"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Replay    ReplayConfig    `yaml:"replay"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Database  DatabaseConfig  `yaml:"database"`
	FileCache FileCacheConfig `yaml:"file_cache"`
	NATS      NATSConfig      `yaml:"nats"`
	Redis     RedisConfig     `yaml:"redis"`
	Camera    CameraConfig    `yaml:"camera"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type ServerConfig struct {
	Addr          string `yaml:"addr"`
	JWTSigningKey string `yaml:"jwt_signing_key"`
	AuthDisabled  bool   `yaml:"auth_disabled"`
}

type FlagsConfig struct {
	DualCamera      bool `yaml:"dual_camera"`
	ExtraCamera     bool `yaml:"extra_camera"`
	NoLoop          bool `yaml:"no_loop"`
	NoFileCache     bool `yaml:"no_file_cache"`
	QCamera         bool `yaml:"qcamera"`
	NoHWDecoder     bool `yaml:"no_hw_decoder"`
	NoVideoPipeline bool `yaml:"no_video_pipeline"`
	AllChannels     bool `yaml:"all_channels"`
}

type ReplayConfig struct {
	Route              string      `yaml:"route"`
	DataDir            string      `yaml:"data_dir"`
	StartSeconds       float64     `yaml:"start_seconds"`
	Speed              float64     `yaml:"speed"`
	SegmentCacheLimit  int         `yaml:"segment_cache_limit"`
	LoadWorkers        int         `yaml:"load_workers"`
	StallTimeoutMs     int         `yaml:"stall_timeout_ms"`
	SkipFailedSegments bool        `yaml:"skip_failed_segments"`
	Live               bool        `yaml:"live"`
	Allow              []string    `yaml:"allow"`
	Block              []string    `yaml:"block"`
	Flags              FlagsConfig `yaml:"flags"`
}

func (c ReplayConfig) StallTimeout() time.Duration {
	return time.Duration(c.StallTimeoutMs) * time.Millisecond
}

type CatalogConfig struct {
	Source           string `yaml:"source"` // dir or sql
	CacheSize        int    `yaml:"cache_size"`
	CacheTTLSeconds  int    `yaml:"cache_ttl_seconds"`
	WatchPollSeconds int    `yaml:"watch_poll_seconds"`
}

func (c CatalogConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

func (c CatalogConfig) WatchPoll() time.Duration {
	return time.Duration(c.WatchPollSeconds) * time.Second
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type FileCacheConfig struct {
	Dir      string `yaml:"dir"`
	TTLHours int    `yaml:"ttl_hours"`
}

func (c FileCacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

type NATSConfig struct {
	URL             string `yaml:"url"`
	SubjectPrefix   string `yaml:"subject_prefix"`
	PublishRetryMax int    `yaml:"publish_retry_max"`
}

type RedisConfig struct {
	Addr string `yaml:"addr"`

	// RecordState sends replayed messages to a Redis snapshot instead of the bus.
	RecordState     bool `yaml:"record_state"`
	StateTTLSeconds int  `yaml:"state_ttl_seconds"`

	// control API rate limit, per token subject or client address
	RateLimit       int `yaml:"rate_limit"`
	RateLimitWindow int `yaml:"rate_limit_window_seconds"`
}

func (c RedisConfig) StateTTL() time.Duration {
	return time.Duration(c.StateTTLSeconds) * time.Second
}

type CameraConfig struct {
	QueueSize int `yaml:"queue_size"`
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Default returns the configuration used when no file or override sets a value.
func Default() *Config {
	dataRoot := paths.ResolveDataRoot()
	return &Config{
		Server: ServerConfig{Addr: ":8090"},
		Replay: ReplayConfig{
			DataDir:           filepath.Join(dataRoot, "routes"),
			Speed:             1,
			SegmentCacheLimit: 5,
			LoadWorkers:       2,
		},
		Catalog: CatalogConfig{
			Source:           "dir",
			CacheSize:        64,
			CacheTTLSeconds:  300,
			WatchPollSeconds: 30,
		},
		FileCache: FileCacheConfig{
			Dir:      filepath.Join(dataRoot, "cache"),
			TTLHours: 24 * 7,
		},
		NATS: NATSConfig{
			SubjectPrefix:   "replay",
			PublishRetryMax: 3,
		},
		Redis:   RedisConfig{StateTTLSeconds: 3600, RateLimit: 120, RateLimitWindow: 60},
		Camera:  CameraConfig{QueueSize: 16},
		Tracing: TracingConfig{ServiceName: "ts-replay"},
	}
}

// Load reads the YAML file at path over the defaults, then applies environment
// overrides. A missing file is not an error; an explicit path that fails to parse is.
// Variables from envFiles (default ".env") are loaded first without overriding the
// process environment.
func Load(path string, envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", f, err)
		}
	}

	cfg := Default()
	path = paths.ResolveConfigPath(path)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Addr = getEnv("REPLAY_ADDR", c.Server.Addr)
	c.Server.JWTSigningKey = getEnv("REPLAY_JWT_SIGNING_KEY", c.Server.JWTSigningKey)
	c.Server.AuthDisabled = getEnvBool("REPLAY_AUTH_DISABLED", c.Server.AuthDisabled)

	c.Replay.Route = getEnv("REPLAY_ROUTE", c.Replay.Route)
	c.Replay.DataDir = getEnv("REPLAY_DATA_DIR", c.Replay.DataDir)
	c.Replay.SegmentCacheLimit = getEnvInt("REPLAY_SEGMENT_CACHE_LIMIT", c.Replay.SegmentCacheLimit)
	c.Replay.LoadWorkers = getEnvInt("REPLAY_LOAD_WORKERS", c.Replay.LoadWorkers)
	c.Replay.StallTimeoutMs = getEnvInt("REPLAY_STALL_TIMEOUT_MS", c.Replay.StallTimeoutMs)
	c.Replay.Live = getEnvBool("REPLAY_LIVE", c.Replay.Live)
	if v := os.Getenv("REPLAY_ALLOW"); v != "" {
		c.Replay.Allow = splitList(v)
	}
	if v := os.Getenv("REPLAY_BLOCK"); v != "" {
		c.Replay.Block = splitList(v)
	}

	c.Catalog.Source = getEnv("REPLAY_CATALOG_SOURCE", c.Catalog.Source)
	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)
	c.FileCache.Dir = getEnv("REPLAY_FILE_CACHE_DIR", c.FileCache.Dir)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Tracing.Enabled = getEnvBool("REPLAY_TRACING", c.Tracing.Enabled)
}

// Validate rejects combinations the daemon cannot start with.
func (c *Config) Validate() error {
	switch c.Catalog.Source {
	case "dir":
		if c.Replay.DataDir == "" {
			return errors.New("config: replay.data_dir is required for the dir catalog")
		}
	case "sql":
		if c.Database.URL == "" {
			return errors.New("config: database.url is required for the sql catalog")
		}
	default:
		return fmt.Errorf("config: unknown catalog.source %q", c.Catalog.Source)
	}
	if c.Replay.Speed <= 0 {
		return fmt.Errorf("config: replay.speed must be positive, got %v", c.Replay.Speed)
	}
	if !c.Server.AuthDisabled && c.Server.JWTSigningKey == "" {
		return errors.New("config: server.jwt_signing_key is required unless auth is disabled")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if s := os.Getenv(key); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

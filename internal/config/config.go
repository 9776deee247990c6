package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/h8rt3rmin8r/faceforge/internal/model"
)

type Config struct {
	Addr       string           `yaml:"addr"`
	Home       string           `yaml:"home"`
	Log        LogConfig        `yaml:"log"`
	Storage    StorageConfig    `yaml:"storage"`
	Tools      ToolsConfig      `yaml:"tools"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Jobs       JobsConfig       `yaml:"jobs"`
}

type LogConfig struct {
	File  string `yaml:"file"`
	Level string `yaml:"level"`
}

type StorageConfig struct {
	Routing RoutingConfig `yaml:"routing"`
	S3      S3Config      `yaml:"s3"`
}

// RoutingConfig decides which provider receives a new upload.
// KindMap wins over S3MinSizeBytes, which wins over DefaultProvider.
type RoutingConfig struct {
	DefaultProvider string            `yaml:"default_provider"`
	KindMap         map[string]string `yaml:"kind_map"`
	S3MinSizeBytes  *int64            `yaml:"s3_min_size_bytes"`
}

type S3Config struct {
	Enabled            bool          `yaml:"enabled"`
	EndpointURL        string        `yaml:"endpoint_url"`
	AccessKey          string        `yaml:"access_key"`
	SecretKey          string        `yaml:"secret_key"`
	Region             string        `yaml:"region"`
	UseSSL             bool          `yaml:"use_ssl"`
	Bucket             string        `yaml:"bucket"`
	ProbeTimeout       time.Duration `yaml:"probe_timeout"`
	MultipartThreshold int64         `yaml:"multipart_threshold"`
}

// Configured reports whether enough is set to build a client.
func (c S3Config) Configured() bool {
	return c.Enabled && c.EndpointURL != "" && c.AccessKey != "" && c.SecretKey != "" && c.Bucket != ""
}

type ToolsConfig struct {
	ExifToolEnabled bool   `yaml:"exiftool_enabled"`
	ExifToolPath    string `yaml:"exiftool_path"`
}

type ExtractionConfig struct {
	Workers      int           `yaml:"workers"`
	QueueSize    int           `yaml:"queue_size"`
	Timeout      time.Duration `yaml:"timeout"`
	SkipPatterns []string      `yaml:"skip_patterns"`
}

type JobsConfig struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

func Default() Config {
	return Config{
		Addr: "127.0.0.1:43210",
		Home: "data",
		Log:  LogConfig{Level: "info"},
		Storage: StorageConfig{
			Routing: RoutingConfig{DefaultProvider: model.ProviderFS, KindMap: map[string]string{}},
			S3: S3Config{
				Region:             "us-east-1",
				Bucket:             "faceforge",
				ProbeTimeout:       2 * time.Second,
				MultipartThreshold: 16 << 20,
			},
		},
		Tools:      ToolsConfig{ExifToolEnabled: true},
		Extraction: ExtractionConfig{Workers: 2, QueueSize: 64, Timeout: 60 * time.Second},
		Jobs:       JobsConfig{Workers: 2, PollInterval: time.Second},
	}
}

// Load builds the effective configuration: defaults, then the YAML file, then
// FACEFORGE_* environment overrides. An empty path means
// <home>/config/core.yaml, which may be absent.
func Load(path string) (Config, error) { return LoadWithHome(path, "") }

// LoadWithHome is Load with the home directory pinned, as by the --home
// flag. It wins over the file and the environment.
func LoadWithHome(path, home string) (Config, error) {
	cfg := Default()
	cfg.Home = getenv("FACEFORGE_HOME", cfg.Home)
	if home != "" {
		cfg.Home = home
	}

	explicit := path != ""
	if !explicit {
		path = filepath.Join(cfg.Home, "config", "core.yaml")
	}
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if home != "" {
		cfg.Home = home
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	cfg.Addr = getenv("FACEFORGE_ADDR", cfg.Addr)
	cfg.Home = getenv("FACEFORGE_HOME", cfg.Home)
	cfg.Log.File = getenv("FACEFORGE_LOG_FILE", cfg.Log.File)
	cfg.Log.Level = getenv("FACEFORGE_LOG_LEVEL", cfg.Log.Level)

	r := &cfg.Storage.Routing
	r.DefaultProvider = getenv("FACEFORGE_DEFAULT_PROVIDER", r.DefaultProvider)
	if raw := os.Getenv("FACEFORGE_S3_MIN_SIZE_BYTES"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("FACEFORGE_S3_MIN_SIZE_BYTES: %w", err)
		}
		r.S3MinSizeBytes = &v
	}

	s3 := &cfg.Storage.S3
	var err error
	if s3.Enabled, err = getenvBool("FACEFORGE_S3_ENABLED", s3.Enabled); err != nil {
		return err
	}
	if s3.UseSSL, err = getenvBool("FACEFORGE_S3_USE_SSL", s3.UseSSL); err != nil {
		return err
	}
	s3.EndpointURL = getenv("FACEFORGE_S3_ENDPOINT", s3.EndpointURL)
	s3.AccessKey = getenv("FACEFORGE_S3_ACCESS_KEY", s3.AccessKey)
	s3.SecretKey = getenv("FACEFORGE_S3_SECRET_KEY", s3.SecretKey)
	s3.Region = getenv("FACEFORGE_S3_REGION", s3.Region)
	s3.Bucket = getenv("FACEFORGE_S3_BUCKET", s3.Bucket)

	if cfg.Tools.ExifToolEnabled, err = getenvBool("FACEFORGE_EXIFTOOL_ENABLED", cfg.Tools.ExifToolEnabled); err != nil {
		return err
	}
	cfg.Tools.ExifToolPath = getenv("FACEFORGE_EXIFTOOL_PATH", cfg.Tools.ExifToolPath)
	cfg.Extraction.SkipPatterns = getenvCSV("FACEFORGE_EXTRACT_SKIP_PATTERNS", cfg.Extraction.SkipPatterns)

	if cfg.Jobs.Workers, err = getenvInt("FACEFORGE_JOB_WORKERS", cfg.Jobs.Workers); err != nil {
		return err
	}
	if cfg.Extraction.Workers, err = getenvInt("FACEFORGE_EXTRACT_WORKERS", cfg.Extraction.Workers); err != nil {
		return err
	}
	return nil
}

func (c *Config) normalize() {
	c.Storage.Routing.DefaultProvider = strings.ToLower(strings.TrimSpace(c.Storage.Routing.DefaultProvider))
	if c.Storage.Routing.DefaultProvider == "" {
		c.Storage.Routing.DefaultProvider = model.ProviderFS
	}
	km := make(map[string]string, len(c.Storage.Routing.KindMap))
	for k, v := range c.Storage.Routing.KindMap {
		km[strings.ToLower(strings.TrimSpace(k))] = strings.ToLower(strings.TrimSpace(v))
	}
	c.Storage.Routing.KindMap = km
	if c.Storage.S3.ProbeTimeout <= 0 {
		c.Storage.S3.ProbeTimeout = 2 * time.Second
	}
	if c.Jobs.PollInterval <= 0 {
		c.Jobs.PollInterval = time.Second
	}
}

func (c Config) Validate() error {
	if c.Home == "" {
		return fmt.Errorf("%w: home must be set", model.ErrInvalidInput)
	}
	if !validProvider(c.Storage.Routing.DefaultProvider) {
		return fmt.Errorf("%w: unknown default_provider %q", model.ErrInvalidInput, c.Storage.Routing.DefaultProvider)
	}
	for kind, p := range c.Storage.Routing.KindMap {
		if !validProvider(p) {
			return fmt.Errorf("%w: kind_map[%s] names unknown provider %q", model.ErrInvalidInput, kind, p)
		}
	}
	if v := c.Storage.Routing.S3MinSizeBytes; v != nil && *v < 0 {
		return fmt.Errorf("%w: s3_min_size_bytes must be >= 0", model.ErrInvalidInput)
	}
	if c.Extraction.Workers < 1 || c.Extraction.QueueSize < 1 {
		return fmt.Errorf("%w: extraction workers and queue_size must be >= 1", model.ErrInvalidInput)
	}
	if c.Jobs.Workers < 1 {
		return fmt.Errorf("%w: jobs.workers must be >= 1", model.ErrInvalidInput)
	}
	return nil
}

func validProvider(p string) bool { return p == model.ProviderFS || p == model.ProviderS3 }

// Redacted returns a copy that is safe to print.
func (c Config) Redacted() Config {
	if c.Storage.S3.SecretKey != "" {
		c.Storage.S3.SecretKey = "********"
	}
	return c
}

func (c Config) DBPath() string     { return filepath.Join(c.Home, "db", "core.sqlite3") }
func (c Config) AssetsDir() string  { return filepath.Join(c.Home, "assets") }
func (c Config) StagingDir() string { return filepath.Join(c.Home, "run", "staging") }
func (c Config) ToolsDir() string   { return filepath.Join(c.Home, "tools") }

// LockPath is held by the process that owns the home's job engine.
func (c Config) LockPath() string { return filepath.Join(c.Home, "run", "core.lock") }

// LogPath is the rotating log file; empty disables file logging.
func (c Config) LogPath() string {
	if c.Log.File == "-" {
		return ""
	}
	if c.Log.File != "" {
		return c.Log.File
	}
	return filepath.Join(c.Home, "logs", "core.log")
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvBool(key string, fallback bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getenvInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getenvCSV(key string, fallback []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	values := splitCSV(raw)
	if len(values) == 0 {
		return fallback
	}
	return values
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

// Package config resolves runtime settings from an optional YAML file and the
// environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/andresmejia3/lineage/internal/camera"
	"github.com/andresmejia3/lineage/internal/matcher"
	"gopkg.in/yaml.v3"
)

// DefaultFile is read when no explicit path is given and it exists.
const DefaultFile = "lineage.yaml"

type Config struct {
	Directory DirectoryConfig `yaml:"directory"`
	Photos    PhotosConfig    `yaml:"photos"`
	Database  DatabaseConfig  `yaml:"database"`
	Cache     CacheConfig     `yaml:"cache"`
	Matcher   MatcherConfig   `yaml:"matcher"`
	Worker    WorkerConfig    `yaml:"worker"`
	Camera    CameraConfig    `yaml:"camera"`
	Server    ServerConfig    `yaml:"server"`
}

type DirectoryConfig struct {
	Source string `yaml:"source"` // "file" or "postgres"
	Path   string `yaml:"path"`   // data.json for the file source
}

type PhotosConfig struct {
	Base string `yaml:"base"` // directory or http(s) URL holding <image>.JPG
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type CacheConfig struct {
	Backend string `yaml:"backend"` // "file", "postgres" or "memory"
	Dir     string `yaml:"dir"`
}

type MatcherConfig struct {
	Threshold float64 `yaml:"threshold"`
	Metric    string  `yaml:"metric"`
}

type WorkerConfig struct {
	Python   string        `yaml:"python"`
	Script   string        `yaml:"script"`
	ModelDir string        `yaml:"models"`
	Timeout  time.Duration `yaml:"timeout"`
}

type CameraConfig struct {
	Backend      string `yaml:"backend"` // "v4l2", "ffmpeg" or "still"
	Facing       string `yaml:"facing"`
	Viewport     int    `yaml:"viewport"`
	FrontDevice  string `yaml:"front"`
	BackDevice   string `yaml:"back"`
	FFmpegFormat string `yaml:"ffmpegFormat"`
	Image        string `yaml:"image"` // picture served by the still backend
	MaxWidth     int    `yaml:"maxWidth"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Directory: DirectoryConfig{Source: "file", Path: "data/data.json"},
		Photos:    PhotosConfig{Base: "public/images"},
		Database:  DatabaseConfig{URL: "postgres://localhost:5432/lineage"},
		Cache:     CacheConfig{Backend: "file", Dir: defaultCacheDir()},
		Matcher:   MatcherConfig{Threshold: matcher.DefaultThreshold, Metric: "euclidean"},
		Worker:    WorkerConfig{Python: "python3", Script: "python/worker.py", Timeout: 30 * time.Second},
		Camera: CameraConfig{
			Backend:      "v4l2",
			Facing:       string(camera.DefaultFacing),
			Viewport:     1024,
			FrontDevice:  "/dev/video0",
			FFmpegFormat: "v4l2",
			MaxWidth:     640,
		},
		Server: ServerConfig{Listen: ":8080"},
	}
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(".cache", "lineage")
	}
	return filepath.Join(dir, "lineage")
}

// Load starts from Default, merges the YAML file at path (or DefaultFile when
// path is empty and the file exists) and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("invalid config file %s: %w", path, err)
		}
	case explicit || !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("LINEAGE_DIRECTORY_SOURCE", &c.Directory.Source)
	str("LINEAGE_DIRECTORY", &c.Directory.Path)
	str("LINEAGE_PHOTOS", &c.Photos.Base)
	str("LINEAGE_CACHE", &c.Cache.Backend)
	str("LINEAGE_CACHE_DIR", &c.Cache.Dir)
	str("LINEAGE_METRIC", &c.Matcher.Metric)
	str("LINEAGE_PYTHON", &c.Worker.Python)
	str("LINEAGE_WORKER_SCRIPT", &c.Worker.Script)
	str("LINEAGE_MODELS", &c.Worker.ModelDir)
	str("LINEAGE_CAMERA", &c.Camera.Backend)
	str("LINEAGE_CAMERA_FACING", &c.Camera.Facing)
	str("LINEAGE_FRONT_DEVICE", &c.Camera.FrontDevice)
	str("LINEAGE_BACK_DEVICE", &c.Camera.BackDevice)
	str("LINEAGE_IMAGE", &c.Camera.Image)
	str("LINEAGE_LISTEN", &c.Server.Listen)

	if v := os.Getenv("LINEAGE_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid LINEAGE_THRESHOLD: %w", err)
		}
		c.Matcher.Threshold = f
	}
	if v := os.Getenv("LINEAGE_VIEWPORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid LINEAGE_VIEWPORT: %w", err)
		}
		c.Camera.Viewport = n
	}
	if v := os.Getenv("LINEAGE_WORKER_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid LINEAGE_WORKER_TIMEOUT: %w", err)
		}
		c.Worker.Timeout = d
	}

	// DATABASE_URL wins, otherwise assemble one from the POSTGRES_* variables.
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	} else if host := os.Getenv("POSTGRES_HOST"); host != "" {
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		c.Database.URL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
			os.Getenv("POSTGRES_USER"), os.Getenv("POSTGRES_PASSWORD"), host, port, os.Getenv("POSTGRES_DB"))
	}
	return nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	switch c.Directory.Source {
	case "file", "postgres":
	default:
		return fmt.Errorf("unknown directory source %q", c.Directory.Source)
	}
	switch c.Cache.Backend {
	case "file", "postgres", "memory":
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	switch c.Camera.Backend {
	case "v4l2", "ffmpeg", "still":
	default:
		return fmt.Errorf("unknown camera backend %q", c.Camera.Backend)
	}
	if c.Camera.Backend == "still" && c.Camera.Image == "" {
		return fmt.Errorf("still camera backend needs an image")
	}
	if c.Matcher.Threshold <= 0 {
		return fmt.Errorf("threshold must be positive, got %v", c.Matcher.Threshold)
	}
	if _, err := matcher.MetricByName(c.Matcher.Metric); err != nil {
		return err
	}
	if _, err := camera.ParseFacing(c.Camera.Facing); err != nil {
		return err
	}
	return nil
}

// UsesDatabase reports whether any configured component needs Postgres.
func (c *Config) UsesDatabase() bool {
	return c.Directory.Source == "postgres" || c.Cache.Backend == "postgres"
}

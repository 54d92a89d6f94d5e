package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/ritzau/provgraph/pkg/filter"
	"github.com/ritzau/provgraph/pkg/logging"
)

const (
	// DefaultFile is read from the working directory when no --config flag
	// is given.
	DefaultFile = "provgraph.toml"
	// EnvPrefix prefixes environment overrides, e.g. PROVGRAPH_HTTP_PORT.
	EnvPrefix = "PROVGRAPH_"
)

// Config holds all configuration for the daemon and CLI
type Config struct {
	Storage StorageConfig `koanf:"storage"`
	HTTP    HTTPConfig    `koanf:"http"`
	Sketch  SketchConfig  `koanf:"sketch"`
	Lineage LineageConfig `koanf:"lineage"`
	Ingest  IngestConfig  `koanf:"ingest"`
	Log     LogConfig     `koanf:"log"`
	Watch   bool          `koanf:"watch"`

	// File is the config file that was loaded, empty if none was found.
	File string `koanf:"-"`
}

type StorageConfig struct {
	Backend string `koanf:"backend"`
	Path    string `koanf:"path"`
	Base    string `koanf:"base"`
}

type HTTPConfig struct {
	Port int `koanf:"port"`
}

type SketchConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
	// FPR is the Bloom false-positive rate; 0 selects exact sets.
	FPR         float64       `koanf:"fpr"`
	Capacity    uint          `koanf:"capacity"`
	Workers     int64         `koanf:"workers"`
	Depth       int           `koanf:"depth"`
	Rate        float64       `koanf:"rate"`
	Timeout     time.Duration `koanf:"timeout"`
	TaskTimeout time.Duration `koanf:"tasktimeout"`
	Snapshot    string        `koanf:"snapshot"`
}

type LineageConfig struct {
	Limit   int           `koanf:"limit"`
	Timeout time.Duration `koanf:"timeout"`
}

type IngestConfig struct {
	Filters []string `koanf:"filters"`
}

type LogConfig struct {
	Level string `koanf:"level"`
	JSON  bool   `koanf:"json"`
}

// Defaults returns the built-in configuration values, nested the way they
// appear in the config file.
func Defaults() map[string]any {
	return map[string]any{
		"storage": map[string]any{
			"backend": "memory",
			"path":    "provgraph.db",
			"base":    "base",
		},
		"http": map[string]any{
			"port": 8080,
		},
		"sketch": map[string]any{
			"host":        "",
			"port":        9999,
			"fpr":         0.1,
			"capacity":    20,
			"workers":     4,
			"depth":       20,
			"rate":        0.0,
			"timeout":     "5s",
			"tasktimeout": "30s",
			"snapshot":    "",
		},
		"lineage": map[string]any{
			"limit":   1000,
			"timeout": "60s",
		},
		"ingest": map[string]any{
			"filters": []string{},
		},
		"log": map[string]any{
			"level": "info",
			"json":  false,
		},
		"watch": false,
	}
}

// flagKeys maps command-line flag names to config keys. Flags not listed
// here are not configuration.
var flagKeys = map[string]string{
	"backend":     "storage.backend",
	"db":          "storage.path",
	"port":        "http.port",
	"host":        "sketch.host",
	"sketch-port": "sketch.port",
	"filters":     "ingest.filters",
	"log-level":   "log.level",
	"log-json":    "log.json",
	"watch":       "watch",
}

// Flags registers the configuration flags on f.
func Flags(f *pflag.FlagSet) {
	f.String("config", DefaultFile, "Path to the config file")
	f.String("backend", "memory", "Storage backend (memory, badger, sqlite)")
	f.String("db", "provgraph.db", "Database file or directory")
	f.Int("port", 8080, "HTTP API port")
	f.String("host", "", "Host identity used in sketches (defaults to the hostname)")
	f.Int("sketch-port", 9999, "Sketch exchange port")
	f.StringSlice("filters", nil, "Ingest filters in order (cycle, finesse, runs)")
	f.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	f.Bool("log-json", false, "Log JSON instead of the console format")
	f.Bool("watch", false, "Reload the log level when the config file changes")
}

// Load loads configuration from defaults, config file, environment variables, and flags.
// Priority: Flags > Env > Config File > Defaults
func Load(f *pflag.FlagSet) (*Config, error) {
	path := DefaultFile
	explicit := false
	if f != nil {
		if fl := f.Lookup("config"); fl != nil {
			path = fl.Value.String()
			explicit = fl.Changed
		}
	}
	return LoadFile(path, explicit, f)
}

// LoadFile is Load with an explicit config file. A missing file is an
// error only when required is set.
func LoadFile(path string, required bool, f *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	// 1. Defaults
	if err := k.Load(makeMapProvider(Defaults()), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Config File (optional) - provgraph.toml
	loaded := ""
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load %s: %w", path, err)
			}
			loaded = path
		} else if required {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	// 3. Environment Variables
	// Prefix: PROVGRAPH_ (e.g., PROVGRAPH_SKETCH_PORT=9000)
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(
			strings.TrimPrefix(s, EnvPrefix)), "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	// 4. Flags
	if f != nil {
		if err := k.Load(posflag.ProviderWithFlag(f, ".", k, func(fl *pflag.Flag) (string, any) {
			key, ok := flagKeys[fl.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(f, fl)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	// Unmarshal into struct
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.File = loaded

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid value at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Storage.Backend == "" {
		errs = append(errs, errors.New("storage.backend is required"))
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}
	if c.Sketch.Port <= 0 || c.Sketch.Port > 65535 {
		errs = append(errs, fmt.Errorf("sketch.port %d out of range", c.Sketch.Port))
	}
	if c.Sketch.FPR < 0 || c.Sketch.FPR >= 1 {
		errs = append(errs, fmt.Errorf("sketch.fpr %v must be in [0, 1)", c.Sketch.FPR))
	}
	if c.Sketch.Capacity == 0 {
		errs = append(errs, errors.New("sketch.capacity must be positive"))
	}
	if c.Sketch.Workers <= 0 {
		errs = append(errs, fmt.Errorf("sketch.workers %d must be positive", c.Sketch.Workers))
	}
	if c.Sketch.Depth < 0 {
		errs = append(errs, fmt.Errorf("sketch.depth %d is negative", c.Sketch.Depth))
	}
	if c.Sketch.Rate < 0 {
		errs = append(errs, fmt.Errorf("sketch.rate %v is negative", c.Sketch.Rate))
	}
	if c.Sketch.Timeout <= 0 || c.Sketch.TaskTimeout <= 0 || c.Lineage.Timeout <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	if c.Lineage.Limit <= 0 {
		errs = append(errs, fmt.Errorf("lineage.limit %d must be positive", c.Lineage.Limit))
	}
	for _, name := range c.Ingest.Filters {
		if _, err := filter.New(name); err != nil {
			errs = append(errs, fmt.Errorf("ingest.filters: %w", err))
		}
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// Helper to use map as a provider
type mapProvider struct {
	m map[string]any
}

func makeMapProvider(m map[string]any) *mapProvider {
	return &mapProvider{m: m}
}

func (p *mapProvider) Read() (map[string]any, error) {
	return p.m, nil
}

func (p *mapProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("not implemented")
}

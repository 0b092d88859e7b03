// Package kernconfig loads and saves kernctl's configuration. It
// follows calvinalkan-agent-task's JSONC-over-hujson pattern: a Config struct
// with json tags, a layered defaults-then-file-then-flags merge, and
// natefinch/atomic writes so a crash mid-save never leaves a
// half-written config file that looks valid but isn't.
package kernconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	natefinchatomic "github.com/natefinch/atomic"
	flag "github.com/spf13/pflag"
	"github.com/tailscale/hujson"
)

// ErrInvalid wraps every validation failure so callers can match on it
// with errors.Is regardless of which field failed.
var ErrInvalid = errors.New("kernconfig: invalid configuration")

// Config holds everything kernctl needs to build an Allocator and a
// Cache, plus observability knobs. Field names mirror spec.md's
// parameter names so the JSONC file reads like the specification.
type Config struct {
	NCPU       int `json:"ncpu"`
	PageSize   int `json:"page_size"`
	StealBatch int `json:"steal_batch"`

	NBuf      int `json:"nbuf"`
	NBuckets  int `json:"nbuckets"`
	BlockSize int `json:"block_size"`

	DiskDir string `json:"disk_dir"`

	LogLevel       string `json:"log_level"`
	JaegerEndpoint string `json:"jaeger_endpoint,omitempty"`
}

// Default returns the reference configuration from spec.md: 8 CPUs,
// 4KiB pages, a steal batch of 64, a 13-bucket/30-buffer cache of
// 1KiB blocks backed by ./kernel-disk.
func Default() Config {
	return Config{
		NCPU:       8,
		PageSize:   4096,
		StealBatch: 64,
		NBuf:       30,
		NBuckets:   13,
		BlockSize:  1024,
		DiskDir:    "./kernel-disk",
		LogLevel:   "info",
	}
}

// RegisterFlags adds kernctl's CLI overrides to fs, modeled on
// calvinalkan-agent-task's StartCmd/runNew flag wiring. Call ApplyFlags after
// fs.Parse to fold whatever the user actually set back into a Config.
func RegisterFlags(fs *flag.FlagSet) {
	fs.Int("ncpu", 0, "number of logical CPUs (0 = use config file value)")
	fs.Int("page-size", 0, "physical page size in bytes")
	fs.Int("steal-batch", 0, "max pages moved per steal attempt")
	fs.Int("nbuf", 0, "number of cache buffers")
	fs.Int("nbuckets", 0, "number of cache hash buckets (must stay odd)")
	fs.Int("block-size", 0, "disk block size in bytes")
	fs.String("disk-dir", "", "directory backing the simulated disk")
	fs.String("log-level", "", "logrus level: trace, debug, info, warn, error")
	fs.String("jaeger-endpoint", "", "Jaeger collector endpoint; empty disables tracing")
}

// ApplyFlags overlays any flags the user explicitly set on fs onto cfg,
// the CLI-overrides step that follows Load in the precedence order.
func ApplyFlags(cfg Config, fs *flag.FlagSet) Config {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "ncpu":
			cfg.NCPU, _ = fs.GetInt("ncpu")
		case "page-size":
			cfg.PageSize, _ = fs.GetInt("page-size")
		case "steal-batch":
			cfg.StealBatch, _ = fs.GetInt("steal-batch")
		case "nbuf":
			cfg.NBuf, _ = fs.GetInt("nbuf")
		case "nbuckets":
			cfg.NBuckets, _ = fs.GetInt("nbuckets")
		case "block-size":
			cfg.BlockSize, _ = fs.GetInt("block-size")
		case "disk-dir":
			cfg.DiskDir, _ = fs.GetString("disk-dir")
		case "log-level":
			cfg.LogLevel, _ = fs.GetString("log-level")
		case "jaeger-endpoint":
			cfg.JaegerEndpoint, _ = fs.GetString("jaeger-endpoint")
		}
	})
	return cfg
}

// Load reads path (JSONC, comments and trailing commas allowed) and
// merges it over Default(); a missing file is not an error, matching
// calvinalkan-agent-task's "project config is optional" behavior. Zero-valued
// fields in the file are treated as "not set" and left at their
// default, the same convention loadConfigFile/mergeConfig use.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("kernconfig: read %s: %w", path, err)
	}

	fileCfg, err := parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %s: %w", ErrInvalid, path, err)
	}

	cfg = merge(cfg, fileCfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parse(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}
	return cfg, nil
}

func merge(base, overlay Config) Config {
	if overlay.NCPU != 0 {
		base.NCPU = overlay.NCPU
	}
	if overlay.PageSize != 0 {
		base.PageSize = overlay.PageSize
	}
	if overlay.StealBatch != 0 {
		base.StealBatch = overlay.StealBatch
	}
	if overlay.NBuf != 0 {
		base.NBuf = overlay.NBuf
	}
	if overlay.NBuckets != 0 {
		base.NBuckets = overlay.NBuckets
	}
	if overlay.BlockSize != 0 {
		base.BlockSize = overlay.BlockSize
	}
	if overlay.DiskDir != "" {
		base.DiskDir = overlay.DiskDir
	}
	if overlay.LogLevel != "" {
		base.LogLevel = overlay.LogLevel
	}
	if overlay.JaegerEndpoint != "" {
		base.JaegerEndpoint = overlay.JaegerEndpoint
	}
	return base
}

func validate(cfg Config) error {
	switch {
	case cfg.NCPU < 1:
		return fmt.Errorf("%w: ncpu must be >= 1, got %d", ErrInvalid, cfg.NCPU)
	case cfg.PageSize < 1:
		return fmt.Errorf("%w: page_size must be >= 1, got %d", ErrInvalid, cfg.PageSize)
	case cfg.StealBatch < 1:
		return fmt.Errorf("%w: steal_batch must be >= 1, got %d", ErrInvalid, cfg.StealBatch)
	case cfg.NBuf < 1:
		return fmt.Errorf("%w: nbuf must be >= 1, got %d", ErrInvalid, cfg.NBuf)
	case cfg.NBuckets < 1 || cfg.NBuckets%2 == 0:
		return fmt.Errorf("%w: nbuckets must be a positive odd number, got %d", ErrInvalid, cfg.NBuckets)
	case cfg.BlockSize < 1:
		return fmt.Errorf("%w: block_size must be >= 1, got %d", ErrInvalid, cfg.BlockSize)
	case strings.TrimSpace(cfg.DiskDir) == "":
		return fmt.Errorf("%w: disk_dir must not be empty", ErrInvalid)
	}
	return nil
}

// Save writes cfg to path as indented JSON via an atomic rename, so a
// concurrent reader (or a crash mid-write) never observes a truncated
// file.
func Save(cfg Config, path string) error {
	if err := validate(cfg); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("kernconfig: marshal: %w", err)
	}
	if err := natefinchatomic.WriteFile(path, strings.NewReader(string(data))); err != nil {
		return fmt.Errorf("kernconfig: write %s: %w", path, err)
	}
	return nil
}

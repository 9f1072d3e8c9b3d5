// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads kiln's YAML configuration.
//
// Load applies defaults, then the file, then environment overrides, and
// validates the result. The zero path means "defaults and environment only".
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/kiln/services/build/hotcache"
	"github.com/AleutianAI/kiln/services/build/materialize"
	"github.com/AleutianAI/kiln/services/build/telemetry"
)

// FileName is the configuration file looked up in the working directory.
const FileName = "kiln.yaml"

// EnvCacheRoot overrides cache_root.
const EnvCacheRoot = "KILN_CACHE_ROOT"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is the full kiln configuration.
type Config struct {
	// CacheRoot is the hot cache directory.
	CacheRoot string `yaml:"cache_root" validate:"required"`

	// MaterializeRoot holds materialized trees. Empty means the cache root.
	MaterializeRoot string `yaml:"materialize_root"`

	// MaxProcesses bounds concurrently running actions.
	MaxProcesses int `yaml:"max_processes" validate:"gte=1,lte=1024"`

	Registry    RegistryConfig    `yaml:"registry"`
	Materialize MaterializeConfig `yaml:"materialize"`
	GC          GCConfig          `yaml:"gc"`
	Log         LogConfig         `yaml:"log"`
	Telemetry   telemetry.Config  `yaml:"telemetry"`
}

// RegistryConfig bounds the in-memory depmap registry.
type RegistryConfig struct {
	MaxEntries int   `yaml:"max_entries" validate:"gte=1"`
	MaxBytes   int64 `yaml:"max_bytes" validate:"gte=1"`
}

// MaterializeConfig tunes the materializer.
type MaterializeConfig struct {
	OverlayThreshold int `yaml:"overlay_threshold" validate:"gte=1"`
	ChunkSize        int `yaml:"chunk_size" validate:"gte=1,lte=256"`
	Workers          int `yaml:"workers" validate:"gte=1"`
}

// GCConfig configures the collector.
type GCConfig struct {
	// MinAge protects entries used more recently than this.
	MinAge time.Duration `yaml:"min_age" validate:"gte=0"`
}

// LogConfig configures pkg/logging.
type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
	Dir   string `yaml:"dir"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		CacheRoot:    defaultCacheRoot(),
		MaxProcesses: runtime.GOMAXPROCS(0),
		Registry: RegistryConfig{
			MaxEntries: 4096,
			MaxBytes:   256 << 20,
		},
		Materialize: MaterializeConfig{
			OverlayThreshold: 4096,
			ChunkSize:        256,
			Workers:          runtime.GOMAXPROCS(0),
		},
		GC:        GCConfig{MinAge: 24 * time.Hour},
		Log:       LogConfig{Level: "info"},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates.
//
// Description:
//
//	A missing file at an explicitly given path is an error; a missing
//	kiln.yaml found by Discover is not, because Discover only returns
//	existing files. Unknown keys are rejected.
//
// Outputs:
//
//	*Config - The merged configuration.
//	error - Parse errors, or ErrInvalid (wrapped) naming the bad fields.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Discover returns dir/kiln.yaml if it exists, or "".
func Discover(dir string) string {
	p := filepath.Join(dir, FileName)
	if info, err := os.Stat(p); err == nil && !info.IsDir() {
		return p
	}
	return ""
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// StoreOptions returns the hotcache options this configuration implies.
func (c *Config) StoreOptions() []hotcache.Option {
	opts := []hotcache.Option{
		hotcache.WithRegistryLimits(c.Registry.MaxEntries, c.Registry.MaxBytes),
	}
	if c.MaterializeRoot != "" {
		opts = append(opts, hotcache.WithMaterializeRoot(c.MaterializeRoot))
	}
	return opts
}

// MaterializeOptions returns the materialize.Cache options this
// configuration implies.
func (c *Config) MaterializeOptions() []materialize.Option {
	return []materialize.Option{
		materialize.WithOverlayThreshold(c.Materialize.OverlayThreshold),
		materialize.WithChunkSize(c.Materialize.ChunkSize),
		materialize.WithWorkers(c.Materialize.Workers),
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse: %w", err)
	}
	if cfg.CacheRoot != "" && !filepath.IsAbs(cfg.CacheRoot) {
		cfg.CacheRoot = filepath.Join(filepath.Dir(path), cfg.CacheRoot)
	}
	if cfg.MaterializeRoot != "" && !filepath.IsAbs(cfg.MaterializeRoot) {
		cfg.MaterializeRoot = filepath.Join(filepath.Dir(path), cfg.MaterializeRoot)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvCacheRoot); v != "" {
		cfg.CacheRoot = v
	}
}

func defaultCacheRoot() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "kiln")
	}
	return filepath.Join(os.TempDir(), "kiln-cache")
}

// Package config loads and validates the engine's bootstrap configuration
// (spec.md §6.4) using Viper over a YAML file with environment-variable
// overrides, in the retrieval pack's usual split between file-backed
// config and a thin typed view over it (see DESIGN.md).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/nexus-db/nexus/internal/nexuserr"
)

// BootstrapKeys must be known before open() touches disk: they govern
// where and how files are laid out, so they can never be changed by a
// running engine (mirrors the teacher's YamlOnlyKeys split between
// startup and mutable settings).
var BootstrapKeys = map[string]bool{
	"data_dir":             true,
	"page_size_bytes":      true,
	"page_cache_capacity":  true,
	"wal_segment_max_bytes": true,
}

// Config is the fully-resolved, validated engine configuration (§6.4).
type Config struct {
	DataDir                   string `mapstructure:"data_dir" yaml:"data_dir"`
	PageSizeBytes             int    `mapstructure:"page_size_bytes" yaml:"page_size_bytes"`
	PageCacheCapacity         int    `mapstructure:"page_cache_capacity" yaml:"page_cache_capacity"`
	CheckpointIntervalSeconds int    `mapstructure:"checkpoint_interval_seconds" yaml:"checkpoint_interval_seconds"`
	WalSegmentMaxBytes        int64  `mapstructure:"wal_segment_max_bytes" yaml:"wal_segment_max_bytes"`
	GcIntervalSeconds         int    `mapstructure:"gc_interval_seconds" yaml:"gc_interval_seconds"`

	HnswDefaultM              int    `mapstructure:"hnsw_default_m" yaml:"hnsw_default_m"`
	HnswDefaultEfConstruction int    `mapstructure:"hnsw_default_ef_construction" yaml:"hnsw_default_ef_construction"`
	HnswDefaultEfSearch       int    `mapstructure:"hnsw_default_ef_search" yaml:"hnsw_default_ef_search"`
	HnswDefaultMetric         string `mapstructure:"hnsw_default_metric" yaml:"hnsw_default_metric"`

	QueryDefaultTimeoutMs int   `mapstructure:"query_default_timeout_ms" yaml:"query_default_timeout_ms"`
	QueryMaxTimeoutMs     int   `mapstructure:"query_max_timeout_ms" yaml:"query_max_timeout_ms"`
	MaxResultBytes        int64 `mapstructure:"max_result_bytes" yaml:"max_result_bytes"`
}

// Defaults mirror spec.md §6.4's recommended defaults.
func Defaults() Config {
	return Config{
		PageSizeBytes:             8192,
		PageCacheCapacity:         4096,
		CheckpointIntervalSeconds: 60,
		WalSegmentMaxBytes:        64 << 20,
		GcIntervalSeconds:         30,
		HnswDefaultM:              16,
		HnswDefaultEfConstruction: 200,
		HnswDefaultEfSearch:       64,
		HnswDefaultMetric:         "cosine",
		QueryDefaultTimeoutMs:     30_000,
		QueryMaxTimeoutMs:         300_000,
		MaxResultBytes:            64 << 20,
	}
}

// Load resolves configuration from, in increasing precedence: built-in
// defaults, an optional YAML file at path (skipped silently if absent),
// and NEXUS_-prefixed environment variables.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("nexus")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Defaults()
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("page_size_bytes", def.PageSizeBytes)
	v.SetDefault("page_cache_capacity", def.PageCacheCapacity)
	v.SetDefault("checkpoint_interval_seconds", def.CheckpointIntervalSeconds)
	v.SetDefault("wal_segment_max_bytes", def.WalSegmentMaxBytes)
	v.SetDefault("gc_interval_seconds", def.GcIntervalSeconds)
	v.SetDefault("hnsw_default_m", def.HnswDefaultM)
	v.SetDefault("hnsw_default_ef_construction", def.HnswDefaultEfConstruction)
	v.SetDefault("hnsw_default_ef_search", def.HnswDefaultEfSearch)
	v.SetDefault("hnsw_default_metric", def.HnswDefaultMetric)
	v.SetDefault("query_default_timeout_ms", def.QueryDefaultTimeoutMs)
	v.SetDefault("query_max_timeout_ms", def.QueryMaxTimeoutMs)
	v.SetDefault("max_result_bytes", def.MaxResultBytes)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !isNotFound(err) {
				return Config{}, nexuserr.Wrap(nexuserr.CodeParameterError, err, "read config file %s", path)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, nexuserr.Wrap(nexuserr.CodeParameterError, err, "decode configuration")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func isNotFound(err error) bool {
	_, ok := err.(viper.ConfigFileNotFoundError)
	return ok || errors.Is(err, fs.ErrNotExist)
}

// Validate enforces the invariants §6.4 implies (e.g. page size must be a
// power of two) before the engine ever touches disk.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return nexuserr.New(nexuserr.CodeParameterError, "data_dir is required")
	}
	if c.PageSizeBytes <= 0 || c.PageSizeBytes&(c.PageSizeBytes-1) != 0 {
		return nexuserr.New(nexuserr.CodeParameterError, "page_size_bytes (%d) must be a power of two", c.PageSizeBytes)
	}
	if c.PageCacheCapacity <= 0 {
		return nexuserr.New(nexuserr.CodeParameterError, "page_cache_capacity must be positive")
	}
	switch c.HnswDefaultMetric {
	case "cosine", "euclidean":
	default:
		return nexuserr.New(nexuserr.CodeParameterError, "hnsw_default_metric must be cosine or euclidean, got %q", c.HnswDefaultMetric)
	}
	if c.QueryMaxTimeoutMs < c.QueryDefaultTimeoutMs {
		return nexuserr.New(nexuserr.CodeParameterError, "query_max_timeout_ms must be >= query_default_timeout_ms")
	}
	return nil
}

// IsBootstrapKey reports whether key must be fixed at open() and cannot
// be changed on a running engine.
func IsBootstrapKey(key string) bool { return BootstrapKeys[strings.ToLower(key)] }

// String renders the config for logging, redacting nothing (no secrets
// live in this struct today) but keeping the format stable for humans.
func (c Config) String() string {
	return fmt.Sprintf("data_dir=%s page_size=%d cache_capacity=%d hnsw_metric=%s",
		c.DataDir, c.PageSizeBytes, c.PageCacheCapacity, c.HnswDefaultMetric)
}

// YAML renders the resolved configuration back out as YAML, the format a
// nexusd config dump or an operator's config-management pipeline expects.
func (c Config) YAML() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", nexuserr.Wrap(nexuserr.CodeInternal, err, "marshal config to yaml")
	}
	return string(out), nil
}

// WatchMutable watches path for writes and invokes onChange with the
// freshly reloaded Config every time the file is rewritten, the way the
// teacher's show_display watch mode reacts to issues.jsonl writes. Only
// mutable (non-bootstrap) fields are meaningful to apply at runtime —
// IsBootstrapKey tells the caller which fields in the reloaded Config must
// be ignored, since data_dir and friends are fixed for the life of an open
// engine. WatchMutable does not validate or apply anything itself; it only
// detects and reloads. The returned stop func closes the underlying
// watcher and is safe to call once.
func WatchMutable(path string, onChange func(Config), onError func(error)) (stop func() error, err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.CodeInternal, err, "create config watcher")
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return nil, nexuserr.Wrap(nexuserr.CodeInternal, err, "watch config file %s", path)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					if onError != nil {
						onError(err)
					}
					continue
				}
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(err)
				}
			}
		}
	}()

	return watcher.Close, nil
}

// Package cacheconfig loads and validates the cache engine's
// configuration: defaults, then a config file, then environment
// variable overrides, matching the external interfaces the array-file
// library's cache layer has always exposed.
package cacheconfig

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/hdfgroup/arraycache/pkg/cacheerrors"
	"github.com/hdfgroup/arraycache/pkg/cachetypes"
)

// StorageConfig is the per-pool configuration: one entry per configured
// storage tier (SSD, burst buffer, memory, GPU).
type StorageConfig struct {
	Path              string                      `yaml:"storage_path"`
	SizeBytes         int64                       `yaml:"storage_size_bytes"`
	Type              string                      `yaml:"storage_type"` // SSD, BURST_BUFFER, MEMORY, GPU
	Scope             string                      `yaml:"storage_scope"` // LOCAL, GLOBAL
	ReplacementPolicy cachetypes.ReplacementPolicy `yaml:"replacement_policy"`
	WriteBufferSize   int64                       `yaml:"write_buffer_size"`
}

// GlobalBackendConfig configures the "global" SB variant, backed by an
// S3-compatible object store standing in for the auxiliary slow-store
// file.
type GlobalBackendConfig struct {
	Bucket              string `yaml:"bucket"`
	Region              string `yaml:"region"`
	Endpoint            string `yaml:"endpoint"`
	PoolSize            int    `yaml:"pool_size"`
	EnableAcceleration  bool   `yaml:"enable_acceleration"`
}

// LoggingConfig controls the structured logger's behavior.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`  // text, json
	IONode int    `yaml:"io_node"` // which rank emits log lines
	// File, if set, names the directory that log output is routed to,
	// through a rotating file instead of stdout. The file inside it is
	// named after the io_node rank, so ranks sharing the directory each
	// write their own file.
	File string `yaml:"file"`
}

// MetricsConfig controls the engine's Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Configuration is the complete, validated configuration for one rank's
// cache engine instance.
type Configuration struct {
	Storage StorageConfig       `yaml:"storage"`
	Global  GlobalBackendConfig `yaml:"global_backend"`
	Logging LoggingConfig       `yaml:"logging"`
	Metrics MetricsConfig       `yaml:"metrics"`

	// Behavior flags mirrored from the environment variables in §6.
	WriteCacheEnabled   bool  `yaml:"write_cache_enabled"`
	ReadCacheEnabled    bool  `yaml:"read_cache_enabled"`
	AsyncDelayMicros    int64 `yaml:"async_delay_micros"`
	DeferDatasetClose   bool  `yaml:"defer_dataset_close"`
	PrefetchAtOpen      bool  `yaml:"prefetch_at_open"`
	MaxInFlightWrites   int   `yaml:"max_in_flight_writes"`
}

// NewDefault returns a configuration with sensible defaults, matching the
// values the original implementation falls back to when nothing is
// configured.
func NewDefault() *Configuration {
	return &Configuration{
		Storage: StorageConfig{
			Path:              "/tmp/cache",
			SizeBytes:         1 << 30, // 1 GiB
			Type:              "SSD",
			Scope:             "LOCAL",
			ReplacementPolicy: cachetypes.PolicyLRU,
			WriteBufferSize:   16 << 20, // 16 MiB
		},
		Global: GlobalBackendConfig{
			PoolSize: 8,
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
			IONode: 0,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9330,
		},
		WriteCacheEnabled: false,
		ReadCacheEnabled:  false,
		MaxInFlightWrites: 64,
	}
}

// LoadFromFile loads a YAML configuration file, overlaying it onto the
// receiver (typically called on NewDefault()'s result).
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// LoadLegacyFile parses the line-oriented `KEY value` legacy configuration
// format (§6): one recognized key per line, unknown keys ignored so old
// job scripts keep working unmodified.
func (c *Configuration) LoadLegacyFile(filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("open legacy config file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		key, value := fields[0], strings.Join(fields[1:], " ")
		switch key {
		case "HDF5_CACHE_STORAGE_PATH":
			c.Storage.Path = value
		case "HDF5_CACHE_STORAGE_SIZE":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				c.Storage.SizeBytes = n
			}
		case "HDF5_CACHE_STORAGE_TYPE":
			c.Storage.Type = value
		case "HDF5_CACHE_STORAGE_SCOPE":
			c.Storage.Scope = value
		case "HDF5_CACHE_REPLACEMENT_POLICY":
			c.Storage.ReplacementPolicy = cachetypes.ReplacementPolicy(value)
		case "HDF5_CACHE_WRITE_BUFFER_SIZE":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				c.Storage.WriteBufferSize = n
			}
		}
	}
	return scanner.Err()
}

// LoadFromEnv applies the environment variable overrides from §6 on top
// of whatever defaults/file configuration has already been loaded.
func (c *Configuration) LoadFromEnv() error {
	if v := os.Getenv("HDF5_CACHE_WR"); v != "" {
		c.WriteCacheEnabled = strings.EqualFold(v, "yes")
	}
	if v := os.Getenv("HDF5_CACHE_RD"); v != "" {
		c.ReadCacheEnabled = strings.EqualFold(v, "yes")
	}
	if v := os.Getenv("HDF5_CACHE_DEBUG"); v != "" {
		c.Logging.Level = verbosityToLevel(v)
	}
	if v := os.Getenv("HDF5_CACHE_LOG"); v != "" {
		c.Logging.Level = verbosityToLevel(v)
	}
	if v := os.Getenv("IO_NODE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Logging.IONode = n
		}
	}
	if v := os.Getenv("HDF5_ASYNC_DELAY_TIME"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.AsyncDelayMicros = n
		}
	}
	if v := os.Getenv("HDF5_CACHE_DCLOSE_DELAY"); v != "" {
		c.DeferDatasetClose = strings.EqualFold(v, "yes")
	}
	if v := os.Getenv("DATASET_PREFETCH_AT_OPEN"); v != "" {
		c.PrefetchAtOpen = strings.EqualFold(v, "yes")
	}
	if v := os.Getenv("SSD_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("SSD_SIZE"); v != "" {
		if gib, err := strconv.ParseFloat(v, 64); err == nil {
			c.Storage.SizeBytes = int64(gib * (1 << 30))
		}
	}
	return nil
}

func verbosityToLevel(v string) string {
	n, err := strconv.Atoi(v)
	if err != nil {
		return "INFO"
	}
	switch {
	case n <= 0:
		return "WARN"
	case n == 1:
		return "INFO"
	case n == 2:
		return "DEBUG"
	default:
		return "TRACE"
	}
}

// SaveToFile persists the configuration as YAML, creating parent
// directories as needed. It never overwrites in place: it writes to a
// temp file and renames over the target. No `.old` backup is kept.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmp := filename + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return os.Rename(tmp, filename)
}

var validStorageTypes = map[string]cachetypes.StorageKind{
	"SSD":           cachetypes.StorageFileMmap,
	"BURST_BUFFER":  cachetypes.StorageFileMmap,
	"MEMORY":        cachetypes.StorageRAM,
	"GPU":           cachetypes.StorageDevice,
}

// ResolveStorageKind maps the config-file STORAGE_TYPE string to the
// StorageKind the Local-Storage Manager and Storage Backend use, folding
// in the GLOBAL scope override.
func (c *Configuration) ResolveStorageKind() (cachetypes.StorageKind, error) {
	if strings.EqualFold(c.Storage.Scope, "GLOBAL") {
		return cachetypes.StorageGlobal, nil
	}
	kind, ok := validStorageTypes[strings.ToUpper(c.Storage.Type)]
	if !ok {
		return "", cacheerrors.Newf(cacheerrors.CodeMisconfiguredCache,
			"unknown storage type %q", c.Storage.Type).WithComponent("cacheconfig").WithOperation("ResolveStorageKind")
	}
	return kind, nil
}

var validPolicies = map[cachetypes.ReplacementPolicy]bool{
	cachetypes.PolicyLRU:  true,
	cachetypes.PolicyLFU:  true,
	cachetypes.PolicyFIFO: true,
}

// Validate checks the configuration is internally consistent, returning a
// MisconfiguredCache error (fatal at file-open time per §7) if not.
func (c *Configuration) Validate() error {
	if _, err := c.ResolveStorageKind(); err != nil {
		return err
	}
	if !validPolicies[c.Storage.ReplacementPolicy] {
		return cacheerrors.Newf(cacheerrors.CodeMisconfiguredCache,
			"unknown replacement policy %q", c.Storage.ReplacementPolicy).
			WithComponent("cacheconfig").WithOperation("Validate")
	}
	if c.Storage.SizeBytes <= 0 {
		return cacheerrors.New(cacheerrors.CodeMisconfiguredCache, "storage_size_bytes must be positive").
			WithComponent("cacheconfig").WithOperation("Validate")
	}
	if c.Storage.WriteBufferSize <= 0 {
		return cacheerrors.New(cacheerrors.CodeMisconfiguredCache, "write_buffer_size must be positive").
			WithComponent("cacheconfig").WithOperation("Validate")
	}
	if c.MaxInFlightWrites <= 0 {
		return cacheerrors.New(cacheerrors.CodeMisconfiguredCache, "max_in_flight_writes must be positive").
			WithComponent("cacheconfig").WithOperation("Validate")
	}
	if c.Storage.Scope == "" {
		c.Storage.Scope = "LOCAL"
	} else if !strings.EqualFold(c.Storage.Scope, "LOCAL") && !strings.EqualFold(c.Storage.Scope, "GLOBAL") {
		return cacheerrors.Newf(cacheerrors.CodeMisconfiguredCache, "unknown storage scope %q", c.Storage.Scope).
			WithComponent("cacheconfig").WithOperation("Validate")
	}
	return nil
}

// Load is the standard three-layer bring-up: defaults, then an optional
// config file (legacy line format if legacyPath is set, YAML if
// yamlPath is set), then environment overrides, then Validate.
func Load(yamlPath, legacyPath string) (*Configuration, error) {
	cfg := NewDefault()
	if yamlPath != "" {
		if err := cfg.LoadFromFile(yamlPath); err != nil {
			return nil, err
		}
	}
	if legacyPath != "" {
		if err := cfg.LoadLegacyFile(legacyPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Package config handles configuration loading for the tile-index server.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/soma-tiles/tileindex/pkg/viewport"
)

// Config represents the server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Data    DataConfig    `yaml:"data"`
	Cache   CacheConfig   `yaml:"cache"`
	Render  RenderConfig  `yaml:"render"`
	Index   IndexConfig   `yaml:"index"`
	Views   ViewsConfig   `yaml:"views"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// DatasetConfig describes one dataset pyramid and its tiling bounds.
// Zero-valued bounds fall back to the pyramid metadata.
type DatasetConfig struct {
	ZarrPath string `yaml:"zarr_path"`
	// Projection overrides the pyramid metadata ("identity" or "geographic").
	Projection            string  `yaml:"projection"`
	MinZoom               *int    `yaml:"min_zoom"`
	MaxZoom               *int    `yaml:"max_zoom"`
	MaxIdentityCoordinate float64 `yaml:"max_identity_coordinate"`
	TileSize              int     `yaml:"tile_size"`
	// DisableEnumeration computes tile ranges but returns no tiles.
	DisableEnumeration bool         `yaml:"disable_enumeration"`
	Views              []ViewConfig `yaml:"views"`
}

// ViewConfig is a named camera seeded into the view store at startup.
type ViewConfig struct {
	Name            string `yaml:"name"`
	viewport.Camera `yaml:",inline"`
}

// DataConfig contains the configured datasets in file order.
type DataConfig struct {
	DefaultDataset string
	Datasets       map[string]DatasetConfig
	order          []string
}

// DatasetIDs returns dataset IDs in the order they appear in the file.
func (d DataConfig) DatasetIDs() []string {
	return d.order
}

// UnmarshalYAML accepts either the legacy single-dataset form
// (`data: {zarr_path: ...}`) or a map of dataset ID to DatasetConfig.
func (d *DataConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("data: expected a mapping, got line %d", node.Line)
	}

	if isLegacyDataNode(node) {
		var ds DatasetConfig
		if err := node.Decode(&ds); err != nil {
			return err
		}
		d.setSingle("default", ds)
		return nil
	}

	d.Datasets = make(map[string]DatasetConfig)
	d.order = nil
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		if key == "default_dataset" {
			d.DefaultDataset = node.Content[i+1].Value
			continue
		}
		var ds DatasetConfig
		if err := node.Content[i+1].Decode(&ds); err != nil {
			return fmt.Errorf("data.%s: %w", key, err)
		}
		if _, dup := d.Datasets[key]; !dup {
			d.order = append(d.order, key)
		}
		d.Datasets[key] = ds
	}
	if d.DefaultDataset == "" && len(d.order) > 0 {
		d.DefaultDataset = d.order[0]
	}
	return nil
}

func isLegacyDataNode(node *yaml.Node) bool {
	for i := 0; i < len(node.Content); i += 2 {
		if node.Content[i].Value == "zarr_path" {
			return true
		}
	}
	return false
}

func (d *DataConfig) setSingle(id string, ds DatasetConfig) {
	d.DefaultDataset = id
	d.Datasets = map[string]DatasetConfig{id: ds}
	d.order = []string{id}
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	IndexEntries       int `yaml:"index_entries"`
	CoverageSizeMB     int `yaml:"coverage_size_mb"`
	CoverageTTLMinutes int `yaml:"coverage_ttl_minutes"`
	ViewEntries        int `yaml:"view_entries"`
	ViewTTLMinutes     int `yaml:"view_ttl_minutes"`
}

// RenderConfig contains coverage overlay settings.
type RenderConfig struct {
	CoverageSize    int    `yaml:"coverage_size"`
	DefaultColormap string `yaml:"default_colormap"`
}

// IndexConfig contains tile-index computation settings.
type IndexConfig struct {
	TileSize int `yaml:"tile_size"`
	// MaxTiles bounds the number of tiles returned for one viewport.
	MaxTiles int `yaml:"max_tiles"`
}

// ViewsConfig contains view store settings.
type ViewsConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// MetricsConfig contains Prometheus settings. Port 0 serves /metrics on the
// API port only.
type MetricsConfig struct {
	Port int `yaml:"port"`
}

// envOverrides are applied after the YAML file; unset variables keep the
// file values.
type envOverrides struct {
	Port        int    `env:"PORT"`
	MetricsPort int    `env:"METRICS_PORT"`
	LogLevel    string `env:"LOG_LEVEL"`
	LogFile     string `env:"LOG_FILE"`
	ViewsSQLite string `env:"VIEWS_SQLITE"`
	MaxTiles    int    `env:"MAX_TILES"`
}

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TILEINDEX_"

// Load reads configuration from a YAML file, then applies environment
// overrides and defaults. A missing file yields the default configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		cfg = DefaultConfig()
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Cache: CacheConfig{
			IndexEntries:       1000,
			CoverageSizeMB:     64,
			CoverageTTLMinutes: 10,
			ViewEntries:        1000,
			ViewTTLMinutes:     5,
		},
		Render: RenderConfig{
			CoverageSize:    256,
			DefaultColormap: "viridis",
		},
		Index: IndexConfig{
			TileSize: 512,
			MaxTiles: 4096,
		},
		Views: ViewsConfig{
			SQLitePath: "./data/views.sqlite",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
	cfg.Data.setSingle("default", DatasetConfig{
		ZarrPath: "./data/preprocessed/zarr/bins.zarr",
	})
	return cfg
}

func applyEnv(cfg *Config) error {
	ov := envOverrides{
		Port:        cfg.Server.Port,
		MetricsPort: cfg.Metrics.Port,
		LogLevel:    cfg.Log.Level,
		LogFile:     cfg.Log.File,
		ViewsSQLite: cfg.Views.SQLitePath,
		MaxTiles:    cfg.Index.MaxTiles,
	}
	if err := env.ParseWithOptions(&ov, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	cfg.Server.Port = ov.Port
	cfg.Metrics.Port = ov.MetricsPort
	cfg.Log.Level = ov.LogLevel
	cfg.Log.File = ov.LogFile
	cfg.Views.SQLitePath = ov.ViewsSQLite
	cfg.Index.MaxTiles = ov.MaxTiles
	return nil
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if len(cfg.Data.Datasets) == 0 {
		cfg.Data = defaults.Data
	}
	if cfg.Cache.IndexEntries == 0 {
		cfg.Cache.IndexEntries = defaults.Cache.IndexEntries
	}
	if cfg.Cache.CoverageSizeMB == 0 {
		cfg.Cache.CoverageSizeMB = defaults.Cache.CoverageSizeMB
	}
	if cfg.Cache.CoverageTTLMinutes == 0 {
		cfg.Cache.CoverageTTLMinutes = defaults.Cache.CoverageTTLMinutes
	}
	if cfg.Cache.ViewEntries == 0 {
		cfg.Cache.ViewEntries = defaults.Cache.ViewEntries
	}
	if cfg.Cache.ViewTTLMinutes == 0 {
		cfg.Cache.ViewTTLMinutes = defaults.Cache.ViewTTLMinutes
	}
	if cfg.Render.CoverageSize == 0 {
		cfg.Render.CoverageSize = defaults.Render.CoverageSize
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
	if cfg.Index.TileSize == 0 {
		cfg.Index.TileSize = defaults.Index.TileSize
	}
	if cfg.Index.MaxTiles == 0 {
		cfg.Index.MaxTiles = defaults.Index.MaxTiles
	}
	if cfg.Views.SQLitePath == "" {
		cfg.Views.SQLitePath = defaults.Views.SQLitePath
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
}

// Validate checks dataset bounds and view names.
func (c *Config) Validate() error {
	if _, ok := c.Data.Datasets[c.Data.DefaultDataset]; !ok {
		return fmt.Errorf("default dataset %q is not configured", c.Data.DefaultDataset)
	}
	for _, id := range c.Data.DatasetIDs() {
		ds := c.Data.Datasets[id]
		if ds.ZarrPath == "" {
			return fmt.Errorf("dataset %q: zarr_path is required", id)
		}
		switch ds.Projection {
		case "", "identity", "geographic":
		default:
			return fmt.Errorf("dataset %q: unknown projection %q", id, ds.Projection)
		}
		if ds.MinZoom != nil && *ds.MinZoom < 0 {
			return fmt.Errorf("dataset %q: min_zoom must not be negative", id)
		}
		if ds.MaxZoom != nil && *ds.MaxZoom < 0 {
			return fmt.Errorf("dataset %q: max_zoom must not be negative", id)
		}
		if ds.MinZoom != nil && ds.MaxZoom != nil && *ds.MinZoom > *ds.MaxZoom {
			return fmt.Errorf("dataset %q: min_zoom %d exceeds max_zoom %d", id, *ds.MinZoom, *ds.MaxZoom)
		}
		if ds.MaxIdentityCoordinate < 0 {
			return fmt.Errorf("dataset %q: max_identity_coordinate must not be negative", id)
		}
		seen := make(map[string]bool)
		for _, v := range ds.Views {
			if v.Name == "" {
				return fmt.Errorf("dataset %q: view with empty name", id)
			}
			if seen[v.Name] {
				return fmt.Errorf("dataset %q: duplicate view %q", id, v.Name)
			}
			seen[v.Name] = true
			if err := v.Camera.Validate(); err != nil {
				return fmt.Errorf("dataset %q view %q: %w", id, v.Name, err)
			}
		}
	}
	return nil
}

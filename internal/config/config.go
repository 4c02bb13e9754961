// Package config handles configuration loading for the mosaic builder and
// its job server.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/natefinch/lumberjack"
	"gopkg.in/yaml.v3"
)

// Config represents the full configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Jobs      JobsConfig      `yaml:"jobs" toml:"jobs"`
	Data      DataConfig      `yaml:"data" toml:"data"`
	Pyramid   PyramidConfig   `yaml:"pyramid" toml:"pyramid"`
	Placement PlacementConfig `yaml:"placement" toml:"placement"`
	Output    OutputConfig    `yaml:"output" toml:"output"`
	Cache     CacheConfig     `yaml:"cache" toml:"cache"`
	Render    RenderConfig    `yaml:"render" toml:"render"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port" toml:"port"`
	CORSOrigins []string `yaml:"cors_origins" toml:"cors_origins"`
}

// JobsConfig contains build job settings.
type JobsConfig struct {
	MaxConcurrent int    `yaml:"max_concurrent" toml:"max_concurrent"`
	SQLitePath    string `yaml:"sqlite_path" toml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days" toml:"retention_days"`
}

// DatasetConfig describes the inputs of one dataset.
type DatasetConfig struct {
	MasksPath     string   `yaml:"masks_path" toml:"masks_path"`
	ImagesPath    string   `yaml:"images_path" toml:"images_path"`
	CellIDsPath   string   `yaml:"cell_ids_path" toml:"cell_ids_path"`
	EmbeddingPath string   `yaml:"embedding_path" toml:"embedding_path"`
	IDColumn      string   `yaml:"id_column" toml:"id_column"`
	XColumn       string   `yaml:"x_column" toml:"x_column"`
	YColumn       string   `yaml:"y_column" toml:"y_column"`
	// Normalize rescales the embedding to the base extent before placement.
	Normalize     bool     `yaml:"normalize" toml:"normalize"`
	ReferencePath string   `yaml:"reference_path" toml:"reference_path"`
	BaseShape     []int    `yaml:"base_shape" toml:"base_shape"`
	PixelSize     float64  `yaml:"pixel_size" toml:"pixel_size"`
	PixelUnit     string   `yaml:"pixel_unit" toml:"pixel_unit"`
	ChannelNames  []string `yaml:"channel_names" toml:"channel_names"`
	SomaPath      string   `yaml:"soma_path" toml:"soma_path"`
	SomaEmbedding string   `yaml:"soma_embedding" toml:"soma_embedding"`
}

// DataConfig contains the configured datasets in file order.
type DataConfig struct {
	DefaultDataset string                   `yaml:"default_dataset" toml:"default_dataset"`
	Datasets       map[string]DatasetConfig `yaml:"datasets" toml:"datasets"`

	order []string
}

// DatasetIDs returns dataset IDs in the order they were configured.
func (d *DataConfig) DatasetIDs() []string {
	if len(d.order) == len(d.Datasets) {
		return append([]string(nil), d.order...)
	}
	ids := make([]string, 0, len(d.Datasets))
	for id := range d.Datasets {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// UnmarshalYAML keeps the file order of data.datasets. A data section that
// holds dataset fields directly (the single-dataset layout) becomes the
// "default" dataset.
func (d *DataConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		DefaultDataset string    `yaml:"default_dataset"`
		Datasets       yaml.Node `yaml:"datasets"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	d.DefaultDataset = raw.DefaultDataset

	if raw.Datasets.Kind == 0 {
		var legacy DatasetConfig
		if err := node.Decode(&legacy); err != nil {
			return err
		}
		if legacy.MasksPath != "" || legacy.EmbeddingPath != "" || legacy.SomaPath != "" {
			d.Datasets = map[string]DatasetConfig{"default": legacy}
			d.order = []string{"default"}
		}
		return nil
	}
	if raw.Datasets.Kind != yaml.MappingNode {
		return fmt.Errorf("data.datasets must be a mapping of dataset IDs")
	}

	d.Datasets = make(map[string]DatasetConfig, len(raw.Datasets.Content)/2)
	for i := 0; i+1 < len(raw.Datasets.Content); i += 2 {
		id := raw.Datasets.Content[i].Value
		var ds DatasetConfig
		if err := raw.Datasets.Content[i+1].Decode(&ds); err != nil {
			return fmt.Errorf("dataset %q: %w", id, err)
		}
		if _, dup := d.Datasets[id]; !dup {
			d.order = append(d.order, id)
		}
		d.Datasets[id] = ds
	}
	return nil
}

// PyramidConfig contains pyramid geometry settings.
type PyramidConfig struct {
	DownscaleFactor int `yaml:"downscale_factor" toml:"downscale_factor"`
	TileSize        int `yaml:"tile_size" toml:"tile_size"`
	MaxTopSize      int `yaml:"max_top_size" toml:"max_top_size"`
}

// PlacementConfig contains placement settings.
type PlacementConfig struct {
	Seed    uint64 `yaml:"seed" toml:"seed"`
	Mode    string `yaml:"mode" toml:"mode"`
	Workers int    `yaml:"workers" toml:"workers"`
}

// OutputConfig contains output settings.
type OutputConfig struct {
	Dir         string `yaml:"dir" toml:"dir"`
	LabelName   string `yaml:"label_name" toml:"label_name"`
	ImageName   string `yaml:"image_name" toml:"image_name"`
	Compression string `yaml:"compression" toml:"compression"`
	// PublishURL is an optional blob URL (file://, gs://, s3://) the
	// finished output is copied to.
	PublishURL string `yaml:"publish_url" toml:"publish_url"`
	Preview    bool   `yaml:"preview" toml:"preview"`
	// WriteEmbedding writes the normalized embedding as updated.csv.
	WriteEmbedding bool `yaml:"write_embedding" toml:"write_embedding"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	ChunkEntries     int `yaml:"chunk_entries" toml:"chunk_entries"`
	ResultSizeMB     int `yaml:"result_size_mb" toml:"result_size_mb"`
	ResultTTLMinutes int `yaml:"result_ttl_minutes" toml:"result_ttl_minutes"`
}

// RenderConfig contains preview settings.
type RenderConfig struct {
	MaxSize  int    `yaml:"max_size" toml:"max_size"`
	Colormap string `yaml:"colormap" toml:"colormap"`
	Channel  int    `yaml:"channel" toml:"channel"`
}

// LoggingConfig contains log output settings. An empty File logs to stderr.
type LoggingConfig struct {
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// Writer returns the log destination. File output is rotated by size.
func (l LoggingConfig) Writer() io.Writer {
	if l.File == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename: l.File,
		MaxSize:  l.MaxSizeMB,
		MaxAge:   l.MaxAgeDays,
	}
}

// Load reads configuration from a YAML file, or a TOML file when the path
// ends in .toml.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, err
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		for _, key := range md.Keys() {
			if len(key) == 3 && key[0] == "data" && key[1] == "datasets" && !slices.Contains(cfg.Data.order, key[2]) {
				cfg.Data.order = append(cfg.Data.order, key[2])
			}
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Jobs: JobsConfig{
			MaxConcurrent: 1,
			SQLitePath:    "./data/jobs/mosaic.sqlite",
			RetentionDays: 7,
		},
		Data: DataConfig{
			DefaultDataset: "default",
			Datasets: map[string]DatasetConfig{
				"default": defaultDataset(),
			},
			order: []string{"default"},
		},
		Pyramid: PyramidConfig{
			DownscaleFactor: 2,
			TileSize:        1024,
			MaxTopSize:      1024,
		},
		Placement: PlacementConfig{
			Seed:    0,
			Mode:    "nonocclusive",
			Workers: runtime.GOMAXPROCS(0),
		},
		Output: OutputConfig{
			Dir:       "./data/mosaic",
			LabelName: "embedding_segmentation.ome.zarr",
			ImageName: "embedding_image.ome.zarr",
		},
		Cache: CacheConfig{
			ChunkEntries:     4096,
			ResultSizeMB:     64,
			ResultTTLMinutes: 60,
		},
		Render: RenderConfig{
			MaxSize:  1024,
			Colormap: "viridis",
		},
		Logging: LoggingConfig{
			MaxSizeMB:  100,
			MaxAgeDays: 28,
		},
	}
}

func defaultDataset() DatasetConfig {
	return DatasetConfig{
		MasksPath:     "./data/patches/masks.zarr",
		ImagesPath:    "./data/patches/images.zarr",
		EmbeddingPath: "./data/embedding.csv",
		IDColumn:      "CellID",
		PixelUnit:     "micrometer",
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = defaults.Jobs.MaxConcurrent
	}
	if cfg.Jobs.SQLitePath == "" {
		cfg.Jobs.SQLitePath = defaults.Jobs.SQLitePath
	}
	if cfg.Jobs.RetentionDays == 0 {
		cfg.Jobs.RetentionDays = defaults.Jobs.RetentionDays
	}

	if len(cfg.Data.Datasets) == 0 {
		cfg.Data.Datasets = defaults.Data.Datasets
		cfg.Data.order = defaults.Data.order
	}
	for id, ds := range cfg.Data.Datasets {
		if ds.IDColumn == "" {
			ds.IDColumn = "CellID"
		}
		if ds.PixelUnit == "" {
			ds.PixelUnit = "micrometer"
		}
		cfg.Data.Datasets[id] = ds
	}
	if cfg.Data.DefaultDataset == "" {
		if ids := cfg.Data.DatasetIDs(); len(ids) > 0 {
			cfg.Data.DefaultDataset = ids[0]
		}
	}

	if cfg.Pyramid.DownscaleFactor == 0 {
		cfg.Pyramid.DownscaleFactor = defaults.Pyramid.DownscaleFactor
	}
	if cfg.Pyramid.TileSize == 0 {
		cfg.Pyramid.TileSize = defaults.Pyramid.TileSize
	}
	if cfg.Pyramid.MaxTopSize == 0 {
		cfg.Pyramid.MaxTopSize = defaults.Pyramid.MaxTopSize
	}
	if cfg.Placement.Mode == "" {
		cfg.Placement.Mode = defaults.Placement.Mode
	}
	if cfg.Placement.Workers == 0 {
		cfg.Placement.Workers = defaults.Placement.Workers
	}

	if cfg.Output.Dir == "" {
		cfg.Output.Dir = defaults.Output.Dir
	}
	if cfg.Output.LabelName == "" {
		cfg.Output.LabelName = defaults.Output.LabelName
	}
	if cfg.Output.ImageName == "" {
		cfg.Output.ImageName = defaults.Output.ImageName
	}

	if cfg.Cache.ChunkEntries == 0 {
		cfg.Cache.ChunkEntries = defaults.Cache.ChunkEntries
	}
	if cfg.Cache.ResultSizeMB == 0 {
		cfg.Cache.ResultSizeMB = defaults.Cache.ResultSizeMB
	}
	if cfg.Cache.ResultTTLMinutes == 0 {
		cfg.Cache.ResultTTLMinutes = defaults.Cache.ResultTTLMinutes
	}
	if cfg.Render.MaxSize == 0 {
		cfg.Render.MaxSize = defaults.Render.MaxSize
	}
	if cfg.Render.Colormap == "" {
		cfg.Render.Colormap = defaults.Render.Colormap
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = defaults.Logging.MaxSizeMB
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = defaults.Logging.MaxAgeDays
	}
}

// Validate reports settings that can never produce a build.
func (c *Config) Validate() error {
	switch c.Placement.Mode {
	case "nonocclusive", "grid":
	default:
		return fmt.Errorf("placement.mode must be nonocclusive or grid, got %q", c.Placement.Mode)
	}
	switch c.Output.Compression {
	case "", "none", "zstd", "gzip", "lz4":
	default:
		return fmt.Errorf("output.compression %q is not supported", c.Output.Compression)
	}
	if _, ok := c.Data.Datasets[c.Data.DefaultDataset]; !ok {
		return fmt.Errorf("default dataset %q is not configured", c.Data.DefaultDataset)
	}
	for id, ds := range c.Data.Datasets {
		if len(ds.BaseShape) != 0 && len(ds.BaseShape) != 2 {
			return fmt.Errorf("dataset %q: base_shape must be [height, width]", id)
		}
	}
	return nil
}


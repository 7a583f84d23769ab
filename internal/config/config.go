// Package config handles configuration loading for the cellniche pipeline.
package config

import (
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/atlasmap-sc/cellniche/internal/nicheerr"
)

// Config represents the pipeline configuration.
type Config struct {
	Niche     NicheConfig     `yaml:"niche"`
	Data      DataConfig      `yaml:"data"`
	Cohorts   CohortConfig    `yaml:"cohorts"`
	Phenotype PhenotypeConfig `yaml:"phenotype"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Registry  RegistryConfig  `yaml:"registry"`
	Server    ServerConfig    `yaml:"server"`
	Cache     CacheConfig     `yaml:"cache"`
	Render    RenderConfig    `yaml:"render"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// NicheConfig contains neighbourhood and clustering parameters.
type NicheConfig struct {
	Radius           float64 `yaml:"radius"`
	NClusters        int     `yaml:"n_clusters"`
	BatchSize        int     `yaml:"batch_size"`
	MaxNoImprovement int     `yaml:"max_no_improvement"`
	RandomSeed       int64   `yaml:"random_seed"`
	MaxEpochs        int     `yaml:"max_epochs"`
	InitSize         int     `yaml:"init_size"`
	Epsilon          float64 `yaml:"epsilon"`
}

// DataConfig describes the input tables and the output root.
type DataConfig struct {
	PointsPath  string `yaml:"points_path"`
	MarksPath   string `yaml:"marks_path"`
	SlideColumn string `yaml:"slide_column"`
	CellColumn  string `yaml:"cell_column"`
	XColumn     string `yaml:"x_column"`
	YColumn     string `yaml:"y_column"`
	GeomColumn  string `yaml:"geom_column"`
	OutputDir   string `yaml:"output_dir"`
}

// CohortConfig selects how slides are grouped before clustering.
// Without a metadata CSV every slide belongs to a single cohort.
type CohortConfig struct {
	MetadataCSV string   `yaml:"metadata_csv"`
	SlideColumn string   `yaml:"slide_column"`
	GroupColumn string   `yaml:"group_column"`
	Include     []string `yaml:"include"`
}

// PhenotypeConfig describes the long-format tag table and the lookup used
// by the phenotype command.
type PhenotypeConfig struct {
	TagsPath  string `yaml:"tags_path"`
	TagColumn string `yaml:"tag_column"`
	LookupCSV string `yaml:"lookup_csv"`
	// Output is "markers" for multi-hot markers or "phenotypes" for one-hot
	// phenotype labels.
	Output     string `yaml:"output"`
	OutputPath string `yaml:"output_path"`
}

// PipelineConfig contains execution settings.
type PipelineConfig struct {
	Workers         int  `yaml:"workers"`
	ZarrChunkRows   int  `yaml:"zarr_chunk_rows"`
	ChunkCacheSize  int  `yaml:"chunk_cache_size"`
	SpillHistograms bool `yaml:"spill_histograms"`
	Overlays        bool `yaml:"overlays"`
}

// RegistryConfig locates the run registry database.
type RegistryConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// CacheConfig contains caching settings for the results API.
type CacheConfig struct {
	OverlaySizeMB     int `yaml:"overlay_size_mb"`
	OverlayTTLMinutes int `yaml:"overlay_ttl_minutes"`
	QueryCacheSize    int `yaml:"query_cache_size"`
}

// RenderConfig contains overlay rendering settings.
type RenderConfig struct {
	Width     int     `yaml:"width"`
	Height    int     `yaml:"height"`
	PointSize float64 `yaml:"point_size"`
	Heatmap   string  `yaml:"heatmap"`
}

// LogConfig contains logger settings.
type LogConfig struct {
	Level       string `yaml:"level"`
	Encoding    string `yaml:"encoding"`
	Development bool   `yaml:"development"`
}

// MetricsConfig controls metric export for batch runs.
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, nicheerr.Wrap(err, nicheerr.TypeConfig, "parse config").WithDetail("path", path)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Niche: NicheConfig{
			Radius:           0.034,
			NClusters:        10,
			BatchSize:        8000,
			MaxNoImprovement: 200,
			RandomSeed:       0,
			MaxEpochs:        100,
			Epsilon:          1e-6,
		},
		Data: DataConfig{
			SlideColumn: "slide_id",
			CellColumn:  "cell_id",
			XColumn:     "x",
			YColumn:     "y",
			GeomColumn:  "geom",
			OutputDir:   "./data/niches",
		},
		Cohorts: CohortConfig{
			SlideColumn: "slide_id",
			GroupColumn: "cohort",
		},
		Phenotype: PhenotypeConfig{
			TagColumn: "tag_name",
			Output:    "markers",
		},
		Pipeline: PipelineConfig{
			Workers:        runtime.NumCPU(),
			ZarrChunkRows:  65536,
			ChunkCacheSize: 16,
		},
		Registry: RegistryConfig{
			SQLitePath: "./data/niches/registry.sqlite",
		},
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Cache: CacheConfig{
			OverlaySizeMB:     256,
			OverlayTTLMinutes: 10,
			QueryCacheSize:    1000,
		},
		Render: RenderConfig{
			Width:     1024,
			Height:    1024,
			PointSize: 1.5,
			Heatmap:   "viridis",
		},
		Log: LogConfig{
			Level:    "info",
			Encoding: "json",
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Niche.Radius == 0 {
		cfg.Niche.Radius = defaults.Niche.Radius
	}
	if cfg.Niche.NClusters == 0 {
		cfg.Niche.NClusters = defaults.Niche.NClusters
	}
	if cfg.Niche.BatchSize == 0 {
		cfg.Niche.BatchSize = defaults.Niche.BatchSize
	}
	if cfg.Niche.MaxNoImprovement == 0 {
		cfg.Niche.MaxNoImprovement = defaults.Niche.MaxNoImprovement
	}
	if cfg.Niche.MaxEpochs == 0 {
		cfg.Niche.MaxEpochs = defaults.Niche.MaxEpochs
	}
	if cfg.Niche.Epsilon == 0 {
		cfg.Niche.Epsilon = defaults.Niche.Epsilon
	}

	if cfg.Data.SlideColumn == "" {
		cfg.Data.SlideColumn = defaults.Data.SlideColumn
	}
	if cfg.Data.CellColumn == "" {
		cfg.Data.CellColumn = defaults.Data.CellColumn
	}
	if cfg.Data.XColumn == "" {
		cfg.Data.XColumn = defaults.Data.XColumn
	}
	if cfg.Data.YColumn == "" {
		cfg.Data.YColumn = defaults.Data.YColumn
	}
	if cfg.Data.GeomColumn == "" {
		cfg.Data.GeomColumn = defaults.Data.GeomColumn
	}
	if cfg.Data.OutputDir == "" {
		cfg.Data.OutputDir = defaults.Data.OutputDir
	}

	if cfg.Cohorts.SlideColumn == "" {
		cfg.Cohorts.SlideColumn = defaults.Cohorts.SlideColumn
	}
	if cfg.Cohorts.GroupColumn == "" {
		cfg.Cohorts.GroupColumn = defaults.Cohorts.GroupColumn
	}

	if cfg.Phenotype.TagColumn == "" {
		cfg.Phenotype.TagColumn = defaults.Phenotype.TagColumn
	}
	if cfg.Phenotype.Output == "" {
		cfg.Phenotype.Output = defaults.Phenotype.Output
	}

	if cfg.Pipeline.Workers == 0 {
		cfg.Pipeline.Workers = defaults.Pipeline.Workers
	}
	if cfg.Pipeline.ZarrChunkRows == 0 {
		cfg.Pipeline.ZarrChunkRows = defaults.Pipeline.ZarrChunkRows
	}
	if cfg.Pipeline.ChunkCacheSize == 0 {
		cfg.Pipeline.ChunkCacheSize = defaults.Pipeline.ChunkCacheSize
	}

	if cfg.Registry.SQLitePath == "" {
		cfg.Registry.SQLitePath = defaults.Registry.SQLitePath
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Cache.OverlaySizeMB == 0 {
		cfg.Cache.OverlaySizeMB = defaults.Cache.OverlaySizeMB
	}
	if cfg.Cache.OverlayTTLMinutes == 0 {
		cfg.Cache.OverlayTTLMinutes = defaults.Cache.OverlayTTLMinutes
	}
	if cfg.Cache.QueryCacheSize == 0 {
		cfg.Cache.QueryCacheSize = defaults.Cache.QueryCacheSize
	}
	if cfg.Render.Width == 0 {
		cfg.Render.Width = defaults.Render.Width
	}
	if cfg.Render.Height == 0 {
		cfg.Render.Height = defaults.Render.Height
	}
	if cfg.Render.PointSize == 0 {
		cfg.Render.PointSize = defaults.Render.PointSize
	}
	if cfg.Render.Heatmap == "" {
		cfg.Render.Heatmap = defaults.Render.Heatmap
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.Encoding == "" {
		cfg.Log.Encoding = defaults.Log.Encoding
	}
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	n := c.Niche
	switch {
	case n.Radius < 0 || n.Radius != n.Radius:
		return configError("niche.radius", n.Radius, "must be a non-negative number")
	case n.NClusters <= 0:
		return configError("niche.n_clusters", n.NClusters, "must be positive")
	case n.BatchSize <= 0:
		return configError("niche.batch_size", n.BatchSize, "must be positive")
	case n.MaxNoImprovement <= 0:
		return configError("niche.max_no_improvement", n.MaxNoImprovement, "must be positive")
	case n.MaxEpochs <= 0:
		return configError("niche.max_epochs", n.MaxEpochs, "must be positive")
	case n.InitSize < 0:
		return configError("niche.init_size", n.InitSize, "must not be negative")
	case n.Epsilon <= 0:
		return configError("niche.epsilon", n.Epsilon, "must be positive")
	case c.Pipeline.Workers <= 0:
		return configError("pipeline.workers", c.Pipeline.Workers, "must be positive")
	case c.Pipeline.ZarrChunkRows <= 0:
		return configError("pipeline.zarr_chunk_rows", c.Pipeline.ZarrChunkRows, "must be positive")
	}
	if o := c.Phenotype.Output; o != "markers" && o != "phenotypes" {
		return configError("phenotype.output", o, "must be markers or phenotypes")
	}
	if c.Data.SlideColumn == c.Data.CellColumn {
		return configError("data.cell_column", c.Data.CellColumn, "must differ from data.slide_column")
	}
	return nil
}

func configError(key string, value interface{}, msg string) error {
	return nicheerr.New(nicheerr.TypeConfig, fmt.Sprintf("%s %s", key, msg)).WithDetail("value", value)
}

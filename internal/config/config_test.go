package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/atlasmap-sc/cellniche/internal/nicheerr"
)

func TestLoad_Partial(t *testing.T) {
	content := `
niche:
  radius: 0.05
  n_clusters: 8
data:
  points_path: "/data/points.parquet"
  marks_path: "/data/marks"
cohorts:
  metadata_csv: "/data/he_to_mif.csv"
  slide_column: parent
  group_column: ENTITY
  include: [LUAD, LUSC]
`
	cfg := loadFromString(t, content)

	if cfg.Niche.Radius != 0.05 {
		t.Errorf("expected radius 0.05, got %v", cfg.Niche.Radius)
	}
	if cfg.Niche.NClusters != 8 {
		t.Errorf("expected 8 clusters, got %d", cfg.Niche.NClusters)
	}
	// Unset niche values take defaults
	if cfg.Niche.BatchSize != 8000 {
		t.Errorf("expected default batch size 8000, got %d", cfg.Niche.BatchSize)
	}
	if cfg.Niche.MaxNoImprovement != 200 {
		t.Errorf("expected default max_no_improvement 200, got %d", cfg.Niche.MaxNoImprovement)
	}
	if cfg.Niche.Epsilon != 1e-6 {
		t.Errorf("expected default epsilon, got %v", cfg.Niche.Epsilon)
	}
	if cfg.Data.SlideColumn != "slide_id" || cfg.Data.CellColumn != "cell_id" {
		t.Errorf("unexpected identity columns: %q/%q", cfg.Data.SlideColumn, cfg.Data.CellColumn)
	}
	if cfg.Cohorts.GroupColumn != "ENTITY" || len(cfg.Cohorts.Include) != 2 {
		t.Errorf("unexpected cohorts: %+v", cfg.Cohorts)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Niche.Radius != 0.034 {
		t.Errorf("expected default radius, got %v", cfg.Niche.Radius)
	}
	if cfg.Niche.RandomSeed != 0 {
		t.Errorf("expected seed 0, got %d", cfg.Niche.RandomSeed)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("niche: [unclosed"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	_, err := Load(path)
	if !nicheerr.IsType(err, nicheerr.TypeConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative radius", func(c *Config) { c.Niche.Radius = -1 }},
		{"zero clusters", func(c *Config) { c.Niche.NClusters = 0 }},
		{"negative batch", func(c *Config) { c.Niche.BatchSize = -5 }},
		{"zero workers", func(c *Config) { c.Pipeline.Workers = 0 }},
		{"same identity columns", func(c *Config) { c.Data.CellColumn = c.Data.SlideColumn }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func loadFromString(t *testing.T, content string) *Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	return cfg
}

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasmap-sc/cellniche/internal/config"
)

func envViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("CELLNICHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func TestApplyOverridesFromEnv(t *testing.T) {
	t.Setenv("CELLNICHE_NICHE_N_CLUSTERS", "7")
	t.Setenv("CELLNICHE_NICHE_RADIUS", "0.5")
	t.Setenv("CELLNICHE_DATA_POINTS_PATH", "/data/points.parquet")
	t.Setenv("CELLNICHE_PIPELINE_OVERLAYS", "true")

	cfg := config.DefaultConfig()
	applyOverrides(envViper(), cfg)

	assert.Equal(t, 7, cfg.Niche.NClusters)
	assert.Equal(t, 0.5, cfg.Niche.Radius)
	assert.Equal(t, "/data/points.parquet", cfg.Data.PointsPath)
	assert.True(t, cfg.Pipeline.Overlays)
	assert.Equal(t, config.DefaultConfig().Niche.BatchSize, cfg.Niche.BatchSize)
}

func TestApplyOverridesKeepsFileValues(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Niche.NClusters = 3
	applyOverrides(envViper(), cfg)
	assert.Equal(t, 3, cfg.Niche.NClusters)
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, version+"\n", out.String())
}

func TestRunsCommandOnEmptyRegistry(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "cellniche.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("log:\n  level: error\n"), 0o644))

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"runs", "--config", cfgPath, "--registry", filepath.Join(dir, "reg.sqlite"), "--json"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "[]\n", out.String())
}

func TestRunRequiresInputs(t *testing.T) {
	dir := t.TempDir()
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"run",
		"--config", filepath.Join(dir, "missing.yaml"),
		"--registry", filepath.Join(dir, "reg.sqlite"),
		"--output-dir", filepath.Join(dir, "out"),
		"--log-level", "error",
	})
	assert.Error(t, root.Execute())
}

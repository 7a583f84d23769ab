package registry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasmap-sc/cellniche/internal/nicheerr"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sub", "registry.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := openStore(t)

	params := RunParams{Stages: []string{"aggregate", "cluster"}, Radius: 0.034, NClusters: 10, Cohorts: []string{"LUAD"}}
	run, err := s.CreateRun(params, "/out")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Status)
	assert.Equal(t, filepath.Join("/out", run.ID), run.OutputDir)

	got, err := s.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, params, got.Params)
	assert.Nil(t, got.FinishedAt)

	require.NoError(t, s.CompleteRun(run.ID))
	got, err = s.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.FinishedAt)

	latest, err := s.LatestRun()
	require.NoError(t, err)
	assert.Equal(t, run.ID, latest.ID)
}

func TestLatestRunSkipsFailed(t *testing.T) {
	s := openStore(t)
	_, err := s.LatestRun()
	assert.True(t, nicheerr.IsNotFound(err))

	first, err := s.CreateRun(RunParams{}, "/out")
	require.NoError(t, err)
	require.NoError(t, s.CompleteRun(first.ID))

	time.Sleep(time.Millisecond)
	second, err := s.CreateRun(RunParams{}, "/out")
	require.NoError(t, err)
	require.NoError(t, s.FailRun(second.ID, "boom"))

	latest, err := s.LatestRun()
	require.NoError(t, err)
	assert.Equal(t, first.ID, latest.ID)

	runs, err := s.ListRuns(0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.ID, runs[0].ID, "newest first")
	assert.Equal(t, "boom", runs[0].Error)

	runs, err = s.ListRuns(1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestUnknownRun(t *testing.T) {
	s := openStore(t)
	_, err := s.GetRun("missing")
	assert.True(t, nicheerr.IsNotFound(err))
	assert.True(t, nicheerr.IsNotFound(s.CompleteRun("missing")))
	assert.True(t, nicheerr.IsNotFound(s.DeleteRun("missing")))
}

func TestArtifacts(t *testing.T) {
	s := openStore(t)
	run, err := s.CreateRun(RunParams{}, "/out")
	require.NoError(t, err)

	require.NoError(t, s.RecordArtifact(&Artifact{RunID: run.ID, Kind: KindPrototypes, Cohort: "LUAD", Path: "a.parquet", Rows: 10}))
	require.NoError(t, s.RecordArtifact(&Artifact{RunID: run.ID, Kind: KindLoading, Cohort: "LUAD", Path: "l.parquet", Rows: 3}))
	require.NoError(t, s.RecordArtifact(&Artifact{RunID: run.ID, Kind: KindPrototypes, Cohort: "LUAD", Path: "b.parquet", Rows: 10}))

	list, err := s.Artifacts(run.ID)
	require.NoError(t, err)
	require.Len(t, list, 2, "same key is replaced")

	a, err := s.FindArtifact(run.ID, KindPrototypes, "LUAD", "")
	require.NoError(t, err)
	assert.Equal(t, "b.parquet", a.Path)

	_, err = s.FindArtifact(run.ID, KindPrototypes, "LUSC", "")
	assert.True(t, nicheerr.IsNotFound(err))

	require.NoError(t, s.DeleteRun(run.ID))
	list, err = s.Artifacts(run.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMarkRunningAsFailed(t *testing.T) {
	s := openStore(t)
	a, err := s.CreateRun(RunParams{}, "/out")
	require.NoError(t, err)
	b, err := s.CreateRun(RunParams{}, "/out")
	require.NoError(t, err)
	require.NoError(t, s.CompleteRun(b.ID))

	n, err := s.MarkRunningAsFailed("interrupted")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetRun(a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "interrupted", got.Error)
}

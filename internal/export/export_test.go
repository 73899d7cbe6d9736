package export

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scene-pipeline/internal/config"
	"scene-pipeline/internal/models"
)

func TestExportJobWritesLocalArtifact(t *testing.T) {
	tempDir := t.TempDir()
	cfg := config.Config{ExportDir: tempDir}

	exp, err := New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)

	job := models.Job{
		ID:     "job-1",
		Status: models.StatusCompleted,
		Scenes: []models.Scene{
			{SceneNumber: 1, Description: "opening shot"},
			{SceneNumber: 2, Description: "closing shot"},
		},
		UpdatedAt: time.Now(),
	}

	location, err := exp.ExportJob(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(tempDir, "completed", "job-1.json"), location)

	data, err := os.ReadFile(location)
	require.NoError(t, err)

	var artifact Artifact
	require.NoError(t, json.Unmarshal(data, &artifact))
	assert.Equal(t, "job-1", artifact.Job.ID)
	assert.Equal(t, 2, artifact.SceneCount)
	assert.Equal(t, "scene-script/v1", artifact.Format)
}

func TestExportJobRejectsEmptyJob(t *testing.T) {
	exp, err := New(context.Background(), config.Config{ExportDir: t.TempDir()}, zerolog.Nop())
	require.NoError(t, err)

	_, err = exp.ExportJob(context.Background(), models.Job{ID: "empty", Status: models.StatusFailed})
	assert.Error(t, err)
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/teachable/pkg/imagex"
	"github.com/cyclopcam/teachable/pkg/nnload"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	fn := filepath.Join(t.TempDir(), "teachable.json")
	require.NoError(t, os.WriteFile(fn, []byte(content), 0644))
	return fn
}

func TestMissingFileGivesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	require.Equal(t, ":8090", cfg.Listen)
	require.Equal(t, nnload.DefaultFeatureExtractor, cfg.Models.FeatureExtractor)
	require.Equal(t, nnload.DefaultDetectorVariant, cfg.Models.DetectorVariant)
	require.Equal(t, nnload.DefaultImageClassifier, cfg.Models.ImageClassifier)
	require.Equal(t, 30, cfg.Session.LiveFPS)
	require.Equal(t, imagex.DefaultMaxPixels, cfg.Session.MaxImagePixels)
	require.False(t, cfg.HasSnapshots())
}

func TestLoadConfig(t *testing.T) {
	fn := writeConfig(t, `{
		"listen": ":9000",
		"db": {"Driver": "sqlite3", "Database": "snap.sqlite"},
		"storage": {"filesystem": {"root": "blobs"}},
		"models": {"detectorVariant": "mobilenet_v2"},
		"session": {"modelTimeoutSeconds": 5}
	}`)
	cfg, err := LoadConfig(fn)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Listen)
	require.Equal(t, dbh.DriverSqlite, cfg.DB.Driver)
	require.Equal(t, "blobs", cfg.Storage.Filesystem.Root)
	require.Equal(t, nnload.VariantMobileNetV2, cfg.Models.DetectorVariant)
	require.Equal(t, int64(5), int64(cfg.Session.ModelTimeout().Seconds()))
	require.True(t, cfg.HasSnapshots())
}

func TestInvalidConfig(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `{"models": {"detectorVariant": "resnet"}}`))
	require.Error(t, err)

	_, err = LoadConfig(writeConfig(t, `{"db": {"Driver": "sqlite3", "Database": "x"}}`))
	require.Error(t, err)

	_, err = LoadConfig(writeConfig(t, `{not json`))
	require.Error(t, err)
}

package storage

import (
	"bytes"
	"context"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func TestFilesystem(t *testing.T) {
	ctx := context.Background()
	log := logs.NewTestingLog(t)
	s, err := Open(ctx, log, Config{Filesystem: &ConfigFS{Root: t.TempDir()}})
	require.NoError(t, err)

	require.NoError(t, WriteFile(ctx, s, "snapshots/1.json", bytes.NewReader([]byte(`{"a":1}`))))
	b, err := ReadFile(ctx, s, "snapshots/1.json")
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, string(b))

	f, err := s.ReadFile(ctx, "snapshots/1.json")
	require.NoError(t, err)
	require.Equal(t, int64(7), f.Size)
	f.Reader.Close()

	// Overwrite truncates
	require.NoError(t, WriteFile(ctx, s, "snapshots/1.json", bytes.NewReader([]byte(`{}`))))
	b, err = ReadFile(ctx, s, "snapshots/1.json")
	require.NoError(t, err)
	require.Equal(t, `{}`, string(b))

	require.NoError(t, s.DeleteFile(ctx, "snapshots/1.json"))
	_, err = ReadFile(ctx, s, "snapshots/1.json")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.DeleteFile(ctx, "snapshots/1.json"), ErrNotFound)

	_, err = s.WriteFile(ctx, "../escape.json")
	require.Error(t, err)
}

func TestOpenValidation(t *testing.T) {
	log := logs.NewTestingLog(t)
	_, err := Open(context.Background(), log, Config{})
	require.Error(t, err)
	_, err = Open(context.Background(), log, Config{Filesystem: &ConfigFS{Root: "/tmp/x"}, GCS: &ConfigGCS{Bucket: "y"}})
	require.Error(t, err)
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cyclopcam/logs"
)

var ErrNotFound = errors.New("File not found")

// Storage is an abstraction of a blob store (eg GCS)
type Storage interface {
	// When finished, you must close the WriteCloser
	WriteFile(ctx context.Context, name string) (io.WriteCloser, error)

	// When finished, you must close File.Reader
	// Returns ErrNotFound if the file does not exist.
	ReadFile(ctx context.Context, name string) (*File, error)

	// Returns ErrNotFound if the file does not exist.
	DeleteFile(ctx context.Context, name string) error
}

// File is an element in blob storage.
type File struct {
	Reader     io.ReadCloser
	ModifiedAt time.Time
	Size       int64
}

// One of the storage options must be configured (i.e. either 'filesystem' or 'gcs')
type Config struct {
	Filesystem *ConfigFS  `json:"filesystem"`
	GCS        *ConfigGCS `json:"gcs"`
}

type ConfigFS struct {
	Root string `json:"root"` // Path to the root of the filesystem
}

type ConfigGCS struct {
	Bucket string `json:"bucket"` // Name of the GCS bucket
}

// Open the backend described by c
func Open(ctx context.Context, log logs.Log, c Config) (Storage, error) {
	if c.GCS != nil && c.Filesystem != nil {
		return nil, fmt.Errorf("Only one of the storage options may be configured")
	} else if c.GCS != nil {
		s, err := NewStorageGCS(ctx, log, c.GCS.Bucket)
		if err != nil {
			return nil, err
		}
		return s, nil
	} else if c.Filesystem != nil {
		s, err := NewStorageFS(log, c.Filesystem.Root)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("One of the storage options must be configured (i.e. either 'filesystem' or 'gcs')")
}

func WriteFile(ctx context.Context, s Storage, name string, content io.Reader) error {
	f, err := s.WriteFile(ctx, name)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, content)
	errClose := f.Close()
	if err != nil {
		return err
	}
	return errClose
}

func ReadFile(ctx context.Context, s Storage, name string) ([]byte, error) {
	f, err := s.ReadFile(ctx, name)
	if err != nil {
		return nil, err
	}
	defer f.Reader.Close()
	return io.ReadAll(f.Reader)
}

package storage

import (
	"context"
	"errors"
	"io"

	gcs "cloud.google.com/go/storage"
	"github.com/cyclopcam/logs"
)

// StorageGCS is a Google Cloud Storage-based blob store
type StorageGCS struct {
	bucketName string
	bucket     *gcs.BucketHandle
	log        logs.Log
}

func NewStorageGCS(ctx context.Context, log logs.Log, bucketName string) (*StorageGCS, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	log.Infof("Using GCS bucket %v for snapshots", bucketName)
	return &StorageGCS{
		bucketName: bucketName,
		bucket:     client.Bucket(bucketName),
		log:        log,
	}, nil
}

func mapGCSNotFound(err error) error {
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return ErrNotFound
	}
	return err
}

func (s *StorageGCS) WriteFile(ctx context.Context, name string) (io.WriteCloser, error) {
	w := s.bucket.Object(name).NewWriter(ctx)
	w.ContentType = "application/json"
	return w, nil
}

func (s *StorageGCS) ReadFile(ctx context.Context, name string) (*File, error) {
	r, err := s.bucket.Object(name).NewReader(ctx)
	if err != nil {
		return nil, mapGCSNotFound(err)
	}
	return &File{
		Reader:     r,
		ModifiedAt: r.Attrs.LastModified,
		Size:       r.Attrs.Size,
	}, nil
}

func (s *StorageGCS) DeleteFile(ctx context.Context, name string) error {
	return mapGCSNotFound(s.bucket.Object(name).Delete(ctx))
}

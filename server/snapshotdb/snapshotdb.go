// Package snapshotdb is a library of saved classifier datasets.
// Metadata lives in a SQL table, and the dataset files live in blob storage.
package snapshotdb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/teachable/pkg/dataset"
	"github.com/cyclopcam/teachable/server/storage"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("Snapshot not found")
var ErrEmptyName = errors.New("Snapshot name may not be empty")

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

type Snapshot struct {
	BaseModel
	Name        string      `json:"name"`
	ModelID     string      `json:"modelID"`
	Width       int         `json:"width"`
	NumLabels   int         `json:"numLabels"`
	NumExamples int         `json:"numExamples"`
	CreatedAt   dbh.IntTime `json:"createdAt"`
}

type SnapshotDB struct {
	log   logs.Log
	db    *gorm.DB
	store storage.Storage
}

// Open or create the snapshot DB
func Open(log logs.Log, config dbh.DBConfig, store storage.Storage) (*SnapshotDB, error) {
	log.Infof("Opening snapshot DB (%v %v)", config.Driver, config.Database)
	db, err := dbh.OpenDB(log, config, Migrations(log, config.Driver), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open snapshot database: %w", err)
	}
	return &SnapshotDB{
		log:   log,
		db:    db,
		store: store,
	}, nil
}

func blobName(id int64) string {
	return fmt.Sprintf("snapshots/%v.json", id)
}

// Save ds under the given name. Names need not be unique.
func (s *SnapshotDB) Save(ctx context.Context, name string, ds *dataset.Dataset, modelID string) (*Snapshot, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyName
	}
	payload, err := dataset.Encode(ds, modelID)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		Name:        name,
		ModelID:     modelID,
		Width:       ds.Width,
		NumLabels:   len(ds.Labels),
		NumExamples: ds.NumExamples(),
		CreatedAt:   dbh.MakeIntTime(time.Now()),
	}
	if err := s.db.Create(snap).Error; err != nil {
		return nil, err
	}
	if err := storage.WriteFile(ctx, s.store, blobName(snap.ID), bytes.NewReader(payload)); err != nil {
		s.db.Delete(&Snapshot{}, snap.ID)
		return nil, fmt.Errorf("Error writing snapshot file: %w", err)
	}
	s.log.Infof("Saved snapshot %v '%v' (%v labels, %v examples)", snap.ID, name, snap.NumLabels, snap.NumExamples)
	return snap, nil
}

// List all snapshots, newest first
func (s *SnapshotDB) List() ([]Snapshot, error) {
	snaps := []Snapshot{}
	if err := s.db.Order("id DESC").Find(&snaps).Error; err != nil {
		return nil, err
	}
	return snaps, nil
}

func (s *SnapshotDB) Get(id int64) (*Snapshot, error) {
	snap := Snapshot{}
	err := s.db.Where("id = ?", id).First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return &snap, nil
}

// Load returns the metadata and the dataset file of a snapshot
func (s *SnapshotDB) Load(ctx context.Context, id int64) (*Snapshot, []byte, error) {
	snap, err := s.Get(id)
	if err != nil {
		return nil, nil, err
	}
	payload, err := storage.ReadFile(ctx, s.store, blobName(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, fmt.Errorf("Snapshot %v has no file: %w", id, ErrNotFound)
	} else if err != nil {
		return nil, nil, err
	}
	return snap, payload, nil
}

func (s *SnapshotDB) Delete(ctx context.Context, id int64) error {
	if _, err := s.Get(id); err != nil {
		return err
	}
	if err := s.store.DeleteFile(ctx, blobName(id)); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err := s.db.Delete(&Snapshot{}, id).Error; err != nil {
		return err
	}
	s.log.Infof("Deleted snapshot %v", id)
	return nil
}

package repositories

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/flink-studio/flinkctl/internal/db"
)

// gormResumeEventRepository is the GORM implementation of ResumeEventRepository.
type gormResumeEventRepository struct {
	db *gorm.DB
	mu *sync.Mutex
}

func (r *gormResumeEventRepository) CreateResumeEvent(ctx context.Context, snapshotID int64, originalJobID, path, sqlFile string, metadata map[string]string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	meta := db.JSONMap{}
	for k, v := range metadata {
		meta[k] = v
	}
	row := db.ResumeEvent{
		SnapshotID:    snapshotID,
		OriginalJobID: originalJobID,
		SnapshotPath:  path,
		SQLFilePath:   sqlFile,
		Status:        db.ResumeStarted,
		CreatedAt:     time.Now(),
		Metadata:      meta,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("resume_events: create: %w", err)
	}
	return row.ID, nil
}

func (r *gormResumeEventRepository) UpdateResumeEvent(ctx context.Context, id int64, status string, upd ResumeUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row db.ResumeEvent
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("resume_events: update: %w", err)
		}

		row.Status = status
		if upd.NewJobID != nil {
			row.NewJobID = *upd.NewJobID
		}
		if upd.ErrorMessage != nil {
			row.ErrorMessage = *upd.ErrorMessage
		}
		if row.Metadata == nil {
			row.Metadata = db.JSONMap{}
		}
		for k, v := range upd.MetadataPatch {
			row.Metadata[k] = v
		}
		if status == db.ResumeCompleted || status == db.ResumeFailed {
			now := time.Now()
			row.CompletedAt = &now
		}

		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("resume_events: update: %w", err)
		}
		return nil
	})
}

func (r *gormResumeEventRepository) GetByID(ctx context.Context, id int64) (*db.ResumeEvent, error) {
	var row db.ResumeEvent
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("resume_events: get by id: %w", err)
	}
	return &row, nil
}

func (r *gormResumeEventRepository) RecentStartedForPath(ctx context.Context, path string, since time.Time) ([]db.ResumeEvent, error) {
	var rows []db.ResumeEvent
	if err := r.db.WithContext(ctx).
		Where("snapshot_path = ? AND status = ? AND created_at > ?", path, db.ResumeStarted, since).
		Order("created_at DESC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("resume_events: recent started: %w", err)
	}
	return rows, nil
}

func (r *gormResumeEventRepository) ListBySnapshot(ctx context.Context, snapshotID int64) ([]db.ResumeEvent, error) {
	var rows []db.ResumeEvent
	if err := r.db.WithContext(ctx).
		Where("snapshot_id = ?", snapshotID).
		Order("created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("resume_events: list by snapshot: %w", err)
	}
	return rows, nil
}

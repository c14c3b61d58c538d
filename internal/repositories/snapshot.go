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

// gormSnapshotRepository is the GORM implementation of SnapshotRepository.
type gormSnapshotRepository struct {
	db *gorm.DB
	mu *sync.Mutex
}

func (r *gormSnapshotRepository) CreateSnapshotRecord(ctx context.Context, jobID, jobName, snapshotType string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	row := db.Snapshot{
		JobID:   jobID,
		JobName: jobName,
		// Placeholder until the trigger reports a real location.
		SnapshotPath:   fmt.Sprintf("IN_PROGRESS_%s_%d", jobID, now.Unix()),
		SnapshotType:   snapshotType,
		SnapshotStatus: db.SnapshotInProgress,
		IsLatest:       true,
		CreatedAt:      now,
		Metadata:       db.JSONMap{"started_at": now.UTC().Format(time.RFC3339)},
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&db.Snapshot{}).
			Where("job_id = ? AND is_latest = ?", jobID, true).
			Update("is_latest", false).Error; err != nil {
			return err
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return 0, fmt.Errorf("snapshots: create record: %w", err)
	}
	return row.ID, nil
}

func (r *gormSnapshotRepository) CreateJobStartRecord(ctx context.Context, jobID, jobName, sqlContent string, metadata map[string]string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	meta := db.JSONMap{"started_at": now.UTC().Format(time.RFC3339)}
	for k, v := range metadata {
		meta[k] = v
	}
	row := db.Snapshot{
		JobID:          jobID,
		JobName:        jobName,
		SnapshotPath:   db.PlaceholderRunningJob,
		SnapshotType:   db.TypeJobStart,
		SnapshotStatus: db.SnapshotCompleted,
		SQLContent:     sqlContent,
		IsLatest:       true,
		CreatedAt:      now,
		Metadata:       meta,
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&db.Snapshot{}).
			Where("job_id = ? AND is_latest = ?", jobID, true).
			Update("is_latest", false).Error; err != nil {
			return err
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return 0, fmt.Errorf("snapshots: create job-start record: %w", err)
	}
	return row.ID, nil
}

func (r *gormSnapshotRepository) UpdateSnapshotStatus(ctx context.Context, id int64, status string, upd SnapshotUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateStatusLocked(ctx, id, status, upd)
}

// updateStatusLocked applies the status change; callers hold the mutex.
func (r *gormSnapshotRepository) updateStatusLocked(ctx context.Context, id int64, status string, upd SnapshotUpdate) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row db.Snapshot
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("snapshots: update status: %w", err)
		}

		prev := row.SnapshotStatus
		row.SnapshotStatus = status
		if upd.RequestID != nil {
			row.RequestID = *upd.RequestID
		}
		if upd.Path != nil {
			row.SnapshotPath = *upd.Path
		}
		if upd.SQLContent != nil {
			row.SQLContent = *upd.SQLContent
		}
		if row.Metadata == nil {
			row.Metadata = db.JSONMap{}
		}
		for k, v := range upd.MetadataPatch {
			row.Metadata[k] = v
		}
		// Stamped on the transition only, so later metadata patches on an
		// already terminal row keep the historical timestamp.
		if status != prev {
			switch status {
			case db.SnapshotCompleted:
				row.Metadata["completed_at"] = time.Now().UTC().Format(time.RFC3339)
			case db.SnapshotFailed:
				row.Metadata["failed_at"] = time.Now().UTC().Format(time.RFC3339)
			}
		}

		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("snapshots: update status: %w", err)
		}
		return nil
	})
}

func (r *gormSnapshotRepository) GetByID(ctx context.Context, id int64) (*db.Snapshot, error) {
	var row db.Snapshot
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("snapshots: get by id: %w", err)
	}
	return &row, nil
}

func (r *gormSnapshotRepository) GetLatestForJob(ctx context.Context, jobID string) (*db.Snapshot, error) {
	var row db.Snapshot
	err := r.db.WithContext(ctx).
		Where("job_id = ? AND is_latest = ?", jobID, true).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("snapshots: get latest: %w", err)
	}

	if swept, err := r.sweepIfStale(ctx, &row); err != nil {
		return nil, err
	} else if swept {
		return r.GetByID(ctx, row.ID)
	}
	return &row, nil
}

func (r *gormSnapshotRepository) GetLatestByJobName(ctx context.Context, jobName string) (*db.Snapshot, error) {
	var row db.Snapshot
	err := r.db.WithContext(ctx).
		Where("job_name = ? AND is_latest = ?", jobName, true).
		Order("created_at DESC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("snapshots: get latest by name: %w", err)
	}

	if swept, err := r.sweepIfStale(ctx, &row); err != nil {
		return nil, err
	} else if swept {
		return r.GetByID(ctx, row.ID)
	}
	return &row, nil
}

func (r *gormSnapshotRepository) ListActive(ctx context.Context) ([]ActiveSnapshot, error) {
	var rows []db.Snapshot
	if err := r.db.WithContext(ctx).
		Where("snapshot_status = ?", db.SnapshotInProgress).
		Order("created_at DESC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("snapshots: list active: %w", err)
	}

	now := time.Now()
	active := make([]ActiveSnapshot, 0, len(rows))
	for i := range rows {
		row := rows[i]
		age := row.Age(now)
		stale := age > StalenessCutoff
		if stale {
			if _, err := r.sweepIfStale(ctx, &row); err != nil {
				return nil, err
			}
			fresh, err := r.GetByID(ctx, row.ID)
			if err != nil {
				return nil, err
			}
			row = *fresh
		}
		active = append(active, ActiveSnapshot{Snapshot: row, Age: age, IsStale: stale})
	}
	return active, nil
}

// sweepIfStale transitions a stale IN_PROGRESS row to FAILED. Reports
// whether a transition happened.
func (r *gormSnapshotRepository) sweepIfStale(ctx context.Context, row *db.Snapshot) (bool, error) {
	if row.SnapshotStatus != db.SnapshotInProgress || row.Age(time.Now()) <= StalenessCutoff {
		return false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.updateStatusLocked(ctx, row.ID, db.SnapshotFailed, SnapshotUpdate{
		MetadataPatch: map[string]string{
			"error": fmt.Sprintf("stale: in progress longer than %s", StalenessCutoff),
		},
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *gormSnapshotRepository) ListCompleted(ctx context.Context) ([]db.Snapshot, error) {
	var rows []db.Snapshot
	if err := r.db.WithContext(ctx).
		Where("snapshot_status = ? AND snapshot_path <> ?", db.SnapshotCompleted, db.PlaceholderRunningJob).
		Order("created_at DESC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("snapshots: list completed: %w", err)
	}
	return rows, nil
}

func (r *gormSnapshotRepository) List(ctx context.Context, opts ListOptions) ([]db.Snapshot, int64, error) {
	var rows []db.Snapshot
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Snapshot{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("snapshots: list count: %w", err)
	}

	q := r.db.WithContext(ctx).Order("created_at DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("snapshots: list: %w", err)
	}
	return rows, total, nil
}

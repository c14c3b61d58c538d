package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Snapshot types.
const (
	TypeManual           = "MANUAL"
	TypePause            = "PAUSE"
	TypeStopWithSnapshot = "STOP_WITH_SNAPSHOT"
	TypeJobStart         = "JOB_START"
)

// Snapshot statuses.
const (
	SnapshotInProgress = "IN_PROGRESS"
	SnapshotCompleted  = "COMPLETED"
	SnapshotFailed     = "FAILED"
)

// Resume event statuses.
const (
	ResumeStarted   = "STARTED"
	ResumeCompleted = "COMPLETED"
	ResumeFailed    = "FAILED"
)

// PlaceholderRunningJob marks a JOB_START row: the job is known but no
// snapshot exists yet. Rows carrying it are never resumable.
const PlaceholderRunningJob = "RUNNING_JOB"

// JSONMap stores free-form string metadata as a JSON TEXT column.
type JSONMap map[string]string

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("db: encode metadata: %w", err)
	}
	return string(b), nil
}

func (m *JSONMap) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*m = JSONMap{}
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("db: unsupported metadata column type %T", src)
	}
	if len(data) == 0 {
		*m = JSONMap{}
		return nil
	}
	return json.Unmarshal(data, m)
}

// Snapshot is one durable record of a job's snapshot history. For every
// JobID at most one row has IsLatest set; older rows are history. Rows are
// never deleted, only their status fields mutate.
type Snapshot struct {
	ID             int64     `gorm:"primaryKey;autoIncrement"`
	JobID          string    `gorm:"column:job_id;not null;index"`
	JobName        string    `gorm:"column:job_name"`
	SnapshotPath   string    `gorm:"column:snapshot_path;not null"`
	SnapshotType   string    `gorm:"column:snapshot_type"`
	SnapshotStatus string    `gorm:"column:snapshot_status;index"`
	SQLContent     string    `gorm:"column:sql_content"`
	RequestID      string    `gorm:"column:request_id"`
	IsLatest       bool      `gorm:"column:is_latest;index"`
	CreatedAt      time.Time `gorm:"not null"`
	Metadata       JSONMap   `gorm:"type:text"`
}

// Usable reports whether the row points at a snapshot a job can actually be
// restored from.
func (s *Snapshot) Usable() bool {
	return s.SnapshotStatus == SnapshotCompleted && s.SnapshotPath != PlaceholderRunningJob
}

// Age is the time since the row was created.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// ResumeEvent is the audit record of one resume attempt. Terminal statuses
// carry a non-null CompletedAt.
type ResumeEvent struct {
	ID            int64      `gorm:"primaryKey;autoIncrement"`
	SnapshotID    int64      `gorm:"column:snapshot_id;not null;index"`
	OriginalJobID string     `gorm:"column:original_job_id;not null"`
	NewJobID      string     `gorm:"column:new_job_id"`
	SnapshotPath  string     `gorm:"column:snapshot_path;not null"`
	SQLFilePath   string     `gorm:"column:sql_file_path;not null"`
	Status        string     `gorm:"column:status"`
	ErrorMessage  string     `gorm:"column:error_message"`
	CreatedAt     time.Time  `gorm:"not null"`
	CompletedAt   *time.Time `gorm:"column:completed_at"`
	Metadata      JSONMap    `gorm:"type:text"`
}

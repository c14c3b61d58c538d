// Package repositories holds the typed store operations over the snapshots
// and resume_events tables. All writes go through a single mutex owned by
// the Store: SQLite allows one writer, and the orchestrator's state machine
// depends on read-modify-write sequences not interleaving.
package repositories

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/flink-studio/flinkctl/internal/db"
)

// StalenessCutoff is how long a snapshot row may sit IN_PROGRESS before it
// is considered abandoned and swept to FAILED on the next observation.
const StalenessCutoff = 5 * time.Minute

// ListOptions carries pagination for list queries. Zero Limit means all.
type ListOptions struct {
	Limit  int
	Offset int
}

// SnapshotUpdate names the optional fields of UpdateSnapshotStatus. Nil
// pointers leave the column untouched; MetadataPatch merges into the
// existing metadata map.
type SnapshotUpdate struct {
	RequestID     *string
	Path          *string
	SQLContent    *string
	MetadataPatch map[string]string
}

// ResumeUpdate names the optional fields of UpdateResumeEvent.
type ResumeUpdate struct {
	NewJobID      *string
	ErrorMessage  *string
	MetadataPatch map[string]string
}

// ActiveSnapshot is an IN_PROGRESS row annotated with its age. Stale rows
// are already swept to FAILED by the time they are returned.
type ActiveSnapshot struct {
	Snapshot db.Snapshot
	Age      time.Duration
	IsStale  bool
}

type SnapshotRepository interface {
	// CreateSnapshotRecord clears the latest flag on every prior row for the
	// job and inserts a fresh IN_PROGRESS row with a placeholder path.
	// Returns the new row id.
	CreateSnapshotRecord(ctx context.Context, jobID, jobName, snapshotType string) (int64, error)

	// CreateJobStartRecord inserts a COMPLETED-history JOB_START row holding
	// the SQL that started the job. The path is the RUNNING_JOB placeholder.
	CreateJobStartRecord(ctx context.Context, jobID, jobName, sqlContent string, metadata map[string]string) (int64, error)

	UpdateSnapshotStatus(ctx context.Context, id int64, status string, upd SnapshotUpdate) error
	GetByID(ctx context.Context, id int64) (*db.Snapshot, error)

	// GetLatestForJob returns the row with is_latest set, or ErrNotFound.
	// A stale IN_PROGRESS row is transitioned to FAILED before it is returned.
	GetLatestForJob(ctx context.Context, jobID string) (*db.Snapshot, error)

	// GetLatestByJobName resolves the newest latest-flagged row recorded
	// under a job name. Same staleness sweep as GetLatestForJob.
	GetLatestByJobName(ctx context.Context, jobName string) (*db.Snapshot, error)

	// ListActive returns rows that were IN_PROGRESS when called, each with
	// age annotation. Stale ones are swept to FAILED first.
	ListActive(ctx context.Context) ([]ActiveSnapshot, error)

	// ListCompleted returns usable snapshot rows: COMPLETED and not the
	// RUNNING_JOB placeholder, newest first.
	ListCompleted(ctx context.Context) ([]db.Snapshot, error)

	List(ctx context.Context, opts ListOptions) ([]db.Snapshot, int64, error)
}

type ResumeEventRepository interface {
	// CreateResumeEvent inserts a STARTED event and returns its id.
	CreateResumeEvent(ctx context.Context, snapshotID int64, originalJobID, path, sqlFile string, metadata map[string]string) (int64, error)

	// UpdateResumeEvent sets the status; terminal statuses stamp CompletedAt.
	UpdateResumeEvent(ctx context.Context, id int64, status string, upd ResumeUpdate) error

	GetByID(ctx context.Context, id int64) (*db.ResumeEvent, error)

	// RecentStartedForPath returns STARTED events for a snapshot path created
	// after the cutoff, used by the resume preflight's double-resume warning.
	RecentStartedForPath(ctx context.Context, path string, since time.Time) ([]db.ResumeEvent, error)

	ListBySnapshot(ctx context.Context, snapshotID int64) ([]db.ResumeEvent, error)
}

// Store bundles the repositories over one database handle. Both share the
// write mutex.
type Store struct {
	Snapshots    SnapshotRepository
	ResumeEvents ResumeEventRepository
}

func NewStore(database *gorm.DB) *Store {
	var mu sync.Mutex
	return &Store{
		Snapshots:    &gormSnapshotRepository{db: database, mu: &mu},
		ResumeEvents: &gormResumeEventRepository{db: database, mu: &mu},
	}
}

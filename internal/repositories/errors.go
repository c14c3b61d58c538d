package repositories

import "errors"

// ErrNotFound is returned when the requested record does not exist. Callers
// check it with errors.Is to tell a missing row from a database failure.
//
//	snap, err := store.Snapshots.GetLatestForJob(ctx, jobID)
//	if errors.Is(err, repositories.ErrNotFound) {
//	    no snapshot history for this job
//	}
var ErrNotFound = errors.New("record not found")

package worker

import (
	"context"
	"fmt"

	"task-hierarchy/backend/internal/store"
)

// Deleter is the part of the document store orphan cleanup needs.
type Deleter interface {
	Delete(ctx context.Context, c store.Collection, id string) error
}

// ReportOrphan queues a cleanup job for a child document left behind by a
// failed compensating delete.
func (q *JobQueue) ReportOrphan(ctx context.Context, c store.Collection, id string, cause error) error {
	payload := map[string]interface{}{
		"collection": string(c),
		"id":         id,
	}
	if cause != nil {
		payload["cause"] = cause.Error()
	}
	return q.Enqueue(ctx, JobTypeOrphanCleanup, payload)
}

// OrphanCleanupHandler deletes the document named by an orphan_cleanup job.
// Delete is idempotent, so a job replayed after success is harmless.
func OrphanCleanupHandler(d Deleter) JobHandler {
	return func(ctx context.Context, job *Job) error {
		c, _ := job.Payload["collection"].(string)
		id, _ := job.Payload["id"].(string)
		if c == "" || id == "" {
			return fmt.Errorf("orphan cleanup job %s: missing collection or id", job.ID)
		}
		return d.Delete(ctx, store.Collection(c), id)
	}
}

package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the asynq queue every lotledger task runs on.
	QueueDefault = "default"

	// TaskSnapshotRepair re-runs a snapshot rollup for one (lot, date)
	// after a post-commit rollup failed.
	TaskSnapshotRepair = "stock:snapshot_repair"
	// TaskSnapshotResync rebuilds snapshots for every lot that moved on
	// a given date. Scheduled nightly as a safety net.
	TaskSnapshotResync = "stock:snapshot_resync"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "maintenance:idempotency_cleanup"
)

const dateLayout = "2006-01-02"

// SnapshotRepairPayload identifies the snapshot cascade to re-run.
type SnapshotRepairPayload struct {
	LotID int64  `json:"lot_id"`
	Date  string `json:"date"`
}

// NewSnapshotRepairTask constructs an asynq task for a single rollup repair.
func NewSnapshotRepairTask(lotID int64, date time.Time) (*asynq.Task, error) {
	payload := SnapshotRepairPayload{LotID: lotID, Date: date.Format(dateLayout)}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSnapshotRepair, body, asynq.Queue(QueueDefault)), nil
}

// SnapshotResyncPayload identifies the date to resync.
type SnapshotResyncPayload struct {
	Date string `json:"date"`
}

// NewSnapshotResyncTask constructs an asynq task resyncing all lots that
// moved on the date. An empty date means "today at run time".
func NewSnapshotResyncTask(date string) (*asynq.Task, error) {
	body, err := json.Marshal(SnapshotResyncPayload{Date: date})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSnapshotResync, body, asynq.Queue(QueueDefault)), nil
}

// IdempotencyCleanupPayload carries the retention window in hours.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewIdempotencyCleanupTask constructs an asynq task pruning idempotency keys.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{RetentionHours: int(retention.Hours())})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}

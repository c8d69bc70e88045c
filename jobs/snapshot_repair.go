package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/lotledger/lotledger/internal/jobs"
)

// RollupSyncer rebuilds daily snapshots for one lot starting at a date.
type RollupSyncer interface {
	Sync(ctx context.Context, lotID int64, date time.Time) error
}

// LotSource lists lots that recorded movements on a date.
type LotSource interface {
	LotsMovedOn(ctx context.Context, date time.Time) ([]int64, error)
}

// SnapshotRepairJob re-runs failed snapshot rollups.
type SnapshotRepairJob struct {
	rollup  RollupSyncer
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewSnapshotRepairJob constructs the repair job.
func NewSnapshotRepairJob(rollup RollupSyncer, logger *slog.Logger, metrics *jobmetrics.Metrics) *SnapshotRepairJob {
	return &SnapshotRepairJob{rollup: rollup, logger: logger, metrics: metrics}
}

// Handle processes one snapshot repair task.
func (j *SnapshotRepairJob) Handle(ctx context.Context, t *asynq.Task) error {
	tracker := j.metrics.Track("snapshot_repair")
	var payload SnapshotRepairPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		_ = tracker.End(err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	date, err := time.Parse(dateLayout, payload.Date)
	if err != nil {
		_ = tracker.End(err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	err = j.rollup.Sync(ctx, payload.LotID, date)
	if err != nil {
		j.logger.Error("snapshot repair failed",
			slog.Int64("lot_id", payload.LotID),
			slog.String("date", payload.Date),
			slog.Any("error", err))
	} else {
		j.logger.Info("snapshot repaired",
			slog.Int64("lot_id", payload.LotID),
			slog.String("date", payload.Date))
	}
	return tracker.End(err)
}

// SnapshotResyncJob rebuilds snapshots for every lot that moved on a date.
type SnapshotResyncJob struct {
	rollup  RollupSyncer
	lots    LotSource
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
	now     func() time.Time
}

// NewSnapshotResyncJob constructs the resync job.
func NewSnapshotResyncJob(rollup RollupSyncer, lots LotSource, logger *slog.Logger, metrics *jobmetrics.Metrics) *SnapshotResyncJob {
	return &SnapshotResyncJob{rollup: rollup, lots: lots, logger: logger, metrics: metrics, now: time.Now}
}

// Handle processes one resync task.
func (j *SnapshotResyncJob) Handle(ctx context.Context, t *asynq.Task) error {
	tracker := j.metrics.Track("snapshot_resync")
	var payload SnapshotResyncPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		_ = tracker.End(err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	date := j.now().UTC()
	if payload.Date != "" {
		parsed, err := time.Parse(dateLayout, payload.Date)
		if err != nil {
			_ = tracker.End(err)
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		date = parsed
	}

	lotIDs, err := j.lots.LotsMovedOn(ctx, date)
	if err != nil {
		return tracker.End(err)
	}
	for _, lotID := range lotIDs {
		if err := j.rollup.Sync(ctx, lotID, date); err != nil {
			j.logger.Error("snapshot resync failed",
				slog.Int64("lot_id", lotID),
				slog.Any("error", err))
			return tracker.End(err)
		}
	}
	j.logger.Info("snapshot resync done",
		slog.Time("date", date),
		slog.Int("lots", len(lotIDs)))
	return tracker.End(nil)
}

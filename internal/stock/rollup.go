package stock

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lotledger/lotledger/internal/observability"
)

// Rollup recomputes per-lot daily balance snapshots.
type Rollup struct {
	repo    RepositoryPort
	metrics *observability.StockMetrics
	now     func() time.Time
}

// RollupConfig groups optional rollup dependencies.
type RollupConfig struct {
	Metrics *observability.StockMetrics
	Now     func() time.Time
}

// NewRollup builds Rollup.
func NewRollup(repo RepositoryPort, cfg RollupConfig) *Rollup {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Rollup{repo: repo, metrics: cfg.Metrics, now: now}
}

// Sync rebuilds the snapshot for (lot, date) and cascades forward day by
// day up to and including today. A backdated movement invalidates the
// opening balance of every later day, including days with no movement,
// so the walk is dense: each day gets a stored opening/in/out/closing
// row. The cascade is a loop bounded by today rather than a recursion,
// so distant backdating cannot exhaust the stack.
func (r *Rollup) Sync(ctx context.Context, lotID int64, date time.Time) error {
	start := DateOnly(date)
	end := DateOnly(r.now())
	if end.Before(start) {
		// Future-dated movements still materialise their own day.
		end = start
	}

	days := 0
	err := r.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		opening := decimal.Zero
		prev, err := tx.SnapshotBefore(ctx, lotID, start)
		switch {
		case err == nil:
			opening = prev.Closing
		case errors.Is(err, ErrSnapshotNotFound):
			// First snapshot for this lot opens at zero.
		default:
			return err
		}

		for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
			totalIn, totalOut, err := tx.MovementTotals(ctx, lotID, day)
			if err != nil {
				return err
			}
			closing := opening.Add(totalIn).Sub(totalOut)
			snapshot := DailySnapshot{
				LotID:    lotID,
				Date:     day,
				Opening:  opening,
				TotalIn:  totalIn,
				TotalOut: totalOut,
				Closing:  closing,
			}
			if err := tx.UpsertSnapshot(ctx, snapshot); err != nil {
				return err
			}
			opening = closing
			days++
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.metrics.RollupCascade(days)
	return nil
}

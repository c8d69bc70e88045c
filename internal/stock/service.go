package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lotledger/lotledger/internal/observability"
	"github.com/lotledger/lotledger/internal/shared"
)

// RepositoryPort abstracts repository usage for the service. All write
// paths run through WithTx; the remaining methods are read-only.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	LotByKey(ctx context.Context, key LotKey) (Lot, error)
	SnapshotAsOf(ctx context.Context, key LotKey, asOf time.Time) (DailySnapshot, error)
	Movements(ctx context.Context, filter MovementFilter) ([]Movement, error)
	UsedQuantity(ctx context.Context, dim LotDimension, from, to time.Time) (decimal.Decimal, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// RepairPort enqueues snapshot repair work when a post-commit rollup fails.
type RepairPort interface {
	EnqueueSnapshotRepair(ctx context.Context, lotID int64, date time.Time) error
}

// Service coordinates allocation and reversal operations.
type Service struct {
	repo    RepositoryPort
	rollup  *Rollup
	audit   AuditPort
	idem    *shared.IdempotencyStore
	repair  RepairPort
	cache   *Cache
	metrics *observability.StockMetrics
	logger  *slog.Logger
	now     func() time.Time
}

// ServiceConfig groups optional service dependencies.
type ServiceConfig struct {
	Audit       AuditPort
	Idempotency *shared.IdempotencyStore
	Repair      RepairPort
	Cache       *Cache
	Metrics     *observability.StockMetrics
	Logger      *slog.Logger
	Now         func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, cfg ServiceConfig) *Service {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:    repo,
		rollup:  NewRollup(repo, RollupConfig{Metrics: cfg.Metrics, Now: now}),
		audit:   cfg.Audit,
		idem:    cfg.Idempotency,
		repair:  cfg.Repair,
		cache:   cfg.Cache,
		metrics: cfg.Metrics,
		logger:  logger,
		now:     now,
	}
}

// Rollup exposes the snapshot rollup used by this service, for callers
// that resynchronise snapshots out of band.
func (s *Service) Rollup() *Rollup {
	return s.rollup
}

// InboundInput describes an inbound movement to record.
type InboundInput struct {
	Key       LotKey
	Quantity  decimal.Decimal
	Date      time.Time
	UnitCost  decimal.Decimal
	Reference string
	Note      string
}

// OutboundInput describes an outbound consumption request. The request
// matches every lot in the dimension regardless of expiry.
type OutboundInput struct {
	Dimension LotDimension
	Quantity  decimal.Decimal
	Date      time.Time
	Reference string
	Note      string
	// AllowNegative permits consumption beyond open supply. The unmet
	// remainder is recorded as a backorder movement with no consumption
	// link and no unit cost, and the anchor lot's quantity goes negative.
	AllowNegative bool
	// Order defaults to FIFO when empty.
	Order CostOrder
}

// InboundResult reports a committed inbound movement.
type InboundResult struct {
	Movement Movement
	Balance  decimal.Decimal
}

// OutboundResult reports a committed outbound allocation.
type OutboundResult struct {
	Movements []Movement
	// CostOfGoods sums consumed quantity times unit cost across every
	// inbound movement the request drew from. Backorder quantity
	// contributes nothing, leaving a cost-basis gap.
	CostOfGoods decimal.Decimal
	// Balance is the quantity remaining across the candidate lots.
	Balance decimal.Decimal
}

// ReverseResult reports a committed reversal.
type ReverseResult struct {
	// Reversed counts the movements removed. Zero means the reference
	// had no movements and the call was a no-op.
	Reversed int
}

// RollupError reports a snapshot synchronisation failure for an
// operation that has already committed. Callers receiving it must treat
// daily balances as stale until a repair run catches up; the movement
// and lot state itself is consistent.
type RollupError struct {
	LotID int64
	Date  time.Time
	Err   error
}

func (e *RollupError) Error() string {
	return fmt.Sprintf("stock: snapshot rollup failed for lot %d on %s: %v", e.LotID, e.Date.Format("2006-01-02"), e.Err)
}

func (e *RollupError) Unwrap() error { return e.Err }

type lotDate struct {
	lotID int64
	date  time.Time
}

// RecordInbound resolves or creates the lot, increases its quantity and
// appends an inbound movement, all inside one transaction. The snapshot
// rollup for the touched (lot, date) runs after commit.
func (s *Service) RecordInbound(ctx context.Context, input InboundInput) (InboundResult, error) {
	start := s.now()
	if input.Key.CompanyID == "" || input.Key.ItemID == "" || input.Key.Location == "" {
		return InboundResult{}, errors.New("stock: company, item and location required")
	}
	if input.Quantity.Sign() <= 0 {
		return InboundResult{}, ErrInvalidQuantity
	}
	if input.UnitCost.Sign() < 0 {
		return InboundResult{}, ErrInvalidUnitCost
	}
	date := DateOnly(input.Date)
	if input.Date.IsZero() {
		date = DateOnly(s.now())
	}
	reference := input.Reference
	if reference == "" {
		reference = uuid.NewString()
	}

	idemKey, err := s.claimIdempotency(ctx, KindInbound, reference, input.Key.Dimension())
	if err != nil {
		return InboundResult{}, err
	}

	var result InboundResult
	var lotID int64
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		lot, err := tx.LotForUpdate(ctx, input.Key)
		if errors.Is(err, ErrLotNotFound) {
			lot, err = tx.CreateLot(ctx, input.Key)
		}
		if err != nil {
			return err
		}
		balance, err := tx.AdjustLotQuantity(ctx, lot.ID, input.Quantity, true)
		if err != nil {
			return err
		}
		movement := Movement{
			LotID:     lot.ID,
			Kind:      KindInbound,
			Date:      date,
			Quantity:  input.Quantity,
			Used:      decimal.Zero,
			UnitCost:  input.UnitCost,
			Reference: reference,
			Note:      input.Note,
		}
		movement.ID, err = tx.InsertMovement(ctx, movement)
		if err != nil {
			return err
		}
		lotID = lot.ID
		result = InboundResult{Movement: movement, Balance: balance}
		return nil
	})
	s.metrics.Observe("inbound", start, err)
	if err != nil {
		s.releaseIdempotency(ctx, idemKey)
		return InboundResult{}, err
	}

	s.recordAudit(ctx, "stock:in", reference, map[string]any{
		"company":  input.Key.CompanyID,
		"item":     input.Key.ItemID,
		"location": input.Key.Location,
		"qty":      input.Quantity.String(),
	})
	s.bumpCache(ctx)
	return result, s.syncSnapshots(ctx, []lotDate{{lotID: lotID, date: date}})
}

// RecordOutbound allocates the requested quantity against open inbound
// movements across every lot in the dimension, oldest or newest supply
// first depending on the cost order. All movement and lot mutations
// commit atomically; snapshot rollups for the touched lots run after.
func (s *Service) RecordOutbound(ctx context.Context, input OutboundInput) (OutboundResult, error) {
	start := s.now()
	if input.Dimension.CompanyID == "" || input.Dimension.ItemID == "" || input.Dimension.Location == "" {
		return OutboundResult{}, errors.New("stock: company, item and location required")
	}
	if input.Quantity.Sign() <= 0 {
		return OutboundResult{}, ErrInvalidQuantity
	}
	order := input.Order
	if order == "" {
		order = FIFO
	}
	if order != FIFO && order != LIFO {
		return OutboundResult{}, fmt.Errorf("stock: unknown cost order %q", order)
	}
	date := DateOnly(input.Date)
	if input.Date.IsZero() {
		date = DateOnly(s.now())
	}
	reference := input.Reference
	if reference == "" {
		reference = uuid.NewString()
	}

	idemKey, err := s.claimIdempotency(ctx, KindOutbound, reference, input.Dimension)
	if err != nil {
		return OutboundResult{}, err
	}

	var result OutboundResult
	var touched []lotDate
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		// Candidate lots come back ordered by id so concurrent requests
		// spanning overlapping lot sets lock them in the same order.
		lots, err := tx.LotsForUpdate(ctx, input.Dimension)
		if err != nil {
			return err
		}
		if len(lots) == 0 {
			if !input.AllowNegative {
				return fmt.Errorf("%w: %s/%s at %s", ErrLotNotFound,
					input.Dimension.CompanyID, input.Dimension.ItemID, input.Dimension.Location)
			}
			anchor, err := tx.CreateLot(ctx, LotKey{
				CompanyID: input.Dimension.CompanyID,
				ItemID:    input.Dimension.ItemID,
				Location:  input.Dimension.Location,
			})
			if err != nil {
				return err
			}
			lots = []Lot{anchor}
		}

		available := decimal.Zero
		lotIDs := make([]int64, 0, len(lots))
		for _, lot := range lots {
			available = available.Add(lot.Quantity)
			lotIDs = append(lotIDs, lot.ID)
		}
		if available.LessThan(input.Quantity) && !input.AllowNegative {
			return fmt.Errorf("%w: requested %s, available %s", ErrInsufficientStock,
				input.Quantity, available)
		}

		open, err := tx.OpenInbound(ctx, lotIDs, order)
		if err != nil {
			return err
		}

		remaining := input.Quantity
		cost := decimal.Zero
		var created []Movement
		for _, src := range open {
			if remaining.Sign() == 0 {
				break
			}
			take := src.Open()
			if take.Sign() <= 0 {
				continue
			}
			if take.GreaterThan(remaining) {
				take = remaining
			}
			if err := tx.AddUsed(ctx, src.ID, take); err != nil {
				return err
			}
			if _, err := tx.AdjustLotQuantity(ctx, src.LotID, take.Neg(), input.AllowNegative); err != nil {
				return err
			}
			srcID := src.ID
			out := Movement{
				LotID:        src.LotID,
				Kind:         KindOutbound,
				Date:         date,
				Quantity:     take,
				UnitCost:     src.UnitCost,
				Reference:    reference,
				ConsumedFrom: &srcID,
				Note:         input.Note,
			}
			out.ID, err = tx.InsertMovement(ctx, out)
			if err != nil {
				return err
			}
			created = append(created, out)
			cost = cost.Add(take.Mul(src.UnitCost))
			remaining = remaining.Sub(take)
		}

		if remaining.Sign() > 0 {
			if !input.AllowNegative {
				// Lot quantities promised more than the open movements
				// held. Should not happen while the invariant holds.
				return fmt.Errorf("%w: open supply below lot quantity", ErrIntegrity)
			}
			anchor := lots[0]
			if _, err := tx.AdjustLotQuantity(ctx, anchor.ID, remaining.Neg(), true); err != nil {
				return err
			}
			back := Movement{
				LotID:     anchor.ID,
				Kind:      KindBackorder,
				Date:      date,
				Quantity:  remaining,
				Reference: reference,
				Note:      input.Note,
			}
			back.ID, err = tx.InsertMovement(ctx, back)
			if err != nil {
				return err
			}
			created = append(created, back)
		}

		touched = touched[:0]
		seen := make(map[int64]bool, len(created))
		for _, m := range created {
			if !seen[m.LotID] {
				seen[m.LotID] = true
				touched = append(touched, lotDate{lotID: m.LotID, date: date})
			}
		}
		result = OutboundResult{
			Movements:   created,
			CostOfGoods: cost,
			Balance:     available.Sub(input.Quantity),
		}
		return nil
	})
	s.metrics.Observe("outbound", start, err)
	if err != nil {
		s.releaseIdempotency(ctx, idemKey)
		return OutboundResult{}, err
	}

	s.recordAudit(ctx, "stock:out", reference, map[string]any{
		"company":  input.Dimension.CompanyID,
		"item":     input.Dimension.ItemID,
		"location": input.Dimension.Location,
		"qty":      input.Quantity.String(),
		"cogs":     result.CostOfGoods.String(),
		"order":    string(order),
	})
	s.bumpCache(ctx)
	return result, s.syncSnapshots(ctx, touched)
}

// Reverse undoes every movement recorded under the given external
// reference, in the order they were created. Outbound movements release
// their consumed quantity back to the source inbound movement; inbound
// movements can only go while nothing downstream consumes them. The
// whole reversal commits or rolls back as a unit. A reference with no
// movements is a no-op success.
func (s *Service) Reverse(ctx context.Context, reference string) (ReverseResult, error) {
	start := s.now()
	if reference == "" {
		return ReverseResult{}, errors.New("stock: reference required")
	}

	var result ReverseResult
	var touched []lotDate
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		movements, err := tx.MovementsByReference(ctx, reference)
		if err != nil {
			return err
		}
		if len(movements) == 0 {
			return nil
		}

		lotIDs := make([]int64, 0, len(movements))
		seen := make(map[int64]bool, len(movements))
		for _, m := range movements {
			if !seen[m.LotID] {
				seen[m.LotID] = true
				lotIDs = append(lotIDs, m.LotID)
			}
		}
		if err := tx.LockLots(ctx, lotIDs); err != nil {
			return err
		}

		for _, m := range movements {
			switch m.Kind {
			case KindOutbound:
				if m.ConsumedFrom == nil {
					return fmt.Errorf("%w: outbound movement %d has no consumption link", ErrReferenceMissing, m.ID)
				}
				src, err := tx.MovementByID(ctx, *m.ConsumedFrom)
				if errors.Is(err, ErrMovementNotFound) {
					return fmt.Errorf("%w: movement %d", ErrReferenceMissing, *m.ConsumedFrom)
				}
				if err != nil {
					return err
				}
				if err := tx.AddUsed(ctx, src.ID, m.Quantity.Neg()); err != nil {
					return err
				}
				if _, err := tx.AdjustLotQuantity(ctx, m.LotID, m.Quantity, true); err != nil {
					return err
				}
			case KindBackorder:
				if _, err := tx.AdjustLotQuantity(ctx, m.LotID, m.Quantity, true); err != nil {
					return err
				}
			case KindInbound:
				consumer, consumed, err := tx.ConsumingReference(ctx, m.ID)
				if err != nil {
					return err
				}
				if consumed {
					return fmt.Errorf("%w: inbound movement %d consumed by transaction %s", ErrConsumedReference, m.ID, consumer)
				}
				// The consumption check above is the guard here. The lot
				// itself may sit below zero from earlier backorders, and
				// removing the inbound must still decrement it.
				if _, err := tx.AdjustLotQuantity(ctx, m.LotID, m.Quantity.Neg(), true); err != nil {
					return err
				}
			default:
				return fmt.Errorf("%w: unknown movement kind %q", ErrIntegrity, m.Kind)
			}
			if err := tx.DeleteMovement(ctx, m.ID); err != nil {
				return err
			}
			touched = appendLotDate(touched, lotDate{lotID: m.LotID, date: DateOnly(m.Date)})
		}
		result.Reversed = len(movements)
		return nil
	})
	s.metrics.Observe("reverse", start, err)
	if err != nil {
		return ReverseResult{}, err
	}
	if result.Reversed == 0 {
		return result, nil
	}

	s.recordAudit(ctx, "stock:reverse", reference, map[string]any{
		"movements": result.Reversed,
	})
	s.bumpCache(ctx)
	return result, s.syncSnapshots(ctx, touched)
}

// syncSnapshots runs the rollup for every touched (lot, date) pair after
// the triggering transaction committed. A failure is surfaced as a
// RollupError so callers can distinguish it from an aborted write, and a
// repair task is enqueued when a repair port is wired.
func (s *Service) syncSnapshots(ctx context.Context, touched []lotDate) error {
	for i, td := range touched {
		if err := s.rollup.Sync(ctx, td.lotID, td.date); err != nil {
			s.logger.Error("snapshot rollup failed",
				slog.Int64("lot_id", td.lotID),
				slog.Time("date", td.date),
				slog.Any("error", err))
			s.metrics.RollupFailure()
			// The pairs after the failing one never ran. Queue repair
			// for all of them, not just the one that errored.
			if s.repair != nil {
				for _, pending := range touched[i:] {
					if qerr := s.repair.EnqueueSnapshotRepair(ctx, pending.lotID, pending.date); qerr != nil {
						s.logger.Error("enqueue snapshot repair",
							slog.Int64("lot_id", pending.lotID),
							slog.Any("error", qerr))
					}
				}
			}
			return &RollupError{LotID: td.lotID, Date: td.date, Err: err}
		}
	}
	return nil
}

func (s *Service) claimIdempotency(ctx context.Context, kind MovementKind, reference string, dim LotDimension) (string, error) {
	if s.idem == nil || reference == "" {
		return "", nil
	}
	key := fmt.Sprintf("%s:%s:%s:%s:%s", kind, reference, dim.CompanyID, dim.ItemID, dim.Location)
	if err := s.idem.CheckAndInsert(ctx, key, "stock"); err != nil {
		return "", err
	}
	return key, nil
}

func (s *Service) releaseIdempotency(ctx context.Context, key string) {
	if s.idem == nil || key == "" {
		return
	}
	if err := s.idem.Delete(ctx, key); err != nil {
		s.logger.Warn("release idempotency key", slog.String("key", key), slog.Any("error", err))
	}
}

func (s *Service) bumpCache(ctx context.Context) {
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("bump balance cache", slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, action, reference string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		Action:   action,
		Entity:   "stock_movement",
		EntityID: reference,
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}

func appendLotDate(list []lotDate, td lotDate) []lotDate {
	for _, existing := range list {
		if existing.lotID == td.lotID && existing.date.Equal(td.date) {
			return list
		}
	}
	return append(list, td)
}

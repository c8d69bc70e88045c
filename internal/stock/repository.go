package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/lotledger/lotledger/internal/platform/db"
)

// Repository persists stock data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the transactional operations the service runs
// inside one unit of work. Row reads that precede writes take row locks
// so two concurrent allocations cannot double-consume a movement.
type TxRepository interface {
	LotForUpdate(ctx context.Context, key LotKey) (Lot, error)
	LotsForUpdate(ctx context.Context, dim LotDimension) ([]Lot, error)
	LockLots(ctx context.Context, lotIDs []int64) error
	CreateLot(ctx context.Context, key LotKey) (Lot, error)
	AdjustLotQuantity(ctx context.Context, lotID int64, delta decimal.Decimal, allowNegative bool) (decimal.Decimal, error)

	InsertMovement(ctx context.Context, m Movement) (int64, error)
	MovementByID(ctx context.Context, id int64) (Movement, error)
	MovementsByReference(ctx context.Context, reference string) ([]Movement, error)
	OpenInbound(ctx context.Context, lotIDs []int64, order CostOrder) ([]Movement, error)
	AddUsed(ctx context.Context, movementID int64, delta decimal.Decimal) error
	ConsumingReference(ctx context.Context, movementID int64) (string, bool, error)
	DeleteMovement(ctx context.Context, id int64) error

	MovementTotals(ctx context.Context, lotID int64, date time.Time) (decimal.Decimal, decimal.Decimal, error)
	SnapshotBefore(ctx context.Context, lotID int64, date time.Time) (DailySnapshot, error)
	UpsertSnapshot(ctx context.Context, snapshot DailySnapshot) error
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps the callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const lotColumns = "id, company_id, item_id, location, expires_on, qty, created_at, updated_at"

func scanLot(row pgx.Row) (Lot, error) {
	var lot Lot
	var expiry *time.Time
	err := row.Scan(&lot.ID, &lot.Key.CompanyID, &lot.Key.ItemID, &lot.Key.Location,
		&expiry, &lot.Quantity, &lot.CreatedAt, &lot.UpdatedAt)
	if err != nil {
		return Lot{}, err
	}
	lot.Key.Expiry = expiry
	return lot, nil
}

func (r *txRepo) LotForUpdate(ctx context.Context, key LotKey) (Lot, error) {
	row := r.tx.QueryRow(ctx, `
		SELECT `+lotColumns+`
		FROM lots
		WHERE company_id = $1 AND item_id = $2 AND location = $3
		  AND expires_on IS NOT DISTINCT FROM $4
		FOR UPDATE`,
		key.CompanyID, key.ItemID, key.Location, key.Expiry)
	lot, err := scanLot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Lot{}, ErrLotNotFound
	}
	return lot, err
}

func (r *txRepo) LotsForUpdate(ctx context.Context, dim LotDimension) ([]Lot, error) {
	// Ordered by id so overlapping requests lock lots in a stable order.
	rows, err := r.tx.Query(ctx, `
		SELECT `+lotColumns+`
		FROM lots
		WHERE company_id = $1 AND item_id = $2 AND location = $3
		ORDER BY id
		FOR UPDATE`,
		dim.CompanyID, dim.ItemID, dim.Location)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lots []Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

func (r *txRepo) LockLots(ctx context.Context, lotIDs []int64) error {
	rows, err := r.tx.Query(ctx, `SELECT id FROM lots WHERE id = ANY($1) ORDER BY id FOR UPDATE`, lotIDs)
	if err != nil {
		return err
	}
	rows.Close()
	return rows.Err()
}

func (r *txRepo) CreateLot(ctx context.Context, key LotKey) (Lot, error) {
	lot := Lot{Key: key, Quantity: decimal.Zero}
	err := r.tx.QueryRow(ctx, `
		INSERT INTO lots (company_id, item_id, location, expires_on, qty)
		VALUES ($1, $2, $3, $4, 0)
		RETURNING id, created_at, updated_at`,
		key.CompanyID, key.ItemID, key.Location, key.Expiry).
		Scan(&lot.ID, &lot.CreatedAt, &lot.UpdatedAt)
	if err != nil {
		return Lot{}, err
	}
	return lot, nil
}

func (r *txRepo) AdjustLotQuantity(ctx context.Context, lotID int64, delta decimal.Decimal, allowNegative bool) (decimal.Decimal, error) {
	var qty decimal.Decimal
	err := r.tx.QueryRow(ctx, `
		UPDATE lots SET qty = qty + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING qty`, lotID, delta).Scan(&qty)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrLotNotFound
	}
	if err != nil {
		return decimal.Zero, err
	}
	if !allowNegative && qty.Sign() < 0 {
		return decimal.Zero, fmt.Errorf("%w: lot %d quantity would become %s", ErrIntegrity, lotID, qty)
	}
	return qty, nil
}

const movementColumns = "id, lot_id, kind, moved_on, qty, used, unit_cost, reference, consumed_from, note, created_at"

func scanMovement(row pgx.Row) (Movement, error) {
	var m Movement
	err := row.Scan(&m.ID, &m.LotID, &m.Kind, &m.Date, &m.Quantity, &m.Used,
		&m.UnitCost, &m.Reference, &m.ConsumedFrom, &m.Note, &m.CreatedAt)
	return m, err
}

func (r *txRepo) InsertMovement(ctx context.Context, m Movement) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `
		INSERT INTO stock_movements (lot_id, kind, moved_on, qty, used, unit_cost, reference, consumed_from, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		m.LotID, m.Kind, m.Date, m.Quantity, m.Used, m.UnitCost, m.Reference, m.ConsumedFrom, m.Note).Scan(&id)
	return id, err
}

func (r *txRepo) MovementByID(ctx context.Context, id int64) (Movement, error) {
	m, err := scanMovement(r.tx.QueryRow(ctx, `
		SELECT `+movementColumns+` FROM stock_movements WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Movement{}, ErrMovementNotFound
	}
	return m, err
}

func (r *txRepo) MovementsByReference(ctx context.Context, reference string) ([]Movement, error) {
	rows, err := r.tx.Query(ctx, `
		SELECT `+movementColumns+`
		FROM stock_movements
		WHERE reference = $1
		ORDER BY id
		FOR UPDATE`, reference)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMovements(rows)
}

func (r *txRepo) OpenInbound(ctx context.Context, lotIDs []int64, order CostOrder) ([]Movement, error) {
	// Ties on the movement date fall back to creation order so the walk
	// stays deterministic.
	direction := "ASC"
	if order == LIFO {
		direction = "DESC"
	}
	rows, err := r.tx.Query(ctx, `
		SELECT `+movementColumns+`
		FROM stock_movements
		WHERE lot_id = ANY($1) AND kind = $2 AND qty - used > 0
		ORDER BY moved_on `+direction+`, id
		FOR UPDATE`, lotIDs, KindInbound)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMovements(rows)
}

func (r *txRepo) AddUsed(ctx context.Context, movementID int64, delta decimal.Decimal) error {
	var used, qty decimal.Decimal
	err := r.tx.QueryRow(ctx, `
		UPDATE stock_movements SET used = used + $2
		WHERE id = $1 AND kind = $3
		RETURNING used, qty`, movementID, delta, KindInbound).Scan(&used, &qty)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrMovementNotFound
	}
	if err != nil {
		return err
	}
	if used.Sign() < 0 || used.GreaterThan(qty) {
		return fmt.Errorf("%w: movement %d used %s of %s", ErrIntegrity, movementID, used, qty)
	}
	return nil
}

func (r *txRepo) ConsumingReference(ctx context.Context, movementID int64) (string, bool, error) {
	var reference string
	err := r.tx.QueryRow(ctx, `
		SELECT reference FROM stock_movements WHERE consumed_from = $1 LIMIT 1`, movementID).Scan(&reference)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return reference, true, nil
}

func (r *txRepo) DeleteMovement(ctx context.Context, id int64) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM stock_movements WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMovementNotFound
	}
	return nil
}

func (r *txRepo) MovementTotals(ctx context.Context, lotID int64, date time.Time) (decimal.Decimal, decimal.Decimal, error) {
	var totalIn, totalOut decimal.Decimal
	err := r.tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(qty) FILTER (WHERE kind = $3), 0),
		       COALESCE(SUM(qty) FILTER (WHERE kind <> $3), 0)
		FROM stock_movements
		WHERE lot_id = $1 AND moved_on = $2`,
		lotID, DateOnly(date), KindInbound).Scan(&totalIn, &totalOut)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return totalIn, totalOut, nil
}

const snapshotColumns = "lot_id, snap_date, opening, total_in, total_out, closing"

func scanSnapshot(row pgx.Row) (DailySnapshot, error) {
	var s DailySnapshot
	err := row.Scan(&s.LotID, &s.Date, &s.Opening, &s.TotalIn, &s.TotalOut, &s.Closing)
	return s, err
}

func (r *txRepo) SnapshotBefore(ctx context.Context, lotID int64, date time.Time) (DailySnapshot, error) {
	snapshot, err := scanSnapshot(r.tx.QueryRow(ctx, `
		SELECT `+snapshotColumns+`
		FROM stock_snapshots
		WHERE lot_id = $1 AND snap_date < $2
		ORDER BY snap_date DESC
		LIMIT 1`, lotID, DateOnly(date)))
	if errors.Is(err, pgx.ErrNoRows) {
		return DailySnapshot{}, ErrSnapshotNotFound
	}
	return snapshot, err
}

func (r *txRepo) UpsertSnapshot(ctx context.Context, snapshot DailySnapshot) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO stock_snapshots (lot_id, snap_date, opening, total_in, total_out, closing)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (lot_id, snap_date) DO UPDATE
		SET opening = EXCLUDED.opening,
		    total_in = EXCLUDED.total_in,
		    total_out = EXCLUDED.total_out,
		    closing = EXCLUDED.closing,
		    updated_at = NOW()`,
		snapshot.LotID, DateOnly(snapshot.Date), snapshot.Opening,
		snapshot.TotalIn, snapshot.TotalOut, snapshot.Closing)
	return err
}

func collectMovements(rows pgx.Rows) ([]Movement, error) {
	var movements []Movement
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

// LotByKey returns the lot matching the key without locking it.
func (r *Repository) LotByKey(ctx context.Context, key LotKey) (Lot, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+lotColumns+`
		FROM lots
		WHERE company_id = $1 AND item_id = $2 AND location = $3
		  AND expires_on IS NOT DISTINCT FROM $4`,
		key.CompanyID, key.ItemID, key.Location, key.Expiry)
	lot, err := scanLot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Lot{}, ErrLotNotFound
	}
	return lot, err
}

// SnapshotAsOf returns the latest snapshot on or before asOf for the lot.
func (r *Repository) SnapshotAsOf(ctx context.Context, key LotKey, asOf time.Time) (DailySnapshot, error) {
	lot, err := r.LotByKey(ctx, key)
	if err != nil {
		return DailySnapshot{}, err
	}
	snapshot, err := scanSnapshot(r.pool.QueryRow(ctx, `
		SELECT `+snapshotColumns+`
		FROM stock_snapshots
		WHERE lot_id = $1 AND snap_date <= $2
		ORDER BY snap_date DESC
		LIMIT 1`, lot.ID, DateOnly(asOf)))
	if errors.Is(err, pgx.ErrNoRows) {
		return DailySnapshot{}, ErrSnapshotNotFound
	}
	return snapshot, err
}

// Movements lists movement history for a dimension, newest filters last.
func (r *Repository) Movements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	query := `
		SELECT m.id, m.lot_id, m.kind, m.moved_on, m.qty, m.used, m.unit_cost,
		       m.reference, m.consumed_from, m.note, m.created_at
		FROM stock_movements m
		JOIN lots l ON l.id = m.lot_id
		WHERE l.company_id = $1 AND l.item_id = $2 AND l.location = $3`
	args := []any{filter.Dimension.CompanyID, filter.Dimension.ItemID, filter.Dimension.Location}
	if filter.Kind != "" {
		args = append(args, filter.Kind)
		query += fmt.Sprintf(" AND m.kind = $%d", len(args))
	}
	if !filter.From.IsZero() {
		args = append(args, DateOnly(filter.From))
		query += fmt.Sprintf(" AND m.moved_on >= $%d", len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, DateOnly(filter.To))
		query += fmt.Sprintf(" AND m.moved_on <= $%d", len(args))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY m.moved_on, m.id LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMovements(rows)
}

// UsedQuantity sums the consumed quantity of inbound movements for a
// dimension inside the optional date range.
func (r *Repository) UsedQuantity(ctx context.Context, dim LotDimension, from, to time.Time) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(m.used), 0)
		FROM stock_movements m
		JOIN lots l ON l.id = m.lot_id
		WHERE l.company_id = $1 AND l.item_id = $2 AND l.location = $3 AND m.kind = $4`
	args := []any{dim.CompanyID, dim.ItemID, dim.Location, KindInbound}
	if !from.IsZero() {
		args = append(args, DateOnly(from))
		query += fmt.Sprintf(" AND m.moved_on >= $%d", len(args))
	}
	if !to.IsZero() {
		args = append(args, DateOnly(to))
		query += fmt.Sprintf(" AND m.moved_on <= $%d", len(args))
	}
	var used decimal.Decimal
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&used); err != nil {
		return decimal.Zero, err
	}
	return used, nil
}

// LotsMovedOn lists the lots with at least one movement on the date.
// Used by the nightly snapshot resync job.
func (r *Repository) LotsMovedOn(ctx context.Context, date time.Time) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT lot_id FROM stock_movements WHERE moved_on = $1 ORDER BY lot_id`,
		DateOnly(date))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

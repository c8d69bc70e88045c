package stock

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// memoryRepo implements RepositoryPort against plain maps. WithTx takes
// a deep copy of the state first and restores it when the callback
// fails, mirroring a rolled-back transaction.
type memoryRepo struct {
	lots         map[int64]Lot
	movements    map[int64]Movement
	snapshots    map[int64]map[string]DailySnapshot
	nextLot      int64
	nextMovement int64
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		lots:      make(map[int64]Lot),
		movements: make(map[int64]Movement),
		snapshots: make(map[int64]map[string]DailySnapshot),
	}
}

func (r *memoryRepo) clone() *memoryRepo {
	cp := newMemoryRepo()
	cp.nextLot = r.nextLot
	cp.nextMovement = r.nextMovement
	for id, lot := range r.lots {
		cp.lots[id] = lot
	}
	for id, m := range r.movements {
		cp.movements[id] = m
	}
	for lotID, days := range r.snapshots {
		cp.snapshots[lotID] = make(map[string]DailySnapshot, len(days))
		for day, snap := range days {
			cp.snapshots[lotID][day] = snap
		}
	}
	return cp
}

func (r *memoryRepo) restore(backup *memoryRepo) {
	r.lots = backup.lots
	r.movements = backup.movements
	r.snapshots = backup.snapshots
	r.nextLot = backup.nextLot
	r.nextMovement = backup.nextMovement
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	backup := r.clone()
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.restore(backup)
		return err
	}
	return nil
}

func sameExpiry(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return DateOnly(*a).Equal(DateOnly(*b))
}

func (r *memoryRepo) findLot(key LotKey) (Lot, bool) {
	for _, lot := range r.lots {
		if lot.Key.CompanyID == key.CompanyID && lot.Key.ItemID == key.ItemID &&
			lot.Key.Location == key.Location && sameExpiry(lot.Key.Expiry, key.Expiry) {
			return lot, true
		}
	}
	return Lot{}, false
}

func dayKey(t time.Time) string {
	return DateOnly(t).Format("2006-01-02")
}

func (tx *memoryTx) LotForUpdate(ctx context.Context, key LotKey) (Lot, error) {
	if lot, ok := tx.repo.findLot(key); ok {
		return lot, nil
	}
	return Lot{}, ErrLotNotFound
}

func (tx *memoryTx) LotsForUpdate(ctx context.Context, dim LotDimension) ([]Lot, error) {
	var lots []Lot
	for _, lot := range tx.repo.lots {
		if lot.Key.CompanyID == dim.CompanyID && lot.Key.ItemID == dim.ItemID && lot.Key.Location == dim.Location {
			lots = append(lots, lot)
		}
	}
	sort.Slice(lots, func(i, j int) bool { return lots[i].ID < lots[j].ID })
	return lots, nil
}

func (tx *memoryTx) LockLots(ctx context.Context, lotIDs []int64) error {
	return nil
}

func (tx *memoryTx) CreateLot(ctx context.Context, key LotKey) (Lot, error) {
	tx.repo.nextLot++
	lot := Lot{ID: tx.repo.nextLot, Key: key, Quantity: decimal.Zero}
	tx.repo.lots[lot.ID] = lot
	return lot, nil
}

func (tx *memoryTx) AdjustLotQuantity(ctx context.Context, lotID int64, delta decimal.Decimal, allowNegative bool) (decimal.Decimal, error) {
	lot, ok := tx.repo.lots[lotID]
	if !ok {
		return decimal.Zero, ErrLotNotFound
	}
	lot.Quantity = lot.Quantity.Add(delta)
	if !allowNegative && lot.Quantity.Sign() < 0 {
		return decimal.Zero, ErrIntegrity
	}
	tx.repo.lots[lotID] = lot
	return lot.Quantity, nil
}

func (tx *memoryTx) InsertMovement(ctx context.Context, m Movement) (int64, error) {
	tx.repo.nextMovement++
	m.ID = tx.repo.nextMovement
	tx.repo.movements[m.ID] = m
	return m.ID, nil
}

func (tx *memoryTx) MovementByID(ctx context.Context, id int64) (Movement, error) {
	if m, ok := tx.repo.movements[id]; ok {
		return m, nil
	}
	return Movement{}, ErrMovementNotFound
}

func (tx *memoryTx) MovementsByReference(ctx context.Context, reference string) ([]Movement, error) {
	var movements []Movement
	for _, m := range tx.repo.movements {
		if m.Reference == reference {
			movements = append(movements, m)
		}
	}
	sort.Slice(movements, func(i, j int) bool { return movements[i].ID < movements[j].ID })
	return movements, nil
}

func (tx *memoryTx) OpenInbound(ctx context.Context, lotIDs []int64, order CostOrder) ([]Movement, error) {
	inSet := make(map[int64]bool, len(lotIDs))
	for _, id := range lotIDs {
		inSet[id] = true
	}
	var open []Movement
	for _, m := range tx.repo.movements {
		if inSet[m.LotID] && m.Kind == KindInbound && m.Open().Sign() > 0 {
			open = append(open, m)
		}
	}
	sort.Slice(open, func(i, j int) bool {
		if !open[i].Date.Equal(open[j].Date) {
			if order == LIFO {
				return open[i].Date.After(open[j].Date)
			}
			return open[i].Date.Before(open[j].Date)
		}
		return open[i].ID < open[j].ID
	})
	return open, nil
}

func (tx *memoryTx) AddUsed(ctx context.Context, movementID int64, delta decimal.Decimal) error {
	m, ok := tx.repo.movements[movementID]
	if !ok || m.Kind != KindInbound {
		return ErrMovementNotFound
	}
	m.Used = m.Used.Add(delta)
	if m.Used.Sign() < 0 || m.Used.GreaterThan(m.Quantity) {
		return ErrIntegrity
	}
	tx.repo.movements[movementID] = m
	return nil
}

func (tx *memoryTx) ConsumingReference(ctx context.Context, movementID int64) (string, bool, error) {
	for _, m := range tx.repo.movements {
		if m.ConsumedFrom != nil && *m.ConsumedFrom == movementID {
			return m.Reference, true, nil
		}
	}
	return "", false, nil
}

func (tx *memoryTx) DeleteMovement(ctx context.Context, id int64) error {
	if _, ok := tx.repo.movements[id]; !ok {
		return ErrMovementNotFound
	}
	delete(tx.repo.movements, id)
	return nil
}

func (tx *memoryTx) MovementTotals(ctx context.Context, lotID int64, date time.Time) (decimal.Decimal, decimal.Decimal, error) {
	day := DateOnly(date)
	totalIn, totalOut := decimal.Zero, decimal.Zero
	for _, m := range tx.repo.movements {
		if m.LotID != lotID || !DateOnly(m.Date).Equal(day) {
			continue
		}
		if m.Kind == KindInbound {
			totalIn = totalIn.Add(m.Quantity)
		} else {
			totalOut = totalOut.Add(m.Quantity)
		}
	}
	return totalIn, totalOut, nil
}

func (tx *memoryTx) SnapshotBefore(ctx context.Context, lotID int64, date time.Time) (DailySnapshot, error) {
	return tx.repo.latestSnapshot(lotID, date, false)
}

func (tx *memoryTx) UpsertSnapshot(ctx context.Context, snapshot DailySnapshot) error {
	snapshot.Date = DateOnly(snapshot.Date)
	days, ok := tx.repo.snapshots[snapshot.LotID]
	if !ok {
		days = make(map[string]DailySnapshot)
		tx.repo.snapshots[snapshot.LotID] = days
	}
	days[dayKey(snapshot.Date)] = snapshot
	return nil
}

func (r *memoryRepo) latestSnapshot(lotID int64, date time.Time, inclusive bool) (DailySnapshot, error) {
	limit := DateOnly(date)
	var best DailySnapshot
	found := false
	for _, snap := range r.snapshots[lotID] {
		if snap.Date.After(limit) || (!inclusive && snap.Date.Equal(limit)) {
			continue
		}
		if !found || snap.Date.After(best.Date) {
			best = snap
			found = true
		}
	}
	if !found {
		return DailySnapshot{}, ErrSnapshotNotFound
	}
	return best, nil
}

func (r *memoryRepo) LotByKey(ctx context.Context, key LotKey) (Lot, error) {
	if lot, ok := r.findLot(key); ok {
		return lot, nil
	}
	return Lot{}, ErrLotNotFound
}

func (r *memoryRepo) SnapshotAsOf(ctx context.Context, key LotKey, asOf time.Time) (DailySnapshot, error) {
	lot, err := r.LotByKey(ctx, key)
	if err != nil {
		return DailySnapshot{}, err
	}
	return r.latestSnapshot(lot.ID, asOf, true)
}

func (r *memoryRepo) Movements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	var movements []Movement
	for _, m := range r.movements {
		lot, ok := r.lots[m.LotID]
		if !ok || lot.Key.CompanyID != filter.Dimension.CompanyID ||
			lot.Key.ItemID != filter.Dimension.ItemID || lot.Key.Location != filter.Dimension.Location {
			continue
		}
		if filter.Kind != "" && m.Kind != filter.Kind {
			continue
		}
		if !filter.From.IsZero() && DateOnly(m.Date).Before(DateOnly(filter.From)) {
			continue
		}
		if !filter.To.IsZero() && DateOnly(m.Date).After(DateOnly(filter.To)) {
			continue
		}
		movements = append(movements, m)
	}
	sort.Slice(movements, func(i, j int) bool {
		if !movements[i].Date.Equal(movements[j].Date) {
			return movements[i].Date.Before(movements[j].Date)
		}
		return movements[i].ID < movements[j].ID
	})
	if filter.Limit > 0 && len(movements) > filter.Limit {
		movements = movements[:filter.Limit]
	}
	return movements, nil
}

func (r *memoryRepo) UsedQuantity(ctx context.Context, dim LotDimension, from, to time.Time) (decimal.Decimal, error) {
	used := decimal.Zero
	for _, m := range r.movements {
		lot, ok := r.lots[m.LotID]
		if !ok || m.Kind != KindInbound {
			continue
		}
		if lot.Key.CompanyID != dim.CompanyID || lot.Key.ItemID != dim.ItemID || lot.Key.Location != dim.Location {
			continue
		}
		if !from.IsZero() && DateOnly(m.Date).Before(DateOnly(from)) {
			continue
		}
		if !to.IsZero() && DateOnly(m.Date).After(DateOnly(to)) {
			continue
		}
		used = used.Add(m.Used)
	}
	return used, nil
}

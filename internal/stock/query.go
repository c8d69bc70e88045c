package stock

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// BalanceQuery asks for a lot's balance, live or as of a calendar date.
type BalanceQuery struct {
	Key  LotKey
	AsOf time.Time
}

// CurrentBalance returns the live lot quantity when no date filter is
// given, otherwise the closing balance of the latest snapshot on or
// before the date. A lot with no snapshot at or before the date has a
// zero balance. As-of reads go through the versioned cache when one is
// wired.
func (s *Service) CurrentBalance(ctx context.Context, query BalanceQuery) (decimal.Decimal, error) {
	if query.AsOf.IsZero() {
		lot, err := s.repo.LotByKey(ctx, query.Key)
		if err != nil {
			return decimal.Zero, err
		}
		return lot.Quantity, nil
	}

	if _, err := s.repo.LotByKey(ctx, query.Key); err != nil {
		return decimal.Zero, err
	}
	cacheKey, err := s.cache.BuildKey(ctx, keyBalance(query.Key, query.AsOf))
	if err != nil {
		return decimal.Zero, err
	}
	var balance decimal.Decimal
	err = s.cache.FetchJSON(ctx, cacheKey, &balance, func(ctx context.Context) (any, error) {
		snapshot, err := s.repo.SnapshotAsOf(ctx, query.Key, query.AsOf)
		if errors.Is(err, ErrSnapshotNotFound) {
			return decimal.Zero, nil
		}
		if err != nil {
			return nil, err
		}
		return snapshot.Closing, nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

// History lists movement history for a dimension.
func (s *Service) History(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	if filter.Dimension.CompanyID == "" || filter.Dimension.ItemID == "" || filter.Dimension.Location == "" {
		return nil, errors.New("stock: company, item and location required")
	}
	return s.repo.Movements(ctx, filter)
}

// UsedQuantity sums consumed inbound quantity for a dimension within the
// optional date range.
func (s *Service) UsedQuantity(ctx context.Context, dim LotDimension, from, to time.Time) (decimal.Decimal, error) {
	if dim.CompanyID == "" || dim.ItemID == "" || dim.Location == "" {
		return decimal.Zero, errors.New("stock: company, item and location required")
	}
	return s.repo.UsedQuantity(ctx, dim, from, to)
}

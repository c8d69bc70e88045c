package stock

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestService(repo *memoryRepo) *Service {
	return NewService(repo, ServiceConfig{Now: func() time.Time { return testNow }})
}

func dec(value string) decimal.Decimal {
	d, err := decimal.NewFromString(value)
	if err != nil {
		panic(err)
	}
	return d
}

func testKey() LotKey {
	return LotKey{CompanyID: "acme", ItemID: "widget", Location: "main"}
}

func seedSupply(t *testing.T, svc *Service, ref string, qty, cost string, date time.Time) InboundResult {
	t.Helper()
	result, err := svc.RecordInbound(context.Background(), InboundInput{
		Key:       testKey(),
		Quantity:  dec(qty),
		UnitCost:  dec(cost),
		Date:      date,
		Reference: ref,
	})
	require.NoError(t, err)
	return result
}

func TestRecordInboundCreatesLot(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	result := seedSupply(t, svc, "grn-1", "10", "2.50", testNow)
	require.Equal(t, KindInbound, result.Movement.Kind)
	require.True(t, result.Balance.Equal(dec("10")))

	result = seedSupply(t, svc, "grn-2", "5", "3", testNow)
	require.True(t, result.Balance.Equal(dec("15")))

	lot, err := repo.LotByKey(ctx, testKey())
	require.NoError(t, err)
	require.True(t, lot.Quantity.Equal(dec("15")))

	snap, err := repo.SnapshotAsOf(ctx, testKey(), testNow)
	require.NoError(t, err)
	require.True(t, snap.TotalIn.Equal(dec("15")))
	require.True(t, snap.Closing.Equal(dec("15")))
}

func TestRecordInboundRejectsBadInput(t *testing.T) {
	svc := newTestService(newMemoryRepo())
	ctx := context.Background()

	_, err := svc.RecordInbound(ctx, InboundInput{Key: testKey(), Quantity: dec("0")})
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = svc.RecordInbound(ctx, InboundInput{Key: testKey(), Quantity: dec("1"), UnitCost: dec("-1")})
	require.ErrorIs(t, err, ErrInvalidUnitCost)

	_, err = svc.RecordInbound(ctx, InboundInput{Quantity: dec("1")})
	require.Error(t, err)
}

func TestOutboundFIFO(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	seedSupply(t, svc, "grn-1", "10", "2", testNow.AddDate(0, 0, -2))
	seedSupply(t, svc, "grn-2", "5", "3", testNow.AddDate(0, 0, -1))

	result, err := svc.RecordOutbound(ctx, OutboundInput{
		Dimension: testKey().Dimension(),
		Quantity:  dec("12"),
		Reference: "so-1",
	})
	require.NoError(t, err)
	require.Len(t, result.Movements, 2)
	require.True(t, result.Movements[0].Quantity.Equal(dec("10")))
	require.True(t, result.Movements[0].UnitCost.Equal(dec("2")))
	require.True(t, result.Movements[1].Quantity.Equal(dec("2")))
	require.True(t, result.Movements[1].UnitCost.Equal(dec("3")))
	// 10*2 + 2*3
	require.True(t, result.CostOfGoods.Equal(dec("26")))
	require.True(t, result.Balance.Equal(dec("3")))

	lot, err := repo.LotByKey(ctx, testKey())
	require.NoError(t, err)
	require.True(t, lot.Quantity.Equal(dec("3")))

	used, err := svc.UsedQuantity(ctx, testKey().Dimension(), time.Time{}, time.Time{})
	require.NoError(t, err)
	require.True(t, used.Equal(dec("12")))
}

func TestOutboundLIFO(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	seedSupply(t, svc, "grn-1", "10", "2", testNow.AddDate(0, 0, -2))
	seedSupply(t, svc, "grn-2", "5", "3", testNow.AddDate(0, 0, -1))

	result, err := svc.RecordOutbound(ctx, OutboundInput{
		Dimension: testKey().Dimension(),
		Quantity:  dec("12"),
		Reference: "so-1",
		Order:     LIFO,
	})
	require.NoError(t, err)
	require.Len(t, result.Movements, 2)
	require.True(t, result.Movements[0].Quantity.Equal(dec("5")))
	require.True(t, result.Movements[0].UnitCost.Equal(dec("3")))
	require.True(t, result.Movements[1].Quantity.Equal(dec("7")))
	require.True(t, result.Movements[1].UnitCost.Equal(dec("2")))
	// 5*3 + 7*2
	require.True(t, result.CostOfGoods.Equal(dec("29")))
}

func TestOutboundInsufficientStockLeavesStateUntouched(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	seedSupply(t, svc, "grn-1", "10", "2", testNow)

	_, err := svc.RecordOutbound(ctx, OutboundInput{
		Dimension: testKey().Dimension(),
		Quantity:  dec("12"),
		Reference: "so-1",
	})
	require.ErrorIs(t, err, ErrInsufficientStock)

	lot, err := repo.LotByKey(ctx, testKey())
	require.NoError(t, err)
	require.True(t, lot.Quantity.Equal(dec("10")))

	movements, err := repo.Movements(ctx, MovementFilter{Dimension: testKey().Dimension()})
	require.NoError(t, err)
	require.Len(t, movements, 1)
	require.Equal(t, KindInbound, movements[0].Kind)
}

func TestOutboundUnknownDimension(t *testing.T) {
	svc := newTestService(newMemoryRepo())

	_, err := svc.RecordOutbound(context.Background(), OutboundInput{
		Dimension: testKey().Dimension(),
		Quantity:  dec("1"),
		Reference: "so-1",
	})
	require.ErrorIs(t, err, ErrLotNotFound)
}

func TestOutboundBackorder(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	seedSupply(t, svc, "grn-1", "10", "2", testNow)

	result, err := svc.RecordOutbound(ctx, OutboundInput{
		Dimension:     testKey().Dimension(),
		Quantity:      dec("12"),
		Reference:     "so-1",
		AllowNegative: true,
	})
	require.NoError(t, err)
	require.Len(t, result.Movements, 2)

	back := result.Movements[1]
	require.Equal(t, KindBackorder, back.Kind)
	require.True(t, back.Quantity.Equal(dec("2")))
	require.Nil(t, back.ConsumedFrom)
	require.True(t, back.UnitCost.IsZero())

	// Backorder quantity carries no cost basis.
	require.True(t, result.CostOfGoods.Equal(dec("20")))
	require.True(t, result.Balance.Equal(dec("-2")))

	lot, err := repo.LotByKey(ctx, testKey())
	require.NoError(t, err)
	require.True(t, lot.Quantity.Equal(dec("-2")))
}

func TestOutboundSpansExpiryLots(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	expiry := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	withExpiry := testKey()
	withExpiry.Expiry = &expiry

	_, err := svc.RecordInbound(ctx, InboundInput{
		Key: withExpiry, Quantity: dec("4"), UnitCost: dec("2"),
		Date: testNow.AddDate(0, 0, -2), Reference: "grn-1",
	})
	require.NoError(t, err)
	seedSupply(t, svc, "grn-2", "6", "3", testNow.AddDate(0, 0, -1))

	// Consumption matches on company/item/location only, so both the
	// expiring and the non-expiring batch are candidates.
	result, err := svc.RecordOutbound(ctx, OutboundInput{
		Dimension: testKey().Dimension(),
		Quantity:  dec("7"),
		Reference: "so-1",
	})
	require.NoError(t, err)
	require.Len(t, result.Movements, 2)
	require.True(t, result.Movements[0].Quantity.Equal(dec("4")))
	require.True(t, result.Movements[1].Quantity.Equal(dec("3")))
	require.True(t, result.Balance.Equal(dec("3")))
}

func TestReverseOutboundRestoresSupply(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	inbound := seedSupply(t, svc, "grn-1", "10", "2", testNow)
	_, err := svc.RecordOutbound(ctx, OutboundInput{
		Dimension: testKey().Dimension(),
		Quantity:  dec("4"),
		Reference: "so-1",
	})
	require.NoError(t, err)

	result, err := svc.Reverse(ctx, "so-1")
	require.NoError(t, err)
	require.Equal(t, 1, result.Reversed)

	lot, err := repo.LotByKey(ctx, testKey())
	require.NoError(t, err)
	require.True(t, lot.Quantity.Equal(dec("10")))

	src := repo.movements[inbound.Movement.ID]
	require.True(t, src.Used.IsZero())

	movements, err := repo.Movements(ctx, MovementFilter{Dimension: testKey().Dimension()})
	require.NoError(t, err)
	require.Len(t, movements, 1)
}

func TestReverseInboundRoundTrip(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	seedSupply(t, svc, "grn-1", "10", "2", testNow)

	result, err := svc.Reverse(ctx, "grn-1")
	require.NoError(t, err)
	require.Equal(t, 1, result.Reversed)

	lot, err := repo.LotByKey(ctx, testKey())
	require.NoError(t, err)
	require.True(t, lot.Quantity.IsZero())
	require.Empty(t, repo.movements)
}

func TestReverseConsumedInboundRejected(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	seedSupply(t, svc, "grn-1", "10", "2", testNow)
	_, err := svc.RecordOutbound(ctx, OutboundInput{
		Dimension: testKey().Dimension(),
		Quantity:  dec("4"),
		Reference: "so-1",
	})
	require.NoError(t, err)

	_, err = svc.Reverse(ctx, "grn-1")
	require.ErrorIs(t, err, ErrConsumedReference)

	// Nothing changed. The inbound is still there and still consumed.
	lot, err := repo.LotByKey(ctx, testKey())
	require.NoError(t, err)
	require.True(t, lot.Quantity.Equal(dec("6")))
	movements, err := repo.Movements(ctx, MovementFilter{Dimension: testKey().Dimension()})
	require.NoError(t, err)
	require.Len(t, movements, 2)
}

func TestReverseBackorder(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	seedSupply(t, svc, "grn-1", "10", "2", testNow)
	_, err := svc.RecordOutbound(ctx, OutboundInput{
		Dimension:     testKey().Dimension(),
		Quantity:      dec("12"),
		Reference:     "so-1",
		AllowNegative: true,
	})
	require.NoError(t, err)

	result, err := svc.Reverse(ctx, "so-1")
	require.NoError(t, err)
	require.Equal(t, 2, result.Reversed)

	lot, err := repo.LotByKey(ctx, testKey())
	require.NoError(t, err)
	require.True(t, lot.Quantity.Equal(dec("10")))
}

func TestReverseInboundOnNegativeLot(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	// Backorder against an empty dimension drives the lot to -12.
	_, err := svc.RecordOutbound(ctx, OutboundInput{
		Dimension:     testKey().Dimension(),
		Quantity:      dec("12"),
		Reference:     "so-1",
		AllowNegative: true,
	})
	require.NoError(t, err)

	seedSupply(t, svc, "grn-1", "10", "2", testNow)
	lot, err := repo.LotByKey(ctx, testKey())
	require.NoError(t, err)
	require.True(t, lot.Quantity.Equal(dec("-2")))

	// Nothing consumed the inbound, so reversing it must succeed even
	// though it pushes the lot back below zero.
	result, err := svc.Reverse(ctx, "grn-1")
	require.NoError(t, err)
	require.Equal(t, 1, result.Reversed)

	lot, err = repo.LotByKey(ctx, testKey())
	require.NoError(t, err)
	require.True(t, lot.Quantity.Equal(dec("-12")))

	movements, err := repo.Movements(ctx, MovementFilter{Dimension: testKey().Dimension()})
	require.NoError(t, err)
	require.Len(t, movements, 1)
	require.Equal(t, KindBackorder, movements[0].Kind)
}

func TestReverseUnknownReferenceIsNoOp(t *testing.T) {
	svc := newTestService(newMemoryRepo())

	result, err := svc.Reverse(context.Background(), "missing")
	require.NoError(t, err)
	require.Zero(t, result.Reversed)
}

func TestLotQuantityMatchesMovementSum(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	seedSupply(t, svc, "grn-1", "10", "2", testNow.AddDate(0, 0, -2))
	seedSupply(t, svc, "grn-2", "5", "3", testNow.AddDate(0, 0, -1))
	_, err := svc.RecordOutbound(ctx, OutboundInput{
		Dimension: testKey().Dimension(), Quantity: dec("7"), Reference: "so-1",
	})
	require.NoError(t, err)
	_, err = svc.Reverse(ctx, "so-1")
	require.NoError(t, err)
	_, err = svc.RecordOutbound(ctx, OutboundInput{
		Dimension: testKey().Dimension(), Quantity: dec("3"), Reference: "so-2", Order: LIFO,
	})
	require.NoError(t, err)

	sum := decimal.Zero
	for _, m := range repo.movements {
		if m.Kind == KindInbound {
			sum = sum.Add(m.Quantity)
		} else {
			sum = sum.Sub(m.Quantity)
		}
	}
	for _, lot := range repo.lots {
		require.True(t, lot.Quantity.Equal(sum))
	}
}

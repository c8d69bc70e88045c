package stock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCurrentBalanceLive(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	seedSupply(t, svc, "grn-1", "10", "2", testNow)

	balance, err := svc.CurrentBalance(ctx, BalanceQuery{Key: testKey()})
	require.NoError(t, err)
	require.True(t, balance.Equal(dec("10")))
}

func TestCurrentBalanceUnknownLot(t *testing.T) {
	svc := newTestService(newMemoryRepo())

	_, err := svc.CurrentBalance(context.Background(), BalanceQuery{Key: testKey()})
	require.ErrorIs(t, err, ErrLotNotFound)
}

func TestCurrentBalanceAsOf(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	seedSupply(t, svc, "grn-1", "10", "2", testNow.AddDate(0, 0, -2))
	_, err := svc.RecordOutbound(ctx, OutboundInput{
		Dimension: testKey().Dimension(),
		Quantity:  dec("4"),
		Date:      testNow.AddDate(0, 0, -1),
		Reference: "so-1",
	})
	require.NoError(t, err)

	balance, err := svc.CurrentBalance(ctx, BalanceQuery{Key: testKey(), AsOf: testNow.AddDate(0, 0, -2)})
	require.NoError(t, err)
	require.True(t, balance.Equal(dec("10")))

	balance, err = svc.CurrentBalance(ctx, BalanceQuery{Key: testKey(), AsOf: testNow.AddDate(0, 0, -1)})
	require.NoError(t, err)
	require.True(t, balance.Equal(dec("6")))

	// A date before any snapshot reads as zero.
	balance, err = svc.CurrentBalance(ctx, BalanceQuery{Key: testKey(), AsOf: testNow.AddDate(0, 0, -30)})
	require.NoError(t, err)
	require.True(t, balance.IsZero())
}

func TestHistoryFilters(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	seedSupply(t, svc, "grn-1", "10", "2", testNow.AddDate(0, 0, -3))
	seedSupply(t, svc, "grn-2", "5", "3", testNow.AddDate(0, 0, -1))
	_, err := svc.RecordOutbound(ctx, OutboundInput{
		Dimension: testKey().Dimension(), Quantity: dec("4"), Reference: "so-1",
	})
	require.NoError(t, err)

	all, err := svc.History(ctx, MovementFilter{Dimension: testKey().Dimension()})
	require.NoError(t, err)
	require.Len(t, all, 3)

	inbound, err := svc.History(ctx, MovementFilter{Dimension: testKey().Dimension(), Kind: KindInbound})
	require.NoError(t, err)
	require.Len(t, inbound, 2)

	recent, err := svc.History(ctx, MovementFilter{
		Dimension: testKey().Dimension(),
		From:      testNow.AddDate(0, 0, -1),
	})
	require.NoError(t, err)
	require.Len(t, recent, 2)

	_, err = svc.History(ctx, MovementFilter{})
	require.Error(t, err)
}

func TestUsedQuantityWindow(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	seedSupply(t, svc, "grn-1", "10", "2", testNow.AddDate(0, 0, -3))
	_, err := svc.RecordOutbound(ctx, OutboundInput{
		Dimension: testKey().Dimension(), Quantity: dec("4"), Reference: "so-1",
	})
	require.NoError(t, err)

	used, err := svc.UsedQuantity(ctx, testKey().Dimension(), time.Time{}, time.Time{})
	require.NoError(t, err)
	require.True(t, used.Equal(dec("4")))

	// The window filters on the inbound movement's date.
	used, err = svc.UsedQuantity(ctx, testKey().Dimension(), testNow.AddDate(0, 0, -1), time.Time{})
	require.NoError(t, err)
	require.True(t, used.IsZero())
}

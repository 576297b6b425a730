package store

import (
	"context"
	"testing"
	"time"

	"makerbot/internal/schema"
	"makerbot/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var _at = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMemoryTrades(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	recs := []schema.RewardRecord{
		{ConfigurationID: 1, PositionID: 1, Outcome: schema.OutcomeFilled, NetProfitPct: 0.01},
		{ConfigurationID: 2, PositionID: 2, Outcome: schema.OutcomeRejected},
	}
	for _, rec := range recs {
		require.NoError(t, m.AppendTrade(ctx, rec))
	}

	loaded, err := m.LoadHistoricalRewards(ctx)
	require.NoError(t, err)
	assert.Equal(t, recs, loaded)

	loaded[0].NetProfitPct = 1
	again, err := m.LoadHistoricalRewards(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.01, again[0].NetProfitPct)
}

func TestMemoryPositions(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	id1, err := m.OpenPosition(ctx, schema.Position{EntryPrice: d("100"), Quantity: d("0.1"), OpenedAt: _at})
	require.NoError(t, err)
	id2, err := m.OpenPosition(ctx, schema.Position{EntryPrice: d("99"), Quantity: d("0.2"), OpenedAt: _at})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	require.NoError(t, m.ClosePosition(ctx, id1, _at.Add(time.Hour)))
	require.True(t, errors.Is(m.ClosePosition(ctx, id1, _at), exception.ErrOrderUnknown))

	open, err := m.LoadOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, id2, open[0].ID)
	assert.True(t, d("0.2").Equal(open[0].Quantity))
}

func TestMemoryOrderEvents(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.AppendOrderEvent(context.Background(), schema.OrderEvent{PositionID: 1, State: "OPEN"}))
	events := m.OrderEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "OPEN", events[0].State)
}

func TestTradeRowMapping(t *testing.T) {
	rec := schema.RewardRecord{
		ConfigurationID: 3,
		PositionID:      9,
		OrderID:         "o-9",
		Outcome:         schema.OutcomeCancelled,
		NetProfitPct:    0,
		DurationSeconds: 42,
		EntryPrice:      d("100"),
		ExitPrice:       d("101.25"),
		Quantity:        d("0.1"),
		ClosedAt:        _at.In(time.FixedZone("UTC+8", 8*3600)),
	}
	row := toTradeRow(rec)
	assert.Equal(t, "CANCELLED", row.Outcome)
	assert.Equal(t, time.UTC, row.ClosedAt.Location())

	back := row.record()
	assert.Equal(t, rec.Outcome, back.Outcome)
	assert.Equal(t, rec.PositionID, back.PositionID)
	assert.True(t, rec.ClosedAt.Equal(back.ClosedAt))
	assert.True(t, rec.ExitPrice.Equal(back.ExitPrice))
}

func TestOrderEventRowMapping(t *testing.T) {
	row := toOrderEventRow(schema.OrderEvent{PositionID: 2, OrderID: "o-2", Side: schema.SideSell, State: "REARM_PENDING", At: _at})
	assert.Equal(t, "SELL", row.Side)
	assert.Equal(t, uint64(2), row.PositionID)
	assert.Equal(t, "order_events", row.TableName())
}

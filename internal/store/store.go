package store

import (
	"context"
	"time"

	"makerbot/internal/schema"
)

// Store is the append-only record of orders, trades and open positions.
type Store interface {
	AppendTrade(ctx context.Context, rec schema.RewardRecord) error
	// LoadHistoricalRewards returns every trade in insertion order.
	LoadHistoricalRewards(ctx context.Context) ([]schema.RewardRecord, error)
	AppendOrderEvent(ctx context.Context, e schema.OrderEvent) error

	// OpenPosition assigns the position id.
	OpenPosition(ctx context.Context, pos schema.Position) (schema.PositionID, error)
	ClosePosition(ctx context.Context, id schema.PositionID, closedAt time.Time) error
	LoadOpenPositions(ctx context.Context) ([]schema.Position, error)

	Close() error
}

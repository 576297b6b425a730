package store

import (
	"context"
	"time"

	"makerbot/internal/schema"
	"makerbot/pkg/conn"
	"makerbot/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"gorm.io/gorm"
)

type tradeRow struct {
	ID              uint64          `gorm:"primaryKey;autoIncrement"`
	ConfigurationID uint32          `gorm:"index;not null"`
	PositionID      uint64          `gorm:"not null"`
	OrderID         string          `gorm:"size:64"`
	Outcome         string          `gorm:"size:16;not null"`
	NetProfitPct    float64         `gorm:"not null"`
	DurationSeconds float64         `gorm:"not null"`
	EntryPrice      decimal.Decimal `gorm:"type:numeric"`
	ExitPrice       decimal.Decimal `gorm:"type:numeric"`
	Quantity        decimal.Decimal `gorm:"type:numeric"`
	ClosedAt        time.Time       `gorm:"index;not null"`
}

func (tradeRow) TableName() string {
	return "trades"
}

type orderEventRow struct {
	ID              uint64          `gorm:"primaryKey;autoIncrement"`
	PositionID      uint64          `gorm:"index;not null"`
	OrderID         string          `gorm:"size:64"`
	Side            string          `gorm:"size:8"`
	State           string          `gorm:"size:16;not null"`
	Price           decimal.Decimal `gorm:"type:numeric"`
	Quantity        decimal.Decimal `gorm:"type:numeric"`
	ConfigurationID uint32
	Note            string
	At              time.Time `gorm:"not null"`
}

func (orderEventRow) TableName() string {
	return "order_events"
}

type positionRow struct {
	ID         uint64          `gorm:"primaryKey;autoIncrement"`
	EntryPrice decimal.Decimal `gorm:"type:numeric;not null"`
	Quantity   decimal.Decimal `gorm:"type:numeric;not null"`
	OpenedAt   time.Time       `gorm:"not null"`
	ClosedAt   *time.Time      `gorm:"index"`
}

func (positionRow) TableName() string {
	return "positions"
}

func toTradeRow(rec schema.RewardRecord) tradeRow {
	return tradeRow{
		ConfigurationID: uint32(rec.ConfigurationID),
		PositionID:      uint64(rec.PositionID),
		OrderID:         rec.OrderID,
		Outcome:         rec.Outcome.String(),
		NetProfitPct:    rec.NetProfitPct,
		DurationSeconds: rec.DurationSeconds,
		EntryPrice:      rec.EntryPrice,
		ExitPrice:       rec.ExitPrice,
		Quantity:        rec.Quantity,
		ClosedAt:        rec.ClosedAt.UTC(),
	}
}

func (r tradeRow) record() schema.RewardRecord {
	return schema.RewardRecord{
		ConfigurationID: schema.ConfigurationID(r.ConfigurationID),
		PositionID:      schema.PositionID(r.PositionID),
		OrderID:         r.OrderID,
		Outcome:         schema.ParseOutcome(r.Outcome),
		NetProfitPct:    r.NetProfitPct,
		DurationSeconds: r.DurationSeconds,
		EntryPrice:      r.EntryPrice,
		ExitPrice:       r.ExitPrice,
		Quantity:        r.Quantity,
		ClosedAt:        r.ClosedAt,
	}
}

func toOrderEventRow(e schema.OrderEvent) orderEventRow {
	return orderEventRow{
		PositionID:      uint64(e.PositionID),
		OrderID:         e.OrderID,
		Side:            e.Side.String(),
		State:           e.State,
		Price:           e.Price,
		Quantity:        e.Quantity,
		ConfigurationID: uint32(e.ConfigurationID),
		Note:            e.Note,
		At:              e.At.UTC(),
	}
}

func (r positionRow) position() schema.Position {
	return schema.Position{
		ID:         schema.PositionID(r.ID),
		EntryPrice: r.EntryPrice,
		Quantity:   r.Quantity,
		OpenedAt:   r.OpenedAt,
	}
}

// Postgres persists through gorm on a pkg/conn client.
type Postgres struct {
	client *conn.Client
	db     *gorm.DB
}

var _ Store = (*Postgres)(nil)

// NewPostgres connects and migrates the tables.
func NewPostgres(ctx context.Context, opt conn.Option) (*Postgres, error) {
	client, err := conn.New(opt)
	if err != nil {
		return nil, errors.Wrap(exception.ErrStoreUnavailable, err.Error())
	}
	if err := client.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(exception.ErrStoreUnavailable, err.Error()).With("dsn", opt.Redacted())
	}

	db := client.DB().WithContext(ctx)
	if err := db.AutoMigrate(&tradeRow{}, &orderEventRow{}, &positionRow{}); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "migrate store")
	}
	return &Postgres{client: client, db: client.DB()}, nil
}

func (p *Postgres) AppendTrade(ctx context.Context, rec schema.RewardRecord) error {
	row := toTradeRow(rec)
	if err := p.db.WithContext(ctx).Create(&row).Error; err != nil {
		return errors.Wrap(err, "append trade").With("position", rec.PositionID)
	}
	return nil
}

func (p *Postgres) LoadHistoricalRewards(ctx context.Context) ([]schema.RewardRecord, error) {
	var rows []tradeRow
	if err := p.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "load trades")
	}
	out := make([]schema.RewardRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.record())
	}
	return out, nil
}

func (p *Postgres) AppendOrderEvent(ctx context.Context, e schema.OrderEvent) error {
	row := toOrderEventRow(e)
	if err := p.db.WithContext(ctx).Create(&row).Error; err != nil {
		return errors.Wrap(err, "append order event").With("position", e.PositionID)
	}
	return nil
}

func (p *Postgres) OpenPosition(ctx context.Context, pos schema.Position) (schema.PositionID, error) {
	row := positionRow{
		EntryPrice: pos.EntryPrice,
		Quantity:   pos.Quantity,
		OpenedAt:   pos.OpenedAt.UTC(),
	}
	if err := p.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, errors.Wrap(err, "open position")
	}
	return schema.PositionID(row.ID), nil
}

func (p *Postgres) ClosePosition(ctx context.Context, id schema.PositionID, closedAt time.Time) error {
	at := closedAt.UTC()
	res := p.db.WithContext(ctx).
		Model(&positionRow{}).
		Where("id = ? AND closed_at IS NULL", uint64(id)).
		Update("closed_at", &at)
	if res.Error != nil {
		return errors.Wrap(res.Error, "close position").With("position", id)
	}
	if res.RowsAffected == 0 {
		return errors.Wrap(exception.ErrOrderUnknown, "close position").With("position", id)
	}
	return nil
}

func (p *Postgres) LoadOpenPositions(ctx context.Context) ([]schema.Position, error) {
	var rows []positionRow
	if err := p.db.WithContext(ctx).Where("closed_at IS NULL").Order("id").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "load open positions")
	}
	out := make([]schema.Position, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.position())
	}
	return out, nil
}

func (p *Postgres) Close() error {
	return p.client.Close()
}

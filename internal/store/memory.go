package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"makerbot/internal/schema"
	"makerbot/pkg/exception"

	"github.com/yanun0323/errors"
)

// Memory keeps everything in process. It backs paper sessions without a database.
type Memory struct {
	mu        sync.Mutex
	trades    []schema.RewardRecord
	events    []schema.OrderEvent
	positions map[schema.PositionID]schema.Position
	nextID    schema.PositionID
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{positions: make(map[schema.PositionID]schema.Position)}
}

func (m *Memory) AppendTrade(_ context.Context, rec schema.RewardRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, rec)
	return nil
}

func (m *Memory) LoadHistoricalRewards(context.Context) ([]schema.RewardRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]schema.RewardRecord, len(m.trades))
	copy(out, m.trades)
	return out, nil
}

func (m *Memory) AppendOrderEvent(_ context.Context, e schema.OrderEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

// OrderEvents returns a copy of the order log.
func (m *Memory) OrderEvents() []schema.OrderEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]schema.OrderEvent, len(m.events))
	copy(out, m.events)
	return out
}

func (m *Memory) OpenPosition(_ context.Context, pos schema.Position) (schema.PositionID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	pos.ID = m.nextID
	m.positions[pos.ID] = pos
	return pos.ID, nil
}

func (m *Memory) ClosePosition(_ context.Context, id schema.PositionID, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[id]; !ok {
		return errors.Wrap(exception.ErrOrderUnknown, "close position").With("position", id)
	}
	delete(m.positions, id)
	return nil
}

func (m *Memory) LoadOpenPositions(context.Context) ([]schema.Position, error) {
	m.mu.Lock()
	out := make([]schema.Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, pos)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) Close() error {
	return nil
}

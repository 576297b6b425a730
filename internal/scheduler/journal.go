package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"makerbot/internal/bandit"
	"makerbot/internal/obs"
	"makerbot/internal/og"
	"makerbot/internal/schema"
	"makerbot/internal/store"

	"github.com/yanun0323/logs"
)

const _storeTimeout = 5 * time.Second

// Journal is the lifecycle listener. It persists order events and terminal
// records, feeds scored outcomes to the bandit and counts them toward the
// running episode.
type Journal struct {
	store   store.Store
	bandit  *bandit.Manager
	metrics *obs.Metrics

	episode atomic.Pointer[Episode]
}

var _ og.Listener = (*Journal)(nil)

func NewJournal(st store.Store, b *bandit.Manager, metrics *obs.Metrics) *Journal {
	return &Journal{store: st, bandit: b, metrics: metrics}
}

// Current returns the running episode, or nil before the first selection.
func (j *Journal) Current() *Episode {
	return j.episode.Load()
}

func (j *Journal) begin(e *Episode) *Episode {
	return j.episode.Swap(e)
}

func (j *Journal) OnOrderEvent(e schema.OrderEvent) {
	j.metrics.ObserveOrderEvent(e)
	ctx, cancel := context.WithTimeout(context.Background(), _storeTimeout)
	defer cancel()
	if err := j.store.AppendOrderEvent(ctx, e); err != nil {
		logs.Errorf("store order event of position %d, err: %+v", e.PositionID, err)
	}
}

func (j *Journal) OnTerminal(rec schema.RewardRecord) {
	j.metrics.ObserveTerminal(rec)

	ctx, cancel := context.WithTimeout(context.Background(), _storeTimeout)
	defer cancel()
	if err := j.store.AppendTrade(ctx, rec); err != nil {
		logs.Errorf("store trade of position %d, err: %+v", rec.PositionID, err)
	}
	if rec.Filled() {
		if err := j.store.ClosePosition(ctx, rec.PositionID, rec.ClosedAt); err != nil {
			logs.Errorf("close position %d, err: %+v", rec.PositionID, err)
		}
	}

	if !rec.Scored() {
		return
	}
	if err := j.bandit.RecordOutcome(rec.ConfigurationID, rec.Reward()); err != nil {
		logs.Errorf("record outcome of position %d, err: %+v", rec.PositionID, err)
	}
	if ep := j.Current(); ep != nil {
		ep.addTrade()
	}
}

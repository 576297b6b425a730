package scheduler

import (
	"sync/atomic"
	"time"

	"makerbot/internal/bandit"
	"makerbot/internal/schema"
)

// Episode binds one configuration to a window of trades and time.
// It is replaced as a whole, never mutated apart from its trade counter.
type Episode struct {
	Config    schema.Configuration
	StartedAt time.Time
	Reason    string
	Seq       uint64

	trades atomic.Int64
}

func newEpisode(sel bandit.Selection, now time.Time, seq uint64) *Episode {
	return &Episode{
		Config:    sel.Config,
		StartedAt: now,
		Reason:    sel.Reason,
		Seq:       seq,
	}
}

// Trades returns the number of terminal filled or cancelled orders so far.
func (e *Episode) Trades() int {
	return int(e.trades.Load())
}

func (e *Episode) addTrade() {
	e.trades.Add(1)
}

// Done reports whether the trade or time budget is used up, whichever comes first.
func (e *Episode) Done(now time.Time) bool {
	if e.Trades() >= e.Config.EpisodeTrades {
		return true
	}
	return now.Sub(e.StartedAt) >= e.Config.EpisodeDuration()
}

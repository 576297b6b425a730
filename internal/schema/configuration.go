package schema

import (
	"fmt"
	"time"
)

// ConfigurationID identifies one candidate in the closed candidate set.
type ConfigurationID uint32

// Configuration is a named bundle of tunable parameters bound to an episode.
type Configuration struct {
	ID                ConfigurationID `json:"id"`
	Name              string          `json:"name"`
	RiskFraction      float64         `json:"risk_fraction"`
	MinProfitPctNet   float64         `json:"min_profit_pct_net"`
	ExtraFeeSafetyBps float64         `json:"extra_fee_safety_bps"`
	RearmThresholdPct float64         `json:"rearm_threshold_pct"`
	OrderTTLSeconds   int             `json:"order_ttl_seconds"`
	EpisodeTrades     int             `json:"episode_trades"`
	EpisodeMinutes    int             `json:"episode_minutes"`
}

// OrderTTL returns the working order time-to-live.
func (c Configuration) OrderTTL() time.Duration {
	return time.Duration(c.OrderTTLSeconds) * time.Second
}

// EpisodeDuration returns the maximum wall time of an episode.
func (c Configuration) EpisodeDuration() time.Duration {
	return time.Duration(c.EpisodeMinutes) * time.Minute
}

// Validate checks the ranges every consumer relies on.
func (c Configuration) Validate() error {
	if c.MinProfitPctNet <= 0 {
		return fmt.Errorf("configuration %d: min_profit_pct_net must be > 0", c.ID)
	}
	if c.RiskFraction <= 0 || c.RiskFraction > 1 {
		return fmt.Errorf("configuration %d: risk_fraction must be in (0, 1]", c.ID)
	}
	if c.ExtraFeeSafetyBps < 0 {
		return fmt.Errorf("configuration %d: extra_fee_safety_bps must be >= 0", c.ID)
	}
	if c.RearmThresholdPct <= 0 {
		return fmt.Errorf("configuration %d: rearm_threshold_pct must be > 0", c.ID)
	}
	if c.OrderTTLSeconds <= 0 {
		return fmt.Errorf("configuration %d: order_ttl_seconds must be > 0", c.ID)
	}
	if c.EpisodeTrades <= 0 {
		return fmt.Errorf("configuration %d: episode_trades must be > 0", c.ID)
	}
	if c.EpisodeMinutes <= 0 {
		return fmt.Errorf("configuration %d: episode_minutes must be > 0", c.ID)
	}
	return nil
}

func (c Configuration) String() string {
	return fmt.Sprintf("#%d %s (profit=%.4f safety=%.1fbps rearm=%.4f ttl=%ds risk=%.3f)",
		c.ID, c.Name, c.MinProfitPctNet, c.ExtraFeeSafetyBps, c.RearmThresholdPct, c.OrderTTLSeconds, c.RiskFraction)
}

package bandit

import (
	"math/rand"
	"sync"

	"makerbot/internal/schema"
	"makerbot/pkg/exception"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// Selection is the configuration chosen for the next episode.
type Selection struct {
	Config schema.Configuration
	Reason string
}

// Arm is a read-only view of one candidate and its statistics.
type Arm struct {
	Config schema.Configuration
	Stats  Stats
}

// Manager keeps a closed set of candidate configurations and their reward
// statistics. All methods are safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	arms   []Arm
	index  map[schema.ConfigurationID]int
	policy Policy
	rng    *rand.Rand
}

func NewManager(candidates []schema.Configuration, policy Policy, seed int64) (*Manager, error) {
	if len(candidates) == 0 {
		return nil, exception.ErrBanditNoCandidate
	}
	if policy == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "bandit policy")
	}

	m := &Manager{
		arms:   make([]Arm, 0, len(candidates)),
		index:  make(map[schema.ConfigurationID]int, len(candidates)),
		policy: policy,
		rng:    rand.New(rand.NewSource(seed)),
	}
	for _, cfg := range candidates {
		if _, ok := m.index[cfg.ID]; ok {
			return nil, errors.Wrap(exception.ErrBanditDuplicateConfig, "new manager").With("id", cfg.ID)
		}
		m.index[cfg.ID] = len(m.arms)
		m.arms = append(m.arms, Arm{Config: cfg})
	}
	return m, nil
}

// SelectNext picks the configuration for the next episode. Candidates never
// tried are played first in declaration order; afterwards the policy decides.
func (m *Manager) SelectNext() Selection {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, reason := -1, ""
	for i := range m.arms {
		if m.arms[i].Stats.Selections == 0 && m.arms[i].Stats.Count == 0 {
			idx, reason = i, "cold start"
			break
		}
	}
	if idx < 0 {
		stats := make([]Stats, len(m.arms))
		for i := range m.arms {
			stats[i] = m.arms[i].Stats
		}
		idx, reason = m.policy.Choose(stats, m.rng)
	}

	m.arms[idx].Stats.Selections++
	return Selection{Config: m.arms[idx].Config, Reason: reason}
}

// RecordOutcome adds one reward to the statistics of configuration id.
func (m *Manager) RecordOutcome(id schema.ConfigurationID, reward float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.index[id]
	if !ok {
		return errors.Wrap(exception.ErrBanditUnknownConfig, "record outcome").With("id", id)
	}
	m.arms[idx].Stats.Count++
	m.arms[idx].Stats.Sum += reward
	return nil
}

// Seed replays historical records and returns how many were applied.
// Unscored records and retired configurations are skipped.
func (m *Manager) Seed(records []schema.RewardRecord) int {
	applied, skipped := 0, 0
	for _, rec := range records {
		if !rec.Scored() {
			continue
		}
		if err := m.RecordOutcome(rec.ConfigurationID, rec.Reward()); err != nil {
			skipped++
			continue
		}
		applied++
	}
	if skipped > 0 {
		logs.Infof("bandit seed skipped %d records of unknown configurations", skipped)
	}
	return applied
}

// Arms returns a snapshot of every candidate.
func (m *Manager) Arms() []Arm {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Arm, len(m.arms))
	copy(out, m.arms)
	return out
}

// Config returns candidate id.
func (m *Manager) Config(id schema.ConfigurationID) (schema.Configuration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.index[id]
	if !ok {
		return schema.Configuration{}, false
	}
	return m.arms[idx].Config, true
}

func (m *Manager) PolicyName() string {
	return m.policy.Name()
}

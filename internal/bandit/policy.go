package bandit

import (
	"math"
	"math/rand"
	"strings"

	"makerbot/pkg/exception"

	"github.com/yanun0323/errors"
)

// Stats are the running statistics of one candidate.
type Stats struct {
	// Count is the number of scored outcomes.
	Count int
	Sum   float64
	// Selections is the number of episodes the candidate was chosen for.
	Selections int
}

func (s Stats) Mean() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / float64(s.Count)
}

// Policy picks the next candidate once every candidate has been tried.
// It must be a pure function of stats and rng.
type Policy interface {
	Name() string
	Choose(stats []Stats, rng *rand.Rand) (int, string)
}

const (
	PolicyEpsilonGreedy = "epsilon_greedy"
	PolicyUCB1          = "ucb1"
)

// NewPolicy builds a policy by name. eps is used by epsilon_greedy, c by ucb1.
func NewPolicy(name string, eps, c float64) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PolicyEpsilonGreedy:
		return EpsilonGreedy{Epsilon: eps, Saturation: 20}, nil
	case PolicyUCB1:
		return UCB1{C: c}, nil
	default:
		return nil, errors.Wrap(exception.ErrBanditUnknownPolicy, "new policy").With("name", name)
	}
}

// EpsilonGreedy explores uniformly with probability Epsilon and otherwise
// exploits mean * min(count/Saturation, 1), which discounts thin samples.
type EpsilonGreedy struct {
	Epsilon    float64
	Saturation int
}

func (p EpsilonGreedy) Name() string {
	return PolicyEpsilonGreedy
}

func (p EpsilonGreedy) Choose(stats []Stats, rng *rand.Rand) (int, string) {
	if p.Epsilon > 0 && rng.Float64() < p.Epsilon {
		return rng.Intn(len(stats)), "exploration"
	}
	saturation := float64(p.Saturation)
	if saturation <= 0 {
		saturation = 1
	}
	scores := make([]float64, len(stats))
	for i, s := range stats {
		scores[i] = s.Mean() * math.Min(float64(s.Count)/saturation, 1)
	}
	return argmax(scores, stats), "exploitation"
}

// UCB1 scores mean + C * sqrt(2 ln N / n). Candidates without outcomes score +Inf.
type UCB1 struct {
	C float64
}

func (p UCB1) Name() string {
	return PolicyUCB1
}

func (p UCB1) Choose(stats []Stats, _ *rand.Rand) (int, string) {
	total := 0
	for _, s := range stats {
		total += s.Count
	}
	scores := make([]float64, len(stats))
	for i, s := range stats {
		if s.Count == 0 {
			scores[i] = math.Inf(1)
			continue
		}
		scores[i] = s.Mean() + p.C*math.Sqrt(2*math.Log(float64(total))/float64(s.Count))
	}
	return argmax(scores, stats), "upper confidence bound"
}

// argmax returns the highest score; ties go to the lowest sample count, then the lowest index.
func argmax(scores []float64, stats []Stats) int {
	best := 0
	for i := 1; i < len(scores); i++ {
		switch {
		case scores[i] > scores[best]:
			best = i
		case scores[i] == scores[best] && stats[i].Count < stats[best].Count:
			best = i
		}
	}
	return best
}

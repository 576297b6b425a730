package schema

import "strings"

// Side describes order direction.
type Side uint8

const (
	_side_beg Side = iota
	SideBuy
	SideSell
	_side_end
)

func (s Side) IsAvailable() bool {
	return s > _side_beg && s < _side_end
}

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// ParseSide accepts BUY/SELL in any case.
func ParseSide(s string) Side {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return SideBuy
	case "SELL":
		return SideSell
	default:
		return _side_beg
	}
}

// Outcome is the terminal result of a working exit order.
type Outcome uint8

const (
	OutcomeUnknown Outcome = iota
	OutcomeFilled
	OutcomeCancelled
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFilled:
		return "FILLED"
	case OutcomeCancelled:
		return "CANCELLED"
	case OutcomeRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// ParseOutcome is the inverse of Outcome.String.
func ParseOutcome(s string) Outcome {
	switch s {
	case "FILLED":
		return OutcomeFilled
	case "CANCELLED":
		return OutcomeCancelled
	case "REJECTED":
		return OutcomeRejected
	default:
		return OutcomeUnknown
	}
}

// Mode selects the trade executor at process start.
type Mode string

const (
	ModeLive  Mode = "LIVE"
	ModePaper Mode = "PAPER"
)

func (m Mode) IsAvailable() bool {
	return m == ModeLive || m == ModePaper
}

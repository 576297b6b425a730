package exception

import "github.com/yanun0323/errors"

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNilInstance     = errors.New("nil instance")
	ErrQueueFull       = errors.New("queue full")
	ErrQueueClosed     = errors.New("queue closed")
)

var (
	ErrConfigInvalid     = errors.New("config: invalid value")
	ErrConfigNoCandidate = errors.New("config: no candidate configuration")
	ErrStoreUnavailable  = errors.New("store: unavailable")
)

var (
	ErrBanditNoCandidate     = errors.New("bandit: no candidate configuration")
	ErrBanditUnknownConfig   = errors.New("bandit: unknown configuration")
	ErrBanditDuplicateConfig = errors.New("bandit: duplicate configuration id")
	ErrBanditUnknownPolicy   = errors.New("bandit: unknown policy")
)

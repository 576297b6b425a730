package exception

import "github.com/yanun0323/errors"

var (
	ErrOrderUnknown           = errors.New("order: not found")
	ErrOrderInvalidTransition = errors.New("order: invalid state transition")
	ErrOrderInvalidFill       = errors.New("order: invalid fill")
	ErrOrderNotOpen           = errors.New("order: not open")
	ErrOrderEmptyID           = errors.New("order: empty order id")
	ErrOrderDuplicate         = errors.New("order: position already has a working order")
	ErrOrderBusy              = errors.New("order: transition already in flight")
)

var (
	ErrInvalidParameters = errors.New("profit: invalid parameters")
	ErrInvalidRules      = errors.New("rules: invalid instrument rules")
)

package exception

import "github.com/yanun0323/errors"

// Exchange errors
var (
	// ErrCrossingRejected is returned when a post-only order would have matched immediately.
	ErrCrossingRejected = errors.New("exchange: maker order would cross the book")

	ErrVenue              = errors.New("exchange: venue error")
	ErrRetriesExhausted   = errors.New("exchange: retries exhausted")
	ErrUnsupportedVenue   = errors.New("exchange: unsupported venue")
	ErrSymbolNotFound     = errors.New("exchange: symbol not found")
	ErrNoMarketPrice      = errors.New("exchange: no market price")
	ErrMissingCredentials = errors.New("exchange: missing api credentials")
	ErrStreamClosed       = errors.New("exchange: stream closed")
)

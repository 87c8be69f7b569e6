package domain

import "errors"

var (
	// ErrBadSymbol means the instrument does not exist or is not tradable.
	// Watch tasks treat it as terminal.
	ErrBadSymbol = errors.New("symbol not supported")

	// ErrNetwork covers dial failures, dropped upstream connections and timeouts.
	ErrNetwork = errors.New("network error")

	// ErrExchange is any other error reported by the exchange, rate limits included.
	ErrExchange = errors.New("exchange error")

	// ErrUnsupportedExchange is returned for exchange ids with no registered adapter.
	ErrUnsupportedExchange = errors.New("unsupported exchange")

	ErrInvalidMarketType = errors.New("invalid market type")
)

func IsBadSymbol(err error) bool { return errors.Is(err, ErrBadSymbol) }

func IsUnsupportedExchange(err error) bool { return errors.Is(err, ErrUnsupportedExchange) }

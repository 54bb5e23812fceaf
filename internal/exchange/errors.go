package exchange

import (
	"errors"
	"fmt"
)

var (
	// ErrRateLimited means the venue answered 429; the scheduler that issued
	// the call pauses its queue.
	ErrRateLimited = errors.New("exchange rate limited the request")

	// ErrCancelled means the call was rejected at shutdown or queue clear.
	// Not logged as an error.
	ErrCancelled = errors.New("request cancelled")

	// ErrInvalidMarket means the symbol does not exist on the venue; the
	// caller skips the symbol rather than retrying.
	ErrInvalidMarket = errors.New("market does not exist on exchange")

	// ErrParse means the upstream payload did not decode.
	ErrParse = errors.New("malformed upstream payload")

	// ErrUnsupportedTimeframe means the venue has no native bars for the
	// timeframe and no synthesis rule applies.
	ErrUnsupportedTimeframe = errors.New("unsupported timeframe")
)

// ReqError classifies a failed REST call. Retryable errors (network,
// 5xx, 429) may be retried up to the scheduler's budget; everything else
// fails fast for this symbol.
type ReqError struct {
	Err       error
	Code      int // HTTP status, 0 for transport errors
	Retryable bool
}

func (e ReqError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("http %d: %v", e.Code, e.Err)
	}
	return e.Err.Error()
}

func (e ReqError) Unwrap() error { return e.Err }

// IsRetryable reports whether err may be retried.
func IsRetryable(err error) bool {
	var re ReqError
	if errors.As(err, &re) {
		return re.Retryable
	}
	return false
}

// IsRateLimited reports whether err was an observed 429.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// transient wraps a retryable transport or server-side error.
func transient(code int, err error) error {
	return ReqError{Err: err, Code: code, Retryable: true}
}

// permanent wraps a non-retryable client-side error.
func permanent(code int, err error) error {
	return ReqError{Err: err, Code: code, Retryable: false}
}

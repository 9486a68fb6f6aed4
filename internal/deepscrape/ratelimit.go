package deepscrape

import (
	"errors"
	"fmt"
	"time"
)

// RetryAfter marks err as a flood-control signal. The platform told us to
// wait at least d before the next call from the same identity.
func RetryAfter(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	if d < 0 {
		d = 0
	}
	return retryAfterError{err: err, after: d}
}

// RetryAfterError is implemented by errors that carry an explicit wait.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// RetryAfterOf extracts the wait from a throttling error.
func RetryAfterOf(err error) (time.Duration, bool) {
	var ra RetryAfterError
	if err == nil || !errors.As(err, &ra) {
		return 0, false
	}
	return ra.RetryAfter(), true
}

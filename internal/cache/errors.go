package cache

import (
	"context"
	stderrors "errors"
	"net"

	"github.com/redis/go-redis/v9"

	"formpulse/internal/retry"
	"formpulse/pkg/errors"
)

// ErrNotFound is returned when a key does not exist. Callers must be
// able to tell "key not found" apart from "cache unavailable".
var ErrNotFound = errors.NewError(errors.ErrorTypeNotFound, "key not found")

// classify maps a final (post-retry) failure onto the error taxonomy
func classify(err error) error {
	if err == nil {
		return nil
	}

	var retryErr *retry.Error
	attempts := 0
	if stderrors.As(err, &retryErr) {
		attempts = retryErr.Attempts
	}

	if stderrors.Is(err, redis.Nil) || stderrors.Is(err, ErrNotFound) {
		return ErrNotFound
	}

	var netErr net.Error
	if stderrors.Is(err, context.DeadlineExceeded) || (stderrors.As(err, &netErr) && netErr.Timeout()) {
		return errors.NewError(errors.ErrorTypeTimeout, "cache operation timed out").
			WithCause(err).
			WithDetail("attempts", attempts)
	}

	return errors.NewError(errors.ErrorTypeUnavailable, "cache unavailable").
		WithCause(err).
		WithDetail("attempts", attempts)
}

// IsUnavailable reports whether err means the cache could not serve the
// operation at all (as opposed to a missing key).
func IsUnavailable(err error) bool {
	return errors.IsType(err, errors.ErrorTypeUnavailable) ||
		errors.IsType(err, errors.ErrorTypeTimeout)
}

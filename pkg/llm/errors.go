package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Error kinds surfaced by the gateway. Callers branch on these with
// errors.Is; the HTTP layer maps them to 503/504/500.
var (
	// ErrUnavailable means the runtime cannot be reached or lacks the model.
	ErrUnavailable = errors.New("llm runtime unavailable")

	// ErrTimeout means a call exceeded its deadline.
	ErrTimeout = errors.New("llm call timed out")

	// ErrBadResponse means the runtime answered with something unusable.
	ErrBadResponse = errors.New("llm returned an unusable response")
)

// classify wraps a transport error with the matching error kind.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

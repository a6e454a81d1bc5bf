// Package emberr defines the error taxonomy shared across the queue, the
// worker pool and the scheduler. Per-job errors never escape the slot that
// owns them; these types exist so every terminal state records a reason.
package emberr

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable indicates a transient broker/transport failure.
	// Producers retry with backoff; the worker pool treats it as
	// "no work available" and backs off without crashing.
	ErrUnavailable = errors.New("broker unavailable")

	// ErrNoJob is returned by Reserve when the queue is empty within the
	// poll interval. Not an error condition for callers.
	ErrNoJob = errors.New("no job available")

	// ErrJobTimeout marks a handler that exceeded its per-job timeout.
	// Counted against the attempt budget; the owning slot is recycled.
	ErrJobTimeout = errors.New("job execution timed out")
)

// Unavailable wraps a transport error so callers can match ErrUnavailable
// while keeping the underlying cause in the message.
func Unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// HandlerError wraps a failure returned (or panicked) by handler code.
// It consumes one attempt.
type HandlerError struct {
	Handler string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %q: %v", e.Handler, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// PoisonError marks a job whose payload cannot be deserialized or whose
// handler reference is unknown. Retrying cannot help, so it is routed
// directly to dead without consuming an attempt.
type PoisonError struct {
	JobID  string
	Reason string
}

func (e *PoisonError) Error() string {
	return fmt.Sprintf("poison job %s: %s", e.JobID, e.Reason)
}

func IsPoison(err error) bool {
	var pe *PoisonError
	return errors.As(err, &pe)
}

package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/dustin/go-humanize"
)

// ErrInvalidURL is returned by Fetch when the URL cannot be requested at all.
var ErrInvalidURL = errors.New("invalid download url")

// StatusError represents a response that arrived with a non-2xx status code.
type StatusError struct {
	StatusCode int    // HTTP status code of the response
	Status     string // Status line text, e.g. "404 Not Found"
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected response status %s", e.Status)
}

// BudgetExceededError represents a response body larger than the allowed byte budget.
// Declared is set when the server announced the size upfront and nothing was read.
type BudgetExceededError struct {
	Limit    int64 // Byte budget of the fetch
	Size     int64 // Declared length, or the bytes read before giving up
	Declared bool
}

func (e *BudgetExceededError) Error() string {
	if e.Declared {
		return fmt.Sprintf("declared size %s exceeds the budget of %s", humanize.Bytes(uint64(e.Size)), humanize.Bytes(uint64(e.Limit)))
	}

	return fmt.Sprintf("response exceeded the budget of %s after %s", humanize.Bytes(uint64(e.Limit)), humanize.Bytes(uint64(e.Size)))
}

// NetworkError represents transport failures including connection errors,
// resets while streaming the body and timeouts.
type NetworkError struct {
	Operation string // The step that failed ("request" or "read_body")
	Err       error  // Underlying error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Operation, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failure was caused by the fetch deadline.
func (e *NetworkError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error

	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

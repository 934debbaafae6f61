package errors

import (
	"context"
	"errors"
	"net"
)

// Categorize maps an error to a FlowError code.
func Categorize(err error) string {
	if err == nil {
		return ""
	}

	var fe *FlowError
	if errors.As(err, &fe) && fe.Code != "" {
		return fe.Code
	}

	switch {
	case errors.Is(err, ErrTraceCancelled):
		return CodeTraceCancelled
	case errors.Is(err, ErrPlaybookTimeout):
		return CodePlaybookTimeout
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeNodeTimeout
	case errors.Is(err, ErrValidation):
		return CodeNodeValidation
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeNodeTimeout
	}

	return CodeNodeException
}

// IsRetryable reports whether a failed attempt may be tried again. Only
// trace cancellation is final; a body error wrapping context.Canceled is an
// ordinary failure. Whether the invocation itself was cancelled is decided
// by its context, not by the error.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrTraceCancelled)
}

func messageFor(code string) string {
	switch code {
	case CodeNodeTimeout:
		return "node timed out"
	case CodeNodeValidation:
		return "node payload failed validation"
	case CodeTraceCancelled:
		return "trace was cancelled"
	case CodePlaybookTimeout:
		return "playbook timed out"
	default:
		return "node raised an error"
	}
}

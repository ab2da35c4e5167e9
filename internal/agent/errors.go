package agent

import (
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
)

// ModelAPIError reports a failed model API call. Unlike tool failures,
// which are folded back into the conversation, a model failure is fatal
// for the run.
type ModelAPIError struct {
	Status    int
	RequestID string
	Body      string
	Cause     error
}

func (e *ModelAPIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("model API error (status %d): %v", e.Status, e.Cause)
	}
	return fmt.Sprintf("model API error: %v", e.Cause)
}

func (e *ModelAPIError) Unwrap() error {
	return e.Cause
}

// wrapModelError lifts SDK errors into ModelAPIError, preserving the
// HTTP status, request id, and raw body when available.
func wrapModelError(err error) *ModelAPIError {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &ModelAPIError{
			Status:    apiErr.StatusCode,
			RequestID: apiErr.RequestID,
			Body:      apiErr.RawJSON(),
			Cause:     err,
		}
	}
	return &ModelAPIError{Cause: err}
}

package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTransient marks failures worth retrying: the network, a timeout,
	// 5xx and 429 responses.
	ErrTransient = errors.New("transient remote failure")
	// ErrMalformed marks a subscription frame that could not be decoded.
	ErrMalformed = errors.New("malformed message")
	// ErrResyncRequired means the server cannot replay from the requested
	// position and the client must refetch a snapshot.
	ErrResyncRequired = errors.New("resync required")
)

// RejectedError is a definitive refusal by the server. Retrying the same
// request will not change the answer.
type RejectedError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RejectedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("rejected (%d %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("rejected (%d): %s", e.StatusCode, e.Message)
}

// ErrorBody is the JSON shape of every non-2xx server response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsRejected reports whether err is a definitive refusal.
func IsRejected(err error) bool {
	var rej *RejectedError
	return errors.As(err, &rej)
}

func transient(err error) error {
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// classifyStatus maps a non-2xx status to a transient or terminal error.
func classifyStatus(status int, body ErrorBody) error {
	msg := body.Error
	if msg == "" {
		msg = http.StatusText(status)
	}
	if status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout {
		return fmt.Errorf("%w: status %d: %s", ErrTransient, status, msg)
	}
	return &RejectedError{StatusCode: status, Code: body.Code, Message: msg}
}

// classifyTransport treats every failure to get a response as transient,
// except cancellation of the caller's own context.
func classifyTransport(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return ctx.Err()
	}
	return transient(err)
}

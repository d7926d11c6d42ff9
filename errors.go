package chatsync

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound means the conversation or message does not exist. Render an empty state.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized means the session token was rejected. Prompt re-auth.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden means the identity may not perform the operation.
	ErrForbidden = errors.New("forbidden")
	// ErrTransient covers network failures and 5xx responses. Retrying is up to the caller.
	ErrTransient = errors.New("transient failure")
	// ErrSubscription means a channel handshake failed.
	ErrSubscription = errors.New("subscription failed")
	// ErrTeardown is only ever logged.
	ErrTeardown = errors.New("teardown failed")
	// ErrStale is returned when a result arrived after the surface moved on.
	ErrStale = errors.New("result discarded: conversation no longer active")
	// ErrSuperseded is returned to an open that was interrupted by a newer open or close.
	ErrSuperseded = errors.New("subscription superseded")
	// ErrInvalidDraft is returned for drafts that carry nothing to send.
	ErrInvalidDraft = errors.New("invalid draft")
	// ErrNotConnected is returned by the transport when there is no live connection.
	ErrNotConnected = errors.New("not connected")
)

// APIError is an error reported by the persistence or upload API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
	}
	return e.Code + ": " + e.Message
}

// Unwrap maps the HTTP status onto the error taxonomy.
func (e *APIError) Unwrap() error {
	return classifyStatus(e.Status)
}

func classifyStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized:
		return ErrUnauthorized
	case status == http.StatusForbidden:
		return ErrForbidden
	case status == http.StatusNotFound:
		return ErrNotFound
	case status >= 500, status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return ErrTransient
	}
	return nil
}

// IsRetryable reports whether the caller may reasonably try the operation again.
// Nothing in this package retries on its own.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrSubscription)
}

func invalidDraft(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidDraft, reason)
}

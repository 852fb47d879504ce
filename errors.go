package comms

import (
	"errors"
	"fmt"
	"time"
)

// Error codes returned in the API envelope.
const (
	CodeRestricted   = "POSTING_RESTRICTED"
	CodeNotFound     = "NOT_FOUND"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeInternal     = "INTERNAL"
)

// APIError represents a typed failure from the request/response API.
type APIError struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// RestrictionError is a server-enforced "you may not post here" failure,
// surfaced verbatim with the remaining-time detail when the server
// provides one.
type RestrictionError struct {
	Message    string
	RetryAfter time.Duration
}

func (e *RestrictionError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s (retry in %s)", e.Message, e.RetryAfter)
	}
	return e.Message
}

// SendError is returned when an optimistic send fails to confirm. The
// original draft is carried so the caller can retry without retyping;
// the optimistic entry stays in the channel flagged as failed.
type SendError struct {
	Ref      ChannelRef
	ClientID string
	Draft    Draft
	Cause    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s failed: %v", e.Ref, e.Cause)
}

func (e *SendError) Unwrap() error { return e.Cause }

// MediaError wraps a platform refusal to hand over camera/microphone
// access. It is fatal to the current call attempt and never retried
// automatically.
type MediaError struct {
	Cause error
}

func (e *MediaError) Error() string {
	return fmt.Sprintf("media access denied: %v", e.Cause)
}

func (e *MediaError) Unwrap() error { return e.Cause }

var (
	// ErrNotConnected is returned by transport operations before Connect.
	ErrNotConnected = errors.New("not connected")

	// ErrCallBusy is returned when a call is started while another call
	// attempt is in progress.
	ErrCallBusy = errors.New("a call is already in progress")

	// ErrNoInvite is returned by AcceptCall when no invite is pending.
	ErrNoInvite = errors.New("no pending call invite")

	// ErrNoFailedEntry is returned by RetrySend when the client id does
	// not name a failed optimistic entry in the channel.
	ErrNoFailedEntry = errors.New("no failed entry to retry")
)

// asRestriction converts a restriction envelope error into its typed form.
// Any other API error passes through unchanged. A non-OK envelope that
// carries no error detail still maps to a generic *APIError so callers
// never mistake it for success.
func asRestriction(apiErr *APIError) error {
	if apiErr == nil {
		return &APIError{Message: "request failed"}
	}
	if apiErr.Code == CodeRestricted {
		return &RestrictionError{
			Message:    apiErr.Message,
			RetryAfter: time.Duration(apiErr.RetryAfterSeconds) * time.Second,
		}
	}
	return apiErr
}

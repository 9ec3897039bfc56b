package transport

import (
	"errors"
	"fmt"
)

// Kind is the machine-readable classification of a failed request.
type Kind string

const (
	KindNetwork   Kind = "network"
	KindTimeout   Kind = "timeout"
	KindRateLimit Kind = "rate-limit"
	KindAuth      Kind = "auth"
	KindNotFound  Kind = "not-found"
	KindAPI       Kind = "api-error"
)

// Error is the tagged error the transport surfaces after classification.
// Recoverable tells calling code whether further requests this session are
// worth attempting; auth and rate-limit failures are not.
type Error struct {
	Kind        Kind
	Message     string
	Recoverable bool
	Status      int
	Method      string
	URL         string
	cause       error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (%s %s: status %d)", e.Kind, e.Message, e.Method, e.URL, e.Status)
	}
	return fmt.Sprintf("%s: %s (%s %s)", e.Kind, e.Message, e.Method, e.URL)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// IsUnrecoverable reports whether err is a classified error that should halt
// further work against the provider for the rest of the session.
func IsUnrecoverable(err error) bool {
	var terr *Error
	return errors.As(err, &terr) && !terr.Recoverable
}

// IsRateLimited reports whether err signals the provider is rejecting the
// client for quota reasons.
func IsRateLimited(err error) bool {
	var terr *Error
	if !errors.As(err, &terr) {
		return false
	}
	return terr.Kind == KindRateLimit || (terr.Kind == KindAuth && terr.Status == 403)
}

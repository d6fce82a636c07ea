package retry

import (
	"context"
	"errors"
)

// Class buckets an error by how the retry policy treats it. Providers tag
// their errors by implementing Classifier; anything untagged is
// ClassUnknown and gets a short benefit of the doubt.
type Class int

const (
	ClassUnknown Class = iota
	ClassAuth
	ClassRateLimit
	ClassTimeout
	ClassInvalidRequest
	ClassServerError
)

var classNames = map[Class]string{
	ClassUnknown:        "unknown",
	ClassAuth:           "auth",
	ClassRateLimit:      "rate_limit",
	ClassTimeout:        "timeout",
	ClassInvalidRequest: "invalid_request",
	ClassServerError:    "server_error",
}

func (c Class) String() string {
	if s, ok := classNames[c]; ok {
		return s
	}
	return "unknown"
}

// Classifier is implemented by errors that know their own class.
type Classifier interface {
	RetryClass() Class
}

// Classify walks the error chain for a Classifier; context deadline errors
// count as timeouts.
func Classify(err error) Class {
	var c Classifier
	if errors.As(err, &c) {
		return c.RetryClass()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	return ClassUnknown
}

// DefaultShouldRetry is the stock predicate: authentication and invalid
// requests are never retried, server errors, rate limits, and timeouts
// always are, and unknown errors get two attempts before giving up.
func DefaultShouldRetry(err error, attempt int) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch Classify(err) {
	case ClassAuth, ClassInvalidRequest:
		return false
	case ClassServerError, ClassRateLimit, ClassTimeout:
		return true
	default:
		return attempt < 2
	}
}

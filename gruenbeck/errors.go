package gruenbeck

import (
	"fmt"
	"strings"
	"time"
)

// AuthError means the cloud rejected our credentials or token and a
// retry at this level cannot help.
type AuthError struct {
	Endpoint string
	Status   int
	Err      error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth failed on %s: %v", e.Endpoint, e.Err)
	}
	return fmt.Sprintf("auth failed on %s: status %d", e.Endpoint, e.Status)
}

func (e *AuthError) Unwrap() error { return e.Err }

// RateLimitError means the retry budget was exhausted on 429 responses.
type RateLimitError struct {
	Endpoint string
	Attempts int
	RetryAt  time.Time
}

func (e *RateLimitError) Error() string {
	if e.RetryAt.IsZero() {
		return fmt.Sprintf("rate limited on %s after %d attempts", e.Endpoint, e.Attempts)
	}
	return fmt.Sprintf("rate limited on %s after %d attempts, retry at %s", e.Endpoint, e.Attempts, e.RetryAt.Format(time.RFC3339))
}

// ServerError means the cloud kept answering 5xx until the retry
// budget ran out, or returned an unexpected status outright.
type ServerError struct {
	Endpoint string
	Status   int
	Attempts int
	Body     string
}

func (e *ServerError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("server error %d on %s after %d attempts", e.Status, e.Endpoint, e.Attempts)
	}
	return fmt.Sprintf("server error %d on %s after %d attempts: %s", e.Status, e.Endpoint, e.Attempts, body)
}

// TransportError means the network kept failing until the retry
// budget ran out; no HTTP status was ever received.
type TransportError struct {
	Endpoint string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure on %s after %d attempts: %v", e.Endpoint, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ResponseFormatError means the cloud answered 2xx but the payload did
// not decode. Device state is left untouched when this happens.
type ResponseFormatError struct {
	Endpoint string
	Err      error
}

func (e *ResponseFormatError) Error() string {
	return fmt.Sprintf("malformed response from %s: %v", e.Endpoint, e.Err)
}

func (e *ResponseFormatError) Unwrap() error { return e.Err }

// ValidationError means a write was rejected locally before any
// network traffic happened.
type ValidationError struct {
	Key    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid parameter %q: %s", e.Key, e.Reason)
}

// Package backoff decides whether a failed cloud request should be
// retried and how long to wait before the next attempt. It performs no
// I/O itself; the client owns the retry loop.
package backoff

import (
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// Class buckets a response status for the retry loop.
type Class int

const (
	// OK covers 2xx responses.
	OK Class = iota
	// Auth covers 401/403; handled by the re-login path, never retried here.
	Auth
	// Transient covers 429 and 5xx.
	Transient
	// Fatal covers every other 4xx; retrying cannot help.
	Fatal
)

// Classify maps a status code to its retry class.
func Classify(status int) Class {
	switch {
	case status >= 200 && status < 300:
		return OK
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Auth
	case status == http.StatusTooManyRequests || (status >= 500 && status < 600):
		return Transient
	default:
		return Fatal
	}
}

// Decision is the outcome of a single retry evaluation.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Policy holds the retry budget and delay shape. The zero value is not
// usable; construct with New.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration

	// jitter returns a factor in [0.5, 1.0); swapped out in tests.
	jitter func() float64
}

const (
	DefaultMaxAttempts = 4
	DefaultBase        = 500 * time.Millisecond
	DefaultCap         = 2 * time.Minute
)

func New(maxAttempts int, base time.Duration) Policy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if base <= 0 {
		base = DefaultBase
	}
	return Policy{
		MaxAttempts: maxAttempts,
		Base:        base,
		Cap:         DefaultCap,
		jitter:      func() float64 { return 0.5 + rand.Float64()/2 },
	}
}

// Decide evaluates a response status after the given attempt (1-based).
// retryAfter is the raw Retry-After header value, empty if absent.
func (p Policy) Decide(status, attempt int, retryAfter string) Decision {
	if Classify(status) != Transient {
		return Decision{}
	}
	return p.retry(attempt, retryAfter)
}

// RetryTransient evaluates a network-level failure (timeout, reset).
// These follow the same budget as 5xx responses.
func (p Policy) RetryTransient(attempt int) Decision {
	return p.retry(attempt, "")
}

func (p Policy) retry(attempt int, retryAfter string) Decision {
	if attempt >= p.MaxAttempts {
		return Decision{}
	}
	if d, ok := ParseRetryAfter(retryAfter, time.Now()); ok {
		return Decision{Retry: true, Delay: p.clamp(d)}
	}
	return Decision{Retry: true, Delay: p.clamp(p.exponential(attempt))}
}

func (p Policy) exponential(attempt int) time.Duration {
	d := p.Base << (attempt - 1)
	if d <= 0 || d > p.Cap {
		d = p.Cap
	}
	return time.Duration(float64(d) * p.jitter())
}

func (p Policy) clamp(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if p.Cap > 0 && d > p.Cap {
		return p.Cap
	}
	return d
}

// ParseRetryAfter parses a Retry-After header value, either delay
// seconds or an HTTP date. Unparseable values report false.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

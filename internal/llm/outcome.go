package llm

import (
	"fmt"
	"time"
)

// Kind names an outcome variant.
type Kind string

const (
	KindSuccess     Kind = "success"
	KindRateLimited Kind = "rate_limited"
	KindTransient   Kind = "transient"
	KindFatal       Kind = "fatal"
)

// Outcome is the result of a dispatched call. It is one of Success,
// RateLimited, Transient or Fatal.
type Outcome interface {
	Kind() Kind
	outcome()
}

// Success carries the response text.
type Success struct {
	Text      string
	FromCache bool
}

// RateLimited means the provider throttled the call.
type RateLimited struct {
	RetryAfter time.Duration
	Cause      error
}

// Transient is a retryable failure: timeout, 5xx or network.
type Transient struct {
	Cause error
}

// Fatal is a non-retryable failure: validation or 4xx.
type Fatal struct {
	Cause error
}

func (Success) Kind() Kind     { return KindSuccess }
func (RateLimited) Kind() Kind { return KindRateLimited }
func (Transient) Kind() Kind   { return KindTransient }
func (Fatal) Kind() Kind       { return KindFatal }

func (Success) outcome()     {}
func (RateLimited) outcome() {}
func (Transient) outcome()   {}
func (Fatal) outcome()       {}

func (o RateLimited) Error() string {
	if o.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s: %v", o.RetryAfter, o.Cause)
	}
	return fmt.Sprintf("rate limited: %v", o.Cause)
}

func (o RateLimited) Unwrap() error { return o.Cause }

func (o Transient) Error() string { return fmt.Sprintf("transient: %v", o.Cause) }
func (o Transient) Unwrap() error { return o.Cause }

func (o Fatal) Error() string { return fmt.Sprintf("fatal: %v", o.Cause) }
func (o Fatal) Unwrap() error { return o.Cause }

// Err returns nil for Success and the failure as an error otherwise.
func Err(o Outcome) error {
	switch v := o.(type) {
	case Success:
		return nil
	case RateLimited:
		return v
	case Transient:
		return v
	case Fatal:
		return v
	default:
		return fmt.Errorf("unknown outcome %T", o)
	}
}

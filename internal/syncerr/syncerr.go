// Package syncerr defines the closed error taxonomy the sync engine classifies
// every failure into at a component boundary. Nothing above a component is meant
// to see a raw driver error, an HTTP status code, or an unwrapped SQL error.
package syncerr

import (
	"errors"
	"fmt"
)

// Kind identifies which policy a failure falls under.
type Kind string

const (
	// TransientNetwork covers Sheet 5xx responses, DB connection resets, timeouts.
	// Retried with backoff; the caller's snapshot/queue state does not advance.
	TransientNetwork Kind = "transient_network"

	// RateLimited covers Sheet quota exhaustion (429, Retry-After).
	// The caller should respect Retry-After and reduce effective QPS for a cooldown period.
	RateLimited Kind = "rate_limited"

	// MappingError covers a missing key field, unsupported field type, or non-scalar key.
	// Not retried; the affected row is marked failed and an alert is emitted.
	MappingError Kind = "mapping_error"

	// Conflict covers a DB unique-key violation on apply.
	// The caller may attempt one compensating UPDATE before giving up.
	Conflict Kind = "conflict"

	// NotFound covers an external_id that no longer resolves on UPDATE/DELETE.
	// UPDATE degrades to INSERT; DELETE degrades to a no-op completion.
	NotFound Kind = "not_found"

	// Fatal covers invalid configuration, a missing DB trigger, or rejected credentials.
	// Always aborts startup; never retried.
	Fatal Kind = "fatal"
)

// Classified wraps an underlying cause with the taxonomy Kind the supervisor
// and component boundaries reason about.
type Classified struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Classified) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Err)
	}

	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err)
}

func (e *Classified) Unwrap() error { return e.Err }

// New classifies err under kind, recording op (the component/operation name) for logging.
// Returns nil if err is nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}

	return &Classified{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or any error it wraps) was classified as kind.
func Is(err error, kind Kind) bool {
	var c *Classified
	if errors.As(err, &c) {
		return c.Kind == kind
	}

	return false
}

// KindOf returns the Kind of err if it is Classified, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var c *Classified
	if errors.As(err, &c) {
		return c.Kind, true
	}

	return "", false
}

// Retryable reports whether the supervisor should schedule a retry for this Kind.
// MappingError and Fatal are never retried; everything else is.
func (k Kind) Retryable() bool {
	switch k {
	case MappingError, Fatal:
		return false
	default:
		return true
	}
}

package riotapi

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error categories shared by every Client operation. Match them with errors.Is.
var (
	ErrOffline     = errors.New("riot api unreachable")
	ErrAuthFailed  = errors.New("riot api key invalid or expired")
	ErrRateLimited = errors.New("riot api rate limit exceeded")
	ErrNotFound    = errors.New("not found")
	ErrInvalid     = errors.New("invalid input")
)

// APIError is any non-2xx response that does not fall into a more specific category.
type APIError struct {
	Op     string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: riot api status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: riot api status %d: %s", e.Op, e.Status, e.Body)
}

// Is reports 404 responses as ErrNotFound.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// RateLimitError carries the upstream Retry-After hint when present.
type RateLimitError struct {
	Op         string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: %v (retry after %s)", e.Op, ErrRateLimited, e.RetryAfter)
	}
	return fmt.Sprintf("%s: %v", e.Op, ErrRateLimited)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// NotFoundError is returned by ResolveIdentity once every strategy is exhausted.
// NeverPlayed distinguishes a Riot account that exists but has no League
// summoner on any shard from a riot id that does not exist at all.
type NotFoundError struct {
	Handle      string
	Region      string
	NeverPlayed bool
}

func (e *NotFoundError) Error() string {
	if e.NeverPlayed {
		return fmt.Sprintf("account %q exists but has never played League of Legends on any shard", e.Handle)
	}
	return fmt.Sprintf("account %q not found in region %s", e.Handle, e.Region)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// IsFatal reports errors that should stop a resolution chain instead of moving
// on to the next strategy: the credential is bad, the API is throttling us, the
// network is gone or the caller gave up.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthFailed) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrOffline) ||
		errors.Is(err, errContext)
}

var errContext = errors.New("request canceled")

type contextError struct{ err error }

func (e *contextError) Error() string { return e.err.Error() }
func (e *contextError) Unwrap() []error {
	return []error{e.err, errContext}
}

// Package crawler walks a cloud resource hierarchy and streams
// (resource, IAM policy) pairs into a snapshot cycle.
package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/yairfalse/vahti/types"
)

// ErrorKind classifies cloud API failures. QuotaExceeded and Transient
// are retried; PermissionDenied and NotFound on a non-root resource are
// skip-and-warn, on the root fatal.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindPermissionDenied
	KindNotFound
	KindQuotaExceeded
	KindTransient
)

func (k ErrorKind) String() string {
	switch k {
	case KindPermissionDenied:
		return "permission_denied"
	case KindNotFound:
		return "not_found"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// APIError is a typed failure from the cloud resource API.
type APIError struct {
	Kind     ErrorKind
	Op       string
	Resource string
	Err      error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Resource, e.Kind, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Classify returns the error kind, KindUnknown for untyped errors.
func Classify(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindUnknown
}

// Retryable reports whether the error warrants a bounded retry.
func Retryable(err error) bool {
	kind := Classify(err)
	return kind == KindQuotaExceeded || kind == KindTransient
}

// ChildRef identifies one child resource from a listing.
type ChildRef struct {
	ID   string
	Type string
}

// ResourceAPI is the external cloud resource client. Implementations
// return *APIError for classified failures.
type ResourceAPI interface {
	ListChildren(ctx context.Context, parentFullName string) ([]ChildRef, error)
	GetResourceData(ctx context.Context, fullName string) (json.RawMessage, error)
	GetIAMPolicy(ctx context.Context, fullName string) (*types.IAMPolicy, error)
}

// callWithRetry waits on the rate limiter, then invokes fn with bounded
// retries for retryable errors. The last error is returned once
// attempts are exhausted.
func callWithRetry[T any](ctx context.Context, limiter *rate.Limiter, attempts int, fn func() (T, error)) (T, error) {
	var zero T
	backoff := 100 * time.Millisecond

	for attempt := 0; ; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return zero, err
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		if !Retryable(err) || attempt >= attempts-1 {
			return zero, err
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// Package identity wraps the external identity provider behind tagged results so callers can loop
// over retries explicitly instead of inspecting provider error classes.
package identity

import (
	"context"
	"fmt"
)

// Status tags the outcome of a provider call.
type Status int

const (
	StatusOK Status = iota
	StatusNotFound
	StatusDuplicateExists
	StatusRateLimited
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotFound:
		return "not_found"
	case StatusDuplicateExists:
		return "duplicate_exists"
	case StatusRateLimited:
		return "rate_limited"
	case StatusFatal:
		return "fatal"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Identity is an account held by the provider.
type Identity struct {
	UID           string
	Email         string
	EmailVerified bool
}

// Metadata is attached to newly created identities.
type Metadata struct {
	DisplayName   string
	EmailVerified bool
}

// Result is the tagged outcome of a provider call. Err is set for RateLimited and Fatal.
type Result struct {
	Status   Status
	Identity Identity
	Err      error
}

// Provider is the external identity provider.
type Provider interface {
	// CreateIdentity requests a new account. An existing account yields StatusDuplicateExists.
	CreateIdentity(ctx context.Context, email string, meta Metadata) Result
	// LookupIdentityByEmail resolves an account or yields StatusNotFound.
	LookupIdentityByEmail(ctx context.Context, email string) Result
}

// Ok builds a successful result.
func Ok(id Identity) Result {
	return Result{Status: StatusOK, Identity: id}
}

// Fatal builds a non-retryable failure.
func Fatal(err error) Result {
	return Result{Status: StatusFatal, Err: err}
}

// RateLimited builds a retryable failure.
func RateLimited(err error) Result {
	return Result{Status: StatusRateLimited, Err: err}
}

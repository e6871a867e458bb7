package cloudstore

import (
	"context"
	"errors"
	"strings"

	"github.com/lib/pq"

	"github.com/nexusdata/nexusstore/internal/errs"
)

// classifyWriteError implements spec.md §4.9's cloud-backend error mapping:
// constraint-violation codes become ValidationError, auth/permission codes
// become AuthenticationError/AuthorizationError, everything else falls
// through to classifyConnError.
func classifyWriteError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "23": // integrity_constraint_violation (unique, foreign-key, not-null, check)
			return errs.Validation("constraint violation", err)
		case "28": // invalid_authorization_specification
			return errs.Authentication("invalid credentials", err)
		case "42": // syntax_error_or_access_rule_violation
			if pqErr.Code == "42501" { // insufficient_privilege
				return errs.Authorization("permission denied", err)
			}
			return errs.Validation("invalid query", err)
		}
	}
	return classifyConnError(err)
}

// classifyConnError maps failures that carry no pq error code by their
// message: credential and permission failures become AuthenticationError
// and AuthorizationError, timeouts become TimeoutError, and everything else
// (unreachable host, circuit open) becomes SyncError. An error that is
// already an errs error is returned unchanged.
func classifyConnError(err error) error {
	if err == nil {
		return nil
	}
	if existing, ok := errs.As(err); ok {
		return existing
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Timeout("remote call timed out", err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "password authentication failed") || strings.Contains(msg, "invalid token") || strings.Contains(msg, "unauthorized"):
		return errs.Authentication("invalid or expired credentials", err)
	case strings.Contains(msg, "permission denied") || strings.Contains(msg, "forbidden"):
		return errs.Authorization("permission denied", err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return errs.Timeout("remote call timed out", err)
	case strings.Contains(msg, "circuit breaker is open"):
		return errs.WithRetryable(errs.Sync("remote unreachable, circuit open", err), true)
	default:
		return errs.Sync("cloud sync failed", err)
	}
}

package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure - no infrastructure dependency.

var (
	// Network errors
	ErrDistributorNotFound = errors.New("distributor not found")
	ErrSponsorNotFound     = errors.New("sponsor code not found")
	ErrDuplicateCode       = errors.New("distributor code already in use")
	ErrCodeSpaceExhausted  = errors.New("could not generate a unique distributor code")
	ErrCycleDetected       = errors.New("link would make a distributor its own ancestor")
	ErrSlotTaken           = errors.New("binary slot already occupied")

	// Territory errors
	ErrTerritoryNotFound = errors.New("territory not found")
	ErrTerritoryOverlap  = errors.New("territory overlaps an active territory")
	ErrInvalidTransition = errors.New("invalid territory status transition")

	// Referral errors
	ErrReferralNotFound = errors.New("referral not found")

	// Ledger errors
	ErrDuplicateEntry = errors.New("ledger entry already recorded")
)

// ─── Typed Errors ───────────────────────────────────────────────────────────

// ValidationError reports bad caller input. It is surfaced directly.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ConflictError is a typed rejection distinct from validation: the input
// is well-formed but collides with existing state.
type ConflictError struct {
	Reason    string
	Conflicts []TerritoryRef
	Err       error
}

func (e *ConflictError) Error() string {
	if len(e.Conflicts) == 0 {
		return "conflict: " + e.Reason
	}
	names := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		names = append(names, c.ID)
	}
	return fmt.Sprintf("conflict: %s (%s)", e.Reason, strings.Join(names, ", "))
}

func (e *ConflictError) Unwrap() error { return e.Err }

// DependencyError wraps a repository or storage failure.
// Retryable failures may be retried once for idempotent reads only.
type DependencyError struct {
	Op        string
	Err       error
	Retryable bool
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("dependency %s: %v", e.Op, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// Dependency wraps err as a DependencyError unless it is already a domain
// error that should pass through untouched. Timeouts are retryable.
func Dependency(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *DependencyError
	if errors.As(err, &de) {
		return err
	}
	if IsDomainError(err) {
		return err
	}
	return &DependencyError{
		Op:        op,
		Err:       err,
		Retryable: errors.Is(err, context.DeadlineExceeded) || isTransient(err),
	}
}

// IsRetryable reports whether err is a DependencyError marked retryable.
func IsRetryable(err error) bool {
	var de *DependencyError
	return errors.As(err, &de) && de.Retryable
}

// IsDomainError reports whether err is one of the sentinel or typed domain
// errors (as opposed to an infrastructure failure).
func IsDomainError(err error) bool {
	var ve *ValidationError
	var ce *ConflictError
	if errors.As(err, &ve) || errors.As(err, &ce) {
		return true
	}
	for _, s := range []error{
		ErrDistributorNotFound, ErrSponsorNotFound, ErrDuplicateCode, ErrCodeSpaceExhausted,
		ErrCycleDetected, ErrSlotTaken, ErrTerritoryNotFound, ErrTerritoryOverlap,
		ErrInvalidTransition, ErrReferralNotFound, ErrDuplicateEntry,
	} {
		if errors.Is(err, s) {
			return true
		}
	}
	return false
}

// isTransient recognizes lock contention messages from embedded databases.
func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "i/o timeout")
}

// ─── Integrity Warnings ─────────────────────────────────────────────────────

// LinkKind names which tree a dangling link belongs to.
type LinkKind string

const (
	LinkSponsor LinkKind = "sponsor"
	LinkBinary  LinkKind = "binary"
)

// IntegrityWarning records a dangling tree link met during traversal.
// It is never fatal; it travels in a result's diagnostics.
type IntegrityWarning struct {
	DistributorID string   `json:"distributor_id"`
	MissingID     string   `json:"missing_id"`
	Link          LinkKind `json:"link"`
	Detail        string   `json:"detail"`
}

func (w IntegrityWarning) String() string {
	return fmt.Sprintf("%s link from %s to missing %s: %s", w.Link, w.DistributorID, w.MissingID, w.Detail)
}

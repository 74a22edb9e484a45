// Package common defines shared constants and sentinel errors used across
// driveq components. Callers should use errors.Is to match these values.
package common

import (
	"context"
	"errors"
	"net"
	"os"
)

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Remote service errors.
	ErrAlreadyExists   = errors.New("already exists")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrTermsRequired   = errors.New("terms of service not accepted")
	ErrQuotaExceeded   = errors.New("quota exceeded")
	ErrOversize        = errors.New("file exceeds maximum size")
	ErrVirusDetected   = errors.New("virus detected")
	ErrUnsupportedType = errors.New("unsupported media type")
	ErrConflict        = errors.New("name conflict")
	ErrServerFault     = errors.New("server error")

	// Transfer lifecycle errors.
	ErrCancelled = errors.New("cancelled")
	ErrTimeout   = errors.New("request timed out")

	// Lock protocol errors.
	ErrLockHeld = errors.New("folder lock held by another client")
)

// Class partitions errors by how the status pipeline must react to them.
type Class int

const (
	// ClassTransient covers network loss, cancellation and timeouts.
	// Items return to their wait state after a cool-down.
	ClassTransient Class = iota

	// ClassAuthorization covers forbidden and terms-of-service failures.
	// Surfaced to observers, never silently retried.
	ClassAuthorization

	// ClassValidation covers name conflicts, oversize files and
	// unsupported media. Terminal for the item.
	ClassValidation

	// ClassServer covers 5xx-style remote faults. Terminal for the
	// attempt, logged distinctly from validation failures.
	ClassServer

	// ClassNotFound means the remote resource vanished. Treated as
	// success-equivalent cleanup.
	ClassNotFound

	// ClassQuota means the upload failed for lack of server space.
	// Retried only once free quota is confirmed sufficient.
	ClassQuota
)

// Classify maps an arbitrary error into the pipeline's failure taxonomy.
// Unknown errors are treated as transient, erring on the side of retry.
func Classify(err error) Class {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, os.ErrNotExist):
		return ClassNotFound
	case errors.Is(err, ErrQuotaExceeded):
		return ClassQuota
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrForbidden),
		errors.Is(err, ErrTermsRequired):
		return ClassAuthorization
	case errors.Is(err, ErrAlreadyExists),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrOversize),
		errors.Is(err, ErrVirusDetected),
		errors.Is(err, ErrUnsupportedType):
		return ClassValidation
	case errors.Is(err, ErrServerFault):
		return ClassServer
	case errors.Is(err, ErrCancelled),
		errors.Is(err, ErrTimeout),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	return ClassTransient
}

// Retriable reports whether the pipeline may automatically retry after err.
func Retriable(err error) bool {
	switch Classify(err) {
	case ClassTransient, ClassQuota:
		return true
	default:
		return false
	}
}

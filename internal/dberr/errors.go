// Package dberr defines the error taxonomy shared by partitions, the index
// and the relay between them.
//
// Every error returned by a subdb component wraps exactly one of the sentinel
// errors below, so callers match with errors.Is regardless of how many layers
// of context were attached on the way up. The relay carries the sentinel
// across process boundaries as a short code (see Code and FromCode).
package dberr

import (
	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned by writes and deletes addressed to an unknown
	// outer or inner key. Reads report absence with an ok flag instead.
	ErrNotFound = errors.New("not found")

	// ErrCapacityExceeded is returned when inserting a new key into a
	// sub-database that already holds hardCap entries.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrUnauthorized is returned when the caller's key material does not map
	// to a member of the owner set.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrBusy is returned when a migration is in flight for the targeted
	// outer key.
	ErrBusy = errors.New("busy")

	// ErrMalformedValue is returned when an AttributeValue fails to decode.
	ErrMalformedValue = errors.New("malformed value")

	// ErrPartitionUnavailable is returned when a relay to a partition fails.
	ErrPartitionUnavailable = errors.New("partition unavailable")
)

// Wire codes for the sentinels.
const (
	CodeNotFound             = "not_found"
	CodeCapacityExceeded     = "capacity_exceeded"
	CodeUnauthorized         = "unauthorized"
	CodeBusy                 = "busy"
	CodeMalformedValue       = "malformed_value"
	CodePartitionUnavailable = "partition_unavailable"
	CodeInternal             = "internal"
)

var codes = []struct {
	code string
	err  error
}{
	{CodeNotFound, ErrNotFound},
	{CodeCapacityExceeded, ErrCapacityExceeded},
	{CodeUnauthorized, ErrUnauthorized},
	{CodeBusy, ErrBusy},
	{CodeMalformedValue, ErrMalformedValue},
	{CodePartitionUnavailable, ErrPartitionUnavailable},
}

// Code returns the wire code of the sentinel wrapped by err.
// Errors outside the taxonomy map to CodeInternal.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// FromCode rebuilds an error received over the relay. The result wraps the
// sentinel named by code and carries msg as context.
func FromCode(code, msg string) error {
	for _, c := range codes {
		if c.code == code {
			return errors.WithMessage(c.err, msg)
		}
	}
	return errors.New(msg)
}

// IsRetryable reports whether err describes a condition that may clear on its
// own: a busy outer key or an unreachable partition.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBusy) || errors.Is(err, ErrPartitionUnavailable)
}

package transfer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

// FailureKind is the coarse class of a transfer failure.
type FailureKind int

const (
	// FailureNone is returned for nil errors and cancellations.
	FailureNone FailureKind = iota
	// FailureTransient covers network blips, peer churn and server errors.
	FailureTransient
	// FailureDestination covers a missing, full or unwritable destination.
	FailureDestination
	// FailureInvalidLink covers malformed links and unparsable metadata.
	FailureInvalidLink
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureTransient:
		return "transient"
	case FailureDestination:
		return "destination"
	case FailureInvalidLink:
		return "invalid_link"
	}

	return "unknown"
}

// InvalidLinkError represents a link or metadata payload that can never be
// fetched: an unsupported scheme, a malformed magnet URI or a torrent file
// that does not decode.
type InvalidLinkError struct {
	Link   string // The link that failed validation
	Reason string // Human-readable explanation of why the link is invalid
	Err    error  // Underlying error, if any
}

func (e *InvalidLinkError) Error() string {
	return fmt.Sprintf("invalid link %s: %s", e.Link, e.Reason)
}

func (e *InvalidLinkError) Unwrap() error {
	return e.Err
}

// NetworkError represents network failures and remote errors including 5xx
// responses, connection resets, timeouts and stalled swarms.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "head", "fetch")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Message    string // Error message from the remote or network layer
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.Message)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// DestinationError represents a storage destination that went away or can no
// longer be written to.
type DestinationError struct {
	Path   string // The path that caused the error
	Reason string // Human-readable explanation of the storage error
	Err    error  // Underlying error, if any
}

func (e *DestinationError) Error() string {
	return fmt.Sprintf("destination error for '%s': %s", e.Path, e.Reason)
}

func (e *DestinationError) Unwrap() error {
	return e.Err
}

// Classify maps any error surfaced by an engine to a FailureKind. Typed errors
// win; raw filesystem errors that indicate a broken destination are treated as
// destination failures; everything else is transient.
func Classify(err error) FailureKind {
	if err == nil || errors.Is(err, context.Canceled) {
		return FailureNone
	}

	var (
		linkErr *InvalidLinkError
		destErr *DestinationError
		netErr  *NetworkError
	)

	switch {
	case errors.As(err, &linkErr):
		return FailureInvalidLink
	case errors.As(err, &destErr):
		return FailureDestination
	case errors.As(err, &netErr):
		return FailureTransient
	}

	if IsDestinationFault(err) {
		return FailureDestination
	}

	return FailureTransient
}

// IsDestinationFault reports whether err is a filesystem error that means the
// destination is missing, read-only, full or not accessible.
func IsDestinationFault(err error) bool {
	var pathErr *fs.PathError
	if !errors.As(err, &pathErr) {
		return false
	}

	switch {
	case errors.Is(err, fs.ErrNotExist),
		errors.Is(err, fs.ErrPermission),
		errors.Is(err, syscall.ENOSPC),
		errors.Is(err, syscall.EROFS),
		errors.Is(err, syscall.ENOTDIR),
		errors.Is(err, syscall.EIO):
		return true
	}

	return false
}

// WrapDestination turns filesystem faults into a *DestinationError and
// leaves other errors untouched.
func WrapDestination(path string, err error) error {
	if err == nil || !IsDestinationFault(err) {
		return err
	}

	return &DestinationError{Path: path, Reason: err.Error(), Err: err}
}

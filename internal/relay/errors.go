package relay

import (
	"errors"
	"fmt"
	"strings"

	"coreproxy/pkg/protocol"
)

// Errors produced by the correlator itself.
var (
	// ErrNotConnected means no Core connection was available at send time.
	// Callers fail fast instead of queueing against an absent backend.
	ErrNotConnected = errors.New("core is not connected")
	// ErrCoreTimeout means no response arrived within the configured wait.
	ErrCoreTimeout = errors.New("timed out waiting for core response")
	// ErrInvalidResponseType means a response arrived but was not the variant
	// expected for the request that was sent. Protocol/version mismatch,
	// not retryable.
	ErrInvalidResponseType = errors.New("unexpected core response type")
	// ErrAlreadyConnected is returned when a second relay connection attempt
	// arrives while one is admitted.
	ErrAlreadyConnected = errors.New("core is already connected")
	// ErrUnsupportedVersion is returned by the version gate.
	ErrUnsupportedVersion = errors.New("core version not supported")
)

// Caller-facing classifications of explicit Core failures.
var (
	ErrUnauthorized         = errors.New("unauthorized")
	ErrBadRequest           = errors.New("bad request")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrNotLicensed          = errors.New("feature not licensed")
	ErrPreconditionRequired = errors.New("precondition required")
	ErrNotFound             = errors.New("not found")
	ErrUnexpected           = errors.New("unexpected core error")
)

const licenseErrorMarker = "no valid license"

// classifyCoreError deflates a core_error payload into a typed, caller-facing
// error. Core being unavailable is mapped to the timeout class so callers can
// treat it as retryable.
func classifyCoreError(ce protocol.CoreError) error {
	if strings.Contains(strings.ToLower(ce.Message), licenseErrorMarker) {
		return fmt.Errorf("%w: %s", ErrNotLicensed, ce.Message)
	}
	var kind error
	switch ce.StatusCode {
	case 400:
		kind = ErrBadRequest
	case 401:
		kind = ErrUnauthorized
	case 403:
		kind = ErrPermissionDenied
	case 404:
		kind = ErrNotFound
	case 428:
		kind = ErrPreconditionRequired
	case 502, 503, 504:
		kind = ErrCoreTimeout
	default:
		kind = ErrUnexpected
	}
	return fmt.Errorf("%w: core returned %d: %s", kind, ce.StatusCode, ce.Message)
}

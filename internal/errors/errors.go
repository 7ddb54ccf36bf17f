// Package errors defines the typed failure conditions shared by the
// agent and the fleet server. Rejections, auth failures, and decryption
// failures are normal control flow here; they are carried as values and
// mapped to HTTP status codes only at the handler boundary.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Base error values for errors.Is checks.
var (
	ErrNotFound      = errors.New("not found")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrTimeout       = errors.New("timeout")
	ErrInvalidInput  = errors.New("invalid input")
	ErrInternalError = errors.New("internal error")
)

// Kind categorises a fleet error.
type Kind string

const (
	KindConfigInvalid     Kind = "config_invalid"
	KindAuthFailed        Kind = "auth_failed"
	KindDecryptFailed     Kind = "decrypt_failed"
	KindIngestRejected    Kind = "ingest_rejected"
	KindBackpressure      Kind = "backpressure"
	KindTransientIO       Kind = "transient_io"
	KindSensorUnavailable Kind = "sensor_unavailable"
	KindCertInvalid       Kind = "cert_invalid"
	KindTimeout           Kind = "timeout"
	KindInternal          Kind = "internal"
)

// FleetError is a structured error for fleet operations.
type FleetError struct {
	Kind      Kind
	Op        string // operation that failed, e.g. "ingest_report"
	MachineID string // machine involved, if any
	Err       error  // underlying error
	Timestamp time.Time
	Retryable bool
}

func (e *FleetError) Error() string {
	if e.MachineID != "" {
		return fmt.Sprintf("%s failed for %s: %s: %v", e.Op, e.MachineID, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s failed: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *FleetError) Unwrap() error { return e.Err }

// Is implements errors.Is against the base error values.
func (e *FleetError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindIngestRejected && errors.Is(e.Err, ErrNotFound)
	case ErrUnauthorized:
		return e.Kind == KindAuthFailed
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrInvalidInput:
		return e.Kind == KindIngestRejected || e.Kind == KindConfigInvalid
	}
	return errors.Is(e.Err, target)
}

// New creates a FleetError of the given kind.
func New(kind Kind, op string, err error) *FleetError {
	return &FleetError{
		Kind:      kind,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: kind == KindTransientIO || kind == KindTimeout || kind == KindBackpressure,
	}
}

// Newf creates a FleetError with a formatted message as the underlying error.
func Newf(kind Kind, op, format string, args ...any) *FleetError {
	return New(kind, op, fmt.Errorf(format, args...))
}

// WithMachine attaches the machine involved in the failure.
func (e *FleetError) WithMachine(machineID string) *FleetError {
	e.MachineID = machineID
	return e
}

// KindOf extracts the Kind from an error chain, or KindInternal.
func KindOf(err error) Kind {
	var fe *FleetError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the failure is worth retrying.
func IsRetryable(err error) bool {
	var fe *FleetError
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return errors.Is(err, ErrTimeout)
}

// HTTPStatus maps an error chain to the status code surfaced to clients.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindAuthFailed:
		return http.StatusUnauthorized
	case KindDecryptFailed, KindIngestRejected, KindConfigInvalid:
		return http.StatusBadRequest
	case KindBackpressure:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

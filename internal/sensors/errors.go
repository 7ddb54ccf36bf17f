// Package sensors wraps the OS-level data sources the agent samples:
// gopsutil-backed host metrics, network probes, and opaque platform
// probes. Every failure is typed; a sensor never panics and never
// returns an untyped error.
package sensors

import (
	"context"
	"errors"
	"fmt"
)

// FailureCode classifies a probe failure.
type FailureCode string

const (
	ProbeUnavailable FailureCode = "probe_unavailable"
	ParseError       FailureCode = "parse_error"
	Timeout          FailureCode = "timeout"
	PermissionDenied FailureCode = "permission_denied"
	Internal         FailureCode = "internal"
)

// ProbeError is the typed failure of a single probe invocation.
type ProbeError struct {
	Probe string
	Code  FailureCode
	Err   error
}

func (e *ProbeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("probe %s: %s: %v", e.Probe, e.Code, e.Err)
	}
	return fmt.Sprintf("probe %s: %s", e.Probe, e.Code)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// NewProbeError wraps err, classifying context cancellation as a timeout.
func NewProbeError(probe string, code FailureCode, err error) *ProbeError {
	if err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		code = Timeout
	}
	return &ProbeError{Probe: probe, Code: code, Err: err}
}

// Unavailable is the typed failure for probes the platform does not support.
func Unavailable(probe string) *ProbeError {
	return &ProbeError{Probe: probe, Code: ProbeUnavailable}
}

// CodeOf extracts the failure code from an error chain, or Internal.
func CodeOf(err error) FailureCode {
	var pe *ProbeError
	if errors.As(err, &pe) {
		return pe.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Internal
}

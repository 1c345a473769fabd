package b2ops

import (
	"errors"
	"fmt"
	"time"

	"github.com/tonimelisma/b2-go/internal/b2"
)

// Sentinel errors. Use errors.Is to check.
var (
	ErrCircuitOpen       = errors.New("b2ops: circuit open")
	ErrMissingCapability = errors.New("b2ops: key lacks capability")
	ErrMissingBucketID   = errors.New("b2ops: bucket ID required")
	ErrSessionState      = errors.New("b2ops: invalid large file state")
	ErrNoParts           = errors.New("b2ops: no parts uploaded")
	ErrPartsInFlight     = errors.New("b2ops: part uploads still in flight")
	ErrPartGap           = errors.New("b2ops: part sequence has a gap")
	ErrPartMismatch      = errors.New("b2ops: part mismatch")
	ErrHashMismatch      = errors.New("b2ops: content hash mismatch")
	ErrTooManyParts      = errors.New("b2ops: part limit reached")
)

// OpError is the final failure of an operation run under the Policy. It
// records how the failure was classified and how many attempts were made,
// and unwraps to the last underlying error.
type OpError struct {
	Endpoint string
	Class    b2.Class
	Attempts int
	Err      error
}

func (e *OpError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("b2ops: %s failed after %d attempts: %v", e.Endpoint, e.Attempts, e.Err)
	}

	return e.Err.Error()
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// CircuitOpenError is returned without contacting the service while a
// group's breaker is open. It unwraps to ErrCircuitOpen and to the failure
// that opened the breaker.
type CircuitOpenError struct {
	Group   b2.Group
	RetryAt time.Time
	Last    error
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("b2ops: circuit open for %s endpoints until %s", e.Group, e.RetryAt.Format(time.RFC3339))
}

func (e *CircuitOpenError) Unwrap() []error {
	if e.Last != nil {
		return []error{ErrCircuitOpen, e.Last}
	}

	return []error{ErrCircuitOpen}
}

// CapabilityError reports an operation the authorizing key may not perform.
type CapabilityError struct {
	Capability string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("b2ops: key lacks the %q capability", e.Capability)
}

func (e *CapabilityError) Unwrap() error {
	return ErrMissingCapability
}

// StateError reports a large-file operation attempted in the wrong state.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("b2ops: cannot %s a large file that is %s", e.Op, e.State)
}

func (e *StateError) Unwrap() error {
	return ErrSessionState
}

// ClassOf reports the recovery class of any error returned by this package.
// Precondition failures (state, capability, missing parts) are Permanent;
// an open circuit is Transient.
func ClassOf(err error) b2.Class {
	if err == nil {
		return b2.ClassPermanent
	}

	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.Class
	}

	if errors.Is(err, ErrCircuitOpen) {
		return b2.ClassTransient
	}

	return b2.Classify(b2.Endpoint{Group: b2.GroupAPI}, err)
}

// isPermanent reports whether err means retrying the same request can never
// succeed.
func isPermanent(err error) bool {
	switch ClassOf(err) {
	case b2.ClassPermanent, b2.ClassProtocol:
		return true
	default:
		return false
	}
}

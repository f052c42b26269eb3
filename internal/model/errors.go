package model

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrMediaAccessDenied is returned when local capture is refused or no
	// device is available. Terminal for the attempt.
	ErrMediaAccessDenied = errors.New("media access denied")

	// ErrNegotiationFailed means ICE/SDP negotiation did not converge.
	ErrNegotiationFailed = errors.New("negotiation failed")

	// ErrSignalDeliveryGap is reported when a subscription was dropped and
	// events may have been missed until the next reconciliation read.
	ErrSignalDeliveryGap = errors.New("signal delivery gap")

	// ErrStaleTransition is returned by the store when the verified current
	// status no longer allows the requested write (e.g. the call already ended).
	ErrStaleTransition = errors.New("stale transition")

	// ErrGlareConflict is returned when both users dial each other at once.
	ErrGlareConflict = errors.New("glare conflict")

	ErrCallNotFound      = errors.New("call not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrSelfCall          = errors.New("caller and callee must differ")
	ErrInvalidCall       = errors.New("invalid call")
	ErrInvalidSignal     = errors.New("invalid signal")
	ErrBusy              = errors.New("user busy")
)

// GlareError carries the call that won a simultaneous-dial race.
type GlareError struct {
	Existing Call
}

func (e *GlareError) Error() string {
	return fmt.Sprintf("glare conflict: call %s from %s is already ringing", e.Existing.ID, e.Existing.CallerID)
}

func (e *GlareError) Unwrap() error { return ErrGlareConflict }

var validate = validator.New()

func wrapValidation(kind error, what string, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return fmt.Errorf("%w: %s.%s failed %q", kind, what, verrs[0].Field(), verrs[0].Tag())
	}
	return fmt.Errorf("%w: %s: %v", kind, what, err)
}

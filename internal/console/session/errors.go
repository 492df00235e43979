package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrOTPCooldown      = errors.New("otp was sent too recently")
	ErrUnknownFlow      = errors.New("unknown otp flow")
)

// AuthError is returned by every controller operation that fails. Message
// is fit to show the operator; Err keeps the typed cause for errors.As.
type AuthError struct {
	Op      string
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *AuthError) Unwrap() error { return e.Err }

// CooldownError reports how long to wait before another OTP may be sent.
type CooldownError struct {
	RetryAfter time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%v; retry in %s", ErrOTPCooldown, e.RetryAfter.Round(time.Second))
}

func (e *CooldownError) Is(target error) bool { return target == ErrOTPCooldown }

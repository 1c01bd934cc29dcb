package ledger

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAccountNotFound is returned when an operation targets an
	// account that was never initialized.
	ErrAccountNotFound = errors.New("account not found")

	// ErrConcurrencyLimit is returned when an account already has the
	// maximum number of generation requests in flight.
	ErrConcurrencyLimit = errors.New("concurrency limit exceeded")

	// ErrOnboardingUsed is returned when the one-time onboarding free
	// generation has already been claimed.
	ErrOnboardingUsed = errors.New("onboarding free generation already used")
)

// InsufficientCreditsError is returned when a consume would take the
// balance below zero. No mutation has occurred.
type InsufficientCreditsError struct {
	Current  int
	Required int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: have %d, need %d", e.Current, e.Required)
}

// CooldownActiveError is returned when a consume arrives before the
// per-account cooldown window has elapsed. No mutation has occurred.
type CooldownActiveError struct {
	RetryAfter time.Duration
}

func (e *CooldownActiveError) Error() string {
	return fmt.Sprintf("cooldown active: retry after %s", e.RetryAfter)
}

// RetryAfterSeconds returns the remaining cooldown rounded up to whole
// seconds, suitable for a Retry-After response field.
func (e *CooldownActiveError) RetryAfterSeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

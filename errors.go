package castellan

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidCredentials covers every credential failure on the password
	// step: unknown email, wrong password, and the failure that happens to
	// trip a lockout. The caller is never told which.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrSourceLocked is returned while the request's source address is
	// blocked by the lockout tracker.
	ErrSourceLocked = errors.New("source address locked")
	// ErrUserNotFound is returned by user providers for unknown users.
	ErrUserNotFound = errors.New("user not found")
	// ErrUserBlocked is returned when the account carries the blocked flag.
	ErrUserBlocked = errors.New("account blocked")
	// ErrPasswordExpired is returned when the credential is past its expiry
	// and expiry enforcement is on.
	ErrPasswordExpired = errors.New("password expired")
	// ErrPasswordReuse is returned when a new password matches the current
	// or a historical secret.
	ErrPasswordReuse = errors.New("new password was used before")
	// ErrPasswordPolicy is returned when a new password fails validation.
	ErrPasswordPolicy = errors.New("password policy violation")

	// ErrCodeInvalid is returned for a wrong or already-consumed one-time code.
	ErrCodeInvalid = errors.New("one-time code invalid")
	// ErrCodeExpired is returned for a one-time code past its expiry.
	ErrCodeExpired = errors.New("one-time code expired")
	// ErrCodeAttemptsExceeded is returned once a pending code has absorbed
	// too many wrong guesses.
	ErrCodeAttemptsExceeded = errors.New("one-time code attempts exceeded")
	// ErrCodeDeliveryFailed is returned when the out-of-band notifier could
	// not deliver the code. Distinct from validation errors.
	ErrCodeDeliveryFailed = errors.New("one-time code delivery failed")

	// ErrTOTPInvalid is returned for a TOTP code that matches no accepted
	// time step.
	ErrTOTPInvalid = errors.New("invalid totp code")
	// ErrTOTPNotConfigured is returned when the user has no enabled TOTP
	// secret.
	ErrTOTPNotConfigured = errors.New("totp not configured")
	// ErrRecoveryCodeInvalid is returned for a wrong or already-consumed
	// recovery code.
	ErrRecoveryCodeInvalid = errors.New("invalid recovery code")
	// ErrRecoveryCodesNotConfigured is returned when no recovery codes exist
	// for the user.
	ErrRecoveryCodesNotConfigured = errors.New("recovery codes not configured")

	// ErrCapabilityDenied is returned by Authorize when the session's role
	// does not grant the requested capability.
	ErrCapabilityDenied = errors.New("capability denied")

	// ErrSessionNotFound is returned when a token resolves to nothing.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired is returned when a token resolves to a session past
	// its expiry. Expired sessions are rejected, never resurrected.
	ErrSessionExpired = errors.New("session expired")
	// ErrAccessTokenInvalid is returned for an access token that fails
	// signature or claim checks.
	ErrAccessTokenInvalid = errors.New("invalid access token")
	// ErrAccessTokensDisabled is returned when the access-token facility is
	// not configured.
	ErrAccessTokensDisabled = errors.New("access tokens disabled")

	// ErrStoreUnavailable wraps persistence faults. These surface upward
	// unmodified; the engine never downgrades them to a denial.
	ErrStoreUnavailable = errors.New("state store unavailable")
	// ErrEngineNotReady is returned when the engine is used before Build
	// completed or with a missing dependency.
	ErrEngineNotReady = errors.New("engine not initialized")
)

// LockedError reports an active block. RetryAfter is zero for the permanent
// tier. It matches [ErrSourceLocked] under errors.Is.
type LockedError struct {
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	if e.RetryAfter <= 0 {
		return "source address locked: permanent"
	}
	return fmt.Sprintf("source address locked: retry after %s", e.RetryAfter)
}

func (e *LockedError) Is(target error) bool {
	return target == ErrSourceLocked
}

package castellan

import (
	"context"
	"errors"
	"time"
)

const (
	auditEventLoginSuccess    = "login_success"
	auditEventLoginFailure    = "login_failure"
	auditEventLoginLocked     = "login_locked"
	auditEventLockTriggered   = "lock_triggered"
	auditEventLockCleared     = "lock_cleared"
	auditEventCodeIssued      = "login_code_issued"
	auditEventCodeConfirmed   = "login_code_confirmed"
	auditEventCodeFailure     = "login_code_failure"
	auditEventTOTPEnrollBegin = "totp_enroll_begin"
	auditEventTOTPEnabled     = "totp_enabled"
	auditEventTOTPDisabled    = "totp_disabled"
	auditEventTOTPConfirmed   = "totp_confirmed"
	auditEventTOTPFailure     = "totp_failure"
	auditEventRecoveryIssued  = "recovery_codes_issued"
	auditEventRecoveryUsed    = "recovery_code_used"
	auditEventRecoveryFailure = "recovery_code_failure"
	auditEventLogoutSession   = "logout_session"
	auditEventLogoutAll       = "logout_all"
	auditEventPasswordChanged = "password_change_success"
	auditEventPasswordReuse   = "password_change_reuse_attempt"
	auditEventPasswordFailure = "password_change_failure"
)

// AuditErrorCode is the stable, log-safe error label attached to audit
// events. It never carries credential material.
type AuditErrorCode string

const (
	auditErrInvalidCredentials AuditErrorCode = "invalid_credentials"
	auditErrSourceLocked       AuditErrorCode = "source_locked"
	auditErrUserNotFound       AuditErrorCode = "user_not_found"
	auditErrUserBlocked        AuditErrorCode = "account_blocked"
	auditErrPasswordExpired    AuditErrorCode = "password_expired"
	auditErrPasswordReuse      AuditErrorCode = "password_reuse"
	auditErrPasswordPolicy     AuditErrorCode = "password_policy"
	auditErrCodeInvalid        AuditErrorCode = "code_invalid"
	auditErrCodeExpired        AuditErrorCode = "code_expired"
	auditErrCodeAttempts       AuditErrorCode = "code_attempts_exceeded"
	auditErrCodeDelivery       AuditErrorCode = "code_delivery_failed"
	auditErrTOTPInvalid        AuditErrorCode = "totp_invalid"
	auditErrTOTPNotConfigured  AuditErrorCode = "totp_not_configured"
	auditErrRecoveryInvalid    AuditErrorCode = "recovery_code_invalid"
	auditErrSessionNotFound    AuditErrorCode = "session_not_found"
	auditErrSessionExpired     AuditErrorCode = "session_expired"
	auditErrStoreUnavailable   AuditErrorCode = "backend_unavailable"
	auditErrInternal           AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	email string,
	sessionID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: e.now().UTC(),
		EventType: eventType,
		UserID:    userID,
		Email:     email,
		Source:    sourceAddressFromContext(ctx),
		SessionID: sessionID,
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrSourceLocked):
		return auditErrSourceLocked
	case errors.Is(err, ErrUserNotFound):
		return auditErrUserNotFound
	case errors.Is(err, ErrUserBlocked):
		return auditErrUserBlocked
	case errors.Is(err, ErrPasswordExpired):
		return auditErrPasswordExpired
	case errors.Is(err, ErrPasswordReuse):
		return auditErrPasswordReuse
	case errors.Is(err, ErrPasswordPolicy):
		return auditErrPasswordPolicy
	case errors.Is(err, ErrCodeInvalid):
		return auditErrCodeInvalid
	case errors.Is(err, ErrCodeExpired):
		return auditErrCodeExpired
	case errors.Is(err, ErrCodeAttemptsExceeded):
		return auditErrCodeAttempts
	case errors.Is(err, ErrCodeDeliveryFailed):
		return auditErrCodeDelivery
	case errors.Is(err, ErrTOTPInvalid):
		return auditErrTOTPInvalid
	case errors.Is(err, ErrTOTPNotConfigured):
		return auditErrTOTPNotConfigured
	case errors.Is(err, ErrRecoveryCodeInvalid),
		errors.Is(err, ErrRecoveryCodesNotConfigured):
		return auditErrRecoveryInvalid
	case errors.Is(err, ErrSessionNotFound):
		return auditErrSessionNotFound
	case errors.Is(err, ErrSessionExpired):
		return auditErrSessionExpired
	case errors.Is(err, ErrStoreUnavailable):
		return auditErrStoreUnavailable
	default:
		return auditErrInternal
	}
}

// retryAfterSeconds formats a lock deadline for audit metadata; permanent
// blocks have no deadline.
func retryAfterSeconds(d time.Duration) string {
	if d <= 0 {
		return "permanent"
	}
	return d.Round(time.Second).String()
}

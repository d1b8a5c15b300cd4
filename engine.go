package castellan

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/castellan-auth/castellan/internal"
	"github.com/castellan-auth/castellan/internal/audit"
	"github.com/castellan-auth/castellan/internal/flows"
	"github.com/castellan-auth/castellan/internal/limiters"
	"github.com/castellan-auth/castellan/internal/stores"
	"github.com/castellan-auth/castellan/jwt"
	"github.com/castellan-auth/castellan/password"
	"github.com/castellan-auth/castellan/session"
)

// Engine is the authentication core. It is immutable after Build and safe
// for concurrent use.
type Engine struct {
	config Config

	lockout      *limiters.Tracker
	codeStore    *stores.LoginCodeStore
	sessionStore *session.Store
	audit        *audit.Dispatcher
	metrics      *Metrics
	passwordHash *password.Hasher
	totp         *totpManager
	jwtManager   *jwt.Manager
	userProvider UserProvider
	notifier     Notifier

	now func() time.Time
}

// Close flushes and stops the audit dispatcher. The engine must not be used
// afterwards.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped reports how many audit events were discarded because the
// dispatcher buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a point-in-time copy of all counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// storeFault wraps a backend error in the public sentinel. Store faults
// always surface; they are never downgraded to a denial.
func storeFault(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func (e *Engine) flowUser(user UserRecord) flows.LoginUser {
	var expiresAt int64
	if !user.Credential.ExpiresAt.IsZero() {
		expiresAt = user.Credential.ExpiresAt.Unix()
	}
	return flows.LoginUser{
		UserID:            user.UserID,
		Email:             user.Email,
		Role:              uint8(user.Role),
		Blocked:           user.Blocked,
		PasswordHash:      user.Credential.Hash,
		PasswordExpiresAt: expiresAt,
		TOTPSecret:        user.TOTPSecret,
		TOTPEnabled:       user.TOTPEnabled,
		EmailCodeEnabled:  user.EmailCodeEnabled,
	}
}

// issueEmailCode creates a pending one-time code, stores its hash, and mails
// the plaintext. A failed delivery destroys the pending record so an
// attacker cannot brute a code the user never received.
func (e *Engine) issueEmailCode(ctx context.Context, user flows.LoginUser) (string, error) {
	if e.notifier == nil {
		return "", ErrEngineNotReady
	}

	code, err := internal.NewLoginCode()
	if err != nil {
		return "", err
	}
	handle := uuid.NewString()
	expiresAt := e.now().Add(e.config.LoginCode.TTL)

	record := &stores.LoginCode{
		UserID:    user.UserID,
		CodeHash:  internal.HashValue(code),
		ExpiresAt: expiresAt.Unix(),
	}
	if err := e.codeStore.Save(ctx, handle, record, e.config.LoginCode.TTL); err != nil {
		return "", storeFault(err)
	}

	body := fmt.Sprintf("Your sign-in code is %s. It expires in %s.",
		code, e.config.LoginCode.TTL)
	if err := e.notifier.Send(ctx, user.Email, e.config.LoginCode.Subject, body); err != nil {
		if derr := e.codeStore.Discard(ctx, handle); derr != nil {
			log.Print("castellan: pending code cleanup failed after delivery error")
		}
		return "", fmt.Errorf("%w: %v", ErrCodeDeliveryFailed, err)
	}

	return handle, nil
}

// consumeEmailCode maps store outcomes onto the public error set.
func (e *Engine) consumeEmailCode(ctx context.Context, handle, code string) (string, error) {
	record, err := e.codeStore.Consume(ctx, handle, internal.HashValue(code), e.config.LoginCode.MaxAttempts)
	if err != nil {
		switch {
		case errors.Is(err, stores.ErrLoginCodeNotFound),
			errors.Is(err, stores.ErrLoginCodeMismatch):
			return "", ErrCodeInvalid
		case errors.Is(err, stores.ErrLoginCodeExpired):
			return "", ErrCodeExpired
		case errors.Is(err, stores.ErrLoginCodeExceeded):
			return "", ErrCodeAttemptsExceeded
		default:
			return "", storeFault(err)
		}
	}
	return record.UserID, nil
}

func (e *Engine) issueSessionFor(ctx context.Context, user flows.LoginUser) (string, int64, error) {
	token, err := internal.NewSessionToken()
	if err != nil {
		return "", 0, err
	}

	now := e.now()
	sess := &session.Session{
		Token:     token,
		UserID:    user.UserID,
		Email:     user.Email,
		Role:      user.Role,
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(e.config.Session.TTL).Unix(),
	}
	if err := e.sessionStore.Save(ctx, sess, e.config.Session.TTL); err != nil {
		return "", 0, storeFault(err)
	}
	return token, sess.ExpiresAt, nil
}

func (e *Engine) loginDeps() flows.Deps {
	return flows.Deps{
		Now:                   e.now,
		SourceFromContext:     sourceAddressFromContext,
		EnforcePasswordExpiry: e.config.Password.EnforceExpiry,
		UpgradeOnLogin:        e.config.Password.UpgradeOnLogin,
		FactorEmailCode:       string(FactorEmailCode),
		FactorTOTP:            string(FactorTOTP),

		IsBlocked: func(ctx context.Context, addr string) (bool, time.Duration, bool, error) {
			blocked, retryAfter, permanent, err := e.lockout.IsBlocked(ctx, addr)
			if err != nil {
				return false, 0, false, storeFault(err)
			}
			return blocked, retryAfter, permanent, nil
		},
		RecordFailure: func(ctx context.Context, addr string) (bool, error) {
			triggered, err := e.lockout.RecordFailure(ctx, addr)
			if err != nil {
				return false, storeFault(err)
			}
			return triggered, nil
		},
		RecordSuccess: func(ctx context.Context, addr string) error {
			if err := e.lockout.RecordSuccess(ctx, addr); err != nil {
				return storeFault(err)
			}
			return nil
		},

		GetUserByEmail: func(ctx context.Context, email string) (flows.LoginUser, error) {
			user, err := e.userProvider.GetUserByEmail(ctx, email)
			if err != nil {
				return flows.LoginUser{}, err
			}
			return e.flowUser(user), nil
		},
		GetUserByID: func(ctx context.Context, userID string) (flows.LoginUser, error) {
			user, err := e.userProvider.GetUserByID(ctx, userID)
			if err != nil {
				return flows.LoginUser{}, err
			}
			return e.flowUser(user), nil
		},
		IsUserNotFound: func(err error) bool { return errors.Is(err, ErrUserNotFound) },

		VerifyPassword:      e.passwordHash.Verify,
		HashPassword:        e.passwordHash.Hash,
		NeedsPasswordRehash: e.passwordHash.NeedsUpgrade,
		UpgradePasswordHash: e.upgradeCredentialHash,

		IssueEmailCode:   e.issueEmailCode,
		ConsumeEmailCode: e.consumeEmailCode,
		VerifyTOTP:       e.totp.Verify,
		ConsumeRecovery: func(ctx context.Context, userID, code string) (bool, error) {
			used, err := e.userProvider.ConsumeRecoveryCode(ctx, userID, internal.HashValue(code))
			if err != nil {
				return false, storeFault(err)
			}
			return used, nil
		},

		IssueSession: e.issueSessionFor,

		MetricInc: func(id int) { e.metricInc(MetricID(id)) },
		EmitAudit: func(ctx context.Context, eventType string, success bool, userID, email string, err error, meta func() map[string]string) {
			e.emitAudit(ctx, eventType, success, userID, email, "", err, meta)
		},
		Warn: log.Printf,

		Metrics: flows.Metrics{
			LoginSuccess:         int(MetricLoginSuccess),
			LoginFailure:         int(MetricLoginFailure),
			LoginLocked:          int(MetricLoginLocked),
			LockTriggered:        int(MetricLockTriggered),
			CodeIssued:           int(MetricCodeIssued),
			CodeDeliveryFailed:   int(MetricCodeDeliveryFailed),
			CodeConfirmed:        int(MetricCodeConfirmed),
			CodeInvalid:          int(MetricCodeInvalid),
			CodeExpired:          int(MetricCodeExpired),
			TOTPSuccess:          int(MetricTOTPSuccess),
			TOTPFailure:          int(MetricTOTPFailure),
			RecoveryCodeUsed:     int(MetricRecoveryCodeUsed),
			RecoveryCodeFailed:   int(MetricRecoveryCodeFailed),
			SessionIssued:        int(MetricSessionIssued),
			PasswordExpiredLogin: int(MetricPasswordExpiredLogin),
		},
		Events: flows.Events{
			LoginSuccess:    auditEventLoginSuccess,
			LoginFailure:    auditEventLoginFailure,
			LoginLocked:     auditEventLoginLocked,
			LockTriggered:   auditEventLockTriggered,
			CodeIssued:      auditEventCodeIssued,
			CodeConfirmed:   auditEventCodeConfirmed,
			CodeFailure:     auditEventCodeFailure,
			TOTPConfirmed:   auditEventTOTPConfirmed,
			TOTPFailure:     auditEventTOTPFailure,
			RecoveryUsed:    auditEventRecoveryUsed,
			RecoveryFailure: auditEventRecoveryFailure,
		},
		Errors: flows.Errors{
			EngineNotReady:        ErrEngineNotReady,
			InvalidCredentials:    ErrInvalidCredentials,
			UserBlocked:           ErrUserBlocked,
			PasswordExpired:       ErrPasswordExpired,
			CodeInvalid:           ErrCodeInvalid,
			CodeExpired:           ErrCodeExpired,
			CodeAttemptsExceeded:  ErrCodeAttemptsExceeded,
			CodeDeliveryFailed:    ErrCodeDeliveryFailed,
			TOTPInvalid:           ErrTOTPInvalid,
			TOTPNotConfigured:     ErrTOTPNotConfigured,
			RecoveryInvalid:       ErrRecoveryCodeInvalid,
			RecoveryNotConfigured: ErrRecoveryCodesNotConfigured,
			Locked: func(retryAfter time.Duration) error {
				return &LockedError{RetryAfter: retryAfter}
			},
		},
	}
}

// upgradeCredentialHash swaps only the hash string, preserving expiry and
// history. Used by opportunistic rehash after a successful verify.
func (e *Engine) upgradeCredentialHash(ctx context.Context, userID, newHash string) error {
	user, err := e.userProvider.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	cred := user.Credential
	cred.Hash = newHash
	return e.userProvider.ReplaceCredential(ctx, userID, cred)
}

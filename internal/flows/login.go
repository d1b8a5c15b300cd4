package flows

import (
	"context"
	"time"
)

// LoginUser is the flow-local account model. The host engine maps its
// provider records onto this shape.
type LoginUser struct {
	UserID            string
	Email             string
	Role              uint8
	Blocked           bool
	PasswordHash      string
	PasswordExpiresAt int64 // unix seconds; 0 = no expiry
	TOTPSecret        string
	TOTPEnabled       bool
	EmailCodeEnabled  bool
}

// Result is the flow-local login response shape.
type Result struct {
	SessionToken string
	ExpiresAt    int64

	FactorRequired bool
	FactorType     string
	CodeHandle     string
}

// Metrics carries metric IDs needed by the login flows.
type Metrics struct {
	LoginSuccess         int
	LoginFailure         int
	LoginLocked          int
	LockTriggered        int
	CodeIssued           int
	CodeDeliveryFailed   int
	CodeConfirmed        int
	CodeInvalid          int
	CodeExpired          int
	TOTPSuccess          int
	TOTPFailure          int
	RecoveryCodeUsed     int
	RecoveryCodeFailed   int
	SessionIssued        int
	PasswordExpiredLogin int
}

// Events carries audit event names used by the login flows.
type Events struct {
	LoginSuccess    string
	LoginFailure    string
	LoginLocked     string
	LockTriggered   string
	CodeIssued      string
	CodeConfirmed   string
	CodeFailure     string
	TOTPConfirmed   string
	TOTPFailure     string
	RecoveryUsed    string
	RecoveryFailure string
}

// Errors carries host-level sentinel errors used by the login flows.
type Errors struct {
	EngineNotReady        error
	InvalidCredentials    error
	UserBlocked           error
	PasswordExpired       error
	CodeInvalid           error
	CodeExpired           error
	CodeAttemptsExceeded  error
	CodeDeliveryFailed    error
	TOTPInvalid           error
	TOTPNotConfigured     error
	RecoveryInvalid       error
	RecoveryNotConfigured error

	// Locked builds the lock outcome; retryAfter 0 means permanent.
	Locked func(retryAfter time.Duration) error
}

// Deps captures everything the login flows touch. The engine wires these to
// its stores; tests wire fakes.
type Deps struct {
	Now                   func() time.Time
	SourceFromContext     func(context.Context) string
	EnforcePasswordExpiry bool
	UpgradeOnLogin        bool
	FactorEmailCode       string
	FactorTOTP            string

	IsBlocked     func(ctx context.Context, addr string) (blocked bool, retryAfter time.Duration, permanent bool, err error)
	RecordFailure func(ctx context.Context, addr string) (blockTriggered bool, err error)
	RecordSuccess func(ctx context.Context, addr string) error

	GetUserByEmail func(ctx context.Context, email string) (LoginUser, error)
	GetUserByID    func(ctx context.Context, userID string) (LoginUser, error)
	IsUserNotFound func(error) bool

	VerifyPassword      func(password, hash string) (bool, error)
	HashPassword        func(password string) (string, error)
	NeedsPasswordRehash func(hash string) (bool, error)
	UpgradePasswordHash func(ctx context.Context, userID, newHash string) error

	IssueEmailCode   func(ctx context.Context, user LoginUser) (handle string, err error)
	ConsumeEmailCode func(ctx context.Context, handle, code string) (userID string, err error)
	VerifyTOTP       func(secret, code string, now time.Time) bool
	ConsumeRecovery  func(ctx context.Context, userID, code string) (bool, error)

	IssueSession func(ctx context.Context, user LoginUser) (token string, expiresAt int64, err error)

	MetricInc func(int)
	EmitAudit func(ctx context.Context, eventType string, success bool, userID, email string, err error, meta func() map[string]string)
	Warn      func(string, ...any)

	Metrics Metrics
	Events  Events
	Errors  Errors
}

func (deps *Deps) fillDefaults() {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.MetricInc == nil {
		deps.MetricInc = func(int) {}
	}
	if deps.EmitAudit == nil {
		deps.EmitAudit = func(context.Context, string, bool, string, string, error, func() map[string]string) {}
	}
	if deps.Warn == nil {
		deps.Warn = func(string, ...any) {}
	}
	if deps.SourceFromContext == nil {
		deps.SourceFromContext = func(context.Context) string { return "" }
	}
	if deps.IsUserNotFound == nil {
		deps.IsUserNotFound = func(error) bool { return false }
	}
}

// RunLogin executes the password step of the login protocol: lockout gate,
// credential check, then either immediate session issuance or an
// intermediate awaiting-factor result. RecordSuccess fires only on session
// issuance, never on password match alone, so a later factor failure still
// counts against the source address.
func RunLogin(ctx context.Context, email, password string, deps Deps) (*Result, error) {
	deps.fillDefaults()
	if deps.IsBlocked == nil ||
		deps.RecordFailure == nil ||
		deps.RecordSuccess == nil ||
		deps.GetUserByEmail == nil ||
		deps.VerifyPassword == nil ||
		deps.IssueSession == nil {
		return nil, deps.Errors.EngineNotReady
	}

	source := deps.SourceFromContext(ctx)

	// Checking the gate is side-effect-free beyond the lazy expiry of a
	// lapsed temporary block; a blocked request never reaches the
	// credential check and never touches the counters.
	if err := checkGate(ctx, source, deps); err != nil {
		return nil, err
	}

	if password == "" {
		return nil, failCredentials(ctx, source, "", email, "empty_password", deps)
	}

	user, err := deps.GetUserByEmail(ctx, email)
	if err != nil {
		if deps.IsUserNotFound(err) {
			// Same outcome as a wrong password: no account enumeration.
			return nil, failCredentials(ctx, source, "", email, "user_not_found", deps)
		}
		return nil, err
	}

	ok, verr := deps.VerifyPassword(password, user.PasswordHash)
	if verr != nil || !ok {
		return nil, failCredentials(ctx, source, user.UserID, email, "password_mismatch", deps)
	}

	if user.Blocked {
		deps.MetricInc(deps.Metrics.LoginFailure)
		deps.EmitAudit(ctx, deps.Events.LoginFailure, false, user.UserID, email, deps.Errors.UserBlocked, func() map[string]string {
			return map[string]string{"reason": "account_blocked"}
		})
		return nil, deps.Errors.UserBlocked
	}

	if deps.EnforcePasswordExpiry && user.PasswordExpiresAt > 0 &&
		deps.Now().Unix() > user.PasswordExpiresAt {
		deps.MetricInc(deps.Metrics.PasswordExpiredLogin)
		deps.EmitAudit(ctx, deps.Events.LoginFailure, false, user.UserID, email, deps.Errors.PasswordExpired, func() map[string]string {
			return map[string]string{"reason": "password_expired"}
		})
		return nil, deps.Errors.PasswordExpired
	}

	if deps.UpgradeOnLogin && deps.NeedsPasswordRehash != nil && deps.HashPassword != nil && deps.UpgradePasswordHash != nil {
		if needs, err := deps.NeedsPasswordRehash(user.PasswordHash); err == nil && needs {
			if upgraded, err := deps.HashPassword(password); err == nil {
				if err := deps.UpgradePasswordHash(ctx, user.UserID, upgraded); err != nil {
					deps.Warn("castellan: password hash upgrade failed")
				}
			}
		}
	}
	password = ""

	// The third factor takes precedence when both flags are set; only one
	// factor is exchanged per login call.
	if user.EmailCodeEnabled {
		if deps.IssueEmailCode == nil {
			return nil, deps.Errors.EngineNotReady
		}
		handle, err := deps.IssueEmailCode(ctx, user)
		if err != nil {
			deps.MetricInc(deps.Metrics.CodeDeliveryFailed)
			deps.EmitAudit(ctx, deps.Events.CodeFailure, false, user.UserID, email, err, nil)
			return nil, err
		}
		deps.MetricInc(deps.Metrics.CodeIssued)
		deps.EmitAudit(ctx, deps.Events.CodeIssued, true, user.UserID, email, nil, nil)
		return &Result{
			FactorRequired: true,
			FactorType:     deps.FactorEmailCode,
			CodeHandle:     handle,
		}, nil
	}

	if user.TOTPEnabled && user.TOTPSecret != "" {
		deps.EmitAudit(ctx, deps.Events.LoginSuccess, true, user.UserID, email, nil, func() map[string]string {
			return map[string]string{"pending_factor": deps.FactorTOTP}
		})
		return &Result{
			FactorRequired: true,
			FactorType:     deps.FactorTOTP,
		}, nil
	}

	return issueSession(ctx, source, user, deps)
}

// RunConfirmEmailCode completes the third-factor exchange: the caller
// presents the handle from RunLogin plus the emailed code. Consumption is
// single-use; a wrong or replayed code never grants access and feeds the
// lockout tracker.
func RunConfirmEmailCode(ctx context.Context, handle, code string, deps Deps) (*Result, error) {
	deps.fillDefaults()
	if deps.ConsumeEmailCode == nil ||
		deps.GetUserByID == nil ||
		deps.IssueSession == nil ||
		deps.RecordFailure == nil ||
		deps.RecordSuccess == nil ||
		deps.IsBlocked == nil {
		return nil, deps.Errors.EngineNotReady
	}

	source := deps.SourceFromContext(ctx)
	if err := checkGate(ctx, source, deps); err != nil {
		return nil, err
	}

	if handle == "" || code == "" {
		return nil, failFactor(ctx, source, "", deps.Errors.CodeInvalid, deps.Metrics.CodeInvalid, deps.Events.CodeFailure, deps)
	}

	userID, err := deps.ConsumeEmailCode(ctx, handle, code)
	if err != nil {
		metric := deps.Metrics.CodeInvalid
		if err == deps.Errors.CodeExpired {
			metric = deps.Metrics.CodeExpired
		}
		switch err {
		case deps.Errors.CodeInvalid, deps.Errors.CodeExpired, deps.Errors.CodeAttemptsExceeded:
			return nil, failFactor(ctx, source, "", err, metric, deps.Events.CodeFailure, deps)
		default:
			return nil, err
		}
	}

	user, err := deps.GetUserByID(ctx, userID)
	if err != nil {
		if deps.IsUserNotFound(err) {
			return nil, failFactor(ctx, source, userID, deps.Errors.CodeInvalid, deps.Metrics.CodeInvalid, deps.Events.CodeFailure, deps)
		}
		return nil, err
	}
	if user.Blocked {
		deps.EmitAudit(ctx, deps.Events.CodeFailure, false, user.UserID, user.Email, deps.Errors.UserBlocked, nil)
		return nil, deps.Errors.UserBlocked
	}

	deps.MetricInc(deps.Metrics.CodeConfirmed)
	deps.EmitAudit(ctx, deps.Events.CodeConfirmed, true, user.UserID, user.Email, nil, nil)
	return issueSession(ctx, source, user, deps)
}

// RunConfirmTOTP completes the second-factor exchange. The request carries
// the account email and the authenticator code; there is no server-side
// pending state binding it to a prior password step. The lockout gate and
// failure accounting still apply, so the endpoint cannot be used as a free
// TOTP oracle.
func RunConfirmTOTP(ctx context.Context, email, code string, deps Deps) (*Result, error) {
	deps.fillDefaults()
	if deps.GetUserByEmail == nil ||
		deps.VerifyTOTP == nil ||
		deps.IssueSession == nil ||
		deps.RecordFailure == nil ||
		deps.RecordSuccess == nil ||
		deps.IsBlocked == nil {
		return nil, deps.Errors.EngineNotReady
	}

	source := deps.SourceFromContext(ctx)
	if err := checkGate(ctx, source, deps); err != nil {
		return nil, err
	}

	user, err := deps.GetUserByEmail(ctx, email)
	if err != nil {
		if deps.IsUserNotFound(err) {
			return nil, failFactor(ctx, source, "", deps.Errors.TOTPInvalid, deps.Metrics.TOTPFailure, deps.Events.TOTPFailure, deps)
		}
		return nil, err
	}
	if !user.TOTPEnabled || user.TOTPSecret == "" {
		deps.EmitAudit(ctx, deps.Events.TOTPFailure, false, user.UserID, email, deps.Errors.TOTPNotConfigured, nil)
		return nil, deps.Errors.TOTPNotConfigured
	}
	if user.Blocked {
		deps.EmitAudit(ctx, deps.Events.TOTPFailure, false, user.UserID, email, deps.Errors.UserBlocked, nil)
		return nil, deps.Errors.UserBlocked
	}

	if !deps.VerifyTOTP(user.TOTPSecret, code, deps.Now()) {
		return nil, failFactor(ctx, source, user.UserID, deps.Errors.TOTPInvalid, deps.Metrics.TOTPFailure, deps.Events.TOTPFailure, deps)
	}

	deps.MetricInc(deps.Metrics.TOTPSuccess)
	deps.EmitAudit(ctx, deps.Events.TOTPConfirmed, true, user.UserID, email, nil, nil)
	return issueSession(ctx, source, user, deps)
}

// RunConfirmRecoveryCode accepts a single-use recovery code in place of a
// TOTP code.
func RunConfirmRecoveryCode(ctx context.Context, email, code string, deps Deps) (*Result, error) {
	deps.fillDefaults()
	if deps.GetUserByEmail == nil ||
		deps.ConsumeRecovery == nil ||
		deps.IssueSession == nil ||
		deps.RecordFailure == nil ||
		deps.RecordSuccess == nil ||
		deps.IsBlocked == nil {
		return nil, deps.Errors.EngineNotReady
	}

	source := deps.SourceFromContext(ctx)
	if err := checkGate(ctx, source, deps); err != nil {
		return nil, err
	}

	user, err := deps.GetUserByEmail(ctx, email)
	if err != nil {
		if deps.IsUserNotFound(err) {
			return nil, failFactor(ctx, source, "", deps.Errors.RecoveryInvalid, deps.Metrics.RecoveryCodeFailed, deps.Events.RecoveryFailure, deps)
		}
		return nil, err
	}
	if user.Blocked {
		deps.EmitAudit(ctx, deps.Events.RecoveryFailure, false, user.UserID, email, deps.Errors.UserBlocked, nil)
		return nil, deps.Errors.UserBlocked
	}

	used, err := deps.ConsumeRecovery(ctx, user.UserID, code)
	if err != nil {
		return nil, err
	}
	if !used {
		return nil, failFactor(ctx, source, user.UserID, deps.Errors.RecoveryInvalid, deps.Metrics.RecoveryCodeFailed, deps.Events.RecoveryFailure, deps)
	}

	deps.MetricInc(deps.Metrics.RecoveryCodeUsed)
	deps.EmitAudit(ctx, deps.Events.RecoveryUsed, true, user.UserID, email, nil, nil)
	return issueSession(ctx, source, user, deps)
}

// checkGate terminates the request when the source address is blocked.
func checkGate(ctx context.Context, source string, deps Deps) error {
	blocked, retryAfter, permanent, err := deps.IsBlocked(ctx, source)
	if err != nil {
		return err
	}
	if !blocked {
		return nil
	}

	deps.MetricInc(deps.Metrics.LoginLocked)
	if permanent {
		retryAfter = 0
	}
	lockErr := deps.Errors.Locked(retryAfter)
	deps.EmitAudit(ctx, deps.Events.LoginLocked, false, "", "", lockErr, nil)
	return lockErr
}

// failCredentials reports a failed password step to the lockout tracker and
// returns the generic denial. A block tripped by this very failure is still
// reported as invalid credentials; the caller learns about the lock on its
// next attempt.
func failCredentials(ctx context.Context, source, userID, email, reason string, deps Deps) error {
	triggered, err := deps.RecordFailure(ctx, source)
	if err != nil {
		// A lockout-feeding failure must never be swallowed; surface the
		// store fault rather than pretending the attempt was counted.
		return err
	}
	if triggered {
		deps.MetricInc(deps.Metrics.LockTriggered)
		deps.EmitAudit(ctx, deps.Events.LockTriggered, false, userID, email, nil, func() map[string]string {
			return map[string]string{"source": source}
		})
	}

	deps.MetricInc(deps.Metrics.LoginFailure)
	deps.EmitAudit(ctx, deps.Events.LoginFailure, false, userID, email, deps.Errors.InvalidCredentials, func() map[string]string {
		return map[string]string{"reason": reason}
	})
	return deps.Errors.InvalidCredentials
}

// failFactor reports a failed second/third-factor confirmation. Factor
// failures count against the source address just like password failures.
func failFactor(ctx context.Context, source, userID string, cause error, metric int, event string, deps Deps) error {
	triggered, err := deps.RecordFailure(ctx, source)
	if err != nil {
		return err
	}
	if triggered {
		deps.MetricInc(deps.Metrics.LockTriggered)
		deps.EmitAudit(ctx, deps.Events.LockTriggered, false, userID, "", nil, func() map[string]string {
			return map[string]string{"source": source}
		})
	}

	deps.MetricInc(metric)
	deps.EmitAudit(ctx, event, false, userID, "", cause, nil)
	return cause
}

// issueSession is the single terminal success path: mint the token, then
// fully pardon the source address.
func issueSession(ctx context.Context, source string, user LoginUser, deps Deps) (*Result, error) {
	token, expiresAt, err := deps.IssueSession(ctx, user)
	if err != nil {
		deps.MetricInc(deps.Metrics.LoginFailure)
		deps.EmitAudit(ctx, deps.Events.LoginFailure, false, user.UserID, user.Email, err, func() map[string]string {
			return map[string]string{"reason": "session_issue_failed"}
		})
		return nil, err
	}

	if err := deps.RecordSuccess(ctx, source); err != nil {
		deps.Warn("castellan: lockout pardon failed after session issuance")
	}

	deps.MetricInc(deps.Metrics.SessionIssued)
	deps.MetricInc(deps.Metrics.LoginSuccess)
	deps.EmitAudit(ctx, deps.Events.LoginSuccess, true, user.UserID, user.Email, nil, nil)

	return &Result{
		SessionToken: token,
		ExpiresAt:    expiresAt,
	}, nil
}

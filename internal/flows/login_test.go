package flows

import (
	"context"
	"errors"
	"testing"
	"time"
)

var (
	errNotReady    = errors.New("not ready")
	errInvalid     = errors.New("invalid credentials")
	errBlockedUser = errors.New("user blocked")
	errExpiredPass = errors.New("password expired")
	errCodeBad     = errors.New("code invalid")
	errCodeExpired = errors.New("code expired")
	errCodeCap     = errors.New("code attempts exceeded")
	errTOTPBad     = errors.New("totp invalid")
	errTOTPMissing = errors.New("totp not configured")
	errRecoveryBad = errors.New("recovery invalid")
	errNotFound    = errors.New("user not found")
	errLocked      = errors.New("locked")
)

type harness struct {
	user LoginUser

	blocked     bool
	retryAfter  time.Duration
	permanent   bool
	failures    int
	pardons     int
	blockAtNext bool

	issuedTokens int
	sessionErr   error

	sentHandles int
	sendErr     error

	consumeUserID string
	consumeErr    error

	totpOK     bool
	recoveryOK bool

	metrics map[int]int
	events  []string
}

func newHarness() *harness {
	return &harness{
		user: LoginUser{
			UserID:       "u1",
			Email:        "user@example.com",
			Role:         1,
			PasswordHash: "$argon2id$good",
		},
		metrics: make(map[int]int),
	}
}

func (h *harness) deps() Deps {
	return Deps{
		Now:               func() time.Time { return time.Unix(1_700_000_000, 0) },
		SourceFromContext: func(context.Context) string { return "203.0.113.7" },
		FactorEmailCode:   "email-code",
		FactorTOTP:        "totp",

		IsBlocked: func(context.Context, string) (bool, time.Duration, bool, error) {
			return h.blocked, h.retryAfter, h.permanent, nil
		},
		RecordFailure: func(context.Context, string) (bool, error) {
			h.failures++
			return h.blockAtNext, nil
		},
		RecordSuccess: func(context.Context, string) error {
			h.pardons++
			return nil
		},

		GetUserByEmail: func(_ context.Context, email string) (LoginUser, error) {
			if email != h.user.Email {
				return LoginUser{}, errNotFound
			}
			return h.user, nil
		},
		GetUserByID: func(_ context.Context, id string) (LoginUser, error) {
			if id != h.user.UserID {
				return LoginUser{}, errNotFound
			}
			return h.user, nil
		},
		IsUserNotFound: func(err error) bool { return err == errNotFound },

		VerifyPassword: func(password, hash string) (bool, error) {
			return password == "correct horse" && hash == h.user.PasswordHash, nil
		},

		IssueEmailCode: func(context.Context, LoginUser) (string, error) {
			if h.sendErr != nil {
				return "", h.sendErr
			}
			h.sentHandles++
			return "handle-1", nil
		},
		ConsumeEmailCode: func(_ context.Context, handle, code string) (string, error) {
			if h.consumeErr != nil {
				return "", h.consumeErr
			}
			return h.consumeUserID, nil
		},
		VerifyTOTP: func(secret, code string, _ time.Time) bool { return h.totpOK },
		ConsumeRecovery: func(context.Context, string, string) (bool, error) {
			return h.recoveryOK, nil
		},

		IssueSession: func(context.Context, LoginUser) (string, int64, error) {
			if h.sessionErr != nil {
				return "", 0, h.sessionErr
			}
			h.issuedTokens++
			return "tok-opaque", 1_700_003_600, nil
		},

		MetricInc: func(id int) { h.metrics[id]++ },
		EmitAudit: func(_ context.Context, eventType string, _ bool, _, _ string, _ error, _ func() map[string]string) {
			h.events = append(h.events, eventType)
		},

		Metrics: Metrics{
			LoginSuccess: 1, LoginFailure: 2, LoginLocked: 3, LockTriggered: 4,
			CodeIssued: 5, CodeDeliveryFailed: 6, CodeConfirmed: 7, CodeInvalid: 8,
			CodeExpired: 9, TOTPSuccess: 10, TOTPFailure: 11, RecoveryCodeUsed: 12,
			RecoveryCodeFailed: 13, SessionIssued: 14, PasswordExpiredLogin: 15,
		},
		Events: Events{
			LoginSuccess: "login_success", LoginFailure: "login_failure",
			LoginLocked: "login_locked", LockTriggered: "lock_triggered",
			CodeIssued: "code_issued", CodeConfirmed: "code_confirmed",
			CodeFailure: "code_failure", TOTPConfirmed: "totp_confirmed",
			TOTPFailure: "totp_failure", RecoveryUsed: "recovery_used",
			RecoveryFailure: "recovery_failure",
		},
		Errors: Errors{
			EngineNotReady:        errNotReady,
			InvalidCredentials:    errInvalid,
			UserBlocked:           errBlockedUser,
			PasswordExpired:       errExpiredPass,
			CodeInvalid:           errCodeBad,
			CodeExpired:           errCodeExpired,
			CodeAttemptsExceeded:  errCodeCap,
			TOTPInvalid:           errTOTPBad,
			TOTPNotConfigured:     errTOTPMissing,
			RecoveryInvalid:       errRecoveryBad,
			RecoveryNotConfigured: errors.New("recovery not configured"),
			Locked:                func(time.Duration) error { return errLocked },
		},
	}
}

func TestRunLoginPasswordOnly(t *testing.T) {
	h := newHarness()
	res, err := RunLogin(context.Background(), "user@example.com", "correct horse", h.deps())
	if err != nil {
		t.Fatalf("RunLogin: %v", err)
	}
	if res.FactorRequired {
		t.Fatal("no factor configured, expected direct session")
	}
	if res.SessionToken != "tok-opaque" {
		t.Fatalf("token = %q", res.SessionToken)
	}
	if h.pardons != 1 {
		t.Fatalf("pardons = %d, want 1", h.pardons)
	}
	if h.failures != 0 {
		t.Fatalf("failures = %d, want 0", h.failures)
	}
}

func TestRunLoginWrongPassword(t *testing.T) {
	h := newHarness()
	_, err := RunLogin(context.Background(), "user@example.com", "wrong", h.deps())
	if err != errInvalid {
		t.Fatalf("err = %v, want invalid credentials", err)
	}
	if h.failures != 1 {
		t.Fatalf("failures = %d, want 1", h.failures)
	}
	if h.pardons != 0 {
		t.Fatal("wrong password must not pardon the source")
	}
}

func TestRunLoginUnknownUserIndistinguishable(t *testing.T) {
	h := newHarness()
	_, err := RunLogin(context.Background(), "ghost@example.com", "whatever", h.deps())
	if err != errInvalid {
		t.Fatalf("err = %v, want invalid credentials", err)
	}
	if h.failures != 1 {
		t.Fatalf("unknown user must feed the tracker, failures = %d", h.failures)
	}
}

func TestRunLoginBlockedSource(t *testing.T) {
	h := newHarness()
	h.blocked = true
	h.retryAfter = 42 * time.Second
	_, err := RunLogin(context.Background(), "user@example.com", "correct horse", h.deps())
	if err != errLocked {
		t.Fatalf("err = %v, want locked", err)
	}
	if h.failures != 0 {
		t.Fatal("blocked request must not reach the credential check")
	}
}

func TestRunLoginBlockTripReportsGenericError(t *testing.T) {
	h := newHarness()
	h.blockAtNext = true
	_, err := RunLogin(context.Background(), "user@example.com", "wrong", h.deps())
	if err != errInvalid {
		t.Fatalf("err = %v; the tripping attempt reports invalid credentials", err)
	}
	if h.metrics[4] != 1 {
		t.Fatal("lock trigger metric not recorded")
	}
}

func TestRunLoginBlockedAccount(t *testing.T) {
	h := newHarness()
	h.user.Blocked = true
	_, err := RunLogin(context.Background(), "user@example.com", "correct horse", h.deps())
	if err != errBlockedUser {
		t.Fatalf("err = %v, want user blocked", err)
	}
	if h.issuedTokens != 0 {
		t.Fatal("blocked account must not receive a session")
	}
}

func TestRunLoginExpiredPassword(t *testing.T) {
	h := newHarness()
	h.user.PasswordExpiresAt = 1_600_000_000
	deps := h.deps()
	deps.EnforcePasswordExpiry = true
	_, err := RunLogin(context.Background(), "user@example.com", "correct horse", deps)
	if err != errExpiredPass {
		t.Fatalf("err = %v, want password expired", err)
	}
}

func TestRunLoginEmailCodePrecedesTOTP(t *testing.T) {
	h := newHarness()
	h.user.EmailCodeEnabled = true
	h.user.TOTPEnabled = true
	h.user.TOTPSecret = "SECRET"
	res, err := RunLogin(context.Background(), "user@example.com", "correct horse", h.deps())
	if err != nil {
		t.Fatalf("RunLogin: %v", err)
	}
	if !res.FactorRequired || res.FactorType != "email-code" {
		t.Fatalf("factor = %q, want email-code precedence", res.FactorType)
	}
	if res.CodeHandle == "" {
		t.Fatal("email-code result must carry a handle")
	}
	if h.pardons != 0 {
		t.Fatal("password match alone must not pardon the source")
	}
}

func TestRunLoginTOTPPending(t *testing.T) {
	h := newHarness()
	h.user.TOTPEnabled = true
	h.user.TOTPSecret = "SECRET"
	res, err := RunLogin(context.Background(), "user@example.com", "correct horse", h.deps())
	if err != nil {
		t.Fatalf("RunLogin: %v", err)
	}
	if !res.FactorRequired || res.FactorType != "totp" {
		t.Fatalf("factor = %q, want totp", res.FactorType)
	}
	if res.SessionToken != "" {
		t.Fatal("pending factor result must not carry a session token")
	}
}

func TestRunLoginCodeDeliveryFailure(t *testing.T) {
	h := newHarness()
	h.user.EmailCodeEnabled = true
	h.sendErr = errors.New("smtp down")
	_, err := RunLogin(context.Background(), "user@example.com", "correct horse", h.deps())
	if err != h.sendErr {
		t.Fatalf("err = %v, want delivery error surfaced", err)
	}
	if h.failures != 0 {
		t.Fatal("delivery failure is not a credential failure")
	}
}

func TestRunConfirmEmailCodeSuccess(t *testing.T) {
	h := newHarness()
	h.consumeUserID = "u1"
	res, err := RunConfirmEmailCode(context.Background(), "handle-1", "482913", h.deps())
	if err != nil {
		t.Fatalf("RunConfirmEmailCode: %v", err)
	}
	if res.SessionToken == "" {
		t.Fatal("confirmed code must yield a session")
	}
	if h.pardons != 1 {
		t.Fatalf("pardons = %d, want 1", h.pardons)
	}
}

func TestRunConfirmEmailCodeFailuresFeedTracker(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"mismatch", errCodeBad},
		{"expired", errCodeExpired},
		{"exceeded", errCodeCap},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness()
			h.consumeErr = tc.err
			_, err := RunConfirmEmailCode(context.Background(), "handle-1", "000000", h.deps())
			if err != tc.err {
				t.Fatalf("err = %v, want %v", err, tc.err)
			}
			if h.failures != 1 {
				t.Fatalf("failures = %d, want 1", h.failures)
			}
		})
	}
}

func TestRunConfirmEmailCodeBlockedWhileWaiting(t *testing.T) {
	h := newHarness()
	h.blocked = true
	_, err := RunConfirmEmailCode(context.Background(), "handle-1", "482913", h.deps())
	if err != errLocked {
		t.Fatalf("err = %v, want locked", err)
	}
}

func TestRunConfirmTOTP(t *testing.T) {
	h := newHarness()
	h.user.TOTPEnabled = true
	h.user.TOTPSecret = "SECRET"
	h.totpOK = true
	res, err := RunConfirmTOTP(context.Background(), "user@example.com", "123456", h.deps())
	if err != nil {
		t.Fatalf("RunConfirmTOTP: %v", err)
	}
	if res.SessionToken == "" {
		t.Fatal("valid totp must yield a session")
	}
}

func TestRunConfirmTOTPWrongCode(t *testing.T) {
	h := newHarness()
	h.user.TOTPEnabled = true
	h.user.TOTPSecret = "SECRET"
	_, err := RunConfirmTOTP(context.Background(), "user@example.com", "000000", h.deps())
	if err != errTOTPBad {
		t.Fatalf("err = %v, want totp invalid", err)
	}
	if h.failures != 1 {
		t.Fatalf("totp failure must feed the tracker, failures = %d", h.failures)
	}
}

func TestRunConfirmTOTPNotConfigured(t *testing.T) {
	h := newHarness()
	_, err := RunConfirmTOTP(context.Background(), "user@example.com", "123456", h.deps())
	if err != errTOTPMissing {
		t.Fatalf("err = %v, want not configured", err)
	}
	if h.failures != 0 {
		t.Fatal("configuration gap is not a credential failure")
	}
}

func TestRunConfirmRecoveryCode(t *testing.T) {
	h := newHarness()
	h.recoveryOK = true
	res, err := RunConfirmRecoveryCode(context.Background(), "user@example.com", "abcde23456", h.deps())
	if err != nil {
		t.Fatalf("RunConfirmRecoveryCode: %v", err)
	}
	if res.SessionToken == "" {
		t.Fatal("valid recovery code must yield a session")
	}
}

func TestRunConfirmRecoveryCodeInvalid(t *testing.T) {
	h := newHarness()
	_, err := RunConfirmRecoveryCode(context.Background(), "user@example.com", "badbadbad1", h.deps())
	if err != errRecoveryBad {
		t.Fatalf("err = %v, want recovery invalid", err)
	}
	if h.failures != 1 {
		t.Fatalf("failures = %d, want 1", h.failures)
	}
}

func TestRunLoginMissingDeps(t *testing.T) {
	_, err := RunLogin(context.Background(), "a@b.c", "pw", Deps{
		Errors: Errors{EngineNotReady: errNotReady},
	})
	if err != errNotReady {
		t.Fatalf("err = %v, want engine not ready", err)
	}
}

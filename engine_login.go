package castellan

import (
	"context"
	"time"

	"github.com/castellan-auth/castellan/internal/flows"
)

// Login runs the password step of the login protocol.
//
// The terminal success outcome is a LoginResult carrying an opaque session
// token. When the account has a second or third factor enabled the result
// instead has FactorRequired set and the caller must complete the exchange
// with [Engine.ConfirmTOTP] or [Engine.ConfirmEmailCode]. Every credential
// failure — unknown email included — returns [ErrInvalidCredentials] and
// counts against the request's source address (see [WithSourceAddress]);
// a blocked address fails with a [LockedError] before credentials are
// checked.
func (e *Engine) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	result, err := flows.RunLogin(ctx, email, password, e.loginDeps())
	if err != nil {
		return nil, err
	}
	return e.publicResult(result), nil
}

// ConfirmEmailCode completes a login whose Login call returned the
// email-code factor. handle is the LoginResult's CodeHandle; code is the
// value the user received by mail. Codes are single-use: the first valid
// confirmation destroys the pending record, and replays fail with
// [ErrCodeInvalid].
func (e *Engine) ConfirmEmailCode(ctx context.Context, handle, code string) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	result, err := flows.RunConfirmEmailCode(ctx, handle, code, e.loginDeps())
	if err != nil {
		return nil, err
	}
	return e.publicResult(result), nil
}

// ConfirmTOTP completes a login whose Login call returned the TOTP factor.
// The exchange carries the account email and the current authenticator
// code; it is not bound to a prior Login call server-side.
func (e *Engine) ConfirmTOTP(ctx context.Context, email, code string) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	result, err := flows.RunConfirmTOTP(ctx, email, code, e.loginDeps())
	if err != nil {
		return nil, err
	}
	return e.publicResult(result), nil
}

// ConfirmRecoveryCode accepts a single-use recovery code in place of a TOTP
// code. The consumed code never works again.
func (e *Engine) ConfirmRecoveryCode(ctx context.Context, email, code string) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if !e.config.RecoveryCode.Enabled {
		return nil, ErrRecoveryCodesNotConfigured
	}
	result, err := flows.RunConfirmRecoveryCode(ctx, email, code, e.loginDeps())
	if err != nil {
		return nil, err
	}
	return e.publicResult(result), nil
}

func (e *Engine) publicResult(result *flows.Result) *LoginResult {
	out := &LoginResult{
		SessionToken:   result.SessionToken,
		FactorRequired: result.FactorRequired,
		FactorType:     FactorType(result.FactorType),
		CodeHandle:     result.CodeHandle,
	}
	if result.ExpiresAt > 0 {
		out.ExpiresAt = time.Unix(result.ExpiresAt, 0)
	}
	return out
}

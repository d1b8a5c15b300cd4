package castellan

import "context"

// BeginTOTPEnrollment generates a fresh shared secret for the user and
// stores it in a pending state. The returned provisioning data is shown to
// the user exactly once; the factor stays off until
// [Engine.CompleteTOTPEnrollment] proves the authenticator was set up.
func (e *Engine) BeginTOTPEnrollment(ctx context.Context, userID string) (*TOTPProvision, error) {
	if e == nil || e.totp == nil {
		return nil, ErrEngineNotReady
	}

	user, err := e.userProvider.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.Blocked {
		return nil, ErrUserBlocked
	}

	secret, uri, err := e.totp.Enroll(user.Email)
	if err != nil {
		return nil, err
	}
	if err := e.userProvider.SetTOTPSecret(ctx, userID, secret); err != nil {
		return nil, storeFault(err)
	}

	e.emitAudit(ctx, auditEventTOTPEnrollBegin, true, userID, user.Email, "", nil, nil)
	return &TOTPProvision{Secret: secret, URI: uri}, nil
}

// CompleteTOTPEnrollment turns the factor on after the user proves
// possession of the enrolled secret with a current code.
func (e *Engine) CompleteTOTPEnrollment(ctx context.Context, userID, code string) error {
	if e == nil || e.totp == nil {
		return ErrEngineNotReady
	}

	user, err := e.userProvider.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.TOTPSecret == "" {
		return ErrTOTPNotConfigured
	}

	if !e.totp.Verify(user.TOTPSecret, code, e.now()) {
		e.metricInc(MetricTOTPFailure)
		e.emitAudit(ctx, auditEventTOTPFailure, false, userID, user.Email, "", ErrTOTPInvalid, func() map[string]string {
			return map[string]string{"phase": "enrollment"}
		})
		return ErrTOTPInvalid
	}

	if err := e.userProvider.EnableTOTP(ctx, userID); err != nil {
		return storeFault(err)
	}

	e.metricInc(MetricTOTPSuccess)
	e.emitAudit(ctx, auditEventTOTPEnabled, true, userID, user.Email, "", nil, nil)
	return nil
}

// DisableTOTP turns the factor off. A current code is required so a hijacked
// session alone cannot strip the account's second factor.
func (e *Engine) DisableTOTP(ctx context.Context, userID, code string) error {
	if e == nil || e.totp == nil {
		return ErrEngineNotReady
	}

	user, err := e.userProvider.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if !user.TOTPEnabled || user.TOTPSecret == "" {
		return ErrTOTPNotConfigured
	}

	if !e.totp.Verify(user.TOTPSecret, code, e.now()) {
		e.metricInc(MetricTOTPFailure)
		e.emitAudit(ctx, auditEventTOTPFailure, false, userID, user.Email, "", ErrTOTPInvalid, func() map[string]string {
			return map[string]string{"phase": "disable"}
		})
		return ErrTOTPInvalid
	}

	if err := e.userProvider.DisableTOTP(ctx, userID); err != nil {
		return storeFault(err)
	}

	e.emitAudit(ctx, auditEventTOTPDisabled, true, userID, user.Email, "", nil, nil)
	return nil
}

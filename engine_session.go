package castellan

import (
	"context"
	"errors"
	"time"

	"github.com/castellan-auth/castellan/session"
)

// ResolveSession returns the identity behind an opaque session token. A
// token past its expiry is rejected with [ErrSessionExpired] and discarded;
// it never resolves again.
func (e *Engine) ResolveSession(ctx context.Context, token string) (*SessionInfo, error) {
	if e == nil || e.sessionStore == nil {
		return nil, ErrEngineNotReady
	}
	if e.metrics.Enabled() {
		start := time.Now()
		defer e.metrics.Observe(MetricResolveLatency, time.Since(start))
	}

	sess, err := e.sessionStore.Resolve(ctx, token)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			return nil, ErrSessionNotFound
		case errors.Is(err, session.ErrExpired):
			e.metricInc(MetricSessionExpired)
			return nil, ErrSessionExpired
		default:
			return nil, storeFault(err)
		}
	}

	e.metricInc(MetricSessionResolved)
	return sessionInfo(sess), nil
}

// Authorize resolves the token and checks that its role grants the
// capability. The denial does not distinguish a missing session from an
// insufficient role beyond the error value.
func (e *Engine) Authorize(ctx context.Context, token string, capability Capability) (*SessionInfo, error) {
	info, err := e.ResolveSession(ctx, token)
	if err != nil {
		return nil, err
	}
	if !info.Role.Can(capability) {
		return nil, ErrCapabilityDenied
	}
	return info, nil
}

// Logout invalidates a session token immediately. Logging out an unknown or
// already-expired token is not an error.
func (e *Engine) Logout(ctx context.Context, token string) error {
	if e == nil || e.sessionStore == nil {
		return ErrEngineNotReady
	}

	existed, err := e.sessionStore.Revoke(ctx, token)
	if err != nil {
		err = storeFault(err)
		e.emitAudit(ctx, auditEventLogoutSession, false, "", "", "", err, nil)
		return err
	}
	if existed {
		e.metricInc(MetricSessionRevoked)
	}
	e.emitAudit(ctx, auditEventLogoutSession, true, "", "", "", nil, nil)
	return nil
}

// LogoutAll invalidates every live session of the user and returns how many
// were revoked.
func (e *Engine) LogoutAll(ctx context.Context, userID string) (int, error) {
	if e == nil || e.sessionStore == nil {
		return 0, ErrEngineNotReady
	}

	removed, err := e.sessionStore.RevokeAll(ctx, userID)
	if err != nil {
		err = storeFault(err)
		e.emitAudit(ctx, auditEventLogoutAll, false, userID, "", "", err, nil)
		return removed, err
	}
	for i := 0; i < removed; i++ {
		e.metricInc(MetricSessionRevoked)
	}
	e.emitAudit(ctx, auditEventLogoutAll, true, userID, "", "", nil, nil)
	return removed, nil
}

// ActiveSessions lists the user's live sessions. Lapsed tokens are filtered
// out, not reported.
func (e *Engine) ActiveSessions(ctx context.Context, userID string) ([]SessionInfo, error) {
	if e == nil || e.sessionStore == nil {
		return nil, ErrEngineNotReady
	}

	tokens, err := e.sessionStore.ActiveTokens(ctx, userID)
	if err != nil {
		return nil, storeFault(err)
	}

	infos := make([]SessionInfo, 0, len(tokens))
	for _, token := range tokens {
		sess, err := e.sessionStore.Resolve(ctx, token)
		if err != nil {
			continue
		}
		infos = append(infos, *sessionInfo(sess))
	}
	return infos, nil
}

func sessionInfo(sess *session.Session) *SessionInfo {
	return &SessionInfo{
		UserID:    sess.UserID,
		Email:     sess.Email,
		Role:      Role(sess.Role),
		CreatedAt: time.Unix(sess.CreatedAt, 0),
		ExpiresAt: time.Unix(sess.ExpiresAt, 0),
	}
}

package castellan

import (
	"context"
	"time"
)

// AccessTokenInfo is the verified claim set of a stateless access token.
type AccessTokenInfo struct {
	UserID    string
	Email     string
	Role      Role
	ExpiresAt time.Time
}

// MintAccessToken derives a short-lived signed access token from a live
// session. The token is a capability snapshot: it cannot be revoked, so its
// lifetime is capped at the minimum of the configured TTL and the session's
// remaining life. Requires Config.AccessToken.Enabled.
func (e *Engine) MintAccessToken(ctx context.Context, sessionToken string) (string, error) {
	if e == nil {
		return "", ErrEngineNotReady
	}
	if e.jwtManager == nil {
		return "", ErrAccessTokensDisabled
	}

	info, err := e.ResolveSession(ctx, sessionToken)
	if err != nil {
		return "", err
	}

	now := e.now()
	return e.jwtManager.Mint(info.UserID, info.Email, uint8(info.Role), now, info.ExpiresAt.Sub(now))
}

// ValidateAccessToken verifies the signature and expiry of a minted access
// token without touching the session store.
func (e *Engine) ValidateAccessToken(tokenStr string) (*AccessTokenInfo, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if e.jwtManager == nil {
		return nil, ErrAccessTokensDisabled
	}

	claims, err := e.jwtManager.Parse(tokenStr)
	if err != nil {
		return nil, ErrAccessTokenInvalid
	}

	info := &AccessTokenInfo{
		UserID: claims.Subject,
		Email:  claims.Email,
		Role:   Role(claims.Role),
	}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}
	return info, nil
}

package session

// Session is one live authenticated session. The token value doubles as the
// storage key; nothing about the record is derivable from the token.
//
// Sessions are written once at issuance and deleted at revocation or on
// lazy expiry. They are never mutated in place.
type Session struct {
	Token     string
	UserID    string
	Email     string
	Role      uint8
	CreatedAt int64
	ExpiresAt int64
}

package castellan

import (
	"context"
	"io"
	"time"

	internalaudit "github.com/castellan-auth/castellan/internal/audit"
)

// CredentialRecord is a user's current secret plus history. It is replaced,
// never mutated, on password change.
type CredentialRecord struct {
	// Hash is the current secret in PHC string format (argon2id).
	Hash string
	// ExpiresAt is the credential expiry. Zero means no expiry.
	ExpiresAt time.Time
	// History holds previously used secret hashes, newest first, capped by
	// Config.Password.HistoryLimit.
	History []string
}

// UserRecord is the account record returned by [UserProvider]. Email is
// globally unique across all account kinds.
type UserRecord struct {
	UserID  string
	Email   string
	Role    Role
	Blocked bool

	// TOTPSecret is the base32 shared secret; empty until enrolment.
	TOTPSecret  string
	TOTPEnabled bool
	// EmailCodeEnabled turns on the emailed one-time-code third factor.
	EmailCodeEnabled bool

	Credential CredentialRecord
}

// RecoveryCodeRecord stores the SHA-256 hash of a single recovery code.
// The plaintext is never persisted.
type RecoveryCodeRecord struct {
	Hash [32]byte
}

// UserProvider is the interface callers implement to connect the engine to
// their user database. Lookups for unknown users return [ErrUserNotFound].
// A MongoDB implementation lives in provider/mongo.
type UserProvider interface {
	GetUserByEmail(ctx context.Context, email string) (UserRecord, error)
	GetUserByID(ctx context.Context, userID string) (UserRecord, error)

	// ReplaceCredential swaps the user's credential for a new one. The
	// previous hash is already folded into cred.History by the engine.
	ReplaceCredential(ctx context.Context, userID string, cred CredentialRecord) error

	// SetTOTPSecret stores a pending (not yet enabled) TOTP secret.
	SetTOTPSecret(ctx context.Context, userID, secret string) error
	EnableTOTP(ctx context.Context, userID string) error
	DisableTOTP(ctx context.Context, userID string) error

	ReplaceRecoveryCodes(ctx context.Context, userID string, codes []RecoveryCodeRecord) error
	// ConsumeRecoveryCode atomically marks a matching unused code as used.
	// It returns false when no unused code matches; two concurrent calls
	// with the same code must not both return true.
	ConsumeRecoveryCode(ctx context.Context, userID string, hash [32]byte) (bool, error)
}

// Notifier delivers a message out of band. The engine uses it to mail
// one-time codes; delivery failures surface as [ErrCodeDeliveryFailed].
type Notifier interface {
	Send(ctx context.Context, to, subject, body string) error
}

// FactorType identifies the pending factor in a login result.
type FactorType string

const (
	// FactorTOTP is the authenticator-app second factor.
	FactorTOTP FactorType = "totp"
	// FactorEmailCode is the emailed one-time-code third factor.
	FactorEmailCode FactorType = "email-code"
)

// LoginResult is returned by [Engine.Login] and the confirm methods. Either
// SessionToken is set (the terminal success outcome) or FactorRequired is
// true and the caller must complete the named factor.
type LoginResult struct {
	SessionToken string
	ExpiresAt    time.Time

	FactorRequired bool
	FactorType     FactorType
	// CodeHandle identifies the pending emailed code. It is the code's
	// identifier, never its value, and is required by ConfirmEmailCode.
	CodeHandle string
}

// SessionInfo is the resolved view of a live session token.
type SessionInfo struct {
	UserID    string
	Email     string
	Role      Role
	CreatedAt time.Time
	ExpiresAt time.Time
}

// TOTPProvision holds the base32 secret and otpauth:// URI returned by
// [Engine.BeginTOTPEnrollment] for the user to register in an authenticator
// app.
type TOTPProvision struct {
	Secret string
	URI    string
}

// LockoutStatus is a read-only view of one address's lockout record.
type LockoutStatus struct {
	Failures   int
	Level      int
	Blocked    bool
	Permanent  bool
	RetryAfter time.Duration
}

// AuditEvent is a structured audit record emitted by the engine.
type AuditEvent = internalaudit.Event

// AuditSink receives [AuditEvent] values from the engine's audit dispatcher.
type AuditSink = internalaudit.Sink

// NoOpSink is an [AuditSink] that silently discards all events.
type NoOpSink = internalaudit.NoOpSink

// ChannelSink is a buffered channel-based [AuditSink].
type ChannelSink = internalaudit.ChannelSink

// JSONWriterSink is an [AuditSink] that writes JSON-encoded events to an
// [io.Writer], one object per line.
type JSONWriterSink = internalaudit.JSONWriterSink

// NewChannelSink creates a [ChannelSink] with the given buffer capacity.
func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

// NewJSONWriterSink creates a [JSONWriterSink] that writes to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}

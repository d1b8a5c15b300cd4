package castellan

import (
	"errors"
	"time"
)

// Config carries all engine tuning. Zero values are filled from
// defaultConfig by [Builder.Build]; invalid combinations fail Build.
type Config struct {
	Lockout      LockoutConfig
	Session      SessionConfig
	LoginCode    LoginCodeConfig
	TOTP         TOTPConfig
	Password     PasswordConfig
	RecoveryCode RecoveryCodeConfig
	AccessToken  AccessTokenConfig
	Audit        AuditConfig
	Metrics      MetricsConfig
}

// LockoutConfig tunes the per-source-address lockout tracker.
type LockoutConfig struct {
	// Threshold is the number of consecutive failures that triggers a
	// block.
	Threshold int
	// BlockDurations holds the temporary tier durations in escalation
	// order. A block beyond the last tier is permanent and clears only via
	// Engine.UnblockAddress.
	BlockDurations []time.Duration
	RedisPrefix    string
}

// SessionConfig tunes opaque session tokens.
type SessionConfig struct {
	// TTL is the session lifetime from issuance.
	TTL         time.Duration
	RedisPrefix string
}

// LoginCodeConfig tunes the emailed one-time code (third factor).
type LoginCodeConfig struct {
	// TTL is the code lifetime from issuance.
	TTL time.Duration
	// MaxAttempts caps wrong guesses against one pending code before it is
	// invalidated.
	MaxAttempts int
	// Subject is the mail subject line. The body always carries the code.
	Subject     string
	RedisPrefix string
}

// TOTPConfig tunes the authenticator-app second factor.
type TOTPConfig struct {
	Issuer string
	Digits int
	Period int
	// Skew is the number of adjacent time steps accepted on either side of
	// the current one.
	Skew int
}

// PasswordConfig tunes argon2id hashing and credential lifecycle.
type PasswordConfig struct {
	Memory      uint32 // in KB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
	// HistoryLimit caps the stored previous-hash list used for reuse
	// rejection.
	HistoryLimit int
	// MaxAge is applied to new credentials on ChangePassword. Zero means
	// credentials never expire.
	MaxAge time.Duration
	// EnforceExpiry makes Login refuse an expired credential with
	// ErrPasswordExpired. Off reproduces the platform's historical
	// behavior of carrying the expiry field without acting on it.
	EnforceExpiry bool
	// UpgradeOnLogin rehashes with current parameters after a successful
	// verify against a weaker hash.
	UpgradeOnLogin bool
}

// RecoveryCodeConfig tunes single-use recovery codes.
type RecoveryCodeConfig struct {
	Enabled bool
	// Count is the batch size of GenerateRecoveryCodes.
	Count int
}

// AccessTokenSigningMethod selects the JWT signing algorithm.
type AccessTokenSigningMethod string

const (
	// SigningEd25519 signs access tokens with Ed25519 (default).
	SigningEd25519 AccessTokenSigningMethod = "ed25519"
	// SigningHS256 signs access tokens with HMAC-SHA256.
	SigningHS256 AccessTokenSigningMethod = "hs256"
)

// AccessTokenConfig tunes the optional stateless access tokens minted from a
// resolved session. Sessions stay the source of truth; the JWT is a derived
// capability whose TTL never exceeds the session's remaining life.
type AccessTokenConfig struct {
	Enabled       bool
	TTL           time.Duration
	SigningMethod AccessTokenSigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
}

// AuditConfig tunes the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	// DropIfFull drops events instead of blocking the request path when
	// the buffer is saturated. Drops are counted on Engine.AuditDropped.
	DropIfFull bool
}

// MetricsConfig tunes in-process metrics counters.
type MetricsConfig struct {
	Enabled bool
}

func defaultConfig() Config {
	return Config{
		Lockout: LockoutConfig{
			Threshold: 5,
			BlockDurations: []time.Duration{
				15 * time.Second,
				1 * time.Minute,
				15 * time.Minute,
			},
			RedisPrefix: "clk",
		},
		Session: SessionConfig{
			TTL:         time.Hour,
			RedisPrefix: "cse",
		},
		LoginCode: LoginCodeConfig{
			TTL:         15 * time.Minute,
			MaxAttempts: 5,
			Subject:     "Your sign-in code",
			RedisPrefix: "cot",
		},
		TOTP: TOTPConfig{
			Issuer: "castellan",
			Digits: 6,
			Period: 30,
			Skew:   1,
		},
		Password: PasswordConfig{
			Memory:         64 * 1024,
			Time:           3,
			Parallelism:    2,
			SaltLength:     16,
			KeyLength:      32,
			HistoryLimit:   5,
			EnforceExpiry:  true,
			UpgradeOnLogin: true,
		},
		RecoveryCode: RecoveryCodeConfig{
			Enabled: true,
			Count:   10,
		},
		AccessToken: AccessTokenConfig{
			Enabled:       false,
			TTL:           5 * time.Minute,
			SigningMethod: SigningEd25519,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// cloneConfig deep-copies slice-valued fields so a caller mutating its
// Config after Build cannot reach into the engine.
func cloneConfig(cfg Config) Config {
	out := cfg
	out.Lockout.BlockDurations = append([]time.Duration(nil), cfg.Lockout.BlockDurations...)
	out.AccessToken.PrivateKey = cloneBytes(cfg.AccessToken.PrivateKey)
	out.AccessToken.PublicKey = cloneBytes(cfg.AccessToken.PublicKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func validateConfig(cfg Config) error {
	if cfg.Lockout.Threshold <= 0 {
		return errors.New("lockout threshold must be positive")
	}
	if len(cfg.Lockout.BlockDurations) == 0 {
		return errors.New("lockout requires at least one temporary tier")
	}
	for _, d := range cfg.Lockout.BlockDurations {
		if d <= 0 {
			return errors.New("lockout tier durations must be positive")
		}
	}
	if cfg.Session.TTL <= 0 {
		return errors.New("session TTL must be positive")
	}
	if cfg.LoginCode.TTL <= 0 {
		return errors.New("login code TTL must be positive")
	}
	if cfg.LoginCode.MaxAttempts <= 0 {
		return errors.New("login code max attempts must be positive")
	}
	if cfg.TOTP.Digits < 6 || cfg.TOTP.Digits > 8 {
		return errors.New("totp digits must be 6..8")
	}
	if cfg.TOTP.Period <= 0 {
		return errors.New("totp period must be positive")
	}
	if cfg.TOTP.Skew < 0 || cfg.TOTP.Skew > 2 {
		return errors.New("totp skew must be 0..2")
	}
	if cfg.RecoveryCode.Enabled && cfg.RecoveryCode.Count <= 0 {
		return errors.New("recovery code count must be positive")
	}
	if cfg.AccessToken.Enabled && cfg.AccessToken.TTL <= 0 {
		return errors.New("access token TTL must be positive")
	}
	return nil
}

package castellan

import (
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// totpManager wraps time-based one-time-password enrolment and validation.
// It is stateless given the secret; replay tolerance is the configured skew
// around the current time step.
type totpManager struct {
	config TOTPConfig
}

func newTOTPManager(cfg TOTPConfig) *totpManager {
	return &totpManager{config: cfg}
}

// Enroll generates a fresh shared secret and the otpauth:// provisioning URI
// the user registers in an authenticator app.
func (m *totpManager) Enroll(account string) (secret, uri string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.config.Issuer,
		AccountName: account,
		Period:      uint(m.config.Period),
		Digits:      otp.Digits(m.config.Digits),
	})
	if err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

// Verify checks the presented numeric code against the stored secret at the
// given instant, accepting the current and adjacent time steps.
func (m *totpManager) Verify(secret, code string, now time.Time) bool {
	trimmed := strings.TrimSpace(code)
	if len(trimmed) != m.config.Digits {
		return false
	}

	valid, err := totp.ValidateCustom(trimmed, secret, now, totp.ValidateOpts{
		Period: uint(m.config.Period),
		Skew:   uint(m.config.Skew),
		Digits: otp.Digits(m.config.Digits),
	})
	return err == nil && valid
}

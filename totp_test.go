package castellan

import (
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

func testTOTPManager() *totpManager {
	return newTOTPManager(TOTPConfig{
		Issuer: "castellan",
		Digits: 6,
		Period: 30,
		Skew:   1,
	})
}

func totpCodeAt(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period: 30,
		Digits: otp.DigitsSix,
	})
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	return code
}

func TestTOTPEnrollProducesUsableSecret(t *testing.T) {
	m := testTOTPManager()

	secret, uri, err := m.Enroll("ada@example.com")
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if secret == "" {
		t.Fatal("empty secret")
	}
	if !strings.HasPrefix(uri, "otpauth://totp/") || !strings.Contains(uri, "castellan") {
		t.Fatalf("unexpected provisioning uri: %s", uri)
	}

	now := time.Unix(1_700_000_000, 0)
	if !m.Verify(secret, totpCodeAt(t, secret, now), now) {
		t.Fatal("freshly enrolled secret rejects its own code")
	}
}

func TestTOTPVerifyAcceptsAdjacentStep(t *testing.T) {
	m := testTOTPManager()
	secret, _, err := m.Enroll("ada@example.com")
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}

	now := time.Unix(1_700_000_000, 0)

	// One period of drift in either direction stays within the skew window.
	if !m.Verify(secret, totpCodeAt(t, secret, now.Add(-30*time.Second)), now) {
		t.Fatal("previous step rejected")
	}
	if !m.Verify(secret, totpCodeAt(t, secret, now.Add(30*time.Second)), now) {
		t.Fatal("next step rejected")
	}
	// Two periods out is past the window.
	if m.Verify(secret, totpCodeAt(t, secret, now.Add(90*time.Second)), now) {
		t.Fatal("code outside skew window accepted")
	}
}

func TestTOTPVerifyRejectsBadInput(t *testing.T) {
	m := testTOTPManager()
	secret, _, err := m.Enroll("ada@example.com")
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}

	now := time.Unix(1_700_000_000, 0)
	good := totpCodeAt(t, secret, now)

	if m.Verify(secret, "000000", now) && good != "000000" {
		t.Fatal("wrong code accepted")
	}
	if m.Verify(secret, "12345", now) {
		t.Fatal("short code accepted")
	}
	if m.Verify(secret, good+"7", now) {
		t.Fatal("overlong code accepted")
	}
	if m.Verify("", good, now) {
		t.Fatal("empty secret accepted a code")
	}
}

func TestTOTPVerifyTrimsWhitespace(t *testing.T) {
	m := testTOTPManager()
	secret, _, err := m.Enroll("ada@example.com")
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}

	now := time.Unix(1_700_000_000, 0)
	if !m.Verify(secret, "  "+totpCodeAt(t, secret, now)+"\n", now) {
		t.Fatal("surrounding whitespace broke verification")
	}
}

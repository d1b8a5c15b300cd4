package password

import (
	"strings"
	"testing"
)

func testHasher(t *testing.T) *Hasher {
	t.Helper()
	h, err := NewHasher(Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	})
	if err != nil {
		t.Fatalf("new hasher: %v", err)
	}
	return h
}

func TestHashAndVerify(t *testing.T) {
	h := testHasher(t)

	encoded, err := h.Hash("correct horse battery")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$") {
		t.Fatalf("unexpected encoding: %s", encoded)
	}

	ok, err := h.Verify("correct horse battery", encoded)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("right password rejected")
	}

	ok, err = h.Verify("wrong horse battery", encoded)
	if err != nil {
		t.Fatalf("verify wrong: %v", err)
	}
	if ok {
		t.Fatal("wrong password accepted")
	}
}

func TestHashesAreSalted(t *testing.T) {
	h := testHasher(t)

	first, err := h.Hash("correct horse battery")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	second, err := h.Hash("correct horse battery")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if first == second {
		t.Fatal("two hashes of the same password are identical")
	}
}

func TestShortPasswordRejected(t *testing.T) {
	h := testHasher(t)
	if _, err := h.Hash("short"); err == nil {
		t.Fatal("expected error for short password")
	}
}

func TestVerifyMalformedEncoding(t *testing.T) {
	h := testHasher(t)

	for _, encoded := range []string{
		"",
		"plainhash",
		"$bcrypt$v=19$m=8192,t=1,p=1$c2FsdA==$aGFzaA==",
		"$argon2id$v=19$m=8192,t=1$c2FsdA==$aGFzaA==",
		"$argon2id$v=19$m=8192,t=1,p=1$not-base64!$aGFzaA==",
	} {
		if _, err := h.Verify("whatever-pass", encoded); err == nil {
			t.Fatalf("expected parse error for %q", encoded)
		}
	}
}

func TestNeedsUpgrade(t *testing.T) {
	weak, err := NewHasher(Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	})
	if err != nil {
		t.Fatalf("weak hasher: %v", err)
	}
	encoded, err := weak.Hash("correct horse battery")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	strong, err := NewHasher(Config{
		Memory:      64 * 1024,
		Time:        3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	})
	if err != nil {
		t.Fatalf("strong hasher: %v", err)
	}

	upgrade, err := strong.NeedsUpgrade(encoded)
	if err != nil {
		t.Fatalf("needs upgrade: %v", err)
	}
	if !upgrade {
		t.Fatal("weak hash not flagged for upgrade")
	}

	upgrade, err = weak.NeedsUpgrade(encoded)
	if err != nil {
		t.Fatalf("needs upgrade: %v", err)
	}
	if upgrade {
		t.Fatal("current-strength hash flagged for upgrade")
	}
}

func TestNewHasherRejectsWeakConfig(t *testing.T) {
	cases := []Config{
		{Memory: 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32},
		{Memory: 8 * 1024, Time: 0, Parallelism: 1, SaltLength: 16, KeyLength: 32},
		{Memory: 8 * 1024, Time: 1, Parallelism: 0, SaltLength: 16, KeyLength: 32},
		{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 8, KeyLength: 32},
		{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 8},
	}
	for i, cfg := range cases {
		if _, err := NewHasher(cfg); err == nil {
			t.Fatalf("case %d: weak config accepted", i)
		}
	}
}

package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	castellan "github.com/castellan-auth/castellan"
	"github.com/castellan-auth/castellan/password"
)

// staticProvider serves a single fixed account.
type staticProvider struct {
	mu   sync.Mutex
	user castellan.UserRecord
}

func (p *staticProvider) GetUserByEmail(_ context.Context, email string) (castellan.UserRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if email != p.user.Email {
		return castellan.UserRecord{}, castellan.ErrUserNotFound
	}
	return p.user, nil
}

func (p *staticProvider) GetUserByID(_ context.Context, userID string) (castellan.UserRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if userID != p.user.UserID {
		return castellan.UserRecord{}, castellan.ErrUserNotFound
	}
	return p.user, nil
}

func (p *staticProvider) ReplaceCredential(_ context.Context, _ string, cred castellan.CredentialRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.user.Credential = cred
	return nil
}

func (p *staticProvider) SetTOTPSecret(context.Context, string, string) error { return nil }
func (p *staticProvider) EnableTOTP(context.Context, string) error            { return nil }
func (p *staticProvider) DisableTOTP(context.Context, string) error           { return nil }
func (p *staticProvider) ReplaceRecoveryCodes(context.Context, string, []castellan.RecoveryCodeRecord) error {
	return nil
}
func (p *staticProvider) ConsumeRecoveryCode(context.Context, string, [32]byte) (bool, error) {
	return false, nil
}

func newGuardTest(t *testing.T) (*castellan.Engine, string, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	provider := &staticProvider{}
	engine, err := castellan.New().
		WithRedis(rdb).
		WithUserProvider(provider).
		Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}

	hasher, err := password.NewHasher(password.Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	})
	if err != nil {
		t.Fatalf("new hasher: %v", err)
	}
	hash, err := hasher.Hash("correct horse battery")
	if err != nil {
		t.Fatalf("seed hash: %v", err)
	}
	provider.user = castellan.UserRecord{
		UserID:     "u-1",
		Email:      "ada@example.com",
		Role:       castellan.RoleViewer,
		Credential: castellan.CredentialRecord{Hash: hash},
	}

	result, err := engine.Login(context.Background(), "ada@example.com", "correct horse battery")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	return engine, result.SessionToken, func() {
		engine.Close()
		rdb.Close()
		mr.Close()
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := SessionFromContext(r.Context()); !ok {
			http.Error(w, "no session in context", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireSessionPassesLiveToken(t *testing.T) {
	engine, token, done := newGuardTest(t)
	defer done()

	handler := RequireSession(engine)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRequireSessionRejectsMissingOrBadToken(t *testing.T) {
	engine, _, done := newGuardTest(t)
	defer done()

	handler := RequireSession(engine)(okHandler())

	cases := map[string]string{
		"no header":     "",
		"not bearer":    "Basic dXNlcjpwYXNz",
		"empty bearer":  "Bearer ",
		"unknown token": "Bearer not-a-real-token",
	}
	for name, header := range cases {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, rec.Code)
		}
	}
}

func TestRequireCapability(t *testing.T) {
	engine, token, done := newGuardTest(t)
	defer done()

	// Viewers can browse but cannot administer accounts.
	allow := RequireCapability(engine, castellan.CapBrowse)(okHandler())
	deny := RequireCapability(engine, castellan.CapAdminAccounts)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	rec := httptest.NewRecorder()
	allow.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("browse: expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	deny.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("admin: expected 403, got %d", rec.Code)
	}
}

func TestNilEngineRejectsEverything(t *testing.T) {
	handler := RequireSession(nil)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer whatever")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

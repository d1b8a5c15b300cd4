package main

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	castellan "github.com/castellan-auth/castellan"
	"github.com/castellan-auth/castellan/middleware"
)

type apiServer struct {
	engine *castellan.Engine
	log    *zap.SugaredLogger
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type confirmCodeRequest struct {
	Handle string `json:"handle"`
	Code   string `json:"code"`
}

type confirmFactorRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type loginResponse struct {
	SessionToken string `json:"session_token,omitempty"`
	ExpiresAt    string `json:"expires_at,omitempty"`

	FactorRequired bool   `json:"factor_required,omitempty"`
	FactorType     string `json:"factor_type,omitempty"`
	CodeHandle     string `json:"code_handle,omitempty"`
}

type sessionResponse struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
	ExpiresAt string `json:"expires_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *apiServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := s.engine.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, publicLoginResponse(result))
}

func (s *apiServer) handleConfirmCode(w http.ResponseWriter, r *http.Request) {
	var req confirmCodeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := s.engine.ConfirmEmailCode(r.Context(), req.Handle, req.Code)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, publicLoginResponse(result))
}

func (s *apiServer) handleConfirmTOTP(w http.ResponseWriter, r *http.Request) {
	var req confirmFactorRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := s.engine.ConfirmTOTP(r.Context(), req.Email, req.Code)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, publicLoginResponse(result))
}

func (s *apiServer) handleConfirmRecovery(w http.ResponseWriter, r *http.Request) {
	var req confirmFactorRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := s.engine.ConfirmRecoveryCode(r.Context(), req.Email, req.Code)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, publicLoginResponse(result))
}

func (s *apiServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing bearer token"})
		return
	}
	if err := s.engine.Logout(r.Context(), token); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	info, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "no session"})
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		UserID:    info.UserID,
		Email:     info.Email,
		Role:      info.Role.String(),
		CreatedAt: info.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt: info.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func publicLoginResponse(result *castellan.LoginResult) loginResponse {
	if result.FactorRequired {
		return loginResponse{
			FactorRequired: true,
			FactorType:     string(result.FactorType),
			CodeHandle:     result.CodeHandle,
		}
	}
	return loginResponse{
		SessionToken: result.SessionToken,
		ExpiresAt:    result.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

// writeEngineError maps engine sentinels to HTTP statuses. Store faults are
// reported as 503 and logged; everything the client can act on stays terse.
func (s *apiServer) writeEngineError(w http.ResponseWriter, err error) {
	var locked *castellan.LockedError
	switch {
	case errors.As(err, &locked):
		if locked.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(locked.RetryAfter.Round(time.Second)/time.Second)))
		}
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "source address locked"})
	case errors.Is(err, castellan.ErrInvalidCredentials),
		errors.Is(err, castellan.ErrCodeInvalid),
		errors.Is(err, castellan.ErrTOTPInvalid),
		errors.Is(err, castellan.ErrRecoveryCodeInvalid),
		errors.Is(err, castellan.ErrSessionNotFound),
		errors.Is(err, castellan.ErrSessionExpired):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: err.Error()})
	case errors.Is(err, castellan.ErrUserBlocked),
		errors.Is(err, castellan.ErrPasswordExpired):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: err.Error()})
	case errors.Is(err, castellan.ErrCodeExpired),
		errors.Is(err, castellan.ErrCodeAttemptsExceeded):
		writeJSON(w, http.StatusGone, errorResponse{Error: err.Error()})
	case errors.Is(err, castellan.ErrTOTPNotConfigured),
		errors.Is(err, castellan.ErrRecoveryCodesNotConfigured):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, castellan.ErrCodeDeliveryFailed):
		s.log.Errorw("one-time code delivery failed", "error", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "code delivery failed"})
	case errors.Is(err, castellan.ErrStoreUnavailable):
		s.log.Errorw("state store unavailable", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "service unavailable"})
	default:
		s.log.Errorw("unhandled engine error", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func bearerToken(value string) (string, bool) {
	const prefix = "Bearer "
	if len(value) <= len(prefix) || !strings.EqualFold(value[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(value[len(prefix):]), true
}

// sourceAddressMiddleware records the request's source address on the
// context for lockout accounting. The first X-Forwarded-For hop wins when a
// proxy set one; otherwise the TCP peer address is used.
func sourceAddressMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := clientAddress(r)
		next.ServeHTTP(w, r.WithContext(castellan.WithSourceAddress(r.Context(), addr)))
	})
}

func clientAddress(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, found := strings.Cut(fwd, ","); found || first != "" {
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

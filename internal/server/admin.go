package server

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/allyourbase/alterd/internal/httputil"
)

const adminIssuer = "alterd"

// adminAuth handles password-based admin authentication. Tokens are HS256
// JWTs signed with a per-boot secret, so a restart invalidates them.
type adminAuth struct {
	password string
	secret   []byte
	tokenDur time.Duration
	now      func() time.Time
}

func newAdminAuth(password string, tokenDur time.Duration) *adminAuth {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	if tokenDur <= 0 {
		tokenDur = time.Hour
	}
	return &adminAuth{password: password, secret: secret, tokenDur: tokenDur, now: time.Now}
}

func (a *adminAuth) token() (string, error) {
	now := a.now()
	jti := make([]byte, 16)
	if _, err := rand.Read(jti); err != nil {
		return "", fmt.Errorf("generating jti: %w", err)
	}
	claims := jwt.RegisteredClaims{
		Issuer:    adminIssuer,
		Subject:   "admin",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.tokenDur)),
		ID:        hex.EncodeToString(jti),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *adminAuth) validatePassword(password string) bool {
	return subtle.ConstantTimeCompare([]byte(password), []byte(a.password)) == 1
}

func (a *adminAuth) validateToken(tokenString string) bool {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(adminIssuer), jwt.WithExpirationRequired(), jwt.WithTimeFunc(a.now))
	return err == nil && token.Valid
}

// handleAdminStatus returns whether admin authentication is required.
func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{
		"auth": s.adminAuth != nil,
	})
}

// handleAdminLogin validates the admin password and returns a token.
func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	if s.adminAuth == nil {
		httputil.WriteError(w, http.StatusNotFound, "admin auth not configured")
		return
	}

	var body struct {
		Password string `json:"password"`
	}
	if !httputil.DecodeJSON(w, r, &body) {
		return
	}

	if !s.adminAuth.validatePassword(body.Password) {
		httputil.WriteError(w, http.StatusUnauthorized, "invalid password")
		return
	}

	token, err := s.adminAuth.token()
	if err != nil {
		s.logger.Error("issuing admin token failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"expiresIn": int(s.adminAuth.tokenDur.Seconds()),
	})
}

// requireAdminToken returns middleware that requires a valid admin token.
// When admin.password is not set, all requests pass through.
func (s *Server) requireAdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminAuth == nil {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := httputil.ExtractBearerToken(r)
		if !ok || !s.adminAuth.validateToken(token) {
			httputil.WriteError(w, http.StatusUnauthorized, "admin authentication required")
			return
		}

		next.ServeHTTP(w, r)
	})
}

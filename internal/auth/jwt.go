// Package auth provides optional bearer-token middleware with metrics.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/notevault/notevault/internal/logging"
	"github.com/notevault/notevault/internal/metrics"
	"github.com/notevault/notevault/pkg/protocol"
)

type contextKey string

const claimsContextKey contextKey = "claims"

const issuer = "notevault"

// Claims holds JWT token claims.
type Claims struct {
	// Device names the client the token was issued to.
	Device string `json:"device,omitempty"`
	jwt.RegisteredClaims
}

// Auth verifies HMAC-signed bearer tokens.
type Auth struct {
	secret []byte
}

// New creates an Auth. With an empty secret the middleware lets every request through.
func New(secret string) *Auth {
	return &Auth{secret: []byte(secret)}
}

// Enabled reports whether requests are authenticated.
func (a *Auth) Enabled() bool {
	return len(a.secret) > 0
}

// Middleware returns HTTP middleware that validates bearer tokens.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	if !a.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := extractToken(r)
		if tokenStr == "" {
			metrics.RecordAuthAttempt(false)
			sendAuthError(w, http.StatusUnauthorized, "missing authentication token")
			return
		}

		claims, err := a.validateToken(tokenStr)
		if err != nil {
			metrics.RecordAuthAttempt(false)
			logging.Debug("rejected token", zap.Error(err))
			sendAuthError(w, http.StatusUnauthorized, "invalid token: "+err.Error())
			return
		}

		metrics.RecordAuthAttempt(true)
		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetClaims extracts claims from the request context.
func GetClaims(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsContextKey).(*Claims)
	return claims
}

// IssueToken signs a token for subject valid for ttl.
func (a *Auth) IssueToken(subject, device string, ttl time.Duration) (string, time.Time, error) {
	if !a.Enabled() {
		return "", time.Time{}, fmt.Errorf("no signing secret configured")
	}
	now := time.Now()
	expires := now.Add(ttl)
	claims := &Claims{
		Device: device,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}
	tokenStr, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return tokenStr, expires, nil
}

func (a *Auth) validateToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// EventSource cannot set headers.
	return r.URL.Query().Get("token")
}

func sendAuthError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{
		Error: message,
		Code:  code,
	})
}

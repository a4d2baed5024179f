package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// operatorContextKey is the context key type for authenticated operators.
type operatorContextKey string

const operatorKey operatorContextKey = "operator"

// operatorTokenTTL is the lifetime of an operator API token.
const operatorTokenTTL = 24 * time.Hour

// Operator is the authenticated management API user stored in the request
// context.
type Operator struct {
	ID       int64
	Username string
}

// OperatorClaims holds the JWT claims for operator API authentication.
type OperatorClaims struct {
	OperatorID int64 `json:"op_id"`
	jwt.RegisteredClaims
}

// GenerateOperatorToken creates a signed JWT for an operator login.
func GenerateOperatorToken(secret []byte, operatorID int64, username string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(operatorTokenTTL)

	claims := OperatorClaims{
		OperatorID: operatorID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "rtcbridge",
			Subject:   username,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}

	return signed, expiresAt, nil
}

// RequireOperatorAuth returns middleware that validates operator bearer
// tokens. On success it stores the operator in the request context.
func RequireOperatorAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := bearerToken(r)
			if !ok {
				writeAuthError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			claims := &OperatorClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return secret, nil
			})
			if err != nil || !token.Valid {
				slog.Debug("operator auth: invalid jwt", "error", err)
				writeAuthError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			if claims.OperatorID == 0 {
				writeAuthError(w, http.StatusUnauthorized, "invalid token claims")
				return
			}

			op := &Operator{ID: claims.OperatorID, Username: claims.Subject}
			ctx := context.WithValue(r.Context(), operatorKey, op)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OperatorFromContext retrieves the authenticated operator from the request
// context. Returns nil for unauthenticated requests.
func OperatorFromContext(ctx context.Context) *Operator {
	op, _ := ctx.Value(operatorKey).(*Operator)
	return op
}

// bearerToken extracts the token from an "Authorization: Bearer ..." header.
func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// authEnvelope matches the api package's envelope format for error responses.
type authEnvelope struct {
	Error string `json:"error,omitempty"`
}

// writeAuthError writes a JSON error matching the API envelope format.
func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(authEnvelope{Error: msg}) //nolint:errcheck
}

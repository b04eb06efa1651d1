package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dramaplan/billing"
)

// Claims is the bearer token payload. Subject carries the user id.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type userKey struct{}

// UserFromContext returns the authenticated user id.
func UserFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userKey{}).(string)
	return userID, ok && userID != ""
}

// Authenticator validates the HS256 bearer token and stores the subject and
// role on the request context.
func Authenticator(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := parseToken(r, secret)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Kind: "Unauthorized"})
				return
			}

			ctx := context.WithValue(r.Context(), userKey{}, claims.Subject)
			role := billing.RoleUser
			if claims.Role == string(billing.RoleAdmin) {
				role = billing.RoleAdmin
			}
			ctx = billing.WithRole(ctx, role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func parseToken(r *http.Request, secret []byte) (*Claims, error) {
	header := r.Header.Get("Authorization")
	scheme, tokenStr, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || tokenStr == "" {
		return nil, jwt.ErrTokenMalformed
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	if claims.Subject == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

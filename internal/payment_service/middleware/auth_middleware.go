package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

const (
	AuthenticatedMemberContextKey = ContextKey("authenticatedMember")
)

// RoleAdmin is the token role allowed to manage gateway configuration.
const RoleAdmin = "admin"

// AuthenticatedMember is the caller identified by the hosted backend's access token.
type AuthenticatedMember struct {
	ID    uuid.UUID
	Email string
	Role  string
}

// MemberFromContext returns the authenticated member, or nil for anonymous requests.
func MemberFromContext(ctx context.Context) *AuthenticatedMember {
	m, ok := ctx.Value(AuthenticatedMemberContextKey).(AuthenticatedMember)
	if !ok {
		return nil
	}
	return &m
}

// MemberID returns the authenticated member's id, or nil.
func MemberID(ctx context.Context) *uuid.UUID {
	if m := MemberFromContext(ctx); m != nil {
		id := m.ID
		return &id
	}
	return nil
}

// ParseAccessToken verifies an HS256 access token and returns its member.
func ParseAccessToken(tokenString string, secret []byte) (*AuthenticatedMember, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type %T", token.Claims)
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(sub)
	if err != nil {
		return nil, fmt.Errorf("subject is not a member id: %w", err)
	}
	member := &AuthenticatedMember{ID: id}
	if email, ok := claims["email"].(string); ok {
		member.Email = email
	}
	if role, ok := claims["role"].(string); ok {
		member.Role = role
	}
	return member, nil
}

// AuthMiddleware identifies the caller from a Bearer token. Requests without an Authorization
// header pass through anonymously; a header that fails verification is rejected.
func AuthMiddleware(secret []byte, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				next.ServeHTTP(w, r)
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				logger.WarnContext(r.Context(), "Invalid Authorization header format")
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			member, err := ParseAccessToken(strings.TrimSpace(parts[1]), secret)
			if err != nil {
				logger.WarnContext(r.Context(), "Token validation failed", "error", err)
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), AuthenticatedMemberContextKey, *member)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

/**
 * @description
 * This file contains custom middleware for the HTTP router: bearer token authentication for
 * the admin API and per-route permission checks.
 *
 * Tokens are HS256 JWTs issued by the academic admin backend. The `sub` claim identifies the
 * operator, `role` carries their role and `permissions` lists granted permissions. The `admin`
 * role implies every permission.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: Token parsing and validation.
 */

package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Permissions understood by the boleto API.
const (
	PermissionUpload   = "boletos:upload"
	PermissionRead     = "boletos:read"
	PermissionDiagnose = "enrollments:diagnose"

	roleAdmin = "admin"
)

// PrincipalContextKey is a custom type for the context key to avoid collisions.
type PrincipalContextKey string

const principalKey PrincipalContextKey = "principal"

// Principal is the authenticated operator behind a request.
type Principal struct {
	Subject     string
	Role        string
	Permissions []string
}

// Can reports whether the principal holds permission.
func (p Principal) Can(permission string) bool {
	if p.Role == roleAdmin {
		return true
	}
	for _, granted := range p.Permissions {
		if granted == permission {
			return true
		}
	}
	return false
}

// JWTAuthMiddleware creates a middleware that validates HS256 tokens signed with secret.
func JWTAuthMiddleware(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			// Extract the token from "Bearer <token>"
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}
			if len(key) == 0 {
				log.Printf("level=error component=api msg=\"JWT secret not configured; rejecting request\"")
				http.Error(w, "Authentication unavailable", http.StatusServiceUnavailable)
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return key, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !token.Valid {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				http.Error(w, "Invalid token claims", http.StatusUnauthorized)
				return
			}
			subject, _ := claims["sub"].(string)
			if strings.TrimSpace(subject) == "" {
				http.Error(w, "Subject not found in token", http.StatusUnauthorized)
				return
			}
			role, _ := claims["role"].(string)

			principal := Principal{
				Subject:     subject,
				Role:        role,
				Permissions: permissionsClaim(claims["permissions"]),
			}
			ctx := context.WithValue(r.Context(), principalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequirePermission rejects requests whose principal lacks permission.
func RequirePermission(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := GetPrincipal(r.Context())
			if !ok {
				http.Error(w, "Unauthenticated", http.StatusUnauthorized)
				return
			}
			if !principal.Can(permission) {
				log.Printf("level=warn component=api outcome=reject reason=forbidden subject=%s permission=%s path=%s", principal.Subject, permission, r.URL.Path)
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// permissionsClaim accepts either a JSON array or a space separated string.
func permissionsClaim(raw interface{}) []string {
	switch v := raw.(type) {
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.Fields(v)
	default:
		return nil
	}
}

// GetPrincipal retrieves the authenticated principal from the request context.
func GetPrincipal(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalKey).(Principal)
	return principal, ok
}

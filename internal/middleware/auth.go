// Package middleware provides HTTP middleware for the SwiftPay API.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/swiftpay/internal/domain/payment"
	"github.com/R3E-Network/swiftpay/internal/errors"
	internalhttputil "github.com/R3E-Network/swiftpay/internal/httputil"
	"github.com/R3E-Network/swiftpay/internal/logging"
	"github.com/R3E-Network/swiftpay/supabase/client"
)

// RoleAdmin marks administrators.
const RoleAdmin = "admin"

type identityKey struct{}

// Claims is the subset of a Supabase access token the service reads.
type Claims struct {
	Email        string         `json:"email,omitempty"`
	Role         string         `json:"role,omitempty"`
	AppMetadata  map[string]any `json:"app_metadata,omitempty"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	jwt.RegisteredClaims
}

// UserFetcher resolves an access token remotely. *client.AuthClient
// satisfies it.
type UserFetcher interface {
	GetUser(ctx context.Context, accessToken string) (*client.User, error)
}

// AuthMiddleware authenticates Supabase access tokens. Tokens are verified
// locally with the project JWT secret when one is configured, otherwise they
// are checked against Supabase Auth.
type AuthMiddleware struct {
	jwtSecret []byte
	remote    UserFetcher
	admins    map[string]bool
	logger    *logging.Logger
	skipPaths map[string]bool
}

// NewAuthMiddleware creates the middleware. remote may be nil when jwtSecret
// is set; adminIDs grants the admin role regardless of token metadata.
func NewAuthMiddleware(jwtSecret string, remote UserFetcher, adminIDs []string, logger *logging.Logger, skipPaths []string) *AuthMiddleware {
	skip := make(map[string]bool)
	for _, path := range skipPaths {
		skip[path] = true
	}
	admins := make(map[string]bool)
	for _, id := range adminIDs {
		admins[id] = true
	}

	return &AuthMiddleware{
		jwtSecret: []byte(jwtSecret),
		remote:    remote,
		admins:    admins,
		logger:    logger,
		skipPaths: skip,
	}
}

// Handler returns the middleware handler
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		tokenString, err := bearerToken(r)
		if err != nil {
			m.respondError(w, r, err)
			return
		}

		id, err := m.authenticate(r.Context(), tokenString)
		if err != nil {
			m.logger.WithContext(r.Context()).WithError(err).Warn("Token validation failed")
			m.respondError(w, r, err)
			return
		}
		if m.admins[id.UID] {
			id.Role = RoleAdmin
		}

		ctx := WithIdentity(r.Context(), id)
		m.logger.WithContext(ctx).WithField("role", id.Role).Debug("Authentication successful")

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken reads the token from the Authorization header. Browsers cannot
// set headers on websocket upgrades, so those may pass it as access_token.
func bearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if token := r.URL.Query().Get("access_token"); token != "" && isUpgrade(r) {
			return token, nil
		}
		return "", errors.Unauthorized("Missing Authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", errors.Unauthorized("Invalid Authorization header format")
	}
	return parts[1], nil
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func (m *AuthMiddleware) authenticate(ctx context.Context, tokenString string) (payment.Identity, error) {
	if len(m.jwtSecret) > 0 {
		claims, err := m.validateToken(tokenString)
		if err != nil {
			return payment.Identity{}, err
		}
		return identityFrom(claims.Subject, claims.Email, claims.AppMetadata, claims.UserMetadata), nil
	}
	if m.remote == nil {
		return payment.Identity{}, errors.ServiceUnavailable("Authentication is not configured", nil)
	}

	user, err := m.remote.GetUser(ctx, tokenString)
	if err != nil {
		if e, ok := client.AsError(err); ok && (e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden) {
			return payment.Identity{}, errors.InvalidToken(err)
		}
		return payment.Identity{}, errors.Upstream("Identity provider unavailable", err)
	}
	return identityFrom(user.ID, user.Email, user.AppMetadata, user.UserMetadata), nil
}

// validateToken verifies an HS256 token signed with the project secret.
func (m *AuthMiddleware) validateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.InvalidToken(nil).WithDetails("method", token.Header["alg"])
		}
		return m.jwtSecret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, errors.InvalidToken(err)
	}
	if !token.Valid {
		return nil, errors.InvalidToken(nil)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return nil, errors.InvalidToken(nil).WithDetails("reason", "missing subject")
	}
	return claims, nil
}

func identityFrom(uid, email string, appMeta, userMeta map[string]any) payment.Identity {
	return payment.Identity{
		UID:         uid,
		Email:       email,
		DisplayName: firstString(userMeta, "full_name", "name"),
		PhotoURL:    firstString(userMeta, "avatar_url", "picture"),
		Role:        firstString(appMeta, "role"),
	}
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// respondError sends an error response
func (m *AuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	serviceErr := errors.GetServiceError(err)
	if serviceErr == nil {
		serviceErr = errors.Internal("Authentication failed", err)
	}

	internalhttputil.WriteErrorResponse(w, r, serviceErr.HTTPStatus, string(serviceErr.Code), serviceErr.Message, serviceErr.Details)

	m.logger.LogSecurityEvent(r.Context(), "authentication_failed", map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
		"status": serviceErr.HTTPStatus,
	})
}

// WithIdentity stores id in ctx, along with the user id and role used by the
// logger.
func WithIdentity(ctx context.Context, id payment.Identity) context.Context {
	ctx = context.WithValue(ctx, identityKey{}, id)
	ctx = logging.WithUserID(ctx, id.UID)
	if id.Role != "" {
		ctx = logging.WithRole(ctx, id.Role)
	}
	return ctx
}

// GetIdentity returns the authenticated identity, if any.
func GetIdentity(ctx context.Context) (payment.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(payment.Identity)
	return id, ok && id.UID != ""
}

// GetUserID extracts user ID from context
func GetUserID(ctx context.Context) string {
	return logging.GetUserID(ctx)
}

// GetUserRole extracts user role from context
func GetUserRole(ctx context.Context) string {
	return logging.GetRole(ctx)
}

// RequireRole rejects requests whose identity lacks role.
func RequireRole(role string, logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if GetUserID(r.Context()) == "" {
				internalhttputil.Unauthorized(w, "")
				return
			}
			if GetUserRole(r.Context()) != role {
				logger.LogSecurityEvent(r.Context(), "role_denied", map[string]interface{}{
					"required": role,
					"path":     r.URL.Path,
				})
				internalhttputil.Forbidden(w, "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

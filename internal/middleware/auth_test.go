package middleware

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/swiftpay/internal/domain/payment"
	"github.com/R3E-Network/swiftpay/internal/logging"
	"github.com/R3E-Network/swiftpay/supabase/client"
)

const testSecret = "super-secret-jwt-token-with-at-least-32-characters"

func generateTestToken(t *testing.T, secret, userID string, expired bool, appMeta map[string]any) string {
	t.Helper()
	claims := &Claims{
		Email:        "asha@example.com",
		Role:         "authenticated",
		AppMetadata:  appMeta,
		UserMetadata: map[string]any{"full_name": "Asha Rao", "avatar_url": "https://img/asha.png"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(1 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	if expired {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-1 * time.Hour))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return tokenString
}

func identityEcho(t *testing.T, got *payment.Identity) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := GetIdentity(r.Context())
		if !ok {
			t.Error("identity missing from context")
		}
		*got = id
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware_SkipPaths(t *testing.T) {
	m := NewAuthMiddleware(testSecret, nil, nil, logging.NewDiscard(), []string{"/health"})
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Status code = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestAuthMiddleware_Rejections(t *testing.T) {
	m := NewAuthMiddleware(testSecret, nil, nil, logging.NewDiscard(), nil)
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be reached")
	}))

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"bad format", "Token abc"},
		{"empty bearer", "Bearer "},
		{"expired", "Bearer " + generateTestToken(t, testSecret, "user-1", true, nil)},
		{"wrong secret", "Bearer " + generateTestToken(t, "another-secret-another-secret-another", "user-1", false, nil)},
		{"missing subject", "Bearer " + generateTestToken(t, testSecret, "", false, nil)},
		{"garbage", "Bearer not.a.jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/profile", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("Status code = %d, want %d", rec.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	m := NewAuthMiddleware(testSecret, nil, nil, logging.NewDiscard(), nil)

	var got payment.Identity
	handler := m.Handler(identityEcho(t, &got))

	req := httptest.NewRequest("GET", "/api/v1/profile", nil)
	req.Header.Set("Authorization", "Bearer "+generateTestToken(t, testSecret, "user-1", false, nil))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Status code = %d, want %d", rec.Code, http.StatusOK)
	}
	want := payment.Identity{UID: "user-1", Email: "asha@example.com", DisplayName: "Asha Rao", PhotoURL: "https://img/asha.png"}
	if got != want {
		t.Errorf("identity = %+v, want %+v", got, want)
	}
}

func TestAuthMiddleware_AdminRole(t *testing.T) {
	m := NewAuthMiddleware(testSecret, nil, []string{"ops-1"}, logging.NewDiscard(), nil)

	tests := []struct {
		name    string
		userID  string
		appMeta map[string]any
		want    string
	}{
		{"listed id", "ops-1", nil, RoleAdmin},
		{"app metadata", "user-2", map[string]any{"role": "admin"}, RoleAdmin},
		{"regular user", "user-3", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got payment.Identity
			req := httptest.NewRequest("GET", "/api/v1/admin/users", nil)
			req.Header.Set("Authorization", "Bearer "+generateTestToken(t, testSecret, tt.userID, false, tt.appMeta))
			rec := httptest.NewRecorder()
			m.Handler(identityEcho(t, &got)).ServeHTTP(rec, req)

			if got.Role != tt.want {
				t.Errorf("Role = %q, want %q", got.Role, tt.want)
			}
		})
	}
}

func TestAuthMiddleware_WebsocketQueryToken(t *testing.T) {
	m := NewAuthMiddleware(testSecret, nil, nil, logging.NewDiscard(), nil)

	var got payment.Identity
	token := generateTestToken(t, testSecret, "user-1", false, nil)

	req := httptest.NewRequest("GET", "/api/v1/profile/watch?access_token="+token, nil)
	req.Header.Set("Upgrade", "websocket")
	rec := httptest.NewRecorder()
	m.Handler(identityEcho(t, &got)).ServeHTTP(rec, req)
	if got.UID != "user-1" {
		t.Errorf("UID = %q, want user-1", got.UID)
	}

	// Plain requests must not accept tokens in the URL.
	req = httptest.NewRequest("GET", "/api/v1/profile?access_token="+token, nil)
	rec = httptest.NewRecorder()
	m.Handler(http.NotFoundHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Status code = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

type fakeFetcher struct {
	user *client.User
	err  error
}

func (f fakeFetcher) GetUser(_ context.Context, _ string) (*client.User, error) {
	return f.user, f.err
}

func TestAuthMiddleware_RemoteFallback(t *testing.T) {
	remote := fakeFetcher{user: &client.User{
		ID:           "user-9",
		Email:        "nine@example.com",
		UserMetadata: map[string]any{"name": "Nine", "picture": "https://img/9.png"},
	}}
	m := NewAuthMiddleware("", remote, nil, logging.NewDiscard(), nil)

	var got payment.Identity
	req := httptest.NewRequest("GET", "/api/v1/profile", nil)
	req.Header.Set("Authorization", "Bearer opaque")
	rec := httptest.NewRecorder()
	m.Handler(identityEcho(t, &got)).ServeHTTP(rec, req)

	if got.UID != "user-9" || got.DisplayName != "Nine" || got.PhotoURL != "https://img/9.png" {
		t.Errorf("identity = %+v", got)
	}
}

func TestAuthMiddleware_RemoteErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"rejected token", &client.Error{StatusCode: http.StatusUnauthorized, Message: "bad jwt"}, http.StatusUnauthorized},
		{"provider down", fmt.Errorf("dial tcp: connection refused"), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewAuthMiddleware("", fakeFetcher{err: tt.err}, nil, logging.NewDiscard(), nil)
			req := httptest.NewRequest("GET", "/api/v1/profile", nil)
			req.Header.Set("Authorization", "Bearer opaque")
			rec := httptest.NewRecorder()
			m.Handler(http.NotFoundHandler()).ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("Status code = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	handler := RequireRole(RoleAdmin, logging.NewDiscard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name string
		id   *payment.Identity
		want int
	}{
		{"anonymous", nil, http.StatusUnauthorized},
		{"user", &payment.Identity{UID: "u1"}, http.StatusForbidden},
		{"admin", &payment.Identity{UID: "u2", Role: RoleAdmin}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/admin/users", nil)
			if tt.id != nil {
				req = req.WithContext(WithIdentity(req.Context(), *tt.id))
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("Status code = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

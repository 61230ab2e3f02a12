package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/fasttrack/internal/model"
)

// --- モック定義 ---

type mockSessionRepository struct {
	findByIDFn func(ctx context.Context, id string) (*model.Session, error)
}

func (m *mockSessionRepository) FindByID(ctx context.Context, id string) (*model.Session, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

// captureIdentity は次のハンドラーに渡されたIdentityを記録する。
func captureIdentity(got *model.Identity) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

// --- テスト ---

func TestIdentityMiddleware_ValidSession_InjectsUser(t *testing.T) {
	repo := &mockSessionRepository{
		findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			if id != "valid-session" {
				t.Errorf("session id = %q, want %q", id, "valid-session")
			}
			return &model.Session{
				ID:        "valid-session",
				UserID:    "user-123",
				ExpiresAt: time.Now().Add(time.Hour),
			}, nil
		},
	}

	var got model.Identity
	handler := NewIdentityMiddleware(repo)(captureIdentity(&got))

	req := httptest.NewRequest(http.MethodGet, "/api/timer", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "valid-session"})
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
	if !got.Authenticated || got.UserID != "user-123" {
		t.Errorf("identity = %+v, want authenticated user-123", got)
	}
}

func TestIdentityMiddleware_FallsBackToAnonymous(t *testing.T) {
	tests := []struct {
		name   string
		cookie *http.Cookie
		find   func(ctx context.Context, id string) (*model.Session, error)
	}{
		{
			name: "no cookie",
		},
		{
			name:   "empty cookie",
			cookie: &http.Cookie{Name: sessionCookieName, Value: ""},
		},
		{
			name:   "expired or unknown session",
			cookie: &http.Cookie{Name: sessionCookieName, Value: "expired"},
			find: func(ctx context.Context, id string) (*model.Session, error) {
				return nil, nil
			},
		},
		{
			name:   "repository error",
			cookie: &http.Cookie{Name: sessionCookieName, Value: "broken"},
			find: func(ctx context.Context, id string) (*model.Session, error) {
				return nil, errors.New("connection refused")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &mockSessionRepository{findByIDFn: tt.find}

			var got model.Identity
			got.Authenticated = true
			handler := NewIdentityMiddleware(repo)(captureIdentity(&got))

			req := httptest.NewRequest(http.MethodGet, "/api/timer", nil)
			if tt.cookie != nil {
				req.AddCookie(tt.cookie)
			}
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			if w.Result().StatusCode != http.StatusOK {
				t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
			}
			if got.Authenticated {
				t.Errorf("identity = %+v, want anonymous", got)
			}
			if got.Key() != "anonymous" {
				t.Errorf("key = %q, want %q", got.Key(), "anonymous")
			}
		})
	}
}

func TestRequireUserMiddleware_Anonymous_Returns401(t *testing.T) {
	handler := NewRequireUserMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/fasts", nil)
	req = req.WithContext(ContextWithIdentity(req.Context(), model.AnonymousIdentity()))
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestRequireUserMiddleware_Authenticated_PassesThrough(t *testing.T) {
	called := false
	handler := NewRequireUserMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/fasts", nil)
	req = req.WithContext(ContextWithUserID(req.Context(), "user-1"))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if !called {
		t.Error("handler should be called for authenticated user")
	}
}

func TestIdentityFromContext_NoValue_ReturnsAnonymous(t *testing.T) {
	got := IdentityFromContext(context.Background())
	if got.Authenticated || got.UserID != "" {
		t.Errorf("identity = %+v, want anonymous", got)
	}
}

func TestUserIDFromContext_NoValue_ReturnsError(t *testing.T) {
	_, err := UserIDFromContext(context.Background())
	if err == nil {
		t.Error("expected error when user ID is not in context")
	}
}

func TestUserIDFromContext_Anonymous_ReturnsError(t *testing.T) {
	ctx := ContextWithIdentity(context.Background(), model.AnonymousIdentity())
	if _, err := UserIDFromContext(ctx); err == nil {
		t.Error("expected error for anonymous identity")
	}
}

func TestUserIDFromContext_ValidValue_ReturnsUserID(t *testing.T) {
	ctx := ContextWithUserID(context.Background(), "user-456")
	userID, err := UserIDFromContext(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if userID != "user-456" {
		t.Errorf("userID = %q, want %q", userID, "user-456")
	}
}

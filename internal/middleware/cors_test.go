package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func corsRequest(method, origin string, preflight bool) *http.Request {
	req := httptest.NewRequest(method, "/api/timer", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	if preflight {
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	}
	return req
}

func TestCORSMiddleware_SimpleRequests(t *testing.T) {
	mw := NewCORSMiddleware("http://localhost:3000, https://app.example.com/")

	tests := []struct {
		name       string
		origin     string
		wantOrigin string
	}{
		{"first origin", "http://localhost:3000", "http://localhost:3000"},
		{"trailing slash in config is ignored", "https://app.example.com", "https://app.example.com"},
		{"unknown origin gets no grant", "https://evil.example.com", ""},
		{"same-origin request without Origin", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			}))

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, corsRequest(http.MethodGet, tt.origin, false))

			if !called {
				t.Fatal("next handler should be called for non-preflight requests")
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			wantCred := ""
			if tt.wantOrigin != "" {
				wantCred = "true"
			}
			if got := w.Header().Get("Access-Control-Allow-Credentials"); got != wantCred {
				t.Errorf("Access-Control-Allow-Credentials = %q, want %q", got, wantCred)
			}
			if got := w.Header().Get("Vary"); got != "Origin" {
				t.Errorf("Vary = %q, want %q", got, "Origin")
			}
		})
	}
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	mw := NewCORSMiddleware("http://localhost:3000")

	tests := []struct {
		name       string
		origin     string
		wantStatus int
	}{
		{"allowed origin", "http://localhost:3000", http.StatusNoContent},
		{"disallowed origin", "http://localhost:4000", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
			}))

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, corsRequest(http.MethodOptions, tt.origin, true))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if called {
				t.Error("next handler should not be called for preflight")
			}
		})
	}
}

func TestCORSMiddleware_PreflightAdvertisesCSRFHeader(t *testing.T) {
	handler := NewCORSMiddleware("http://localhost:3000")(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, corsRequest(http.MethodOptions, "http://localhost:3000", true))

	tests := []struct {
		header string
		want   string
	}{
		{"Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS"},
		{"Access-Control-Allow-Headers", "Content-Type, X-CSRF-Token"},
		{"Access-Control-Max-Age", "86400"},
	}
	for _, tt := range tests {
		if got := w.Header().Get(tt.header); got != tt.want {
			t.Errorf("%s = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestCORSMiddleware_PlainOptionsPassesThrough(t *testing.T) {
	called := false
	handler := NewCORSMiddleware("http://localhost:3000")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, corsRequest(http.MethodOptions, "", false))

	if !called {
		t.Error("OPTIONS without Access-Control-Request-Method is not a preflight")
	}
}

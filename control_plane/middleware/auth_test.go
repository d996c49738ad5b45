package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ycopyer/yumna-panel-sub002/control_plane/auth"
)

func TestAuthMiddleware(t *testing.T) {
	tokens, err := auth.NewTokens("0123456789abcdef0123456789abcdef", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	adminTok, _ := tokens.Generate("u1", "admin")
	userTok, _ := tokens.Generate("u2", "user")

	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, _ := CallerFromContext(r.Context())
		seen = caller.UserID
		w.WriteHeader(http.StatusNoContent)
	})
	plain := AuthMiddleware(tokens)(inner)
	admin := AuthMiddleware(tokens)(RequireAdmin(inner))

	tests := []struct {
		name    string
		handler http.Handler
		header  string
		want    int
		user    string
	}{
		{"missing header", plain, "", http.StatusUnauthorized, ""},
		{"wrong scheme", plain, "Basic " + userTok, http.StatusUnauthorized, ""},
		{"garbage token", plain, "Bearer nope", http.StatusUnauthorized, ""},
		{"user ok", plain, "Bearer " + userTok, http.StatusNoContent, "u2"},
		{"user on admin route", admin, "Bearer " + userTok, http.StatusForbidden, ""},
		{"admin on admin route", admin, "Bearer " + adminTok, http.StatusNoContent, "u1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/nodes", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			tt.handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if seen != tt.user {
				t.Errorf("caller = %q, want %q", seen, tt.user)
			}
		})
	}
}

func TestAuthMiddleware_WebSocketQueryToken(t *testing.T) {
	tokens, _ := auth.NewTokens("0123456789abcdef0123456789abcdef", time.Hour)
	tok, _ := tokens.Generate("u1", "admin")
	h := AuthMiddleware(tokens)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/events?access_token="+tok, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("plain request with query token: status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/events?access_token="+tok, nil)
	req.Header.Set("Upgrade", "websocket")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("upgrade with query token: status = %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := CORSMiddleware("https://panel.example.com")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("preflight reached the handler")
	}))
	req := httptest.NewRequest(http.MethodOptions, "/nodes", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://panel.example.com" {
		t.Errorf("origin = %q", got)
	}
}

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeVerifier struct {
	claims map[string]*Claims
}

func (f *fakeVerifier) Verify(ctx context.Context, token string) (*Claims, error) {
	if c, ok := f.claims[token]; ok {
		return c, nil
	}
	return nil, ErrInvalidToken
}

func TestMiddleware_Handler(t *testing.T) {
	verifier := &fakeVerifier{claims: map[string]*Claims{
		"good":    {Subject: "u1", Roles: []string{"builder"}},
		"expired": {Subject: "u2", Expiry: time.Now().Add(-time.Minute)},
		"viewer":  {Subject: "u3", Roles: []string{"viewer"}},
	}}
	m := NewMiddleware(verifier, &MiddlewareConfig{
		Enabled:       true,
		PublicPaths:   []string{"/public/*"},
		RequiredRoles: []string{"builder"},
	}, nil)

	var gotSubject string
	h := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c := GetClaims(r.Context()); c != nil {
			gotSubject = c.Subject
		}
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name    string
		path    string
		header  string
		want    int
		subject string
	}{
		{"health is public", "/health", "", http.StatusOK, ""},
		{"prefix public", "/public/docs", "", http.StatusOK, ""},
		{"missing header", "/api/v1/apps", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "/api/v1/apps", "Basic abc", http.StatusUnauthorized, ""},
		{"unknown token", "/api/v1/apps", "Bearer nope", http.StatusUnauthorized, ""},
		{"expired", "/api/v1/apps", "Bearer expired", http.StatusUnauthorized, ""},
		{"missing role", "/api/v1/apps", "Bearer viewer", http.StatusForbidden, ""},
		{"ok", "/api/v1/apps", "bearer good", http.StatusOK, "u1"},
		{"query token ignored without upgrade", "/api/v1/executions/e1/ws?access_token=good", "", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotSubject = ""
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if gotSubject != tt.subject {
				t.Errorf("subject = %q, want %q", gotSubject, tt.subject)
			}
		})
	}
}

func TestMiddleware_WebSocketQueryToken(t *testing.T) {
	verifier := &fakeVerifier{claims: map[string]*Claims{"good": {Subject: "u1"}}}
	m := NewMiddleware(verifier, &MiddlewareConfig{Enabled: true}, nil)

	var gotSubject string
	h := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject = GetClaims(r.Context()).Subject
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/executions/e1/ws?access_token=good", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || gotSubject != "u1" {
		t.Errorf("status = %d, subject = %q", rec.Code, gotSubject)
	}
}

func TestMiddleware_Disabled(t *testing.T) {
	m := NewMiddleware(nil, &MiddlewareConfig{Enabled: true}, nil)
	h := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/apps", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected pass-through without verifier, got %d", rec.Code)
	}
}

func TestClaims_Profile(t *testing.T) {
	c := &Claims{
		Subject: "u1",
		Email:   "u1@example.com",
		Roles:   []string{"builder"},
		Extra: map[string]interface{}{
			"data_consent":   true,
			"data_residency": "EU",
			"unrelated":      "x",
		},
	}
	p := c.Profile()
	if p["id"] != "u1" || p["email"] != "u1@example.com" {
		t.Errorf("unexpected identity fields %v", p)
	}
	if p["dataConsent"] != true || p["dataResidency"] != "EU" {
		t.Errorf("custom claims not mapped: %v", p)
	}
	if _, ok := p["unrelated"]; ok {
		t.Error("unrelated claim should not be copied")
	}
}

func TestBearerToken(t *testing.T) {
	if tok, ok := bearerToken("Bearer  abc "); !ok || tok != "abc" {
		t.Errorf("got %q %v", tok, ok)
	}
	if _, ok := bearerToken("Bearer "); ok {
		t.Error("empty token should be rejected")
	}
}

func TestNewProvider_RequiresConfig(t *testing.T) {
	if _, err := NewProvider(context.Background(), nil); err == nil {
		t.Error("expected error for nil config")
	}
	if _, err := NewProvider(context.Background(), &Config{ClientID: "c"}); err == nil {
		t.Error("expected error for missing issuer")
	}
	if _, err := NewProvider(context.Background(), &Config{Issuer: "https://issuer"}); err == nil {
		t.Error("expected error for missing client id")
	}
}

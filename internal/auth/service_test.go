package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "P2PLend-Chain/internal/errors"
)

func newTokenService(t *testing.T) *Service {
	t.Helper()
	digest := sha256.Sum256([]byte("reader-secret"))
	svc, err := NewService(Config{
		Mode: ModeToken,
		Tokens: []Token{
			{Name: "operator", Secret: "operator-secret"},
			{Name: "dashboard", SHA256: hex.EncodeToString(digest[:]), Permissions: []string{PermJobsRead}},
		},
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestNewServiceValidation(t *testing.T) {
	if svc, err := NewService(Config{}); err != nil || svc.Mode() != ModeDisabled {
		t.Fatalf("expected disabled service, got %v %v", svc, err)
	}

	cases := []struct {
		name  string
		cfg   Config
		field string
	}{
		{"unknown mode", Config{Mode: "oauth"}, "server.auth.mode"},
		{"no tokens", Config{Mode: ModeToken}, "server.auth.tokens"},
		{"empty token", Config{Mode: ModeToken, Tokens: []Token{{Name: "x"}}}, "server.auth.tokens[0]"},
		{"bad digest", Config{Mode: ModeToken, Tokens: []Token{{SHA256: "abc"}}}, "server.auth.tokens[0].sha256"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewService(tc.cfg)
			if xerrors.CodeOf(err) != xerrors.CodeConfigInvalid {
				t.Fatalf("expected config error, got %v", err)
			}
			if got := xerrors.MetadataOf(err)["field"]; got != tc.field {
				t.Fatalf("expected field %s, got %s", tc.field, got)
			}
		})
	}
}

func TestAuthenticateRequest(t *testing.T) {
	svc := newTokenService(t)

	subject, err := svc.AuthenticateRequest("Bearer operator-secret")
	if err != nil {
		t.Fatalf("authenticate operator: %v", err)
	}
	if subject.Name != "operator" || !subject.HasPermission(PermJobsSubmit) || !subject.HasPermission(PermJobsRead) {
		t.Fatalf("unexpected operator subject %+v", subject)
	}

	subject, err = svc.AuthenticateRequest("bearer reader-secret")
	if err != nil {
		t.Fatalf("authenticate dashboard: %v", err)
	}
	if subject.Name != "dashboard" || subject.HasPermission(PermJobsSubmit) {
		t.Fatalf("unexpected dashboard subject %+v", subject)
	}
	if err := subject.Authorize(PermJobsSubmit); xerrors.CodeOf(err) != CodePermissionDenied {
		t.Fatalf("expected permission denied, got %v", err)
	}

	for _, header := range []string{"", "Basic abc", "Bearer ", "operator-secret"} {
		if _, err := svc.AuthenticateRequest(header); err != ErrMissingToken {
			t.Fatalf("header %q: expected missing token, got %v", header, err)
		}
	}
	if _, err := svc.AuthenticateRequest("Bearer wrong"); err != ErrInvalidToken {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestWildcardPermission(t *testing.T) {
	subject := newSubject("admin", []string{"*"})
	if err := subject.Authorize(PermJobsRead, PermJobsSubmit); err != nil {
		t.Fatalf("wildcard subject should be authorized: %v", err)
	}
	var missing *Subject
	if err := missing.Authorize(PermJobsRead); err != ErrInvalidToken {
		t.Fatalf("expected invalid token for nil subject, got %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	svc := newTokenService(t)
	var seen *Subject
	handler := svc.Middleware(MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodPost: {PermJobsSubmit},
			"*":             {PermJobsRead},
		},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		method string
		token  string
		status int
	}{
		{http.MethodGet, "", http.StatusUnauthorized},
		{http.MethodGet, "wrong", http.StatusUnauthorized},
		{http.MethodGet, "reader-secret", http.StatusNoContent},
		{http.MethodPost, "reader-secret", http.StatusForbidden},
		{http.MethodPost, "operator-secret", http.StatusNoContent},
	}
	for _, tc := range cases {
		seen = nil
		req := httptest.NewRequest(tc.method, "/api/v1/jobs", nil)
		if tc.token != "" {
			req.Header.Set("Authorization", "Bearer "+tc.token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != tc.status {
			t.Fatalf("%s with %q: expected %d, got %d", tc.method, tc.token, tc.status, rec.Code)
		}
		if tc.status == http.StatusNoContent && seen == nil {
			t.Fatalf("%s with %q: subject missing from context", tc.method, tc.token)
		}
	}
}

func TestMiddlewareDisabled(t *testing.T) {
	svc, err := NewService(Config{Mode: ModeDisabled})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	handler := svc.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if SubjectFromContext(r.Context()) != nil {
			t.Errorf("unexpected subject in disabled mode")
		}
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/jobs", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected pass-through, got %d", rec.Code)
	}
}

package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"BuyBack-Agent/internal/config"
)

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{
		Enabled: true,
		Tokens: []config.TokenConfig{
			{
				Token:       "operator-token",
				Subject:     "operator",
				Address:     "0x1111111111111111111111111111111111111111",
				Permissions: []string{PermissionRead, PermissionSubmit, PermissionClaim, PermissionWithdraw},
			},
			{
				Token:       "viewer-token",
				Subject:     "viewer",
				Address:     "0x2222222222222222222222222222222222222222",
				Permissions: []string{PermissionRead},
			},
			{
				Token:    "revoked-token",
				Subject:  "revoked",
				Address:  "0x3333333333333333333333333333333333333333",
				Disabled: true,
			},
		},
	}
}

func TestAuthenticateRequest(t *testing.T) {
	svc, err := NewService(testAuthConfig())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	subject, err := svc.AuthenticateRequest("Bearer operator-token")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if subject.Name != "operator" {
		t.Fatalf("unexpected subject: %+v", subject)
	}
	if subject.Address != common.HexToAddress("0x1111111111111111111111111111111111111111") {
		t.Fatalf("unexpected address: %s", subject.Address)
	}
	if !subject.HasPermission(PermissionWithdraw) {
		t.Fatal("operator must hold withdraw permission")
	}

	if _, err := svc.AuthenticateRequest(""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
	if _, err := svc.AuthenticateRequest("Bearer wrong"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
	if _, err := svc.AuthenticateRequest("Bearer revoked-token"); !errors.Is(err, ErrSubjectRevoked) {
		t.Fatalf("expected revoked subject, got %v", err)
	}
}

func TestNewServiceRejectsBadConfig(t *testing.T) {
	if _, err := NewService(config.AuthConfig{Enabled: true}); err == nil {
		t.Fatal("expected error when no tokens configured")
	}
	if _, err := NewService(config.AuthConfig{
		Enabled: true,
		Tokens:  []config.TokenConfig{{Token: "t", Subject: "s", Address: "not-an-address"}},
	}); err == nil {
		t.Fatal("expected error for malformed address")
	}
	svc, err := NewService(config.AuthConfig{Enabled: false})
	if err != nil {
		t.Fatalf("disabled config must be accepted: %v", err)
	}
	if svc.Enabled() {
		t.Fatal("service must report disabled")
	}
}

func TestMiddlewareEnforcesPermissions(t *testing.T) {
	svc, err := NewService(testAuthConfig())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	var seen *Subject
	handler := svc.Middleware(MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodPost: {PermissionSubmit},
			"*":             {PermissionRead},
		},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/buybacks", nil)
	req.Header.Set("Authorization", "Bearer operator-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if seen == nil || seen.Name != "operator" {
		t.Fatalf("expected subject in context, got %+v", seen)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/buybacks", nil)
	req.Header.Set("Authorization", "Bearer viewer-token")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("viewer must not submit, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/buybacks", nil)
	req.Header.Set("Authorization", "Bearer viewer-token")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("viewer must read, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/buybacks", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token must be rejected, got %d", rec.Code)
	}
}

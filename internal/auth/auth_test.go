package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

// testHash uses the minimum cost to keep the suite fast.
func testHash(t *testing.T, plaintext string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hashing: %v", err)
	}
	return string(h)
}

type countingMetrics struct {
	success, failure int
}

func (c *countingMetrics) IncAuthSuccess() { c.success++ }
func (c *countingMetrics) IncAuthFailure() { c.failure++ }

// --- GenerateAdminKey tests ---

func TestGenerateAdminKey_PrefixAndLength(t *testing.T) {
	plaintext, hash, err := GenerateAdminKey()
	if err != nil {
		t.Fatalf("GenerateAdminKey() error: %v", err)
	}

	if !strings.HasPrefix(plaintext, KeyPrefix) {
		t.Errorf("plaintext key should start with %q, got %q", KeyPrefix, plaintext)
	}
	if len(plaintext) != len(KeyPrefix)+32 {
		t.Errorf("expected plaintext length %d, got %d", len(KeyPrefix)+32, len(plaintext))
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)); err != nil {
		t.Errorf("hash does not match plaintext: %v", err)
	}
}

func TestGenerateAdminKey_Uniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		plaintext, _, err := GenerateAdminKey()
		if err != nil {
			t.Fatalf("GenerateAdminKey() error: %v", err)
		}
		if seen[plaintext] {
			t.Fatalf("duplicate key generated: %s", plaintext)
		}
		seen[plaintext] = true
	}
}

// --- Verifier tests ---

func TestNewVerifier_Rejects(t *testing.T) {
	if _, err := NewVerifier(nil); err != ErrNoAdminKeys {
		t.Errorf("expected ErrNoAdminKeys, got %v", err)
	}
	if _, err := NewVerifier([]string{"not-a-bcrypt-hash"}); err == nil {
		t.Error("expected error for malformed hash")
	}
}

func TestVerifier_Verify(t *testing.T) {
	v, err := NewVerifier([]string{testHash(t, "first-admin-key"), testHash(t, "second-admin-key")})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	m := &countingMetrics{}
	v.SetMetrics(m)

	admin, ok := v.Verify("second-admin-key")
	if !ok {
		t.Fatal("expected second key to verify")
	}
	if admin.KeyIndex != 1 {
		t.Errorf("expected key index 1, got %d", admin.KeyIndex)
	}
	if admin.Prefix != "second-admin" {
		t.Errorf("expected prefix %q, got %q", "second-admin", admin.Prefix)
	}

	// Second call is served from the fingerprint cache.
	if _, ok := v.Verify("second-admin-key"); !ok {
		t.Error("expected cached key to verify")
	}
	if _, ok := v.Verify("nope"); ok {
		t.Error("expected unknown key to fail")
	}
	if _, ok := v.Verify(""); ok {
		t.Error("expected empty key to fail")
	}

	if m.success != 2 || m.failure != 2 {
		t.Errorf("expected 2 successes and 2 failures, got %d and %d", m.success, m.failure)
	}
}

func TestAdminContext_RoundTrip(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if AdminFromContext(req.Context()) != nil {
		t.Fatal("expected nil admin on empty context")
	}
	admin := &Admin{KeyIndex: 2, Prefix: "pwadm_abc"}
	got := AdminFromContext(ContextWithAdmin(req.Context(), admin))
	if got != admin {
		t.Errorf("expected %v, got %v", admin, got)
	}
}

// --- AdminKeyMiddleware tests ---

func TestAdminKeyMiddleware(t *testing.T) {
	adminKey := "super-secret-admin-key"
	v, err := NewVerifier([]string{testHash(t, adminKey)})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if AdminFromContext(r.Context()) == nil {
			t.Error("expected admin in context")
		}
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
		wantError  bool
	}{
		{
			name:       "valid admin key",
			authHeader: "Bearer " + adminKey,
			wantStatus: http.StatusOK,
		},
		{
			name:       "lowercase scheme",
			authHeader: "bearer " + adminKey,
			wantStatus: http.StatusOK,
		},
		{
			name:       "wrong admin key",
			authHeader: "Bearer wrong-key",
			wantStatus: http.StatusUnauthorized,
			wantError:  true,
		},
		{
			name:       "missing header",
			authHeader: "",
			wantStatus: http.StatusUnauthorized,
			wantError:  true,
		},
		{
			name:       "malformed header",
			authHeader: "Basic " + adminKey,
			wantStatus: http.StatusUnauthorized,
			wantError:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/credentials", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rr := httptest.NewRecorder()

			AdminKeyMiddleware(v)(okHandler).ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rr.Code)
			}
			if tt.wantError {
				assertJSONError(t, rr)
			}
		})
	}
}

// assertJSONError checks that the response body contains the expected error JSON structure.
func assertJSONError(t *testing.T, rr *httptest.ResponseRecorder) {
	t.Helper()

	ct := rr.Header().Get("Content-Type")
	if !strings.Contains(ct, "application/json") {
		t.Errorf("expected Content-Type application/json, got %q", ct)
	}

	var resp errorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}

	if resp.Error.Code != "unauthorized" {
		t.Errorf("expected error code 'unauthorized', got %q", resp.Error.Code)
	}
	if resp.Error.Message == "" {
		t.Error("expected non-empty error message")
	}
}

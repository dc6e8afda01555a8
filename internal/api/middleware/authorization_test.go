package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	internaljwt "support-chat-backend/internal/jwt"
)

func TestValidateJWTRejectsMalformedAuthorizationHeader(t *testing.T) {
	handlerCalled := false
	handler := ValidateJWTMiddleware(internaljwt.RoleAgent)(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
	})

	for _, header := range []string{"", "Bearer", "Bea", "Basic dXNlcjpwYXNz", "token-without-scheme"} {
		req := httptest.NewRequest(http.MethodGet, "/api/agent/v1/conversations", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()

		handler(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: expected 401, got %d", header, rec.Code)
		}
	}

	if handlerCalled {
		t.Fatal("handler must not run for malformed authorization headers")
	}
}

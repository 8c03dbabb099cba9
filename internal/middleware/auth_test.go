package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camrelay/internal/auth"
)

func TestAuthMiddleware(t *testing.T) {
	a, err := auth.NewAuthenticator(auth.Config{Enabled: true, Password: "pw", JWTSecret: "secret"})
	require.NoError(t, err)
	token, _, err := a.Authenticate("admin", "pw")
	require.NoError(t, err)

	var user string
	h := AuthMiddleware(a)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c := GetUserFromContext(r.Context()); c != nil {
			user = c.Username
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{"bearer", "/api/v1/sessions", "Bearer " + token, http.StatusNoContent},
		{"query token", "/ws/sessions/x/results?token=" + token, "", http.StatusNoContent},
		{"missing", "/api/v1/sessions", "", http.StatusUnauthorized},
		{"wrong scheme", "/api/v1/sessions", "Basic " + token, http.StatusUnauthorized},
		{"bad token", "/api/v1/sessions", "Bearer nope", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user = ""
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusNoContent {
				assert.Equal(t, "admin", user)
			} else {
				assert.Contains(t, rec.Body.String(), `"error"`)
			}
		})
	}
}

func TestAuthMiddlewareDisabled(t *testing.T) {
	a, err := auth.NewAuthenticator(auth.Config{})
	require.NoError(t, err)

	h := AuthMiddleware(a)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func run(allowed []string, method, origin string) (*httptest.ResponseRecorder, bool) {
	called := false
	h := CORS(allowed)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(method, "/api/session", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, called
}

func TestCORSExplicitOriginGetsCredentials(t *testing.T) {
	rec, called := run([]string{"https://portal.example.com"}, http.MethodGet, "https://portal.example.com")

	require.True(t, called)
	require.Equal(t, "https://portal.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	require.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-SSO-Tab-ID")
}

func TestCORSWildcardWithoutCredentials(t *testing.T) {
	rec, _ := run([]string{"*"}, http.MethodGet, "https://anything.example.org")

	require.Equal(t, "https://anything.example.org", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCORSUnknownOrigin(t *testing.T) {
	rec, called := run([]string{"https://portal.example.com"}, http.MethodGet, "https://evil.example.net")

	require.True(t, called)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSPreflightShortCircuits(t *testing.T) {
	rec, called := run([]string{"https://portal.example.com"}, http.MethodOptions, "https://portal.example.com")

	require.False(t, called)
	require.Equal(t, http.StatusOK, rec.Code)
}

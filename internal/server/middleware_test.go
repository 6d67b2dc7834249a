package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kenkyu/internal/auth"
	"github.com/ashita-ai/kenkyu/internal/ctxutil"
	"github.com/ashita-ai/kenkyu/internal/model"
	"github.com/ashita-ai/kenkyu/internal/testutil"
)

func newTestJWT(t *testing.T) *auth.JWTManager {
	t.Helper()
	mgr, err := auth.NewJWTManager("middleware-test-secret", time.Hour)
	require.NoError(t, err)
	return mgr
}

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(ctxutil.UsernameFromContext(r.Context())))
	})
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := requestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = ctxutil.RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "client-chosen")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "client-chosen", seen)
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	securityHeadersMiddleware(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestAuthMiddleware(t *testing.T) {
	mgr := newTestJWT(t)
	token, _, err := mgr.IssueToken("demo")
	require.NoError(t, err)
	handler := authMiddleware(mgr, echoUser())

	cases := []struct {
		name     string
		method   string
		target   string
		header   string
		wantCode int
		wantUser string
	}{
		{"public health", http.MethodGet, "/health", "", http.StatusOK, ""},
		{"public login", http.MethodPost, "/api/auth/login", "", http.StatusOK, ""},
		{"missing header", http.MethodGet, "/api/topics", "", http.StatusUnauthorized, ""},
		{"wrong scheme", http.MethodGet, "/api/topics", "Basic abc", http.StatusUnauthorized, ""},
		{"bad token", http.MethodGet, "/api/topics", "Bearer nope", http.StatusUnauthorized, ""},
		{"bearer header", http.MethodGet, "/api/topics", "Bearer " + token, http.StatusOK, "demo"},
		{"lowercase scheme", http.MethodGet, "/api/topics", "bearer " + token, http.StatusOK, "demo"},
		{"query token on stream", http.MethodGet, "/api/topics/topic-1/events?token=" + token, "", http.StatusOK, "demo"},
		{"query token elsewhere", http.MethodGet, "/api/topics?token=" + token, "", http.StatusUnauthorized, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tc.wantCode, rec.Code)
			if tc.wantCode == http.StatusOK {
				assert.Equal(t, tc.wantUser, rec.Body.String())
				return
			}
			var body model.APIError
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, model.ErrCodeUnauthorized, body.Error.Code)
		})
	}
}

func TestAuthMiddleware_ReportsUsernameToLogging(t *testing.T) {
	mgr := newTestJWT(t)
	token, _, err := mgr.IssueToken("demo")
	require.NoError(t, err)

	outer := &statusWriter{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}
	inner := &statusWriter{ResponseWriter: outer, statusCode: http.StatusOK}
	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	authMiddleware(mgr, echoUser()).ServeHTTP(inner, req)

	assert.Equal(t, "demo", inner.username)
	assert.Equal(t, "demo", outer.username)
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := recoveryMiddleware(testutil.TestLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), model.ErrCodeInternalError)
}

func TestDecodeJSON(t *testing.T) {
	decode := func(body string, limit int64) (model.LoginRequest, error) {
		var out model.LoginRequest
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		err := decodeJSON(httptest.NewRecorder(), req, &out, limit)
		return out, err
	}

	got, err := decode(`{"username":"demo","password":"pw"}`, 1024)
	require.NoError(t, err)
	assert.Equal(t, "demo", got.Username)

	_, err = decode(``, 1024)
	assert.NoError(t, err, "empty body decodes to the zero value")

	_, err = decode(`{"username":"demo","extra":1}`, 1024)
	assert.Error(t, err)

	_, err = decode(`{"username":"`+strings.Repeat("x", 100)+`"}`, 16)
	assert.ErrorIs(t, err, errBodyTooLarge)

	rec := httptest.NewRecorder()
	handleDecodeError(rec, httptest.NewRequest(http.MethodPost, "/", nil), errBodyTooLarge)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

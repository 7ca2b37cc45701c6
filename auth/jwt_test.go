package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testKey = "0123456789abcdef0123"

func newTestAuth(t *testing.T) *Auth {
	t.Helper()
	a, err := New(Options{Logger: zaptest.NewLogger(t), JWTSigningKey: testKey})
	require.NoError(t, err)
	return a
}

func protected(a *Auth) http.Handler {
	return a.Middleware()(a.RoleCheck(ServiceRole)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))
}

func call(h http.Handler, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/usage", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareAcceptsServiceToken(t *testing.T) {
	a := newTestAuth(t)
	token, err := a.CreateServiceToken("edge", time.Minute)
	require.NoError(t, err)

	rec := call(protected(a), "Bearer "+token)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestMiddlewareRejects(t *testing.T) {
	a := newTestAuth(t)
	h := protected(a)

	expired, err := a.CreateServiceToken("edge", -time.Minute)
	require.NoError(t, err)

	other, err := New(Options{Logger: zaptest.NewLogger(t), JWTSigningKey: "another-key-of-sufficient-size"})
	require.NoError(t, err)
	foreign, err := other.CreateServiceToken("edge", time.Minute)
	require.NoError(t, err)

	anon, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Role: "anon"}).SignedString([]byte(testKey))
	require.NoError(t, err)

	cases := map[string]string{
		"missing":    "",
		"not bearer": "Basic abc",
		"garbage":    "Bearer not-a-jwt",
		"expired":    "Bearer " + expired,
		"wrong key":  "Bearer " + foreign,
		"wrong role": "Bearer " + anon,
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			rec := call(h, header)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Body.String(), `"status":401`)
		})
	}
}

func TestNewRejectsShortKey(t *testing.T) {
	_, err := New(Options{Logger: zaptest.NewLogger(t), JWTSigningKey: "short"})
	require.Error(t, err)
}

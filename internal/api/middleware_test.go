package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorelay/chatrelay/internal/auth"
	"github.com/gorelay/chatrelay/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthMiddleware(t *testing.T) {
	token, err := auth.NewTokenVerifier(testSigningKey).CreateToken("testuser", 1, time.Hour)
	require.NoError(t, err)

	expiredToken, err := auth.NewTokenVerifier(testSigningKey).CreateToken("testuser", 1, -time.Hour)
	require.NoError(t, err)

	tcases := []struct {
		name         string
		header       string
		expectedCode int
		expectNext   bool
	}{
		{
			name:         "valid bearer token",
			header:       "Bearer " + token,
			expectedCode: http.StatusOK,
			expectNext:   true,
		},
		{
			name:         "missing header",
			header:       "",
			expectedCode: http.StatusUnauthorized,
		},
		{
			name:         "not a bearer token",
			header:       "Basic dXNlcjpwYXNz",
			expectedCode: http.StatusUnauthorized,
		},
		{
			name:         "expired token",
			header:       "Bearer " + expiredToken,
			expectedCode: http.StatusUnauthorized,
		},
		{
			name:         "garbage token",
			header:       "Bearer not.a.token",
			expectedCode: http.StatusUnauthorized,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			app := newTestApp(t, &database.MockChatRepository{})

			nextCalled := false
			next := func(w http.ResponseWriter, r *http.Request) {
				nextCalled = true

				identity, ok := IdentityFrom(r.Context())
				assert.True(t, ok, "expected identity on the request context")
				assert.Equal(t, "testuser", identity.Subject, "expected verified subject")
				assert.Equal(t, 1, identity.UserId, "expected verified user id")
			}

			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}

			app.authMiddleware(next)(rr, req)

			assert.Equal(t, tc.expectedCode, rr.Code, "expected status code to match")
			assert.Equal(t, tc.expectNext, nextCalled, "expected next handler call to match")
		})
	}
}

func TestErrorHandler_RecoversPanics(t *testing.T) {
	app := newTestApp(t, &database.MockChatRepository{})

	h := app.errorHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code, "expected panic to surface as 500")
}

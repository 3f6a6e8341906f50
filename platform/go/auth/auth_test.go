package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultCredentialExtractor(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		claims    map[string]interface{}
		wantAdmin bool
		wantErr   bool
	}{
		{
			name:      "admin flag",
			claims:    map[string]interface{}{"uid": "user-1", "isAdmin": true, "email": "admin@example.com"},
			wantAdmin: true,
		},
		{
			name:      "admin role claim",
			claims:    map[string]interface{}{"sub": "user-2", "role": "admin"},
			wantAdmin: true,
		},
		{
			name:   "regular user",
			claims: map[string]interface{}{"user_id": "user-3"},
		},
		{
			name:    "missing subject",
			claims:  map[string]interface{}{"email": "x@example.com"},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			creds, err := DefaultCredentialExtractor(tc.claims)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.wantAdmin, creds.IsAdmin)
			require.NotEmpty(t, creds.Id)
		})
	}
}

func TestExtractJWTToken(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, found := ExtractJWTToken(req)
	require.False(t, found)

	req.Header.Set("Authorization", "bearer abc.def")
	token, found := ExtractJWTToken(req)
	require.True(t, found)
	require.Equal(t, "abc.def", token)

	req.Header.Set("Authorization", "Basic xyz")
	_, found = ExtractJWTToken(req)
	require.False(t, found)
}

func TestJWTMiddleware(t *testing.T) {
	t.Parallel()

	verify := func(_ context.Context, token string) (map[string]interface{}, error) {
		if token != "good" {
			return nil, errors.New("bad signature")
		}
		return map[string]interface{}{"uid": "admin-1", "isAdmin": true}, nil
	}

	var seen *UserCredentials
	handler := JWT(verify, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, seen)
	require.Equal(t, "admin-1", seen.Id)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer bad")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Header().Get("WWW-Authenticate"), "invalid_token")
}

func TestRequireRole(t *testing.T) {
	t.Parallel()

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	gate := RequireRole(RoleAdmin)(ok)

	testCases := []struct {
		name  string
		creds *UserCredentials
		want  int
	}{
		{name: "anonymous", want: http.StatusUnauthorized},
		{name: "non admin", creds: &UserCredentials{Id: "u"}, want: http.StatusForbidden},
		{name: "admin", creds: &UserCredentials{Id: "a", IsAdmin: true}, want: http.StatusOK},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/imports/process", nil)
			if tc.creds != nil {
				req = req.WithContext(WithUser(req.Context(), tc.creds))
			}
			rec := httptest.NewRecorder()
			gate.ServeHTTP(rec, req)
			require.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestRequireAuthenticated(t *testing.T) {
	t.Parallel()

	gate := RequireAuthenticated(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	rec := httptest.NewRecorder()
	gate.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithUser(req.Context(), &UserCredentials{Id: "u"}))
	rec = httptest.NewRecorder()
	gate.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

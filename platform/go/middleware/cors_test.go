package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCORS(t *testing.T) {
	t.Parallel()

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	cases := []struct {
		name       string
		allowed    []string
		origin     string
		method     string
		wantOrigin string
		wantStatus int
	}{
		{name: "any origin by default", origin: "https://ops.example", method: http.MethodPost, wantOrigin: "*", wantStatus: http.StatusCreated},
		{name: "listed origin echoed", allowed: []string{"https://ops.example/"}, origin: "https://ops.example", method: http.MethodPost, wantOrigin: "https://ops.example", wantStatus: http.StatusCreated},
		{name: "unlisted origin", allowed: []string{"https://ops.example"}, origin: "https://evil.example", method: http.MethodPost, wantStatus: http.StatusCreated},
		{name: "preflight", allowed: []string{"https://ops.example"}, origin: "https://ops.example", method: http.MethodOptions, wantOrigin: "https://ops.example", wantStatus: http.StatusNoContent},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(tc.method, "/api/v1/imports", nil)
			req.Header.Set("Origin", tc.origin)
			rec := httptest.NewRecorder()
			CORS(tc.allowed)(next).ServeHTTP(rec, req)

			require.Equal(t, tc.wantStatus, rec.Code)
			require.Equal(t, tc.wantOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
			require.Equal(t, "Location", rec.Header().Get("Access-Control-Expose-Headers"))
		})
	}
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORS(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	cases := []struct {
		name    string
		allowed []string
		method  string
		origin  string
		want    string
		status  int
	}{
		{"no origin", nil, http.MethodGet, "", "*", http.StatusOK},
		{"echo any origin", nil, http.MethodPost, "http://ui.local", "http://ui.local", http.StatusOK},
		{"listed origin", []string{"http://ui.local"}, http.MethodGet, "http://ui.local", "http://ui.local", http.StatusOK},
		{"unlisted origin", []string{"http://ui.local"}, http.MethodGet, "http://evil.local", "", http.StatusOK},
		{"preflight", nil, http.MethodOptions, "http://ui.local", "http://ui.local", http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "/api/status", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			rec := httptest.NewRecorder()
			CORS(ok, tc.allowed...).ServeHTTP(rec, req)
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tc.want {
				t.Fatalf("Allow-Origin = %q, want %q", got, tc.want)
			}
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d", rec.Code, tc.status)
			}
		})
	}
}

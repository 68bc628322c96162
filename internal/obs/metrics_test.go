package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                             "/",
		"/metrics":                     "/metrics",
		"/v1/tasks":                    "/v1/tasks",
		"/v1/tasks/abc":                "/v1/tasks/:id",
		"/v1/tasks/abc/submissions":    "/v1/tasks/:id/submissions",
		"/v1/submissions/xyz/decision": "/v1/submissions/:id/decision",
		"/v1/withdrawals/xyz/paid":     "/v1/withdrawals/:id/paid",
		"/v1/withdrawals?limit=10":     "/v1/withdrawals",
		"/v1/auth/login":               "/v1/auth/login",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

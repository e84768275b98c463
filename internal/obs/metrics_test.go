package obs

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                               "/",
		"/metrics":                       "/metrics",
		"/v1/auth/login":                 "/v1/auth/login",
		"/v1/auth/login?x=1":             "/v1/auth/login",
		"/v1/roles/abc/permissions":      "/v1/roles/:id/permissions",
		"/v1/roles/abc/extra":            "/v1/roles/abc/extra",
		"/v1/accounts/abc/roles":         "/v1/accounts/:id/roles",
		"/v1/accounts/abc/roles/role-1":  "/v1/accounts/:id/roles/:role",
		"/v1/accounts/abc/roles/r/extra": "/v1/accounts/abc/roles/r/extra",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestNewLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, "warden-test", "debug")
	l.Info().Str("k", "v").Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	for _, key := range []string{"ts", "level", "service", "message"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("expected key %q in %v", key, entry)
		}
	}
	if entry["k"] != "v" || entry["service"] != "warden-test" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestNewLoggerUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, "", "chatty")
	l.Debug().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug line should be filtered at info level: %s", buf.String())
	}
}

package auth

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestSecretBoxRoundTrip(t *testing.T) {
	box, err := NewSecretBox(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("new box: %v", err)
	}
	sealed, err := box.Seal("acc1", []byte("raw-secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("raw-secret")) {
		t.Fatalf("sealed output contains plaintext")
	}
	got, err := box.Open("acc1", sealed)
	if err != nil || string(got) != "raw-secret" {
		t.Fatalf("open: %q %v", got, err)
	}
	if _, err := box.Open("acc2", sealed); err == nil {
		t.Fatalf("secret opened under another account id")
	}
	if _, err := box.Open("acc1", sealed[:10]); err == nil {
		t.Fatalf("truncated secret opened")
	}
}

func TestSecretBoxKeyLength(t *testing.T) {
	if _, err := NewSecretBox([]byte("short")); err == nil {
		t.Fatalf("short key accepted")
	}
	if _, err := NewSecretBox(nil); err != nil {
		t.Fatalf("ephemeral key: %v", err)
	}
}

func TestBackupCodeFormat(t *testing.T) {
	plain, records, err := generateBackupCodes("acc1", 10, time.Now())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(plain) != 10 || len(records) != 10 {
		t.Fatalf("unexpected counts %d %d", len(plain), len(records))
	}
	seen := map[string]bool{}
	for i, code := range plain {
		if len(code) != 11 || code[5] != '-' {
			t.Fatalf("unexpected format %q", code)
		}
		c := canonicalBackupCode(code)
		if c == "" || seen[c] {
			t.Fatalf("invalid or duplicate code %q", code)
		}
		seen[c] = true
		if records[i].CodeHash != backupCodeHash("acc1", c) || records[i].CodeHash == c {
			t.Fatalf("record %d does not hold the code hash", i)
		}
		if strings.Contains(records[i].CodeHash, c) {
			t.Fatalf("hash leaks code")
		}
	}
}

func TestCanonicalBackupCode(t *testing.T) {
	cases := map[string]string{
		"ABCDE-FGHJK":  "ABCDEFGHJK",
		"abcde fghjk":  "ABCDEFGHJK",
		"abcdefghjk":   "ABCDEFGHJK",
		"ABCDE-FGHJ":   "",
		"ABCDE-FGHJ0":  "", // 0 is not in the alphabet
		"ABCDE-FGHJKL": "",
		"":             "",
		"ABCDE_FGHJK":  "",
	}
	for in, want := range cases {
		if got := canonicalBackupCode(in); got != want {
			t.Fatalf("canonical(%q) = %q, want %q", in, got, want)
		}
	}
	if backupCodeHash("a", "ABCDEFGHJK") == backupCodeHash("b", "ABCDEFGHJK") {
		t.Fatalf("hash must be bound to the account")
	}
}

func TestLockoutPolicy(t *testing.T) {
	p := LockoutPolicy{}.normalized()
	if p.MaxFailedLogins != 5 || p.Duration != 10*time.Minute {
		t.Fatalf("unexpected defaults %+v", p)
	}
	now := time.Now()
	until := now.Add(time.Minute)
	a := &Account{LockoutUntil: &until}
	if got, ok := p.LockedUntil(a, now); !ok || !got.Equal(until) {
		t.Fatalf("expected locked until %v", until)
	}
	if p.Expired(a, now) {
		t.Fatalf("lockout should not be expired yet")
	}
	if _, ok := p.LockedUntil(a, until); ok {
		t.Fatalf("lockout should end at its expiry")
	}
	if !p.Expired(a, until) {
		t.Fatalf("lockout should be expired at its expiry")
	}
	if p.Expired(&Account{}, now) {
		t.Fatalf("unlocked account has nothing to expire")
	}
}

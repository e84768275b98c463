package password

import (
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func fastHasher() *Hasher {
	return NewHasher(Params{Memory: 1024, Iterations: 1, Parallelism: 1})
}

func TestHashVerifyRoundTrip(t *testing.T) {
	h := fastHasher()
	for _, pw := range []string{"p1", "correct horse battery staple", "пароль", strings.Repeat("x", 256)} {
		enc, err := h.Hash(pw)
		if err != nil {
			t.Fatalf("hash %q: %v", pw, err)
		}
		if !strings.HasPrefix(enc, "$argon2id$v=19$m=1024,t=1,p=1$") {
			t.Fatalf("unexpected encoding %s", enc)
		}
		if !h.Verify(pw, enc) {
			t.Fatalf("verify %q failed", pw)
		}
		if h.Verify(pw+"x", enc) {
			t.Fatalf("verify accepted wrong password for %q", pw)
		}
	}
}

func TestHashUsesFreshSalt(t *testing.T) {
	h := fastHasher()
	a, _ := h.Hash("same")
	b, _ := h.Hash("same")
	if a == b {
		t.Fatalf("expected distinct hashes")
	}
}

func TestHashRejectsEmpty(t *testing.T) {
	if _, err := fastHasher().Hash(""); err != ErrEmptyPassword {
		t.Fatalf("expected ErrEmptyPassword, got %v", err)
	}
}

func TestVerifyMalformed(t *testing.T) {
	h := fastHasher()
	cases := []string{
		"",
		"plain",
		"$argon2id$",
		"$argon2id$v=18$m=1024,t=1,p=1$c2FsdA$a2V5",
		"$argon2id$v=19$m=0,t=1,p=1$c2FsdA$a2V5",
		"$argon2id$v=19$m=1024,t=1,p=1$!!!$a2V5",
		"$argon2i$v=19$m=1024,t=1,p=1$c2FsdA$a2V5",
		"$2a$10$short",
	}
	for _, c := range cases {
		if h.Verify("anything", c) {
			t.Fatalf("malformed hash %q verified", c)
		}
	}
}

func TestVerifyLegacyBcrypt(t *testing.T) {
	legacy, err := bcrypt.GenerateFromPassword([]byte("old-secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	h := fastHasher()
	if !h.Verify("old-secret", string(legacy)) {
		t.Fatalf("bcrypt hash not accepted")
	}
	if h.Verify("other", string(legacy)) {
		t.Fatalf("bcrypt accepted wrong password")
	}
	if !h.NeedsRehash(string(legacy)) {
		t.Fatalf("bcrypt hash should need rehash")
	}
}

func TestNeedsRehash(t *testing.T) {
	weak := NewHasher(Params{Memory: 512, Iterations: 1, Parallelism: 1})
	enc, _ := weak.Hash("pw")
	if !fastHasher().NeedsRehash(enc) {
		t.Fatalf("weaker params should need rehash")
	}
	cur, _ := fastHasher().Hash("pw")
	if fastHasher().NeedsRehash(cur) {
		t.Fatalf("current params should not need rehash")
	}
}

func TestVerifyRejectsOversizedParams(t *testing.T) {
	h := fastHasher()
	cases := []string{
		"$argon2id$v=19$m=4294967295,t=1,p=1$c2FsdA$a2V5",
		"$argon2id$v=19$m=1024,t=4294967295,p=1$c2FsdA$a2V5",
		"$argon2id$v=19$m=1024,t=1,p=255$c2FsdA$a2V5",
	}
	for _, c := range cases {
		done := make(chan bool, 1)
		go func() { done <- h.Verify("anything", c) }()
		select {
		case ok := <-done:
			if ok {
				t.Fatalf("hash %q verified", c)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("hash %q was not rejected up front", c)
		}
		if !h.NeedsRehash(c) {
			t.Fatalf("hash %q should need rehash", c)
		}
	}
}

package vault

import (
	"errors"
	"strings"
	"testing"
	"time"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestTOTPReferenceVectors(t *testing.T) {
	// RFC 6238 appendix B (SHA1 seed "12345678901234567890"), truncated to 6 digits.
	rfc := "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"
	cases := []struct {
		unix int64
		want string
	}{
		{59, "287082"},
		{1111111109, "081804"},
		{1111111111, "050471"},
		{1234567890, "005924"},
		{2000000000, "279037"},
		{20000000000, "353130"},
	}
	for _, tc := range cases {
		got, err := TOTP(rfc, time.Unix(tc.unix, 0))
		if err != nil {
			t.Fatalf("TOTP(%d): %v", tc.unix, err)
		}
		if got != tc.want {
			t.Fatalf("TOTP(%d): expected %s, got %s", tc.unix, tc.want, got)
		}
	}
}

func TestTOTPDocumentedSecret(t *testing.T) {
	secret := "SGPOGESJNAA6TV4PEQGVJCAN6KTPJ24R"
	cases := map[int64]string{
		59:         "687110",
		1111111109: "776252",
		1700000000: "392028",
		1760000000: "667062",
	}
	for unix, want := range cases {
		got, err := TOTP(secret, time.Unix(unix, 0))
		if err != nil {
			t.Fatalf("TOTP: %v", err)
		}
		if got != want {
			t.Fatalf("TOTP at %d: expected %s, got %s", unix, want, got)
		}
	}

	// Same 30s window, same code; lowercase and spaced input is accepted.
	a, _ := TOTP(secret, time.Unix(1700000000, 0))
	b, _ := TOTP(strings.ToLower("SGPO GESJ NAA6 TV4P EQGV JCAN 6KTP J24R"), time.Unix(1700000009, 0))
	if a != b {
		t.Fatalf("expected same code within window, got %s and %s", a, b)
	}
}

func TestTOTPRejectsBadSecret(t *testing.T) {
	for _, s := range []string{"", "not base32!"} {
		if _, err := TOTP(s, time.Now()); !errors.Is(err, ErrBadSecret) {
			t.Fatalf("TOTP(%q): expected ErrBadSecret, got %v", s, err)
		}
	}
}

func TestSealOpen(t *testing.T) {
	v, err := New(Config{Key: testKey})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sealed, err := v.Seal("hunter2")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if strings.Contains(sealed, "hunter2") {
		t.Fatalf("sealed value leaks plaintext")
	}
	again, _ := v.Seal("hunter2")
	if again == sealed {
		t.Fatalf("expected random nonce to change ciphertext")
	}
	plain, err := v.Open(sealed)
	if err != nil || plain != "hunter2" {
		t.Fatalf("expected hunter2, got %q (%v)", plain, err)
	}

	other, _ := New(Config{Key: strings.Repeat("ab", 32)})
	if _, err := other.Open(sealed); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt with wrong key, got %v", err)
	}
	if _, err := v.Open("!!"); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt for garbage, got %v", err)
	}
}

func TestNewKeyValidation(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
	if _, err := New(Config{Key: "short"}); !errors.Is(err, ErrBadKey) {
		t.Fatalf("expected ErrBadKey, got %v", err)
	}
	k, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if _, err := New(Config{Key: k}); err != nil {
		t.Fatalf("generated key rejected: %v", err)
	}
}

func TestOneTimeCodeUsesClock(t *testing.T) {
	frozen := time.Unix(1700000000, 0)
	v, _ := New(Config{Key: testKey}, WithClock(func() time.Time { return frozen }))
	sealed, _ := v.Seal("SGPOGESJNAA6TV4PEQGVJCAN6KTPJ24R")

	code, err := v.OneTimeCode(sealed)
	if err != nil {
		t.Fatalf("OneTimeCode: %v", err)
	}
	if code != "392028" {
		t.Fatalf("expected 392028, got %s", code)
	}
	if _, err := v.OneTimeCode(""); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("expected ErrNoSecret, got %v", err)
	}
}

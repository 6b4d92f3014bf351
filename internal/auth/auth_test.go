package auth

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGenerateCompanionKey(t *testing.T) {
	key, err := GenerateCompanionKey()
	if err != nil {
		t.Fatalf("GenerateCompanionKey failed: %v", err)
	}

	if len(key.Prefix) != prefixLength {
		t.Errorf("prefix length = %d, want %d", len(key.Prefix), prefixLength)
	}
	for _, c := range key.Prefix {
		if !isAlphanumeric(c) {
			t.Errorf("prefix contains non-alphanumeric character: %c", c)
		}
	}

	expectedStart := "flowgate_" + key.Prefix + "_"
	if !strings.HasPrefix(key.Display, expectedStart) {
		t.Errorf("display key %q does not start with %q", key.Display, expectedStart)
	}

	// base62 of 32 bytes is ~43 chars
	secret := strings.TrimPrefix(key.Display, expectedStart)
	if len(secret) < 40 || len(secret) > 44 {
		t.Errorf("secret length = %d, want 40-44", len(secret))
	}
	for _, c := range secret {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')) {
			t.Errorf("secret contains invalid character: %c", c)
		}
	}

	if len(key.Hash) != 32 {
		t.Errorf("hash length = %d, want 32", len(key.Hash))
	}
}

func TestVerifyCompanionKey(t *testing.T) {
	key, err := GenerateCompanionKey()
	if err != nil {
		t.Fatalf("GenerateCompanionKey failed: %v", err)
	}

	if !VerifyCompanionKey(key.Display, key.Hash) {
		t.Error("VerifyCompanionKey should accept the generated key")
	}
	if VerifyCompanionKey("flowgate_invalid12345_key", key.Hash) {
		t.Error("VerifyCompanionKey should reject a different key")
	}
	if VerifyCompanionKey(key.Display, make([]byte, 32)) {
		t.Error("VerifyCompanionKey should reject a wrong hash")
	}
}

func TestParseCompanionKey(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		wantPre string
		wantSec string
	}{
		{"valid key", "flowgate_abcdef123456_somesecretvalue123", false, "abcdef123456", "somesecretvalue123"},
		{"secret with underscore", "flowgate_abcdef123456_some_secret", false, "abcdef123456", "some_secret"},
		{"missing service prefix", "abcdef123456_somesecretvalue123", true, "", ""},
		{"foreign service prefix", "stripe_abcdef123456_secret", true, "", ""},
		{"no separator", "flowgate_noseparatorhere", true, "", ""},
		{"empty secret", "flowgate_abcdef123456_", true, "", ""},
		{"prefix too short", "flowgate_short_secret", true, "", ""},
		{"uppercase in prefix", "flowgate_ABCDEF123456_secret", true, "", ""},
		{"empty string", "", true, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prefix, secret, err := ParseCompanionKey(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Error("ParseCompanionKey should return error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCompanionKey failed: %v", err)
			}
			if prefix != tt.wantPre {
				t.Errorf("prefix = %q, want %q", prefix, tt.wantPre)
			}
			if secret != tt.wantSec {
				t.Errorf("secret = %q, want %q", secret, tt.wantSec)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/users/502", nil)
	if _, ok := BearerToken(r); ok {
		t.Error("request without header should have no token")
	}
	r.Header.Set("Authorization", "Bearer flowgate_abc")
	if got, ok := BearerToken(r); !ok || got != "flowgate_abc" {
		t.Errorf("BearerToken = %q, %v", got, ok)
	}
	r.Header.Set("Authorization", "Basic xyz")
	if _, ok := BearerToken(r); ok {
		t.Error("basic auth should not yield a bearer token")
	}
}

func TestEncodeBase62LeadingZeros(t *testing.T) {
	if got := encodeBase62([]byte{0, 0, 1}); got != "001" {
		t.Errorf("encodeBase62 = %q, want 001", got)
	}
	if got := encodeBase62(nil); got != "0" {
		t.Errorf("encodeBase62(nil) = %q, want 0", got)
	}
}

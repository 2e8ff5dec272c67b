package utils

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestEncryptionRoundTrip(t *testing.T) {
	ConfigureEncryption("unit-test-encryption-secret")

	for _, plaintext := range []string{
		"",
		"JBSWY3DPEHPK3PXP",
		"über long sécret with unicode ✓",
		strings.Repeat("a", 4096),
		string([]byte{0, 1, 2, 255, 128}),
	} {
		ciphertext, err := EncryptAESGCM(plaintext)
		if err != nil {
			t.Fatalf("encrypt failed for %q: %v", plaintext, err)
		}
		if ciphertext == plaintext && plaintext != "" {
			t.Fatal("ciphertext must differ from plaintext")
		}

		decrypted, err := DecryptAESGCM(ciphertext)
		if err != nil {
			t.Fatalf("decrypt failed: %v", err)
		}
		if decrypted != plaintext {
			t.Fatalf("round trip mismatch: got %q want %q", decrypted, plaintext)
		}
	}
}

func TestEncryptionNonceIsFresh(t *testing.T) {
	ConfigureEncryption("unit-test-encryption-secret")

	first, err := EncryptAESGCM("same input")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	second, err := EncryptAESGCM("same input")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if first == second {
		t.Fatal("two encryptions of the same input must not produce the same ciphertext")
	}
}

func TestEncryptionRequiresKey(t *testing.T) {
	ConfigureEncryption("")
	t.Cleanup(func() { ConfigureEncryption("unit-test-encryption-secret") })

	if EncryptionConfigured() {
		t.Fatal("empty secret must leave encryption unconfigured")
	}
	if _, err := EncryptAESGCM("secret"); err == nil {
		t.Fatal("expected encryption to fail without a key")
	}
	if _, err := DecryptAESGCM("anything"); err == nil {
		t.Fatal("expected decryption to fail without a key")
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	ConfigureEncryption("unit-test-encryption-secret")

	ciphertext, err := EncryptAESGCM("totp-secret")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		t.Fatalf("unexpected base64: %v", err)
	}
	raw[len(raw)-1] ^= 0x01
	if _, err := DecryptAESGCM(base64.StdEncoding.EncodeToString(raw)); err == nil {
		t.Fatal("expected tampered ciphertext to be rejected")
	}

	if _, err := DecryptAESGCM("not base64 at all!!"); err == nil {
		t.Fatal("expected invalid base64 to be rejected")
	}
	if _, err := DecryptAESGCM(base64.StdEncoding.EncodeToString([]byte("tiny"))); err == nil {
		t.Fatal("expected too-short ciphertext to be rejected")
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	ConfigureEncryption("first-key")
	ciphertext, err := EncryptAESGCM("totp-secret")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}

	ConfigureEncryption("second-key")
	if _, err := DecryptAESGCM(ciphertext); err == nil {
		t.Fatal("expected decryption with a different key to fail")
	}
}

func TestDecryptOrPlaintext(t *testing.T) {
	ConfigureEncryption("unit-test-encryption-secret")

	encrypted, err := EncryptAESGCM("stored-secret")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}

	if got := DecryptOrPlaintext(encrypted); got != "stored-secret" {
		t.Fatalf("expected decrypted value, got %q", got)
	}
	// Rows written before encryption was enabled come back untouched.
	if got := DecryptOrPlaintext("legacy-plaintext"); got != "legacy-plaintext" {
		t.Fatalf("expected passthrough, got %q", got)
	}
	if got := DecryptOrPlaintext(""); got != "" {
		t.Fatalf("expected empty passthrough, got %q", got)
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if hash == "correct horse battery staple" {
		t.Fatal("hash must not equal the password")
	}
	if !CheckPassword("correct horse battery staple", hash) {
		t.Fatal("expected matching password to verify")
	}
	if CheckPassword("wrong password", hash) {
		t.Fatal("expected mismatched password to fail")
	}
}

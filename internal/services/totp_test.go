package services

import (
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
)

func TestTOTPService_GenerateSecretUnique(t *testing.T) {
	svc := NewTOTPService("AuthVault Test", 1)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		key, err := svc.GenerateSecret("user@test.com")
		if err != nil {
			t.Fatalf("failed generating secret: %v", err)
		}
		secret := key.Secret()
		if secret == "" {
			t.Fatal("expected non-empty secret")
		}
		if seen[secret] {
			t.Fatalf("duplicate secret generated after %d iterations", i)
		}
		seen[secret] = true
	}
}

func TestTOTPService_Validate(t *testing.T) {
	svc := NewTOTPService("AuthVault Test", 1)
	key, err := svc.GenerateSecret("user@test.com")
	if err != nil {
		t.Fatalf("failed generating secret: %v", err)
	}
	secret := key.Secret()

	now := time.Unix(1700000000, 0)

	code, err := totp.GenerateCode(secret, now)
	if err != nil {
		t.Fatalf("failed generating code: %v", err)
	}

	t.Run("accepts current code", func(t *testing.T) {
		ok, counter := svc.Validate(secret, code, 0, now)
		if !ok {
			t.Fatal("expected current code to validate")
		}
		if want := now.Unix() / 30; counter != want {
			t.Fatalf("expected counter %d, got %d", want, counter)
		}
	})

	t.Run("accepts previous step within skew", func(t *testing.T) {
		prevCode, err := totp.GenerateCode(secret, now.Add(-30*time.Second))
		if err != nil {
			t.Fatalf("failed generating code: %v", err)
		}
		ok, counter := svc.Validate(secret, prevCode, 0, now)
		if !ok {
			t.Fatal("expected previous-step code to validate within skew")
		}
		if want := now.Add(-30*time.Second).Unix() / 30; counter != want {
			t.Fatalf("expected counter %d, got %d", want, counter)
		}
	})

	t.Run("rejects code outside skew", func(t *testing.T) {
		oldCode, err := totp.GenerateCode(secret, now.Add(-90*time.Second))
		if err != nil {
			t.Fatalf("failed generating code: %v", err)
		}
		if ok, _ := svc.Validate(secret, oldCode, 0, now); ok {
			t.Fatal("expected two-steps-old code to be rejected")
		}
	})

	t.Run("rejects wrong code", func(t *testing.T) {
		if ok, _ := svc.Validate(secret, "000000", 0, now); ok {
			t.Fatal("expected wrong code to be rejected")
		}
	})

	t.Run("rejects replay at same counter", func(t *testing.T) {
		ok, counter := svc.Validate(secret, code, 0, now)
		if !ok {
			t.Fatal("expected first use to validate")
		}
		if ok, _ := svc.Validate(secret, code, counter, now); ok {
			t.Fatal("expected replay at the same counter to be rejected")
		}
		if ok, _ := svc.Validate(secret, code, counter, now.Add(10*time.Second)); ok {
			t.Fatal("expected replay within the same step to be rejected")
		}
	})

	t.Run("accepts next step after consumed counter", func(t *testing.T) {
		_, counter := svc.Validate(secret, code, 0, now)
		next := now.Add(30 * time.Second)
		nextCode, err := totp.GenerateCode(secret, next)
		if err != nil {
			t.Fatalf("failed generating code: %v", err)
		}
		ok, nextCounter := svc.Validate(secret, nextCode, counter, next)
		if !ok {
			t.Fatal("expected next-step code to validate")
		}
		if nextCounter != counter+1 {
			t.Fatalf("expected counter %d, got %d", counter+1, nextCounter)
		}
	})
}

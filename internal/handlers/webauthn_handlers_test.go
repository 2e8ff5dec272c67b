package handlers

import (
	"testing"

	"github.com/authvault/backend/internal/models"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
)

func seedCredential(t *testing.T, env *testEnv, userID uuid.UUID, credID []byte, signCount uint32) *models.WebAuthnCredential {
	t.Helper()
	cred := models.WebAuthnCredential{
		UserID:       userID,
		CredentialID: credID,
		PublicKey:    []byte("test-public-key"),
		SignCount:    signCount,
		Name:         "test-key",
		Active:       true,
	}
	if err := env.db.Create(&cred).Error; err != nil {
		t.Fatalf("failed creating credential: %v", err)
	}
	return &cred
}

func TestCheckSignCount(t *testing.T) {
	env := setupTestEnv(t)
	user, _ := createTestUser(t, env.db, "signcount@example.com", "password123", models.UserRoleUser)
	h := NewWebAuthnHandler(env.db, nil, env.mfa, env.mfa.Audit)

	t.Run("monotonic increase accepted and persisted", func(t *testing.T) {
		stored := seedCredential(t, env, user.ID, []byte("cred-increase"), 10)
		cred := &webauthn.Credential{ID: stored.CredentialID}
		cred.Authenticator.SignCount = 11

		if !h.checkSignCount(cred, user.ID) {
			t.Fatal("expected increased counter to pass")
		}

		var reloaded models.WebAuthnCredential
		if err := env.db.First(&reloaded, "id = ?", stored.ID).Error; err != nil {
			t.Fatalf("failed reloading credential: %v", err)
		}
		if reloaded.SignCount != 11 || !reloaded.Active || reloaded.LastUsedAt == nil {
			t.Fatalf("expected count 11 on an active credential, got %+v", reloaded)
		}
	})

	t.Run("equal counter deactivates credential", func(t *testing.T) {
		stored := seedCredential(t, env, user.ID, []byte("cred-regress"), 10)
		cred := &webauthn.Credential{ID: stored.CredentialID}
		cred.Authenticator.SignCount = 10

		if h.checkSignCount(cred, user.ID) {
			t.Fatal("expected regressed counter to be rejected")
		}

		var reloaded models.WebAuthnCredential
		if err := env.db.First(&reloaded, "id = ?", stored.ID).Error; err != nil {
			t.Fatalf("failed reloading credential: %v", err)
		}
		if reloaded.Active {
			t.Fatal("expected credential to be deactivated")
		}

		var attempts int64
		env.db.Model(&models.VerificationAttempt{}).
			Where("user_id = ? AND failure_reason = ?", user.ID, "sign_count_regression").
			Count(&attempts)
		if attempts == 0 {
			t.Fatal("expected a sign_count_regression attempt row")
		}
	})

	t.Run("clone warning rejected despite a higher counter", func(t *testing.T) {
		stored := seedCredential(t, env, user.ID, []byte("cred-clone"), 10)
		cred := &webauthn.Credential{ID: stored.CredentialID}
		cred.Authenticator.SignCount = 20
		cred.Authenticator.CloneWarning = true

		if h.checkSignCount(cred, user.ID) {
			t.Fatal("expected clone warning to be rejected")
		}

		var reloaded models.WebAuthnCredential
		if err := env.db.First(&reloaded, "id = ?", stored.ID).Error; err != nil {
			t.Fatalf("failed reloading credential: %v", err)
		}
		if reloaded.Active {
			t.Fatal("expected credential to be deactivated")
		}
	})

	t.Run("zero counters accepted", func(t *testing.T) {
		stored := seedCredential(t, env, user.ID, []byte("cred-zero"), 0)
		cred := &webauthn.Credential{ID: stored.CredentialID}
		if !h.checkSignCount(cred, user.ID) {
			t.Fatal("expected a never-incrementing authenticator to pass")
		}
	})

	t.Run("unknown credential rejected", func(t *testing.T) {
		cred := &webauthn.Credential{ID: []byte("cred-missing")}
		if h.checkSignCount(cred, user.ID) {
			t.Fatal("expected unknown credential to be rejected")
		}
	})
}

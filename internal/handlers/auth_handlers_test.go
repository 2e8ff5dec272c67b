package handlers

import (
	"testing"

	"github.com/authvault/backend/internal/models"
	"github.com/gofiber/fiber/v2"
)

func TestRegister(t *testing.T) {
	env := setupTestEnv(t)

	t.Run("creates user and returns token", func(t *testing.T) {
		resp := performJSONRequest(t, env.app, "POST", "/api/auth/register", map[string]string{
			"email":     "new@example.com",
			"password":  "password123",
			"firstName": "New",
			"lastName":  "User",
		}, nil)
		assertStatus(t, resp, fiber.StatusCreated)

		data := dataMap(t, decodeJSONMap(t, resp))
		if token, _ := data["token"].(string); token == "" {
			t.Fatalf("expected token, got %+v", data)
		}
	})

	t.Run("rejects duplicate email", func(t *testing.T) {
		resp := performJSONRequest(t, env.app, "POST", "/api/auth/register", map[string]string{
			"email":     "new@example.com",
			"password":  "password123",
			"firstName": "New",
			"lastName":  "User",
		}, nil)
		assertStatus(t, resp, fiber.StatusConflict)
	})

	t.Run("rejects short password", func(t *testing.T) {
		resp := performJSONRequest(t, env.app, "POST", "/api/auth/register", map[string]string{
			"email":     "short@example.com",
			"password":  "short",
			"firstName": "New",
			"lastName":  "User",
		}, nil)
		assertStatus(t, resp, fiber.StatusBadRequest)
	})
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	env := setupTestEnv(t)
	createTestUser(t, env.db, "creds@example.com", "password123", models.UserRoleUser)

	resp := performJSONRequest(t, env.app, "POST", "/api/auth/login",
		map[string]string{"email": "creds@example.com", "password": "wrong-password"}, nil)
	assertStatus(t, resp, fiber.StatusUnauthorized)

	resp = performJSONRequest(t, env.app, "POST", "/api/auth/login",
		map[string]string{"email": "nobody@example.com", "password": "password123"}, nil)
	assertStatus(t, resp, fiber.StatusUnauthorized)
}

func TestLoginRejectsInactiveUser(t *testing.T) {
	env := setupTestEnv(t)
	user, _ := createTestUser(t, env.db, "inactive@example.com", "password123", models.UserRoleUser)
	if err := env.db.Model(user).Update("active", false).Error; err != nil {
		t.Fatalf("failed deactivating user: %v", err)
	}

	resp := performJSONRequest(t, env.app, "POST", "/api/auth/login",
		map[string]string{"email": "inactive@example.com", "password": "password123"}, nil)
	assertStatus(t, resp, fiber.StatusUnauthorized)
}

func TestMe(t *testing.T) {
	env := setupTestEnv(t)
	_, token := createTestUser(t, env.db, "me@example.com", "password123", models.UserRoleUser)

	resp := performJSONRequest(t, env.app, "GET", "/api/auth/me", nil, authHeaders(token))
	assertStatus(t, resp, fiber.StatusOK)
	data := dataMap(t, decodeJSONMap(t, resp))
	if email, _ := data["email"].(string); email != "me@example.com" {
		t.Fatalf("expected own profile, got %+v", data)
	}

	resp = performJSONRequest(t, env.app, "GET", "/api/auth/me", nil, nil)
	assertStatus(t, resp, fiber.StatusUnauthorized)
}

func TestInactiveUserRejectedWithValidToken(t *testing.T) {
	env := setupTestEnv(t)
	user, token := createTestUser(t, env.db, "revoked@example.com", "password123", models.UserRoleUser)
	if err := env.db.Model(user).Update("active", false).Error; err != nil {
		t.Fatalf("failed deactivating user: %v", err)
	}

	resp := performJSONRequest(t, env.app, "GET", "/api/auth/me", nil, authHeaders(token))
	assertStatus(t, resp, fiber.StatusUnauthorized)
}

func TestPolicyEnforcesMFAWithoutEnrollment(t *testing.T) {
	env := setupTestEnv(t)
	createTestUser(t, env.db, "enforced@example.com", "password123", models.UserRoleUser)

	policy := models.MFAPolicy{
		Name:          "all-users",
		Active:        true,
		EnforcedRoles: []string{"user"},
	}
	if err := env.db.Create(&policy).Error; err != nil {
		t.Fatalf("failed creating policy: %v", err)
	}

	resp := performJSONRequest(t, env.app, "POST", "/api/auth/login",
		map[string]string{"email": "enforced@example.com", "password": "password123"}, nil)
	assertStatus(t, resp, fiber.StatusOK)
	data := dataMap(t, decodeJSONMap(t, resp))
	if required, _ := data["mfaRequired"].(bool); !required {
		t.Fatalf("expected mfaRequired for policy-enforced role, got %+v", data)
	}
}

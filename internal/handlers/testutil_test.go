package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/authvault/backend/internal/middleware"
	"github.com/authvault/backend/internal/models"
	"github.com/authvault/backend/internal/resilience"
	"github.com/authvault/backend/internal/services"
	"github.com/authvault/backend/internal/session"
	"github.com/authvault/backend/pkg/logger"
	"github.com/authvault/backend/pkg/utils"
	"github.com/glebarez/sqlite"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"gorm.io/gorm"
)

type testEnv struct {
	app      *fiber.App
	db       *gorm.DB
	sms      *fakeSMSProvider
	email    *fakeEmailSender
	sessions *session.Manager
	mfa      *services.MFAService
}

var codePattern = regexp.MustCompile(`\d{6}`)

type fakeSMSProvider struct {
	mu       sync.Mutex
	fail     bool
	sent     int
	lastCode string
}

func (f *fakeSMSProvider) Name() string { return "fake-sms" }

func (f *fakeSMSProvider) Send(_ context.Context, _, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("gateway down")
	}
	f.sent++
	f.lastCode = codePattern.FindString(message)
	return nil
}

func (f *fakeSMSProvider) code() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCode
}

type fakeEmailSender struct {
	mu       sync.Mutex
	fail     bool
	sent     int
	lastCode string
}

func (f *fakeEmailSender) Send(_ context.Context, _, _, _, textBody string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("smtp down")
	}
	f.sent++
	f.lastCode = codePattern.FindString(textBody)
	return nil
}

func (f *fakeEmailSender) code() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCode
}

var testSetupOnce sync.Once

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	testSetupOnce.Do(func() {
		logger.Init()
		utils.ConfigureJWT("test-secret", 24)
		utils.ConfigureEncryption("test-encryption-secret")
	})

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed opening in-memory sqlite database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed getting sql.DB from gorm: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	err = db.AutoMigrate(
		&models.User{},
		&models.MFAConfig{},
		&models.BackupCode{},
		&models.VerificationAttempt{},
		&models.MFAPolicy{},
		&models.WebAuthnCredential{},
		&models.MFAChallenge{},
		&models.AuditLog{},
		&models.AuditArchiveCursor{},
	)
	if err != nil {
		t.Fatalf("failed automigrating models: %v", err)
	}

	smsProvider := &fakeSMSProvider{}
	emailSender := &fakeEmailSender{}

	counterStore := resilience.NewMemoryCounterStore()
	breakerCfg := resilience.BreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Minute, SuccessThreshold: 1}
	smsLimiter := resilience.NewRateLimiter(counterStore, "sms", 5*time.Minute, 5)
	emailLimiter := resilience.NewRateLimiter(counterStore, "email", 5*time.Minute, 5)

	auditService := services.NewAuditService(db, nil)
	totpService := services.NewTOTPService("AuthVault Test", 1)
	smsService := services.NewSMSService(smsLimiter, breakerCfg, smsProvider)
	emailService := services.NewEmailService(emailSender, emailLimiter, breakerCfg)
	backupService := services.NewBackupCodeService(db)
	policyService := services.NewPolicyService(db)
	sessionManager := session.NewManager(session.NewMemoryStore(), 15*time.Minute)
	mfaService := services.NewMFAService(db, totpService, smsService, emailService, backupService, policyService, sessionManager, auditService)

	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName: "AuthVault Test",
		RPID:          "localhost",
		RPOrigins:     []string{"http://localhost:3001"},
	})
	if err != nil {
		t.Fatalf("failed creating webauthn config: %v", err)
	}

	authHandler := NewAuthHandler(db, mfaService, auditService)
	mfaHandler := NewMFAHandler(db, mfaService)
	webauthnHandler := NewWebAuthnHandler(db, wa, mfaService, auditService)
	policiesHandler := NewPoliciesHandler(db, auditService)
	usersHandler := NewUsersHandler(db, mfaService, auditService)
	auditHandler := NewAuditHandler(db)
	authMiddleware := middleware.NewAuthMiddleware(db)

	app := fiber.New(fiber.Config{BodyLimit: 1 * 1024 * 1024})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS())
	app.Use(middleware.RequestLogger())
	app.Use(middleware.SecurityLogger())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api")

	authRoutes := api.Group("/auth")
	authRoutes.Post("/register", authHandler.Register)
	authRoutes.Post("/login", authHandler.Login)
	authRoutes.Get("/me", authMiddleware.RequireAuth, authHandler.Me)

	authRoutes.Get("/mfa/methods", mfaHandler.Methods)
	authRoutes.Post("/mfa/challenge", mfaHandler.Challenge)
	authRoutes.Post("/mfa/verify", mfaHandler.Verify)
	authRoutes.Post("/mfa/webauthn/begin", webauthnHandler.VerifyBegin)
	authRoutes.Post("/mfa/webauthn/finish", webauthnHandler.VerifyFinish)

	authRoutes.Post("/passkey/begin", webauthnHandler.LoginBegin)
	authRoutes.Post("/passkey/finish", webauthnHandler.LoginFinish)

	mfaRoutes := api.Group("/mfa", authMiddleware.RequireAuth)
	mfaRoutes.Get("/status", mfaHandler.Status)
	mfaRoutes.Post("/setup", mfaHandler.BeginSetup)
	mfaRoutes.Post("/setup/complete", mfaHandler.CompleteSetup)
	mfaRoutes.Post("/backup-codes", mfaHandler.RegenerateBackupCodes)
	mfaRoutes.Post("/disable", mfaHandler.Disable)

	passkeyRoutes := api.Group("/passkeys", authMiddleware.RequireAuth)
	passkeyRoutes.Post("/register/begin", webauthnHandler.RegisterBegin)
	passkeyRoutes.Post("/register/finish", webauthnHandler.RegisterFinish)
	passkeyRoutes.Get("/", webauthnHandler.List)
	passkeyRoutes.Put("/:id", webauthnHandler.Rename)
	passkeyRoutes.Delete("/:id", webauthnHandler.Delete)

	api.Get("/audit/export", authMiddleware.RequireAuth, auditHandler.ExportMyLog)

	policyRoutes := api.Group("/policies", authMiddleware.RequireAuth, middleware.AdminOnly)
	policyRoutes.Post("/", policiesHandler.Create)
	policyRoutes.Get("/", policiesHandler.List)
	policyRoutes.Get("/:id", policiesHandler.Get)
	policyRoutes.Put("/:id", policiesHandler.Update)
	policyRoutes.Delete("/:id", policiesHandler.Delete)

	userRoutes := api.Group("/users", authMiddleware.RequireAuth, middleware.AdminOnly)
	userRoutes.Get("/", usersHandler.List)
	userRoutes.Get("/:id", usersHandler.Get)
	userRoutes.Put("/:id", usersHandler.Update)
	userRoutes.Post("/:id/mfa/reset", usersHandler.ResetMFA)
	userRoutes.Get("/:id/attempts", usersHandler.Attempts)

	return &testEnv{
		app:      app,
		db:       db,
		sms:      smsProvider,
		email:    emailSender,
		sessions: sessionManager,
		mfa:      mfaService,
	}
}

func createTestUser(t *testing.T, db *gorm.DB, email, password string, role models.UserRole) (*models.User, string) {
	t.Helper()

	hash, err := utils.HashPassword(password)
	if err != nil {
		t.Fatalf("failed hashing password: %v", err)
	}

	user := &models.User{
		Email:        email,
		PasswordHash: hash,
		FirstName:    "Test",
		LastName:     "User",
		Role:         role,
		Active:       true,
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("failed creating test user: %v", err)
	}

	token, err := utils.GenerateToken(user)
	if err != nil {
		t.Fatalf("failed generating auth token: %v", err)
	}

	return user, token
}

func authHeaders(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func performRequest(t *testing.T, app *fiber.App, method, path string, body io.Reader, headers map[string]string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(method, path, body)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := app.Test(req, int((10 * time.Second).Milliseconds()))
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}

	return resp
}

func performJSONRequest(t *testing.T, app *fiber.App, method, path string, payload any, headers map[string]string) *http.Response {
	t.Helper()

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to marshal payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}

	requestHeaders := map[string]string{}
	for key, value := range headers {
		requestHeaders[key] = value
	}
	if payload != nil {
		requestHeaders["Content-Type"] = "application/json"
	}

	return performRequest(t, app, method, path, body, requestHeaders)
}

func decodeJSONMap(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed reading response body: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("failed decoding JSON response: %v body=%q", err, string(raw))
	}

	return payload
}

func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Fatalf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

func assertEnvelopeError(t *testing.T, body map[string]any, expected string) {
	t.Helper()
	if success, _ := body["success"].(bool); success {
		t.Fatalf("expected success=false, got %+v", body)
	}
	if got, _ := body["error"].(string); got != expected {
		t.Fatalf("expected error %q, got %q", expected, got)
	}
}

func dataMap(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	data, ok := body["data"].(map[string]any)
	if !ok {
		t.Fatalf("expected data object, got %+v", body)
	}
	return data
}

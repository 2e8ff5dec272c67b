package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/authvault/backend/internal/config"
	"github.com/authvault/backend/internal/database"
	"github.com/authvault/backend/internal/handlers"
	"github.com/authvault/backend/internal/middleware"
	"github.com/authvault/backend/internal/resilience"
	"github.com/authvault/backend/internal/services"
	"github.com/authvault/backend/internal/session"
	"github.com/authvault/backend/internal/storage"
	"github.com/authvault/backend/pkg/logger"
	"github.com/authvault/backend/pkg/utils"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	_ = godotenv.Load()
	logger.Init()

	cfg := config.Load()
	utils.ConfigureJWT(cfg.JWT.Secret, cfg.JWT.ExpirationHours)
	if cfg.MFA.EncryptionSecret != "" {
		utils.ConfigureEncryption(cfg.MFA.EncryptionSecret)
	}

	db, err := database.Connect(cfg.DB)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}

	// Redis backs the session flows and rate-limit counters when configured;
	// otherwise both fall back to process-local memory.
	var counterStore resilience.CounterStore = resilience.NewMemoryCounterStore()
	var sessionStore session.Store = session.NewMemoryStore()
	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		counterStore = resilience.NewRedisCounterStore(rdb)
		sessionStore = session.NewRedisStore(rdb)
	}

	var storageClient *storage.MinIOClient
	if cfg.MinIO.Enabled() {
		storageClient, err = storage.NewMinIOClient(cfg.MinIO)
		if err != nil {
			log.Fatalf("minio initialization failed: %v", err)
		}
		if err := storageClient.EnsureBucket(context.Background()); err != nil {
			log.Fatalf("failed ensuring minio bucket: %v", err)
		}
	}

	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName: getEnvDefault("WEBAUTHN_RP_NAME", "AuthVault"),
		RPID:          getEnvDefault("WEBAUTHN_RP_ID", "localhost"),
		RPOrigins:     []string{getEnvDefault("WEBAUTHN_RP_ORIGIN", "http://localhost:3001")},
	})
	if err != nil {
		log.Fatalf("webauthn initialization failed: %v", err)
	}

	breakerCfg := resilience.BreakerConfig{
		FailureThreshold: cfg.MFA.BreakerFailures,
		RecoveryTimeout:  cfg.MFA.BreakerRecovery,
		SuccessThreshold: cfg.MFA.BreakerSuccesses,
	}

	smsLimiter := resilience.NewRateLimiter(counterStore, "sms", cfg.MFA.RateLimitWindow, cfg.MFA.RateLimitMax)
	emailLimiter := resilience.NewRateLimiter(counterStore, "email", cfg.MFA.RateLimitWindow, cfg.MFA.RateLimitMax)

	smsProviders := make([]services.SMSProvider, 0, len(cfg.SMS.Providers))
	for _, p := range cfg.SMS.Providers {
		smsProviders = append(smsProviders, services.NewHTTPSMSProvider(p.Name, p.APIURL, p.APIKey, p.SenderID))
	}

	var emailSender services.EmailSender
	if cfg.SMTP.Enabled() {
		emailSender = services.NewSMTPSender(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password)
	}

	auditService := services.NewAuditService(db, storageClient)
	if storageClient != nil {
		auditService.StartExporter(cfg.Audit.ExportInterval)
	}

	totpService := services.NewTOTPService(cfg.MFA.Issuer, cfg.MFA.TOTPSkew)
	smsService := services.NewSMSService(smsLimiter, breakerCfg, smsProviders...)
	emailService := services.NewEmailService(emailSender, emailLimiter, breakerCfg)
	backupService := services.NewBackupCodeService(db)
	policyService := services.NewPolicyService(db)
	sessionManager := session.NewManager(sessionStore, cfg.MFA.FlowTTL)
	mfaService := services.NewMFAService(db, totpService, smsService, emailService, backupService, policyService, sessionManager, auditService)

	authHandler := handlers.NewAuthHandler(db, mfaService, auditService)
	mfaHandler := handlers.NewMFAHandler(db, mfaService)
	webauthnHandler := handlers.NewWebAuthnHandler(db, wa, mfaService, auditService)
	policiesHandler := handlers.NewPoliciesHandler(db, auditService)
	usersHandler := handlers.NewUsersHandler(db, mfaService, auditService)
	auditHandler := handlers.NewAuditHandler(db)

	authMiddleware := middleware.NewAuthMiddleware(db)

	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			utils.CleanupExpiredJTIs()
		}
	}()

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

	// Pending-login verification; authenticated by the short-lived MFA token.
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

	listenAddr := fmt.Sprintf(":%s", cfg.Server.Port)

	logger.Info("server_starting", map[string]interface{}{
		"port":    cfg.Server.Port,
		"address": listenAddr,
		"redis":   cfg.Redis.Enabled(),
		"minio":   cfg.MinIO.Enabled(),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(listenAddr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Printf("shutting down server due to signal: %s", sig)
		shutdownDone := make(chan struct{})
		go func() {
			_ = app.Shutdown()
			close(shutdownDone)
		}()
		select {
		case <-shutdownDone:
		case <-time.After(10 * time.Second):
			log.Print("forced shutdown timeout reached")
		}
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server error: %v", err)
		}
	}
}

func getEnvDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

package handlers

import (
	"strings"
	"time"

	"github.com/authvault/backend/internal/middleware"
	"github.com/authvault/backend/internal/models"
	"github.com/authvault/backend/internal/services"
	"github.com/authvault/backend/pkg/logger"
	"github.com/authvault/backend/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type MFAHandler struct {
	DB  *gorm.DB
	MFA *services.MFAService
}

func NewMFAHandler(db *gorm.DB, mfaSvc *services.MFAService) *MFAHandler {
	return &MFAHandler{DB: db, MFA: mfaSvc}
}

// mapServiceError translates the service error taxonomy to HTTP statuses.
// Provider and breaker detail never reaches the client.
func mapServiceError(c *fiber.Ctx, err error) error {
	switch {
	case services.IsValidationError(err):
		return utils.Error(c, fiber.StatusBadRequest, err.Error())
	case services.IsServiceUnavailable(err):
		return utils.Error(c, fiber.StatusServiceUnavailable, "verification service temporarily unavailable")
	case services.IsConfigurationError(err):
		return utils.Error(c, fiber.StatusInternalServerError, err.Error())
	default:
		return utils.Error(c, fiber.StatusInternalServerError, "internal error")
	}
}

// userFromMFAToken authenticates the pending-login token issued by Login.
// The token is only good for the challenge/verify endpoints and its JTI is
// burned on successful verification.
func (h *MFAHandler) userFromMFAToken(c *fiber.Ctx) (*models.User, *utils.MFAClaims) {
	authHeader := c.Get("Authorization")
	tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer"))
	if tokenString == "" || tokenString == authHeader {
		return nil, nil
	}

	claims, err := utils.ValidateMFAToken(tokenString)
	if err != nil {
		logger.Warn("mfa_token_invalid", map[string]interface{}{
			"ip":    c.IP(),
			"error": err.Error(),
		})
		return nil, nil
	}

	if !utils.IsJTIValid(claims.JTI) {
		logger.Warn("mfa_token_reused", map[string]interface{}{
			"ip":  c.IP(),
			"jti": claims.JTI,
		})
		return nil, nil
	}

	var user models.User
	if err := h.DB.First(&user, "id = ?", claims.UserID).Error; err != nil {
		return nil, nil
	}
	if !user.Active {
		return nil, nil
	}

	return &user, claims
}

func (h *MFAHandler) Status(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	required, err := h.MFA.Required(user)
	if err != nil {
		return mapServiceError(c, err)
	}
	methods, err := h.MFA.UserMethods(user)
	if err != nil {
		return mapServiceError(c, err)
	}

	var cfg models.MFAConfig
	enabled := false
	completed := false
	locked := false
	preferred := ""
	if err := h.DB.First(&cfg, "user_id = ?", user.ID).Error; err == nil {
		enabled = cfg.Enabled
		completed = cfg.SetupCompleted
		locked = cfg.IsLocked(time.Now())
		preferred = string(cfg.PreferredMethod)
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"required":        required,
		"enabled":         enabled,
		"setupCompleted":  completed,
		"locked":          locked,
		"preferredMethod": preferred,
		"methods":         methods,
	})
}

func (h *MFAHandler) BeginSetup(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	info, err := h.MFA.BeginSetup(c.Context(), user)
	if err != nil {
		return mapServiceError(c, err)
	}
	return utils.Success(c, fiber.StatusOK, info)
}

type completeSetupRequest struct {
	SetupToken string `json:"setupToken"`
	Code       string `json:"code"`
}

func (h *MFAHandler) CompleteSetup(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req completeSetupRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.SetupToken == "" || req.Code == "" {
		return utils.Error(c, fiber.StatusBadRequest, "setupToken and code are required")
	}

	codes, err := h.MFA.CompleteSetup(c.Context(), user, req.SetupToken, req.Code, c.IP(), c.Get("User-Agent"))
	if err != nil {
		return mapServiceError(c, err)
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"enabled":     true,
		"backupCodes": codes,
	})
}

func (h *MFAHandler) RegenerateBackupCodes(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var cfg models.MFAConfig
	if err := h.DB.First(&cfg, "user_id = ?", user.ID).Error; err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "MFA is not configured")
	}
	if !cfg.Enabled || !cfg.SetupCompleted {
		return utils.Error(c, fiber.StatusBadRequest, "MFA setup is not complete")
	}

	codes, err := h.MFA.Backup.Generate(cfg.ID, 8)
	if err != nil {
		return mapServiceError(c, err)
	}

	logger.InfoWithUser(user.ID.String(), "backup_codes_regenerated", map[string]interface{}{
		"count": len(codes),
	})
	return utils.Success(c, fiber.StatusOK, fiber.Map{"backupCodes": codes})
}

func (h *MFAHandler) Disable(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	if err := h.MFA.Disable(c.Context(), user); err != nil {
		return mapServiceError(c, err)
	}
	return utils.Success(c, fiber.StatusOK, fiber.Map{"enabled": false})
}

// Methods lists the verification methods available to a pending login.
func (h *MFAHandler) Methods(c *fiber.Ctx) error {
	user, _ := h.userFromMFAToken(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "invalid or expired MFA token")
	}

	methods, err := h.MFA.UserMethods(user)
	if err != nil {
		return mapServiceError(c, err)
	}
	return utils.Success(c, fiber.StatusOK, fiber.Map{"methods": methods})
}

type challengeRequest struct {
	Method string `json:"method"`
}

func (h *MFAHandler) Challenge(c *fiber.Ctx) error {
	user, claims := h.userFromMFAToken(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "invalid or expired MFA token")
	}

	var req challengeRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	result, err := h.MFA.Challenge(c.Context(), claims.JTI, user, models.MFAMethod(strings.ToLower(req.Method)))
	if err != nil {
		return mapServiceError(c, err)
	}
	return utils.Success(c, fiber.StatusOK, result)
}

type verifyRequest struct {
	Method string `json:"method"`
	Code   string `json:"code"`
}

func (h *MFAHandler) Verify(c *fiber.Ctx) error {
	user, claims := h.userFromMFAToken(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "invalid or expired MFA token")
	}

	var req verifyRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	result, err := h.MFA.Verify(c.Context(), claims.JTI, user,
		models.MFAMethod(strings.ToLower(req.Method)), strings.TrimSpace(req.Code),
		c.IP(), c.Get("User-Agent"))
	if err != nil {
		return mapServiceError(c, err)
	}

	if !result.Success {
		status := fiber.StatusUnauthorized
		if result.Locked {
			status = fiber.StatusTooManyRequests
		}
		return c.Status(status).JSON(fiber.Map{
			"success":           false,
			"error":             result.Message,
			"attemptsRemaining": result.AttemptsRemaining,
			"locked":            result.Locked,
		})
	}

	utils.ConsumeJTI(claims.JTI)

	token, err := utils.GenerateToken(user)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to generate token")
	}

	logger.InfoWithUser(user.ID.String(), "mfa_verified", map[string]interface{}{
		"method": req.Method,
		"ip":     c.IP(),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"token": token, "user": user})
}

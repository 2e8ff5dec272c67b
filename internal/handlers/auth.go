package handlers

import (
	"strings"

	"github.com/authvault/backend/internal/middleware"
	"github.com/authvault/backend/internal/models"
	"github.com/authvault/backend/internal/services"
	"github.com/authvault/backend/pkg/logger"
	"github.com/authvault/backend/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type AuthHandler struct {
	DB    *gorm.DB
	MFA   *services.MFAService
	Audit *services.AuditService
}

func NewAuthHandler(db *gorm.DB, mfaSvc *services.MFAService, auditSvc *services.AuditService) *AuthHandler {
	return &AuthHandler{DB: db, MFA: mfaSvc, Audit: auditSvc}
}

type registerRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *AuthHandler) Register(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		return utils.Error(c, fiber.StatusBadRequest, "valid email is required")
	}
	if len(req.Password) < 8 {
		return utils.Error(c, fiber.StatusBadRequest, "password must be at least 8 characters")
	}
	if strings.TrimSpace(req.FirstName) == "" || strings.TrimSpace(req.LastName) == "" {
		return utils.Error(c, fiber.StatusBadRequest, "first and last name are required")
	}

	var existing models.User
	if err := h.DB.First(&existing, "email = ?", req.Email).Error; err == nil {
		return utils.Error(c, fiber.StatusConflict, "email already registered")
	}

	hash, err := utils.HashPassword(req.Password)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to process password")
	}

	user := models.User{
		Email:        req.Email,
		PasswordHash: hash,
		FirstName:    strings.TrimSpace(req.FirstName),
		LastName:     strings.TrimSpace(req.LastName),
		Role:         models.UserRoleUser,
		Active:       true,
	}
	if err := h.DB.Create(&user).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to create user")
	}

	logger.InfoWithUser(user.ID.String(), "user_registered", map[string]interface{}{
		"email": user.Email,
	})

	token, err := utils.GenerateToken(&user)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to generate token")
	}

	return utils.Success(c, fiber.StatusCreated, fiber.Map{"token": token, "user": user})
}

// Login authenticates credentials. When the user must pass MFA the response
// carries a short-lived challenge token instead of a session JWT; the client
// completes login through /auth/mfa/challenge and /auth/mfa/verify.
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	var user models.User
	if err := h.DB.First(&user, "email = ?", req.Email).Error; err != nil {
		return utils.Error(c, fiber.StatusUnauthorized, "invalid credentials")
	}

	if !utils.CheckPassword(req.Password, user.PasswordHash) {
		logger.Warn("login_failed", map[string]interface{}{
			"email": req.Email,
			"ip":    c.IP(),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "invalid credentials")
	}

	if !user.Active {
		return utils.Error(c, fiber.StatusUnauthorized, "account is disabled")
	}

	required, err := h.MFA.Required(&user)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to resolve MFA state")
	}

	if required {
		mfaToken, err := utils.GenerateMFAToken(user.ID, user.Email)
		if err != nil {
			return utils.Error(c, fiber.StatusInternalServerError, "failed to generate MFA token")
		}

		claims, err := utils.ValidateMFAToken(mfaToken)
		if err != nil {
			return utils.Error(c, fiber.StatusInternalServerError, "failed to generate MFA token")
		}

		if err := h.MFA.Sessions.Require(c.Context(), claims.JTI, user.ID); err != nil {
			return utils.Error(c, fiber.StatusInternalServerError, "failed to start MFA flow")
		}

		methods, err := h.MFA.UserMethods(&user)
		if err != nil {
			return utils.Error(c, fiber.StatusInternalServerError, "failed to resolve MFA methods")
		}

		logger.InfoWithUser(user.ID.String(), "login_mfa_required", map[string]interface{}{
			"ip": c.IP(),
		})

		return utils.Success(c, fiber.StatusOK, fiber.Map{
			"mfaRequired": true,
			"mfaToken":    mfaToken,
			"methods":     methods,
		})
	}

	token, err := utils.GenerateToken(&user)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to generate token")
	}

	h.Audit.LogAsync(services.AuditEvent{
		UserID:    &user.ID,
		Action:    "login",
		IPAddress: c.IP(),
		RequestID: getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"token": token, "user": user})
}

func (h *AuthHandler) Me(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}
	return utils.Success(c, fiber.StatusOK, user)
}

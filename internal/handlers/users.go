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

// UsersHandler is the admin user-management surface. Per-user MFA state is
// surfaced alongside the account so operators can see enrollment at a glance.
type UsersHandler struct {
	DB    *gorm.DB
	MFA   *services.MFAService
	Audit *services.AuditService
}

func NewUsersHandler(db *gorm.DB, mfaSvc *services.MFAService, audit *services.AuditService) *UsersHandler {
	return &UsersHandler{DB: db, MFA: mfaSvc, Audit: audit}
}

func (h *UsersHandler) List(c *fiber.Ctx) error {
	p := utils.ParsePagination(c)
	search := strings.TrimSpace(c.Query("search"))

	query := h.DB.Model(&models.User{})
	if search != "" {
		searchValue := "%" + strings.ToLower(search) + "%"
		query = query.Where(
			"LOWER(email) LIKE ? OR LOWER(first_name) LIKE ? OR LOWER(last_name) LIKE ?",
			searchValue,
			searchValue,
			searchValue,
		)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed counting users")
	}

	var users []models.User
	if err := utils.ApplyPagination(query.Order("created_at DESC"), p).Find(&users).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed listing users")
	}

	return utils.Paginated(c, users, p, total)
}

func (h *UsersHandler) Get(c *fiber.Ctx) error {
	userID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid user id")
	}

	var user models.User
	if err := h.DB.First(&user, "id = ?", userID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return utils.Error(c, fiber.StatusNotFound, "user not found")
		}
		return utils.Error(c, fiber.StatusInternalServerError, "failed loading user")
	}

	required, err := h.MFA.Required(&user)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed resolving MFA state")
	}
	methods, err := h.MFA.UserMethods(&user)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed resolving MFA methods")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"user": user,
		"mfa": fiber.Map{
			"required": required,
			"methods":  methods,
		},
	})
}

type updateUserRequest struct {
	Role       *string  `json:"role"`
	ExtraRoles []string `json:"extraRoles"`
	Active     *bool    `json:"active"`
}

func (h *UsersHandler) Update(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	userID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid user id")
	}

	var user models.User
	if err := h.DB.First(&user, "id = ?", userID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return utils.Error(c, fiber.StatusNotFound, "user not found")
		}
		return utils.Error(c, fiber.StatusInternalServerError, "failed loading user")
	}

	var req updateUserRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	updates := map[string]interface{}{}
	if req.Role != nil {
		role := models.UserRole(strings.ToLower(strings.TrimSpace(*req.Role)))
		if role != models.UserRoleAdmin && role != models.UserRoleUser {
			return utils.Error(c, fiber.StatusBadRequest, "invalid role")
		}
		if user.ID == currentUser.ID && role != models.UserRoleAdmin {
			return utils.Error(c, fiber.StatusBadRequest, "cannot demote yourself")
		}
		updates["role"] = role
	}
	if req.ExtraRoles != nil {
		user.ExtraRoles = req.ExtraRoles
		updates["extra_roles"] = user.ExtraRoles
	}
	if req.Active != nil {
		if user.ID == currentUser.ID && !*req.Active {
			return utils.Error(c, fiber.StatusBadRequest, "cannot deactivate yourself")
		}
		updates["active"] = *req.Active
	}

	if len(updates) == 0 {
		return utils.Error(c, fiber.StatusBadRequest, "no fields to update")
	}

	if err := h.DB.Model(&user).Updates(updates).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed updating user")
	}

	logger.InfoWithUser(currentUser.ID.String(), "user_updated", map[string]interface{}{
		"target_user_id": user.ID.String(),
	})

	h.Audit.LogAsync(services.AuditEvent{
		UserID:     &currentUser.ID,
		Action:     "user.updated",
		TargetType: "user",
		TargetID:   &user.ID,
		IPAddress:  c.IP(),
		RequestID:  getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, user)
}

// ResetMFA clears a locked-out or device-lost user's enrollment so they can
// start over. Admin action, always audited.
func (h *UsersHandler) ResetMFA(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	userID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid user id")
	}

	var user models.User
	if err := h.DB.First(&user, "id = ?", userID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return utils.Error(c, fiber.StatusNotFound, "user not found")
		}
		return utils.Error(c, fiber.StatusInternalServerError, "failed loading user")
	}

	if err := h.MFA.Disable(c.Context(), &user); err != nil {
		return mapServiceError(c, err)
	}

	logger.InfoWithUser(currentUser.ID.String(), "user_mfa_reset", map[string]interface{}{
		"target_user_id": user.ID.String(),
	})

	h.Audit.LogAsync(services.AuditEvent{
		UserID:     &currentUser.ID,
		Action:     "user.mfa_reset",
		TargetType: "user",
		TargetID:   &user.ID,
		IPAddress:  c.IP(),
		RequestID:  getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "MFA reset"})
}

// Attempts lists a user's verification attempts for incident review.
func (h *UsersHandler) Attempts(c *fiber.Ctx) error {
	userID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid user id")
	}

	p := utils.ParsePagination(c)

	query := h.DB.Model(&models.VerificationAttempt{}).Where("user_id = ?", userID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed counting attempts")
	}

	var attempts []models.VerificationAttempt
	if err := utils.ApplyPagination(query.Order("created_at DESC"), p).Find(&attempts).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed listing attempts")
	}

	return utils.Paginated(c, attempts, p, total)
}

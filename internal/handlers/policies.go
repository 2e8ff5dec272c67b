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

// PoliciesHandler is the admin CRUD surface for organization-wide MFA
// policies. All routes sit behind AdminOnly.
type PoliciesHandler struct {
	DB    *gorm.DB
	Audit *services.AuditService
}

func NewPoliciesHandler(db *gorm.DB, audit *services.AuditService) *PoliciesHandler {
	return &PoliciesHandler{DB: db, Audit: audit}
}

type policyRequest struct {
	Name               string   `json:"name"`
	Active             *bool    `json:"active"`
	EnforcedRoles      []string `json:"enforcedRoles"`
	PermittedMethods   []string `json:"permittedMethods"`
	MaxFailedAttempts  *int     `json:"maxFailedAttempts"`
	LockoutSeconds     *int     `json:"lockoutSeconds"`
	SessionTimeoutSecs *int     `json:"sessionTimeoutSeconds"`
	RequireBackupCodes *bool    `json:"requireBackupCodes"`
	GracePeriodDays    *int     `json:"gracePeriodDays"`
}

func (r *policyRequest) methods() ([]models.MFAMethod, error) {
	methods := make([]models.MFAMethod, 0, len(r.PermittedMethods))
	for _, raw := range r.PermittedMethods {
		m := strings.ToLower(strings.TrimSpace(raw))
		if !models.ValidMFAMethod(m) {
			return nil, &services.ValidationError{Message: "unknown MFA method: " + m}
		}
		methods = append(methods, models.MFAMethod(m))
	}
	return methods, nil
}

func (h *PoliciesHandler) Create(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req policyRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return utils.Error(c, fiber.StatusBadRequest, "name is required")
	}
	if len(req.EnforcedRoles) == 0 {
		return utils.Error(c, fiber.StatusBadRequest, "enforcedRoles is required")
	}

	methods, err := req.methods()
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, err.Error())
	}

	policy := models.MFAPolicy{
		Name:             req.Name,
		Active:           true,
		EnforcedRoles:    req.EnforcedRoles,
		PermittedMethods: methods,
	}
	if req.Active != nil {
		policy.Active = *req.Active
	}
	if req.MaxFailedAttempts != nil {
		policy.MaxFailedAttempts = *req.MaxFailedAttempts
	}
	if req.LockoutSeconds != nil {
		policy.LockoutSeconds = *req.LockoutSeconds
	}
	if req.SessionTimeoutSecs != nil {
		policy.SessionTimeoutSecs = *req.SessionTimeoutSecs
	}
	if req.RequireBackupCodes != nil {
		policy.RequireBackupCodes = *req.RequireBackupCodes
	}
	if req.GracePeriodDays != nil {
		policy.GracePeriodDays = *req.GracePeriodDays
	}

	if err := h.DB.Create(&policy).Error; err != nil {
		return utils.Error(c, fiber.StatusConflict, "failed creating policy; name may already exist")
	}

	logger.InfoWithUser(currentUser.ID.String(), "mfa_policy_created", map[string]interface{}{
		"policy_id":   policy.ID.String(),
		"policy_name": policy.Name,
	})

	h.Audit.LogAsync(services.AuditEvent{
		UserID:     &currentUser.ID,
		Action:     "policy.created",
		TargetType: "mfa_policy",
		TargetID:   &policy.ID,
		Details:    map[string]interface{}{"name": policy.Name},
		IPAddress:  c.IP(),
		RequestID:  getRequestID(c),
	})

	return utils.Success(c, fiber.StatusCreated, policy)
}

func (h *PoliciesHandler) List(c *fiber.Ctx) error {
	var policies []models.MFAPolicy
	if err := h.DB.Order("created_at ASC").Find(&policies).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed listing policies")
	}
	return utils.Success(c, fiber.StatusOK, policies)
}

func (h *PoliciesHandler) Get(c *fiber.Ctx) error {
	policyID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid policy id")
	}

	var policy models.MFAPolicy
	if err := h.DB.First(&policy, "id = ?", policyID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return utils.Error(c, fiber.StatusNotFound, "policy not found")
		}
		return utils.Error(c, fiber.StatusInternalServerError, "failed loading policy")
	}
	return utils.Success(c, fiber.StatusOK, policy)
}

func (h *PoliciesHandler) Update(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	policyID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid policy id")
	}

	var policy models.MFAPolicy
	if err := h.DB.First(&policy, "id = ?", policyID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return utils.Error(c, fiber.StatusNotFound, "policy not found")
		}
		return utils.Error(c, fiber.StatusInternalServerError, "failed loading policy")
	}

	var req policyRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	updates := map[string]interface{}{}
	if name := strings.TrimSpace(req.Name); name != "" {
		updates["name"] = name
	}
	if req.Active != nil {
		updates["active"] = *req.Active
	}
	if req.EnforcedRoles != nil {
		policy.EnforcedRoles = req.EnforcedRoles
		updates["enforced_roles"] = policy.EnforcedRoles
	}
	if req.PermittedMethods != nil {
		methods, err := req.methods()
		if err != nil {
			return utils.Error(c, fiber.StatusBadRequest, err.Error())
		}
		policy.PermittedMethods = methods
		updates["permitted_methods"] = policy.PermittedMethods
	}
	if req.MaxFailedAttempts != nil {
		updates["max_failed_attempts"] = *req.MaxFailedAttempts
	}
	if req.LockoutSeconds != nil {
		updates["lockout_seconds"] = *req.LockoutSeconds
	}
	if req.SessionTimeoutSecs != nil {
		updates["session_timeout_secs"] = *req.SessionTimeoutSecs
	}
	if req.RequireBackupCodes != nil {
		updates["require_backup_codes"] = *req.RequireBackupCodes
	}
	if req.GracePeriodDays != nil {
		updates["grace_period_days"] = *req.GracePeriodDays
	}

	if len(updates) == 0 {
		return utils.Error(c, fiber.StatusBadRequest, "no fields to update")
	}

	if err := h.DB.Model(&policy).Updates(updates).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed updating policy")
	}

	logger.InfoWithUser(currentUser.ID.String(), "mfa_policy_updated", map[string]interface{}{
		"policy_id": policy.ID.String(),
	})

	h.Audit.LogAsync(services.AuditEvent{
		UserID:     &currentUser.ID,
		Action:     "policy.updated",
		TargetType: "mfa_policy",
		TargetID:   &policy.ID,
		IPAddress:  c.IP(),
		RequestID:  getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, policy)
}

func (h *PoliciesHandler) Delete(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	policyID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid policy id")
	}

	result := h.DB.Delete(&models.MFAPolicy{}, "id = ?", policyID)
	if result.Error != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed deleting policy")
	}
	if result.RowsAffected == 0 {
		return utils.Error(c, fiber.StatusNotFound, "policy not found")
	}

	logger.InfoWithUser(currentUser.ID.String(), "mfa_policy_deleted", map[string]interface{}{
		"policy_id": policyID.String(),
	})

	h.Audit.LogAsync(services.AuditEvent{
		UserID:     &currentUser.ID,
		Action:     "policy.deleted",
		TargetType: "mfa_policy",
		TargetID:   &policyID,
		IPAddress:  c.IP(),
		RequestID:  getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "policy deleted"})
}

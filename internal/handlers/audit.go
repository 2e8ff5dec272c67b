package handlers

import (
	"encoding/csv"
	"fmt"
	"strings"
	"time"

	"github.com/authvault/backend/internal/middleware"
	"github.com/authvault/backend/internal/models"
	"github.com/authvault/backend/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

const auditExportLimit = 10000

type AuditHandler struct {
	DB *gorm.DB
}

func NewAuditHandler(db *gorm.DB) *AuditHandler {
	return &AuditHandler{DB: db}
}

// ExportMyLog streams the caller's own audit trail as CSV or JSON.
// Optional from/to query params (RFC 3339) bound the window.
func (h *AuditHandler) ExportMyLog(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	format := strings.ToLower(strings.TrimSpace(c.Query("format", "csv")))
	if format != "csv" && format != "json" {
		return utils.Error(c, fiber.StatusBadRequest, "format must be csv or json")
	}

	query := h.DB.Where("user_id = ?", currentUser.ID)
	if from := c.Query("from"); from != "" {
		ts, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return utils.Error(c, fiber.StatusBadRequest, "from must be an RFC 3339 timestamp")
		}
		query = query.Where("created_at >= ?", ts)
	}
	if to := c.Query("to"); to != "" {
		ts, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return utils.Error(c, fiber.StatusBadRequest, "to must be an RFC 3339 timestamp")
		}
		query = query.Where("created_at <= ?", ts)
	}

	var entries []models.AuditLog
	if err := query.Order("created_at DESC").Limit(auditExportLimit).Find(&entries).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed loading audit trail")
	}

	if format == "json" {
		c.Set("Content-Type", "application/json")
		c.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "audit-trail.json"))
		return c.JSON(fiber.Map{"success": true, "data": entries})
	}

	c.Set("Content-Type", "text/csv")
	c.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "audit-trail.csv"))

	w := csv.NewWriter(c.Response().BodyWriter())
	_ = w.Write([]string{"timestamp", "action", "target_type", "target_id", "method", "ip_address", "request_id", "details"})
	for i := range entries {
		_ = w.Write(auditCSVRow(&entries[i]))
	}
	w.Flush()
	return nil
}

func auditCSVRow(entry *models.AuditLog) []string {
	targetID := ""
	if entry.TargetID != nil {
		targetID = entry.TargetID.String()
	}

	method := ""
	var details []string
	for k, v := range entry.Details {
		if k == "method" {
			method = fmt.Sprint(v)
			continue
		}
		details = append(details, fmt.Sprintf("%s=%v", k, v))
	}

	return []string{
		entry.CreatedAt.Format(time.RFC3339),
		entry.Action,
		entry.TargetType,
		targetID,
		method,
		entry.IPAddress,
		entry.RequestID,
		strings.Join(details, "; "),
	}
}

package middleware

import (
	"os"
	"strings"

	"github.com/authvault/backend/internal/models"
	"github.com/authvault/backend/pkg/logger"
	"github.com/authvault/backend/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"gorm.io/gorm"
)

const currentUserKey = "currentUser"

type AuthMiddleware struct {
	DB *gorm.DB
}

func NewAuthMiddleware(db *gorm.DB) *AuthMiddleware {
	return &AuthMiddleware{DB: db}
}

func CORS() fiber.Handler {
	origins := os.Getenv("CORS_ORIGINS")
	if origins == "" {
		origins = "http://localhost:3001,http://127.0.0.1:3001"
	}
	return cors.New(cors.Config{
		AllowOrigins: origins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET,POST,PUT,PATCH,DELETE,OPTIONS",
	})
}

// RequireAuth admits only requests carrying a valid full-session token for
// an active account. An MFA challenge token does not pass here; it is a
// different claim type and fails session validation.
func (a *AuthMiddleware) RequireAuth(c *fiber.Ctx) error {
	user, reason := a.sessionUser(c)
	if user == nil {
		logger.Warn("auth_rejected", map[string]interface{}{
			"ip":     c.IP(),
			"path":   c.Path(),
			"reason": reason,
		})
		return utils.Error(c, fiber.StatusUnauthorized, rejectionMessage(reason))
	}

	c.Locals(currentUserKey, user)
	return c.Next()
}

// sessionUser resolves the Authorization header to an active user, or
// returns the machine-readable rejection reason.
func (a *AuthMiddleware) sessionUser(c *fiber.Ctx) (*models.User, string) {
	header := c.Get("Authorization")
	if header == "" {
		return nil, "missing_header"
	}

	tokenString := strings.TrimSpace(strings.TrimPrefix(header, "Bearer"))
	if tokenString == header || tokenString == "" {
		return nil, "bad_format"
	}

	claims, err := utils.ValidateToken(tokenString)
	if err != nil {
		return nil, "invalid_token"
	}

	var user models.User
	if err := a.DB.First(&user, "id = ?", claims.UserID).Error; err != nil {
		return nil, "user_not_found"
	}
	if !user.Active {
		return nil, "user_inactive"
	}
	return &user, ""
}

func rejectionMessage(reason string) string {
	switch reason {
	case "missing_header":
		return "missing authorization header"
	case "bad_format":
		return "invalid authorization format"
	case "user_inactive":
		return "account is disabled"
	default:
		return "invalid or expired token"
	}
}

func AdminOnly(c *fiber.Ctx) error {
	user := GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}
	if user.Role != models.UserRoleAdmin {
		return utils.Error(c, fiber.StatusForbidden, "admin access required")
	}
	return c.Next()
}

func GetCurrentUser(c *fiber.Ctx) *models.User {
	user, _ := c.Locals(currentUserKey).(*models.User)
	return user
}

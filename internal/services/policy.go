package services

import (
	"time"

	"github.com/authvault/backend/internal/models"
	"gorm.io/gorm"
)

// Defaults used when no policy applies to a user.
const (
	DefaultMaxFailedAttempts = 5
	DefaultLockoutDuration   = 30 * time.Minute
	DefaultSessionTimeout    = time.Hour
)

// PolicyService resolves which organization-wide MFA policy, if any, governs
// a user. Among multiple matching active policies the oldest wins; the
// creation-time ordering is the administrator-visible tie-break.
type PolicyService struct {
	DB *gorm.DB
}

func NewPolicyService(db *gorm.DB) *PolicyService {
	return &PolicyService{DB: db}
}

// PolicyFor returns the first active policy whose enforced-role set
// intersects the user's roles, or nil when none applies.
func (s *PolicyService) PolicyFor(user *models.User) (*models.MFAPolicy, error) {
	var policies []models.MFAPolicy
	if err := s.DB.Where("active = ?", true).
		Order("created_at ASC").
		Find(&policies).Error; err != nil {
		return nil, err
	}

	roles := user.RoleNames()
	for i := range policies {
		if policies[i].AppliesTo(roles) {
			return &policies[i], nil
		}
	}
	return nil, nil
}

// Required reports whether policy mandates MFA for the user, independent of
// personal enrollment.
func (s *PolicyService) Required(user *models.User) (bool, error) {
	policy, err := s.PolicyFor(user)
	if err != nil {
		return false, err
	}
	return policy != nil, nil
}

// AllowedMethods returns the policy's permitted methods, or all standard
// methods when no policy applies.
func (s *PolicyService) AllowedMethods(user *models.User) ([]models.MFAMethod, error) {
	policy, err := s.PolicyFor(user)
	if err != nil {
		return nil, err
	}
	if policy == nil || len(policy.PermittedMethods) == 0 {
		return models.AllMFAMethods, nil
	}
	return policy.PermittedMethods, nil
}

// Limits resolves the enforcement parameters, policy first, defaults second.
func (s *PolicyService) Limits(user *models.User) (maxAttempts int, lockout, sessionTimeout time.Duration, requireBackup bool, err error) {
	policy, err := s.PolicyFor(user)
	if err != nil {
		return 0, 0, 0, false, err
	}
	if policy == nil {
		return DefaultMaxFailedAttempts, DefaultLockoutDuration, DefaultSessionTimeout, false, nil
	}

	maxAttempts = policy.MaxFailedAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxFailedAttempts
	}
	lockout = policy.LockoutDuration()
	if lockout <= 0 {
		lockout = DefaultLockoutDuration
	}
	sessionTimeout = policy.SessionTimeout()
	if sessionTimeout <= 0 {
		sessionTimeout = DefaultSessionTimeout
	}
	return maxAttempts, lockout, sessionTimeout, policy.RequireBackupCodes, nil
}

// MethodAllowed checks one method against the user's policy.
func (s *PolicyService) MethodAllowed(user *models.User, method models.MFAMethod) (bool, error) {
	allowed, err := s.AllowedMethods(user)
	if err != nil {
		return false, err
	}
	for _, m := range allowed {
		if m == method {
			return true, nil
		}
	}
	return false, nil
}

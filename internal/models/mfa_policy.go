package models

import "time"

// MFAPolicy is an organization-wide rule set. A policy applies to a user when
// its enforced-role set intersects the user's roles. Among multiple matches
// the oldest active policy wins; administrators order policies by creation.
type MFAPolicy struct {
	BaseModel
	Name               string      `json:"name" gorm:"type:varchar(100);uniqueIndex;not null"`
	Active             bool        `json:"active" gorm:"default:true;index"`
	EnforcedRoles      []string    `json:"enforcedRoles" gorm:"type:text;serializer:json"`
	PermittedMethods   []MFAMethod `json:"permittedMethods" gorm:"type:text;serializer:json"`
	MaxFailedAttempts  int         `json:"maxFailedAttempts" gorm:"default:5"`
	LockoutSeconds     int         `json:"lockoutSeconds" gorm:"default:1800"`
	SessionTimeoutSecs int         `json:"sessionTimeoutSeconds" gorm:"default:3600"`
	RequireBackupCodes bool        `json:"requireBackupCodes" gorm:"default:true"`
	GracePeriodDays    int         `json:"gracePeriodDays" gorm:"default:7"`
}

func (p *MFAPolicy) LockoutDuration() time.Duration {
	return time.Duration(p.LockoutSeconds) * time.Second
}

func (p *MFAPolicy) SessionTimeout() time.Duration {
	return time.Duration(p.SessionTimeoutSecs) * time.Second
}

func (p *MFAPolicy) AppliesTo(roles []string) bool {
	for _, enforced := range p.EnforcedRoles {
		for _, held := range roles {
			if enforced == held {
				return true
			}
		}
	}
	return false
}

func (p *MFAPolicy) Permits(method MFAMethod) bool {
	if len(p.PermittedMethods) == 0 {
		return true
	}
	for _, m := range p.PermittedMethods {
		if m == method {
			return true
		}
	}
	return false
}

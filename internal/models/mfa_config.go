package models

import (
	"time"

	"github.com/google/uuid"
)

type MFAMethod string

const (
	MFAMethodTOTP     MFAMethod = "totp"
	MFAMethodSMS      MFAMethod = "sms"
	MFAMethodEmail    MFAMethod = "email"
	MFAMethodBackup   MFAMethod = "backup"
	MFAMethodWebAuthn MFAMethod = "webauthn"
)

// AllMFAMethods is the default allowed set when no policy restricts a user.
var AllMFAMethods = []MFAMethod{MFAMethodTOTP, MFAMethodSMS, MFAMethodEmail, MFAMethodBackup}

func ValidMFAMethod(value string) bool {
	switch MFAMethod(value) {
	case MFAMethodTOTP, MFAMethodSMS, MFAMethodEmail, MFAMethodBackup, MFAMethodWebAuthn:
		return true
	default:
		return false
	}
}

// MFAConfig holds one user's enrollment state. Secret-bearing columns
// (TOTP secret, phone numbers, recovery email) are AES-GCM ciphertext and
// are cleared, not row-deleted, when MFA is disabled.
type MFAConfig struct {
	BaseModel
	UserID          uuid.UUID  `json:"userID" gorm:"type:uuid;uniqueIndex;not null"`
	Enabled         bool       `json:"enabled" gorm:"default:false"`
	Enforced        bool       `json:"enforced" gorm:"default:false"`
	SetupCompleted  bool       `json:"setupCompleted" gorm:"default:false"`
	PreferredMethod MFAMethod  `json:"preferredMethod" gorm:"type:varchar(20);default:'totp'"`
	LastUsedMethod  MFAMethod  `json:"lastUsedMethod,omitempty" gorm:"type:varchar(20)"`
	TOTPSecret      string     `json:"-" gorm:"type:text"`
	PhonePrimary    string     `json:"-" gorm:"type:text"`
	PhoneBackup     string     `json:"-" gorm:"type:text"`
	RecoveryEmail   string     `json:"-" gorm:"type:text"`
	FailedAttempts  int        `json:"-" gorm:"default:0"`
	LockedUntil     *time.Time `json:"-"`
	LastSuccessAt   *time.Time `json:"lastSuccessAt,omitempty"`
	TOTPLastCounter int64      `json:"-" gorm:"default:0"`
	SetupToken      string     `json:"-" gorm:"type:varchar(64);index"`
	SetupTokenAt    *time.Time `json:"-"`
	User            User       `json:"-" gorm:"foreignKey:UserID"`
}

func (c *MFAConfig) IsLocked(now time.Time) bool {
	return c.LockedUntil != nil && now.Before(*c.LockedUntil)
}

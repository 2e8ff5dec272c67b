package models

import (
	"time"

	"github.com/google/uuid"
)

// BackupCode is a one-time recovery code. Only the bcrypt hash is stored;
// the plaintext is shown to the user exactly once at generation time.
type BackupCode struct {
	BaseModel
	MFAConfigID uuid.UUID  `json:"-" gorm:"type:uuid;index;not null"`
	CodeHash    string     `json:"-" gorm:"type:text;not null"`
	Used        bool       `json:"used" gorm:"default:false;index"`
	UsedAt      *time.Time `json:"usedAt,omitempty"`
	UsedFromIP  string     `json:"-" gorm:"type:varchar(45)"`
	MFAConfig   MFAConfig  `json:"-" gorm:"foreignKey:MFAConfigID"`
}

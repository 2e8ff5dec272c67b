package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// VerificationAttempt is the append-only MFA audit trail. Every challenge or
// verification call writes exactly one row, success or failure. Rows are
// never updated. It does not use BaseModel for the same reason AuditLog
// does not.
type VerificationAttempt struct {
	ID            uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	UserID        uuid.UUID `json:"userID" gorm:"type:uuid;index;not null"`
	Method        MFAMethod `json:"method" gorm:"type:varchar(20);not null;index"`
	Success       bool      `json:"success" gorm:"not null;index"`
	FailureReason string    `json:"failureReason,omitempty" gorm:"type:varchar(100)"`
	IPAddress     string    `json:"ipAddress" gorm:"type:varchar(45)"`
	UserAgent     string    `json:"userAgent,omitempty" gorm:"type:varchar(255)"`
	OTPUsed       string    `json:"-" gorm:"type:text"`
	CreatedAt     time.Time `json:"createdAt" gorm:"not null;index"`
}

func (a *VerificationAttempt) BeforeCreate(_ *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return nil
}

func (VerificationAttempt) TableName() string {
	return "verification_attempts"
}

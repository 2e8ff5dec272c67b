package models

import (
	"time"

	"github.com/google/uuid"
)

// WebAuthnCredential stores one registered authenticator. SignCount must be
// monotonically non-decreasing across assertions; a regression is treated as
// a cloned-authenticator signal and the credential is refused.
type WebAuthnCredential struct {
	BaseModel
	UserID          uuid.UUID  `json:"userID" gorm:"type:uuid;index;not null"`
	CredentialID    []byte     `json:"-" gorm:"type:bytea;uniqueIndex;not null"`
	PublicKey       []byte     `json:"-" gorm:"type:bytea;not null"`
	AttestationType string     `json:"attestationType" gorm:"type:varchar(50)"`
	AAGUID          []byte     `json:"-" gorm:"type:bytea"`
	SignCount       uint32     `json:"signCount" gorm:"default:0"`
	Name            string     `json:"name" gorm:"type:varchar(100);not null"`
	Transports      string     `json:"-" gorm:"type:text"`
	BackupEligible  bool       `json:"-"`
	BackupState     bool       `json:"-"`
	Active          bool       `json:"active" gorm:"default:true"`
	LastUsedAt      *time.Time `json:"lastUsedAt,omitempty"`
	User            User       `json:"-" gorm:"foreignKey:UserID"`
}

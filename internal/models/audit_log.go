package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuditLog is the append-only security trail. One row per significant
// authentication event; rows are never updated or soft-deleted, so the
// model skips BaseModel on purpose.
type AuditLog struct {
	ID         uuid.UUID              `json:"id" gorm:"type:uuid;primaryKey"`
	UserID     *uuid.UUID             `json:"userID,omitempty" gorm:"type:uuid;index"`
	Action     string                 `json:"action" gorm:"type:varchar(64);not null;index"`
	TargetType string                 `json:"targetType" gorm:"type:varchar(32);not null;index"`
	TargetID   *uuid.UUID             `json:"targetID,omitempty" gorm:"type:uuid;index"`
	Details    map[string]interface{} `json:"details,omitempty" gorm:"type:jsonb;serializer:json"`
	IPAddress  string                 `json:"ipAddress" gorm:"type:varchar(45);not null"`
	RequestID  string                 `json:"requestID,omitempty" gorm:"type:varchar(36)"`
	CreatedAt  time.Time              `json:"createdAt" gorm:"not null;index"`
}

func (a *AuditLog) BeforeCreate(_ *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return nil
}

func (AuditLog) TableName() string {
	return "audit_logs"
}

// AuditArchiveCursor marks how far the object-store archiver has shipped
// the trail. A single row; LastObjectKey names the most recent archive
// object for operators chasing a specific batch.
type AuditArchiveCursor struct {
	ID            uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	LastExportAt  time.Time `json:"lastExportAt" gorm:"not null"`
	LastObjectKey string    `json:"lastObjectKey" gorm:"type:varchar(255)"`
	ExportedCount int64     `json:"exportedCount" gorm:"not null;default:0"`
}

func (a *AuditArchiveCursor) BeforeCreate(_ *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

func (AuditArchiveCursor) TableName() string {
	return "audit_archive_cursors"
}

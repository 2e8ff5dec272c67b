package database

import (
	"fmt"

	"github.com/authvault/backend/internal/config"
	"github.com/authvault/backend/internal/models"
	"github.com/authvault/backend/pkg/utils"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func Connect(cfg config.DBConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host,
		cfg.Port,
		cfg.User,
		cfg.Password,
		cfg.Name,
		cfg.SSLMode,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := migrate(db); err != nil {
		return nil, err
	}

	if err := seedAdminUser(db); err != nil {
		return nil, err
	}

	return db, nil
}

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.User{},
		&models.MFAConfig{},
		&models.BackupCode{},
		&models.VerificationAttempt{},
		&models.MFAPolicy{},
		&models.WebAuthnCredential{},
		&models.MFAChallenge{},
		&models.AuditLog{},
		&models.AuditArchiveCursor{},
	); err != nil {
		return err
	}

	constraint := `
DO $$
BEGIN
  IF NOT EXISTS (
    SELECT 1
    FROM pg_constraint
    WHERE conname = 'mfa_preferred_method_check'
  ) THEN
    ALTER TABLE mfa_configs
    ADD CONSTRAINT mfa_preferred_method_check
    CHECK (preferred_method IN ('totp', 'sms', 'email', 'backup'));
  END IF;
END $$;`

	return db.Exec(constraint).Error
}

func seedAdminUser(db *gorm.DB) error {
	var count int64
	if err := db.Model(&models.User{}).Count(&count).Error; err != nil {
		return err
	}

	if count > 0 {
		return nil
	}

	hash, err := utils.HashPassword("admin123")
	if err != nil {
		return err
	}

	admin := models.User{
		Email:        "admin@authvault.local",
		PasswordHash: hash,
		FirstName:    "System",
		LastName:     "Admin",
		Role:         models.UserRoleAdmin,
		Active:       true,
	}

	return db.Create(&admin).Error
}

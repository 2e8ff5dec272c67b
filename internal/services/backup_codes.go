package services

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/authvault/backend/internal/models"
	"github.com/authvault/backend/pkg/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const backupCodeDigits = 8

// BackupCodeService owns the one-time recovery code lifecycle. Plaintext
// codes leave this service exactly once, at generation time.
type BackupCodeService struct {
	DB *gorm.DB
}

func NewBackupCodeService(db *gorm.DB) *BackupCodeService {
	return &BackupCodeService{DB: db}
}

// Generate invalidates every unused code for the config and mints count
// fresh 8-digit codes, storing only bcrypt hashes.
func (s *BackupCodeService) Generate(configID uuid.UUID, count int) ([]string, error) {
	if count <= 0 {
		count = 8
	}

	plaintext := make([]string, 0, count)
	rows := make([]models.BackupCode, 0, count)
	for i := 0; i < count; i++ {
		code, err := randomNumericCode(backupCodeDigits)
		if err != nil {
			return nil, err
		}
		hash, err := utils.HashPassword(code)
		if err != nil {
			return nil, err
		}
		plaintext = append(plaintext, code)
		rows = append(rows, models.BackupCode{MFAConfigID: configID, CodeHash: hash})
	}

	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("mfa_config_id = ? AND used = ?", configID, false).
			Delete(&models.BackupCode{}).Error; err != nil {
			return err
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return nil, err
	}

	return plaintext, nil
}

// Consume validates submitted against the unused codes and burns the first
// match. One code, one use; a failed scan changes nothing.
func (s *BackupCodeService) Consume(configID uuid.UUID, submitted, ip string) (bool, error) {
	var codes []models.BackupCode
	if err := s.DB.Where("mfa_config_id = ? AND used = ?", configID, false).
		Find(&codes).Error; err != nil {
		return false, err
	}

	for i := range codes {
		if !utils.CheckPassword(submitted, codes[i].CodeHash) {
			continue
		}

		now := time.Now().UTC()
		// The used guard in the WHERE clause makes double consumption of
		// the same row lose the race at the store.
		res := s.DB.Model(&models.BackupCode{}).
			Where("id = ? AND used = ?", codes[i].ID, false).
			Updates(map[string]interface{}{
				"used":         true,
				"used_at":      now,
				"used_from_ip": ip,
			})
		if res.Error != nil {
			return false, res.Error
		}
		return res.RowsAffected == 1, nil
	}

	return false, nil
}

// Remaining counts unused codes for a config.
func (s *BackupCodeService) Remaining(configID uuid.UUID) (int64, error) {
	var count int64
	err := s.DB.Model(&models.BackupCode{}).
		Where("mfa_config_id = ? AND used = ?", configID, false).
		Count(&count).Error
	return count, err
}

// Invalidate removes all unused codes, e.g. when MFA is disabled.
func (s *BackupCodeService) Invalidate(configID uuid.UUID) error {
	return s.DB.Where("mfa_config_id = ? AND used = ?", configID, false).
		Delete(&models.BackupCode{}).Error
}

func randomNumericCode(digits int) (string, error) {
	max := big.NewInt(1)
	for i := 0; i < digits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}

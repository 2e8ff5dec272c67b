package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/authvault/backend/internal/models"
	"github.com/authvault/backend/internal/storage"
	"github.com/authvault/backend/pkg/logger"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const auditArchiveBatchSize = 10000

// AuditEvent is one security-trail entry as handlers describe it.
type AuditEvent struct {
	UserID     *uuid.UUID
	Action     string
	TargetType string
	TargetID   *uuid.UUID
	Details    map[string]interface{}
	IPAddress  string
	RequestID  string
}

// AuditService owns the security trail. General events go through an async
// queue so request latency does not pay for the insert; MFA verification
// attempts are written synchronously because every challenge and verify call
// must leave exactly one row.
type AuditService struct {
	DB      *gorm.DB
	Storage *storage.MinIOClient
	queue   chan models.AuditLog
}

func NewAuditService(db *gorm.DB, storageClient *storage.MinIOClient) *AuditService {
	s := &AuditService{
		DB:      db,
		Storage: storageClient,
		queue:   make(chan models.AuditLog, 1000),
	}
	go s.drainQueue()
	return s
}

// LogAsync enqueues one event. A full queue drops the event rather than
// blocking the request path; the drop itself is logged.
func (s *AuditService) LogAsync(event AuditEvent) {
	row := models.AuditLog{
		UserID:     event.UserID,
		Action:     event.Action,
		TargetType: event.TargetType,
		TargetID:   event.TargetID,
		Details:    event.Details,
		IPAddress:  event.IPAddress,
		RequestID:  event.RequestID,
		CreatedAt:  time.Now().UTC(),
	}

	select {
	case s.queue <- row:
	default:
		logger.Warn("audit_queue_full", map[string]interface{}{
			"action":  event.Action,
			"dropped": true,
		})
	}
}

func (s *AuditService) drainQueue() {
	for row := range s.queue {
		if err := s.DB.Create(&row).Error; err != nil {
			logger.Error("audit_log_insert_failed", err, map[string]interface{}{
				"action": row.Action,
			})
		}
	}
}

// RecordAttempt appends one immutable verification-attempt row. The OTP, if
// captured for forensics, is stored encrypted or not at all.
func (s *AuditService) RecordAttempt(userID uuid.UUID, method models.MFAMethod, success bool, reason, ip, userAgent, encryptedOTP string) {
	row := models.VerificationAttempt{
		UserID:        userID,
		Method:        method,
		Success:       success,
		FailureReason: reason,
		IPAddress:     ip,
		UserAgent:     userAgent,
		OTPUsed:       encryptedOTP,
	}
	if err := s.DB.Create(&row).Error; err != nil {
		logger.Error("verification_attempt_insert_failed", err, map[string]interface{}{
			"method":  string(method),
			"success": success,
		})
	}
}

// StartExporter ships new audit rows to the object store as NDJSON on a
// fixed interval. Without a storage client the trail stays database-only.
func (s *AuditService) StartExporter(interval time.Duration) {
	if s.Storage == nil {
		logger.Info("audit_archiver_disabled", map[string]interface{}{
			"reason": "no storage client configured",
		})
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			s.archiveBatch(context.Background())
		}
	}()

	logger.Info("audit_archiver_started", map[string]interface{}{
		"interval": interval.String(),
	})
}

func (s *AuditService) archiveBatch(ctx context.Context) {
	cursor, err := s.loadCursor()
	if err != nil {
		logger.Error("audit_archive_cursor_failed", err, nil)
		return
	}

	var rows []models.AuditLog
	if err := s.DB.Where("created_at > ?", cursor.LastExportAt).
		Order("created_at ASC").
		Limit(auditArchiveBatchSize).
		Find(&rows).Error; err != nil {
		logger.Error("audit_archive_query_failed", err, nil)
		return
	}
	if len(rows) == 0 {
		return
	}

	key, payload := buildArchiveObject(rows)
	if err := s.Storage.Upload(ctx, key, payload, int64(payload.Len()), "application/x-ndjson"); err != nil {
		logger.Error("audit_archive_upload_failed", err, map[string]interface{}{
			"object_key": key,
			"count":      len(rows),
		})
		return
	}

	s.DB.Model(&cursor).Updates(map[string]interface{}{
		"last_export_at":  rows[len(rows)-1].CreatedAt,
		"last_object_key": key,
		"exported_count":  gorm.Expr("exported_count + ?", len(rows)),
	})

	logger.Info("audit_archive_success", map[string]interface{}{
		"object_key": key,
		"count":      len(rows),
	})
}

func (s *AuditService) loadCursor() (models.AuditArchiveCursor, error) {
	var cursor models.AuditArchiveCursor
	err := s.DB.First(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		cursor = models.AuditArchiveCursor{
			LastExportAt: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
		}
		err = s.DB.Create(&cursor).Error
	}
	return cursor, err
}

func buildArchiveObject(rows []models.AuditLog) (string, *bytes.Buffer) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range rows {
		if err := enc.Encode(&rows[i]); err != nil {
			logger.Error("audit_archive_encode_failed", err, map[string]interface{}{
				"log_id": rows[i].ID.String(),
			})
		}
	}

	now := time.Now().UTC()
	key := fmt.Sprintf("mfa-audit/%s/%s.ndjson", now.Format("2006/01/02"), now.Format("15-04-05"))
	return key, &buf
}

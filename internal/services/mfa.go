package services

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"time"

	"github.com/authvault/backend/internal/models"
	"github.com/authvault/backend/internal/session"
	"github.com/authvault/backend/pkg/logger"
	"github.com/authvault/backend/pkg/utils"
	"gorm.io/gorm"
)

const (
	setupTokenTTL    = 10 * time.Minute
	challengeCodeTTL = 5 * time.Minute
	challengeDigits  = 6
)

// MFAService orchestrates setup, challenge, and verification across the
// channel services, policy resolution, and the session state machine. It is
// the only entry point the authentication pipeline needs.
type MFAService struct {
	DB       *gorm.DB
	TOTP     *TOTPService
	SMS      *SMSService
	Email    *EmailService
	Backup   *BackupCodeService
	Policy   *PolicyService
	Sessions *session.Manager
	Audit    *AuditService
}

func NewMFAService(db *gorm.DB, totpSvc *TOTPService, smsSvc *SMSService, emailSvc *EmailService, backupSvc *BackupCodeService, policySvc *PolicyService, sessions *session.Manager, audit *AuditService) *MFAService {
	return &MFAService{
		DB:       db,
		TOTP:     totpSvc,
		SMS:      smsSvc,
		Email:    emailSvc,
		Backup:   backupSvc,
		Policy:   policySvc,
		Sessions: sessions,
		Audit:    audit,
	}
}

type SetupInfo struct {
	Secret          string             `json:"secret"`
	ProvisioningURI string             `json:"provisioningURI"`
	QRCode          []byte             `json:"qrCode"`
	SetupToken      string             `json:"setupToken"`
	AllowedMethods  []models.MFAMethod `json:"allowedMethods"`
}

type ChallengeResult struct {
	Method        models.MFAMethod `json:"method"`
	ChallengeSent bool             `json:"challengeSent"`
	Message       string           `json:"message"`
}

type VerifyResult struct {
	Success           bool   `json:"success"`
	Message           string `json:"message"`
	AttemptsRemaining int    `json:"attemptsRemaining,omitempty"`
	Locked            bool   `json:"locked,omitempty"`
}

// Required reports whether the user must pass MFA: personal enrollment or an
// enforcing policy, whichever comes first.
func (m *MFAService) Required(user *models.User) (bool, error) {
	var cfg models.MFAConfig
	err := m.DB.First(&cfg, "user_id = ?", user.ID).Error
	if err == nil && cfg.Enabled && cfg.SetupCompleted {
		return true, nil
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}

	var credCount int64
	m.DB.Model(&models.WebAuthnCredential{}).
		Where("user_id = ? AND active = ?", user.ID, true).Count(&credCount)
	if credCount > 0 {
		return true, nil
	}

	return m.Policy.Required(user)
}

// UserMethods returns the methods the user can actually be challenged with:
// enrolled channels intersected with the policy's permitted set. A user with
// no MFA gets an empty list.
func (m *MFAService) UserMethods(user *models.User) ([]models.MFAMethod, error) {
	var methods []models.MFAMethod

	var cfg models.MFAConfig
	err := m.DB.First(&cfg, "user_id = ?", user.ID).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if err == nil && cfg.Enabled && cfg.SetupCompleted {
		var enrolled []models.MFAMethod
		if cfg.TOTPSecret != "" {
			enrolled = append(enrolled, models.MFAMethodTOTP)
		}
		if cfg.PhonePrimary != "" || cfg.PhoneBackup != "" {
			enrolled = append(enrolled, models.MFAMethodSMS)
		}
		enrolled = append(enrolled, models.MFAMethodEmail)
		if remaining, err := m.Backup.Remaining(cfg.ID); err == nil && remaining > 0 {
			enrolled = append(enrolled, models.MFAMethodBackup)
		}

		allowed, err := m.Policy.AllowedMethods(user)
		if err != nil {
			return nil, err
		}
		allowedSet := make(map[models.MFAMethod]bool, len(allowed))
		for _, a := range allowed {
			allowedSet[a] = true
		}

		for _, e := range enrolled {
			if allowedSet[e] {
				methods = append(methods, e)
			}
		}
	}

	// Passkeys sit outside the policy method set; an active credential is
	// always usable.
	var credCount int64
	m.DB.Model(&models.WebAuthnCredential{}).
		Where("user_id = ? AND active = ?", user.ID, true).Count(&credCount)
	if credCount > 0 {
		methods = append(methods, models.MFAMethodWebAuthn)
	}

	return methods, nil
}

// BeginSetup starts or restarts enrollment. A fully configured user must
// disable MFA first.
func (m *MFAService) BeginSetup(ctx context.Context, user *models.User) (*SetupInfo, error) {
	if !utils.EncryptionConfigured() {
		return nil, NewConfigurationError("secret encryption key not configured")
	}

	var cfg models.MFAConfig
	err := m.DB.First(&cfg, "user_id = ?", user.ID).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if err == nil && cfg.Enabled && cfg.SetupCompleted {
		return nil, NewConfigurationError("MFA is already set up")
	}

	key, err := m.TOTP.GenerateSecret(user.Email)
	if err != nil {
		return nil, err
	}

	encryptedSecret, err := utils.EncryptAESGCM(key.Secret())
	if err != nil {
		return nil, NewConfigurationError("failed to encrypt TOTP secret")
	}

	token, err := randomToken(32)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	if cfg.ID == [16]byte{} {
		cfg = models.MFAConfig{
			UserID:          user.ID,
			TOTPSecret:      encryptedSecret,
			PreferredMethod: models.MFAMethodTOTP,
			SetupToken:      token,
			SetupTokenAt:    &now,
		}
		if err := m.DB.Create(&cfg).Error; err != nil {
			return nil, err
		}
	} else {
		if err := m.DB.Model(&cfg).Updates(map[string]interface{}{
			"totp_secret":     encryptedSecret,
			"enabled":         false,
			"setup_completed": false,
			"setup_token":     token,
			"setup_token_at":  now,
		}).Error; err != nil {
			return nil, err
		}
	}

	qr, err := m.TOTP.QRCodePNG(key, 200)
	if err != nil {
		return nil, err
	}

	allowed, err := m.Policy.AllowedMethods(user)
	if err != nil {
		return nil, err
	}

	return &SetupInfo{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
		QRCode:          qr,
		SetupToken:      token,
		AllowedMethods:  allowed,
	}, nil
}

// CompleteSetup proves possession of the just-provisioned secret. The setup
// token binds the completion to this user's pending configuration.
func (m *MFAService) CompleteSetup(ctx context.Context, user *models.User, setupToken, code, ip, userAgent string) ([]string, error) {
	var cfg models.MFAConfig
	if err := m.DB.First(&cfg, "user_id = ?", user.ID).Error; err != nil {
		return nil, NewValidationError("MFA setup not started")
	}
	if cfg.SetupCompleted && cfg.Enabled {
		return nil, NewConfigurationError("MFA is already set up")
	}

	if cfg.SetupToken == "" || setupToken == "" ||
		subtle.ConstantTimeCompare([]byte(cfg.SetupToken), []byte(setupToken)) != 1 {
		return nil, NewValidationError("invalid or expired setup token")
	}
	if cfg.SetupTokenAt == nil || time.Since(*cfg.SetupTokenAt) > setupTokenTTL {
		return nil, NewValidationError("invalid or expired setup token")
	}

	secret := utils.DecryptOrPlaintext(cfg.TOTPSecret)
	ok, counter := m.TOTP.Validate(secret, code, 0, time.Now())
	if !ok {
		m.Audit.RecordAttempt(user.ID, models.MFAMethodTOTP, false, "setup_code_invalid", ip, userAgent, "")
		return nil, NewValidationError("invalid verification code")
	}

	now := time.Now().UTC()
	if err := m.DB.Model(&cfg).Updates(map[string]interface{}{
		"enabled":           true,
		"setup_completed":   true,
		"setup_token":       "",
		"setup_token_at":    nil,
		"totp_last_counter": counter,
		"last_success_at":   now,
		"last_used_method":  models.MFAMethodTOTP,
		"failed_attempts":   0,
	}).Error; err != nil {
		return nil, err
	}

	m.Audit.RecordAttempt(user.ID, models.MFAMethodTOTP, true, "", ip, userAgent, "")

	_, _, _, requireBackup, err := m.Policy.Limits(user)
	if err != nil {
		return nil, err
	}

	var codes []string
	if requireBackup {
		codes, err = m.Backup.Generate(cfg.ID, 8)
		if err != nil {
			return nil, err
		}
	}

	logger.Info("mfa_setup_completed", map[string]interface{}{
		"user_id": user.ID.String(),
	})
	return codes, nil
}

// Challenge initiates verification for the chosen method and moves the
// session flow to CHALLENGED. Delivery methods send a fresh code; totp and
// backup only arm the flow.
func (m *MFAService) Challenge(ctx context.Context, flowKey string, user *models.User, method models.MFAMethod) (*ChallengeResult, error) {
	if !models.ValidMFAMethod(string(method)) {
		return nil, NewValidationError("unknown MFA method")
	}

	allowed, err := m.Policy.MethodAllowed(user, method)
	if err != nil {
		return nil, err
	}
	if !allowed && method != models.MFAMethodWebAuthn {
		return nil, NewValidationError("method not available")
	}

	var cfg models.MFAConfig
	if err := m.DB.First(&cfg, "user_id = ?", user.ID).Error; err != nil {
		return nil, NewValidationError("MFA is not configured")
	}
	if cfg.IsLocked(time.Now()) {
		return nil, NewValidationError("too many attempts; try again later")
	}

	var challengeCode string
	switch method {
	case models.MFAMethodSMS:
		phone := utils.DecryptOrPlaintext(cfg.PhonePrimary)
		if phone == "" {
			phone = utils.DecryptOrPlaintext(cfg.PhoneBackup)
		}
		if phone == "" {
			return nil, NewValidationError("no phone number on file")
		}
		challengeCode, err = randomNumericCode(challengeDigits)
		if err != nil {
			return nil, err
		}
		if err := m.SMS.SendCode(ctx, phone, challengeCode); err != nil {
			m.Audit.RecordAttempt(user.ID, method, false, "challenge_delivery_failed", "", "", "")
			return nil, err
		}
	case models.MFAMethodEmail:
		address := utils.DecryptOrPlaintext(cfg.RecoveryEmail)
		if address == "" {
			address = user.Email
		}
		challengeCode, err = randomNumericCode(challengeDigits)
		if err != nil {
			return nil, err
		}
		if err := m.Email.SendCode(ctx, address, user.FirstName, challengeCode); err != nil {
			m.Audit.RecordAttempt(user.ID, method, false, "challenge_delivery_failed", "", "", "")
			return nil, err
		}
	case models.MFAMethodTOTP, models.MFAMethodBackup, models.MFAMethodWebAuthn:
		// Nothing to deliver; the client already holds the factor.
	}

	if _, err := m.Sessions.Challenge(ctx, flowKey, method, challengeCode); err != nil {
		switch {
		case errors.Is(err, session.ErrLocked):
			return nil, NewValidationError("too many attempts; try again later")
		case errors.Is(err, session.ErrNoFlow):
			return nil, NewValidationError("no pending login")
		default:
			return nil, err
		}
	}

	m.Audit.RecordAttempt(user.ID, method, true, "challenge_sent", "", "", "")

	sent := method == models.MFAMethodSMS || method == models.MFAMethodEmail
	message := "enter the code from your authenticator app"
	if sent {
		message = "verification code sent"
	}
	return &ChallengeResult{Method: method, ChallengeSent: sent, Message: message}, nil
}

// Verify checks the submitted code for the flow. Lockout is fail-closed:
// once the attempt budget is exhausted the submitted code is not even
// inspected until the lockout window passes.
func (m *MFAService) Verify(ctx context.Context, flowKey string, user *models.User, method models.MFAMethod, code, ip, userAgent string) (*VerifyResult, error) {
	flow, err := m.Sessions.Get(ctx, flowKey)
	if err != nil {
		return nil, err
	}
	if flow == nil {
		return nil, NewValidationError("no pending login")
	}

	maxAttempts, lockout, _, _, err := m.Policy.Limits(user)
	if err != nil {
		return nil, err
	}

	var cfg models.MFAConfig
	if err := m.DB.First(&cfg, "user_id = ?", user.ID).Error; err != nil {
		return nil, NewValidationError("MFA is not configured")
	}

	now := time.Now()
	if m.Sessions.Locked(flow) || cfg.IsLocked(now) {
		m.Audit.RecordAttempt(user.ID, method, false, "locked_out", ip, userAgent, "")
		return &VerifyResult{Success: false, Message: "too many attempts; try again later", Locked: true}, nil
	}

	if flow.State != session.StateChallenged {
		m.Audit.RecordAttempt(user.ID, method, false, "no_active_challenge", ip, userAgent, "")
		return nil, NewValidationError("no active challenge")
	}

	ok, reason := m.verifyCode(flow, &cfg, method, code, ip, now)
	if ok {
		if _, err := m.Sessions.RecordSuccess(ctx, flowKey); err != nil {
			return nil, err
		}
		updates := map[string]interface{}{
			"failed_attempts":  0,
			"locked_until":     nil,
			"last_success_at":  now.UTC(),
			"last_used_method": method,
		}
		if err := m.DB.Model(&cfg).Updates(updates).Error; err != nil {
			return nil, err
		}

		m.Audit.RecordAttempt(user.ID, method, true, "", ip, userAgent, "")
		return &VerifyResult{Success: true, Message: "verification successful"}, nil
	}

	updated, err := m.Sessions.RecordFailure(ctx, flowKey, maxAttempts, lockout)
	if err != nil {
		return nil, err
	}

	// The stored counter backs the session one. It only resets on success,
	// so neither re-challenging nor restarting the login flow refreshes
	// the attempt budget.
	failedAttempts := cfg.FailedAttempts + 1
	updates := map[string]interface{}{"failed_attempts": failedAttempts}
	locked := updated.State == session.StateLocked || failedAttempts >= maxAttempts
	if locked {
		updates["locked_until"] = now.Add(lockout).UTC()
	}
	if err := m.DB.Model(&cfg).Updates(updates).Error; err != nil {
		return nil, err
	}

	m.Audit.RecordAttempt(user.ID, method, false, reason, ip, userAgent, "")

	if locked {
		return &VerifyResult{Success: false, Message: "too many attempts; try again later", Locked: true}, nil
	}
	remaining := maxAttempts - failedAttempts
	if remaining < 0 {
		remaining = 0
	}
	return &VerifyResult{
		Success:           false,
		Message:           "verification failed",
		AttemptsRemaining: remaining,
	}, nil
}

// verifyCode dispatches to the per-method verifier. The method tag selects
// an entry here rather than string-branching at call sites.
func (m *MFAService) verifyCode(flow *session.FlowState, cfg *models.MFAConfig, method models.MFAMethod, code, ip string, now time.Time) (bool, string) {
	switch method {
	case models.MFAMethodTOTP:
		secret := utils.DecryptOrPlaintext(cfg.TOTPSecret)
		if secret == "" {
			return false, "totp_not_enrolled"
		}
		ok, counter := m.TOTP.Validate(secret, code, cfg.TOTPLastCounter, now)
		if !ok {
			return false, "totp_code_invalid"
		}
		if err := m.DB.Model(cfg).Update("totp_last_counter", counter).Error; err != nil {
			return false, "totp_counter_update_failed"
		}
		return true, ""

	case models.MFAMethodBackup:
		ok, err := m.Backup.Consume(cfg.ID, code, ip)
		if err != nil {
			return false, "backup_store_error"
		}
		if !ok {
			return false, "backup_code_invalid"
		}
		return true, ""

	case models.MFAMethodSMS, models.MFAMethodEmail:
		if flow.Method != method || flow.ChallengeCode == "" {
			return false, "no_delivered_challenge"
		}
		if now.Sub(flow.ChallengedAt) > challengeCodeTTL {
			return false, "challenge_expired"
		}
		if subtle.ConstantTimeCompare([]byte(flow.ChallengeCode), []byte(code)) != 1 {
			return false, "code_mismatch"
		}
		return true, ""

	default:
		return false, "unsupported_method"
	}
}

// Disable clears secret material and enrollment flags. The config row is
// kept; audit history stays attached to it.
func (m *MFAService) Disable(ctx context.Context, user *models.User) error {
	var cfg models.MFAConfig
	if err := m.DB.First(&cfg, "user_id = ?", user.ID).Error; err != nil {
		return NewValidationError("MFA is not configured")
	}

	if err := m.DB.Model(&cfg).Updates(map[string]interface{}{
		"enabled":           false,
		"setup_completed":   false,
		"totp_secret":       "",
		"phone_primary":     "",
		"phone_backup":      "",
		"recovery_email":    "",
		"totp_last_counter": 0,
		"failed_attempts":   0,
		"locked_until":      nil,
		"setup_token":       "",
	}).Error; err != nil {
		return err
	}

	if err := m.Backup.Invalidate(cfg.ID); err != nil {
		return err
	}

	return m.DB.Model(&models.WebAuthnCredential{}).
		Where("user_id = ?", user.ID).
		Update("active", false).Error
}

func randomToken(bytes int) (string, error) {
	raw := make([]byte, bytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

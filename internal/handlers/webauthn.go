package handlers

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/authvault/backend/internal/middleware"
	"github.com/authvault/backend/internal/models"
	"github.com/authvault/backend/internal/services"
	"github.com/authvault/backend/internal/session"
	"github.com/authvault/backend/pkg/logger"
	"github.com/authvault/backend/pkg/utils"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const webauthnChallengeTTL = 5 * time.Minute

type WebAuthnHandler struct {
	DB       *gorm.DB
	WebAuthn *webauthn.WebAuthn
	MFA      *services.MFAService
	Audit    *services.AuditService
}

func NewWebAuthnHandler(db *gorm.DB, wa *webauthn.WebAuthn, mfaSvc *services.MFAService, audit *services.AuditService) *WebAuthnHandler {
	return &WebAuthnHandler{DB: db, WebAuthn: wa, MFA: mfaSvc, Audit: audit}
}

type webAuthnUser struct {
	user  models.User
	creds []webauthn.Credential
}

func (u *webAuthnUser) WebAuthnID() []byte {
	b, _ := u.user.ID.MarshalBinary()
	return b
}

func (u *webAuthnUser) WebAuthnName() string { return u.user.Email }

func (u *webAuthnUser) WebAuthnDisplayName() string {
	return u.user.FirstName + " " + u.user.LastName
}

func (u *webAuthnUser) WebAuthnCredentials() []webauthn.Credential { return u.creds }

// ceremonyCredential converts a stored row into the library's credential
// shape. Inverse of credentialRecord.
func ceremonyCredential(dc *models.WebAuthnCredential) webauthn.Credential {
	var transports []protocol.AuthenticatorTransport
	if dc.Transports != "" {
		var names []string
		json.Unmarshal([]byte(dc.Transports), &names)
		for _, name := range names {
			transports = append(transports, protocol.AuthenticatorTransport(name))
		}
	}
	return webauthn.Credential{
		ID:              dc.CredentialID,
		PublicKey:       dc.PublicKey,
		AttestationType: dc.AttestationType,
		Authenticator: webauthn.Authenticator{
			AAGUID:    dc.AAGUID,
			SignCount: dc.SignCount,
		},
		Transport: transports,
		Flags: webauthn.CredentialFlags{
			BackupEligible: dc.BackupEligible,
			BackupState:    dc.BackupState,
		},
	}
}

func credentialRecord(userID uuid.UUID, name string, cred *webauthn.Credential) models.WebAuthnCredential {
	var transportsJSON []byte
	if len(cred.Transport) > 0 {
		names := make([]string, len(cred.Transport))
		for i, t := range cred.Transport {
			names[i] = string(t)
		}
		transportsJSON, _ = json.Marshal(names)
	}
	return models.WebAuthnCredential{
		UserID:          userID,
		CredentialID:    cred.ID,
		PublicKey:       cred.PublicKey,
		AttestationType: cred.AttestationType,
		AAGUID:          cred.Authenticator.AAGUID,
		SignCount:       cred.Authenticator.SignCount,
		Name:            name,
		Transports:      string(transportsJSON),
		BackupEligible:  cred.Flags.BackupEligible,
		BackupState:     cred.Flags.BackupState,
		Active:          true,
	}
}

// loadWebAuthnUser assembles the ceremony user from active credentials only.
// Deactivated credentials (clone suspects) cannot satisfy an assertion.
func (h *WebAuthnHandler) loadWebAuthnUser(userID uuid.UUID) (*webAuthnUser, error) {
	var user models.User
	if err := h.DB.First(&user, "id = ?", userID).Error; err != nil {
		return nil, err
	}

	var rows []models.WebAuthnCredential
	h.DB.Where("user_id = ? AND active = ?", userID, true).Find(&rows)

	creds := make([]webauthn.Credential, len(rows))
	for i := range rows {
		creds[i] = ceremonyCredential(&rows[i])
	}
	return &webAuthnUser{user: user, creds: creds}, nil
}

// storeChallenge persists ceremony session state for the finish step. For
// user-bound ceremonies any previous challenge of the same type is replaced.
func (h *WebAuthnHandler) storeChallenge(userID *uuid.UUID, typ models.MFAChallengeType, waSession *webauthn.SessionData) (*models.MFAChallenge, error) {
	sessionJSON, err := json.Marshal(waSession)
	if err != nil {
		return nil, err
	}

	if userID != nil {
		h.DB.Where("user_id = ? AND type = ?", *userID, typ).Delete(&models.MFAChallenge{})
	}

	challenge := models.MFAChallenge{
		UserID:      userID,
		Challenge:   []byte(waSession.Challenge),
		Type:        typ,
		SessionData: string(sessionJSON),
		ExpiresAt:   time.Now().Add(webauthnChallengeTTL),
	}
	if err := h.DB.Create(&challenge).Error; err != nil {
		return nil, err
	}
	return &challenge, nil
}

func (h *WebAuthnHandler) pendingChallenge(userID uuid.UUID, typ models.MFAChallengeType) (*models.MFAChallenge, *webauthn.SessionData, error) {
	var challenge models.MFAChallenge
	err := h.DB.Where("user_id = ? AND type = ? AND expires_at > ?", userID, typ, time.Now()).
		Order("created_at DESC").First(&challenge).Error
	if err != nil {
		return nil, nil, err
	}

	var waSession webauthn.SessionData
	if err := json.Unmarshal([]byte(challenge.SessionData), &waSession); err != nil {
		return nil, nil, err
	}
	return &challenge, &waSession, nil
}

// consumeChallenge removes the row. Challenges are single use whether the
// ceremony succeeded or not.
func (h *WebAuthnHandler) consumeChallenge(id uuid.UUID) {
	h.DB.Where("id = ?", id).Delete(&models.MFAChallenge{})
}

// checkSignCount enforces monotonic sign counters. A regression means the
// private key is likely cloned; the credential is deactivated on the spot.
// Authenticators that never increment (counter stays zero) are accepted.
func (h *WebAuthnHandler) checkSignCount(cred *webauthn.Credential, userID uuid.UUID) bool {
	var stored models.WebAuthnCredential
	if err := h.DB.First(&stored, "user_id = ? AND credential_id = ?", userID, cred.ID).Error; err != nil {
		return false
	}

	newCount := cred.Authenticator.SignCount
	regressed := cred.Authenticator.CloneWarning ||
		(stored.SignCount > 0 && newCount != 0 && newCount <= stored.SignCount)
	if regressed {
		h.DB.Model(&stored).Updates(map[string]interface{}{"active": false})
		logger.Warn("webauthn_sign_count_regression", map[string]interface{}{
			"user_id":       userID.String(),
			"credential_id": stored.ID.String(),
			"stored_count":  stored.SignCount,
			"new_count":     newCount,
		})
		h.Audit.RecordAttempt(userID, models.MFAMethodWebAuthn, false, "sign_count_regression", "", "", "")
		return false
	}

	h.DB.Model(&stored).Updates(map[string]interface{}{
		"sign_count":   newCount,
		"last_used_at": time.Now(),
	})
	return true
}

func (h *WebAuthnHandler) RegisterBegin(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	waUser, err := h.loadWebAuthnUser(user.ID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load user")
	}

	options, waSession, err := h.WebAuthn.BeginRegistration(waUser)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to begin registration")
	}

	if _, err := h.storeChallenge(&user.ID, models.MFAChallengeRegistration, waSession); err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to save challenge")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{"options": options})
}

type registerFinishRequest struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

func (h *WebAuthnHandler) RegisterFinish(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req registerFinishRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" {
		req.Name = "Passkey"
	}

	challenge, waSession, err := h.pendingChallenge(user.ID, models.MFAChallengeRegistration)
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "no pending registration challenge")
	}

	waUser, err := h.loadWebAuthnUser(user.ID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load user")
	}

	parsedResponse, err := protocol.ParseCredentialCreationResponseBody(strings.NewReader(string(req.Response)))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid credential response")
	}

	credential, err := h.WebAuthn.CreateCredential(waUser, *waSession, parsedResponse)
	h.consumeChallenge(challenge.ID)
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "failed to verify credential")
	}

	record := credentialRecord(user.ID, req.Name, credential)
	if err := h.DB.Create(&record).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to save credential")
	}

	logger.InfoWithUser(user.ID.String(), "webauthn_credential_registered", map[string]interface{}{
		"credential_id": record.ID.String(),
		"name":          record.Name,
	})

	h.Audit.LogAsync(services.AuditEvent{
		UserID:     &user.ID,
		Action:     "mfa.passkey_registered",
		TargetType: "webauthn_credential",
		TargetID:   &record.ID,
		Details:    map[string]interface{}{"name": record.Name},
		IPAddress:  c.IP(),
		RequestID:  getRequestID(c),
	})

	return utils.Success(c, fiber.StatusCreated, fiber.Map{"credential": record})
}

type verifyWebAuthnBeginRequest struct {
	MFAToken string `json:"mfaToken"`
}

// VerifyBegin starts a passkey assertion for a pending login. It arms the
// session flow the same way a code challenge does.
func (h *WebAuthnHandler) VerifyBegin(c *fiber.Ctx) error {
	var req verifyWebAuthnBeginRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	claims, err := utils.ValidateMFAToken(req.MFAToken)
	if err != nil || !utils.IsJTIValid(claims.JTI) {
		return utils.Error(c, fiber.StatusUnauthorized, "invalid or expired MFA token")
	}

	waUser, err := h.loadWebAuthnUser(claims.UserID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load user")
	}

	options, waSession, err := h.WebAuthn.BeginLogin(waUser)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to begin authentication")
	}

	if _, err := h.MFA.Sessions.Challenge(c.Context(), claims.JTI, models.MFAMethodWebAuthn, ""); err != nil {
		switch err {
		case session.ErrLocked:
			return utils.Error(c, fiber.StatusTooManyRequests, "too many attempts; try again later")
		case session.ErrNoFlow:
			return utils.Error(c, fiber.StatusBadRequest, "no pending login")
		default:
			return utils.Error(c, fiber.StatusInternalServerError, "failed to start challenge")
		}
	}

	if _, err := h.storeChallenge(&claims.UserID, models.MFAChallengeAuthentication, waSession); err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to save challenge")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{"options": options})
}

type verifyWebAuthnFinishRequest struct {
	MFAToken string          `json:"mfaToken"`
	Response json.RawMessage `json:"response"`
}

func (h *WebAuthnHandler) VerifyFinish(c *fiber.Ctx) error {
	var req verifyWebAuthnFinishRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	claims, err := utils.ValidateMFAToken(req.MFAToken)
	if err != nil || !utils.IsJTIValid(claims.JTI) {
		return utils.Error(c, fiber.StatusUnauthorized, "invalid or expired MFA token")
	}

	waUser, err := h.loadWebAuthnUser(claims.UserID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load user")
	}

	challenge, waSession, err := h.pendingChallenge(claims.UserID, models.MFAChallengeAuthentication)
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "no pending authentication challenge")
	}

	parsedResponse, err := protocol.ParseCredentialRequestResponseBody(strings.NewReader(string(req.Response)))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid assertion response")
	}

	credential, err := h.WebAuthn.ValidateLogin(waUser, *waSession, parsedResponse)
	h.consumeChallenge(challenge.ID)

	maxAttempts, lockout, _, _, perr := h.MFA.Policy.Limits(&waUser.user)
	if perr != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to resolve policy")
	}

	if err != nil || !h.checkSignCount(credential, claims.UserID) {
		if updated, ferr := h.MFA.Sessions.RecordFailure(c.Context(), claims.JTI, maxAttempts, lockout); ferr == nil && updated.State == session.StateLocked {
			return utils.Error(c, fiber.StatusTooManyRequests, "too many attempts; try again later")
		}
		h.Audit.RecordAttempt(claims.UserID, models.MFAMethodWebAuthn, false, "assertion_failed", c.IP(), c.Get("User-Agent"), "")
		return utils.Error(c, fiber.StatusUnauthorized, "passkey verification failed")
	}

	if _, err := h.MFA.Sessions.RecordSuccess(c.Context(), claims.JTI); err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to complete login")
	}
	utils.ConsumeJTI(claims.JTI)

	h.Audit.RecordAttempt(claims.UserID, models.MFAMethodWebAuthn, true, "", c.IP(), c.Get("User-Agent"), "")

	token, err := utils.GenerateToken(&waUser.user)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed generating token")
	}

	logger.InfoWithUser(waUser.user.ID.String(), "mfa_webauthn_verified", nil)

	h.Audit.LogAsync(services.AuditEvent{
		UserID:     &waUser.user.ID,
		Action:     "user.mfa_login",
		TargetType: "user",
		TargetID:   &waUser.user.ID,
		Details:    map[string]interface{}{"method": "webauthn"},
		IPAddress:  c.IP(),
		RequestID:  getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"token": token, "user": waUser.user})
}

// LoginBegin starts a discoverable (usernameless) passkey login.
func (h *WebAuthnHandler) LoginBegin(c *fiber.Ctx) error {
	options, waSession, err := h.WebAuthn.BeginDiscoverableLogin()
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to begin passkey login")
	}

	challenge, err := h.storeChallenge(nil, models.MFAChallengeAuthentication, waSession)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to save challenge")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"options":     options,
		"challengeID": challenge.ID,
	})
}

type loginFinishRequest struct {
	ChallengeID string          `json:"challengeID"`
	Response    json.RawMessage `json:"response"`
}

func (h *WebAuthnHandler) LoginFinish(c *fiber.Ctx) error {
	var req loginFinishRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	challengeID, err := parseUUID(req.ChallengeID)
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid challengeID")
	}

	var challenge models.MFAChallenge
	if err := h.DB.Where("id = ? AND type = ? AND expires_at > ?",
		challengeID, models.MFAChallengeAuthentication, time.Now()).
		First(&challenge).Error; err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "no pending login challenge")
	}

	var waSession webauthn.SessionData
	if err := json.Unmarshal([]byte(challenge.SessionData), &waSession); err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load session")
	}

	parsedResponse, err := protocol.ParseCredentialRequestResponseBody(strings.NewReader(string(req.Response)))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid assertion response")
	}

	userID, err := uuid.FromBytes(parsedResponse.Response.UserHandle)
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid user handle")
	}

	waUser, err := h.loadWebAuthnUser(userID)
	if err != nil {
		return utils.Error(c, fiber.StatusUnauthorized, "user not found")
	}
	if !waUser.user.Active {
		return utils.Error(c, fiber.StatusUnauthorized, "account is disabled")
	}

	credential, err := h.WebAuthn.ValidateDiscoverableLogin(
		func(rawID, userHandle []byte) (webauthn.User, error) {
			return waUser, nil
		},
		waSession,
		parsedResponse,
	)
	h.consumeChallenge(challenge.ID)

	if err != nil || !h.checkSignCount(credential, userID) {
		h.Audit.RecordAttempt(userID, models.MFAMethodWebAuthn, false, "assertion_failed", c.IP(), c.Get("User-Agent"), "")
		return utils.Error(c, fiber.StatusUnauthorized, "passkey verification failed")
	}

	h.Audit.RecordAttempt(userID, models.MFAMethodWebAuthn, true, "", c.IP(), c.Get("User-Agent"), "")

	token, err := utils.GenerateToken(&waUser.user)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed generating token")
	}

	logger.InfoWithUser(waUser.user.ID.String(), "passkey_login", nil)

	h.Audit.LogAsync(services.AuditEvent{
		UserID:     &waUser.user.ID,
		Action:     "user.passkey_login",
		TargetType: "user",
		TargetID:   &waUser.user.ID,
		IPAddress:  c.IP(),
		RequestID:  getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"token": token, "user": waUser.user})
}

func (h *WebAuthnHandler) List(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var creds []models.WebAuthnCredential
	h.DB.Where("user_id = ?", user.ID).Order("created_at DESC").Find(&creds)

	return utils.Success(c, fiber.StatusOK, creds)
}

type renamePasskeyRequest struct {
	Name string `json:"name"`
}

func (h *WebAuthnHandler) Rename(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	credID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid credential ID")
	}

	var req renamePasskeyRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" {
		return utils.Error(c, fiber.StatusBadRequest, "name is required")
	}

	result := h.DB.Model(&models.WebAuthnCredential{}).
		Where("id = ? AND user_id = ?", credID, user.ID).
		Update("name", req.Name)
	if result.RowsAffected == 0 {
		return utils.Error(c, fiber.StatusNotFound, "passkey not found")
	}

	var cred models.WebAuthnCredential
	h.DB.First(&cred, "id = ?", credID)

	return utils.Success(c, fiber.StatusOK, cred)
}

func (h *WebAuthnHandler) Delete(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	credID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid credential ID")
	}

	var cred models.WebAuthnCredential
	if err := h.DB.First(&cred, "id = ? AND user_id = ?", credID, user.ID).Error; err != nil {
		return utils.Error(c, fiber.StatusNotFound, "passkey not found")
	}

	if err := h.DB.Delete(&cred).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to delete passkey")
	}

	logger.InfoWithUser(user.ID.String(), "webauthn_credential_deleted", map[string]interface{}{
		"credential_id": credID.String(),
		"name":          cred.Name,
	})

	h.Audit.LogAsync(services.AuditEvent{
		UserID:     &user.ID,
		Action:     "mfa.passkey_removed",
		TargetType: "webauthn_credential",
		TargetID:   &cred.ID,
		Details:    map[string]interface{}{"name": cred.Name},
		IPAddress:  c.IP(),
		RequestID:  getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "passkey removed"})
}

package services

import (
	"bytes"
	"image/png"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const totpPeriod = 30

// TOTPService wraps RFC 6238 code handling: secret provisioning, QR
// rendering, and step-scoped validation with replay protection.
type TOTPService struct {
	Issuer string
	Skew   int // accepted steps either side of now
}

func NewTOTPService(issuer string, skew int) *TOTPService {
	if issuer == "" {
		issuer = "AuthVault"
	}
	if skew < 0 {
		skew = 1
	}
	return &TOTPService{Issuer: issuer, Skew: skew}
}

// GenerateSecret returns a fresh provisioning key for the account. The
// secret is base32 and cryptographically random; uniqueness is statistical.
func (s *TOTPService) GenerateSecret(accountName string) (*otp.Key, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.Issuer,
		AccountName: accountName,
	})
	if err != nil {
		return nil, NewConfigurationError("failed to generate TOTP secret")
	}
	return key, nil
}

// QRCodePNG renders the otpauth:// provisioning URI as a scannable PNG.
func (s *TOTPService) QRCodePNG(key *otp.Key, size int) ([]byte, error) {
	if size <= 0 {
		size = 200
	}
	img, err := key.Image(size, size)
	if err != nil {
		return nil, NewConfigurationError("QR code backend unavailable")
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, NewConfigurationError("QR code encoding failed")
	}
	return buf.Bytes(), nil
}

// Validate checks code against secret within the tolerance window and
// returns the matched time-step counter. When lastCounter > 0, any match at
// a counter <= lastCounter is rejected even though the code itself is
// correct: an accepted time step is never accepted twice.
func (s *TOTPService) Validate(secret, code string, lastCounter int64, now time.Time) (bool, int64) {
	opts := totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      0,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}

	for step := -s.Skew; step <= s.Skew; step++ {
		at := now.Add(time.Duration(step*totpPeriod) * time.Second)
		counter := at.Unix() / totpPeriod
		if counter < 0 {
			continue
		}

		ok, err := totp.ValidateCustom(code, secret, at, opts)
		if err != nil || !ok {
			continue
		}
		if lastCounter > 0 && counter <= lastCounter {
			return false, 0
		}
		return true, counter
	}

	return false, 0
}

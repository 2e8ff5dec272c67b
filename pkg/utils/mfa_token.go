package utils

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	mfaTokenExpiry   = 5 * time.Minute
	mfaChallengeType = "mfa_challenge"
)

// MFAClaims is the short-lived token issued after a correct password when
// a second factor is still outstanding. It grants access to the challenge
// and verify endpoints only; the JTI makes each token single use.
type MFAClaims struct {
	UserID    uuid.UUID `json:"userID"`
	Email     string    `json:"email"`
	TokenType string    `json:"tokenType"`
	JTI       string    `json:"jti"`
	jwt.RegisteredClaims
}

func GenerateMFAToken(userID uuid.UUID, email string) (string, error) {
	now := time.Now()
	jti := uuid.New().String()
	claims := MFAClaims{
		UserID:    userID,
		Email:     email,
		TokenType: mfaChallengeType,
		JTI:       jti,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   userID.String(),
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(mfaTokenExpiry)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(jwtSecret)
}

func ValidateMFAToken(tokenString string) (*MFAClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&MFAClaims{},
		func(*jwt.Token) (interface{}, error) { return jwtSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*MFAClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid MFA token")
	}
	if claims.TokenType != mfaChallengeType {
		return nil, fmt.Errorf("invalid token type")
	}
	if claims.JTI == "" {
		return nil, fmt.Errorf("missing token ID")
	}
	return claims, nil
}

// jtiRegistry tracks consumed token IDs so a verified MFA token cannot be
// replayed inside its validity window. Entries are reaped once the
// underlying token has expired anyway.
type jtiRegistry struct {
	mu   sync.Mutex
	used map[string]time.Time
}

var consumedTokens = jtiRegistry{used: make(map[string]time.Time)}

func (r *jtiRegistry) valid(jti string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.used[jti]
	return !exists
}

func (r *jtiRegistry) consume(jti string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.used[jti] = time.Now()
}

func (r *jtiRegistry) reap(maxAge time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	for jti, consumedAt := range r.used {
		if consumedAt.Before(cutoff) {
			delete(r.used, jti)
		}
	}
}

func IsJTIValid(jti string) bool { return consumedTokens.valid(jti) }

func ConsumeJTI(jti string) { consumedTokens.consume(jti) }

func CleanupExpiredJTIs() { consumedTokens.reap(mfaTokenExpiry) }

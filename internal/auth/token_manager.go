package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL      = 30 * time.Minute
	defaultRefreshWindow = 24 * time.Hour
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")

	// ErrRefreshExpired indicates the token is too old to exchange.
	ErrRefreshExpired = errors.New("auth: token outside refresh window")
)

// TokenManagerConfig configures the backend JWT manager.
type TokenManagerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	RefreshWindow time.Duration
	Clock         func() time.Time
}

// TokenManager issues, validates, and refreshes backend JWTs. Refresh admits
// expired tokens as long as their expiry lies within the refresh window, so a
// client whose socket dial was rejected can trade its stale token for a fresh
// one without a full login.
type TokenManager struct {
	config TokenManagerConfig
	clock  func() time.Time
}

// NewTokenManager constructs a TokenManager with sane defaults.
func NewTokenManager(cfg TokenManagerConfig) *TokenManager {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	window := cfg.RefreshWindow
	if window <= 0 {
		window = defaultRefreshWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenManager{
		config: TokenManagerConfig{
			SigningSecret: cfg.SigningSecret,
			Issuer:        cfg.Issuer,
			Audience:      cfg.Audience,
			TokenTTL:      ttl,
			RefreshWindow: window,
			Clock:         clock,
		},
		clock: clock,
	}
}

// Issue produces a signed JWT and its expiry (seconds) for the subject.
func (m *TokenManager) Issue(_ context.Context, subject string) (string, int64, error) {
	if len(m.config.SigningSecret) == 0 {
		return "", 0, errMissingSigningSecret
	}
	if subject == "" {
		return "", 0, errMissingSubjectClaim
	}

	now := m.clock().UTC()
	expiresAt := now.Add(m.config.TokenTTL).UTC()

	registered := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    m.config.Issuer,
		Audience:  []string{m.config.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(m.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// Validate ensures the backend JWT is well formed and returns the subject.
func (m *TokenManager) Validate(tokenString string) (string, error) {
	if len(m.config.SigningSecret) == 0 {
		return "", errMissingSigningSecret
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		m.keyFunc,
		jwt.WithAudience(m.config.Audience),
		jwt.WithIssuer(m.config.Issuer),
		jwt.WithTimeFunc(m.clock),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errMissingSubjectClaim
	}
	return claims.Subject, nil
}

// Refresh exchanges a possibly expired token for a fresh one. The signature,
// issuer, and audience must still verify; only the expiry check is relaxed,
// and never beyond the refresh window.
func (m *TokenManager) Refresh(ctx context.Context, tokenString string) (string, int64, error) {
	if len(m.config.SigningSecret) == 0 {
		return "", 0, errMissingSigningSecret
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		m.keyFunc,
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return "", 0, err
	}
	if claims.Subject == "" {
		return "", 0, errMissingSubjectClaim
	}
	if claims.Issuer != m.config.Issuer {
		return "", 0, fmt.Errorf("unexpected issuer: %s", claims.Issuer)
	}
	if !audienceMatches(claims.Audience, m.config.Audience) {
		return "", 0, errors.New("unexpected audience")
	}
	if claims.ExpiresAt == nil {
		return "", 0, errors.New("token carries no expiry")
	}
	if m.clock().UTC().Sub(claims.ExpiresAt.Time) > m.config.RefreshWindow {
		return "", 0, ErrRefreshExpired
	}

	return m.Issue(ctx, claims.Subject)
}

func (m *TokenManager) keyFunc(token *jwt.Token) (interface{}, error) {
	if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
		return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
	}
	return m.config.SigningSecret, nil
}

func audienceMatches(audience jwt.ClaimStrings, expected string) bool {
	for _, value := range audience {
		if value == expected {
			return true
		}
	}
	return false
}

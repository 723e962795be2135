package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 12 * time.Hour
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
	errMissingDeviceClaim   = errors.New("device claim must be provided")
)

// DeviceSession identifies an authenticated device: which user it acts for
// and which workspace roots it may receive, with the role held in each.
type DeviceSession struct {
	UserID     string
	DeviceID   string
	Workspaces map[string]string
}

type deviceClaims struct {
	jwt.RegisteredClaims
	DeviceID   string            `json:"deviceId"`
	Workspaces map[string]string `json:"workspaces,omitempty"`
}

// TokenIssuerConfig configures the device session JWT issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer issues and validates device session JWTs.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		config: TokenIssuerConfig{
			SigningSecret: cfg.SigningSecret,
			Issuer:        cfg.Issuer,
			Audience:      cfg.Audience,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}, nil
}

// IssueDeviceToken produces a signed JWT and its expiry (seconds) for the
// given device session.
func (i *TokenIssuer) IssueDeviceToken(_ context.Context, session DeviceSession) (string, int64, error) {
	if session.UserID == "" {
		return "", 0, errMissingSubjectClaim
	}
	if session.DeviceID == "" {
		return "", 0, errMissingDeviceClaim
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	claims := deviceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   session.UserID,
			Issuer:    i.config.Issuer,
			Audience:  []string{i.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		DeviceID:   session.DeviceID,
		Workspaces: session.Workspaces,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken ensures the JWT is well formed and returns the device session
// it encodes.
func (i *TokenIssuer) ValidateToken(tokenString string) (DeviceSession, error) {
	claims := &deviceClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithAudience(i.config.Audience),
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return DeviceSession{}, err
	}
	if claims.Subject == "" {
		return DeviceSession{}, errMissingSubjectClaim
	}
	if claims.DeviceID == "" {
		return DeviceSession{}, errMissingDeviceClaim
	}
	return DeviceSession{
		UserID:     claims.Subject,
		DeviceID:   claims.DeviceID,
		Workspaces: claims.Workspaces,
	}, nil
}

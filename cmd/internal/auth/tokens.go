// Package auth issues and verifies the bearer tokens that authenticate chat clients against the
// reference backend, and provides the HTTP middleware that enforces them.
//
// Tokens are HS256 JWTs. Access and refresh tokens share the signing key and are told apart by
// the "typ" claim.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MinSecretBytes is the minimum HMAC secret length.
const MinSecretBytes = 32

const (
	kindAccess  = "access"
	kindRefresh = "refresh"
)

// Config configures a Tokens manager.
type Config struct {
	Secret     []byte
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	ClockSkew  time.Duration
}

// Claims is the identity propagated across HTTP, WebSocket and SSE.
type Claims struct {
	UserID    string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Issued is an access/refresh token pair.
type Issued struct {
	AccessToken  string
	AccessExp    time.Time
	RefreshToken string
	RefreshExp   time.Time
}

type tokenClaims struct {
	Kind string `json:"typ"`
	jwt.RegisteredClaims
}

// Tokens issues and verifies tokens.
type Tokens struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	skew       time.Duration
}

// NewTokens validates cfg and returns a manager.
func NewTokens(cfg Config) (*Tokens, error) {
	if len(cfg.Secret) < MinSecretBytes {
		return nil, fmt.Errorf("%w: min=%d bytes", ErrSecretTooShort, MinSecretBytes)
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, fmt.Errorf("%w: empty issuer", ErrConfig)
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL < cfg.AccessTTL {
		return nil, fmt.Errorf("%w: access_ttl=%s refresh_ttl=%s", ErrConfig, cfg.AccessTTL, cfg.RefreshTTL)
	}
	if cfg.ClockSkew < 0 {
		cfg.ClockSkew = 0
	}

	return &Tokens{
		secret:     append([]byte(nil), cfg.Secret...),
		issuer:     cfg.Issuer,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		skew:       cfg.ClockSkew,
	}, nil
}

// Issue mints an access/refresh pair for userID.
func (t *Tokens) Issue(userID string, now time.Time) (Issued, error) {
	if strings.TrimSpace(userID) == "" {
		return Issued{}, errors.New("auth: empty user id")
	}

	access, accessExp, err := t.sign(kindAccess, userID, now, t.accessTTL)
	if err != nil {
		return Issued{}, err
	}
	refresh, refreshExp, err := t.sign(kindRefresh, userID, now, t.refreshTTL)
	if err != nil {
		return Issued{}, err
	}
	return Issued{
		AccessToken:  access,
		AccessExp:    accessExp,
		RefreshToken: refresh,
		RefreshExp:   refreshExp,
	}, nil
}

func (t *Tokens) sign(kind, userID string, now time.Time, ttl time.Duration) (string, time.Time, error) {
	exp := now.Add(ttl).Truncate(time.Second)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	signed, err := tok.SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign %s token: %w", kind, err)
	}
	return signed, exp, nil
}

// Verify validates an access token.
func (t *Tokens) Verify(raw string, now time.Time) (Claims, error) {
	return t.verify(kindAccess, raw, now)
}

// VerifyRefresh validates a refresh token.
func (t *Tokens) VerifyRefresh(raw string, now time.Time) (Claims, error) {
	return t.verify(kindRefresh, raw, now)
}

func (t *Tokens) verify(kind, raw string, now time.Time) (Claims, error) {
	var c tokenClaims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), &c,
		func(*jwt.Token) (any, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithLeeway(t.skew),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if c.Kind != kind || c.Subject == "" {
		return Claims{}, ErrInvalidToken
	}

	out := Claims{UserID: c.Subject, TokenID: c.ID}
	if c.IssuedAt != nil {
		out.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Time
	}
	return out, nil
}

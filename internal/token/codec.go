// Package token mints and validates the signed access and refresh tokens.
package token

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"tenant-auth/internal/apperr"
)

const (
	TypeBearer = "Bearer"

	defaultAccessTTL  = 30 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

var ErrInvalidToken = errors.New("invalid token")

type Config struct {
	Algorithm     string
	Secret        string
	Issuer        string
	Audience      []string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	RememberMeTTL time.Duration
}

// Subject is the identity a token pair is minted for.
type Subject struct {
	UserID           string
	TenantID         string
	TenantCode       string
	Email            string
	IsServiceAccount bool
	Scopes           []string
	SessionID        string
	RememberMe       bool
}

type Pair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token,omitempty"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int64     `json:"expires_in"`
	Scope            string    `json:"scope,omitempty"`
	AccessJTI        string    `json:"-"`
	RefreshJTI       string    `json:"-"`
	AccessExpiresAt  time.Time `json:"-"`
	RefreshExpiresAt time.Time `json:"-"`
}

// Codec is stateless apart from its signing configuration and clock.
type Codec struct {
	method        jwt.SigningMethod
	secret        []byte
	issuer        string
	audience      []string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	rememberMeTTL time.Duration
	now           func() time.Time
}

func NewCodec(cfg Config) (*Codec, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, fmt.Errorf("token secret is required")
	}

	alg := strings.ToUpper(strings.TrimSpace(cfg.Algorithm))
	if alg == "" {
		alg = jwt.SigningMethodHS256.Alg()
	}
	var method jwt.SigningMethod
	switch alg {
	case jwt.SigningMethodHS256.Alg():
		method = jwt.SigningMethodHS256
	case jwt.SigningMethodHS384.Alg():
		method = jwt.SigningMethodHS384
	case jwt.SigningMethodHS512.Alg():
		method = jwt.SigningMethodHS512
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", cfg.Algorithm)
	}

	c := &Codec{
		method:        method,
		secret:        []byte(cfg.Secret),
		issuer:        strings.TrimSpace(cfg.Issuer),
		audience:      cfg.Audience,
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		rememberMeTTL: cfg.RememberMeTTL,
		now:           func() time.Time { return time.Now().UTC() },
	}
	if c.accessTTL <= 0 {
		c.accessTTL = defaultAccessTTL
	}
	if c.refreshTTL <= 0 {
		c.refreshTTL = defaultRefreshTTL
	}
	if c.rememberMeTTL < c.refreshTTL {
		c.rememberMeTTL = c.refreshTTL
	}
	return c, nil
}

// WithClock replaces the clock used for issuing and validating tokens.
func (c *Codec) WithClock(now func() time.Time) *Codec {
	if now != nil {
		c.now = now
	}
	return c
}

func (c *Codec) AccessTTL() time.Duration  { return c.accessTTL }
func (c *Codec) RefreshTTL() time.Duration { return c.refreshTTL }

// MaxTTL is the longest lifetime a token of kind can have. Blacklist entries
// must outlive it.
func (c *Codec) MaxTTL(kind Kind) time.Duration {
	if kind == KindRefresh {
		return c.rememberMeTTL
	}
	return c.accessTTL
}

// Mint issues an access token and a refresh token for the same session.
func (c *Codec) Mint(subject Subject) (Pair, error) {
	pair, err := c.MintAccess(subject)
	if err != nil {
		return Pair{}, err
	}

	now := c.now()
	ttl := c.refreshTTL
	if subject.RememberMe {
		ttl = c.rememberMeTTL
	}

	refresh := Claims{
		RegisteredClaims: c.registered(subject.UserID, now, ttl),
		TenantID:         subject.TenantID,
		Kind:             KindRefresh,
	}
	signed, err := c.sign(refresh)
	if err != nil {
		return Pair{}, err
	}

	pair.RefreshToken = signed
	pair.RefreshJTI = refresh.ID
	pair.RefreshExpiresAt = refresh.ExpiresAt.Time
	return pair, nil
}

// MintAccess issues an access token only.
func (c *Codec) MintAccess(subject Subject) (Pair, error) {
	if strings.TrimSpace(subject.UserID) == "" {
		return Pair{}, apperr.Internal("mint token", errors.New("subject is required"))
	}

	now := c.now()
	access := Claims{
		RegisteredClaims: c.registered(subject.UserID, now, c.accessTTL),
		TenantID:         subject.TenantID,
		TenantCode:       subject.TenantCode,
		Email:            subject.Email,
		IsServiceAccount: subject.IsServiceAccount,
		Scopes:           subject.Scopes,
		SessionID:        subject.SessionID,
		Kind:             KindAccess,
	}
	signed, err := c.sign(access)
	if err != nil {
		return Pair{}, err
	}

	return Pair{
		AccessToken:     signed,
		TokenType:       TypeBearer,
		ExpiresIn:       int64(c.accessTTL.Seconds()),
		AccessJTI:       access.ID,
		AccessExpiresAt: access.ExpiresAt.Time,
	}, nil
}

// Decode verifies the signature, issuer and audience of raw. Expiry is only
// checked when verifyExpiry is set.
func (c *Codec) Decode(raw string, verifyExpiry bool) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, invalid(errors.New("empty token"))
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithTimeFunc(c.now),
	}
	if verifyExpiry {
		opts = append(opts, jwt.WithExpirationRequired())
		if c.issuer != "" {
			opts = append(opts, jwt.WithIssuer(c.issuer))
		}
		if len(c.audience) > 0 {
			opts = append(opts, jwt.WithAudience(c.audience...))
		}
	} else {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	}, opts...)
	if err != nil {
		return nil, invalid(err)
	}
	if !parsed.Valid {
		return nil, invalid(ErrInvalidToken)
	}

	if !verifyExpiry {
		if c.issuer != "" && claims.Issuer != c.issuer {
			return nil, invalid(jwt.ErrTokenInvalidIssuer)
		}
		if len(c.audience) > 0 && !sharesAudience(claims.Audience, c.audience) {
			return nil, invalid(jwt.ErrTokenInvalidAudience)
		}
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, invalid(errors.New("token is missing sub or jti"))
	}

	return claims, nil
}

func (c *Codec) ValidateAccess(raw string) (*Claims, error) {
	return c.validateKind(raw, KindAccess)
}

func (c *Codec) ValidateRefresh(raw string) (*Claims, error) {
	return c.validateKind(raw, KindRefresh)
}

// IsExpired treats every decode failure as expired.
func (c *Codec) IsExpired(raw string) bool {
	_, err := c.Decode(raw, true)
	return err != nil
}

// ExtractJTI reads the jti without verifying the token. Returns "" when the
// token cannot be parsed at all.
func ExtractJTI(raw string) string {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(raw), claims); err != nil {
		return ""
	}
	return claims.ID
}

// Hash is the digest stored in place of raw tokens.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (c *Codec) validateKind(raw string, kind Kind) (*Claims, error) {
	claims, err := c.Decode(raw, true)
	if err != nil {
		return nil, err
	}
	if claims.Kind != kind {
		return nil, invalid(fmt.Errorf("expected %s token, got %q", kind, claims.Kind))
	}
	return claims, nil
}

func (c *Codec) registered(subject string, now time.Time, ttl time.Duration) jwt.RegisteredClaims {
	rc := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   subject,
		Issuer:    c.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if len(c.audience) > 0 {
		rc.Audience = jwt.ClaimStrings(c.audience)
	}
	return rc
}

func (c *Codec) sign(claims Claims) (string, error) {
	signed, err := jwt.NewWithClaims(c.method, claims).SignedString(c.secret)
	if err != nil {
		return "", apperr.Internal("sign token", err)
	}
	return signed, nil
}

func sharesAudience(got jwt.ClaimStrings, want []string) bool {
	for _, aud := range got {
		if slices.Contains(want, aud) {
			return true
		}
	}
	return false
}

func invalid(cause error) error {
	return apperr.Authentication("invalid or expired token").Wrap(cause)
}

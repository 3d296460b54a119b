// Package token issues and verifies compact capability tokens. A token
// scopes its bearer to one audience (the allowed interaction) and one
// subject (the public identifier of an asset) within a bounded validity
// window. Tokens are HS256-signed JWTs with the fixed claim set
// {sub, aud, iat, exp}; verification is pure and stateless, and expiry is
// the only invalidation mechanism.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Audience is the allowed interaction for a token, a three-letter tag.
type Audience string

const (
	// AudienceNone grants nothing; it is the zero-capability tag.
	AudienceNone Audience = "zzz"

	// AudiencePreview allows fetching an asset's preview rendition.
	AudiencePreview Audience = "pre"

	// AudienceRendition allows fetching derived renditions.
	AudienceRendition Audience = "rnd"

	// AudienceOriginal allows fetching the original bytes.
	AudienceOriginal Audience = "ori"

	// AudienceManifest allows fetching the full asset manifest. It is not
	// scoped to a single asset and carries no subject.
	AudienceManifest Audience = "jld"

	// AudienceMetadataUpdate allows triggering metadata assignment. Like
	// the manifest audience it carries no subject.
	AudienceMetadataUpdate Audience = "uid"
)

// Audiences lists every known audience tag.
var Audiences = []Audience{
	AudienceNone,
	AudiencePreview,
	AudienceRendition,
	AudienceOriginal,
	AudienceManifest,
	AudienceMetadataUpdate,
}

// Known reports whether a is a recognised audience tag.
func (a Audience) Known() bool {
	switch a {
	case AudienceNone, AudiencePreview, AudienceRendition, AudienceOriginal,
		AudienceManifest, AudienceMetadataUpdate:
		return true
	}
	return false
}

var (
	// ErrInvalid covers malformed tokens, wrong signatures, unknown
	// audiences, and validity windows beyond policy. All verification
	// failures surface as unauthorized; the kinds differ only in logs.
	ErrInvalid = errors.New("token invalid")

	// ErrExpired is returned for tokens past their expiry (minus leeway).
	ErrExpired = errors.New("token expired")

	// ErrWrongAudience is returned when a token's audience does not match
	// the audience required by the endpoint.
	ErrWrongAudience = errors.New("token audience mismatch")

	// ErrWrongSubject is returned when a token's subject does not match
	// the required asset identifier.
	ErrWrongSubject = errors.New("token subject mismatch")

	// ErrDurationTooLong is returned at issue time when the requested ttl
	// exceeds the policy maximum for the audience.
	ErrDurationTooLong = errors.New("token duration exceeds maximum")
)

// Claims is the verified content of a capability token.
type Claims struct {
	Subject   string
	Audience  Audience
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Duration is the validity window the token was issued with.
func (c Claims) Duration() time.Duration {
	return c.ExpiresAt.Sub(c.IssuedAt)
}

// Config holds token service configuration.
type Config struct {
	// Secret is the shared HS256 signing key.
	Secret []byte

	// MaxShortDuration bounds tokens for asset-byte audiences (preview,
	// rendition, original). Default 15 minutes.
	MaxShortDuration time.Duration

	// MaxLongDuration bounds tokens for the manifest and metadata-update
	// audiences. Default 365 days.
	MaxLongDuration time.Duration

	// Leeway tolerated on time-based claims during verification.
	// Default 30 seconds.
	Leeway time.Duration
}

// Service issues and verifies capability tokens.
type Service struct {
	cfg Config
	now func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New creates a token service. The secret must be non-empty.
func New(cfg Config, opts ...Option) (*Service, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("token secret must not be empty")
	}
	if cfg.MaxShortDuration == 0 {
		cfg.MaxShortDuration = 15 * time.Minute
	}
	if cfg.MaxLongDuration == 0 {
		cfg.MaxLongDuration = 365 * 24 * time.Hour
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 30 * time.Second
	}

	s := &Service{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// MaxDuration returns the policy maximum validity for an audience. Audiences
// granting access to asset bytes get the short bound; manifest and update
// audiences the long one.
func (s *Service) MaxDuration(aud Audience) time.Duration {
	switch aud {
	case AudienceManifest, AudienceMetadataUpdate:
		return s.cfg.MaxLongDuration
	default:
		return s.cfg.MaxShortDuration
	}
}

// Issue signs a new token scoping sub to aud for ttl. Subjects are required
// for asset-scoped audiences and absent for manifest/update tokens.
func (s *Service) Issue(aud Audience, sub string, ttl time.Duration) (string, error) {
	if !aud.Known() {
		return "", fmt.Errorf("%w: unknown audience %q", ErrInvalid, aud)
	}
	if limit := s.MaxDuration(aud); ttl > limit {
		return "", fmt.Errorf("%w: %s > %s for audience %q", ErrDurationTooLong, ttl, limit, aud)
	}

	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   sub,
		Audience:  jwt.ClaimStrings{string(aud)},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify checks a token against the required audience and, when requiredSub
// is non-empty, the required subject. Checks run in a fixed order: signature
// and shape first, then expiry, then audience, then subject. The returned
// claims are valid only when err is nil.
func (s *Service) Verify(tokenStr string, requiredAud Audience, requiredSub string) (Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(s.cfg.Leeway),
		jwt.WithTimeFunc(s.now),
		jwt.WithIssuedAt(),
	)

	var registered jwt.RegisteredClaims
	_, err := parser.ParseWithClaims(tokenStr, &registered, func(t *jwt.Token) (any, error) {
		return s.cfg.Secret, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return Claims{}, fmt.Errorf("%w: %v", ErrExpired, err)
	default:
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if len(registered.Audience) != 1 || !Audience(registered.Audience[0]).Known() {
		return Claims{}, fmt.Errorf("%w: malformed audience claim", ErrInvalid)
	}
	if registered.IssuedAt == nil || registered.ExpiresAt == nil {
		return Claims{}, fmt.Errorf("%w: missing iat or exp claim", ErrInvalid)
	}

	claims := Claims{
		Subject:   registered.Subject,
		Audience:  Audience(registered.Audience[0]),
		IssuedAt:  registered.IssuedAt.Time,
		ExpiresAt: registered.ExpiresAt.Time,
	}

	// A token minted with a window beyond the audience policy was not
	// issued by this service's rules; reject it outright.
	if claims.Duration() > s.MaxDuration(claims.Audience) {
		return Claims{}, fmt.Errorf("%w: validity window %s exceeds policy", ErrInvalid, claims.Duration())
	}

	if claims.Audience != requiredAud {
		return Claims{}, fmt.Errorf("%w: token for %q, endpoint requires %q", ErrWrongAudience, claims.Audience, requiredAud)
	}
	if requiredSub != "" && claims.Subject != requiredSub {
		return Claims{}, ErrWrongSubject
	}

	return claims, nil
}

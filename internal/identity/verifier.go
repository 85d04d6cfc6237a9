package identity

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"paygate/internal/config"
)

// Verifier validates HS256 session tokens.
type Verifier struct {
	SigningKey []byte
	Issuer     string
	Audience   string
	Now        func() time.Time
}

func NewVerifier(cfg config.Config) *Verifier {
	return &Verifier{
		SigningKey: []byte(cfg.Auth.SigningKey),
		Issuer:     strings.TrimSpace(cfg.Auth.Issuer),
		Audience:   strings.TrimSpace(cfg.Auth.Audience),
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

// Verify accepts a raw token or an Authorization header value.
func (v *Verifier) Verify(raw string) (Session, error) {
	raw = strings.TrimSpace(raw)
	if parts := strings.Fields(raw); len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		raw = parts[1]
	}
	if raw == "" {
		return Session{}, ErrUnauthorized
	}
	if len(v.SigningKey) == 0 {
		return Session{}, fmt.Errorf("%w: token signing key not configured", ErrUnauthorized)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.Issuer))
	}
	if v.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.Audience))
	}

	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.SigningKey, nil
	}, parserOpts...)
	if err != nil || !parsed.Valid {
		return Session{}, ErrUnauthorized
	}

	actorID := strings.TrimSpace(claims.Subject)
	if actorID == "" {
		return Session{}, ErrUnauthorized
	}
	session := Session{ActorID: actorID, TokenID: claims.ID}
	if claims.IssuedAt != nil {
		session.IssuedAt = claims.IssuedAt.Time.UTC()
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	return session, nil
}

func (v *Verifier) now() time.Time {
	if v.Now == nil {
		return time.Now().UTC()
	}
	return v.Now()
}

// Issuer mints session tokens the Verifier accepts.
type Issuer struct {
	SigningKey []byte
	Issuer     string
	Audience   string
	TTL        time.Duration
	Now        func() time.Time
}

func NewIssuer(cfg config.Config) *Issuer {
	return &Issuer{
		SigningKey: []byte(cfg.Auth.SigningKey),
		Issuer:     strings.TrimSpace(cfg.Auth.Issuer),
		Audience:   strings.TrimSpace(cfg.Auth.Audience),
		TTL:        cfg.Auth.TokenTTL,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

func (i *Issuer) Issue(actorID string) (string, Session, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return "", Session{}, fmt.Errorf("actor id is required")
	}
	if len(i.SigningKey) == 0 {
		return "", Session{}, fmt.Errorf("token signing key not configured")
	}
	ttl := i.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now().UTC()
	if i.Now != nil {
		now = i.Now()
	}
	session := Session{
		ActorID:   actorID,
		TokenID:   uuid.NewString(),
		IssuedAt:  now.Truncate(time.Second),
		ExpiresAt: now.Add(ttl).Truncate(time.Second),
	}
	claims := jwt.RegisteredClaims{
		Subject:   actorID,
		ID:        session.TokenID,
		IssuedAt:  jwt.NewNumericDate(session.IssuedAt),
		NotBefore: jwt.NewNumericDate(session.IssuedAt),
		ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
	}
	if i.Issuer != "" {
		claims.Issuer = i.Issuer
	}
	if i.Audience != "" {
		claims.Audience = jwt.ClaimStrings{i.Audience}
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.SigningKey)
	if err != nil {
		return "", Session{}, err
	}
	return token, session, nil
}

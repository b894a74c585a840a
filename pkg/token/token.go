// Package token issues and validates the single-session credentials that
// gate every authenticated bookstore operation.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"bookstore/internal/util"
)

// DefaultLifetime is how long an issued token stays valid.
const DefaultLifetime = 3600 * time.Second

// Claims carried by a session token. Timestamp is the issue instant in Unix
// seconds; a token without it never validates.
type Claims struct {
	UserID    string `json:"user_id"`
	Terminal  string `json:"terminal"`
	Timestamp int64  `json:"timestamp"`
	jwt.RegisteredClaims
}

// Service signs and validates session tokens. Tokens are HS256 JWTs signed
// with a key derived per user from the server secret, so a token can never
// verify against another user's id.
type Service struct {
	secret   []byte
	lifetime time.Duration
	now      func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithLifetime overrides the validity window for issued tokens.
func WithLifetime(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lifetime = d
		}
	}
}

// WithClock overrides the time source. Tests use this to move time forward.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates a token service around the server signing secret.
func NewService(secret []byte, opts ...Option) (*Service, error) {
	if len(secret) == 0 {
		return nil, errors.New("token: signing secret is required")
	}
	s := &Service{
		secret:   append([]byte(nil), secret...),
		lifetime: DefaultLifetime,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Lifetime returns the validity window for issued tokens.
func (s *Service) Lifetime() time.Duration { return s.lifetime }

// Issue signs a fresh token binding userID to the given terminal. A random
// jti claim keeps every issue unique: two tokens minted within one second for
// the same terminal still differ, so storing one revokes the other.
func (s *Service) Issue(userID, terminal string) (string, error) {
	claims := Claims{
		UserID:           userID,
		Terminal:         terminal,
		Timestamp:        s.now().Unix(),
		RegisteredClaims: jwt.RegisteredClaims{ID: util.NewID()},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.userKey(userID))
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// Rotate issues a token for a fresh server-generated terminal. The result is
// stored as the user's live credential: after registration it is the initial
// session, after logout or a password change it acts as a burn token that no
// client ever holds.
func (s *Service) Rotate(userID string) (token, terminal string, err error) {
	terminal = fmt.Sprintf("terminal_%d", s.now().UnixNano())
	token, err = s.Issue(userID, terminal)
	if err != nil {
		return "", "", err
	}
	return token, terminal, nil
}

// Validate reports whether presented is the live, unexpired token for
// userID. stored is the credential currently persisted for the user; any
// previously issued token fails the equality gate no matter how fresh its
// signature is.
func (s *Service) Validate(userID, stored, presented string) bool {
	if stored != presented {
		return false
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(presented, claims, func(*jwt.Token) (any, error) {
		return s.userKey(userID), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		slog.Debug("session token rejected", "user_id", userID, "err", err)
		return false
	}
	if claims.Timestamp == 0 {
		return false
	}
	return s.now().Sub(time.Unix(claims.Timestamp, 0)) <= s.lifetime
}

// userKey derives the per-user signing key from the server secret.
func (s *Service) userKey(userID string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(userID))
	return mac.Sum(nil)
}

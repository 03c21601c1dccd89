package auth

import (
	"errors"
	"time"

	"chatcore/internal/apperr"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Kind discriminates access from refresh tokens signed with the same key.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// Identity is what a verified access token binds to a request or connection.
type Identity struct {
	UserID    uint
	Username  string
	SessionID string
}

type Claims struct {
	UserID    uint   `json:"uid"`
	Username  string `json:"username"`
	SessionID string `json:"sid"`
	Kind      Kind   `json:"kind"`
	jwt.RegisteredClaims
}

func (c *Claims) Identity() Identity {
	return Identity{UserID: c.UserID, Username: c.Username, SessionID: c.SessionID}
}

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

func VerifyPassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

// Tokens signs and verifies both token kinds.
type Tokens struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration

	// Now is swappable for tests.
	Now func() time.Time
}

func NewTokens(secret string, accessTTL, refreshTTL time.Duration) *Tokens {
	return &Tokens{secret: []byte(secret), accessTTL: accessTTL, refreshTTL: refreshTTL, Now: time.Now}
}

func (t *Tokens) RefreshTTL() time.Duration { return t.refreshTTL }

func (t *Tokens) sign(id Identity, kind Kind, ttl time.Duration) (string, time.Time, error) {
	now := t.Now()
	exp := now.Add(ttl)
	claims := Claims{
		UserID:    id.UserID,
		Username:  id.Username,
		SessionID: id.SessionID,
		Kind:      kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   id.Username,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	return s, exp, err
}

func (t *Tokens) IssueAccess(id Identity) (string, time.Time, error) {
	return t.sign(id, KindAccess, t.accessTTL)
}

func (t *Tokens) IssueRefresh(id Identity) (string, time.Time, error) {
	return t.sign(id, KindRefresh, t.refreshTTL)
}

func (t *Tokens) parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(t.Now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperr.ErrExpired
		}
		return nil, apperr.Wrap(apperr.CodeInvalidSignature, "invalid token signature", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, apperr.ErrInvalidSignature
	}
	return claims, nil
}

// ParseAccess verifies signature, expiry and that the token is an access token.
func (t *Tokens) ParseAccess(tokenStr string) (*Claims, error) {
	claims, err := t.parse(tokenStr)
	if err != nil {
		return nil, err
	}
	if claims.Kind != KindAccess {
		return nil, apperr.ErrWrongTokenKind
	}
	return claims, nil
}

// ParseRefresh verifies the signed half of a compound refresh credential.
func (t *Tokens) ParseRefresh(tokenStr string) (*Claims, error) {
	claims, err := t.parse(tokenStr)
	if err != nil {
		if errors.Is(err, apperr.ErrExpired) {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.CodeInvalidTokenType, "invalid refresh token", err)
	}
	if claims.Kind != KindRefresh || claims.SessionID == "" {
		return nil, apperr.ErrInvalidTokenType
	}
	return claims, nil
}

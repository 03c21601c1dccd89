package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"chatcore/internal/apperr"
	"chatcore/internal/audit"
	"chatcore/internal/auth"
	"chatcore/internal/metrics"
	"chatcore/internal/models"
	"chatcore/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// dummyHash 用于未知用户时仍执行一次 bcrypt 比较，避免通过耗时判断用户名是否存在。
var dummyHash = sync.OnceValue(func() string {
	h, _ := auth.HashPassword("chatcore-unknown-user")
	return h
})

type UserDTO struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
}

func userDTO(u *models.User) UserDTO {
	return UserDTO{ID: u.ID, Username: u.Username}
}

// TokenPair 是登录与刷新成功后返回给客户端的数据。
type TokenPair struct {
	AccessToken     string    `json:"accessToken"`
	RefreshToken    string    `json:"refreshToken"`
	SessionID       string    `json:"sessionId"`
	AccessExpiresAt time.Time `json:"accessExpiresAt"`
	User            UserDTO   `json:"user"`
}

// SessionManager 负责登录、refresh 凭证轮换与会话吊销。
type SessionManager struct {
	store  store.Store
	tokens *auth.Tokens
	hasher *auth.SecretHasher
	audit  audit.Emitter

	// Now is swappable for tests.
	Now func() time.Time
}

func NewSessionManager(st store.Store, tokens *auth.Tokens, hasher *auth.SecretHasher, em audit.Emitter) *SessionManager {
	return &SessionManager{store: st, tokens: tokens, hasher: hasher, audit: em, Now: time.Now}
}

// Register 创建新用户。
func (m *SessionManager) Register(ctx context.Context, username, password string) (UserDTO, error) {
	username, err := validateCredentials(username, password)
	if err != nil {
		return UserDTO{}, err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return UserDTO{}, err
	}
	user, err := m.store.CreateUser(ctx, username, hash)
	if err != nil {
		return UserDTO{}, err
	}
	m.audit.Emit(ctx, audit.Event{Type: audit.TypeRegister, UserID: user.ID, At: m.Now()})
	return userDTO(user), nil
}

// Login 校验用户名密码，创建新会话及其第一条 refresh 凭证。
func (m *SessionManager) Login(ctx context.Context, username, password, device string) (*TokenPair, error) {
	user, err := m.store.UserByUsername(ctx, username)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
		auth.VerifyPassword(dummyHash(), password)
		m.audit.Emit(ctx, audit.Event{Type: audit.TypeLoginFailed, Detail: "unknown user", At: m.Now()})
		return nil, apperr.ErrInvalidCredentials
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		m.audit.Emit(ctx, audit.Event{Type: audit.TypeLoginFailed, UserID: user.ID, Detail: "password mismatch", At: m.Now()})
		return nil, apperr.ErrInvalidCredentials
	}

	now := m.Now()
	secret, err := auth.GenerateRefreshSecret()
	if err != nil {
		return nil, err
	}
	rc := &models.RefreshCredential{
		SessionID:     uuid.NewString(),
		UserID:        user.ID,
		SecretHash:    m.hasher.Hash(secret),
		DeviceContext: truncate(device, 255),
		ExpiresAt:     now.Add(m.tokens.RefreshTTL()),
	}
	if err := m.store.CreateRefreshCredential(ctx, rc); err != nil {
		return nil, err
	}
	pair, err := m.issue(user, rc.SessionID, secret)
	if err != nil {
		return nil, err
	}
	m.audit.Emit(ctx, audit.Event{Type: audit.TypeLogin, UserID: user.ID, SessionID: rc.SessionID, Detail: rc.DeviceContext, At: now})
	return pair, nil
}

// Rotate 用 compound refresh 凭证换取新的 token 对，旧凭证被吊销并指向新凭证，会话 id 一并轮换。
func (m *SessionManager) Rotate(ctx context.Context, compound, device string) (*TokenPair, error) {
	signed, secret, err := auth.SplitRefresh(compound)
	if err != nil {
		return nil, err
	}
	claims, err := m.tokens.ParseRefresh(signed)
	if err != nil {
		return nil, err
	}
	user, err := m.store.UserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.ErrInvalidCredentials
		}
		return nil, err
	}

	now := m.Now()
	newSecret, err := auth.GenerateRefreshSecret()
	if err != nil {
		return nil, err
	}
	reused := false
	next, err := m.store.RotateRefreshCredential(ctx, claims.SessionID, now, func(cur *models.RefreshCredential) (*models.RefreshCredential, error) {
		switch {
		case cur == nil:
			return nil, apperr.ErrRevoked
		case cur.Revoked:
			reused = cur.ReplacedByID != nil
			return nil, apperr.ErrRevoked
		case cur.UserID != claims.UserID:
			return nil, apperr.ErrInvalidCredentials
		case !now.Before(cur.ExpiresAt):
			return nil, apperr.ErrExpired
		case !m.hasher.Verify(secret, cur.SecretHash):
			return nil, apperr.ErrInvalidCredentials
		}
		return &models.RefreshCredential{
			SessionID:     uuid.NewString(),
			UserID:        cur.UserID,
			SecretHash:    m.hasher.Hash(newSecret),
			DeviceContext: truncate(device, 255),
			ExpiresAt:     now.Add(m.tokens.RefreshTTL()),
		}, nil
	})
	if err != nil {
		if reused {
			log.Warn().Uint("user_id", claims.UserID).Str("session_id", claims.SessionID).Msg("rotated refresh credential presented again")
			m.audit.Emit(ctx, audit.Event{Type: audit.TypeRefreshReuse, UserID: claims.UserID, SessionID: claims.SessionID, At: now})
		}
		metrics.RefreshRotations.WithLabelValues(string(apperr.CodeOf(err))).Inc()
		return nil, err
	}

	pair, err := m.issue(user, next.SessionID, newSecret)
	if err != nil {
		return nil, err
	}
	metrics.RefreshRotations.WithLabelValues("ok").Inc()
	m.audit.Emit(ctx, audit.Event{Type: audit.TypeRotate, UserID: user.ID, SessionID: next.SessionID, Detail: "from " + claims.SessionID, At: now})
	return pair, nil
}

// Revoke 吊销会话当前的 refresh 凭证。重复调用或会话不属于该用户时不做任何事。
func (m *SessionManager) Revoke(ctx context.Context, userID uint, sessionID string) error {
	if sessionID == "" {
		return apperr.BadPayload("sessionId is required")
	}
	revoked, err := m.store.RevokeSession(ctx, userID, sessionID, m.Now())
	if err != nil {
		return err
	}
	if revoked {
		m.audit.Emit(ctx, audit.Event{Type: audit.TypeLogout, UserID: userID, SessionID: sessionID, At: m.Now()})
	}
	return nil
}

// Me 返回当前用户信息。
func (m *SessionManager) Me(ctx context.Context, userID uint) (UserDTO, error) {
	user, err := m.store.UserByID(ctx, userID)
	if err != nil {
		return UserDTO{}, err
	}
	return userDTO(user), nil
}

func (m *SessionManager) issue(user *models.User, sessionID, secret string) (*TokenPair, error) {
	id := auth.Identity{UserID: user.ID, Username: user.Username, SessionID: sessionID}
	access, exp, err := m.tokens.IssueAccess(id)
	if err != nil {
		return nil, err
	}
	signed, _, err := m.tokens.IssueRefresh(id)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:     access,
		RefreshToken:    auth.JoinRefresh(signed, secret),
		SessionID:       sessionID,
		AccessExpiresAt: exp.UTC(),
		User:            userDTO(user),
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

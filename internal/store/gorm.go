package store

import (
	"context"
	"strings"
	"time"

	"chatcore/internal/apperr"
	"chatcore/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore 是基于 GORM 的 Store 实现，支持 PostgreSQL 与 SQLite。
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 使用已连接的 GORM 句柄创建存储。
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// DB returns the underlying handle.
func (s *GormStore) DB() *gorm.DB { return s.db }

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "store: sql handle")
	}
	return errors.Wrap(sqlDB.PingContext(ctx), "store: ping")
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.ErrNotFound
	}
	return err
}

func (s *GormStore) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return nil, errors.Wrap(err, "store: count users")
	}
	if count > 0 {
		return nil, apperr.ErrUsernameTaken
	}
	user := models.User{Username: username, PasswordHash: passwordHash}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.ErrUsernameTaken
		}
		return nil, errors.Wrap(err, "store: create user")
	}
	return &user, nil
}

func (s *GormStore) UserByUsername(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		return nil, notFound(errors.Wrap(err, "store: user by username"))
	}
	return &user, nil
}

func (s *GormStore) UserByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, notFound(errors.Wrap(err, "store: user by id"))
	}
	return &user, nil
}

func (s *GormStore) CreateRefreshCredential(ctx context.Context, rc *models.RefreshCredential) error {
	return errors.Wrap(s.db.WithContext(ctx).Create(rc).Error, "store: create refresh credential")
}

func (s *GormStore) LatestRefreshCredential(ctx context.Context, sessionID string) (*models.RefreshCredential, error) {
	var rc models.RefreshCredential
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("id desc").First(&rc).Error
	if err != nil {
		return nil, notFound(errors.Wrap(err, "store: latest refresh credential"))
	}
	return &rc, nil
}

// RotateRefreshCredential runs read-then-write of the chain in one transaction.
// The superseded row is revoked only if it is still live, so two concurrent
// rotations of the same credential cannot both succeed.
func (s *GormStore) RotateRefreshCredential(ctx context.Context, sessionID string, at time.Time, rotate RotateFunc) (*models.RefreshCredential, error) {
	var next *models.RefreshCredential
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur models.RefreshCredential
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("session_id = ?", sessionID).Order("id desc").First(&cur).Error
		var current *models.RefreshCredential
		switch {
		case err == nil:
			current = &cur
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return errors.Wrap(err, "store: lock refresh credential")
		}
		n, err := rotate(current)
		if err != nil {
			return err
		}
		if err := tx.Create(n).Error; err != nil {
			return errors.Wrap(err, "store: insert rotated credential")
		}
		res := tx.Model(&models.RefreshCredential{}).
			Where("id = ? AND revoked = ?", cur.ID, false).
			Updates(map[string]any{"revoked": true, "replaced_by_id": n.ID, "revoked_at": at})
		if res.Error != nil {
			return errors.Wrap(res.Error, "store: revoke superseded credential")
		}
		if res.RowsAffected == 0 {
			return apperr.ErrRevoked
		}
		next = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

func (s *GormStore) RevokeSession(ctx context.Context, userID uint, sessionID string, at time.Time) (bool, error) {
	latest := s.db.Model(&models.RefreshCredential{}).Select("MAX(id)").Where("session_id = ?", sessionID)
	res := s.db.WithContext(ctx).Model(&models.RefreshCredential{}).
		Where("id = (?) AND user_id = ? AND revoked = ?", latest, userID, false).
		Updates(map[string]any{"revoked": true, "revoked_at": at})
	if res.Error != nil {
		return false, errors.Wrap(res.Error, "store: revoke session")
	}
	return res.RowsAffected > 0, nil
}

// IsMember 判断用户是否为聊天成员。
func (s *GormStore) IsMember(ctx context.Context, chatID, userID uint) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.ChatMember{}).
		Where("chat_id = ? AND user_id = ?", chatID, userID).Count(&count).Error
	if err != nil {
		return false, errors.Wrap(err, "store: membership")
	}
	return count > 0, nil
}

func (s *GormStore) MemberIDs(ctx context.Context, chatID uint) ([]uint, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Model(&models.ChatMember{}).
		Where("chat_id = ?", chatID).Order("user_id").Pluck("user_id", &ids).Error
	return ids, errors.Wrap(err, "store: member ids")
}

func (s *GormStore) ListChats(ctx context.Context, userID uint) ([]ChatSummary, error) {
	out := make([]ChatSummary, 0)
	err := s.db.WithContext(ctx).Table("chats").
		Select("chats.id AS id, chats.title AS title, COUNT(message_envelopes.id) AS message_count, COALESCE(MAX(message_envelopes.id), 0) AS last_message_id").
		Joins("JOIN chat_members ON chat_members.chat_id = chats.id AND chat_members.user_id = ?", userID).
		Joins("LEFT JOIN message_envelopes ON message_envelopes.chat_id = chats.id").
		Group("chats.id, chats.title").
		Order("chats.id").
		Scan(&out).Error
	return out, errors.Wrap(err, "store: list chats")
}

// InsertEnvelope inserts env unless (sender, client message id) already exists.
// On a new insert it creates one receipt per other chat member and returns
// true. On conflict env is overwritten with the stored row and false is returned.
func (s *GormStore) InsertEnvelope(ctx context.Context, env *models.MessageEnvelope) (bool, error) {
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "sender_id"}, {Name: "client_message_id"}},
			DoNothing: true,
		}).Create(env)
		if res.Error != nil {
			return errors.Wrap(res.Error, "store: insert envelope")
		}
		if res.RowsAffected == 0 {
			var existing models.MessageEnvelope
			if err := tx.Where("sender_id = ? AND client_message_id = ?", env.SenderID, env.ClientMessageID).
				First(&existing).Error; err != nil {
				return errors.Wrap(err, "store: fetch duplicate envelope")
			}
			*env = existing
			return nil
		}
		created = true

		var members []uint
		if err := tx.Model(&models.ChatMember{}).
			Where("chat_id = ? AND user_id <> ?", env.ChatID, env.SenderID).
			Pluck("user_id", &members).Error; err != nil {
			return errors.Wrap(err, "store: receipt recipients")
		}
		if len(members) == 0 {
			return nil
		}
		receipts := make([]models.MessageReceipt, 0, len(members))
		for _, uid := range members {
			receipts = append(receipts, models.MessageReceipt{MessageID: env.ID, RecipientID: uid})
		}
		return errors.Wrap(tx.Create(&receipts).Error, "store: create receipts")
	})
	return created, err
}

func (s *GormStore) EnvelopeByClientID(ctx context.Context, senderID uint, clientMessageID string) (*models.MessageEnvelope, error) {
	var env models.MessageEnvelope
	err := s.db.WithContext(ctx).Where("sender_id = ? AND client_message_id = ?", senderID, clientMessageID).First(&env).Error
	if err != nil {
		return nil, notFound(errors.Wrap(err, "store: envelope by client id"))
	}
	return &env, nil
}

// ListEnvelopes returns a page of a chat's envelopes, newest first.
func (s *GormStore) ListEnvelopes(ctx context.Context, chatID, beforeID uint, limit int) ([]models.MessageEnvelope, error) {
	q := s.db.WithContext(ctx).Where("chat_id = ?", chatID)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	var out []models.MessageEnvelope
	err := q.Order("id desc").Limit(limit).Find(&out).Error
	return out, errors.Wrap(err, "store: list envelopes")
}

// MarkDelivered sets delivered_at for receipts that do not have it yet and
// returns the recipient ids it changed.
func (s *GormStore) MarkDelivered(ctx context.Context, messageID uint, recipientIDs []uint, at time.Time) ([]uint, error) {
	if len(recipientIDs) == 0 {
		return nil, nil
	}
	var changed []uint
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.MessageReceipt{}).
			Where("message_id = ? AND recipient_id IN ? AND delivered_at IS NULL", messageID, recipientIDs).
			Order("recipient_id").
			Pluck("recipient_id", &changed).Error; err != nil {
			return errors.Wrap(err, "store: undelivered receipts")
		}
		if len(changed) == 0 {
			return nil
		}
		return errors.Wrap(tx.Model(&models.MessageReceipt{}).
			Where("message_id = ? AND recipient_id IN ? AND delivered_at IS NULL", messageID, changed).
			Update("delivered_at", at).Error, "store: mark delivered")
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

// MarkSeen sets seen_at on the recipient's unseen receipts among messageIDs
// that belong to chatID, and returns the ids it changed. A missing
// delivered_at is filled at the same time.
func (s *GormStore) MarkSeen(ctx context.Context, chatID, recipientID uint, messageIDs []uint, at time.Time) ([]uint, error) {
	var changed []uint
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inChat := tx.Model(&models.MessageEnvelope{}).Select("id").Where("chat_id = ? AND id IN ?", chatID, messageIDs)
		if err := tx.Model(&models.MessageReceipt{}).
			Where("recipient_id = ? AND seen_at IS NULL AND message_id IN (?)", recipientID, inChat).
			Order("message_id").
			Pluck("message_id", &changed).Error; err != nil {
			return errors.Wrap(err, "store: unseen receipts")
		}
		if len(changed) == 0 {
			return nil
		}
		if err := tx.Model(&models.MessageReceipt{}).
			Where("recipient_id = ? AND message_id IN ? AND seen_at IS NULL", recipientID, changed).
			Update("seen_at", at).Error; err != nil {
			return errors.Wrap(err, "store: mark seen")
		}
		return errors.Wrap(tx.Model(&models.MessageReceipt{}).
			Where("recipient_id = ? AND message_id IN ? AND delivered_at IS NULL", recipientID, changed).
			Update("delivered_at", at).Error, "store: backfill delivered")
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

// CreateChat seeds a chat with its members. Membership is otherwise managed
// outside this service.
func (s *GormStore) CreateChat(ctx context.Context, title string, memberIDs ...uint) (*models.Chat, error) {
	chat := models.Chat{Title: title}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&chat).Error; err != nil {
			return err
		}
		for _, uid := range memberIDs {
			if err := tx.Create(&models.ChatMember{ChatID: chat.ID, UserID: uid, JoinedAt: time.Now()}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "store: create chat")
	}
	return &chat, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}

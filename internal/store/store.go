// Package store is the query adapter over the relational store: users, the
// refresh-credential chain, chat membership, envelopes and receipts.
package store

import (
	"context"
	"time"

	"chatcore/internal/models"
)

// ChatSummary is one row of a user's chat list.
type ChatSummary struct {
	ID            uint   `json:"id"`
	Title         string `json:"title"`
	MessageCount  int64  `json:"messageCount"`
	LastMessageID uint   `json:"lastMessageId"`
}

// RotateFunc inspects the latest credential of a session (nil when none
// exists) and returns the replacement row to insert, or an error to abort.
type RotateFunc func(current *models.RefreshCredential) (*models.RefreshCredential, error)

// Store 定义会话、聊天与消息信封的持久化操作。
type Store interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error)
	UserByUsername(ctx context.Context, username string) (*models.User, error)
	UserByID(ctx context.Context, id uint) (*models.User, error)

	CreateRefreshCredential(ctx context.Context, rc *models.RefreshCredential) error
	LatestRefreshCredential(ctx context.Context, sessionID string) (*models.RefreshCredential, error)
	RotateRefreshCredential(ctx context.Context, sessionID string, at time.Time, rotate RotateFunc) (*models.RefreshCredential, error)
	RevokeSession(ctx context.Context, userID uint, sessionID string, at time.Time) (bool, error)

	IsMember(ctx context.Context, chatID, userID uint) (bool, error)
	MemberIDs(ctx context.Context, chatID uint) ([]uint, error)
	ListChats(ctx context.Context, userID uint) ([]ChatSummary, error)

	InsertEnvelope(ctx context.Context, env *models.MessageEnvelope) (bool, error)
	EnvelopeByClientID(ctx context.Context, senderID uint, clientMessageID string) (*models.MessageEnvelope, error)
	ListEnvelopes(ctx context.Context, chatID, beforeID uint, limit int) ([]models.MessageEnvelope, error)
	MarkDelivered(ctx context.Context, messageID uint, recipientIDs []uint, at time.Time) ([]uint, error)
	MarkSeen(ctx context.Context, chatID, recipientID uint, messageIDs []uint, at time.Time) ([]uint, error)
}

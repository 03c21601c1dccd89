package models

import "time"

type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	PasswordHash string `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RefreshCredential is one link of a login session's rotation chain. Rows are
// never deleted; a rotated row is revoked and points at its replacement.
type RefreshCredential struct {
	ID            uint   `gorm:"primaryKey"`
	SessionID     string `gorm:"index;size:36;not null"`
	UserID        uint   `gorm:"index;not null"`
	SecretHash    string `gorm:"size:64;not null"`
	Revoked       bool   `gorm:"not null;default:false"`
	ReplacedByID  *uint
	DeviceContext string    `gorm:"size:255"`
	ExpiresAt     time.Time `gorm:"index;not null"`
	RevokedAt     *time.Time
	CreatedAt     time.Time
}

type Chat struct {
	ID        uint   `gorm:"primaryKey"`
	Title     string `gorm:"size:128"`
	CreatedAt time.Time
}

type ChatMember struct {
	ChatID   uint `gorm:"primaryKey"`
	UserID   uint `gorm:"primaryKey;index"`
	JoinedAt time.Time
}

// MessageEnvelope is immutable once inserted. (SenderID, ClientMessageID) is the
// idempotency key.
type MessageEnvelope struct {
	ID              uint      `gorm:"primaryKey"`
	ChatID          uint      `gorm:"index:idx_envelope_chat;not null"`
	SenderID        uint      `gorm:"uniqueIndex:ux_envelope_sender_client,priority:1;not null"`
	ClientMessageID string    `gorm:"uniqueIndex:ux_envelope_sender_client,priority:2;size:128;not null"`
	Ciphertext      string    `gorm:"type:text;not null"`
	Nonce           string    `gorm:"size:255;not null"`
	SentAt          time.Time `gorm:"not null"`
	Metadata        string    `gorm:"type:text"`
	CreatedAt       time.Time
}

// MessageReceipt timestamps only ever move from NULL to set.
type MessageReceipt struct {
	MessageID   uint `gorm:"primaryKey"`
	RecipientID uint `gorm:"primaryKey;index"`
	DeliveredAt *time.Time
	SeenAt      *time.Time
}

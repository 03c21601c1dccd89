package service

import (
	"context"

	"chatcore/internal/apperr"
	"chatcore/internal/event"
	"chatcore/internal/store"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// ChatService 提供聊天列表与历史消息的只读查询。
type ChatService struct {
	store store.Store
}

func NewChatService(st store.Store) *ChatService {
	return &ChatService{store: st}
}

// ListChats 返回用户所在的聊天及其消息数。
func (s *ChatService) ListChats(ctx context.Context, userID uint) ([]store.ChatSummary, error) {
	return s.store.ListChats(ctx, userID)
}

// Messages 按 id 倒序分页返回聊天消息，beforeID 为 0 时从最新一条开始。
func (s *ChatService) Messages(ctx context.Context, userID, chatID, beforeID uint, limit int) ([]event.Envelope, error) {
	if chatID == 0 {
		return nil, apperr.BadPayload("invalid chat id")
	}
	if limit <= 0 || limit > MaxPageSize {
		limit = DefaultPageSize
	}
	ok, err := s.store.IsMember(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.ErrForbidden
	}
	rows, err := s.store.ListEnvelopes(ctx, chatID, beforeID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]event.Envelope, 0, len(rows))
	for _, m := range rows {
		out = append(out, event.EnvelopeFromModel(m))
	}
	return out, nil
}

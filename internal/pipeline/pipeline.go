// Package pipeline validates, persists and fans out chat traffic: sends,
// seen receipts, joins and typing signals.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatcore/internal/apperr"
	"chatcore/internal/auth"
	"chatcore/internal/broker"
	"chatcore/internal/event"
	"chatcore/internal/metrics"
	"chatcore/internal/models"
	"chatcore/internal/store"

	"github.com/rs/zerolog/log"
)

// maxSeenBatch bounds the ids accepted in one chat:seen.
const maxSeenBatch = 500

// Rooms broadcasts to every connection joined to a room on any instance.
type Rooms interface {
	Broadcast(ctx context.Context, room string, ev event.Outbound, exceptConn string) error
}

// Config 汇总发送流水线的限流、防重放与密文大小参数。
type Config struct {
	RateLimitMax       int
	RateLimitWindow    time.Duration
	ReplayWindow       time.Duration
	MaxCiphertextBytes int
}

// Pipeline 是 WebSocket 与 REST 共用的消息发送流水线：校验、持久化、分发与回执。
type Pipeline struct {
	store store.Store
	kv    broker.KV
	rooms Rooms
	cfg   Config

	// Now is swappable for tests.
	Now func() time.Time
}

// New 使用存储、broker 与房间广播器创建流水线。
func New(st store.Store, kv broker.KV, rooms Rooms, cfg Config) *Pipeline {
	return &Pipeline{store: st, kv: kv, rooms: rooms, cfg: cfg, Now: time.Now}
}

// SendResult is the outcome of an accepted send.
type SendResult struct {
	Envelope  event.Envelope
	Duplicate bool
}

func (r *SendResult) Ack() event.Ack {
	return event.Ack{
		OK:              true,
		ChatID:          r.Envelope.ChatID,
		ClientMessageID: r.Envelope.ClientMessageID,
		MessageID:       r.Envelope.ID,
		Duplicate:       r.Duplicate,
	}
}

func rateKey(uid uint) string                 { return fmt.Sprintf("rate:%d", uid) }
func replayKey(uid uint, nonce string) string { return fmt.Sprintf("replay:%d:%s", uid, nonce) }
func roomKey(chatID, uid uint) string         { return fmt.Sprintf("room:%d:user:%d", chatID, uid) }

// Accept runs a send from quota check through idempotent persistence. Known
// rejections keep their code; anything else becomes SendFailed.
func (p *Pipeline) Accept(ctx context.Context, sender auth.Identity, raw []byte) (res *SendResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		err = sendFailure(err)
		outcome := "ok"
		if err != nil {
			outcome = string(apperr.CodeOf(err))
		} else if res.Duplicate {
			outcome = "duplicate"
		}
		metrics.MessagesTotal.WithLabelValues(outcome).Inc()
	}()

	if err := p.checkQuota(ctx, sender.UserID); err != nil {
		return nil, err
	}
	req, err := parseSend(raw)
	if err != nil {
		return nil, err
	}
	now := p.Now()
	if d := now.Sub(req.SentAt); d > p.cfg.ReplayWindow || d < -p.cfg.ReplayWindow {
		return nil, apperr.ErrReplayWindow
	}
	if len(req.Ciphertext) > p.cfg.MaxCiphertextBytes {
		return nil, apperr.ErrPayloadTooLarge
	}
	if err := p.requireMember(ctx, req.ChatID, sender.UserID); err != nil {
		return nil, err
	}

	key := replayKey(sender.UserID, req.Nonce)
	fresh, err := p.kv.SetNX(ctx, key, p.cfg.ReplayWindow)
	if err != nil {
		return nil, err
	}
	if !fresh {
		// A retry of the same message reuses its nonce and must converge on
		// the stored row instead of being rejected.
		existing, err := p.store.EnvelopeByClientID(ctx, sender.UserID, req.ClientMessageID)
		if err != nil || existing.Nonce != req.Nonce || existing.ChatID != req.ChatID {
			if err != nil && !errors.Is(err, apperr.ErrNotFound) {
				return nil, err
			}
			return nil, apperr.ErrReplayNonce
		}
		return &SendResult{Envelope: event.EnvelopeFromModel(*existing), Duplicate: true}, nil
	}

	env := &models.MessageEnvelope{
		ChatID:          req.ChatID,
		SenderID:        sender.UserID,
		ClientMessageID: req.ClientMessageID,
		Ciphertext:      req.Ciphertext,
		Nonce:           req.Nonce,
		SentAt:          req.SentAt.UTC(),
		Metadata:        req.Metadata,
	}
	created, err := p.store.InsertEnvelope(ctx, env)
	if err != nil {
		// the message was not stored, so its nonce stays usable
		if derr := p.kv.Del(ctx, key); derr != nil {
			log.Warn().Err(derr).Uint("user_id", sender.UserID).Msg("release replay guard")
		}
		return nil, err
	}
	if !created && env.ChatID != req.ChatID {
		return nil, apperr.BadPayload("clientMessageId already used in another chat")
	}
	return &SendResult{Envelope: event.EnvelopeFromModel(*env), Duplicate: !created}, nil
}

// checkQuota charges one send against the sender's sliding window. The broker
// is advisory, so an unreachable broker lets the send through.
func (p *Pipeline) checkQuota(ctx context.Context, uid uint) error {
	ok, err := p.kv.Allow(ctx, rateKey(uid), p.cfg.RateLimitMax, p.cfg.RateLimitWindow)
	if err != nil {
		log.Warn().Err(err).Uint("user_id", uid).Msg("rate limit check failed, allowing")
		return nil
	}
	if !ok {
		return apperr.ErrRateLimited
	}
	return nil
}

// Fanout broadcasts an accepted envelope to its room, then marks and
// announces delivery for recipients currently joined to that room.
func (p *Pipeline) Fanout(ctx context.Context, sender auth.Identity, res *SendResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		err = sendFailure(err)
	}()

	env := res.Envelope
	room := event.Room(env.ChatID)
	if err := p.rooms.Broadcast(ctx, room, event.Message{Envelope: env, Duplicate: res.Duplicate}, ""); err != nil {
		return err
	}

	recipients, err := p.onlineRecipients(ctx, env.ChatID, sender.UserID)
	if err != nil || len(recipients) == 0 {
		return err
	}
	at := p.Now().UTC()
	changed, err := p.store.MarkDelivered(ctx, env.ID, recipients, at)
	if err != nil || len(changed) == 0 {
		return err
	}
	return p.rooms.Broadcast(ctx, room, event.Receipt{
		ChatID:       env.ChatID,
		Type:         event.ReceiptDelivered,
		MessageID:    env.ID,
		RecipientIDs: changed,
		At:           at,
	}, "")
}

// Send is Accept followed by Fanout, for callers without a socket to ack on.
// A fan-out failure is logged; the message is already stored.
func (p *Pipeline) Send(ctx context.Context, sender auth.Identity, raw []byte) (*SendResult, error) {
	res, err := p.Accept(ctx, sender, raw)
	if err != nil {
		return nil, err
	}
	if err := p.Fanout(ctx, sender, res); err != nil {
		log.Error().Err(err).Uint("user_id", sender.UserID).Uint("message_id", res.Envelope.ID).Msg("fan-out after send")
	}
	return res, nil
}

// onlineRecipients lists members other than the sender that have at least one
// connection joined to the chat room on any instance.
func (p *Pipeline) onlineRecipients(ctx context.Context, chatID, senderID uint) ([]uint, error) {
	members, err := p.store.MemberIDs(ctx, chatID)
	if err != nil {
		return nil, err
	}
	out := make([]uint, 0, len(members))
	for _, uid := range members {
		if uid == senderID {
			continue
		}
		n, err := p.kv.Get(ctx, roomKey(chatID, uid))
		if err != nil {
			return nil, err
		}
		if n > 0 {
			out = append(out, uid)
		}
	}
	return out, nil
}

func (p *Pipeline) requireMember(ctx context.Context, chatID, uid uint) error {
	ok, err := p.store.IsMember(ctx, chatID, uid)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.ErrForbidden
	}
	return nil
}

// AuthorizeJoin re-checks membership before a connection joins a chat room.
func (p *Pipeline) AuthorizeJoin(ctx context.Context, uid, chatID uint) error {
	if chatID == 0 {
		return apperr.BadPayload("chatId is required")
	}
	return p.requireMember(ctx, chatID, uid)
}

// Joined and Left keep the shared per-room connection count that Fanout
// reads to find online recipients.
func (p *Pipeline) Joined(ctx context.Context, chatID, uid uint) error {
	_, err := p.kv.Incr(ctx, roomKey(chatID, uid))
	return err
}

// Left 递减房间计数，与 Joined 成对调用。
func (p *Pipeline) Left(ctx context.Context, chatID, uid uint) error {
	_, err := p.kv.Decr(ctx, roomKey(chatID, uid))
	return err
}

// Seen marks the viewer's receipts seen and broadcasts the ids that changed.
// Nothing is broadcast when no row changed.
func (p *Pipeline) Seen(ctx context.Context, viewer auth.Identity, req event.Seen) ([]uint, error) {
	if req.ChatID == 0 || len(req.MessageIDs) == 0 {
		return nil, apperr.BadPayload("chatId and messageIds are required")
	}
	if len(req.MessageIDs) > maxSeenBatch {
		return nil, apperr.BadPayload(fmt.Sprintf("at most %d messageIds", maxSeenBatch))
	}
	if err := p.requireMember(ctx, req.ChatID, viewer.UserID); err != nil {
		return nil, err
	}
	at := p.Now().UTC()
	changed, err := p.store.MarkSeen(ctx, req.ChatID, viewer.UserID, req.MessageIDs, at)
	if err != nil || len(changed) == 0 {
		return nil, err
	}
	err = p.rooms.Broadcast(ctx, event.Room(req.ChatID), event.Receipt{
		ChatID:     req.ChatID,
		Type:       event.ReceiptSeen,
		MessageIDs: changed,
		SeenBy:     viewer.UserID,
		At:         at,
	}, "")
	return changed, err
}

// Typing relays a typing signal to the rest of the room.
func (p *Pipeline) Typing(ctx context.Context, who auth.Identity, req event.Typing, exceptConn string) error {
	if err := p.requireMember(ctx, req.ChatID, who.UserID); err != nil {
		return err
	}
	state := "stop"
	if req.Started {
		state = "start"
	}
	return p.rooms.Broadcast(ctx, event.Room(req.ChatID), event.TypingChanged{
		ChatID:   req.ChatID,
		UserID:   who.UserID,
		Username: who.Username,
		State:    state,
	}, exceptConn)
}

func sendFailure(err error) error {
	if err == nil {
		return nil
	}
	if apperr.CodeOf(err) == apperr.CodeInternal {
		return apperr.SendFailed(err)
	}
	return err
}

// Package presence tracks how many live connections each user holds across
// all gateway instances and announces online/offline transitions.
package presence

import (
	"context"
	"fmt"
	"time"

	"chatcore/internal/broker"
	"chatcore/internal/event"

	"github.com/rs/zerolog/log"
)

// Broadcaster delivers an event to every connection on every instance.
type Broadcaster interface {
	BroadcastAll(ctx context.Context, ev event.Outbound) error
}

// Tracker 基于 broker 计数维护用户在线状态，并在上下线时广播 presence 事件。
type Tracker struct {
	kv  broker.KV
	out Broadcaster

	// Now is swappable for tests.
	Now func() time.Time
}

// NewTracker 创建在线状态追踪器。
func NewTracker(kv broker.KV, out Broadcaster) *Tracker {
	return &Tracker{kv: kv, out: out, Now: time.Now}
}

func connKey(uid uint) string { return fmt.Sprintf("presence:conn:%d", uid) }
func seenKey(uid uint) string { return fmt.Sprintf("presence:seen:%d", uid) }

// Connect counts a new connection for uid and announces "online" when it is
// the user's first.
func (t *Tracker) Connect(ctx context.Context, uid uint) {
	n, err := t.kv.Incr(ctx, connKey(uid))
	if err != nil {
		log.Warn().Err(err).Uint("user_id", uid).Msg("presence incr")
		return
	}
	t.touch(ctx, uid)
	if n == 1 {
		t.announce(ctx, uid, event.PresenceOnline)
	}
}

// Heartbeat records last-seen for uid.
func (t *Tracker) Heartbeat(ctx context.Context, uid uint) {
	t.touch(ctx, uid)
}

// Disconnect releases one connection of uid and announces "offline" when none
// remain.
func (t *Tracker) Disconnect(ctx context.Context, uid uint) {
	n, err := t.kv.Decr(ctx, connKey(uid))
	if err != nil {
		log.Warn().Err(err).Uint("user_id", uid).Msg("presence decr")
		return
	}
	t.touch(ctx, uid)
	if n <= 0 {
		t.announce(ctx, uid, event.PresenceOffline)
	}
}

// Online 判断用户当前是否至少有一条连接。
func (t *Tracker) Online(ctx context.Context, uid uint) (bool, error) {
	n, err := t.kv.Get(ctx, connKey(uid))
	return n > 0, err
}

// LastSeen returns the zero time when uid was never seen.
func (t *Tracker) LastSeen(ctx context.Context, uid uint) (time.Time, error) {
	ms, err := t.kv.Get(ctx, seenKey(uid))
	if err != nil || ms == 0 {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (t *Tracker) touch(ctx context.Context, uid uint) {
	if err := t.kv.Set(ctx, seenKey(uid), t.Now().UnixMilli(), 0); err != nil {
		log.Warn().Err(err).Uint("user_id", uid).Msg("presence last-seen")
	}
}

func (t *Tracker) announce(ctx context.Context, uid uint, state string) {
	if err := t.out.BroadcastAll(ctx, event.PresenceChanged{UserID: uid, State: state}); err != nil {
		log.Warn().Err(err).Uint("user_id", uid).Str("state", state).Msg("presence broadcast")
	}
}

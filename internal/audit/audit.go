// Package audit is a one-way sink for security-relevant events.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	TypeLogin        = "login"
	TypeLoginFailed  = "login_failed"
	TypeRegister     = "register"
	TypeRotate       = "refresh_rotate"
	TypeRefreshReuse = "refresh_reuse"
	TypeLogout       = "logout"
	TypeForcedClose  = "connection_forced_close"
)

// Event 是一条安全审计记录。
type Event struct {
	Type      string
	UserID    uint
	SessionID string
	Detail    string
	At        time.Time
}

// Emitter 接收审计事件，实现不得阻塞调用方。
type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

// LogEmitter writes events through zerolog under the "audit" component.
type LogEmitter struct {
	logger zerolog.Logger
}

// NewLogEmitter 创建写入 zerolog 的审计输出。
func NewLogEmitter() *LogEmitter {
	return &LogEmitter{logger: log.With().Str("component", "audit").Logger()}
}

func (e *LogEmitter) Emit(_ context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	lvl := zerolog.InfoLevel
	if ev.Type == TypeRefreshReuse || ev.Type == TypeLoginFailed {
		lvl = zerolog.WarnLevel
	}
	e.logger.WithLevel(lvl).
		Str("audit_type", ev.Type).
		Uint("user_id", ev.UserID).
		Str("session_id", ev.SessionID).
		Str("detail", ev.Detail).
		Time("at", ev.At).
		Msg("audit")
}

// Recorder keeps events in memory; tests use it to assert what was emitted.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the emitted event types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

package ws

import (
	"context"
	"time"

	"chatcore/internal/apperr"

	"github.com/rs/zerolog/log"
)

// Supervisor 定期扫描 arena，强制断开超过心跳超时的连接。
type Supervisor struct {
	hub      *Hub
	interval time.Duration
	timeout  time.Duration

	// Now is swappable for tests.
	Now func() time.Time
}

func NewSupervisor(hub *Hub, interval, timeout time.Duration) *Supervisor {
	return &Supervisor{hub: hub, interval: interval, timeout: timeout, Now: time.Now}
}

// Run 阻塞直到 ctx 结束。
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				log.Info().Int("closed", n).Msg("liveness sweep")
			}
		}
	}
}

// Sweep 关闭所有 Stale 连接并返回数量。
func (s *Supervisor) Sweep() int {
	now := s.Now()
	closed := 0
	for _, c := range s.hub.snapshot() {
		if c.Liveness(now, s.timeout) == Stale && c.forceClose(apperr.ErrLivenessTimeout, "liveness_timeout") {
			closed++
		}
	}
	return closed
}

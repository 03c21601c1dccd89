package ws

import (
	"context"
	"net/http"
	"strings"
	"time"

	"chatcore/internal/audit"
	"chatcore/internal/auth"
	"chatcore/internal/metrics"
	"chatcore/internal/pipeline"
	"chatcore/internal/presence"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Options struct {
	MaxQueueDepth int
	MaxFrameBytes int64
}

// Gateway 负责连接握手，并持有连接处理所需的全部依赖。
type Gateway struct {
	hub      *Hub
	authn    *auth.Authenticator
	pipe     *pipeline.Pipeline
	presence *presence.Tracker
	audit    audit.Emitter
	ready    func(ctx context.Context) error
	opts     Options
	upgrader websocket.Upgrader

	// Now is swappable for tests.
	Now func() time.Time
}

// NewGateway 创建网关。ready 为 nil 时不做就绪检查。
func NewGateway(hub *Hub, authn *auth.Authenticator, pipe *pipeline.Pipeline, pres *presence.Tracker,
	em audit.Emitter, ready func(ctx context.Context) error, opts Options) *Gateway {
	return &Gateway{
		hub:      hub,
		authn:    authn,
		pipe:     pipe,
		presence: pres,
		audit:    em,
		ready:    ready,
		opts:     opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		Now: time.Now,
	}
}

func (g *Gateway) Hub() *Hub { return g.hub }

// Serve 校验 access token 后升级为 WebSocket，并在当前 goroutine 中运行读循环。
func (g *Gateway) Serve(c *gin.Context) {
	if g.ready != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		err := g.ready(ctx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("refuse connection while degraded")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "degraded"})
			return
		}
	}
	identity, err := g.authn.Authenticate(auth.ExtractBearer(c.Request))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	// Browsers that pass the token as a subprotocol require one to be echoed back.
	var header http.Header
	if protos := websocket.Subprotocols(c.Request); len(protos) > 0 {
		header = http.Header{}
		header.Set("Sec-WebSocket-Protocol", pickProtocol(protos))
	}
	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, header)
	if err != nil {
		return
	}

	client := newClient(g, conn, uuid.NewString(), identity)
	g.hub.register(client)
	metrics.WsConnections.Inc()
	ctx := context.Background()
	g.presence.Connect(ctx, identity.UserID)
	log.Debug().Str("conn_id", client.id).Uint("user_id", identity.UserID).Str("session_id", identity.SessionID).Msg("connection open")

	go client.writePump()
	client.readPump(ctx)
}

func pickProtocol(protos []string) string {
	for _, p := range protos {
		if !strings.HasPrefix(strings.ToLower(p), "bearer.") {
			return p
		}
	}
	return protos[0]
}

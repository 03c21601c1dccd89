package server

import (
	"time"

	"chatcore/internal/auth"
	"chatcore/internal/config"
	"chatcore/internal/metrics"
	"chatcore/internal/mw"
	"chatcore/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, h *Handler, authn *auth.Authenticator, gw *ws.Gateway) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	// 控制单个 IP+路由的速率；消息配额由流水线单独计算。
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	r.GET("/healthz", h.Healthz)
	r.GET("/readyz", h.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/v1")
	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/refresh", h.Refresh)

	// WebSocket 握手自行校验 token，以便支持 query 与 subprotocol 两种传递方式。
	api.GET("/ws", gw.Serve)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(authn.Middleware())
	authed.POST("/auth/logout", h.Logout)
	authed.GET("/auth/me", h.Me)
	authed.GET("/chats", h.ListChats)
	authed.GET("/chats/:chatId/messages", h.ListMessages)
	authed.POST("/chats/:chatId/messages", h.SendMessage)

	return r
}

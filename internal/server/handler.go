package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatcore/internal/apperr"
	"chatcore/internal/auth"
	"chatcore/internal/pipeline"
	"chatcore/internal/service"
	"chatcore/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	sessions *service.SessionManager
	chats    *service.ChatService
	pipe     *pipeline.Pipeline
	hub      *ws.Hub
	ready    func(ctx context.Context) error
}

func NewHandler(sessions *service.SessionManager, chats *service.ChatService, pipe *pipeline.Pipeline, hub *ws.Hub, ready func(ctx context.Context) error) *Handler {
	return &Handler{sessions: sessions, chats: chats, pipe: pipe, hub: hub, ready: ready}
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// writeError 把错误码映射为 HTTP 状态。所有凭证类错误统一返回 401，不区分具体原因。
func writeError(c *gin.Context, err error, msg string) {
	code := apperr.CodeOf(err)
	if apperr.IsCredential(code) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	status := apperr.HTTPStatus(code)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg(msg)
		c.JSON(status, gin.H{"error": msg, "code": code})
		return
	}
	c.JSON(status, gin.H{"error": apperr.MessageOf(err), "code": code})
}

func device(c *gin.Context) string {
	return c.Request.UserAgent()
}

// Healthz 只表示进程存活。
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readyz 检查数据库与 broker 是否可用。
func (h *Handler) Readyz(c *gin.Context) {
	if h.ready != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.ready(ctx); err != nil {
			log.Warn().Err(err).Msg("readiness check")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload", "code": apperr.CodeBadPayload})
		return
	}
	user, err := h.sessions.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		writeError(c, err, "failed to create user")
		return
	}
	c.JSON(http.StatusOK, user)
}

// Login 处理用户登录请求。
func (h *Handler) Login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload", "code": apperr.CodeBadPayload})
		return
	}
	pair, err := h.sessions.Login(c.Request.Context(), strings.TrimSpace(req.Username), req.Password, device(c))
	if err != nil {
		writeError(c, err, "login failed")
		return
	}
	c.JSON(http.StatusOK, pair)
}

// Refresh 处理 refresh 凭证轮换请求。
func (h *Handler) Refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload", "code": apperr.CodeBadPayload})
		return
	}
	pair, err := h.sessions.Rotate(c.Request.Context(), req.RefreshToken, device(c))
	if err != nil {
		writeError(c, err, "refresh failed")
		return
	}
	c.JSON(http.StatusOK, pair)
}

// Logout 吊销会话；默认吊销当前 access token 所属的会话。
func (h *Handler) Logout(c *gin.Context) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload", "code": apperr.CodeBadPayload})
		return
	}
	id := auth.GetIdentity(c)
	if req.SessionID == "" {
		req.SessionID = id.SessionID
	}
	if err := h.sessions.Revoke(c.Request.Context(), id.UserID, req.SessionID); err != nil {
		writeError(c, err, "logout failed")
		return
	}
	// Sockets are only closed for the caller's own session.
	if req.SessionID == id.SessionID {
		if err := h.hub.KickSession(c.Request.Context(), req.SessionID); err != nil {
			log.Warn().Err(err).Str("session_id", req.SessionID).Msg("kick session")
		}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Me 返回当前登录用户。
func (h *Handler) Me(c *gin.Context) {
	user, err := h.sessions.Me(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		writeError(c, err, "failed to load user")
		return
	}
	c.JSON(http.StatusOK, user)
}

// ListChats 处理获取聊天列表请求。
func (h *Handler) ListChats(c *gin.Context) {
	chats, err := h.chats.ListChats(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		writeError(c, err, "failed to list chats")
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

// ListMessages 处理获取聊天消息列表请求，按 id 倒序。
func (h *Handler) ListMessages(c *gin.Context) {
	chatID, ok := pathID(c, "chatId")
	if !ok {
		return
	}
	limit, ok := queryUint(c, "limit")
	if !ok {
		return
	}
	beforeID, ok := queryUint(c, "beforeId")
	if !ok {
		return
	}
	msgs, err := h.chats.Messages(c.Request.Context(), auth.GetUserID(c), chatID, beforeID, int(limit))
	if err != nil {
		writeError(c, err, "failed to list messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// SendMessage 是没有 WebSocket 连接的客户端的发送入口，与 chat:send 走同一条流水线。
func (h *Handler) SendMessage(c *gin.Context) {
	chatID, ok := pathID(c, "chatId")
	if !ok {
		return
	}
	var body map[string]json.RawMessage
	if err := c.ShouldBindJSON(&body); err != nil || body == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload", "code": apperr.CodeBadPayload})
		return
	}
	body["chatId"] = json.RawMessage(strconv.FormatUint(uint64(chatID), 10))
	raw, err := json.Marshal(body)
	if err != nil {
		writeError(c, err, "send failed")
		return
	}
	res, err := h.pipe.Send(c.Request.Context(), auth.GetIdentity(c), raw)
	if err != nil {
		writeError(c, err, "send failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messageId": res.Envelope.ID, "duplicate": res.Duplicate})
}

func pathID(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || v == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name, "code": apperr.CodeBadPayload})
		return 0, false
	}
	return uint(v), true
}

// queryUint 解析可选的非负整数查询参数；缺省为 0，格式错误时返回 400。
func queryUint(c *gin.Context, name string) (uint, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name, "code": apperr.CodeBadPayload})
		return 0, false
	}
	return uint(v), true
}

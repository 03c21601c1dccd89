package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"chatcore/internal/audit"
	"chatcore/internal/auth"
	"chatcore/internal/broker"
	"chatcore/internal/config"
	"chatcore/internal/fanout"
	"chatcore/internal/models"
	"chatcore/internal/pipeline"
	"chatcore/internal/presence"
	"chatcore/internal/service"
	"chatcore/internal/store/storetest"
	"chatcore/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiFixture struct {
	engine *gin.Engine
	audit  *audit.Recorder
	down   atomic.Bool
	alice  *models.User
	bob    *models.User
	eve    *models.User
	chatID uint
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	st := storetest.Open(t)
	f := &apiFixture{audit: &audit.Recorder{}}
	f.alice = storetest.User(t, st, "alice")
	f.bob = storetest.User(t, st, "bob")
	f.eve = storetest.User(t, st, "eve")
	f.chatID = storetest.Chat(t, st, "seven", f.alice.ID, f.bob.ID).ID

	kv := broker.NewMemory()
	hub := ws.NewHub(fanout.NewBridge(kv, "", "test"))
	require.NoError(t, hub.Start(ctx))
	pipe := pipeline.New(st, kv, hub, pipeline.Config{
		RateLimitMax:       100,
		RateLimitWindow:    time.Minute,
		ReplayWindow:       5 * time.Minute,
		MaxCiphertextBytes: 1024,
	})
	tokens := auth.NewTokens("test-secret", 15*time.Minute, 7*24*time.Hour)
	authn := auth.NewAuthenticator(tokens)
	ready := func(context.Context) error {
		if f.down.Load() {
			return errors.New("broker unreachable")
		}
		return nil
	}
	sessions := service.NewSessionManager(st, tokens, auth.NewSecretHasher("test-secret"), f.audit)
	gw := ws.NewGateway(hub, authn, pipe, presence.NewTracker(kv, hub), f.audit, ready, ws.Options{MaxQueueDepth: 16, MaxFrameBytes: 1 << 16})
	h := NewHandler(sessions, service.NewChatService(st), pipe, hub, ready)
	f.engine = SetupRouter(config.Config{Env: "dev"}, h, authn, gw)
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) login(t *testing.T, username string) service.TokenPair {
	t.Helper()
	w := f.do(t, http.MethodPost, "/v1/auth/login", "", gin.H{"username": username, "password": "pw-" + username})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var pair service.TokenPair
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pair))
	return pair
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealthAndReadiness(t *testing.T) {
	f := newAPIFixture(t)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/readyz", "", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/metrics", "", nil).Code)

	f.down.Store(true)
	w := f.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", decode(t, w)["status"])
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "", nil).Code)
}

func TestAuthFlow(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/v1/auth/register", "", gin.H{"username": "carol", "password": "pw-carol"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "carol", decode(t, w)["username"])

	w = f.do(t, http.MethodPost, "/v1/auth/register", "", gin.H{"username": "carol", "password": "pw-carol"})
	assert.Equal(t, http.StatusConflict, w.Code)

	pair := f.login(t, "carol")
	assert.NotEmpty(t, pair.SessionID)

	w = f.do(t, http.MethodGet, "/v1/auth/me", pair.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "carol", decode(t, w)["username"])

	w = f.do(t, http.MethodPost, "/v1/auth/refresh", "", gin.H{"refreshToken": pair.RefreshToken})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rotated service.TokenPair
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rotated))
	assert.NotEqual(t, pair.SessionID, rotated.SessionID)

	// replaying the superseded credential fails with the uniform body
	w = f.do(t, http.MethodPost, "/v1/auth/refresh", "", gin.H{"refreshToken": pair.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, map[string]any{"error": "unauthorized"}, decode(t, w))
	assert.Contains(t, f.audit.Types(), audit.TypeRefreshReuse)

	w = f.do(t, http.MethodPost, "/v1/auth/logout", rotated.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["ok"])

	w = f.do(t, http.MethodPost, "/v1/auth/refresh", "", gin.H{"refreshToken": rotated.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthFailuresAreUniform(t *testing.T) {
	f := newAPIFixture(t)
	pair := f.login(t, "alice")

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
	}{
		{"wrong password", http.MethodPost, "/v1/auth/login", "", gin.H{"username": "alice", "password": "nope"}},
		{"unknown user", http.MethodPost, "/v1/auth/login", "", gin.H{"username": "mallory", "password": "nope"}},
		{"malformed refresh", http.MethodPost, "/v1/auth/refresh", "", gin.H{"refreshToken": "abc"}},
		{"access token as refresh", http.MethodPost, "/v1/auth/refresh", "", gin.H{"refreshToken": pair.AccessToken + ".00"}},
		{"missing bearer", http.MethodGet, "/v1/chats", "", nil},
		{"refresh as bearer", http.MethodGet, "/v1/chats", pair.RefreshToken, nil},
		{"garbage bearer", http.MethodGet, "/v1/auth/me", "garbage", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, tt.method, tt.path, tt.token, tt.body)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, map[string]any{"error": "unauthorized"}, decode(t, w))
		})
	}
}

func TestChatsAndMessages(t *testing.T) {
	f := newAPIFixture(t)
	alice := f.login(t, "alice")
	eve := f.login(t, "eve")
	path := "/v1/chats/" + strconv.FormatUint(uint64(f.chatID), 10) + "/messages"
	body := gin.H{
		"clientMessageId": "m1",
		"nonce":           "n1",
		"ciphertext":      "c1",
		"sentAt":          time.Now().UTC().Format(time.RFC3339),
		"metadata":        gin.H{"kind": "text"},
	}

	w := f.do(t, http.MethodPost, path, alice.AccessToken, body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	first := decode(t, w)
	assert.Equal(t, false, first["duplicate"])

	w = f.do(t, http.MethodPost, path, alice.AccessToken, body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	retry := decode(t, w)
	assert.Equal(t, first["messageId"], retry["messageId"])
	assert.Equal(t, true, retry["duplicate"])

	w = f.do(t, http.MethodGet, "/v1/chats", alice.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var chats struct {
		Chats []struct {
			ID           uint  `json:"id"`
			MessageCount int64 `json:"messageCount"`
		} `json:"chats"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &chats))
	require.Len(t, chats.Chats, 1)
	assert.Equal(t, int64(1), chats.Chats[0].MessageCount)

	w = f.do(t, http.MethodGet, path+"?limit=10", alice.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Messages []struct {
			ID         uint           `json:"id"`
			Ciphertext string         `json:"ciphertext"`
			Metadata   map[string]any `json:"metadata"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "c1", page.Messages[0].Ciphertext)
	assert.Equal(t, "text", page.Messages[0].Metadata["kind"])

	tests := []struct {
		name     string
		method   string
		path     string
		token    string
		body     any
		wantCode int
		wantErr  string
	}{
		{"outsider reads", http.MethodGet, path, eve.AccessToken, nil, http.StatusForbidden, "FORBIDDEN"},
		{"outsider sends", http.MethodPost, path, eve.AccessToken, gin.H{"clientMessageId": "e1", "nonce": "e1", "ciphertext": "x", "sentAt": time.Now().UnixMilli()}, http.StatusForbidden, "FORBIDDEN"},
		{"bad chat id", http.MethodGet, "/v1/chats/zero/messages", alice.AccessToken, nil, http.StatusBadRequest, "BAD_PAYLOAD"},
		{"bad beforeId", http.MethodGet, path + "?beforeId=abc", alice.AccessToken, nil, http.StatusBadRequest, "BAD_PAYLOAD"},
		{"bad limit", http.MethodGet, path + "?limit=x", alice.AccessToken, nil, http.StatusBadRequest, "BAD_PAYLOAD"},
		{"negative limit", http.MethodGet, path + "?limit=-5", alice.AccessToken, nil, http.StatusBadRequest, "BAD_PAYLOAD"},
		{"missing nonce", http.MethodPost, path, alice.AccessToken, gin.H{"clientMessageId": "m2", "ciphertext": "x", "sentAt": time.Now().UnixMilli()}, http.StatusBadRequest, "BAD_PAYLOAD"},
		{"stale sentAt", http.MethodPost, path, alice.AccessToken, gin.H{"clientMessageId": "m3", "nonce": "n3", "ciphertext": "x", "sentAt": time.Now().Add(-time.Hour).UnixMilli()}, http.StatusBadRequest, "REPLAY_WINDOW"},
		{"not an object", http.MethodPost, path, alice.AccessToken, []int{1}, http.StatusBadRequest, "BAD_PAYLOAD"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, tt.method, tt.path, tt.token, tt.body)
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
			assert.Equal(t, tt.wantErr, decode(t, w)["code"])
		})
	}
}

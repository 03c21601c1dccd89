package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chatcore/internal/apperr"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBearer(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *http.Request)
		want  string
	}{
		{"header", func(r *http.Request) { r.Header.Set("Authorization", "Bearer abc") }, "abc"},
		{"lowercase scheme", func(r *http.Request) { r.Header.Set("Authorization", "bearer   abc ") }, "abc"},
		{"query", func(r *http.Request) { r.URL.RawQuery = "token=q1" }, "q1"},
		{"subprotocol", func(r *http.Request) { r.Header.Set("Sec-WebSocket-Protocol", "chat.v1, bearer.p1") }, "p1"},
		{"none", func(*http.Request) {}, ""},
		{"header wins", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer h")
			r.URL.RawQuery = "token=q"
		}, "h"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/v1/ws", nil)
			tt.setup(r)
			assert.Equal(t, tt.want, ExtractBearer(r))
		})
	}
}

func TestAuthenticator(t *testing.T) {
	tokens := NewTokens("secret", time.Minute, time.Hour)
	a := NewAuthenticator(tokens)
	access, _, _ := tokens.IssueAccess(alice)
	refresh, _, _ := tokens.IssueRefresh(alice)

	id, err := a.Authenticate(access)
	require.NoError(t, err)
	assert.Equal(t, alice, id)

	_, err = a.Authenticate("  ")
	assert.Equal(t, apperr.CodeMissingToken, apperr.CodeOf(err))

	_, err = a.Authenticate(refresh)
	assert.Equal(t, apperr.CodeWrongTokenKind, apperr.CodeOf(err))
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tokens := NewTokens("secret", time.Minute, time.Hour)
	a := NewAuthenticator(tokens)
	access, _, _ := tokens.IssueAccess(alice)
	refresh, _, _ := tokens.IssueRefresh(alice)

	r := gin.New()
	r.GET("/me", a.Middleware(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"uid": GetUserID(c), "sid": GetIdentity(c).SessionID})
	})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"access token", "Bearer " + access, http.StatusOK},
		{"refresh token", "Bearer " + refresh, http.StatusUnauthorized},
		{"missing", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusOK {
				assert.JSONEq(t, `{"uid":42,"sid":"s-1"}`, w.Body.String())
			} else {
				assert.JSONEq(t, `{"error":"unauthorized"}`, w.Body.String())
			}
		})
	}
}

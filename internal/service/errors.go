package service

import (
	"strings"

	"chatcore/internal/apperr"
)

const (
	minUsernameLen = 2
	maxUsernameLen = 64
	minPasswordLen = 4
	maxPasswordLen = 72 // bcrypt 只使用前 72 字节
)

// validateCredentials 校验注册参数，返回去除首尾空白后的用户名。
func validateCredentials(username, password string) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return "", apperr.BadPayload("username and password are required")
	}
	if len(username) < minUsernameLen || len(username) > maxUsernameLen {
		return "", apperr.BadPayload("invalid username")
	}
	if len(password) < minPasswordLen || len(password) > maxPasswordLen {
		return "", apperr.BadPayload("invalid password")
	}
	return username, nil
}

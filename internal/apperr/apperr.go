// Package apperr defines the error taxonomy shared by the HTTP surface and
// the socket gateway.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeInvalidCredentials   Code = "INVALID_CREDENTIALS"
	CodeMalformedToken       Code = "MALFORMED_TOKEN"
	CodeInvalidTokenType     Code = "INVALID_TOKEN_TYPE"
	CodeRevoked              Code = "REVOKED"
	CodeExpired              Code = "EXPIRED"
	CodeMissingToken         Code = "MISSING_TOKEN"
	CodeInvalidSignature     Code = "INVALID_SIGNATURE"
	CodeWrongTokenKind       Code = "WRONG_TOKEN_KIND"
	CodeForbidden            Code = "FORBIDDEN"
	CodeRateLimited          Code = "RATE_LIMITED"
	CodeBadPayload           Code = "BAD_PAYLOAD"
	CodeReplayWindow         Code = "REPLAY_WINDOW"
	CodeReplayNonce          Code = "REPLAY_NONCE"
	CodePayloadTooLarge      Code = "PAYLOAD_TOO_LARGE"
	CodeBackpressureOverload Code = "BACKPRESSURE_OVERLOAD"
	CodeLivenessTimeout      Code = "LIVENESS_TIMEOUT"
	CodeSendFailed           Code = "SEND_FAILED"
	CodeNotFound             Code = "NOT_FOUND"
	CodeUsernameTaken        Code = "USERNAME_TAKEN"
	CodeInternal             Code = "INTERNAL"
)

type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error carrying the same code, so sentinels compare by code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &Error{Code: code, Message: message, Cause: cause}
}

var (
	ErrInvalidCredentials = New(CodeInvalidCredentials, "invalid credentials")
	ErrMalformedToken     = New(CodeMalformedToken, "malformed token")
	ErrInvalidTokenType   = New(CodeInvalidTokenType, "invalid token type")
	ErrRevoked            = New(CodeRevoked, "credential revoked")
	ErrExpired            = New(CodeExpired, "credential expired")
	ErrMissingToken       = New(CodeMissingToken, "missing bearer token")
	ErrInvalidSignature   = New(CodeInvalidSignature, "invalid token signature")
	ErrWrongTokenKind     = New(CodeWrongTokenKind, "wrong token kind")
	ErrForbidden          = New(CodeForbidden, "not a member of this chat")
	ErrRateLimited        = New(CodeRateLimited, "too many messages")
	ErrReplayWindow       = New(CodeReplayWindow, "sentAt outside the replay window")
	ErrReplayNonce        = New(CodeReplayNonce, "nonce already used")
	ErrPayloadTooLarge    = New(CodePayloadTooLarge, "ciphertext too large")
	ErrBackpressure       = New(CodeBackpressureOverload, "outbound queue overloaded")
	ErrLivenessTimeout    = New(CodeLivenessTimeout, "heartbeat timeout")
	ErrNotFound           = New(CodeNotFound, "not found")
	ErrUsernameTaken      = New(CodeUsernameTaken, "username taken")
)

func BadPayload(msg string) error {
	return New(CodeBadPayload, msg)
}

func SendFailed(cause error) error {
	return Wrap(CodeSendFailed, "send failed", cause)
}

// CodeOf returns the taxonomy code of err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MessageOf returns the client-safe message for err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// IsCredential reports whether code belongs to the credential class, which is
// always surfaced as a uniform unauthorized response.
func IsCredential(code Code) bool {
	switch code {
	case CodeInvalidCredentials, CodeMalformedToken, CodeInvalidTokenType, CodeRevoked,
		CodeExpired, CodeMissingToken, CodeInvalidSignature, CodeWrongTokenKind:
		return true
	}
	return false
}

func HTTPStatus(code Code) int {
	if IsCredential(code) {
		return http.StatusUnauthorized
	}
	switch code {
	case CodeForbidden:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeBadPayload, CodeReplayWindow, CodeReplayNonce:
		return http.StatusBadRequest
	case CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUsernameTaken:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
